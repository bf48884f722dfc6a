package harmony

import (
	"errors"
	"fmt"

	"gitlab.com/gomidi/midi/v2"
)

// Wire payloads are raw MIDI. A request is one NoteOn on channel 0; a reply
// is four NoteOn messages whose channels 0..3 carry Soprano..Bass.

const (
	noteOnSize      = 3
	requestVelocity = 100
)

var errMalformed = errors.New("malformed midi payload")

// EncodeNote encodes a melody note as a request payload.
func EncodeNote(n Note) ([]byte, error) {
	if !n.Valid() {
		return nil, fmt.Errorf("encode note %d: out of range", int(n))
	}
	return midi.NoteOn(0, uint8(n), requestVelocity), nil
}

// DecodeNote decodes a request payload.
func DecodeNote(data []byte) (Note, error) {
	if len(data) != noteOnSize {
		return 0, fmt.Errorf("%w: %d bytes", errMalformed, len(data))
	}
	var ch, key, vel uint8
	if !midi.Message(data).GetNoteStart(&ch, &key, &vel) {
		return 0, fmt.Errorf("%w: not a note on", errMalformed)
	}
	return Note(key), nil
}

// EncodeChord encodes a chord as a reply payload.
func EncodeChord(c Chord) ([]byte, error) {
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("encode chord: %w", err)
	}
	out := make([]byte, 0, NumParts*noteOnSize)
	for _, p := range Parts {
		out = append(out, midi.NoteOn(uint8(p), uint8(c.Note(p)), requestVelocity)...)
	}
	return out, nil
}

// DecodeChord decodes a reply payload. Every part must be present exactly
// once.
func DecodeChord(data []byte) (Chord, error) {
	if len(data) != NumParts*noteOnSize {
		return Chord{}, fmt.Errorf("%w: %d bytes", errMalformed, len(data))
	}

	var notes [NumParts]Note
	var seen [NumParts]bool
	for i := 0; i < NumParts; i++ {
		msg := midi.Message(data[i*noteOnSize : (i+1)*noteOnSize])
		var ch, key, vel uint8
		if !msg.GetNoteStart(&ch, &key, &vel) {
			return Chord{}, fmt.Errorf("%w: message %d is not a note on", errMalformed, i)
		}
		if int(ch) >= NumParts || seen[ch] {
			return Chord{}, fmt.Errorf("%w: unexpected channel %d", errMalformed, ch)
		}
		seen[ch] = true
		notes[ch] = Note(key)
	}
	return ChordFromNotes(notes), nil
}
