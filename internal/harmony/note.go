// Package harmony bridges the melody control signal to an external
// harmonization service and publishes the resulting four-part chords.
package harmony

import (
	"fmt"
	"math"
)

// Note is a MIDI note number.
type Note int

// Valid reports whether n is within the MIDI range.
func (n Note) Valid() bool {
	return n >= 0 && n <= 127
}

// Frequency returns the equal-tempered frequency of n in Hz, with A4 at 440 Hz.
func (n Note) Frequency() float64 {
	return 440 * math.Pow(2, float64(n-69)/12)
}

var pitchClasses = [12]string{"C", "C#", "D", "D#", "E", "F", "F#", "G", "G#", "A", "A#", "B"}

// Name returns the scientific pitch name of n, e.g. "C4" for 60.
func (n Note) Name() string {
	if !n.Valid() {
		return fmt.Sprintf("note(%d)", int(n))
	}
	return fmt.Sprintf("%s%d", pitchClasses[n%12], int(n)/12-1)
}

// String implements fmt.Stringer.
func (n Note) String() string {
	return n.Name()
}

// NoteName returns the pitch name of a raw MIDI number.
func NoteName(n int) string {
	return Note(n).Name()
}

// Scale is the fixed melody scale: the white keys from C4 to C6 inclusive.
var Scale = [15]Note{60, 62, 64, 65, 67, 69, 71, 72, 74, 76, 77, 79, 81, 83, 84}

// Quantize maps a pitch position in [0,1] onto Scale. Out-of-range positions
// are clamped; NaN maps to the lowest note.
func Quantize(position float64) Note {
	last := len(Scale) - 1
	if math.IsNaN(position) {
		return Scale[0]
	}
	idx := math.Floor(position * float64(last))
	if idx < 0 {
		idx = 0
	}
	if idx > float64(last) {
		idx = float64(last)
	}
	return Scale[int(idx)]
}

// Part identifies one of the four chord voices.
type Part int

const (
	Soprano Part = iota
	Alto
	Tenor
	Bass
)

// NumParts is the number of voices in a chord.
const NumParts = 4

// Parts lists the voices from top to bottom.
var Parts = [NumParts]Part{Soprano, Alto, Tenor, Bass}

func (p Part) String() string {
	switch p {
	case Soprano:
		return "soprano"
	case Alto:
		return "alto"
	case Tenor:
		return "tenor"
	case Bass:
		return "bass"
	default:
		return fmt.Sprintf("part(%d)", int(p))
	}
}

// Chord is a complete four-part harmony. A new chord always replaces the
// previous one whole.
type Chord struct {
	Soprano Note `json:"soprano"`
	Alto    Note `json:"alto"`
	Tenor   Note `json:"tenor"`
	Bass    Note `json:"bass"`
}

// Notes returns the chord's notes indexed by Part.
func (c Chord) Notes() [NumParts]Note {
	return [NumParts]Note{c.Soprano, c.Alto, c.Tenor, c.Bass}
}

// Note returns the note sung by part p.
func (c Chord) Note(p Part) Note {
	switch p {
	case Soprano:
		return c.Soprano
	case Alto:
		return c.Alto
	case Tenor:
		return c.Tenor
	default:
		return c.Bass
	}
}

// Validate checks that every part holds a MIDI note.
func (c Chord) Validate() error {
	for _, p := range Parts {
		if n := c.Note(p); !n.Valid() {
			return fmt.Errorf("%s note %d out of range", p, int(n))
		}
	}
	return nil
}

func (c Chord) String() string {
	return fmt.Sprintf("S=%s A=%s T=%s B=%s", c.Soprano, c.Alto, c.Tenor, c.Bass)
}

// ChordFromNotes builds a chord from notes in Soprano, Alto, Tenor, Bass order.
func ChordFromNotes(notes [NumParts]Note) Chord {
	return Chord{Soprano: notes[Soprano], Alto: notes[Alto], Tenor: notes[Tenor], Bass: notes[Bass]}
}

// HarmonizeFunc produces a chord for a melody note.
type HarmonizeFunc func(Note) (Chord, error)

// Triad is the built-in harmonizer: a close-position major triad under the
// melody, with the melody on top and the bass an octave below it.
func Triad(melody Note) (Chord, error) {
	c := Chord{
		Soprano: melody,
		Alto:    melody - 5,
		Tenor:   melody - 8,
		Bass:    melody - 12,
	}
	if err := c.Validate(); err != nil {
		return Chord{}, fmt.Errorf("harmonize %d: %w", int(melody), err)
	}
	return c, nil
}
