package harmony

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ayusman/handchoir/internal/gesture"
)

type recordingSink struct {
	mu       sync.Mutex
	chords   []Chord
	silences int
	err      error
}

func (s *recordingSink) SetChord(c Chord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.chords = append(s.chords, c)
	return nil
}

func (s *recordingSink) SetSilence() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.silences++
}

type recordingObserver struct {
	notes  []Request
	chords []Chord
}

func (o *recordingObserver) NoteSubmitted(req Request) { o.notes = append(o.notes, req) }

func (o *recordingObserver) ChordApplied(_ Request, c Chord) { o.chords = append(o.chords, c) }

// drain hands every queued event to the session.
func drain(t *testing.T, s *Session) {
	t.Helper()
	for {
		select {
		case ev, ok := <-s.Events():
			if !ok {
				return
			}
			require.NoError(t, s.HandleEvent(ev))
		default:
			return
		}
	}
}

func TestSession_DeduplicatesHeldNote(t *testing.T) {
	svc := NewMockService(ManualReplies())
	sink := &recordingSink{}
	s := NewSession(svc, sink)
	require.NoError(t, s.Start(context.Background()))

	for i := 0; i < 10; i++ {
		s.OnControlUpdate(0.51, gesture.ClassOpen, true)
	}
	assert.Len(t, svc.Requests(), 1)

	// Small movement within the same scale step stays deduplicated.
	s.OnControlUpdate(0.53, gesture.ClassClosed, true)
	assert.Len(t, svc.Requests(), 1)

	s.OnControlUpdate(0.9, gesture.ClassOpen, true)
	reqs := svc.Requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, Note(72), reqs[0].Note)
	assert.Equal(t, Note(81), reqs[1].Note)
	assert.Less(t, reqs[0].Seq, reqs[1].Seq)
	assert.NotEqual(t, reqs[0].ID, reqs[1].ID)
}

func TestSession_SilenceClearsLastNote(t *testing.T) {
	svc := NewMockService(ManualReplies())
	sink := &recordingSink{}
	s := NewSession(svc, sink)

	_, ok := s.OnControlUpdate(0, gesture.ClassOpen, true)
	assert.True(t, ok)

	_, ok = s.OnControlUpdate(0, gesture.ClassNone, true)
	assert.False(t, ok)
	assert.Equal(t, 1, sink.silences)

	_, ok = s.OnControlUpdate(0, gesture.ClassOpen, false)
	assert.False(t, ok)
	assert.Equal(t, 2, sink.silences)

	_, has := s.LastNote()
	assert.False(t, has)

	// Returning to the same note after silence asks again.
	req, ok := s.OnControlUpdate(0, gesture.ClassOpen, true)
	assert.True(t, ok)
	assert.Equal(t, Note(60), req.Note)
	assert.Len(t, svc.Requests(), 2)
}

func TestSession_ForwardsChords(t *testing.T) {
	svc := NewMockService()
	sink := &recordingSink{}
	obs := &recordingObserver{}
	s := NewSession(svc, sink, WithObserver(obs))

	require.NoError(t, s.Start(context.Background()))
	drain(t, s)
	assert.True(t, s.Ready())

	s.OnControlUpdate(1, gesture.ClassOpen, true)
	drain(t, s)

	require.Len(t, sink.chords, 1)
	assert.Equal(t, Chord{Soprano: 84, Alto: 79, Tenor: 76, Bass: 72}, sink.chords[0])
	assert.Len(t, obs.notes, 1)
	assert.Len(t, obs.chords, 1)

	last, ok := s.LastChord()
	require.True(t, ok)
	assert.Equal(t, sink.chords[0], last)
}

func TestSession_LastChordWinsByDefault(t *testing.T) {
	svc := NewMockService(ManualReplies())
	sink := &recordingSink{}
	s := NewSession(svc, sink)
	require.NoError(t, s.Start(context.Background()))
	drain(t, s)

	first, _ := s.OnControlUpdate(0, gesture.ClassOpen, true)
	second, _ := s.OnControlUpdate(1, gesture.ClassOpen, true)

	newer := Chord{Soprano: 84, Alto: 79, Tenor: 76, Bass: 72}
	older := Chord{Soprano: 60, Alto: 55, Tenor: 52, Bass: 48}
	svc.Reply(second, newer)
	svc.Reply(first, older)
	drain(t, s)

	require.Len(t, sink.chords, 2)
	assert.Equal(t, older, sink.chords[1])

	// A response after silence still restarts sound.
	s.OnControlUpdate(0, gesture.ClassNone, false)
	svc.Reply(second, newer)
	drain(t, s)
	assert.Len(t, sink.chords, 3)
}

func TestSession_DiscardStale(t *testing.T) {
	svc := NewMockService(ManualReplies())
	sink := &recordingSink{}
	s := NewSession(svc, sink, WithDiscardStale())
	require.NoError(t, s.Start(context.Background()))
	drain(t, s)

	first, _ := s.OnControlUpdate(0, gesture.ClassOpen, true)
	second, _ := s.OnControlUpdate(1, gesture.ClassOpen, true)

	newer := Chord{Soprano: 84, Alto: 79, Tenor: 76, Bass: 72}
	svc.Reply(second, newer)
	svc.Reply(first, Chord{Soprano: 60, Alto: 55, Tenor: 52, Bass: 48})
	drain(t, s)

	require.Len(t, sink.chords, 1)
	assert.Equal(t, newer, sink.chords[0])

	s.OnControlUpdate(0, gesture.ClassNone, false)
	svc.Reply(second, newer)
	drain(t, s)
	assert.Len(t, sink.chords, 1, "response after silence must be dropped")
}

func TestSession_ErrorsAreNonFatal(t *testing.T) {
	boom := errors.New("model exploded")
	svc := NewMockService(WithHarmonizer(func(Note) (Chord, error) { return Chord{}, boom }))
	sink := &recordingSink{}
	s := NewSession(svc, sink)
	require.NoError(t, s.Start(context.Background()))

	s.OnControlUpdate(0.2, gesture.ClassOpen, true)

	var got Event
	for ev := range s.Events() {
		require.NoError(t, s.HandleEvent(ev))
		if ev.Type == EventError {
			got = ev
			break
		}
	}
	assert.ErrorIs(t, got.Err, boom)
	assert.Empty(t, sink.chords)

	// Next gesture still submits.
	_, ok := s.OnControlUpdate(0.9, gesture.ClassOpen, true)
	assert.True(t, ok)
}

func TestSession_StartFailure(t *testing.T) {
	svc := NewMockService(WithStartError(errors.New("no model")))
	sink := &recordingSink{}
	s := NewSession(svc, sink)

	err := s.Start(context.Background())
	assert.ErrorIs(t, err, ErrNotReady)
	assert.False(t, s.Ready())

	// Gestures and silence keep working without a ready service.
	_, ok := s.OnControlUpdate(0.5, gesture.ClassOpen, true)
	assert.True(t, ok)
	s.OnControlUpdate(0.5, gesture.ClassOpen, false)
	assert.Equal(t, 1, sink.silences)
	drain(t, s)
	assert.Empty(t, sink.chords)
}

func TestSession_SinkError(t *testing.T) {
	sinkErr := errors.New("device gone")
	sink := &recordingSink{err: sinkErr}
	s := NewSession(NewMockService(), sink)

	err := s.OnHarmonyResult(Chord{Soprano: 72, Alto: 67, Tenor: 64, Bass: 60})
	assert.ErrorIs(t, err, sinkErr)
	_, ok := s.LastChord()
	assert.False(t, ok)
}
