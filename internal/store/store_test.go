package store

import (
	"sync"
	"testing"
	"time"

	"github.com/ayusman/handchoir/internal/harmony"
)

// fakeClock advances by step on every call.
type fakeClock struct {
	mu   sync.Mutex
	t    time.Time
	step time.Duration
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.t
	c.t = c.t.Add(c.step)
	return now
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), step: 10 * time.Millisecond}
	s, err := New(WithClock(clock.Now))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestNewStore_RunsMigrations(t *testing.T) {
	s := newTestStore(t)

	for _, table := range []string{"notes", "chords"} {
		var name string
		err := s.DB().QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?",
			table,
		).Scan(&name)
		if err != nil {
			t.Errorf("table %q should exist after migrations: %v", table, err)
		}
	}

	if s.SessionID() == "" {
		t.Error("expected a session id")
	}
}

func TestNewStore_SessionsAreIsolated(t *testing.T) {
	a := newTestStore(t)
	b := newTestStore(t)

	if err := a.RecordNote(harmony.Request{ID: "r1", Seq: 1, Note: 60}); err != nil {
		t.Fatalf("RecordNote() error = %v", err)
	}

	st, err := b.Stats()
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if st.Notes != 0 {
		t.Errorf("second store saw %d notes, want 0", st.Notes)
	}
	if a.SessionID() == b.SessionID() {
		t.Error("session ids should differ")
	}
}

func TestStore_Stats(t *testing.T) {
	s := newTestStore(t)

	st, err := s.Stats()
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if st.Notes != 0 || st.Chords != 0 || st.Lowest != "" || st.Highest != "" {
		t.Fatalf("empty stats = %+v", st)
	}

	for i, n := range []harmony.Note{64, 60, 72, 64} {
		s.NoteSubmitted(harmony.Request{ID: "req", Seq: uint64(i + 1), Note: n})
	}
	s.ChordApplied(harmony.Request{Seq: 4, Note: 64}, harmony.Chord{Soprano: 64, Alto: 59, Tenor: 56, Bass: 52})

	st, err = s.Stats()
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}

	tests := []struct {
		name string
		got  any
		want any
	}{
		{"notes", st.Notes, 4},
		{"chords", st.Chords, 1},
		{"distinct", st.DistinctNotes, 3},
		{"lowest", st.Lowest, "C4"},
		{"highest", st.Highest, "C5"},
		{"session", st.SessionID, s.SessionID()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %v, want %v", tt.got, tt.want)
			}
		})
	}
	if st.DurationMs <= 0 {
		t.Errorf("DurationMs = %d, want > 0", st.DurationMs)
	}
}

func TestStore_ExportOrder(t *testing.T) {
	s := newTestStore(t)

	req1 := harmony.Request{ID: "a", Seq: 1, Note: 60}
	req2 := harmony.Request{ID: "b", Seq: 2, Note: 62}
	chord := harmony.Chord{Soprano: 60, Alto: 55, Tenor: 52, Bass: 48}

	s.NoteSubmitted(req1)
	s.NoteSubmitted(req2)
	s.ChordApplied(req1, chord)

	events, err := s.Export()
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("len(events) = %d, want 3", len(events))
	}

	wantKinds := []EventKind{EventNote, EventNote, EventChord}
	for i, ev := range events {
		if ev.Kind != wantKinds[i] {
			t.Errorf("event %d kind = %s, want %s", i, ev.Kind, wantKinds[i])
		}
		if i > 0 && ev.AtMs < events[i-1].AtMs {
			t.Errorf("event %d out of order", i)
		}
	}

	if got := events[1].Notes; len(got) != 1 || got[0] != 62 {
		t.Errorf("note event notes = %v, want [62]", got)
	}
	if events[1].Names[0] != "D4" {
		t.Errorf("note name = %s, want D4", events[1].Names[0])
	}

	last := events[2]
	if last.Seq != 1 || last.RequestID != "a" {
		t.Errorf("chord event = %+v, want seq 1 request a", last)
	}
	want := []int{60, 55, 52, 48}
	if len(last.Notes) != 4 {
		t.Fatalf("chord notes = %v, want %v", last.Notes, want)
	}
	for i := range want {
		if last.Notes[i] != want[i] {
			t.Errorf("chord note %d = %d, want %d", i, last.Notes[i], want[i])
		}
	}
}

func TestStore_ExportEmpty(t *testing.T) {
	s := newTestStore(t)

	events, err := s.Export()
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	if events == nil || len(events) != 0 {
		t.Errorf("expected empty non-nil slice, got %#v", events)
	}
}

func TestStore_Close(t *testing.T) {
	s, err := New()
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := s.RecordNote(harmony.Request{Note: 60}); err == nil {
		t.Error("expected error recording after Close()")
	}
}
