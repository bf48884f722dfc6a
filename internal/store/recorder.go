package store

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/ayusman/handchoir/internal/harmony"
)

// EventKind distinguishes the two kinds of recorded events.
type EventKind string

const (
	EventNote  EventKind = "note"
	EventChord EventKind = "chord"
)

// Event is one entry of the exported session log. Notes holds the melody
// note for EventNote and soprano, alto, tenor, bass for EventChord.
type Event struct {
	Kind      EventKind `json:"kind"`
	Seq       uint64    `json:"seq"`
	RequestID string    `json:"request_id,omitempty"`
	AtMs      int64     `json:"at_ms"`
	Notes     []int     `json:"notes"`
	Names     []string  `json:"names"`
}

// Stats summarizes the session so far.
type Stats struct {
	SessionID     string    `json:"session_id"`
	StartedAt     time.Time `json:"started_at"`
	DurationMs    int64     `json:"duration_ms"`
	Notes         int       `json:"notes"`
	Chords        int       `json:"chords"`
	DistinctNotes int       `json:"distinct_notes"`
	Lowest        string    `json:"lowest,omitempty"`
	Highest       string    `json:"highest,omitempty"`
}

// RecordNote stores a submitted melody note.
func (s *Store) RecordNote(req harmony.Request) error {
	_, err := s.db.Exec(
		`INSERT INTO notes (ord, session_id, seq, request_id, note, at_ms)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		s.ord.Add(1), s.session, int64(req.Seq), req.ID, int(req.Note), s.offset(),
	)
	if err != nil {
		return fmt.Errorf("record note: %w", err)
	}
	return nil
}

// RecordChord stores an applied chord.
func (s *Store) RecordChord(req harmony.Request, chord harmony.Chord) error {
	_, err := s.db.Exec(
		`INSERT INTO chords (ord, session_id, seq, request_id, soprano, alto, tenor, bass, at_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ord.Add(1), s.session, int64(req.Seq), req.ID,
		int(chord.Soprano), int(chord.Alto), int(chord.Tenor), int(chord.Bass), s.offset(),
	)
	if err != nil {
		return fmt.Errorf("record chord: %w", err)
	}
	return nil
}

// NoteSubmitted implements harmony.Observer. Failures are logged only.
func (s *Store) NoteSubmitted(req harmony.Request) {
	if err := s.RecordNote(req); err != nil {
		s.logger.Warn("failed to record note", slog.String("error", err.Error()))
	}
}

// ChordApplied implements harmony.Observer. Failures are logged only.
func (s *Store) ChordApplied(req harmony.Request, chord harmony.Chord) {
	if err := s.RecordChord(req, chord); err != nil {
		s.logger.Warn("failed to record chord", slog.String("error", err.Error()))
	}
}

// Stats returns counts and the note range of the session.
func (s *Store) Stats() (Stats, error) {
	st := Stats{
		SessionID:  s.session,
		StartedAt:  s.started,
		DurationMs: s.offset(),
	}

	var lowest, highest *int64
	err := s.db.QueryRow(
		`SELECT COUNT(*), COUNT(DISTINCT note), MIN(note), MAX(note) FROM notes WHERE session_id = ?`,
		s.session,
	).Scan(&st.Notes, &st.DistinctNotes, &lowest, &highest)
	if err != nil {
		return st, fmt.Errorf("query note stats: %w", err)
	}
	if lowest != nil {
		st.Lowest = harmony.NoteName(int(*lowest))
	}
	if highest != nil {
		st.Highest = harmony.NoteName(int(*highest))
	}

	if err := s.db.QueryRow(
		`SELECT COUNT(*) FROM chords WHERE session_id = ?`, s.session,
	).Scan(&st.Chords); err != nil {
		return st, fmt.Errorf("query chord stats: %w", err)
	}
	return st, nil
}

// Export returns every recorded event in the order it happened.
func (s *Store) Export() ([]Event, error) {
	rows, err := s.db.Query(
		`SELECT 'note', seq, request_id, at_ms, note, NULL, NULL, NULL, ord
		   FROM notes WHERE session_id = ?
		 UNION ALL
		 SELECT 'chord', seq, request_id, at_ms, soprano, alto, tenor, bass, ord
		   FROM chords WHERE session_id = ?
		 ORDER BY ord`,
		s.session, s.session,
	)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	events := []Event{}
	for rows.Next() {
		var (
			ev    Event
			seq   int64
			first int64
			rest  [3]*int64
			ord   int64
		)
		if err := rows.Scan(&ev.Kind, &seq, &ev.RequestID, &ev.AtMs, &first, &rest[0], &rest[1], &rest[2], &ord); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.Seq = uint64(seq)
		ev.Notes = []int{int(first)}
		for _, n := range rest {
			if n != nil {
				ev.Notes = append(ev.Notes, int(*n))
			}
		}
		ev.Names = make([]string, len(ev.Notes))
		for i, n := range ev.Notes {
			ev.Names[i] = harmony.NoteName(n)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}
