package store

// runMigrations creates the session tables.
func (s *Store) runMigrations() error {
	migrations := []string{
		// Melody notes submitted for harmonization
		`CREATE TABLE IF NOT EXISTS notes (
			ord INTEGER PRIMARY KEY,
			session_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			request_id TEXT NOT NULL,
			note INTEGER NOT NULL CHECK(note BETWEEN 0 AND 127),
			at_ms INTEGER NOT NULL
		)`,

		// Chords forwarded to the synthesizer
		`CREATE TABLE IF NOT EXISTS chords (
			ord INTEGER PRIMARY KEY,
			session_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			request_id TEXT NOT NULL,
			soprano INTEGER NOT NULL,
			alto INTEGER NOT NULL,
			tenor INTEGER NOT NULL,
			bass INTEGER NOT NULL,
			at_ms INTEGER NOT NULL
		)`,

		`CREATE INDEX IF NOT EXISTS idx_notes_session_id ON notes(session_id)`,
		`CREATE INDEX IF NOT EXISTS idx_chords_session_id ON chords(session_id)`,
	}

	for _, migration := range migrations {
		if _, err := s.db.Exec(migration); err != nil {
			return err
		}
	}

	return nil
}
