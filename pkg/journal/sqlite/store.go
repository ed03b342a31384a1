package sqlite

import (
	"database/sql"

	"github.com/commatea/APNS-Bridge/pkg/journal"
	"github.com/google/uuid"
	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// Store implements journal.Store on SQLite.
type Store struct {
	db *sql.DB
}

// NewStore opens (and initializes if necessary) a journal database.
func NewStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

func (s *Store) init() error {
	query := `
	CREATE TABLE IF NOT EXISTS failures (
		id TEXT PRIMARY KEY,
		message_id TEXT,
		token TEXT NOT NULL,
		status INTEGER NOT NULL,
		reason TEXT,
		at DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_failures_at ON failures(at);
	CREATE TABLE IF NOT EXISTS stale_devices (
		id TEXT PRIMARY KEY,
		token TEXT NOT NULL,
		"when" DATETIME,
		recorded_at DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_stale_recorded ON stale_devices(recorded_at);
	`
	_, err := s.db.Exec(query)
	return err
}

// SaveFailure records a permanent delivery failure.
func (s *Store) SaveFailure(f *journal.Failure) error {
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	query := `INSERT INTO failures (id, message_id, token, status, reason, at) VALUES (?, ?, ?, ?, ?, ?)`
	_, err := s.db.Exec(query, f.ID, f.MessageID, f.Token, f.Status, f.Reason, f.At)
	return err
}

// SaveStaleDevice records a feedback tuple.
func (s *Store) SaveStaleDevice(d *journal.StaleDevice) error {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	query := `INSERT INTO stale_devices (id, token, "when", recorded_at) VALUES (?, ?, ?, ?)`
	_, err := s.db.Exec(query, d.ID, d.Token, d.When, d.RecordedAt)
	return err
}

// Failures returns the most recent failures, newest first.
func (s *Store) Failures(limit int) ([]*journal.Failure, error) {
	query := `SELECT id, message_id, token, status, reason, at FROM failures ORDER BY at DESC LIMIT ?`
	rows, err := s.db.Query(query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*journal.Failure
	for rows.Next() {
		var f journal.Failure
		if err := rows.Scan(&f.ID, &f.MessageID, &f.Token, &f.Status, &f.Reason, &f.At); err != nil {
			return nil, err
		}
		out = append(out, &f)
	}
	return out, rows.Err()
}

// StaleDevices returns the most recent feedback records, newest first.
func (s *Store) StaleDevices(limit int) ([]*journal.StaleDevice, error) {
	query := `SELECT id, token, "when", recorded_at FROM stale_devices ORDER BY recorded_at DESC LIMIT ?`
	rows, err := s.db.Query(query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*journal.StaleDevice
	for rows.Next() {
		var d journal.StaleDevice
		if err := rows.Scan(&d.ID, &d.Token, &d.When, &d.RecordedAt); err != nil {
			return nil, err
		}
		out = append(out, &d)
	}
	return out, rows.Err()
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}
