// Package store keeps a history of traced runs in SQLite.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // SQLite driver registration
)

// ErrNotFound is returned when a run doesn't exist.
var ErrNotFound = errors.New("run not found")

// Run is one recorded trace.
type Run struct {
	ID         string    `json:"id"`
	Command    []string  `json:"command"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	ExitCode   int       `json:"exit_code"`
	Signal     string    `json:"signal,omitempty"`
	PathCount  int       `json:"path_count"`
}

// Store is a run history database.
type Store struct {
	db *sql.DB
}

// Open opens or creates the history database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := createTables(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating tables: %w", err)
	}
	return &Store{db: db}, nil
}

func createTables(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS runs (
			id          TEXT PRIMARY KEY,
			command     TEXT NOT NULL,
			started_at  INTEGER NOT NULL, -- unix nanoseconds
			finished_at INTEGER NOT NULL,
			exit_code   INTEGER NOT NULL,
			signal      TEXT NOT NULL DEFAULT '',
			path_count  INTEGER NOT NULL
		);
		CREATE TABLE IF NOT EXISTS paths (
			run_id TEXT NOT NULL REFERENCES runs(id),
			path   TEXT NOT NULL,
			PRIMARY KEY (run_id, path)
		);
	`)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// RecordRun stores run and its raw, unfiltered paths in one transaction.
// PathCount is taken from paths.
func (s *Store) RecordRun(run Run, paths []string) error {
	command, err := json.Marshal(run.Command)
	if err != nil {
		return fmt.Errorf("marshaling command: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO runs (id, command, started_at, finished_at, exit_code, signal, path_count)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, run.ID, string(command),
		unixNano(run.StartedAt),
		unixNano(run.FinishedAt),
		run.ExitCode, run.Signal, len(paths))
	if err != nil {
		return fmt.Errorf("inserting run: %w", err)
	}

	stmt, err := tx.Prepare(`INSERT INTO paths (run_id, path) VALUES (?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing path insert: %w", err)
	}
	defer stmt.Close()
	for _, p := range paths {
		if _, err := stmt.Exec(run.ID, p); err != nil {
			return fmt.Errorf("inserting path: %w", err)
		}
	}

	return tx.Commit()
}

// Runs returns every recorded run, newest first.
func (s *Store) Runs() ([]Run, error) {
	rows, err := s.db.Query(`
		SELECT id, command, started_at, finished_at, exit_code, signal, path_count
		FROM runs ORDER BY started_at DESC, id
	`)
	if err != nil {
		return nil, fmt.Errorf("querying runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Get returns one run by id.
func (s *Store) Get(id string) (Run, error) {
	row := s.db.QueryRow(`
		SELECT id, command, started_at, finished_at, exit_code, signal, path_count
		FROM runs WHERE id = ?
	`, id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, ErrNotFound
	}
	return r, err
}

// Paths returns the paths recorded for a run in lexical order.
func (s *Store) Paths(runID string) ([]string, error) {
	rows, err := s.db.Query(`SELECT path FROM paths WHERE run_id = ? ORDER BY path`, runID)
	if err != nil {
		return nil, fmt.Errorf("querying paths: %w", err)
	}
	defer rows.Close()

	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("scanning path: %w", err)
		}
		paths = append(paths, p)
	}
	return paths, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(sc scanner) (Run, error) {
	var r Run
	var command string
	var started, finished int64
	if err := sc.Scan(&r.ID, &command, &started, &finished, &r.ExitCode, &r.Signal, &r.PathCount); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return r, err
		}
		return r, fmt.Errorf("scanning run: %w", err)
	}
	if err := json.Unmarshal([]byte(command), &r.Command); err != nil {
		return r, fmt.Errorf("parsing command: %w", err)
	}
	r.StartedAt = fromUnixNano(started)
	r.FinishedAt = fromUnixNano(finished)
	return r, nil
}

// Times are stored as unix nanoseconds so they order numerically; 0 is
// the zero time.
func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(ns int64) time.Time {
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns).UTC()
}
