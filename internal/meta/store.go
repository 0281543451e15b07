// Package meta builds and holds the consolidated metadata store: copied
// behavioral logs, named raw auxiliary series, derived event tables, and
// the run-boundary offset table.
package meta

import (
	"database/sql"
	"embed"
	"fmt"
	"os"
	"strconv"

	"github.com/phys-data/consolidate/internal/db"
	"github.com/phys-data/consolidate/internal/rec"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const acquisitionFrequencyAttr = "acquisition_frequency_hz"

// Store is the consolidated metadata container for one recording session.
type Store struct {
	db *db.DB
}

// Create creates the container at path and records the acquisition
// frequency. The path must not already exist.
func Create(path string, acquisitionHz float64) (*Store, error) {
	if _, err := os.Stat(path); err == nil {
		return nil, fmt.Errorf("%w: metadata store %s", rec.ErrAlreadyExists, path)
	}
	d, err := db.Open(path, migrationsFS, "migrations")
	if err != nil {
		return nil, err
	}
	_, err = d.Exec("INSERT INTO meta_attrs (key, value) VALUES (?, ?)",
		acquisitionFrequencyAttr, strconv.FormatFloat(acquisitionHz, 'g', -1, 64))
	if err != nil {
		d.Close()
		return nil, fmt.Errorf("failed to store acquisition frequency: %w", err)
	}
	return &Store{db: d}, nil
}

// Open opens an existing container.
func Open(path string) (*Store, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("failed to stat metadata store: %w", err)
	}
	d, err := db.Open(path, migrationsFS, "migrations")
	if err != nil {
		return nil, err
	}
	return &Store{db: d}, nil
}

// Close releases the container.
func (s *Store) Close() error {
	return s.db.Close()
}

// AcquisitionFrequencyHz returns the recorded acquisition frequency.
func (s *Store) AcquisitionFrequencyHz() (float64, error) {
	var v string
	err := s.db.QueryRow("SELECT value FROM meta_attrs WHERE key = ?", acquisitionFrequencyAttr).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("failed to read acquisition frequency: %w", err)
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: stored acquisition frequency %q is not a number", rec.ErrCorruptRecording, v)
	}
	return f, nil
}

// PutBehaviorRun copies one behavioral log into the container under name.
func (s *Store) PutBehaviorRun(name, sourceFile string, content []byte) error {
	_, err := s.db.Exec("INSERT INTO behavior_runs (name, source_file, content) VALUES (?, ?, ?)",
		name, sourceFile, content)
	if err != nil {
		return fmt.Errorf("failed to store behavior run %s: %w", name, err)
	}
	return nil
}

// HasBehaviorRun reports whether a behavioral log is stored under name.
func (s *Store) HasBehaviorRun(name string) (bool, error) {
	var n int
	err := s.db.QueryRow("SELECT COUNT(*) FROM behavior_runs WHERE name = ?", name).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check behavior run %s: %w", name, err)
	}
	return n > 0, nil
}

// BehaviorRun returns the stored bytes of one behavioral log.
func (s *Store) BehaviorRun(name string) ([]byte, error) {
	var content []byte
	err := s.db.QueryRow("SELECT content FROM behavior_runs WHERE name = ?", name).Scan(&content)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("no behavior run %s", name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read behavior run %s: %w", name, err)
	}
	return content, nil
}

// BehaviorRunNames returns the stored behavioral log names in sorted order.
func (s *Store) BehaviorRunNames() ([]string, error) {
	return s.listNames("SELECT name FROM behavior_runs ORDER BY name")
}

// AppendStreamSegment stores one run's raw payload for a named series.
func (s *Store) AppendStreamSegment(name string, seq int, samples []byte) error {
	_, err := s.db.Exec("INSERT INTO stream_segments (name, seq, samples) VALUES (?, ?, ?)",
		name, seq, samples)
	if err != nil {
		return fmt.Errorf("failed to append stream segment %s/%d: %w", name, seq, err)
	}
	return nil
}

// StreamSeries returns one named series as the seq-ordered concatenation
// of its segments.
func (s *Store) StreamSeries(name string) ([]byte, error) {
	rows, err := s.db.Query("SELECT samples FROM stream_segments WHERE name = ? ORDER BY seq", name)
	if err != nil {
		return nil, fmt.Errorf("failed to read stream %s: %w", name, err)
	}
	defer rows.Close()

	var series []byte
	for rows.Next() {
		var blob []byte
		if err := rows.Scan(&blob); err != nil {
			return nil, fmt.Errorf("failed to scan stream segment: %w", err)
		}
		series = append(series, blob...)
	}
	return series, rows.Err()
}

// StreamNames returns the stored series names in sorted order.
func (s *Store) StreamNames() ([]string, error) {
	return s.listNames("SELECT DISTINCT name FROM stream_segments ORDER BY name")
}

// PutEvents stores one derived event table under name.
func (s *Store) PutEvents(name string, events []Event) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for i, ev := range events {
		_, err := tx.Exec("INSERT INTO events (name, idx, onset_sample, offset_sample) VALUES (?, ?, ?, ?)",
			name, i, ev.Onset, ev.Offset)
		if err != nil {
			return fmt.Errorf("failed to store event %s[%d]: %w", name, i, err)
		}
	}
	return tx.Commit()
}

// Events returns one derived event table in index order.
func (s *Store) Events(name string) ([]Event, error) {
	rows, err := s.db.Query("SELECT onset_sample, offset_sample FROM events WHERE name = ? ORDER BY idx", name)
	if err != nil {
		return nil, fmt.Errorf("failed to read events %s: %w", name, err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var ev Event
		if err := rows.Scan(&ev.Onset, &ev.Offset); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// EventNames returns the stored event table names in sorted order.
func (s *Store) EventNames() ([]string, error) {
	return s.listNames("SELECT DISTINCT name FROM events ORDER BY name")
}

// PutRunBoundary records one run's cumulative end offset.
func (s *Store) PutRunBoundary(runIndex int, endSample int64) error {
	_, err := s.db.Exec("INSERT INTO run_boundaries (run_index, end_sample) VALUES (?, ?)",
		runIndex, endSample)
	if err != nil {
		return fmt.Errorf("failed to store run boundary %d: %w", runIndex, err)
	}
	return nil
}

// RunBoundaries returns the cumulative per-run end offsets in run order.
func (s *Store) RunBoundaries() ([]int64, error) {
	rows, err := s.db.Query("SELECT end_sample FROM run_boundaries ORDER BY run_index")
	if err != nil {
		return nil, fmt.Errorf("failed to read run boundaries: %w", err)
	}
	defer rows.Close()

	var bounds []int64
	for rows.Next() {
		var b int64
		if err := rows.Scan(&b); err != nil {
			return nil, fmt.Errorf("failed to scan run boundary: %w", err)
		}
		bounds = append(bounds, b)
	}
	return bounds, rows.Err()
}

func (s *Store) listNames(query string) ([]string, error) {
	rows, err := s.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to list names: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, fmt.Errorf("failed to scan name: %w", err)
		}
		names = append(names, n)
	}
	return names, rows.Err()
}
