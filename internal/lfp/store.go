package lfp

import (
	"database/sql"
	"embed"
	"encoding/binary"
	"fmt"
	"os"
	"strconv"

	"github.com/phys-data/consolidate/internal/db"
	"github.com/phys-data/consolidate/internal/rec"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const frequencyAttr = "frequency_hz"

// Store is the downsampled companion container: one int16 series per
// neural channel, extended run by run. A series is the seq-ordered
// concatenation of its segments.
type Store struct {
	db *db.DB
}

// ChannelKey returns the container key for a channel number.
func ChannelKey(channel int) string {
	return fmt.Sprintf("ch_%04d", channel)
}

// Create creates the container at path with one empty series per channel
// and records the series frequency. The path must not already exist.
func Create(path string, frequencyHz float64, channels []int) (*Store, error) {
	if _, err := os.Stat(path); err == nil {
		return nil, fmt.Errorf("%w: lfp store %s", rec.ErrAlreadyExists, path)
	}
	d, err := db.Open(path, migrationsFS, "migrations")
	if err != nil {
		return nil, err
	}
	s := &Store{db: d}
	if err := s.init(frequencyHz, channels); err != nil {
		d.Close()
		return nil, err
	}
	return s, nil
}

// Open opens an existing container.
func Open(path string) (*Store, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("failed to stat lfp store: %w", err)
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

func (s *Store) init(frequencyHz float64, channels []int) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec("INSERT INTO lfp_attrs (key, value) VALUES (?, ?)",
		frequencyAttr, strconv.FormatFloat(frequencyHz, 'g', -1, 64))
	if err != nil {
		return fmt.Errorf("failed to store frequency: %w", err)
	}
	for _, ch := range channels {
		_, err := tx.Exec("INSERT INTO lfp_channels (channel, channel_number, total_samples) VALUES (?, ?, 0)",
			ChannelKey(ch), ch)
		if err != nil {
			return fmt.Errorf("failed to create channel %s: %w", ChannelKey(ch), err)
		}
	}
	return tx.Commit()
}

// AppendSegment extends one channel's series with the next run's samples.
// The channel must have been declared at Create time.
func (s *Store) AppendSegment(channel, seq int, samples []int16) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	key := ChannelKey(channel)
	res, err := tx.Exec("UPDATE lfp_channels SET total_samples = total_samples + ? WHERE channel = ?",
		len(samples), key)
	if err != nil {
		return fmt.Errorf("failed to update channel %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check channel update: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: lfp store holds no channel %s", rec.ErrCorruptRecording, key)
	}

	_, err = tx.Exec("INSERT INTO lfp_segments (channel, seq, samples) VALUES (?, ?, ?)",
		key, seq, encodeSamples(samples))
	if err != nil {
		return fmt.Errorf("failed to append segment %d to %s: %w", seq, key, err)
	}
	return tx.Commit()
}

// FrequencyHz returns the stored series frequency.
func (s *Store) FrequencyHz() (float64, error) {
	var v string
	err := s.db.QueryRow("SELECT value FROM lfp_attrs WHERE key = ?", frequencyAttr).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("failed to read frequency: %w", err)
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: stored frequency %q is not a number", rec.ErrCorruptRecording, v)
	}
	return f, nil
}

// Channels returns the stored channel numbers in ascending order.
func (s *Store) Channels() ([]int, error) {
	rows, err := s.db.Query("SELECT channel_number FROM lfp_channels ORDER BY channel_number")
	if err != nil {
		return nil, fmt.Errorf("failed to list channels: %w", err)
	}
	defer rows.Close()

	var channels []int
	for rows.Next() {
		var ch int
		if err := rows.Scan(&ch); err != nil {
			return nil, fmt.Errorf("failed to scan channel: %w", err)
		}
		channels = append(channels, ch)
	}
	return channels, rows.Err()
}

// ChannelSamples returns the total series length of one channel.
func (s *Store) ChannelSamples(channel int) (int64, error) {
	var n int64
	err := s.db.QueryRow("SELECT total_samples FROM lfp_channels WHERE channel = ?",
		ChannelKey(channel)).Scan(&n)
	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("%w: lfp store holds no channel %s", rec.ErrCorruptRecording, ChannelKey(channel))
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read channel length: %w", err)
	}
	return n, nil
}

// ReadChannel returns one channel's full series in append order.
func (s *Store) ReadChannel(channel int) ([]int16, error) {
	rows, err := s.db.Query("SELECT samples FROM lfp_segments WHERE channel = ? ORDER BY seq",
		ChannelKey(channel))
	if err != nil {
		return nil, fmt.Errorf("failed to read segments: %w", err)
	}
	defer rows.Close()

	var series []int16
	for rows.Next() {
		var blob []byte
		if err := rows.Scan(&blob); err != nil {
			return nil, fmt.Errorf("failed to scan segment: %w", err)
		}
		seg, err := decodeSamples(blob)
		if err != nil {
			return nil, err
		}
		series = append(series, seg...)
	}
	return series, rows.Err()
}

func encodeSamples(samples []int16) []byte {
	blob := make([]byte, len(samples)*2)
	for i, v := range samples {
		binary.LittleEndian.PutUint16(blob[i*2:], uint16(v))
	}
	return blob
}

func decodeSamples(blob []byte) ([]int16, error) {
	if len(blob)%2 != 0 {
		return nil, fmt.Errorf("%w: segment blob of %d bytes is not a whole number of samples",
			rec.ErrCorruptRecording, len(blob))
	}
	samples := make([]int16, len(blob)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(blob[i*2:]))
	}
	return samples, nil
}
