// Package pipeline sequences format reading, channel separation,
// powerline removal, merging, decimation, and metadata assembly for one
// invocation, and publishes the final artifacts atomically.
package pipeline

import (
	"fmt"
	"io"
	"log"
	"os"
	"time"
)

// RunLog is the per-invocation logging context. Messages go to stderr
// and to a timestamped file next to the final artifacts, so a session's
// record travels with its outputs.
type RunLog struct {
	*log.Logger
	file *os.File
}

// NewRunLog creates <prefix>_<timestamp>.log and returns a logger teeing
// it with stderr.
func NewRunLog(prefix string) (*RunLog, error) {
	path := fmt.Sprintf("%s_%s.log", prefix, time.Now().Format("20060102-150405"))
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create run log: %w", err)
	}
	return &RunLog{
		Logger: log.New(io.MultiWriter(os.Stderr, f), "", log.LstdFlags),
		file:   f,
	}, nil
}

// Path returns the log file's location.
func (r *RunLog) Path() string {
	return r.file.Name()
}

// Close releases the log file. The embedded logger must not be used
// afterwards.
func (r *RunLog) Close() error {
	return r.file.Close()
}
