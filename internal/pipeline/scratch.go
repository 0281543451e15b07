package pipeline

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// ScratchStore is the staging directory exclusively owned by one
// invocation. It holds per-run channel scratch files and the staged
// output artifacts until publication.
type ScratchStore struct {
	Dir string
}

// NewScratchStore creates a fresh tmp-<uuid> directory under dir.
func NewScratchStore(dir string) (*ScratchStore, error) {
	path := filepath.Join(dir, "tmp-"+uuid.NewString())
	if err := os.Mkdir(path, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create scratch directory: %w", err)
	}
	return &ScratchStore{Dir: path}, nil
}

// RunPrefix returns the scratch namespace holding one run's separated
// channel files.
func (s *ScratchStore) RunPrefix(savePrefix string, run int) string {
	return filepath.Join(s.Dir, fmt.Sprintf("%s_%d", savePrefix, run))
}

// AuxPrefix returns the scratch namespace holding one run's imported
// auxiliary channel files, kept apart from the neural namespace because
// per-channel recordings number the two independently.
func (s *ScratchStore) AuxPrefix(savePrefix string, run int) string {
	return s.RunPrefix(savePrefix, run) + "_ADC"
}

// StagedPath returns where an artifact with the given final path is
// staged inside the scratch directory.
func (s *ScratchStore) StagedPath(finalPath string) string {
	return filepath.Join(s.Dir, filepath.Base(finalPath))
}

// Remove deletes the scratch directory and everything under it.
func (s *ScratchStore) Remove() error {
	return os.RemoveAll(s.Dir)
}
