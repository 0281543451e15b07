package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/phys-data/consolidate/internal/meta"
	"github.com/phys-data/consolidate/internal/rec"
)

// resumeDescriptorVersion guards against descriptors written by other
// revisions of the pipeline.
const resumeDescriptorVersion = 1

// resumeDescriptorExt names the descriptor file next to the intended
// final recording.
const resumeDescriptorExt = ".resume.json"

// resumeDescriptor is the plain-data record that lets a preserved
// failure re-run metadata assembly and the publish phase on their own.
type resumeDescriptor struct {
	Version         int             `json:"version"`
	ScratchDir      string          `json:"scratch_dir"`
	RunPrefixes     []string        `json:"run_prefixes"`
	Streams         []StreamChannel `json:"streams,omitempty"`
	Events          []EventChannel  `json:"events,omitempty"`
	BehaviorLogs    []string        `json:"behavior_logs,omitempty"`
	AcquisitionHz   float64         `json:"acquisition_hz"`
	SampleType      string          `json:"dtype"`
	StagedRecording string          `json:"staged_recording"`
	StagedLFP       string          `json:"staged_lfp"`
	StagedMeta      string          `json:"staged_meta"`
	FinalRecording  string          `json:"final_recording"`
	FinalLFP        string          `json:"final_lfp"`
	FinalMeta       string          `json:"final_meta"`
	ExpectedBytes   int64           `json:"expected_bytes"`
}

func (d *resumeDescriptor) write(path string) error {
	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode resume descriptor: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write resume descriptor: %w", err)
	}
	return nil
}

func readDescriptor(path string) (*resumeDescriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read resume descriptor: %w", err)
	}
	var d resumeDescriptor
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("%w: malformed resume descriptor: %v", rec.ErrResumeState, err)
	}
	if d.Version != resumeDescriptorVersion {
		return nil, fmt.Errorf("%w: resume descriptor version %d, want %d",
			rec.ErrResumeState, d.Version, resumeDescriptorVersion)
	}
	return &d, nil
}

// validate checks the descriptor still matches the filesystem and
// returns the parsed sample type.
func (d *resumeDescriptor) validate() (rec.SampleType, error) {
	st, err := rec.ParseSampleType(d.SampleType)
	if err != nil {
		return "", fmt.Errorf("%w: resume descriptor sample type %q", rec.ErrResumeState, d.SampleType)
	}
	info, err := os.Stat(d.ScratchDir)
	if err != nil || !info.IsDir() {
		return "", fmt.Errorf("%w: scratch directory %s is gone", rec.ErrResumeState, d.ScratchDir)
	}
	if !fileExists(d.StagedRecording) && !fileExists(d.FinalRecording) {
		return "", fmt.Errorf("%w: staged recording %s is gone", rec.ErrResumeState, d.StagedRecording)
	}
	if !fileExists(d.StagedLFP) && !fileExists(d.FinalLFP) {
		return "", fmt.Errorf("%w: staged lfp store %s is gone", rec.ErrResumeState, d.StagedLFP)
	}
	return st, nil
}

// Resume re-runs metadata assembly and the publish phase from a
// preserved failure. On success the scratch directory and descriptor
// are removed; on failure both stay for another attempt.
func Resume(ctx context.Context, descriptorPath string) error {
	d, err := readDescriptor(descriptorPath)
	if err != nil {
		return err
	}
	st, err := d.validate()
	if err != nil {
		return err
	}

	logPrefix := strings.TrimSuffix(d.FinalRecording, filepath.Ext(d.FinalRecording))
	rl, err := NewRunLog(logPrefix)
	if err != nil {
		return err
	}
	defer rl.Close()
	rl.Printf("[pipeline] resuming from %s", descriptorPath)

	if fileExists(d.FinalMeta) {
		// A prior attempt already published the metadata store; a stale
		// staged copy must not be renamed over it.
		if err := os.Remove(d.StagedMeta); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to clear staged metadata store: %w", err)
		}
	} else {
		for _, p := range d.RunPrefixes {
			matches, err := filepath.Glob(p + "_ch*.bin")
			if err != nil || len(matches) == 0 {
				return fmt.Errorf("%w: no scratch channel files under %s", rec.ErrResumeState, p)
			}
		}
		if err := os.Remove(d.StagedMeta); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to clear staged metadata store: %w", err)
		}
		cfg := Config{Streams: d.Streams, Events: d.Events}
		if err := meta.Assemble(ctx, meta.AssembleConfig{
			Path:          d.StagedMeta,
			RunPrefixes:   d.RunPrefixes,
			Streams:       cfg.streamSpecs(),
			Events:        cfg.eventSpecs(),
			BehaviorLogs:  d.BehaviorLogs,
			AcquisitionHz: d.AcquisitionHz,
			SampleType:    st,
			Log:           rl.Logger,
		}); err != nil {
			return err
		}
	}

	recPath := d.StagedRecording
	if !fileExists(recPath) {
		recPath = d.FinalRecording
	}
	info, err := os.Stat(recPath)
	if err != nil {
		return fmt.Errorf("failed to stat recording: %w", err)
	}
	if info.Size() != d.ExpectedBytes {
		return fmt.Errorf("%w: recording holds %d bytes, descriptor expects %d",
			rec.ErrCorruptRecording, info.Size(), d.ExpectedBytes)
	}

	if err := publishAll([]artifactPair{
		{d.StagedRecording, d.FinalRecording},
		{d.StagedLFP, d.FinalLFP},
		{d.StagedMeta, d.FinalMeta},
	}); err != nil {
		return err
	}
	rl.Printf("[pipeline] published %s, %s, %s", d.FinalRecording, d.FinalLFP, d.FinalMeta)

	if err := os.RemoveAll(d.ScratchDir); err != nil {
		rl.Printf("[pipeline] failed to remove scratch %s: %v", d.ScratchDir, err)
	}
	if err := os.Remove(descriptorPath); err != nil {
		rl.Printf("[pipeline] failed to remove resume descriptor: %v", err)
	}
	return nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
