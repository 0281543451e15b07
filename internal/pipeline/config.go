package pipeline

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/phys-data/consolidate/internal/blockio"
	"github.com/phys-data/consolidate/internal/meta"
	"github.com/phys-data/consolidate/internal/powerline"
	"github.com/phys-data/consolidate/internal/rec"
)

// DefaultLFPTargetHz is the downsampling target for the LFP companion
// series.
const DefaultLFPTargetHz = 1000

// RunInput declares one acquisition run. Exactly one layout must be set:
// a multiplexed binary plus its sidecar, or a per-channel-file directory
// plus filename prefix.
type RunInput struct {
	RawPath     string `json:"raw_path,omitempty"`
	SidecarPath string `json:"sidecar_path,omitempty"`
	Dir         string `json:"dir,omitempty"`
	FilePrefix  string `json:"file_prefix,omitempty"`
}

func (r RunInput) multiplexed() bool {
	return r.RawPath != "" || r.SidecarPath != ""
}

// StreamChannel names an auxiliary channel carried verbatim into the
// metadata store.
type StreamChannel struct {
	Name    string `json:"name"`
	Channel int    `json:"channel"`
}

// EventChannel names an auxiliary channel reduced to an event table by
// the named kind.
type EventChannel struct {
	Name    string `json:"name"`
	Channel int    `json:"channel"`
	Kind    string `json:"kind"`
}

// Config drives one pipeline invocation.
type Config struct {
	Runs           []RunInput      `json:"runs"`
	OutputDir      string          `json:"output_dir"`
	SavePrefix     string          `json:"save_prefix"`
	NeuralChannels []int           `json:"neural_channels"`
	Streams        []StreamChannel `json:"streams,omitempty"`
	Events         []EventChannel  `json:"events,omitempty"`
	BehaviorLogs   []string        `json:"behavior_logs,omitempty"`

	// TriggerChannel is the powerline reference channel. Removal is
	// skipped entirely when nil.
	TriggerChannel *int `json:"trigger_channel,omitempty"`

	MainsHz      float64 `json:"mains_hz,omitempty"`
	LFPTargetHz  int     `json:"lfp_target_hz,omitempty"`
	BlockSamples int     `json:"block_samples,omitempty"`

	// SampleTypeName overrides the acquisition encoding. When empty, the
	// sidecar or channel headers decide, falling back to int16.
	SampleTypeName string `json:"dtype,omitempty"`

	// PreserveOnFailure keeps the scratch directory after a failure and,
	// when possible, writes a resume descriptor instead of cleaning up.
	PreserveOnFailure bool `json:"preserve_on_failure,omitempty"`
}

// LoadConfig reads a Config from a JSON file. The file must have a .json
// extension and stay under 1MB, mirroring the acquisition tooling's own
// limits.
func LoadConfig(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("%w: config file must have .json extension, got %q", rec.ErrFormat, ext)
	}

	info, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024
	if info.Size() > maxFileSize {
		return nil, fmt.Errorf("%w: config file too large: %d bytes (max %d)",
			rec.ErrFormat, info.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: failed to parse config JSON: %v", rec.ErrFormat, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the declaration's internal consistency. It never
// touches the filesystem; input presence is checked by Process.
func (c *Config) Validate() error {
	if len(c.Runs) == 0 {
		return fmt.Errorf("%w: no runs declared", rec.ErrFormat)
	}
	for i, r := range c.Runs {
		mux := r.RawPath != "" || r.SidecarPath != ""
		perCh := r.Dir != "" || r.FilePrefix != ""
		switch {
		case mux && perCh:
			return fmt.Errorf("%w: run %d declares both a multiplexed file and a channel directory", rec.ErrFormat, i)
		case mux && (r.RawPath == "" || r.SidecarPath == ""):
			return fmt.Errorf("%w: run %d needs both raw_path and sidecar_path", rec.ErrFormat, i)
		case perCh && (r.Dir == "" || r.FilePrefix == ""):
			return fmt.Errorf("%w: run %d needs both dir and file_prefix", rec.ErrFormat, i)
		case !mux && !perCh:
			return fmt.Errorf("%w: run %d declares no input", rec.ErrFormat, i)
		}
	}
	if c.OutputDir == "" {
		return fmt.Errorf("%w: output_dir is required", rec.ErrFormat)
	}
	if c.SavePrefix == "" {
		return fmt.Errorf("%w: save_prefix is required", rec.ErrFormat)
	}
	if len(c.NeuralChannels) == 0 {
		return fmt.Errorf("%w: no neural channels declared", rec.ErrFormat)
	}
	seen := make(map[int]bool)
	for _, ch := range c.NeuralChannels {
		if ch < 0 {
			return fmt.Errorf("%w: negative neural channel %d", rec.ErrFormat, ch)
		}
		if seen[ch] {
			return fmt.Errorf("%w: neural channel %d declared twice", rec.ErrFormat, ch)
		}
		seen[ch] = true
	}
	names := make(map[string]bool)
	for _, s := range c.Streams {
		if s.Name == "" {
			return fmt.Errorf("%w: stream channel %d has no name", rec.ErrFormat, s.Channel)
		}
		if names[s.Name] {
			return fmt.Errorf("%w: stream name %q declared twice", rec.ErrFormat, s.Name)
		}
		names[s.Name] = true
	}
	names = make(map[string]bool)
	for _, e := range c.Events {
		if e.Name == "" {
			return fmt.Errorf("%w: event channel %d has no name", rec.ErrFormat, e.Channel)
		}
		if names[e.Name] {
			return fmt.Errorf("%w: event name %q declared twice", rec.ErrFormat, e.Name)
		}
		names[e.Name] = true
		if _, err := meta.ParseEventKind(e.Kind); err != nil {
			return fmt.Errorf("event %q: %w", e.Name, err)
		}
	}
	if c.MainsHz < 0 {
		return fmt.Errorf("%w: mains_hz must be positive", rec.ErrFormat)
	}
	if c.LFPTargetHz < 0 {
		return fmt.Errorf("%w: lfp_target_hz must be positive", rec.ErrFormat)
	}
	if c.BlockSamples < 0 {
		return fmt.Errorf("%w: block_samples must be positive", rec.ErrFormat)
	}
	if c.SampleTypeName != "" {
		if _, err := rec.ParseSampleType(c.SampleTypeName); err != nil {
			return err
		}
	}
	return nil
}

func (c Config) withDefaults() Config {
	if c.MainsHz == 0 {
		c.MainsHz = powerline.DefaultMainsHz
	}
	if c.LFPTargetHz == 0 {
		c.LFPTargetHz = DefaultLFPTargetHz
	}
	if c.BlockSamples == 0 {
		c.BlockSamples = blockio.DefaultBlockSamples
	}
	return c
}

// ArtifactPaths lists the three final outputs of an invocation.
type ArtifactPaths struct {
	Recording string
	LFP       string
	Meta      string
}

func (c *Config) artifacts() ArtifactPaths {
	base := filepath.Join(c.OutputDir, c.SavePrefix)
	return ArtifactPaths{
		Recording: base + ".dat",
		LFP:       base + "_lfp.db",
		Meta:      base + "_meta.db",
	}
}

func (c *Config) streamSpecs() []meta.StreamSpec {
	specs := make([]meta.StreamSpec, len(c.Streams))
	for i, s := range c.Streams {
		specs[i] = meta.StreamSpec{Name: s.Name, Channel: s.Channel}
	}
	return specs
}

func (c *Config) eventSpecs() []meta.EventSpec {
	specs := make([]meta.EventSpec, len(c.Events))
	for i, e := range c.Events {
		specs[i] = meta.EventSpec{Name: e.Name, Channel: e.Channel, Kind: meta.EventKind(e.Kind)}
	}
	return specs
}
