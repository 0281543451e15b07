package meta

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/phys-data/consolidate/internal/rec"
)

// StreamSpec names one auxiliary channel whose raw series is carried into
// the metadata store verbatim.
type StreamSpec struct {
	Name    string
	Channel int
}

// EventSpec names one event channel and the routine that derives its table.
type EventSpec struct {
	Name    string
	Channel int
	Kind    EventKind
}

// AssembleConfig describes one invocation's metadata assembly over
// separated scratch files.
type AssembleConfig struct {
	Path          string   // destination store, must not exist
	RunPrefixes   []string // one scratch namespace per run, in run order
	Streams       []StreamSpec
	Events        []EventSpec
	BehaviorLogs  []string // one opaque log file per run, may be empty
	AcquisitionHz float64
	SampleType    rec.SampleType
	Log           *log.Logger
}

// Assemble builds the consolidated metadata store: behavioral logs are
// copied wholesale, each declared stream's scratch payload becomes one
// segment per run, each declared event channel is concatenated across
// runs and routed through its kind's routine, and the run-boundary table
// records cumulative sample counts. Validation failures are reported
// before the store is created.
func Assemble(ctx context.Context, cfg AssembleConfig) error {
	width := cfg.SampleType.Width()
	if width == 0 {
		return fmt.Errorf("%w: unsupported sample type %q", rec.ErrFormat, string(cfg.SampleType))
	}
	for _, spec := range cfg.Events {
		if !spec.Kind.Valid() {
			return fmt.Errorf("%w: event %s uses kind %q", rec.ErrUnknownEventProcessor, spec.Name, string(spec.Kind))
		}
	}
	logger := cfg.Log
	if logger == nil {
		logger = log.Default()
	}

	s, err := Create(cfg.Path, cfg.AcquisitionHz)
	if err != nil {
		return err
	}
	defer s.Close()

	if err := copyBehaviorLogs(s, cfg.BehaviorLogs); err != nil {
		return err
	}

	for _, spec := range cfg.Streams {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		for seq, prefix := range cfg.RunPrefixes {
			raw, err := readPayload(rec.ChannelFileName(prefix, spec.Channel), width)
			if err != nil {
				return fmt.Errorf("stream %s: %w", spec.Name, err)
			}
			if err := s.AppendStreamSegment(spec.Name, seq, raw); err != nil {
				return err
			}
		}
	}

	for _, spec := range cfg.Events {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		var sig []int64
		for _, prefix := range cfg.RunPrefixes {
			raw, err := readPayload(rec.ChannelFileName(prefix, spec.Channel), width)
			if err != nil {
				return fmt.Errorf("events %s: %w", spec.Name, err)
			}
			seg, err := cfg.SampleType.DecodeSigned(raw)
			if err != nil {
				return fmt.Errorf("events %s: %w", spec.Name, err)
			}
			sig = append(sig, seg...)
		}
		events, err := ProcessEvents(spec.Kind, sig)
		if err != nil {
			return err
		}
		if err := s.PutEvents(spec.Name, events); err != nil {
			return err
		}
		logger.Printf("[meta] %s: %d events", spec.Name, len(events))
	}

	return writeRunBoundaries(s, cfg, width, logger)
}

func copyBehaviorLogs(s *Store, paths []string) error {
	seen := make(map[string]bool)
	for _, p := range paths {
		content, err := os.ReadFile(p)
		if err != nil {
			return fmt.Errorf("failed to read behavior log: %w", err)
		}
		base := filepath.Base(p)
		name := strings.TrimSuffix(base, filepath.Ext(base))
		final := name
		for n := 2; seen[final]; n++ {
			final = fmt.Sprintf("%s_%d", name, n)
		}
		seen[final] = true
		if err := s.PutBehaviorRun(final, base, content); err != nil {
			return err
		}
	}
	return nil
}

func readPayload(path string, width int) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read channel file: %w", err)
	}
	if len(raw)%width != 0 {
		return nil, fmt.Errorf("%w: %s holds %d bytes, not a whole number of samples",
			rec.ErrCorruptRecording, path, len(raw))
	}
	return raw, nil
}

// writeRunBoundaries records cumulative sample counts per run, measured
// from a reference channel's scratch file: the last declared event
// channel, else the last declared stream channel, else the lowest
// numbered channel file present under each run's prefix.
func writeRunBoundaries(s *Store, cfg AssembleConfig, width int, logger *log.Logger) error {
	refCh := -1
	switch {
	case len(cfg.Events) > 0:
		refCh = cfg.Events[len(cfg.Events)-1].Channel
	case len(cfg.Streams) > 0:
		refCh = cfg.Streams[len(cfg.Streams)-1].Channel
	}

	var total int64
	for seq, prefix := range cfg.RunPrefixes {
		ch := refCh
		if ch < 0 {
			var err error
			ch, err = lowestChannel(prefix)
			if err != nil {
				return err
			}
			logger.Printf("[meta] run %d: no stream or event channels declared, boundary taken from channel %d file size", seq, ch)
		}
		info, err := os.Stat(rec.ChannelFileName(prefix, ch))
		if err != nil {
			return fmt.Errorf("failed to stat boundary reference: %w", err)
		}
		if info.Size()%int64(width) != 0 {
			return fmt.Errorf("%w: boundary reference %s holds %d bytes, not a whole number of samples",
				rec.ErrCorruptRecording, rec.ChannelFileName(prefix, ch), info.Size())
		}
		if info.Size() == 0 {
			return fmt.Errorf("%w: run %d holds no samples, boundaries must strictly increase",
				rec.ErrCorruptRecording, seq)
		}
		total += info.Size() / int64(width)
		if err := s.PutRunBoundary(seq, total); err != nil {
			return err
		}
	}
	return nil
}

func lowestChannel(prefix string) (int, error) {
	matches, err := filepath.Glob(prefix + "_ch*.bin")
	if err != nil {
		return 0, fmt.Errorf("failed to scan scratch files: %w", err)
	}
	best := -1
	for _, m := range matches {
		num := strings.TrimSuffix(strings.TrimPrefix(m, prefix+"_ch"), ".bin")
		ch, err := strconv.Atoi(num)
		if err != nil {
			continue
		}
		if best < 0 || ch < best {
			best = ch
		}
	}
	if best < 0 {
		return 0, fmt.Errorf("%w: no channel files under %s for run boundaries", rec.ErrCorruptRecording, prefix)
	}
	return best, nil
}
