package lfp

import (
	"context"
	"fmt"
	"log"
	"math"
	"os"
	"sync"

	"github.com/phys-data/consolidate/internal/rec"
)

const decimateWorkers = 4

// RunConfig describes one run's decimation pass over separated channel
// files sharing a scratch prefix.
type RunConfig struct {
	Prefix     string // scratch namespace holding the separated channels
	Channels   []int  // channel numbers to decimate
	Seq        int    // run index, used as the segment sequence number
	Factor     int    // decimation factor
	SampleType rec.SampleType
	Log        *log.Logger
}

// BuildRun decimates each channel's separated file and appends the result
// to the store as the run's segment. Channels are filtered concurrently
// but appended in channel order.
func BuildRun(ctx context.Context, s *Store, cfg RunConfig) error {
	if cfg.Factor < 1 {
		return fmt.Errorf("%w: decimation factor %d", rec.ErrFormat, cfg.Factor)
	}
	logger := cfg.Log
	if logger == nil {
		logger = log.Default()
	}

	segments := make([][]int16, len(cfg.Channels))
	jobs := make(chan int, len(cfg.Channels))
	for i := range cfg.Channels {
		jobs <- i
	}
	close(jobs)

	errs := make(chan error, len(cfg.Channels))
	var wg sync.WaitGroup
	for w := 0; w < decimateWorkers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				select {
				case <-ctx.Done():
					errs <- ctx.Err()
					return
				default:
				}
				seg, err := decimateFile(rec.ChannelFileName(cfg.Prefix, cfg.Channels[i]), cfg.SampleType, cfg.Factor)
				if err != nil {
					errs <- fmt.Errorf("channel %d: %w", cfg.Channels[i], err)
					return
				}
				segments[i] = seg
			}
		}()
	}
	wg.Wait()
	close(errs)
	if err := <-errs; err != nil {
		return err
	}

	for i, ch := range cfg.Channels {
		if err := s.AppendSegment(ch, cfg.Seq, segments[i]); err != nil {
			return err
		}
	}
	logger.Printf("[lfp] run %d: %d channels decimated by %d", cfg.Seq, len(cfg.Channels), cfg.Factor)
	return nil
}

func decimateFile(path string, st rec.SampleType, factor int) ([]int16, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read channel file: %w", err)
	}
	sig, err := st.DecodeFloat(raw)
	if err != nil {
		return nil, err
	}
	out, err := Decimate(sig, factor)
	if err != nil {
		return nil, err
	}
	seg := make([]int16, len(out))
	for i, v := range out {
		seg[i] = narrowSample(v)
	}
	return seg, nil
}

// narrowSample rounds a filtered sample to the nearest int16, saturating
// at the type bounds rather than wrapping.
func narrowSample(v float64) int16 {
	r := math.Round(v)
	if r > math.MaxInt16 {
		return math.MaxInt16
	}
	if r < math.MinInt16 {
		return math.MinInt16
	}
	return int16(r)
}
