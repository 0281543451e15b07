// Package blockio moves samples between the multiplexed, per-channel, and
// consolidated layouts in bounded-memory blocks.
package blockio

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"sync"

	"github.com/phys-data/consolidate/internal/rec"
)

// DefaultBlockSamples caps how many samples are held in memory while
// separating or merging. Rounded down to a multiple of the channel count
// before use.
const DefaultBlockSamples = 1_000_000_000

// separateWorkers is the number of goroutines slicing and writing channel
// columns per block.
const separateWorkers = 8

// SeparateOptions control how a multiplexed file is split into scratch
// channel files.
type SeparateOptions struct {
	// BlockSamples overrides DefaultBlockSamples when positive.
	BlockSamples int
	// Overwrite truncates scratch files that already exist.
	Overwrite bool
	// Append extends existing scratch files, which must all share one size.
	Append bool

	Log *log.Logger
}

// Separate streams the multiplexed raw binary at rawPath into one scratch
// file per channel under prefix. The raw file must hold a whole number of
// frames. Without Overwrite or Append, a pre-existing scratch file is an
// error and nothing is written.
func Separate(ctx context.Context, rawPath string, channels []int, prefix string, st rec.SampleType, opts SeparateOptions) error {
	logger := opts.Log
	if logger == nil {
		logger = log.Default()
	}
	width := st.Width()
	if width == 0 {
		return fmt.Errorf("%w: unsupported sample type %q", rec.ErrFormat, string(st))
	}
	if len(channels) == 0 {
		return fmt.Errorf("%w: no channels to separate", rec.ErrFormat)
	}
	if opts.Overwrite && opts.Append {
		return fmt.Errorf("%w: overwrite and append are mutually exclusive", rec.ErrFormat)
	}

	paths := make([]string, len(channels))
	for i, ch := range channels {
		paths[i] = rec.ChannelFileName(prefix, ch)
	}

	if !opts.Overwrite && !opts.Append {
		for _, p := range paths {
			if _, err := os.Stat(p); err == nil {
				return fmt.Errorf("%w: scratch file %s", rec.ErrAlreadyExists, p)
			}
		}
	}
	if opts.Append {
		var first int64 = -1
		for _, p := range paths {
			info, err := os.Stat(p)
			if err != nil {
				return fmt.Errorf("append target missing: %w", err)
			}
			if first == -1 {
				first = info.Size()
			} else if info.Size() != first {
				return fmt.Errorf("%w: append targets differ in size (%s is %d bytes, expected %d)",
					rec.ErrCorruptRecording, p, info.Size(), first)
			}
		}
	}

	info, err := os.Stat(rawPath)
	if err != nil {
		return fmt.Errorf("failed to stat raw file: %w", err)
	}
	frameBytes := int64(width * len(channels))
	if info.Size()%frameBytes != 0 {
		return fmt.Errorf("%w: %s is %d bytes, not a whole number of %d byte frames",
			rec.ErrCorruptRecording, rawPath, info.Size(), frameBytes)
	}

	blockSamples := opts.BlockSamples
	if blockSamples <= 0 {
		blockSamples = DefaultBlockSamples
	}
	blockFrames := blockSamples / len(channels)
	if blockFrames < 1 {
		blockFrames = 1
	}
	// No point holding more than the whole file.
	if int64(blockFrames)*frameBytes > info.Size() {
		blockFrames = int(info.Size() / frameBytes)
	}
	blockBytes := blockFrames * int(frameBytes)
	var nSteps int64
	if blockBytes > 0 {
		nSteps = (info.Size() + int64(blockBytes) - 1) / int64(blockBytes)
	}

	raw, err := os.Open(rawPath)
	if err != nil {
		return fmt.Errorf("failed to open raw file: %w", err)
	}
	defer raw.Close()

	flags := os.O_WRONLY | os.O_CREATE | os.O_APPEND
	if opts.Overwrite {
		flags = os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	}
	outs := make([]*os.File, len(paths))
	for i, p := range paths {
		f, err := os.OpenFile(p, flags, 0o644)
		if err != nil {
			closeAll(outs[:i])
			return fmt.Errorf("failed to open scratch file: %w", err)
		}
		outs[i] = f
	}

	if info.Size() == 0 {
		// Nothing to split; the scratch files exist and are empty.
		for _, f := range outs {
			if err := f.Close(); err != nil {
				return fmt.Errorf("failed to close scratch file: %w", err)
			}
		}
		return nil
	}

	buf := make([]byte, blockBytes)
	cols := make([][]byte, len(channels))
	for i := range cols {
		cols[i] = make([]byte, blockFrames*width)
	}

	var step int64
	for {
		select {
		case <-ctx.Done():
			closeAll(outs)
			return ctx.Err()
		default:
		}

		n, err := io.ReadFull(raw, buf)
		if err == io.EOF {
			break
		}
		if err != nil && err != io.ErrUnexpectedEOF {
			closeAll(outs)
			return fmt.Errorf("failed to read raw block: %w", err)
		}
		step++
		logger.Printf("[separate] block %d of %d (%d bytes)", step, nSteps, n)

		frames := n / int(frameBytes)
		if werr := writeColumns(buf[:n], cols, outs, frames, width); werr != nil {
			closeAll(outs)
			return werr
		}
		if err == io.ErrUnexpectedEOF {
			break
		}
	}

	for _, f := range outs {
		if err := f.Close(); err != nil {
			return fmt.Errorf("failed to close scratch file: %w", err)
		}
	}
	return nil
}

// writeColumns de-interleaves one block and appends each channel column to
// its scratch file, a bounded pool of workers handling the channels.
func writeColumns(block []byte, cols [][]byte, outs []*os.File, frames, width int) error {
	nCh := len(outs)
	frameBytes := nCh * width

	jobs := make(chan int, nCh)
	for i := 0; i < nCh; i++ {
		jobs <- i
	}
	close(jobs)

	errs := make(chan error, nCh)
	var wg sync.WaitGroup
	workers := separateWorkers
	if workers > nCh {
		workers = nCh
	}
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				col := cols[i][:frames*width]
				for f := 0; f < frames; f++ {
					copy(col[f*width:(f+1)*width], block[f*frameBytes+i*width:])
				}
				if _, err := outs[i].Write(col); err != nil {
					errs <- fmt.Errorf("failed to write channel column: %w", err)
					return
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	return <-errs
}

func closeAll(files []*os.File) {
	for _, f := range files {
		if f != nil {
			f.Close()
		}
	}
}
