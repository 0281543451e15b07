package blockio

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/phys-data/consolidate/internal/rec"
)

// MergeOptions control how scratch channel files are re-interleaved.
type MergeOptions struct {
	// BlockSamples overrides DefaultBlockSamples when positive.
	BlockSamples int

	Log *log.Logger
}

// Merge re-interleaves the scratch files of the given channels into dst in
// declared channel order. Every scratch file must share one byte size, and
// that size must be a whole number of samples. Appending to dst across
// calls concatenates runs.
func Merge(ctx context.Context, prefix string, channels []int, dst io.Writer, st rec.SampleType, opts MergeOptions) error {
	logger := opts.Log
	if logger == nil {
		logger = log.Default()
	}
	width := st.Width()
	if width == 0 {
		return fmt.Errorf("%w: unsupported sample type %q", rec.ErrFormat, string(st))
	}
	if len(channels) == 0 {
		return fmt.Errorf("%w: no channels to merge", rec.ErrFormat)
	}

	paths := make([]string, len(channels))
	var chBytes int64 = -1
	for i, ch := range channels {
		paths[i] = rec.ChannelFileName(prefix, ch)
		info, err := os.Stat(paths[i])
		if err != nil {
			return fmt.Errorf("scratch file missing: %w", err)
		}
		if chBytes == -1 {
			chBytes = info.Size()
		} else if info.Size() != chBytes {
			return fmt.Errorf("%w: scratch files differ in size (%s is %d bytes, expected %d)",
				rec.ErrCorruptRecording, paths[i], info.Size(), chBytes)
		}
	}
	if chBytes%int64(width) != 0 {
		return fmt.Errorf("%w: scratch files hold %d bytes, not a whole number of %s samples",
			rec.ErrCorruptRecording, chBytes, st)
	}

	if chBytes == 0 {
		return nil
	}

	blockSamples := opts.BlockSamples
	if blockSamples <= 0 {
		blockSamples = DefaultBlockSamples
	}
	stepSamples := blockSamples / len(channels)
	if stepSamples < 1 {
		stepSamples = 1
	}
	stepBytes := stepSamples * width
	// No point holding more than the whole channel.
	if int64(stepBytes) > chBytes {
		stepBytes = int(chBytes)
	}
	nSteps := (chBytes + int64(stepBytes) - 1) / int64(stepBytes)

	ins := make([]*os.File, len(paths))
	for i, p := range paths {
		f, err := os.Open(p)
		if err != nil {
			closeAll(ins[:i])
			return fmt.Errorf("failed to open scratch file: %w", err)
		}
		ins[i] = f
	}
	defer closeAll(ins)

	chBufs := make([][]byte, len(channels))
	for i := range chBufs {
		chBufs[i] = make([]byte, stepBytes)
	}
	out := make([]byte, stepBytes*len(channels))

	var read int64
	var step int64
	for read < chBytes {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		step++
		logger.Printf("[merge] block %d of %d", step, nSteps)

		want := stepBytes
		if remaining := chBytes - read; remaining < int64(stepBytes) {
			want = int(remaining)
		}
		for i, f := range ins {
			if _, err := io.ReadFull(f, chBufs[i][:want]); err != nil {
				return fmt.Errorf("failed to read scratch block from %s: %w", paths[i], err)
			}
		}

		frames := want / width
		frameBytes := len(channels) * width
		for fr := 0; fr < frames; fr++ {
			for i := range chBufs {
				copy(out[fr*frameBytes+i*width:], chBufs[i][fr*width:(fr+1)*width])
			}
		}
		if _, err := dst.Write(out[:frames*frameBytes]); err != nil {
			return fmt.Errorf("failed to write merged block: %w", err)
		}
		read += int64(want)
	}
	return nil
}
