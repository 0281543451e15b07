package blockio

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"sync"

	"github.com/phys-data/consolidate/internal/format"
	"github.com/phys-data/consolidate/internal/rec"
)

// importWorkers is the number of channel files copied concurrently.
const importWorkers = 4

// ImportJob names one per-channel source file and the scratch channel
// number its payload lands under.
type ImportJob struct {
	SourcePath string
	Channel    int
}

// ImportOptions control per-channel file import.
type ImportOptions struct {
	Log *log.Logger
}

// ImportChannelFiles strips each source file's leading header and copies
// its payload into the scratch namespace rooted at prefix, so downstream
// stages see the same layout a separated multiplexed run produces. The
// payload must be a whole number of samples.
func ImportChannelFiles(ctx context.Context, jobs []ImportJob, prefix string, st rec.SampleType, opts ImportOptions) error {
	logger := opts.Log
	if logger == nil {
		logger = log.Default()
	}
	width := st.Width()
	if width == 0 {
		return fmt.Errorf("%w: unsupported sample type %q", rec.ErrFormat, string(st))
	}

	queue := make(chan ImportJob, len(jobs))
	for _, j := range jobs {
		queue <- j
	}
	close(queue)

	errs := make(chan error, len(jobs))
	var wg sync.WaitGroup
	workers := importWorkers
	if workers > len(jobs) {
		workers = len(jobs)
	}
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range queue {
				select {
				case <-ctx.Done():
					errs <- ctx.Err()
					return
				default:
				}
				if err := importOne(j, prefix, width); err != nil {
					errs <- err
					return
				}
				logger.Printf("[import] channel %d from %s", j.Channel, j.SourcePath)
			}
		}()
	}
	wg.Wait()
	close(errs)
	return <-errs
}

func importOne(j ImportJob, prefix string, width int) error {
	src, err := os.Open(j.SourcePath)
	if err != nil {
		return fmt.Errorf("failed to open channel file: %w", err)
	}
	defer src.Close()

	info, err := src.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat channel file: %w", err)
	}
	payload := info.Size() - format.ChannelHeaderSize
	if payload < 0 {
		return fmt.Errorf("%w: %s is shorter than its header", rec.ErrFormat, j.SourcePath)
	}
	if payload%int64(width) != 0 {
		return fmt.Errorf("%w: %s payload is %d bytes, not a whole number of samples",
			rec.ErrCorruptRecording, j.SourcePath, payload)
	}
	if _, err := format.ReadChannelHeader(src); err != nil {
		return fmt.Errorf("%s: %w", j.SourcePath, err)
	}

	dstPath := rec.ChannelFileName(prefix, j.Channel)
	dst, err := os.OpenFile(dstPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return fmt.Errorf("%w: scratch file %s", rec.ErrAlreadyExists, dstPath)
		}
		return fmt.Errorf("failed to create scratch file: %w", err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return fmt.Errorf("failed to copy channel payload: %w", err)
	}
	if err := dst.Close(); err != nil {
		return fmt.Errorf("failed to close scratch file: %w", err)
	}
	return nil
}
