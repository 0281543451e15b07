// Package format reads the two raw acquisition layouts: a multiplexed
// binary described by a text sidecar, and directories of single-channel
// files carrying fixed-size leading headers.
package format

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/phys-data/consolidate/internal/rec"
)

// maxSidecarSize bounds how much of a sidecar is read. Real sidecars are a
// few hundred bytes.
const maxSidecarSize = 1 << 20

// maxSubsetChannels is the expansion ceiling for the literal channel subset
// "all".
const maxSubsetChannels = 256

// Sidecar keys consumed by the reader. Acquisition software writes many
// more, which are ignored.
const (
	sidecarKeyChannels   = "channels"
	sidecarKeySampleRate = "samplerate"
	sidecarKeySampleType = "dtype"
)

// Sidecar holds the acquisition description accompanying a multiplexed raw
// binary.
type Sidecar struct {
	Channels   []int
	SampleRate int
	SampleType rec.SampleType // empty when the sidecar does not specify one
}

// ReadSidecar parses the newline-delimited key=value sidecar at path.
func ReadSidecar(path string) (*Sidecar, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat sidecar: %w", err)
	}
	if info.Size() > maxSidecarSize {
		return nil, fmt.Errorf("%w: sidecar %s is %d bytes, limit is %d",
			rec.ErrFormat, path, info.Size(), maxSidecarSize)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read sidecar: %w", err)
	}

	keys := make(map[string]string)
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			return nil, fmt.Errorf("%w: sidecar line %q has no key=value separator",
				rec.ErrFormat, line)
		}
		keys[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}

	chStr, ok := keys[sidecarKeyChannels]
	if !ok {
		return nil, fmt.Errorf("%w: sidecar %s has no %s key",
			rec.ErrFormat, path, sidecarKeyChannels)
	}
	channels, err := ParseChannelSubset(chStr)
	if err != nil {
		return nil, err
	}

	rateStr, ok := keys[sidecarKeySampleRate]
	if !ok {
		return nil, fmt.Errorf("%w: sidecar %s has no %s key",
			rec.ErrFormat, path, sidecarKeySampleRate)
	}
	rate, err := strconv.Atoi(rateStr)
	if err != nil || rate <= 0 {
		return nil, fmt.Errorf("%w: sidecar sample rate %q is not a positive integer",
			rec.ErrFormat, rateStr)
	}

	sc := &Sidecar{Channels: channels, SampleRate: rate}
	if dtStr, ok := keys[sidecarKeySampleType]; ok {
		st, err := rec.ParseSampleType(dtStr)
		if err != nil {
			return nil, err
		}
		sc.SampleType = st
	}
	return sc, nil
}

// ParseChannelSubset expands a channel subset declaration. The literal
// "all" expands to every channel the acquisition hardware can record. Any
// other value is a comma list mixing single numbers with inclusive
// low:high ranges, so "0:3,7" expands to [0 1 2 3 7].
func ParseChannelSubset(s string) ([]int, error) {
	if s == "all" {
		channels := make([]int, maxSubsetChannels)
		for i := range channels {
			channels[i] = i
		}
		return channels, nil
	}

	var channels []int
	seen := make(map[int]bool)
	add := func(n int) error {
		if n < 0 {
			return fmt.Errorf("%w: negative channel number %d", rec.ErrFormat, n)
		}
		if seen[n] {
			return fmt.Errorf("%w: channel %d declared twice", rec.ErrFormat, n)
		}
		seen[n] = true
		channels = append(channels, n)
		return nil
	}

	for _, tok := range strings.Split(s, ",") {
		tok = strings.TrimSpace(tok)
		if lowStr, highStr, ok := strings.Cut(tok, ":"); ok {
			low, err1 := strconv.Atoi(strings.TrimSpace(lowStr))
			high, err2 := strconv.Atoi(strings.TrimSpace(highStr))
			if err1 != nil || err2 != nil {
				return nil, fmt.Errorf("%w: malformed channel range %q", rec.ErrFormat, tok)
			}
			if high < low {
				return nil, fmt.Errorf("%w: channel range %q runs backwards", rec.ErrFormat, tok)
			}
			for n := low; n <= high; n++ {
				if err := add(n); err != nil {
					return nil, err
				}
			}
			continue
		}
		n, err := strconv.Atoi(tok)
		if err != nil {
			return nil, fmt.Errorf("%w: malformed channel number %q", rec.ErrFormat, tok)
		}
		if err := add(n); err != nil {
			return nil, err
		}
	}
	if len(channels) == 0 {
		return nil, fmt.Errorf("%w: empty channel subset", rec.ErrFormat)
	}
	return channels, nil
}
