package format

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/phys-data/consolidate/internal/rec"
)

// ChannelHeaderSize is the fixed byte length of the leading header carried
// by every per-channel file. The payload starts at this offset.
const ChannelHeaderSize = 512

// ChannelFileExt is the extension of per-channel recording files.
const ChannelFileExt = ".chan"

// Channel file name markers. Neural electrodes record as CH, bindable
// auxiliary inputs as ADC, and AUX files are carried by the acquisition
// software but never consumed here.
const (
	markerNeural = "CH"
	markerAux    = "ADC"
	markerUnused = "AUX"
)

// ChannelHeader is the acquisition description carried at the head of one
// per-channel file.
type ChannelHeader struct {
	SampleRate int
	SampleType rec.SampleType // empty when the file does not specify one
}

// ReadChannelHeader consumes exactly ChannelHeaderSize bytes from r and
// parses them as NUL-padded ASCII key=value lines.
func ReadChannelHeader(r io.Reader) (ChannelHeader, error) {
	var hdr ChannelHeader
	buf := make([]byte, ChannelHeaderSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return hdr, fmt.Errorf("%w: channel file shorter than its %d byte header: %v",
			rec.ErrFormat, ChannelHeaderSize, err)
	}

	text := strings.TrimRight(string(buf), "\x00")
	for _, line := range strings.Split(text, "\n") {
		if line == "" {
			continue
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			return hdr, fmt.Errorf("%w: channel header line %q has no key=value separator",
				rec.ErrFormat, line)
		}
		switch strings.TrimSpace(k) {
		case sidecarKeySampleRate:
			rate, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil || rate <= 0 {
				return hdr, fmt.Errorf("%w: channel header sample rate %q is not a positive integer",
					rec.ErrFormat, v)
			}
			hdr.SampleRate = rate
		case sidecarKeySampleType:
			st, err := rec.ParseSampleType(strings.TrimSpace(v))
			if err != nil {
				return hdr, err
			}
			hdr.SampleType = st
		}
	}
	if hdr.SampleRate == 0 {
		return hdr, fmt.Errorf("%w: channel header has no %s key",
			rec.ErrFormat, sidecarKeySampleRate)
	}
	return hdr, nil
}

// WriteChannelHeader writes hdr as a NUL-padded block of exactly
// ChannelHeaderSize bytes.
func WriteChannelHeader(w io.Writer, hdr ChannelHeader) error {
	if hdr.SampleRate <= 0 {
		return fmt.Errorf("%w: channel header sample rate must be positive", rec.ErrFormat)
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s=%d\n", sidecarKeySampleRate, hdr.SampleRate)
	if hdr.SampleType != "" {
		fmt.Fprintf(&sb, "%s=%s\n", sidecarKeySampleType, hdr.SampleType)
	}
	if sb.Len() > ChannelHeaderSize {
		return fmt.Errorf("%w: channel header overflows %d bytes", rec.ErrFormat, ChannelHeaderSize)
	}
	buf := make([]byte, ChannelHeaderSize)
	copy(buf, sb.String())
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("failed to write channel header: %w", err)
	}
	return nil
}

// ChannelDir describes the channel files discovered for one per-channel
// run after their headers have been read and reconciled.
type ChannelDir struct {
	Dir        string
	FilePrefix string

	NeuralChannels []int // numbers recorded as <prefix>_CH<n>.chan
	AuxChannels    []int // numbers recorded as <prefix>_ADC<n>.chan
	UnusedChannels []int // numbers recorded as <prefix>_AUX<n>.chan, never read

	SampleRate int
	SampleType rec.SampleType // empty when no file specifies one
}

// NeuralPath returns the path of the file recording one neural channel.
func (d *ChannelDir) NeuralPath(channel int) string {
	return channelFilePath(d.Dir, d.FilePrefix, markerNeural, channel)
}

// AuxPath returns the path of the file recording one auxiliary channel.
func (d *ChannelDir) AuxPath(channel int) string {
	return channelFilePath(d.Dir, d.FilePrefix, markerAux, channel)
}

func channelFilePath(dir, prefix, marker string, channel int) string {
	return filepath.Join(dir, fmt.Sprintf("%s_%s%d%s", prefix, marker, channel, ChannelFileExt))
}

// ScanChannelDir discovers the channel files under dir matching filePrefix
// and reconciles their headers. Neural and auxiliary files must agree on
// sample rate, and on sample type where they specify one.
func ScanChannelDir(dir, filePrefix string) (*ChannelDir, error) {
	cd := &ChannelDir{Dir: dir, FilePrefix: filePrefix}

	var err error
	if cd.NeuralChannels, err = scanMarker(dir, filePrefix, markerNeural); err != nil {
		return nil, err
	}
	if cd.AuxChannels, err = scanMarker(dir, filePrefix, markerAux); err != nil {
		return nil, err
	}
	if cd.UnusedChannels, err = scanMarker(dir, filePrefix, markerUnused); err != nil {
		return nil, err
	}
	if len(cd.NeuralChannels) == 0 && len(cd.AuxChannels) == 0 {
		return nil, fmt.Errorf("%w: no %s_CH or %s_ADC channel files under %s",
			rec.ErrFormat, filePrefix, filePrefix, dir)
	}

	read := func(path string) error {
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("failed to open channel file: %w", err)
		}
		defer f.Close()
		hdr, err := ReadChannelHeader(f)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		if cd.SampleRate == 0 {
			cd.SampleRate = hdr.SampleRate
		} else if hdr.SampleRate != cd.SampleRate {
			return fmt.Errorf("%w: %s sampled at %d Hz, other channels at %d Hz",
				rec.ErrFormat, path, hdr.SampleRate, cd.SampleRate)
		}
		if hdr.SampleType != "" {
			if cd.SampleType == "" {
				cd.SampleType = hdr.SampleType
			} else if hdr.SampleType != cd.SampleType {
				return fmt.Errorf("%w: %s encoded as %s, other channels as %s",
					rec.ErrFormat, path, hdr.SampleType, cd.SampleType)
			}
		}
		return nil
	}

	for _, ch := range cd.NeuralChannels {
		if err := read(cd.NeuralPath(ch)); err != nil {
			return nil, err
		}
	}
	for _, ch := range cd.AuxChannels {
		if err := read(cd.AuxPath(ch)); err != nil {
			return nil, err
		}
	}
	return cd, nil
}

func scanMarker(dir, prefix, marker string) ([]int, error) {
	paths, err := filepath.Glob(filepath.Join(dir, prefix+"_"+marker+"*"+ChannelFileExt))
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", dir, err)
	}
	var channels []int
	for _, p := range paths {
		n, err := channelFileNumber(p, marker)
		if err != nil {
			return nil, err
		}
		channels = append(channels, n)
	}
	sort.Ints(channels)
	return channels, nil
}

func channelFileNumber(path, marker string) (int, error) {
	name := strings.TrimSuffix(filepath.Base(path), ChannelFileExt)
	_, numStr, ok := strings.Cut(name, "_"+marker)
	if !ok {
		return 0, fmt.Errorf("%w: channel file %s has no %s marker", rec.ErrFormat, path, marker)
	}
	n, err := strconv.Atoi(numStr)
	if err != nil {
		return 0, fmt.Errorf("%w: channel file %s has a malformed channel number", rec.ErrFormat, path)
	}
	return n, nil
}
