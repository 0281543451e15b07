package rec

import "fmt"

// ChannelRole classifies what a recorded channel carries once declarations
// have been bound to it.
type ChannelRole string

// Defined channel roles.
const (
	RoleNeural ChannelRole = "neural" // electrode signal, merged into the consolidated recording
	RoleStream ChannelRole = "stream" // auxiliary signal stored verbatim in the metadata store
	RoleEvent  ChannelRole = "event"  // auxiliary trigger signal reduced to event times
	RoleAux    ChannelRole = "aux"    // recorded and separated, but not consumed downstream
)

// ChannelDescriptor identifies one recorded channel within a run.
type ChannelDescriptor struct {
	Number int
	Role   ChannelRole
	Name   string // symbolic name, set for stream and event channels
}

// Layout identifies how a run's samples are arranged on disk.
type Layout string

const (
	// LayoutMultiplexed is a single binary file of channel-interleaved
	// frames described by a text sidecar.
	LayoutMultiplexed Layout = "multiplexed"
	// LayoutPerChannel is a directory of single-channel files, each
	// carrying a fixed-size leading header.
	LayoutPerChannel Layout = "per_channel"
)

// RawRun describes one acquisition epoch after its format has been read and
// channel declarations have been bound.
type RawRun struct {
	Layout Layout

	// DataPath and SidecarPath are set for multiplexed runs.
	DataPath    string
	SidecarPath string

	// Dir and FilePrefix are set for per-channel runs.
	Dir        string
	FilePrefix string

	Channels   []ChannelDescriptor
	SampleRate int
	SampleType SampleType
}

// RoleChannels returns the numbers of channels holding the given role, in
// declared order.
func (r *RawRun) RoleChannels(role ChannelRole) []int {
	var chans []int
	for _, c := range r.Channels {
		if c.Role == role {
			chans = append(chans, c.Number)
		}
	}
	return chans
}

// NeuralChannels returns the numbers of channels destined for the
// consolidated recording, in declared order.
func (r *RawRun) NeuralChannels() []int {
	return r.RoleChannels(RoleNeural)
}

// ChannelNumbers returns every recorded channel number in declared order.
func (r *RawRun) ChannelNumbers() []int {
	chans := make([]int, len(r.Channels))
	for i, c := range r.Channels {
		chans[i] = c.Number
	}
	return chans
}

// ValidateRuns checks that the runs of one invocation agree on channel
// count, sample rate, and sample encoding.
func ValidateRuns(runs []RawRun) error {
	if len(runs) == 0 {
		return fmt.Errorf("%w: no runs to process", ErrFormat)
	}
	first := &runs[0]
	if !first.SampleType.Valid() {
		return fmt.Errorf("%w: unsupported sample type %q", ErrFormat, string(first.SampleType))
	}
	for i := 1; i < len(runs); i++ {
		r := &runs[i]
		if len(r.Channels) != len(first.Channels) {
			return fmt.Errorf("%w: run %d has %d channels, run 0 has %d",
				ErrFormat, i, len(r.Channels), len(first.Channels))
		}
		if r.SampleRate != first.SampleRate {
			return fmt.Errorf("%w: run %d sampled at %d Hz, run 0 at %d Hz",
				ErrFormat, i, r.SampleRate, first.SampleRate)
		}
		if r.SampleType != first.SampleType {
			return fmt.Errorf("%w: run %d encoded as %s, run 0 as %s",
				ErrFormat, i, r.SampleType, first.SampleType)
		}
	}
	return nil
}

// ChannelFileName returns the scratch file name for one separated channel.
// The zero-padded channel number keeps directory listings in channel order.
func ChannelFileName(prefix string, channel int) string {
	return fmt.Sprintf("%s_ch%04d.bin", prefix, channel)
}
