package pipeline

import (
	"fmt"
	"os"

	"github.com/phys-data/consolidate/internal/format"
	"github.com/phys-data/consolidate/internal/rec"
)

// buildRuns reads each declared run's layout and binds the config's
// channel declarations to it. It touches no files beyond reading
// sidecars and channel headers, so failures here have no side effects.
func buildRuns(cfg Config) ([]rec.RawRun, error) {
	runs := make([]rec.RawRun, len(cfg.Runs))
	for i, in := range cfg.Runs {
		var (
			run rec.RawRun
			err error
		)
		if in.multiplexed() {
			run, err = buildMultiplexedRun(cfg, in)
		} else {
			run, err = buildPerChannelRun(cfg, in)
		}
		if err != nil {
			return nil, fmt.Errorf("run %d: %w", i, err)
		}
		runs[i] = run
	}
	for i := 1; i < len(runs); i++ {
		if runs[i].Layout != runs[0].Layout {
			return nil, fmt.Errorf("%w: run %d is %s, run 0 is %s",
				rec.ErrFormat, i, runs[i].Layout, runs[0].Layout)
		}
	}
	if err := rec.ValidateRuns(runs); err != nil {
		return nil, err
	}
	return runs, nil
}

// buildMultiplexedRun binds declarations against the sidecar's channel
// set. Descriptors keep the sidecar's frame order, which is the
// de-interleave order of the raw file.
func buildMultiplexedRun(cfg Config, in RunInput) (rec.RawRun, error) {
	var run rec.RawRun

	sc, err := format.ReadSidecar(in.SidecarPath)
	if err != nil {
		return run, err
	}
	if _, err := os.Stat(in.RawPath); err != nil {
		return run, fmt.Errorf("failed to stat raw recording: %w", err)
	}
	st, err := resolveSampleType(cfg.SampleTypeName, sc.SampleType)
	if err != nil {
		return run, err
	}

	present := make(map[int]bool, len(sc.Channels))
	for _, ch := range sc.Channels {
		present[ch] = true
	}
	roles := make(map[int]rec.ChannelDescriptor)
	claim := func(ch int, role rec.ChannelRole, name string) error {
		if !present[ch] {
			return fmt.Errorf("%w: %s channel %d not in the sidecar channel set", rec.ErrFormat, role, ch)
		}
		if d, ok := roles[ch]; ok {
			return fmt.Errorf("%w: channel %d declared both %s and %s", rec.ErrFormat, ch, d.Role, role)
		}
		roles[ch] = rec.ChannelDescriptor{Number: ch, Role: role, Name: name}
		return nil
	}
	for _, ch := range cfg.NeuralChannels {
		if err := claim(ch, rec.RoleNeural, ""); err != nil {
			return run, err
		}
	}
	for _, s := range cfg.Streams {
		if err := claim(s.Channel, rec.RoleStream, s.Name); err != nil {
			return run, err
		}
	}
	for _, e := range cfg.Events {
		if err := claim(e.Channel, rec.RoleEvent, e.Name); err != nil {
			return run, err
		}
	}
	if cfg.TriggerChannel != nil && !present[*cfg.TriggerChannel] {
		return run, fmt.Errorf("%w: trigger channel %d not in the sidecar channel set",
			rec.ErrFormat, *cfg.TriggerChannel)
	}

	channels := make([]rec.ChannelDescriptor, len(sc.Channels))
	for i, ch := range sc.Channels {
		if d, ok := roles[ch]; ok {
			channels[i] = d
		} else {
			channels[i] = rec.ChannelDescriptor{Number: ch, Role: rec.RoleAux}
		}
	}
	return rec.RawRun{
		Layout:      rec.LayoutMultiplexed,
		DataPath:    in.RawPath,
		SidecarPath: in.SidecarPath,
		Channels:    channels,
		SampleRate:  sc.SampleRate,
		SampleType:  st,
	}, nil
}

// buildPerChannelRun binds declarations against the discovered channel
// files. Neural declarations select from the CH namespace; stream,
// event, and trigger declarations select from the ADC namespace, whose
// channels are all imported so the metadata assembler can reach them.
func buildPerChannelRun(cfg Config, in RunInput) (rec.RawRun, error) {
	var run rec.RawRun

	cd, err := format.ScanChannelDir(in.Dir, in.FilePrefix)
	if err != nil {
		return run, err
	}
	st, err := resolveSampleType(cfg.SampleTypeName, cd.SampleType)
	if err != nil {
		return run, err
	}

	neural := make(map[int]bool, len(cd.NeuralChannels))
	for _, ch := range cd.NeuralChannels {
		neural[ch] = true
	}
	aux := make(map[int]bool, len(cd.AuxChannels))
	for _, ch := range cd.AuxChannels {
		aux[ch] = true
	}

	for _, ch := range cfg.NeuralChannels {
		if !neural[ch] {
			return run, fmt.Errorf("%w: neural channel %d has no CH file under %s",
				rec.ErrFormat, ch, in.Dir)
		}
	}
	roles := make(map[int]rec.ChannelDescriptor)
	claim := func(ch int, role rec.ChannelRole, name string) error {
		if !aux[ch] {
			return fmt.Errorf("%w: %s channel %d has no ADC file under %s", rec.ErrFormat, role, ch, in.Dir)
		}
		if d, ok := roles[ch]; ok {
			return fmt.Errorf("%w: channel %d declared both %s and %s", rec.ErrFormat, ch, d.Role, role)
		}
		roles[ch] = rec.ChannelDescriptor{Number: ch, Role: role, Name: name}
		return nil
	}
	for _, s := range cfg.Streams {
		if err := claim(s.Channel, rec.RoleStream, s.Name); err != nil {
			return run, err
		}
	}
	for _, e := range cfg.Events {
		if err := claim(e.Channel, rec.RoleEvent, e.Name); err != nil {
			return run, err
		}
	}
	if cfg.TriggerChannel != nil && !aux[*cfg.TriggerChannel] {
		return run, fmt.Errorf("%w: trigger channel %d has no ADC file under %s",
			rec.ErrFormat, *cfg.TriggerChannel, in.Dir)
	}

	channels := make([]rec.ChannelDescriptor, 0, len(cfg.NeuralChannels)+len(cd.AuxChannels))
	for _, ch := range cfg.NeuralChannels {
		channels = append(channels, rec.ChannelDescriptor{Number: ch, Role: rec.RoleNeural})
	}
	for _, ch := range cd.AuxChannels {
		if d, ok := roles[ch]; ok {
			channels = append(channels, d)
		} else {
			channels = append(channels, rec.ChannelDescriptor{Number: ch, Role: rec.RoleAux})
		}
	}
	return rec.RawRun{
		Layout:     rec.LayoutPerChannel,
		Dir:        in.Dir,
		FilePrefix: in.FilePrefix,
		Channels:   channels,
		SampleRate: cd.SampleRate,
		SampleType: st,
	}, nil
}

// resolveSampleType picks the acquisition encoding: an explicit config
// value wins, then whatever the sidecar or channel headers declared,
// then the int16 default.
func resolveSampleType(explicit string, discovered rec.SampleType) (rec.SampleType, error) {
	if explicit != "" {
		return rec.ParseSampleType(explicit)
	}
	if discovered != "" {
		return discovered, nil
	}
	return rec.Int16, nil
}
