package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/phys-data/consolidate/internal/blockio"
	"github.com/phys-data/consolidate/internal/format"
	"github.com/phys-data/consolidate/internal/lfp"
	"github.com/phys-data/consolidate/internal/meta"
	"github.com/phys-data/consolidate/internal/powerline"
	"github.com/phys-data/consolidate/internal/rec"
	"github.com/phys-data/consolidate/internal/version"
)

// Process runs the full consolidation for one invocation: run layouts
// are read and validated, each run's channels are separated into
// scratch, the powerline artifact is removed, neural channels are
// merged into the staged recording and decimated into the LFP store,
// metadata is assembled, and all three artifacts are published by
// rename. The observable outcomes are exactly: no new artifacts, a
// preserved scratch directory (with a resume descriptor when the run
// loop had finished), or fully published artifacts.
func Process(ctx context.Context, cfg Config) error {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return err
	}
	arts := cfg.artifacts()
	for _, p := range []string{arts.Recording, arts.LFP, arts.Meta} {
		if _, err := os.Stat(p); err == nil {
			return fmt.Errorf("%w: final artifact %s", rec.ErrAlreadyExists, p)
		}
	}
	runs, err := buildRuns(cfg)
	if err != nil {
		return err
	}
	factor := runs[0].SampleRate / cfg.LFPTargetHz
	if factor < 1 {
		return fmt.Errorf("%w: lfp target %d Hz exceeds acquisition rate %d Hz",
			rec.ErrFormat, cfg.LFPTargetHz, runs[0].SampleRate)
	}

	scratch, err := NewScratchStore(cfg.OutputDir)
	if err != nil {
		return err
	}
	rl, err := NewRunLog(filepath.Join(cfg.OutputDir, cfg.SavePrefix))
	if err != nil {
		scratch.Remove()
		return err
	}
	defer rl.Close()
	rl.Printf("[pipeline] consolidate %s (%s)", version.Version, version.GitSHA)

	s := &session{
		cfg:     cfg,
		runs:    runs,
		scratch: scratch,
		arts:    arts,
		log:     rl,
	}
	if err := s.run(ctx, factor); err != nil {
		s.cleanupAfter(err)
		return err
	}
	s.log.Printf("[pipeline] published %s, %s, %s", arts.Recording, arts.LFP, arts.Meta)
	if err := scratch.Remove(); err != nil {
		s.log.Printf("[pipeline] failed to remove scratch %s: %v", scratch.Dir, err)
	}
	return nil
}

// session carries the cross-run state of one invocation.
type session struct {
	cfg     Config
	runs    []rec.RawRun
	scratch *ScratchStore
	arts    ArtifactPaths
	log     *RunLog

	stagedRecording string
	stagedLFP       string
	stagedMeta      string
	expectedBytes   int64
	runsComplete    bool
}

func (s *session) run(ctx context.Context, factor int) error {
	s.stagedRecording = s.scratch.StagedPath(s.arts.Recording)
	s.stagedLFP = s.scratch.StagedPath(s.arts.LFP)
	s.stagedMeta = s.scratch.StagedPath(s.arts.Meta)

	rate := s.runs[0].SampleRate
	s.log.Printf("[pipeline] %d runs, %d neural channels, %s at %d Hz, lfp factor %d",
		len(s.runs), len(s.cfg.NeuralChannels), s.runs[0].SampleType, rate, factor)

	dat, err := os.OpenFile(s.stagedRecording, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create staged recording: %w", err)
	}
	defer dat.Close()

	lfpStore, err := lfp.Create(s.stagedLFP, float64(rate)/float64(factor), s.cfg.NeuralChannels)
	if err != nil {
		return err
	}
	defer lfpStore.Close()

	for i := range s.runs {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err := s.stageRun(ctx, i, &s.runs[i], dat, lfpStore, factor); err != nil {
			return fmt.Errorf("run %d: %w", i, err)
		}
	}
	if err := dat.Close(); err != nil {
		return fmt.Errorf("failed to close staged recording: %w", err)
	}
	if err := lfpStore.Close(); err != nil {
		return fmt.Errorf("failed to close lfp store: %w", err)
	}
	s.runsComplete = true

	info, err := os.Stat(s.stagedRecording)
	if err != nil {
		return fmt.Errorf("failed to stat staged recording: %w", err)
	}
	if info.Size() != s.expectedBytes {
		return fmt.Errorf("%w: consolidated recording holds %d bytes, inputs supplied %d",
			rec.ErrCorruptRecording, info.Size(), s.expectedBytes)
	}

	if err := meta.Assemble(ctx, meta.AssembleConfig{
		Path:          s.stagedMeta,
		RunPrefixes:   s.assemblerPrefixes(),
		Streams:       s.cfg.streamSpecs(),
		Events:        s.cfg.eventSpecs(),
		BehaviorLogs:  s.cfg.BehaviorLogs,
		AcquisitionHz: float64(rate),
		SampleType:    s.runs[0].SampleType,
		Log:           s.log.Logger,
	}); err != nil {
		return err
	}

	return publishAll([]artifactPair{
		{s.stagedRecording, s.arts.Recording},
		{s.stagedLFP, s.arts.LFP},
		{s.stagedMeta, s.arts.Meta},
	})
}

// stageRun materializes one run: channels land in scratch, the
// powerline artifact is removed in place, neural channels extend the
// staged recording and the LFP store. Channel ordering throughout
// follows the config's declared neural order.
func (s *session) stageRun(ctx context.Context, i int, run *rec.RawRun, dat *os.File, lfpStore *lfp.Store, factor int) error {
	prefix := s.scratch.RunPrefix(s.cfg.SavePrefix, i)

	var runBytes int64
	if run.Layout == rec.LayoutMultiplexed {
		if err := blockio.Separate(ctx, run.DataPath, run.ChannelNumbers(), prefix, run.SampleType,
			blockio.SeparateOptions{BlockSamples: s.cfg.BlockSamples, Log: s.log.Logger}); err != nil {
			return err
		}
		info, err := os.Stat(run.DataPath)
		if err != nil {
			return fmt.Errorf("failed to stat raw recording: %w", err)
		}
		runBytes = info.Size() / int64(len(run.Channels)) * int64(len(s.cfg.NeuralChannels))
	} else {
		n, err := s.importRun(ctx, i, run, prefix)
		if err != nil {
			return err
		}
		runBytes = n
	}

	if s.cfg.TriggerChannel != nil {
		if err := s.removePowerline(ctx, i, run, prefix); err != nil {
			return err
		}
	}

	if err := blockio.Merge(ctx, prefix, s.cfg.NeuralChannels, dat, run.SampleType,
		blockio.MergeOptions{BlockSamples: s.cfg.BlockSamples, Log: s.log.Logger}); err != nil {
		return err
	}
	s.expectedBytes += runBytes

	return lfp.BuildRun(ctx, lfpStore, lfp.RunConfig{
		Prefix:     prefix,
		Channels:   s.cfg.NeuralChannels,
		Seq:        i,
		Factor:     factor,
		SampleType: run.SampleType,
		Log:        s.log.Logger,
	})
}

// importRun fills the scratch layout from per-channel files: declared
// neural channels into the run prefix, every ADC channel into the aux
// prefix. Returns the neural payload byte total for the size invariant.
func (s *session) importRun(ctx context.Context, i int, run *rec.RawRun, prefix string) (int64, error) {
	cd := format.ChannelDir{Dir: run.Dir, FilePrefix: run.FilePrefix}

	var neuralJobs []blockio.ImportJob
	var neuralBytes int64
	for _, ch := range s.cfg.NeuralChannels {
		src := cd.NeuralPath(ch)
		info, err := os.Stat(src)
		if err != nil {
			return 0, fmt.Errorf("failed to stat channel file: %w", err)
		}
		neuralBytes += info.Size() - format.ChannelHeaderSize
		neuralJobs = append(neuralJobs, blockio.ImportJob{SourcePath: src, Channel: ch})
	}
	if err := blockio.ImportChannelFiles(ctx, neuralJobs, prefix, run.SampleType,
		blockio.ImportOptions{Log: s.log.Logger}); err != nil {
		return 0, err
	}

	var auxJobs []blockio.ImportJob
	for _, c := range run.Channels {
		if c.Role == rec.RoleNeural {
			continue
		}
		auxJobs = append(auxJobs, blockio.ImportJob{SourcePath: cd.AuxPath(c.Number), Channel: c.Number})
	}
	if len(auxJobs) > 0 {
		if err := blockio.ImportChannelFiles(ctx, auxJobs, s.scratch.AuxPrefix(s.cfg.SavePrefix, i), run.SampleType,
			blockio.ImportOptions{Log: s.log.Logger}); err != nil {
			return 0, err
		}
	}
	return neuralBytes, nil
}

// removePowerline detects mains cycles on the trigger channel and
// subtracts the averaged template from each neural channel's scratch
// file. A calibration failure is fatal to the invocation; a single
// channel's failure only skips that channel.
func (s *session) removePowerline(ctx context.Context, i int, run *rec.RawRun, prefix string) error {
	trig := *s.cfg.TriggerChannel
	trigPrefix := prefix
	if run.Layout == rec.LayoutPerChannel {
		trigPrefix = s.scratch.AuxPrefix(s.cfg.SavePrefix, i)
	}
	raw, err := os.ReadFile(rec.ChannelFileName(trigPrefix, trig))
	if err != nil {
		return fmt.Errorf("failed to read trigger channel: %w", err)
	}
	trigSig, err := run.SampleType.DecodeSigned(raw)
	if err != nil {
		return err
	}
	edges := powerline.DetectEdges(trigSig)
	if err := powerline.CheckCalibration(len(edges), int64(len(trigSig)), run.SampleRate, s.cfg.MainsHz); err != nil {
		return err
	}
	s.log.Printf("[powerline] run %d: %d edges from trigger channel %d", i, len(edges), trig)

	for _, ch := range s.cfg.NeuralChannels {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		modified, err := removeChannelArtifact(rec.ChannelFileName(prefix, ch), run.SampleType, edges)
		switch {
		case err != nil:
			s.log.Printf("[powerline] run %d: channel %d skipped: %v", i, ch, err)
		case !modified:
			s.log.Printf("[powerline] run %d: channel %d shorter than one mains cycle, left unmodified", i, ch)
		}
	}
	return nil
}

func removeChannelArtifact(path string, st rec.SampleType, edges []int) (bool, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return false, fmt.Errorf("failed to read channel file: %w", err)
	}
	sig, err := st.DecodeSigned(raw)
	if err != nil {
		return false, err
	}
	if !powerline.Remove(sig, edges) {
		return false, nil
	}
	out, err := st.EncodeSigned(sig)
	if err != nil {
		return false, err
	}
	if err := os.WriteFile(path, out, 0o644); err != nil {
		return false, fmt.Errorf("failed to write channel file: %w", err)
	}
	return true, nil
}

// assemblerPrefixes returns the scratch namespace the metadata assembler
// reads per run: the aux namespace for per-channel runs that recorded
// any ADC channels, the neural namespace otherwise.
func (s *session) assemblerPrefixes() []string {
	prefixes := make([]string, len(s.runs))
	for i := range s.runs {
		run := &s.runs[i]
		if run.Layout == rec.LayoutPerChannel && runHasAux(run) {
			prefixes[i] = s.scratch.AuxPrefix(s.cfg.SavePrefix, i)
		} else {
			prefixes[i] = s.scratch.RunPrefix(s.cfg.SavePrefix, i)
		}
	}
	return prefixes
}

func runHasAux(run *rec.RawRun) bool {
	for _, c := range run.Channels {
		if c.Role != rec.RoleNeural {
			return true
		}
	}
	return false
}

// cleanupAfter applies the failure policy once scratch exists: remove
// the scratch directory, or preserve it, writing a resume descriptor
// only when the run loop had completed and assembly can be re-run on
// its own.
func (s *session) cleanupAfter(cause error) {
	if !s.cfg.PreserveOnFailure {
		s.log.Printf("[pipeline] failed: %v; removing scratch %s", cause, s.scratch.Dir)
		if err := s.scratch.Remove(); err != nil {
			s.log.Printf("[pipeline] failed to remove scratch: %v", err)
		}
		return
	}
	if !s.runsComplete {
		s.log.Printf("[pipeline] failed while staging runs: %v; scratch %s preserved for inspection, resume is not possible",
			cause, s.scratch.Dir)
		return
	}
	descPath := s.arts.Recording + resumeDescriptorExt
	if err := s.descriptor().write(descPath); err != nil {
		s.log.Printf("[pipeline] failed to write resume descriptor: %v", err)
		return
	}
	s.log.Printf("[pipeline] failed: %v; scratch preserved, resume descriptor at %s", cause, descPath)
}

func (s *session) descriptor() *resumeDescriptor {
	return &resumeDescriptor{
		Version:         resumeDescriptorVersion,
		ScratchDir:      s.scratch.Dir,
		RunPrefixes:     s.assemblerPrefixes(),
		Streams:         s.cfg.Streams,
		Events:          s.cfg.Events,
		BehaviorLogs:    s.cfg.BehaviorLogs,
		AcquisitionHz:   float64(s.runs[0].SampleRate),
		SampleType:      string(s.runs[0].SampleType),
		StagedRecording: s.stagedRecording,
		StagedLFP:       s.stagedLFP,
		StagedMeta:      s.stagedMeta,
		FinalRecording:  s.arts.Recording,
		FinalLFP:        s.arts.LFP,
		FinalMeta:       s.arts.Meta,
		ExpectedBytes:   s.expectedBytes,
	}
}

type artifactPair struct {
	staged, final string
}

// publishAll renames the staged artifacts into place. A staged artifact
// that is already gone with its final in place counts as published, so
// a resumed publish picks up where a prior attempt stopped. Renames are
// never interrupted once started.
func publishAll(pairs []artifactPair) error {
	for _, p := range pairs {
		if err := publishArtifact(p.staged, p.final); err != nil {
			return err
		}
	}
	return nil
}

func publishArtifact(staged, final string) error {
	if _, err := os.Stat(staged); os.IsNotExist(err) {
		if _, ferr := os.Stat(final); ferr == nil {
			return nil
		}
		return fmt.Errorf("%w: staged artifact %s is missing", rec.ErrCorruptRecording, staged)
	}
	if err := os.Rename(staged, final); err != nil {
		return fmt.Errorf("failed to publish %s: %w", final, err)
	}
	return nil
}
