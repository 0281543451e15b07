package pipeline

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phys-data/consolidate/internal/format"
	"github.com/phys-data/consolidate/internal/lfp"
	"github.com/phys-data/consolidate/internal/meta"
	"github.com/phys-data/consolidate/internal/rec"
)

func writeSidecar(t *testing.T, path, channels string, rate int) {
	t.Helper()
	content := "channels=" + channels + "\nsamplerate=" + strconv.Itoa(rate) + "\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

// writeRawDense interleaves the per-channel series into one multiplexed
// file and returns the bytes written.
func writeRawDense(t *testing.T, path string, channels [][]int64) []byte {
	t.Helper()
	n := len(channels[0])
	frames := make([]int64, 0, n*len(channels))
	for s := 0; s < n; s++ {
		for _, ch := range channels {
			frames = append(frames, ch[s])
		}
	}
	raw, err := rec.Int16.EncodeSigned(frames)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, raw, 0o644))
	return raw
}

func writeChanFile(t *testing.T, path string, rate int, payload []int64) {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, format.WriteChannelHeader(&buf, format.ChannelHeader{SampleRate: rate}))
	raw, err := rec.Int16.EncodeSigned(payload)
	require.NoError(t, err)
	buf.Write(raw)
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
}

func ramp(n int, start int64) []int64 {
	out := make([]int64, n)
	for i := range out {
		out[i] = start + int64(i)
	}
	return out
}

func square(cycles, half int, low, high int64) []int64 {
	out := make([]int64, 0, cycles*2*half)
	for c := 0; c < cycles; c++ {
		for i := 0; i < half; i++ {
			out = append(out, low)
		}
		for i := 0; i < half; i++ {
			out = append(out, high)
		}
	}
	return out
}

func noScratchLeft(t *testing.T, dir string) {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(dir, "tmp-*"))
	require.NoError(t, err)
	assert.Empty(t, matches, "scratch directories left behind")
}

func TestProcess_DenseTwoRuns(t *testing.T) {
	inDir := t.TempDir()
	outDir := t.TempDir()

	// Two runs, four neural channels, 1000 samples per channel, 4 kHz.
	var raws [][]byte
	var runs []RunInput
	for r := 0; r < 2; r++ {
		chans := make([][]int64, 4)
		for c := range chans {
			chans[c] = ramp(1000, int64(r*4000+c*1000))
		}
		rawPath := filepath.Join(inDir, "run"+strconv.Itoa(r)+".bin")
		scPath := filepath.Join(inDir, "run"+strconv.Itoa(r)+".txt")
		raws = append(raws, writeRawDense(t, rawPath, chans))
		writeSidecar(t, scPath, "0:3", 4000)
		runs = append(runs, RunInput{RawPath: rawPath, SidecarPath: scPath})
	}

	cfg := Config{
		Runs:           runs,
		OutputDir:      outDir,
		SavePrefix:     "sess",
		NeuralChannels: []int{0, 1, 2, 3},
		LFPTargetHz:    1000,
	}
	require.NoError(t, Process(context.Background(), cfg))
	noScratchLeft(t, outDir)

	// The consolidated recording is the byte concatenation of the runs.
	dat, err := os.ReadFile(filepath.Join(outDir, "sess.dat"))
	require.NoError(t, err)
	require.Len(t, dat, 16000)
	assert.True(t, bytes.Equal(dat[:8000], raws[0]))
	assert.True(t, bytes.Equal(dat[8000:], raws[1]))

	// LFP: factor 4, 500 samples per channel across both runs.
	ls, err := lfp.Open(filepath.Join(outDir, "sess_lfp.db"))
	require.NoError(t, err)
	defer ls.Close()
	freq, err := ls.FrequencyHz()
	require.NoError(t, err)
	assert.Equal(t, float64(1000), freq)
	chans, err := ls.Channels()
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2, 3}, chans)
	for _, ch := range chans {
		n, err := ls.ChannelSamples(ch)
		require.NoError(t, err)
		assert.Equal(t, int64(500), n)
	}

	ms, err := meta.Open(filepath.Join(outDir, "sess_meta.db"))
	require.NoError(t, err)
	defer ms.Close()
	bounds, err := ms.RunBoundaries()
	require.NoError(t, err)
	assert.Equal(t, []int64{1000, 2000}, bounds)
	acq, err := ms.AcquisitionFrequencyHz()
	require.NoError(t, err)
	assert.Equal(t, float64(4000), acq)
}

func TestProcess_PerChannelRun(t *testing.T) {
	runDir := t.TempDir()
	outDir := t.TempDir()

	// Neural CH0/CH1, a wheel stream on ADC0, a lick TTL on ADC1. The
	// neural and auxiliary namespaces reuse channel numbers.
	neural0 := ramp(200, 0)
	neural1 := ramp(200, 5000)
	wheel := ramp(200, -100)
	lick := make([]int64, 200)
	for i := 50; i < 100; i++ {
		lick[i] = 100
	}
	writeChanFile(t, filepath.Join(runDir, "sess1_CH0.chan"), 2000, neural0)
	writeChanFile(t, filepath.Join(runDir, "sess1_CH1.chan"), 2000, neural1)
	writeChanFile(t, filepath.Join(runDir, "sess1_ADC0.chan"), 2000, wheel)
	writeChanFile(t, filepath.Join(runDir, "sess1_ADC1.chan"), 2000, lick)

	logPath := filepath.Join(runDir, "day1.h5")
	require.NoError(t, os.WriteFile(logPath, []byte("opaque log"), 0o644))

	cfg := Config{
		Runs:           []RunInput{{Dir: runDir, FilePrefix: "sess1"}},
		OutputDir:      outDir,
		SavePrefix:     "sess1",
		NeuralChannels: []int{0, 1},
		Streams:        []StreamChannel{{Name: "wheel", Channel: 0}},
		Events:         []EventChannel{{Name: "lick", Channel: 1, Kind: "edge_pairs"}},
		BehaviorLogs:   []string{logPath},
		LFPTargetHz:    1000,
	}
	require.NoError(t, Process(context.Background(), cfg))
	noScratchLeft(t, outDir)

	// Consolidated recording interleaves the two neural channels.
	dat, err := os.ReadFile(filepath.Join(outDir, "sess1.dat"))
	require.NoError(t, err)
	frames := make([]int64, 0, 400)
	for s := 0; s < 200; s++ {
		frames = append(frames, neural0[s], neural1[s])
	}
	want, err := rec.Int16.EncodeSigned(frames)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(dat, want))

	ls, err := lfp.Open(filepath.Join(outDir, "sess1_lfp.db"))
	require.NoError(t, err)
	defer ls.Close()
	for _, ch := range []int{0, 1} {
		n, err := ls.ChannelSamples(ch)
		require.NoError(t, err)
		assert.Equal(t, int64(100), n)
	}

	ms, err := meta.Open(filepath.Join(outDir, "sess1_meta.db"))
	require.NoError(t, err)
	defer ms.Close()

	names, err := ms.BehaviorRunNames()
	require.NoError(t, err)
	assert.Equal(t, []string{"day1"}, names)

	series, err := ms.StreamSeries("wheel")
	require.NoError(t, err)
	decoded, err := rec.Int16.DecodeSigned(series)
	require.NoError(t, err)
	assert.Equal(t, wheel, decoded)

	events, err := ms.Events("lick")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, int64(50), events[0].Onset)
	assert.Equal(t, int64(100), events[0].Offset.Int64)

	bounds, err := ms.RunBoundaries()
	require.NoError(t, err)
	assert.Equal(t, []int64{200}, bounds)
}

func TestProcess_PowerlineRemoval(t *testing.T) {
	inDir := t.TempDir()
	outDir := t.TempDir()

	// 1200 samples at 1200 Hz is one second, so 60 mains cycles of 20
	// samples calibrate exactly. Channel 0 carries a periodic artifact,
	// channel 1 is the trigger.
	artifact := square(60, 10, 0, 40)
	trigger := square(60, 10, 0, 1000)
	rawPath := filepath.Join(inDir, "run.bin")
	scPath := filepath.Join(inDir, "run.txt")
	writeRawDense(t, rawPath, [][]int64{artifact, trigger})
	writeSidecar(t, scPath, "0:1", 1200)

	trig := 1
	cfg := Config{
		Runs:           []RunInput{{RawPath: rawPath, SidecarPath: scPath}},
		OutputDir:      outDir,
		SavePrefix:     "pl",
		NeuralChannels: []int{0},
		TriggerChannel: &trig,
		LFPTargetHz:    1000,
	}
	require.NoError(t, Process(context.Background(), cfg))

	dat, err := os.ReadFile(filepath.Join(outDir, "pl.dat"))
	require.NoError(t, err)
	require.Len(t, dat, 2400)

	// The periodic artifact must be gone from the consolidated copy.
	original, err := rec.Int16.EncodeSigned(artifact)
	require.NoError(t, err)
	assert.False(t, bytes.Equal(dat, original), "powerline removal did not modify the channel")
}

func TestProcess_MissingNeuralChannel(t *testing.T) {
	inDir := t.TempDir()
	outDir := t.TempDir()

	rawPath := filepath.Join(inDir, "run.bin")
	scPath := filepath.Join(inDir, "run.txt")
	writeRawDense(t, rawPath, [][]int64{ramp(10, 0), ramp(10, 100), ramp(10, 200)})
	writeSidecar(t, scPath, "0:2", 1000)

	cfg := Config{
		Runs:           []RunInput{{RawPath: rawPath, SidecarPath: scPath}},
		OutputDir:      outDir,
		SavePrefix:     "sess",
		NeuralChannels: []int{0, 5},
	}
	err := Process(context.Background(), cfg)
	assert.ErrorIs(t, err, rec.ErrFormat)

	// Declaration failures must leave the output directory untouched.
	entries, readErr := os.ReadDir(outDir)
	require.NoError(t, readErr)
	assert.Empty(t, entries)
}

func TestProcess_CalibrationFailureCleansUp(t *testing.T) {
	inDir := t.TempDir()
	outDir := t.TempDir()

	// 30 cycles over one second against a 60 Hz expectation is a 50%
	// deficit, far past tolerance.
	neural := ramp(1200, 0)
	trigger := square(30, 20, 0, 1000)
	rawPath := filepath.Join(inDir, "run.bin")
	scPath := filepath.Join(inDir, "run.txt")
	writeRawDense(t, rawPath, [][]int64{neural, trigger})
	writeSidecar(t, scPath, "0:1", 1200)

	trig := 1
	cfg := Config{
		Runs:           []RunInput{{RawPath: rawPath, SidecarPath: scPath}},
		OutputDir:      outDir,
		SavePrefix:     "sess",
		NeuralChannels: []int{0},
		TriggerChannel: &trig,
		LFPTargetHz:    1000,
	}
	err := Process(context.Background(), cfg)
	assert.ErrorIs(t, err, rec.ErrPowerlineCalibration)

	noScratchLeft(t, outDir)
	for _, name := range []string{"sess.dat", "sess_lfp.db", "sess_meta.db"} {
		_, statErr := os.Stat(filepath.Join(outDir, name))
		assert.True(t, os.IsNotExist(statErr), "unexpected artifact %s", name)
	}
}

func TestProcess_RefusesExistingArtifact(t *testing.T) {
	inDir := t.TempDir()
	outDir := t.TempDir()

	rawPath := filepath.Join(inDir, "run.bin")
	scPath := filepath.Join(inDir, "run.txt")
	writeRawDense(t, rawPath, [][]int64{ramp(10, 0)})
	writeSidecar(t, scPath, "0:0", 1000)
	require.NoError(t, os.WriteFile(filepath.Join(outDir, "sess_lfp.db"), []byte("old"), 0o644))

	cfg := Config{
		Runs:           []RunInput{{RawPath: rawPath, SidecarPath: scPath}},
		OutputDir:      outDir,
		SavePrefix:     "sess",
		NeuralChannels: []int{0},
	}
	err := Process(context.Background(), cfg)
	assert.ErrorIs(t, err, rec.ErrAlreadyExists)
	noScratchLeft(t, outDir)
}

func TestProcess_Cancelled(t *testing.T) {
	inDir := t.TempDir()
	outDir := t.TempDir()

	rawPath := filepath.Join(inDir, "run.bin")
	scPath := filepath.Join(inDir, "run.txt")
	writeRawDense(t, rawPath, [][]int64{ramp(100, 0)})
	writeSidecar(t, scPath, "0:0", 1000)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	cfg := Config{
		Runs:           []RunInput{{RawPath: rawPath, SidecarPath: scPath}},
		OutputDir:      outDir,
		SavePrefix:     "sess",
		NeuralChannels: []int{0},
	}
	err := Process(ctx, cfg)
	assert.ErrorIs(t, err, context.Canceled)
	noScratchLeft(t, outDir)
}

func TestProcess_PreserveAndResume(t *testing.T) {
	inDir := t.TempDir()
	outDir := t.TempDir()

	chans := [][]int64{ramp(1000, 0), ramp(1000, 2000)}
	rawPath := filepath.Join(inDir, "run.bin")
	scPath := filepath.Join(inDir, "run.txt")
	raw := writeRawDense(t, rawPath, chans)
	writeSidecar(t, scPath, "0:1", 4000)

	// The behavior log does not exist yet, so assembly fails after the
	// run loop and the failure is preserved as resumable state.
	logPath := filepath.Join(inDir, "day1.h5")
	cfg := Config{
		Runs:              []RunInput{{RawPath: rawPath, SidecarPath: scPath}},
		OutputDir:         outDir,
		SavePrefix:        "sess",
		NeuralChannels:    []int{0, 1},
		BehaviorLogs:      []string{logPath},
		LFPTargetHz:       1000,
		PreserveOnFailure: true,
	}
	require.Error(t, Process(context.Background(), cfg))

	descPath := filepath.Join(outDir, "sess.dat.resume.json")
	_, err := os.Stat(descPath)
	require.NoError(t, err, "resume descriptor missing")
	scratch, err := filepath.Glob(filepath.Join(outDir, "tmp-*"))
	require.NoError(t, err)
	require.Len(t, scratch, 1, "scratch directory not preserved")
	_, err = os.Stat(filepath.Join(outDir, "sess.dat"))
	assert.True(t, os.IsNotExist(err), "no artifact may be published on failure")

	// Supply the missing log and resume.
	require.NoError(t, os.WriteFile(logPath, []byte("opaque log"), 0o644))
	require.NoError(t, Resume(context.Background(), descPath))

	dat, err := os.ReadFile(filepath.Join(outDir, "sess.dat"))
	require.NoError(t, err)
	assert.True(t, bytes.Equal(dat, raw))

	ms, err := meta.Open(filepath.Join(outDir, "sess_meta.db"))
	require.NoError(t, err)
	defer ms.Close()
	names, err := ms.BehaviorRunNames()
	require.NoError(t, err)
	assert.Equal(t, []string{"day1"}, names)
	bounds, err := ms.RunBoundaries()
	require.NoError(t, err)
	assert.Equal(t, []int64{1000}, bounds)

	ls, err := lfp.Open(filepath.Join(outDir, "sess_lfp.db"))
	require.NoError(t, err)
	defer ls.Close()
	n, err := ls.ChannelSamples(0)
	require.NoError(t, err)
	assert.Equal(t, int64(250), n)

	// Resume consumed the preserved state.
	noScratchLeft(t, outDir)
	_, err = os.Stat(descPath)
	assert.True(t, os.IsNotExist(err), "descriptor should be removed after resume")
}

func TestResume_BadDescriptor(t *testing.T) {
	dir := t.TempDir()

	_, err := os.Stat(filepath.Join(dir, "absent.resume.json"))
	require.True(t, os.IsNotExist(err))
	assert.Error(t, Resume(context.Background(), filepath.Join(dir, "absent.resume.json")))

	malformed := filepath.Join(dir, "bad.resume.json")
	require.NoError(t, os.WriteFile(malformed, []byte("{not json"), 0o644))
	assert.ErrorIs(t, Resume(context.Background(), malformed), rec.ErrResumeState)

	stale := filepath.Join(dir, "stale.resume.json")
	require.NoError(t, os.WriteFile(stale, []byte(`{"version": 99}`), 0o644))
	assert.ErrorIs(t, Resume(context.Background(), stale), rec.ErrResumeState)
}
