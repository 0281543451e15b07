package lfp

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phys-data/consolidate/internal/rec"
)

func TestStore_CreateAppendRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.lfp")
	s, err := Create(path, 937.5, []int{0, 2, 5})
	require.NoError(t, err)

	require.NoError(t, s.AppendSegment(0, 0, []int16{1, 2, 3}))
	require.NoError(t, s.AppendSegment(0, 1, []int16{4, 5}))
	require.NoError(t, s.AppendSegment(2, 0, []int16{-7}))

	got, err := s.ReadChannel(0)
	require.NoError(t, err)
	assert.Equal(t, []int16{1, 2, 3, 4, 5}, got)

	n, err := s.ChannelSamples(0)
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)

	n, err = s.ChannelSamples(5)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	freq, err := s.FrequencyHz()
	require.NoError(t, err)
	assert.Equal(t, 937.5, freq)

	chans, err := s.Channels()
	require.NoError(t, err)
	assert.Equal(t, []int{0, 2, 5}, chans)

	require.NoError(t, s.Close())

	// Reopen and confirm the series survived.
	s2, err := Open(path)
	require.NoError(t, err)
	defer s2.Close()
	got, err = s2.ReadChannel(0)
	require.NoError(t, err)
	assert.Equal(t, []int16{1, 2, 3, 4, 5}, got)
}

func TestStore_CreateExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.lfp")
	s, err := Create(path, 1000, []int{0})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = Create(path, 1000, []int{0})
	assert.ErrorIs(t, err, rec.ErrAlreadyExists)
}

func TestStore_OpenMissing(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "absent.lfp"))
	assert.Error(t, err)
}

func TestStore_AppendUndeclaredChannel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.lfp")
	s, err := Create(path, 1000, []int{0})
	require.NoError(t, err)
	defer s.Close()

	err = s.AppendSegment(9, 0, []int16{1})
	assert.ErrorIs(t, err, rec.ErrCorruptRecording)
}

func TestBuildRun(t *testing.T) {
	dir := t.TempDir()
	prefix := filepath.Join(dir, "sep_0")
	writeConstChannel(t, prefix, 0, 100, 40)
	writeConstChannel(t, prefix, 2, -50, 40)

	s, err := Create(filepath.Join(dir, "session.lfp"), 7500, []int{0, 2})
	require.NoError(t, err)
	defer s.Close()

	cfg := RunConfig{
		Prefix:     prefix,
		Channels:   []int{0, 2},
		Seq:        0,
		Factor:     4,
		SampleType: rec.Int16,
	}
	require.NoError(t, BuildRun(context.Background(), s, cfg))

	// Constant input stays constant through the filter, so the segment is
	// exact and a quarter of the input length.
	got, err := s.ReadChannel(0)
	require.NoError(t, err)
	require.Len(t, got, 10)
	for _, v := range got {
		assert.Equal(t, int16(100), v)
	}
	got, err = s.ReadChannel(2)
	require.NoError(t, err)
	require.Len(t, got, 10)
	for _, v := range got {
		assert.Equal(t, int16(-50), v)
	}

	// A second run extends the same series.
	prefix2 := filepath.Join(dir, "sep_1")
	writeConstChannel(t, prefix2, 0, 7, 20)
	writeConstChannel(t, prefix2, 2, 7, 20)
	cfg.Prefix = prefix2
	cfg.Seq = 1
	require.NoError(t, BuildRun(context.Background(), s, cfg))

	got, err = s.ReadChannel(0)
	require.NoError(t, err)
	require.Len(t, got, 15)
	assert.Equal(t, int16(100), got[9])
	assert.Equal(t, int16(7), got[10])

	n, err := s.ChannelSamples(0)
	require.NoError(t, err)
	assert.Equal(t, int64(15), n)
}

func TestBuildRun_MissingChannelFile(t *testing.T) {
	dir := t.TempDir()
	s, err := Create(filepath.Join(dir, "session.lfp"), 7500, []int{0})
	require.NoError(t, err)
	defer s.Close()

	cfg := RunConfig{
		Prefix:     filepath.Join(dir, "sep_0"),
		Channels:   []int{0},
		Seq:        0,
		Factor:     4,
		SampleType: rec.Int16,
	}
	assert.Error(t, BuildRun(context.Background(), s, cfg))
}

func TestBuildRun_Cancelled(t *testing.T) {
	dir := t.TempDir()
	prefix := filepath.Join(dir, "sep_0")
	writeConstChannel(t, prefix, 0, 1, 8)

	s, err := Create(filepath.Join(dir, "session.lfp"), 7500, []int{0})
	require.NoError(t, err)
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	cfg := RunConfig{
		Prefix:     prefix,
		Channels:   []int{0},
		Seq:        0,
		Factor:     2,
		SampleType: rec.Int16,
	}
	assert.ErrorIs(t, BuildRun(ctx, s, cfg), context.Canceled)
}

func writeConstChannel(t *testing.T, prefix string, channel int, value int64, samples int) {
	t.Helper()
	sig := make([]int64, samples)
	for i := range sig {
		sig[i] = value
	}
	raw, err := rec.Int16.EncodeSigned(sig)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(rec.ChannelFileName(prefix, channel), raw, 0o644))
}
