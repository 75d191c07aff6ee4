package dsp

import (
	"io"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/maauso/convofs/internal/codec"
)

// sliceDecoder serves a fixed interleaved sample slice.
type sliceDecoder struct {
	info codec.Info
	data []float32
	pos  int
}

func (d *sliceDecoder) Info() codec.Info        { return d.info }
func (d *sliceDecoder) Tags() map[string]string { return nil }
func (d *sliceDecoder) Close() error            { return nil }

func (d *sliceDecoder) ReadFloats(dst []float32) (int, error) {
	if d.pos >= len(d.data) {
		return 0, io.EOF
	}
	n := copy(dst, d.data[d.pos:])
	n -= n % d.info.Channels
	d.pos += n
	return n / d.info.Channels, nil
}

// captureEncoder records everything written to it.
type captureEncoder struct {
	channels int
	frames   int
	data     []float32
}

func (e *captureEncoder) SetTag(string, string) {}
func (e *captureEncoder) FlushHeader() error    { return nil }
func (e *captureEncoder) Close() error          { return nil }

func (e *captureEncoder) WriteFloats(src []float32, frames int) error {
	e.data = append(e.data, src[:frames*e.channels]...)
	e.frames += frames
	return nil
}

func newIdentityProcessor(t *testing.T) *Processor {
	t.Helper()
	dir := t.TempDir()
	path := writeIdentityConfig(t, dir)
	proc, err := NewProcessor(path, testSampleRate, 2)
	require.NoError(t, err)
	return proc
}

func stereoRamp(frames int) []float32 {
	data := make([]float32, frames*2)
	for i := 0; i < frames; i++ {
		data[i*2] = float32(i%100) / 200
		data[i*2+1] = -float32(i%100) / 200
	}
	return data
}

func TestNewProcessor(t *testing.T) {
	proc := newIdentityProcessor(t)

	require.Equal(t, 1024, proc.Fragment())
	require.Equal(t, 2, proc.InputChannels())
	require.Equal(t, 2, proc.OutputChannels())
	require.True(t, proc.ConfigStillUpToDate())
	require.False(t, proc.InputComplete())
}

func TestNewProcessor_TooFewInputs(t *testing.T) {
	dir := t.TempDir()
	path := writeIdentityConfig(t, dir)

	_, err := NewProcessor(path, testSampleRate, 4)
	require.Error(t, err)
}

func TestProcessor_FullFragmentRoundtrip(t *testing.T) {
	proc := newIdentityProcessor(t)
	fragment := proc.Fragment()

	input := stereoRamp(fragment)
	dec := &sliceDecoder{
		info: codec.Info{SampleRate: testSampleRate, Channels: 2},
		data: input,
	}
	enc := &captureEncoder{channels: 2}

	n, err := proc.FillBuffer(dec)
	require.NoError(t, err)
	require.Equal(t, fragment, n)
	require.True(t, proc.InputComplete())

	require.NoError(t, proc.WriteProcessed(enc, fragment))
	require.Equal(t, fragment, enc.frames)

	// identity filter: frames out match frames in
	for i := range input {
		require.InDelta(t, input[i], enc.data[i], 1e-4, "sample %d", i)
	}

	// a full drain re-arms the input side
	require.False(t, proc.InputComplete())
}

func TestProcessor_PartialFinalFragment(t *testing.T) {
	proc := newIdentityProcessor(t)
	fragment := proc.Fragment()
	frames := fragment / 2

	dec := &sliceDecoder{
		info: codec.Info{SampleRate: testSampleRate, Channels: 2},
		data: stereoRamp(frames),
	}
	enc := &captureEncoder{channels: 2}

	n, err := proc.FillBuffer(dec)
	require.NoError(t, err)
	require.Equal(t, frames, n)
	require.False(t, proc.InputComplete())

	// the zero-padded tail is processed but never written
	require.NoError(t, proc.WriteProcessed(enc, n))
	require.Equal(t, frames, enc.frames)

	for i := range dec.data {
		require.InDelta(t, dec.data[i], enc.data[i], 1e-4, "sample %d", i)
	}
}

func TestProcessor_MultipleFragments(t *testing.T) {
	proc := newIdentityProcessor(t)
	fragment := proc.Fragment()
	total := fragment*3 + fragment/4

	dec := &sliceDecoder{
		info: codec.Info{SampleRate: testSampleRate, Channels: 2},
		data: stereoRamp(total),
	}
	enc := &captureEncoder{channels: 2}

	written := 0
	for written < total {
		read := 0
		for !proc.InputComplete() {
			n, err := proc.FillBuffer(dec)
			read += n
			if n == 0 || err != nil {
				break
			}
		}
		require.NotZero(t, read)
		require.NoError(t, proc.WriteProcessed(enc, read))
		written += read
	}
	require.Equal(t, total, enc.frames)
}

func TestProcessor_PeakObservation(t *testing.T) {
	proc := newIdentityProcessor(t)
	fragment := proc.Fragment()

	data := make([]float32, fragment*2)
	data[10] = 0.75

	dec := &sliceDecoder{
		info: codec.Info{SampleRate: testSampleRate, Channels: 2},
		data: data,
	}
	enc := &captureEncoder{channels: 2}

	require.Zero(t, proc.MaxOutputValue())
	_, err := proc.FillBuffer(dec)
	require.NoError(t, err)
	require.NoError(t, proc.WriteProcessed(enc, fragment))

	require.InDelta(t, 0.75, proc.MaxOutputValue(), 1e-3)

	proc.ResetMaxOutputValue()
	require.Zero(t, proc.MaxOutputValue())
}

func TestProcessor_Reset(t *testing.T) {
	proc := newIdentityProcessor(t)
	fragment := proc.Fragment()

	dec := &sliceDecoder{
		info: codec.Info{SampleRate: testSampleRate, Channels: 2},
		data: stereoRamp(fragment / 2),
	}
	enc := &captureEncoder{channels: 2}
	_, err := proc.FillBuffer(dec)
	require.NoError(t, err)

	require.NoError(t, proc.Reset())
	require.False(t, proc.InputComplete())
	require.Zero(t, proc.MaxOutputValue())

	// processor is usable again after reset
	dec2 := &sliceDecoder{
		info: codec.Info{SampleRate: testSampleRate, Channels: 2},
		data: stereoRamp(fragment),
	}
	n, err := proc.FillBuffer(dec2)
	require.NoError(t, err)
	require.Equal(t, fragment, n)
	require.NoError(t, proc.WriteProcessed(enc, n))
	require.Equal(t, fragment, enc.frames)
}

func TestPool_ReusesProcessors(t *testing.T) {
	dir := t.TempDir()
	path := writeIdentityConfig(t, dir)
	pool := NewPool(2)

	first, err := pool.Acquire(path, testSampleRate, 2)
	require.NoError(t, err)
	pool.Release(first)

	second, err := pool.Acquire(path, testSampleRate, 2)
	require.NoError(t, err)
	require.Same(t, first, second)
}

func TestPool_ChannelMismatchBuildsFresh(t *testing.T) {
	dir := t.TempDir()
	path := writeIdentityConfig(t, dir)
	pool := NewPool(2)

	first, err := pool.Acquire(path, testSampleRate, 2)
	require.NoError(t, err)
	pool.Release(first)

	second, err := pool.Acquire(path, testSampleRate, 1)
	require.NoError(t, err)
	require.NotSame(t, first, second)
}

func TestPool_DropsStaleProcessors(t *testing.T) {
	dir := t.TempDir()
	path := writeIdentityConfig(t, dir)
	pool := NewPool(2)

	first, err := pool.Acquire(path, testSampleRate, 2)
	require.NoError(t, err)
	pool.Release(first)

	// push the config's mtime forward; the pooled processor must not be reused
	future := first.cfg.ModTime.Add(2e9)
	require.NoError(t, os.Chtimes(path, future, future))

	second, err := pool.Acquire(path, testSampleRate, 2)
	require.NoError(t, err)
	require.NotSame(t, first, second)
}
