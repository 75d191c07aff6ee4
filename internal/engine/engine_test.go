package engine

import (
	"bytes"
	"encoding/binary"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/stretchr/testify/require"
)

const testSampleRate = 44100

// writeWAVFile writes an integer-PCM WAV fixture.
func writeWAVFile(t *testing.T, path string, sampleRate, channels, bitDepth int, samples []int) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)

	enc := wav.NewEncoder(f, sampleRate, bitDepth, channels, 1)
	buf := &audio.IntBuffer{
		Format: &audio.Format{
			NumChannels: channels,
			SampleRate:  sampleRate,
		},
		Data:           samples,
		SourceBitDepth: bitDepth,
	}
	require.NoError(t, enc.Write(buf))
	require.NoError(t, enc.Close())
	require.NoError(t, f.Close())
}

// writeIdentityFilterDir writes a stereo identity filter for 44.1 kHz /
// 16 bit / 2 channels and returns the directory.
func writeIdentityFilterDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	writeWAVFile(t, filepath.Join(dir, "delta.wav"), testSampleRate, 1, 16,
		[]int{1 << 14, 0, 0, 0})
	content := `/convolver/new 2 2 1024 1024
/impulse/read 1 1 2.0 0 0 0 1 delta.wav
/impulse/read 2 2 2.0 0 0 0 1 delta.wav
`
	require.NoError(t, os.WriteFile(
		filepath.Join(dir, "filter-44100-16-2.conf"), []byte(content), 0o644))
	return dir
}

// stereoTestSamples builds frames of interleaved 16-bit test audio.
func stereoTestSamples(frames int) []int {
	samples := make([]int, frames*2)
	for i := 0; i < frames; i++ {
		samples[i*2] = (i % 2000) - 1000
		samples[i*2+1] = 500 - (i % 1000)
	}
	return samples
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEngine(t *testing.T, filterDir string) *Engine {
	t.Helper()
	return New(filterDir, WithLogger(quietLogger()))
}

// readAll drains a handler sequentially from offset 0.
func readAll(t *testing.T, handler FileHandler) []byte {
	t.Helper()
	var out []byte
	p := make([]byte, 32*1024)
	off := int64(0)
	for {
		n, err := handler.ReadAt(p, off)
		out = append(out, p[:n]...)
		off += int64(n)
		if err == io.EOF || n == 0 {
			return out
		}
		require.NoError(t, err)
	}
}

func TestEngine_NonAudioPassthrough(t *testing.T) {
	filterDir := writeIdentityFilterDir(t)
	srcDir := t.TempDir()
	content := make([]byte, 1024)
	copy(content, "hello")
	underlying := filepath.Join(srcDir, "readme.txt")
	require.NoError(t, os.WriteFile(underlying, content, 0o644))

	eng := newTestEngine(t, filterDir)
	handler, err := eng.CreateHandler("/readme.txt", underlying)
	require.NoError(t, err)
	defer eng.Close("/readme.txt")

	require.IsType(t, (*PassThroughHandler)(nil), handler)

	p := make([]byte, 5)
	n, err := handler.ReadAt(p, 0)
	require.NoError(t, err)
	require.Equal(t, 5, n)
	require.Equal(t, "hello", string(p))

	fi, err := handler.Stat()
	require.NoError(t, err)
	require.Equal(t, int64(1024), fi.Size)
}

func TestEngine_NoFilterFallsThrough(t *testing.T) {
	// 48 kHz input never matches the 44.1 kHz filter config.
	filterDir := writeIdentityFilterDir(t)
	srcDir := t.TempDir()
	underlying := filepath.Join(srcDir, "tone.wav")
	writeWAVFile(t, underlying, 48000, 2, 16, stereoTestSamples(1000))

	eng := newTestEngine(t, filterDir)
	handler, err := eng.CreateHandler("/tone.wav", underlying)
	require.NoError(t, err)
	defer eng.Close("/tone.wav")

	require.IsType(t, (*PassThroughHandler)(nil), handler)

	// byte-identical with the underlying file
	want, err := os.ReadFile(underlying)
	require.NoError(t, err)
	require.Equal(t, want, readAll(t, handler))
}

func TestEngine_ConvolvedWAV(t *testing.T) {
	filterDir := writeIdentityFilterDir(t)
	srcDir := t.TempDir()
	underlying := filepath.Join(srcDir, "tone.wav")
	const frames = 5000
	samples := stereoTestSamples(frames)
	writeWAVFile(t, underlying, testSampleRate, 2, 16, samples)

	eng := newTestEngine(t, filterDir)
	handler, err := eng.CreateHandler("/tone.wav", underlying)
	require.NoError(t, err)
	defer eng.Close("/tone.wav")

	require.IsType(t, (*SndFileHandler)(nil), handler)

	// The first 44 bytes are a RIFF/WAVE header declaring 2 channels.
	header := make([]byte, 44)
	n, err := handler.ReadAt(header, 0)
	require.NoError(t, err)
	require.Equal(t, 44, n)
	require.Equal(t, "RIFF", string(header[0:4]))
	require.Equal(t, "WAVE", string(header[8:12]))
	require.Equal(t, "fmt ", string(header[12:16]))
	require.Equal(t, uint16(2), binary.LittleEndian.Uint16(header[22:24]))
	// 16-bit PCM input upgrades nothing: output stays integer PCM
	require.Equal(t, uint16(1), binary.LittleEndian.Uint16(header[20:22]))

	// EOF skip shortcut: a probe at the reported end returns zeroes
	// without convolving anything.
	fi, err := handler.Stat()
	require.NoError(t, err)
	probe := make([]byte, 100)
	for i := range probe {
		probe[i] = 0xFF
	}
	n, err = handler.ReadAt(probe, fi.Size-100)
	require.NoError(t, err)
	require.Equal(t, 100, n)
	require.Equal(t, make([]byte, 100), probe)

	// Identity filter: the decoded payload matches the input samples.
	out := readAll(t, handler)
	payload := locateWAVData(t, out)
	require.Equal(t, frames*2*2, len(payload))
	for i, want := range samples {
		got := int(int16(binary.LittleEndian.Uint16(payload[i*2:])))
		require.InDelta(t, want, got, 1, "sample %d", i)
	}
}

func TestEngine_WAVFloatUpgrade(t *testing.T) {
	filterDir := t.TempDir()
	writeWAVFile(t, filepath.Join(filterDir, "delta.wav"), testSampleRate, 1, 16,
		[]int{1 << 14, 0, 0, 0})
	content := `/convolver/new 1 1 1024 1024
/impulse/read 1 1 2.0 0 0 0 1 delta.wav
`
	require.NoError(t, os.WriteFile(
		filepath.Join(filterDir, "filter-44100-24-1.conf"), []byte(content), 0o644))

	srcDir := t.TempDir()
	underlying := filepath.Join(srcDir, "deep.wav")
	samples := make([]int, 2000)
	for i := range samples {
		samples[i] = (i % 4000) << 8
	}
	writeWAVFile(t, underlying, testSampleRate, 1, 24, samples)

	eng := newTestEngine(t, filterDir)
	handler, err := eng.CreateHandler("/deep.wav", underlying)
	require.NoError(t, err)
	defer eng.Close("/deep.wav")

	require.IsType(t, (*SndFileHandler)(nil), handler)

	out := readAll(t, handler)
	// non-PCM16 WAV input becomes float WAV output (format tag 3)
	require.Equal(t, uint16(3), binary.LittleEndian.Uint16(out[20:22]))

	payload := locateWAVData(t, out)
	require.Equal(t, len(samples)*4, len(payload))
	for i, want := range samples {
		got := math.Float32frombits(binary.LittleEndian.Uint32(payload[i*4:]))
		require.InDelta(t, float64(want)/float64(1<<23), float64(got), 1e-4, "sample %d", i)
	}
}

func TestEngine_StatSizeGrowsMonotonically(t *testing.T) {
	filterDir := writeIdentityFilterDir(t)
	srcDir := t.TempDir()
	underlying := filepath.Join(srcDir, "long.wav")
	const frames = 120000
	writeWAVFile(t, underlying, testSampleRate, 2, 16, stereoTestSamples(frames))

	eng := newTestEngine(t, filterDir)
	handler, err := eng.CreateHandler("/long.wav", underlying)
	require.NoError(t, err)
	defer eng.Close("/long.wav")

	snd := handler.(*SndFileHandler)

	last := int64(0)
	p := make([]byte, 16*1024)
	off := int64(0)
	for {
		fi, err := handler.Stat()
		require.NoError(t, err)
		require.GreaterOrEqual(t, fi.Size, last)
		last = fi.Size

		n, err := handler.ReadAt(p, off)
		off += int64(n)
		if err == io.EOF || n == 0 {
			break
		}
		require.NoError(t, err)
	}

	final := snd.buf.FileSize()
	fi, err := handler.Stat()
	require.NoError(t, err)
	require.GreaterOrEqual(t, fi.Size, final)
	require.LessOrEqual(t, fi.Size, final+32*1024)
}

func TestEngine_ConcurrentOpensShareHandler(t *testing.T) {
	filterDir := writeIdentityFilterDir(t)
	srcDir := t.TempDir()
	underlying := filepath.Join(srcDir, "notes.txt")
	require.NoError(t, os.WriteFile(underlying, []byte("plain"), 0o644))

	eng := newTestEngine(t, filterDir)
	first, err := eng.CreateHandler("/notes.txt", underlying)
	require.NoError(t, err)
	second, err := eng.CreateHandler("/notes.txt", underlying)
	require.NoError(t, err)
	require.Same(t, first, second)

	stats := eng.Stats()
	require.Equal(t, int64(1), stats.TotalOpens)
	require.Equal(t, int64(1), stats.TotalReopens)
	require.Len(t, stats.Handlers, 1)
	require.Equal(t, 2, stats.Handlers[0].References)

	require.NoError(t, eng.Close("/notes.txt"))
	_, err = eng.StatByFilename("/notes.txt")
	require.NoError(t, err)

	require.NoError(t, eng.Close("/notes.txt"))
	_, err = eng.StatByFilename("/notes.txt")
	require.ErrorIs(t, err, ErrNotOpen)
	require.Empty(t, eng.Stats().Handlers)
}

func TestEngine_StatByFilenameNotOpen(t *testing.T) {
	eng := newTestEngine(t, t.TempDir())
	_, err := eng.StatByFilename("/never-opened")
	require.ErrorIs(t, err, ErrNotOpen)
}

// locateWAVData returns the payload of the data chunk.
func locateWAVData(t *testing.T, raw []byte) []byte {
	t.Helper()
	idx := bytes.Index(raw, []byte("data"))
	require.Positive(t, idx, "no data chunk")
	return raw[idx+8:]
}
