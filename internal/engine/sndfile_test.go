package engine

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/maauso/convofs/internal/codec"
)

func TestOutputFormat(t *testing.T) {
	tests := []struct {
		name string
		in   codec.Info
		want codec.Info
	}{
		{
			name: "ogg becomes flac pcm16",
			in:   codec.Info{Envelope: codec.EnvelopeOGG, Sample: codec.SamplePCM16},
			want: codec.Info{Envelope: codec.EnvelopeFLAC, Sample: codec.SamplePCM16},
		},
		{
			name: "wav pcm16 stays wav pcm16",
			in:   codec.Info{Envelope: codec.EnvelopeWAV, Sample: codec.SamplePCM16},
			want: codec.Info{Envelope: codec.EnvelopeWAV, Sample: codec.SamplePCM16},
		},
		{
			name: "wav pcm24 becomes wav float",
			in:   codec.Info{Envelope: codec.EnvelopeWAV, Sample: codec.SamplePCM24},
			want: codec.Info{Envelope: codec.EnvelopeWAV, Sample: codec.SampleFloat32},
		},
		{
			name: "wav float stays wav float",
			in:   codec.Info{Envelope: codec.EnvelopeWAV, Sample: codec.SampleFloat32},
			want: codec.Info{Envelope: codec.EnvelopeWAV, Sample: codec.SampleFloat32},
		},
		{
			name: "flac keeps its format",
			in:   codec.Info{Envelope: codec.EnvelopeFLAC, Sample: codec.SamplePCM24},
			want: codec.Info{Envelope: codec.EnvelopeFLAC, Sample: codec.SamplePCM24},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := outputFormat(tc.in)
			require.Equal(t, tc.want.Envelope, got.Envelope)
			require.Equal(t, tc.want.Sample, got.Sample)
		})
	}
}

// writeFLACFixture encodes interleaved floats into a FLAC file.
func writeFLACFixture(t *testing.T, path string, channels int, data []float32) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)

	enc, err := codec.NewEncoder(f, codec.Info{
		SampleRate: testSampleRate,
		Channels:   channels,
		Frames:     int64(len(data) / channels),
		Envelope:   codec.EnvelopeFLAC,
		Sample:     codec.SamplePCM16,
	})
	require.NoError(t, err)
	require.NoError(t, enc.WriteFloats(data, len(data)/channels))
	require.NoError(t, enc.Close())
	require.NoError(t, f.Close())
}

func TestEngine_ConvolvedFLAC(t *testing.T) {
	filterDir := writeIdentityFilterDir(t)
	srcDir := t.TempDir()
	underlying := filepath.Join(srcDir, "song.flac")

	const frames = 6000
	input := make([]float32, frames*2)
	for i := 0; i < frames; i++ {
		input[i*2] = float32(i%500)/1000 - 0.25
		input[i*2+1] = 0.25 - float32(i%500)/1000
	}
	writeFLACFixture(t, underlying, 2, input)

	eng := newTestEngine(t, filterDir)
	handler, err := eng.CreateHandler("/song.flac", underlying)
	require.NoError(t, err)
	defer eng.Close("/song.flac")

	require.IsType(t, (*SndFileHandler)(nil), handler)

	out := readAll(t, handler)
	require.Equal(t, "fLaC", string(out[0:4]))

	// The spliced header is the original metadata chain: a lone
	// STREAMINFO with the last-block flag, its MD5 zeroed.
	require.Equal(t, byte(0), out[4]&0x7F)
	require.NotZero(t, out[4]&0x80)
	for i := 26; i < 42; i++ {
		require.Zero(t, out[i], "MD5 byte %d", i-26)
	}

	// The produced stream decodes back to the input.
	outPath := filepath.Join(t.TempDir(), "out.flac")
	require.NoError(t, os.WriteFile(outPath, out, 0o644))
	f, err := os.Open(outPath)
	require.NoError(t, err)
	defer f.Close()

	dec, err := codec.Open(f)
	require.NoError(t, err)
	info := dec.Info()
	require.Equal(t, codec.EnvelopeFLAC, info.Envelope)
	require.Equal(t, 2, info.Channels)
	require.Equal(t, int64(frames), info.Frames)

	got := make([]float32, 0, len(input))
	buf := make([]float32, 1024)
	for {
		n, err := dec.ReadFloats(buf)
		if n > 0 {
			got = append(got, buf[:n*2]...)
		}
		if err != nil || n == 0 {
			break
		}
	}
	require.Len(t, got, len(input))
	for i := range input {
		require.InDelta(t, float64(input[i]), float64(got[i]), 2.0/32768, "sample %d", i)
	}
}

func TestSndFileHandler_ProgressAdvances(t *testing.T) {
	filterDir := writeIdentityFilterDir(t)
	srcDir := t.TempDir()
	underlying := filepath.Join(srcDir, "tone.wav")
	writeWAVFile(t, underlying, testSampleRate, 2, 16, stereoTestSamples(5000))

	eng := newTestEngine(t, filterDir)
	handler, err := eng.CreateHandler("/tone.wav", underlying)
	require.NoError(t, err)
	defer eng.Close("/tone.wav")

	snd := handler.(*SndFileHandler)
	require.Zero(t, snd.Progress())

	readAll(t, handler)
	require.InDelta(t, 1.0, snd.Progress(), 1e-9)
}
