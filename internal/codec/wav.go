package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// wavFormatIEEEFloat is the WAVE format tag for 32-bit float samples.
const wavFormatIEEEFloat = 3

type wavDecoder struct {
	d       *wav.Decoder
	info    Info
	isFloat bool
	scale   float32

	intBuf *audio.IntBuffer
	rawBuf []byte
}

func newWAVDecoder(rs io.ReadSeeker) (*wavDecoder, error) {
	d := wav.NewDecoder(rs)
	d.ReadInfo()
	if d.NumChans == 0 || d.SampleRate == 0 {
		return nil, fmt.Errorf("%w: bad RIFF header", ErrNotSoundFile)
	}
	if err := d.FwdToPCM(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotSoundFile, err)
	}

	w := &wavDecoder{
		d:       d,
		isFloat: d.WavAudioFormat == wavFormatIEEEFloat,
	}

	sample := SamplePCM16
	switch {
	case w.isFloat:
		sample = SampleFloat32
	case d.BitDepth == 24:
		sample = SamplePCM24
	case d.BitDepth == 32:
		sample = SamplePCM32
	}

	bytesPerFrame := int64(d.NumChans) * int64(d.BitDepth) / 8
	var frames int64
	if bytesPerFrame > 0 {
		frames = int64(d.PCMSize) / bytesPerFrame
	}

	w.info = Info{
		SampleRate: int(d.SampleRate),
		Channels:   int(d.NumChans),
		Frames:     frames,
		Envelope:   EnvelopeWAV,
		Sample:     sample,
	}
	w.scale = pcmScale(int(d.BitDepth))
	return w, nil
}

func (w *wavDecoder) Info() Info { return w.info }

// Tags returns nil; RIFF INFO chunks sit behind the data chunk and reading
// them mid-stream would disturb the PCM cursor.
func (w *wavDecoder) Tags() map[string]string { return nil }

func (w *wavDecoder) ReadFloats(dst []float32) (int, error) {
	if len(dst) == 0 {
		return 0, nil
	}
	if w.isFloat {
		return w.readFloatSamples(dst)
	}

	if w.intBuf == nil || cap(w.intBuf.Data) < len(dst) {
		w.intBuf = &audio.IntBuffer{
			Format: &audio.Format{
				NumChannels: w.info.Channels,
				SampleRate:  w.info.SampleRate,
			},
			Data:           make([]int, len(dst)),
			SourceBitDepth: int(w.d.BitDepth),
		}
	}
	w.intBuf.Data = w.intBuf.Data[:len(dst)]

	n, err := w.d.PCMBuffer(w.intBuf)
	if n == 0 {
		if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
			return 0, fmt.Errorf("codec: wav read: %w", err)
		}
		return 0, io.EOF
	}
	for i := 0; i < n; i++ {
		dst[i] = float32(w.intBuf.Data[i]) * w.scale
	}
	return n / w.info.Channels, nil
}

// readFloatSamples pulls IEEE-float samples straight out of the data
// chunk; go-audio only converts integer PCM.
func (w *wavDecoder) readFloatSamples(dst []float32) (int, error) {
	want := len(dst) * 4
	if cap(w.rawBuf) < want {
		w.rawBuf = make([]byte, want)
	}
	raw := w.rawBuf[:want]

	n, err := io.ReadFull(w.d.PCMChunk, raw)
	samples := n / 4
	if samples == 0 {
		if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
			return 0, fmt.Errorf("codec: wav float read: %w", err)
		}
		return 0, io.EOF
	}
	for i := 0; i < samples; i++ {
		dst[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return samples / w.info.Channels, nil
}

func (w *wavDecoder) Close() error { return nil }

type wavEncoder struct {
	enc     *wav.Encoder
	info    Info
	isFloat bool
	bits    int

	intBuf      *audio.IntBuffer
	wroteHeader bool
}

func newWAVEncoder(ws io.WriteSeeker, info Info) (*wavEncoder, error) {
	bits := info.Sample.BitDepth()
	format := 1
	if info.Sample == SampleFloat32 {
		format = wavFormatIEEEFloat
	}
	return &wavEncoder{
		enc:     wav.NewEncoder(ws, info.SampleRate, bits, info.Channels, format),
		info:    info,
		isFloat: info.Sample == SampleFloat32,
		bits:    bits,
	}, nil
}

// SetTag is a no-op: RIFF INFO metadata is written by the encoder after
// the audio payload, which never materialises in a streamed log.
func (w *wavEncoder) SetTag(string, string) {}

// FlushHeader forces the RIFF/fmt header out by writing an empty buffer.
func (w *wavEncoder) FlushHeader() error {
	if w.wroteHeader {
		return nil
	}
	w.wroteHeader = true
	empty := &audio.IntBuffer{
		Format: &audio.Format{
			NumChannels: w.info.Channels,
			SampleRate:  w.info.SampleRate,
		},
		Data:           []int{},
		SourceBitDepth: w.bits,
	}
	if err := w.enc.Write(empty); err != nil {
		return fmt.Errorf("codec: wav header: %w", err)
	}
	return nil
}

func (w *wavEncoder) WriteFloats(src []float32, frames int) error {
	if err := w.FlushHeader(); err != nil {
		return err
	}
	samples := frames * w.info.Channels
	if w.isFloat {
		for i := 0; i < samples; i++ {
			if err := w.enc.WriteFrame(src[i]); err != nil {
				return fmt.Errorf("codec: wav write: %w", err)
			}
		}
		return nil
	}

	if w.intBuf == nil || cap(w.intBuf.Data) < samples {
		w.intBuf = &audio.IntBuffer{
			Format: &audio.Format{
				NumChannels: w.info.Channels,
				SampleRate:  w.info.SampleRate,
			},
			Data:           make([]int, samples),
			SourceBitDepth: w.bits,
		}
	}
	w.intBuf.Data = w.intBuf.Data[:samples]
	for i := 0; i < samples; i++ {
		w.intBuf.Data[i] = floatToPCM(src[i], w.bits)
	}
	if err := w.enc.Write(w.intBuf); err != nil {
		return fmt.Errorf("codec: wav write: %w", err)
	}
	return nil
}

// Close finalises the encoder. The size back-patch it attempts is dropped
// by the conversion buffer's facade; streamed WAV keeps placeholder sizes.
func (w *wavEncoder) Close() error {
	if err := w.FlushHeader(); err != nil {
		return err
	}
	return w.enc.Close()
}
