// Package codec reads and writes the sound-file containers the engine
// understands: WAV (integer PCM and 32-bit float), FLAC and OGG/Vorbis
// (decode only). Audio crosses the package boundary as interleaved float32
// frames in the [-1,1] range, so the DSP layer never sees container
// details.
package codec

import (
	"errors"
	"fmt"
	"io"
	"os"
)

// Envelope identifies a sound-file container format.
type Envelope int

// Container formats.
const (
	EnvelopeWAV Envelope = iota
	EnvelopeFLAC
	EnvelopeOGG
)

// String returns the conventional name of the container.
func (e Envelope) String() string {
	switch e {
	case EnvelopeWAV:
		return "wav"
	case EnvelopeFLAC:
		return "flac"
	case EnvelopeOGG:
		return "ogg"
	}
	return "unknown"
}

// SampleFormat identifies how a single sample is stored in the container.
type SampleFormat int

// Sample containers.
const (
	SamplePCM16 SampleFormat = iota
	SamplePCM24
	SamplePCM32
	SampleFloat32
)

// String returns a short name for the sample format.
func (s SampleFormat) String() string {
	switch s {
	case SamplePCM16:
		return "pcm16"
	case SamplePCM24:
		return "pcm24"
	case SamplePCM32:
		return "pcm32"
	case SampleFloat32:
		return "float32"
	}
	return "unknown"
}

// BitDepth returns the number of significant bits per sample.
func (s SampleFormat) BitDepth() int {
	switch s {
	case SamplePCM24:
		return 24
	case SamplePCM32, SampleFloat32:
		return 32
	default:
		return 16
	}
}

// Info describes a sound stream.
type Info struct {
	// SampleRate in Hz.
	SampleRate int
	// Channels is the interleaved channel count.
	Channels int
	// Frames is the total number of frames in the stream, or 0 when the
	// container does not say.
	Frames int64
	// Envelope is the container format.
	Envelope Envelope
	// Sample is the per-sample storage format.
	Sample SampleFormat
}

// Decoder reads interleaved float32 frames from a sound file,
// sequentially. Close releases decoder state but never the underlying
// file; the caller owns that descriptor.
type Decoder interface {
	// Info describes the stream being decoded.
	Info() Info
	// ReadFloats fills dst with interleaved samples and returns the number
	// of whole frames read. len(dst) must be a multiple of the channel
	// count. At end of stream it returns 0, io.EOF.
	ReadFloats(dst []float32) (int, error)
	// Tags returns the stream's string metadata, or nil.
	Tags() map[string]string
	// Close releases decoder resources.
	Close() error
}

// Encoder writes interleaved float32 frames into a container.
//
// Construction does not emit any bytes. FlushHeader writes the container
// header explicitly so callers can gate or replace it; WriteFloats emits
// the header first if it has not been written yet.
type Encoder interface {
	// SetTag records a string tag to be embedded in the header. Calls after
	// the header is written are ignored.
	SetTag(key, value string)
	// FlushHeader writes the container header now.
	FlushHeader() error
	// WriteFloats appends frames interleaved frames.
	WriteFloats(src []float32, frames int) error
	// Close flushes any buffered frames and finalises the stream.
	Close() error
}

// Static errors.
var (
	// ErrNotSoundFile is returned by Open when the file is not a container
	// this package recognises.
	ErrNotSoundFile = errors.New("codec: not a recognised sound file")
	// ErrUnsupportedOutput is returned by NewEncoder for container formats
	// this package cannot write.
	ErrUnsupportedOutput = errors.New("codec: unsupported output format")
)

// Open sniffs the container magic of f and returns a decoder positioned at
// the first frame. The file stays owned by the caller.
func Open(f *os.File) (Decoder, error) {
	var magic [4]byte
	if _, err := f.ReadAt(magic[:], 0); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, ErrNotSoundFile
		}
		return nil, fmt.Errorf("codec: read magic: %w", err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("codec: rewind: %w", err)
	}

	switch string(magic[:]) {
	case "RIFF":
		return newWAVDecoder(f)
	case "fLaC":
		return newFLACDecoder(f)
	case "OggS":
		return newOGGDecoder(f)
	}
	return nil, ErrNotSoundFile
}

// NewEncoder creates an encoder writing info-formatted audio to w. The
// writer is typically the conversion buffer's soundfile facade; seeks on it
// do not move already-written bytes.
func NewEncoder(w io.WriteSeeker, info Info) (Encoder, error) {
	switch info.Envelope {
	case EnvelopeWAV:
		return newWAVEncoder(w, info)
	case EnvelopeFLAC:
		return newFLACEncoder(w, info), nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedOutput, info.Envelope)
}

// pcmScale returns the multiplier that maps an integer sample of the given
// bit depth into [-1,1].
func pcmScale(bits int) float32 {
	return 1.0 / float32(int64(1)<<(bits-1))
}

// floatToPCM converts a float sample to an integer of the given bit depth,
// clamping at the container limits.
func floatToPCM(v float32, bits int) int {
	limit := int64(1) << (bits - 1)
	s := int64(float64(v) * float64(limit))
	if s >= limit {
		s = limit - 1
	}
	if s < -limit {
		s = -limit
	}
	return int(s)
}
