// Package engine implements the per-open file handlers behind the virtual
// filesystem: pass-through for ordinary files and decode→convolve→encode
// for sound files with a configured filter, bridged to random-access reads
// by an append-only conversion buffer. The Engine façade and its handler
// cache are what the filesystem bridge talks to.
package engine

import (
	"io"
	"sync"
	"sync/atomic"

	"github.com/maauso/convofs/internal/codec"
)

// SoundSource supplies audio to a ConversionBuffer on demand.
type SoundSource interface {
	// SetOutputSoundfile is invoked exactly once, while the buffer is being
	// constructed, handing over the encoder that writes into it. enc is nil
	// when the encoder could not be opened.
	SetOutputSoundfile(b *ConversionBuffer, enc codec.Encoder)

	// AddMoreSoundData advances the production by one fragment. It returns
	// false when the stream is exhausted.
	AddMoreSoundData() bool
}

// ConversionBuffer turns the strictly sequential encoder byte stream into
// positional reads. Bytes are only ever appended; a read past the current
// end drives the source until enough bytes exist or the stream ends.
//
// Concurrent readers are safe. At most one of them advances the producer
// at a time; the rest either consume bytes that already exist or wait for
// the advance to finish.
type ConversionBuffer struct {
	source SoundSource

	mu        sync.Mutex // guards data, headerEnd, eof
	data      []byte
	headerEnd int64
	eof       bool

	fill sync.Mutex // serialises producer advances

	sndWrites atomic.Bool
}

// NewConversionBuffer creates a buffer and opens its output soundfile via
// openEncoder, which receives the buffer's write facade. The resulting
// encoder (nil on failure) is handed to the source before this returns.
func NewConversionBuffer(source SoundSource, openEncoder func(io.WriteSeeker) (codec.Encoder, error)) *ConversionBuffer {
	b := &ConversionBuffer{source: source}
	b.sndWrites.Store(true)
	enc, err := openEncoder(&sndWriter{buffer: b})
	if err != nil {
		enc = nil
	}
	source.SetOutputSoundfile(b, enc)
	return b
}

// Append adds bytes to the log unconditionally. Used for hand-crafted
// header data.
func (b *ConversionBuffer) Append(p []byte) {
	b.mu.Lock()
	b.data = append(b.data, p...)
	b.mu.Unlock()
}

// sndAppend adds bytes arriving from the encoder. While soundfile writes
// are disabled the bytes are dropped silently.
func (b *ConversionBuffer) sndAppend(p []byte) {
	if !b.sndWrites.Load() {
		return
	}
	b.Append(p)
}

// SetSndfileWritesEnabled gates bytes arriving through the encoder facade.
// Disabling lets a caller substitute its own header for the one the
// encoder would write.
func (b *ConversionBuffer) SetSndfileWritesEnabled(enabled bool) {
	b.sndWrites.Store(enabled)
}

// FileSize returns the current length of the log.
func (b *ConversionBuffer) FileSize() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return int64(len(b.data))
}

// HeaderFinished marks that the audio payload starts at the current size.
// Reads inside the header area are allowed to return short so that header
// probing never starts the convolver.
func (b *ConversionBuffer) HeaderFinished() {
	b.mu.Lock()
	b.headerEnd = int64(len(b.data))
	b.mu.Unlock()
}

// ReadAt serves bytes from the log, driving the producer when the request
// reaches past what has been produced so far. Reads beyond the final end
// of stream return what is available; at the very end they return 0,
// io.EOF.
func (b *ConversionBuffer) ReadAt(p []byte, off int64) (int, error) {
	b.mu.Lock()
	headerEnd := b.headerEnd
	b.mu.Unlock()

	// Within the header, one byte suffices: metadata-only readers must not
	// trigger any decoding. Beyond it, deliver the full request; short
	// reads confuse enough media players to be worth avoiding.
	required := off + int64(len(p))
	if off < headerEnd {
		required = off + 1
	}

	for {
		if n, done := b.tryRead(p, off, required); done {
			return n, readErr(n)
		}

		b.fill.Lock()
		if n, done := b.tryRead(p, off, required); done {
			b.fill.Unlock()
			return n, readErr(n)
		}
		if !b.source.AddMoreSoundData() {
			b.mu.Lock()
			b.eof = true
			b.mu.Unlock()
		}
		b.fill.Unlock()
	}
}

// tryRead serves the request if enough bytes exist or the stream is done.
func (b *ConversionBuffer) tryRead(p []byte, off, required int64) (int, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	size := int64(len(b.data))
	if size < required && !b.eof {
		return 0, false
	}
	if off >= size {
		return 0, true
	}
	return copy(p, b.data[off:]), true
}

func readErr(n int) error {
	if n == 0 {
		return io.EOF
	}
	return nil
}

// sndWriter is the io.WriteSeeker the encoder writes through. It mimics a
// file that can only grow at the end: sequential writes append, while
// writes after a seek away from the end (the encoder patching its header
// during close) are dropped. The facade keeps its own notion of the end so
// header bytes dropped while writes are disabled still advance it.
type sndWriter struct {
	buffer *ConversionBuffer
	pos    int64
	end    int64
}

func (w *sndWriter) Write(p []byte) (int, error) {
	if w.pos == w.end {
		w.buffer.sndAppend(p)
		w.end += int64(len(p))
	}
	w.pos += int64(len(p))
	return len(p), nil
}

func (w *sndWriter) Seek(offset int64, whence int) (int64, error) {
	switch whence {
	case io.SeekStart:
		w.pos = offset
	case io.SeekCurrent:
		w.pos += offset
	case io.SeekEnd:
		w.pos = w.end + offset
	}
	return w.pos, nil
}
