package engine

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/maauso/convofs/internal/codec"
	"github.com/maauso/convofs/internal/dsp"
)

// Size estimation constants. Both values are empirical: estimation starts
// once the output has grown past a fraction of the input size, and the
// estimate over-reports by a fixed pad because clients handle a too-large
// size better than a too-small one.
const (
	sizeEstimateFactor = 0.4
	sizeEstimatePad    = 16384
)

// eofSkipOverhang widens the end-of-file skip shortcut. Media players
// probing for the end do not always hit the reported size exactly.
const eofSkipOverhang = 512

// ErrNoFilter is returned by NewSndFileHandler when no filter config
// exists for the stream's rate, bit depth and channel count. The caller
// falls back to pass-through.
var ErrNoFilter = errors.New("engine: no filter configured for this format")

// Compile-time checks.
var (
	_ FileHandler = (*SndFileHandler)(nil)
	_ SoundSource = (*SndFileHandler)(nil)
)

// SndFileHandler serves a sound file convolved through the configured
// filter. Decoding, convolution and re-encoding happen lazily, pulled by
// reads through the conversion buffer.
type SndFileHandler struct {
	fsPath     string
	file       *os.File
	dec        codec.Decoder
	enc        codec.Encoder
	info       codec.Info
	outInfo    codec.Info
	configPath string
	pool       *dsp.Pool
	logger     *slog.Logger

	buf            *ConversionBuffer
	copyFlacHeader bool

	failed atomic.Bool

	mu                sync.Mutex // guards statInfo, framesLeft, proc, streams state
	statInfo          FileInfo
	estimateThreshold int64
	totalFrames       int64
	framesLeft        int64
	proc              *dsp.Processor
	streamsClosed     bool
}

// NewSndFileHandler attempts to build a convolving handler over the open
// descriptor f. It returns codec.ErrNotSoundFile when the content is not
// decodable audio and ErrNoFilter when no filter config matches; in both
// cases the descriptor is untouched and still usable for pass-through.
func NewSndFileHandler(f *os.File, fsPath, configDir string, pool *dsp.Pool, logger *slog.Logger) (*SndFileHandler, error) {
	if logger == nil {
		logger = slog.Default()
	}

	dec, err := codec.Open(f)
	if err != nil {
		return nil, err
	}
	info := dec.Info()

	configPath := filepath.Join(configDir, fmt.Sprintf("filter-%d-%d-%d.conf",
		info.SampleRate, info.Sample.BitDepth(), info.Channels))
	if _, err := os.Stat(configPath); err != nil {
		dec.Close()
		return nil, fmt.Errorf("%w: %s", ErrNoFilter, configPath)
	}

	fi, err := f.Stat()
	if err != nil {
		dec.Close()
		return nil, fmt.Errorf("stat %s: %w", fsPath, err)
	}

	h := &SndFileHandler{
		fsPath:            fsPath,
		file:              f,
		dec:               dec,
		info:              info,
		outInfo:           outputFormat(info),
		configPath:        configPath,
		pool:              pool,
		logger:            logger,
		statInfo:          fileInfoFromOS(fi),
		estimateThreshold: int64(sizeEstimateFactor * float64(fi.Size())),
		totalFrames:       info.Frames,
		framesLeft:        info.Frames,
		copyFlacHeader:    info.Envelope == codec.EnvelopeFLAC,
	}

	logger.Debug("convolving handler created",
		slog.String("path", fsPath),
		slog.Int("sample_rate", info.SampleRate),
		slog.Int("channels", info.Channels),
		slog.Int("bits", info.Sample.BitDepth()),
		slog.String("filter", configPath),
	)

	// Constructing the buffer opens the encoder and calls back into
	// SetOutputSoundfile, which writes the header.
	h.buf = NewConversionBuffer(h, func(ws io.WriteSeeker) (codec.Encoder, error) {
		return codec.NewEncoder(ws, h.outInfo)
	})
	return h, nil
}

// outputFormat selects the produced container for a given input. OGG
// cannot be re-encoded in streaming fashion and becomes FLAC; WAV input
// stays WAV, upgraded to float samples unless it was plain 16-bit PCM
// (24-bit PCM writing is unreliable); everything else keeps its format.
func outputFormat(in codec.Info) codec.Info {
	out := in
	switch {
	case in.Envelope == codec.EnvelopeOGG:
		out.Envelope = codec.EnvelopeFLAC
		out.Sample = codec.SamplePCM16
	case in.Envelope == codec.EnvelopeWAV && in.Sample != codec.SamplePCM16:
		out.Sample = codec.SampleFloat32
	}
	return out
}

// SetOutputSoundfile finishes the output header: for FLAC input the
// original metadata chain is spliced in with the encoder's own header
// suppressed, otherwise the input's tags are copied and the encoder writes
// its header itself.
func (h *SndFileHandler) SetOutputSoundfile(b *ConversionBuffer, enc codec.Encoder) {
	if enc == nil {
		h.logger.Error("opening output encoder failed", slog.String("path", h.fsPath))
		h.failed.Store(true)
		return
	}
	h.enc = enc

	if h.copyFlacHeader {
		b.SetSndfileWritesEnabled(false)
		if err := spliceFLACHeader(h.file, b); err != nil {
			h.logger.Error("copying flac header failed",
				slog.String("path", h.fsPath), slog.Any("error", err))
			h.failed.Store(true)
			return
		}
	} else {
		b.SetSndfileWritesEnabled(true)
		for key, value := range h.dec.Tags() {
			enc.SetTag(key, value)
		}
	}

	// Flush the header now: a client that only reads metadata must never
	// start the convolver. In the splice case the encoder's own header is
	// swallowed by the disabled buffer.
	if err := enc.FlushHeader(); err != nil {
		h.logger.Error("writing output header failed",
			slog.String("path", h.fsPath), slog.Any("error", err))
		h.failed.Store(true)
		return
	}
	b.SetSndfileWritesEnabled(true)
	b.HeaderFinished()
}

// AddMoreSoundData pulls one fragment through decode→convolve→encode. The
// conversion buffer guarantees only one call runs at a time.
func (h *SndFileHandler) AddMoreSoundData() bool {
	if h.failed.Load() {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.framesLeft == 0 {
		return false
	}
	if h.proc == nil && !h.acquireProcessorLocked() {
		return false
	}

	read := 0
	for !h.proc.InputComplete() {
		n, err := h.proc.FillBuffer(h.dec)
		read += n
		if n == 0 || err != nil {
			break
		}
	}
	if read == 0 {
		h.logger.Warn("premature end of input",
			slog.String("path", h.fsPath),
			slog.Int64("frames_missing", h.framesLeft))
		h.framesLeft = 0
		h.closeStreamsLocked()
		return false
	}

	h.framesLeft -= int64(read)
	if h.framesLeft < 0 {
		h.framesLeft = 0
	}
	if err := h.proc.WriteProcessed(h.enc, read); err != nil {
		h.logger.Error("encoding failed",
			slog.String("path", h.fsPath), slog.Any("error", err))
		h.failed.Store(true)
		h.framesLeft = 0
		h.closeStreamsLocked()
		return false
	}
	if h.framesLeft == 0 {
		h.closeStreamsLocked()
	}
	return h.framesLeft != 0
}

// acquireProcessorLocked lazily builds the sound processor on the first
// fragment. A broken filter config degrades the file to empty output
// instead of blocking the reader forever.
func (h *SndFileHandler) acquireProcessorLocked() bool {
	proc, err := h.pool.Acquire(h.configPath, h.info.SampleRate, h.info.Channels)
	if err != nil {
		h.logger.Error("filter config is broken, serving empty stream",
			slog.String("path", h.fsPath),
			slog.String("filter", h.configPath),
			slog.Any("error", err))
		h.framesLeft = 0
		h.closeStreamsLocked()
		return false
	}
	if proc.OutputChannels() != h.info.Channels {
		h.logger.Error("filter output channels do not match the stream",
			slog.String("filter", h.configPath),
			slog.Int("filter_out", proc.OutputChannels()),
			slog.Int("stream", h.info.Channels))
		h.pool.Release(proc)
		h.framesLeft = 0
		h.closeStreamsLocked()
		return false
	}
	h.proc = proc
	return true
}

// ReadAt serves bytes of the converted stream. A probe far past what has
// been produced, landing at the reported end of file, is answered with
// zeroes instead of convolving everything up to that point; media players
// do this while indexing.
func (h *SndFileHandler) ReadAt(p []byte, off int64) (int, error) {
	if h.failed.Load() {
		return 0, syscall.EIO
	}

	h.mu.Lock()
	reported := h.statInfo.Size
	h.mu.Unlock()

	if h.buf.FileSize() < off && off+int64(len(p))+eofSkipOverhang >= reported {
		pretended := reported - off
		if pretended > int64(len(p)) {
			pretended = int64(len(p))
		}
		if pretended <= 0 {
			return 0, io.EOF
		}
		for i := int64(0); i < pretended; i++ {
			p[i] = 0
		}
		return int(pretended), nil
	}

	return h.buf.ReadAt(p, off)
}

// Stat reports the original file's stat until enough output exists to
// extrapolate, then a monotonically growing estimate of the final size.
func (h *SndFileHandler) Stat() (FileInfo, error) {
	fileSize := h.buf.FileSize()

	h.mu.Lock()
	defer h.mu.Unlock()
	if fileSize > h.estimateThreshold {
		framesDone := h.totalFrames - h.framesLeft
		if framesDone > 0 {
			// Extrapolates output bytes from input-frame progress; for
			// variable-bitrate output this skews optimistic, which is the
			// safe direction.
			estimate := int64(float64(h.totalFrames)/float64(framesDone)*float64(fileSize)) + sizeEstimatePad
			if estimate > h.statInfo.Size {
				h.statInfo.Size = estimate
			}
		}
	}
	return h.statInfo, nil
}

// Progress returns the fraction of input frames consumed so far.
func (h *SndFileHandler) Progress() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.totalFrames == 0 {
		return 0
	}
	return float64(h.totalFrames-h.framesLeft) / float64(h.totalFrames)
}

// Close disables further encoder writes, shuts the codec streams down and
// closes the descriptor. The processor goes back to the pool.
func (h *SndFileHandler) Close() error {
	h.buf.SetSndfileWritesEnabled(false)

	h.mu.Lock()
	h.closeStreamsLocked()
	h.mu.Unlock()

	return h.file.Close()
}

// closeStreamsLocked finishes the encoder (flushing any staged audio into
// the buffer), closes the decoder and parks the processor. Safe to call
// more than once.
func (h *SndFileHandler) closeStreamsLocked() {
	if h.streamsClosed {
		return
	}
	h.streamsClosed = true

	if h.enc != nil {
		if err := h.enc.Close(); err != nil {
			h.logger.Warn("closing encoder",
				slog.String("path", h.fsPath), slog.Any("error", err))
		}
	}
	if err := h.dec.Close(); err != nil {
		h.logger.Warn("closing decoder",
			slog.String("path", h.fsPath), slog.Any("error", err))
	}

	if h.proc != nil {
		if peak := h.proc.MaxOutputValue(); peak > 1.0 {
			h.logger.Warn("output clipping observed",
				slog.String("path", h.fsPath),
				slog.String("filter", h.configPath),
				slog.Float64("max", peak),
				slog.Float64("gain_limit", 1.0/peak))
		}
		h.pool.Release(h.proc)
		h.proc = nil
	}
}
