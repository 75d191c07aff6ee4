package codec

import (
	"errors"
	"fmt"
	"io"

	"github.com/mewkiz/flac"
	"github.com/mewkiz/flac/frame"
	"github.com/mewkiz/flac/meta"
)

// flacBlockSize is the frame size the encoder emits. Constant-size blocks
// keep the stream simple to splice behind a hand-written header.
const flacBlockSize = 4096

type flacDecoder struct {
	stream *flac.Stream
	info   Info
	scale  float32
	tags   map[string]string

	// current block, per channel, and the read cursor into it
	block    []*frame.Subframe
	blockLen int
	blockPos int
}

func newFLACDecoder(r io.Reader) (*flacDecoder, error) {
	stream, err := flac.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotSoundFile, err)
	}
	si := stream.Info

	sample := SamplePCM16
	switch {
	case si.BitsPerSample > 24:
		sample = SamplePCM32
	case si.BitsPerSample > 16:
		sample = SamplePCM24
	}

	d := &flacDecoder{
		stream: stream,
		info: Info{
			SampleRate: int(si.SampleRate),
			Channels:   int(si.NChannels),
			Frames:     int64(si.NSamples),
			Envelope:   EnvelopeFLAC,
			Sample:     sample,
		},
		scale: 1.0 / float32(int64(1)<<(si.BitsPerSample-1)),
	}

	for _, block := range stream.Blocks {
		if vc, ok := block.Body.(*meta.VorbisComment); ok {
			d.tags = make(map[string]string, len(vc.Tags))
			for _, tag := range vc.Tags {
				d.tags[tag[0]] = tag[1]
			}
		}
	}
	return d, nil
}

func (d *flacDecoder) Info() Info { return d.info }

func (d *flacDecoder) Tags() map[string]string { return d.tags }

func (d *flacDecoder) ReadFloats(dst []float32) (int, error) {
	channels := d.info.Channels
	want := len(dst) / channels
	got := 0
	for got < want {
		if d.blockPos >= d.blockLen {
			f, err := d.stream.ParseNext()
			if err != nil {
				if errors.Is(err, io.EOF) {
					break
				}
				return got, fmt.Errorf("codec: flac read: %w", err)
			}
			d.block = f.Subframes
			d.blockLen = int(f.Header.BlockSize)
			d.blockPos = 0
		}
		n := min(want-got, d.blockLen-d.blockPos)
		for j := 0; j < n; j++ {
			for ch := 0; ch < channels; ch++ {
				dst[(got+j)*channels+ch] =
					float32(d.block[ch].Samples[d.blockPos+j]) * d.scale
			}
		}
		d.blockPos += n
		got += n
	}
	if got == 0 {
		return 0, io.EOF
	}
	return got, nil
}

func (d *flacDecoder) Close() error { return nil }

// noCloseWriteSeeker wraps an io.Writer, forwarding Seek to the underlying
// writer when supported, without exposing io.Closer. flac.Encoder.Close
// closes its writer if it implements io.Closer; encoders here must never
// close the caller-owned file.
type noCloseWriteSeeker struct {
	io.Writer
}

func (n noCloseWriteSeeker) Seek(offset int64, whence int) (int64, error) {
	if s, ok := n.Writer.(io.Seeker); ok {
		return s.Seek(offset, whence)
	}
	return 0, fmt.Errorf("codec: flac writer does not support seek")
}

type flacEncoder struct {
	w    io.Writer
	info Info
	bits int

	enc  *flac.Encoder
	tags [][2]string

	// staging for one block, per channel
	staging   [][]int32
	stageFill int
	sampleNum uint64
}

func newFLACEncoder(w io.Writer, info Info) *flacEncoder {
	staging := make([][]int32, info.Channels)
	for i := range staging {
		staging[i] = make([]int32, flacBlockSize)
	}
	return &flacEncoder{
		w:       w,
		info:    info,
		bits:    info.Sample.BitDepth(),
		staging: staging,
	}
}

func (e *flacEncoder) SetTag(key, value string) {
	if e.enc != nil {
		return
	}
	e.tags = append(e.tags, [2]string{key, value})
}

// FlushHeader writes the fLaC marker and metadata chain. The STREAMINFO
// carries a zero MD5: the payload is produced on the fly and never hashed.
func (e *flacEncoder) FlushHeader() error {
	if e.enc != nil {
		return nil
	}
	si := &meta.StreamInfo{
		BlockSizeMin:  flacBlockSize,
		BlockSizeMax:  flacBlockSize,
		SampleRate:    uint32(e.info.SampleRate),
		NChannels:     uint8(e.info.Channels),
		BitsPerSample: uint8(e.bits),
		NSamples:      uint64(e.info.Frames),
	}
	var blocks []*meta.Block
	if len(e.tags) > 0 {
		blocks = append(blocks, &meta.Block{
			Header: meta.Header{Type: meta.TypeVorbisComment},
			Body: &meta.VorbisComment{
				Vendor: "convofs",
				Tags:   e.tags,
			},
		})
	}
	enc, err := flac.NewEncoder(noCloseWriteSeeker{e.w}, si, blocks...)
	if err != nil {
		return fmt.Errorf("codec: flac header: %w", err)
	}
	e.enc = enc
	return nil
}

func (e *flacEncoder) WriteFloats(src []float32, frames int) error {
	if err := e.FlushHeader(); err != nil {
		return err
	}
	channels := e.info.Channels
	limit := int64(1) << (e.bits - 1)
	for i := 0; i < frames; i++ {
		for ch := 0; ch < channels; ch++ {
			s := int64(float64(src[i*channels+ch]) * float64(limit))
			if s >= limit {
				s = limit - 1
			}
			if s < -limit {
				s = -limit
			}
			e.staging[ch][e.stageFill] = int32(s)
		}
		e.stageFill++
		if e.stageFill == flacBlockSize {
			if err := e.emitBlock(); err != nil {
				return err
			}
		}
	}
	return nil
}

// emitBlock encodes the staged samples as one frame of verbatim subframes.
func (e *flacEncoder) emitBlock() error {
	n := e.stageFill
	if n == 0 {
		return nil
	}
	subframes := make([]*frame.Subframe, e.info.Channels)
	for ch := range subframes {
		samples := make([]int32, n)
		copy(samples, e.staging[ch][:n])
		subframes[ch] = &frame.Subframe{
			SubHeader: frame.SubHeader{Pred: frame.PredVerbatim},
			Samples:   samples,
			NSamples:  n,
		}
	}
	f := &frame.Frame{
		Header: frame.Header{
			HasFixedBlockSize: false,
			BlockSize:         uint16(n),
			SampleRate:        uint32(e.info.SampleRate),
			Channels:          frame.Channels(e.info.Channels - 1),
			BitsPerSample:     uint8(e.bits),
			Num:               e.sampleNum,
		},
		Subframes: subframes,
	}
	if err := e.enc.WriteFrame(f); err != nil {
		return fmt.Errorf("codec: flac write: %w", err)
	}
	e.sampleNum += uint64(n)
	e.stageFill = 0
	return nil
}

func (e *flacEncoder) Close() error {
	if err := e.FlushHeader(); err != nil {
		return err
	}
	if err := e.emitBlock(); err != nil {
		return err
	}
	return e.enc.Close()
}
