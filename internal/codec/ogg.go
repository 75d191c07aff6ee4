package codec

import (
	"errors"
	"fmt"
	"io"

	"github.com/jfreymuth/oggvorbis"
)

type oggDecoder struct {
	r    *oggvorbis.Reader
	info Info
}

func newOGGDecoder(rs io.ReadSeeker) (*oggDecoder, error) {
	r, err := oggvorbis.NewReader(rs)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotSoundFile, err)
	}
	return &oggDecoder{
		r: r,
		info: Info{
			SampleRate: r.SampleRate(),
			Channels:   r.Channels(),
			Frames:     r.Length(),
			Envelope:   EnvelopeOGG,
			// Vorbis decodes to floats; bit-depth wise it is treated as
			// 16 bit for filter selection and re-encoding.
			Sample: SamplePCM16,
		},
	}, nil
}

func (d *oggDecoder) Info() Info { return d.info }

func (d *oggDecoder) Tags() map[string]string {
	comments := d.r.CommentHeader().Comments
	if len(comments) == 0 {
		return nil
	}
	tags := make(map[string]string, len(comments))
	for _, c := range comments {
		for i := 0; i < len(c); i++ {
			if c[i] == '=' {
				tags[c[:i]] = c[i+1:]
				break
			}
		}
	}
	return tags
}

func (d *oggDecoder) ReadFloats(dst []float32) (int, error) {
	channels := d.info.Channels
	got := 0
	for got < len(dst) {
		n, err := d.r.Read(dst[got:])
		got += n
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return got / channels, fmt.Errorf("codec: ogg read: %w", err)
		}
		if n == 0 {
			break
		}
	}
	if got == 0 {
		return 0, io.EOF
	}
	return got / channels, nil
}

func (d *oggDecoder) Close() error { return nil }
