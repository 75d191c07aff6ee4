package dsp

import (
	"fmt"
	"math"
	"sync/atomic"

	"github.com/maauso/convofs/internal/codec"
)

// Processor runs interleaved audio through a partitioned convolver in
// fragments of a fixed size. Clients alternate FillBuffer and
// WriteProcessed; the processor owns the interleave/deinterleave scratch
// between the two.
//
// A Processor is not safe for concurrent use. The containing handler
// serialises fragment advances.
type Processor struct {
	cfg  *FilterConfig
	conv *Convolver

	channels int // input channels of the stream being processed

	// scratch holds Fragment frames, interleaved. Before Process it carries
	// input at the stream's channel count, afterwards convolved output at
	// the convolver's output channel count.
	scratch []float32

	inPos  int // frames filled, in [0, Fragment]
	outPos int // frames drained; -1 means Process still pending

	peakBits atomic.Uint64 // max absolute output value, as math.Float64bits
}

// NewProcessor loads the filter config at configPath and builds a processor
// for a stream with the given sample rate and channel count. The entire
// load and configuration step runs under the process-wide convolver setup
// mutex.
func NewProcessor(configPath string, sampleRate, channels int) (*Processor, error) {
	configureMu.Lock()
	cfg, err := LoadFilterConfig(configPath, sampleRate)
	if err != nil {
		configureMu.Unlock()
		return nil, err
	}
	conv, err := newConvolver(cfg)
	configureMu.Unlock()
	if err != nil {
		return nil, err
	}

	if cfg.NumInputs < channels {
		return nil, fmt.Errorf("dsp: %s binds %d input channels, stream has %d",
			configPath, cfg.NumInputs, channels)
	}

	p := &Processor{
		cfg:      cfg,
		conv:     conv,
		channels: channels,
		scratch:  make([]float32, cfg.Fragment*max(channels, cfg.NumOutputs)),
		outPos:   -1,
	}
	return p, nil
}

// Fragment returns the fragment size F in frames.
func (p *Processor) Fragment() int { return p.cfg.Fragment }

// InputChannels returns the interleaved channel count FillBuffer consumes.
func (p *Processor) InputChannels() int { return p.channels }

// OutputChannels returns the interleaved channel count WriteProcessed
// produces.
func (p *Processor) OutputChannels() int { return p.conv.NumOutputs() }

// ConfigPath returns the filter config file backing this processor.
func (p *Processor) ConfigPath() string { return p.cfg.Path }

// ConfigStillUpToDate reports whether the config file on disk is unchanged
// since the processor was built.
func (p *Processor) ConfigStillUpToDate() bool { return p.cfg.StillUpToDate() }

// InputComplete reports whether the input side holds a full fragment and
// WriteProcessed must run before more input fits.
func (p *Processor) InputComplete() bool { return p.inPos == p.cfg.Fragment }

// FillBuffer reads up to F−in interleaved frames from dec into the scratch
// and returns the number of frames read. Any previously processed output
// becomes invalid. FillBuffer must not be called while InputComplete.
func (p *Processor) FillBuffer(dec codec.Decoder) (int, error) {
	needed := p.cfg.Fragment - p.inPos
	if needed <= 0 {
		panic("dsp: FillBuffer on a complete fragment; call WriteProcessed first")
	}
	p.outPos = -1
	n, err := dec.ReadFloats(p.scratch[p.inPos*p.channels : p.cfg.Fragment*p.channels])
	p.inPos += n
	return n, err
}

// WriteProcessed writes frames processed frames to enc, running the
// convolver first if the current fragment has not been processed yet. Once
// the whole fragment is drained the input side is reset for the next fill
// cycle.
func (p *Processor) WriteProcessed(enc codec.Encoder, frames int) error {
	if p.outPos < 0 {
		p.process()
	}
	if frames > p.cfg.Fragment-p.outPos {
		panic("dsp: WriteProcessed beyond the processed fragment")
	}
	co := p.conv.NumOutputs()
	err := enc.WriteFloats(p.scratch[p.outPos*co:(p.outPos+frames)*co], frames)
	p.outPos += frames
	if p.outPos == p.cfg.Fragment {
		p.inPos = 0
	}
	return err
}

// process runs one fragment through the convolver: zero-pad the input tail,
// deinterleave, convolve, re-interleave, track the output peak.
func (p *Processor) process() {
	fragment := p.cfg.Fragment
	ci := p.channels
	co := p.conv.NumOutputs()

	for i := p.inPos * ci; i < fragment*ci; i++ {
		p.scratch[i] = 0
	}
	for ch := 0; ch < ci; ch++ {
		plane := p.conv.Input(ch)
		for j := 0; j < fragment; j++ {
			plane[j] = float64(p.scratch[j*ci+ch])
		}
	}
	for ch := ci; ch < p.conv.NumInputs(); ch++ {
		zero(p.conv.Input(ch))
	}

	p.conv.Process()

	peak := p.MaxOutputValue()
	for ch := 0; ch < co; ch++ {
		plane := p.conv.Output(ch)
		for j := 0; j < p.inPos; j++ {
			p.scratch[j*co+ch] = float32(plane[j])
			if abs := math.Abs(plane[j]); abs > peak {
				peak = abs
			}
		}
	}
	p.peakBits.Store(math.Float64bits(peak))
	p.outPos = 0
}

// MaxOutputValue returns the largest absolute output sample observed since
// the last reset. Values above 1.0 mean the filter output clips.
func (p *Processor) MaxOutputValue() float64 {
	return math.Float64frombits(p.peakBits.Load())
}

// ResetMaxOutputValue clears the peak observation.
func (p *Processor) ResetMaxOutputValue() { p.peakBits.Store(0) }

// Reset returns the processor to its initial state so it can run another
// stream: convolver tails dropped, cursors rewound, peak cleared.
func (p *Processor) Reset() error {
	if err := p.conv.Reset(); err != nil {
		return err
	}
	p.inPos = 0
	p.outPos = -1
	p.ResetMaxOutputValue()
	return nil
}
