package dsp

import (
	"fmt"
	"sync"

	"github.com/brettbuddin/fourier"
)

// configureMu serialises convolver configuration across the whole process.
// FFT plan construction is shared state; concurrent setup of two convolvers
// must not interleave. Steady-state Process calls run outside this mutex.
var configureMu sync.Mutex

// convUnit convolves one input plane into one output plane.
type convUnit struct {
	in     int
	out    int
	kernel []float64
	conv   *fourier.Convolver
}

// Convolver is a multichannel partitioned FIR convolution engine. It
// consumes per-channel input planes of exactly Fragment frames and produces
// per-channel output planes of the same length, carrying convolution tails
// across calls.
type Convolver struct {
	fragment int
	units    []convUnit
	inputs   [][]float64
	outputs  [][]float64
	tmp      []float64
}

// newConvolver builds a convolver from a loaded filter config. The caller
// must hold configureMu.
func newConvolver(cfg *FilterConfig) (*Convolver, error) {
	c := &Convolver{
		fragment: cfg.Fragment,
		inputs:   makePlanes(cfg.NumInputs, cfg.Fragment),
		outputs:  makePlanes(cfg.NumOutputs, cfg.Fragment),
		tmp:      make([]float64, cfg.Fragment),
	}
	for _, imp := range cfg.impulses {
		conv, err := fourier.NewConvolver(cfg.Fragment, imp.kernel)
		if err != nil {
			return nil, fmt.Errorf("convolver %d->%d: %w", imp.in+1, imp.out+1, err)
		}
		c.units = append(c.units, convUnit{
			in:     imp.in,
			out:    imp.out,
			kernel: imp.kernel,
			conv:   conv,
		})
	}
	return c, nil
}

// NumInputs returns the input channel count.
func (c *Convolver) NumInputs() int { return len(c.inputs) }

// NumOutputs returns the output channel count.
func (c *Convolver) NumOutputs() int { return len(c.outputs) }

// Fragment returns the processing block size in frames.
func (c *Convolver) Fragment() int { return c.fragment }

// Input returns the input plane for channel ch. Callers fill it with
// Fragment frames before Process.
func (c *Convolver) Input(ch int) []float64 { return c.inputs[ch] }

// Output returns the output plane for channel ch, valid after Process.
func (c *Convolver) Output(ch int) []float64 { return c.outputs[ch] }

// Process convolves the current input planes into the output planes.
// Routings that share an output channel accumulate.
func (c *Convolver) Process() {
	for _, out := range c.outputs {
		for i := range out {
			out[i] = 0
		}
	}
	for _, u := range c.units {
		u.conv.Convolve(c.tmp, c.inputs[u.in], c.fragment)
		out := c.outputs[u.out]
		for i := 0; i < c.fragment; i++ {
			out[i] += c.tmp[i]
		}
	}
}

// Reset discards all carried convolution state so the convolver can be
// reused for a new stream. The underlying FFT state is rebuilt, so Reset
// takes the process-wide configuration mutex.
func (c *Convolver) Reset() error {
	configureMu.Lock()
	defer configureMu.Unlock()

	for i, u := range c.units {
		conv, err := fourier.NewConvolver(c.fragment, u.kernel)
		if err != nil {
			return fmt.Errorf("reset convolver %d->%d: %w", u.in+1, u.out+1, err)
		}
		c.units[i].conv = conv
	}
	for _, p := range c.inputs {
		zero(p)
	}
	for _, p := range c.outputs {
		zero(p)
	}
	return nil
}

func makePlanes(n, size int) [][]float64 {
	planes := make([][]float64, n)
	for i := range planes {
		planes[i] = make([]float64, size)
	}
	return planes
}

func zero(p []float64) {
	for i := range p {
		p[i] = 0
	}
}
