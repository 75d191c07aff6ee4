// Package dsp implements the partitioned FIR convolution engine and the
// fragment-based sound processor that feeds it. Filter setups are described
// by zita-style convolver configuration files, one per
// (sample rate, bit depth, channel count) combination.
package dsp

import (
	"bufio"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-audio/wav"
)

// Partition sizing bounds, matching the convolver's quantum limits.
const (
	minPartition = 64
	maxQuantum   = 16384
)

// maxConvolverSize caps the declared convolver length so a broken config
// cannot ask for unbounded memory.
const maxConvolverSize = 0x00100000

// Static errors for configuration parsing.
var (
	// ErrNoConvolver is returned when a config file never declares
	// /convolver/new.
	ErrNoConvolver = errors.New("dsp: config declares no convolver")
	// ErrSampleRateMismatch is returned when an impulse response file was
	// recorded at a different rate than the audio being filtered.
	ErrSampleRateMismatch = errors.New("dsp: impulse response sample rate mismatch")
)

// impulse is a single FIR kernel routed from one input channel to one
// output channel. Channels are zero-based here; the file format counts
// from one.
type impulse struct {
	in     int
	out    int
	kernel []float64
}

// FilterConfig is a parsed convolver configuration file together with the
// file's modification time as observed at load.
type FilterConfig struct {
	// Path is the location of the config file on disk.
	Path string
	// ModTime is the config file's modification time when it was read.
	ModTime time.Time

	// NumInputs and NumOutputs are the channel counts declared by
	// /convolver/new.
	NumInputs  int
	NumOutputs int

	// MaxSize is the declared maximum impulse response length in frames.
	MaxSize int
	// Fragment is the derived processing block size. The convolver consumes
	// and produces audio in blocks of exactly this many frames.
	Fragment int

	density  float64
	impulses []impulse
}

// LoadFilterConfig reads and parses the convolver configuration at path.
// Impulse response files referenced by the config are loaded immediately
// and validated against sampleRate.
//
// The grammar is line-based: "#" starts a comment, "/cd <dir>" changes the
// directory impulse files are resolved against,
// "/convolver/new <in> <out> <partition> <maxsize> [density]" declares the
// convolver, and
// "/impulse/read <in> <out> <gain> <delay> <offset> <length> <chan> <file>"
// loads one kernel.
func LoadFilterConfig(path string, sampleRate int) (*FilterConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open filter config: %w", err)
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat filter config: %w", err)
	}

	cfg := &FilterConfig{
		Path:    path,
		ModTime: st.ModTime(),
	}

	dir := filepath.Dir(path)
	scanner := bufio.NewScanner(f)
	lnum := 0
	for scanner.Scan() {
		lnum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		cmd, args := fields[0], fields[1:]

		switch cmd {
		case "/cd":
			if len(args) != 1 {
				return nil, parseErr(path, lnum, "/cd wants one directory")
			}
			if filepath.IsAbs(args[0]) {
				dir = args[0]
			} else {
				dir = filepath.Join(filepath.Dir(path), args[0])
			}

		case "/convolver/new":
			if err := cfg.parseConvolverNew(args); err != nil {
				return nil, parseErr(path, lnum, err.Error())
			}

		case "/impulse/read":
			if cfg.Fragment == 0 {
				return nil, parseErr(path, lnum, "/impulse/read before /convolver/new")
			}
			imp, err := cfg.parseImpulseRead(args, dir, sampleRate)
			if err != nil {
				return nil, parseErr(path, lnum, err.Error())
			}
			cfg.impulses = append(cfg.impulses, imp)

		default:
			return nil, parseErr(path, lnum, fmt.Sprintf("unknown command %q", cmd))
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read filter config: %w", err)
	}
	if cfg.Fragment == 0 {
		return nil, fmt.Errorf("%s: %w", path, ErrNoConvolver)
	}
	return cfg, nil
}

// StillUpToDate reports whether the config file's modification time still
// equals the one captured at load.
func (c *FilterConfig) StillUpToDate() bool {
	st, err := os.Stat(c.Path)
	if err != nil {
		return false
	}
	return st.ModTime().Equal(c.ModTime)
}

func (c *FilterConfig) parseConvolverNew(args []string) error {
	if len(args) < 4 || len(args) > 5 {
		return errors.New("/convolver/new wants <in> <out> <partition> <maxsize> [density]")
	}
	nin, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("inputs: %w", err)
	}
	nout, err := strconv.Atoi(args[1])
	if err != nil {
		return fmt.Errorf("outputs: %w", err)
	}
	// The partition argument is accepted for compatibility; the actual
	// partition size is derived from maxsize below.
	if _, err := strconv.Atoi(args[2]); err != nil {
		return fmt.Errorf("partition: %w", err)
	}
	size, err := strconv.Atoi(args[3])
	if err != nil {
		return fmt.Errorf("maxsize: %w", err)
	}
	density := 0.0
	if len(args) == 5 {
		density, err = strconv.ParseFloat(args[4], 64)
		if err != nil {
			return fmt.Errorf("density: %w", err)
		}
	}

	if nin < 1 || nout < 1 {
		return fmt.Errorf("channel counts out of range: %d in, %d out", nin, nout)
	}
	if size < 1 || size > maxConvolverSize {
		return fmt.Errorf("convolver size %d out of range", size)
	}
	if density < 0 || density > 1 {
		return fmt.Errorf("density %v out of range", density)
	}

	c.NumInputs = nin
	c.NumOutputs = nout
	c.MaxSize = size
	c.density = density

	fragment := maxQuantum
	for fragment > minPartition && fragment >= 2*size {
		fragment /= 2
	}
	c.Fragment = fragment
	return nil
}

func (c *FilterConfig) parseImpulseRead(args []string, dir string, sampleRate int) (impulse, error) {
	if len(args) < 8 {
		return impulse{}, errors.New("/impulse/read wants <in> <out> <gain> <delay> <offset> <length> <chan> <file>")
	}
	in, err := strconv.Atoi(args[0])
	if err != nil {
		return impulse{}, fmt.Errorf("input: %w", err)
	}
	out, err := strconv.Atoi(args[1])
	if err != nil {
		return impulse{}, fmt.Errorf("output: %w", err)
	}
	gain, err := strconv.ParseFloat(args[2], 64)
	if err != nil {
		return impulse{}, fmt.Errorf("gain: %w", err)
	}
	delay, err := strconv.Atoi(args[3])
	if err != nil {
		return impulse{}, fmt.Errorf("delay: %w", err)
	}
	offset, err := strconv.Atoi(args[4])
	if err != nil {
		return impulse{}, fmt.Errorf("offset: %w", err)
	}
	length, err := strconv.Atoi(args[5])
	if err != nil {
		return impulse{}, fmt.Errorf("length: %w", err)
	}
	irChan, err := strconv.Atoi(args[6])
	if err != nil {
		return impulse{}, fmt.Errorf("channel: %w", err)
	}
	// The file name may contain spaces; everything from the eighth field on
	// belongs to it.
	file := strings.Join(args[7:], " ")

	if in < 1 || in > c.NumInputs {
		return impulse{}, fmt.Errorf("input channel %d out of range [1,%d]", in, c.NumInputs)
	}
	if out < 1 || out > c.NumOutputs {
		return impulse{}, fmt.Errorf("output channel %d out of range [1,%d]", out, c.NumOutputs)
	}
	if delay < 0 || offset < 0 || length < 0 {
		return impulse{}, errors.New("delay, offset and length must not be negative")
	}
	if irChan < 1 {
		return impulse{}, fmt.Errorf("impulse channel %d out of range", irChan)
	}

	irPath := file
	if !filepath.IsAbs(irPath) {
		irPath = filepath.Join(dir, file)
	}
	kernel, err := loadImpulseChannel(irPath, sampleRate, irChan-1)
	if err != nil {
		return impulse{}, err
	}

	if offset > 0 {
		if offset >= len(kernel) {
			return impulse{}, fmt.Errorf("offset %d beyond impulse length %d", offset, len(kernel))
		}
		kernel = kernel[offset:]
	}
	if length > 0 && length < len(kernel) {
		kernel = kernel[:length]
	}
	if len(kernel) > c.MaxSize {
		kernel = kernel[:c.MaxSize]
	}
	if gain != 1.0 {
		for i := range kernel {
			kernel[i] *= gain
		}
	}
	if delay > 0 {
		kernel = append(make([]float64, delay), kernel...)
	}

	return impulse{in: in - 1, out: out - 1, kernel: kernel}, nil
}

// loadImpulseChannel reads one channel of a WAV impulse response and scales
// it to the [-1,1] range.
func loadImpulseChannel(path string, sampleRate, channel int) ([]float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open impulse response: %w", err)
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("decode impulse response %s: %w", path, err)
	}
	if int(dec.SampleRate) != sampleRate {
		return nil, fmt.Errorf("%s: %d Hz vs %d Hz: %w",
			path, dec.SampleRate, sampleRate, ErrSampleRateMismatch)
	}
	numChans := buf.Format.NumChannels
	if channel >= numChans {
		return nil, fmt.Errorf("impulse response %s has %d channels, channel %d requested",
			path, numChans, channel+1)
	}

	scale := 1.0 / math.Pow(2, float64(dec.BitDepth-1))
	frames := len(buf.Data) / numChans
	kernel := make([]float64, frames)
	for i := 0; i < frames; i++ {
		kernel[i] = float64(buf.Data[i*numChans+channel]) * scale
	}
	return kernel, nil
}

func parseErr(path string, lnum int, msg string) error {
	return fmt.Errorf("%s:%d: %s", path, lnum, msg)
}
