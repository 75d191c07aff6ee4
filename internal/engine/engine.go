package engine

import (
	"errors"
	"log/slog"
	"os"
	"sync/atomic"

	"github.com/maauso/convofs/internal/codec"
	"github.com/maauso/convofs/internal/dsp"
)

// ErrNotOpen is returned by StatByFilename when no handler is open for the
// path. Callers fall back to a direct stat of the underlying file.
var ErrNotOpen = errors.New("engine: path not open")

// defaultPoolSize is how many idle processors are kept per filter config.
const defaultPoolSize = 3

// Stats is a snapshot of engine activity.
type Stats struct {
	TotalOpens   int64
	TotalReopens int64
	Handlers     []HandlerStat
}

// Engine is the convolution engine behind the virtual filesystem: it
// creates per-open file handlers, deduplicates concurrent opens of the
// same path, and answers stats for paths that are currently open.
type Engine struct {
	configDir string
	logger    *slog.Logger
	cache     *HandlerCache
	pool      *dsp.Pool

	totalOpens   atomic.Int64
	totalReopens atomic.Int64
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger. Defaults to slog.Default.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithPoolSize sets how many idle sound processors are kept per filter
// config.
func WithPoolSize(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.pool = dsp.NewPool(n)
		}
	}
}

// New creates an engine reading filter configs from configDir.
func New(configDir string, opts ...Option) *Engine {
	e := &Engine{
		configDir: configDir,
		logger:    slog.Default(),
		cache:     NewHandlerCache(),
		pool:      dsp.NewPool(defaultPoolSize),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// CreateHandler opens the underlying file and returns a pinned handler for
// the virtual path: convolving when the file is decodable audio with a
// matching filter config, pass-through otherwise. Concurrent opens of the
// same path share one handler.
func (e *Engine) CreateHandler(fsPath, underlyingPath string) (FileHandler, error) {
	if handler := e.cache.FindAndPin(fsPath); handler != nil {
		e.totalReopens.Add(1)
		return handler, nil
	}

	f, err := os.Open(underlyingPath)
	if err != nil {
		return nil, err
	}
	e.totalOpens.Add(1)

	handler := e.newHandler(f, fsPath)
	winner := e.cache.InsertPinned(fsPath, handler)
	if winner != handler {
		// Lost a create race; the cached handler serves everyone.
		e.totalReopens.Add(1)
		if err := handler.Close(); err != nil {
			e.logger.Warn("closing raced handler", slog.Any("error", err))
		}
	}
	return winner, nil
}

// newHandler builds the most capable handler the file supports.
func (e *Engine) newHandler(f *os.File, fsPath string) FileHandler {
	handler, err := NewSndFileHandler(f, fsPath, e.configDir, e.pool, e.logger)
	if err == nil {
		return handler
	}
	switch {
	case errors.Is(err, codec.ErrNotSoundFile):
		e.logger.Debug("not a sound file, passing through", slog.String("path", fsPath))
	case errors.Is(err, ErrNoFilter):
		e.logger.Debug("no filter for format, passing through", slog.String("path", fsPath))
	default:
		e.logger.Warn("sound handler failed, passing through",
			slog.String("path", fsPath), slog.Any("error", err))
	}
	return NewPassThroughHandler(f)
}

// StatByFilename reports the dynamic stat of the handler open under
// fsPath, or ErrNotOpen.
func (e *Engine) StatByFilename(fsPath string) (FileInfo, error) {
	handler := e.cache.FindAndPin(fsPath)
	if handler == nil {
		return FileInfo{}, ErrNotOpen
	}
	defer e.cache.Unpin(fsPath)
	return handler.Stat()
}

// Close releases one reference on the handler open under fsPath. The last
// release closes the handler and frees its resources.
func (e *Engine) Close(fsPath string) error {
	return e.cache.Unpin(fsPath)
}

// Stats snapshots engine activity for the status page.
func (e *Engine) Stats() Stats {
	return Stats{
		TotalOpens:   e.totalOpens.Load(),
		TotalReopens: e.totalReopens.Load(),
		Handlers:     e.cache.Stats(),
	}
}
