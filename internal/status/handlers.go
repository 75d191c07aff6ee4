package status

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"

	"github.com/maauso/convofs/internal/engine"
)

// Handlers contains the HTTP handlers for the status endpoint.
type Handlers struct {
	engine *engine.Engine
	logger *slog.Logger
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(eng *engine.Engine, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		engine: eng,
		logger: logger,
	}
}

// Health handles GET /health requests.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

// Status handles GET /status requests with a snapshot of the open
// handlers.
func (h *Handlers) Status(w http.ResponseWriter, r *http.Request) {
	stats := h.engine.Stats()

	handlers := make([]HandlerInfo, 0, len(stats.Handlers))
	for _, hs := range stats.Handlers {
		handlers = append(handlers, HandlerInfo{
			Path:        hs.Path,
			References:  hs.References,
			PassThrough: hs.PassThrough,
			Progress:    hs.Progress,
		})
	}
	sort.Slice(handlers, func(i, j int) bool {
		return handlers[i].Path < handlers[j].Path
	})

	writeJSON(w, http.StatusOK, StatusResponse{
		TotalOpens:   stats.TotalOpens,
		TotalReopens: stats.TotalReopens,
		Handlers:     handlers,
	})
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode JSON response", slog.String("error", err.Error()))
	}
}

// writeError writes an error response in the standard format.
func writeError(w http.ResponseWriter, status int, message, code string) {
	writeJSON(w, status, ErrorResponse{
		Error: message,
		Code:  code,
	})
}
