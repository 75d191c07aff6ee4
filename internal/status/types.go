// Package status provides the HTTP status endpoint of the convolution
// filesystem. It exposes health and a JSON snapshot of the open handlers;
// DTOs are separated from the engine's own types.
package status

// HealthResponse is the HTTP response for the health check endpoint.
type HealthResponse struct {
	// Status is the health status of the service.
	Status string `json:"status"`
}

// HandlerInfo describes one currently open virtual file.
type HandlerInfo struct {
	// Path is the virtual path of the open file.
	Path string `json:"path"`
	// References is the number of concurrent opens sharing the handler.
	References int `json:"references"`
	// PassThrough is true when the file is served unmodified.
	PassThrough bool `json:"pass_through"`
	// Progress is the fraction of input frames convolved so far (0-1).
	Progress float64 `json:"progress"`
}

// StatusResponse is the HTTP response for the status endpoint.
type StatusResponse struct {
	// TotalOpens counts underlying files opened since start.
	TotalOpens int64 `json:"total_opens"`
	// TotalReopens counts opens served from an already-open handler.
	TotalReopens int64 `json:"total_reopens"`
	// Handlers lists the currently open virtual files.
	Handlers []HandlerInfo `json:"handlers"`
}

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	// Error is the human-readable error message.
	Error string `json:"error"`
	// Code is the error code for programmatic handling.
	Code string `json:"code"`
}
