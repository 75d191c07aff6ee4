package engine

import (
	"io/fs"
	"os"
	"time"
)

// FileInfo is the stat subset handlers report. Size may grow over a
// handler's lifetime, never shrink.
type FileInfo struct {
	Size    int64
	Mode    fs.FileMode
	ModTime time.Time
}

// FileHandler serves one open virtual file: positional reads, stat with a
// possibly dynamic size, and a final close that releases all resources.
// Implementations are safe for concurrent reads.
type FileHandler interface {
	// ReadAt reads into p from byte offset off. It returns the number of
	// bytes read; at end of file it returns 0, io.EOF.
	ReadAt(p []byte, off int64) (int, error)
	// Stat reports the handler's current view of the file.
	Stat() (FileInfo, error)
	// Close releases the handler's resources.
	Close() error
}

// fileInfoFromOS converts an os stat result.
func fileInfoFromOS(fi os.FileInfo) FileInfo {
	return FileInfo{
		Size:    fi.Size(),
		Mode:    fi.Mode(),
		ModTime: fi.ModTime(),
	}
}

// Compile-time check that PassThroughHandler implements FileHandler.
var _ FileHandler = (*PassThroughHandler)(nil)

// PassThroughHandler serves the underlying file's bytes unchanged. It is
// used for everything that is not a sound file with a configured filter.
type PassThroughHandler struct {
	file *os.File
}

// NewPassThroughHandler wraps an open descriptor. The handler takes
// ownership and closes it on Close.
func NewPassThroughHandler(f *os.File) *PassThroughHandler {
	return &PassThroughHandler{file: f}
}

// ReadAt delegates to a positional read on the descriptor.
func (h *PassThroughHandler) ReadAt(p []byte, off int64) (int, error) {
	return h.file.ReadAt(p, off)
}

// Stat delegates to the descriptor.
func (h *PassThroughHandler) Stat() (FileInfo, error) {
	fi, err := h.file.Stat()
	if err != nil {
		return FileInfo{}, err
	}
	return fileInfoFromOS(fi), nil
}

// Close closes the descriptor.
func (h *PassThroughHandler) Close() error {
	return h.file.Close()
}
