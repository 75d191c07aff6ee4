// Package fusefs mounts the convolution engine as a read-only FUSE
// filesystem mirroring a source directory. Every kernel request is
// translated into a handler call on the engine; files are served with
// direct IO because a convolving handler's size report grows while the
// file is being read.
package fusefs

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"syscall"
	"time"

	gofuse "github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/maauso/convofs/internal/engine"
)

// Options configures the FUSE mount.
type Options struct {
	// Mountpoint is the directory where the filesystem is mounted.
	Mountpoint string

	// SourceDir is the directory whose files are served, convolved where a
	// filter applies.
	SourceDir string

	// Engine creates and serves the per-open file handlers.
	Engine *engine.Engine

	// AllowOther permits other users to access the mount. Requires
	// user_allow_other in /etc/fuse.conf.
	AllowOther bool

	// Logger receives diagnostic messages. If nil, errors are logged as text
	// to standard error.
	Logger *slog.Logger
}

// Mount mounts the filesystem at the configured mountpoint. The caller
// must call Unmount on the returned server when done.
func Mount(options Options) (*fuse.Server, error) {
	if options.Mountpoint == "" {
		return nil, fmt.Errorf("mountpoint is required")
	}
	if options.SourceDir == "" {
		return nil, fmt.Errorf("source directory is required")
	}
	if options.Engine == nil {
		return nil, fmt.Errorf("engine is required")
	}
	if options.Logger == nil {
		options.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelError,
		}))
	}

	root := &dirNode{options: &options}

	entryTimeout := 1 * time.Second
	negativeTimeout := 100 * time.Millisecond
	// Attributes are not cacheable: an open convolving file grows.
	attrTimeout := 0 * time.Second

	server, err := gofuse.Mount(options.Mountpoint, root, &gofuse.Options{
		EntryTimeout:    &entryTimeout,
		AttrTimeout:     &attrTimeout,
		NegativeTimeout: &negativeTimeout,
		MountOptions: fuse.MountOptions{
			FsName:     options.SourceDir,
			Name:       "convofs",
			AllowOther: options.AllowOther,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("mounting FUSE filesystem at %s: %w", options.Mountpoint, err)
	}

	options.Logger.Info("filesystem mounted",
		slog.String("mountpoint", options.Mountpoint),
		slog.String("source", options.SourceDir))
	return server, nil
}

// dirNode mirrors one directory of the source tree.
type dirNode struct {
	gofuse.Inode
	options *Options
	relPath string
}

var _ gofuse.InodeEmbedder = (*dirNode)(nil)
var _ gofuse.NodeLookuper = (*dirNode)(nil)
var _ gofuse.NodeReaddirer = (*dirNode)(nil)

func (d *dirNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	rel := filepath.Join(d.relPath, name)
	underlying := filepath.Join(d.options.SourceDir, rel)

	st, err := os.Stat(underlying)
	if err != nil {
		return nil, gofuse.ToErrno(err)
	}

	if st.IsDir() {
		child := d.NewInode(ctx, &dirNode{options: d.options, relPath: rel},
			gofuse.StableAttr{Mode: syscall.S_IFDIR})
		fillAttr(&out.Attr, engineFileInfo(st))
		out.Attr.Mode = syscall.S_IFDIR | uint32(st.Mode().Perm())
		return child, 0
	}

	child := d.NewInode(ctx, &fileNode{options: d.options, relPath: rel},
		gofuse.StableAttr{Mode: syscall.S_IFREG})
	d.fillFileAttr(&out.Attr, rel, st)
	return child, 0
}

func (d *dirNode) Readdir(ctx context.Context) (gofuse.DirStream, syscall.Errno) {
	entries, err := os.ReadDir(filepath.Join(d.options.SourceDir, d.relPath))
	if err != nil {
		return nil, gofuse.ToErrno(err)
	}
	list := make([]fuse.DirEntry, 0, len(entries))
	for _, entry := range entries {
		mode := uint32(syscall.S_IFREG)
		if entry.IsDir() {
			mode = syscall.S_IFDIR
		}
		list = append(list, fuse.DirEntry{Name: entry.Name(), Mode: mode})
	}
	return gofuse.NewListDirStream(list), 0
}

// fillFileAttr reports the engine's dynamic view for open files, the
// underlying stat otherwise.
func (d *dirNode) fillFileAttr(attr *fuse.Attr, rel string, st os.FileInfo) {
	fsPath := fsPathOf(rel)
	if fi, err := d.options.Engine.StatByFilename(fsPath); err == nil {
		fillAttr(attr, fi)
		attr.Mode = syscall.S_IFREG | uint32(st.Mode().Perm())
		return
	}
	fillAttr(attr, engineFileInfo(st))
	attr.Mode = syscall.S_IFREG | uint32(st.Mode().Perm())
}

// fileNode is one regular file of the source tree.
type fileNode struct {
	gofuse.Inode
	options *Options
	relPath string
}

var _ gofuse.InodeEmbedder = (*fileNode)(nil)
var _ gofuse.NodeOpener = (*fileNode)(nil)
var _ gofuse.NodeGetattrer = (*fileNode)(nil)

func (f *fileNode) Getattr(ctx context.Context, fh gofuse.FileHandle, out *fuse.AttrOut) syscall.Errno {
	underlying := filepath.Join(f.options.SourceDir, f.relPath)
	st, err := os.Stat(underlying)
	if err != nil {
		return gofuse.ToErrno(err)
	}
	fsPath := fsPathOf(f.relPath)
	if fi, statErr := f.options.Engine.StatByFilename(fsPath); statErr == nil {
		fillAttr(&out.Attr, fi)
	} else {
		fillAttr(&out.Attr, engineFileInfo(st))
	}
	out.Attr.Mode = syscall.S_IFREG | uint32(st.Mode().Perm())
	return 0
}

func (f *fileNode) Open(ctx context.Context, flags uint32) (gofuse.FileHandle, uint32, syscall.Errno) {
	if flags&(syscall.O_WRONLY|syscall.O_RDWR) != 0 {
		return nil, 0, syscall.EROFS
	}

	fsPath := fsPathOf(f.relPath)
	underlying := filepath.Join(f.options.SourceDir, f.relPath)
	handler, err := f.options.Engine.CreateHandler(fsPath, underlying)
	if err != nil {
		f.options.Logger.Warn("open failed",
			slog.String("path", fsPath), slog.Any("error", err))
		return nil, 0, gofuse.ToErrno(err)
	}

	fh := &fileHandle{
		engine:  f.options.Engine,
		handler: handler,
		fsPath:  fsPath,
	}
	// Direct IO: the kernel must not serve reads from the page cache while
	// the reported size is still moving.
	return fh, fuse.FOPEN_DIRECT_IO, 0
}

// fileHandle is one open of a file, backed by an engine handler.
type fileHandle struct {
	engine  *engine.Engine
	handler engine.FileHandler
	fsPath  string
}

var _ gofuse.FileReader = (*fileHandle)(nil)
var _ gofuse.FileGetattrer = (*fileHandle)(nil)
var _ gofuse.FileReleaser = (*fileHandle)(nil)

func (fh *fileHandle) Read(ctx context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	n, err := fh.handler.ReadAt(dest, off)
	if err != nil && n == 0 && err != io.EOF {
		return nil, gofuse.ToErrno(err)
	}
	return fuse.ReadResultData(dest[:n]), 0
}

func (fh *fileHandle) Getattr(ctx context.Context, out *fuse.AttrOut) syscall.Errno {
	fi, err := fh.handler.Stat()
	if err != nil {
		return gofuse.ToErrno(err)
	}
	fillAttr(&out.Attr, fi)
	return 0
}

func (fh *fileHandle) Release(ctx context.Context) syscall.Errno {
	if err := fh.engine.Close(fh.fsPath); err != nil {
		return gofuse.ToErrno(err)
	}
	return 0
}

// fsPathOf turns a relative path into the engine's virtual path key.
func fsPathOf(rel string) string {
	return "/" + filepath.ToSlash(rel)
}

func engineFileInfo(st os.FileInfo) engine.FileInfo {
	return engine.FileInfo{
		Size:    st.Size(),
		Mode:    st.Mode(),
		ModTime: st.ModTime(),
	}
}

func fillAttr(attr *fuse.Attr, fi engine.FileInfo) {
	attr.Size = uint64(fi.Size)
	mtime := fi.ModTime
	attr.SetTimes(nil, &mtime, &mtime)
}
