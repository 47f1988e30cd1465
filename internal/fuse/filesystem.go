package fuse

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/donkomura/fsspec-chfs/pkg/errors"
	"github.com/donkomura/fsspec-chfs/pkg/fsspec"
	"github.com/donkomura/fsspec-chfs/pkg/utils"
)

// safeInt64ToUint64 safely converts int64 to uint64, preventing negative values
func safeInt64ToUint64(i int64) uint64 {
	if i < 0 {
		return 0
	}
	return uint64(i)
}

// safeIntToUint32 safely converts int to uint32, preventing overflow
func safeIntToUint32(i int) uint32 {
	if i < 0 {
		return 0
	}
	if i > 0xFFFFFFFF {
		return 0xFFFFFFFF
	}
	return uint32(i)
}

// FileSystem exposes an fsspec filesystem as a FUSE node tree.
type FileSystem struct {
	adapter *fsspec.FileSystem
	config  *Config
	logger  *slog.Logger

	// ctx scopes descriptors opened through the mount. Kernel requests
	// outlive the per-request context of the open call.
	ctx context.Context

	stats *Stats
}

// Config represents FUSE node configuration
type Config struct {
	ReadOnly bool   `yaml:"read_only"`
	UID      uint32 `yaml:"uid"`
	GID      uint32 `yaml:"gid"`
	FileMode uint32 `yaml:"file_mode"`
	DirMode  uint32 `yaml:"dir_mode"`
}

// Stats tracks filesystem operation statistics
type Stats struct {
	mu sync.RWMutex

	Lookups      int64 `json:"lookups"`
	Opens        int64 `json:"opens"`
	Reads        int64 `json:"reads"`
	Writes       int64 `json:"writes"`
	Creates      int64 `json:"creates"`
	Deletes      int64 `json:"deletes"`
	BytesRead    int64 `json:"bytes_read"`
	BytesWritten int64 `json:"bytes_written"`
	Errors       int64 `json:"errors"`
}

// NewFileSystem creates a node tree over adapter.
func NewFileSystem(adapter *fsspec.FileSystem, config *Config) *FileSystem {
	if config == nil {
		config = &Config{}
	}
	if config.FileMode == 0 {
		config.FileMode = 0644
	}
	if config.DirMode == 0 {
		config.DirMode = 0755
	}

	logger := slog.Default().With("component", "fuse")
	if adapter != nil {
		logger = logger.With("scheme", adapter.Scheme())
	}
	return &FileSystem{
		adapter: adapter,
		config:  config,
		logger:  logger,
		ctx:     context.Background(),
		stats:   &Stats{},
	}
}

// Root returns the root inode
func (f *FileSystem) Root() fs.InodeEmbedder {
	return &Node{fsys: f, path: utils.Root}
}

// GetStats returns a snapshot of the operation counters.
func (f *FileSystem) GetStats() *Stats {
	f.stats.mu.RLock()
	defer f.stats.mu.RUnlock()

	return &Stats{
		Lookups:      f.stats.Lookups,
		Opens:        f.stats.Opens,
		Reads:        f.stats.Reads,
		Writes:       f.stats.Writes,
		Creates:      f.stats.Creates,
		Deletes:      f.stats.Deletes,
		BytesRead:    f.stats.BytesRead,
		BytesWritten: f.stats.BytesWritten,
		Errors:       f.stats.Errors,
	}
}

func (f *FileSystem) count(fn func(s *Stats)) {
	f.stats.mu.Lock()
	fn(f.stats)
	f.stats.mu.Unlock()
}

// fail logs err and converts it to an errno.
func (f *FileSystem) fail(op, path string, err error) syscall.Errno {
	errno := toErrno(err)
	f.count(func(s *Stats) { s.Errors++ })
	if errno == syscall.EIO {
		f.logger.Warn("fuse operation failed", "operation", op, "path", path, "error", err)
	} else {
		f.logger.Debug("fuse operation failed", "operation", op, "path", path, "error", err)
	}
	return errno
}

var errnos = map[errors.ErrorCode]syscall.Errno{
	errors.ErrCodeNotFound:             syscall.ENOENT,
	errors.ErrCodeMissingParent:        syscall.ENOENT,
	errors.ErrCodeAlreadyExists:        syscall.EEXIST,
	errors.ErrCodeDirectoryNotEmpty:    syscall.ENOTEMPTY,
	errors.ErrCodeNotDirectory:         syscall.ENOTDIR,
	errors.ErrCodeIsDirectory:          syscall.EISDIR,
	errors.ErrCodePermissionDenied:     syscall.EACCES,
	errors.ErrCodeUnsupportedOperation: syscall.ENOTSUP,
	errors.ErrCodeInvalidArgument:      syscall.EINVAL,
	errors.ErrCodePathInvalid:          syscall.EINVAL,
	errors.ErrCodeHandleClosed:         syscall.EBADF,
}

func toErrno(err error) syscall.Errno {
	if err == nil {
		return fs.OK
	}
	if errno, ok := errnos[errors.GetCode(err)]; ok {
		return errno
	}
	return syscall.EIO
}

func (f *FileSystem) fillAttr(info fsspec.Info, out *fuse.Attr) {
	out.Mode = modeOf(info)
	if info.IsDir() {
		out.Mode |= f.config.DirMode
		out.Nlink = 2
	} else {
		out.Mode |= f.config.FileMode
		out.Nlink = 1
	}
	out.Size = safeInt64ToUint64(info.Size)
	out.Blocks = (out.Size + 511) / 512
	out.Uid = f.config.UID
	out.Gid = f.config.GID

	mtime := safeInt64ToUint64(info.Mtime.Unix())
	nsec := safeIntToUint32(info.Mtime.Nanosecond())
	out.Mtime, out.Mtimensec = mtime, nsec
	out.Atime, out.Atimensec = mtime, nsec
	out.Ctime, out.Ctimensec = mtime, nsec
}

func modeOf(info fsspec.Info) uint32 {
	switch info.Type {
	case fsspec.TypeDirectory:
		return fuse.S_IFDIR
	case fsspec.TypeSymlink:
		return fuse.S_IFLNK
	default:
		return fuse.S_IFREG
	}
}

// openMode maps open(2) flags to an fsspec mode. O_CREAT is handled by
// Create.
func openMode(flags uint32) fsspec.Mode {
	var m fsspec.Mode
	switch int(flags) & syscall.O_ACCMODE {
	case syscall.O_WRONLY:
		m = fsspec.ModeWrite
	case syscall.O_RDWR:
		m = fsspec.ModeRead | fsspec.ModeWrite
	default:
		m = fsspec.ModeRead
	}
	if int(flags)&syscall.O_TRUNC != 0 && m.Has(fsspec.ModeWrite) {
		m |= fsspec.ModeTruncate
	}
	if int(flags)&syscall.O_APPEND != 0 && m.Has(fsspec.ModeWrite) {
		m |= fsspec.ModeAppend
	}
	return m
}

// Node is one path in the mounted tree.
type Node struct {
	fs.Inode
	fsys *FileSystem
	path string
}

var (
	_ fs.NodeLookuper  = (*Node)(nil)
	_ fs.NodeGetattrer = (*Node)(nil)
	_ fs.NodeSetattrer = (*Node)(nil)
	_ fs.NodeReaddirer = (*Node)(nil)
	_ fs.NodeMkdirer   = (*Node)(nil)
	_ fs.NodeRmdirer   = (*Node)(nil)
	_ fs.NodeUnlinker  = (*Node)(nil)
	_ fs.NodeCreater   = (*Node)(nil)
	_ fs.NodeOpener    = (*Node)(nil)
)

func (n *Node) child(name string) string {
	return utils.Join(n.path, name)
}

func (n *Node) newChild(ctx context.Context, p string, info fsspec.Info) *fs.Inode {
	return n.NewInode(ctx, &Node{fsys: n.fsys, path: p}, fs.StableAttr{Mode: modeOf(info)})
}

// Lookup looks up a child node by name
func (n *Node) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	n.fsys.count(func(s *Stats) { s.Lookups++ })

	p := n.child(name)
	info, err := n.fsys.adapter.Info(ctx, p)
	if err != nil {
		return nil, n.fsys.fail("lookup", p, err)
	}
	n.fsys.fillAttr(info, &out.Attr)
	return n.newChild(ctx, p, info), fs.OK
}

// Getattr gets node attributes
func (n *Node) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	info, err := n.fsys.adapter.Info(ctx, n.path)
	if err != nil {
		return n.fsys.fail("getattr", n.path, err)
	}
	n.fsys.fillAttr(info, &out.Attr)
	return fs.OK
}

// Setattr supports size changes only; other attributes are accepted and
// ignored.
func (n *Node) Setattr(ctx context.Context, fh fs.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	if size, ok := in.GetSize(); ok {
		if n.fsys.config.ReadOnly {
			return syscall.EROFS
		}
		if h, isHandle := fh.(*handle); isHandle {
			if errno := h.truncate(int64(size)); errno != fs.OK {
				return errno
			}
		} else {
			err := n.fsys.adapter.WithFile(n.fsys.ctx, n.path, fsspec.ModeWrite, func(f *fsspec.File) error {
				return f.Truncate(int64(size))
			})
			if err != nil {
				return n.fsys.fail("setattr", n.path, err)
			}
		}
	}
	return n.Getattr(ctx, fh, out)
}

// Readdir reads directory contents
func (n *Node) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	infos, err := n.fsys.adapter.Ls(ctx, n.path)
	if err != nil {
		return nil, n.fsys.fail("readdir", n.path, err)
	}

	entries := make([]fuse.DirEntry, 0, len(infos))
	for _, info := range infos {
		entries = append(entries, fuse.DirEntry{
			Name: utils.Base(info.Name),
			Mode: modeOf(info),
		})
	}
	return fs.NewListDirStream(entries), fs.OK
}

// Mkdir creates a new directory
func (n *Node) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	if n.fsys.config.ReadOnly {
		return nil, syscall.EROFS
	}

	p := n.child(name)
	if err := n.fsys.adapter.Mkdir(ctx, p, false); err != nil {
		return nil, n.fsys.fail("mkdir", p, err)
	}
	info, err := n.fsys.adapter.Info(ctx, p)
	if err != nil {
		return nil, n.fsys.fail("mkdir", p, err)
	}
	n.fsys.fillAttr(info, &out.Attr)
	return n.newChild(ctx, p, info), fs.OK
}

// Rmdir removes an empty directory
func (n *Node) Rmdir(ctx context.Context, name string) syscall.Errno {
	if n.fsys.config.ReadOnly {
		return syscall.EROFS
	}

	p := n.child(name)
	info, err := n.fsys.adapter.Info(ctx, p)
	if err != nil {
		return n.fsys.fail("rmdir", p, err)
	}
	if !info.IsDir() || info.IsLink {
		return syscall.ENOTDIR
	}
	if err := n.fsys.adapter.Rm(ctx, p, false); err != nil {
		return n.fsys.fail("rmdir", p, err)
	}
	n.fsys.count(func(s *Stats) { s.Deletes++ })
	return fs.OK
}

// Unlink removes a file
func (n *Node) Unlink(ctx context.Context, name string) syscall.Errno {
	if n.fsys.config.ReadOnly {
		return syscall.EROFS
	}

	p := n.child(name)
	info, err := n.fsys.adapter.Info(ctx, p)
	if err != nil {
		return n.fsys.fail("unlink", p, err)
	}
	if info.IsDir() && !info.IsLink {
		return syscall.EISDIR
	}
	if err := n.fsys.adapter.Rm(ctx, p, false); err != nil {
		return n.fsys.fail("unlink", p, err)
	}
	n.fsys.count(func(s *Stats) { s.Deletes++ })
	return fs.OK
}

// Create creates and opens a new file
func (n *Node) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (*fs.Inode, fs.FileHandle, uint32, syscall.Errno) {
	if n.fsys.config.ReadOnly {
		return nil, nil, 0, syscall.EROFS
	}

	p := n.child(name)
	m := openMode(flags) | fsspec.ModeCreate
	if int(flags)&syscall.O_EXCL != 0 {
		m |= fsspec.ModeExclusive
	}
	if !m.Has(fsspec.ModeWrite) {
		m |= fsspec.ModeWrite
	}

	f, err := n.fsys.adapter.OpenFile(n.fsys.ctx, p, m)
	if err != nil {
		return nil, nil, 0, n.fsys.fail("create", p, err)
	}
	info, err := n.fsys.adapter.Info(ctx, p)
	if err != nil {
		_ = f.Close()
		return nil, nil, 0, n.fsys.fail("create", p, err)
	}

	n.fsys.count(func(s *Stats) { s.Creates++; s.Opens++ })
	n.fsys.fillAttr(info, &out.Attr)
	return n.newChild(ctx, p, info), &handle{fsys: n.fsys, file: f}, 0, fs.OK
}

// Open opens the node's file
func (n *Node) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	m := openMode(flags)
	if n.fsys.config.ReadOnly && m.Has(fsspec.ModeWrite) {
		return nil, 0, syscall.EROFS
	}

	f, err := n.fsys.adapter.OpenFile(n.fsys.ctx, n.path, m)
	if err != nil {
		return nil, 0, n.fsys.fail("open", n.path, err)
	}
	n.fsys.count(func(s *Stats) { s.Opens++ })
	return &handle{fsys: n.fsys, file: f}, 0, fs.OK
}

// handle is an open file. The kernel may issue concurrent requests on one
// handle, so every call is serialized.
type handle struct {
	mu   sync.Mutex
	fsys *FileSystem
	file *fsspec.File
}

var (
	_ fs.FileReader   = (*handle)(nil)
	_ fs.FileWriter   = (*handle)(nil)
	_ fs.FileFlusher  = (*handle)(nil)
	_ fs.FileReleaser = (*handle)(nil)
	_ fs.FileFsyncer  = (*handle)(nil)
)

// Read reads data at off
func (h *handle) Read(ctx context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	h.mu.Lock()
	defer h.mu.Unlock()

	n, err := h.file.ReadAt(dest, off)
	if err != nil && err != io.EOF {
		return nil, h.fsys.fail("read", h.file.Name(), err)
	}
	h.fsys.count(func(s *Stats) { s.Reads++; s.BytesRead += int64(n) })
	return fuse.ReadResultData(dest[:n]), fs.OK
}

// Write writes data at off
func (h *handle) Write(ctx context.Context, data []byte, off int64) (uint32, syscall.Errno) {
	if h.fsys.config.ReadOnly {
		return 0, syscall.EROFS
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.file.Mode().Has(fsspec.ModeAppend) {
		if _, err := h.file.Seek(off, io.SeekStart); err != nil {
			return 0, h.fsys.fail("write", h.file.Name(), err)
		}
	}
	n, err := h.file.Write(data)
	if err != nil {
		return safeIntToUint32(n), h.fsys.fail("write", h.file.Name(), err)
	}
	h.fsys.count(func(s *Stats) { s.Writes++; s.BytesWritten += int64(n) })
	return safeIntToUint32(n), fs.OK
}

func (h *handle) truncate(size int64) syscall.Errno {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.file.Truncate(size); err != nil {
		return h.fsys.fail("truncate", h.file.Name(), err)
	}
	return fs.OK
}

// Flush pushes pending writes to storage
func (h *handle) Flush(ctx context.Context) syscall.Errno {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.file.Closed() {
		return fs.OK
	}
	if err := h.file.Flush(); err != nil {
		return h.fsys.fail("flush", h.file.Name(), err)
	}
	return fs.OK
}

// Fsync is Flush
func (h *handle) Fsync(ctx context.Context, flags uint32) syscall.Errno {
	return h.Flush(ctx)
}

// Release closes the descriptor
func (h *handle) Release(ctx context.Context) syscall.Errno {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.file.Close(); err != nil {
		return h.fsys.fail("release", h.file.Name(), err)
	}
	return fs.OK
}
