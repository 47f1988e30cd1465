// Package objstore adapts flat key/value object stores to the storage-client
// primitives. Directories are zero-length marker objects whose key ends in
// "/". Open descriptors buffer the whole object and write it back on Sync,
// Close or Disconnect.
package objstore

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/donkomura/fsspec-chfs/pkg/client"
	"github.com/donkomura/fsspec-chfs/pkg/utils"
)

// ObjectInfo describes one stored object.
type ObjectInfo struct {
	Key   string
	Size  int64
	Mtime time.Time
}

// Store is the minimal object API a backend provides. Missing keys must be
// reported with an error matching fs.ErrNotExist.
type Store interface {
	Head(ctx context.Context, key string) (ObjectInfo, error)
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, data []byte) error
	Delete(ctx context.Context, key string) error
	// List returns the objects directly under prefix and the names of the
	// common sub-prefixes (without trailing "/").
	List(ctx context.Context, prefix string) (objects []ObjectInfo, prefixes []string, err error)
}

// Closer is implemented by stores owning resources released on Disconnect.
type Closer interface {
	Close() error
}

// ErrDisconnected is returned for any operation on a torn-down connection.
var ErrDisconnected = errors.New("objstore: connection is closed")

type handle struct {
	path  string
	key   string
	data  []byte
	off   int64
	flag  client.Flag
	dirty bool
}

// Conn implements client.Conn on top of a Store.
type Conn struct {
	store Store
	caps  client.Capabilities

	mu     sync.Mutex
	fds    map[client.FD]*handle
	closed bool

	logger *slog.Logger
}

// NewConn wraps store in a session.
func NewConn(store Store, caps client.Capabilities, logger *slog.Logger) *Conn {
	if logger == nil {
		logger = slog.Default()
	}
	return &Conn{
		store:  store,
		caps:   caps,
		fds:    make(map[client.FD]*handle),
		logger: logger.With("component", "objstore"),
	}
}

// key maps a normalized path to an object key.
func key(p string) string {
	return strings.TrimPrefix(p, "/")
}

func dirKey(p string) string {
	if p == utils.Root {
		return ""
	}
	return key(p) + "/"
}

func notExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}

func (c *Conn) check() error {
	if c.closed {
		return ErrDisconnected
	}
	return nil
}

// lookup classifies p as a file, a directory or absent.
func (c *Conn) lookup(ctx context.Context, p string) (client.Stat, bool, error) {
	if p == utils.Root {
		return client.Stat{Type: client.TypeDirectory}, true, nil
	}

	info, err := c.store.Head(ctx, key(p))
	if err == nil {
		return client.Stat{Type: client.TypeRegular, Size: info.Size, Mtime: info.Mtime}, true, nil
	}
	if !notExist(err) {
		return client.Stat{}, false, err
	}

	info, err = c.store.Head(ctx, dirKey(p))
	if err == nil {
		return client.Stat{Type: client.TypeDirectory, Mtime: info.Mtime}, true, nil
	}
	if !notExist(err) {
		return client.Stat{}, false, err
	}

	// Stores written by other tools may hold keys under a prefix with no marker.
	objects, prefixes, err := c.store.List(ctx, dirKey(p))
	if err != nil {
		return client.Stat{}, false, err
	}
	if len(objects) > 0 || len(prefixes) > 0 {
		return client.Stat{Type: client.TypeDirectory}, true, nil
	}
	return client.Stat{}, false, nil
}

func (c *Conn) requireParentDir(ctx context.Context, op, p string) error {
	st, ok, err := c.lookup(ctx, utils.ParentOf(p))
	if err != nil {
		return err
	}
	if !ok {
		return client.NewStatus(op, p, client.StatusNotFound)
	}
	if st.Type != client.TypeDirectory {
		return client.NewStatus(op, p, client.StatusNotDir)
	}
	return nil
}

// Capabilities implements client.Conn.
func (c *Conn) Capabilities() client.Capabilities {
	return c.caps
}

// Mkdir implements client.Client.
func (c *Conn) Mkdir(ctx context.Context, p string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.check(); err != nil {
		return err
	}

	if _, ok, err := c.lookup(ctx, p); err != nil {
		return err
	} else if ok {
		return client.NewStatus("mkdir", p, client.StatusExist)
	}
	if err := c.requireParentDir(ctx, "mkdir", p); err != nil {
		return err
	}
	return c.store.Put(ctx, dirKey(p), nil)
}

// Rmdir implements client.Client.
func (c *Conn) Rmdir(ctx context.Context, p string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.check(); err != nil {
		return err
	}
	if p == utils.Root {
		return client.NewStatus("rmdir", p, client.StatusPermission)
	}

	st, ok, err := c.lookup(ctx, p)
	if err != nil {
		return err
	}
	if !ok {
		return client.NewStatus("rmdir", p, client.StatusNotFound)
	}
	if st.Type != client.TypeDirectory {
		return client.NewStatus("rmdir", p, client.StatusNotDir)
	}

	objects, prefixes, err := c.store.List(ctx, dirKey(p))
	if err != nil {
		return err
	}
	if len(prefixes) > 0 {
		return client.NewStatus("rmdir", p, client.StatusNotEmpty)
	}
	for _, o := range objects {
		if o.Key != dirKey(p) {
			return client.NewStatus("rmdir", p, client.StatusNotEmpty)
		}
	}

	err = c.store.Delete(ctx, dirKey(p))
	if err != nil && !notExist(err) {
		return err
	}
	return nil
}

// Unlink implements client.Client.
func (c *Conn) Unlink(ctx context.Context, p string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.check(); err != nil {
		return err
	}

	st, ok, err := c.lookup(ctx, p)
	if err != nil {
		return err
	}
	if !ok {
		return client.NewStatus("unlink", p, client.StatusNotFound)
	}
	if st.Type == client.TypeDirectory {
		return client.NewStatus("unlink", p, client.StatusIsDir)
	}
	return c.store.Delete(ctx, key(p))
}

// Stat implements client.Client. Object stores have no links.
func (c *Conn) Stat(ctx context.Context, p string) (client.Stat, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.check(); err != nil {
		return client.Stat{}, err
	}

	st, ok, err := c.lookup(ctx, p)
	if err != nil {
		return client.Stat{}, err
	}
	if !ok {
		return client.Stat{}, client.NewStatus("stat", p, client.StatusNotFound)
	}
	return st, nil
}

// Readdir implements client.Client.
func (c *Conn) Readdir(ctx context.Context, p string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.check(); err != nil {
		return nil, err
	}

	st, ok, err := c.lookup(ctx, p)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, client.NewStatus("readdir", p, client.StatusNotFound)
	}
	if st.Type != client.TypeDirectory {
		return nil, client.NewStatus("readdir", p, client.StatusNotDir)
	}

	prefix := dirKey(p)
	objects, prefixes, err := c.store.List(ctx, prefix)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{}, len(objects)+len(prefixes))
	for _, o := range objects {
		name := strings.TrimPrefix(o.Key, prefix)
		if name == "" {
			continue
		}
		seen[name] = struct{}{}
	}
	for _, d := range prefixes {
		seen[d] = struct{}{}
	}

	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Open implements client.Client.
func (c *Conn) Open(ctx context.Context, p string, flag client.Flag) (client.FD, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.check(); err != nil {
		return 0, err
	}

	st, ok, err := c.lookup(ctx, p)
	if err != nil {
		return 0, err
	}

	h := &handle{path: p, key: key(p), flag: flag}
	switch {
	case !ok && !flag.Has(client.FlagCreate):
		return 0, client.NewStatus("open", p, client.StatusNotFound)
	case !ok:
		if err := c.requireParentDir(ctx, "open", p); err != nil {
			return 0, err
		}
		// Materialize immediately so the path is visible before Close.
		if err := c.store.Put(ctx, h.key, nil); err != nil {
			return 0, err
		}
	case flag.Has(client.FlagCreate | client.FlagExclusive):
		return 0, client.NewStatus("open", p, client.StatusExist)
	case st.Type == client.TypeDirectory:
		return 0, client.NewStatus("open", p, client.StatusIsDir)
	case flag.Has(client.FlagTruncate) && flag.Has(client.FlagWrite):
		h.dirty = true
	default:
		data, err := c.store.Get(ctx, h.key)
		if err != nil {
			return 0, err
		}
		h.data = data
	}

	fd := client.FirstFD
	for {
		if _, used := c.fds[fd]; !used {
			break
		}
		fd++
	}
	c.fds[fd] = h
	return fd, nil
}

func (c *Conn) handle(op string, fd client.FD) (*handle, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	h, ok := c.fds[fd]
	if !ok {
		return nil, client.NewStatus(op, "", client.StatusBadFD)
	}
	return h, nil
}

// Read implements client.Client.
func (c *Conn) Read(ctx context.Context, fd client.FD, p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	h, err := c.handle("read", fd)
	if err != nil {
		return 0, err
	}
	if !h.flag.Has(client.FlagRead) {
		return 0, client.NewStatus("read", h.path, client.StatusBadFD)
	}
	if h.off >= int64(len(h.data)) {
		return 0, io.EOF
	}
	n := copy(p, h.data[h.off:])
	h.off += int64(n)
	return n, nil
}

// Write implements client.Client.
func (c *Conn) Write(ctx context.Context, fd client.FD, p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	h, err := c.handle("write", fd)
	if err != nil {
		return 0, err
	}
	if !h.flag.Has(client.FlagWrite) {
		return 0, client.NewStatus("write", h.path, client.StatusBadFD)
	}

	end := h.off + int64(len(p))
	if end > int64(len(h.data)) {
		grown := make([]byte, end)
		copy(grown, h.data)
		h.data = grown
	}
	copy(h.data[h.off:end], p)
	h.off = end
	h.dirty = true
	return len(p), nil
}

// Seek implements client.Client.
func (c *Conn) Seek(ctx context.Context, fd client.FD, offset int64, whence int) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	h, err := c.handle("seek", fd)
	if err != nil {
		return 0, err
	}

	var base int64
	switch whence {
	case io.SeekStart:
	case io.SeekCurrent:
		base = h.off
	case io.SeekEnd:
		base = int64(len(h.data))
	default:
		return 0, client.NewStatus("seek", h.path, client.StatusInvalid)
	}
	if base+offset < 0 {
		return 0, client.NewStatus("seek", h.path, client.StatusInvalid)
	}
	h.off = base + offset
	return h.off, nil
}

// Truncate implements client.Client.
func (c *Conn) Truncate(ctx context.Context, fd client.FD, size int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	h, err := c.handle("truncate", fd)
	if err != nil {
		return err
	}
	if !h.flag.Has(client.FlagWrite) {
		return client.NewStatus("truncate", h.path, client.StatusBadFD)
	}
	if size < 0 {
		return client.NewStatus("truncate", h.path, client.StatusInvalid)
	}
	if size <= int64(len(h.data)) {
		h.data = h.data[:size:size]
	} else {
		grown := make([]byte, size)
		copy(grown, h.data)
		h.data = grown
	}
	h.dirty = true
	return nil
}

func (c *Conn) flush(ctx context.Context, h *handle) error {
	if !h.dirty {
		return nil
	}
	if err := c.store.Put(ctx, h.key, h.data); err != nil {
		return err
	}
	h.dirty = false
	return nil
}

// Sync implements client.Syncer.
func (c *Conn) Sync(ctx context.Context, fd client.FD) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	h, err := c.handle("sync", fd)
	if err != nil {
		return err
	}
	return c.flush(ctx, h)
}

// Close implements client.Client. The descriptor is released even when the
// write-back fails.
func (c *Conn) Close(ctx context.Context, fd client.FD) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	h, err := c.handle("close", fd)
	if err != nil {
		return err
	}
	delete(c.fds, fd)
	return c.flush(ctx, h)
}

// Disconnect writes back and releases every open descriptor, then closes the
// store if it owns resources. It is idempotent.
func (c *Conn) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	var errs []error
	for fd, h := range c.fds {
		if err := c.flush(ctx, h); err != nil {
			c.logger.Warn("failed to flush descriptor on disconnect", "fd", fd, "path", h.path, "error", err)
			errs = append(errs, err)
		}
	}
	c.fds = nil

	if closer, ok := c.store.(Closer); ok {
		if err := closer.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// OpenDescriptors returns the number of open descriptors.
func (c *Conn) OpenDescriptors() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.fds)
}

var (
	_ client.Conn   = (*Conn)(nil)
	_ client.Syncer = (*Conn)(nil)
)
