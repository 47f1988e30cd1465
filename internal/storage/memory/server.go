// Package memory implements an in-process storage server that speaks the
// storage-client primitives directly. It backs the chfs_stub scheme and is
// the reference backend in tests.
package memory

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/donkomura/fsspec-chfs/pkg/client"
	"github.com/donkomura/fsspec-chfs/pkg/utils"
)

const maxSymlinkHops = 40

// ErrDisconnected is returned for any operation on a torn-down connection.
var ErrDisconnected = errors.New("memory: connection is closed")

type node struct {
	typ    client.FileType
	data   []byte
	mtime  time.Time
	target string
}

// Server is a thread-safe in-memory namespace. Every node is keyed by its
// normalized absolute path; "/" always exists.
//
// Thread Safety:
// A single RWMutex protects the namespace and every connection's descriptor
// table. Data is copied on read and write so callers never alias server
// memory.
type Server struct {
	mu    sync.RWMutex
	nodes map[string]*node
	caps  client.Capabilities

	connectErr error
	connects   int
	live       map[*conn]struct{}

	logger *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithMaxCreateDepth sets the advertised recursive-creation limit.
func WithMaxCreateDepth(n int) Option {
	return func(s *Server) { s.caps.MaxCreateDepth = n }
}

// WithConnectError makes every Connect fail with err.
func WithConnectError(err error) Option {
	return func(s *Server) { s.connectErr = err }
}

// NewServer creates an empty server containing only the root directory.
func NewServer(opts ...Option) *Server {
	s := &Server{
		nodes:  map[string]*node{utils.Root: {typ: client.TypeDirectory, mtime: time.Now()}},
		live:   make(map[*conn]struct{}),
		logger: slog.Default().With("component", "memory-server"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Connect implements client.Connector. Sessions report the server's own
// capabilities.
func (s *Server) Connect(ctx context.Context) (client.Conn, error) {
	return s.connect(ctx, s.caps)
}

// Endpoint is a connector to a shared Server whose sessions advertise their
// own capabilities, so configurations that differ only in limits can share
// one namespace.
type Endpoint struct {
	server *Server
	caps   client.Capabilities
}

// Endpoint returns a connector to s advertising caps.
func (s *Server) Endpoint(caps client.Capabilities) *Endpoint {
	return &Endpoint{server: s, caps: caps}
}

// Connect implements client.Connector.
func (e *Endpoint) Connect(ctx context.Context) (client.Conn, error) {
	return e.server.connect(ctx, e.caps)
}

// Server returns the namespace the endpoint connects to.
func (e *Endpoint) Server() *Server { return e.server }

func (s *Server) connect(ctx context.Context, caps client.Capabilities) (client.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.connectErr != nil {
		return nil, s.connectErr
	}
	s.connects++
	c := &conn{server: s, caps: caps, fds: make(map[client.FD]*openFile)}
	s.live[c] = struct{}{}
	s.logger.Debug("session connected", "connects", s.connects)
	return c, nil
}

// SetConnectError changes the error returned by subsequent Connects.
func (s *Server) SetConnectError(err error) {
	s.mu.Lock()
	s.connectErr = err
	s.mu.Unlock()
}

// Connects returns how many sessions were ever established.
func (s *Server) Connects() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connects
}

// LiveSessions returns the number of sessions not yet disconnected.
func (s *Server) LiveSessions() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.live)
}

// OpenDescriptors returns the number of descriptors open across all sessions.
func (s *Server) OpenDescriptors() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for c := range s.live {
		n += len(c.fds)
	}
	return n
}

// resolve walks p component by component, following symlinks in every
// intermediate component and, if followLast is set, in the final one.
// Caller holds s.mu.
func (s *Server) resolve(p string, followLast bool) (string, error) {
	return s.resolveHops(p, followLast, 0)
}

func (s *Server) resolveHops(p string, followLast bool, hops int) (string, error) {
	if p == utils.Root {
		return p, nil
	}
	segs := strings.Split(strings.TrimPrefix(p, "/"), "/")
	cur := utils.Root
	for i, seg := range segs {
		next := utils.Join(cur, seg)
		last := i == len(segs)-1
		n, ok := s.nodes[next]
		if !ok {
			if last {
				return next, nil
			}
			return "", client.NewStatus("lookup", p, client.StatusNotFound)
		}
		if n.typ == client.TypeSymlink && (!last || followLast) {
			if hops >= maxSymlinkHops {
				return "", client.NewStatus("lookup", p, client.StatusInvalid)
			}
			rest := n.target
			for _, r := range segs[i+1:] {
				rest = utils.Join(rest, r)
			}
			return s.resolveHops(rest, followLast, hops+1)
		}
		if !last && n.typ != client.TypeDirectory {
			return "", client.NewStatus("lookup", p, client.StatusNotDir)
		}
		cur = next
	}
	return cur, nil
}

// parentDir checks that the parent of resolved path p is a directory.
// Caller holds s.mu.
func (s *Server) parentDir(op, p string) error {
	parent, ok := s.nodes[utils.ParentOf(p)]
	if !ok {
		return client.NewStatus(op, p, client.StatusNotFound)
	}
	if parent.typ != client.TypeDirectory {
		return client.NewStatus(op, p, client.StatusNotDir)
	}
	return nil
}

func (s *Server) hasChildren(dir string) bool {
	prefix := dir + "/"
	if dir == utils.Root {
		prefix = dir
	}
	for k := range s.nodes {
		if k != dir && strings.HasPrefix(k, prefix) {
			return true
		}
	}
	return false
}

func (s *Server) children(dir string) []string {
	var names []string
	for k := range s.nodes {
		if k != utils.Root && k != dir && utils.ParentOf(k) == dir {
			names = append(names, utils.Base(k))
		}
	}
	sort.Strings(names)
	return names
}

// openFile is one entry in a connection's descriptor table.
type openFile struct {
	path string
	node *node
	off  int64
	flag client.Flag
}

// conn is one session. Descriptors are private to the session that opened
// them and are released when it disconnects.
type conn struct {
	server *Server
	caps   client.Capabilities
	fds    map[client.FD]*openFile
	closed bool
}

func (c *conn) check() error {
	if c.closed {
		return ErrDisconnected
	}
	return nil
}

// Capabilities implements client.Conn.
func (c *conn) Capabilities() client.Capabilities {
	return c.caps
}

// Disconnect implements client.Conn. It is idempotent.
func (c *conn) Disconnect(ctx context.Context) error {
	s := c.server
	s.mu.Lock()
	defer s.mu.Unlock()

	if c.closed {
		return nil
	}
	if len(c.fds) > 0 {
		s.logger.Debug("releasing descriptors on disconnect", "count", len(c.fds))
	}
	c.fds = make(map[client.FD]*openFile)
	c.closed = true
	delete(s.live, c)
	return nil
}

func (c *conn) Mkdir(ctx context.Context, p string) error {
	s := c.server
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := c.check(); err != nil {
		return err
	}

	rp, err := s.resolve(p, false)
	if err != nil {
		return err
	}
	if _, ok := s.nodes[rp]; ok {
		return client.NewStatus("mkdir", p, client.StatusExist)
	}
	if err := s.parentDir("mkdir", rp); err != nil {
		return err
	}
	s.nodes[rp] = &node{typ: client.TypeDirectory, mtime: time.Now()}
	return nil
}

func (c *conn) Rmdir(ctx context.Context, p string) error {
	s := c.server
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := c.check(); err != nil {
		return err
	}

	rp, err := s.resolve(p, false)
	if err != nil {
		return err
	}
	if rp == utils.Root {
		return client.NewStatus("rmdir", p, client.StatusPermission)
	}
	n, ok := s.nodes[rp]
	if !ok {
		return client.NewStatus("rmdir", p, client.StatusNotFound)
	}
	if n.typ != client.TypeDirectory {
		return client.NewStatus("rmdir", p, client.StatusNotDir)
	}
	if s.hasChildren(rp) {
		return client.NewStatus("rmdir", p, client.StatusNotEmpty)
	}
	delete(s.nodes, rp)
	return nil
}

func (c *conn) Unlink(ctx context.Context, p string) error {
	s := c.server
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := c.check(); err != nil {
		return err
	}

	rp, err := s.resolve(p, false)
	if err != nil {
		return err
	}
	n, ok := s.nodes[rp]
	if !ok {
		return client.NewStatus("unlink", p, client.StatusNotFound)
	}
	if n.typ == client.TypeDirectory {
		return client.NewStatus("unlink", p, client.StatusIsDir)
	}
	delete(s.nodes, rp)
	return nil
}

func (c *conn) Stat(ctx context.Context, p string) (client.Stat, error) {
	s := c.server
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := c.check(); err != nil {
		return client.Stat{}, err
	}

	rp, err := s.resolve(p, false)
	if err != nil {
		return client.Stat{}, err
	}
	n, ok := s.nodes[rp]
	if !ok {
		return client.Stat{}, client.NewStatus("stat", p, client.StatusNotFound)
	}
	if n.typ != client.TypeSymlink {
		return client.Stat{Type: n.typ, Size: int64(len(n.data)), Mtime: n.mtime}, nil
	}

	target, err := s.resolve(rp, true)
	if err == nil {
		if tn, ok := s.nodes[target]; ok {
			return client.Stat{Type: tn.typ, Size: int64(len(tn.data)), Mtime: tn.mtime, IsLink: true}, nil
		}
	}
	return client.Stat{Type: client.TypeSymlink, Mtime: n.mtime, IsLink: true}, nil
}

func (c *conn) Readdir(ctx context.Context, p string) ([]string, error) {
	s := c.server
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := c.check(); err != nil {
		return nil, err
	}

	rp, err := s.resolve(p, true)
	if err != nil {
		return nil, err
	}
	n, ok := s.nodes[rp]
	if !ok {
		return nil, client.NewStatus("readdir", p, client.StatusNotFound)
	}
	if n.typ != client.TypeDirectory {
		return nil, client.NewStatus("readdir", p, client.StatusNotDir)
	}
	return s.children(rp), nil
}

// Symlink implements client.Linker. target must be a normalized absolute path.
func (c *conn) Symlink(ctx context.Context, target, p string) error {
	s := c.server
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := c.check(); err != nil {
		return err
	}

	rp, err := s.resolve(p, false)
	if err != nil {
		return err
	}
	if _, ok := s.nodes[rp]; ok {
		return client.NewStatus("symlink", p, client.StatusExist)
	}
	if err := s.parentDir("symlink", rp); err != nil {
		return err
	}
	s.nodes[rp] = &node{typ: client.TypeSymlink, target: target, mtime: time.Now()}
	return nil
}

func (c *conn) Open(ctx context.Context, p string, flag client.Flag) (client.FD, error) {
	s := c.server
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := c.check(); err != nil {
		return 0, err
	}

	rp, err := s.resolve(p, true)
	if err != nil {
		return 0, err
	}

	n, ok := s.nodes[rp]
	switch {
	case !ok && !flag.Has(client.FlagCreate):
		return 0, client.NewStatus("open", p, client.StatusNotFound)
	case !ok:
		if err := s.parentDir("open", rp); err != nil {
			return 0, err
		}
		n = &node{typ: client.TypeRegular, mtime: time.Now()}
		s.nodes[rp] = n
	case flag.Has(client.FlagCreate | client.FlagExclusive):
		return 0, client.NewStatus("open", p, client.StatusExist)
	case n.typ == client.TypeDirectory:
		return 0, client.NewStatus("open", p, client.StatusIsDir)
	case n.typ == client.TypeSymlink:
		return 0, client.NewStatus("open", p, client.StatusNotFound)
	}

	if flag.Has(client.FlagTruncate) && flag.Has(client.FlagWrite) {
		n.data = nil
		n.mtime = time.Now()
	}

	fd := client.FirstFD
	for {
		if _, used := c.fds[fd]; !used {
			break
		}
		fd++
	}
	c.fds[fd] = &openFile{path: rp, node: n, flag: flag}
	return fd, nil
}

func (c *conn) file(op string, fd client.FD) (*openFile, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	f, ok := c.fds[fd]
	if !ok {
		return nil, client.NewStatus(op, "", client.StatusBadFD)
	}
	return f, nil
}

func (c *conn) Read(ctx context.Context, fd client.FD, p []byte) (int, error) {
	s := c.server
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := c.file("read", fd)
	if err != nil {
		return 0, err
	}
	if !f.flag.Has(client.FlagRead) {
		return 0, client.NewStatus("read", f.path, client.StatusBadFD)
	}
	if f.off >= int64(len(f.node.data)) {
		return 0, io.EOF
	}
	n := copy(p, f.node.data[f.off:])
	f.off += int64(n)
	return n, nil
}

func (c *conn) Write(ctx context.Context, fd client.FD, p []byte) (int, error) {
	s := c.server
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := c.file("write", fd)
	if err != nil {
		return 0, err
	}
	if !f.flag.Has(client.FlagWrite) {
		return 0, client.NewStatus("write", f.path, client.StatusBadFD)
	}

	end := f.off + int64(len(p))
	if end > int64(len(f.node.data)) {
		grown := make([]byte, end)
		copy(grown, f.node.data)
		f.node.data = grown
	}
	copy(f.node.data[f.off:end], p)
	f.off = end
	f.node.mtime = time.Now()
	return len(p), nil
}

func (c *conn) Seek(ctx context.Context, fd client.FD, offset int64, whence int) (int64, error) {
	s := c.server
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := c.file("seek", fd)
	if err != nil {
		return 0, err
	}

	var base int64
	switch whence {
	case io.SeekStart:
	case io.SeekCurrent:
		base = f.off
	case io.SeekEnd:
		base = int64(len(f.node.data))
	default:
		return 0, client.NewStatus("seek", f.path, client.StatusInvalid)
	}
	if base+offset < 0 {
		return 0, client.NewStatus("seek", f.path, client.StatusInvalid)
	}
	f.off = base + offset
	return f.off, nil
}

func (c *conn) Truncate(ctx context.Context, fd client.FD, size int64) error {
	s := c.server
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := c.file("truncate", fd)
	if err != nil {
		return err
	}
	if !f.flag.Has(client.FlagWrite) {
		return client.NewStatus("truncate", f.path, client.StatusBadFD)
	}
	if size < 0 {
		return client.NewStatus("truncate", f.path, client.StatusInvalid)
	}
	if size <= int64(len(f.node.data)) {
		f.node.data = f.node.data[:size:size]
	} else {
		grown := make([]byte, size)
		copy(grown, f.node.data)
		f.node.data = grown
	}
	f.node.mtime = time.Now()
	return nil
}

func (c *conn) Close(ctx context.Context, fd client.FD) error {
	s := c.server
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := c.file("close", fd); err != nil {
		return err
	}
	delete(c.fds, fd)
	return nil
}

var (
	_ client.Connector = (*Server)(nil)
	_ client.Conn      = (*conn)(nil)
	_ client.Linker    = (*conn)(nil)
)
