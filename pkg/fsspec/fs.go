// Package fsspec exposes a CHFS storage session through a generic,
// path-based filesystem protocol: namespace queries and updates, whole-object
// reads and writes (single and batched) and handle-based incremental I/O.
//
// Paths may carry a scheme prefix ("chfs://a/b"); every path is normalized
// before use and results are reported as rooted paths ("/a/b").
package fsspec

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/donkomura/fsspec-chfs/internal/session"
	"github.com/donkomura/fsspec-chfs/pkg/client"
	"github.com/donkomura/fsspec-chfs/pkg/errors"
	"github.com/donkomura/fsspec-chfs/pkg/payload"
	"github.com/donkomura/fsspec-chfs/pkg/utils"
)

// Info describes one path.
type Info struct {
	Name   string    `json:"name" yaml:"name"`
	Type   string    `json:"type" yaml:"type"`
	Size   int64     `json:"size" yaml:"size"`
	Mtime  time.Time `json:"mtime" yaml:"mtime"`
	IsLink bool      `json:"islink" yaml:"islink"`
}

// Info type values.
const (
	TypeFile      = "file"
	TypeDirectory = "directory"
	TypeSymlink   = "symlink"
)

// IsDir reports whether the path is a directory (or a link to one).
func (i Info) IsDir() bool { return i.Type == TypeDirectory }

// Recorder observes completed filesystem operations.
type Recorder interface {
	RecordOperation(operation string, duration time.Duration, size int64, err error)
}

// Options configures a FileSystem.
type Options struct {
	// MaxConcurrency bounds parallel calls in batched operations.
	MaxConcurrency int

	// Recorder, if set, receives one record per operation.
	Recorder Recorder

	Logger *slog.Logger
}

// DefaultMaxConcurrency is used when Options.MaxConcurrency is unset.
const DefaultMaxConcurrency = 16

// FileSystem is the adapter between the filesystem protocol and a storage
// session. It is safe for concurrent use; the Files it opens are not.
type FileSystem struct {
	scheme  string
	handle  *session.Handle
	opts    Options
	logger  *slog.Logger
	release sync.Once
}

// New wraps handle. The FileSystem owns one reference on handle, dropped by
// Close.
func New(scheme string, handle *session.Handle, opts Options) *FileSystem {
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = DefaultMaxConcurrency
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &FileSystem{
		scheme: scheme,
		handle: handle,
		opts:   opts,
		logger: opts.Logger.With("component", "fsspec", "scheme", scheme, "session_id", handle.ID()),
	}
}

// Scheme returns the protocol name the filesystem is registered under.
func (fs *FileSystem) Scheme() string { return fs.scheme }

// Session returns the underlying session handle.
func (fs *FileSystem) Session() *session.Handle { return fs.handle }

// Connect forces session establishment ahead of the first operation.
func (fs *FileSystem) Connect(ctx context.Context) error {
	return fs.handle.Connect(ctx)
}

// Close drops the filesystem's reference on its session. The session is
// torn down when no other filesystem shares it. Close is idempotent.
func (fs *FileSystem) Close(ctx context.Context) error {
	var err error
	fs.release.Do(func() {
		err = fs.handle.Release(ctx)
	})
	return err
}

func (fs *FileSystem) record(op string, d time.Duration, size int64, err error) {
	if fs.opts.Recorder != nil {
		fs.opts.Recorder.RecordOperation(op, d, size, err)
	}
}

// observe records op when the enclosing function returns.
func (fs *FileSystem) observe(op string, start time.Time, size *int64, err *error) {
	var n int64
	if size != nil {
		n = *size
	}
	fs.record(op, time.Since(start), n, *err)
}

func resolve(op, raw string) (string, error) {
	p, err := utils.Resolve(raw)
	if err != nil {
		return "", errors.Wrap(err, errors.ErrCodePathInvalid, "invalid path").WithOperation(op)
	}
	return p, nil
}

func notFound(err error) bool {
	return errors.IsCode(err, errors.ErrCodeNotFound)
}

func toInfo(p string, st client.Stat) Info {
	return Info{
		Name:   p,
		Type:   st.Type.String(),
		Size:   st.Size,
		Mtime:  st.Mtime,
		IsLink: st.IsLink,
	}
}

// Info describes path. It fails NotFound when path is absent.
func (fs *FileSystem) Info(ctx context.Context, path string) (info Info, err error) {
	defer fs.observe("info", time.Now(), nil, &err)

	p, err := resolve("info", path)
	if err != nil {
		return Info{}, err
	}
	st, err := fs.handle.Stat(ctx, p)
	if err != nil {
		return Info{}, err
	}
	return toInfo(p, st), nil
}

// Exists reports whether path names anything. Only NotFound maps to false;
// other failures are returned.
func (fs *FileSystem) Exists(ctx context.Context, path string) (bool, error) {
	_, err := fs.Info(ctx, path)
	switch {
	case err == nil:
		return true, nil
	case notFound(err):
		return false, nil
	default:
		return false, err
	}
}

// IsFile reports whether path is a regular file (or a link to one).
func (fs *FileSystem) IsFile(ctx context.Context, path string) (bool, error) {
	info, err := fs.Info(ctx, path)
	if notFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return info.Type == TypeFile, nil
}

// IsDir reports whether path is a directory (or a link to one).
func (fs *FileSystem) IsDir(ctx context.Context, path string) (bool, error) {
	info, err := fs.Info(ctx, path)
	if notFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return info.IsDir(), nil
}

// Ls describes the children of a directory, sorted by name. For a file it
// describes the file itself.
func (fs *FileSystem) Ls(ctx context.Context, path string) (infos []Info, err error) {
	defer fs.observe("ls", time.Now(), nil, &err)

	p, err := resolve("ls", path)
	if err != nil {
		return nil, err
	}
	st, err := fs.handle.Stat(ctx, p)
	if err != nil {
		return nil, err
	}
	if st.Type != client.TypeDirectory {
		return []Info{toInfo(p, st)}, nil
	}

	names, err := fs.handle.Readdir(ctx, p)
	if err != nil {
		return nil, err
	}
	infos = make([]Info, 0, len(names))
	for _, name := range names {
		child := utils.Join(p, name)
		cst, err := fs.handle.Stat(ctx, child)
		if notFound(err) {
			// Removed between readdir and stat.
			continue
		}
		if err != nil {
			return nil, err
		}
		infos = append(infos, toInfo(child, cst))
	}
	return infos, nil
}

// Mkdir creates a directory. Without createParents a missing parent fails
// MissingParent; an existing path fails AlreadyExists.
func (fs *FileSystem) Mkdir(ctx context.Context, path string, createParents bool) (err error) {
	defer fs.observe("mkdir", time.Now(), nil, &err)

	p, err := resolve("mkdir", path)
	if err != nil {
		return err
	}
	return fs.handle.Mkdir(ctx, p, createParents)
}

// Mkdirs creates a directory and any missing parents. With existOK an
// existing directory is not an error.
func (fs *FileSystem) Mkdirs(ctx context.Context, path string, existOK bool) (err error) {
	defer fs.observe("mkdirs", time.Now(), nil, &err)

	p, err := resolve("mkdirs", path)
	if err != nil {
		return err
	}
	err = fs.handle.Mkdir(ctx, p, true)
	if existOK && errors.IsCode(err, errors.ErrCodeAlreadyExists) {
		st, serr := fs.handle.Stat(ctx, p)
		if serr == nil && st.Type == client.TypeDirectory {
			return nil
		}
	}
	return err
}

// Rm removes path. A directory is removed only when empty unless recursive
// is set, in which case its subtree is removed bottom-up. Links are removed,
// never followed. The root is never removed.
func (fs *FileSystem) Rm(ctx context.Context, path string, recursive bool) (err error) {
	defer fs.observe("rm", time.Now(), nil, &err)

	p, err := resolve("rm", path)
	if err != nil {
		return err
	}
	if p == utils.Root {
		return errors.NewError(errors.ErrCodePermissionDenied, "cannot remove the root directory").
			WithOperation("rm").WithPath(p)
	}
	return fs.remove(ctx, p, recursive)
}

func (fs *FileSystem) remove(ctx context.Context, p string, recursive bool) error {
	st, err := fs.handle.Stat(ctx, p)
	if err != nil {
		return err
	}
	if st.IsLink || st.Type != client.TypeDirectory {
		return fs.handle.Unlink(ctx, p)
	}
	if recursive {
		names, err := fs.handle.Readdir(ctx, p)
		if err != nil {
			return err
		}
		for _, name := range names {
			if err := fs.remove(ctx, utils.Join(p, name), true); err != nil && !notFound(err) {
				return err
			}
		}
	}
	return fs.handle.Rmdir(ctx, p)
}

// RmMany removes every path, in parallel. Failures are reported per path in
// a *BatchError.
func (fs *FileSystem) RmMany(ctx context.Context, paths []string, recursive bool) error {
	return runBatch(ctx, "rm", paths, fs.opts.MaxConcurrency, func(ctx context.Context, path string) error {
		return fs.Rm(ctx, path, recursive)
	})
}

// Touch creates an empty file when path is absent and leaves an existing
// file untouched.
func (fs *FileSystem) Touch(ctx context.Context, path string) (err error) {
	defer fs.observe("touch", time.Now(), nil, &err)

	p, err := resolve("touch", path)
	if err != nil {
		return err
	}
	fd, err := fs.handle.Open(ctx, p, client.FlagWrite|client.FlagCreate)
	if err != nil {
		return err
	}
	return fs.handle.Close(ctx, fd)
}

// Cat returns the whole contents of path.
func (fs *FileSystem) Cat(ctx context.Context, path string) (data []byte, err error) {
	var n int64
	defer fs.observe("cat", time.Now(), &n, &err)

	p, err := resolve("cat", path)
	if err != nil {
		return nil, err
	}
	f, err := openFile(ctx, fs, p, ModeRead)
	if err != nil {
		return nil, err
	}
	data, err = f.ReadAll()
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, err
	}
	if data == nil {
		data = []byte{}
	}
	n = int64(len(data))
	return data, nil
}

// CatMany reads every path in parallel. The result is keyed by the paths as
// given and holds every successful read even when others fail; failures are
// reported in a *BatchError.
func (fs *FileSystem) CatMany(ctx context.Context, paths []string) (map[string][]byte, error) {
	var mu sync.Mutex
	out := make(map[string][]byte, len(paths))

	err := runBatch(ctx, "cat", paths, fs.opts.MaxConcurrency, func(ctx context.Context, path string) error {
		data, err := fs.Cat(ctx, path)
		if err != nil {
			return err
		}
		mu.Lock()
		out[path] = data
		mu.Unlock()
		return nil
	})
	return out, err
}

// Pipe replaces the contents of path with data. The payload is validated
// before anything is sent; an invalid payload fails InvalidPayloadType with
// no I/O.
func (fs *FileSystem) Pipe(ctx context.Context, path string, data payload.Payload) error {
	b, err := payload.Normalize(data)
	if err != nil {
		var fe *errors.FSError
		if errors.As(err, &fe) {
			fe.WithPath(path).WithOperation("pipe")
		}
		return err
	}
	return fs.pipeBytes(ctx, path, b)
}

// PipeFile is Pipe for a single path.
func (fs *FileSystem) PipeFile(ctx context.Context, path string, data payload.Payload) error {
	return fs.Pipe(ctx, path, data)
}

// PipeMany writes many paths. Every payload is validated before any path is
// written: one invalid payload fails the whole call with no I/O. Write
// failures are then reported per path in a *BatchError.
func (fs *FileSystem) PipeMany(ctx context.Context, data map[string]payload.Payload) error {
	normalized, err := payload.NormalizeAll(data)
	if err != nil {
		return err
	}

	paths := make([]string, 0, len(normalized))
	for p := range normalized {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	return runBatch(ctx, "pipe", paths, fs.opts.MaxConcurrency, func(ctx context.Context, path string) error {
		return fs.pipeBytes(ctx, path, normalized[path])
	})
}

func (fs *FileSystem) pipeBytes(ctx context.Context, path string, b []byte) (err error) {
	n := int64(len(b))
	defer fs.observe("pipe", time.Now(), &n, &err)

	p, err := resolve("pipe", path)
	if err != nil {
		return err
	}
	f, err := openFile(ctx, fs, p, ModeWrite|ModeCreate|ModeTruncate)
	if err != nil {
		return err
	}
	_, err = f.Write(b)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return err
}

// Open opens path for reading and writing, creating it when absent.
func (fs *FileSystem) Open(ctx context.Context, path string) (*File, error) {
	return fs.OpenFile(ctx, path, ModeDefault)
}

// OpenFile opens path with mode.
func (fs *FileSystem) OpenFile(ctx context.Context, path string, mode Mode) (f *File, err error) {
	defer fs.observe("open", time.Now(), nil, &err)

	p, err := resolve("open", path)
	if err != nil {
		return nil, err
	}
	return openFile(ctx, fs, p, mode)
}

// WithFile opens path, passes the file to fn and closes it on every exit
// path, including a panic in fn. A close failure is returned when fn
// succeeded.
func (fs *FileSystem) WithFile(ctx context.Context, path string, mode Mode, fn func(*File) error) (err error) {
	f, err := fs.OpenFile(ctx, path, mode)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()
	return fn(f)
}

// Find returns every file under dir, recursively, as rooted paths in
// lexicographic order. Directories are excluded and links to directories
// are not descended into. An absent dir yields an empty result; a file
// yields itself.
func (fs *FileSystem) Find(ctx context.Context, dir string) (files []string, err error) {
	defer fs.observe("find", time.Now(), nil, &err)

	p, err := resolve("find", dir)
	if err != nil {
		return nil, err
	}
	st, err := fs.handle.Stat(ctx, p)
	if notFound(err) {
		return []string{}, nil
	}
	if err != nil {
		return nil, err
	}
	if st.Type != client.TypeDirectory {
		return []string{p}, nil
	}

	files = []string{}
	if err := fs.walk(ctx, p, &files); err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

func (fs *FileSystem) walk(ctx context.Context, dir string, files *[]string) error {
	names, err := fs.handle.Readdir(ctx, dir)
	if err != nil {
		return err
	}
	for _, name := range names {
		child := utils.Join(dir, name)
		st, err := fs.handle.Stat(ctx, child)
		if notFound(err) {
			continue
		}
		if err != nil {
			return err
		}
		switch {
		case st.Type != client.TypeDirectory:
			*files = append(*files, child)
		case !st.IsLink:
			if err := fs.walk(ctx, child, files); err != nil {
				return err
			}
		}
	}
	return nil
}
