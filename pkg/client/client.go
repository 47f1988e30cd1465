// Package client defines the storage-client boundary: the primitive
// namespace and descriptor operations every backend provides, and the
// native status codes backends report. The adapter composes everything it
// exposes from these primitives.
package client

import (
	"context"
	"fmt"
	"os"
	"time"
)

// FD is a server-side file descriptor.
type FD int

// FirstFD is the lowest descriptor a backend hands out; 0-2 are reserved.
const FirstFD FD = 3

// Flag controls how a descriptor is opened.
type Flag int

const (
	FlagRead Flag = 1 << iota
	FlagWrite
	FlagCreate
	FlagTruncate
	FlagExclusive

	FlagReadWrite = FlagRead | FlagWrite
)

// Has reports whether all bits of other are set.
func (f Flag) Has(other Flag) bool {
	return f&other == other
}

// FromOS converts os.O_* flags into client flags.
func FromOS(flag int) Flag {
	var f Flag
	switch flag & (os.O_RDONLY | os.O_WRONLY | os.O_RDWR) {
	case os.O_WRONLY:
		f = FlagWrite
	case os.O_RDWR:
		f = FlagReadWrite
	default:
		f = FlagRead
	}
	if flag&os.O_CREATE != 0 {
		f |= FlagCreate
	}
	if flag&os.O_TRUNC != 0 {
		f |= FlagTruncate
	}
	if flag&os.O_EXCL != 0 {
		f |= FlagExclusive
	}
	return f
}

// FileType is the type discriminant reported by Stat.
type FileType int

const (
	TypeRegular FileType = iota
	TypeDirectory
	TypeSymlink
)

// String returns the name used in adapter info results.
func (t FileType) String() string {
	switch t {
	case TypeRegular:
		return "file"
	case TypeDirectory:
		return "directory"
	case TypeSymlink:
		return "symlink"
	default:
		return "unknown"
	}
}

// Stat describes one namespace entry. Stat follows symlinks: Type is the
// target's type and IsLink is set. A dangling link reports TypeSymlink.
type Stat struct {
	Type   FileType
	Size   int64
	Mtime  time.Time
	IsLink bool
}

// Client is the set of primitives a storage backend provides.
type Client interface {
	// Mkdir creates exactly one directory level. The parent must exist.
	Mkdir(ctx context.Context, path string) error
	Rmdir(ctx context.Context, path string) error
	Unlink(ctx context.Context, path string) error
	Stat(ctx context.Context, path string) (Stat, error)

	// Readdir returns child names in lexicographic order.
	Readdir(ctx context.Context, path string) ([]string, error)

	Open(ctx context.Context, path string, flag Flag) (FD, error)
	// Read returns io.EOF once the descriptor's offset is at end of object.
	Read(ctx context.Context, fd FD, p []byte) (int, error)
	Write(ctx context.Context, fd FD, p []byte) (int, error)
	Seek(ctx context.Context, fd FD, offset int64, whence int) (int64, error)
	Truncate(ctx context.Context, fd FD, size int64) error
	Close(ctx context.Context, fd FD) error
}

// Linker is implemented by backends that support symbolic links.
type Linker interface {
	Symlink(ctx context.Context, target, path string) error
}

// Syncer is implemented by backends that buffer descriptor writes.
type Syncer interface {
	Sync(ctx context.Context, fd FD) error
}

// Capabilities describes backend limits the session layer enforces.
type Capabilities struct {
	// MaxCreateDepth bounds how many missing directory levels one recursive
	// mkdir may create. Zero means unlimited.
	MaxCreateDepth int
}

// Conn is an established session with a storage service.
type Conn interface {
	Client
	Capabilities() Capabilities
	// Disconnect releases every server-side resource tied to the session.
	Disconnect(ctx context.Context) error
}

// Connector establishes sessions.
type Connector interface {
	Connect(ctx context.Context) (Conn, error)
}

// ConnectorFunc adapts a function to Connector.
type ConnectorFunc func(ctx context.Context) (Conn, error)

// Connect calls f(ctx).
func (f ConnectorFunc) Connect(ctx context.Context) (Conn, error) {
	return f(ctx)
}

// Status is a backend-native status code.
type Status int

const (
	StatusOK Status = iota
	StatusNotFound
	StatusExist
	StatusNotEmpty
	StatusNotDir
	StatusIsDir
	StatusBadFD
	StatusUnsupported
	StatusPermission
	StatusInvalid
	StatusIO
)

var statusNames = map[Status]string{
	StatusOK:          "ok",
	StatusNotFound:    "no such file or directory",
	StatusExist:       "file exists",
	StatusNotEmpty:    "directory not empty",
	StatusNotDir:      "not a directory",
	StatusIsDir:       "is a directory",
	StatusBadFD:       "bad file descriptor",
	StatusUnsupported: "operation not supported",
	StatusPermission:  "permission denied",
	StatusInvalid:     "invalid argument",
	StatusIO:          "input/output error",
}

// String returns the status text.
func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// StatusError is returned by backends for namespace and descriptor failures.
// Errors that are not StatusErrors are treated as transport failures.
type StatusError struct {
	Op     string
	Path   string
	Status Status
}

// Error implements the error interface.
func (e *StatusError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Status)
	}
	return fmt.Sprintf("%s %s: %s", e.Op, e.Path, e.Status)
}

// NewStatus builds a StatusError.
func NewStatus(op, path string, status Status) *StatusError {
	return &StatusError{Op: op, Path: path, Status: status}
}
