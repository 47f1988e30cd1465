package fsspec

import (
	"context"
	"io"
	"strings"
	"time"

	"github.com/donkomura/fsspec-chfs/internal/session"
	"github.com/donkomura/fsspec-chfs/pkg/client"
	"github.com/donkomura/fsspec-chfs/pkg/errors"
	"github.com/donkomura/fsspec-chfs/pkg/payload"
)

// Mode selects how a file is opened.
type Mode int

const (
	ModeRead Mode = 1 << iota
	ModeWrite
	ModeCreate
	ModeTruncate
	ModeAppend
	ModeExclusive
)

// ModeDefault is the mode used by Open: read and write, creating the file
// when it is absent and keeping existing contents.
const ModeDefault = ModeRead | ModeWrite | ModeCreate

// Has reports whether every bit of other is set.
func (m Mode) Has(other Mode) bool {
	return m&other == other
}

// String returns the fsspec-style mode string.
func (m Mode) String() string {
	var base string
	switch {
	case m.Has(ModeAppend):
		base = "a"
	case m.Has(ModeExclusive):
		base = "x"
	case m.Has(ModeTruncate):
		base = "w"
	default:
		base = "r"
	}
	plus := ""
	if base == "r" && m.Has(ModeWrite) || base != "r" && m.Has(ModeRead) {
		plus = "+"
	}
	return base + plus + "b"
}

// ParseMode parses fsspec-style binary mode strings such as "rb", "wb",
// "ab", "xb" and their "+" forms. The empty string selects ModeDefault.
func ParseMode(s string) (Mode, error) {
	if s == "" {
		return ModeDefault, nil
	}
	if strings.Contains(s, "t") {
		return 0, errors.Newf(errors.ErrCodeUnsupportedOperation, "text mode %q is not supported", s)
	}

	norm := strings.ReplaceAll(s, "b", "")
	plus := strings.HasSuffix(norm, "+")
	norm = strings.TrimSuffix(norm, "+")

	var m Mode
	switch norm {
	case "r":
		m = ModeRead
		if plus {
			m |= ModeWrite
		}
	case "w":
		m = ModeWrite | ModeCreate | ModeTruncate
	case "a":
		m = ModeWrite | ModeCreate | ModeAppend
	case "x":
		m = ModeWrite | ModeCreate | ModeExclusive
	default:
		return 0, errors.Newf(errors.ErrCodeInvalidArgument, "invalid mode %q", s)
	}
	if plus && norm != "r" {
		m |= ModeRead
	}
	return m, nil
}

func (m Mode) flags() client.Flag {
	var f client.Flag
	if m.Has(ModeRead) {
		f |= client.FlagRead
	}
	if m.Has(ModeWrite) {
		f |= client.FlagWrite
	}
	if m.Has(ModeCreate) {
		f |= client.FlagCreate
	}
	if m.Has(ModeTruncate) {
		f |= client.FlagTruncate
	}
	if m.Has(ModeExclusive) {
		f |= client.FlagExclusive
	}
	return f
}

// File is one open remote file. It tracks its own cursor and is not safe
// for concurrent use.
//
// The context given at open time is used for every call on the file, the
// way a net.Conn carries its deadline.
type File struct {
	ctx    context.Context
	fs     *FileSystem
	handle *session.Handle
	path   string
	fd     client.FD
	mode   Mode

	pos    int64
	dirty  bool
	closed bool
}

func openFile(ctx context.Context, fs *FileSystem, p string, mode Mode) (*File, error) {
	if !mode.Has(ModeRead) && !mode.Has(ModeWrite) {
		return nil, errors.NewError(errors.ErrCodeInvalidArgument, "mode must allow reading or writing").WithPath(p)
	}

	fd, err := fs.handle.Open(ctx, p, mode.flags())
	if err != nil {
		return nil, err
	}

	f := &File{ctx: ctx, fs: fs, handle: fs.handle, path: p, fd: fd, mode: mode}
	if mode.Has(ModeAppend) {
		pos, err := fs.handle.Seek(ctx, fd, 0, io.SeekEnd)
		if err != nil {
			_ = fs.handle.Close(ctx, fd)
			return nil, err
		}
		f.pos = pos
	}
	return f, nil
}

func (f *File) fail(op string, code errors.ErrorCode, msg string) error {
	return errors.NewError(code, msg).WithComponent("file").WithOperation(op).WithPath(f.path)
}

func (f *File) checkRead(op string) error {
	if f.closed {
		return f.fail(op, errors.ErrCodeHandleClosed, "file is closed")
	}
	if !f.mode.Has(ModeRead) {
		return f.fail(op, errors.ErrCodeUnsupportedOperation, "file not open for reading")
	}
	return nil
}

func (f *File) checkWrite(op string) error {
	if f.closed {
		return f.fail(op, errors.ErrCodeHandleClosed, "file is closed")
	}
	if !f.mode.Has(ModeWrite) {
		return f.fail(op, errors.ErrCodeUnsupportedOperation, "file not open for writing")
	}
	return nil
}

// Name returns the normalized path the file was opened with.
func (f *File) Name() string { return f.path }

// Mode returns the open mode.
func (f *File) Mode() Mode { return f.mode }

// Tell returns the cursor position.
func (f *File) Tell() int64 { return f.pos }

// Dirty reports whether data was written since the last Flush.
func (f *File) Dirty() bool { return f.dirty }

// Closed reports whether Close has been called.
func (f *File) Closed() bool { return f.closed }

// Read implements io.Reader.
func (f *File) Read(p []byte) (int, error) {
	if err := f.checkRead("read"); err != nil {
		return 0, err
	}
	if len(p) == 0 {
		return 0, nil
	}
	n, err := f.handle.Read(f.ctx, f.fd, p)
	f.pos += int64(n)
	return n, err
}

// ReadAll reads from the cursor to the end of the object.
func (f *File) ReadAll() ([]byte, error) {
	if err := f.checkRead("read"); err != nil {
		return nil, err
	}
	return io.ReadAll(f)
}

// ReadN reads up to n bytes. Fewer are returned only at end of object.
func (f *File) ReadN(n int) ([]byte, error) {
	if n < 0 {
		return f.ReadAll()
	}
	buf := make([]byte, n)
	m, err := f.ReadInto(buf)
	return buf[:m], err
}

// ReadInto fills buf and returns the count read, which is less than
// len(buf) only at end of object.
func (f *File) ReadInto(buf []byte) (int, error) {
	if err := f.checkRead("readinto"); err != nil {
		return 0, err
	}
	n, err := io.ReadFull(f, buf)
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		err = nil
	}
	return n, err
}

// ReadAt implements io.ReaderAt. The cursor is restored afterwards.
func (f *File) ReadAt(p []byte, off int64) (int, error) {
	if err := f.checkRead("readat"); err != nil {
		return 0, err
	}
	saved := f.pos
	if _, err := f.Seek(off, io.SeekStart); err != nil {
		return 0, err
	}
	n, err := io.ReadFull(f, p)
	if err == io.ErrUnexpectedEOF {
		err = io.EOF
	}
	if _, serr := f.Seek(saved, io.SeekStart); serr != nil && err == nil {
		err = serr
	}
	return n, err
}

// Write implements io.Writer. Data lands at the cursor, which advances by
// the number of bytes written.
func (f *File) Write(p []byte) (int, error) {
	if err := f.checkWrite("write"); err != nil {
		return 0, err
	}

	written := 0
	for written < len(p) {
		n, err := f.handle.Write(f.ctx, f.fd, p[written:])
		written += n
		f.pos += int64(n)
		if n > 0 {
			f.dirty = true
		}
		if err != nil {
			return written, err
		}
		if n == 0 {
			return written, io.ErrShortWrite
		}
	}
	return written, nil
}

// WritePayload normalizes data and writes it. Nothing is written when data
// is not byte-compatible.
func (f *File) WritePayload(data payload.Payload) (int, error) {
	if err := f.checkWrite("write"); err != nil {
		return 0, err
	}
	b, err := payload.Normalize(data)
	if err != nil {
		return 0, err
	}
	return f.Write(b)
}

// WriteString writes s.
func (f *File) WriteString(s string) (int, error) {
	return f.Write([]byte(s))
}

// Seek implements io.Seeker. whence is io.SeekStart, io.SeekCurrent or
// io.SeekEnd; a resulting negative position is an error.
func (f *File) Seek(offset int64, whence int) (int64, error) {
	if f.closed {
		return 0, f.fail("seek", errors.ErrCodeHandleClosed, "file is closed")
	}
	switch whence {
	case io.SeekStart, io.SeekCurrent, io.SeekEnd:
	default:
		return f.pos, f.fail("seek", errors.ErrCodeInvalidArgument, "invalid whence")
	}
	if whence == io.SeekStart && offset < 0 || whence == io.SeekCurrent && f.pos+offset < 0 {
		return f.pos, f.fail("seek", errors.ErrCodeInvalidArgument, "negative position")
	}

	pos, err := f.handle.Seek(f.ctx, f.fd, offset, whence)
	if err != nil {
		return f.pos, err
	}
	f.pos = pos
	return pos, nil
}

// Truncate resizes the object to size. The cursor is not moved.
func (f *File) Truncate(size int64) error {
	if err := f.checkWrite("truncate"); err != nil {
		return err
	}
	if size < 0 {
		return f.fail("truncate", errors.ErrCodeInvalidArgument, "negative size")
	}
	if err := f.handle.Truncate(f.ctx, f.fd, size); err != nil {
		return err
	}
	f.dirty = true
	return nil
}

// Flush pushes buffered writes to the storage service.
func (f *File) Flush() error {
	if f.closed {
		return f.fail("flush", errors.ErrCodeHandleClosed, "file is closed")
	}
	if !f.dirty {
		return nil
	}
	if err := f.handle.Sync(f.ctx, f.fd); err != nil {
		return err
	}
	f.dirty = false
	return nil
}

// Stat describes the open file.
func (f *File) Stat() (Info, error) {
	if f.closed {
		return Info{}, f.fail("stat", errors.ErrCodeHandleClosed, "file is closed")
	}
	return f.fs.Info(f.ctx, f.path)
}

// Close releases the server-side descriptor. Closing an already closed file
// is a no-op.
func (f *File) Close() error {
	if f.closed {
		return nil
	}
	f.closed = true

	start := time.Now()
	err := f.handle.Close(f.ctx, f.fd)
	f.dirty = false
	f.fs.record("close", time.Since(start), 0, err)
	return err
}

var (
	_ io.ReadWriteSeeker = (*File)(nil)
	_ io.ReaderAt        = (*File)(nil)
	_ io.Closer          = (*File)(nil)
	_ io.StringWriter    = (*File)(nil)
)
