package session

import (
	"context"
	stderr "errors"
	"io"

	"github.com/donkomura/fsspec-chfs/pkg/client"
	"github.com/donkomura/fsspec-chfs/pkg/errors"
	"github.com/donkomura/fsspec-chfs/pkg/utils"
)

// statusCodes maps native statuses to the error taxonomy.
var statusCodes = map[client.Status]errors.ErrorCode{
	client.StatusNotFound:    errors.ErrCodeNotFound,
	client.StatusExist:       errors.ErrCodeAlreadyExists,
	client.StatusNotEmpty:    errors.ErrCodeDirectoryNotEmpty,
	client.StatusNotDir:      errors.ErrCodeNotDirectory,
	client.StatusIsDir:       errors.ErrCodeIsDirectory,
	client.StatusBadFD:       errors.ErrCodeHandleClosed,
	client.StatusUnsupported: errors.ErrCodeUnsupportedOperation,
	client.StatusPermission:  errors.ErrCodePermissionDenied,
	client.StatusInvalid:     errors.ErrCodeInvalidArgument,
	client.StatusIO:          errors.ErrCodeInternalError,
}

// translate maps a storage-client error into the taxonomy. Native statuses
// become namespace errors; anything else is a transport failure and becomes
// a SessionError carrying the cause.
func translate(op, p string, err error) error {
	if err == nil || err == io.EOF {
		return err
	}

	var fe *errors.FSError
	if stderr.As(err, &fe) {
		return err
	}

	var se *client.StatusError
	if stderr.As(err, &se) {
		code, ok := statusCodes[se.Status]
		if !ok {
			code = errors.ErrCodeInternalError
		}
		if p == "" {
			p = se.Path
		}
		return errors.NewError(code, se.Status.String()).
			WithComponent("session").
			WithOperation(op).
			WithPath(p).
			WithCause(err)
	}

	return errors.Session(op, err).WithComponent("session").WithPath(p)
}

func isStatus(err error, status client.Status) bool {
	var se *client.StatusError
	return stderr.As(err, &se) && se.Status == status
}

// Mkdir creates p. Without recursive the parent must already be a
// directory (MissingParent otherwise). With recursive every missing level is
// created shallowest first, unless more levels are missing than the backend
// can create in one request, in which case UnsupportedOperation is returned
// before anything is created.
func (h *Handle) Mkdir(ctx context.Context, p string, recursive bool) error {
	conn, err := h.client(ctx, "mkdir")
	if err != nil {
		return err
	}

	if _, err := conn.Stat(ctx, p); err == nil {
		return errors.NewError(errors.ErrCodeAlreadyExists, "path already exists").
			WithComponent("session").WithOperation("mkdir").WithPath(p)
	} else if !isStatus(err, client.StatusNotFound) {
		return translate("mkdir", p, err)
	}

	if !recursive {
		parent := utils.ParentOf(p)
		st, err := conn.Stat(ctx, parent)
		switch {
		case isStatus(err, client.StatusNotFound):
			return errors.NewError(errors.ErrCodeMissingParent, "parent directory does not exist").
				WithComponent("session").WithOperation("mkdir").WithPath(p).
				WithContext("parent", parent)
		case err != nil:
			return translate("mkdir", parent, err)
		case st.Type != client.TypeDirectory:
			return errors.NewError(errors.ErrCodeNotDirectory, "parent is not a directory").
				WithComponent("session").WithOperation("mkdir").WithPath(p).
				WithContext("parent", parent)
		}
		return translate("mkdir", p, conn.Mkdir(ctx, p))
	}

	chain := append(utils.Ancestors(p), p)
	first := len(chain) - 1
	for i, dir := range chain[:len(chain)-1] {
		st, err := conn.Stat(ctx, dir)
		if isStatus(err, client.StatusNotFound) {
			first = i
			break
		}
		if err != nil {
			return translate("mkdir", dir, err)
		}
		if st.Type != client.TypeDirectory {
			return errors.NewError(errors.ErrCodeNotDirectory, "ancestor is not a directory").
				WithComponent("session").WithOperation("mkdir").WithPath(p).
				WithContext("ancestor", dir)
		}
	}
	missing := chain[first:]

	if limit := conn.Capabilities().MaxCreateDepth; limit > 0 && len(missing) > limit {
		return errors.Newf(errors.ErrCodeUnsupportedOperation,
			"recursive creation of %d levels exceeds backend limit of %d", len(missing), limit).
			WithComponent("session").WithOperation("mkdir").WithPath(p)
	}

	for _, dir := range missing {
		if err := conn.Mkdir(ctx, dir); err != nil && !isStatus(err, client.StatusExist) {
			return translate("mkdir", dir, err)
		}
	}
	return nil
}

// Rmdir removes an empty directory.
func (h *Handle) Rmdir(ctx context.Context, p string) error {
	conn, err := h.client(ctx, "rmdir")
	if err != nil {
		return err
	}
	return translate("rmdir", p, conn.Rmdir(ctx, p))
}

// Unlink removes a file or link.
func (h *Handle) Unlink(ctx context.Context, p string) error {
	conn, err := h.client(ctx, "unlink")
	if err != nil {
		return err
	}
	return translate("unlink", p, conn.Unlink(ctx, p))
}

// Stat describes p, following links.
func (h *Handle) Stat(ctx context.Context, p string) (client.Stat, error) {
	conn, err := h.client(ctx, "stat")
	if err != nil {
		return client.Stat{}, err
	}
	st, err := conn.Stat(ctx, p)
	if err != nil {
		return client.Stat{}, translate("stat", p, err)
	}
	return st, nil
}

// Readdir lists the sorted child names of p.
func (h *Handle) Readdir(ctx context.Context, p string) ([]string, error) {
	conn, err := h.client(ctx, "readdir")
	if err != nil {
		return nil, err
	}
	names, err := conn.Readdir(ctx, p)
	if err != nil {
		return nil, translate("readdir", p, err)
	}
	return names, nil
}

// Symlink creates a link at p pointing to target on backends that support
// links.
func (h *Handle) Symlink(ctx context.Context, target, p string) error {
	conn, err := h.client(ctx, "symlink")
	if err != nil {
		return err
	}
	linker, ok := conn.(client.Linker)
	if !ok {
		return errors.NewError(errors.ErrCodeUnsupportedOperation, "backend does not support links").
			WithComponent("session").WithOperation("symlink").WithPath(p)
	}
	return translate("symlink", p, linker.Symlink(ctx, target, p))
}

// Open opens p and tracks the descriptor until Close or teardown.
func (h *Handle) Open(ctx context.Context, p string, flag client.Flag) (client.FD, error) {
	conn, err := h.client(ctx, "open")
	if err != nil {
		return 0, err
	}
	fd, err := conn.Open(ctx, p, flag)
	if err != nil {
		return 0, translate("open", p, err)
	}

	h.mu.Lock()
	if h.state != StateConnected {
		h.mu.Unlock()
		_ = conn.Close(ctx, fd)
		return 0, errors.Session("open", ErrTornDown).WithComponent("session").WithPath(p)
	}
	h.fds[fd] = p
	h.mu.Unlock()
	return fd, nil
}

func (h *Handle) pathOf(fd client.FD) string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.fds[fd]
}

// Read reads from fd. It returns io.EOF at end of object.
func (h *Handle) Read(ctx context.Context, fd client.FD, p []byte) (int, error) {
	conn, err := h.client(ctx, "read")
	if err != nil {
		return 0, err
	}
	n, err := conn.Read(ctx, fd, p)
	return n, translate("read", h.pathOf(fd), err)
}

// Write writes to fd at its offset.
func (h *Handle) Write(ctx context.Context, fd client.FD, p []byte) (int, error) {
	conn, err := h.client(ctx, "write")
	if err != nil {
		return 0, err
	}
	n, err := conn.Write(ctx, fd, p)
	return n, translate("write", h.pathOf(fd), err)
}

// Seek repositions fd.
func (h *Handle) Seek(ctx context.Context, fd client.FD, offset int64, whence int) (int64, error) {
	conn, err := h.client(ctx, "seek")
	if err != nil {
		return 0, err
	}
	pos, err := conn.Seek(ctx, fd, offset, whence)
	return pos, translate("seek", h.pathOf(fd), err)
}

// Truncate resizes the object behind fd.
func (h *Handle) Truncate(ctx context.Context, fd client.FD, size int64) error {
	conn, err := h.client(ctx, "truncate")
	if err != nil {
		return err
	}
	return translate("truncate", h.pathOf(fd), conn.Truncate(ctx, fd, size))
}

// Sync writes back buffered data on backends that buffer. It is a no-op
// elsewhere.
func (h *Handle) Sync(ctx context.Context, fd client.FD) error {
	conn, err := h.client(ctx, "sync")
	if err != nil {
		return err
	}
	syncer, ok := conn.(client.Syncer)
	if !ok {
		return nil
	}
	return translate("sync", h.pathOf(fd), syncer.Sync(ctx, fd))
}

// Close releases fd. The descriptor is forgotten even when the backend
// reports an error.
func (h *Handle) Close(ctx context.Context, fd client.FD) error {
	conn, err := h.client(ctx, "close")
	if err != nil {
		return err
	}

	h.mu.Lock()
	p := h.fds[fd]
	delete(h.fds, fd)
	h.mu.Unlock()

	return translate("close", p, conn.Close(ctx, fd))
}
