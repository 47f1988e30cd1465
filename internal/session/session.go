// Package session owns storage-client sessions. A Registry hands out one
// reference-counted Handle per configuration fingerprint; the Handle
// connects lazily on first use and disconnects when its last owner releases
// it.
package session

import (
	"context"
	stderr "errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/donkomura/fsspec-chfs/pkg/client"
	"github.com/donkomura/fsspec-chfs/pkg/errors"
)

// State represents the state of a session
type State int

const (
	// StateDisconnected indicates no session has been established yet
	StateDisconnected State = iota

	// StateConnecting indicates establishment in progress
	StateConnecting

	// StateConnected indicates a live session
	StateConnected

	// StateFailed indicates the last establishment attempt failed. The next
	// operation tries again.
	StateFailed

	// StateClosed indicates the session was torn down
	StateClosed
)

// String returns the string representation of the state
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ErrTornDown is the cause of every SessionError returned after teardown.
var ErrTornDown = stderr.New("session has been torn down")

// Config configures session establishment
type Config struct {
	// ConnectTimeout bounds a single establishment attempt (0 = none).
	ConnectTimeout time.Duration

	Logger *slog.Logger
}

// Registry shares one Handle per fingerprint among its owners.
type Registry struct {
	config Config
	logger *slog.Logger

	mu      sync.Mutex
	handles map[string]*Handle
	// closing holds, per fingerprint, a channel closed once the previous
	// handle's teardown has finished.
	closing map[string]chan struct{}
}

// NewRegistry creates an empty registry.
func NewRegistry(config Config) *Registry {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Registry{
		config:  config,
		logger:  config.Logger.With("component", "session"),
		handles: make(map[string]*Handle),
		closing: make(map[string]chan struct{}),
	}
}

// Acquire returns the live handle for fingerprint, creating it around
// connector if there is none, and takes one reference on it. Nothing is
// dialed until the handle is first used. While a previous handle for the
// fingerprint is still being torn down, Acquire waits for it to finish.
func (r *Registry) Acquire(fingerprint string, connector client.Connector) *Handle {
	r.mu.Lock()
	defer r.mu.Unlock()

	for {
		if h, ok := r.handles[fingerprint]; ok {
			h.refs++
			return h
		}
		done, ok := r.closing[fingerprint]
		if !ok {
			break
		}
		r.mu.Unlock()
		<-done
		r.mu.Lock()
	}

	id := uuid.NewString()
	h := &Handle{
		id:          id,
		fingerprint: fingerprint,
		registry:    r,
		connector:   connector,
		timeout:     r.config.ConnectTimeout,
		logger:      r.logger.With("session_id", id),
		state:       StateDisconnected,
		fds:         make(map[client.FD]string),
		refs:        1,
	}
	r.handles[fingerprint] = h
	r.logger.Debug("session acquired", "session_id", id, "fingerprint", shortFingerprint(fingerprint))
	return h
}

// Len returns the number of live handles.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handles)
}

// Lookup returns the live handle for fingerprint without taking a reference.
func (r *Registry) Lookup(fingerprint string) (*Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handles[fingerprint]
	return h, ok
}

// Shutdown tears down every live handle regardless of its reference count.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	handles := make([]*Handle, 0, len(r.handles))
	dones := make([]chan struct{}, 0, len(r.handles))
	for _, h := range r.handles {
		h.refs = 0
		handles = append(handles, h)
		dones = append(dones, r.beginClose(h))
	}
	r.mu.Unlock()

	var errs []error
	for i, h := range handles {
		if err := h.teardown(ctx); err != nil {
			errs = append(errs, err)
		}
		r.endClose(h.fingerprint, dones[i])
	}
	return stderr.Join(errs...)
}

// beginClose unpublishes h and marks its fingerprint as tearing down.
// Callers hold mu.
func (r *Registry) beginClose(h *Handle) chan struct{} {
	delete(r.handles, h.fingerprint)
	done := make(chan struct{})
	r.closing[h.fingerprint] = done
	return done
}

func (r *Registry) endClose(fingerprint string, done chan struct{}) {
	r.mu.Lock()
	if r.closing[fingerprint] == done {
		delete(r.closing, fingerprint)
	}
	r.mu.Unlock()
	close(done)
}

func shortFingerprint(fp string) string {
	if len(fp) > 12 {
		return fp[:12]
	}
	return fp
}

// Handle wraps one storage session shared by every owner of a fingerprint.
type Handle struct {
	id          string
	fingerprint string
	registry    *Registry
	connector   client.Connector
	timeout     time.Duration
	logger      *slog.Logger

	// refs is guarded by registry.mu.
	refs int

	// connectMu serializes establishment and teardown.
	connectMu sync.Mutex

	mu          sync.RWMutex
	state       State
	conn        client.Conn
	connectedAt time.Time
	lastErr     error
	fds         map[client.FD]string
}

// ID returns the session ID used in logs.
func (h *Handle) ID() string { return h.id }

// Fingerprint returns the configuration fingerprint the handle serves.
func (h *Handle) Fingerprint() string { return h.fingerprint }

// State returns the current state.
func (h *Handle) State() State {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.state
}

// LastError returns the cause of the last failed establishment.
func (h *Handle) LastError() error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.lastErr
}

// Refs returns the number of owners.
func (h *Handle) Refs() int {
	h.registry.mu.Lock()
	defer h.registry.mu.Unlock()
	return h.refs
}

// OpenDescriptors returns the number of descriptors opened through the
// handle and not yet closed.
func (h *Handle) OpenDescriptors() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.fds)
}

// Capabilities reports the backend capabilities, connecting if needed.
func (h *Handle) Capabilities(ctx context.Context) (client.Capabilities, error) {
	conn, err := h.client(ctx, "capabilities")
	if err != nil {
		return client.Capabilities{}, err
	}
	return conn.Capabilities(), nil
}

// Connect establishes the session if it is not already established. It is
// idempotent and safe for concurrent use; a failure is returned as a
// SessionError and is not retried.
func (h *Handle) Connect(ctx context.Context) error {
	h.connectMu.Lock()
	defer h.connectMu.Unlock()

	h.mu.Lock()
	switch h.state {
	case StateConnected:
		h.mu.Unlock()
		return nil
	case StateClosed:
		h.mu.Unlock()
		return errors.Session("connect", ErrTornDown).WithComponent("session")
	}
	h.state = StateConnecting
	h.mu.Unlock()

	h.logger.Debug("establishing session")

	connCtx := ctx
	if h.timeout > 0 {
		var cancel context.CancelFunc
		connCtx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}

	start := time.Now()
	conn, err := h.connector.Connect(connCtx)

	h.mu.Lock()
	defer h.mu.Unlock()

	if err != nil {
		h.state = StateFailed
		h.lastErr = err
		h.logger.Error("session establishment failed", "error", err)
		return errors.Session("connect", err).WithComponent("session")
	}

	h.conn = conn
	h.state = StateConnected
	h.connectedAt = time.Now()
	h.lastErr = nil
	h.logger.Info("session established", "duration", time.Since(start))
	return nil
}

// client returns the live connection, establishing it on first use.
func (h *Handle) client(ctx context.Context, op string) (client.Conn, error) {
	h.mu.RLock()
	state, conn := h.state, h.conn
	h.mu.RUnlock()

	switch state {
	case StateConnected:
		return conn, nil
	case StateClosed:
		return nil, errors.Session(op, ErrTornDown).WithComponent("session")
	}

	if err := h.Connect(ctx); err != nil {
		return nil, err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.state != StateConnected {
		return nil, errors.Session(op, ErrTornDown).WithComponent("session")
	}
	return h.conn, nil
}

// Release drops one reference. The last release tears the session down:
// descriptors still open under it are closed and the connection is
// disconnected. Releasing an already released handle is a no-op.
func (h *Handle) Release(ctx context.Context) error {
	r := h.registry

	r.mu.Lock()
	if h.refs == 0 {
		r.mu.Unlock()
		return nil
	}
	h.refs--
	if h.refs > 0 {
		r.mu.Unlock()
		return nil
	}
	if r.handles[h.fingerprint] != h {
		r.mu.Unlock()
		return h.teardown(ctx)
	}
	done := r.beginClose(h)
	r.mu.Unlock()

	defer r.endClose(h.fingerprint, done)
	return h.teardown(ctx)
}

func (h *Handle) teardown(ctx context.Context) error {
	h.connectMu.Lock()
	defer h.connectMu.Unlock()

	h.mu.Lock()
	if h.state == StateClosed {
		h.mu.Unlock()
		return nil
	}
	wasConnected := h.state == StateConnected
	conn := h.conn
	fds := h.fds
	h.state = StateClosed
	h.conn = nil
	h.fds = make(map[client.FD]string)
	h.mu.Unlock()

	if !wasConnected {
		h.logger.Debug("session released before establishment")
		return nil
	}

	var errs []error
	for fd, p := range fds {
		if err := conn.Close(ctx, fd); err != nil {
			h.logger.Warn("failed to close descriptor on teardown", "fd", fd, "path", p, "error", err)
			errs = append(errs, err)
		}
	}
	if err := conn.Disconnect(ctx); err != nil {
		errs = append(errs, err)
	}

	h.logger.Info("session torn down", "closed_descriptors", len(fds))

	if err := stderr.Join(errs...); err != nil {
		return errors.Session("teardown", err).WithComponent("session")
	}
	return nil
}
