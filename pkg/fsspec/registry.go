package fsspec

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/donkomura/fsspec-chfs/internal/config"
	"github.com/donkomura/fsspec-chfs/internal/session"
	"github.com/donkomura/fsspec-chfs/internal/storage"
	"github.com/donkomura/fsspec-chfs/pkg/client"
	"github.com/donkomura/fsspec-chfs/pkg/errors"
	"github.com/donkomura/fsspec-chfs/pkg/utils"
)

// Scheme names registered by NewRegistry.
const (
	SchemeCHFS = "chfs"
	SchemeStub = "chfs_stub"
)

// Factory builds the storage connector for a configuration. It must not
// dial; the session connects lazily.
type Factory func(ctx context.Context, cfg *config.Configuration) (client.Connector, error)

// RegistryOptions configures a Registry.
type RegistryOptions struct {
	// ConnectTimeout bounds each session establishment attempt.
	ConnectTimeout time.Duration

	// Recorder is attached to every filesystem the registry returns.
	Recorder Recorder

	Logger *slog.Logger
}

// Registry maps protocol names to filesystem factories and shares one
// storage session among all filesystems built from equal configurations.
type Registry struct {
	sessions *session.Registry
	opts     RegistryOptions
	logger   *slog.Logger

	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates a registry with the chfs and chfs_stub schemes.
func NewRegistry(opts RegistryOptions) *Registry {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	r := &Registry{
		sessions: session.NewRegistry(session.Config{
			ConnectTimeout: opts.ConnectTimeout,
			Logger:         opts.Logger,
		}),
		opts:      opts,
		logger:    opts.Logger.With("component", "registry"),
		factories: make(map[string]Factory),
	}
	r.Register(SchemeCHFS, func(_ context.Context, cfg *config.Configuration) (client.Connector, error) {
		return storage.NewConnector(cfg)
	})
	r.Register(SchemeStub, func(_ context.Context, cfg *config.Configuration) (client.Connector, error) {
		caps := client.Capabilities{MaxCreateDepth: cfg.Storage.MaxCreateDepth}
		return storage.MemoryServer(cfg.Storage.Server).Endpoint(caps), nil
	})
	return r
}

// Register binds scheme to factory, replacing any previous binding.
// Sessions already handed out are unaffected.
func (r *Registry) Register(scheme string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[scheme] = factory
}

// Schemes returns the registered scheme names, sorted.
func (r *Registry) Schemes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for s := range r.factories {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Sessions returns the number of live storage sessions.
func (r *Registry) Sessions() int {
	return r.sessions.Len()
}

// Filesystem returns a filesystem for scheme configured by cfg. Calls with
// the same scheme and an equal configuration share one storage session;
// each returned FileSystem holds its own reference and must be closed.
// A nil cfg selects the defaults.
func (r *Registry) Filesystem(ctx context.Context, scheme string, cfg *config.Configuration) (*FileSystem, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	factory, ok := r.factories[scheme]
	r.mu.RUnlock()
	if !ok {
		return nil, errors.Newf(errors.ErrCodeUnknownScheme, "no filesystem registered for protocol %q", scheme).
			WithComponent("registry").
			WithContext("scheme", scheme)
	}

	if cfg == nil {
		cfg = config.NewDefault()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	connector, err := factory(ctx, cfg)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeConfigInvalid, "failed to build storage connector").
			WithComponent("registry").
			WithContext("scheme", scheme)
	}

	handle := r.sessions.Acquire(scheme+":"+cfg.Fingerprint(), connector)
	return New(scheme, handle, Options{
		MaxConcurrency: cfg.Adapter.MaxConcurrency,
		Recorder:       r.opts.Recorder,
		Logger:         r.opts.Logger,
	}), nil
}

// Open routes a "scheme://path" URL to its filesystem and returns the
// filesystem with the resolved path. A URL without a scheme uses chfs.
func (r *Registry) Open(ctx context.Context, url string, cfg *config.Configuration) (*FileSystem, string, error) {
	scheme, _ := utils.SplitScheme(url)
	if scheme == "" {
		scheme = SchemeCHFS
	}
	p, err := utils.Resolve(url)
	if err != nil {
		return nil, "", err
	}
	fs, err := r.Filesystem(ctx, scheme, cfg)
	if err != nil {
		return nil, "", err
	}
	return fs, p, nil
}

// Shutdown tears down every live session, including those still
// referenced.
func (r *Registry) Shutdown(ctx context.Context) error {
	err := r.sessions.Shutdown(ctx)
	if err != nil {
		r.logger.Warn("registry shutdown failed", "error", err)
	}
	return err
}

// Default is the process-wide registry used by the package-level helpers.
var Default = NewRegistry(RegistryOptions{})

// Filesystem returns a filesystem from the Default registry.
func Filesystem(ctx context.Context, scheme string, cfg *config.Configuration) (*FileSystem, error) {
	return Default.Filesystem(ctx, scheme, cfg)
}

// Open routes url through the Default registry.
func Open(ctx context.Context, url string, cfg *config.Configuration) (*FileSystem, string, error) {
	return Default.Open(ctx, url, cfg)
}
