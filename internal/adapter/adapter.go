package adapter

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/donkomura/fsspec-chfs/internal/config"
	"github.com/donkomura/fsspec-chfs/internal/fuse"
	"github.com/donkomura/fsspec-chfs/internal/metrics"
	"github.com/donkomura/fsspec-chfs/pkg/fsspec"
	"github.com/donkomura/fsspec-chfs/pkg/utils"
)

// Adapter wires logging, metrics, the filesystem registry and an optional
// FUSE mount for one process.
type Adapter struct {
	mu     sync.Mutex
	config *config.Configuration
	logger *slog.Logger

	logCloser io.Closer
	metrics   *metrics.Collector
	registry  *fsspec.Registry
	mountFS   *fsspec.FileSystem
	mount     *fuse.MountManager

	started bool
}

// New validates cfg and returns an adapter that has not been started. A nil
// cfg uses the defaults.
func New(ctx context.Context, cfg *config.Configuration) (*Adapter, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = config.NewDefault()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &Adapter{config: cfg}, nil
}

// Start brings up logging, metrics and the registry, then mounts the
// configured scheme when FUSE is enabled.
func (a *Adapter) Start(ctx context.Context) (err error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.started {
		return fmt.Errorf("adapter already started")
	}

	a.logCloser, err = utils.SetupLogging(a.config.Global.LogLevel, a.config.Global.LogFormat, a.config.Global.LogFile)
	if err != nil {
		return fmt.Errorf("failed to set up logging: %w", err)
	}
	a.logger = slog.Default().With("component", "adapter")

	defer func() {
		if err != nil {
			a.teardown(ctx)
		}
	}()

	a.metrics, err = metrics.NewCollector(&metrics.Config{
		Enabled:        a.config.Metrics.Enabled,
		Port:           a.config.Metrics.Port,
		Path:           "/metrics",
		Namespace:      a.config.Metrics.Namespace,
		UpdateInterval: metrics.DefaultConfig().UpdateInterval,
	})
	if err != nil {
		return fmt.Errorf("failed to create metrics collector: %w", err)
	}

	a.registry = fsspec.NewRegistry(fsspec.RegistryOptions{
		ConnectTimeout: a.config.Session.ConnectTimeout,
		Recorder:       a.metrics,
		Logger:         slog.Default(),
	})
	a.metrics.TrackSessions(a.registry.Sessions)

	if err := a.metrics.Start(ctx); err != nil {
		return fmt.Errorf("failed to start metrics: %w", err)
	}

	if a.config.FUSE.Enabled {
		if err := a.startMount(ctx); err != nil {
			return err
		}
	}

	a.started = true
	a.logger.Info("adapter started",
		"backend", a.config.Storage.Backend,
		"server", a.config.Storage.Server,
		"schemes", a.registry.Schemes(),
		"fuse", a.config.FUSE.Enabled)
	return nil
}

func (a *Adapter) startMount(ctx context.Context) error {
	fs, err := a.registry.Filesystem(ctx, a.config.FUSE.Scheme, a.config)
	if err != nil {
		return fmt.Errorf("failed to create filesystem: %w", err)
	}
	a.mountFS = fs

	if err := fs.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}

	fsys := fuse.NewFileSystem(fs, &fuse.Config{
		ReadOnly: a.config.FUSE.ReadOnly,
		UID:      uint32(os.Getuid()),
		GID:      uint32(os.Getgid()),
	})

	mc := fuse.DefaultMountConfig(a.config.FUSE.MountPoint)
	mc.ReadOnly = a.config.FUSE.ReadOnly
	mc.AllowOther = a.config.FUSE.AllowOther
	mc.Debug = a.config.FUSE.Debug

	a.mount = fuse.NewMountManager(fsys, mc)
	if err := a.mount.Mount(ctx); err != nil {
		a.mount = nil
		return fmt.Errorf("failed to mount: %w", err)
	}
	return nil
}

// Stop unmounts, releases every session and stops metrics. Stopping an
// adapter that is not running is a no-op.
func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.started {
		return nil
	}
	a.started = false
	a.logger.Info("stopping adapter")
	return a.teardown(ctx)
}

func (a *Adapter) teardown(ctx context.Context) error {
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if a.mount != nil && a.mount.IsMounted() {
		keep(a.mount.Unmount())
	}
	a.mount = nil

	if a.mountFS != nil {
		keep(a.mountFS.Close(ctx))
		a.mountFS = nil
	}
	if a.registry != nil {
		keep(a.registry.Shutdown(ctx))
	}
	if a.metrics != nil {
		keep(a.metrics.Stop(ctx))
	}
	if a.logCloser != nil {
		keep(a.logCloser.Close())
		a.logCloser = nil
	}
	return firstErr
}

// Config returns the adapter configuration.
func (a *Adapter) Config() *config.Configuration {
	return a.config
}

// Registry returns the filesystem registry, or nil before Start.
func (a *Adapter) Registry() *fsspec.Registry {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.registry
}

// Metrics returns the metrics collector, or nil before Start.
func (a *Adapter) Metrics() *metrics.Collector {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.metrics
}

// Filesystem returns a filesystem for scheme using the adapter
// configuration.
func (a *Adapter) Filesystem(ctx context.Context, scheme string) (*fsspec.FileSystem, error) {
	reg := a.Registry()
	if reg == nil {
		return nil, fmt.Errorf("adapter not started")
	}
	return reg.Filesystem(ctx, scheme, a.config)
}

// Mounted reports whether the FUSE mount is active.
func (a *Adapter) Mounted() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.mount != nil && a.mount.IsMounted()
}
