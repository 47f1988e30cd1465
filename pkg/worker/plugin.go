// Package worker prepares storage sessions on distributed workers before
// any task runs, and runs tasks against them.
//
// A Plugin names a filesystem (scheme plus configuration). It is shipped to
// a worker as YAML, set up once when the worker starts and torn down when
// the worker stops, so tasks find an established session instead of paying
// connection cost on their first call.
package worker

import (
	"context"
	"sync"

	"gopkg.in/yaml.v2"

	"github.com/donkomura/fsspec-chfs/internal/config"
	"github.com/donkomura/fsspec-chfs/pkg/errors"
	"github.com/donkomura/fsspec-chfs/pkg/fsspec"
)

// Plugin holds the storage session of one worker.
type Plugin struct {
	Scheme string
	Config *config.Configuration

	// Registry resolves Scheme. nil selects fsspec.Default.
	Registry *fsspec.Registry

	mu sync.Mutex
	fs *fsspec.FileSystem
}

// NewPlugin creates a plugin for scheme. A nil cfg selects the defaults.
func NewPlugin(scheme string, cfg *config.Configuration) *Plugin {
	if cfg == nil {
		cfg = config.NewDefault()
	}
	return &Plugin{Scheme: scheme, Config: cfg}
}

func (p *Plugin) registry() *fsspec.Registry {
	if p.Registry != nil {
		return p.Registry
	}
	return fsspec.Default
}

// Setup acquires the filesystem and establishes its session. Calling Setup
// on a plugin that is already set up is a no-op.
func (p *Plugin) Setup(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.fs != nil {
		return nil
	}

	fs, err := p.registry().Filesystem(ctx, p.Scheme, p.Config)
	if err != nil {
		return err
	}
	if err := fs.Connect(ctx); err != nil {
		_ = fs.Close(ctx)
		return err
	}
	p.fs = fs
	return nil
}

// FileSystem returns the filesystem acquired by Setup.
func (p *Plugin) FileSystem() (*fsspec.FileSystem, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.fs == nil {
		return nil, errors.NewError(errors.ErrCodeSessionError, "worker plugin is not set up").
			WithComponent("worker").
			WithContext("scheme", p.Scheme)
	}
	return p.fs, nil
}

// Teardown releases the filesystem. It is idempotent.
func (p *Plugin) Teardown(ctx context.Context) error {
	p.mu.Lock()
	fs := p.fs
	p.fs = nil
	p.mu.Unlock()

	if fs == nil {
		return nil
	}
	return fs.Close(ctx)
}

// pluginDocument is the wire form of a Plugin.
type pluginDocument struct {
	Scheme string                `yaml:"scheme"`
	Config *config.Configuration `yaml:"config"`
}

// Marshal encodes the plugin's scheme and configuration. Live session state
// is never encoded.
func Marshal(p *Plugin) ([]byte, error) {
	data, err := yaml.Marshal(pluginDocument{Scheme: p.Scheme, Config: p.Config})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternalError, "failed to encode worker plugin").
			WithComponent("worker")
	}
	return data, nil
}

// Unmarshal decodes a plugin produced by Marshal. Missing configuration
// fields take their defaults and a missing scheme selects chfs.
func Unmarshal(data []byte) (*Plugin, error) {
	doc := pluginDocument{Config: config.NewDefault()}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeConfigInvalid, "failed to decode worker plugin").
			WithComponent("worker")
	}
	if doc.Scheme == "" {
		doc.Scheme = fsspec.SchemeCHFS
	}
	if doc.Config == nil {
		doc.Config = config.NewDefault()
	}
	return NewPlugin(doc.Scheme, doc.Config), nil
}
