// Package storage selects the storage client behind a filesystem session.
package storage

import (
	"fmt"
	"sync"

	"github.com/donkomura/fsspec-chfs/internal/config"
	"github.com/donkomura/fsspec-chfs/internal/storage/badger"
	"github.com/donkomura/fsspec-chfs/internal/storage/memory"
	"github.com/donkomura/fsspec-chfs/internal/storage/s3"
	"github.com/donkomura/fsspec-chfs/pkg/client"
	"github.com/donkomura/fsspec-chfs/pkg/errors"
)

var (
	memoryMu      sync.Mutex
	memoryServers = make(map[string]*memory.Server)
)

// MemoryServer returns the process-wide in-memory server for addr, creating
// it on first use. Every session against the same address sees one namespace.
func MemoryServer(addr string, opts ...memory.Option) *memory.Server {
	memoryMu.Lock()
	defer memoryMu.Unlock()

	if srv, ok := memoryServers[addr]; ok {
		return srv
	}
	srv := memory.NewServer(opts...)
	memoryServers[addr] = srv
	return srv
}

// ResetMemoryServers drops every in-memory server.
func ResetMemoryServers() {
	memoryMu.Lock()
	defer memoryMu.Unlock()
	memoryServers = make(map[string]*memory.Server)
}

// NewConnector builds the connector for cfg.Storage. Nothing is dialed
// until the connector is used.
func NewConnector(cfg *config.Configuration) (client.Connector, error) {
	caps := client.Capabilities{MaxCreateDepth: cfg.Storage.MaxCreateDepth}

	switch cfg.Storage.Backend {
	case config.BackendMemory, "":
		return MemoryServer(cfg.Storage.Server).Endpoint(caps), nil
	case config.BackendS3:
		return s3.NewConnector(cfg.Storage.S3, caps), nil
	case config.BackendBadger:
		return badger.NewConnector(cfg.Storage.Badger, caps), nil
	default:
		return nil, errors.NewError(errors.ErrCodeConfigInvalid,
			fmt.Sprintf("unknown storage backend %q", cfg.Storage.Backend)).WithComponent("storage")
	}
}
