// Package badger persists the remote namespace in an embedded BadgerDB. It
// provides an objstore.Store; directory semantics and descriptors come from
// package objstore.
package badger

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/donkomura/fsspec-chfs/internal/storage/objstore"
	"github.com/donkomura/fsspec-chfs/pkg/client"
	"github.com/donkomura/fsspec-chfs/pkg/retry"
)

// Key Namespace
//
// Every object lives under the "o:" prefix. The value is an 8-byte
// big-endian mtime (Unix nanoseconds) followed by the object bytes, so Head
// can report size and mtime from the item alone.
//
//	o:<key>  ->  mtime(8) | data
const (
	objectPrefix = "o:"
	headerSize   = 8
)

// Config holds BadgerDB settings.
type Config struct {
	Dir        string `yaml:"dir"`
	InMemory   bool   `yaml:"in_memory"`
	SyncWrites bool   `yaml:"sync_writes"`

	// ConflictRetries bounds retries of transactions aborted by
	// badger.ErrConflict.
	ConflictRetries int `yaml:"conflict_retries" validate:"gte=0"`
}

// Store implements objstore.Store on BadgerDB.
type Store struct {
	db      *badger.DB
	retryer *retry.Retryer
	logger  *slog.Logger
}

// Open opens (or creates) the database described by cfg.
func Open(cfg Config) (*Store, error) {
	if !cfg.InMemory && cfg.Dir == "" {
		return nil, fmt.Errorf("badger directory cannot be empty")
	}

	dir := cfg.Dir
	if cfg.InMemory {
		dir = ""
	}
	opts := badger.DefaultOptions(dir).
		WithInMemory(cfg.InMemory).
		WithSyncWrites(cfg.SyncWrites).
		WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger database: %w", err)
	}

	logger := slog.Default().With("component", "badger-store", "dir", cfg.Dir)

	rc := retry.DefaultConfig()
	if cfg.ConflictRetries > 0 {
		rc.MaxAttempts = cfg.ConflictRetries + 1
	}
	rc.ShouldRetry = func(err error) bool { return errors.Is(err, badger.ErrConflict) }
	rc.OnRetry = func(attempt int, err error, delay time.Duration) {
		logger.Debug("retrying conflicted transaction", "attempt", attempt, "delay", delay)
	}

	return &Store{db: db, retryer: retry.New(rc), logger: logger}, nil
}

func objectKey(key string) []byte {
	return []byte(objectPrefix + key)
}

func encode(data []byte, mtime time.Time) []byte {
	buf := make([]byte, headerSize+len(data))
	binary.BigEndian.PutUint64(buf, uint64(mtime.UnixNano()))
	copy(buf[headerSize:], data)
	return buf
}

func decodeMtime(val []byte) time.Time {
	if len(val) < headerSize {
		return time.Time{}
	}
	return time.Unix(0, int64(binary.BigEndian.Uint64(val[:headerSize])))
}

func notFound(op, key string) error {
	return fmt.Errorf("%s %s: %w", op, key, fs.ErrNotExist)
}

func (s *Store) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	return s.retryer.Do(ctx, func(context.Context) error {
		return s.db.Update(fn)
	})
}

// Head implements objstore.Store.
func (s *Store) Head(ctx context.Context, key string) (objstore.ObjectInfo, error) {
	var info objstore.ObjectInfo
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(objectKey(key))
		if err == badger.ErrKeyNotFound {
			return notFound("head", key)
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			info = objstore.ObjectInfo{
				Key:   key,
				Size:  int64(len(val) - headerSize),
				Mtime: decodeMtime(val),
			}
			return nil
		})
	})
	return info, err
}

// Get implements objstore.Store.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(objectKey(key))
		if err == badger.ErrKeyNotFound {
			return notFound("get", key)
		}
		if err != nil {
			return err
		}
		val, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		if len(val) < headerSize {
			return fmt.Errorf("corrupt object %s: short header", key)
		}
		data = val[headerSize:]
		return nil
	})
	return data, err
}

// Put implements objstore.Store.
func (s *Store) Put(ctx context.Context, key string, data []byte) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		return txn.Set(objectKey(key), encode(data, time.Now()))
	})
}

// Delete implements objstore.Store.
func (s *Store) Delete(ctx context.Context, key string) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		return txn.Delete(objectKey(key))
	})
}

// List implements objstore.Store with a prefix scan, folding deeper keys
// into their first path segment.
func (s *Store) List(ctx context.Context, prefix string) ([]objstore.ObjectInfo, []string, error) {
	var objects []objstore.ObjectInfo
	var prefixes []string

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = objectKey(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		seen := make(map[string]struct{})
		for it.Seek(opts.Prefix); it.ValidForPrefix(opts.Prefix); it.Next() {
			item := it.Item()
			key := strings.TrimPrefix(string(item.Key()), objectPrefix)
			rest := strings.TrimPrefix(key, prefix)

			if i := strings.IndexByte(rest, '/'); i >= 0 {
				name := rest[:i]
				if _, ok := seen[name]; !ok {
					seen[name] = struct{}{}
					prefixes = append(prefixes, name)
				}
				continue
			}

			var mtime time.Time
			if err := item.Value(func(val []byte) error {
				mtime = decodeMtime(val)
				return nil
			}); err != nil {
				return err
			}
			objects = append(objects, objstore.ObjectInfo{
				Key:   key,
				Size:  item.ValueSize() - headerSize,
				Mtime: mtime,
			})
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return objects, prefixes, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Connector opens the database on Connect and closes it on Disconnect.
type Connector struct {
	cfg  Config
	caps client.Capabilities
}

// NewConnector returns a connector for cfg.
func NewConnector(cfg Config, caps client.Capabilities) *Connector {
	return &Connector{cfg: cfg, caps: caps}
}

// Connect implements client.Connector.
func (c *Connector) Connect(ctx context.Context) (client.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	store, err := Open(c.cfg)
	if err != nil {
		return nil, err
	}
	return objstore.NewConn(store, c.caps, store.logger), nil
}

var (
	_ objstore.Store  = (*Store)(nil)
	_ objstore.Closer = (*Store)(nil)
)
