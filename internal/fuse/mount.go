package fuse

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
)

// MountManager manages FUSE mount operations
type MountManager struct {
	mu         sync.Mutex
	filesystem *FileSystem
	server     *fuse.Server
	config     *MountConfig
	mounted    bool
	logger     *slog.Logger
}

// MountConfig contains mount-specific configuration
type MountConfig struct {
	MountPoint   string        `yaml:"mount_point"`
	ReadOnly     bool          `yaml:"read_only"`
	AllowOther   bool          `yaml:"allow_other"`
	Debug        bool          `yaml:"debug"`
	FSName       string        `yaml:"fsname"`
	AttrTimeout  time.Duration `yaml:"attr_timeout"`
	EntryTimeout time.Duration `yaml:"entry_timeout"`
}

// DefaultMountConfig returns mount defaults for mountPoint.
func DefaultMountConfig(mountPoint string) *MountConfig {
	return &MountConfig{
		MountPoint:   mountPoint,
		FSName:       "chfs",
		AttrTimeout:  time.Second,
		EntryTimeout: time.Second,
	}
}

// NewMountManager creates a new mount manager
func NewMountManager(filesystem *FileSystem, config *MountConfig) *MountManager {
	if config == nil {
		config = DefaultMountConfig("")
	}
	return &MountManager{
		filesystem: filesystem,
		config:     config,
		logger:     slog.Default().With("component", "fuse"),
	}
}

// Mount mounts the filesystem at the configured mount point and serves it in
// the background.
func (m *MountManager) Mount(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.mounted {
		return fmt.Errorf("filesystem is already mounted")
	}
	if err := m.validateMountPoint(); err != nil {
		return fmt.Errorf("invalid mount point: %w", err)
	}

	server, err := fs.Mount(m.config.MountPoint, m.filesystem.Root(), m.buildFUSEOptions())
	if err != nil {
		return fmt.Errorf("failed to mount filesystem: %w", err)
	}

	m.server = server
	m.mounted = true
	m.logger.Info("filesystem mounted", "mount_point", m.config.MountPoint, "read_only", m.config.ReadOnly)

	go func() {
		server.Wait()
		m.mu.Lock()
		if m.server == server {
			m.mounted = false
		}
		m.mu.Unlock()
		m.logger.Debug("fuse server stopped", "mount_point", m.config.MountPoint)
	}()

	return nil
}

// Unmount unmounts the filesystem, falling back to a lazy unmount.
func (m *MountManager) Unmount() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.mounted || m.server == nil {
		return fmt.Errorf("filesystem is not mounted")
	}

	if err := m.server.Unmount(); err != nil {
		m.logger.Warn("unmount failed, trying lazy unmount", "mount_point", m.config.MountPoint, "error", err)
		if forceErr := m.forceUnmount(); forceErr != nil {
			return fmt.Errorf("unmount failed: %w (lazy unmount also failed: %v)", err, forceErr)
		}
	}

	m.mounted = false
	m.server = nil
	m.logger.Info("filesystem unmounted", "mount_point", m.config.MountPoint)
	return nil
}

// IsMounted reports whether the filesystem is currently mounted.
func (m *MountManager) IsMounted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mounted
}

// MountPoint returns the configured mount point.
func (m *MountManager) MountPoint() string {
	return m.config.MountPoint
}

// Wait blocks until the FUSE server exits.
func (m *MountManager) Wait() {
	m.mu.Lock()
	server := m.server
	m.mu.Unlock()
	if server != nil {
		server.Wait()
	}
}

// GetStats returns node tree statistics.
func (m *MountManager) GetStats() *Stats {
	if m.filesystem == nil {
		return &Stats{}
	}
	return m.filesystem.GetStats()
}

func (m *MountManager) validateMountPoint() error {
	if m.config.MountPoint == "" {
		return fmt.Errorf("mount point cannot be empty")
	}

	info, err := os.Stat(m.config.MountPoint)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("mount point does not exist: %s", m.config.MountPoint)
		}
		return fmt.Errorf("cannot access mount point: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("mount point is not a directory: %s", m.config.MountPoint)
	}

	entries, err := os.ReadDir(m.config.MountPoint)
	if err != nil {
		return fmt.Errorf("cannot read mount point directory: %w", err)
	}
	if len(entries) > 0 {
		m.logger.Warn("mount point is not empty", "mount_point", m.config.MountPoint)
	}

	if isAlreadyMounted("/proc/mounts", m.config.MountPoint) {
		return fmt.Errorf("mount point %s is already mounted", m.config.MountPoint)
	}
	return nil
}

func (m *MountManager) buildFUSEOptions() *fs.Options {
	attr := m.config.AttrTimeout
	entry := m.config.EntryTimeout

	opts := &fs.Options{
		MountOptions: fuse.MountOptions{
			Name:       m.config.FSName,
			FsName:     m.config.FSName,
			Debug:      m.config.Debug,
			AllowOther: m.config.AllowOther,
		},
		AttrTimeout:  &attr,
		EntryTimeout: &entry,
	}
	if m.config.ReadOnly {
		opts.Options = append(opts.Options, "ro")
	}
	return opts
}

// isAlreadyMounted reports whether mountPoint appears as a mount target in
// the mounts table at table. An unreadable table counts as not mounted.
func isAlreadyMounted(table, mountPoint string) bool {
	f, err := os.Open(table)
	if err != nil {
		return false
	}
	defer f.Close()

	target := filepath.Clean(mountPoint)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) >= 2 && fields[1] == target {
			return true
		}
	}
	return false
}

func (m *MountManager) forceUnmount() error {
	// MNT_DETACH
	return syscall.Unmount(m.config.MountPoint, 2)
}
