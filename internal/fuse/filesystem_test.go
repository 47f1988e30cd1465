package fuse

import (
	"context"
	stderr "errors"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/donkomura/fsspec-chfs/internal/config"
	"github.com/donkomura/fsspec-chfs/pkg/errors"
	"github.com/donkomura/fsspec-chfs/pkg/fsspec"
	"github.com/donkomura/fsspec-chfs/pkg/payload"
)

func newTestFileSystem(t *testing.T, readOnly bool) (*FileSystem, *fsspec.FileSystem) {
	t.Helper()
	cfg := config.NewDefault()
	cfg.Storage.Server = "fuse-" + uuid.NewString()

	reg := fsspec.NewRegistry(fsspec.RegistryOptions{})
	adapter, err := reg.Filesystem(context.Background(), fsspec.SchemeStub, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = adapter.Close(context.Background()) })

	return NewFileSystem(adapter, &Config{ReadOnly: readOnly, UID: 1000, GID: 1000}), adapter
}

func TestToErrno(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want syscall.Errno
	}{
		{"nil", nil, fs.OK},
		{"not found", errors.NewError(errors.ErrCodeNotFound, "x"), syscall.ENOENT},
		{"exists", errors.NewError(errors.ErrCodeAlreadyExists, "x"), syscall.EEXIST},
		{"not empty", errors.NewError(errors.ErrCodeDirectoryNotEmpty, "x"), syscall.ENOTEMPTY},
		{"not dir", errors.NewError(errors.ErrCodeNotDirectory, "x"), syscall.ENOTDIR},
		{"is dir", errors.NewError(errors.ErrCodeIsDirectory, "x"), syscall.EISDIR},
		{"closed", errors.NewError(errors.ErrCodeHandleClosed, "x"), syscall.EBADF},
		{"session", errors.Session("connect", stderr.New("down")), syscall.EIO},
		{"plain", stderr.New("boom"), syscall.EIO},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, toErrno(tt.err))
		})
	}
}

func TestOpenMode(t *testing.T) {
	tests := []struct {
		name  string
		flags int
		want  fsspec.Mode
	}{
		{"read only", syscall.O_RDONLY, fsspec.ModeRead},
		{"write only", syscall.O_WRONLY, fsspec.ModeWrite},
		{"read write", syscall.O_RDWR, fsspec.ModeRead | fsspec.ModeWrite},
		{"truncate", syscall.O_WRONLY | syscall.O_TRUNC, fsspec.ModeWrite | fsspec.ModeTruncate},
		{"append", syscall.O_WRONLY | syscall.O_APPEND, fsspec.ModeWrite | fsspec.ModeAppend},
		{"truncate ignored on read", syscall.O_RDONLY | syscall.O_TRUNC, fsspec.ModeRead},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, openMode(uint32(tt.flags)))
		})
	}
}

func TestFillAttr(t *testing.T) {
	fsys := NewFileSystem(nil, nil)
	mtime := time.Unix(1700000000, 500)

	var out fuse.Attr
	fsys.fillAttr(fsspec.Info{Name: "/a", Type: fsspec.TypeFile, Size: 1025, Mtime: mtime}, &out)
	assert.Equal(t, uint32(fuse.S_IFREG|0644), out.Mode)
	assert.Equal(t, uint64(1025), out.Size)
	assert.Equal(t, uint64(3), out.Blocks)
	assert.Equal(t, uint64(1700000000), out.Mtime)
	assert.Equal(t, uint32(500), out.Mtimensec)
	assert.Equal(t, uint32(1), out.Nlink)

	out = fuse.Attr{}
	fsys.fillAttr(fsspec.Info{Name: "/d", Type: fsspec.TypeDirectory}, &out)
	assert.Equal(t, uint32(fuse.S_IFDIR|0755), out.Mode)
	assert.Equal(t, uint32(2), out.Nlink)

	assert.Equal(t, uint32(fuse.S_IFLNK), modeOf(fsspec.Info{Type: fsspec.TypeSymlink}))
}

func TestNode_GetattrAndReaddir(t *testing.T) {
	ctx := context.Background()
	fsys, adapter := newTestFileSystem(t, false)
	require.NoError(t, adapter.Mkdirs(ctx, "/data", false))
	require.NoError(t, adapter.Pipe(ctx, "/data/a", payload.String("hello")))
	require.NoError(t, adapter.Mkdirs(ctx, "/data/sub", false))

	node := &Node{fsys: fsys, path: "/data/a"}
	var out fuse.AttrOut
	require.Equal(t, fs.OK, node.Getattr(ctx, nil, &out))
	assert.Equal(t, uint64(5), out.Size)
	assert.Equal(t, uint32(1000), out.Uid)

	missing := &Node{fsys: fsys, path: "/data/missing"}
	assert.Equal(t, syscall.ENOENT, missing.Getattr(ctx, nil, &out))

	dir := &Node{fsys: fsys, path: "/data"}
	stream, errno := dir.Readdir(ctx)
	require.Equal(t, fs.OK, errno)

	var names []string
	modes := map[string]uint32{}
	for stream.HasNext() {
		e, errno := stream.Next()
		require.Equal(t, fs.OK, errno)
		names = append(names, e.Name)
		modes[e.Name] = e.Mode
	}
	assert.Equal(t, []string{"a", "sub"}, names)
	assert.Equal(t, uint32(fuse.S_IFDIR), modes["sub"])

	stats := fsys.GetStats()
	assert.Equal(t, int64(1), stats.Errors)
}

func TestNode_RemoveChecks(t *testing.T) {
	ctx := context.Background()
	fsys, adapter := newTestFileSystem(t, false)
	require.NoError(t, adapter.Mkdirs(ctx, "/d/full", false))
	require.NoError(t, adapter.Pipe(ctx, "/d/full/x", payload.String("x")))
	require.NoError(t, adapter.Pipe(ctx, "/d/file", payload.String("y")))

	parent := &Node{fsys: fsys, path: "/d"}
	assert.Equal(t, syscall.ENOTDIR, parent.Rmdir(ctx, "file"))
	assert.Equal(t, syscall.EISDIR, parent.Unlink(ctx, "full"))
	assert.Equal(t, syscall.ENOTEMPTY, parent.Rmdir(ctx, "full"))
	assert.Equal(t, syscall.ENOENT, parent.Unlink(ctx, "nope"))

	assert.Equal(t, fs.OK, parent.Unlink(ctx, "file"))
	ok, err := adapter.Exists(ctx, "/d/file")
	require.NoError(t, err)
	assert.False(t, ok)

	require.Equal(t, fs.OK, (&Node{fsys: fsys, path: "/d/full"}).Unlink(ctx, "x"))
	assert.Equal(t, fs.OK, parent.Rmdir(ctx, "full"))
	assert.Equal(t, int64(3), fsys.GetStats().Deletes)
}

func TestHandle_ReadWriteTruncate(t *testing.T) {
	ctx := context.Background()
	fsys, adapter := newTestFileSystem(t, false)
	require.NoError(t, adapter.Pipe(ctx, "/f", payload.String("abcdef")))

	node := &Node{fsys: fsys, path: "/f"}
	fh, _, errno := node.Open(ctx, uint32(syscall.O_RDWR))
	require.Equal(t, fs.OK, errno)
	h := fh.(*handle)

	buf := make([]byte, 4)
	res, errno := h.Read(ctx, buf, 2)
	require.Equal(t, fs.OK, errno)
	data, _ := res.Bytes(nil)
	assert.Equal(t, "cdef", string(data))

	res, errno = h.Read(ctx, buf, 4)
	require.Equal(t, fs.OK, errno)
	data, _ = res.Bytes(nil)
	assert.Equal(t, "ef", string(data))

	n, errno := h.Write(ctx, []byte("XY"), 1)
	require.Equal(t, fs.OK, errno)
	assert.Equal(t, uint32(2), n)

	require.Equal(t, fs.OK, h.truncate(4))
	require.Equal(t, fs.OK, h.Flush(ctx))
	require.Equal(t, fs.OK, h.Release(ctx))
	assert.Equal(t, fs.OK, h.Flush(ctx))

	got, err := adapter.Cat(ctx, "/f")
	require.NoError(t, err)
	assert.Equal(t, "aXYd", string(got))

	stats := fsys.GetStats()
	assert.Equal(t, int64(1), stats.Opens)
	assert.Equal(t, int64(2), stats.Reads)
	assert.Equal(t, int64(6), stats.BytesRead)
	assert.Equal(t, int64(2), stats.BytesWritten)
}

func TestNode_Setattr(t *testing.T) {
	ctx := context.Background()
	fsys, adapter := newTestFileSystem(t, false)
	require.NoError(t, adapter.Pipe(ctx, "/f", payload.String("abcdef")))

	node := &Node{fsys: fsys, path: "/f"}
	in := &fuse.SetAttrIn{}
	in.Valid = fuse.FATTR_SIZE
	in.Size = 2

	var out fuse.AttrOut
	require.Equal(t, fs.OK, node.Setattr(ctx, nil, in, &out))
	assert.Equal(t, uint64(2), out.Size)

	got, err := adapter.Cat(ctx, "/f")
	require.NoError(t, err)
	assert.Equal(t, "ab", string(got))
}

func TestReadOnly(t *testing.T) {
	ctx := context.Background()
	fsys, adapter := newTestFileSystem(t, true)
	require.NoError(t, adapter.Pipe(ctx, "/f", payload.String("abc")))

	node := &Node{fsys: fsys, path: "/f"}
	_, _, errno := node.Open(ctx, uint32(syscall.O_WRONLY))
	assert.Equal(t, syscall.EROFS, errno)

	root := &Node{fsys: fsys, path: "/"}
	assert.Equal(t, syscall.EROFS, root.Unlink(ctx, "f"))
	assert.Equal(t, syscall.EROFS, root.Rmdir(ctx, "f"))

	fh, _, errno := node.Open(ctx, uint32(syscall.O_RDONLY))
	require.Equal(t, fs.OK, errno)
	h := fh.(*handle)
	_, errno = h.Write(ctx, []byte("x"), 0)
	assert.Equal(t, syscall.EROFS, errno)
	assert.Equal(t, fs.OK, h.Release(ctx))
}

func TestBuildFUSEOptions(t *testing.T) {
	cfg := DefaultMountConfig("/mnt/chfs")
	cfg.ReadOnly = true
	cfg.AllowOther = true
	m := NewMountManager(nil, cfg)

	opts := m.buildFUSEOptions()
	assert.Equal(t, "chfs", opts.MountOptions.FsName)
	assert.True(t, opts.MountOptions.AllowOther)
	assert.Contains(t, opts.MountOptions.Options, "ro")
	require.NotNil(t, opts.AttrTimeout)
	assert.Equal(t, time.Second, *opts.AttrTimeout)
	assert.Equal(t, time.Second, *opts.EntryTimeout)
}

func TestValidateMountPoint(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))

	tests := []struct {
		name    string
		mp      string
		wantErr bool
	}{
		{"empty", "", true},
		{"missing", filepath.Join(dir, "missing"), true},
		{"file", file, true},
		{"non-empty directory", dir, false},
		{"empty directory", t.TempDir(), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMountManager(nil, DefaultMountConfig(tt.mp))
			err := m.validateMountPoint()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestIsAlreadyMounted(t *testing.T) {
	table := filepath.Join(t.TempDir(), "mounts")
	require.NoError(t, os.WriteFile(table, []byte(
		"proc /proc proc rw 0 0\nchfs /mnt/chfs fuse.chfs rw 0 0\n"), 0o644))

	assert.True(t, isAlreadyMounted(table, "/mnt/chfs/"))
	assert.False(t, isAlreadyMounted(table, "/mnt"))
	assert.False(t, isAlreadyMounted(filepath.Join(t.TempDir(), "none"), "/mnt/chfs"))
}

func TestMountManager_NotMounted(t *testing.T) {
	m := NewMountManager(nil, nil)
	assert.False(t, m.IsMounted())
	assert.Error(t, m.Unmount())
	assert.Equal(t, &Stats{}, m.GetStats())
	m.Wait()
}
