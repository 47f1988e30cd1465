package adapter

import (
	"context"
	"io"
	"net"
	"net/http"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/donkomura/fsspec-chfs/internal/config"
	"github.com/donkomura/fsspec-chfs/pkg/errors"
	"github.com/donkomura/fsspec-chfs/pkg/fsspec"
	"github.com/donkomura/fsspec-chfs/pkg/payload"
)

func testConfig() *config.Configuration {
	cfg := config.NewDefault()
	cfg.Global.LogLevel = "ERROR"
	cfg.Storage.Server = "adapter-" + uuid.NewString()
	return cfg
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

func TestNew(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		cfg     func() *config.Configuration
		wantErr bool
	}{
		{
			name: "nil config uses defaults",
			cfg:  func() *config.Configuration { return nil },
		},
		{
			name: "valid config",
			cfg:  testConfig,
		},
		{
			name: "unknown backend",
			cfg: func() *config.Configuration {
				cfg := testConfig()
				cfg.Storage.Backend = "tape"
				return cfg
			},
			wantErr: true,
		},
		{
			name: "fuse without mount point",
			cfg: func() *config.Configuration {
				cfg := testConfig()
				cfg.FUSE.Enabled = true
				return cfg
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, err := New(context.Background(), tt.cfg())
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.IsCode(err, errors.ErrCodeConfigInvalid))
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, a.Config())
			assert.Nil(t, a.Registry())
		})
	}
}

func TestNew_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New(ctx, testConfig())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestStartStop(t *testing.T) {
	ctx := context.Background()
	a, err := New(ctx, testConfig())
	require.NoError(t, err)

	_, err = a.Filesystem(ctx, fsspec.SchemeStub)
	assert.Error(t, err)

	require.NoError(t, a.Start(ctx))
	assert.Error(t, a.Start(ctx))
	assert.False(t, a.Mounted())

	fs, err := a.Filesystem(ctx, fsspec.SchemeStub)
	require.NoError(t, err)
	require.NoError(t, fs.Pipe(ctx, "/hello", payload.String("world")))
	assert.Equal(t, 1, a.Registry().Sessions())

	again, err := a.Filesystem(ctx, fsspec.SchemeStub)
	require.NoError(t, err)
	assert.Same(t, fs.Session(), again.Session())

	data, err := again.Cat(ctx, "/hello")
	require.NoError(t, err)
	assert.Equal(t, "world", string(data))

	require.NoError(t, a.Stop(ctx))
	require.NoError(t, a.Stop(ctx))
	assert.Equal(t, 0, a.Registry().Sessions())

	err = fs.Pipe(ctx, "/hello", payload.String("late"))
	assert.True(t, errors.IsCode(err, errors.ErrCodeSessionError))
}

func TestStart_MetricsRecordOperations(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.Metrics.Enabled = true
	cfg.Metrics.Port = freePort(t)

	a, err := New(ctx, cfg)
	require.NoError(t, err)
	require.NoError(t, a.Start(ctx))
	defer a.Stop(ctx)

	fs, err := a.Filesystem(ctx, fsspec.SchemeStub)
	require.NoError(t, err)
	require.NoError(t, fs.Pipe(ctx, "/m", payload.Bytes([]byte("abc"))))
	_, err = fs.Cat(ctx, "/missing")
	require.Error(t, err)

	ops := a.Metrics().Operations()
	assert.Equal(t, int64(1), ops["pipe"].Count)
	assert.Equal(t, int64(1), ops["cat"].Errors)

	resp, err := http.Get("http://127.0.0.1:" + strconv.Itoa(cfg.Metrics.Port) + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Contains(t, string(body), `chfs_operations_total{operation="pipe",status="success"} 1`)
	assert.Contains(t, string(body), `chfs_errors_total{code="NOT_FOUND",operation="cat"} 1`)
}

func TestStart_MountFailureReleasesSession(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.FUSE.Enabled = true
	cfg.FUSE.Scheme = fsspec.SchemeStub
	cfg.FUSE.MountPoint = filepath.Join(t.TempDir(), "missing")

	a, err := New(ctx, cfg)
	require.NoError(t, err)

	err = a.Start(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to mount")
	assert.False(t, a.Mounted())
	assert.Equal(t, 0, a.Registry().Sessions())
	assert.NoError(t, a.Stop(ctx))
}

func TestStart_UnknownMountScheme(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.FUSE.Enabled = true
	cfg.FUSE.Scheme = "foo"
	cfg.FUSE.MountPoint = t.TempDir()

	a, err := New(ctx, cfg)
	require.NoError(t, err)

	err = a.Start(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrUnknownScheme))
}
