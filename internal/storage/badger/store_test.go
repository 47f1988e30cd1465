package badger

import (
	"context"
	"errors"
	"io/fs"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/donkomura/fsspec-chfs/pkg/client"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpen_RequiresDir(t *testing.T) {
	_, err := Open(Config{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "directory cannot be empty")
}

func TestStore_ObjectRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	require.NoError(t, s.Put(ctx, "crow", []byte("caw caw")))

	data, err := s.Get(ctx, "crow")
	require.NoError(t, err)
	assert.Equal(t, "caw caw", string(data))

	info, err := s.Head(ctx, "crow")
	require.NoError(t, err)
	assert.Equal(t, int64(7), info.Size)
	assert.False(t, info.Mtime.IsZero())

	require.NoError(t, s.Delete(ctx, "crow"))
	_, err = s.Get(ctx, "crow")
	assert.True(t, errors.Is(err, fs.ErrNotExist))
	_, err = s.Head(ctx, "crow")
	assert.True(t, errors.Is(err, fs.ErrNotExist))
}

func TestStore_EmptyObject(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	require.NoError(t, s.Put(ctx, "zzz", nil))
	data, err := s.Get(ctx, "zzz")
	require.NoError(t, err)
	assert.Empty(t, data)

	info, err := s.Head(ctx, "zzz")
	require.NoError(t, err)
	assert.Zero(t, info.Size)
}

func TestStore_List(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	for _, k := range []string{"cat/", "cat/dog/", "cat/dog/voice", "cat/voice", "catalog"} {
		require.NoError(t, s.Put(ctx, k, []byte("x")))
	}

	objects, prefixes, err := s.List(ctx, "cat/")
	require.NoError(t, err)
	assert.Equal(t, []string{"dog"}, prefixes)

	keys := make([]string, 0, len(objects))
	for _, o := range objects {
		keys = append(keys, o.Key)
	}
	assert.Equal(t, []string{"cat/", "cat/voice"}, keys)

	objects, prefixes, err = s.List(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"cat"}, prefixes)
	require.Len(t, objects, 1)
	assert.Equal(t, "catalog", objects[0].Key)
	assert.Equal(t, int64(1), objects[0].Size)
}

func TestConnector_FilesystemSemantics(t *testing.T) {
	ctx := context.Background()

	conn, err := NewConnector(Config{InMemory: true}, client.Capabilities{}).Connect(ctx)
	require.NoError(t, err)
	defer conn.Disconnect(ctx)

	require.NoError(t, conn.Mkdir(ctx, "/cat"))
	fd, err := conn.Open(ctx, "/cat/voice", client.FlagReadWrite|client.FlagCreate)
	require.NoError(t, err)
	_, err = conn.Write(ctx, fd, []byte("mew"))
	require.NoError(t, err)
	require.NoError(t, conn.Close(ctx, fd))

	st, err := conn.Stat(ctx, "/cat/voice")
	require.NoError(t, err)
	assert.Equal(t, client.TypeRegular, st.Type)
	assert.Equal(t, int64(3), st.Size)

	names, err := conn.Readdir(ctx, "/cat")
	require.NoError(t, err)
	assert.Equal(t, []string{"voice"}, names)

	err = conn.Mkdir(ctx, "/a/b")
	var se *client.StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, client.StatusNotFound, se.Status)
}

func TestConnector_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewConnector(Config{InMemory: true}, client.Capabilities{}).Connect(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
