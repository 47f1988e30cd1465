package fsspec

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/donkomura/fsspec-chfs/internal/config"
	"github.com/donkomura/fsspec-chfs/internal/session"
	"github.com/donkomura/fsspec-chfs/pkg/errors"
	"github.com/donkomura/fsspec-chfs/pkg/payload"
)

type recordedOp struct {
	op   string
	size int64
	err  error
}

type fakeRecorder struct {
	mu  sync.Mutex
	ops []recordedOp
}

func (r *fakeRecorder) RecordOperation(op string, _ time.Duration, size int64, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops = append(r.ops, recordedOp{op: op, size: size, err: err})
}

func (r *fakeRecorder) count(op string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, o := range r.ops {
		if o.op == op {
			n++
		}
	}
	return n
}

// stubConfig returns a configuration whose stub server no other test shares.
func stubConfig() *config.Configuration {
	cfg := config.NewDefault()
	cfg.Storage.Server = "stub-" + uuid.NewString()
	return cfg
}

func newTestFS(t *testing.T) *FileSystem {
	t.Helper()
	reg := NewRegistry(RegistryOptions{})
	fs, err := reg.Filesystem(context.Background(), SchemeStub, stubConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = fs.Close(context.Background()) })
	return fs
}

func TestPipeAndCat(t *testing.T) {
	ctx := context.Background()
	fs := newTestFS(t)

	require.NoError(t, fs.Pipe(ctx, "chfs_stub://caw", payload.String("caw caw")))

	data, err := fs.Cat(ctx, "/caw")
	require.NoError(t, err)
	assert.Equal(t, "caw caw", string(data))
}

func TestPipeManyAndCatMany(t *testing.T) {
	ctx := context.Background()
	fs := newTestFS(t)

	in := map[string]payload.Payload{
		"p1": payload.String("aaa"),
		"p2": payload.Bytes([]byte("bbb")),
		"p3": payload.Buffer(bytes.NewBufferString("ccc")),
	}
	require.NoError(t, fs.PipeMany(ctx, in))

	out, err := fs.CatMany(ctx, []string{"p1", "p2", "p3"})
	require.NoError(t, err)
	assert.Equal(t, map[string][]byte{
		"p1": []byte("aaa"),
		"p2": []byte("bbb"),
		"p3": []byte("ccc"),
	}, out)
}

func TestOpenWriteThenRead(t *testing.T) {
	ctx := context.Background()
	fs := newTestFS(t)

	f, err := fs.OpenFile(ctx, "zzz", ModeWrite|ModeCreate|ModeTruncate)
	require.NoError(t, err)
	n, err := f.WriteString("zzz")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	require.NoError(t, f.Close())

	f, err = fs.OpenFile(ctx, "zzz", ModeRead)
	require.NoError(t, err)
	defer f.Close()
	data, err := f.ReadAll()
	require.NoError(t, err)
	assert.Equal(t, "zzz", string(data))
}

func TestFile_ReadInto(t *testing.T) {
	ctx := context.Background()
	fs := newTestFS(t)
	require.NoError(t, fs.Pipe(ctx, "ri", payload.String("0123456789")))

	f, err := fs.OpenFile(ctx, "ri", ModeRead)
	require.NoError(t, err)
	defer f.Close()

	buf := make([]byte, 4)
	n, err := f.ReadInto(buf)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, "0123", string(buf))

	big := make([]byte, 16)
	n, err = f.ReadInto(big)
	require.NoError(t, err)
	assert.Equal(t, 6, n)
	assert.Equal(t, "456789", string(big[:n]))

	n, err = f.ReadInto(buf)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestFile_SeekRelative(t *testing.T) {
	ctx := context.Background()
	fs := newTestFS(t)

	f, err := fs.Open(ctx, "abc")
	require.NoError(t, err)
	defer f.Close()

	_, err = f.WriteString("abcdef")
	require.NoError(t, err)
	assert.Equal(t, int64(6), f.Tell())

	pos, err := f.Seek(-3, io.SeekCurrent)
	require.NoError(t, err)
	assert.Equal(t, int64(3), pos)

	data, err := f.ReadN(3)
	require.NoError(t, err)
	assert.Equal(t, "def", string(data))

	_, err = f.Seek(-10, io.SeekCurrent)
	assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidArgument))
	_, err = f.Seek(0, 7)
	assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidArgument))
}

func TestFile_ReadAtKeepsCursor(t *testing.T) {
	ctx := context.Background()
	fs := newTestFS(t)
	require.NoError(t, fs.Pipe(ctx, "ra", payload.String("abcdef")))

	f, err := fs.OpenFile(ctx, "ra", ModeRead)
	require.NoError(t, err)
	defer f.Close()

	_, err = f.ReadN(1)
	require.NoError(t, err)

	buf := make([]byte, 2)
	n, err := f.ReadAt(buf, 4)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, "ef", string(buf))
	assert.Equal(t, int64(1), f.Tell())

	n, err = f.ReadAt(buf, 5)
	assert.Equal(t, io.EOF, err)
	assert.Equal(t, 1, n)
}

func TestFile_AppendAndTruncate(t *testing.T) {
	ctx := context.Background()
	fs := newTestFS(t)
	require.NoError(t, fs.Pipe(ctx, "log", payload.String("one")))

	f, err := fs.OpenFile(ctx, "log", ModeWrite|ModeCreate|ModeAppend)
	require.NoError(t, err)
	assert.Equal(t, int64(3), f.Tell())
	_, err = f.WriteString("two")
	require.NoError(t, err)
	assert.True(t, f.Dirty())
	require.NoError(t, f.Flush())
	assert.False(t, f.Dirty())
	require.NoError(t, f.Close())

	data, err := fs.Cat(ctx, "log")
	require.NoError(t, err)
	assert.Equal(t, "onetwo", string(data))

	f, err = fs.Open(ctx, "log")
	require.NoError(t, err)
	require.NoError(t, f.Truncate(2))
	require.NoError(t, f.Close())

	info, err := fs.Info(ctx, "log")
	require.NoError(t, err)
	assert.Equal(t, int64(2), info.Size)
}

func TestFile_ModeAndCloseChecks(t *testing.T) {
	ctx := context.Background()
	fs := newTestFS(t)
	require.NoError(t, fs.Pipe(ctx, "ro", payload.String("x")))

	f, err := fs.OpenFile(ctx, "ro", ModeRead)
	require.NoError(t, err)

	_, err = f.WriteString("y")
	assert.True(t, errors.IsCode(err, errors.ErrCodeUnsupportedOperation))

	require.NoError(t, f.Close())
	require.NoError(t, f.Close())
	assert.True(t, f.Closed())

	_, err = f.Read(make([]byte, 1))
	assert.True(t, errors.IsCode(err, errors.ErrCodeHandleClosed))
	_, err = f.Stat()
	assert.True(t, errors.IsCode(err, errors.ErrCodeHandleClosed))

	_, err = fs.OpenFile(ctx, "missing", ModeRead)
	assert.True(t, errors.Is(err, errors.ErrNotFound))

	_, err = fs.OpenFile(ctx, "ro", ModeWrite|ModeCreate|ModeExclusive)
	assert.True(t, errors.IsCode(err, errors.ErrCodeAlreadyExists))
}

func TestFile_BinaryEncoding(t *testing.T) {
	ctx := context.Background()
	fs := newTestFS(t)
	want := []float64{0, 1.5, -2.25, 1e9}

	err := fs.WithFile(ctx, "arr.bin", ModeWrite|ModeCreate|ModeTruncate, func(f *File) error {
		return binary.Write(f, binary.LittleEndian, want)
	})
	require.NoError(t, err)

	got := make([]float64, len(want))
	err = fs.WithFile(ctx, "arr.bin", ModeRead, func(f *File) error {
		return binary.Read(f, binary.LittleEndian, got)
	})
	require.NoError(t, err)
	assert.Equal(t, want, got)

	info, err := fs.Info(ctx, "arr.bin")
	require.NoError(t, err)
	assert.Equal(t, int64(8*len(want)), info.Size)
}

func TestWithFile_ClosesOnPanic(t *testing.T) {
	ctx := context.Background()
	fs := newTestFS(t)

	assert.Panics(t, func() {
		_ = fs.WithFile(ctx, "p", ModeDefault, func(*File) error {
			panic("boom")
		})
	})
	assert.Equal(t, 0, fs.Session().OpenDescriptors())
}

func TestMkdirs(t *testing.T) {
	ctx := context.Background()
	fs := newTestFS(t)

	require.NoError(t, fs.Mkdirs(ctx, "cat/dog/crow", true))
	require.NoError(t, fs.Mkdirs(ctx, "cat/dog/crow", true))

	err := fs.Mkdirs(ctx, "cat/dog/crow", false)
	assert.True(t, errors.IsCode(err, errors.ErrCodeAlreadyExists))

	for _, p := range []string{"cat", "cat/dog", "cat/dog/crow"} {
		ok, err := fs.IsDir(ctx, p)
		require.NoError(t, err)
		assert.True(t, ok, p)
	}

	require.NoError(t, fs.PipeFile(ctx, "cat/dog/crow/voice", payload.String("mew woof caw")))
	ok, err := fs.IsFile(ctx, "cat/dog/crow/voice")
	require.NoError(t, err)
	assert.True(t, ok)

	err = fs.Mkdirs(ctx, "cat/dog/crow/voice", true)
	assert.True(t, errors.IsCode(err, errors.ErrCodeAlreadyExists))
}

func TestMkdir(t *testing.T) {
	ctx := context.Background()
	fs := newTestFS(t)

	err := fs.Mkdir(ctx, "a/b", false)
	assert.True(t, errors.IsCode(err, errors.ErrCodeMissingParent))

	require.NoError(t, fs.Mkdir(ctx, "a/b", true))
	require.NoError(t, fs.Mkdir(ctx, "a/b/c", false))

	err = fs.Mkdir(ctx, "a", false)
	assert.True(t, errors.Is(err, errors.ErrAlreadyExists))
}

func TestMkdir_DepthLimit(t *testing.T) {
	ctx := context.Background()
	cfg := stubConfig()
	cfg.Storage.MaxCreateDepth = 2

	reg := NewRegistry(RegistryOptions{})
	fs, err := reg.Filesystem(ctx, SchemeStub, cfg)
	require.NoError(t, err)
	defer fs.Close(ctx)

	err = fs.Mkdirs(ctx, "x/y/z", true)
	assert.True(t, errors.IsCode(err, errors.ErrCodeUnsupportedOperation))
	ok, err := fs.Exists(ctx, "x")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, fs.Mkdirs(ctx, "x/y", true))
	require.NoError(t, fs.Mkdirs(ctx, "x/y/z", true))
}

func TestInfo(t *testing.T) {
	ctx := context.Background()
	fs := newTestFS(t)
	require.NoError(t, fs.Mkdirs(ctx, "cat/dog", true))
	require.NoError(t, fs.Pipe(ctx, "cat/dog/voice", payload.String("mew woof caw")))

	info, err := fs.Info(ctx, "cat/dog")
	require.NoError(t, err)
	assert.Equal(t, "/cat/dog", info.Name)
	assert.Equal(t, TypeDirectory, info.Type)
	assert.False(t, info.IsLink)

	info, err = fs.Info(ctx, "cat/dog/voice")
	require.NoError(t, err)
	assert.Equal(t, TypeFile, info.Type)
	assert.Equal(t, int64(12), info.Size)
	assert.False(t, info.Mtime.IsZero())

	_, err = fs.Info(ctx, "nope")
	assert.True(t, errors.Is(err, errors.ErrNotFound))

	ok, err := fs.Exists(ctx, "nope")
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = fs.IsFile(ctx, "cat")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestInfo_FollowsLinks(t *testing.T) {
	ctx := context.Background()
	fs := newTestFS(t)
	require.NoError(t, fs.Mkdir(ctx, "real", false))
	require.NoError(t, fs.Session().Symlink(ctx, "/real", "/alias"))
	require.NoError(t, fs.Session().Symlink(ctx, "/gone", "/dangling"))

	info, err := fs.Info(ctx, "alias")
	require.NoError(t, err)
	assert.Equal(t, TypeDirectory, info.Type)
	assert.True(t, info.IsLink)

	info, err = fs.Info(ctx, "dangling")
	require.NoError(t, err)
	assert.Equal(t, TypeSymlink, info.Type)
}

func TestLs(t *testing.T) {
	ctx := context.Background()
	fs := newTestFS(t)
	require.NoError(t, fs.Mkdirs(ctx, "d/sub", true))
	require.NoError(t, fs.Pipe(ctx, "d/b", payload.String("bb")))
	require.NoError(t, fs.Pipe(ctx, "d/a", payload.String("a")))

	infos, err := fs.Ls(ctx, "d")
	require.NoError(t, err)
	require.Len(t, infos, 3)
	assert.Equal(t, "/d/a", infos[0].Name)
	assert.Equal(t, "/d/b", infos[1].Name)
	assert.Equal(t, int64(2), infos[1].Size)
	assert.Equal(t, "/d/sub", infos[2].Name)
	assert.True(t, infos[2].IsDir())

	infos, err = fs.Ls(ctx, "d/a")
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, TypeFile, infos[0].Type)
}

func TestRm(t *testing.T) {
	ctx := context.Background()
	fs := newTestFS(t)
	require.NoError(t, fs.Mkdirs(ctx, "cat/dog/crow", true))
	require.NoError(t, fs.Pipe(ctx, "cat/dog/crow/voice", payload.String("mew woof caw")))
	require.NoError(t, fs.Pipe(ctx, "cat/meow", payload.String("meow")))

	err := fs.Rm(ctx, "cat", false)
	assert.True(t, errors.IsCode(err, errors.ErrCodeDirectoryNotEmpty))

	require.NoError(t, fs.Rm(ctx, "cat/meow", false))
	require.NoError(t, fs.Rm(ctx, "cat", true))

	ok, err := fs.Exists(ctx, "cat")
	require.NoError(t, err)
	assert.False(t, ok)

	err = fs.Rm(ctx, "cat", true)
	assert.True(t, errors.Is(err, errors.ErrNotFound))
}

func TestRm_RootIsRefused(t *testing.T) {
	ctx := context.Background()
	fs := newTestFS(t)
	require.NoError(t, fs.Pipe(ctx, "top", payload.String("x")))

	for _, root := range []string{"/", "."} {
		err := fs.Rm(ctx, root, true)
		assert.True(t, errors.IsCode(err, errors.ErrCodePermissionDenied), root)
	}

	ok, err := fs.Exists(ctx, "top")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRm_RemovesLinkNotTarget(t *testing.T) {
	ctx := context.Background()
	fs := newTestFS(t)
	require.NoError(t, fs.Mkdir(ctx, "keep", false))
	require.NoError(t, fs.Pipe(ctx, "keep/f", payload.String("x")))
	require.NoError(t, fs.Mkdir(ctx, "tree", false))
	require.NoError(t, fs.Session().Symlink(ctx, "/keep", "/tree/link"))

	require.NoError(t, fs.Rm(ctx, "tree", true))

	data, err := fs.Cat(ctx, "keep/f")
	require.NoError(t, err)
	assert.Equal(t, "x", string(data))
}

func TestRmMany(t *testing.T) {
	ctx := context.Background()
	fs := newTestFS(t)
	paths := []string{"r1", "r2", "r3"}
	for _, p := range paths {
		require.NoError(t, fs.Touch(ctx, p))
	}

	require.NoError(t, fs.RmMany(ctx, paths, false))
	for _, p := range paths {
		ok, err := fs.Exists(ctx, p)
		require.NoError(t, err)
		assert.False(t, ok, p)
	}
}

func TestTouch(t *testing.T) {
	ctx := context.Background()
	fs := newTestFS(t)
	paths := []string{"t1", "t2", "t3"}
	for _, p := range paths {
		require.NoError(t, fs.Touch(ctx, p))
	}

	out, err := fs.CatMany(ctx, paths)
	require.NoError(t, err)
	for _, p := range paths {
		assert.Equal(t, []byte{}, out[p], p)
	}

	require.NoError(t, fs.Pipe(ctx, "t1", payload.String("keep")))
	require.NoError(t, fs.Touch(ctx, "t1"))
	data, err := fs.Cat(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "keep", string(data))
}

func TestMkdir_DepthLimitPerConfigOnSharedServer(t *testing.T) {
	ctx := context.Background()
	unlimited := stubConfig()
	limited := stubConfig()
	limited.Storage.Server = unlimited.Storage.Server
	limited.Storage.MaxCreateDepth = 1

	reg := NewRegistry(RegistryOptions{})
	fsA, err := reg.Filesystem(ctx, SchemeStub, unlimited)
	require.NoError(t, err)
	defer fsA.Close(ctx)
	fsB, err := reg.Filesystem(ctx, SchemeStub, limited)
	require.NoError(t, err)
	defer fsB.Close(ctx)
	require.NotSame(t, fsA.Session(), fsB.Session())

	require.NoError(t, fsA.Mkdirs(ctx, "a/b/c", true))

	err = fsB.Mkdirs(ctx, "d/e/f", true)
	assert.True(t, errors.IsCode(err, errors.ErrCodeUnsupportedOperation))
	ok, err := fsB.Exists(ctx, "d")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = fsB.Exists(ctx, "a/b/c")
	require.NoError(t, err)
	assert.True(t, ok, "configs on one server share a namespace")
}

func TestPipe_InvalidPayloadDoesNotConnect(t *testing.T) {
	ctx := context.Background()
	bad, err := payload.FromSlice([]int8{1, 2})
	require.NoError(t, err)

	t.Run("pipe", func(t *testing.T) {
		fs := newTestFS(t)
		err := fs.Pipe(ctx, "x", bad)
		assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidPayloadType))
		assert.Equal(t, session.StateDisconnected, fs.Session().State())
		assert.Equal(t, 0, fs.Session().OpenDescriptors())
	})

	t.Run("pipe many", func(t *testing.T) {
		fs := newTestFS(t)
		err := fs.PipeMany(ctx, map[string]payload.Payload{
			"a": payload.String("a"),
			"b": bad,
		})
		assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidPayloadType))
		assert.Equal(t, session.StateDisconnected, fs.Session().State())
		assert.Equal(t, 0, fs.Session().OpenDescriptors())
	})
}

func TestFile_WritePayload(t *testing.T) {
	ctx := context.Background()
	fs := newTestFS(t)

	f, err := fs.OpenFile(ctx, "wp", ModeWrite|ModeCreate|ModeTruncate)
	require.NoError(t, err)

	u8, err := payload.FromSlice([]uint8{7, 8})
	require.NoError(t, err)
	n, err := f.WritePayload(u8)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	bad, err := payload.FromSlice([]int8{1})
	require.NoError(t, err)
	n, err = f.WritePayload(bad)
	assert.Equal(t, 0, n)
	assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidPayloadType))

	n, err = f.WritePayload(payload.String("!"))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.NoError(t, f.Close())

	data, err := fs.Cat(ctx, "wp")
	require.NoError(t, err)
	assert.Equal(t, []byte{7, 8, '!'}, data)
}

func TestPipe_PayloadTypes(t *testing.T) {
	ctx := context.Background()
	fs := newTestFS(t)

	u8, err := payload.FromSlice([]uint8{1, 2, 3})
	require.NoError(t, err)
	require.NoError(t, fs.Pipe(ctx, "u8", u8))
	data, err := fs.Cat(ctx, "u8")
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, data)

	tests := []struct {
		name  string
		slice interface{}
	}{
		{"int8", []int8{1, 2, 3}},
		{"uint32", []uint32{1, 2, 3}},
		{"float64", []float64{1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := payload.FromSlice(tt.slice)
			require.NoError(t, err)

			err = fs.Pipe(ctx, tt.name, p)
			assert.True(t, errors.Is(err, errors.ErrInvalidPayloadType))

			ok, err := fs.Exists(ctx, tt.name)
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestPipeMany_InvalidPayloadWritesNothing(t *testing.T) {
	ctx := context.Background()
	fs := newTestFS(t)

	bad, err := payload.FromSlice([]int8{1})
	require.NoError(t, err)

	err = fs.PipeMany(ctx, map[string]payload.Payload{
		"good1": payload.String("a"),
		"bad":   bad,
		"good2": payload.String("b"),
	})
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidPayloadType))

	for _, p := range []string{"good1", "good2", "bad"} {
		ok, err := fs.Exists(ctx, p)
		require.NoError(t, err)
		assert.False(t, ok, p)
	}
}

func TestCatMany_PartialFailure(t *testing.T) {
	ctx := context.Background()
	fs := newTestFS(t)
	require.NoError(t, fs.Pipe(ctx, "here", payload.String("yes")))

	out, err := fs.CatMany(ctx, []string{"here", "missing"})
	require.Error(t, err)

	var be *BatchError
	require.True(t, errors.As(err, &be))
	assert.Equal(t, "cat", be.Op)
	assert.Equal(t, 2, be.Total)
	assert.Equal(t, []string{"missing"}, be.Failed())
	assert.True(t, errors.Is(err, errors.ErrNotFound))
	assert.Contains(t, err.Error(), "1 of 2 paths failed")

	assert.Equal(t, map[string][]byte{"here": []byte("yes")}, out)
}

func TestFind(t *testing.T) {
	ctx := context.Background()
	fs := newTestFS(t)
	require.NoError(t, fs.Mkdirs(ctx, "f/b/c", true))
	require.NoError(t, fs.Mkdir(ctx, "f/empty", false))
	for _, p := range []string{"f/z", "f/b/y", "f/b/c/x", "f/a"} {
		require.NoError(t, fs.Touch(ctx, p))
	}
	require.NoError(t, fs.Session().Symlink(ctx, "/f/b", "/f/link"))

	files, err := fs.Find(ctx, "f")
	require.NoError(t, err)
	assert.Equal(t, []string{"/f/a", "/f/b/c/x", "/f/b/y", "/f/z"}, files)

	files, err = fs.Find(ctx, "nowhere")
	require.NoError(t, err)
	assert.Empty(t, files)

	files, err = fs.Find(ctx, "f/a")
	require.NoError(t, err)
	assert.Equal(t, []string{"/f/a"}, files)
}

func TestRecorder(t *testing.T) {
	ctx := context.Background()
	rec := &fakeRecorder{}
	reg := NewRegistry(RegistryOptions{Recorder: rec})
	fs, err := reg.Filesystem(ctx, SchemeStub, stubConfig())
	require.NoError(t, err)
	defer fs.Close(ctx)

	require.NoError(t, fs.Pipe(ctx, "m", payload.String("12345")))
	_, err = fs.Cat(ctx, "m")
	require.NoError(t, err)
	_, err = fs.Info(ctx, "nope")
	require.Error(t, err)

	assert.Equal(t, 1, rec.count("pipe"))
	assert.Equal(t, 1, rec.count("cat"))
	assert.Equal(t, 1, rec.count("info"))

	rec.mu.Lock()
	defer rec.mu.Unlock()
	for _, o := range rec.ops {
		switch o.op {
		case "pipe", "cat":
			assert.Equal(t, int64(5), o.size, o.op)
		case "info":
			assert.Error(t, o.err)
		}
	}
}

func TestParseMode(t *testing.T) {
	tests := []struct {
		in      string
		want    Mode
		wantStr string
		code    errors.ErrorCode
	}{
		{in: "", want: ModeDefault, wantStr: "r+b"},
		{in: "rb", want: ModeRead, wantStr: "rb"},
		{in: "r+b", want: ModeRead | ModeWrite, wantStr: "r+b"},
		{in: "wb", want: ModeWrite | ModeCreate | ModeTruncate, wantStr: "wb"},
		{in: "w+", want: ModeRead | ModeWrite | ModeCreate | ModeTruncate, wantStr: "w+b"},
		{in: "ab", want: ModeWrite | ModeCreate | ModeAppend, wantStr: "ab"},
		{in: "xb", want: ModeWrite | ModeCreate | ModeExclusive, wantStr: "xb"},
		{in: "rt", code: errors.ErrCodeUnsupportedOperation},
		{in: "q", code: errors.ErrCodeInvalidArgument},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseMode(tt.in)
			if tt.code != "" {
				assert.True(t, errors.IsCode(err, tt.code), "got %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.wantStr, got.String())
		})
	}
}
