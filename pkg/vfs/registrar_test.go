package vfs

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jingkaihe/fsguard/pkg/api"
	"github.com/jingkaihe/fsguard/pkg/filter"
)

type recorder struct {
	mu   sync.Mutex
	ops  []api.Operation
	deny func(api.Operation) bool
}

func (r *recorder) handler() filter.Handler {
	return filter.HandlerFunc(func(ctx context.Context, op api.Operation) api.Status {
		r.mu.Lock()
		r.ops = append(r.ops, op)
		r.mu.Unlock()
		if r.deny != nil && r.deny(op) {
			return api.StatusDeny
		}
		return api.StatusAllow
	})
}

func (r *recorder) seen() []api.Operation {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]api.Operation(nil), r.ops...)
}

func newWrapped(t *testing.T, rec *recorder) (Provider, string) {
	t.Helper()
	dir := t.TempDir()
	reg := NewRegistrar()
	require.NoError(t, reg.Register(rec.handler()))
	return reg.Wrap(NewRealFS(dir), "/data"), dir
}

func TestRegistrarBlocksLockmeCreate(t *testing.T) {
	rec := &recorder{deny: func(op api.Operation) bool {
		return strings.HasSuffix(op.Path, ".lockme")
	}}
	p, dir := newWrapped(t, rec)

	_, err := p.Create("/doc.lockme", 0o644)
	require.Error(t, err)
	assert.True(t, os.IsPermission(err))
	assert.NoFileExists(t, filepath.Join(dir, "doc.lockme"))

	h, err := p.Create("/doc.txt", 0o644)
	require.NoError(t, err)
	require.NoError(t, h.Close())
	assert.FileExists(t, filepath.Join(dir, "doc.txt"))

	ops := rec.seen()
	require.Len(t, ops, 2)
	assert.Equal(t, api.OpCreate, ops[0].Kind)
	assert.Equal(t, "/data/doc.lockme", ops[0].Path)
	assert.Equal(t, int32(os.Getpid()), ops[0].Process.PID)
	assert.Equal(t, uint32(os.Geteuid()), ops[0].Process.UID)
}

func TestRegistrarOperationKinds(t *testing.T) {
	rec := &recorder{}
	p, _ := newWrapped(t, rec)

	h, err := p.Create("/a.txt", 0o644)
	require.NoError(t, err)
	_, err = h.Write([]byte("hello"))
	require.NoError(t, err)
	_, err = h.WriteAt([]byte("abc"), 1)
	require.NoError(t, err)
	require.NoError(t, h.Truncate(2))
	require.NoError(t, h.Close())

	require.NoError(t, p.Mkdir("/sub", 0o755))
	require.NoError(t, p.Symlink("a.txt", "/link"))
	require.NoError(t, p.Rename("/a.txt", "/sub/b.txt"))
	require.NoError(t, p.Remove("/link"))
	require.NoError(t, p.RemoveAll("/sub"))

	type seen struct {
		kind    api.OperationKind
		path    string
		newPath string
		n       int64
	}
	var got []seen
	for _, op := range rec.seen() {
		got = append(got, seen{op.Kind, op.Path, op.NewPath, op.DataLength})
	}
	assert.Equal(t, []seen{
		{api.OpCreate, "/data/a.txt", "", 0},
		{api.OpWrite, "/data/a.txt", "", 5},
		{api.OpWrite, "/data/a.txt", "", 3},
		{api.OpWrite, "/data/a.txt", "", 0},
		{api.OpCreate, "/data/sub", "", 0},
		{api.OpCreate, "/data/link", "", 0},
		{api.OpRename, "/data/a.txt", "/data/sub/b.txt", 0},
		{api.OpDelete, "/data/link", "", 0},
		{api.OpDelete, "/data/sub", "", 0},
	}, got)
}

func TestRegistrarReadsAreNotChecked(t *testing.T) {
	rec := &recorder{}
	p, dir := newWrapped(t, rec)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "r.txt"), []byte("data"), 0o644))

	h, err := p.Open("/r.txt", os.O_RDONLY, 0)
	require.NoError(t, err)
	buf := make([]byte, 4)
	_, err = h.Read(buf)
	require.NoError(t, err)
	require.NoError(t, h.Close())

	_, err = p.Stat("/r.txt")
	require.NoError(t, err)
	_, err = p.ReadDir("/")
	require.NoError(t, err)
	require.NoError(t, p.Chmod("/r.txt", 0o600))

	assert.Empty(t, rec.seen())
}

func TestRegistrarOpenFlags(t *testing.T) {
	rec := &recorder{}
	p, dir := newWrapped(t, rec)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "exists.txt"), []byte("data"), 0o644))

	h, err := p.Open("/exists.txt", os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	require.NoError(t, err)
	require.NoError(t, h.Close())

	h, err = p.Open("/exists.txt", os.O_RDWR, 0)
	require.NoError(t, err)
	require.NoError(t, h.Close())

	h, err = p.Open("/new.txt", os.O_CREATE|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	require.NoError(t, h.Close())

	ops := rec.seen()
	require.Len(t, ops, 2)
	assert.Equal(t, api.OpWrite, ops[0].Kind)
	assert.Equal(t, "/data/exists.txt", ops[0].Path)
	assert.Equal(t, api.OpCreate, ops[1].Kind)
	assert.Equal(t, "/data/new.txt", ops[1].Path)
}

func TestRegistrarDeniedWriteLeavesContent(t *testing.T) {
	rec := &recorder{deny: func(op api.Operation) bool { return op.Kind == api.OpWrite }}
	p, dir := newWrapped(t, rec)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "keep.txt"), []byte("original"), 0o644))

	h, err := p.Open("/keep.txt", os.O_WRONLY, 0)
	require.NoError(t, err)
	n, err := h.WriteAt([]byte("XXXX"), 0)
	assert.Zero(t, n)
	assert.True(t, os.IsPermission(err))
	require.NoError(t, h.Close())

	data, err := os.ReadFile(filepath.Join(dir, "keep.txt"))
	require.NoError(t, err)
	assert.Equal(t, "original", string(data))
}

func TestRegistrarDeniedRename(t *testing.T) {
	rec := &recorder{deny: func(op api.Operation) bool {
		return op.Kind == api.OpRename && strings.HasSuffix(op.NewPath, ".enc")
	}}
	p, dir := newWrapped(t, rec)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "doc.txt"), nil, 0o644))

	err := p.Rename("/doc.txt", "/doc.txt.enc")
	require.Error(t, err)
	var linkErr *os.LinkError
	require.ErrorAs(t, err, &linkErr)
	assert.True(t, os.IsPermission(err))
	assert.FileExists(t, filepath.Join(dir, "doc.txt"))
}

func TestRegistrarUnregistered(t *testing.T) {
	rec := &recorder{deny: func(api.Operation) bool { return true }}
	reg := NewRegistrar()
	p := reg.Wrap(NewRealFS(t.TempDir()), "")

	h, err := p.Create("/free.txt", 0o644)
	require.NoError(t, err)
	require.NoError(t, h.Close())

	require.NoError(t, reg.Register(rec.handler()))
	assert.ErrorIs(t, reg.Register(rec.handler()), ErrAlreadyRegistered)
	assert.True(t, os.IsPermission(p.Remove("/free.txt")))

	require.NoError(t, reg.Unregister())
	require.NoError(t, reg.Unregister())
	require.NoError(t, p.Remove("/free.txt"))
	assert.Len(t, rec.seen(), 1)
	assert.Equal(t, "/free.txt", rec.seen()[0].Path)
	assert.Equal(t, api.InterceptVFS, reg.Name())
}

func TestAsBindsCaller(t *testing.T) {
	rec := &recorder{}
	p, _ := newWrapped(t, rec)
	proc := api.Process{PID: 4242, UID: 1000, GID: 1000, Name: "encryptor"}

	require.NoError(t, As(context.Background(), p, proc).Mkdir("/x", 0o755))
	require.NoError(t, p.Mkdir("/y", 0o755))

	ops := rec.seen()
	require.Len(t, ops, 2)
	assert.Equal(t, proc, ops[0].Process)
	assert.NotEqual(t, proc, ops[1].Process)

	plain := NewRealFS(t.TempDir())
	assert.Same(t, plain, As(context.Background(), plain, proc))
}

func TestRegistrarConcurrentCallers(t *testing.T) {
	rec := &recorder{}
	p, _ := newWrapped(t, rec)
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			name := filepath.Join("/", strings.Repeat("f", i+1))
			h, err := p.Create(name, 0o644)
			if assert.NoError(t, err) {
				_ = h.Close()
			}
		}(i)
	}
	wg.Wait()
	assert.Len(t, rec.seen(), 16)
}
