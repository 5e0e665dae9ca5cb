package vfs

import (
	"context"
	"os"
	"path"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/jingkaihe/fsguard/internal/procfs"
	"github.com/jingkaihe/fsguard/pkg/api"
	"github.com/jingkaihe/fsguard/pkg/filter"
)

// Registrar hands create, write, rename and delete operations issued through
// wrapped providers to the registered filter handler. Reads and metadata
// lookups pass through unchecked. While no handler is registered every
// operation passes through.
type Registrar struct {
	handler atomic.Pointer[handlerRef]
}

type handlerRef struct {
	h filter.Handler
}

var _ filter.Registrar = (*Registrar)(nil)

func NewRegistrar() *Registrar {
	return &Registrar{}
}

func (r *Registrar) Name() string { return api.InterceptVFS }

func (r *Registrar) Register(h filter.Handler) error {
	if !r.handler.CompareAndSwap(nil, &handlerRef{h: h}) {
		return ErrAlreadyRegistered
	}
	return nil
}

// Unregister is idempotent. Calls already inside the handler finish
// normally.
func (r *Registrar) Unregister() error {
	r.handler.Store(nil)
	return nil
}

// Wrap returns a provider whose mutations are checked by the registered
// handler. Operation paths are reported joined to base, typically the
// directory the provider serves.
func (r *Registrar) Wrap(inner Provider, base string) Provider {
	if inner == nil {
		return nil
	}
	return &interceptProvider{
		inner:  inner,
		reg:    r,
		base:   base,
		ctx:    context.Background(),
		caller: self(),
	}
}

// check asks the handler about op. A nil error means the operation may
// proceed.
func (r *Registrar) check(ctx context.Context, op api.Operation) error {
	ref := r.handler.Load()
	if ref == nil {
		return nil
	}
	if ref.h.PreOperation(ctx, op) == api.StatusDeny {
		return syscall.EACCES
	}
	return nil
}

// As returns p acting on behalf of proc for the duration of ctx. Providers
// that are not wrapped by a Registrar are returned unchanged.
func As(ctx context.Context, p Provider, proc api.Process) Provider {
	ip, ok := p.(*interceptProvider)
	if !ok {
		return p
	}
	clone := *ip
	clone.ctx = ctx
	clone.caller = proc
	return &clone
}

var (
	selfOnce sync.Once
	selfProc api.Process
)

func self() api.Process {
	selfOnce.Do(func() {
		selfProc = api.Process{
			PID:  int32(os.Getpid()),
			UID:  uint32(os.Geteuid()),
			GID:  uint32(os.Getegid()),
			Name: procfs.SelfName(),
		}
	})
	return selfProc
}

func cleanPath(p string) string {
	return path.Clean("/" + p)
}

type interceptProvider struct {
	inner  Provider
	reg    *Registrar
	base   string
	ctx    context.Context
	caller api.Process
}

func (p *interceptProvider) report(name string) string {
	if p.base == "" {
		return cleanPath(name)
	}
	return path.Join(p.base, cleanPath(name))
}

func (p *interceptProvider) check(kind api.OperationKind, name string, n int64) error {
	op := api.Operation{
		Kind:       kind,
		Path:       p.report(name),
		Process:    p.caller,
		DataLength: n,
	}
	if err := p.reg.check(p.ctx, op); err != nil {
		return &os.PathError{Op: string(kind), Path: name, Err: err}
	}
	return nil
}

func (p *interceptProvider) Stat(name string) (FileInfo, error) {
	return p.inner.Stat(name)
}

func (p *interceptProvider) ReadDir(name string) ([]DirEntry, error) {
	return p.inner.ReadDir(name)
}

func (p *interceptProvider) Readlink(name string) (string, error) {
	return p.inner.Readlink(name)
}

func (p *interceptProvider) Chmod(name string, mode os.FileMode) error {
	return p.inner.Chmod(name, mode)
}

// Open checks O_CREATE as a create when the file does not exist yet and
// O_TRUNC as a zero length write.
func (p *interceptProvider) Open(name string, flags int, mode os.FileMode) (Handle, error) {
	if flags&os.O_CREATE != 0 {
		if _, err := p.inner.Stat(name); os.IsNotExist(err) {
			if err := p.check(api.OpCreate, name, 0); err != nil {
				return nil, err
			}
		} else if flags&os.O_EXCL == 0 && flags&os.O_TRUNC != 0 {
			if err := p.check(api.OpWrite, name, 0); err != nil {
				return nil, err
			}
		}
	} else if flags&os.O_TRUNC != 0 && flags&(os.O_WRONLY|os.O_RDWR) != 0 {
		if err := p.check(api.OpWrite, name, 0); err != nil {
			return nil, err
		}
	}

	h, err := p.inner.Open(name, flags, mode)
	if err != nil {
		return nil, err
	}
	return &interceptHandle{inner: h, p: p, name: name}, nil
}

func (p *interceptProvider) Create(name string, mode os.FileMode) (Handle, error) {
	return p.Open(name, os.O_CREATE|os.O_RDWR|os.O_TRUNC, mode)
}

func (p *interceptProvider) Mkdir(name string, mode os.FileMode) error {
	if err := p.check(api.OpCreate, name, 0); err != nil {
		return err
	}
	return p.inner.Mkdir(name, mode)
}

func (p *interceptProvider) Symlink(target, link string) error {
	if err := p.check(api.OpCreate, link, 0); err != nil {
		return err
	}
	return p.inner.Symlink(target, link)
}

func (p *interceptProvider) Remove(name string) error {
	if err := p.check(api.OpDelete, name, 0); err != nil {
		return err
	}
	return p.inner.Remove(name)
}

func (p *interceptProvider) RemoveAll(name string) error {
	if err := p.check(api.OpDelete, name, 0); err != nil {
		return err
	}
	return p.inner.RemoveAll(name)
}

func (p *interceptProvider) Rename(oldName, newName string) error {
	op := api.Operation{
		Kind:    api.OpRename,
		Path:    p.report(oldName),
		NewPath: p.report(newName),
		Process: p.caller,
	}
	if err := p.reg.check(p.ctx, op); err != nil {
		return &os.LinkError{Op: "rename", Old: oldName, New: newName, Err: err}
	}
	return p.inner.Rename(oldName, newName)
}

type interceptHandle struct {
	inner Handle
	p     *interceptProvider
	name  string
}

func (h *interceptHandle) Read(b []byte) (int, error)                { return h.inner.Read(b) }
func (h *interceptHandle) ReadAt(b []byte, off int64) (int, error)   { return h.inner.ReadAt(b, off) }
func (h *interceptHandle) Seek(off int64, whence int) (int64, error) { return h.inner.Seek(off, whence) }
func (h *interceptHandle) Close() error                              { return h.inner.Close() }
func (h *interceptHandle) Sync() error                               { return h.inner.Sync() }
func (h *interceptHandle) Stat() (FileInfo, error)                   { return h.inner.Stat() }

func (h *interceptHandle) Write(b []byte) (int, error) {
	if err := h.p.check(api.OpWrite, h.name, int64(len(b))); err != nil {
		return 0, err
	}
	return h.inner.Write(b)
}

func (h *interceptHandle) WriteAt(b []byte, off int64) (int, error) {
	if err := h.p.check(api.OpWrite, h.name, int64(len(b))); err != nil {
		return 0, err
	}
	return h.inner.WriteAt(b, off)
}

func (h *interceptHandle) Truncate(size int64) error {
	if err := h.p.check(api.OpWrite, h.name, 0); err != nil {
		return err
	}
	return h.inner.Truncate(size)
}
