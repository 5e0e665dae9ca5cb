//go:build linux

package vfs

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path"
	"sync"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"golang.org/x/sys/unix"

	"github.com/jingkaihe/fsguard/internal/errx"
	"github.com/jingkaihe/fsguard/internal/procfs"
	"github.com/jingkaihe/fsguard/pkg/api"
	"github.com/jingkaihe/fsguard/pkg/filter"
)

const attrTimeout = time.Second

// Mount exposes a backing directory at a mountpoint through FUSE. Mutations
// made through the mountpoint are checked by the registered handler on
// behalf of the calling process.
type Mount struct {
	mountpoint string
	backing    string
	reg        *Registrar
	logger     *slog.Logger

	mu     sync.Mutex
	server *fuse.Server
}

var _ filter.Registrar = (*Mount)(nil)

func NewMount(mountpoint, backing string, logger *slog.Logger) *Mount {
	if logger == nil {
		logger = slog.Default()
	}
	return &Mount{
		mountpoint: mountpoint,
		backing:    backing,
		reg:        NewRegistrar(),
		logger:     logger.With("component", "fuse"),
	}
}

func (m *Mount) Name() string { return api.InterceptFUSE }

func (m *Mount) Mountpoint() string { return m.mountpoint }

func (m *Mount) Register(h filter.Handler) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.reg.Register(h); err != nil {
		return err
	}
	if err := os.MkdirAll(m.mountpoint, 0o755); err != nil {
		_ = m.reg.Unregister()
		return errx.Wrap(ErrMount, err)
	}

	root := &node{
		tree: &tree{provider: m.reg.Wrap(NewRealFS(m.backing), m.mountpoint)},
		path: "/",
	}
	timeout := attrTimeout
	opts := &fs.Options{
		MountOptions: fuse.MountOptions{
			AllowOther:  os.Geteuid() == 0,
			FsName:      m.backing,
			Name:        "fsguard",
			DirectMount: true,
		},
		AttrTimeout:  &timeout,
		EntryTimeout: &timeout,
	}
	server, err := fs.Mount(m.mountpoint, root, opts)
	if err != nil {
		_ = m.reg.Unregister()
		return errx.Wrap(ErrMount, err)
	}
	m.server = server
	m.logger.Info("mounted", "mountpoint", m.mountpoint, "backing", m.backing)
	return nil
}

// Unregister unmounts the filesystem. On failure the handler stays
// registered so the call can be retried.
func (m *Mount) Unregister() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.server == nil {
		return m.reg.Unregister()
	}
	if err := m.server.Unmount(); err != nil {
		return errx.Wrap(ErrUnmount, err)
	}
	m.server.Wait()
	m.server = nil
	m.logger.Info("unmounted", "mountpoint", m.mountpoint)
	return m.reg.Unregister()
}

type tree struct {
	provider Provider
}

// as binds the provider to the process that issued the FUSE request.
func (t *tree) as(ctx context.Context) Provider {
	caller, ok := fuse.FromContext(ctx)
	if !ok {
		return t.provider
	}
	pid := int32(caller.Pid)
	return As(ctx, t.provider, api.Process{
		PID:  pid,
		UID:  caller.Uid,
		GID:  caller.Gid,
		Name: procfs.Comm(pid),
	})
}

type node struct {
	fs.Inode
	tree *tree
	path string
}

var (
	_ fs.NodeGetattrer  = (*node)(nil)
	_ fs.NodeSetattrer  = (*node)(nil)
	_ fs.NodeLookuper   = (*node)(nil)
	_ fs.NodeReaddirer  = (*node)(nil)
	_ fs.NodeOpener     = (*node)(nil)
	_ fs.NodeCreater    = (*node)(nil)
	_ fs.NodeMkdirer    = (*node)(nil)
	_ fs.NodeUnlinker   = (*node)(nil)
	_ fs.NodeRmdirer    = (*node)(nil)
	_ fs.NodeRenamer    = (*node)(nil)
	_ fs.NodeSymlinker  = (*node)(nil)
	_ fs.NodeReadlinker = (*node)(nil)
)

func (n *node) child(name string) string {
	return path.Join(n.path, name)
}

func (n *node) newChild(ctx context.Context, name string, info FileInfo, out *fuse.EntryOut) *fs.Inode {
	fillAttr(&out.Attr, info)
	child := &node{tree: n.tree, path: n.child(name)}
	return n.NewInode(ctx, child, fs.StableAttr{Mode: out.Attr.Mode & syscall.S_IFMT, Ino: out.Attr.Ino})
}

func (n *node) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	info, err := n.tree.provider.Stat(n.path)
	if err != nil {
		return errnoOf(err)
	}
	fillAttr(&out.Attr, info)
	return 0
}

func (n *node) Setattr(ctx context.Context, fh fs.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	p := n.tree.as(ctx)
	if mode, ok := in.GetMode(); ok {
		if err := p.Chmod(n.path, os.FileMode(mode&0o777)); err != nil {
			return errnoOf(err)
		}
	}
	if size, ok := in.GetSize(); ok {
		if errno := n.truncate(p, fh, int64(size)); errno != 0 {
			return errno
		}
	}
	return n.Getattr(ctx, fh, out)
}

func (n *node) truncate(p Provider, fh fs.FileHandle, size int64) syscall.Errno {
	if f, ok := fh.(*file); ok {
		return errnoOf(f.h.Truncate(size))
	}
	h, err := p.Open(n.path, os.O_WRONLY, 0)
	if err != nil {
		return errnoOf(err)
	}
	defer h.Close()
	return errnoOf(h.Truncate(size))
}

func (n *node) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	info, err := n.tree.provider.Stat(n.child(name))
	if err != nil {
		return nil, errnoOf(err)
	}
	return n.newChild(ctx, name, info, out), 0
}

func (n *node) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	entries, err := n.tree.provider.ReadDir(n.path)
	if err != nil {
		return nil, errnoOf(err)
	}

	list := make([]fuse.DirEntry, 0, len(entries))
	for _, e := range entries {
		var attr fuse.Attr
		fillAttr(&attr, e.info)
		list = append(list, fuse.DirEntry{Name: e.Name(), Mode: attr.Mode, Ino: attr.Ino})
	}
	return fs.NewListDirStream(list), 0
}

func (n *node) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	h, err := n.tree.as(ctx).Open(n.path, int(flags), 0)
	if err != nil {
		return nil, 0, errnoOf(err)
	}
	return &file{h: h}, 0, 0
}

func (n *node) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (*fs.Inode, fs.FileHandle, uint32, syscall.Errno) {
	p := n.tree.as(ctx)
	h, err := p.Open(n.child(name), int(flags)|os.O_CREATE, os.FileMode(mode&0o777))
	if err != nil {
		return nil, nil, 0, errnoOf(err)
	}
	info, err := h.Stat()
	if err != nil {
		_ = h.Close()
		return nil, nil, 0, errnoOf(err)
	}
	return n.newChild(ctx, name, info, out), &file{h: h}, 0, 0
}

func (n *node) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	p := n.tree.as(ctx)
	if err := p.Mkdir(n.child(name), os.FileMode(mode&0o777)); err != nil {
		return nil, errnoOf(err)
	}
	info, err := p.Stat(n.child(name))
	if err != nil {
		return nil, errnoOf(err)
	}
	return n.newChild(ctx, name, info, out), 0
}

func (n *node) Symlink(ctx context.Context, target, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	p := n.tree.as(ctx)
	if err := p.Symlink(target, n.child(name)); err != nil {
		return nil, errnoOf(err)
	}
	info, err := p.Stat(n.child(name))
	if err != nil {
		return nil, errnoOf(err)
	}
	return n.newChild(ctx, name, info, out), 0
}

func (n *node) Readlink(ctx context.Context) ([]byte, syscall.Errno) {
	target, err := n.tree.provider.Readlink(n.path)
	if err != nil {
		return nil, errnoOf(err)
	}
	return []byte(target), 0
}

func (n *node) Unlink(ctx context.Context, name string) syscall.Errno {
	return errnoOf(n.tree.as(ctx).Remove(n.child(name)))
}

func (n *node) Rmdir(ctx context.Context, name string) syscall.Errno {
	return errnoOf(n.tree.as(ctx).Remove(n.child(name)))
}

func (n *node) Rename(ctx context.Context, name string, newParent fs.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	if flags&unix.RENAME_EXCHANGE != 0 {
		return syscall.ENOTSUP
	}
	dst, ok := newParent.(*node)
	if !ok {
		return syscall.EXDEV
	}
	p := n.tree.as(ctx)
	if flags&unix.RENAME_NOREPLACE != 0 {
		if _, err := p.Stat(dst.child(newName)); err == nil {
			return syscall.EEXIST
		}
	}
	return errnoOf(p.Rename(n.child(name), dst.child(newName)))
}

// file is an open handle. It keeps the identity of the process that opened
// it, so writes are attributed to the opener.
type file struct {
	h Handle
}

var (
	_ fs.FileReader    = (*file)(nil)
	_ fs.FileWriter    = (*file)(nil)
	_ fs.FileFsyncer   = (*file)(nil)
	_ fs.FileReleaser  = (*file)(nil)
	_ fs.FileGetattrer = (*file)(nil)
)

func (f *file) Read(ctx context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	n, err := f.h.ReadAt(dest, off)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, errnoOf(err)
	}
	return fuse.ReadResultData(dest[:n]), 0
}

func (f *file) Write(ctx context.Context, data []byte, off int64) (uint32, syscall.Errno) {
	n, err := f.h.WriteAt(data, off)
	if err != nil {
		return uint32(n), errnoOf(err)
	}
	return uint32(n), 0
}

func (f *file) Fsync(ctx context.Context, flags uint32) syscall.Errno {
	return errnoOf(f.h.Sync())
}

func (f *file) Release(ctx context.Context) syscall.Errno {
	return errnoOf(f.h.Close())
}

func (f *file) Getattr(ctx context.Context, out *fuse.AttrOut) syscall.Errno {
	info, err := f.h.Stat()
	if err != nil {
		return errnoOf(err)
	}
	fillAttr(&out.Attr, info)
	return 0
}

func fillAttr(attr *fuse.Attr, info FileInfo) {
	if st, ok := info.Sys().(*syscall.Stat_t); ok {
		attr.FromStat(st)
		return
	}
	mtime := uint64(info.ModTime().Unix())
	attr.Size = uint64(info.Size())
	attr.Mtime, attr.Ctime, attr.Atime = mtime, mtime, mtime
	attr.Blksize = 4096
	attr.Blocks = (attr.Size + 511) / 512
	attr.Mode = uint32(info.Mode().Perm())
	switch {
	case info.IsDir():
		attr.Mode |= syscall.S_IFDIR
		attr.Nlink = 2
	case info.Mode()&os.ModeSymlink != 0:
		attr.Mode |= syscall.S_IFLNK
		attr.Nlink = 1
	default:
		attr.Mode |= syscall.S_IFREG
		attr.Nlink = 1
	}
}

func errnoOf(err error) syscall.Errno {
	if err == nil {
		return 0
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno
	}
	switch {
	case os.IsNotExist(err):
		return syscall.ENOENT
	case os.IsPermission(err):
		return syscall.EACCES
	case os.IsExist(err):
		return syscall.EEXIST
	}
	return syscall.EIO
}
