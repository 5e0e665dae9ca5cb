package vfs

import (
	"os"
	"path/filepath"
)

// RealFS serves a host directory. Every path is cleaned against "/" before
// it is joined to the root, so ".." never leaves the tree.
type RealFS struct {
	root string
}

func NewRealFS(root string) *RealFS {
	return &RealFS{root: filepath.Clean(root)}
}

func (p *RealFS) Root() string { return p.root }

func (p *RealFS) resolve(path string) string {
	return filepath.Join(p.root, filepath.FromSlash(cleanPath(path)))
}

func (p *RealFS) Stat(path string) (FileInfo, error) {
	info, err := os.Lstat(p.resolve(path))
	if err != nil {
		return FileInfo{}, err
	}
	return infoFrom(info), nil
}

func (p *RealFS) ReadDir(path string) ([]DirEntry, error) {
	entries, err := os.ReadDir(p.resolve(path))
	if err != nil {
		return nil, err
	}

	result := make([]DirEntry, 0, len(entries))
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			// removed between readdir and lstat
			continue
		}
		result = append(result, DirEntry{info: infoFrom(info)})
	}
	return result, nil
}

func (p *RealFS) Open(path string, flags int, mode os.FileMode) (Handle, error) {
	f, err := os.OpenFile(p.resolve(path), flags, mode)
	if err != nil {
		return nil, err
	}
	return &fileHandle{file: f}, nil
}

func (p *RealFS) Create(path string, mode os.FileMode) (Handle, error) {
	return p.Open(path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, mode)
}

func (p *RealFS) Mkdir(path string, mode os.FileMode) error {
	return os.Mkdir(p.resolve(path), mode)
}

func (p *RealFS) Chmod(path string, mode os.FileMode) error {
	return os.Chmod(p.resolve(path), mode)
}

func (p *RealFS) Remove(path string) error {
	return os.Remove(p.resolve(path))
}

func (p *RealFS) RemoveAll(path string) error {
	if cleanPath(path) == "/" {
		return &os.PathError{Op: "removeall", Path: path, Err: os.ErrInvalid}
	}
	return os.RemoveAll(p.resolve(path))
}

func (p *RealFS) Rename(oldPath, newPath string) error {
	return os.Rename(p.resolve(oldPath), p.resolve(newPath))
}

func (p *RealFS) Symlink(target, link string) error {
	return os.Symlink(target, p.resolve(link))
}

func (p *RealFS) Readlink(path string) (string, error) {
	return os.Readlink(p.resolve(path))
}

type fileHandle struct {
	file *os.File
}

func (h *fileHandle) Read(p []byte) (int, error)                { return h.file.Read(p) }
func (h *fileHandle) ReadAt(p []byte, off int64) (int, error)   { return h.file.ReadAt(p, off) }
func (h *fileHandle) Write(p []byte) (int, error)               { return h.file.Write(p) }
func (h *fileHandle) WriteAt(p []byte, off int64) (int, error)  { return h.file.WriteAt(p, off) }
func (h *fileHandle) Seek(off int64, whence int) (int64, error) { return h.file.Seek(off, whence) }
func (h *fileHandle) Close() error                              { return h.file.Close() }
func (h *fileHandle) Sync() error                               { return h.file.Sync() }
func (h *fileHandle) Truncate(size int64) error                 { return h.file.Truncate(size) }

func (h *fileHandle) Stat() (FileInfo, error) {
	info, err := h.file.Stat()
	if err != nil {
		return FileInfo{}, err
	}
	return infoFrom(info), nil
}
