// Package vfs registers the filter with file operations issued through a
// Provider, either in process or through a FUSE passthrough mount.
package vfs

import (
	"io"
	"io/fs"
	"os"
	"time"
)

// Provider is a rooted file tree. Paths are slash separated and relative to
// the provider root; a leading slash is optional.
type Provider interface {
	// Stat does not follow a final symlink.
	Stat(path string) (FileInfo, error)
	ReadDir(path string) ([]DirEntry, error)
	Open(path string, flags int, mode os.FileMode) (Handle, error)
	Create(path string, mode os.FileMode) (Handle, error)
	Mkdir(path string, mode os.FileMode) error
	Chmod(path string, mode os.FileMode) error
	Remove(path string) error
	RemoveAll(path string) error
	Rename(oldPath, newPath string) error
	Symlink(target, link string) error
	Readlink(path string) (string, error)
}

type Handle interface {
	io.Reader
	io.Writer
	io.Seeker
	io.Closer
	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) (int, error)
	Stat() (FileInfo, error)
	Sync() error
	Truncate(size int64) error
}

// FileInfo is an fs.FileInfo value. Sys carries the platform stat structure
// when the provider has one.
type FileInfo struct {
	name    string
	size    int64
	mode    os.FileMode
	modTime time.Time
	sys     any
}

func (fi FileInfo) Name() string       { return fi.name }
func (fi FileInfo) Size() int64        { return fi.size }
func (fi FileInfo) Mode() os.FileMode  { return fi.mode }
func (fi FileInfo) ModTime() time.Time { return fi.modTime }
func (fi FileInfo) IsDir() bool        { return fi.mode.IsDir() }
func (fi FileInfo) Sys() any           { return fi.sys }

func infoFrom(fi fs.FileInfo) FileInfo {
	return FileInfo{
		name:    fi.Name(),
		size:    fi.Size(),
		mode:    fi.Mode(),
		modTime: fi.ModTime(),
		sys:     fi.Sys(),
	}
}

type DirEntry struct {
	info FileInfo
}

func (de DirEntry) Name() string               { return de.info.name }
func (de DirEntry) IsDir() bool                { return de.info.IsDir() }
func (de DirEntry) Type() fs.FileMode          { return de.info.mode.Type() }
func (de DirEntry) Info() (fs.FileInfo, error) { return de.info, nil }
