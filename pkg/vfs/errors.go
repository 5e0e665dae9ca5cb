package vfs

import "errors"

var (
	ErrAlreadyRegistered = errors.New("handler already registered")
	ErrMount             = errors.New("mount fuse filesystem")
	ErrUnmount           = errors.New("unmount fuse filesystem")
)
