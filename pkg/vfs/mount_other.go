//go:build !linux

package vfs

import (
	"log/slog"

	"github.com/jingkaihe/fsguard/pkg/api"
	"github.com/jingkaihe/fsguard/pkg/filter"
)

// Mount is only implemented on linux.
type Mount struct {
	mountpoint string
}

func NewMount(mountpoint, backing string, logger *slog.Logger) *Mount {
	return &Mount{mountpoint: mountpoint}
}

func (m *Mount) Name() string                  { return api.InterceptFUSE }
func (m *Mount) Mountpoint() string            { return m.mountpoint }
func (m *Mount) Register(filter.Handler) error { return api.ErrUnsupported }
func (m *Mount) Unregister() error             { return nil }
