//go:build !linux

// Package fanotify registers the filter with fanotify permission events.
package fanotify

import (
	"log/slog"

	"github.com/jingkaihe/fsguard/pkg/api"
	"github.com/jingkaihe/fsguard/pkg/filter"
)

// Registrar is only implemented on linux.
type Registrar struct{}

func New(paths []string, logger *slog.Logger) *Registrar { return &Registrar{} }

func (r *Registrar) Name() string                  { return api.InterceptFanotify }
func (r *Registrar) Register(filter.Handler) error { return api.ErrUnsupported }
func (r *Registrar) Unregister() error             { return nil }
