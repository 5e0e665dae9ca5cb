//go:build linux

// Package fanotify registers the filter with fanotify permission events.
// The kernel does not report the access mode of an open, so every checked
// open of a watched regular file is presented as a write.
package fanotify

import (
	"context"
	"encoding/binary"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/jingkaihe/fsguard/internal/errx"
	"github.com/jingkaihe/fsguard/internal/procfs"
	"github.com/jingkaihe/fsguard/pkg/api"
	"github.com/jingkaihe/fsguard/pkg/filter"
)

const (
	initFlags  = unix.FAN_CLASS_CONTENT | unix.FAN_CLOEXEC | unix.FAN_NONBLOCK
	eventFlags = unix.O_RDONLY | unix.O_LARGEFILE | unix.O_CLOEXEC
	markMask   = unix.FAN_OPEN_PERM | unix.FAN_EVENT_ON_CHILD

	metadataLen     = 24
	eventBufferSize = 4096 * metadataLen
)

// event is the fixed part of struct fanotify_event_metadata.
type event struct {
	Len     uint32
	Version uint8
	MetaLen uint16
	Mask    uint64
	Fd      int32
	Pid     int32
}

func parseEvents(buf []byte) ([]event, error) {
	var out []event
	for len(buf) > 0 {
		if len(buf) < metadataLen {
			return out, ErrShortEvent
		}
		ev := event{
			Len:     binary.NativeEndian.Uint32(buf[0:4]),
			Version: buf[4],
			MetaLen: binary.NativeEndian.Uint16(buf[6:8]),
			Mask:    binary.NativeEndian.Uint64(buf[8:16]),
			Fd:      int32(binary.NativeEndian.Uint32(buf[16:20])),
			Pid:     int32(binary.NativeEndian.Uint32(buf[20:24])),
		}
		if ev.Version != unix.FANOTIFY_METADATA_VERSION {
			return out, errx.With(ErrEventVersion, ": %d", ev.Version)
		}
		if ev.Len < metadataLen || int(ev.Len) > len(buf) {
			return out, ErrShortEvent
		}
		out = append(out, ev)
		buf = buf[ev.Len:]
	}
	return out, nil
}

func encodeResponse(fd int32, allow bool) []byte {
	resp := uint32(unix.FAN_DENY)
	if allow {
		resp = unix.FAN_ALLOW
	}
	buf := make([]byte, 8)
	binary.NativeEndian.PutUint32(buf[0:4], uint32(fd))
	binary.NativeEndian.PutUint32(buf[4:8], resp)
	return buf
}

// Registrar marks every directory below the configured paths. Directories
// created after Register are not marked.
type Registrar struct {
	paths  []string
	logger *slog.Logger
	self   int32

	mu      sync.RWMutex
	fd      int
	wake    [2]int
	cancel  context.CancelFunc
	loop    sync.WaitGroup
	pending sync.WaitGroup
}

var _ filter.Registrar = (*Registrar)(nil)

func New(paths []string, logger *slog.Logger) *Registrar {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registrar{
		paths:  append([]string(nil), paths...),
		logger: logger.With("component", "fanotify"),
		self:   int32(os.Getpid()),
		fd:     -1,
	}
}

func (r *Registrar) Name() string { return api.InterceptFanotify }

func (r *Registrar) Register(h filter.Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.fd >= 0 {
		return ErrAlreadyRegistered
	}
	fd, err := unix.FanotifyInit(initFlags, eventFlags)
	if err != nil {
		return errx.Wrap(ErrInit, err)
	}
	for _, p := range r.paths {
		if err := markTree(fd, p); err != nil {
			unix.Close(fd)
			return err
		}
	}
	var wake [2]int
	if err := unix.Pipe2(wake[:], unix.O_CLOEXEC|unix.O_NONBLOCK); err != nil {
		unix.Close(fd)
		return errx.Wrap(ErrInit, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	r.fd, r.wake, r.cancel = fd, wake, cancel
	r.loop.Add(1)
	go r.run(ctx, h, fd, wake[0])
	r.logger.Info("watching", "paths", r.paths)
	return nil
}

// Unregister stops reading events and closes the group. The kernel allows
// any permission event still unanswered at that point.
func (r *Registrar) Unregister() error {
	r.mu.RLock()
	fd, wake, cancel := r.fd, r.wake, r.cancel
	r.mu.RUnlock()
	if fd < 0 {
		return nil
	}

	cancel()
	_, _ = unix.Write(wake[1], []byte{0})
	r.loop.Wait()

	r.mu.Lock()
	unix.Close(r.fd)
	unix.Close(wake[0])
	unix.Close(wake[1])
	r.fd = -1
	r.mu.Unlock()

	r.pending.Wait()
	return nil
}

func markTree(fd int, root string) error {
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == root {
				return errx.Wrap(ErrMark, err)
			}
			return nil
		}
		if !d.IsDir() {
			if p == root {
				return mark(fd, p)
			}
			return nil
		}
		return mark(fd, p)
	})
}

func mark(fd int, p string) error {
	if err := unix.FanotifyMark(fd, unix.FAN_MARK_ADD, markMask, unix.AT_FDCWD, p); err != nil {
		return errx.With(ErrMark, " %s: %w", p, err)
	}
	return nil
}

func (r *Registrar) run(ctx context.Context, h filter.Handler, fd, wake int) {
	defer r.loop.Done()

	buf := make([]byte, eventBufferSize)
	fds := []unix.PollFd{
		{Fd: int32(fd), Events: unix.POLLIN},
		{Fd: int32(wake), Events: unix.POLLIN},
	}
	for {
		if _, err := unix.Poll(fds, -1); err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			r.logger.Error("poll failed", "error", err)
			return
		}
		if fds[1].Revents != 0 || ctx.Err() != nil {
			return
		}
		n, err := unix.Read(fd, buf)
		if err != nil {
			if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
				continue
			}
			r.logger.Error("read failed", "error", err)
			return
		}
		events, err := parseEvents(buf[:n])
		if err != nil {
			r.logger.Error("malformed event batch", "error", err)
		}
		for _, ev := range events {
			r.handle(ctx, h, ev)
		}
	}
}

func (r *Registrar) handle(ctx context.Context, h filter.Handler, ev event) {
	if ev.Mask&unix.FAN_Q_OVERFLOW != 0 {
		r.logger.Warn("event queue overflow")
		return
	}
	if ev.Fd == unix.FAN_NOFD {
		return
	}
	if ev.Mask&unix.FAN_OPEN_PERM == 0 || ev.Pid == r.self {
		r.respond(ev.Fd, true)
		return
	}

	op, ok := r.operation(ev)
	if !ok {
		r.respond(ev.Fd, true)
		return
	}
	status, done := h.Submit(ctx, op)
	if status != api.StatusPend {
		r.respond(ev.Fd, status != api.StatusDeny)
		return
	}
	r.pending.Add(1)
	go func() {
		defer r.pending.Done()
		final := api.StatusAllow
		select {
		case final = <-done:
		case <-ctx.Done():
		}
		r.respond(ev.Fd, final != api.StatusDeny)
	}()
}

// operation reports only regular files.
func (r *Registrar) operation(ev event) (api.Operation, bool) {
	var st unix.Stat_t
	if err := unix.Fstat(int(ev.Fd), &st); err != nil || st.Mode&unix.S_IFMT != unix.S_IFREG {
		return api.Operation{}, false
	}
	target, err := os.Readlink("/proc/self/fd/" + strconv.Itoa(int(ev.Fd)))
	if err != nil {
		return api.Operation{}, false
	}
	proc := api.Process{PID: ev.Pid, Name: procfs.Comm(ev.Pid)}
	if uid, gid, ok := procfs.Owner(ev.Pid); ok {
		proc.UID, proc.GID = uid, gid
	}
	return api.Operation{
		Kind:    api.OpWrite,
		Path:    target,
		Process: proc,
	}, true
}

// respond answers a permission event and closes its descriptor.
func (r *Registrar) respond(fd int32, allow bool) {
	r.mu.RLock()
	if r.fd >= 0 {
		if _, err := unix.Write(r.fd, encodeResponse(fd, allow)); err != nil {
			r.logger.Warn("response failed", "error", err)
		}
	}
	r.mu.RUnlock()
	unix.Close(int(fd))
}
