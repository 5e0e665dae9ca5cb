package control

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/jingkaihe/fsguard/internal/errx"
)

const rejectGrace = time.Second

// Server accepts control connections on a unix socket and serves the ones
// whose peer uid is allowed.
type Server struct {
	path    string
	ctrl    Controller
	allowed []uint32
	logger  *slog.Logger

	listener net.Listener
	wg       sync.WaitGroup
	mu       sync.Mutex
	conns    map[net.Conn]struct{}
}

// DefaultAllowedUIDs is root plus the uid the daemon runs as.
func DefaultAllowedUIDs() []uint32 {
	uids := []uint32{0}
	if euid := uint32(os.Geteuid()); euid != 0 {
		uids = append(uids, euid)
	}
	return uids
}

// Listen creates the socket with mode 0600. An empty allowed list means
// DefaultAllowedUIDs.
func Listen(path string, ctrl Controller, allowed []uint32, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if len(allowed) == 0 {
		allowed = DefaultAllowedUIDs()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, errx.Wrap(ErrListen, err)
	}
	_ = os.Remove(path)

	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, errx.Wrap(ErrListen, err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		ln.Close()
		return nil, errx.Wrap(ErrListen, err)
	}

	return &Server{
		path:     path,
		ctrl:     ctrl,
		allowed:  slices.Clone(allowed),
		logger:   logger.With("component", "control"),
		listener: ln,
		conns:    make(map[net.Conn]struct{}),
	}, nil
}

func (s *Server) Path() string { return s.path }

// Serve accepts connections until ctx is cancelled or Close is called.
func (s *Server) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { s.listener.Close() })
	defer stop()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			s.wg.Wait()
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return errx.Wrap(ErrListen, err)
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveConn(ctx, conn)
		}()
	}
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	uid, err := peerUID(conn)
	if err != nil || !slices.Contains(s.allowed, uid) {
		s.logger.Warn("rejected control connection", "uid", uid, "error", err)
		h := NewHandler(nil, nil, conn)
		h.sendError(nil, ErrCodeUnauthorized, ErrUnauthorized.Error())
		// Consume the first request so the peer reads the rejection
		// instead of a reset connection.
		_ = conn.SetReadDeadline(time.Now().Add(rejectGrace))
		_, _ = bufio.NewReader(conn).ReadBytes('\n')
		return
	}

	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
	}()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	s.logger.Debug("control connection", "uid", uid)
	if err := NewHandler(s.ctrl, conn, conn).Run(ctx); err != nil && !errors.Is(err, net.ErrClosed) {
		s.logger.Debug("control connection ended", "uid", uid, "error", err)
	}
}

// Close stops accepting, hangs up on connected clients and removes the
// socket file.
func (s *Server) Close() error {
	err := s.listener.Close()
	s.mu.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()
	_ = os.Remove(s.path)
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}
