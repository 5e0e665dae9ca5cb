package events

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"

	"github.com/jingkaihe/fsguard/internal/errx"
	"github.com/jingkaihe/fsguard/pkg/api"
)

// StreamServer is a Sink that forwards records to clients connected on a
// unix socket. Each subscriber has its own drop-oldest queue, so a slow
// reader only loses its own records.
type StreamServer struct {
	path     string
	capacity int
	logger   *slog.Logger

	listener net.Listener
	mu       sync.Mutex
	subs     map[*subscriber]struct{}
	closed   bool
	wg       sync.WaitGroup
}

type subscriber struct {
	conn  net.Conn
	queue *Queue
	done  chan struct{}
}

// Listen creates the socket at path (mode 0600) and starts accepting.
func Listen(path string, capacity int, logger *slog.Logger) (*StreamServer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if capacity <= 0 {
		capacity = api.DefaultSubscriberQueue
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

	s := &StreamServer{
		path:     path,
		capacity: capacity,
		logger:   logger.With("component", "event-stream"),
		listener: ln,
		subs:     make(map[*subscriber]struct{}),
	}
	s.wg.Add(1)
	go s.accept()
	return s, nil
}

func (s *StreamServer) Name() string { return "stream" }

func (s *StreamServer) Path() string { return s.path }

// Subscribers reports the number of connected clients.
func (s *StreamServer) Subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

func (s *StreamServer) accept() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				s.logger.Warn("accept subscriber", "error", err)
			}
			return
		}

		sub := &subscriber{
			conn:  conn,
			queue: NewQueue(s.capacity),
			done:  make(chan struct{}),
		}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.subs[sub] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(2)
		go s.pump(sub)
		go s.watch(sub)
	}
}

// pump writes queued records to the subscriber until it goes away.
func (s *StreamServer) pump(sub *subscriber) {
	defer s.wg.Done()
	defer s.drop(sub)

	for {
		select {
		case <-sub.done:
			return
		case rec := <-sub.queue.C():
			if err := WriteFrame(sub.conn, &rec); err != nil {
				s.logger.Debug("subscriber write failed", "error", err)
				return
			}
		}
	}
}

// watch notices a subscriber hanging up. Subscribers never send data.
func (s *StreamServer) watch(sub *subscriber) {
	defer s.wg.Done()
	var buf [1]byte
	for {
		if _, err := sub.conn.Read(buf[:]); err != nil {
			s.drop(sub)
			return
		}
	}
}

func (s *StreamServer) drop(sub *subscriber) {
	s.mu.Lock()
	_, ok := s.subs[sub]
	delete(s.subs, sub)
	s.mu.Unlock()
	if ok {
		close(sub.done)
		sub.conn.Close()
		if n := sub.queue.Dropped(); n > 0 {
			s.logger.Info("subscriber disconnected", "dropped", n)
		}
	}
}

// Write fans rec out to every subscriber queue. It never blocks on a
// subscriber.
func (s *StreamServer) Write(_ context.Context, rec api.EventRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for sub := range s.subs {
		sub.queue.Publish(rec)
	}
	return nil
}

func (s *StreamServer) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	subs := make([]*subscriber, 0, len(s.subs))
	for sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	err := s.listener.Close()
	for _, sub := range subs {
		s.drop(sub)
	}
	s.wg.Wait()
	_ = os.Remove(s.path)
	return err
}

// Subscribe connects to a StreamServer socket and calls fn for every record
// until ctx is cancelled, fn returns an error or the server goes away.
func Subscribe(ctx context.Context, path string, fn func(*api.EventRecord) error) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return errx.Wrap(ErrSubscribe, err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	for {
		rec, err := ReadFrame(conn)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
}
