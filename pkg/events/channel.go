// Package events carries verdict records from the decision path to
// whoever is listening, without ever making the decision path wait.
package events

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/jingkaihe/fsguard/pkg/api"
)

// Sink consumes records on the channel's consumer goroutine.
type Sink interface {
	Name() string
	Write(ctx context.Context, rec api.EventRecord) error
	Close() error
}

// Channel stamps records with a sequence number, queues them and fans them
// out to sinks from a single consumer loop.
type Channel struct {
	queue  *Queue
	seq    atomic.Uint64
	sinks  []Sink
	logger *slog.Logger
}

func NewChannel(capacity int, logger *slog.Logger, sinks ...Sink) *Channel {
	if logger == nil {
		logger = slog.Default()
	}
	return &Channel{
		queue:  NewQueue(capacity),
		sinks:  sinks,
		logger: logger,
	}
}

// Publish never blocks.
func (c *Channel) Publish(rec api.EventRecord) {
	rec.Seq = c.seq.Add(1)
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	c.queue.Publish(rec)
}

// Published and Dropped feed the status counters.
func (c *Channel) Published() uint64 { return c.queue.Published() }
func (c *Channel) Dropped() uint64   { return c.queue.Dropped() }

// Run consumes records until ctx is cancelled, then delivers whatever is
// still queued and closes every sink.
func (c *Channel) Run(ctx context.Context) error {
	defer c.closeSinks()

	for {
		select {
		case <-ctx.Done():
			c.flush()
			return nil
		case rec := <-c.queue.C():
			c.deliver(ctx, rec)
		}
	}
}

func (c *Channel) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for {
		select {
		case rec := <-c.queue.C():
			c.deliver(ctx, rec)
		default:
			return
		}
	}
}

func (c *Channel) deliver(ctx context.Context, rec api.EventRecord) {
	for _, s := range c.sinks {
		if err := s.Write(ctx, rec); err != nil {
			c.logger.Warn("event sink write failed", "sink", s.Name(), "seq", rec.Seq, "error", err)
		}
	}
}

func (c *Channel) closeSinks() {
	for _, s := range c.sinks {
		if err := s.Close(); err != nil {
			c.logger.Warn("close event sink", "sink", s.Name(), "error", err)
		}
	}
}
