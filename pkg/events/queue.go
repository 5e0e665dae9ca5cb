package events

import (
	"sync/atomic"

	"github.com/jingkaihe/fsguard/pkg/api"
)

// Queue is a bounded multi-producer queue that never blocks a producer.
// When full, the oldest record is discarded to make room.
type Queue struct {
	ch        chan api.EventRecord
	published atomic.Uint64
	dropped   atomic.Uint64
}

func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = api.DefaultEventCapacity
	}
	return &Queue{ch: make(chan api.EventRecord, capacity)}
}

// Publish enqueues rec, evicting the oldest queued record if needed.
func (q *Queue) Publish(rec api.EventRecord) {
	q.published.Add(1)
	for {
		select {
		case q.ch <- rec:
			return
		default:
		}
		select {
		case <-q.ch:
			q.dropped.Add(1)
		default:
		}
	}
}

// C is the consumer side of the queue.
func (q *Queue) C() <-chan api.EventRecord { return q.ch }

func (q *Queue) Len() int          { return len(q.ch) }
func (q *Queue) Cap() int          { return cap(q.ch) }
func (q *Queue) Published() uint64 { return q.published.Load() }
func (q *Queue) Dropped() uint64   { return q.dropped.Load() }
