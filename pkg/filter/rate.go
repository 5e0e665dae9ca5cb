package filter

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/jingkaihe/fsguard/pkg/api"
)

const (
	sweepEvery = 1024
	rateShards = 32

	// compactMin is the smallest expired prefix worth copying away.
	compactMin = 64
)

type sample struct {
	at    time.Time
	bytes int64
}

// window holds one process's samples in arrival order. samples[head:] are
// live; the expired prefix is reclaimed once it outgrows the live part, so
// pruning is amortized O(1) per sample.
type window struct {
	samples []sample
	head    int
	bytes   int64
}

func (w *window) prune(cutoff time.Time) {
	for w.head < len(w.samples) && !w.samples[w.head].at.After(cutoff) {
		w.bytes -= w.samples[w.head].bytes
		w.head++
	}
	switch {
	case w.head == len(w.samples):
		w.samples = w.samples[:0]
		w.head = 0
	case w.head >= compactMin && w.head > len(w.samples)-w.head:
		n := copy(w.samples, w.samples[w.head:])
		w.samples = w.samples[:n]
		w.head = 0
	}
}

func (w *window) activity() api.Activity {
	return api.Activity{Ops: len(w.samples) - w.head, Bytes: w.bytes}
}

type rateShard struct {
	mu    sync.Mutex
	procs map[int32]*window
}

// RateTracker counts operations and bytes per process over a sliding window.
// Processes are spread over shards so one busy writer only contends with the
// pids that share its shard.
type RateTracker struct {
	span    time.Duration
	shards  [rateShards]rateShard
	records atomic.Uint64
}

func NewRateTracker(d time.Duration) *RateTracker {
	if d <= 0 {
		d = api.DefaultRateWindow
	}
	r := &RateTracker{span: d}
	for i := range r.shards {
		r.shards[i].procs = make(map[int32]*window)
	}
	return r
}

func (r *RateTracker) shard(pid int32) *rateShard {
	return &r.shards[uint32(pid)%rateShards]
}

// Record adds one operation of n bytes for pid and returns the activity
// inside the window, this operation included.
func (r *RateTracker) Record(pid int32, n int64, now time.Time) api.Activity {
	if r.records.Add(1)%sweepEvery == 0 {
		r.sweep(now)
	}

	s := r.shard(pid)
	s.mu.Lock()
	defer s.mu.Unlock()

	w := s.procs[pid]
	if w == nil {
		w = &window{}
		s.procs[pid] = w
	}
	w.prune(now.Add(-r.span))
	w.samples = append(w.samples, sample{at: now, bytes: n})
	w.bytes += n
	return w.activity()
}

// Peek returns pid's activity without recording anything.
func (r *RateTracker) Peek(pid int32, now time.Time) api.Activity {
	s := r.shard(pid)
	s.mu.Lock()
	defer s.mu.Unlock()

	w := s.procs[pid]
	if w == nil {
		return api.Activity{}
	}
	w.prune(now.Add(-r.span))
	return w.activity()
}

// sweep drops processes with no activity left in the window, one shard at a
// time.
func (r *RateTracker) sweep(now time.Time) {
	cutoff := now.Add(-r.span)
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.Lock()
		for pid, w := range s.procs {
			w.prune(cutoff)
			if len(w.samples) == 0 {
				delete(s.procs, pid)
			}
		}
		s.mu.Unlock()
	}
}

func (r *RateTracker) Len() int {
	n := 0
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.Lock()
		n += len(s.procs)
		s.mu.Unlock()
	}
	return n
}
