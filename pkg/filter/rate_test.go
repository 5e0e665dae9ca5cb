package filter

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRateTracker_SlidingWindow(t *testing.T) {
	r := NewRateTracker(10 * time.Second)
	t0 := time.Unix(1_700_000_000, 0)

	assert.Equal(t, 1, r.Record(1, 100, t0).Ops)
	a := r.Record(1, 50, t0.Add(3*time.Second))
	assert.Equal(t, 2, a.Ops)
	assert.Equal(t, int64(150), a.Bytes)

	a = r.Record(1, 10, t0.Add(11*time.Second))
	assert.Equal(t, 2, a.Ops, "first sample fell out of the window")
	assert.Equal(t, int64(60), a.Bytes)

	assert.Equal(t, 1, r.Record(2, 0, t0.Add(11*time.Second)).Ops, "processes are tracked separately")
	assert.Equal(t, 0, r.Peek(1, t0.Add(30*time.Second)).Ops)
	assert.Equal(t, 0, r.Peek(99, t0).Ops)
}

func TestRateTracker_SweepsIdleProcesses(t *testing.T) {
	r := NewRateTracker(time.Second)
	t0 := time.Unix(1_700_000_000, 0)
	for i := 0; i < sweepEvery-1; i++ {
		r.Record(int32(i), 1, t0)
	}
	assert.Equal(t, sweepEvery-1, r.Len())

	r.Record(-1, 1, t0.Add(time.Hour))
	assert.Equal(t, 1, r.Len())
}

func TestRateTracker_SteadyStateStaysBounded(t *testing.T) {
	r := NewRateTracker(100 * time.Millisecond)
	t0 := time.Unix(1_700_000_000, 0)

	a := r.Record(7, 1, t0)
	for i := 1; i < 20_000; i++ {
		a = r.Record(7, 1, t0.Add(time.Duration(i)*time.Millisecond))
	}
	assert.Equal(t, 100, a.Ops)
	assert.Equal(t, int64(100), a.Bytes)

	w := r.shard(7).procs[7]
	assert.LessOrEqual(t, len(w.samples), 4*100, "expired prefix is compacted")
	assert.LessOrEqual(t, cap(w.samples), 1024)
}

func TestRateTracker_ConcurrentProcesses(t *testing.T) {
	r := NewRateTracker(time.Minute)
	t0 := time.Unix(1_700_000_000, 0)

	var wg sync.WaitGroup
	for pid := int32(1); pid <= 64; pid++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				r.Record(pid, 10, t0.Add(time.Duration(i)*time.Millisecond))
			}
		}()
	}
	wg.Wait()

	for pid := int32(1); pid <= 64; pid++ {
		a := r.Peek(pid, t0.Add(time.Second))
		assert.Equal(t, 200, a.Ops)
		assert.Equal(t, int64(2000), a.Bytes)
	}
	assert.Equal(t, 64, r.Len())
}
