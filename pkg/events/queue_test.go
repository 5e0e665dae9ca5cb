package events

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jingkaihe/fsguard/pkg/api"
)

func TestQueue_OverflowDropsOldest(t *testing.T) {
	const n = 8
	q := NewQueue(n)
	for i := 1; i <= n+1; i++ {
		q.Publish(api.EventRecord{Seq: uint64(i)})
	}

	assert.Equal(t, uint64(1), q.Dropped())
	assert.Equal(t, uint64(n+1), q.Published())
	require.Equal(t, n, q.Len())

	var got []uint64
	for i := 0; i < n; i++ {
		got = append(got, (<-q.C()).Seq)
	}
	assert.Equal(t, []uint64{2, 3, 4, 5, 6, 7, 8, 9}, got)
}

func TestQueue_NoDropsWithinCapacity(t *testing.T) {
	q := NewQueue(4)
	for i := 0; i < 4; i++ {
		q.Publish(api.EventRecord{})
	}
	assert.Equal(t, uint64(0), q.Dropped())
	assert.Equal(t, 4, q.Cap())
}

func TestQueue_ConcurrentProducersNeverBlock(t *testing.T) {
	q := NewQueue(16)
	var wg sync.WaitGroup
	for p := 0; p < 8; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				q.Publish(api.EventRecord{})
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, uint64(8000), q.Published())
	assert.Equal(t, uint64(8000-16), q.Dropped())
	assert.Equal(t, 16, q.Len())
}
