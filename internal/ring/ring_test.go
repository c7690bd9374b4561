package ring

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dperf-io/dperf/internal/mem"
)

func TestCapacityRoundsToPowerOfTwo(t *testing.T) {
	assert.Equal(t, 64, New(64).Cap())
	assert.Equal(t, 64, New(33).Cap())
	assert.Equal(t, 2, New(2).Cap())
}

// Enqueue then dequeue of the same element yields the same pointer; dequeue
// on empty is a no-op returning nil.
func TestEnqueueDequeueIdempotence(t *testing.T) {
	r := New(8)
	assert.Nil(t, r.Dequeue())

	b := &mem.Buffer{Length: 42}
	require.True(t, r.Enqueue(b))
	got := r.Dequeue()
	assert.Same(t, b, got)
	assert.Nil(t, r.Dequeue())
}

func TestFullRingRejectsEnqueue(t *testing.T) {
	r := New(4)
	bufs := make([]*mem.Buffer, 4)
	for i := range bufs {
		bufs[i] = &mem.Buffer{}
		require.True(t, r.Enqueue(bufs[i]))
	}
	assert.False(t, r.Enqueue(&mem.Buffer{}), "enqueue on full ring must fail")
	assert.Equal(t, 4, r.Size())

	// FIFO order and size bookkeeping across the wrap.
	for i := range bufs {
		assert.Same(t, bufs[i], r.Dequeue())
	}
	assert.Equal(t, 0, r.Size())
}

func TestSizeStaysInBounds(t *testing.T) {
	r := New(8)
	for round := 0; round < 100; round++ {
		for i := 0; i < 5; i++ {
			r.Enqueue(&mem.Buffer{})
		}
		for i := 0; i < 5; i++ {
			r.Dequeue()
		}
		size := r.Size()
		if size < 0 || size >= 8+1 {
			t.Fatalf("ring size %d out of bounds after round %d", size, round)
		}
	}
}

// One producer, one consumer, no locks: every enqueued buffer arrives
// exactly once and in order.
func TestConcurrentSPSC(t *testing.T) {
	const total = 100_000
	r := New(1024)
	bufs := make([]mem.Buffer, total)

	done := make(chan struct{})
	go func() {
		defer close(done)
		seen := 0
		for seen < total {
			b := r.Dequeue()
			if b == nil {
				continue
			}
			if b.Length != seen {
				t.Errorf("out of order: got %d, want %d", b.Length, seen)
				return
			}
			seen++
		}
	}()

	for i := 0; i < total; i++ {
		bufs[i].Length = i
		for !r.Enqueue(&bufs[i]) {
		}
	}
	<-done
}
