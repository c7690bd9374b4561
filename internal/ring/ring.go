// Package ring implements the fixed-capacity single-producer single-consumer
// queue that connects a worker to its dispatcher. For TX the worker owns the
// tail and the dispatcher the head; for RX the roles flip.
//
// Based on Lamport's ring buffer with cached index optimization: the producer
// caches the consumer's head and vice versa, so the hot path touches the
// shared indices only when its cached view says the ring might be full or
// empty.
package ring

import (
	"sync/atomic"

	"github.com/dperf-io/dperf/internal/mem"
)

// Ring is an SPSC queue of buffer pointers. Capacity rounds up to the next
// power of two. Enqueue fails when full; Dequeue returns nil when empty.
type Ring struct {
	head       atomic.Uint64 // consumer reads from here
	_          [7]uint64
	cachedTail uint64 // consumer's cached view of tail
	_          [7]uint64
	tail       atomic.Uint64 // producer writes here
	_          [7]uint64
	cachedHead uint64 // producer's cached view of head
	_          [7]uint64
	slots      []*mem.Buffer
	mask       uint64
}

// New creates a ring with at least the requested capacity.
func New(capacity int) *Ring {
	if capacity < 2 {
		panic("ring: capacity must be >= 2")
	}
	n := uint64(1)
	for n < uint64(capacity) {
		n <<= 1
	}
	return &Ring{
		slots: make([]*mem.Buffer, n),
		mask:  n - 1,
	}
}

// Cap returns the ring capacity.
func (r *Ring) Cap() int { return int(r.mask + 1) }

// Enqueue publishes b (producer only). Returns false when the ring is full.
func (r *Ring) Enqueue(b *mem.Buffer) bool {
	tail := r.tail.Load()
	if tail-r.cachedHead > r.mask {
		r.cachedHead = r.head.Load()
		if tail-r.cachedHead > r.mask {
			return false
		}
	}
	r.slots[tail&r.mask] = b
	r.tail.Store(tail + 1)
	return true
}

// Dequeue removes the oldest buffer (consumer only), nil when empty.
func (r *Ring) Dequeue() *mem.Buffer {
	head := r.head.Load()
	if head >= r.cachedTail {
		r.cachedTail = r.tail.Load()
		if head >= r.cachedTail {
			return nil
		}
	}
	b := r.slots[head&r.mask]
	r.slots[head&r.mask] = nil
	r.head.Store(head + 1)
	return b
}

// Size returns the number of buffered entries. The value is exact for the
// two owning threads and a snapshot for anyone else.
func (r *Ring) Size() int {
	return int(r.tail.Load() - r.head.Load())
}
