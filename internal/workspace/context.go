package workspace

import (
	"sync"
	"sync/atomic"

	"github.com/dperf-io/dperf/internal/constants"
	"github.com/dperf-io/dperf/internal/mem"
	"github.com/dperf-io/dperf/internal/ring"
)

// Barrier synchronizes all workspaces at phase boundaries. Reusable across
// generations.
type Barrier struct {
	mu         sync.Mutex
	cond       *sync.Cond
	count      int
	total      int
	generation int
}

// NewBarrier creates a barrier for n participants.
func NewBarrier(n int) *Barrier {
	b := &Barrier{total: n}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Wait blocks until every participant arrives.
func (b *Barrier) Wait() {
	b.mu.Lock()
	defer b.mu.Unlock()
	gen := b.generation
	b.count++
	if b.count < b.total {
		for gen == b.generation {
			b.cond.Wait()
		}
		return
	}
	b.count = 0
	b.generation++
	b.cond.Broadcast()
}

// Context is the process-wide shared state for one run: the workspace
// registry, ring endpoints, memory-registration handles, the start barrier,
// and the perf-stats accumulator. The mutex guards setup and teardown only;
// nothing on the datapath takes it.
type Context struct {
	mu sync.Mutex

	ws          [constants.MaxWorkspaces]*Workspace
	activeWsIDs []uint8

	wsTxRings    map[uint8]*ring.Ring
	wsRxRings    map[uint8]*ring.Ring
	wsDispatcher map[uint8]uint8
	memRegs      map[uint8]*mem.MemReg

	barrier *Barrier

	perf PerfStats

	endSignal atomic.Bool
	completed atomic.Int32
}

// NewContext builds the shared state for total participating workspaces.
func NewContext(total int) *Context {
	c := &Context{
		wsTxRings:    make(map[uint8]*ring.Ring),
		wsRxRings:    make(map[uint8]*ring.Ring),
		wsDispatcher: make(map[uint8]uint8),
		memRegs:      make(map[uint8]*mem.MemReg),
		barrier:      NewBarrier(total),
	}
	c.perf.Reset()
	return c
}

// Wait parks the caller on the context barrier.
func (c *Context) Wait() {
	c.barrier.Wait()
}

// ActiveCount returns the number of registered workspaces.
func (c *Context) ActiveCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.activeWsIDs)
}

// Perf returns the aggregate statistics block.
func (c *Context) Perf() *PerfStats {
	return &c.perf
}
