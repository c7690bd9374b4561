// Package mem provides the memory-registered buffer arena shared between a
// dispatcher and the workers it serves. The arena divides one hugepage slab
// into fixed-size cells threaded through a freelist; allocation and free are
// single-owner operations on the dispatcher's thread, workers reach the arena
// only through the MemReg function table the dispatcher registers.
package mem

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/dperf-io/dperf/internal/logging"
)

// Arena is a slab of memory-registered packet cells with a freelist.
type Arena struct {
	name      string
	slab      []byte
	cellSize  int
	capacity  int
	lkey      uint32
	free      *Buffer // freelist head, threaded through Buffer.Next
	freeCount int
	cells     []Buffer
	hugepages bool
}

var (
	arenaMu  sync.Mutex
	arenas   = make(map[string]*Arena)
	nextLKey uint32 = 1
)

// NewArena maps a slab of capacity cells of cellSize bytes and registers it
// under name (one arena per (port, qp), named like dperf-mp-<port>-<qp>).
// Mapping prefers explicit hugepages and falls back to anonymous memory when
// the system has none reserved.
func NewArena(name string, cellSize, capacity int) (*Arena, error) {
	arenaMu.Lock()
	defer arenaMu.Unlock()
	if _, ok := arenas[name]; ok {
		return nil, fmt.Errorf("arena %q already exists", name)
	}

	size := cellSize * capacity
	hugepages := true
	slab, err := unix.Mmap(-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_HUGETLB)
	if err != nil {
		hugepages = false
		slab, err = unix.Mmap(-1, 0, size,
			unix.PROT_READ|unix.PROT_WRITE,
			unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
		if err != nil {
			return nil, fmt.Errorf("mmap %d bytes for arena %q: %w", size, name, err)
		}
		logging.Warnf("arena %s: no hugepages available, using anonymous pages", name)
	}

	a := &Arena{
		name:      name,
		slab:      slab,
		cellSize:  cellSize,
		capacity:  capacity,
		lkey:      nextLKey,
		cells:     make([]Buffer, capacity),
		hugepages: hugepages,
	}
	nextLKey++
	for i := capacity - 1; i >= 0; i-- {
		c := &a.cells[i]
		c.Data = slab[i*cellSize : (i+1)*cellSize : (i+1)*cellSize]
		c.ClassSize = cellSize
		c.LKey = a.lkey
		c.Owner = a
		c.State = StateFree
		c.Next = a.free
		a.free = c
	}
	a.freeCount = capacity
	arenas[name] = a
	return a, nil
}

// Lookup finds a previously created arena by name.
func Lookup(name string) *Arena {
	arenaMu.Lock()
	defer arenaMu.Unlock()
	return arenas[name]
}

// Name returns the arena's registration name.
func (a *Arena) Name() string { return a.name }

// Cap returns the number of cells in the arena.
func (a *Arena) Cap() int { return a.capacity }

// LKey returns the arena's registration key.
func (a *Arena) LKey() uint32 { return a.lkey }

// InUse returns the number of cells currently allocated.
func (a *Arena) InUse() int { return a.capacity - a.freeCount }

// Alloc takes one cell from the freelist, or nil when the arena is empty.
func (a *Arena) Alloc() *Buffer {
	b := a.free
	if b == nil {
		return nil
	}
	a.free = b.Next
	a.freeCount--
	b.Next = nil
	b.Length = 0
	b.State = StateAppOwned
	return b
}

// AllocBulk fills out with len(out) cells, all-or-nothing. Returns false and
// leaves the arena unchanged when fewer cells are free.
func (a *Arena) AllocBulk(out []*Buffer) bool {
	if a.freeCount < len(out) {
		return false
	}
	for i := range out {
		out[i] = a.Alloc()
	}
	return true
}

// Free returns one cell to the freelist.
func (a *Arena) Free(b *Buffer) {
	b.State = StateFree
	b.Next = a.free
	a.free = b
	a.freeCount++
}

// FreeBulk returns every cell in bufs to the freelist.
func (a *Arena) FreeBulk(bufs []*Buffer) {
	for _, b := range bufs {
		a.Free(b)
	}
}

// Close unmaps the slab and forgets the registration.
func (a *Arena) Close() error {
	arenaMu.Lock()
	delete(arenas, a.name)
	arenaMu.Unlock()
	if a.slab == nil {
		return nil
	}
	err := unix.Munmap(a.slab)
	a.slab = nil
	return err
}

// MemReg is the read-only function table a dispatcher registers so that its
// workers can allocate and release cells without holding the arena itself.
type MemReg struct {
	Alloc     func() *Buffer
	AllocBulk func(out []*Buffer) bool
	Free      func(*Buffer)
	FreeBulk  func([]*Buffer)
	InUse     func() int
}

// Reg builds the arena's memory-registration descriptor.
func (a *Arena) Reg() *MemReg {
	return &MemReg{
		Alloc:     a.Alloc,
		AllocBulk: a.AllocBulk,
		Free:      a.Free,
		FreeBulk:  a.FreeBulk,
		InUse:     a.InUse,
	}
}
