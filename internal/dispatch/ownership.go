package dispatch

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/dperf-io/dperf/internal/constants"
	"github.com/dperf-io/dperf/internal/errs"
	"github.com/dperf-io/dperf/internal/logging"
)

// InvalidQP marks a failed queue-pair reservation.
const InvalidQP = -1

const (
	ownerSlotSize  = 16         // pid u32, pad u32, proc tag u64
	ownershipMagic = 0x64706f71 // "dpoq"

	hdrSize       = 8
	freeCountSize = 8 // u32 count + pad, per port
	slotsOff      = hdrSize + constants.MaxPhyPorts*freeCountSize
	ownershipSize = slotsOff + constants.MaxPhyPorts*constants.MaxQueuesPerPort*ownerSlotSize
)

// OwnershipTable arbitrates queue-pair ownership for the NIC ports of one
// machine. The slot array lives in a file-backed mapping under /dev/shm so
// that every dperf process sharing a port sees the same state; a single
// mutex serializes accesses from this process.
//
// Per (port, qp) slot: the owning PID (zero means free) and a random process
// tag that defends against PID reuse. Per port: a free count with the
// invariant free_count == count(pid == 0).
type OwnershipTable struct {
	mu   sync.Mutex
	mem  []byte
	file *os.File
}

// OpenOwnershipTable maps (creating if needed) the shared ownership region.
func OpenOwnershipTable(path string) (*OwnershipTable, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open ownership region: %w", err)
	}
	if err := f.Truncate(ownershipSize); err != nil {
		f.Close()
		return nil, fmt.Errorf("size ownership region: %w", err)
	}
	mem, err := unix.Mmap(int(f.Fd()), 0, ownershipSize,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("map ownership region: %w", err)
	}
	t := &OwnershipTable{mem: mem, file: f}
	if binary.LittleEndian.Uint32(mem[0:4]) != ownershipMagic {
		// First process to open the region initializes it.
		for i := range mem {
			mem[i] = 0
		}
		for port := 0; port < constants.MaxPhyPorts; port++ {
			t.setFreeCount(port, constants.MaxQueuesPerPort)
		}
		binary.LittleEndian.PutUint32(mem[0:4], ownershipMagic)
	}
	return t, nil
}

// Close unmaps the region; slot state stays behind for other processes.
func (t *OwnershipTable) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.mem != nil {
		if err := unix.Munmap(t.mem); err != nil {
			return err
		}
		t.mem = nil
	}
	return t.file.Close()
}

func (t *OwnershipTable) slot(port, qp int) []byte {
	off := slotsOff + (port*constants.MaxQueuesPerPort+qp)*ownerSlotSize
	return t.mem[off : off+ownerSlotSize]
}

func (t *OwnershipTable) freeCount(port int) int {
	off := hdrSize + port*freeCountSize
	return int(binary.LittleEndian.Uint32(t.mem[off : off+4]))
}

func (t *OwnershipTable) setFreeCount(port, n int) {
	off := hdrSize + port*freeCountSize
	binary.LittleEndian.PutUint32(t.mem[off:off+4], uint32(n))
}

func slotPID(s []byte) int    { return int(binary.LittleEndian.Uint32(s[0:4])) }
func slotTag(s []byte) uint64 { return binary.LittleEndian.Uint64(s[8:16]) }
func setSlot(s []byte, pid int, tag uint64) {
	binary.LittleEndian.PutUint32(s[0:4], uint32(pid))
	binary.LittleEndian.PutUint64(s[8:16], tag)
}

// GetQP claims the first free queue pair on port, installing (pid, procTag).
// A slot already holding this PID under a different tag means the PID was
// reused after a crash; that is fatal for the caller.
func (t *OwnershipTable) GetQP(port int, procTag uint64) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	pid := os.Getpid()

	for qp := 0; qp < constants.MaxQueuesPerPort; qp++ {
		s := t.slot(port, qp)
		if slotPID(s) == pid && slotTag(s) != procTag {
			return InvalidQP, errs.NewQueue("get_qp", -1, qp, errs.CodeNicFatal,
				fmt.Sprintf("found stale QP owner with reused PID %d", pid))
		}
	}
	for qp := 0; qp < constants.MaxQueuesPerPort; qp++ {
		s := t.slot(port, qp)
		if slotPID(s) == 0 {
			setSlot(s, pid, procTag)
			t.setFreeCount(port, t.freeCount(port)-1)
			return qp, nil
		}
	}
	return InvalidQP, errs.New("get_qp", errs.CodeResourceExhausted,
		fmt.Sprintf("all %d queue pairs on port %d are in use", constants.MaxQueuesPerPort, port))
}

// FreeQP releases a queue pair previously claimed by this process.
func (t *OwnershipTable) FreeQP(port, qp int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.slot(port, qp)
	pid := os.Getpid()
	switch owner := slotPID(s); {
	case owner == 0:
		return errs.NewQueue("free_qp", -1, qp, errs.CodeConfig, "queue pair already free")
	case owner != pid:
		return errs.NewQueue("free_qp", -1, qp, errs.CodeConfig,
			fmt.Sprintf("queue pair owned by PID %d", owner))
	}
	setSlot(s, 0, 0)
	t.setFreeCount(port, t.freeCount(port)+1)
	return nil
}

// FreeCount returns the recorded number of free queue pairs on port.
func (t *OwnershipTable) FreeCount(port int) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.freeCount(port)
}

// CountFreeSlots recounts free slots directly; equal to FreeCount whenever
// the table invariant holds.
func (t *OwnershipTable) CountFreeSlots(port int) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for qp := 0; qp < constants.MaxQueuesPerPort; qp++ {
		if slotPID(t.slot(port, qp)) == 0 {
			n++
		}
	}
	return n
}

// ReclaimFromCrashed frees slots whose owner process no longer exists,
// probing with signal 0. PID reuse can leak a reclaim; that race is accepted.
// Daemon-only operation.
func (t *OwnershipTable) ReclaimFromCrashed(port int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for qp := 0; qp < constants.MaxQueuesPerPort; qp++ {
		s := t.slot(port, qp)
		pid := slotPID(s)
		if pid == 0 {
			continue
		}
		if err := unix.Kill(pid, 0); err != nil {
			logging.Warnf("reclaiming QP %d on port %d from crashed PID %d", qp, port, pid)
			setSlot(s, 0, 0)
			t.setFreeCount(port, t.freeCount(port)+1)
		}
	}
}
