package dispatch

import (
	"encoding/binary"
	"sync"

	"github.com/google/uuid"
)

// OwnershipPath is the shared memory region every dperf process on the
// machine maps to arbitrate queue pairs.
const OwnershipPath = "/dev/shm/dperf-qp-ownership"

var (
	procTagOnce sync.Once
	procTag     uint64

	sharedOnce sync.Once
	sharedTbl  *OwnershipTable
	sharedErr  error
)

// ProcTag returns this process's random identity tag, drawn once per process.
// The tag defends the ownership table against PID reuse.
func ProcTag() uint64 {
	procTagOnce.Do(func() {
		id := uuid.New()
		procTag = binary.LittleEndian.Uint64(id[:8])
	})
	return procTag
}

// SharedOwnership opens the machine-wide ownership table once per process.
func SharedOwnership() (*OwnershipTable, error) {
	sharedOnce.Do(func() {
		sharedTbl, sharedErr = OpenOwnershipTable(OwnershipPath)
	})
	return sharedTbl, sharedErr
}
