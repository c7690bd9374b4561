package dispatch

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dperf-io/dperf/internal/constants"
	"github.com/dperf-io/dperf/internal/errs"
)

func openTestTable(t *testing.T) *OwnershipTable {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ownership")
	tbl, err := OpenOwnershipTable(path)
	require.NoError(t, err)
	t.Cleanup(func() { tbl.Close() })
	return tbl
}

func TestGetAndFreeQP(t *testing.T) {
	tbl := openTestTable(t)
	assert.Equal(t, constants.MaxQueuesPerPort, tbl.FreeCount(0))

	qp, err := tbl.GetQP(0, ProcTag())
	require.NoError(t, err)
	assert.Equal(t, 0, qp)
	assert.Equal(t, constants.MaxQueuesPerPort-1, tbl.FreeCount(0))

	qp2, err := tbl.GetQP(0, ProcTag())
	require.NoError(t, err)
	assert.Equal(t, 1, qp2, "claims proceed in slot order")

	require.NoError(t, tbl.FreeQP(0, qp))
	assert.Equal(t, constants.MaxQueuesPerPort-1, tbl.FreeCount(0))
	require.NoError(t, tbl.FreeQP(0, qp2))
	assert.Equal(t, constants.MaxQueuesPerPort, tbl.FreeCount(0))
}

// The recorded free count always equals the number of free slots.
func TestFreeCountInvariant(t *testing.T) {
	tbl := openTestTable(t)
	for i := 0; i < constants.MaxQueuesPerPort; i++ {
		_, err := tbl.GetQP(1, ProcTag())
		require.NoError(t, err)
		assert.Equal(t, tbl.CountFreeSlots(1), tbl.FreeCount(1))
	}
	_, err := tbl.GetQP(1, ProcTag())
	require.Error(t, err)
	assert.True(t, errs.IsCode(err, errs.CodeResourceExhausted))
}

func TestFreeQPValidatesOwnership(t *testing.T) {
	tbl := openTestTable(t)
	err := tbl.FreeQP(0, 0)
	require.Error(t, err, "freeing an already-free slot fails")

	qp, err := tbl.GetQP(0, ProcTag())
	require.NoError(t, err)
	// Fake another process's claim on the next slot.
	setSlot(tbl.slot(0, qp+1), os.Getpid()+1, 77)
	tbl.setFreeCount(0, tbl.freeCount(0)-1)
	err = tbl.FreeQP(0, qp+1)
	assert.Error(t, err, "freeing a foreign slot is disallowed")
}

// Two claimants with the same PID but different process tags mean the PID
// was reused after a crash; get_qp must fail fatally.
func TestPIDReuseGuard(t *testing.T) {
	tbl := openTestTable(t)
	setSlot(tbl.slot(0, 2), os.Getpid(), ProcTag()+1)
	tbl.setFreeCount(0, tbl.freeCount(0)-1)

	_, err := tbl.GetQP(0, ProcTag())
	require.Error(t, err)
	assert.True(t, errs.IsCode(err, errs.CodeNicFatal))
}

func TestReclaimFromCrashed(t *testing.T) {
	tbl := openTestTable(t)
	// Install an owner PID that cannot exist.
	setSlot(tbl.slot(0, 0), 1<<22-3, 123)
	tbl.setFreeCount(0, tbl.freeCount(0)-1)
	require.Equal(t, constants.MaxQueuesPerPort-1, tbl.FreeCount(0))

	tbl.ReclaimFromCrashed(0)
	assert.Equal(t, constants.MaxQueuesPerPort, tbl.FreeCount(0))
	assert.Equal(t, tbl.CountFreeSlots(0), tbl.FreeCount(0))
}

func TestProcTagStable(t *testing.T) {
	assert.Equal(t, ProcTag(), ProcTag())
	assert.NotZero(t, ProcTag())
}
