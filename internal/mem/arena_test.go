package mem

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dperf-io/dperf/internal/wire"
)

func newTestArena(t *testing.T, name string, cells int) *Arena {
	t.Helper()
	a, err := NewArena(name, 4096, cells)
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a
}

func TestArenaAllocFree(t *testing.T) {
	a := newTestArena(t, "test-alloc-free", 8)
	assert.Equal(t, 8, a.Cap())
	assert.Equal(t, 0, a.InUse())

	b := a.Alloc()
	require.NotNil(t, b)
	assert.Equal(t, 4096, len(b.Data))
	assert.Equal(t, StateAppOwned, b.State)
	assert.Equal(t, 1, a.InUse())
	assert.Same(t, a, b.Owner)

	a.Free(b)
	assert.Equal(t, StateFree, b.State)
	assert.Equal(t, 0, a.InUse())
}

func TestArenaDuplicateNameRejected(t *testing.T) {
	newTestArena(t, "test-dup", 2)
	_, err := NewArena("test-dup", 4096, 2)
	assert.Error(t, err)
}

func TestAllocBulkAllOrNothing(t *testing.T) {
	a := newTestArena(t, "test-bulk", 4)
	out := make([]*Buffer, 5)
	assert.False(t, a.AllocBulk(out), "bulk larger than pool must fail")
	assert.Equal(t, 0, a.InUse(), "failed bulk must not leak cells")

	out = out[:4]
	require.True(t, a.AllocBulk(out))
	for _, b := range out {
		assert.NotNil(t, b)
	}
	assert.False(t, a.AllocBulk(make([]*Buffer, 1)))
	a.FreeBulk(out)
	assert.Equal(t, 0, a.InUse())
}

// A pool sized exactly to one full batch still allows a forward step after a
// complete alloc/free cycle.
func TestExactPoolSizeCycles(t *testing.T) {
	const batch = 16
	a := newTestArena(t, "test-exact", batch)
	out := make([]*Buffer, batch)
	for cycle := 0; cycle < 3; cycle++ {
		require.True(t, a.AllocBulk(out), "cycle %d", cycle)
		a.FreeBulk(out)
	}
}

func TestSetPayloadLayout(t *testing.T) {
	a := newTestArena(t, "test-payload", 1)
	b := a.Alloc()
	require.NotNil(t, b)

	uh := wire.UDPHdr{SrcPort: 2, DstPort: 3}
	fh := wire.FrameworkHdr{WorkloadType: 1, SegmentNum: 4}
	b.SetPayload(&uh, &fh, 10)

	assert.Equal(t, wire.TotalHdrLen+10, b.Length)
	assert.Equal(t, fh, b.FrameworkHdr())
	assert.Equal(t, uh, wire.ParseUDP(b.UDP()))

	payload := b.AppPayload()[:10]
	for i := 0; i < 9; i++ {
		assert.Equal(t, byte('a'), payload[i])
	}
	assert.Equal(t, byte(0), payload[9], "payload must be NUL-terminated")
}

func TestCopyPayload(t *testing.T) {
	a := newTestArena(t, "test-cp", 2)
	src, dst := a.Alloc(), a.Alloc()
	uh := wire.UDPHdr{SrcPort: 1, DstPort: 2}
	fh := wire.FrameworkHdr{WorkloadType: 5, SegmentNum: 1}
	src.SetPayload(&uh, &fh, 32)

	dst.CopyPayload(src, &uh, &fh, 32)
	assert.Equal(t, src.Length, dst.Length)
	assert.Equal(t, src.AppPayload()[:32], dst.AppPayload()[:32])
}
