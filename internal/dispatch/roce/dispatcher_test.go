package roce

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dperf-io/dperf/internal/config"
	"github.com/dperf-io/dperf/internal/constants"
	"github.com/dperf-io/dperf/internal/dispatch"
	"github.com/dperf-io/dperf/internal/mem"
	"github.com/dperf-io/dperf/internal/ring"
	"github.com/dperf-io/dperf/internal/wire"
)

const roceTestConfig = `numa:0
phy_port:0
iteration:1
duration:1
local_ip:127.0.0.1
remote_ip:127.0.0.1
local_mac:08.c0.eb.62.41.2a
remote_mac:08.c0.eb.62.41.2b
device_name:softroce
kDispTxBatchSize:1
kDispRxBatchSize:32
kNICTxPostSize:1
kNICRxPostSize:32
`

// newPair brings up a server and a client dispatcher on a shared software
// fabric, running the out-of-band handshake over localhost.
func newPair(t *testing.T, wsID uint8) (server, client *Dispatcher) {
	t.Helper()
	ResetFabric()
	cfg, err := config.Parse(roceTestConfig)
	require.NoError(t, err)
	batch := dispatch.BatchSizes{DispTxBatch: 1, DispRxBatch: 32, NICTxPost: 1, NICRxPost: 32}
	verbs := OpenSoftDevice("softroce", PortAttr{LID: 1, MTU: constants.MTU})

	var wg sync.WaitGroup
	var serverErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		server, serverErr = New(wsID, 0, cfg, batch, true, verbs)
	}()
	client, err = New(wsID, 1, cfg, batch, false, verbs)
	wg.Wait()
	require.NoError(t, serverErr)
	require.NoError(t, err)
	t.Cleanup(func() {
		server.Close()
		client.Close()
		ResetFabric()
	})
	return server, client
}

func TestHandshakeExchangesQPNumbers(t *testing.T) {
	server, client := newPair(t, 2)
	assert.Equal(t, uint32(server.QP()), client.remoteQPN)
	assert.Equal(t, uint32(client.QP()), server.remoteQPN)
}

// Client TX flows through the UD fabric into the server's circular RX ring,
// and dispatched entries carry the AppOwned state until the worker releases
// them, at which point the next rx pass reposts.
func TestUDFlowAndLazyRepost(t *testing.T) {
	server, client := newPair(t, 3)

	const workload = 2
	txRing := ring.New(constants.RingSize)
	rxRing := ring.New(constants.RingSize)
	client.AddWsTxRing(txRing)
	server.AddWsRxRing(0, rxRing)
	server.AddRxRule(workload, 0)

	const pkts = 16
	reg := client.MemReg()
	for i := 0; i < pkts; i++ {
		b := reg.Alloc()
		require.NotNil(t, b)
		uh := wire.UDPHdr{SrcPort: 3, DstPort: 3}
		fh := wire.FrameworkHdr{WorkloadType: workload, SegmentNum: 1}
		b.SetPayload(&uh, &fh, 32)
		require.True(t, txRing.Enqueue(b))
	}

	for collected := 0; collected < pkts; {
		collected += client.CollectTx()
	}
	sent, err := client.TxFlush()
	require.NoError(t, err)
	assert.Equal(t, pkts, sent)

	n, err := server.RxBurst()
	require.NoError(t, err)
	assert.Equal(t, pkts, n)
	assert.Equal(t, pkts, server.RxStaged())

	dispatched, dropped := server.DispatchRx()
	assert.Equal(t, pkts, dispatched)
	assert.Zero(t, dropped)

	// The dispatched entries are ring cells in AppOwned state; releasing
	// them through the server's memory registration flips them to Free.
	sreg := server.MemReg()
	for i := 0; i < pkts; i++ {
		b := rxRing.Dequeue()
		require.NotNil(t, b)
		assert.Equal(t, mem.StateAppOwned, b.State)
		assert.Equal(t, wire.TotalHdrLen+32, b.Length)
		assert.Equal(t, uint8(workload), b.FrameworkHdr().WorkloadType)
		sreg.Free(b)
		assert.Equal(t, mem.StateFree, b.State, "ring cells repost lazily, not back to the arena")
	}

	// The next rx pass reposts the freed entries.
	_, err = server.RxBurst()
	require.NoError(t, err)
	for i := 0; i < pkts; i++ {
		assert.Equal(t, mem.StatePosted, server.rxRing[i].State)
	}
}

// Send completions recycle arena-backed TX buffers back to the client's
// arena.
func TestSendCompletionRecyclesBuffers(t *testing.T) {
	server, client := newPair(t, 4)
	_ = server

	txRing := ring.New(constants.RingSize)
	client.AddWsTxRing(txRing)

	inUseBefore := client.Arena().InUse()
	b := client.MemReg().Alloc()
	require.NotNil(t, b)
	uh := wire.UDPHdr{SrcPort: 4, DstPort: 4}
	fh := wire.FrameworkHdr{WorkloadType: 0, SegmentNum: 1}
	b.SetPayload(&uh, &fh, 16)
	require.True(t, txRing.Enqueue(b))

	client.CollectTx()
	_, err := client.TxFlush()
	require.NoError(t, err)

	// The completion is reaped at the head of the next burst.
	_, err = client.txBurst(nil)
	require.NoError(t, err)
	assert.Equal(t, inUseBefore, client.Arena().InUse())
}

func TestDispatchDropSetsEntryFree(t *testing.T) {
	server, client := newPair(t, 5)

	const workload = 1
	txRing := ring.New(constants.RingSize)
	rxRing := ring.New(2) // tiny worker ring forces drops
	client.AddWsTxRing(txRing)
	server.AddWsRxRing(0, rxRing)
	server.AddRxRule(workload, 0)

	const pkts = 8
	for i := 0; i < pkts; i++ {
		b := client.MemReg().Alloc()
		require.NotNil(t, b)
		uh := wire.UDPHdr{SrcPort: 5, DstPort: 5}
		fh := wire.FrameworkHdr{WorkloadType: workload, SegmentNum: 1}
		b.SetPayload(&uh, &fh, 8)
		require.True(t, txRing.Enqueue(b))
	}
	for collected := 0; collected < pkts; {
		collected += client.CollectTx()
	}
	_, err := client.TxFlush()
	require.NoError(t, err)

	_, err = server.RxBurst()
	require.NoError(t, err)
	dispatched, dropped := server.DispatchRx()
	assert.Equal(t, 2, dispatched)
	assert.Equal(t, pkts-2, dropped)

	// Dropped entries go straight back to Free for reposting.
	freed := 0
	for i := 0; i < pkts; i++ {
		if server.rxRing[i].State == mem.StateFree {
			freed++
		}
	}
	assert.Equal(t, pkts-2, freed)
}
