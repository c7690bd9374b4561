package ethdev

import (
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

const testConfig = `numa:0
phy_port:0
iteration:1
duration:1
local_ip:192.168.1.10
remote_ip:192.168.1.11
local_mac:08.c0.eb.62.41.2a
remote_mac:08.c0.eb.62.41.2b
device_name:loopback
kDispTxBatchSize:4
kDispRxBatchSize:32
kNICTxPostSize:1
kNICRxPostSize:32
`

func testBatch() dispatch.BatchSizes {
	return dispatch.BatchSizes{DispTxBatch: 4, DispRxBatch: 32, NICTxPost: 1, NICRxPost: 32}
}

func newTestDispatcher(t *testing.T, wsID uint8) *Dispatcher {
	t.Helper()
	ResetEnv()
	cfg, err := config.Parse(testConfig)
	require.NoError(t, err)
	d, err := New(wsID, 0, cfg, testBatch())
	require.NoError(t, err)
	t.Cleanup(func() {
		d.Close()
		ResetEnv()
	})
	return d
}

// makePacket builds one framework packet addressed to dstWs.
func makePacket(t *testing.T, d *Dispatcher, srcWs, dstWs uint8) *mem.Buffer {
	t.Helper()
	b := d.Arena().Alloc()
	require.NotNil(t, b)
	uh := wire.UDPHdr{SrcPort: uint16(srcWs), DstPort: uint16(dstWs)}
	fh := wire.FrameworkHdr{WorkloadType: 1, SegmentNum: 1}
	b.SetPayload(&uh, &fh, 64)
	return b
}

// Single worker, single dispatcher, loopback wire: packets collected from
// the worker TX ring come back through steering onto the worker RX ring.
func TestLoopbackRoundTrip(t *testing.T) {
	// The steering rule matches the dispatcher's own ws_id, so packets
	// addressed to it loop back to its own queue.
	const wsDisp, wsWorker = 1, 0
	d := newTestDispatcher(t, wsDisp)

	txRing := ring.New(constants.RingSize)
	rxRing := ring.New(constants.RingSize)
	d.AddWsTxRing(txRing)
	d.AddWsRxRing(wsWorker, rxRing)
	d.AddRxRule(1, wsWorker)

	const pkts = 8
	for i := 0; i < pkts; i++ {
		require.True(t, txRing.Enqueue(makePacket(t, d, wsWorker, wsDisp)))
	}

	collected := 0
	for collected < pkts {
		n := d.CollectTx()
		require.NotZero(t, n, "collect must make progress")
		collected += n
	}
	sent, err := d.TxFlush()
	require.NoError(t, err)
	assert.Equal(t, pkts, sent)
	assert.Zero(t, d.TxStaged())

	n, err := d.RxBurst()
	require.NoError(t, err)
	assert.Equal(t, pkts, n)

	dispatched, dropped := d.DispatchRx()
	assert.Equal(t, pkts, dispatched)
	assert.Zero(t, dropped)
	assert.Equal(t, pkts, rxRing.Size())

	b := rxRing.Dequeue()
	require.NotNil(t, b)
	eth := wire.ParseEth(b.Eth())
	assert.Equal(t, uint16(wire.EtherTypeIPv4), eth.Type)
	assert.Equal(t, wire.MACAddr{0x08, 0xc0, 0xeb, 0x62, 0x41, 0x2a}, eth.Src)

	ip := wire.ParseIPv4(b.IPv4())
	assert.Equal(t, uint8(wire.IPProtoUDP), ip.Protocol)
	assert.Equal(t, uint16(wire.IPFlagDF), ip.FragOff)
	assert.Equal(t, uint8(wire.IPTTL), ip.TTL)

	uh := wire.ParseUDP(b.UDP())
	assert.Equal(t, uint16(constants.BaseUDPPort+wsDisp), uh.DstPort)
	assert.Equal(t, uint16(constants.BaseUDPPort+wsWorker), uh.SrcPort)
	assert.Equal(t, uint8(1), b.FrameworkHdr().WorkloadType)
}

// A ring below the dispatcher TX batch threshold is skipped by collect.
func TestCollectSkipsShallowRing(t *testing.T) {
	d := newTestDispatcher(t, 1)
	txRing := ring.New(constants.RingSize)
	d.AddWsTxRing(txRing)

	for i := 0; i < 3; i++ { // below DispTxBatch = 4
		require.True(t, txRing.Enqueue(makePacket(t, d, 0, 1)))
	}
	assert.Zero(t, d.CollectTx())
	require.True(t, txRing.Enqueue(makePacket(t, d, 0, 1)))
	assert.Equal(t, 4, d.CollectTx())
}

// A full worker RX ring drops the packet and counts it against the
// dispatcher; the drop is never fatal.
func TestDispatchDropsOnFullRing(t *testing.T) {
	const wsDisp, wsWorker = 1, 0
	d := newTestDispatcher(t, wsDisp)

	txRing := ring.New(constants.RingSize)
	rxRing := ring.New(64)
	d.AddWsTxRing(txRing)
	d.AddWsRxRing(wsWorker, rxRing)
	d.AddRxRule(1, wsWorker)

	const pkts = 128
	for i := 0; i < pkts; i++ {
		require.True(t, txRing.Enqueue(makePacket(t, d, wsWorker, wsDisp)))
	}
	for collected := 0; collected < pkts; {
		collected += d.CollectTx()
	}
	_, err := d.TxFlush()
	require.NoError(t, err)

	received := 0
	dispatched, dropped := 0, 0
	for received < pkts {
		n, err := d.RxBurst()
		require.NoError(t, err)
		if n == 0 {
			break
		}
		received += n
		dn, dr := d.DispatchRx()
		dispatched += dn
		dropped += dr
	}
	assert.Equal(t, 64, dispatched, "ring capacity bounds delivery")
	assert.Equal(t, pkts-64, dropped)
	assert.Equal(t, 64, rxRing.Size())
}

// An ARP REQUEST whose target address matches the local IPv4 yields exactly
// one ARP REPLY frame on the wire with op=2, sha=local_mac, spa=local_ip.
func TestArpReply(t *testing.T) {
	d := newTestDispatcher(t, 1)
	localIP := config.IPv4ToUint32("192.168.1.10")
	localMAC := wire.MACAddr{0x08, 0xc0, 0xeb, 0x62, 0x41, 0x2a}
	peerMAC := wire.MACAddr{0xde, 0xad, 0xbe, 0xef, 0x00, 0x01}

	// Gratuitous ARP request injected straight onto the wire.
	req := d.Arena().Alloc()
	require.NotNil(t, req)
	eth := wire.EthHdr{Dst: wire.MACAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}, Src: peerMAC, Type: wire.EtherTypeARP}
	eth.Put(req.Eth())
	arp := wire.ArpHdr{
		Hrd: wire.ArpHrdEther,
		Pro: wire.EtherTypeIPv4,
		Hln: 6,
		Pln: 4,
		Op:  wire.ArpOpReq,
		SHA: peerMAC,
		SPA: config.IPv4ToUint32("192.168.1.99"),
		TPA: localIP,
	}
	arp.Put(req.Data[wire.EthHdrLen:])
	req.Length = wire.EthHdrLen + wire.ArpHdrLen

	lp, ok := d.Port().(*loopbackPort)
	require.True(t, ok)
	assert.Equal(t, 0, lp.classify(req), "ARP intake rule steers to queue 0")

	// Place the request on this dispatcher's own queue so the dispatch pass
	// observes it regardless of which queue pair the test process drew.
	ownQ, err := lp.Queue(d.QP(), nil)
	require.NoError(t, err)
	ownQ.(*loopbackQueue).rx <- req

	_, err = d.RxBurst()
	require.NoError(t, err)
	dispatched, _ := d.DispatchRx()
	assert.Zero(t, dispatched, "ARP is consumed by the dispatcher, not dispatched")

	q0, err := lp.Queue(0, nil)
	require.NoError(t, err)
	var replies [4]*mem.Buffer
	n := q0.RxBurst(replies[:])
	require.Equal(t, 1, n, "exactly one ARP reply frame expected")

	reply := replies[0]
	replyEth := wire.ParseEth(reply.Eth())
	assert.Equal(t, uint16(wire.EtherTypeARP), replyEth.Type)
	assert.Equal(t, peerMAC, replyEth.Dst)
	assert.Equal(t, localMAC, replyEth.Src)

	replyArp := wire.ParseArp(reply.Data[wire.EthHdrLen:])
	assert.Equal(t, uint16(wire.ArpOpReply), replyArp.Op)
	assert.Equal(t, localMAC, replyArp.SHA)
	assert.Equal(t, localIP, replyArp.SPA)
	assert.Equal(t, peerMAC, replyArp.THA)
}
