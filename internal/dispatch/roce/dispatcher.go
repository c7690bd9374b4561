package roce

import (
	"fmt"
	"os"

	"github.com/dperf-io/dperf/internal/config"
	"github.com/dperf-io/dperf/internal/constants"
	"github.com/dperf-io/dperf/internal/dispatch"
	"github.com/dperf-io/dperf/internal/errs"
	"github.com/dperf-io/dperf/internal/logging"
	"github.com/dperf-io/dperf/internal/mem"
	"github.com/dperf-io/dperf/internal/ring"
	"github.com/dperf-io/dperf/internal/wire"
)

// MaxPayloadSize is the largest application payload one UD packet carries.
const MaxPayloadSize = constants.MTU - wire.IPv4HdrLen - wire.UDPHdrLen - wire.FrameworkHdrLen

// Dispatcher owns one UD queue pair. The verbs send queue is wrapped by a
// circular software ring (swRing) and the receive queue by a circular RX
// ring whose entries carry an explicit state; a received buffer is marked
// AppOwned on dispatch and reposted only after the worker marks it Free,
// which yields zero-copy RX without reference counting.
type Dispatcher struct {
	wsID    uint8
	phyPort uint8

	verbs Verbs
	qp    QP
	attr  PortAttr

	arena *mem.Arena
	reg   *mem.MemReg

	batch dispatch.BatchSizes

	selfAH      *AddrHandle
	remoteAH    *AddrHandle
	remoteQPN   uint32

	// SEND side.
	swRing     [constants.SQDepth]*mem.Buffer
	sendHead   int // oldest posted, next to complete
	sendTail   int // next free send slot
	freeSendWR int
	txQueue    [constants.SQDepth]*mem.Buffer
	txIdx      int
	sendWC     [constants.SQDepth]WC

	// RECV side.
	rxRing      [constants.RQDepth]*mem.Buffer
	rxCells     [constants.RQDepth][]byte // full cells including GRH headroom
	recvHead    int                       // next entry to repost
	ringHead    int                       // next entry to dispatch
	waitForDisp int
	recvWC      [constants.MaxBatch]WC

	wsTxRings []*ring.Ring
	wsCursor  int
	wsRxRings [constants.MaxWorkspaces]*ring.Ring
	rxRules   *dispatch.RuleTable
}

// ArenaName returns the registration name for a (port, ws) pair.
func ArenaName(phyPort uint8, wsID uint8) string {
	return fmt.Sprintf("dperf-roce-%d-%d", phyPort, wsID)
}

// New builds the dispatcher: creates and transitions the UD QP, fills the
// receive queue, exchanges QP info with the peer over the management TCP
// connection, and resolves the remote address handle. isServer selects the
// listening side of the handshake.
func New(wsID uint8, phyPort uint8, cfg *config.UserConfig, batch dispatch.BatchSizes, isServer bool, verbs Verbs) (*Dispatcher, error) {
	if err := batch.Validate(); err != nil {
		return nil, err
	}
	d := &Dispatcher{
		wsID:    wsID,
		phyPort: phyPort,
		verbs:   verbs,
		batch:   batch,
		rxRules: dispatch.NewRuleTable(),
	}

	var err error
	d.attr, err = verbs.QueryPort()
	if err != nil {
		return nil, errs.Wrap("roce_resolve", errs.CodeNicFatal, err)
	}

	d.qp, err = verbs.CreateQP(constants.SQDepth, constants.RQDepth)
	if err != nil {
		return nil, errs.Wrap("create_qp", errs.CodeNicFatal, err)
	}
	for _, st := range []QPState{StateInit, StateRTR} {
		if err := d.qp.Modify(st); err != nil {
			return nil, errs.Wrap("modify_qp", errs.CodeNicFatal, err)
		}
	}
	// Self address handle uses local routing info; created between RTR and
	// RTS like the QP bring-up expects.
	d.selfAH, err = verbs.CreateAH(d.attr.LID, d.attr.GID, d.attr.GIDIndex)
	if err != nil {
		return nil, errs.Wrap("create_ah", errs.CodeNicFatal, err)
	}
	if err := d.qp.Modify(StateRTS); err != nil {
		return nil, errs.Wrap("modify_qp", errs.CodeNicFatal, err)
	}

	d.arena, err = mem.NewArena(ArenaName(phyPort, wsID), constants.MbufSize, constants.MemPoolSize)
	if err != nil {
		return nil, errs.Wrap("roce_init", errs.CodeResourceExhausted, err)
	}
	d.reg = d.arena.Reg()
	// Ring-resident cells repost lazily instead of returning to the arena;
	// the circular link identifies them.
	d.reg.Free = d.lazyFree
	d.reg.FreeBulk = func(bufs []*mem.Buffer) {
		for _, b := range bufs {
			d.lazyFree(b)
		}
	}

	if err := d.initRecvs(); err != nil {
		return nil, err
	}
	d.freeSendWR = constants.SQDepth

	if err := d.handshake(cfg, isServer); err != nil {
		return nil, err
	}
	logging.Infof("roce dispatcher ready: ws %d qpn %d remote qpn %d", wsID, d.qp.Num(), d.remoteQPN)
	return d, nil
}

func (d *Dispatcher) lazyFree(b *mem.Buffer) {
	if b.Next != nil {
		b.State = mem.StateFree
		return
	}
	d.arena.Free(b)
}

// initRecvs carves the RX ring out of the arena, links it circularly, and
// fills the receive queue. Each cell reserves GRHBytes of headroom; the ring
// entry views the frame past the GRH.
func (d *Dispatcher) initRecvs() error {
	cells := make([]*mem.Buffer, constants.RQDepth)
	if !d.arena.AllocBulk(cells) {
		return errs.New("init_recvs", errs.CodeResourceExhausted, "arena too small for RX ring")
	}
	wrs := make([]RecvWR, constants.RQDepth)
	for i, cell := range cells {
		d.rxCells[i] = cell.Data
		d.rxRing[i] = &mem.Buffer{
			Data:      cell.Data[GRHBytes:],
			ClassSize: cell.ClassSize,
			LKey:      cell.LKey,
			State:     mem.StatePosted,
		}
		wrs[i] = RecvWR{WrID: uint64(i), Data: cell.Data}
	}
	for i := range d.rxRing {
		d.rxRing[i].Next = d.rxRing[(i+1)%constants.RQDepth]
	}
	if err := d.qp.PostRecv(wrs); err != nil {
		return errs.Wrap("init_recvs", errs.CodeNicFatal, err)
	}
	return nil
}

func (d *Dispatcher) handshake(cfg *config.UserConfig, isServer bool) error {
	hostname, _ := os.Hostname()
	local := &QPInfo{
		QPNum:         d.qp.Num(),
		LID:           d.attr.LID,
		GID:           d.attr.GID,
		GIDTableIndex: d.attr.GIDIndex,
		MTU:           constants.MTU,
		MAC:           d.attr.MAC,
		Hostname:      hostname,
		NicName:       d.attr.NicName,
		IsInitialized: true,
	}
	port := constants.BaseMgmtPort + int(d.wsID)
	var (
		remote *QPInfo
		err    error
	)
	if isServer {
		remote, err = ExchangeServer(port, local)
	} else {
		remote, err = ExchangeClient(cfg.Server.RemoteIP, port, local)
	}
	if err != nil {
		return err
	}
	d.remoteQPN = remote.QPNum
	d.remoteAH, err = d.verbs.CreateAH(remote.LID, remote.GID, remote.GIDTableIndex)
	if err != nil {
		return errs.Wrap("create_ah", errs.CodeNicFatal, err)
	}
	return nil
}

// CollectTx round-robins the worker TX rings into the staging area. UD
// addressing happens through the remote address handle, so no Ethernet
// stamping is needed here.
func (d *Dispatcher) CollectTx() int {
	remain := constants.SQDepth - d.txIdx
	collected := 0
	for visited := 0; remain > 0 && visited < len(d.wsTxRings); visited++ {
		wq := d.wsTxRings[d.wsCursor]
		d.wsCursor = (d.wsCursor + 1) % len(d.wsTxRings)
		size := wq.Size()
		if size < d.batch.DispTxBatch {
			continue
		}
		take := d.batch.DispTxBatch
		if take > remain {
			take = remain
		}
		for i := 0; i < take; i++ {
			b := wq.Dequeue()
			if b == nil {
				break
			}
			d.txQueue[d.txIdx] = b
			d.txIdx++
			remain--
			collected++
		}
	}
	return collected
}

// txBurst drains the send CQ, then attaches as many pending buffers to send
// slots as free WRs allow and links them into one batched post.
func (d *Dispatcher) txBurst(bufs []*mem.Buffer) (int, error) {
	n := d.qp.PollSendCQ(d.sendWC[:])
	for _, wc := range d.sendWC[:n] {
		if wc.Status != 0 {
			return 0, errs.NewQueue("tx_burst", int(d.wsID), int(d.qp.Num()), errs.CodeNicFatal,
				fmt.Sprintf("send completion status %d", wc.Status))
		}
		d.lazyFree(d.swRing[d.sendHead])
		d.swRing[d.sendHead] = nil
		d.sendHead = (d.sendHead + 1) % constants.SQDepth
	}
	d.freeSendWR += n

	posted := 0
	var wrs []SendWR
	for d.freeSendWR > 0 && posted < len(bufs) {
		b := bufs[posted]
		b.State = mem.StatePosted
		wrs = append(wrs, SendWR{
			WrID:      uint64(d.sendTail),
			Data:      b.Data[:b.Length],
			AH:        d.remoteAH,
			RemoteQPN: d.remoteQPN,
		})
		d.swRing[d.sendTail] = b
		d.sendTail = (d.sendTail + 1) % constants.SQDepth
		d.freeSendWR--
		posted++
	}
	if posted > 0 {
		if err := d.qp.PostSend(wrs); err != nil {
			return 0, errs.Wrap("post_send", errs.CodeNicFatal, err)
		}
	}
	return posted, nil
}

// TxFlush posts staged packets until the send queue accepted every one.
func (d *Dispatcher) TxFlush() (int, error) {
	total := 0
	for total < d.txIdx {
		n, err := d.txBurst(d.txQueue[total:d.txIdx])
		if err != nil {
			return total, err
		}
		total += n
	}
	d.txIdx = 0
	return total, nil
}

// RxBurst reposts the RX entries the workers have released, then polls the
// receive CQ.
func (d *Dispatcher) RxBurst() (int, error) {
	numRecvs := 0
	entry := d.rxRing[d.recvHead]
	for entry.State == mem.StateFree && numRecvs < constants.RQDepth {
		entry.State = mem.StatePosted
		entry = entry.Next
		numRecvs++
	}
	if numRecvs > 0 {
		wrs := make([]RecvWR, numRecvs)
		for i := 0; i < numRecvs; i++ {
			idx := (d.recvHead + i) % constants.RQDepth
			wrs[i] = RecvWR{WrID: uint64(idx), Data: d.rxCells[idx]}
		}
		if err := d.qp.PostRecv(wrs); err != nil {
			return 0, errs.Wrap("post_recv", errs.CodeNicFatal, err)
		}
		d.recvHead = (d.recvHead + numRecvs) % constants.RQDepth
	}

	poll := d.batch.NICRxPost
	if poll > len(d.recvWC) {
		poll = len(d.recvWC)
	}
	n := d.qp.PollRecvCQ(d.recvWC[:poll])
	for _, wc := range d.recvWC[:n] {
		if wc.Status != 0 {
			return 0, errs.NewQueue("rx_burst", int(d.wsID), int(d.qp.Num()), errs.CodeNicFatal,
				fmt.Sprintf("recv completion status %d", wc.Status))
		}
		d.rxRing[wc.WrID].Length = wc.ByteLen - GRHBytes
	}
	d.waitForDisp += n
	return n, nil
}

// DispatchRx walks the undelivered ring entries, fanning each out to a
// worker by workload type. A full worker ring releases the entry back to
// Free so the next rx pass reposts it.
func (d *Dispatcher) DispatchRx() (dispatched, dropped int) {
	entry := d.rxRing[d.ringHead]
	for i := 0; i < d.waitForDisp; i++ {
		workloadType := entry.FrameworkHdr().WorkloadType
		routes := d.rxRules.Routes(workloadType)
		if len(routes) == 0 {
			entry.State = mem.StateFree
			entry = entry.Next
			dropped++
			continue
		}
		wsID := d.rxRules.Select(workloadType)
		wq := d.wsRxRings[wsID]
		if wq == nil || !wq.Enqueue(entry) {
			entry.State = mem.StateFree
			entry = entry.Next
			dropped++
			continue
		}
		entry.State = mem.StateAppOwned
		entry = entry.Next
		dispatched++
	}
	d.ringHead = (d.ringHead + d.waitForDisp) % constants.RQDepth
	d.waitForDisp = 0
	return dispatched, dropped
}

func (d *Dispatcher) TxStaged() int { return d.txIdx }
func (d *Dispatcher) RxStaged() int { return d.waitForDisp }

func (d *Dispatcher) RxUsedDesc() int {
	return d.waitForDisp + (d.ringHead-d.recvHead+constants.RQDepth)%constants.RQDepth
}

func (d *Dispatcher) AddWsTxRing(r *ring.Ring) {
	d.wsTxRings = append(d.wsTxRings, r)
}

func (d *Dispatcher) AddWsRxRing(wsID uint8, r *ring.Ring) {
	d.wsRxRings[wsID] = r
}

func (d *Dispatcher) AddRxRule(workloadType uint8, wsID uint8) {
	d.rxRules.AddRoute(workloadType, wsID)
}

func (d *Dispatcher) MemReg() *mem.MemReg { return d.reg }

func (d *Dispatcher) Batch() dispatch.BatchSizes { return d.batch }

func (d *Dispatcher) QP() int {
	if d.qp == nil {
		return -1
	}
	return int(d.qp.Num())
}

// Arena exposes the backing arena for occupancy diagnostics.
func (d *Dispatcher) Arena() *mem.Arena { return d.arena }

// Close tears down the QP and unmaps the arena.
func (d *Dispatcher) Close() error {
	if d.qp != nil {
		d.qp.Close()
		d.qp = nil
	}
	if d.arena != nil {
		d.arena.Close()
		d.arena = nil
	}
	return nil
}

var _ dispatch.Dispatcher = (*Dispatcher)(nil)
