package ethdev

import (
	"fmt"

	"github.com/dperf-io/dperf/internal/config"
	"github.com/dperf-io/dperf/internal/constants"
	"github.com/dperf-io/dperf/internal/dispatch"
	"github.com/dperf-io/dperf/internal/errs"
	"github.com/dperf-io/dperf/internal/logging"
	"github.com/dperf-io/dperf/internal/mem"
	"github.com/dperf-io/dperf/internal/ring"
	"github.com/dperf-io/dperf/internal/wire"
)

// MaxPayloadSize is the largest application payload one packet carries on
// this backend.
const MaxPayloadSize = constants.MTU - wire.IPv4HdrLen - wire.UDPHdrLen - wire.FrameworkHdrLen

// Dispatcher is the Ethernet/UDP queue-pair owner. It stages worker packets
// into a TX array sized TxRingEntries, stamps Ethernet/IP headers on collect,
// flushes to the device in bursts, and fans RX completions out to worker
// rings through its rule table. ARP requests addressed to the local IP are
// answered in place.
type Dispatcher struct {
	wsID    uint8
	phyPort uint8
	qp      int

	port  Port
	queue Queue
	arena *mem.Arena
	reg   *mem.MemReg
	owner *dispatch.OwnershipTable

	batch dispatch.BatchSizes

	resolve PortInfo
	dmac    wire.MACAddr
	daddr   uint32

	txQueue [constants.TxRingEntries]*mem.Buffer
	txIdx   int
	rxQueue [constants.RxRingEntries]*mem.Buffer
	rxIdx   int

	wsTxRings []*ring.Ring
	wsCursor  int
	wsRxRings [constants.MaxWorkspaces]*ring.Ring
	rxRules   *dispatch.RuleTable
}

// ArenaName returns the mempool name for a (port, qp) pair.
func ArenaName(phyPort uint8, qp int) string {
	return fmt.Sprintf("dperf-mp-%d-%d", phyPort, qp)
}

// New builds the dispatcher for one workspace: reserves a queue pair on the
// shared port, creates the (port, qp) arena, drains stale RX, resolves the
// port, and installs the steering, ARP, and default-drop flow rules.
func New(wsID uint8, phyPort uint8, cfg *config.UserConfig, batch dispatch.BatchSizes) (*Dispatcher, error) {
	if err := batch.Validate(); err != nil {
		return nil, err
	}
	owner, err := dispatch.SharedOwnership()
	if err != nil {
		return nil, errs.Wrap("eth_init", errs.CodeNicFatal, err)
	}
	qp, err := owner.GetQP(int(phyPort), dispatch.ProcTag())
	if err != nil && errs.IsCode(err, errs.CodeResourceExhausted) {
		// Slots left behind by crashed processes are reclaimable.
		owner.ReclaimFromCrashed(int(phyPort))
		qp, err = owner.GetQP(int(phyPort), dispatch.ProcTag())
	}
	if err != nil {
		return nil, err
	}
	logging.Infof("eth dispatcher for workspace %d got QP %d", wsID, qp)

	d := &Dispatcher{
		wsID:    wsID,
		phyPort: phyPort,
		qp:      qp,
		owner:   owner,
		batch:   batch,
		rxRules: dispatch.NewRuleTable(),
		daddr:   config.IPv4ToUint32(cfg.Server.RemoteIP),
		dmac:    cfg.Server.RemoteMac,
	}

	localMAC := wire.MACAddr(cfg.Server.LocalMac)
	localIP := config.IPv4ToUint32(cfg.Server.LocalIP)
	d.port, err = OpenPort(phyPort, cfg.Server.DeviceName, localMAC, localIP)
	if err != nil {
		d.release()
		return nil, errs.Wrap("eth_init", errs.CodeNicFatal, err)
	}
	d.resolve = d.port.Info()
	if d.resolve.IPv4 == 0 {
		d.resolve.IPv4 = localIP
	}

	name := ArenaName(phyPort, qp)
	if d.arena = mem.Lookup(name); d.arena == nil {
		d.arena, err = mem.NewArena(name, constants.MbufSize, constants.MemPoolSize)
		if err != nil {
			d.release()
			return nil, errs.Wrap("eth_init", errs.CodeResourceExhausted, err)
		}
	}
	d.reg = d.arena.Reg()

	d.queue, err = d.port.Queue(qp, d.arena)
	if err != nil {
		d.release()
		return nil, errs.Wrap("eth_init", errs.CodeNicFatal, err)
	}
	d.drainRx()

	if err := d.installFlowRules(); err != nil {
		d.release()
		return nil, err
	}
	logging.Infof("eth dispatcher ready: ws %d port %d qp %d mac %s",
		wsID, phyPort, qp, d.resolve.MAC)
	return d, nil
}

func (d *Dispatcher) installFlowRules() error {
	rules := []FlowRule{
		{
			Priority:  0,
			EtherType: wire.EtherTypeIPv4,
			UDPDst:    uint16(constants.BaseUDPPort + int(d.wsID)),
			Action:    ActionQueue,
			Queue:     d.qp,
		},
		{
			Priority:  1,
			EtherType: wire.EtherTypeARP,
			Action:    ActionQueue,
			Queue:     0,
		},
		{
			Priority: 2,
			Action:   ActionDrop,
		},
	}
	for _, r := range rules {
		if err := d.port.InstallFlow(r); err != nil {
			return errs.Wrap("flow_create", errs.CodeNicFatal, err)
		}
	}
	logging.Infof("offloaded flow rules: ws %d port %d udp_port %d queue %d",
		d.wsID, d.phyPort, constants.BaseUDPPort+int(d.wsID), d.qp)
	return nil
}

// drainRx discards packets left on the queue by a previous owner.
func (d *Dispatcher) drainRx() {
	var stale [constants.MaxBatch]*mem.Buffer
	for {
		n := d.queue.RxBurst(stale[:])
		if n == 0 {
			return
		}
		for _, b := range stale[:n] {
			b.Release()
		}
	}
}

// setPktHdr stamps the Ethernet and IPv4 headers and finalizes the UDP
// header: the producer stored host-order ws_ids in the port fields, which
// become BaseUDPPort-relative network-order ports here.
func (d *Dispatcher) setPktHdr(b *mem.Buffer) {
	eth := wire.EthHdr{Dst: d.dmac, Src: d.resolve.MAC, Type: wire.EtherTypeIPv4}
	eth.Put(b.Eth())

	ip := wire.IPv4Hdr{
		TotalLen: uint16(b.Length - wire.EthHdrLen),
		FragOff:  wire.IPFlagDF,
		TTL:      wire.IPTTL,
		Protocol: wire.IPProtoUDP,
		Src:      d.resolve.IPv4,
		Dst:      d.daddr,
	}
	ip.Put(b.IPv4())
	// Checksum is offloaded on hardware; fill it so software paths carry a
	// valid header anyway.
	ipb := b.IPv4()[:wire.IPv4HdrLen]
	ipb[10], ipb[11] = 0, 0
	csum := wire.IPv4Checksum(ipb)
	ipb[10] = byte(csum >> 8)
	ipb[11] = byte(csum)

	uh := wire.ParseUDP(b.UDP())
	uh.SrcPort += constants.BaseUDPPort
	uh.DstPort += constants.BaseUDPPort
	uh.Len = uint16(b.Length - wire.EthHdrLen - wire.IPv4HdrLen)
	uh.Put(b.UDP())
}

// CollectTx round-robins the worker TX rings. A ring below the dispatcher
// TX batch threshold is skipped this pass; collected packets get their
// headers stamped and land in the TX staging area.
func (d *Dispatcher) CollectTx() int {
	remain := constants.TxRingEntries - d.txIdx
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
			d.setPktHdr(b)
			d.txQueue[d.txIdx] = b
			d.txIdx++
			remain--
			collected++
		}
	}
	return collected
}

// TxFlush posts the staged packets, iterating until the device accepted every
// one of them.
func (d *Dispatcher) TxFlush() (int, error) {
	total := 0
	for total < d.txIdx {
		n := d.queue.TxBurst(d.txQueue[total:d.txIdx])
		total += n
	}
	d.txIdx = 0
	return total, nil
}

// RxBurst polls the device for up to NICRxPost completions.
func (d *Dispatcher) RxBurst() (int, error) {
	post := d.batch.NICRxPost
	if post > constants.RxRingEntries-d.rxIdx {
		post = constants.RxRingEntries - d.rxIdx
	}
	n := d.queue.RxBurst(d.rxQueue[d.rxIdx : d.rxIdx+post])
	d.rxIdx += n
	return n, nil
}

// DispatchRx routes every staged completion: ARP frames are handled in
// place, framework packets round-robin to a worker of their workload type.
// Ring-full packets are released and counted as dispatcher drops.
func (d *Dispatcher) DispatchRx() (dispatched, dropped int) {
	for i := 0; i < d.rxIdx; i++ {
		b := d.rxQueue[i]
		if d.isArpPacket(b) {
			d.handleArpPacket(b)
			b.Release()
			continue
		}
		workloadType := b.FrameworkHdr().WorkloadType
		routes := d.rxRules.Routes(workloadType)
		if len(routes) == 0 {
			b.Release()
			dropped++
			continue
		}
		wsID := d.rxRules.Select(workloadType)
		wq := d.wsRxRings[wsID]
		if wq == nil || !wq.Enqueue(b) {
			b.Release()
			dropped++
			continue
		}
		dispatched++
	}
	d.rxIdx = 0
	return dispatched, dropped
}

func (d *Dispatcher) isArpPacket(b *mem.Buffer) bool {
	return b.Length >= wire.EthHdrLen+wire.ArpHdrLen &&
		wire.ParseEth(b.Eth()).Type == wire.EtherTypeARP
}

// handleArpPacket answers an ARP REQUEST for the local IPv4 with a REPLY
// constructed in place and posted directly; other ARP traffic is only logged.
func (d *Dispatcher) handleArpPacket(b *mem.Buffer) {
	arp := wire.ParseArp(b.Data[wire.EthHdrLen:])
	if arp.Op != wire.ArpOpReq {
		logging.Infof("received a non-request ARP packet (op %d)", arp.Op)
		return
	}
	if arp.TPA != d.resolve.IPv4 {
		return
	}
	reply := d.arena.Alloc()
	if reply == nil {
		logging.Warnf("no buffer for ARP reply")
		return
	}
	eth := wire.EthHdr{Dst: arp.SHA, Src: d.resolve.MAC, Type: wire.EtherTypeARP}
	eth.Put(reply.Eth())
	resp := wire.ArpHdr{
		Hrd: wire.ArpHrdEther,
		Pro: wire.EtherTypeIPv4,
		Hln: 6,
		Pln: 4,
		Op:  wire.ArpOpReply,
		SHA: d.resolve.MAC,
		SPA: d.resolve.IPv4,
		THA: arp.SHA,
		TPA: arp.SPA,
	}
	resp.Put(reply.Data[wire.EthHdrLen:])
	reply.Length = wire.EthHdrLen + wire.ArpHdrLen

	tx := []*mem.Buffer{reply}
	if d.queue.TxBurst(tx) != 1 {
		logging.Errorf("failed to send ARP reply")
		reply.Release()
		return
	}
	logging.Infof("sent an ARP reply for %d.%d.%d.%d",
		arp.SPA>>24, arp.SPA>>16&0xff, arp.SPA>>8&0xff, arp.SPA&0xff)
}

func (d *Dispatcher) TxStaged() int { return d.txIdx }
func (d *Dispatcher) RxStaged() int { return d.rxIdx }

func (d *Dispatcher) RxUsedDesc() int { return d.queue.UsedDesc() }

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

func (d *Dispatcher) QP() int { return d.qp }

// Arena exposes the backing arena for occupancy diagnostics.
func (d *Dispatcher) Arena() *mem.Arena { return d.arena }

// Port exposes the shared port; tests use it to inject frames.
func (d *Dispatcher) Port() Port { return d.port }

func (d *Dispatcher) release() {
	if d.qp != dispatch.InvalidQP && d.owner != nil {
		if err := d.owner.FreeQP(int(d.phyPort), d.qp); err != nil {
			logging.Errorf("free QP %d: %v", d.qp, err)
		}
		d.qp = dispatch.InvalidQP
	}
}

// Close drains the queue and returns the queue pair.
func (d *Dispatcher) Close() error {
	if d.queue != nil {
		d.drainRx()
		d.queue.Close()
		d.queue = nil
	}
	d.release()
	return nil
}

var _ dispatch.Dispatcher = (*Dispatcher)(nil)
