//go:build linux

package ethdev

import (
	"fmt"
	"net"
	"sync"
	"unsafe"

	"github.com/pawelgaczynski/giouring"
	"golang.org/x/sys/unix"

	"github.com/dperf-io/dperf/internal/constants"
	"github.com/dperf-io/dperf/internal/logging"
	"github.com/dperf-io/dperf/internal/mem"
	"github.com/dperf-io/dperf/internal/wire"
)

// packetPort drives a host interface through AF_PACKET sockets, one per queue
// pair, with all submissions batched through io_uring: TxBurst prepares one
// send SQE per packet and flushes them with a single submit, RxBurst keeps the
// receive side saturated with posted recv SQEs and reaps completions from the
// CQ. Steering rules are applied in software on the RX path, since a raw
// socket has no flow table.
type packetPort struct {
	mu      sync.Mutex
	ifindex int
	info    PortInfo
	rules   []FlowRule
	queues  [constants.MaxQueuesPerPort]*packetQueue
}

// user data encoding: high bit distinguishes TX from RX, low bits carry the
// slot index.
const (
	udOpTx uint64 = 1 << 63
	udMask uint64 = (1 << 32) - 1
)

type packetQueue struct {
	port  *packetPort
	qp    int
	fd    int
	ring  *giouring.Ring
	arena *mem.Arena

	// TX slots hold buffers until their send CQE arrives.
	txSlots []*mem.Buffer
	txFree  []uint32

	// RX slots hold cells posted to the kernel plus completed frames not yet
	// burst out.
	rxSlots []*mem.Buffer
	rxReady []*mem.Buffer
}

func newPacketPort(deviceName string, localIPv4 uint32) (Port, error) {
	iface, err := net.InterfaceByName(deviceName)
	if err != nil {
		return nil, fmt.Errorf("resolve interface %s: %w", deviceName, err)
	}
	var mac wire.MACAddr
	copy(mac[:], iface.HardwareAddr)
	return &packetPort{
		ifindex: iface.Index,
		info: PortInfo{
			MAC:       mac,
			IPv4:      localIPv4,
			SpeedMbps: 10000,
			RetaSize:  constants.MaxQueuesPerPort,
		},
	}, nil
}

func (p *packetPort) Info() PortInfo { return p.info }

func (p *packetPort) InstallFlow(rule FlowRule) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rules = append(p.rules, rule)
	return nil
}

func (p *packetPort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, q := range p.queues {
		if q != nil {
			q.Close()
		}
	}
	return nil
}

func (p *packetPort) Queue(qp int, arena *mem.Arena) (Queue, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.queues[qp] != nil {
		return p.queues[qp], nil
	}

	proto := htons(unix.ETH_P_ALL)
	fd, err := unix.Socket(unix.AF_PACKET, unix.SOCK_RAW|unix.SOCK_NONBLOCK, int(proto))
	if err != nil {
		return nil, fmt.Errorf("AF_PACKET socket: %w", err)
	}
	sll := &unix.SockaddrLinklayer{Protocol: proto, Ifindex: p.ifindex}
	if err := unix.Bind(fd, sll); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("bind AF_PACKET to ifindex %d: %w", p.ifindex, err)
	}

	ring, err := giouring.CreateRing(constants.SQDepth + constants.RQDepth)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("create io_uring: %w", err)
	}

	q := &packetQueue{
		port:    p,
		qp:      qp,
		fd:      fd,
		ring:    ring,
		arena:   arena,
		txSlots: make([]*mem.Buffer, constants.SQDepth),
		rxSlots: make([]*mem.Buffer, constants.RQDepth),
	}
	for i := constants.SQDepth - 1; i >= 0; i-- {
		q.txFree = append(q.txFree, uint32(i))
	}
	if err := q.postRecvs(); err != nil {
		q.Close()
		return nil, err
	}
	p.queues[qp] = q
	return q, nil
}

// postRecvs arms every empty RX slot with a recv SQE.
func (q *packetQueue) postRecvs() error {
	posted := 0
	for i, b := range q.rxSlots {
		if b != nil {
			continue
		}
		cell := q.arena.Alloc()
		if cell == nil {
			break
		}
		sqe := q.ring.GetSQE()
		if sqe == nil {
			q.arena.Free(cell)
			break
		}
		sqe.PrepareRecv(q.fd, uintptr(unsafe.Pointer(&cell.Data[0])),
			uint32(len(cell.Data)), 0)
		sqe.UserData = uint64(i)
		cell.State = mem.StatePosted
		q.rxSlots[i] = cell
		posted++
	}
	if posted > 0 {
		if _, err := q.ring.Submit(); err != nil {
			return fmt.Errorf("submit recv batch: %w", err)
		}
	}
	return nil
}

// reap drains the CQ: TX completions release their buffer, RX completions
// move the frame to the ready backlog after software steering.
func (q *packetQueue) reap() {
	var cqes [constants.MaxBatch]*giouring.CompletionQueueEvent
	n := q.ring.PeekBatchCQE(cqes[:])
	for _, cqe := range cqes[:n] {
		idx := uint32(cqe.UserData & udMask)
		if cqe.UserData&udOpTx != 0 {
			if b := q.txSlots[idx]; b != nil {
				b.Release()
				q.txSlots[idx] = nil
				q.txFree = append(q.txFree, idx)
			}
			continue
		}
		b := q.rxSlots[idx]
		q.rxSlots[idx] = nil
		if b == nil {
			continue
		}
		if cqe.Res < 0 {
			logging.Errorf("recv completion on qp %d failed: errno %d", q.qp, -cqe.Res)
			q.arena.Free(b)
			continue
		}
		b.Length = int(cqe.Res)
		if q.steer(b) {
			b.State = mem.StateAppOwned
			q.rxReady = append(q.rxReady, b)
		} else {
			q.arena.Free(b)
		}
	}
	if n > 0 {
		q.ring.CQAdvance(uint32(n))
	}
}

// steer applies the port's flow rules; true keeps the frame on this queue.
func (q *packetQueue) steer(b *mem.Buffer) bool {
	if b.Length < wire.EthHdrLen {
		return false
	}
	qp := q.port.classifySW(b)
	return qp == q.qp
}

func (p *packetPort) classifySW(b *mem.Buffer) int {
	eth := wire.ParseEth(b.Eth())
	var udpDst uint16
	if eth.Type == wire.EtherTypeIPv4 && b.Length >= wire.UDPOff+wire.UDPHdrLen {
		ip := wire.ParseIPv4(b.IPv4())
		if ip.Protocol == wire.IPProtoUDP {
			udpDst = wire.ParseUDP(b.UDP()).DstPort
		}
	}
	p.mu.Lock()
	rules := p.rules
	p.mu.Unlock()
	for _, r := range rules {
		if r.EtherType != 0 && r.EtherType != eth.Type {
			continue
		}
		if r.UDPDst != 0 && r.UDPDst != udpDst {
			continue
		}
		if r.Action == ActionDrop {
			return -1
		}
		return r.Queue
	}
	return -1
}

func (q *packetQueue) TxBurst(bufs []*mem.Buffer) int {
	q.reap()
	sent := 0
	for _, b := range bufs {
		if len(q.txFree) == 0 {
			break
		}
		sqe := q.ring.GetSQE()
		if sqe == nil {
			break
		}
		idx := q.txFree[len(q.txFree)-1]
		q.txFree = q.txFree[:len(q.txFree)-1]
		sqe.PrepareSend(q.fd, uintptr(unsafe.Pointer(&b.Data[0])),
			uint32(b.Length), 0)
		sqe.UserData = udOpTx | uint64(idx)
		b.State = mem.StatePosted
		q.txSlots[idx] = b
		sent++
	}
	if sent > 0 {
		if _, err := q.ring.Submit(); err != nil {
			logging.Errorf("submit send batch on qp %d: %v", q.qp, err)
		}
	}
	return sent
}

func (q *packetQueue) RxBurst(out []*mem.Buffer) int {
	q.reap()
	if err := q.postRecvs(); err != nil {
		logging.Errorf("repost recvs on qp %d: %v", q.qp, err)
	}
	n := copy(out, q.rxReady)
	q.rxReady = q.rxReady[n:]
	if len(q.rxReady) == 0 {
		q.rxReady = nil
	}
	return n
}

func (q *packetQueue) UsedDesc() int { return len(q.rxReady) }

func (q *packetQueue) Close() error {
	if q.ring != nil {
		q.ring.QueueExit()
		q.ring = nil
	}
	if q.fd >= 0 {
		unix.Close(q.fd)
		q.fd = -1
	}
	return nil
}

func htons(v uint16) uint16 {
	return v<<8 | v>>8
}
