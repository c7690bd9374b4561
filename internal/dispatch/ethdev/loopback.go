package ethdev

import (
	"sort"
	"sync"

	"github.com/dperf-io/dperf/internal/constants"
	"github.com/dperf-io/dperf/internal/mem"
	"github.com/dperf-io/dperf/internal/wire"
)

// loopbackPort is the in-process device: TX bursts are classified against the
// installed flow rules and delivered straight to the matching queue's RX
// backlog. It stands in for hardware in tests and single-machine runs.
type loopbackPort struct {
	mu     sync.Mutex
	info   PortInfo
	rules  []FlowRule
	queues [constants.MaxQueuesPerPort]*loopbackQueue
	closed bool
}

type loopbackQueue struct {
	port *loopbackPort
	qp   int
	rx   chan *mem.Buffer
}

func newLoopbackPort(mac wire.MACAddr, ipv4 uint32) *loopbackPort {
	return &loopbackPort{
		info: PortInfo{
			MAC:       mac,
			IPv4:      ipv4,
			SpeedMbps: 100000,
			RetaSize:  constants.MaxQueuesPerPort,
		},
	}
}

func (p *loopbackPort) Info() PortInfo { return p.info }

func (p *loopbackPort) Queue(qp int, _ *mem.Arena) (Queue, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.queues[qp] == nil {
		p.queues[qp] = &loopbackQueue{
			port: p,
			qp:   qp,
			rx:   make(chan *mem.Buffer, constants.RxRingEntries),
		}
	}
	return p.queues[qp], nil
}

func (p *loopbackPort) InstallFlow(rule FlowRule) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rules = append(p.rules, rule)
	sort.SliceStable(p.rules, func(i, j int) bool {
		return p.rules[i].Priority < p.rules[j].Priority
	})
	return nil
}

func (p *loopbackPort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

// classify returns the queue a packet steers to, or -1 for drop.
func (p *loopbackPort) classify(b *mem.Buffer) int {
	eth := wire.ParseEth(b.Eth())
	var udpDst uint16
	if eth.Type == wire.EtherTypeIPv4 {
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

// Deliver injects a raw frame into the port as if it arrived off the wire.
// Test hook: used for ARP injection and cross-process emulation.
func (p *loopbackPort) Deliver(b *mem.Buffer) bool {
	qp := p.classify(b)
	if qp < 0 {
		b.Release()
		return false
	}
	p.mu.Lock()
	q := p.queues[qp]
	p.mu.Unlock()
	if q == nil {
		b.Release()
		return false
	}
	select {
	case q.rx <- b:
		return true
	default:
		b.Release()
		return false
	}
}

func (q *loopbackQueue) TxBurst(bufs []*mem.Buffer) int {
	for _, b := range bufs {
		q.port.Deliver(b)
	}
	// The wire accepted everything; steering drops are the wire's business.
	return len(bufs)
}

func (q *loopbackQueue) RxBurst(out []*mem.Buffer) int {
	n := 0
	for n < len(out) {
		select {
		case b := <-q.rx:
			out[n] = b
			n++
		default:
			return n
		}
	}
	return n
}

func (q *loopbackQueue) UsedDesc() int { return len(q.rx) }

func (q *loopbackQueue) Close() error { return nil }
