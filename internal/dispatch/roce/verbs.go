// Package roce implements the RoCE-UD dispatcher backend. The verbs surface
// is a narrow interface mirroring the handful of operations the datapath
// needs — QP lifecycle, address handles, batched post/poll — with a software
// unreliable-datagram device behind it. The software device keeps the full
// queue-pair semantics (posted recv consumption, GRH prefix, completion
// status) so the dispatcher state machine runs unmodified against it.
package roce

import (
	"fmt"
	"sync"
)

// QPState models the UD queue-pair lifecycle.
type QPState int

const (
	StateReset QPState = iota
	StateInit
	StateRTR
	StateRTS
)

func (s QPState) String() string {
	switch s {
	case StateReset:
		return "RESET"
	case StateInit:
		return "INIT"
	case StateRTR:
		return "RTR"
	case StateRTS:
		return "RTS"
	}
	return fmt.Sprintf("QPState(%d)", int(s))
}

// WC is a work completion. Status zero means success; the dispatcher treats
// anything else as fatal.
type WC struct {
	WrID    uint64
	Status  int
	ByteLen int
}

// AddrHandle routes sends to a peer queue pair.
type AddrHandle struct {
	LID      uint16
	GID      [16]byte
	GIDIndex uint8
	QPN      uint32
}

// SendWR attaches one buffer to a send slot.
type SendWR struct {
	WrID      uint64
	Data      []byte
	AH        *AddrHandle
	RemoteQPN uint32
}

// RecvWR posts one buffer to the receive queue. The first GRHBytes of the
// buffer are reserved for the global routing header.
type RecvWR struct {
	WrID uint64
	Data []byte
}

// PortAttr is the state resolved from the device port.
type PortAttr struct {
	LID      uint16
	GID      [16]byte
	GIDIndex uint8
	MAC      [6]byte
	NicName  string
	MTU      int
}

// QP is one unreliable-datagram queue pair.
type QP interface {
	Num() uint32
	Modify(state QPState) error
	// PostSend links wrs into one batched post. All sends are signaled.
	PostSend(wrs []SendWR) error
	// PostRecv arms receive slots; posted slots complete in FIFO order.
	PostRecv(wrs []RecvWR) error
	// PollSendCQ reaps up to len(wc) send completions.
	PollSendCQ(wc []WC) int
	// PollRecvCQ reaps up to len(wc) receive completions.
	PollRecvCQ(wc []WC) int
	Close() error
}

// Verbs is the device surface the dispatcher programs.
type Verbs interface {
	QueryPort() (PortAttr, error)
	CreateQP(sqDepth, rqDepth int) (QP, error)
	CreateAH(lid uint16, gid [16]byte, gidIndex uint8) (*AddrHandle, error)
	Close() error
}

// ---------------------------------------------------------------------------
// Software UD device.

// softDevice is an in-process UD fabric: queue pairs register by number and
// sends resolve their destination through the registry. Locking lives inside
// the device, as it would inside a driver.
type softDevice struct {
	mu      sync.Mutex
	attr    PortAttr
	nextQPN uint32
	qps     map[uint32]*softQP
}

var (
	fabricMu sync.Mutex
	fabric   = make(map[string]*softDevice)
)

// OpenSoftDevice returns the software device registered under name, creating
// it on first open. Endpoints sharing a name share a fabric.
func OpenSoftDevice(name string, attr PortAttr) Verbs {
	fabricMu.Lock()
	defer fabricMu.Unlock()
	if d, ok := fabric[name]; ok {
		return d
	}
	if attr.MTU == 0 {
		attr.MTU = 1024
	}
	attr.NicName = name
	d := &softDevice{attr: attr, nextQPN: 0x11, qps: make(map[uint32]*softQP)}
	fabric[name] = d
	return d
}

// ResetFabric drops every software device. Test helper.
func ResetFabric() {
	fabricMu.Lock()
	defer fabricMu.Unlock()
	fabric = make(map[string]*softDevice)
}

func (d *softDevice) QueryPort() (PortAttr, error) {
	return d.attr, nil
}

func (d *softDevice) CreateAH(lid uint16, gid [16]byte, gidIndex uint8) (*AddrHandle, error) {
	return &AddrHandle{LID: lid, GID: gid, GIDIndex: gidIndex}, nil
}

func (d *softDevice) CreateQP(sqDepth, rqDepth int) (QP, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	qp := &softQP{
		dev:     d,
		qpn:     d.nextQPN,
		state:   StateReset,
		sqDepth: sqDepth,
		rqDepth: rqDepth,
	}
	d.nextQPN++
	d.qps[qp.qpn] = qp
	return qp, nil
}

func (d *softDevice) Close() error { return nil }

// GRHBytes is the UD global routing header length prefixed to every
// delivered datagram.
const GRHBytes = 40

type softQP struct {
	mu      sync.Mutex
	dev     *softDevice
	qpn     uint32
	state   QPState
	sqDepth int
	rqDepth int

	recvPosted []RecvWR
	recvDone   []WC
	sendDone   []WC
}

func (q *softQP) Num() uint32 { return q.qpn }

// Modify enforces the RESET -> INIT -> RTR -> RTS order.
func (q *softQP) Modify(state QPState) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if state != q.state+1 {
		return fmt.Errorf("invalid QP transition %s -> %s", q.state, state)
	}
	q.state = state
	return nil
}

func (q *softQP) PostRecv(wrs []RecvWR) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.recvPosted)+len(wrs) > q.rqDepth {
		return fmt.Errorf("receive queue overflow (%d posted, %d new)", len(q.recvPosted), len(wrs))
	}
	q.recvPosted = append(q.recvPosted, wrs...)
	return nil
}

func (q *softQP) PostSend(wrs []SendWR) error {
	q.mu.Lock()
	if q.state != StateRTS {
		q.mu.Unlock()
		return fmt.Errorf("post send on QP in state %s", q.state)
	}
	q.mu.Unlock()

	for _, wr := range wrs {
		// UD has no flow control: an unmatched or full destination silently
		// consumes the datagram, and the send still completes cleanly.
		q.deliver(wr)
		q.mu.Lock()
		q.sendDone = append(q.sendDone, WC{WrID: wr.WrID, Status: 0, ByteLen: len(wr.Data)})
		q.mu.Unlock()
	}
	return nil
}

// deliver hands the datagram to the destination QP's next posted recv.
func (q *softQP) deliver(wr SendWR) bool {
	qpn := wr.RemoteQPN
	if wr.AH != nil && wr.AH.QPN != 0 {
		qpn = wr.AH.QPN
	}
	q.dev.mu.Lock()
	dst := q.dev.qps[qpn]
	q.dev.mu.Unlock()
	if dst == nil {
		return false
	}
	dst.mu.Lock()
	defer dst.mu.Unlock()
	if dst.state < StateRTR || len(dst.recvPosted) == 0 {
		return false
	}
	rwr := dst.recvPosted[0]
	dst.recvPosted = dst.recvPosted[1:]
	if len(rwr.Data) < GRHBytes+len(wr.Data) {
		dst.recvDone = append(dst.recvDone, WC{WrID: rwr.WrID, Status: -1})
		return false
	}
	for i := 0; i < GRHBytes; i++ {
		rwr.Data[i] = 0
	}
	n := copy(rwr.Data[GRHBytes:], wr.Data)
	dst.recvDone = append(dst.recvDone, WC{WrID: rwr.WrID, Status: 0, ByteLen: n + GRHBytes})
	return true
}

func (q *softQP) PollSendCQ(wc []WC) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := copy(wc, q.sendDone)
	q.sendDone = q.sendDone[n:]
	return n
}

func (q *softQP) PollRecvCQ(wc []WC) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := copy(wc, q.recvDone)
	q.recvDone = q.recvDone[n:]
	return n
}

func (q *softQP) Close() error {
	q.dev.mu.Lock()
	delete(q.dev.qps, q.qpn)
	q.dev.mu.Unlock()
	return nil
}
