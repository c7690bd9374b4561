// Package ethdev implements the Ethernet/UDP dispatcher backend. The device
// layer mirrors a poll-mode driver: a Port exposes per-queue-pair burst TX/RX
// plus flow-rule installation, and two implementations exist — an io_uring
// driven AF_PACKET device for real traffic and an in-process loopback device
// that backs tests and single-machine runs.
package ethdev

import (
	"fmt"
	"sync"

	"github.com/dperf-io/dperf/internal/mem"
	"github.com/dperf-io/dperf/internal/wire"
)

// PortInfo is the state resolved from a physical port at queue setup.
type PortInfo struct {
	MAC           wire.MACAddr
	IPv4          uint32 // host byte order
	SpeedMbps     int
	RetaSize      int
}

// FlowAction selects what happens to a matching packet.
type FlowAction uint8

const (
	ActionQueue FlowAction = iota
	ActionDrop
)

// FlowRule is a software rendering of the NIC flow table entry: match on
// Ethernet type and/or UDP destination port, then steer to a queue or drop.
// Rules are evaluated in priority order (lower value first); the default-drop
// rule is installed last with the lowest priority.
type FlowRule struct {
	Priority  int
	EtherType uint16 // 0 matches any
	UDPDst    uint16 // 0 matches any
	Action    FlowAction
	Queue     int
}

// Queue is one TX/RX queue pair on a port.
type Queue interface {
	// TxBurst posts up to len(bufs) packets, returning how many the device
	// accepted. Unaccepted buffers stay with the caller.
	TxBurst(bufs []*mem.Buffer) int

	// RxBurst fills out with up to len(out) received packets and returns the
	// count. Received buffers are owned by the caller until released.
	RxBurst(out []*mem.Buffer) int

	// UsedDesc reports how many RX descriptors hold undelivered packets.
	UsedDesc() int

	Close() error
}

// Port is a NIC port shared by every dispatcher bound to it.
type Port interface {
	Info() PortInfo
	// Queue opens queue pair qp. The arena provides RX cells.
	Queue(qp int, arena *mem.Arena) (Queue, error)
	InstallFlow(rule FlowRule) error
	Close() error
}

// Environment state: ports are opened once per process under a global lock,
// mirroring the one-time EAL initialization of a poll-mode driver.
var (
	envMu    sync.Mutex
	envPorts = make(map[uint8]Port)
)

// OpenPort returns the shared Port for phyPort, creating it on first use.
// deviceName selects the implementation: "loopback" or an empty name builds
// the in-process device, anything else names a host interface for the
// AF_PACKET device.
func OpenPort(phyPort uint8, deviceName string, localMAC wire.MACAddr, localIPv4 uint32) (Port, error) {
	envMu.Lock()
	defer envMu.Unlock()
	if p, ok := envPorts[phyPort]; ok {
		return p, nil
	}
	var (
		p   Port
		err error
	)
	if deviceName == "" || deviceName == "loopback" {
		p = newLoopbackPort(localMAC, localIPv4)
	} else {
		p, err = newPacketPort(deviceName, localIPv4)
	}
	if err != nil {
		return nil, fmt.Errorf("open port %d (%s): %w", phyPort, deviceName, err)
	}
	envPorts[phyPort] = p
	return p, nil
}

// ResetEnv forgets every open port. Test helper.
func ResetEnv() {
	envMu.Lock()
	defer envMu.Unlock()
	for _, p := range envPorts {
		p.Close()
	}
	envPorts = make(map[uint8]Port)
}
