// Package dispatch defines the dispatcher abstraction: the half of a
// workspace that owns one NIC queue pair, drains worker TX rings into the
// device, and fans RX completions out to worker rings through a RuleTable.
// Two concrete backends exist, selected at build time: the Ethernet/UDP
// backend under ethdev and the RoCE-UD backend under roce.
package dispatch

import (
	"github.com/dperf-io/dperf/internal/constants"
	"github.com/dperf-io/dperf/internal/errs"
	"github.com/dperf-io/dperf/internal/mem"
	"github.com/dperf-io/dperf/internal/ring"
)

// BatchSizes carries the tunable batch parameters installed from the config.
type BatchSizes struct {
	DispTxBatch int // minimum worker-ring occupancy before collect_tx drains it
	DispRxBatch int // dispatch_rx batch tunable; range-checked by Validate, read by neither backend
	NICTxPost   int // minimum staged packets before tx_flush posts
	NICRxPost   int // maximum packets received per rx_burst
}

// Validate rejects batch sizes outside [0, MaxBatch].
func (b BatchSizes) Validate() error {
	for _, v := range []int{b.DispTxBatch, b.DispRxBatch, b.NICTxPost, b.NICRxPost} {
		if v < 0 || v > constants.MaxBatch {
			return errs.New("batch_sizes", errs.CodeConfig, "batch size out of range")
		}
	}
	return nil
}

// Dispatcher is the queue-pair owner inside a workspace.
type Dispatcher interface {
	// CollectTx round-robins the worker TX rings, stamping headers and
	// staging packets for the NIC. Returns the number collected.
	CollectTx() int

	// TxFlush posts the staged packets, retrying partial posts until the
	// device accepted everything. Returns the number transmitted.
	TxFlush() (int, error)

	// RxBurst polls the device for up to NICRxPost completions into the RX
	// staging area. Returns the number received.
	RxBurst() (int, error)

	// DispatchRx routes staged completions onto worker RX rings by workload
	// type. Ring-full completions are released and counted by the caller
	// through the returned drop count.
	DispatchRx() (dispatched, dropped int)

	// TxStaged returns the current TX staging occupancy.
	TxStaged() int

	// RxStaged returns the number of completions awaiting dispatch.
	RxStaged() int

	// RxUsedDesc reports the device-side RX descriptor usage for the
	// nic_rx statistics probe.
	RxUsedDesc() int

	// AddWsTxRing registers a worker TX ring to drain.
	AddWsTxRing(r *ring.Ring)

	// AddWsRxRing registers the RX ring of worker wsID.
	AddWsRxRing(wsID uint8, r *ring.Ring)

	// AddRxRule installs an RX fan-out route for a workload type.
	AddRxRule(workloadType uint8, wsID uint8)

	// MemReg exposes the dispatcher's memory registration for its workers.
	MemReg() *mem.MemReg

	// Batch returns the installed batch sizes.
	Batch() BatchSizes

	// QP returns the queue-pair index this dispatcher owns.
	QP() int

	// Close releases the queue pair and device resources.
	Close() error
}
