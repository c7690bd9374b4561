// Package constants holds compile-time limits shared across the dperf runtime.
package constants

// Server limits.
const (
	MaxPhyPorts      = 2
	MaxNumaNodes     = 2
	MaxQueuesPerPort = 4
	MaxWorkspaces    = 16
	MaxWorkloads     = MaxWorkspaces
)

// InvalidWsID marks an unassigned workspace slot.
const InvalidWsID = MaxWorkspaces + 1

// InvalidWorkloadType marks a workspace with no workload assignment.
const InvalidWorkloadType = MaxWorkloads + 1

// Datapath sizing. Ring sizes must stay powers of two; the index arithmetic
// masks with size-1.
const (
	RingSize      = 4096 // SPSC ring capacity between a worker and its dispatcher
	TxRingEntries = 2048 // dispatcher TX staging capacity
	RxRingEntries = 2048 // dispatcher RX staging capacity
	RQDepth       = 2048 // RECV queue depth
	SQDepth       = 2048 // SEND queue depth
	MTU           = 1024
	MbufSize      = 4096 // per-cell size in the hugepage arena (MTU + GRH + headroom)
	MemPoolSize   = 8192 // cells per dispatcher arena
	MaxBatch      = 512  // upper bound for every tunable batch size
	MaxInflight   = 8192 // in-flight message budget per workload
)

// Wire-level defaults.
const (
	BaseUDPPort  = 10010 // UDP dst port = BaseUDPPort + ws_id
	BaseMgmtPort = 31850 // out-of-band QP handshake port = BaseMgmtPort + ws_id
	GRHBytes     = 40    // UD global routing header prefix on RX
)

// Workload emulation parameters, operational defaults taken from the latest
// shipped config of the benchmark.
const (
	AppReqPayloadSize       = 1024
	AppRespPayloadSize      = 64
	MemoryAccessRangePerPkt = 1024
	StatefulMemoryPerCore   = 4 << 20
)
