package workspace

import (
	"github.com/dperf-io/dperf/internal/constants"
	"github.com/dperf-io/dperf/internal/kv"
	"github.com/dperf-io/dperf/internal/mem"
	"github.com/dperf-io/dperf/internal/wire"
)

// ServerHandler is the plug-in contract for an emulated workload body: it
// receives one complete request message, processes it in place, and returns
// the response buffers the runtime should enqueue for TX. Buffers not
// returned are released by the handler itself.
type ServerHandler func(w *Workspace, msg []*mem.Buffer) []*mem.Buffer

// Built-in emulated workloads, selected by workload type. Callers can
// override a slot with Register before the run starts.
var handlerRegistry = map[uint8]ServerHandler{
	0: throughputIntenseApp,
	1: latencyIntenseApp,
	2: memoryIntenseApp,
	3: fsWrite,
	4: fsRead,
	5: kvHandler,
}

// Register installs a workload handler for a type. Not safe once the event
// loop is running.
func Register(workloadType uint8, h ServerHandler) {
	handlerRegistry[workloadType] = h
}

func handlerFor(workloadType uint8) ServerHandler {
	if h, ok := handlerRegistry[workloadType]; ok {
		return h
	}
	return latencyIntenseApp
}

// scanPayload walks every payload byte of the packet; the sink keeps the
// loop from being optimized away.
func (w *Workspace) scanPayload(b *mem.Buffer) {
	payload := b.AppPayload()
	n := b.Length - wire.TotalHdrLen
	if n > len(payload) {
		n = len(payload)
	}
	for i := 0; i < n; i++ {
		w.scanSink ^= payload[i]
	}
}

// buildResponse reuses the leading buffers of the request message for the
// response and releases the rest. The UDP ports swap so the response steers
// back to the requesting workspace.
func (w *Workspace) buildResponse(msg []*mem.Buffer, respPayload int) []*mem.Buffer {
	reqUDP := wire.ParseUDP(msg[0].UDP())
	requester := uint16(0)
	if reqUDP.SrcPort >= constants.BaseUDPPort {
		requester = reqUDP.SrcPort - constants.BaseUDPPort
	} else {
		requester = reqUDP.SrcPort
	}

	respPkts := w.respPkts
	uh := wire.UDPHdr{SrcPort: uint16(w.wsID), DstPort: requester}
	fh := wire.FrameworkHdr{WorkloadType: w.workloadType, SegmentNum: uint64(respPkts)}

	full := w.maxPayload
	last := respPayload - (respPkts-1)*full
	for i := 0; i < respPkts; i++ {
		size := full
		if i == respPkts-1 {
			size = last
		}
		msg[i].SetPayload(&uh, &fh, size)
	}
	for _, b := range msg[respPkts:] {
		w.memReg.Free(b)
	}
	return msg[:respPkts]
}

// throughputIntenseApp emulates a bulk-ingest server (a GFS-style file
// system): receive a huge message, scan it, answer with a small response.
func throughputIntenseApp(w *Workspace, msg []*mem.Buffer) []*mem.Buffer {
	for _, b := range msg {
		w.scanPayload(b)
	}
	return w.buildResponse(msg, constants.AppRespPayloadSize)
}

// latencyIntenseApp emulates an RPC server: small request, scan, small
// response.
func latencyIntenseApp(w *Workspace, msg []*mem.Buffer) []*mem.Buffer {
	for _, b := range msg {
		w.scanPayload(b)
	}
	return w.buildResponse(msg, constants.AppRespPayloadSize)
}

// memoryIntenseApp emulates an in-memory database: per packet it walks a
// window of the core's stateful memory before answering.
func memoryIntenseApp(w *Workspace, msg []*mem.Buffer) []*mem.Buffer {
	words := uint64(len(w.statefulMemory) / 8)
	for range msg {
		for j := 0; j < constants.MemoryAccessRangePerPkt/8; j++ {
			w.statefulPtr = (w.statefulPtr + 1) % words
			off := w.statefulPtr * 8
			w.statefulMemory[off] = byte(w.statefulPtr)
		}
	}
	return w.buildResponse(msg, constants.AppRespPayloadSize)
}

// fsWrite emulates a file-system ingest: each packet's payload is copied
// into local memory at MTU stride, then a small acknowledgment goes back.
func fsWrite(w *Workspace, msg []*mem.Buffer) []*mem.Buffer {
	slots := uint64(len(w.statefulMemory) / constants.MTU)
	for _, b := range msg {
		w.statefulPtr = (w.statefulPtr + 1) % slots
		dst := w.statefulMemory[w.statefulPtr*constants.MTU : (w.statefulPtr+1)*constants.MTU]
		n := b.Length - wire.TotalHdrLen
		if n > len(dst) {
			n = len(dst)
		}
		if n > 0 {
			copy(dst, b.AppPayload()[:n])
		}
	}
	return w.buildResponse(msg, constants.AppRespPayloadSize)
}

// fsRead emulates a file-system read: small request, response payload filled
// from local memory.
func fsRead(w *Workspace, msg []*mem.Buffer) []*mem.Buffer {
	resp := w.buildResponse(msg, constants.AppRespPayloadSize)
	slots := uint64(len(w.statefulMemory) / constants.MTU)
	for _, b := range resp {
		w.statefulPtr = (w.statefulPtr + 1) % slots
		src := w.statefulMemory[w.statefulPtr*constants.MTU:]
		n := b.Length - wire.TotalHdrLen
		if n > 0 {
			payload := b.AppPayload()[:n]
			copy(payload[:n-1], src)
			payload[n-1] = 0
		}
	}
	return resp
}

// kvHandler emulates a key-value store: the leading payload bytes are the
// key; the stored value is written into the response payload. A miss inserts
// the key first, so repeated traffic stabilizes on hits.
func kvHandler(w *Workspace, msg []*mem.Buffer) []*mem.Buffer {
	var key kv.Key
	payload := msg[0].AppPayload()
	copy(key[:], payload)
	val, ok := w.kvStore.Get(key)
	if !ok {
		w.kvStore.Put(key, val)
	}
	resp := w.buildResponse(msg, constants.AppRespPayloadSize)
	n := resp[0].Length - wire.TotalHdrLen
	if n > kv.ValueSize {
		n = kv.ValueSize
	}
	copy(resp[0].AppPayload()[:n], val[:n])
	return resp
}

// msgHandlerClient consumes a batch of response messages on the client side:
// it returns the in-flight credit the requests reserved and releases every
// buffer.
func (w *Workspace) msgHandlerClient(bufs []*mem.Buffer, msgNum int) {
	hdr := bufs[0].FrameworkHdr()
	w.txRules.ReturnBudget(hdr.WorkloadType, int64(msgNum))
	w.memReg.FreeBulk(bufs)
}
