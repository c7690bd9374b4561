// Package workspace implements the per-core executor: each workspace binds
// one OS thread to one core and busy-polls its phase loop, owning an
// application half, a dispatcher half, or both.
package workspace

import (
	"fmt"
	"math/rand"
	"os"
	"runtime"

	"github.com/dperf-io/dperf/internal/config"
	"github.com/dperf-io/dperf/internal/constants"
	"github.com/dperf-io/dperf/internal/cpu"
	"github.com/dperf-io/dperf/internal/dispatch"
	"github.com/dperf-io/dperf/internal/errs"
	"github.com/dperf-io/dperf/internal/kv"
	"github.com/dperf-io/dperf/internal/logging"
	"github.com/dperf-io/dperf/internal/mem"
	"github.com/dperf-io/dperf/internal/pipeline"
	"github.com/dperf-io/dperf/internal/ring"
	"github.com/dperf-io/dperf/internal/wire"
)

// DispatcherFactory builds the backend dispatcher for one workspace. The
// launcher supplies the build-time-selected implementation.
type DispatcherFactory func(wsID uint8) (dispatch.Dispatcher, error)

// MaxPayload is the per-packet application payload limit.
const MaxPayload = constants.MTU - wire.IPv4HdrLen - wire.UDPHdrLen - wire.FrameworkHdrLen

// Options carries everything a workspace needs at construction.
type Options struct {
	Ctx           *Context
	WsID          uint8
	WsType        uint8
	NumaNode      uint8
	PhyPort       uint8
	Loop          []pipeline.Step
	Cfg           *config.UserConfig
	IsServer      bool
	NewDispatcher DispatcherFactory
}

// Workspace is a per-core executor. Construction must happen on the
// goroutine that will run the loop.
type Workspace struct {
	ctx      *Context
	wsID     uint8
	wsType   uint8
	numaNode uint8
	phyPort  uint8
	loop     []pipeline.Step
	isServer bool

	// Worker half.
	txRing       *ring.Ring
	rxRing       *ring.Ring
	memReg       *mem.MemReg
	workloadType uint8
	dispWsID     uint8
	txRules      *dispatch.RuleTable
	txBatch      int
	rxBatch      int
	maxPayload   int
	reqPkts      int
	respPkts     int
	fullPad      int
	lastPad      int
	txScratch    []*mem.Buffer
	rxScratch    []*mem.Buffer
	inflyFlag    bool

	statefulMemory []byte
	statefulPtr    uint64
	kvStore        *kv.Store
	scanSink       byte

	// Dispatcher half.
	disp dispatch.Dispatcher

	// Statistics.
	stats       NetStats
	freq        float64 // ticks per microsecond
	statsInitWs bool
	nicRxPrevTick uint64
	nicRxPrevDesc int
}

// New constructs and registers a workspace, then waits through the two
// setup barriers with its siblings. Call from the pinned goroutine.
func New(opts Options) (*Workspace, error) {
	if opts.WsType == 0 {
		return nil, errs.NewWorkspace("ws_init", int(opts.WsID), errs.CodeConfig, "workspace has no type")
	}
	if int(opts.PhyPort) >= constants.MaxPhyPorts {
		return nil, errs.NewWorkspace("ws_init", int(opts.WsID), errs.CodeConfig, "physical port out of range")
	}
	if int(opts.NumaNode) >= constants.MaxNumaNodes {
		return nil, errs.NewWorkspace("ws_init", int(opts.WsID), errs.CodeConfig, "NUMA node out of range")
	}
	tp := opts.Cfg.Tunables
	if tp.AppCoreNum > constants.MaxWorkspaces {
		return nil, errs.NewWorkspace("ws_init", int(opts.WsID), errs.CodeConfig, "app core number too large")
	}
	for _, v := range []int{tp.AppTxBatchSize, tp.AppRxBatchSize} {
		if v > constants.MaxBatch {
			return nil, errs.NewWorkspace("ws_init", int(opts.WsID), errs.CodeConfig, "app batch size too large")
		}
	}

	w := &Workspace{
		ctx:          opts.Ctx,
		wsID:         opts.WsID,
		wsType:       opts.WsType,
		numaNode:     opts.NumaNode,
		phyPort:      opts.PhyPort,
		loop:         opts.Loop,
		isServer:     opts.IsServer,
		workloadType: constants.InvalidWorkloadType,
		dispWsID:     constants.InvalidWsID,
		txBatch:      tp.AppTxBatchSize,
		rxBatch:      tp.AppRxBatchSize,
		maxPayload:   MaxPayload,
	}
	w.stats.Reset()

	if w.wsType&pipeline.TypeWorker != 0 {
		wl := opts.Cfg.WorkloadFor(w.wsID)
		if wl == nil {
			return nil, errs.NewWorkspace("ws_init", int(w.wsID), errs.CodeConfig, "worker has no workload")
		}
		w.workloadType = wl.Type
		dispID, ok := opts.Cfg.DispatcherFor(w.wsID)
		if !ok {
			return nil, errs.NewWorkspace("ws_init", int(w.wsID), errs.CodeConfig, "worker group has no dispatcher")
		}
		w.dispWsID = dispID

		w.reqPkts = (constants.AppReqPayloadSize + w.maxPayload - 1) / w.maxPayload
		w.respPkts = (constants.AppRespPayloadSize + w.maxPayload - 1) / w.maxPayload
		w.fullPad = w.maxPayload
		w.lastPad = constants.AppReqPayloadSize - (w.reqPkts-1)*w.maxPayload

		w.txRing = ring.New(constants.RingSize)
		w.rxRing = ring.New(constants.RingSize)
		w.txRules = dispatch.NewRuleTable()
		for _, remote := range wl.RemoteDispatchers {
			w.txRules.AddRoute(w.workloadType, remote)
		}
		w.txScratch = make([]*mem.Buffer, w.reqPkts*maxInt(w.txBatch, 1))
		w.rxScratch = make([]*mem.Buffer, constants.RingSize)

		w.statefulMemory = make([]byte, constants.StatefulMemoryPerCore)
		for i := range w.statefulMemory {
			w.statefulMemory[i] = 'a'
		}
		w.kvStore = kv.NewStore(1 << 10)
		logging.Infof("workspace %d assigned to workload %d, dispatcher %d", w.wsID, w.workloadType, w.dispWsID)
	}

	if w.wsType&pipeline.TypeDispatcher != 0 {
		disp, err := opts.NewDispatcher(w.wsID)
		if err != nil {
			return nil, err
		}
		w.disp = disp
	}

	if err := w.register(); err != nil {
		return nil, err
	}
	w.ctx.Wait()

	// Setup phase 2: workers resolve their dispatcher's memory registration;
	// dispatchers discover the rings of their workers and install RX rules.
	if w.wsType&pipeline.TypeWorker != 0 {
		w.setMemReg()
		if w.memReg == nil {
			return nil, errs.NewWorkspace("ws_init", int(w.wsID), errs.CodeConfig,
				fmt.Sprintf("cannot resolve memory registration of dispatcher %d", w.dispWsID))
		}
	}
	if w.wsType&pipeline.TypeDispatcher != 0 {
		w.setDispatcherConfig()
	}
	w.ctx.Wait()
	return w, nil
}

func (w *Workspace) register() error {
	c := w.ctx
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ws[w.wsID] != nil {
		return errs.NewWorkspace("register_ws", int(w.wsID), errs.CodeConfig, "workspace already registered")
	}
	c.ws[w.wsID] = w
	c.activeWsIDs = append(c.activeWsIDs, w.wsID)
	if w.wsType&pipeline.TypeWorker != 0 {
		c.wsTxRings[w.wsID] = w.txRing
		c.wsRxRings[w.wsID] = w.rxRing
		c.wsDispatcher[w.wsID] = w.dispWsID
	}
	if w.wsType&pipeline.TypeDispatcher != 0 {
		if _, dup := c.memRegs[w.wsID]; dup {
			return errs.NewWorkspace("register_ws", int(w.wsID), errs.CodeConfig, "dispatcher already registered")
		}
		c.memRegs[w.wsID] = w.disp.MemReg()
	}
	return nil
}

func (w *Workspace) setMemReg() {
	c := w.ctx
	c.mu.Lock()
	defer c.mu.Unlock()
	w.memReg = c.memRegs[w.dispWsID]
}

func (w *Workspace) setDispatcherConfig() {
	c := w.ctx
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, wsID := range c.activeWsIDs {
		if dispID, ok := c.wsDispatcher[wsID]; !ok || dispID != w.wsID {
			continue
		}
		peer := c.ws[wsID]
		w.disp.AddWsTxRing(c.wsTxRings[wsID])
		w.disp.AddWsRxRing(wsID, c.wsRxRings[wsID])
		w.disp.AddRxRule(peer.workloadType, wsID)
	}
}

// Deregister removes the workspace from the context and releases dispatcher
// resources.
func (w *Workspace) Deregister() {
	c := w.ctx
	c.mu.Lock()
	c.ws[w.wsID] = nil
	for i, id := range c.activeWsIDs {
		if id == w.wsID {
			c.activeWsIDs = append(c.activeWsIDs[:i], c.activeWsIDs[i+1:]...)
			break
		}
	}
	c.mu.Unlock()
	if w.disp != nil {
		w.disp.Close()
	}
}

// Accessors used by the aggregator and tests.
func (w *Workspace) ID() uint8            { return w.wsID }
func (w *Workspace) Type() uint8          { return w.wsType }
func (w *Workspace) WorkloadType() uint8  { return w.workloadType }
func (w *Workspace) Freq() float64        { return w.freq }
func (w *Workspace) Stats() *NetStats     { return &w.stats }
func (w *Workspace) TxRing() *ring.Ring   { return w.txRing }
func (w *Workspace) RxRing() *ring.Ring   { return w.rxRing }
func (w *Workspace) TxRules() *dispatch.RuleTable { return w.txRules }
func (w *Workspace) Dispatcher() dispatch.Dispatcher { return w.disp }

// launch runs one pass over the phase loop.
func (w *Workspace) launch() {
	for _, step := range w.loop {
		switch step {
		case pipeline.StepApplyBuffers:
			w.applyBuffers()
		case pipeline.StepGeneratePackets:
			w.generatePackets()
		case pipeline.StepCollectTx:
			w.collectTx()
		case pipeline.StepNicTx:
			w.nicTx()
		case pipeline.StepNicRx:
			w.nicRx()
		case pipeline.StepDispatchRx:
			w.dispatchRx()
		case pipeline.StepAppHandler:
			w.appHandler()
		}
	}
}

// applyBuffers reserves in-flight credit for one TX batch and pulls the
// backing buffers from the arena, spinning (and counting the stall) until
// the arena can satisfy the batch.
func (w *Workspace) applyBuffers() {
	if w.txBatch == 0 {
		return
	}
	if !w.txRules.ApplyBudget(w.workloadType, int64(w.txBatch)) {
		w.inflyFlag = false
		return
	}
	w.inflyFlag = true

	need := w.txScratch[:w.reqPkts*w.txBatch]
	sTick := cpu.Ticks()
	for !w.memReg.AllocBulk(need) {
		w.stats.ApplyBufStalls++
	}
	w.stats.appTxStall(cpu.Ticks() - sTick)
}

// generatePackets fills the reserved buffers with headers and payload and
// enqueues them onto the TX ring; a full ring drops the packet.
func (w *Workspace) generatePackets() {
	if !w.inflyFlag || w.txBatch == 0 {
		return
	}
	sTick := cpu.Ticks()

	uh := wire.UDPHdr{
		SrcPort: uint16(w.wsID),
		DstPort: uint16(w.txRules.Select(w.workloadType)),
	}
	fh := wire.FrameworkHdr{
		WorkloadType: w.workloadType,
		SegmentNum:   uint64(w.reqPkts),
	}

	bufs := w.txScratch[:w.reqPkts*w.txBatch]
	i := 0
	for msg := 0; msg < w.txBatch; msg++ {
		for seg := 0; seg < w.reqPkts-1; seg++ {
			bufs[i].SetPayload(&uh, &fh, w.fullPad)
			i++
		}
		bufs[i].SetPayload(&uh, &fh, w.lastPad)
		i++
	}

	drops := uint64(0)
	for _, b := range bufs {
		if !w.txRing.Enqueue(b) {
			w.memReg.Free(b)
			drops++
		}
	}
	sent := uint64(len(bufs)) - drops
	w.stats.AppTxPktNum += sent
	w.stats.AppTxMsgNum += sent / uint64(w.reqPkts)
	w.stats.AppEnqueueDrops += drops
	w.stats.appTxDur(cpu.Ticks() - sTick)
}

// appHandler consumes complete messages from the RX ring. Fewer than
// rx_batch complete messages is a no-op. The client side returns credit and
// frees; the server side runs the workload handler and enqueues its
// responses, dropping on a full TX ring.
func (w *Workspace) appHandler() {
	pktsPerMsg := w.reqPkts
	if !w.isServer {
		pktsPerMsg = w.respPkts
	}
	sTick := cpu.Ticks()
	msgNum := w.rxRing.Size() / pktsPerMsg
	if msgNum < w.rxBatch || msgNum == 0 {
		return
	}
	total := msgNum * pktsPerMsg
	bufs := w.rxScratch[:total]
	for i := 0; i < total; i++ {
		bufs[i] = w.rxRing.Dequeue()
		if bufs[i] == nil {
			logging.Errorf("workspace %d dequeued an invalid buffer", w.wsID)
			os.Exit(1)
		}
	}

	if w.isServer {
		handler := handlerFor(w.workloadType)
		for m := 0; m < msgNum; m++ {
			resp := handler(w, bufs[m*pktsPerMsg:(m+1)*pktsPerMsg])
			for _, b := range resp {
				if !w.txRing.Enqueue(b) {
					w.memReg.Free(b)
					w.stats.AppEnqueueDrops++
				}
			}
		}
	} else {
		w.msgHandlerClient(bufs, msgNum)
	}
	w.stats.AppRxPktNum += uint64(total)
	w.stats.AppRxMsgNum += uint64(msgNum)
	w.stats.appRxDur(cpu.Ticks() - sTick)
}

// collectTx pulls worker TX rings into the dispatcher staging area.
func (w *Workspace) collectTx() {
	sTick := cpu.Ticks()
	n := w.disp.CollectTx()
	if n != 0 {
		w.stats.DispTxPktNum += uint64(n)
		w.stats.DispTxDuration += cpu.Ticks() - sTick
	}
	w.stats.BufUsage += uint64(w.disp.MemReg().InUse())
	w.stats.BufAllocTimes++
}

// nicTx flushes the staging area once it holds at least the NIC TX post
// threshold.
func (w *Workspace) nicTx() {
	if w.disp.TxStaged() < w.nicTxPost() {
		return
	}
	sTick := cpu.Ticks()
	n, err := w.disp.TxFlush()
	if err != nil {
		logging.Errorf("workspace %d: %v", w.wsID, err)
		os.Exit(1)
	}
	w.stats.NicTxPktNum += uint64(n)
	w.stats.DispTxStallDuration += cpu.Ticks() - sTick
}

// nicRx samples the device descriptor usage for the NIC-stage breakdown and
// polls the device.
func (w *Workspace) nicRx() {
	sTick := cpu.Ticks()
	curDesc := w.disp.RxUsedDesc()
	if curDesc != constants.RxRingEntries && curDesc != w.nicRxPrevDesc && curDesc > w.nicRxPrevDesc {
		w.stats.NicRxPktNum += uint64(curDesc - w.nicRxPrevDesc)
		w.stats.NicRxCpt += float64(sTick-w.nicRxPrevTick) / float64(curDesc-w.nicRxPrevDesc)
		w.stats.NicRxTimes++
	}
	n, err := w.disp.RxBurst()
	if err != nil {
		logging.Errorf("workspace %d: %v", w.wsID, err)
		os.Exit(1)
	}
	w.nicRxPrevTick = cpu.Ticks()
	w.nicRxPrevDesc = w.disp.RxUsedDesc()
	if n > 0 {
		w.stats.DispRxStallDuration += cpu.Ticks() - sTick
	}
}

// dispatchRx fans staged completions out to worker RX rings.
func (w *Workspace) dispatchRx() {
	if w.disp.RxStaged() == 0 {
		return
	}
	sTick := cpu.Ticks()
	dispatched, dropped := w.disp.DispatchRx()
	w.stats.DispEnqueueDrops += uint64(dropped)
	w.stats.DispRxPktNum += uint64(dispatched)
	w.stats.DispRxDuration += cpu.Ticks() - sTick
}

func (w *Workspace) nicTxPost() int {
	return w.disp.Batch().NICTxPost
}

// Run executes the event loop: iteration rounds of duration seconds each,
// one loop pass per nominal 1 microsecond tick.
func (w *Workspace) Run(iteration, duration int) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	core := cpu.CoreForWorkspace(w.numaNode, w.wsID)
	cpu.Pin(core)
	cpu.SetFreqMax(core)
	defer cpu.SetFreqNormal(core)

	for iter := 0; iter < iteration; iter++ {
		w.stats.Reset()
		w.nicRxPrevDesc = 0
		w.freq = cpu.TickRate()
		timeoutTicks := cpu.MsToTicks(float64(duration)*1000, w.freq)
		intervalTicks := cpu.UsToTicks(1.0, w.freq)
		w.ctx.Wait()

		// Random warmup deskews the cores before measurement starts.
		warmup := cpu.Ticks() + cpu.UsToTicks(float64(rand.Intn(1000)), w.freq)
		for cpu.Ticks() < warmup {
			w.launch()
		}

		start := cpu.Ticks()
		loopTick := start
		w.nicRxPrevTick = start
		for {
			now := cpu.Ticks()
			if now-loopTick > intervalTicks {
				loopTick = now
				w.launch()
			}
			if now-start > timeoutTicks {
				w.updateStats(duration)
				break
			}
		}

		// Dispatchers keep servicing the loop until every worker reaches
		// the barrier, draining in-flight RX in 100ms windows.
		for w.wsType&pipeline.TypeDispatcher != 0 &&
			int(w.ctx.completed.Load()) != w.ctx.ActiveCount() {
			w.launch()
			until := cpu.Ticks() + cpu.MsToTicks(100, w.freq)
			for cpu.Ticks() < until {
			}
		}
		w.ctx.Wait()

		if w.statsInitWs {
			fmt.Print(w.ctx.perf.String())
			w.ctx.perf.Reset()
			w.ctx.endSignal.Store(false)
			w.ctx.completed.Store(0)
			w.statsInitWs = false
		}
	}
}

// updateStats marks this workspace complete; the first completer flips the
// end signal and aggregates every workspace's counters into the shared
// block. Reading a sibling's counters while it still drains is a benign
// race the measurement accepts.
func (w *Workspace) updateStats(duration int) {
	c := w.ctx
	c.mu.Lock()
	defer c.mu.Unlock()
	c.completed.Add(1)
	if c.endSignal.Load() {
		return
	}
	c.endSignal.Store(true)

	workerNum, dispatcherNum := 0, 0
	for _, wsID := range c.activeWsIDs {
		peer := c.ws[wsID]
		isWorker := peer.wsType&pipeline.TypeWorker != 0
		isDispatcher := peer.wsType&pipeline.TypeDispatcher != 0
		freq := peer.freq
		if freq == 0 {
			freq = w.freq
		}
		c.perf.aggregate(&peer.stats, freq, duration, isWorker, isDispatcher)
		if isWorker {
			workerNum++
		}
		if isDispatcher {
			dispatcherNum++
		}
		logging.Infof("[workspace %d] apply stalls %d, app drops %d, disp drops %d",
			wsID, peer.stats.ApplyBufStalls, peer.stats.AppEnqueueDrops, peer.stats.DispEnqueueDrops)
	}
	c.perf.normalize(workerNum, dispatcherNum)
	w.statsInitWs = true
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
