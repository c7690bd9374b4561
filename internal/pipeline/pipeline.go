// Package pipeline translates the workload configuration into the concrete
// per-core loop each workspace executes: a type bitmask plus an ordered,
// deduplicated list of step tags. The workspace runtime matches on the tags
// in its hot loop.
package pipeline

import (
	"fmt"

	"github.com/dperf-io/dperf/internal/config"
	"github.com/dperf-io/dperf/internal/constants"
)

// PhaseType is one of the six pipeline phase types.
type PhaseType uint8

const (
	TxNic PhaseType = iota
	TxDisp
	TxApp
	RxNic
	RxDisp
	RxApp
	invalidPhase
)

var phaseNames = map[string]PhaseType{
	"TxApplication": TxApp,
	"TxDispatcher":  TxDisp,
	"TxNIC":         TxNic,
	"RxNIC":         RxNic,
	"RxDispatcher":  RxDisp,
	"RxApplication": RxApp,
}

func (p PhaseType) String() string {
	for name, t := range phaseNames {
		if t == p {
			return name
		}
	}
	return fmt.Sprintf("PhaseType(%d)", uint8(p))
}

// Step is one unit of datapath work inside a phase.
type Step uint8

const (
	StepApplyBuffers Step = iota
	StepGeneratePackets
	StepCollectTx
	StepNicTx
	StepNicRx
	StepDispatchRx
	StepAppHandler
)

func (s Step) String() string {
	switch s {
	case StepApplyBuffers:
		return "apply_buffers"
	case StepGeneratePackets:
		return "generate_packets"
	case StepCollectTx:
		return "collect_tx"
	case StepNicTx:
		return "nic_tx"
	case StepNicRx:
		return "nic_rx"
	case StepDispatchRx:
		return "dispatch_rx"
	case StepAppHandler:
		return "app_handler"
	}
	return fmt.Sprintf("Step(%d)", uint8(s))
}

// phaseSteps maps each phase type to its ordered step functions. The NIC
// phases are reserved for offload and carry no steps of their own.
var phaseSteps = map[PhaseType][]Step{
	TxApp:  {StepApplyBuffers, StepGeneratePackets},
	TxDisp: {StepCollectTx, StepNicTx},
	TxNic:  {},
	RxNic:  {},
	RxDisp: {StepNicRx, StepDispatchRx},
	RxApp:  {StepAppHandler},
}

// Workspace type bitmask.
const (
	TypeDispatcher uint8 = 1 << 0
	TypeWorker     uint8 = 1 << 1
	TypeNicOffload uint8 = 1 << 2
)

// OneStage isolates a single phase type for measurement when set to one of the
// PhaseType values above. OneStageOff disables the mode.
const (
	OneStageOff PhaseType = invalidPhase
	OneStage              = OneStageOff
)

// Pipeline holds, per workspace, the loop and type derived from the config.
type Pipeline struct {
	types map[uint8]uint8
	loops map[uint8][]Step
}

// New builds the per-workspace loops and rejects a ws_id at or beyond
// MaxWorkspaces. A ws_id assigned to more than one workload's app groups is
// a configuration error, surfaced by config.Parse already; New does not
// reject a dispatcher id shared by several workloads.
func New(cfg *config.UserConfig) (*Pipeline, error) {
	p := &Pipeline{
		types: make(map[uint8]uint8),
		loops: make(map[uint8][]Step),
	}
	for _, w := range cfg.Workloads {
		for _, phaseName := range w.Phases {
			phase, ok := phaseNames[phaseName]
			if !ok {
				return nil, fmt.Errorf("unknown pipeline phase %q", phaseName)
			}
			switch phase {
			case TxApp, RxApp:
				for _, group := range w.Groups {
					for _, wsID := range group {
						p.appendPhase(wsID, TypeWorker, phase)
					}
				}
			case TxDisp, RxDisp:
				for _, wsID := range w.Dispatchers {
					p.appendPhase(wsID, TypeDispatcher, phase)
				}
			case TxNic, RxNic:
				for _, wsID := range w.Dispatchers {
					p.appendPhase(wsID, TypeNicOffload, phase)
				}
			}
		}
	}
	for wsID := range p.types {
		if int(wsID) >= constants.MaxWorkspaces {
			return nil, fmt.Errorf("workspace id %d exceeds maximum %d", wsID, constants.MaxWorkspaces)
		}
	}
	return p, nil
}

func (p *Pipeline) appendPhase(wsID uint8, typeBit uint8, phase PhaseType) {
	p.types[wsID] |= typeBit

	steps := phaseSteps[phase]
	if OneStage != OneStageOff {
		steps = oneStageSteps(phase)
	}
	loop := p.loops[wsID]
	for _, s := range steps {
		if !containsStep(loop, s) {
			loop = append(loop, s)
		}
	}
	p.loops[wsID] = loop
}

// oneStageSteps retains only the steps the measurement mode needs from the
// given phase. The dispatcher phases split their NIC step out so that either
// half can be measured alone: measuring TxDisp drops nic_tx, measuring TxNic
// keeps only nic_tx, and symmetrically on the RX side.
func oneStageSteps(phase PhaseType) []Step {
	switch {
	case phase == OneStage:
		switch OneStage {
		case TxDisp:
			return []Step{StepCollectTx}
		case RxDisp:
			return []Step{StepDispatchRx}
		default:
			return phaseSteps[phase]
		}
	case phase == TxDisp && OneStage == TxNic:
		return []Step{StepNicTx}
	case phase == RxDisp && OneStage == RxNic:
		return []Step{StepNicRx}
	default:
		return nil
	}
}

func containsStep(loop []Step, s Step) bool {
	for _, have := range loop {
		if have == s {
			return true
		}
	}
	return false
}

// TypeOf returns the type bitmask for a workspace; zero means unused.
func (p *Pipeline) TypeOf(wsID uint8) uint8 {
	return p.types[wsID]
}

// LoopOf returns the ordered step list for a workspace.
func (p *Pipeline) LoopOf(wsID uint8) []Step {
	return p.loops[wsID]
}
