package workspace

import (
	"fmt"
	"math"
	"strings"

	"github.com/dperf-io/dperf/internal/constants"
	"github.com/dperf-io/dperf/internal/cpu"
)

// NetStats is the per-workspace counter block. Everything here is written by
// the owning workspace thread only; the aggregator reads it after end_signal.
type NetStats struct {
	// App level.
	AppTxMsgNum uint64
	AppTxPktNum uint64
	AppRxMsgNum uint64
	AppRxPktNum uint64

	AppTxInvokeTimes    uint64
	AppTxDuration       uint64
	AppTxMaxDuration    uint64
	AppTxMinDuration    uint64
	AppTxStallDuration  uint64
	AppTxStallMax       uint64
	AppTxStallMin       uint64

	AppRxInvokeTimes    uint64
	AppRxDuration       uint64
	AppRxMaxDuration    uint64
	AppRxMinDuration    uint64
	AppRxStallDuration  uint64
	AppRxStallMax       uint64
	AppRxStallMin       uint64

	// Dispatcher level.
	DispTxPktNum        uint64
	DispRxPktNum        uint64
	DispTxDuration      uint64
	DispTxStallDuration uint64
	DispRxDuration      uint64
	DispRxStallDuration uint64

	// NIC level.
	NicTxPktNum uint64
	NicRxPktNum uint64
	NicRxTimes  uint64
	NicRxCpt    float64

	// Diagnose.
	ApplyBufStalls   uint64
	AppEnqueueDrops  uint64
	DispEnqueueDrops uint64
	BufAllocTimes    uint64
	BufUsage         uint64
}

// Reset clears the block for the next iteration.
func (s *NetStats) Reset() {
	*s = NetStats{
		AppTxMinDuration: math.MaxUint64,
		AppRxMinDuration: math.MaxUint64,
		AppTxStallMin:    math.MaxUint64,
		AppRxStallMin:    math.MaxUint64,
	}
}

func (s *NetStats) appTxDur(d uint64) {
	s.AppTxInvokeTimes++
	s.AppTxDuration += d
	if d > s.AppTxMaxDuration {
		s.AppTxMaxDuration = d
	}
	if d < s.AppTxMinDuration {
		s.AppTxMinDuration = d
	}
}

func (s *NetStats) appTxStall(d uint64) {
	s.AppTxStallDuration += d
	if d > s.AppTxStallMax {
		s.AppTxStallMax = d
	}
	if d < s.AppTxStallMin {
		s.AppTxStallMin = d
	}
}

func (s *NetStats) appRxDur(d uint64) {
	s.AppRxInvokeTimes++
	s.AppRxDuration += d
	if d > s.AppRxMaxDuration {
		s.AppRxMaxDuration = d
	}
	if d < s.AppRxMinDuration {
		s.AppRxMinDuration = d
	}
}

func (s *NetStats) appRxStall(d uint64) {
	s.AppRxStallDuration += d
	if d > s.AppRxStallMax {
		s.AppRxStallMax = d
	}
	if d < s.AppRxStallMin {
		s.AppRxStallMin = d
	}
}

// PerfStats is the run-end aggregate over every workspace: per-stage
// throughput in Mpps plus per-packet and per-batch latency breakdown.
type PerfStats struct {
	AppTxThroughput float64
	AppRxThroughput float64

	AppTxCompl    float64
	AppTxComplMax float64
	AppTxComplMin float64
	AppTxComplAvg float64
	AppTxStall    float64
	AppTxStallAvg float64
	AppTxStallMin float64
	AppTxStallMax float64

	AppRxCompl    float64
	AppRxComplMax float64
	AppRxComplMin float64
	AppRxComplAvg float64
	AppRxStall    float64
	AppRxStallAvg float64
	AppRxStallMin float64
	AppRxStallMax float64

	DispTxThroughput float64
	DispRxThroughput float64
	DispTxCompl      float64
	DispTxStall      float64
	DispRxCompl      float64
	DispRxStall      float64

	NicTxThroughput float64
	NicRxThroughput float64
	NicTxCompl      float64
	NicRxCompl      float64

	DispBufUsage float64
}

// Reset prepares the aggregate for the next iteration.
func (p *PerfStats) Reset() {
	*p = PerfStats{
		AppTxComplMin: math.MaxFloat64,
		AppRxComplMin: math.MaxFloat64,
		AppTxStallMin: math.MaxFloat64,
		AppRxStallMin: math.MaxFloat64,
	}
}

// aggregate folds one workspace's counters into the global aggregate.
// Latency sums are divided later by the number of contributing workspaces.
func (p *PerfStats) aggregate(s *NetStats, freq float64, duration int, isWorker, isDispatcher bool) {
	d := float64(duration)

	if isWorker {
		p.AppTxThroughput += float64(s.AppTxMsgNum) / 1e6 / d
		p.AppRxThroughput += float64(s.AppRxMsgNum) / 1e6 / d

		if s.AppTxMsgNum > 0 {
			compl := cpu.ToUsec(s.AppTxDuration, freq) / float64(s.AppTxMsgNum)
			p.AppTxCompl += compl
			p.AppTxComplAvg += cpu.ToUsec(s.AppTxDuration, freq) / float64(s.AppTxInvokeTimes)
			p.AppTxComplMax = math.Max(p.AppTxComplMax, cpu.ToUsec(s.AppTxMaxDuration, freq))
			p.AppTxComplMin = math.Min(p.AppTxComplMin, cpu.ToUsec(s.AppTxMinDuration, freq))

			p.AppTxStall += cpu.ToUsec(s.AppTxStallDuration, freq) / float64(s.AppTxMsgNum)
			p.AppTxStallAvg += cpu.ToUsec(s.AppTxStallDuration, freq) / float64(s.AppTxInvokeTimes)
			p.AppTxStallMax = math.Max(p.AppTxStallMax, cpu.ToUsec(s.AppTxStallMax, freq))
			if s.AppTxStallMin != math.MaxUint64 {
				p.AppTxStallMin = math.Min(p.AppTxStallMin, cpu.ToUsec(s.AppTxStallMin, freq))
			}
		}
		if s.AppRxMsgNum > 0 {
			p.AppRxCompl += cpu.ToUsec(s.AppRxDuration, freq) / float64(s.AppRxMsgNum)
			p.AppRxComplAvg += cpu.ToUsec(s.AppRxDuration, freq) / float64(s.AppRxInvokeTimes)
			p.AppRxComplMax = math.Max(p.AppRxComplMax, cpu.ToUsec(s.AppRxMaxDuration, freq))
			p.AppRxComplMin = math.Min(p.AppRxComplMin, cpu.ToUsec(s.AppRxMinDuration, freq))

			p.AppRxStall += cpu.ToUsec(s.AppRxStallDuration, freq) / float64(s.AppRxMsgNum)
			p.AppRxStallAvg += cpu.ToUsec(s.AppRxStallDuration, freq) / float64(s.AppRxInvokeTimes)
			p.AppRxStallMax = math.Max(p.AppRxStallMax, cpu.ToUsec(s.AppRxStallMax, freq))
			if s.AppRxStallMin != math.MaxUint64 {
				p.AppRxStallMin = math.Min(p.AppRxStallMin, cpu.ToUsec(s.AppRxStallMin, freq))
			}
		}
	}

	if isDispatcher {
		p.DispTxThroughput += float64(s.DispTxPktNum) / 1e6 / d
		p.DispRxThroughput += float64(s.DispRxPktNum) / 1e6 / d
		if s.DispTxPktNum > 0 {
			p.DispTxCompl += cpu.ToUsec(s.DispTxDuration, freq) / float64(s.DispTxPktNum)
			p.DispTxStall += cpu.ToUsec(s.DispTxStallDuration, freq) / float64(s.DispTxPktNum)
		}
		if s.DispRxPktNum > 0 {
			p.DispRxCompl += cpu.ToUsec(s.DispRxDuration, freq) / float64(s.DispRxPktNum)
			p.DispRxStall += cpu.ToUsec(s.DispRxStallDuration, freq) / float64(s.DispRxPktNum)
		}

		p.NicTxThroughput += float64(s.NicTxPktNum) / 1e6 / d
		if s.NicTxPktNum > 0 {
			// nic_tx shares the disp tx stall window: that is the time spent
			// inside the device post.
			p.NicTxCompl += cpu.ToUsec(s.DispTxStallDuration, freq) / float64(s.NicTxPktNum)
		}
		if s.NicRxTimes > 0 {
			nicRxCompl := cpu.ToUsec(uint64(math.Round(s.NicRxCpt)), freq) / float64(s.NicRxTimes)
			p.NicRxCompl += nicRxCompl
			if nicRxCompl > 0 {
				p.NicRxThroughput += 1.0 / nicRxCompl
			}
		}

		if s.BufAllocTimes > 0 {
			p.DispBufUsage += float64(s.BufUsage) / float64(s.BufAllocTimes) / float64(constants.MemPoolSize)
		}
	}
}

// normalize divides the latency sums by the number of contributing
// workspaces.
func (p *PerfStats) normalize(workerNum, dispatcherNum int) {
	if workerNum > 0 {
		w := float64(workerNum)
		p.AppTxCompl /= w
		p.AppTxComplAvg /= w
		p.AppTxStall /= w
		p.AppTxStallAvg /= w
		p.AppRxCompl /= w
		p.AppRxComplAvg /= w
		p.AppRxStall /= w
		p.AppRxStallAvg /= w
	}
	if dispatcherNum > 0 {
		dn := float64(dispatcherNum)
		p.DispTxCompl /= dn
		p.DispTxStall /= dn
		p.DispRxCompl /= dn
		p.DispRxStall /= dn
		p.NicTxCompl /= dn
		p.NicRxCompl /= dn
		p.DispBufUsage /= dn
	}
}

// String renders the fixed-column statistics table. All numeric formatting
// uses three fractional digits.
func (p *PerfStats) String() string {
	var b strings.Builder
	line := strings.Repeat("-", 180)
	fmt.Fprintln(&b, line)
	fmt.Fprintf(&b, "%-20s%-20s%-20s%-20s%-20s%-20s%-20s%-20s%-20s\n",
		"dperf statistics", "Thpt. (Mpps)", "Avg. [/P]", "Avg. Stall [/P]",
		"Max Stall [/B]", "Min Stall [/B]", "Avg Stall [/B]", "Max Compl [/B]", "Min Compl [/B]")
	fmt.Fprintln(&b, line)
	fmt.Fprintf(&b, "%-20s%-20.3f%-20.3f%-20.3f%-20.3f%-20.3f%-20.3f%-20.3f%-20.3f\n",
		"app_tx", p.AppTxThroughput, p.AppTxCompl+p.AppTxStall, p.AppTxStall,
		p.AppTxStallMax, minOrDash(p.AppTxStallMin, p.AppTxStallMax), p.AppTxStallAvg,
		p.AppTxComplMax, minOrDash(p.AppTxComplMin, p.AppTxComplMax))
	fmt.Fprintf(&b, "%-20s%-20.3f%-20.3f%-20.3f%-20.3f%-20.3f%-20.3f%-20.3f%-20.3f\n",
		"app_rx", p.AppRxThroughput, p.AppRxCompl+p.AppRxStall, p.AppRxStall,
		p.AppRxStallMax, minOrDash(p.AppRxStallMin, p.AppRxStallMax), p.AppRxStallAvg,
		p.AppRxComplMax, minOrDash(p.AppRxComplMin, p.AppRxComplMax))
	fmt.Fprintf(&b, "%-20s%-20.3f%-20.3f%-20.3f\n",
		"disp_tx", p.DispTxThroughput, p.DispTxCompl+p.DispTxStall, p.DispTxStall)
	fmt.Fprintf(&b, "%-20s%-20.3f%-20.3f%-20.3f\n",
		"disp_rx", p.DispRxThroughput, p.DispRxCompl+p.DispRxStall, p.DispRxStall)
	fmt.Fprintf(&b, "%-20s%-20.3f%-20.3f\n", "nic_tx", p.NicTxThroughput, p.NicTxCompl)
	fmt.Fprintf(&b, "%-20s%-20.3f%-20.3f\n", "nic_rx", p.NicRxThroughput, p.NicRxCompl)
	fmt.Fprintln(&b, line)
	return b.String()
}

// minOrDash suppresses a never-written minimum (still at +inf).
func minOrDash(min, max float64) float64 {
	if min > max {
		return 9999
	}
	return min
}
