// Package cpu pins workspace threads, nudges the frequency governor, and
// provides the tick counter the per-stage statistics are accumulated in.
package cpu

import (
	"fmt"
	"os"
	"runtime"
	"time"

	"golang.org/x/sys/unix"

	"github.com/dperf-io/dperf/internal/constants"
	"github.com/dperf-io/dperf/internal/logging"
)

// CoreForWorkspace maps a (numa node, ws_id) pair to a physical core index,
// spreading NUMA nodes across equal slices of the online CPUs.
func CoreForWorkspace(numaNode uint8, wsID uint8) int {
	perNode := runtime.NumCPU() / constants.MaxNumaNodes
	if perNode == 0 {
		perNode = runtime.NumCPU()
	}
	return (int(numaNode)*perNode + int(wsID)) % runtime.NumCPU()
}

// Pin binds the calling thread to one core. The caller must already hold
// runtime.LockOSThread. Failure is logged, not fatal: the loop still runs,
// just without affinity.
func Pin(core int) {
	var mask unix.CPUSet
	mask.Set(core)
	if err := unix.SchedSetaffinity(0, &mask); err != nil {
		logging.Warnf("failed to set CPU affinity to core %d: %v", core, err)
		return
	}
	logging.Debugf("pinned to core %d", core)
}

func governorPath(core int) string {
	return fmt.Sprintf("/sys/devices/system/cpu/cpu%d/cpufreq/scaling_governor", core)
}

// SetFreqMax raises the core's governor to performance. Best effort; most
// unprivileged environments reject the write.
func SetFreqMax(core int) {
	if err := os.WriteFile(governorPath(core), []byte("performance"), 0o644); err != nil {
		logging.Debugf("cannot raise governor on core %d: %v", core, err)
	}
}

// SetFreqNormal restores the core's governor.
func SetFreqNormal(core int) {
	if err := os.WriteFile(governorPath(core), []byte("schedutil"), 0o644); err != nil {
		logging.Debugf("cannot restore governor on core %d: %v", core, err)
	}
}

var tickEpoch = time.Now()

// Ticks returns a monotonic tick count. Ticks are nanoseconds from a
// process-local epoch; TickRate reports the measured tick-to-wall rate so
// the statistics stay correct if the clock source ever changes.
func Ticks() uint64 {
	return uint64(time.Since(tickEpoch))
}

// TickRate measures ticks per microsecond against the wall clock.
func TickRate() float64 {
	start := Ticks()
	t0 := time.Now()
	time.Sleep(2 * time.Millisecond)
	elapsed := time.Since(t0)
	return float64(Ticks()-start) / (float64(elapsed.Nanoseconds()) / 1e3)
}

// ToUsec converts a tick sum to microseconds under the given rate.
func ToUsec(ticks uint64, ticksPerUs float64) float64 {
	if ticksPerUs == 0 {
		return 0
	}
	return float64(ticks) / ticksPerUs
}

// UsToTicks converts microseconds to ticks under the given rate.
func UsToTicks(us float64, ticksPerUs float64) uint64 {
	return uint64(us * ticksPerUs)
}

// MsToTicks converts milliseconds to ticks under the given rate.
func MsToTicks(ms float64, ticksPerUs float64) uint64 {
	return UsToTicks(ms*1000, ticksPerUs)
}
