package dperf

import "github.com/dperf-io/dperf/internal/workspace"

// PerfStats is the aggregated per-stage statistics block printed at the end
// of each iteration.
type PerfStats = workspace.PerfStats

// NetStats is the per-workspace counter block.
type NetStats = workspace.NetStats
