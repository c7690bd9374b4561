package dispatch

import (
	"sync/atomic"

	"github.com/dperf-io/dperf/internal/constants"
)

// RuleTable maps workload types to destination workspaces and accounts the
// in-flight message budget per workload. The RX side uses it to fan packets
// out to workers; the TX side uses it to round-robin remote dispatchers and
// to gate message generation on credit.
type RuleTable struct {
	routes    [constants.MaxWorkloads + 2][]uint8
	budget    [constants.MaxWorkloads + 2]atomic.Int64
	hasBudget [constants.MaxWorkloads + 2]bool
	cursor    uint64
}

// NewRuleTable returns an empty table.
func NewRuleTable() *RuleTable {
	return &RuleTable{}
}

// AddRoute appends a destination workspace for the workload type and arms the
// type's in-flight budget on first use.
func (t *RuleTable) AddRoute(workloadType uint8, wsID uint8) {
	t.routes[workloadType] = append(t.routes[workloadType], wsID)
	if !t.hasBudget[workloadType] {
		t.hasBudget[workloadType] = true
		t.budget[workloadType].Store(constants.MaxInflight)
	}
}

// Routes returns the destinations for a workload type.
func (t *RuleTable) Routes(workloadType uint8) []uint8 {
	return t.routes[workloadType]
}

// Select round-robins over the destinations for the workload type. The cursor
// advances on every selection.
func (t *RuleTable) Select(workloadType uint8) uint8 {
	ids := t.routes[workloadType]
	idx := t.cursor % uint64(len(ids))
	t.cursor++
	return ids[idx]
}

// ApplyBudget reserves n in-flight messages. Returns false, reserving
// nothing, when fewer than n credits remain.
func (t *RuleTable) ApplyBudget(workloadType uint8, n int64) bool {
	b := &t.budget[workloadType]
	if b.Load() < n {
		return false
	}
	b.Add(-n)
	return true
}

// ReturnBudget gives back n in-flight credits.
func (t *RuleTable) ReturnBudget(workloadType uint8, n int64) {
	t.budget[workloadType].Add(n)
}

// Budget returns the remaining credit for the workload type.
func (t *RuleTable) Budget(workloadType uint8) int64 {
	return t.budget[workloadType].Load()
}
