package keysearch

import (
	"sync/atomic"
	"time"
)

// MetricsCollector receives operational events from the orchestrator and the
// workers. Implementations must be safe for concurrent use.
type MetricsCollector interface {
	// RecordAssignment is called for every block the orchestrator dispatches.
	RecordAssignment(worker RoleID, size uint64)

	// RecordBlock is called after a worker finishes or abandons a block.
	RecordBlock(worker RoleID, tested uint64, duration time.Duration)

	// RecordFalsePositive is called when a heuristic hit fails confirmation.
	RecordFalsePositive(worker RoleID)

	// RecordLateCandidate is called for every FoundCandidate the orchestrator
	// discards because the outcome was already resolved.
	RecordLateCandidate(worker RoleID)
}

// NoopMetricsCollector discards every event.
type NoopMetricsCollector struct{}

func (NoopMetricsCollector) RecordAssignment(RoleID, uint64)          {}
func (NoopMetricsCollector) RecordBlock(RoleID, uint64, time.Duration) {}
func (NoopMetricsCollector) RecordFalsePositive(RoleID)               {}
func (NoopMetricsCollector) RecordLateCandidate(RoleID)               {}

// BasicMetricsCollector keeps process-wide counters in memory.
type BasicMetricsCollector struct {
	Assignments    atomic.Int64
	AssignedKeys   atomic.Uint64
	Blocks         atomic.Int64
	TestedKeys     atomic.Uint64
	ScanNanos      atomic.Int64
	FalsePositives atomic.Int64
	LateCandidates atomic.Int64
}

// RecordAssignment implements MetricsCollector.
func (b *BasicMetricsCollector) RecordAssignment(_ RoleID, size uint64) {
	b.Assignments.Add(1)
	b.AssignedKeys.Add(size)
}

// RecordBlock implements MetricsCollector.
func (b *BasicMetricsCollector) RecordBlock(_ RoleID, tested uint64, d time.Duration) {
	b.Blocks.Add(1)
	b.TestedKeys.Add(tested)
	b.ScanNanos.Add(d.Nanoseconds())
}

// RecordFalsePositive implements MetricsCollector.
func (b *BasicMetricsCollector) RecordFalsePositive(RoleID) { b.FalsePositives.Add(1) }

// RecordLateCandidate implements MetricsCollector.
func (b *BasicMetricsCollector) RecordLateCandidate(RoleID) { b.LateCandidates.Add(1) }

// KeysPerSecond returns the aggregate scan throughput across all blocks,
// measured in scan time rather than wall-clock time.
func (b *BasicMetricsCollector) KeysPerSecond() float64 {
	n := b.ScanNanos.Load()
	if n <= 0 {
		return 0
	}
	return float64(b.TestedKeys.Load()) / time.Duration(n).Seconds()
}
