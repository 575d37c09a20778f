// Package orchestrator implements the coordinating party of a key search.
//
// The orchestrator distributes the problem, hands out blocks drawn from an
// adaptive partitioner on demand, and resolves the search outcome exactly
// once: the first confirmed key, exhaustion of the range, or the wall-clock
// deadline.
//
// Run is a single goroutine. All coordination state (worker states, the
// active count, the partitioner cursor and the block ledger) is owned by that
// goroutine and never shared, so none of it is guarded by locks.
//
// Events are processed in batches: after one bounded wait the orchestrator
// drains every message that is already queued and handles the first found
// candidate of the batch before any work request. Once an outcome is
// resolved no further block is issued.
package orchestrator
