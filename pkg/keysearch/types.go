package keysearch

import (
	"fmt"
	"math"
)

// RoleID identifies a participant on the transport. The orchestrator is
// OrchestratorRole; workers are numbered from 1.
type RoleID uint32

// OrchestratorRole is the fixed role of the coordinating party.
const OrchestratorRole RoleID = 0

// KeyRange is the half-open interval [Lower, Upper) of candidate keys.
type KeyRange struct {
	Lower uint64
	Upper uint64
}

// Len returns the number of keys in the range.
func (r KeyRange) Len() uint64 {
	if r.Upper <= r.Lower {
		return 0
	}
	return r.Upper - r.Lower
}

// Empty reports whether the range holds no keys.
func (r KeyRange) Empty() bool { return r.Len() == 0 }

// Contains reports whether k lies in the range.
func (r KeyRange) Contains(k uint64) bool { return k >= r.Lower && k < r.Upper }

func (r KeyRange) String() string { return fmt.Sprintf("[%d, %d)", r.Lower, r.Upper) }

// Split divides the range into at most n disjoint contiguous parts whose union
// is r. The remainder keys go to the first parts, so part sizes differ by at
// most one. Fewer than n parts are returned when r has fewer than n keys.
func (r KeyRange) Split(n int) []KeyRange {
	size := r.Len()
	if size == 0 {
		return nil
	}
	if n < 1 {
		n = 1
	}
	if uint64(n) > size {
		n = int(size)
	}
	base := size / uint64(n)
	extra := size % uint64(n)
	parts := make([]KeyRange, 0, n)
	lo := r.Lower
	for i := 0; i < n; i++ {
		step := base
		if uint64(i) < extra {
			step++
		}
		parts = append(parts, KeyRange{Lower: lo, Upper: lo + step})
		lo += step
	}
	return parts
}

// RangeFrom returns [start, start+size) or ErrRangeOverflow when the upper
// bound does not fit in 64 bits.
func RangeFrom(start, size uint64) (KeyRange, error) {
	if size == 0 {
		return KeyRange{}, ErrZeroRange
	}
	if size > math.MaxUint64-start {
		return KeyRange{}, fmt.Errorf("%w: start %d + size %d", ErrRangeOverflow, start, size)
	}
	return KeyRange{Lower: start, Upper: start + size}, nil
}

// WorkerState is the orchestrator's view of a single worker.
type WorkerState uint8

const (
	WorkerIdle WorkerState = iota
	WorkerAssigned
	WorkerReporting
	WorkerTerminated
)

func (s WorkerState) String() string {
	switch s {
	case WorkerIdle:
		return "idle"
	case WorkerAssigned:
		return "assigned"
	case WorkerReporting:
		return "reporting"
	case WorkerTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("WorkerState(%d)", uint8(s))
	}
}

// OutcomeKind enumerates the states of a search outcome.
type OutcomeKind uint8

const (
	Unresolved OutcomeKind = iota
	Found
	Exhausted
	TimedOut
)

func (k OutcomeKind) String() string {
	switch k {
	case Unresolved:
		return "unresolved"
	case Found:
		return "found"
	case Exhausted:
		return "exhausted"
	case TimedOut:
		return "timed_out"
	default:
		return fmt.Sprintf("OutcomeKind(%d)", uint8(k))
	}
}

// Outcome is the result of a search. Key and Reporter are meaningful only when
// Kind is Found.
type Outcome struct {
	Kind     OutcomeKind
	Key      uint64
	Reporter RoleID
}

// Terminal reports whether the outcome has left Unresolved.
func (o Outcome) Terminal() bool { return o.Kind != Unresolved }

func (o Outcome) String() string {
	if o.Kind == Found {
		return fmt.Sprintf("found(key=%d, reporter=%d)", o.Key, o.Reporter)
	}
	return o.Kind.String()
}

// OutcomeSlot holds an Outcome that may be resolved exactly once. It is not
// safe for concurrent use; the orchestrator owns it from a single goroutine.
type OutcomeSlot struct {
	o Outcome
}

// Resolve records o if the slot is still unresolved and reports whether it did.
// Resolving with an Unresolved outcome is a no-op.
func (s *OutcomeSlot) Resolve(o Outcome) bool {
	if s.o.Terminal() || !o.Terminal() {
		return false
	}
	s.o = o
	return true
}

// Outcome returns the recorded outcome.
func (s *OutcomeSlot) Outcome() Outcome { return s.o }

// Problem is the immutable search input distributed to every worker.
type Problem struct {
	// Ciphertext is the encrypted, block-aligned message.
	Ciphertext []byte
	// Plaintext is the known padded message used for exact confirmation.
	Plaintext []byte
	// Hint is the keyword the heuristic looks for. Empty selects the
	// collaborator's default detector.
	Hint []byte
}

// KeyTester decides whether a candidate key matches. Heuristic is cheap and
// lossy; Confirm is exact. Implementations must be safe for concurrent use and
// must not modify their arguments.
type KeyTester interface {
	Heuristic(key uint64, ciphertext []byte) bool
	Confirm(key uint64, plaintext, ciphertext []byte) bool
}
