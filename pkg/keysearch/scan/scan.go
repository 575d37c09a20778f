// Package scan fans a single key block out over local goroutines.
//
// The block is cut into disjoint, statically sized sub-ranges, one per unit.
// Units share exactly two things: a stop Flag that any of them (or the owner)
// may set, and a write-once result slot. Each unit looks at the flag before its
// first key and then every CheckEvery keys, so cancellation latency depends on
// the cadence rather than on the size of the sub-range.
package scan

import (
	"context"
	"runtime"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/coinbase/cb-keysearch-go/pkg/keysearch"
)

// Flag is a cooperative cancellation signal. Writers only ever set it.
type Flag struct {
	v atomic.Bool
}

// Set raises the flag.
func (f *Flag) Set() { f.v.Store(true) }

// IsSet reports whether the flag was raised.
func (f *Flag) IsSet() bool { return f.v.Load() }

// Result describes one scanned block.
type Result struct {
	// Key is the matching key when Found is true.
	Key   uint64
	Found bool
	// Tested counts every key the match function was called with, including
	// keys tested by units that noticed the stop flag late.
	Tested uint64
	// Cancelled is true when the scan stopped because of the flag or the
	// context rather than a match of its own.
	Cancelled bool
}

// Scanner scans blocks with a fixed fan-out degree.
type Scanner struct {
	// Units is the number of concurrent goroutines. Zero or negative selects
	// runtime.GOMAXPROCS(0).
	Units int
	// CheckEvery is the number of keys between flag checks. Zero is treated as 1.
	CheckEvery uint64
}

func (s Scanner) units() int {
	if s.Units > 0 {
		return s.Units
	}
	return runtime.GOMAXPROCS(0)
}

// slot is the write-once result cell. Only the unit that wins claimed writes
// key; it is read after every unit returned.
type slot struct {
	claimed atomic.Bool
	key     uint64
}

// Scan tests every key of r with match until one returns true, the stop flag
// is raised or ctx is done. match must be safe for concurrent use. A nil stop
// flag gets a private one.
func (s Scanner) Scan(ctx context.Context, r keysearch.KeyRange, stop *Flag, match func(key uint64) bool) Result {
	if stop == nil {
		stop = &Flag{}
	}
	if r.Empty() {
		return Result{Cancelled: stop.IsSet()}
	}
	every := s.CheckEvery
	if every == 0 {
		every = 1
	}
	unstop := context.AfterFunc(ctx, stop.Set)
	defer unstop()

	var (
		res    slot
		tested atomic.Uint64
		g      errgroup.Group
	)
	for _, part := range r.Split(s.units()) {
		g.Go(func() error {
			n := scanUnit(part, every, stop, &res, match)
			tested.Add(n)
			return nil
		})
	}
	_ = g.Wait()

	out := Result{Tested: tested.Load()}
	if res.claimed.Load() {
		out.Key = res.key
		out.Found = true
		return out
	}
	out.Cancelled = stop.IsSet()
	return out
}

// scanUnit walks one sub-range and returns the number of keys it tested.
func scanUnit(part keysearch.KeyRange, every uint64, stop *Flag, res *slot, match func(uint64) bool) uint64 {
	var n uint64
	countdown := uint64(0)
	for k := part.Lower; k < part.Upper; k++ {
		if countdown == 0 {
			if stop.IsSet() {
				return n
			}
			countdown = every
		}
		countdown--
		n++
		if match(k) {
			if res.claimed.CompareAndSwap(false, true) {
				res.key = k
			}
			stop.Set()
			return n
		}
	}
	return n
}
