// Package partition turns a key range into a sequence of contiguous,
// non-overlapping blocks whose size grows as the search progresses.
//
// Small blocks early give quick feedback and fine-grained load balance.
// Once the range has proven cold, larger blocks amortize coordination
// overhead. Growth stops once a block would take more than a
// 1/(workers*divisor) share of what is left, so late blocks never starve idle
// workers.
package partition

import (
	"errors"
	"fmt"
	"math"

	"github.com/coinbase/cb-keysearch-go/pkg/keysearch"
)

// ErrBadPolicy indicates an unusable growth policy.
var ErrBadPolicy = errors.New("partition: invalid policy")

// Policy configures block sizing.
type Policy struct {
	Initial uint64
	Min     uint64
	Factor  float64
	Workers int
	Divisor uint64
}

// PolicyFromConfig derives a Policy from a search configuration.
func PolicyFromConfig(cfg keysearch.Config, workers int) Policy {
	cfg = cfg.Normalize()
	return Policy{
		Initial: cfg.InitialChunk,
		Min:     cfg.MinChunk,
		Factor:  cfg.Factor,
		Workers: workers,
		Divisor: cfg.GrowthDivisor,
	}
}

// Next returns the block of at most size keys starting at cursor, clipped to
// cursor+remaining, and the cursor that follows it. A zero size is treated as
// one key so the cursor always advances while anything remains.
func Next(cursor, remaining, size uint64) (keysearch.KeyRange, uint64) {
	if size == 0 {
		size = 1
	}
	n := size
	if n > remaining {
		n = remaining
	}
	block := keysearch.KeyRange{Lower: cursor, Upper: cursor + n}
	return block, block.Upper
}

// Partitioner hands out the blocks of one range. It is not safe for
// concurrent use.
type Partitioner struct {
	r       keysearch.KeyRange
	cursor  uint64
	chunk   uint64
	min     uint64
	factor  float64
	workers uint64
	divisor uint64
}

// New validates p and returns a Partitioner positioned at r.Lower.
func New(r keysearch.KeyRange, p Policy) (*Partitioner, error) {
	if r.Upper < r.Lower {
		return nil, fmt.Errorf("%w: inverted range %s", ErrBadPolicy, r)
	}
	if p.Factor < 1 || math.IsNaN(p.Factor) || math.IsInf(p.Factor, 0) {
		return nil, fmt.Errorf("%w: factor %v", ErrBadPolicy, p.Factor)
	}
	if p.Workers < 1 {
		return nil, fmt.Errorf("%w: %d workers", ErrBadPolicy, p.Workers)
	}
	if p.Min == 0 {
		p.Min = 1
	}
	if p.Initial < p.Min {
		p.Initial = p.Min
	}
	if p.Divisor == 0 {
		p.Divisor = keysearch.DefaultGrowthDivisor
	}
	return &Partitioner{
		r:       r,
		cursor:  r.Lower,
		chunk:   p.Initial,
		min:     p.Min,
		factor:  p.Factor,
		workers: uint64(p.Workers),
		divisor: p.Divisor,
	}, nil
}

// Next returns the next block and true, or false once the range is consumed.
// The chunk size is adapted after every successful assignment; it never
// shrinks, but late blocks are cut to a per-worker share of the remainder.
func (p *Partitioner) Next() (keysearch.KeyRange, bool) {
	remaining := p.Remaining()
	if remaining == 0 {
		return keysearch.KeyRange{}, false
	}
	block, cursor := Next(p.cursor, remaining, p.blockSize(remaining))
	p.cursor = cursor
	p.grow()
	return block, true
}

// ChunkSize returns the size the next block will have, before clipping.
func (p *Partitioner) ChunkSize() uint64 { return p.chunk }

// Cursor returns the first key not yet handed out.
func (p *Partitioner) Cursor() uint64 { return p.cursor }

// Remaining returns the number of keys not yet handed out.
func (p *Partitioner) Remaining() uint64 { return p.r.Upper - p.cursor }

// Range returns the full range being partitioned.
func (p *Partitioner) Range() keysearch.KeyRange { return p.r }

// blockSize caps the chunk at a fair per-worker share of what is left, but
// never below the minimum. Static partitioning (factor 1) is left untouched.
func (p *Partitioner) blockSize(remaining uint64) uint64 {
	if p.factor == 1 {
		return p.chunk
	}
	share := remaining / p.workers
	if share < p.min {
		share = p.min
	}
	if p.chunk > share {
		return share
	}
	return p.chunk
}

func (p *Partitioner) grow() {
	if p.factor == 1 {
		return
	}
	remaining := p.Remaining()
	threshold := remaining / p.workers / p.divisor
	if p.chunk >= threshold {
		return
	}
	next := scale(p.chunk, p.factor)
	if ceiling := remaining / p.workers; next > ceiling {
		next = ceiling
	}
	if next > p.chunk {
		p.chunk = next
	}
}

// scale returns ceil(v*f) saturated at MaxUint64 and strictly above v.
func scale(v uint64, f float64) uint64 {
	x := math.Ceil(float64(v) * f)
	if x >= math.MaxUint64 {
		return math.MaxUint64
	}
	n := uint64(x)
	if n <= v && v < math.MaxUint64 {
		n = v + 1
	}
	return n
}
