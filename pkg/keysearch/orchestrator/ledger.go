package orchestrator

import (
	"fmt"

	"github.com/RoaringBitmap/roaring/v2/roaring64"

	"github.com/coinbase/cb-keysearch-go/pkg/keysearch"
	"github.com/coinbase/cb-keysearch-go/pkg/keysearch/partition"
)

// Assignment records one dispatched block. Seq identifies the block, not the
// dispatch: a block whose delivery failed keeps its Seq when re-queued.
type Assignment struct {
	Seq    uint64
	Worker keysearch.RoleID
	Range  keysearch.KeyRange
}

type block struct {
	seq uint64
	r   keysearch.KeyRange
}

// ledger tracks where every block of the range went.
type ledger struct {
	part    *partition.Partitioner
	nextSeq uint64
	pending []block // undelivered or abandoned blocks, served first

	assignments []Assignment
	dispatched  *roaring64.Bitmap
	completed   *roaring64.Bitmap
	requeued    int
}

func newLedger(p *partition.Partitioner) *ledger {
	return &ledger{
		part:       p,
		dispatched: roaring64.NewBitmap(),
		completed:  roaring64.NewBitmap(),
	}
}

// draw returns the next block to hand out.
func (l *ledger) draw() (block, bool) {
	if n := len(l.pending); n > 0 {
		b := l.pending[0]
		l.pending = l.pending[1:]
		return b, true
	}
	r, ok := l.part.Next()
	if !ok {
		return block{}, false
	}
	b := block{seq: l.nextSeq, r: r}
	l.nextSeq++
	return b, true
}

// requeue puts b back in front of the partitioner.
func (l *ledger) requeue(b block) {
	l.pending = append(l.pending, b)
	l.requeued++
}

// record notes that b was delivered to worker. A block is recorded at most
// once.
func (l *ledger) record(b block, worker keysearch.RoleID) (Assignment, error) {
	if !l.dispatched.CheckedAdd(b.seq) {
		return Assignment{}, fmt.Errorf("orchestrator: block %d %s dispatched twice", b.seq, b.r)
	}
	a := Assignment{Seq: b.seq, Worker: worker, Range: b.r}
	l.assignments = append(l.assignments, a)
	return a, nil
}

// abandon forgets a delivered block so it can be handed out again.
func (l *ledger) abandon(a Assignment) {
	l.dispatched.Remove(a.Seq)
	l.requeue(block{seq: a.Seq, r: a.Range})
}

func (l *ledger) complete(a Assignment) { l.completed.Add(a.Seq) }

// exhausted reports whether nothing is left to hand out.
func (l *ledger) exhausted() bool {
	return len(l.pending) == 0 && l.part.Remaining() == 0
}

// completedKeys sums the sizes of completed blocks.
func (l *ledger) completedKeys() uint64 {
	var n uint64
	counted := roaring64.NewBitmap()
	for _, a := range l.assignments {
		if l.completed.Contains(a.Seq) && counted.CheckedAdd(a.Seq) {
			n += a.Range.Len()
		}
	}
	return n
}
