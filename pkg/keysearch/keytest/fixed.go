package keytest

import "github.com/coinbase/cb-keysearch-go/pkg/keysearch"

// Fixed confirms exactly one key. Keys listed in FalsePositives pass the
// heuristic but fail confirmation. The buffers are ignored.
type Fixed struct {
	Key            uint64
	FalsePositives map[uint64]bool
}

// Heuristic implements keysearch.KeyTester.
func (f Fixed) Heuristic(key uint64, _ []byte) bool {
	return key == f.Key || f.FalsePositives[key]
}

// Confirm implements keysearch.KeyTester.
func (f Fixed) Confirm(key uint64, _, _ []byte) bool {
	return key == f.Key
}

// None is a tester that never matches.
type None struct{}

func (None) Heuristic(uint64, []byte) bool        { return false }
func (None) Confirm(uint64, []byte, []byte) bool { return false }

var (
	_ keysearch.KeyTester = Fixed{}
	_ keysearch.KeyTester = None{}
)
