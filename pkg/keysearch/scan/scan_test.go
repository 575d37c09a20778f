package scan

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coinbase/cb-keysearch-go/pkg/keysearch"
)

func TestScanFindsKey(t *testing.T) {
	for _, units := range []int{1, 2, 3, 8, 64} {
		s := Scanner{Units: units, CheckEvery: 16}
		r := keysearch.KeyRange{Lower: 1000, Upper: 5000}
		res := s.Scan(context.Background(), r, nil, func(k uint64) bool { return k == 4321 })
		require.True(t, res.Found, "units=%d", units)
		require.EqualValues(t, 4321, res.Key)
		require.False(t, res.Cancelled)
		require.LessOrEqual(t, res.Tested, r.Len())
	}
}

func TestScanExhaustsBlock(t *testing.T) {
	var seen sync.Map
	var dups atomic.Int64
	s := Scanner{Units: 4, CheckEvery: 3}
	r := keysearch.KeyRange{Lower: 10, Upper: 1010}
	res := s.Scan(context.Background(), r, nil, func(k uint64) bool {
		if _, dup := seen.LoadOrStore(k, struct{}{}); dup {
			dups.Add(1)
		}
		return false
	})
	require.Zero(t, dups.Load(), "keys tested twice")
	require.False(t, res.Found)
	require.False(t, res.Cancelled)
	require.EqualValues(t, 1000, res.Tested)

	count := 0
	seen.Range(func(_, _ any) bool { count++; return true })
	require.Equal(t, 1000, count)
}

func TestScanSingleResultWithManyMatches(t *testing.T) {
	s := Scanner{Units: 8, CheckEvery: 1}
	r := keysearch.KeyRange{Lower: 0, Upper: 800}
	// Every sub-range contains matches; only one key may come back.
	res := s.Scan(context.Background(), r, nil, func(k uint64) bool { return k%100 == 50 })
	require.True(t, res.Found)
	require.EqualValues(t, 50, res.Key%100)
}

func TestScanStopsOnExternalFlag(t *testing.T) {
	const every = 32
	stop := &Flag{}
	var calls atomic.Uint64
	started := make(chan struct{})
	var once sync.Once

	s := Scanner{Units: 4, CheckEvery: every}
	done := make(chan Result, 1)
	go func() {
		done <- s.Scan(context.Background(), keysearch.KeyRange{Upper: 1 << 40}, stop, func(uint64) bool {
			once.Do(func() { close(started) })
			calls.Add(1)
			return false
		})
	}()

	<-started
	stop.Set()
	var res Result
	select {
	case res = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("scan ignored the stop flag")
	}
	require.True(t, res.Cancelled)
	require.False(t, res.Found)

	require.Equal(t, calls.Load(), res.Tested)
}

func TestScanHonoursPreSetFlag(t *testing.T) {
	stop := &Flag{}
	stop.Set()
	var calls atomic.Int64
	res := Scanner{Units: 2, CheckEvery: 100}.Scan(context.Background(), keysearch.KeyRange{Upper: 1000}, stop, func(uint64) bool {
		calls.Add(1)
		return false
	})
	require.True(t, res.Cancelled)
	require.Zero(t, res.Tested)
	require.Zero(t, calls.Load())
}

func TestScanStopsOnContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var n atomic.Uint64
	res := Scanner{Units: 2, CheckEvery: 8}.Scan(ctx, keysearch.KeyRange{Upper: 1 << 40}, nil, func(uint64) bool {
		if n.Add(1) == 1000 {
			cancel()
		}
		return false
	})
	require.True(t, res.Cancelled)
	require.Less(t, res.Tested, uint64(1<<40))
}

func TestScanEmptyRange(t *testing.T) {
	res := Scanner{}.Scan(context.Background(), keysearch.KeyRange{Lower: 5, Upper: 5}, nil, func(uint64) bool { return true })
	require.False(t, res.Found)
	require.Zero(t, res.Tested)
}

func TestScanNearTopOfKeySpace(t *testing.T) {
	const top = ^uint64(0)
	r := keysearch.KeyRange{Lower: top - 100, Upper: top}
	res := Scanner{Units: 3, CheckEvery: 7}.Scan(context.Background(), r, nil, func(k uint64) bool { return k == top-1 })
	require.True(t, res.Found)
	require.Equal(t, top-1, res.Key)
}
