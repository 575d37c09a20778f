package cluster

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coinbase/cb-keysearch-go/pkg/keysearch"
	"github.com/coinbase/cb-keysearch-go/pkg/keysearch/keytest"
	"github.com/coinbase/cb-keysearch-go/pkg/keysearch/orchestrator"
	"github.com/coinbase/cb-keysearch-go/pkg/keysearch/worker"
)

func staticConfig(count uint64) keysearch.Config {
	cfg := keysearch.DefaultConfig()
	cfg.RangeCount = count
	cfg.InitialChunk = 64
	cfg.MinChunk = 64
	cfg.Factor = 1
	cfg.PollInterval = 16
	return cfg
}

var dummy = keysearch.Problem{Ciphertext: make([]byte, 8), Plaintext: make([]byte, 8)}

func TestPlantedKeyStaticPartition(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	rep, err := Search(ctx, dummy, Options{
		Config:  staticConfig(1024),
		Workers: 4,
		Units:   1,
		Tester:  keytest.Fixed{Key: 777},
		Tick:    5 * time.Millisecond,
	})
	require.NoError(t, err)
	require.Equal(t, keysearch.Found, rep.Outcome.Kind)
	require.EqualValues(t, 777, rep.Outcome.Key)

	for _, a := range rep.Orchestrator.Assignments {
		if a.Range.Contains(777) {
			require.Equal(t, a.Worker, rep.Outcome.Reporter)
		}
	}
	require.Len(t, rep.Workers, 4)
	require.Positive(t, rep.Tested)
	require.LessOrEqual(t, rep.Tested, uint64(1024))
}

func TestExhaustedAdaptive(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cfg := keysearch.DefaultConfig()
	cfg.StartKey = 1 << 20
	cfg.RangeCount = 50000
	cfg.InitialChunk = 100
	cfg.MinChunk = 10
	cfg.PollInterval = 32

	rep, err := Search(ctx, dummy, Options{Config: cfg, Workers: 3, Units: 2, Tester: keytest.None{}})
	require.NoError(t, err)
	require.Equal(t, keysearch.Exhausted, rep.Outcome.Kind)
	require.EqualValues(t, 50000, rep.Tested)
	require.EqualValues(t, 50000, rep.Orchestrator.CompletedKeys)
	require.Equal(t, keysearch.KeyRange{Lower: 1 << 20, Upper: 1<<20 + 50000}, rep.Range)
	require.Nil(t, rep.Recovered)

	sizes := map[uint64]bool{}
	for _, a := range rep.Orchestrator.Assignments {
		sizes[a.Range.Len()] = true
	}
	require.Greater(t, len(sizes), 1, "adaptive run never changed block size")
}

func TestDESEndToEnd(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	const planted = 3001
	msg := "the eagle lands at midnight"
	p, err := keytest.NewProblem([]byte(msg), planted, []byte("eagle"))
	require.NoError(t, err)

	cfg := keysearch.DefaultConfig()
	cfg.RangeCount = 4096
	cfg.InitialChunk = 256
	cfg.MinChunk = 128
	cfg.PollInterval = 64

	rep, err := Search(ctx, p, Options{Config: cfg, Workers: 2, Units: 2, Verify: true})
	require.NoError(t, err)
	require.Equal(t, keysearch.Found, rep.Outcome.Kind)
	require.True(t, keytest.Equivalent(rep.Outcome.Key, planted), "key %d", rep.Outcome.Key)
	require.Equal(t, msg, string(rep.Recovered))
	require.Zero(t, rep.Orchestrator.Rejected)
}

func TestTimeout(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cfg := staticConfig(0)
	cfg.RangeBits = 40
	cfg.InitialChunk = 1 << 30
	cfg.MinChunk = 1 << 30
	cfg.Timeout = 100 * time.Millisecond

	rep, err := Search(ctx, dummy, Options{Config: cfg, Workers: 2, Units: 1, Tester: keytest.None{}, Tick: 10 * time.Millisecond})
	require.NoError(t, err)
	require.Equal(t, keysearch.TimedOut, rep.Outcome.Kind)
	for _, s := range rep.Workers {
		require.Equal(t, keysearch.ReasonTimedOut, s.Reason)
	}
	require.Less(t, rep.Elapsed, 5*time.Second)
}

func TestSearchValidates(t *testing.T) {
	_, err := Search(context.Background(), dummy, Options{Config: keysearch.DefaultConfig()})
	require.ErrorIs(t, err, keysearch.ErrNoWorkers)

	cfg := keysearch.DefaultConfig()
	cfg.Factor = 0.1
	_, err = Search(context.Background(), dummy, Options{Config: cfg, Workers: 1})
	require.ErrorIs(t, err, keysearch.ErrInvalidFactor)
}

func TestCancelledSearch(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	cfg := staticConfig(0)
	cfg.RangeBits = 50
	cfg.InitialChunk = 1 << 40
	cfg.MinChunk = 1 << 40
	_, err := Search(ctx, dummy, Options{Config: cfg, Workers: 2, Tester: keytest.None{}, Tick: 5 * time.Millisecond})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSummarizeWithoutWorkerStats(t *testing.T) {
	p, err := keytest.NewProblem([]byte("the summary"), 42, nil)
	require.NoError(t, err)
	res := orchestrator.Result{
		Outcome:       keysearch.Outcome{Kind: keysearch.Found, Key: 42, Reporter: 1},
		Range:         keysearch.KeyRange{Upper: 100},
		CompletedKeys: 60,
	}
	rep := Summarize(p, res, nil, 2*time.Second)
	require.EqualValues(t, 60, rep.Tested)
	require.InDelta(t, 30, rep.KeysPerSecond, 1e-9)
	require.Equal(t, []byte("the summary"), rep.Recovered)
	require.Equal(t, res.Range, rep.Range)

	rep = Summarize(p, res, []worker.Stats{{Tested: 5}, {Tested: 7}}, 0)
	require.EqualValues(t, 12, rep.Tested)
	require.Zero(t, rep.KeysPerSecond)
}
