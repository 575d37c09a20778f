// Package cluster runs a complete search in one process: an orchestrator and
// a set of worker agents connected through an in-memory network.
package cluster

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/coinbase/cb-keysearch-go/pkg/keysearch"
	"github.com/coinbase/cb-keysearch-go/pkg/keysearch/keytest"
	"github.com/coinbase/cb-keysearch-go/pkg/keysearch/logging"
	"github.com/coinbase/cb-keysearch-go/pkg/keysearch/mocknet"
	"github.com/coinbase/cb-keysearch-go/pkg/keysearch/orchestrator"
	"github.com/coinbase/cb-keysearch-go/pkg/keysearch/worker"
)

// Options configures a local run.
type Options struct {
	Config keysearch.Config
	// Workers is the number of worker agents.
	Workers int
	// Units is the scan fan-out degree of every worker.
	Units int
	// Tester checks keys on the workers. Nil selects a DES tester derived from
	// the problem.
	Tester keysearch.KeyTester
	// Verify makes the orchestrator re-confirm reported keys.
	Verify bool
	// Tick bounds the orchestrator's event wait; see orchestrator.Config.
	Tick time.Duration

	Logger  logging.Logger
	Metrics keysearch.MetricsCollector
	Clock   keysearch.Clock
}

// Report summarizes a local run.
type Report struct {
	Outcome      keysearch.Outcome
	Range        keysearch.KeyRange
	Orchestrator orchestrator.Result
	Workers      []worker.Stats

	// Tested is the total number of keys tested by all workers.
	Tested        uint64
	Elapsed       time.Duration
	KeysPerSecond float64
	// Recovered is the decrypted ciphertext when a key was found.
	Recovered []byte
}

// Search runs the orchestrator and opts.Workers agents until the outcome
// resolves.
func Search(ctx context.Context, p keysearch.Problem, opts Options) (Report, error) {
	if opts.Workers < 1 {
		return Report{}, keysearch.ErrNoWorkers
	}
	clock := opts.Clock
	if clock == nil {
		clock = keysearch.SystemClock{}
	}
	log := logging.OrDiscard(opts.Logger)
	metrics := opts.Metrics
	if metrics == nil {
		metrics = keysearch.NoopMetricsCollector{}
	}

	ids := make([]keysearch.RoleID, opts.Workers)
	for i := range ids {
		id, err := keysearch.RoleFromIndex(i + 1)
		if err != nil {
			return Report{}, err
		}
		ids[i] = id
	}
	ocfg, err := orchestrator.ConfigFrom(opts.Config, ids)
	if err != nil {
		return Report{}, err
	}
	ocfg.Tick = opts.Tick
	ocfg.Logger = log
	ocfg.Metrics = metrics
	ocfg.Clock = clock
	if opts.Verify {
		if opts.Tester != nil {
			ocfg.Verify = opts.Tester
		} else {
			ocfg.Verify = keytest.ForProblem(p)
		}
	}

	net := mocknet.New()
	orchEP, eps := net.Star(ids)
	defer func() {
		_ = orchEP.Close()
		for _, ep := range eps {
			_ = ep.Close()
		}
	}()

	orch, err := orchestrator.New(orchEP, ocfg)
	if err != nil {
		return Report{}, err
	}
	agents := make([]*worker.Agent, len(eps))
	for i, ep := range eps {
		agents[i], err = worker.New(ep, worker.Config{
			Self:         ids[i],
			Orchestrator: keysearch.OrchestratorRole,
			Tester:       opts.Tester,
			Units:        opts.Units,
			PollInterval: opts.Config.PollInterval,
			Logger:       log,
			Metrics:      metrics,
			Clock:        clock,
		})
		if err != nil {
			return Report{}, err
		}
	}

	start := clock.Now()
	var (
		ores  orchestrator.Result
		stats = make([]worker.Stats, len(agents))
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		ores, err = orch.Run(gctx, p)
		return err
	})
	for i, a := range agents {
		g.Go(func() error {
			s, err := a.Run(gctx)
			stats[i] = s
			if err != nil && gctx.Err() != nil && errors.Is(err, gctx.Err()) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("cluster: worker %d: %w", ids[i], err)
			}
			return nil
		})
	}
	err = g.Wait()

	rep := Summarize(p, ores, stats, keysearch.Elapsed(clock, start))
	if err != nil {
		return rep, err
	}
	log.Info(ctx, "local search complete",
		"outcome", rep.Outcome.String(),
		"tested", rep.Tested,
		"elapsed", rep.Elapsed,
		"keys_per_second", rep.KeysPerSecond,
	)
	return rep, nil
}

// Summarize builds a Report from an orchestrator result and whatever worker
// statistics are available. Without worker statistics, as in a distributed
// run, Tested falls back to the keys of completed blocks.
func Summarize(p keysearch.Problem, res orchestrator.Result, stats []worker.Stats, elapsed time.Duration) Report {
	rep := Report{
		Outcome:      res.Outcome,
		Range:        res.Range,
		Orchestrator: res,
		Workers:      stats,
		Elapsed:      elapsed,
	}
	for _, s := range stats {
		rep.Tested += s.Tested
	}
	if stats == nil {
		rep.Tested = res.CompletedKeys
	}
	if secs := rep.Elapsed.Seconds(); secs > 0 {
		rep.KeysPerSecond = float64(rep.Tested) / secs
	}
	if rep.Outcome.Kind == keysearch.Found {
		if text, err := keytest.Recover(rep.Outcome.Key, p); err == nil {
			rep.Recovered = text
		}
	}
	return rep
}
