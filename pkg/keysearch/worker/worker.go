// Package worker implements the agent that runs on every non-orchestrator
// party: it receives the problem, scans the blocks it is handed and reports
// the first confirmed key.
package worker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/coinbase/cb-keysearch-go/pkg/keysearch"
	"github.com/coinbase/cb-keysearch-go/pkg/keysearch/keytest"
	"github.com/coinbase/cb-keysearch-go/pkg/keysearch/logging"
	"github.com/coinbase/cb-keysearch-go/pkg/keysearch/scan"
)

// Config controls one agent.
type Config struct {
	// Self is this worker's role. It must differ from Orchestrator.
	Self keysearch.RoleID
	// Orchestrator is the only party whose messages are honoured.
	Orchestrator keysearch.RoleID

	// Tester checks candidate keys. When nil the agent derives a DES tester
	// from the received problem.
	Tester keysearch.KeyTester

	// Units is the local fan-out degree; see scan.Scanner.
	Units int
	// PollInterval is the number of keys between stop-flag checks.
	PollInterval uint64

	Logger  logging.Logger
	Metrics keysearch.MetricsCollector
	Clock   keysearch.Clock
}

// Stats summarizes one agent run.
type Stats struct {
	Worker         keysearch.RoleID
	Tested         uint64
	Blocks         uint64
	FalsePositives uint64
	Found          bool
	Key            uint64
	// Notice is the terminal message kind observed, if any, and Reason its
	// terminate reason.
	Notice keysearch.MessageKind
	Reason keysearch.TerminateReason
}

// Agent is the worker state machine. Run may be called once.
type Agent struct {
	t       keysearch.Transport
	cfg     Config
	log     logging.Logger
	metrics keysearch.MetricsCollector
	clock   keysearch.Clock
	scanner scan.Scanner

	state atomic.Uint32
	stop  scan.Flag
}

// New validates cfg and returns an idle agent.
func New(t keysearch.Transport, cfg Config) (*Agent, error) {
	if t == nil {
		return nil, keysearch.ErrNilTransport
	}
	if cfg.Self == cfg.Orchestrator {
		return nil, fmt.Errorf("worker: role %d is the orchestrator role", cfg.Self)
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = keysearch.DefaultPollInterval
	}
	if cfg.Metrics == nil {
		cfg.Metrics = keysearch.NoopMetricsCollector{}
	}
	if cfg.Clock == nil {
		cfg.Clock = keysearch.SystemClock{}
	}
	a := &Agent{
		t:       t,
		cfg:     cfg,
		log:     logging.OrDiscard(cfg.Logger).With("worker", cfg.Self),
		metrics: cfg.Metrics,
		clock:   cfg.Clock,
		scanner: scan.Scanner{Units: cfg.Units, CheckEvery: cfg.PollInterval},
	}
	a.state.Store(uint32(keysearch.WorkerIdle))
	return a, nil
}

// State returns the current lifecycle state. It is safe to call concurrently
// with Run.
func (a *Agent) State() keysearch.WorkerState {
	return keysearch.WorkerState(a.state.Load())
}

func (a *Agent) setState(s keysearch.WorkerState) { a.state.Store(uint32(s)) }

// Run drives the agent until the orchestrator ends its lifecycle, a key is
// reported, ctx is done or the transport fails.
func (a *Agent) Run(ctx context.Context) (Stats, error) {
	stats := Stats{Worker: a.cfg.Self}
	defer a.setState(keysearch.WorkerTerminated)

	ctx, cancel := context.WithCancel(ctx)
	inbox := make(chan keysearch.Message, 16)
	errc := make(chan error, 1)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.pump(ctx, inbox, errc)
	}()
	defer func() {
		cancel()
		wg.Wait()
	}()

	var (
		problem keysearch.Problem
		tester  keysearch.KeyTester
	)
	for {
		m, err := a.next(ctx, inbox, errc)
		if err != nil {
			return stats, err
		}
		switch m.Kind {
		case keysearch.MsgProblem:
			if tester != nil {
				a.log.Warn(ctx, "duplicate problem ignored")
				continue
			}
			problem = m.Problem
			tester = a.cfg.Tester
			if tester == nil {
				tester = keytest.ForProblem(problem)
			}
			a.log.Debug(ctx, "problem received", "ciphertext_len", len(problem.Ciphertext), logging.Redacted("plaintext"))

		case keysearch.MsgWorkBlock:
			if tester == nil {
				return stats, fmt.Errorf("worker: block %s before problem: %w", m.Block, keysearch.ErrMalformedMessage)
			}
			a.setState(keysearch.WorkerAssigned)
			res, err := a.scanBlock(ctx, m.Block, problem, tester, &stats)
			if err != nil {
				return stats, err
			}
			if res.Found {
				stats.Found = true
				stats.Key = res.Key
				a.setState(keysearch.WorkerReporting)
				a.log.Info(ctx, "key found", "key", res.Key, "block", m.Block.String())
				if err := keysearch.SendMessage(ctx, a.t, a.cfg.Orchestrator, keysearch.FoundCandidateMessage(res.Key)); err != nil {
					return stats, fmt.Errorf("worker: report key: %w", err)
				}
				return stats, nil
			}
			if a.stop.IsSet() {
				// The terminal message that raised the flag is waiting in the inbox.
				continue
			}
			a.setState(keysearch.WorkerIdle)
			if err := keysearch.SendMessage(ctx, a.t, a.cfg.Orchestrator, keysearch.WorkRequestMessage(a.cfg.Self)); err != nil {
				err = a.settle(ctx, inbox, errc, &stats, fmt.Errorf("worker: request work: %w", err))
				return stats, err
			}

		case keysearch.MsgTerminate, keysearch.MsgFoundBroadcast:
			stats.Notice = m.Kind
			stats.Reason = m.Reason
			a.log.Debug(ctx, "terminated", "notice", m.Kind.String(), "reason", m.Reason.String(), "tested", stats.Tested)
			return stats, nil

		default:
			a.log.Warn(ctx, "unexpected message ignored", "kind", m.Kind.String())
		}
	}
}

func (a *Agent) next(ctx context.Context, inbox <-chan keysearch.Message, errc <-chan error) (keysearch.Message, error) {
	select {
	case m := <-inbox:
		return m, nil
	default:
	}
	select {
	case m := <-inbox:
		return m, nil
	case err := <-errc:
		return keysearch.Message{}, fmt.Errorf("worker: receive: %w", err)
	case <-ctx.Done():
		return keysearch.Message{}, ctx.Err()
	}
}

// settle runs after a failed send. An orchestrator that finished the search
// may close its side before the worker has read the terminal notice; that
// notice clears the failure. Anything else returns sendErr.
func (a *Agent) settle(ctx context.Context, inbox <-chan keysearch.Message, errc <-chan error, stats *Stats, sendErr error) error {
	for {
		m, err := a.next(ctx, inbox, errc)
		if err != nil {
			return sendErr
		}
		if m.Terminal() {
			stats.Notice = m.Kind
			stats.Reason = m.Reason
			return nil
		}
	}
}

// pump forwards decoded orchestrator messages to inbox. Terminal messages
// raise the stop flag before they are queued.
func (a *Agent) pump(ctx context.Context, inbox chan<- keysearch.Message, errc chan<- error) {
	for {
		env, err := a.t.Receive(ctx)
		if err != nil {
			if ctx.Err() == nil {
				errc <- err
			}
			return
		}
		if env.From != a.cfg.Orchestrator {
			a.log.Warn(ctx, "message from non-orchestrator dropped", "from", env.From)
			continue
		}
		m, err := keysearch.ParseMessage(env.Payload)
		if err != nil {
			a.log.Warn(ctx, "undecodable message dropped", "error", err)
			continue
		}
		if m.Terminal() {
			a.stop.Set()
		}
		select {
		case inbox <- m:
		case <-ctx.Done():
			return
		}
	}
}

func (a *Agent) scanBlock(ctx context.Context, block keysearch.KeyRange, p keysearch.Problem, tester keysearch.KeyTester, stats *Stats) (scan.Result, error) {
	var falsePositives atomic.Uint64
	start := a.clock.Now()
	res := a.scanner.Scan(ctx, block, &a.stop, func(k uint64) bool {
		if !tester.Heuristic(k, p.Ciphertext) {
			return false
		}
		if tester.Confirm(k, p.Plaintext, p.Ciphertext) {
			return true
		}
		falsePositives.Add(1)
		a.metrics.RecordFalsePositive(a.cfg.Self)
		return false
	})
	elapsed := keysearch.Elapsed(a.clock, start)

	stats.Tested += res.Tested
	stats.Blocks++
	stats.FalsePositives += falsePositives.Load()
	a.metrics.RecordBlock(a.cfg.Self, res.Tested, elapsed)
	a.log.Debug(ctx, "block scanned", "block", block.String(), "tested", res.Tested, "found", res.Found, "cancelled", res.Cancelled, "elapsed", elapsed)

	if !res.Found && ctx.Err() != nil {
		return res, ctx.Err()
	}
	return res, nil
}
