package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"golang.org/x/time/rate"

	"github.com/coinbase/cb-keysearch-go/pkg/keysearch"
	"github.com/coinbase/cb-keysearch-go/pkg/keysearch/logging"
	"github.com/coinbase/cb-keysearch-go/pkg/keysearch/partition"
)

// DefaultTick bounds a single wait for the next event.
const DefaultTick = 50 * time.Millisecond

// maxBatch caps the number of events drained after one wait.
const maxBatch = 64

// abortGrace bounds the best-effort Terminate(Aborted) fan-out after ctx is
// cancelled.
const abortGrace = time.Second

// Config controls one orchestrator run.
type Config struct {
	// Workers lists the worker roles. None may be keysearch.OrchestratorRole.
	Workers []keysearch.RoleID
	// Range is the key range to cover.
	Range keysearch.KeyRange
	// Policy sizes the blocks. A zero Policy.Workers is set to len(Workers).
	Policy partition.Policy

	// Timeout is the optional wall-clock limit. Zero disables it.
	Timeout time.Duration
	// Tick bounds a single wait for the next event. Zero selects DefaultTick.
	Tick time.Duration

	// Verify, when set, re-checks every reported key before accepting it.
	Verify keysearch.KeyTester

	Logger  logging.Logger
	Metrics keysearch.MetricsCollector
	Clock   keysearch.Clock
}

// ConfigFrom derives an orchestrator configuration from the search
// configuration.
func ConfigFrom(cfg keysearch.Config, workers []keysearch.RoleID) (Config, error) {
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	r, err := cfg.Range()
	if err != nil {
		return Config{}, err
	}
	return Config{
		Workers: workers,
		Range:   r,
		Policy:  partition.PolicyFromConfig(cfg, len(workers)),
		Timeout: cfg.Timeout,
	}, nil
}

// Result is the outcome of Run together with the block ledger.
type Result struct {
	Outcome keysearch.Outcome
	Range   keysearch.KeyRange

	// Assignments lists every successful block dispatch in order.
	Assignments []Assignment
	// Completed holds the Seq of every block whose worker asked for more work.
	Completed *roaring64.Bitmap
	// CompletedKeys is the number of keys in completed blocks.
	CompletedKeys uint64
	// Outstanding lists blocks still in flight when the search stopped.
	Outstanding []Assignment

	Requeued       int
	Rejected       int
	LateCandidates int
	Lost           []keysearch.RoleID
	Elapsed        time.Duration
}

type peer struct {
	id    keysearch.RoleID
	state keysearch.WorkerState
	block Assignment
	busy  bool
	// counted is true while the worker contributes to the active count.
	counted bool
}

// Orchestrator coordinates one search. Run may be called once.
type Orchestrator struct {
	t       keysearch.Transport
	cfg     Config
	log     logging.Logger
	metrics keysearch.MetricsCollector
	clock   keysearch.Clock

	peers  map[keysearch.RoleID]*peer
	order  []*peer
	active int
	ledger *ledger
	slot   keysearch.OutcomeSlot

	problem   keysearch.Problem
	drained   context.Context
	assignLog rate.Sometimes

	rejected int
	late     int
	lost     []keysearch.RoleID
}

// New validates cfg and returns an orchestrator ready to Run.
func New(t keysearch.Transport, cfg Config) (*Orchestrator, error) {
	if t == nil {
		return nil, keysearch.ErrNilTransport
	}
	if len(cfg.Workers) == 0 {
		return nil, keysearch.ErrNoWorkers
	}
	if cfg.Range.Empty() {
		return nil, keysearch.ErrZeroRange
	}
	peers := make(map[keysearch.RoleID]*peer, len(cfg.Workers))
	order := make([]*peer, 0, len(cfg.Workers))
	for _, id := range cfg.Workers {
		if id == keysearch.OrchestratorRole {
			return nil, fmt.Errorf("orchestrator: worker list contains the orchestrator role %d", id)
		}
		if _, dup := peers[id]; dup {
			return nil, fmt.Errorf("orchestrator: duplicate worker %d", id)
		}
		p := &peer{id: id, state: keysearch.WorkerIdle}
		peers[id] = p
		order = append(order, p)
	}
	if cfg.Policy.Workers == 0 {
		cfg.Policy.Workers = len(cfg.Workers)
	}
	part, err := partition.New(cfg.Range, cfg.Policy)
	if err != nil {
		return nil, err
	}
	if cfg.Tick <= 0 {
		cfg.Tick = DefaultTick
	}
	if cfg.Timeout < 0 {
		return nil, fmt.Errorf("orchestrator: negative timeout %s", cfg.Timeout)
	}
	if cfg.Metrics == nil {
		cfg.Metrics = keysearch.NoopMetricsCollector{}
	}
	if cfg.Clock == nil {
		cfg.Clock = keysearch.SystemClock{}
	}
	drained, cancel := context.WithCancel(context.Background())
	cancel()
	return &Orchestrator{
		t:         t,
		cfg:       cfg,
		log:       logging.OrDiscard(cfg.Logger).With("role", "orchestrator"),
		metrics:   cfg.Metrics,
		clock:     cfg.Clock,
		peers:     peers,
		order:     order,
		ledger:    newLedger(part),
		drained:   drained,
		assignLog: rate.Sometimes{First: 8, Interval: time.Second},
	}, nil
}

// Run distributes p and coordinates the workers until the outcome resolves.
// When ctx is cancelled the workers are told to abort and ctx.Err() is
// returned together with the partial result.
func (o *Orchestrator) Run(ctx context.Context, p keysearch.Problem) (Result, error) {
	start := o.clock.Now()
	var deadline time.Time
	if o.cfg.Timeout > 0 {
		deadline = start.Add(o.cfg.Timeout)
	}
	o.problem = p
	o.log.Info(ctx, "search starting",
		"range", o.cfg.Range.String(),
		"workers", len(o.order),
		"initial_chunk", o.ledger.part.ChunkSize(),
		"factor", o.cfg.Policy.Factor,
		"timeout", o.cfg.Timeout,
	)

	err := o.run(ctx, deadline)
	if err == nil {
		o.finish(ctx)
	}
	res := o.result(start)
	if err != nil {
		return res, err
	}
	o.log.Info(ctx, "search finished",
		"outcome", res.Outcome.String(),
		"blocks", len(res.Assignments),
		"completed_keys", res.CompletedKeys,
		"elapsed", res.Elapsed,
	)
	return res, nil
}

func (o *Orchestrator) run(ctx context.Context, deadline time.Time) error {
	for _, p := range o.order {
		if err := o.send(ctx, p, keysearch.ProblemMessage(o.problem)); err != nil {
			o.lose(ctx, p, err)
			continue
		}
		p.counted = true
		o.active++
	}
	for _, p := range o.order {
		if p.state == keysearch.WorkerTerminated {
			continue
		}
		if err := o.dispatch(ctx, p); err != nil {
			return err
		}
	}

	for o.active > 0 && !o.slot.Outcome().Terminal() {
		wait := o.cfg.Tick
		if !deadline.IsZero() {
			left := deadline.Sub(o.clock.Now())
			if left <= 0 {
				o.timeout(ctx)
				break
			}
			wait = min(wait, left)
		}
		batch, err := o.collect(ctx, wait)
		if err != nil {
			if ctx.Err() != nil {
				o.abort(ctx)
				return ctx.Err()
			}
			return err
		}
		if err := o.handle(ctx, batch); err != nil {
			return err
		}
	}

	if o.slot.Outcome().Terminal() {
		return nil
	}
	if o.ledger.exhausted() {
		o.slot.Resolve(keysearch.Outcome{Kind: keysearch.Exhausted})
		return nil
	}
	o.log.Error(ctx, "every worker lost with work remaining", "remaining", o.ledger.part.Remaining(), "lost", len(o.lost))
	return keysearch.ErrNoWorkers
}

type event struct {
	from keysearch.RoleID
	msg  keysearch.Message
}

// collect waits up to wait for one event and then drains what is already
// queued. A quiet wait yields an empty batch.
func (o *Orchestrator) collect(ctx context.Context, wait time.Duration) ([]event, error) {
	wctx, cancel := context.WithTimeout(ctx, wait)
	env, err := o.t.Receive(wctx)
	cancel()
	if err != nil {
		if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			return nil, nil
		}
		return nil, fmt.Errorf("orchestrator: receive: %w", err)
	}
	var batch []event
	batch = o.appendEvent(ctx, batch, env)
	for len(batch) < maxBatch {
		env, err := o.t.Receive(o.drained)
		if err != nil {
			break
		}
		batch = o.appendEvent(ctx, batch, env)
	}
	return batch, nil
}

func (o *Orchestrator) appendEvent(ctx context.Context, batch []event, env keysearch.Envelope) []event {
	if _, ok := o.peers[env.From]; !ok {
		o.log.Warn(ctx, "message from unknown party dropped", "from", env.From)
		return batch
	}
	m, err := keysearch.ParseMessage(env.Payload)
	if err != nil {
		o.log.Warn(ctx, "undecodable message dropped", "from", env.From, "error", err)
		return batch
	}
	return append(batch, event{from: env.From, msg: m})
}

// handle applies one batch: found candidates first, then work requests.
func (o *Orchestrator) handle(ctx context.Context, batch []event) error {
	for _, ev := range batch {
		if ev.msg.Kind != keysearch.MsgFoundCandidate {
			continue
		}
		if o.slot.Outcome().Terminal() {
			o.lateCandidate(ctx, ev)
			continue
		}
		o.candidate(ctx, o.peers[ev.from], ev.msg.Key)
	}
	for _, ev := range batch {
		switch ev.msg.Kind {
		case keysearch.MsgFoundCandidate:
		case keysearch.MsgWorkRequest:
			if o.slot.Outcome().Terminal() {
				continue
			}
			if err := o.request(ctx, o.peers[ev.from]); err != nil {
				return err
			}
		default:
			o.log.Warn(ctx, "unexpected message from worker", "from", ev.from, "kind", ev.msg.Kind.String())
		}
	}
	return nil
}

func (o *Orchestrator) request(ctx context.Context, p *peer) error {
	if p.state == keysearch.WorkerTerminated {
		o.log.Debug(ctx, "work request from retired worker ignored", "worker", p.id)
		return nil
	}
	if p.busy {
		o.ledger.complete(p.block)
		p.busy = false
	}
	p.state = keysearch.WorkerIdle
	return o.dispatch(ctx, p)
}

// dispatch hands p its next block, or retires it when nothing is left.
func (o *Orchestrator) dispatch(ctx context.Context, p *peer) error {
	b, ok := o.ledger.draw()
	if !ok {
		o.retire(ctx, p, keysearch.ReasonExhausted)
		return nil
	}
	if err := o.send(ctx, p, keysearch.WorkBlockMessage(b.r)); err != nil {
		o.ledger.requeue(b)
		o.lose(ctx, p, err)
		return nil
	}
	a, err := o.ledger.record(b, p.id)
	if err != nil {
		return err
	}
	p.block = a
	p.busy = true
	p.state = keysearch.WorkerAssigned
	o.metrics.RecordAssignment(p.id, b.r.Len())
	o.assignLog.Do(func() {
		o.log.Info(ctx, "block assigned",
			"worker", p.id,
			"seq", a.Seq,
			"block", b.r.String(),
			"next_chunk", o.ledger.part.ChunkSize(),
			"remaining", o.ledger.part.Remaining(),
		)
	})
	return nil
}

func (o *Orchestrator) candidate(ctx context.Context, p *peer, key uint64) {
	if o.cfg.Verify != nil && !o.cfg.Verify.Confirm(key, o.problem.Plaintext, o.problem.Ciphertext) {
		o.rejected++
		o.log.Warn(ctx, "unconfirmed key rejected", "worker", p.id, "key", key)
		if p.busy {
			o.ledger.abandon(p.block)
			p.busy = false
		}
		o.retire(ctx, p, keysearch.ReasonAborted)
		return
	}
	o.slot.Resolve(keysearch.Outcome{Kind: keysearch.Found, Key: key, Reporter: p.id})
	o.log.Info(ctx, "key found", "key", key, "reporter", p.id)

	// The reporter stops on its own after sending the candidate.
	o.deactivate(p)
	for _, q := range o.order {
		if q.state == keysearch.WorkerTerminated {
			continue
		}
		if err := o.send(ctx, q, keysearch.FoundBroadcastMessage(key)); err != nil {
			o.log.Warn(ctx, "found broadcast failed", "worker", q.id, "error", err)
		}
		o.deactivate(q)
	}
}

func (o *Orchestrator) lateCandidate(ctx context.Context, ev event) {
	o.late++
	o.metrics.RecordLateCandidate(ev.from)
	o.log.Debug(ctx, "late candidate ignored", "worker", ev.from, "key", ev.msg.Key)
}

func (o *Orchestrator) timeout(ctx context.Context) {
	o.slot.Resolve(keysearch.Outcome{Kind: keysearch.TimedOut})
	o.log.Warn(ctx, "search timed out", "timeout", o.cfg.Timeout)
	o.terminateAll(ctx, keysearch.ReasonTimedOut)
}

func (o *Orchestrator) abort(ctx context.Context) {
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), abortGrace)
	defer cancel()
	o.log.Warn(ctx, "search aborted", "error", ctx.Err())
	o.terminateAll(sctx, keysearch.ReasonAborted)
}

func (o *Orchestrator) terminateAll(ctx context.Context, reason keysearch.TerminateReason) {
	for _, p := range o.order {
		if p.state == keysearch.WorkerTerminated {
			continue
		}
		o.retire(ctx, p, reason)
	}
}

// retire sends Terminate(reason) to p and removes it from the active set.
func (o *Orchestrator) retire(ctx context.Context, p *peer, reason keysearch.TerminateReason) {
	if err := o.send(ctx, p, keysearch.TerminateMessage(reason)); err != nil {
		o.log.Warn(ctx, "terminate failed", "worker", p.id, "reason", reason.String(), "error", err)
	}
	o.deactivate(p)
}

// lose marks p dead after a failed send.
func (o *Orchestrator) lose(ctx context.Context, p *peer, err error) {
	o.log.Warn(ctx, "worker lost", "worker", p.id, "error", err)
	o.lost = append(o.lost, p.id)
	o.deactivate(p)
}

func (o *Orchestrator) deactivate(p *peer) {
	p.state = keysearch.WorkerTerminated
	if p.counted {
		p.counted = false
		o.active--
	}
}

func (o *Orchestrator) send(ctx context.Context, p *peer, m keysearch.Message) error {
	return keysearch.SendMessage(ctx, o.t, p.id, m)
}

// finish drains events that arrived after the outcome resolved.
func (o *Orchestrator) finish(ctx context.Context) {
	for {
		env, err := o.t.Receive(o.drained)
		if err != nil {
			return
		}
		if _, ok := o.peers[env.From]; !ok {
			continue
		}
		m, err := keysearch.ParseMessage(env.Payload)
		if err != nil || m.Kind != keysearch.MsgFoundCandidate {
			continue
		}
		o.lateCandidate(ctx, event{from: env.From, msg: m})
	}
}

func (o *Orchestrator) result(start time.Time) Result {
	res := Result{
		Outcome:        o.slot.Outcome(),
		Range:          o.cfg.Range,
		Assignments:    o.ledger.assignments,
		Completed:      o.ledger.completed,
		CompletedKeys:  o.ledger.completedKeys(),
		Requeued:       o.ledger.requeued,
		Rejected:       o.rejected,
		LateCandidates: o.late,
		Lost:           o.lost,
		Elapsed:        keysearch.Elapsed(o.clock, start),
	}
	for _, p := range o.order {
		if p.busy && !o.ledger.completed.Contains(p.block.Seq) {
			res.Outstanding = append(res.Outstanding, p.block)
		}
	}
	return res
}
