// Package engine runs decision cycles: search, validate, decide and submit,
// one bounded worker per trigger.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pulkyeet/cycle-searcher/internal/arbitrage"
	"github.com/pulkyeet/cycle-searcher/internal/ingest"
	"github.com/pulkyeet/cycle-searcher/internal/market"
	"github.com/pulkyeet/cycle-searcher/internal/metrics"
	"github.com/pulkyeet/cycle-searcher/internal/relay"
	"github.com/pulkyeet/cycle-searcher/internal/simulator"
	"github.com/pulkyeet/cycle-searcher/internal/storage"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// Finder searches every start token under one budget. *arbitrage.PathFinder
// implements it.
type Finder interface {
	FindBest(ctx context.Context, starts []common.Address, snap *market.Snapshot, pending *arbitrage.PendingAction) (*arbitrage.CandidatePath, error)
}

type Validator interface {
	Validate(ctx context.Context, snap *market.Snapshot, c *arbitrage.CandidatePath, pending *arbitrage.PendingAction) (*simulator.ValidationResult, error)
}

// Recorder persists finished cycles. *storage.Journal implements it.
type Recorder interface {
	Record(r storage.CycleRecord) error
}

type Config struct {
	MaxConcurrency int
	CycleBudget    time.Duration
	StaleRetries   int
}

type Deps struct {
	Store     *market.Store
	Finder    Finder
	Validator Validator
	Policy    *Policy
	Submitter *Submitter
	Journal   Recorder
	Metrics   *metrics.Metrics
	// OnFinish, when set, sees every cycle once it reached a terminal state.
	OnFinish func(*Cycle)
}

// Engine implements ingest.Sink.
type Engine struct {
	cfg      Config
	deps     Deps
	sem      *semaphore.Weighted
	registry *Registry
	log      *zap.SugaredLogger

	base context.Context
	stop context.CancelFunc
	// mu orders wg.Add in Submit against the closed flag set by Close
	mu       sync.Mutex
	closed   bool
	wg       sync.WaitGroup
	inflight atomic.Int64
	now      func() time.Time
}

func New(cfg Config, deps Deps, log *zap.SugaredLogger) *Engine {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 64
	}
	if cfg.CycleBudget <= 0 {
		cfg.CycleBudget = 2 * time.Second
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New()
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	base, stop := context.WithCancel(context.Background())
	return &Engine{
		cfg:      cfg,
		deps:     deps,
		sem:      semaphore.NewWeighted(int64(cfg.MaxConcurrency)),
		registry: NewRegistry(),
		log:      log,
		base:     base,
		stop:     stop,
		now:      time.Now,
	}
}

// Submit starts a cycle for t if a worker is free. It never blocks; false
// means the trigger was dropped.
func (e *Engine) Submit(t ingest.Trigger) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed || !e.sem.TryAcquire(1) {
		return false
	}
	e.wg.Add(1)
	e.inflight.Inc()
	go e.run(t)
	return true
}

func (e *Engine) Trigger(t ingest.Trigger) bool { return e.Submit(t) }

func (e *Engine) OnCommit(pools []common.Address) {
	if n := e.registry.CancelPools(pools); n > 0 {
		e.deps.Metrics.CyclesCancelled.Add(float64(n))
		e.log.Debugf("cancelled %d cycles on commit", n)
	}
}

func (e *Engine) OnReorg(height uint64) {
	if n := e.registry.CancelAll(reorgCause(height)); n > 0 {
		e.deps.Metrics.CyclesCancelled.Add(float64(n))
		e.log.Infof("cancelled %d cycles on reorg at %d", n, height)
	}
}

func (e *Engine) CancelAll(reason string) {
	if n := e.registry.CancelAll(cancelCause(reason)); n > 0 {
		e.deps.Metrics.CyclesCancelled.Add(float64(n))
		e.log.Infof("cancelled %d cycles: %s", n, reason)
	}
}

// InFlight is the number of running cycles.
func (e *Engine) InFlight() int64 { return e.inflight.Load() }

// Wait blocks until every started cycle finished, including retriggers.
func (e *Engine) Wait() { e.wg.Wait() }

// Close refuses new triggers, cancels running cycles and waits for them.
func (e *Engine) Close() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.stop()
	e.wg.Wait()
}

func (e *Engine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

func (e *Engine) run(t ingest.Trigger) {
	cy := newCycle(t, e.now())
	defer e.wg.Done()

	e.execute(cy)

	cy.Duration = e.now().Sub(cy.StartedAt)
	e.inflight.Dec()
	e.sem.Release(1)
	e.finish(cy)

	if cy.State == StateStale && t.Attempt < e.cfg.StaleRetries && !e.isClosed() {
		retry := t
		retry.Attempt++
		retry.At = e.now()
		if head, ok := e.deps.Store.Head(); ok {
			retry.Height = head
		}
		if !e.Submit(retry) {
			e.deps.Metrics.TriggersDropped.Inc()
		}
	}
}

func (e *Engine) execute(cy *Cycle) {
	ctx, cancel := context.WithTimeout(e.base, e.cfg.CycleBudget)
	defer cancel()
	deadline, _ := ctx.Deadline()
	ctx = e.registry.Register(ctx, cy.ID)
	defer e.registry.Release(cy.ID)

	t := cy.Trigger
	if !e.step(ctx, cy, StateSearching) {
		return
	}
	snap := e.deps.Store.Snapshot()
	cy.Version = snap.Version

	began := time.Now()
	c, reason := e.search(ctx, snap, t)
	e.deps.Metrics.SearchDuration.Observe(time.Since(began).Seconds())
	if c == nil {
		if e.interrupted(ctx, cy) {
			return
		}
		e.must(cy, StateNotFound, reason)
		return
	}
	cy.Candidate = c
	pools := c.Pools()
	if t.Pending != nil {
		pools = append(pools, t.Pending.Pools...)
	}
	e.registry.Watch(cy.ID, pools)
	if !e.step(ctx, cy, StateFound) || !e.step(ctx, cy, StateValidating) {
		return
	}

	sig := e.deps.Policy.Prefetch(ctx, c.Start)
	began = time.Now()
	res, err := e.deps.Validator.Validate(ctx, snap, c, t.Pending)
	e.deps.Metrics.ValidateDuration.Observe(time.Since(began).Seconds())
	if err != nil {
		if e.interrupted(ctx, cy) {
			return
		}
		e.must(cy, StateUnprofitable, fmt.Sprintf("validation: %v", err))
		return
	}
	cy.Result = res
	switch {
	case res.Stale:
		e.must(cy, StateStale, res.Reason)
		return
	case !res.Profitable:
		e.must(cy, StateUnprofitable, res.Reason)
		return
	}
	reading := <-sig
	if !e.step(ctx, cy, StateProfitable) || !e.step(ctx, cy, StateDeciding) {
		return
	}

	d := e.deps.Policy.Decide(c, res, t.Pending, reading)
	cy.Decision = d
	switch {
	case d.Stale:
		e.must(cy, StateStale, d.Reason)
		return
	case !d.Accept:
		e.must(cy, StateRejected, d.Reason)
		return
	}
	if !e.step(ctx, cy, StateAccepted) {
		return
	}

	// from here only the outcome timeout and shutdown stop the cycle
	e.registry.Detach(cy.ID)
	e.must(cy, StateSubmitting, "")
	sub := e.deps.Submitter.Submit(e.base, c, t.Pending, deadline)
	cy.Submission = sub
	switch sub.Outcome {
	case relay.OutcomeConfirmed:
		e.must(cy, StateConfirmed, "")
	case relay.OutcomeSuperseded:
		e.must(cy, StateSuperseded, "bundle did not land")
	case relay.OutcomeRejected:
		e.must(cy, StateRejected, errString(sub.Err, "relay rejected bundle"))
	default:
		e.must(cy, StateUnknown, errString(sub.Err, "no outcome within the window"))
	}
}

// search runs the finder once over every trigger token; the finder picks
// the candidate with the largest sized profit.
func (e *Engine) search(ctx context.Context, snap *market.Snapshot, t ingest.Trigger) (*arbitrage.CandidatePath, string) {
	c, err := e.deps.Finder.FindBest(ctx, t.Tokens, snap, t.Pending)
	if err != nil {
		if errors.Is(err, arbitrage.ErrBudgetExceeded) {
			return nil, "search budget exceeded"
		}
		return nil, "no cycle through trigger tokens"
	}
	c.Trigger = t.Hash()
	return c, ""
}

// step advances unless the cycle's token was cancelled, in which case the
// cycle ends stale (or not-found while still searching on the budget).
func (e *Engine) step(ctx context.Context, cy *Cycle, next State) bool {
	if e.interrupted(ctx, cy) {
		return false
	}
	e.must(cy, next, "")
	return true
}

func (e *Engine) interrupted(ctx context.Context, cy *Cycle) bool {
	if ctx.Err() == nil {
		return false
	}
	cause := context.Cause(ctx)
	switch {
	case errors.Is(cause, context.DeadlineExceeded) && cy.State == StateSearching:
		e.must(cy, StateNotFound, "cycle budget exceeded")
	case errors.Is(cause, context.DeadlineExceeded) && cy.State == StateValidating:
		e.must(cy, StateUnprofitable, "validation did not finish within the cycle budget")
	default:
		e.must(cy, StateStale, cause.Error())
	}
	return true
}

func (e *Engine) must(cy *Cycle, next State, reason string) {
	if err := cy.advance(next, reason); err != nil {
		e.log.Errorf("%v", err)
	}
}

func (e *Engine) finish(cy *Cycle) {
	e.deps.Metrics.CycleOutcomes.WithLabelValues(cy.State.String()).Inc()
	e.deps.Metrics.CycleDuration.Observe(cy.Duration.Seconds())

	if e.deps.Journal != nil {
		if err := e.deps.Journal.Record(record(cy)); err != nil {
			e.log.Warnf("journal: %v", err)
		}
	}
	if cy.State != StateNotFound {
		e.log.Infof("cycle %s (%s, attempt %d) %s in %s: %s",
			cy.ID, cy.Trigger.Kind, cy.Trigger.Attempt, cy.State, cy.Duration.Round(time.Microsecond), cy.Reason)
	}
	if e.deps.OnFinish != nil {
		e.deps.OnFinish(cy)
	}
}

func record(cy *Cycle) storage.CycleRecord {
	r := storage.CycleRecord{
		ID:        cy.ID.String(),
		Trigger:   cy.Trigger.Hash(),
		Kind:      cy.Trigger.Kind.String(),
		State:     cy.State.String(),
		Reason:    cy.Reason,
		Height:    cy.Version.Height,
		Epoch:     cy.Version.Epoch,
		StartedAt: cy.StartedAt,
		Duration:  cy.Duration,
	}
	if c := cy.Candidate; c != nil {
		r.StartToken = c.Start
		r.Path = c.Pools()
		r.AmountIn = c.AmountIn
		r.NetProfit = c.Profit
	}
	if cy.Result != nil && cy.Result.NetProfit != nil {
		r.NetProfit = cy.Result.NetProfit
	}
	if cy.Submission != nil && cy.Submission.Bundle != nil {
		r.BundleID = cy.Submission.Bundle.ID.String()
	}
	return r
}

func errString(err error, fallback string) string {
	if err == nil {
		return fallback
	}
	return err.Error()
}
