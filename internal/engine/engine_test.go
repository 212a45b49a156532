package engine

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pulkyeet/cycle-searcher/internal/arbitrage"
	"github.com/pulkyeet/cycle-searcher/internal/eth"
	"github.com/pulkyeet/cycle-searcher/internal/ingest"
	"github.com/pulkyeet/cycle-searcher/internal/market"
	"github.com/pulkyeet/cycle-searcher/internal/metrics"
	"github.com/pulkyeet/cycle-searcher/internal/relay"
	"github.com/pulkyeet/cycle-searcher/internal/simulator"
	"github.com/pulkyeet/cycle-searcher/internal/storage"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

var (
	tokA = common.HexToAddress("0x000000000000000000000000000000000000000a")
	tokB = common.HexToAddress("0x000000000000000000000000000000000000000b")
	tokC = common.HexToAddress("0x000000000000000000000000000000000000000c")

	poolAB = common.HexToAddress("0x00000000000000000000000000000000000000ab")
	poolBC = common.HexToAddress("0x00000000000000000000000000000000000000bc")
	poolCA = common.HexToAddress("0x00000000000000000000000000000000000000ca")
	poolAW = common.HexToAddress("0x00000000000000000000000000000000000000aa")
)

func ether(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1e18))
}

func upd(pool, t0, t1 common.Address, r0, r1 int64) market.PoolUpdate {
	return market.PoolUpdate{
		Pool: pool, Token0: t0, Token1: t1, DEX: "uniswap",
		Reserve0: ether(r0), Reserve1: ether(r1), FeeNum: 997, FeeDen: 1000,
	}
}

func hash(h uint64) common.Hash { return common.BigToHash(new(big.Int).SetUint64(h)) }

func commit(t *testing.T, s *market.Store, h uint64, updates ...market.PoolUpdate) {
	t.Helper()
	_, err := s.ApplyCommit(market.BlockUpdate{Height: h, Hash: hash(h), ParentHash: hash(h - 1), Updates: updates})
	require.NoError(t, err)
}

// A-B 1:1, B-C 1:1, C-A at caRate/1000, and A-WETH to price gas in A
func scenario(t *testing.T, caRate int64) *market.Store {
	s := market.NewStore(market.DefaultOptions(), nil)
	commit(t, s, 1,
		upd(poolAB, tokA, tokB, 1000, 1000),
		upd(poolBC, tokB, tokC, 1000, 1000),
		upd(poolCA, tokA, tokC, caRate, 1000),
		upd(poolAW, tokA, eth.WETHAddress, 10_000, 1_000_000),
	)
	return s
}

type fakeChannel struct {
	mu        sync.Mutex
	transient int
	reject    bool
	outcome   relay.Outcome
	sent      []*relay.Bundle
	sends     int
}

func (c *fakeChannel) Name() string { return "fake" }

func (c *fakeChannel) SendBundle(ctx context.Context, b *relay.Bundle) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sends++
	if c.reject {
		return "", relay.ErrRejected
	}
	if c.transient > 0 {
		c.transient--
		return "", relay.ErrTransient
	}
	c.sent = append(c.sent, b)
	return "0xbundle", nil
}

func (c *fakeChannel) Status(context.Context, *relay.Bundle) (relay.Outcome, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.outcome, nil
}

func (c *fakeChannel) bundles() []*relay.Bundle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*relay.Bundle(nil), c.sent...)
}

// gatedBackend holds the first simulation until released.
type gatedBackend struct {
	simulator.Backend
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func newGated(inner simulator.Backend) *gatedBackend {
	return &gatedBackend{Backend: inner, entered: make(chan struct{}), release: make(chan struct{})}
}

func (g *gatedBackend) Simulate(ctx context.Context, req simulator.Request) (*simulator.Outcome, error) {
	first := false
	g.once.Do(func() { first = true })
	if first {
		close(g.entered)
		select {
		case <-g.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return g.Backend.Simulate(ctx, req)
}

type fixture struct {
	store   *market.Store
	channel *fakeChannel
	engine  *Engine
	metrics *metrics.Metrics
	db      *storage.DB

	mu     sync.Mutex
	cycles []*Cycle
}

type options struct {
	cfg     Config
	backend simulator.Backend
	sub     SubmitterConfig
}

func defaultOptions() options {
	return options{
		cfg:     Config{MaxConcurrency: 4, CycleBudget: 5 * time.Second},
		backend: &simulator.AMMBackend{SlippageBps: 50, GasBase: 21000, GasPerHop: 90000},
		sub: SubmitterConfig{
			MaxRetries:     3,
			RetryBackoff:   time.Millisecond,
			PollInterval:   5 * time.Millisecond,
			OutcomeTimeout: time.Second,
		},
	}
}

func newFixture(t *testing.T, store *market.Store, opts options) *fixture {
	t.Helper()
	db, err := storage.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	f := &fixture{store: store, channel: &fakeChannel{outcome: relay.OutcomeConfirmed}, metrics: metrics.New(), db: db}
	fcfg := arbitrage.DefaultFinderConfig()
	fcfg.Budget = time.Second
	validator := simulator.NewValidator(store, opts.backend,
		simulator.ValidatorConfig{FreshnessBlocks: 1, GasPrice: big.NewInt(30e9)}, nil)
	submitter, err := NewSubmitter(opts.sub, f.channel, nil, f.metrics, nil)
	require.NoError(t, err)

	f.engine = New(opts.cfg, Deps{
		Store:     store,
		Finder:    arbitrage.NewPathFinder(fcfg),
		Validator: validator,
		Policy:    NewPolicy(PolicyConfig{MinProfitBps: 1}, store, nil),
		Submitter: submitter,
		Journal:   db.Journal(),
		Metrics:   f.metrics,
		OnFinish: func(c *Cycle) {
			f.mu.Lock()
			f.cycles = append(f.cycles, c)
			f.mu.Unlock()
		},
	}, nil)
	t.Cleanup(f.engine.Close)
	return f
}

func (f *fixture) finished() []*Cycle {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Cycle(nil), f.cycles...)
}

func graphTrigger(s *market.Store) ingest.Trigger {
	head, _ := s.Head()
	return ingest.Trigger{Kind: ingest.TriggerGraph, Tokens: []common.Address{tokA}, Height: head, At: time.Now()}
}

func TestProfitableTriangleIsSubmitted(t *testing.T) {
	f := newFixture(t, scenario(t, 1020), defaultOptions())
	require.True(t, f.engine.Submit(graphTrigger(f.store)))
	f.engine.Wait()

	cycles := f.finished()
	require.Len(t, cycles, 1)
	cy := cycles[0]
	require.Equal(t, StateConfirmed, cy.State)
	require.Equal(t, []State{
		StateTriggered, StateSearching, StateFound, StateValidating, StateProfitable,
		StateDeciding, StateAccepted, StateSubmitting, StateConfirmed,
	}, cy.History())
	require.Equal(t, tokA, cy.Candidate.Start)
	require.Positive(t, cy.Result.NetProfit.Sign())

	bundles := f.channel.bundles()
	require.Len(t, bundles, 1)
	require.Len(t, bundles[0].Txs, 3)
	require.EqualValues(t, 2, bundles[0].BlockNumber)

	counts, err := f.db.Journal().Counts()
	require.NoError(t, err)
	require.Equal(t, map[string]int{"confirmed": 1}, counts)
	require.EqualValues(t, 1, testutil.ToFloat64(f.metrics.CycleOutcomes.WithLabelValues("confirmed")))
	require.EqualValues(t, 1, testutil.ToFloat64(f.metrics.SubmissionResults.WithLabelValues("confirmed")))
	require.Zero(t, f.engine.InFlight())
}

func TestUnprofitableTriangleNotFound(t *testing.T) {
	f := newFixture(t, scenario(t, 995), defaultOptions())
	require.True(t, f.engine.Submit(graphTrigger(f.store)))
	f.engine.Wait()

	cycles := f.finished()
	require.Len(t, cycles, 1)
	require.Equal(t, StateNotFound, cycles[0].State)
	require.Empty(t, f.channel.bundles())
}

func TestCommitMidCycleEndsStale(t *testing.T) {
	opts := defaultOptions()
	opts.cfg.StaleRetries = 1
	gated := newGated(opts.backend)
	opts.backend = gated
	store := scenario(t, 1020)
	f := newFixture(t, store, opts)

	require.True(t, f.engine.Submit(graphTrigger(store)))
	<-gated.entered

	// B-C moves against the cycle while it validates
	commit(t, store, 2, upd(poolBC, tokB, tokC, 1000, 980))
	f.engine.OnCommit([]common.Address{poolBC})
	close(gated.release)
	f.engine.Wait()

	cycles := f.finished()
	require.Len(t, cycles, 2)
	require.Equal(t, StateStale, cycles[0].State)
	require.Equal(t, 0, cycles[0].Trigger.Attempt)
	// the fresh retrigger sees the new reserves
	require.Equal(t, StateNotFound, cycles[1].State)
	require.Equal(t, 1, cycles[1].Trigger.Attempt)
	require.EqualValues(t, 2, cycles[1].Version.Height)

	require.Empty(t, f.channel.bundles())
	require.EqualValues(t, 1, testutil.ToFloat64(f.metrics.CyclesCancelled))
}

func TestReorgCancelsCycle(t *testing.T) {
	opts := defaultOptions()
	gated := newGated(opts.backend)
	opts.backend = gated
	f := newFixture(t, scenario(t, 1020), opts)

	require.True(t, f.engine.Submit(graphTrigger(f.store)))
	<-gated.entered
	f.engine.OnReorg(1)
	f.engine.Wait()

	cycles := f.finished()
	require.Len(t, cycles, 1)
	require.Equal(t, StateStale, cycles[0].State)
	require.Contains(t, cycles[0].Reason, "reorganized")
	require.Empty(t, f.channel.bundles())
}

func TestSubmissionTimeoutIsUnknown(t *testing.T) {
	opts := defaultOptions()
	opts.cfg.MaxConcurrency = 1
	opts.sub.OutcomeTimeout = 50 * time.Millisecond
	f := newFixture(t, scenario(t, 1020), opts)
	f.channel.outcome = relay.OutcomePending

	start := time.Now()
	require.True(t, f.engine.Submit(graphTrigger(f.store)))
	f.engine.Wait()
	require.Less(t, time.Since(start), 2*time.Second)

	cycles := f.finished()
	require.Len(t, cycles, 1)
	require.Equal(t, StateUnknown, cycles[0].State)
	require.Zero(t, f.engine.InFlight())

	// the worker is free again
	require.True(t, f.engine.Submit(graphTrigger(f.store)))
	f.engine.Wait()
}

func TestBackpressureDropsTriggers(t *testing.T) {
	opts := defaultOptions()
	opts.cfg.MaxConcurrency = 1
	gated := newGated(opts.backend)
	opts.backend = gated
	f := newFixture(t, scenario(t, 1020), opts)

	require.True(t, f.engine.Submit(graphTrigger(f.store)))
	<-gated.entered
	require.False(t, f.engine.Trigger(graphTrigger(f.store)))
	require.EqualValues(t, 1, f.engine.InFlight())
	close(gated.release)
	f.engine.Wait()
	require.Len(t, f.finished(), 1)
}

func TestTransientRelayErrorsRetried(t *testing.T) {
	f := newFixture(t, scenario(t, 1020), defaultOptions())
	f.channel.transient = 2
	require.True(t, f.engine.Submit(graphTrigger(f.store)))
	f.engine.Wait()

	cy := f.finished()[0]
	require.Equal(t, StateConfirmed, cy.State)
	require.Equal(t, 3, cy.Submission.Attempts)
}

func TestPermanentRelayErrorRejects(t *testing.T) {
	f := newFixture(t, scenario(t, 1020), defaultOptions())
	f.channel.reject = true
	require.True(t, f.engine.Submit(graphTrigger(f.store)))
	f.engine.Wait()

	cy := f.finished()[0]
	require.Equal(t, StateRejected, cy.State)
	require.Equal(t, StateSubmitting, cy.History()[len(cy.History())-2])
	require.Equal(t, 1, f.channel.sends)
}

func TestCloseRefusesTriggers(t *testing.T) {
	f := newFixture(t, scenario(t, 1020), defaultOptions())
	f.engine.Close()
	require.False(t, f.engine.Submit(graphTrigger(f.store)))
}

func TestCloseRacingSubmit(t *testing.T) {
	f := newFixture(t, scenario(t, 1020), defaultOptions())
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				f.engine.Submit(graphTrigger(f.store))
			}
		}()
	}
	f.engine.Close()
	done := len(f.finished())
	require.Zero(t, f.engine.InFlight())

	wg.Wait()
	require.Zero(t, f.engine.InFlight())
	require.Len(t, f.finished(), done, "no cycle ran after Close returned")
}

// startsFinder records the start tokens of every search.
type startsFinder struct {
	mu    sync.Mutex
	calls [][]common.Address
}

func (s *startsFinder) FindBest(_ context.Context, starts []common.Address, _ *market.Snapshot, _ *arbitrage.PendingAction) (*arbitrage.CandidatePath, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, starts)
	return nil, arbitrage.ErrBudgetExceeded
}

func TestSearchIsOneFinderCall(t *testing.T) {
	f := newFixture(t, scenario(t, 1020), defaultOptions())
	finder := &startsFinder{}
	f.engine.deps.Finder = finder

	trigger := graphTrigger(f.store)
	trigger.Tokens = []common.Address{tokA, tokB, tokC}
	require.True(t, f.engine.Submit(trigger))
	f.engine.Wait()

	require.Equal(t, [][]common.Address{{tokA, tokB, tokC}}, finder.calls)
	cy := f.finished()[0]
	require.Equal(t, StateNotFound, cy.State)
	require.Equal(t, "search budget exceeded", cy.Reason)
}
