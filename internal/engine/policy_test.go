package engine

import (
	"context"
	"math"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pulkyeet/cycle-searcher/internal/arbitrage"
	"github.com/pulkyeet/cycle-searcher/internal/market"
	"github.com/pulkyeet/cycle-searcher/internal/signal"
	"github.com/pulkyeet/cycle-searcher/internal/simulator"
	"github.com/stretchr/testify/require"
)

type chainStub struct {
	epoch   uint64
	changed bool
}

func (c chainStub) Head() (uint64, bool)                          { return 10, true }
func (c chainStub) Epoch() uint64                                 { return c.epoch }
func (c chainStub) Changed(market.Version, []common.Address) bool { return c.changed }

func validated(in, net int64) (*arbitrage.CandidatePath, *simulator.ValidationResult) {
	c := &arbitrage.CandidatePath{Start: tokA, AmountIn: big.NewInt(in), Version: market.Version{Height: 10}}
	return c, &simulator.ValidationResult{AmountIn: big.NewInt(in), NetProfit: big.NewInt(net), Profitable: net > 0}
}

func TestPolicyThresholds(t *testing.T) {
	p := NewPolicy(PolicyConfig{MinProfit: big.NewInt(50), MinProfitBps: 10}, chainStub{}, nil)

	c, res := validated(10_000, 100)
	require.True(t, p.Decide(c, res, nil, SignalReading{}).Accept)

	c, res = validated(10_000, 40)
	d := p.Decide(c, res, nil, SignalReading{})
	require.False(t, d.Accept)
	require.Contains(t, d.Reason, "below minimum")

	// 60 on 100k is 6 bps
	c, res = validated(100_000, 60)
	d = p.Decide(c, res, nil, SignalReading{})
	require.False(t, d.Accept)
	require.Contains(t, d.Reason, "bps")

	c, res = validated(10_000, -5)
	require.False(t, p.Decide(c, res, nil, SignalReading{}).Accept)
}

func TestPolicyRefusesMovedGraph(t *testing.T) {
	c, res := validated(10_000, 100)

	d := NewPolicy(PolicyConfig{}, chainStub{epoch: 1}, nil).Decide(c, res, nil, SignalReading{})
	require.True(t, d.Stale)
	require.False(t, d.Accept)

	d = NewPolicy(PolicyConfig{}, chainStub{changed: true}, nil).Decide(c, res, nil, SignalReading{})
	require.True(t, d.Stale)
}

// decideWith prefetches the signal the way the engine does and decides.
func decideWith(t *testing.T, cfg PolicyConfig, src signal.Source) Decision {
	t.Helper()
	c, res := validated(10_000, 100)
	p := NewPolicy(cfg, chainStub{}, src)
	return p.Decide(c, res, nil, <-p.Prefetch(context.Background(), c.Start))
}

func TestPolicySignalGate(t *testing.T) {
	cfg := PolicyConfig{SignalEnabled: true, SignalFloor: 0.1, SignalTimeout: 10 * time.Millisecond}

	src := signal.NewStatic(map[common.Address]float64{tokA: 0.5})
	d := decideWith(t, cfg, src)
	require.True(t, d.Accept)
	require.True(t, d.HaveSignal)
	require.Equal(t, 0.5, d.Signal)

	src.Set(tokA, -0.2)
	d = decideWith(t, cfg, src)
	require.False(t, d.Accept)
	require.Contains(t, d.Reason, "below floor")

	// missing: neutral scores 0, under the 0.1 floor
	empty := signal.NewStatic(nil)
	cfg.SignalMissing = SignalNeutral
	require.False(t, decideWith(t, cfg, empty).Accept)
	cfg.SignalMissing = SignalDisable
	d = decideWith(t, cfg, empty)
	require.True(t, d.Accept)
	require.False(t, d.HaveSignal)
}

func TestPolicyNaNSignalIsMissing(t *testing.T) {
	cfg := PolicyConfig{SignalEnabled: true, SignalFloor: 0.1, SignalMissing: SignalNeutral, SignalTimeout: 10 * time.Millisecond}
	src := signal.NewStatic(map[common.Address]float64{tokA: math.NaN()})

	d := decideWith(t, cfg, src)
	require.False(t, d.Accept)
	require.False(t, d.HaveSignal)
	require.Contains(t, d.Reason, "below floor")
}

func TestPolicyPrefetchDisabled(t *testing.T) {
	p := NewPolicy(PolicyConfig{}, chainStub{}, signal.NewStatic(map[common.Address]float64{tokA: -1}))
	require.Equal(t, SignalReading{}, <-p.Prefetch(context.Background(), tokA))

	c, res := validated(10_000, 100)
	require.True(t, p.Decide(c, res, nil, SignalReading{}).Accept)
}
