package engine

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pulkyeet/cycle-searcher/internal/arbitrage"
	"github.com/pulkyeet/cycle-searcher/internal/signal"
	"github.com/pulkyeet/cycle-searcher/internal/simulator"
)

const (
	SignalNeutral = "neutral"
	SignalDisable = "disable"
)

type PolicyConfig struct {
	// MinProfit is in base units of the start token.
	MinProfit    *big.Int
	MinProfitBps int64

	SignalEnabled bool
	SignalFloor   float64
	// SignalMissing is SignalNeutral (score 0) or SignalDisable (no gate).
	SignalMissing string
	SignalTimeout time.Duration
}

// Decision is the policy verdict on a validated candidate.
type Decision struct {
	Accept bool
	// Stale reports the verdict was refused because the graph moved.
	Stale  bool
	Reason string

	Signal     float64
	HaveSignal bool
}

// SignalReading is a gate score read ahead of the decision. OK is false
// when no usable score arrived.
type SignalReading struct {
	Value float64
	OK    bool
}

// Policy is the last gate before submission. Decide never blocks; the
// signal is fetched by Prefetch while the candidate validates.
type Policy struct {
	cfg     PolicyConfig
	chain   simulator.ChainView
	signals signal.Source
}

func NewPolicy(cfg PolicyConfig, chain simulator.ChainView, signals signal.Source) *Policy {
	if cfg.MinProfit == nil {
		cfg.MinProfit = new(big.Int)
	}
	if cfg.SignalMissing == "" {
		cfg.SignalMissing = SignalDisable
	}
	return &Policy{cfg: cfg, chain: chain, signals: signals}
}

// Prefetch starts reading the signal for token. The channel yields exactly
// one reading, within SignalTimeout or when ctx ends.
func (p *Policy) Prefetch(ctx context.Context, token common.Address) <-chan SignalReading {
	out := make(chan SignalReading, 1)
	if !p.cfg.SignalEnabled {
		out <- SignalReading{}
		return out
	}
	go func() {
		v, ok := signal.Fetch(ctx, p.signals, token, p.cfg.SignalTimeout)
		out <- SignalReading{Value: v, OK: ok}
	}()
	return out
}

func (p *Policy) Decide(c *arbitrage.CandidatePath, res *simulator.ValidationResult, pending *arbitrage.PendingAction, sig SignalReading) Decision {
	if res == nil || !res.Profitable || res.NetProfit == nil {
		return Decision{Reason: "not profitable"}
	}
	if res.NetProfit.Cmp(p.cfg.MinProfit) < 0 {
		return Decision{Reason: fmt.Sprintf("net profit %s below minimum %s", res.NetProfit, p.cfg.MinProfit)}
	}
	if p.cfg.MinProfitBps > 0 && res.AmountIn.Sign() > 0 {
		bps := new(big.Int).Mul(res.NetProfit, big.NewInt(10_000))
		bps.Quo(bps, res.AmountIn)
		if bps.Cmp(big.NewInt(p.cfg.MinProfitBps)) < 0 {
			return Decision{Reason: fmt.Sprintf("margin %s bps below %d", bps, p.cfg.MinProfitBps)}
		}
	}

	pools := c.Pools()
	if pending != nil {
		pools = append(pools, pending.Pools...)
	}
	if p.chain.Epoch() != c.Version.Epoch {
		return Decision{Stale: true, Reason: "chain reorganized since snapshot"}
	}
	if p.chain.Changed(c.Version, pools) {
		return Decision{Stale: true, Reason: "path pools changed since snapshot"}
	}

	if !p.cfg.SignalEnabled {
		return Decision{Accept: true}
	}
	v := sig.Value
	d := Decision{Signal: v, HaveSignal: sig.OK}
	if !sig.OK {
		if p.cfg.SignalMissing == SignalDisable {
			d.Accept = true
			return d
		}
		v = 0
	}
	if v < p.cfg.SignalFloor {
		d.Reason = fmt.Sprintf("signal %.3f below floor %.3f", v, p.cfg.SignalFloor)
		return d
	}
	d.Accept = true
	return d
}
