package arbitrage

import (
	"context"
	"fmt"
	"math"
	"math/big"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pulkyeet/cycle-searcher/internal/eth"
	"github.com/pulkyeet/cycle-searcher/internal/market"
)

type FinderConfig struct {
	MaxHops int
	Budget  time.Duration
	Epsilon float64
	// MinInput and MaxInput bound sizing, in base units of the start token
	MinInput    *big.Int
	MaxInput    *big.Int
	SizingSteps int
	// Candidates is how many of the lowest weight cycles per start get sized.
	Candidates int
}

func DefaultFinderConfig() FinderConfig {
	return FinderConfig{
		MaxHops:     4,
		Budget:      5 * time.Millisecond,
		Epsilon:     1e-9,
		MinInput:    big.NewInt(1_000_000),
		MaxInput:    new(big.Int).Mul(big.NewInt(100), big.NewInt(1e18)),
		SizingSteps: 48,
		Candidates:  8,
	}
}

// checkEvery is how many expansions run between deadline checks
const checkEvery = 64

// PathFinder searches a snapshot for the most profitable negative weight
// cycle through a set of start tokens. It holds no state between calls and
// is safe to share.
type PathFinder struct {
	cfg FinderConfig
	now func() time.Time
}

func NewPathFinder(cfg FinderConfig) *PathFinder {
	if cfg.MaxHops < 2 {
		cfg.MaxHops = 2
	}
	if cfg.MaxHops > 12 {
		cfg.MaxHops = 12
	}
	if cfg.MinInput == nil || cfg.MaxInput == nil {
		d := DefaultFinderConfig()
		cfg.MinInput, cfg.MaxInput = d.MinInput, d.MaxInput
	}
	if cfg.Candidates <= 0 {
		cfg.Candidates = DefaultFinderConfig().Candidates
	}
	return &PathFinder{cfg: cfg, now: time.Now}
}

// walk is a closed cycle found by the search, not yet sized.
type walk struct {
	start  common.Address
	hops   []Hop
	weight float64
}

type search struct {
	f        *PathFinder
	snap     *market.Snapshot
	start    common.Address
	minW     float64
	deadline time.Time
	ctx      context.Context

	expanded int
	over     bool

	used   map[common.Address]bool
	onPath map[common.Address]bool
	stack  []Hop

	// top holds the lowest weight walks, ascending
	top []walk
}

// Find returns the most profitable sized cycle from start, or ErrNoCycle.
// When pending is given its swaps are applied to the snapshot first and the
// search runs on the post-impact reserves.
func (f *PathFinder) Find(ctx context.Context, start common.Address, snap *market.Snapshot, pending *PendingAction) (*CandidatePath, error) {
	return f.FindBest(ctx, []common.Address{start}, snap, pending)
}

// FindBest searches from every start under one budget and returns the cycle
// with the largest sized profit. Profits within Epsilon of each other are
// ties and the shorter cycle wins. Passing the deadline anywhere, including
// while building the post-impact view or sizing, returns ErrBudgetExceeded.
func (f *PathFinder) FindBest(ctx context.Context, starts []common.Address, snap *market.Snapshot, pending *PendingAction) (*CandidatePath, error) {
	began := f.now()
	deadline := began.Add(f.cfg.Budget)
	postImpact := false
	if pending != nil {
		overlay, applied := ApplyImpact(snap, pending)
		snap, postImpact = overlay, applied
	}
	if f.now().After(deadline) {
		return nil, fmt.Errorf("building post-impact view: %w", ErrBudgetExceeded)
	}
	minW := snap.MinWeight()
	if math.IsInf(minW, 1) {
		return nil, ErrNoCycle
	}

	var walks []walk
	seen := make(map[common.Address]bool, len(starts))
	expanded := 0
	for _, start := range starts {
		if seen[start] || !snap.HasToken(start) {
			continue
		}
		seen[start] = true
		s := &search{
			f:        f,
			snap:     snap,
			start:    start,
			minW:     minW,
			deadline: deadline,
			ctx:      ctx,
			used:     make(map[common.Address]bool, f.cfg.MaxHops),
			onPath:   make(map[common.Address]bool, f.cfg.MaxHops),
			stack:    make([]Hop, 0, f.cfg.MaxHops),
		}
		s.visit(start, 0)
		expanded += s.expanded
		if s.over {
			return nil, fmt.Errorf("after %d expansions: %w", expanded, ErrBudgetExceeded)
		}
		walks = append(walks, s.top...)
	}

	var best *CandidatePath
	for _, w := range walks {
		if f.now().After(deadline) || ctx.Err() != nil {
			return nil, fmt.Errorf("sizing %d cycles: %w", len(walks), ErrBudgetExceeded)
		}
		amountIn, profit := OptimalInput(w.hops, f.cfg.MinInput, f.cfg.MaxInput, f.cfg.SizingSteps)
		if profit.Sign() <= 0 {
			continue
		}
		c := &CandidatePath{
			Start:        w.start,
			Hops:         w.hops,
			Weight:       w.weight,
			Rate:         market.Rate(w.weight),
			AmountIn:     amountIn,
			ExpectedOuts: SimulateHops(amountIn, w.hops),
			Profit:       profit,
			ProfitWETH:   wethValue(snap, w.start, profit),
			Version:      snap.Version,
			PostImpact:   postImpact,
		}
		if best == nil || f.beats(c, best) {
			best = c
		}
	}
	if best == nil {
		return nil, ErrNoCycle
	}
	if pending != nil {
		best.Trigger = pending.Hash
	}
	best.FoundIn = f.now().Sub(began)
	return best, nil
}

// beats reports whether c should replace the incumbent. Cycles from
// different starts are compared in WETH when both can be priced.
func (f *PathFinder) beats(c, incumbent *CandidatePath) bool {
	a, b := c.Profit, incumbent.Profit
	if c.Start != incumbent.Start {
		switch {
		case c.ProfitWETH != nil && incumbent.ProfitWETH != nil:
			a, b = c.ProfitWETH, incumbent.ProfitWETH
		case c.ProfitWETH != nil:
			return true
		case incumbent.ProfitWETH != nil:
			return false
		}
	}
	fa, _ := new(big.Float).SetInt(a).Float64()
	fb, _ := new(big.Float).SetInt(b).Float64()
	if math.Abs(fa-fb) <= f.cfg.Epsilon*math.Max(fa, fb) && len(c.Hops) != len(incumbent.Hops) {
		return len(c.Hops) < len(incumbent.Hops)
	}
	return a.Cmp(b) > 0
}

// wethValue prices amount of token at the deepest usable direct WETH pool.
func wethValue(snap *market.Snapshot, token common.Address, amount *big.Int) *big.Int {
	if token == eth.WETHAddress {
		return new(big.Int).Set(amount)
	}
	var bestWETH, bestToken *big.Int
	for _, pool := range snap.Pools(token) {
		ev, ok := snap.Edge(pool)
		if !ok || !ev.Usable() || ev.Other(token) != eth.WETHAddress {
			continue
		}
		rToken, rWETH := ev.Reserves(token)
		if bestWETH == nil || rWETH.Cmp(bestWETH) > 0 {
			bestWETH, bestToken = rWETH, rToken
		}
	}
	if bestWETH == nil {
		return nil
	}
	out := new(big.Int).Mul(amount, bestWETH)
	return out.Div(out, bestToken)
}

// bound is the most optimistic weight a walk can still add in remaining hops.
func (s *search) bound(remaining int) float64 {
	if s.minW < 0 {
		return float64(remaining) * s.minW
	}
	return s.minW
}

func (s *search) expired() bool {
	s.expanded++
	if s.expanded%checkEvery != 0 {
		return false
	}
	if s.f.now().After(s.deadline) || s.ctx.Err() != nil {
		s.over = true
	}
	return s.over
}

func (s *search) visit(token common.Address, partial float64) {
	eps := s.f.cfg.Epsilon
	depth := len(s.stack)
	for _, pool := range s.snap.Pools(token) {
		if s.over || s.expired() {
			return
		}
		if s.used[pool] {
			continue
		}
		ev, ok := s.snap.Edge(pool)
		if !ok || !ev.Usable() {
			continue
		}
		w := ev.Weight(token)
		next := ev.Other(token)
		total := partial + w
		rIn, rOut := ev.Reserves(token)
		hop := Hop{
			Pool:       pool,
			DEX:        ev.DEX,
			TokenIn:    token,
			TokenOut:   next,
			ReserveIn:  rIn,
			ReserveOut: rOut,
			FeeNum:     ev.FeeNum,
			FeeDen:     ev.FeeDen,
			Weight:     w,
		}
		hops := depth + 1

		if next == s.start {
			if hops >= 2 && total < -eps {
				s.offer(hop, total)
			}
			continue
		}
		if hops >= s.f.cfg.MaxHops || s.onPath[next] {
			continue
		}
		optimistic := total + s.bound(s.f.cfg.MaxHops-hops)
		if optimistic >= -eps {
			continue
		}
		if s.full() && optimistic >= s.top[len(s.top)-1].weight {
			continue
		}

		s.used[pool], s.onPath[next] = true, true
		s.stack = append(s.stack, hop)
		s.visit(next, total)
		s.stack = s.stack[:depth]
		delete(s.used, pool)
		delete(s.onPath, next)
	}
}

func (s *search) full() bool { return len(s.top) >= s.f.cfg.Candidates }

// offer keeps the closed walk stack+last if it is among the lowest weights
// seen so far.
func (s *search) offer(last Hop, total float64) {
	if s.full() && total >= s.top[len(s.top)-1].weight {
		return
	}
	n := len(s.stack) + 1
	hops := make([]Hop, 0, n)
	hops = append(hops, s.stack...)
	hops = append(hops, last)

	at := sort.Search(len(s.top), func(i int) bool { return s.top[i].weight > total })
	s.top = append(s.top, walk{})
	copy(s.top[at+1:], s.top[at:])
	s.top[at] = walk{start: s.start, hops: hops, weight: total}
	if len(s.top) > s.f.cfg.Candidates {
		s.top = s.top[:s.f.cfg.Candidates]
	}
}
