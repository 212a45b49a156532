package backtest

import (
	"fmt"
	"math/big"
	"sort"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pulkyeet/cycle-searcher/internal/eth"
	"github.com/shopspring/decimal"
)

// CalculateMetrics builds the per-block results from Cycles and the actual
// arbitrages already attached to Results, then aggregates them. A predicted
// cycle matches an actual arbitrage in its target block when they share a pool.
func (r *Report) CalculateMetrics() {
	byBlock := make(map[uint64]*BlockResult, len(r.Results))
	for _, res := range r.Results {
		res.Predicted = res.Predicted[:0]
		byBlock[res.BlockNumber] = res
	}
	m := BacktestMetrics{
		BlocksAnalyzed: len(r.Results),
		TotalCycles:    len(r.Cycles),
		ProfitByToken:  make(map[string]decimal.Decimal),
		States:         make(map[string]int),
	}
	for _, c := range r.Cycles {
		m.States[c.State]++
		if !c.Predicted() {
			continue
		}
		res, ok := byBlock[c.TargetBlock()]
		if !ok {
			res = &BlockResult{BlockNumber: c.TargetBlock()}
			byBlock[res.BlockNumber] = res
			r.Results = append(r.Results, res)
		}
		res.Predicted = append(res.Predicted, c)
		if c.NetProfit != nil {
			sym, amt := humanAmount(c.StartToken, c.NetProfit)
			m.ProfitByToken[sym] = m.ProfitByToken[sym].Add(amt)
		}
	}
	sort.Slice(r.Results, func(i, j int) bool { return r.Results[i].BlockNumber < r.Results[j].BlockNumber })

	for _, res := range r.Results {
		res.TruePositives, res.FalsePositives, res.FalseNegatives = 0, 0, 0
		matched := make([]bool, len(res.Actual))
		for _, p := range res.Predicted {
			hit := false
			for i, a := range res.Actual {
				if sharesPool(p.Pools, a.PoolsHit) {
					matched[i], hit = true, true
				}
			}
			if hit {
				res.TruePositives++
			} else {
				res.FalsePositives++
			}
		}
		for _, ok := range matched {
			if !ok {
				res.FalseNegatives++
			}
		}
		m.TotalActual += len(res.Actual)
		m.TotalPredicted += len(res.Predicted)
		m.TruePositives += res.TruePositives
		m.FalsePositives += res.FalsePositives
		m.FalseNegatives += res.FalseNegatives
	}
	if d := m.TruePositives + m.FalseNegatives; d > 0 {
		m.HitRate = float64(m.TruePositives) / float64(d)
	}
	if d := m.TruePositives + m.FalsePositives; d > 0 {
		m.Precision = float64(m.TruePositives) / float64(d)
	}
	r.Metrics = m
}

func sharesPool(a, b []common.Address) bool {
	for _, x := range a {
		for _, y := range b {
			if x == y {
				return true
			}
		}
	}
	return false
}

// humanAmount scales base units by the token's decimals. Unknown tokens are
// reported raw under their address.
func humanAmount(token common.Address, amount *big.Int) (string, decimal.Decimal) {
	if info, ok := eth.TokenByAddress(token); ok {
		return info.Symbol, decimal.NewFromBigInt(amount, -int32(info.Decimals))
	}
	return token.Hex(), decimal.NewFromBigInt(amount, 0)
}

// Summary renders the aggregate metrics for the replay tool.
func (r *Report) Summary() string {
	m := r.Metrics
	var b strings.Builder
	fmt.Fprintf(&b, "blocks %d-%d (%d analyzed) in %s\n", r.StartBlock, r.EndBlock, m.BlocksAnalyzed, r.Elapsed.Round(time.Millisecond))
	fmt.Fprintf(&b, "cycles: %d", m.TotalCycles)
	states := make([]string, 0, len(m.States))
	for s := range m.States {
		states = append(states, s)
	}
	sort.Strings(states)
	for _, s := range states {
		fmt.Fprintf(&b, " %s=%d", s, m.States[s])
	}
	fmt.Fprintf(&b, "\npredicted %d, actual %d, tp %d, fp %d, fn %d\n",
		m.TotalPredicted, m.TotalActual, m.TruePositives, m.FalsePositives, m.FalseNegatives)
	fmt.Fprintf(&b, "hit rate %.1f%%, precision %.1f%%\n", m.HitRate*100, m.Precision*100)
	syms := make([]string, 0, len(m.ProfitByToken))
	for s := range m.ProfitByToken {
		syms = append(syms, s)
	}
	sort.Strings(syms)
	for _, s := range syms {
		fmt.Fprintf(&b, "predicted profit %s %s\n", m.ProfitByToken[s].StringFixed(6), s)
	}
	return b.String()
}
