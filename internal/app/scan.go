package app

import (
	"context"
	"errors"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pulkyeet/cycle-searcher/internal/arbitrage"
	"github.com/pulkyeet/cycle-searcher/internal/eth"
	"github.com/pulkyeet/cycle-searcher/internal/market"
	"github.com/pulkyeet/cycle-searcher/internal/simulator"
)

// ScanResult is the best cycle found from one start token.
type ScanResult struct {
	Symbol    string
	Start     common.Address
	Candidate *arbitrage.CandidatePath
	Result    *simulator.ValidationResult
	Err       error
}

// Scan bootstraps the graph at height and searches a cycle from every known
// token present in it, validating whatever is found.
func (a *App) Scan(ctx context.Context, height uint64) ([]ScanResult, error) {
	if err := a.Bootstrap(ctx, height); err != nil {
		return nil, err
	}
	return scanSnapshot(ctx, a.store.Snapshot(), a.finder, a.validator), nil
}

func scanSnapshot(ctx context.Context, snap *market.Snapshot, finder *arbitrage.PathFinder, validator *simulator.Validator) []ScanResult {
	symbols := make([]string, 0, len(eth.KnownTokens))
	for sym := range eth.KnownTokens {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)

	var out []ScanResult
	for _, sym := range symbols {
		tok := eth.KnownTokens[sym].Address
		if !snap.HasToken(tok) {
			continue
		}
		r := ScanResult{Symbol: sym, Start: tok}
		r.Candidate, r.Err = finder.Find(ctx, tok, snap, nil)
		if r.Err == nil {
			r.Result, r.Err = validator.Validate(ctx, snap, r.Candidate, nil)
		}
		if errors.Is(r.Err, arbitrage.ErrNoCycle) {
			r.Err = nil
		}
		out = append(out, r)
	}
	return out
}
