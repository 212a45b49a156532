package ingest

import (
	"context"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/pulkyeet/cycle-searcher/internal/arbitrage"
	"github.com/pulkyeet/cycle-searcher/internal/market"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Resyncer reads authoritative pool state at a height.
type Resyncer interface {
	Resync(ctx context.Context, pools []common.Address, height uint64) ([]market.PoolUpdate, error)
}

// RPCResyncer loads pools with getReserves/token0/token1 calls pinned to the
// height. Pools that fail to load are left out of the result.
type RPCResyncer struct {
	caller   ethereum.ContractCaller
	resolver PoolResolver
	limit    int
	log      *zap.SugaredLogger
}

func NewRPCResyncer(caller ethereum.ContractCaller, resolver PoolResolver, limit int, log *zap.SugaredLogger) *RPCResyncer {
	if limit <= 0 {
		limit = 16
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &RPCResyncer{caller: caller, resolver: resolver, limit: limit, log: log}
}

func (r *RPCResyncer) Resync(ctx context.Context, pools []common.Address, height uint64) ([]market.PoolUpdate, error) {
	block := new(big.Int).SetUint64(height)

	var mu sync.Mutex
	out := make([]market.PoolUpdate, 0, len(pools))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.limit)
	for _, pool := range pools {
		g.Go(func() error {
			info, err := r.resolver.Resolve(gctx, pool)
			if err != nil {
				r.log.Debugf("resync: skip %s: %v", pool.Hex(), err)
				return gctx.Err()
			}
			u, err := arbitrage.LoadPool(gctx, r.caller, pool, info.DEX, block)
			if err != nil {
				r.log.Warnf("resync: load %s at %d: %v", pool.Hex(), height, err)
				return gctx.Err()
			}
			mu.Lock()
			out = append(out, u)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
