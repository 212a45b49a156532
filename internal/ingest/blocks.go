package ingest

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/pulkyeet/cycle-searcher/internal/eth"
	"github.com/pulkyeet/cycle-searcher/internal/market"
	"go.uber.org/zap"
)

type LogFilterer interface {
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
}

// BlockLoader builds the graph update of a block from its Sync events.
type BlockLoader struct {
	logs     LogFilterer
	resolver PoolResolver
	log      *zap.SugaredLogger
}

func NewBlockLoader(logs LogFilterer, resolver PoolResolver, log *zap.SugaredLogger) *BlockLoader {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &BlockLoader{logs: logs, resolver: resolver, log: log}
}

// Load fetches the Sync logs of the block by hash, so the result cannot mix
// logs of a sibling block with the same height. The last Sync of a pool in
// the block carries its final reserves.
func (l *BlockLoader) Load(ctx context.Context, hdr *types.Header) (market.BlockUpdate, error) {
	hash := hdr.Hash()
	logs, err := l.logs.FilterLogs(ctx, ethereum.FilterQuery{
		BlockHash: &hash,
		Topics:    [][]common.Hash{{eth.SyncEventTopic}},
	})
	if err != nil {
		return market.BlockUpdate{}, fmt.Errorf("sync logs of %d: %w", hdr.Number.Uint64(), err)
	}

	b := market.BlockUpdate{
		Height:     hdr.Number.Uint64(),
		Hash:       hash,
		ParentHash: hdr.ParentHash,
	}
	last := make(map[common.Address]int)
	for _, lg := range logs {
		if lg.Removed {
			continue
		}
		u, ok, err := l.decode(ctx, lg)
		if err != nil {
			return market.BlockUpdate{}, err
		}
		if !ok {
			continue
		}
		if i, seen := last[u.Pool]; seen {
			b.Updates[i] = u
			continue
		}
		last[u.Pool] = len(b.Updates)
		b.Updates = append(b.Updates, u)
	}
	return b, nil
}

func (l *BlockLoader) decode(ctx context.Context, lg types.Log) (market.PoolUpdate, bool, error) {
	r0, r1, ok := decodeSync(lg)
	if !ok {
		return market.PoolUpdate{}, false, nil
	}
	info, err := l.resolver.Resolve(ctx, lg.Address)
	if errors.Is(err, ErrUnknownPool) {
		return market.PoolUpdate{}, false, nil
	}
	if err != nil {
		return market.PoolUpdate{}, false, err
	}
	u := market.PoolUpdate{
		Pool:     lg.Address,
		Token0:   info.Token0,
		Token1:   info.Token1,
		DEX:      info.DEX,
		Reserve0: r0,
		Reserve1: r1,
	}
	if d, ok := eth.DEXByName(info.DEX); ok {
		u.FeeNum, u.FeeDen = d.FeeNum, d.FeeDen
	}
	return u, true, nil
}

// decodeSync reads Sync(uint112 reserve0, uint112 reserve1).
func decodeSync(lg types.Log) (*big.Int, *big.Int, bool) {
	if len(lg.Topics) == 0 || lg.Topics[0] != eth.SyncEventTopic || len(lg.Data) < 64 {
		return nil, nil, false
	}
	return new(big.Int).SetBytes(lg.Data[0:32]), new(big.Int).SetBytes(lg.Data[32:64]), true
}
