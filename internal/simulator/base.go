package simulator

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/errgroup"
)

const (
	accountCacheSize = 4096
	slotCacheSize    = 65536
	rpcTimeout       = 10 * time.Second
	prefetchParallel = 16
)

type account struct {
	balance *big.Int
	nonce   uint64
	code    []byte
}

type slotKey struct {
	addr common.Address
	slot common.Hash
}

// BaseState is read-only chain state at one block, fetched from RPC on first
// use and cached. Any number of forks may read it concurrently; nothing ever
// writes to it except the cache fill.
type BaseState struct {
	reader      StateReader
	blockNumber *big.Int
	header      *types.Header

	accounts *lru.Cache[common.Address, account]
	slots    *lru.Cache[slotKey, common.Hash]
}

func NewBaseState(ctx context.Context, reader StateReader, blockNumber *big.Int) (*BaseState, error) {
	ctx, cancel := context.WithTimeout(ctx, rpcTimeout)
	defer cancel()

	header, err := reader.HeaderByNumber(ctx, blockNumber)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch header %s: %w", blockNumber, err)
	}
	accounts, err := lru.New[common.Address, account](accountCacheSize)
	if err != nil {
		return nil, err
	}
	slots, err := lru.New[slotKey, common.Hash](slotCacheSize)
	if err != nil {
		return nil, err
	}
	return &BaseState{
		reader:      reader,
		blockNumber: new(big.Int).Set(blockNumber),
		header:      header,
		accounts:    accounts,
		slots:       slots,
	}, nil
}

func (b *BaseState) Header() *types.Header {
	return b.header
}

func (b *BaseState) account(addr common.Address) (account, error) {
	if acc, ok := b.accounts.Get(addr); ok {
		return acc, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), rpcTimeout)
	defer cancel()
	acc, err := b.fetchAccount(ctx, addr)
	if err != nil {
		return account{}, err
	}
	b.accounts.Add(addr, acc)
	return acc, nil
}

func (b *BaseState) fetchAccount(ctx context.Context, addr common.Address) (account, error) {
	bal, err := b.reader.BalanceAt(ctx, addr, b.blockNumber)
	if err != nil {
		return account{}, fmt.Errorf("balance of %s at %s: %w", addr.Hex(), b.blockNumber, err)
	}
	nonce, err := b.reader.NonceAt(ctx, addr, b.blockNumber)
	if err != nil {
		return account{}, fmt.Errorf("nonce of %s at %s: %w", addr.Hex(), b.blockNumber, err)
	}
	code, err := b.reader.CodeAt(ctx, addr, b.blockNumber)
	if err != nil {
		return account{}, fmt.Errorf("code of %s at %s: %w", addr.Hex(), b.blockNumber, err)
	}
	return account{balance: bal, nonce: nonce, code: code}, nil
}

func (b *BaseState) Balance(addr common.Address) (*big.Int, error) {
	acc, err := b.account(addr)
	if err != nil {
		return nil, err
	}
	return new(big.Int).Set(acc.balance), nil
}

func (b *BaseState) Nonce(addr common.Address) (uint64, error) {
	acc, err := b.account(addr)
	return acc.nonce, err
}

func (b *BaseState) Code(addr common.Address) ([]byte, error) {
	acc, err := b.account(addr)
	return acc.code, err
}

func (b *BaseState) Storage(addr common.Address, slot common.Hash) (common.Hash, error) {
	key := slotKey{addr, slot}
	if v, ok := b.slots.Get(key); ok {
		return v, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), rpcTimeout)
	defer cancel()
	data, err := b.reader.StorageAt(ctx, addr, slot, b.blockNumber)
	if err != nil {
		return common.Hash{}, fmt.Errorf("slot %s of %s: %w", slot.Hex(), addr.Hex(), err)
	}
	v := common.BytesToHash(data)
	b.slots.Add(key, v)
	return v, nil
}

// Prefetch warms the account cache for addrs in parallel. The EVM reads
// state one slot at a time, so loading the routers, pairs and tokens up front
// takes most of the round trips off the validation path.
func (b *BaseState) Prefetch(ctx context.Context, addrs []common.Address) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(prefetchParallel)
	for _, addr := range addrs {
		if b.accounts.Contains(addr) {
			continue
		}
		g.Go(func() error {
			ctx, cancel := context.WithTimeout(ctx, rpcTimeout)
			defer cancel()
			acc, err := b.fetchAccount(ctx, addr)
			if err != nil {
				return err
			}
			b.accounts.Add(addr, acc)
			return nil
		})
	}
	return g.Wait()
}
