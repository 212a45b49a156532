package ingest

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pulkyeet/cycle-searcher/internal/arbitrage"
	"github.com/pulkyeet/cycle-searcher/internal/eth"
	"github.com/pulkyeet/cycle-searcher/internal/storage"
)

var ErrUnknownPool = errors.New("contract is not a pair of a tracked dex")

// PoolResolver maps a pair contract to its identity.
type PoolResolver interface {
	Resolve(ctx context.Context, pool common.Address) (storage.Pool, error)
}

// PoolStore is the persistent side of the resolver.
type PoolStore interface {
	Get(addr common.Address) (storage.Pool, bool, error)
	Put(p storage.Pool) error
}

// Resolver looks pools up in memory, then in the registry, then on chain.
// On chain a pair is accepted only if its factory is a known dex and the
// CREATE2 address derived from its tokens matches.
type Resolver struct {
	caller   ethereum.ContractCaller
	registry PoolStore
	cache    *lru.Cache[common.Address, storage.Pool]
}

func NewResolver(caller ethereum.ContractCaller, registry PoolStore, size int) (*Resolver, error) {
	if size <= 0 {
		size = 4096
	}
	cache, err := lru.New[common.Address, storage.Pool](size)
	if err != nil {
		return nil, err
	}
	return &Resolver{caller: caller, registry: registry, cache: cache}, nil
}

func (r *Resolver) Resolve(ctx context.Context, pool common.Address) (storage.Pool, error) {
	if p, ok := r.cache.Get(pool); ok {
		return known(p)
	}
	if r.registry != nil {
		p, ok, err := r.registry.Get(pool)
		if err != nil {
			return storage.Pool{}, err
		}
		if ok {
			r.cache.Add(pool, p)
			return known(p)
		}
	}

	p, err := r.fetch(ctx, pool)
	if err != nil && !errors.Is(err, ErrUnknownPool) {
		// transient, do not remember
		return storage.Pool{}, err
	}
	r.cache.Add(pool, p)
	if r.registry != nil {
		if perr := r.registry.Put(p); perr != nil {
			return storage.Pool{}, perr
		}
	}
	return known(p)
}

// Seed makes pools resolvable without a lookup.
func (r *Resolver) Seed(pools ...storage.Pool) {
	for _, p := range pools {
		r.cache.Add(p.Address, p)
	}
}

func (r *Resolver) fetch(ctx context.Context, pool common.Address) (storage.Pool, error) {
	if r.caller == nil {
		return storage.Pool{Address: pool}, ErrUnknownPool
	}
	factory, err := arbitrage.FetchFactory(ctx, r.caller, pool, nil)
	if err != nil {
		return storage.Pool{}, fmt.Errorf("resolve %s: %w", pool.Hex(), err)
	}
	dex, ok := eth.DEXByFactory(factory)
	if !ok {
		return storage.Pool{Address: pool}, ErrUnknownPool
	}
	token0, token1, err := arbitrage.FetchTokens(ctx, r.caller, pool, nil)
	if err != nil {
		return storage.Pool{}, fmt.Errorf("resolve %s: %w", pool.Hex(), err)
	}
	if eth.ComputePairAddress(dex, token0, token1) != pool {
		return storage.Pool{Address: pool}, ErrUnknownPool
	}
	return storage.Pool{Address: pool, Token0: token0, Token1: token1, DEX: dex.Name, Known: true}, nil
}

func known(p storage.Pool) (storage.Pool, error) {
	if !p.Known {
		return p, fmt.Errorf("%s: %w", p.Address.Hex(), ErrUnknownPool)
	}
	return p, nil
}
