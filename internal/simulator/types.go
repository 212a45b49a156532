package simulator

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/pulkyeet/cycle-searcher/internal/arbitrage"
	"github.com/pulkyeet/cycle-searcher/internal/market"
)

var (
	ErrUnpriceableGas = errors.New("gas cost cannot be priced in the start token")
	ErrUnknownLayout  = errors.New("token storage layout unknown")
)

// ValidationResult is the local replay of one candidate. Amounts are in base
// units of the cycle's start token.
type ValidationResult struct {
	AmountIn  *big.Int
	AmountOut *big.Int
	StepOuts  []*big.Int
	GasUsed   uint64
	// GasCost is gasUsed * gasPrice converted to the start token
	GasCost    *big.Int
	NetProfit  *big.Int
	Profitable bool
	Stale      bool
	Reason     string
	Version    market.Version
	Backend    string
}

// Request is what a Backend replays: the pending swap first, if any, then
// the candidate cycle, both against Snapshot.
type Request struct {
	Snapshot  *market.Snapshot
	Candidate *arbitrage.CandidatePath
	Pending   *arbitrage.PendingAction
	GasPrice  *big.Int
}

// Outcome is a backend's raw result before gas accounting.
type Outcome struct {
	StepOuts  []*big.Int
	AmountOut *big.Int
	GasUsed   uint64
	// GasPrice overrides the request price when the backend had to raise it
	GasPrice *big.Int
	Reverted bool
	Reason   string
}

// Backend replays requests on private state. Implementations must not
// modify anything reachable from the request.
type Backend interface {
	Name() string
	Simulate(ctx context.Context, req Request) (*Outcome, error)
}

// StateReader is the slice of an RPC client the EVM backend reads state from.
type StateReader interface {
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	NonceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (uint64, error)
	CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error)
	StorageAt(ctx context.Context, account common.Address, key common.Hash, blockNumber *big.Int) ([]byte, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
}

type StateCache struct {
	balances map[common.Address]*big.Int
	nonces   map[common.Address]uint64
	code     map[common.Address][]byte
	storage  map[common.Address]map[common.Hash]common.Hash
}

func NewStateCache() *StateCache {
	return &StateCache{
		balances: make(map[common.Address]*big.Int),
		nonces:   make(map[common.Address]uint64),
		code:     make(map[common.Address][]byte),
		storage:  make(map[common.Address]map[common.Hash]common.Hash),
	}
}

func (c *StateCache) clone() *StateCache {
	snap := NewStateCache()
	for addr, bal := range c.balances {
		snap.balances[addr] = new(big.Int).Set(bal)
	}
	for addr, nonce := range c.nonces {
		snap.nonces[addr] = nonce
	}
	for addr, code := range c.code {
		snap.code[addr] = code
	}
	for addr, slots := range c.storage {
		snap.storage[addr] = make(map[common.Hash]common.Hash, len(slots))
		for slot, val := range slots {
			snap.storage[addr][slot] = val
		}
	}
	return snap
}
