package arbitrage

import (
	"errors"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/pulkyeet/cycle-searcher/internal/market"
)

var (
	ErrNoCycle        = errors.New("no profitable cycle")
	ErrBudgetExceeded = errors.New("search budget exceeded")
	ErrNotSwap        = errors.New("transaction is not a supported router swap")
)

// Hop is one swap of a cycle, with the reserves it was priced on.
type Hop struct {
	Pool       common.Address
	DEX        string
	TokenIn    common.Address
	TokenOut   common.Address
	ReserveIn  *big.Int
	ReserveOut *big.Int
	FeeNum     uint64
	FeeDen     uint64
	Weight     float64
}

// CandidatePath is a closed walk from Start back to Start, sized.
type CandidatePath struct {
	Start common.Address
	Hops  []Hop
	// Weight is the summed -ln(rate) of the hops, negative when profitable
	Weight float64
	// Rate is the marginal multiplicative return, exp(-Weight)
	Rate float64

	AmountIn     *big.Int
	ExpectedOuts []*big.Int
	Profit       *big.Int
	// ProfitWETH is Profit at the price of the deepest direct WETH pool of
	// Start, nil when there is none.
	ProfitWETH *big.Int

	Version market.Version
	// PostImpact is set when the hops were priced after a pending swap.
	PostImpact bool
	Trigger    common.Hash
	FoundIn    time.Duration
}

// Pools returns the pool of every hop, in order.
func (c *CandidatePath) Pools() []common.Address {
	out := make([]common.Address, len(c.Hops))
	for i, h := range c.Hops {
		out[i] = h.Pool
	}
	return out
}

// Tokens returns the token path, start first and last.
func (c *CandidatePath) Tokens() []common.Address {
	out := make([]common.Address, 0, len(c.Hops)+1)
	out = append(out, c.Start)
	for _, h := range c.Hops {
		out = append(out, h.TokenOut)
	}
	return out
}

// AmountOut is the expected output of the final hop.
func (c *CandidatePath) AmountOut() *big.Int {
	if len(c.ExpectedOuts) == 0 {
		return big.NewInt(0)
	}
	return c.ExpectedOuts[len(c.ExpectedOuts)-1]
}

// PendingAction is a decoded mempool swap through a known router.
type PendingAction struct {
	Hash     common.Hash
	Tx       *types.Transaction
	Sender   common.Address
	GasPrice *big.Int
	DEX      string
	Method   string

	AmountIn     *big.Int
	AmountOutMin *big.Int
	Path         []common.Address
	// Pools are the pair addresses along Path, len(Path)-1 of them
	Pools  []common.Address
	SeenAt time.Time
}

// Tokens returns the distinct tokens on the swap path.
func (p *PendingAction) Tokens() []common.Address {
	seen := make(map[common.Address]struct{}, len(p.Path))
	out := make([]common.Address, 0, len(p.Path))
	for _, t := range p.Path {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

// RawTx returns the consensus encoding of the pending transaction.
func (p *PendingAction) RawTx() ([]byte, error) {
	return p.Tx.MarshalBinary()
}
