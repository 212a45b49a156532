package market

import (
	"math"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Version stamps a snapshot: the head height, the rollback epoch and the
// store write sequence at the moment it was taken.
type Version struct {
	Height uint64
	Epoch  uint64
	Seq    uint64
}

// EdgeView is a value copy of one pool at snapshot time, with the weights of
// both directions derived from its reserves.
type EdgeView struct {
	Edge
	EdgeState
	w01, w10 float64
	usable   bool
}

// Snapshot is an immutable view of the graph. Safe for concurrent use.
type Snapshot struct {
	Version Version
	edges   map[common.Address]*EdgeView
	adj     map[common.Address][]common.Address
	minW    float64
}

// NewSnapshot indexes views by pool and by token adjacency.
func NewSnapshot(v Version, views []EdgeView) *Snapshot {
	s := &Snapshot{
		Version: v,
		edges:   make(map[common.Address]*EdgeView, len(views)),
		adj:     make(map[common.Address][]common.Address),
		minW:    math.Inf(1),
	}
	for i := range views {
		ev := views[i]
		ev.derive()
		s.edges[ev.Pool] = &ev
		s.adj[ev.Token0] = append(s.adj[ev.Token0], ev.Pool)
		s.adj[ev.Token1] = append(s.adj[ev.Token1], ev.Pool)
		if ev.usable {
			s.minW = math.Min(s.minW, math.Min(ev.w01, ev.w10))
		}
	}
	for tok := range s.adj {
		sortAddrs(s.adj[tok])
	}
	return s
}

func (ev *EdgeView) derive() {
	ev.usable = false
	if ev.Stale || ev.FeeDen == 0 || ev.Reserve0 == nil || ev.Reserve1 == nil ||
		ev.Reserve0.Sign() == 0 || ev.Reserve1.Sign() == 0 {
		return
	}
	r0, _ := new(big.Float).SetInt(ev.Reserve0).Float64()
	r1, _ := new(big.Float).SetInt(ev.Reserve1).Float64()
	fee := float64(ev.FeeNum) / float64(ev.FeeDen)
	ev.w01 = Weight(r0, r1, fee)
	ev.w10 = Weight(r1, r0, fee)
	ev.usable = !math.IsInf(ev.w01, 0) && !math.IsInf(ev.w10, 0) && !math.IsNaN(ev.w01) && !math.IsNaN(ev.w10)
}

// Usable is false for stale, empty or unpriceable pools.
func (ev *EdgeView) Usable() bool {
	return ev.usable
}

// Weight returns the additive weight of swapping tokenIn through this pool.
func (ev *EdgeView) Weight(tokenIn common.Address) float64 {
	if tokenIn == ev.Token0 {
		return ev.w01
	}
	return ev.w10
}

// Reserves returns (reserveIn, reserveOut) for a swap selling tokenIn.
func (ev *EdgeView) Reserves(tokenIn common.Address) (*big.Int, *big.Int) {
	if tokenIn == ev.Token0 {
		return ev.Reserve0, ev.Reserve1
	}
	return ev.Reserve1, ev.Reserve0
}

func (s *Snapshot) Edge(pool common.Address) (*EdgeView, bool) {
	ev, ok := s.edges[pool]
	return ev, ok
}

// Pools returns the pools adjacent to token, sorted by address.
func (s *Snapshot) Pools(token common.Address) []common.Address {
	return s.adj[token]
}

func (s *Snapshot) HasToken(token common.Address) bool {
	_, ok := s.adj[token]
	return ok
}

func (s *Snapshot) Len() int {
	return len(s.edges)
}

// MinWeight is the most negative (best) directed weight among usable pools.
func (s *Snapshot) MinWeight() float64 {
	return s.minW
}

// WithReserves returns a copy of s in which the given pools carry the supplied
// reserves. Pools absent from s are ignored. s itself is not modified.
func (s *Snapshot) WithReserves(overrides map[common.Address][2]*big.Int) *Snapshot {
	views := make([]EdgeView, 0, len(s.edges))
	for pool, ev := range s.edges {
		v := *ev
		if r, ok := overrides[pool]; ok {
			v.Reserve0, v.Reserve1 = r[0], r[1]
		}
		views = append(views, v)
	}
	return NewSnapshot(s.Version, views)
}
