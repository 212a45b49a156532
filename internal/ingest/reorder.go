package ingest

import (
	"github.com/pulkyeet/cycle-searcher/internal/market"
)

// Reorderer releases committed blocks in strictly increasing height. Blocks
// ahead of the expected height wait in a buffer bounded by the window.
type Reorderer struct {
	window  uint64
	next    uint64
	started bool
	buf     map[uint64]market.BlockUpdate
}

func NewReorderer(window uint64) *Reorderer {
	if window == 0 {
		window = 1
	}
	return &Reorderer{window: window, buf: make(map[uint64]market.BlockUpdate)}
}

// Reset drops the buffer and expects next as the following height.
func (r *Reorderer) Reset(next uint64) {
	r.next = next
	r.started = true
	clear(r.buf)
}

// Next returns the expected height, false before the first block.
func (r *Reorderer) Next() (uint64, bool) {
	return r.next, r.started
}

func (r *Reorderer) Buffered() int {
	return len(r.buf)
}

// Push accepts b and returns the blocks that are now deliverable, in order.
// Blocks below the expected height are passed straight through so the graph
// can classify them as redeliveries or forks. overflow reports that b is
// further ahead than the window allows; the buffer is dropped and the caller
// has to resynchronize at b's height and Reset past it.
func (r *Reorderer) Push(b market.BlockUpdate) (ready []market.BlockUpdate, overflow bool) {
	if !r.started {
		r.Reset(b.Height)
	}
	switch {
	case b.Height < r.next:
		return []market.BlockUpdate{b}, false
	case b.Height-r.next >= r.window:
		clear(r.buf)
		return nil, true
	}

	r.buf[b.Height] = b
	for {
		blk, ok := r.buf[r.next]
		if !ok {
			break
		}
		delete(r.buf, r.next)
		ready = append(ready, blk)
		r.next++
	}
	return ready, false
}
