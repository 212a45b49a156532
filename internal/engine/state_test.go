package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/pulkyeet/cycle-searcher/internal/ingest"
	"github.com/stretchr/testify/require"
)

func TestCycleTransitions(t *testing.T) {
	cy := newCycle(ingest.Trigger{}, time.Now())
	require.Error(t, cy.advance(StateValidating, ""))
	require.NoError(t, cy.advance(StateSearching, ""))
	require.NoError(t, cy.advance(StateNotFound, "nothing"))
	require.True(t, cy.State.Terminal())
	require.Equal(t, "nothing", cy.Reason)

	// terminal states are final
	require.Error(t, cy.advance(StateStale, ""))
	require.Equal(t, []State{StateTriggered, StateSearching, StateNotFound}, cy.History())
}

func TestTerminalStates(t *testing.T) {
	names := make([]string, 0, len(TerminalStates))
	for _, s := range TerminalStates {
		require.True(t, s.Terminal())
		require.Empty(t, transitions[s])
		names = append(names, s.String())
	}
	require.Equal(t, []string{"not-found", "unprofitable", "stale", "rejected", "confirmed", "superseded", "unknown"}, names)
	require.False(t, StateSubmitting.Terminal())
}

func TestRegistryCancellation(t *testing.T) {
	r := NewRegistry()
	a, b := uuid.New(), uuid.New()
	ctxA := r.Register(context.Background(), a)
	ctxB := r.Register(context.Background(), b)
	pool := common.HexToAddress("0x01")
	r.Watch(a, []common.Address{pool})

	require.Zero(t, r.CancelPools([]common.Address{common.HexToAddress("0x02")}))
	require.Equal(t, 1, r.CancelPools([]common.Address{pool}))
	require.ErrorIs(t, context.Cause(ctxA), ErrPoolsChanged)
	require.NoError(t, ctxB.Err())

	require.Equal(t, 1, r.CancelAll(cancelCause("source eth dropped")))
	require.ErrorIs(t, context.Cause(ctxB), ErrCancelled)
	require.Zero(t, r.Len())
}

func TestRegistryDetachKeepsContext(t *testing.T) {
	r := NewRegistry()
	id := uuid.New()
	ctx := r.Register(context.Background(), id)
	r.Watch(id, []common.Address{common.HexToAddress("0x01")})
	r.Detach(id)

	require.Zero(t, r.CancelAll(reorgCause(5)))
	require.NoError(t, ctx.Err())

	id2 := uuid.New()
	ctx2 := r.Register(context.Background(), id2)
	r.Release(id2)
	require.True(t, errors.Is(ctx2.Err(), context.Canceled))
}
