package engine

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pulkyeet/cycle-searcher/internal/arbitrage"
	"github.com/pulkyeet/cycle-searcher/internal/ingest"
	"github.com/pulkyeet/cycle-searcher/internal/market"
	"github.com/pulkyeet/cycle-searcher/internal/simulator"
)

type State int

const (
	StateTriggered State = iota
	StateSearching
	StateFound
	StateNotFound
	StateValidating
	StateProfitable
	StateUnprofitable
	StateStale
	StateDeciding
	StateAccepted
	StateRejected
	StateSubmitting
	StateConfirmed
	StateSuperseded
	StateUnknown
)

var stateNames = [...]string{
	StateTriggered:    "triggered",
	StateSearching:    "searching",
	StateFound:        "found",
	StateNotFound:     "not-found",
	StateValidating:   "validating",
	StateProfitable:   "profitable",
	StateUnprofitable: "unprofitable",
	StateStale:        "stale",
	StateDeciding:     "deciding",
	StateAccepted:     "accepted",
	StateRejected:     "rejected",
	StateSubmitting:   "submitting",
	StateConfirmed:    "confirmed",
	StateSuperseded:   "superseded",
	StateUnknown:      "unknown",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

func (s State) Terminal() bool {
	switch s {
	case StateNotFound, StateUnprofitable, StateStale, StateRejected,
		StateConfirmed, StateSuperseded, StateUnknown:
		return true
	}
	return false
}

// TerminalStates lists every state a cycle can end in.
var TerminalStates = []State{
	StateNotFound, StateUnprofitable, StateStale, StateRejected,
	StateConfirmed, StateSuperseded, StateUnknown,
}

// a cycle invalidated before it submits ends stale from any live stage
var transitions = map[State][]State{
	StateTriggered:  {StateSearching, StateStale},
	StateSearching:  {StateFound, StateNotFound, StateStale},
	StateFound:      {StateValidating, StateStale},
	StateValidating: {StateProfitable, StateUnprofitable, StateStale},
	StateProfitable: {StateDeciding, StateStale},
	StateDeciding:   {StateAccepted, StateRejected, StateStale},
	StateAccepted:   {StateSubmitting},
	StateSubmitting: {StateConfirmed, StateSuperseded, StateUnknown, StateRejected},
}

// Cycle is one traversal of the decision state machine for a trigger.
type Cycle struct {
	ID      uuid.UUID
	Trigger ingest.Trigger
	State   State
	Reason  string

	Version    market.Version
	Candidate  *arbitrage.CandidatePath
	Result     *simulator.ValidationResult
	Decision   Decision
	Submission *Submission

	StartedAt time.Time
	Duration  time.Duration

	history []State
}

func newCycle(t ingest.Trigger, now time.Time) *Cycle {
	return &Cycle{
		ID:        uuid.New(),
		Trigger:   t,
		State:     StateTriggered,
		StartedAt: now,
		history:   []State{StateTriggered},
	}
}

// advance moves the cycle to next. Illegal moves and re-entering a state
// already visited are errors and leave the cycle unchanged.
func (c *Cycle) advance(next State, reason string) error {
	if c.State.Terminal() {
		return fmt.Errorf("cycle %s already %s", c.ID, c.State)
	}
	allowed := false
	for _, s := range transitions[c.State] {
		if s == next {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("cycle %s: illegal transition %s -> %s", c.ID, c.State, next)
	}
	for _, s := range c.history {
		if s == next {
			return fmt.Errorf("cycle %s: state %s re-entered", c.ID, next)
		}
	}
	c.State = next
	c.history = append(c.history, next)
	if reason != "" {
		c.Reason = reason
	}
	return nil
}

// History returns the states visited, in order.
func (c *Cycle) History() []State {
	return append([]State(nil), c.history...)
}
