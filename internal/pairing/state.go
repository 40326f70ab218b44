package pairing

import (
	"fmt"
	"strings"
)

// State is a milestone reached by the claiming device. States are totally
// ordered and a token only ever moves forward through them.
type State string

const (
	StatePending     State = "pending"
	StateClaimed     State = "claimed"
	StatePaymentDone State = "payment_done"
	StateLoading     State = "loading"
	StateMeasuring   State = "measuring"
	StateProcessing  State = "processing"
	StateRevealed    State = "revealed"
)

var orderedStates = []State{
	StatePending,
	StateClaimed,
	StatePaymentDone,
	StateLoading,
	StateMeasuring,
	StateProcessing,
	StateRevealed,
}

var stateRanks = func() map[State]int {
	ranks := make(map[State]int, len(orderedStates))
	for index, state := range orderedStates {
		ranks[state] = index
	}
	return ranks
}()

// ParseState validates a raw state name.
func ParseState(raw string) (State, error) {
	state := State(strings.ToLower(strings.TrimSpace(raw)))
	if _, ok := stateRanks[state]; !ok {
		return "", fmt.Errorf("%w: %q", ErrInvalidState, raw)
	}
	return state, nil
}

// Rank returns the ordinal position of the state, or -1 when unknown.
func (s State) Rank() int {
	rank, ok := stateRanks[s]
	if !ok {
		return -1
	}
	return rank
}

// Valid reports whether the state is part of the flow.
func (s State) Valid() bool {
	return s.Rank() >= 0
}

// AtLeast reports whether s has reached target.
func (s State) AtLeast(target State) bool {
	return target.Valid() && s.Rank() >= target.Rank()
}

// Terminal reports whether the flow has nothing left to do.
func (s State) Terminal() bool {
	return s == StateRevealed
}

func (s State) String() string {
	return string(s)
}
