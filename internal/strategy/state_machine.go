package strategy

import (
	"sync"
	"time"

	"hl-funding-arb/internal/exec"
)

// StateMachine guards PositionState. The tracker is its only writer; other
// goroutines read copies through Snapshot.
type StateMachine struct {
	mu    sync.Mutex
	state PositionState
	now   func() time.Time
}

func NewStateMachine() *StateMachine {
	return &StateMachine{state: PositionState{Phase: PhaseFlat}, now: time.Now}
}

func (s *StateMachine) Apply(event Event) Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := nextPhase(s.state.Phase, event)
	if next != s.state.Phase {
		s.state.Phase = next
		s.state.UpdatedAt = s.now()
	}
	return s.state.Phase
}

// Settle records the legs an engine call left open. Both legs open means
// HEDGED and neither means FLAT; a single open leg keeps the in-flight
// phase so the next tick can unwind it.
func (s *StateMachine) Settle(legs exec.Legs) PositionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.SpotOpen = legs.SpotOpen
	s.state.PerpOpen = legs.PerpOpen
	s.state.SpotQty = legs.SpotQty
	s.state.PerpQty = legs.PerpQty
	switch {
	case legs.SpotOpen && legs.PerpOpen:
		s.state.Phase = PhaseHedged
	case !legs.SpotOpen && !legs.PerpOpen:
		s.state.Phase = PhaseFlat
	}
	s.state.UpdatedAt = s.now()
	return s.state
}

func (s *StateMachine) Restore(state PositionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if state.UpdatedAt.IsZero() {
		state.UpdatedAt = s.now()
	}
	s.state = state
}

func (s *StateMachine) Snapshot() PositionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func nextPhase(current Phase, event Event) Phase {
	switch current {
	case PhaseFlat:
		if event == EventOpen {
			return PhaseOpening
		}
		if event == EventClose {
			return PhaseClosing
		}
	case PhaseOpening:
		switch event {
		case EventOpened:
			return PhaseHedged
		case EventAbort:
			return PhaseFlat
		case EventClose:
			return PhaseClosing
		}
	case PhaseHedged:
		if event == EventClose {
			return PhaseClosing
		}
	case PhaseClosing:
		switch event {
		case EventClosed:
			return PhaseFlat
		case EventAbort:
			return PhaseHedged
		}
	}
	return current
}
