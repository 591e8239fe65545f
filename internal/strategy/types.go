package strategy

import (
	"time"

	"hl-funding-arb/internal/exec"

	"github.com/shopspring/decimal"
)

type Phase string

type Event string

const (
	PhaseFlat    Phase = "FLAT"
	PhaseOpening Phase = "OPENING"
	PhaseHedged  Phase = "HEDGED"
	PhaseClosing Phase = "CLOSING"
)

const (
	EventOpen   Event = "OPEN"
	EventOpened Event = "OPENED"
	EventClose  Event = "CLOSE"
	EventClosed Event = "CLOSED"
	EventAbort  Event = "ABORT"
)

// Checkpoint steps, in saga order.
const (
	StepOpening    = "opening"
	StepReconciled = "reconciled"
	StepSpotFilled = exec.StepSpotFilled
	StepPerpFilled = exec.StepPerpFilled
	StepHedged     = "hedged"
	StepClosing    = "closing"
	StepSpotClosed = exec.StepSpotClosed
	StepPerpClosed = exec.StepPerpClosed
	StepClosed     = "closed"
	StepFailed     = "failed"
	StepRecovered  = "recovered"
)

type PositionState struct {
	Phase     Phase
	SpotOpen  bool
	PerpOpen  bool
	SpotQty   decimal.Decimal
	PerpQty   decimal.Decimal
	UpdatedAt time.Time
}

// Consistent is false when exactly one leg is open.
func (p PositionState) Consistent() bool {
	return p.SpotOpen == p.PerpOpen
}

func (p PositionState) Hedged() bool {
	return p.SpotOpen && p.PerpOpen
}
