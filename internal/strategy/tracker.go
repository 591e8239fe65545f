package strategy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"hl-funding-arb/internal/account"
	"hl-funding-arb/internal/balance"
	"hl-funding-arb/internal/exec"
	"hl-funding-arb/internal/journal"
	"hl-funding-arb/internal/market"
	"hl-funding-arb/internal/metrics"
	"hl-funding-arb/internal/state"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type Market interface {
	FundingRate(ctx context.Context, asset string) (decimal.Decimal, error)
	MarkPrice(ctx context.Context, asset string) decimal.Decimal
}

type Reconciler interface {
	Reconcile(ctx context.Context) (balance.Result, error)
}

type Hedger interface {
	OpenHedge(ctx context.Context, allocation decimal.Decimal) (exec.Legs, error)
	CloseHedge(ctx context.Context, open exec.Legs) (exec.Legs, error)
}

type Holdings interface {
	SpotBalance(ctx context.Context, coin string) (decimal.Decimal, error)
	PerpPosition(ctx context.Context, coin string) (decimal.Decimal, error)
}

type Alerter interface {
	Send(ctx context.Context, message string) error
}

type Recorder interface {
	EnqueueFunding(obs journal.FundingObservation)
	EnqueueHedgeEvent(event journal.HedgeEvent)
}

// Deps are the tracker's collaborators. Store, Alerts and Journal may be nil.
type Deps struct {
	Market     Market
	Reconciler Reconciler
	Hedger     Hedger
	Holdings   Holdings
	Store      state.Store
	Alerts     Alerter
	Journal    Recorder
}

type TrackerConfig struct {
	Asset string
	// Dust is the spot balance at or below which the spot leg counts as closed.
	Dust decimal.Decimal
}

// Tracker drives the hedge from the funding-rate signal. It is the only
// writer of PositionState.
type Tracker struct {
	cfg     TrackerConfig
	deps    Deps
	log     *zap.Logger
	metrics *metrics.Metrics
	sm      *StateMachine
	paused  atomic.Bool
	mu      sync.Mutex
	now     func() time.Time
}

func NewTracker(cfg TrackerConfig, deps Deps, log *zap.Logger, m *metrics.Metrics) *Tracker {
	if log == nil {
		log = zap.NewNop()
	}
	if m == nil {
		m = metrics.NewNoop()
	}
	return &Tracker{cfg: cfg, deps: deps, log: log, metrics: m, sm: NewStateMachine(), now: time.Now}
}

func (t *Tracker) Snapshot() PositionState {
	return t.sm.Snapshot()
}

func (t *Tracker) Pause() bool {
	return !t.paused.Swap(true)
}

func (t *Tracker) Resume() bool {
	return t.paused.Swap(false)
}

func (t *Tracker) Paused() bool {
	return t.paused.Load()
}

// Recover rebuilds the leg flags from what the exchange holds. The last
// checkpoint is only logged; observed balances win.
func (t *Tracker) Recover(ctx context.Context) (PositionState, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	asset := t.cfg.Asset
	cp, hasCheckpoint, err := state.LoadCheckpoint(ctx, t.deps.Store)
	if err != nil {
		t.log.Warn("checkpoint load failed", zap.Error(err))
	} else if hasCheckpoint {
		t.log.Info("last checkpoint",
			zap.String("step", cp.Step),
			zap.String("phase", cp.Phase),
			zap.Bool("spot_open", cp.SpotOpen),
			zap.Bool("perp_open", cp.PerpOpen),
			zap.Time("at", time.UnixMilli(cp.UpdatedAtMS)),
		)
	}
	spot, err := t.deps.Holdings.SpotBalance(ctx, asset)
	if err != nil {
		if !errors.Is(err, account.ErrBalanceNotFound) {
			return PositionState{}, fmt.Errorf("recover spot %s: %w", asset, err)
		}
		spot = decimal.Zero
	}
	perp, err := t.deps.Holdings.PerpPosition(ctx, asset)
	if err != nil {
		return PositionState{}, fmt.Errorf("recover perp %s: %w", asset, err)
	}
	observed := PositionState{
		SpotOpen: spot.GreaterThan(t.cfg.Dust),
		PerpOpen: !perp.IsZero(),
		SpotQty:  spot,
		PerpQty:  perp.Abs(),
	}
	switch {
	case observed.Hedged():
		observed.Phase = PhaseHedged
	case !observed.SpotOpen && !observed.PerpOpen:
		observed.Phase = PhaseFlat
	case observed.SpotOpen:
		observed.Phase = PhaseOpening
	default:
		observed.Phase = PhaseClosing
	}
	t.sm.Restore(observed)
	st := t.sm.Snapshot()
	t.setHedgedGauge(st)
	t.log.Info("position recovered",
		zap.String("phase", string(st.Phase)),
		zap.String("spot", spot.String()),
		zap.String("perp", perp.String()),
	)
	if perp.IsPositive() {
		t.log.Warn("perp position is long, expected a short hedge", zap.String("size", perp.String()))
	}
	t.persist(ctx, StepRecovered, st, "")
	if !st.Consistent() {
		t.reportInconsistent(ctx, st, "found on startup")
	}
	return st, nil
}

// Tick applies one funding-rate signal. A positive rate opens the hedge
// from FLAT; a non-positive rate closes it from HEDGED. A one-legged state
// is unwound regardless of the signal.
func (t *Tracker) Tick(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	asset := t.cfg.Asset
	rate, err := t.deps.Market.FundingRate(ctx, asset)
	if errors.Is(err, market.ErrAssetNotFound) {
		t.log.Warn("funding rate unavailable, skipping tick", zap.String("asset", asset), zap.Error(err))
		return nil
	}
	if err != nil {
		return fmt.Errorf("funding rate: %w", err)
	}
	st := t.sm.Snapshot()
	rateValue, _ := rate.Float64()
	t.metrics.FundingRate.Set(rateValue)
	if t.deps.Journal != nil {
		t.deps.Journal.EnqueueFunding(journal.FundingObservation{
			Time:      t.now().UTC(),
			Asset:     asset,
			Rate:      rate,
			MarkPrice: t.deps.Market.MarkPrice(ctx, asset),
			Phase:     string(st.Phase),
		})
	}
	t.log.Info("funding check",
		zap.String("asset", asset),
		zap.String("rate", rate.String()),
		zap.String("phase", string(st.Phase)),
	)

	if !st.Consistent() {
		t.reportInconsistent(ctx, st, "unwinding")
		return t.closeHedge(ctx)
	}
	positive := rate.IsPositive()
	switch {
	case positive && st.Hedged():
		t.log.Info("already hedged, holding", zap.String("asset", asset))
	case positive:
		if t.Paused() {
			t.log.Info("trading paused, not opening", zap.String("asset", asset))
			return nil
		}
		return t.openHedge(ctx, rate)
	case st.Hedged():
		return t.closeHedge(ctx)
	default:
		t.log.Info("flat and funding not positive, nothing to do", zap.String("asset", asset))
	}
	return nil
}

// RecordStep checkpoints a leg step reported by the execution engine.
func (t *Tracker) RecordStep(ctx context.Context, step string, legs exec.Legs) {
	st := t.sm.Snapshot()
	st.SpotOpen = legs.SpotOpen
	st.PerpOpen = legs.PerpOpen
	st.SpotQty = legs.SpotQty
	st.PerpQty = legs.PerpQty
	t.persist(ctx, step, st, "")
}

func (t *Tracker) openHedge(ctx context.Context, rate decimal.Decimal) error {
	asset := t.cfg.Asset
	t.sm.Apply(EventOpen)
	t.persist(ctx, StepOpening, t.sm.Snapshot(), "funding "+rate.String())

	res, err := t.deps.Reconciler.Reconcile(ctx)
	if err != nil {
		t.sm.Apply(EventAbort)
		t.persist(ctx, StepFailed, t.sm.Snapshot(), err.Error())
		return fmt.Errorf("reconcile: %w", err)
	}
	t.persist(ctx, StepReconciled, t.sm.Snapshot(), "allocation "+res.Allocation.String())

	legs, err := t.deps.Hedger.OpenHedge(ctx, res.Allocation)
	st := t.sm.Settle(legs)
	if err != nil {
		t.persist(ctx, StepFailed, st, err.Error())
		if !st.Consistent() {
			t.reportInconsistent(ctx, st, "open failed")
		}
		t.setHedgedGauge(st)
		return fmt.Errorf("open hedge: %w", err)
	}
	t.metrics.HedgesOpened.Inc()
	t.setHedgedGauge(st)
	t.persist(ctx, StepHedged, st, "")
	t.log.Info("hedge opened",
		zap.String("asset", asset),
		zap.String("spot_qty", st.SpotQty.String()),
		zap.String("perp_qty", st.PerpQty.String()),
	)
	t.alert(ctx, fmt.Sprintf("Opened %s hedge: spot %s / perp short %s (funding %s)", asset, st.SpotQty, st.PerpQty, rate))
	return nil
}

func (t *Tracker) closeHedge(ctx context.Context) error {
	asset := t.cfg.Asset
	t.sm.Apply(EventClose)
	cur := t.sm.Snapshot()
	t.persist(ctx, StepClosing, cur, "")

	legs, err := t.deps.Hedger.CloseHedge(ctx, exec.Legs{
		SpotOpen: cur.SpotOpen,
		PerpOpen: cur.PerpOpen,
		SpotQty:  cur.SpotQty,
		PerpQty:  cur.PerpQty,
	})
	st := t.sm.Settle(legs)
	t.setHedgedGauge(st)
	if err != nil {
		t.persist(ctx, StepFailed, st, err.Error())
		if !st.Consistent() {
			t.reportInconsistent(ctx, st, "close failed")
		}
		return fmt.Errorf("close hedge: %w", err)
	}
	t.metrics.HedgesClosed.Inc()
	t.persist(ctx, StepClosed, st, "")
	t.log.Info("hedge closed", zap.String("asset", asset))
	t.alert(ctx, fmt.Sprintf("Closed %s hedge", asset))
	return nil
}

func (t *Tracker) persist(ctx context.Context, step string, st PositionState, detail string) {
	now := t.now().UTC()
	cp := state.Checkpoint{
		Step:        step,
		Asset:       t.cfg.Asset,
		Phase:       string(st.Phase),
		SpotOpen:    st.SpotOpen,
		PerpOpen:    st.PerpOpen,
		SpotQty:     st.SpotQty.String(),
		PerpQty:     st.PerpQty.String(),
		Detail:      detail,
		UpdatedAtMS: now.UnixMilli(),
	}
	// A step reached while shutting down must still be recorded.
	if err := state.SaveCheckpoint(context.WithoutCancel(ctx), t.deps.Store, cp); err != nil {
		t.log.Warn("checkpoint save failed", zap.String("step", step), zap.Error(err))
	}
	if t.deps.Journal != nil {
		t.deps.Journal.EnqueueHedgeEvent(journal.HedgeEvent{
			Time:     now,
			Asset:    t.cfg.Asset,
			Step:     step,
			Phase:    string(st.Phase),
			SpotOpen: st.SpotOpen,
			PerpOpen: st.PerpOpen,
			SpotQty:  st.SpotQty,
			PerpQty:  st.PerpQty,
			Detail:   detail,
		})
	}
}

func (t *Tracker) reportInconsistent(ctx context.Context, st PositionState, reason string) {
	t.metrics.InconsistentState.Inc()
	t.log.Error("one-legged position",
		zap.String("asset", t.cfg.Asset),
		zap.String("reason", reason),
		zap.String("phase", string(st.Phase)),
		zap.Bool("spot_open", st.SpotOpen),
		zap.Bool("perp_open", st.PerpOpen),
	)
	t.alert(ctx, fmt.Sprintf("%s position is one-legged (%s): spot_open=%t perp_open=%t", t.cfg.Asset, reason, st.SpotOpen, st.PerpOpen))
}

func (t *Tracker) setHedgedGauge(st PositionState) {
	if st.Hedged() {
		t.metrics.Hedged.Set(1)
		return
	}
	t.metrics.Hedged.Set(0)
}

func (t *Tracker) alert(ctx context.Context, msg string) {
	if t.deps.Alerts == nil {
		return
	}
	if err := t.deps.Alerts.Send(ctx, msg); err != nil {
		t.log.Warn("alert send failed", zap.Error(err))
	}
}
