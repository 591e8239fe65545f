package risk

import (
	"context"
	"fmt"
	"time"

	"hl-funding-arb/internal/account"
	"hl-funding-arb/internal/journal"
	"hl-funding-arb/internal/metrics"
	"hl-funding-arb/internal/strategy"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var DefaultMultiplier = decimal.RequireFromString("1.2")

type Positions interface {
	Snapshot() strategy.PositionState
}

type Account interface {
	RiskState(ctx context.Context, coin string) (account.RiskSnapshot, error)
}

type Marks interface {
	MarkPrice(ctx context.Context, asset string) decimal.Decimal
}

type Alerter interface {
	Send(ctx context.Context, message string) error
}

type Recorder interface {
	EnqueueRisk(obs journal.RiskObservation)
}

// Assessment is the outcome of one risk check.
type Assessment struct {
	Snapshot  account.RiskSnapshot
	Threshold decimal.Decimal
	// MarginWarning is set when account value is at or below Threshold.
	MarginWarning bool
	// LiquidationChecked is false when the mark price is the zero sentinel
	// or the exchange reports no liquidation price.
	LiquidationChecked bool
	LiquidationWarning bool
}

func (a Assessment) Warning() bool {
	return a.MarginWarning || a.LiquidationWarning
}

// Assess applies the margin and liquidation checks. The dangerous side of
// the liquidation price follows the position: a short is at risk when mark
// rises to it, a long when mark falls to it.
func Assess(snap account.RiskSnapshot, multiplier decimal.Decimal) Assessment {
	out := Assessment{
		Snapshot:  snap,
		Threshold: snap.MaintenanceMarginUsed.Mul(multiplier),
	}
	out.MarginWarning = snap.AccountValue.LessThanOrEqual(out.Threshold)
	if !snap.MarkPrice.IsPositive() || !snap.LiquidationPrice.Valid || snap.PositionSize.IsZero() {
		return out
	}
	out.LiquidationChecked = true
	liq := snap.LiquidationPrice.Decimal
	if snap.PositionSize.IsNegative() {
		out.LiquidationWarning = snap.MarkPrice.GreaterThanOrEqual(liq)
	} else {
		out.LiquidationWarning = snap.MarkPrice.LessThanOrEqual(liq)
	}
	return out
}

// Monitor reports margin health of the perp leg. It only observes; it
// never changes position state or places orders.
type Monitor struct {
	asset      string
	multiplier decimal.Decimal
	positions  Positions
	account    Account
	marks      Marks
	alerts     Alerter
	journal    Recorder
	log        *zap.Logger
	metrics    *metrics.Metrics
	now        func() time.Time
}

type Config struct {
	Asset      string
	Multiplier decimal.Decimal
}

// NewMonitor builds a monitor. alerts and journal may be nil.
func NewMonitor(cfg Config, positions Positions, acct Account, marks Marks, alerts Alerter, journal Recorder, log *zap.Logger, m *metrics.Metrics) *Monitor {
	if log == nil {
		log = zap.NewNop()
	}
	if m == nil {
		m = metrics.NewNoop()
	}
	if !cfg.Multiplier.IsPositive() {
		cfg.Multiplier = DefaultMultiplier
	}
	return &Monitor{
		asset:      cfg.Asset,
		multiplier: cfg.Multiplier,
		positions:  positions,
		account:    acct,
		marks:      marks,
		alerts:     alerts,
		journal:    journal,
		log:        log,
		metrics:    m,
		now:        time.Now,
	}
}

// Tick runs one check. It is a no-op while the perp leg is closed.
func (m *Monitor) Tick(ctx context.Context) error {
	_, err := m.Check(ctx)
	return err
}

// Check returns the assessment, or a zero Assessment while the perp leg is
// closed.
func (m *Monitor) Check(ctx context.Context) (Assessment, error) {
	if !m.positions.Snapshot().PerpOpen {
		m.log.Debug("perp leg closed, skipping risk check", zap.String("asset", m.asset))
		return Assessment{}, nil
	}
	snap, err := m.account.RiskState(ctx, m.asset)
	if err != nil {
		return Assessment{}, fmt.Errorf("risk state: %w", err)
	}
	snap.MarkPrice = m.marks.MarkPrice(ctx, m.asset)
	res := Assess(snap, m.multiplier)
	headroom, _ := snap.AccountValue.Sub(res.Threshold).Float64()
	m.metrics.MarginHeadroom.Set(headroom)
	m.record(res)

	fields := []zap.Field{
		zap.String("asset", m.asset),
		zap.String("account_value", snap.AccountValue.String()),
		zap.String("maintenance_margin", snap.MaintenanceMarginUsed.String()),
		zap.String("threshold", res.Threshold.String()),
		zap.String("mark", snap.MarkPrice.String()),
		zap.String("position", snap.PositionSize.String()),
	}
	if snap.LiquidationPrice.Valid {
		fields = append(fields, zap.String("liquidation", snap.LiquidationPrice.Decimal.String()))
	}
	if !snap.MarkPrice.IsPositive() {
		m.log.Warn("mark price unavailable, liquidation check skipped", zap.String("asset", m.asset))
	}
	if !res.Warning() {
		m.log.Info("risk check ok", fields...)
		return res, nil
	}
	m.metrics.RiskWarnings.Inc()
	fields = append(fields, zap.Bool("margin_warning", res.MarginWarning), zap.Bool("liquidation_warning", res.LiquidationWarning))
	m.log.Warn("risk warning", fields...)
	m.alert(ctx, res)
	return res, nil
}

func (m *Monitor) record(res Assessment) {
	if m.journal == nil {
		return
	}
	snap := res.Snapshot
	m.journal.EnqueueRisk(journal.RiskObservation{
		Time:                  m.now().UTC(),
		Asset:                 m.asset,
		AccountValue:          snap.AccountValue,
		MaintenanceMarginUsed: snap.MaintenanceMarginUsed,
		Threshold:             res.Threshold,
		MarkPrice:             snap.MarkPrice,
		LiquidationPrice:      snap.LiquidationPrice,
		PositionSize:          snap.PositionSize,
		Warning:               res.Warning(),
	})
}

func (m *Monitor) alert(ctx context.Context, res Assessment) {
	if m.alerts == nil {
		return
	}
	snap := res.Snapshot
	msg := fmt.Sprintf("%s risk warning: account value %s, threshold %s", m.asset, snap.AccountValue.StringFixed(2), res.Threshold.StringFixed(2))
	if res.LiquidationWarning {
		msg += fmt.Sprintf(", mark %s past liquidation %s", snap.MarkPrice, snap.LiquidationPrice.Decimal)
	}
	if err := m.alerts.Send(ctx, msg); err != nil {
		m.log.Warn("alert send failed", zap.Error(err))
	}
}
