package exec

import (
	"context"
	"errors"
	"fmt"
	"time"

	"hl-funding-arb/internal/account"
	"hl-funding-arb/internal/hl/exchange"
	"hl-funding-arb/internal/market"
	"hl-funding-arb/internal/metrics"
	"hl-funding-arb/internal/precision"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type Fallback string

const (
	// FallbackMarket cancels the resting order and takes the remainder with
	// an aggressive order.
	FallbackMarket Fallback = "market"
	// FallbackAbort cancels the resting order and returns ErrFillTimeout.
	FallbackAbort Fallback = "abort"
)

// cancelTimeout bounds the cleanup of a resting order once the caller's
// context has ended.
const cancelTimeout = 5 * time.Second

// Leg steps reported to the progress hook.
const (
	StepSpotFilled = "spot_filled"
	StepPerpFilled = "perp_filled"
	StepSpotClosed = "spot_closed"
	StepPerpClosed = "perp_closed"
)

// Progress is called after each leg step completes so the caller can
// checkpoint mid-sequence.
type Progress func(ctx context.Context, step string, legs Legs)

type Orders interface {
	Place(ctx context.Context, intent OrderIntent) (OrderResult, error)
	Cancel(ctx context.Context, class precision.Class, asset string, oid int64) error
	Status(ctx context.Context, oid int64) (OrderState, error)
}

type Book interface {
	BookLevel(ctx context.Context, asset string, side market.Side, level int) (decimal.Decimal, error)
}

type Holdings interface {
	SpotBalance(ctx context.Context, coin string) (decimal.Decimal, error)
	PerpPosition(ctx context.Context, coin string) (decimal.Decimal, error)
}

type EngineConfig struct {
	Asset        string
	BookLevel    int
	FillTimeout  time.Duration
	PollInterval time.Duration
	PollMax      time.Duration
	Fallback     Fallback
	Dust         decimal.Decimal
}

// Legs reports which legs the exchange holds after an engine call. The
// engine never stores them; the caller owns position state.
type Legs struct {
	SpotOpen bool
	PerpOpen bool
	SpotQty  decimal.Decimal
	PerpQty  decimal.Decimal
	Spot     OrderResult
	Perp     OrderResult
}

type Engine struct {
	orders   Orders
	book     Book
	holdings Holdings
	table    *precision.Table
	cfg      EngineConfig
	log      *zap.Logger
	metrics  *metrics.Metrics
	progress Progress
}

func NewEngine(orders Orders, book Book, holdings Holdings, table *precision.Table, cfg EngineConfig, log *zap.Logger, m *metrics.Metrics) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	if m == nil {
		m = metrics.NewNoop()
	}
	if cfg.BookLevel <= 0 {
		cfg.BookLevel = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.PollMax < cfg.PollInterval {
		cfg.PollMax = cfg.PollInterval
	}
	if cfg.FillTimeout <= 0 {
		cfg.FillTimeout = 10 * time.Minute
	}
	if cfg.Fallback == "" {
		cfg.Fallback = FallbackMarket
	}
	return &Engine{orders: orders, book: book, holdings: holdings, table: table, cfg: cfg, log: log, metrics: m}
}

func (e *Engine) SetProgress(fn Progress) {
	e.progress = fn
}

func (e *Engine) step(ctx context.Context, step string, legs Legs) {
	if e.progress != nil {
		e.progress(ctx, step, legs)
	}
}

// OpenHedge buys allocation worth of spot with a resting bid, waits for the
// fill, then shorts the resulting spot balance on the perp.
func (e *Engine) OpenHedge(ctx context.Context, allocation decimal.Decimal) (Legs, error) {
	var legs Legs
	asset := e.cfg.Asset
	if !allocation.IsPositive() {
		return legs, fmt.Errorf("allocation must be > 0, got %s", allocation)
	}
	bid, err := e.book.BookLevel(ctx, asset, market.Bid, e.cfg.BookLevel)
	if err != nil {
		return legs, fmt.Errorf("spot bid: %w", err)
	}
	price, qty, err := e.table.RoundOrder(precision.Spot, asset, bid, allocation.Div(bid))
	if err != nil {
		return legs, fmt.Errorf("round spot buy: %w", err)
	}
	if !qty.IsPositive() {
		return legs, fmt.Errorf("spot buy %s at %s: %w", allocation, price, ErrSizeTooSmall)
	}
	intent := OrderIntent{
		Class:    precision.Spot,
		Asset:    asset,
		Side:     Buy,
		Quantity: qty,
		Price:    price,
		Kind:     LimitResting,
		TIF:      exchange.TifGtc,
		Cloid:    NewCloid(),
	}
	res, err := e.orders.Place(ctx, intent)
	legs.Spot = res
	if err != nil {
		return legs, fmt.Errorf("spot buy: %w", err)
	}
	legs.SpotOpen = true
	e.log.Info("spot buy accepted",
		zap.String("asset", asset),
		zap.String("price", price.String()),
		zap.String("size", qty.String()),
		zap.Bool("resting", res.Resting()),
	)
	filled, err := e.settle(ctx, intent, res)
	legs.SpotQty = filled
	if err != nil {
		legs.SpotOpen = filled.IsPositive()
		return legs, fmt.Errorf("spot fill: %w", err)
	}
	e.step(ctx, StepSpotFilled, legs)

	held, err := e.holdings.SpotBalance(ctx, asset)
	if err != nil {
		return legs, fmt.Errorf("spot %s balance: %w", asset, err)
	}
	perpQty, err := e.table.TruncateSize(precision.Perp, asset, held)
	if err != nil {
		return legs, fmt.Errorf("round perp short: %w", err)
	}
	if !perpQty.IsPositive() {
		return legs, fmt.Errorf("perp short of %s: %w", held, ErrSizeTooSmall)
	}
	perp := OrderIntent{
		Class:    precision.Perp,
		Asset:    asset,
		Side:     Sell,
		Quantity: perpQty,
		Kind:     MarketAggressive,
		TIF:      exchange.TifIoc,
		Cloid:    NewCloid(),
	}
	pres, err := e.orders.Place(ctx, perp)
	legs.Perp = pres
	if err != nil {
		return legs, fmt.Errorf("perp short: %w", err)
	}
	if !pres.Filled() {
		return legs, fmt.Errorf("%w: perp short not filled", ErrOrderRejected)
	}
	legs.PerpOpen = true
	legs.PerpQty = pres.FilledQty
	e.step(ctx, StepPerpFilled, legs)
	e.log.Info("perp short filled",
		zap.String("asset", asset),
		zap.String("size", pres.FilledQty.String()),
		zap.String("avg_price", pres.AvgPrice.String()),
	)
	return legs, nil
}

// CloseHedge sells the spot balance with a resting ask, then closes the
// whole perp position as reported by the exchange. The perp close runs
// even when the spot sale fails. A leg that cannot be read keeps its flag
// from open.
func (e *Engine) CloseHedge(ctx context.Context, open Legs) (Legs, error) {
	legs := open
	var errs []error
	if err := e.closeSpot(ctx, &legs); err != nil {
		errs = append(errs, fmt.Errorf("spot close: %w", err))
	}
	if err := e.closePerp(ctx, &legs); err != nil {
		errs = append(errs, fmt.Errorf("perp close: %w", err))
	}
	return legs, errors.Join(errs...)
}

func (e *Engine) closeSpot(ctx context.Context, legs *Legs) error {
	asset := e.cfg.Asset
	held, err := e.holdings.SpotBalance(ctx, asset)
	if err != nil {
		if !errors.Is(err, account.ErrBalanceNotFound) {
			return err
		}
		held = decimal.Zero
	}
	qty, err := e.table.TruncateSize(precision.Spot, asset, held)
	if err != nil {
		return err
	}
	if !qty.IsPositive() || qty.LessThanOrEqual(e.cfg.Dust) {
		legs.SpotOpen = false
		return nil
	}
	ask, err := e.book.BookLevel(ctx, asset, market.Ask, e.cfg.BookLevel)
	if err != nil {
		return fmt.Errorf("spot ask: %w", err)
	}
	price, err := e.table.RoundPrice(precision.Spot, asset, ask)
	if err != nil {
		return err
	}
	intent := OrderIntent{
		Class:    precision.Spot,
		Asset:    asset,
		Side:     Sell,
		Quantity: qty,
		Price:    price,
		Kind:     LimitResting,
		TIF:      exchange.TifGtc,
		Cloid:    NewCloid(),
	}
	res, err := e.orders.Place(ctx, intent)
	legs.Spot = res
	if err != nil {
		return err
	}
	filled, err := e.settle(ctx, intent, res)
	legs.SpotQty = filled
	if err != nil {
		return err
	}
	legs.SpotOpen = false
	e.step(ctx, StepSpotClosed, *legs)
	e.log.Info("spot sold", zap.String("asset", asset), zap.String("size", filled.String()), zap.String("price", price.String()))
	return nil
}

func (e *Engine) closePerp(ctx context.Context, legs *Legs) error {
	asset := e.cfg.Asset
	size, err := e.holdings.PerpPosition(ctx, asset)
	if err != nil {
		return err
	}
	if size.IsZero() {
		legs.PerpOpen = false
		e.log.Info("no perp position to close", zap.String("asset", asset))
		return nil
	}
	side := Sell
	if size.IsNegative() {
		side = Buy
	}
	qty, err := e.table.TruncateSize(precision.Perp, asset, size.Abs())
	if err != nil {
		return err
	}
	intent := OrderIntent{
		Class:      precision.Perp,
		Asset:      asset,
		Side:       side,
		Quantity:   qty,
		Kind:       MarketAggressive,
		TIF:        exchange.TifIoc,
		ReduceOnly: true,
		Cloid:      NewCloid(),
	}
	res, err := e.orders.Place(ctx, intent)
	legs.Perp = res
	if err != nil {
		return err
	}
	legs.PerpQty = res.FilledQty
	if !res.Filled() {
		return fmt.Errorf("%w: perp close not filled", ErrOrderRejected)
	}
	legs.PerpOpen = res.FilledQty.LessThan(qty)
	e.step(ctx, StepPerpClosed, *legs)
	e.log.Info("perp closed",
		zap.String("asset", asset),
		zap.String("size", res.FilledQty.String()),
		zap.String("avg_price", res.AvgPrice.String()),
	)
	return nil
}

// settle returns the filled quantity of a placed order, waiting on resting
// orders and applying the configured fallback on timeout.
func (e *Engine) settle(ctx context.Context, intent OrderIntent, res OrderResult) (decimal.Decimal, error) {
	if !res.Resting() {
		return res.FilledQty, nil
	}
	oid := res.RestingOrderID
	st, err := e.WaitFilled(ctx, oid)
	if err == nil {
		return filledOr(st.FilledQty, intent.Quantity), nil
	}
	if ctx.Err() != nil {
		return e.abandon(ctx, intent, oid, st, err)
	}
	if !errors.Is(err, ErrFillTimeout) {
		return st.FilledQty, err
	}
	e.metrics.FillTimeouts.Inc()
	e.log.Warn("resting order not filled in time",
		zap.String("asset", intent.Asset),
		zap.Int64("oid", oid),
		zap.String("filled", st.FilledQty.String()),
		zap.String("fallback", string(e.cfg.Fallback)),
	)
	if cerr := e.orders.Cancel(ctx, intent.Class, intent.Asset, oid); cerr != nil {
		e.log.Warn("cancel after timeout failed", zap.Int64("oid", oid), zap.Error(cerr))
	}
	if final, serr := e.orders.Status(ctx, oid); serr == nil {
		st = final
		if final.Status == StatusFilled {
			return filledOr(final.FilledQty, intent.Quantity), nil
		}
	}
	if e.cfg.Fallback == FallbackAbort {
		return st.FilledQty, err
	}
	remaining, rerr := e.table.TruncateSize(intent.Class, intent.Asset, intent.Quantity.Sub(st.FilledQty))
	if rerr != nil {
		return st.FilledQty, rerr
	}
	if !remaining.IsPositive() {
		return st.FilledQty, nil
	}
	taker := intent
	taker.Quantity = remaining
	taker.Price = decimal.Zero
	taker.Kind = MarketAggressive
	taker.TIF = exchange.TifIoc
	taker.Cloid = NewCloid()
	tres, terr := e.orders.Place(ctx, taker)
	if terr != nil {
		return st.FilledQty, fmt.Errorf("fallback %s: %w", taker.Side, terr)
	}
	return st.FilledQty.Add(tres.FilledQty), nil
}

// abandon pulls a resting order after ctx ended mid-wait so nothing is left
// working on the book, and reports what filled before the cancel.
func (e *Engine) abandon(ctx context.Context, intent OrderIntent, oid int64, st OrderState, cause error) (decimal.Decimal, error) {
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cancelTimeout)
	defer cancel()
	if err := e.orders.Cancel(cleanupCtx, intent.Class, intent.Asset, oid); err != nil {
		e.log.Error("cancel of abandoned order failed",
			zap.String("asset", intent.Asset),
			zap.Int64("oid", oid),
			zap.Error(err),
		)
	}
	if final, err := e.orders.Status(cleanupCtx, oid); err == nil {
		st = final
		if final.Status == StatusFilled {
			return filledOr(final.FilledQty, intent.Quantity), cause
		}
	}
	e.log.Warn("resting order abandoned",
		zap.String("asset", intent.Asset),
		zap.Int64("oid", oid),
		zap.String("filled", st.FilledQty.String()),
		zap.Error(cause),
	)
	return st.FilledQty, cause
}

// WaitFilled polls oid until it fills, reaches another terminal status, the
// fill timeout passes (ErrFillTimeout) or ctx ends. Poll spacing doubles up
// to PollMax.
func (e *Engine) WaitFilled(ctx context.Context, oid int64) (OrderState, error) {
	waitCtx, cancel := context.WithTimeout(ctx, e.cfg.FillTimeout)
	defer cancel()
	interval := e.cfg.PollInterval
	var last OrderState
	for {
		st, err := e.orders.Status(waitCtx, oid)
		switch {
		case err != nil:
			if waitCtx.Err() == nil {
				e.log.Debug("order status poll failed", zap.Int64("oid", oid), zap.Error(err))
			}
		case st.Status == StatusFilled:
			return st, nil
		case st.Status == StatusOpen || st.Status == StatusUnknown:
			last = st
		default:
			return st, fmt.Errorf("%w: order %d %s", ErrOrderRejected, oid, st.Status)
		}
		timer := time.NewTimer(interval)
		select {
		case <-waitCtx.Done():
			timer.Stop()
			if ctx.Err() != nil {
				return last, ctx.Err()
			}
			return last, ErrFillTimeout
		case <-timer.C:
		}
		interval *= 2
		if interval > e.cfg.PollMax {
			interval = e.cfg.PollMax
		}
	}
}

func filledOr(filled, fallback decimal.Decimal) decimal.Decimal {
	if filled.IsPositive() {
		return filled
	}
	return fallback
}
