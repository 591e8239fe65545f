package balance

import (
	"context"
	"errors"
	"fmt"

	"hl-funding-arb/internal/metrics"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var ErrTransferMismatch = errors.New("ledger transfer did not converge")

// transferDecimals is the USDC precision accepted by usdClassTransfer.
const transferDecimals = 6

var DefaultEpsilon = decimal.RequireFromString("0.0001")

type Direction string

const (
	DirectionNone       Direction = "none"
	DirectionSpotToPerp Direction = "spot_to_perp"
	DirectionPerpToSpot Direction = "perp_to_spot"
)

// Snapshot is a point-in-time read of the quote balance in each ledger.
// The two reads are not atomic.
type Snapshot struct {
	SpotUSDC decimal.Decimal
	PerpUSDC decimal.Decimal
	Total    decimal.Decimal
}

type Ledgers interface {
	SpotBalance(ctx context.Context, coin string) (decimal.Decimal, error)
	WithdrawablePerp(ctx context.Context) (decimal.Decimal, error)
}

type Transferer interface {
	USDClassTransfer(ctx context.Context, amount decimal.Decimal, toPerp bool) error
}

type Result struct {
	Allocation  decimal.Decimal
	Before      Snapshot
	After       Snapshot
	Transferred decimal.Decimal
	Direction   Direction
	Converged   bool
}

type Reconciler struct {
	ledgers  Ledgers
	transfer Transferer
	quote    string
	epsilon  decimal.Decimal
	log      *zap.Logger
	metrics  *metrics.Metrics
}

func NewReconciler(ledgers Ledgers, transfer Transferer, quote string, epsilon decimal.Decimal, log *zap.Logger, m *metrics.Metrics) *Reconciler {
	if log == nil {
		log = zap.NewNop()
	}
	if m == nil {
		m = metrics.NewNoop()
	}
	if quote == "" {
		quote = "USDC"
	}
	if !epsilon.IsPositive() {
		epsilon = DefaultEpsilon
	}
	return &Reconciler{ledgers: ledgers, transfer: transfer, quote: quote, epsilon: epsilon, log: log, metrics: m}
}

func (r *Reconciler) Snapshot(ctx context.Context) (Snapshot, error) {
	spot, err := r.ledgers.SpotBalance(ctx, r.quote)
	if err != nil {
		return Snapshot{}, fmt.Errorf("spot %s: %w", r.quote, err)
	}
	perp, err := r.ledgers.WithdrawablePerp(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("perp withdrawable: %w", err)
	}
	return Snapshot{SpotUSDC: spot, PerpUSDC: perp, Total: spot.Add(perp)}, nil
}

// Plan returns the transfer that moves half the gap toward the poorer
// ledger. A gap under epsilon plans no transfer.
func Plan(snap Snapshot, epsilon decimal.Decimal) (decimal.Decimal, Direction) {
	diff := snap.PerpUSDC.Sub(snap.SpotUSDC)
	amount := diff.Abs().Div(decimal.NewFromInt(2)).Truncate(transferDecimals)
	if amount.LessThan(epsilon) {
		return decimal.Zero, DirectionNone
	}
	if diff.IsPositive() {
		return amount, DirectionPerpToSpot
	}
	return amount, DirectionSpotToPerp
}

// Reconcile splits the quote balance evenly between spot and perp and
// returns half of the total as the per-leg allocation. A split that is off
// by epsilon or more after the transfer is logged and counted, not fatal.
func (r *Reconciler) Reconcile(ctx context.Context) (Result, error) {
	before, err := r.Snapshot(ctx)
	if err != nil {
		return Result{}, err
	}
	target := before.Total.Div(decimal.NewFromInt(2))
	res := Result{Allocation: target, Before: before, After: before, Direction: DirectionNone}

	amount, direction := Plan(before, r.epsilon)
	if direction == DirectionNone {
		res.Converged = true
		r.log.Info("ledgers already balanced",
			zap.String("spot", before.SpotUSDC.String()),
			zap.String("perp", before.PerpUSDC.String()),
			zap.String("allocation", target.String()),
		)
		return res, nil
	}
	if err := r.transfer.USDClassTransfer(ctx, amount, direction == DirectionSpotToPerp); err != nil {
		return res, fmt.Errorf("transfer %s %s: %w", amount, direction, err)
	}
	r.metrics.Transfers.Inc()
	res.Transferred = amount
	res.Direction = direction
	r.log.Info("ledger transfer sent",
		zap.String("amount", amount.String()),
		zap.String("direction", string(direction)),
	)

	after, err := r.Snapshot(ctx)
	if err != nil {
		return res, err
	}
	res.After = after
	res.Converged = after.SpotUSDC.Sub(target).Abs().LessThan(r.epsilon) &&
		after.PerpUSDC.Sub(target).Abs().LessThan(r.epsilon)
	if !res.Converged {
		r.metrics.TransferMismatches.Inc()
		r.log.Warn("ledger split off target",
			zap.Error(ErrTransferMismatch),
			zap.String("target", target.String()),
			zap.String("spot", after.SpotUSDC.String()),
			zap.String("perp", after.PerpUSDC.String()),
		)
	}
	return res, nil
}
