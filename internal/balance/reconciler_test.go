package balance

import (
	"context"
	"errors"
	"testing"

	"hl-funding-arb/internal/account"
	"hl-funding-arb/internal/metrics"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// fakeVenue settles transfers instantly unless lag is set.
type fakeVenue struct {
	spot      decimal.Decimal
	perp      decimal.Decimal
	spotErr   error
	lag       bool
	transfers []fakeTransfer
}

type fakeTransfer struct {
	amount decimal.Decimal
	toPerp bool
}

func (f *fakeVenue) SpotBalance(_ context.Context, coin string) (decimal.Decimal, error) {
	if f.spotErr != nil {
		return decimal.Zero, f.spotErr
	}
	return f.spot, nil
}

func (f *fakeVenue) WithdrawablePerp(context.Context) (decimal.Decimal, error) {
	return f.perp, nil
}

func (f *fakeVenue) USDClassTransfer(_ context.Context, amount decimal.Decimal, toPerp bool) error {
	f.transfers = append(f.transfers, fakeTransfer{amount: amount, toPerp: toPerp})
	if f.lag {
		return nil
	}
	if toPerp {
		f.spot = f.spot.Sub(amount)
		f.perp = f.perp.Add(amount)
	} else {
		f.perp = f.perp.Sub(amount)
		f.spot = f.spot.Add(amount)
	}
	return nil
}

func d(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

func TestReconcileSpotHeavy(t *testing.T) {
	venue := &fakeVenue{spot: d("80"), perp: d("20")}
	r := NewReconciler(venue, venue, "USDC", decimal.Zero, zap.NewNop(), nil)
	res, err := r.Reconcile(context.Background())
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if len(venue.transfers) != 1 {
		t.Fatalf("expected one transfer, got %d", len(venue.transfers))
	}
	tr := venue.transfers[0]
	if !tr.amount.Equal(d("30")) || !tr.toPerp {
		t.Fatalf("expected 30 spot->perp, got %s toPerp=%v", tr.amount, tr.toPerp)
	}
	if !res.Allocation.Equal(d("50")) {
		t.Fatalf("expected allocation 50, got %s", res.Allocation)
	}
	if !res.After.SpotUSDC.Equal(d("50")) || !res.After.PerpUSDC.Equal(d("50")) {
		t.Fatalf("expected 50/50 after, got %s/%s", res.After.SpotUSDC, res.After.PerpUSDC)
	}
	if !res.Converged || res.Direction != DirectionSpotToPerp {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestReconcilePerpHeavy(t *testing.T) {
	venue := &fakeVenue{spot: d("10"), perp: d("90.5")}
	r := NewReconciler(venue, venue, "USDC", decimal.Zero, zap.NewNop(), nil)
	res, err := r.Reconcile(context.Background())
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	tr := venue.transfers[0]
	if !tr.amount.Equal(d("40.25")) || tr.toPerp {
		t.Fatalf("expected 40.25 perp->spot, got %s toPerp=%v", tr.amount, tr.toPerp)
	}
	if res.Direction != DirectionPerpToSpot {
		t.Fatalf("unexpected direction %s", res.Direction)
	}
}

func TestReconcileIdempotent(t *testing.T) {
	venue := &fakeVenue{spot: d("80"), perp: d("20")}
	r := NewReconciler(venue, venue, "USDC", decimal.Zero, zap.NewNop(), nil)
	ctx := context.Background()
	first, err := r.Reconcile(ctx)
	if err != nil {
		t.Fatalf("first reconcile: %v", err)
	}
	second, err := r.Reconcile(ctx)
	if err != nil {
		t.Fatalf("second reconcile: %v", err)
	}
	if len(venue.transfers) != 1 {
		t.Fatalf("expected no second transfer, got %d transfers", len(venue.transfers))
	}
	if second.Allocation.Sub(first.Allocation).Abs().GreaterThanOrEqual(DefaultEpsilon) {
		t.Fatalf("allocations diverged: %s vs %s", first.Allocation, second.Allocation)
	}
}

func TestReconcileMismatchWarnsAndContinues(t *testing.T) {
	m := metrics.NewNoop()
	mismatches := &countingCounter{}
	m.TransferMismatches = mismatches
	venue := &fakeVenue{spot: d("80"), perp: d("20"), lag: true}
	r := NewReconciler(venue, venue, "USDC", decimal.Zero, zap.NewNop(), m)
	res, err := r.Reconcile(context.Background())
	if err != nil {
		t.Fatalf("mismatch must not fail: %v", err)
	}
	if res.Converged {
		t.Fatalf("expected non-converged result")
	}
	if !res.Allocation.Equal(d("50")) {
		t.Fatalf("expected allocation 50, got %s", res.Allocation)
	}
	if mismatches.n != 1 {
		t.Fatalf("expected one mismatch count, got %d", mismatches.n)
	}
}

type countingCounter struct{ n int }

func (c *countingCounter) Inc() { c.n++ }

func TestReconcileBalanceNotFoundAborts(t *testing.T) {
	venue := &fakeVenue{spotErr: account.ErrBalanceNotFound}
	r := NewReconciler(venue, venue, "USDC", decimal.Zero, zap.NewNop(), nil)
	if _, err := r.Reconcile(context.Background()); !errors.Is(err, account.ErrBalanceNotFound) {
		t.Fatalf("expected balance not found, got %v", err)
	}
	if len(venue.transfers) != 0 {
		t.Fatalf("expected no transfer")
	}
}

func TestPlanTruncatesAndSkipsDust(t *testing.T) {
	amount, dir := Plan(Snapshot{SpotUSDC: d("10.0000001"), PerpUSDC: d("10")}, DefaultEpsilon)
	if dir != DirectionNone || !amount.IsZero() {
		t.Fatalf("expected no transfer for dust gap, got %s %s", amount, dir)
	}
	amount, dir = Plan(Snapshot{SpotUSDC: d("0"), PerpUSDC: d("1.0000019")}, DefaultEpsilon)
	if dir != DirectionPerpToSpot || !amount.Equal(d("0.5")) {
		t.Fatalf("expected truncated 0.5 perp->spot, got %s %s", amount, dir)
	}
}
