package account

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"hl-funding-arb/internal/hl/rest"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	ErrBalanceNotFound      = errors.New("balance not found")
	ErrInvalidBalanceFormat = errors.New("invalid balance format")
)

// InfoClient is the subset of the /info API used for account reads.
type InfoClient interface {
	SpotClearinghouseState(ctx context.Context, user string) (rest.SpotClearinghouseState, error)
	ClearinghouseState(ctx context.Context, user string) (rest.ClearinghouseState, error)
}

// RiskSnapshot is read fresh on every risk tick. LiquidationPrice is not
// valid when the exchange reports none. MarkPrice is filled by the caller.
type RiskSnapshot struct {
	Asset                 string
	AccountValue          decimal.Decimal
	MaintenanceMarginUsed decimal.Decimal
	LiquidationPrice      decimal.NullDecimal
	MarkPrice             decimal.Decimal
	PositionSize          decimal.Decimal
	PositionValue         decimal.Decimal
	FundingSinceOpen      decimal.Decimal
}

type Account struct {
	info InfoClient
	log  *zap.Logger
	user string
}

func New(info InfoClient, user string, log *zap.Logger) *Account {
	if log == nil {
		log = zap.NewNop()
	}
	return &Account{info: info, log: log, user: strings.TrimSpace(user)}
}

func (a *Account) User() string {
	return a.user
}

// SpotBalance returns the total spot balance of coin. A coin missing from
// the ledger is ErrBalanceNotFound.
func (a *Account) SpotBalance(ctx context.Context, coin string) (decimal.Decimal, error) {
	state, err := a.info.SpotClearinghouseState(ctx, a.user)
	if err != nil {
		return decimal.Zero, err
	}
	for _, bal := range state.Balances {
		if bal.Coin != coin {
			continue
		}
		total, err := bal.Total.Decimal()
		if err != nil {
			return decimal.Zero, fmt.Errorf("spot %s: %w: %v", coin, ErrInvalidBalanceFormat, err)
		}
		return total, nil
	}
	return decimal.Zero, fmt.Errorf("spot %s: %w", coin, ErrBalanceNotFound)
}

// SpotBalances returns every spot balance keyed by coin. Malformed totals
// fail the whole read.
func (a *Account) SpotBalances(ctx context.Context) (map[string]decimal.Decimal, error) {
	state, err := a.info.SpotClearinghouseState(ctx, a.user)
	if err != nil {
		return nil, err
	}
	out := make(map[string]decimal.Decimal, len(state.Balances))
	for _, bal := range state.Balances {
		total, err := bal.Total.Decimal()
		if err != nil {
			return nil, fmt.Errorf("spot %s: %w: %v", bal.Coin, ErrInvalidBalanceFormat, err)
		}
		out[bal.Coin] = total
	}
	return out, nil
}

// WithdrawablePerp is the USDC that can leave the perp ledger.
func (a *Account) WithdrawablePerp(ctx context.Context) (decimal.Decimal, error) {
	state, err := a.info.ClearinghouseState(ctx, a.user)
	if err != nil {
		return decimal.Zero, err
	}
	w, err := state.Withdrawable.Decimal()
	if err != nil {
		return decimal.Zero, fmt.Errorf("perp withdrawable: %w: %v", ErrInvalidBalanceFormat, err)
	}
	return w, nil
}

// PerpPosition returns the signed size of the perp position on coin, zero
// when flat. Negative is short.
func (a *Account) PerpPosition(ctx context.Context, coin string) (decimal.Decimal, error) {
	state, err := a.info.ClearinghouseState(ctx, a.user)
	if err != nil {
		return decimal.Zero, err
	}
	pos, ok := state.PositionFor(coin)
	if !ok {
		return decimal.Zero, nil
	}
	size, err := pos.Szi.Decimal()
	if err != nil {
		return decimal.Zero, fmt.Errorf("perp %s size: %w", coin, err)
	}
	return size, nil
}

// PositionValue is the notional value of the perp position on coin.
func (a *Account) PositionValue(ctx context.Context, coin string) (decimal.Decimal, error) {
	state, err := a.info.ClearinghouseState(ctx, a.user)
	if err != nil {
		return decimal.Zero, err
	}
	pos, ok := state.PositionFor(coin)
	if !ok {
		return decimal.Zero, nil
	}
	return pos.PositionValue.Decimal()
}

func (a *Account) AccountValue(ctx context.Context) (decimal.Decimal, error) {
	state, err := a.info.ClearinghouseState(ctx, a.user)
	if err != nil {
		return decimal.Zero, err
	}
	return state.MarginSummary.AccountValue.Decimal()
}

// RiskState reads margin health for the perp position on coin.
func (a *Account) RiskState(ctx context.Context, coin string) (RiskSnapshot, error) {
	state, err := a.info.ClearinghouseState(ctx, a.user)
	if err != nil {
		return RiskSnapshot{}, err
	}
	snap := RiskSnapshot{Asset: coin}
	if snap.AccountValue, err = state.MarginSummary.AccountValue.Decimal(); err != nil {
		return RiskSnapshot{}, fmt.Errorf("account value: %w", err)
	}
	if snap.MaintenanceMarginUsed, err = state.CrossMaintenanceMarginUsed.Decimal(); err != nil {
		return RiskSnapshot{}, fmt.Errorf("maintenance margin: %w", err)
	}
	pos, ok := state.PositionFor(coin)
	if !ok {
		return snap, nil
	}
	if snap.PositionSize, err = pos.Szi.Decimal(); err != nil {
		return RiskSnapshot{}, fmt.Errorf("position size: %w", err)
	}
	snap.PositionValue = pos.PositionValue.OrZero()
	snap.FundingSinceOpen = pos.CumFunding.SinceOpen.OrZero()
	if pos.LiquidationPx != nil {
		liq, err := pos.LiquidationPx.Decimal()
		if err != nil {
			a.log.Warn("liquidation price unreadable", zap.String("asset", coin), zap.Error(err))
		} else {
			snap.LiquidationPrice = decimal.NewNullDecimal(liq)
		}
	}
	return snap, nil
}
