package exec

import (
	"context"
	"encoding/hex"
	"errors"
	"strings"

	"hl-funding-arb/internal/hl/exchange"
	"hl-funding-arb/internal/precision"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	ErrOrderRejected = errors.New("order rejected")
	ErrFillTimeout   = errors.New("resting order not filled before timeout")
	ErrSizeTooSmall  = errors.New("order size rounds to zero")
)

type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

func (s Side) IsBuy() bool {
	return s == Buy
}

type Kind int

const (
	LimitResting Kind = iota
	MarketAggressive
)

func (k Kind) String() string {
	if k == MarketAggressive {
		return "market"
	}
	return "limit"
}

// OrderIntent is what the engine wants on the book. Price may be zero for
// MarketAggressive orders; the venue then derives a slippage-bounded limit.
type OrderIntent struct {
	Class      precision.Class
	Asset      string
	Side       Side
	Quantity   decimal.Decimal
	Price      decimal.Decimal
	Kind       Kind
	TIF        exchange.Tif
	ReduceOnly bool
	Cloid      string
}

type OrderResult struct {
	Accepted       bool            `json:"accepted"`
	FilledQty      decimal.Decimal `json:"filled_qty"`
	AvgPrice       decimal.Decimal `json:"avg_price"`
	RestingOrderID int64           `json:"resting_order_id,omitempty"`
	Errors         []string        `json:"errors,omitempty"`
}

func (r OrderResult) Resting() bool {
	return r.Accepted && r.RestingOrderID != 0
}

func (r OrderResult) Filled() bool {
	return r.Accepted && r.RestingOrderID == 0 && r.FilledQty.IsPositive()
}

// OrderState is a polled view of an order that was resting.
type OrderState struct {
	Status    string
	FilledQty decimal.Decimal
	Remaining decimal.Decimal
}

const (
	StatusOpen     = "open"
	StatusFilled   = "filled"
	StatusCanceled = "canceled"
	StatusUnknown  = "unknownOid"
)

// Venue is the exchange capability the engine needs.
type Venue interface {
	SubmitOrder(ctx context.Context, intent OrderIntent) (OrderResult, error)
	OrderStatus(ctx context.Context, oid int64) (OrderState, error)
	CancelOrder(ctx context.Context, class precision.Class, asset string, oid int64) error
}

// NewCloid returns a random 128-bit client order id in exchange format.
func NewCloid() string {
	id := uuid.New()
	return "0x" + strings.ToLower(hex.EncodeToString(id[:]))
}
