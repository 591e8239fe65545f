package exec

import (
	"context"
	"errors"
	"fmt"

	"hl-funding-arb/internal/hl/exchange"
	"hl-funding-arb/internal/hl/rest"
	"hl-funding-arb/internal/market"
	"hl-funding-arb/internal/precision"

	"github.com/shopspring/decimal"
)

type ExchangeClient interface {
	PlaceOrder(ctx context.Context, order exchange.OrderWire) (exchange.OrderStatus, error)
	CancelOrder(ctx context.Context, asset int, orderID int64) error
}

type StatusReader interface {
	OrderStatus(ctx context.Context, user string, oid int64) (rest.OrderStatusResponse, error)
}

type AssetResolver interface {
	Spot(asset string) (market.SpotPair, error)
	SpotAssetID(asset string) (int, error)
	PerpAssetID(asset string) (int, error)
	Mid(ctx context.Context, coin string) (decimal.Decimal, error)
}

// HLVenue maps intents onto Hyperliquid order wires. Aggressive orders
// are IOC limits at mid adjusted by the slippage fraction.
type HLVenue struct {
	exchange ExchangeClient
	status   StatusReader
	assets   AssetResolver
	table    *precision.Table
	user     string
	slippage decimal.Decimal
}

func NewHLVenue(ex ExchangeClient, status StatusReader, assets AssetResolver, table *precision.Table, user string, slippage decimal.Decimal) *HLVenue {
	return &HLVenue{exchange: ex, status: status, assets: assets, table: table, user: user, slippage: slippage}
}

func (v *HLVenue) assetID(class precision.Class, asset string) (int, error) {
	if class == precision.Spot {
		return v.assets.SpotAssetID(asset)
	}
	return v.assets.PerpAssetID(asset)
}

func (v *HLVenue) midCoin(class precision.Class, asset string) (string, error) {
	if class == precision.Perp {
		return asset, nil
	}
	pair, err := v.assets.Spot(asset)
	if err != nil {
		return "", err
	}
	return pair.Coin, nil
}

// SlippagePrice is the aggressive limit for a taker order: mid×(1+s) for
// buys and mid×(1-s) for sells, rounded to an exchange-legal price.
func (v *HLVenue) SlippagePrice(ctx context.Context, class precision.Class, asset string, side Side) (decimal.Decimal, error) {
	coin, err := v.midCoin(class, asset)
	if err != nil {
		return decimal.Zero, err
	}
	mid, err := v.assets.Mid(ctx, coin)
	if err != nil {
		return decimal.Zero, err
	}
	factor := decimal.NewFromInt(1).Sub(v.slippage)
	if side.IsBuy() {
		factor = decimal.NewFromInt(1).Add(v.slippage)
	}
	return v.table.RoundPrice(class, asset, mid.Mul(factor))
}

func (v *HLVenue) SubmitOrder(ctx context.Context, intent OrderIntent) (OrderResult, error) {
	id, err := v.assetID(intent.Class, intent.Asset)
	if err != nil {
		return OrderResult{}, err
	}
	price := intent.Price
	tif := intent.TIF
	if intent.Kind == MarketAggressive {
		tif = exchange.TifIoc
		if price.IsZero() {
			if price, err = v.SlippagePrice(ctx, intent.Class, intent.Asset, intent.Side); err != nil {
				return OrderResult{}, fmt.Errorf("slippage price: %w", err)
			}
		}
	}
	if tif == "" {
		tif = exchange.TifGtc
	}
	wire, err := exchange.LimitOrderWire(id, intent.Side.IsBuy(), intent.Quantity, price, intent.ReduceOnly, tif, intent.Cloid)
	if err != nil {
		return OrderResult{}, err
	}
	status, err := v.exchange.PlaceOrder(ctx, wire)
	if err != nil {
		if errors.Is(err, exchange.ErrActionRejected) {
			detail := status.Error
			if detail == "" {
				detail = err.Error()
			}
			return OrderResult{Errors: []string{detail}}, fmt.Errorf("%w: %s", ErrOrderRejected, detail)
		}
		return OrderResult{}, err
	}
	return resultFromStatus(status), nil
}

func resultFromStatus(status exchange.OrderStatus) OrderResult {
	switch {
	case status.Filled != nil:
		return OrderResult{
			Accepted:  true,
			FilledQty: rest.Number(status.Filled.TotalSz).OrZero(),
			AvgPrice:  rest.Number(status.Filled.AvgPx).OrZero(),
		}
	case status.Resting != nil:
		return OrderResult{Accepted: true, RestingOrderID: status.OrderID()}
	}
	return OrderResult{Errors: []string{status.Error}}
}

func (v *HLVenue) OrderStatus(ctx context.Context, oid int64) (OrderState, error) {
	resp, err := v.status.OrderStatus(ctx, v.user, oid)
	if err != nil {
		return OrderState{}, err
	}
	if resp.Order == nil {
		return OrderState{Status: StatusUnknown}, nil
	}
	orig, err := resp.Order.Order.OrigSz.Decimal()
	if err != nil {
		return OrderState{}, fmt.Errorf("order %d orig size: %w", oid, err)
	}
	remaining, err := resp.Order.Order.Sz.Decimal()
	if err != nil {
		return OrderState{}, fmt.Errorf("order %d size: %w", oid, err)
	}
	return OrderState{
		Status:    resp.Order.Status,
		FilledQty: orig.Sub(remaining),
		Remaining: remaining,
	}, nil
}

func (v *HLVenue) CancelOrder(ctx context.Context, class precision.Class, asset string, oid int64) error {
	id, err := v.assetID(class, asset)
	if err != nil {
		return err
	}
	if err := v.exchange.CancelOrder(ctx, id, oid); err != nil {
		if errors.Is(err, exchange.ErrActionRejected) {
			return fmt.Errorf("%w: %v", ErrOrderRejected, err)
		}
		return err
	}
	return nil
}
