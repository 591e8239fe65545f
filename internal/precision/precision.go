// Package precision turns raw prices and sizes into values the exchange
// accepts for a given asset class.
package precision

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

type Class string

const (
	Spot Class = "spot"
	Perp Class = "perp"
)

const (
	perpMaxPriceDecimals = 6
	spotMaxPriceDecimals = 8

	significantFigures = 5
)

var integerPriceThreshold = decimal.NewFromInt(100_000)

var (
	ErrUnknownAsset    = errors.New("unknown asset")
	ErrPrecisionConfig = errors.New("precision config error")
	ErrInvalidPrice    = errors.New("price must be > 0")
	ErrInvalidSize     = errors.New("size must be >= 0")
)

func MaxPriceDecimals(class Class) (int, error) {
	switch class {
	case Perp:
		return perpMaxPriceDecimals, nil
	case Spot:
		return spotMaxPriceDecimals, nil
	default:
		return 0, fmt.Errorf("asset class %q: %w", class, ErrPrecisionConfig)
	}
}

// Table holds szDecimals per symbol for each asset class. It is built once
// from exchange metadata and never mutated afterwards.
type Table struct {
	sizes map[Class]map[string]int
}

func NewTable(spot, perp map[string]int) (*Table, error) {
	t := &Table{sizes: map[Class]map[string]int{
		Spot: make(map[string]int, len(spot)),
		Perp: make(map[string]int, len(perp)),
	}}
	for class, src := range map[Class]map[string]int{Spot: spot, Perp: perp} {
		for symbol, decimals := range src {
			symbol = strings.TrimSpace(symbol)
			if symbol == "" {
				continue
			}
			if decimals < 0 {
				return nil, fmt.Errorf("%s %s sz decimals %d: %w", class, symbol, decimals, ErrPrecisionConfig)
			}
			t.sizes[class][symbol] = decimals
		}
	}
	return t, nil
}

func (t *Table) SizeDecimals(class Class, symbol string) (int, error) {
	if t == nil {
		return 0, fmt.Errorf("%s %s: %w", class, symbol, ErrUnknownAsset)
	}
	bySymbol, ok := t.sizes[class]
	if !ok {
		return 0, fmt.Errorf("asset class %q: %w", class, ErrPrecisionConfig)
	}
	decimals, ok := bySymbol[symbol]
	if !ok {
		return 0, fmt.Errorf("%s %s: %w", class, symbol, ErrUnknownAsset)
	}
	return decimals, nil
}

// PriceDecimals is the number of fractional digits allowed in a price below
// the integer threshold.
func (t *Table) PriceDecimals(class Class, symbol string) (int, error) {
	szDecimals, err := t.SizeDecimals(class, symbol)
	if err != nil {
		return 0, err
	}
	maxDecimals, err := MaxPriceDecimals(class)
	if err != nil {
		return 0, err
	}
	decimals := maxDecimals - szDecimals
	if decimals < 0 {
		return 0, fmt.Errorf("%s %s price decimals %d-%d < 0: %w", class, symbol, maxDecimals, szDecimals, ErrPrecisionConfig)
	}
	return decimals, nil
}

// Validate checks that the symbol can be priced and sized. Callers run it at
// startup so a bad table fails before any order is attempted.
func (t *Table) Validate(class Class, symbol string) error {
	_, err := t.PriceDecimals(class, symbol)
	return err
}

func (t *Table) RoundPrice(class Class, symbol string, price decimal.Decimal) (decimal.Decimal, error) {
	if !price.IsPositive() {
		return decimal.Zero, ErrInvalidPrice
	}
	if _, err := t.SizeDecimals(class, symbol); err != nil {
		return decimal.Zero, err
	}
	if price.GreaterThan(integerPriceThreshold) {
		return price.Round(0), nil
	}
	decimals, err := t.PriceDecimals(class, symbol)
	if err != nil {
		return decimal.Zero, err
	}
	return RoundSignificant(price, significantFigures).Round(int32(decimals)), nil
}

// TruncateSize drops digits beyond szDecimals. It never rounds up, so the
// resulting notional cannot exceed the one requested.
func (t *Table) TruncateSize(class Class, symbol string, size decimal.Decimal) (decimal.Decimal, error) {
	if size.IsNegative() {
		return decimal.Zero, ErrInvalidSize
	}
	decimals, err := t.SizeDecimals(class, symbol)
	if err != nil {
		return decimal.Zero, err
	}
	return size.Truncate(int32(decimals)), nil
}

func (t *Table) RoundOrder(class Class, symbol string, price, size decimal.Decimal) (decimal.Decimal, decimal.Decimal, error) {
	legalPrice, err := t.RoundPrice(class, symbol, price)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	legalSize, err := t.TruncateSize(class, symbol, size)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	return legalPrice, legalSize, nil
}

// RoundSignificant rounds d half away from zero to the given number of
// significant figures.
func RoundSignificant(d decimal.Decimal, figures int) decimal.Decimal {
	if d.IsZero() || figures <= 0 {
		return d
	}
	digits := len(d.Abs().Coefficient().String())
	magnitude := digits + int(d.Exponent()) - 1
	return d.Round(int32(figures - 1 - magnitude))
}
