package market

import (
	"context"

	"hl-funding-arb/internal/precision"
)

// LoadPrecision builds the rounding table from the perp universe and the
// spot token list. Spot entries are keyed by token name, perp by coin.
func (m *MarketData) LoadPrecision(ctx context.Context) (*precision.Table, error) {
	m.mu.RLock()
	loaded := len(m.perp) > 0 || len(m.spotTokens) > 0
	m.mu.RUnlock()
	if !loaded {
		if err := m.LoadMeta(ctx); err != nil {
			return nil, err
		}
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	spot := make(map[string]int, len(m.spotTokens))
	for name, decimals := range m.spotTokens {
		spot[name] = decimals
	}
	perp := make(map[string]int, len(m.perp))
	for name, asset := range m.perp {
		perp[name] = asset.SzDecimals
	}
	return precision.NewTable(spot, perp)
}
