package rest

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

var ErrInvalidNumber = errors.New("invalid number")

// Number is a decimal value that the API transmits as a JSON string.
type Number string

func (n Number) Decimal() (decimal.Decimal, error) {
	raw := strings.TrimSpace(string(n))
	if raw == "" {
		return decimal.Zero, fmt.Errorf("empty value: %w", ErrInvalidNumber)
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%q: %w", raw, ErrInvalidNumber)
	}
	return d, nil
}

// OrZero parses n and falls back to zero when it is missing or malformed.
func (n Number) OrZero() decimal.Decimal {
	d, err := n.Decimal()
	if err != nil {
		return decimal.Zero
	}
	return d
}

type SpotBalance struct {
	Coin     string `json:"coin"`
	Token    int    `json:"token"`
	Total    Number `json:"total"`
	Hold     Number `json:"hold"`
	EntryNtl Number `json:"entryNtl"`
}

type SpotClearinghouseState struct {
	Balances []SpotBalance `json:"balances"`
}

type MarginSummary struct {
	AccountValue    Number `json:"accountValue"`
	TotalNtlPos     Number `json:"totalNtlPos"`
	TotalRawUsd     Number `json:"totalRawUsd"`
	TotalMarginUsed Number `json:"totalMarginUsed"`
}

type Leverage struct {
	Type  string `json:"type"`
	Value int    `json:"value"`
}

type CumFunding struct {
	AllTime     Number `json:"allTime"`
	SinceOpen   Number `json:"sinceOpen"`
	SinceChange Number `json:"sinceChange"`
}

type Position struct {
	Coin           string   `json:"coin"`
	Szi            Number   `json:"szi"`
	EntryPx        *Number  `json:"entryPx"`
	PositionValue  Number   `json:"positionValue"`
	UnrealizedPnl  Number   `json:"unrealizedPnl"`
	ReturnOnEquity Number   `json:"returnOnEquity"`
	LiquidationPx  *Number  `json:"liquidationPx"`
	MarginUsed     Number   `json:"marginUsed"`
	MaxLeverage    int        `json:"maxLeverage"`
	Leverage       Leverage   `json:"leverage"`
	CumFunding     CumFunding `json:"cumFunding"`
}

type AssetPosition struct {
	Type     string   `json:"type"`
	Position Position `json:"position"`
}

type ClearinghouseState struct {
	MarginSummary              MarginSummary   `json:"marginSummary"`
	CrossMarginSummary         MarginSummary   `json:"crossMarginSummary"`
	CrossMaintenanceMarginUsed Number          `json:"crossMaintenanceMarginUsed"`
	Withdrawable               Number          `json:"withdrawable"`
	AssetPositions             []AssetPosition `json:"assetPositions"`
	Time                       int64           `json:"time"`
}

// PositionFor returns the open position for coin, if any.
func (s ClearinghouseState) PositionFor(coin string) (Position, bool) {
	for _, ap := range s.AssetPositions {
		if ap.Position.Coin == coin {
			return ap.Position, true
		}
	}
	return Position{}, false
}

type PerpAssetMeta struct {
	Name        string `json:"name"`
	SzDecimals  int    `json:"szDecimals"`
	MaxLeverage int    `json:"maxLeverage"`
	IsDelisted  bool   `json:"isDelisted,omitempty"`
}

type Meta struct {
	Universe []PerpAssetMeta `json:"universe"`
}

type AssetCtx struct {
	Funding      Number   `json:"funding"`
	OpenInterest Number   `json:"openInterest"`
	PrevDayPx    Number   `json:"prevDayPx"`
	DayNtlVlm    Number   `json:"dayNtlVlm"`
	Premium      *Number  `json:"premium"`
	OraclePx     Number   `json:"oraclePx"`
	MarkPx       Number   `json:"markPx"`
	MidPx        *Number  `json:"midPx"`
	ImpactPxs    []Number `json:"impactPxs"`
}

// MetaAndAssetCtxs is the two-element array [meta, ctxs] where ctxs[i]
// belongs to meta.Universe[i].
type MetaAndAssetCtxs struct {
	Meta Meta
	Ctxs []AssetCtx
}

func (m *MetaAndAssetCtxs) UnmarshalJSON(data []byte) error {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return err
	}
	if len(parts) != 2 {
		return fmt.Errorf("metaAndAssetCtxs: expected 2 elements, got %d", len(parts))
	}
	if err := json.Unmarshal(parts[0], &m.Meta); err != nil {
		return fmt.Errorf("metaAndAssetCtxs meta: %w", err)
	}
	if err := json.Unmarshal(parts[1], &m.Ctxs); err != nil {
		return fmt.Errorf("metaAndAssetCtxs ctxs: %w", err)
	}
	return nil
}

type SpotToken struct {
	Name        string `json:"name"`
	SzDecimals  int    `json:"szDecimals"`
	WeiDecimals int    `json:"weiDecimals"`
	Index       int    `json:"index"`
	TokenID     string `json:"tokenId"`
	IsCanonical bool   `json:"isCanonical"`
}

type SpotPair struct {
	Name        string `json:"name"`
	Tokens      []int  `json:"tokens"`
	Index       int    `json:"index"`
	IsCanonical bool   `json:"isCanonical"`
}

type SpotMeta struct {
	Tokens   []SpotToken `json:"tokens"`
	Universe []SpotPair  `json:"universe"`
}

type L2Level struct {
	Px Number `json:"px"`
	Sz Number `json:"sz"`
	N  int    `json:"n"`
}

// L2Book levels are [bids, asks], best price first.
type L2Book struct {
	Coin   string      `json:"coin"`
	Time   int64       `json:"time"`
	Levels [][]L2Level `json:"levels"`
}

type OrderInfo struct {
	Coin      string `json:"coin"`
	Side      string `json:"side"`
	LimitPx   Number `json:"limitPx"`
	Sz        Number `json:"sz"`
	Oid       int64  `json:"oid"`
	Timestamp int64  `json:"timestamp"`
	OrigSz    Number `json:"origSz"`
	Cloid     string `json:"cloid,omitempty"`
}

type OrderStatusEntry struct {
	Order           OrderInfo `json:"order"`
	Status          string    `json:"status"`
	StatusTimestamp int64     `json:"statusTimestamp"`
}

// OrderStatusResponse.Status is "order" when the oid is known and
// "unknownOid" otherwise.
type OrderStatusResponse struct {
	Status string            `json:"status"`
	Order  *OrderStatusEntry `json:"order,omitempty"`
}
