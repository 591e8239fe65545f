package market

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"hl-funding-arb/internal/hl/rest"
	"hl-funding-arb/internal/hl/ws"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	ErrAssetNotFound = errors.New("asset not found")
	ErrNoBookLevel   = errors.New("order book level unavailable")
)

type Side int

const (
	Bid Side = iota
	Ask
)

func (s Side) String() string {
	if s == Ask {
		return "ask"
	}
	return "bid"
}

// InfoClient is the subset of the /info API the market feed reads.
type InfoClient interface {
	MetaAndAssetCtxs(ctx context.Context) (rest.MetaAndAssetCtxs, error)
	SpotMeta(ctx context.Context) (rest.SpotMeta, error)
	L2Book(ctx context.Context, coin string) (rest.L2Book, error)
	AllMids(ctx context.Context) (map[string]rest.Number, error)
}

type PerpAsset struct {
	Name       string
	Index      int
	SzDecimals int
}

type SpotPair struct {
	Base           string
	Quote          string
	Index          int
	Coin           string
	BaseSzDecimals int
}

type assetCtx struct {
	funding   decimal.Decimal
	mark      decimal.Decimal
	updatedAt time.Time
}

type MarketData struct {
	info  InfoClient
	ws    *ws.Client
	log   *zap.Logger
	quote string

	mu         sync.RWMutex
	perp       map[string]PerpAsset
	spot       map[string]SpotPair
	spotTokens map[string]int
	live       map[string]assetCtx
	staleAfter time.Duration
}

func New(info InfoClient, wsClient *ws.Client, quote string, log *zap.Logger) *MarketData {
	if log == nil {
		log = zap.NewNop()
	}
	if quote == "" {
		quote = "USDC"
	}
	return &MarketData{
		info:       info,
		ws:         wsClient,
		log:        log,
		quote:      quote,
		perp:       make(map[string]PerpAsset),
		spot:       make(map[string]SpotPair),
		spotTokens: make(map[string]int),
		live:       make(map[string]assetCtx),
		staleAfter: time.Minute,
	}
}

// Start loads exchange metadata and, when a websocket client is set,
// streams activeAssetCtx for asset in the background.
func (m *MarketData) Start(ctx context.Context, asset string) error {
	if err := m.LoadMeta(ctx); err != nil {
		return err
	}
	if m.ws == nil {
		return nil
	}
	if err := m.ws.Subscribe(ctx, ws.Subscription{Type: ws.ChannelActiveAssetCtx, Coin: asset}); err != nil {
		return err
	}
	go func() {
		if err := m.ws.Run(ctx, m.handleMessage); err != nil && !errors.Is(err, context.Canceled) {
			m.log.Warn("market feed stopped", zap.Error(err))
		}
	}()
	return nil
}

// LoadMeta refreshes perp and spot universes. Asset ids and precision are
// derived from this data.
func (m *MarketData) LoadMeta(ctx context.Context) error {
	perpResp, err := m.info.MetaAndAssetCtxs(ctx)
	if err != nil {
		return fmt.Errorf("load perp meta: %w", err)
	}
	spotResp, err := m.info.SpotMeta(ctx)
	if err != nil {
		return fmt.Errorf("load spot meta: %w", err)
	}
	perp := make(map[string]PerpAsset, len(perpResp.Meta.Universe))
	for i, asset := range perpResp.Meta.Universe {
		perp[asset.Name] = PerpAsset{Name: asset.Name, Index: i, SzDecimals: asset.SzDecimals}
	}
	tokens := make(map[int]rest.SpotToken, len(spotResp.Tokens))
	tokenDecimals := make(map[string]int, len(spotResp.Tokens))
	for _, token := range spotResp.Tokens {
		tokens[token.Index] = token
		tokenDecimals[token.Name] = token.SzDecimals
	}
	spot := make(map[string]SpotPair)
	for _, pair := range spotResp.Universe {
		if len(pair.Tokens) != 2 {
			continue
		}
		base, okBase := tokens[pair.Tokens[0]]
		quote, okQuote := tokens[pair.Tokens[1]]
		if !okBase || !okQuote || quote.Name != m.quote {
			continue
		}
		if existing, ok := spot[base.Name]; ok && existing.Index < pair.Index {
			continue
		}
		spot[base.Name] = SpotPair{
			Base:           base.Name,
			Quote:          quote.Name,
			Index:          pair.Index,
			Coin:           pair.Name,
			BaseSzDecimals: base.SzDecimals,
		}
	}
	m.mu.Lock()
	m.perp = perp
	m.spot = spot
	m.spotTokens = tokenDecimals
	now := time.Now().UTC()
	for i, c := range perpResp.Ctxs {
		if i >= len(perpResp.Meta.Universe) {
			break
		}
		m.live[perpResp.Meta.Universe[i].Name] = assetCtx{funding: c.Funding.OrZero(), mark: c.MarkPx.OrZero(), updatedAt: now}
	}
	m.mu.Unlock()
	return nil
}

// FundingRate reads the current hourly funding rate for a perp asset. The
// rate comes from the ctx at the same index as the asset in the universe.
func (m *MarketData) FundingRate(ctx context.Context, asset string) (decimal.Decimal, error) {
	resp, err := m.info.MetaAndAssetCtxs(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	for i, meta := range resp.Meta.Universe {
		if meta.Name != asset {
			continue
		}
		if i >= len(resp.Ctxs) {
			return decimal.Zero, fmt.Errorf("funding for %s: %w", asset, ErrAssetNotFound)
		}
		rate, err := resp.Ctxs[i].Funding.Decimal()
		if err != nil {
			return decimal.Zero, fmt.Errorf("funding for %s: %w", asset, err)
		}
		m.mu.Lock()
		m.live[asset] = assetCtx{funding: rate, mark: resp.Ctxs[i].MarkPx.OrZero(), updatedAt: time.Now().UTC()}
		m.mu.Unlock()
		return rate, nil
	}
	return decimal.Zero, fmt.Errorf("funding for %s: %w", asset, ErrAssetNotFound)
}

// MarkPrice returns the perp mark price, or zero when none is available.
// Callers treat zero as "no data".
func (m *MarketData) MarkPrice(ctx context.Context, asset string) decimal.Decimal {
	m.mu.RLock()
	cached, ok := m.live[asset]
	stale := m.staleAfter
	m.mu.RUnlock()
	if ok && cached.mark.IsPositive() && time.Since(cached.updatedAt) < stale {
		return cached.mark
	}
	if _, err := m.FundingRate(ctx, asset); err != nil {
		m.log.Debug("mark price unavailable", zap.String("asset", asset), zap.Error(err))
		return decimal.Zero
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.live[asset].mark
}

// BookLevel returns the price at a 1-based depth level of the spot pair
// book for asset.
func (m *MarketData) BookLevel(ctx context.Context, asset string, side Side, level int) (decimal.Decimal, error) {
	if level < 1 {
		return decimal.Zero, fmt.Errorf("book level must be >= 1, got %d", level)
	}
	pair, err := m.Spot(asset)
	if err != nil {
		return decimal.Zero, err
	}
	book, err := m.info.L2Book(ctx, pair.Coin)
	if err != nil {
		return decimal.Zero, err
	}
	idx := int(side)
	if len(book.Levels) <= idx || len(book.Levels[idx]) < level {
		return decimal.Zero, fmt.Errorf("%s %s level %d: %w", pair.Coin, side, level, ErrNoBookLevel)
	}
	px, err := book.Levels[idx][level-1].Px.Decimal()
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s %s level %d: %w", pair.Coin, side, level, err)
	}
	return px, nil
}

// Mid reads the mid price for a coin key as used by allMids ("HYPE" for
// perps, the pair coin such as "@107" for spot).
func (m *MarketData) Mid(ctx context.Context, coin string) (decimal.Decimal, error) {
	mids, err := m.info.AllMids(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	raw, ok := mids[coin]
	if !ok {
		return decimal.Zero, fmt.Errorf("mid for %s: %w", coin, ErrAssetNotFound)
	}
	return raw.Decimal()
}

func (m *MarketData) Perp(asset string) (PerpAsset, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.perp[asset]
	if !ok {
		return PerpAsset{}, fmt.Errorf("perp %s: %w", asset, ErrAssetNotFound)
	}
	return p, nil
}

func (m *MarketData) Spot(asset string) (SpotPair, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.spot[asset]
	if !ok {
		return SpotPair{}, fmt.Errorf("spot %s/%s: %w", asset, m.quote, ErrAssetNotFound)
	}
	return p, nil
}

func (m *MarketData) PerpAssetID(asset string) (int, error) {
	p, err := m.Perp(asset)
	if err != nil {
		return 0, err
	}
	return p.Index, nil
}

// SpotAssetID is 10000 plus the pair index.
func (m *MarketData) SpotAssetID(asset string) (int, error) {
	p, err := m.Spot(asset)
	if err != nil {
		return 0, err
	}
	return 10000 + p.Index, nil
}

type activeAssetCtx struct {
	Coin string        `json:"coin"`
	Ctx  rest.AssetCtx `json:"ctx"`
}

func (m *MarketData) handleMessage(msg ws.Message) {
	if msg.Channel != ws.ChannelActiveAssetCtx {
		return
	}
	var payload activeAssetCtx
	if err := json.Unmarshal(msg.Data, &payload); err != nil {
		m.log.Debug("ws decode error", zap.Error(err))
		return
	}
	if payload.Coin == "" {
		return
	}
	mark, err := payload.Ctx.MarkPx.Decimal()
	if err != nil {
		return
	}
	m.mu.Lock()
	m.live[payload.Coin] = assetCtx{funding: payload.Ctx.Funding.OrZero(), mark: mark, updatedAt: time.Now().UTC()}
	m.mu.Unlock()
}
