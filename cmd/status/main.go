package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"hl-funding-arb/internal/account"
	"hl-funding-arb/internal/config"
	"hl-funding-arb/internal/hl/rest"
	"hl-funding-arb/internal/logging"
	"hl-funding-arb/internal/market"
	"hl-funding-arb/internal/precision"
	"hl-funding-arb/internal/risk"
	"hl-funding-arb/internal/state"
	"hl-funding-arb/internal/state/redis"
	"hl-funding-arb/internal/state/sqlite"
	"hl-funding-arb/internal/strategy"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const defaultEnvFile = ".env"

// status prints what the bot would see on its next tick without placing
// orders or moving funds.
func main() {
	configPath := flag.String("config", "internal/config/config.yaml", "path to config file")
	skipState := flag.Bool("no-state", false, "do not read the last checkpoint from the state store")
	flag.Parse()

	if err := config.LoadEnv(defaultEnvFile); err != nil {
		fatal(err)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal(err)
	}
	log := logging.New(config.LoggingConfig{Level: "warn"})
	defer func() { _ = log.Sync() }()

	user := strings.TrimSpace(os.Getenv("HL_ACCOUNT_ADDRESS"))
	if user == "" {
		user = strings.TrimSpace(os.Getenv("HL_WALLET_ADDRESS"))
	}
	if user == "" {
		fatal(errors.New("HL_ACCOUNT_ADDRESS or HL_WALLET_ADDRESS is required"))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	asset := cfg.Strategy.Asset
	restClient := rest.New(cfg.REST.BaseURL, cfg.REST.Timeout, log)
	md := market.New(restClient, nil, cfg.Strategy.QuoteAsset, log)
	if err := md.LoadMeta(ctx); err != nil {
		fatal(err)
	}
	acct := account.New(restClient, user, log)

	fmt.Printf("user: %s\n", user)
	printMarket(ctx, md, asset, cfg.Strategy.BookLevel)
	printPrecision(ctx, md, asset)
	printBalances(ctx, acct, asset)
	printRisk(ctx, acct, md, asset, decimal.NewFromFloat(cfg.Risk.MarginWarningMultiplier))
	if !*skipState {
		printCheckpoint(ctx, cfg.State, log)
	}
}

func printMarket(ctx context.Context, md *market.MarketData, asset string, level int) {
	perp, err := md.Perp(asset)
	if err != nil {
		fatal(err)
	}
	spot, err := md.Spot(asset)
	if err != nil {
		fatal(err)
	}
	fmt.Printf("perp: %s asset_id=%d\n", perp.Name, perp.Index)
	fmt.Printf("spot: %s/%s coin=%s asset_id=%d\n", spot.Base, spot.Quote, spot.Coin, 10000+spot.Index)

	rate, err := md.FundingRate(ctx, asset)
	if err != nil {
		fmt.Printf("funding_rate: unavailable (%v)\n", err)
	} else {
		fmt.Printf("funding_rate: %s hourly, %s%% annualized\n", rate, strategy.AnnualizedRate(rate).Shift(2).StringFixed(2))
	}
	fmt.Printf("mark_price: %s\n", md.MarkPrice(ctx, asset))
	for _, side := range []market.Side{market.Bid, market.Ask} {
		px, err := md.BookLevel(ctx, asset, side, level)
		if err != nil {
			fmt.Printf("spot_%s_level_%d: unavailable (%v)\n", side, level, err)
			continue
		}
		fmt.Printf("spot_%s_level_%d: %s\n", side, level, px)
	}
}

func printPrecision(ctx context.Context, md *market.MarketData, asset string) {
	table, err := md.LoadPrecision(ctx)
	if err != nil {
		fatal(err)
	}
	for _, class := range []precision.Class{precision.Spot, precision.Perp} {
		sz, err := table.SizeDecimals(class, asset)
		if err != nil {
			fmt.Printf("%s_precision: %v\n", class, err)
			continue
		}
		px, err := table.PriceDecimals(class, asset)
		if err != nil {
			fmt.Printf("%s_precision: size_decimals=%d price: %v\n", class, sz, err)
			continue
		}
		fmt.Printf("%s_precision: size_decimals=%d price_decimals=%d\n", class, sz, px)
	}
}

func printBalances(ctx context.Context, acct *account.Account, asset string) {
	balances, err := acct.SpotBalances(ctx)
	if err != nil {
		fatal(err)
	}
	coins := make([]string, 0, len(balances))
	for coin := range balances {
		coins = append(coins, coin)
	}
	sort.Strings(coins)
	for _, coin := range coins {
		fmt.Printf("spot_balance: %s %s\n", balances[coin], coin)
	}
	if withdrawable, err := acct.WithdrawablePerp(ctx); err == nil {
		fmt.Printf("perp_withdrawable: %s\n", withdrawable)
	}
	if value, err := acct.AccountValue(ctx); err == nil {
		fmt.Printf("account_value: %s\n", value)
	}
	if size, err := acct.PerpPosition(ctx, asset); err == nil {
		fmt.Printf("perp_position: %s %s\n", size, asset)
	}
	if value, err := acct.PositionValue(ctx, asset); err == nil {
		fmt.Printf("position_value: %s\n", value)
	}
}

func printRisk(ctx context.Context, acct *account.Account, md *market.MarketData, asset string, multiplier decimal.Decimal) {
	snap, err := acct.RiskState(ctx, asset)
	if err != nil {
		fmt.Printf("risk: unavailable (%v)\n", err)
		return
	}
	snap.MarkPrice = md.MarkPrice(ctx, asset)
	res := risk.Assess(snap, multiplier)
	liq := "none"
	if snap.LiquidationPrice.Valid {
		liq = snap.LiquidationPrice.Decimal.String()
	}
	fmt.Printf("risk: maintenance_margin=%s threshold=%s liquidation=%s margin_warning=%t liquidation_warning=%t\n",
		snap.MaintenanceMarginUsed, res.Threshold.StringFixed(2), liq, res.MarginWarning, res.LiquidationWarning)
}

func printCheckpoint(ctx context.Context, cfg config.StateConfig, log *zap.Logger) {
	store, err := openStore(ctx, cfg)
	if err != nil {
		log.Warn("state store unavailable", zap.Error(err))
		return
	}
	if store == nil {
		fmt.Println("checkpoint: none")
		return
	}
	defer store.Close()
	cp, ok, err := state.LoadCheckpoint(ctx, store)
	if err != nil {
		fmt.Printf("checkpoint: unreadable (%v)\n", err)
		return
	}
	if !ok {
		fmt.Println("checkpoint: none")
		return
	}
	fmt.Printf("checkpoint: step=%s phase=%s spot_open=%t perp_open=%t spot_qty=%s perp_qty=%s at=%s\n",
		cp.Step, cp.Phase, cp.SpotOpen, cp.PerpOpen, cp.SpotQty, cp.PerpQty,
		time.UnixMilli(cp.UpdatedAtMS).UTC().Format(time.RFC3339))
	if cp.Detail != "" {
		fmt.Printf("checkpoint_detail: %s\n", cp.Detail)
	}
}

// openStore returns nil without error when the sqlite file does not exist
// yet, so a status call never creates bot state.
func openStore(ctx context.Context, cfg config.StateConfig) (state.Store, error) {
	if cfg.Backend == config.StateBackendRedis {
		return redis.New(ctx, redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Prefix:   cfg.RedisPrefix,
		})
	}
	if _, err := os.Stat(cfg.SQLitePath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	return sqlite.New(cfg.SQLitePath)
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
