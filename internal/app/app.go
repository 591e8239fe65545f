package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"hl-funding-arb/internal/account"
	"hl-funding-arb/internal/alerts"
	"hl-funding-arb/internal/balance"
	"hl-funding-arb/internal/config"
	"hl-funding-arb/internal/exec"
	"hl-funding-arb/internal/hl/exchange"
	"hl-funding-arb/internal/hl/rest"
	"hl-funding-arb/internal/hl/ws"
	"hl-funding-arb/internal/journal"
	"hl-funding-arb/internal/market"
	"hl-funding-arb/internal/metrics"
	"hl-funding-arb/internal/precision"
	"hl-funding-arb/internal/risk"
	"hl-funding-arb/internal/state"
	"hl-funding-arb/internal/state/redis"
	"hl-funding-arb/internal/state/sqlite"
	"hl-funding-arb/internal/strategy"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ErrNoFunds is returned at startup when the account holds nothing to trade.
var ErrNoFunds = errors.New("account holds no funds")

type App struct {
	cfg      *config.Config
	log      *zap.Logger
	store    state.Store
	rest     *rest.Client
	ws       *ws.Client
	exchange *exchange.Client
	market   *market.MarketData
	account  *account.Account
	metrics  *metrics.Metrics
	prom     *metrics.Prometheus
	alerts   *alerts.Telegram
	journal  *journal.Writer
	tracker  *strategy.Tracker
	risk     *risk.Monitor

	operatorWarned bool
}

type credentials struct {
	privateKey string
	wallet     string
	account    string
	vault      string
}

func loadCredentials() (credentials, error) {
	creds := credentials{
		privateKey: strings.TrimSpace(os.Getenv("HL_PRIVATE_KEY")),
		wallet:     strings.TrimSpace(os.Getenv("HL_WALLET_ADDRESS")),
		account:    strings.TrimSpace(os.Getenv("HL_ACCOUNT_ADDRESS")),
		vault:      strings.TrimSpace(os.Getenv("HL_VAULT_ADDRESS")),
	}
	if creds.wallet == "" {
		return credentials{}, errors.New("HL_WALLET_ADDRESS is required")
	}
	if creds.privateKey == "" {
		return credentials{}, errors.New("HL_PRIVATE_KEY is required")
	}
	if creds.account == "" {
		creds.account = creds.wallet
	}
	return creds, nil
}

func isMainnet(baseURL string) bool {
	return !strings.Contains(strings.ToLower(baseURL), "testnet")
}

func openStore(ctx context.Context, cfg config.StateConfig) (state.Store, error) {
	switch cfg.Backend {
	case config.StateBackendRedis:
		return redis.New(ctx, redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Prefix:   cfg.RedisPrefix,
		})
	case config.StateBackendSQLite, "":
		return sqlite.New(cfg.SQLitePath)
	default:
		return nil, fmt.Errorf("unknown state backend %q", cfg.Backend)
	}
}

func New(cfg *config.Config, log *zap.Logger) (*App, error) {
	creds, err := loadCredentials()
	if err != nil {
		return nil, err
	}
	signer, err := exchange.NewSigner(creds.privateKey, isMainnet(cfg.REST.BaseURL))
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(creds.wallet, signer.Address().Hex()) {
		return nil, fmt.Errorf("wallet address does not match private key: got %s expected %s", creds.wallet, signer.Address().Hex())
	}
	exClient, err := exchange.NewClient(cfg.REST.BaseURL, cfg.REST.Timeout, signer, creds.vault)
	if err != nil {
		return nil, err
	}
	exClient.SetLogger(log)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	store, err := openStore(ctx, cfg.State)
	if err != nil {
		return nil, fmt.Errorf("open %s state store: %w", cfg.State.Backend, err)
	}
	journalWriter, err := journal.New(cfg.Journal, log)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("open journal: %w", err)
	}

	restClient := rest.New(cfg.REST.BaseURL, cfg.REST.Timeout, log)
	var wsClient *ws.Client
	if cfg.WS.EnabledValue() {
		wsClient = ws.New(cfg.WS.URL, cfg.WS.ReconnectDelay, cfg.WS.PingInterval, log)
	}

	m := metrics.NewNoop()
	var prom *metrics.Prometheus
	if cfg.Metrics.EnabledValue() {
		prom = metrics.NewPrometheus()
		m = prom.Metrics
	}

	return &App{
		cfg:      cfg,
		log:      log,
		store:    store,
		rest:     restClient,
		ws:       wsClient,
		exchange: exClient,
		market:   market.New(restClient, wsClient, cfg.Strategy.QuoteAsset, log),
		account:  account.New(restClient, creds.account, log),
		metrics:  m,
		prom:     prom,
		alerts:   alerts.NewTelegram(cfg.Telegram, log),
		journal:  journalWriter,
	}, nil
}

// Run loads metadata, checks the account, rebuilds position state from
// the exchange and then runs the funding and risk loops until ctx ends.
func (a *App) Run(ctx context.Context) error {
	defer a.close()
	a.initNonces(ctx)

	asset := a.cfg.Strategy.Asset
	if err := a.market.Start(ctx, asset); err != nil {
		return fmt.Errorf("load market metadata: %w", err)
	}
	table, err := a.market.LoadPrecision(ctx)
	if err != nil {
		return fmt.Errorf("load precision: %w", err)
	}
	for _, class := range []precision.Class{precision.Spot, precision.Perp} {
		if err := table.Validate(class, asset); err != nil {
			return fmt.Errorf("%s precision for %s: %w", class, asset, err)
		}
	}
	if err := a.checkFunds(ctx); err != nil {
		return err
	}
	a.build(table)

	if _, err := a.tracker.Recover(ctx); err != nil {
		return fmt.Errorf("recover position: %w", err)
	}
	a.journal.Start(ctx)
	a.serveMetrics(ctx)
	a.startOperator(ctx)

	sched := NewScheduler(a.cfg.Strategy.ErrorCooldown, a.log, a.metrics)
	sched.Add("funding", a.cfg.Strategy.CheckInterval, a.tracker.Tick)
	sched.Add("risk", a.cfg.Risk.Interval, a.risk.Tick)
	a.log.Info("bot started",
		zap.String("asset", asset),
		zap.String("user", a.account.User()),
		zap.Duration("check_interval", a.cfg.Strategy.CheckInterval),
		zap.Duration("risk_interval", a.cfg.Risk.Interval),
	)
	return sched.Run(ctx)
}

// build wires the trading components once the precision table is known.
func (a *App) build(table *precision.Table) {
	cfg := a.cfg.Strategy
	venue := exec.NewHLVenue(a.exchange, a.rest, a.market, table, a.account.User(), decimal.NewFromFloat(cfg.Slippage))
	executor := exec.New(venue, a.store, a.log, a.metrics)
	engine := exec.NewEngine(executor, a.market, a.account, table, exec.EngineConfig{
		Asset:        cfg.Asset,
		BookLevel:    cfg.BookLevel,
		FillTimeout:  cfg.FillTimeout,
		PollInterval: cfg.FillPollInterval,
		PollMax:      cfg.FillPollMax,
		Fallback:     exec.Fallback(cfg.FillFallback),
		Dust:         decimal.NewFromFloat(cfg.DustBalance),
	}, a.log, a.metrics)
	reconciler := balance.NewReconciler(a.account, a.exchange, cfg.QuoteAsset, decimal.NewFromFloat(cfg.TransferEpsilon), a.log, a.metrics)

	a.tracker = strategy.NewTracker(strategy.TrackerConfig{
		Asset: cfg.Asset,
		Dust:  decimal.NewFromFloat(cfg.DustBalance),
	}, strategy.Deps{
		Market:     a.market,
		Reconciler: reconciler,
		Hedger:     engine,
		Holdings:   a.account,
		Store:      a.store,
		Alerts:     a.alerts,
		Journal:    a.journal,
	}, a.log, a.metrics)
	engine.SetProgress(a.tracker.RecordStep)

	a.risk = risk.NewMonitor(risk.Config{
		Asset:      cfg.Asset,
		Multiplier: decimal.NewFromFloat(a.cfg.Risk.MarginWarningMultiplier),
	}, a.tracker, a.account, a.market, a.alerts, a.journal, a.log, a.metrics)
}

// checkFunds refuses to start an account with no perp equity and no spot
// holdings.
func (a *App) checkFunds(ctx context.Context) error {
	value, err := a.account.AccountValue(ctx)
	if err != nil {
		return fmt.Errorf("read account value: %w", err)
	}
	if value.IsPositive() {
		return nil
	}
	balances, err := a.account.SpotBalances(ctx)
	if err != nil {
		return fmt.Errorf("read spot balances: %w", err)
	}
	for _, bal := range balances {
		if bal.IsPositive() {
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrNoFunds, a.account.User())
}

func (a *App) initNonces(ctx context.Context) {
	if a.exchange == nil || a.store == nil {
		return
	}
	if err := a.exchange.InitNonceStore(ctx, a.store); err != nil {
		a.log.Warn("nonce store init failed", zap.Error(err))
		return
	}
	if st, ok := a.exchange.NonceState(); ok {
		a.log.Info("nonce persistence enabled", zap.String("nonce_key", st.Key), zap.Uint64("nonce_seed", st.Last))
	}
}

func (a *App) serveMetrics(ctx context.Context) {
	if a.prom == nil {
		return
	}
	mux := http.NewServeMux()
	mux.Handle(a.cfg.Metrics.Path, a.prom.Handler())
	srv := &http.Server{
		Addr:              a.cfg.Metrics.Address,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		a.log.Info("metrics listening", zap.String("address", srv.Addr), zap.String("path", a.cfg.Metrics.Path))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Warn("metrics server stopped", zap.Error(err))
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
}

func (a *App) close() {
	if dropped := a.journal.Dropped(); dropped > 0 {
		a.log.Warn("journal dropped records", zap.Uint64("dropped", dropped))
	}
	if err := a.journal.Close(); err != nil {
		a.log.Warn("journal close failed", zap.Error(err))
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("state store close failed", zap.Error(err))
		}
	}
}
