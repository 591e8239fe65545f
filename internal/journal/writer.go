package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"hl-funding-arb/internal/config"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const writeTimeout = 3 * time.Second

type FundingObservation struct {
	Time      time.Time
	Asset     string
	Rate      decimal.Decimal
	MarkPrice decimal.Decimal
	Phase     string
}

// HedgeEvent is one saga step of an open or close.
type HedgeEvent struct {
	Time     time.Time
	Asset    string
	Step     string
	Phase    string
	SpotOpen bool
	PerpOpen bool
	SpotQty  decimal.Decimal
	PerpQty  decimal.Decimal
	Detail   string
}

type RiskObservation struct {
	Time                  time.Time
	Asset                 string
	AccountValue          decimal.Decimal
	MaintenanceMarginUsed decimal.Decimal
	Threshold             decimal.Decimal
	MarkPrice             decimal.Decimal
	LiquidationPrice      decimal.NullDecimal
	PositionSize          decimal.Decimal
	Warning               bool
}

type Writer struct {
	db      *sql.DB
	log     *zap.Logger
	schema  string
	funding chan FundingObservation
	hedges  chan HedgeEvent
	risk    chan RiskObservation
	started atomic.Bool
	dropped atomic.Uint64
}

// New opens the journal database. It returns a nil writer when the journal
// is disabled; all Writer methods accept a nil receiver.
func New(cfg config.JournalConfig, log *zap.Logger) (*Writer, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("journal dsn is required")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	writer := newWriter(db, cfg.Schema, cfg.QueueSize, log)
	if err := writer.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return writer, nil
}

func newWriter(db *sql.DB, schema string, queueSize int, log *zap.Logger) *Writer {
	if log == nil {
		log = zap.NewNop()
	}
	schema = strings.TrimSpace(schema)
	if schema == "" {
		schema = "public"
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Writer{
		db:      db,
		log:     log,
		schema:  schema,
		funding: make(chan FundingObservation, queueSize),
		hedges:  make(chan HedgeEvent, queueSize),
		risk:    make(chan RiskObservation, queueSize),
	}
}

func (w *Writer) Start(ctx context.Context) {
	if w == nil {
		return
	}
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	go w.run(ctx)
}

func (w *Writer) Close() error {
	if w == nil || w.db == nil {
		return nil
	}
	return w.db.Close()
}

// Dropped is the number of records discarded on a full queue.
func (w *Writer) Dropped() uint64 {
	if w == nil {
		return 0
	}
	return w.dropped.Load()
}

func (w *Writer) EnqueueFunding(obs FundingObservation) {
	if w == nil {
		return
	}
	select {
	case w.funding <- obs:
	default:
		w.drop("funding")
	}
}

func (w *Writer) EnqueueHedgeEvent(event HedgeEvent) {
	if w == nil {
		return
	}
	select {
	case w.hedges <- event:
	default:
		w.drop("hedge event")
	}
}

func (w *Writer) EnqueueRisk(obs RiskObservation) {
	if w == nil {
		return
	}
	select {
	case w.risk <- obs:
	default:
		w.drop("risk")
	}
}

func (w *Writer) drop(kind string) {
	if w.dropped.Add(1) == 1 {
		w.log.Warn("journal queue full", zap.String("kind", kind))
	}
}

func (w *Writer) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case obs := <-w.funding:
			w.insert(ctx, "funding", w.fundingInsert(), obs.Time, obs.Asset, obs.Rate, obs.MarkPrice, obs.Phase)
		case ev := <-w.hedges:
			w.insert(ctx, "hedge event", w.hedgeInsert(),
				ev.Time, ev.Asset, ev.Step, ev.Phase, ev.SpotOpen, ev.PerpOpen, ev.SpotQty, ev.PerpQty, ev.Detail)
		case obs := <-w.risk:
			w.insert(ctx, "risk", w.riskInsert(),
				obs.Time, obs.Asset, obs.AccountValue, obs.MaintenanceMarginUsed, obs.Threshold,
				obs.MarkPrice, obs.LiquidationPrice, obs.PositionSize, obs.Warning)
		}
	}
}

func (w *Writer) ensureSchema(ctx context.Context) error {
	if w.db == nil {
		return errors.New("journal db not initialized")
	}
	if w.schema != "public" {
		if err := w.exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", w.schema)); err != nil {
			return err
		}
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		asset TEXT NOT NULL,
		funding_rate NUMERIC NOT NULL,
		mark_price NUMERIC NOT NULL,
		phase TEXT NOT NULL
	)`, w.table("funding_observations"))); err != nil {
		return err
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		asset TEXT NOT NULL,
		step TEXT NOT NULL,
		phase TEXT NOT NULL,
		spot_open BOOLEAN NOT NULL,
		perp_open BOOLEAN NOT NULL,
		spot_qty NUMERIC NOT NULL,
		perp_qty NUMERIC NOT NULL,
		detail TEXT NOT NULL DEFAULT ''
	)`, w.table("hedge_events"))); err != nil {
		return err
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		asset TEXT NOT NULL,
		account_value NUMERIC NOT NULL,
		maintenance_margin NUMERIC NOT NULL,
		warning_threshold NUMERIC NOT NULL,
		mark_price NUMERIC NOT NULL,
		liquidation_price NUMERIC,
		position_size NUMERIC NOT NULL,
		warning BOOLEAN NOT NULL
	)`, w.table("risk_snapshots"))); err != nil {
		return err
	}
	if err := w.exec(ctx, "CREATE EXTENSION IF NOT EXISTS timescaledb"); err != nil {
		w.log.Warn("timescale extension ensure failed", zap.Error(err))
		return nil
	}
	for _, name := range []string{"funding_observations", "hedge_events", "risk_snapshots"} {
		if err := w.exec(ctx, fmt.Sprintf("SELECT create_hypertable('%s', 'ts', if_not_exists => TRUE)", w.table(name))); err != nil {
			w.log.Warn("hypertable create failed", zap.String("table", name), zap.Error(err))
		}
	}
	return nil
}

func (w *Writer) fundingInsert() string {
	return fmt.Sprintf(`INSERT INTO %s (ts, asset, funding_rate, mark_price, phase)
	VALUES ($1,$2,$3,$4,$5)`, w.table("funding_observations"))
}

func (w *Writer) hedgeInsert() string {
	return fmt.Sprintf(`INSERT INTO %s (
		ts, asset, step, phase, spot_open, perp_open, spot_qty, perp_qty, detail
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`, w.table("hedge_events"))
}

func (w *Writer) riskInsert() string {
	return fmt.Sprintf(`INSERT INTO %s (
		ts, asset, account_value, maintenance_margin, warning_threshold,
		mark_price, liquidation_price, position_size, warning
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`, w.table("risk_snapshots"))
}

func (w *Writer) insert(ctx context.Context, kind, query string, args ...any) {
	if w.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if _, err := w.db.ExecContext(ctx, query, args...); err != nil {
		w.log.Warn("journal insert failed", zap.String("kind", kind), zap.Error(err))
	}
}

func (w *Writer) exec(ctx context.Context, query string) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	_, err := w.db.ExecContext(ctx, query)
	return err
}

func (w *Writer) table(name string) string {
	return w.schema + "." + name
}
