package timescale

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"perp-strategy/internal/config"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const writeTimeout = 3 * time.Second

// HarvestRecord is one harvest, amounts in whole want units.
type HarvestRecord struct {
	Time            time.Time
	Strategy        string
	State           string
	Profit          decimal.Decimal
	Loss            decimal.Decimal
	DebtPayment     decimal.Decimal
	DebtOutstanding decimal.Decimal
	Premium         decimal.Decimal
	Absorbed        decimal.Decimal
	TotalAssets     decimal.Decimal
	DebtRatioBps    uint64
	CollateralBps   uint64
	Trades          int
	Failures        int
	Emergency       bool
}

// PositionSnapshot is the book as the keeper saw it on a tick.
type PositionSnapshot struct {
	Time            time.Time
	Strategy        string
	State           string
	WantBalance     decimal.Decimal
	Collateral      decimal.Decimal
	Debt            decimal.Decimal
	PendingFunding  decimal.Decimal
	TotalAssets     decimal.Decimal
	MarkPrice       decimal.Decimal
	DebtRatioBps    uint64
	CollateralBps   uint64
	PricePerShare   decimal.Decimal
	VaultTotalAsset decimal.Decimal
}

type Writer struct {
	db         *sql.DB
	log        *zap.Logger
	schema     string
	positions  chan PositionSnapshot
	harvests   chan HarvestRecord
	started    atomic.Bool
	dropPos    atomic.Uint64
	dropHarvest atomic.Uint64
}

// New returns a nil writer when timescale is disabled. All methods are safe on
// a nil writer.
func New(cfg config.TimescaleConfig, log *zap.Logger) (*Writer, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("timescale dsn is required")
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
	schema = strings.TrimSpace(schema)
	if schema == "" {
		schema = "public"
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Writer{
		db:        db,
		log:       log,
		schema:    schema,
		positions: make(chan PositionSnapshot, queueSize),
		harvests:  make(chan HarvestRecord, queueSize),
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

func (w *Writer) EnqueuePosition(snapshot PositionSnapshot) {
	if w == nil {
		return
	}
	select {
	case w.positions <- snapshot:
	default:
		if w.dropPos.Add(1) == 1 {
			w.log.Warn("timescale position queue full")
		}
	}
}

func (w *Writer) EnqueueHarvest(record HarvestRecord) {
	if w == nil {
		return
	}
	select {
	case w.harvests <- record:
	default:
		if w.dropHarvest.Add(1) == 1 {
			w.log.Warn("timescale harvest queue full")
		}
	}
}

// Dropped reports how many rows were discarded because a queue was full.
func (w *Writer) Dropped() (positions, harvests uint64) {
	if w == nil {
		return 0, 0
	}
	return w.dropPos.Load(), w.dropHarvest.Load()
}

func (w *Writer) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case snap := <-w.positions:
			w.writePosition(ctx, snap)
		case record := <-w.harvests:
			w.writeHarvest(ctx, record)
		}
	}
}

func (w *Writer) ensureSchema(ctx context.Context) error {
	if w.db == nil {
		return errors.New("timescale db not initialized")
	}
	if w.schema != "public" {
		if err := w.exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", w.schema)); err != nil {
			return err
		}
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		strategy TEXT NOT NULL,
		state TEXT NOT NULL,
		profit NUMERIC NOT NULL,
		loss NUMERIC NOT NULL,
		debt_payment NUMERIC NOT NULL,
		debt_outstanding NUMERIC NOT NULL,
		premium NUMERIC NOT NULL,
		absorbed NUMERIC NOT NULL,
		total_assets NUMERIC NOT NULL,
		debt_ratio_bps BIGINT NOT NULL,
		collateral_bps BIGINT NOT NULL,
		trades INTEGER NOT NULL,
		failures INTEGER NOT NULL,
		emergency BOOLEAN NOT NULL,
		PRIMARY KEY (ts, strategy)
	)`, w.table("harvest_reports"))); err != nil {
		return err
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		strategy TEXT NOT NULL,
		state TEXT NOT NULL,
		want_balance NUMERIC NOT NULL,
		collateral NUMERIC NOT NULL,
		debt NUMERIC NOT NULL,
		pending_funding NUMERIC NOT NULL,
		total_assets NUMERIC NOT NULL,
		mark_price NUMERIC NOT NULL,
		debt_ratio_bps BIGINT NOT NULL,
		collateral_bps BIGINT NOT NULL,
		price_per_share NUMERIC NOT NULL,
		vault_total_assets NUMERIC NOT NULL
	)`, w.table("position_snapshots"))); err != nil {
		return err
	}
	if err := w.exec(ctx, "CREATE EXTENSION IF NOT EXISTS timescaledb"); err != nil {
		w.log.Warn("timescale extension ensure failed", zap.Error(err))
		return nil
	}
	for _, table := range []string{"harvest_reports", "position_snapshots"} {
		if err := w.exec(ctx, fmt.Sprintf("SELECT create_hypertable('%s', 'ts', if_not_exists => TRUE)", w.table(table))); err != nil {
			w.log.Warn("timescale hypertable create failed", zap.String("table", table), zap.Error(err))
		}
	}
	return nil
}

func (w *Writer) writePosition(ctx context.Context, snap PositionSnapshot) {
	if w.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, strategy, state, want_balance, collateral, debt, pending_funding, total_assets,
		mark_price, debt_ratio_bps, collateral_bps, price_per_share, vault_total_assets
	) VALUES (
		$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13
	)`, w.table("position_snapshots"))
	if _, err := w.db.ExecContext(ctx, query,
		snap.Time,
		snap.Strategy,
		snap.State,
		snap.WantBalance,
		snap.Collateral,
		snap.Debt,
		snap.PendingFunding,
		snap.TotalAssets,
		snap.MarkPrice,
		int64(snap.DebtRatioBps),
		int64(snap.CollateralBps),
		snap.PricePerShare,
		snap.VaultTotalAsset,
	); err != nil {
		w.log.Warn("timescale position insert failed", zap.Error(err))
	}
}

func (w *Writer) writeHarvest(ctx context.Context, record HarvestRecord) {
	if w.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, strategy, state, profit, loss, debt_payment, debt_outstanding, premium, absorbed,
		total_assets, debt_ratio_bps, collateral_bps, trades, failures, emergency
	) VALUES (
		$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15
	)
	ON CONFLICT (ts, strategy) DO NOTHING`, w.table("harvest_reports"))
	if _, err := w.db.ExecContext(ctx, query,
		record.Time,
		record.Strategy,
		record.State,
		record.Profit,
		record.Loss,
		record.DebtPayment,
		record.DebtOutstanding,
		record.Premium,
		record.Absorbed,
		record.TotalAssets,
		int64(record.DebtRatioBps),
		int64(record.CollateralBps),
		record.Trades,
		record.Failures,
		record.Emergency,
	); err != nil {
		w.log.Warn("timescale harvest insert failed", zap.Error(err))
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
