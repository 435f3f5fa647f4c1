package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"syphon-executor/internal/config"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const writeTimeout = 3 * time.Second

type PriceSnapshot struct {
	Time   time.Time
	FeedID string
	Price  decimal.Decimal
}

// ExecutionEvent is one dispatch outcome as seen by the scheduler or the
// reconciler.
type ExecutionEvent struct {
	Time       time.Time
	StrategyID string
	UserID     string
	Type       string
	Status     string
	Attempts   int
	Price      decimal.Decimal
	TxHash     string
	Error      string
}

// Writer batches price snapshots and execution events into TimescaleDB off
// the hot path. A nil *Writer is valid and discards everything.
type Writer struct {
	db         *sql.DB
	log        *zap.Logger
	schema     string
	prices     chan PriceSnapshot
	events     chan ExecutionEvent
	started    atomic.Bool
	done       chan struct{}
	dropPrice  atomic.Uint64
	dropEvents atomic.Uint64
}

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
	w := newWriter(db, cfg.Schema, cfg.QueueSize, log)
	if err := w.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return w, nil
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
		db:     db,
		log:    log,
		schema: schema,
		prices: make(chan PriceSnapshot, queueSize),
		events: make(chan ExecutionEvent, queueSize),
		done:   make(chan struct{}),
	}
}

// Start launches the background writer. Cancelling ctx flushes whatever is
// queued and stops it.
func (w *Writer) Start(ctx context.Context) {
	if w == nil {
		return
	}
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	go w.run(ctx)
}

// Close waits for a started writer to flush and closes the database.
func (w *Writer) Close() error {
	if w == nil {
		return nil
	}
	if w.started.Load() {
		<-w.done
	}
	if w.db == nil {
		return nil
	}
	return w.db.Close()
}

// RecordPrices enqueues one row per feed in the snapshot.
func (w *Writer) RecordPrices(at time.Time, prices map[string]decimal.Decimal) {
	if w == nil {
		return
	}
	for feed, price := range prices {
		select {
		case w.prices <- PriceSnapshot{Time: at, FeedID: feed, Price: price}:
		default:
			if w.dropPrice.Add(1) == 1 {
				w.log.Warn("journal price queue full")
			}
		}
	}
}

func (w *Writer) RecordExecution(ev ExecutionEvent) {
	if w == nil {
		return
	}
	select {
	case w.events <- ev:
	default:
		if w.dropEvents.Add(1) == 1 {
			w.log.Warn("journal event queue full")
		}
	}
}

func (w *Writer) run(ctx context.Context) {
	defer close(w.done)
	for {
		select {
		case <-ctx.Done():
			w.flush(context.WithoutCancel(ctx))
			return
		case snap := <-w.prices:
			w.writePrice(ctx, snap)
		case ev := <-w.events:
			w.writeEvent(ctx, ev)
		}
	}
}

func (w *Writer) flush(ctx context.Context) {
	for {
		select {
		case snap := <-w.prices:
			w.writePrice(ctx, snap)
		case ev := <-w.events:
			w.writeEvent(ctx, ev)
		default:
			return
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
		feed_id TEXT NOT NULL,
		price DOUBLE PRECISION NOT NULL,
		PRIMARY KEY (ts, feed_id)
	)`, w.table("price_snapshots"))); err != nil {
		return err
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		strategy_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		strategy_type TEXT NOT NULL,
		status TEXT NOT NULL,
		attempts INTEGER NOT NULL,
		price DOUBLE PRECISION NOT NULL,
		tx_hash TEXT NOT NULL,
		error TEXT NOT NULL
	)`, w.table("execution_events"))); err != nil {
		return err
	}
	if err := w.exec(ctx, "CREATE EXTENSION IF NOT EXISTS timescaledb"); err != nil {
		w.log.Warn("timescale extension ensure failed", zap.Error(err))
		return nil
	}
	for _, name := range []string{"price_snapshots", "execution_events"} {
		if err := w.exec(ctx, fmt.Sprintf("SELECT create_hypertable('%s', 'ts', if_not_exists => TRUE)", w.table(name))); err != nil {
			w.log.Warn("hypertable create failed", zap.String("table", name), zap.Error(err))
		}
	}
	return nil
}

func (w *Writer) writePrice(ctx context.Context, snap PriceSnapshot) {
	if w.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (ts, feed_id, price) VALUES ($1,$2,$3)
	ON CONFLICT (ts, feed_id) DO UPDATE SET price = EXCLUDED.price`, w.table("price_snapshots"))
	if _, err := w.db.ExecContext(ctx, query, snap.Time, snap.FeedID, snap.Price.InexactFloat64()); err != nil {
		w.log.Warn("journal price insert failed", zap.Error(err))
	}
}

func (w *Writer) writeEvent(ctx context.Context, ev ExecutionEvent) {
	if w.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, strategy_id, user_id, strategy_type, status, attempts, price, tx_hash, error
	) VALUES (
		$1,$2,$3,$4,$5,$6,$7,$8,$9
	)`, w.table("execution_events"))
	if _, err := w.db.ExecContext(ctx, query,
		ev.Time,
		ev.StrategyID,
		ev.UserID,
		ev.Type,
		ev.Status,
		ev.Attempts,
		ev.Price.InexactFloat64(),
		ev.TxHash,
		ev.Error,
	); err != nil {
		w.log.Warn("journal event insert failed", zap.String("strategy_id", ev.StrategyID), zap.Error(err))
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
