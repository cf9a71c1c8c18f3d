// Package journal persists an append-only audit trail of order
// lifecycle events and trade prints. It is write-only: nothing in the
// gateway ever reads the journal back, so a journal outage degrades to
// lost audit rows rather than lost orders.
package journal

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Config controls journal batching.
type Config struct {
	BatchSize     int
	FlushInterval time.Duration
}

// DefaultConfig returns sensible batching defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:     100,
		FlushInterval: time.Second,
	}
}

// Metrics counts journal activity.
type Metrics struct {
	OrderEvents int64
	Trades      int64
	Inserts     int64
	Errors      int64
	Flushes     int64
}

type orderEventRow struct {
	RecordedAt int64
	PermID     string
	Account    string
	OrderType  string
	Status     string
}

type tradeRow struct {
	RecordedAt int64
	Symbol     string
	Price      float64
	Size       int
	Volume     int
}

// Writer batches audit rows and flushes them to Postgres. Record
// methods never block on the database.
type Writer struct {
	cfg    Config
	logger *slog.Logger
	db     *pgxpool.Pool

	// Batching
	batchMu     sync.Mutex
	orderEvents []orderEventRow
	trades      []tradeRow
	metrics     Metrics
	flushTicker *time.Ticker

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWriter creates a journal writer.
func NewWriter(cfg Config, db *pgxpool.Pool, logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultConfig().BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultConfig().FlushInterval
	}
	return &Writer{
		cfg:         cfg,
		db:          db,
		logger:      logger,
		orderEvents: make([]orderEventRow, 0, cfg.BatchSize),
		trades:      make([]tradeRow, 0, cfg.BatchSize),
	}
}

// Start begins the periodic flush loop.
func (w *Writer) Start(ctx context.Context) error {
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.flushTicker = time.NewTicker(w.cfg.FlushInterval)

	w.wg.Add(1)
	go w.flushLoop()

	w.logger.Info("journal started",
		"batch_size", w.cfg.BatchSize,
		"flush_interval", w.cfg.FlushInterval,
	)
	return nil
}

// Stop shuts the writer down, flushing whatever is buffered.
func (w *Writer) Stop(ctx context.Context) error {
	w.logger.Info("stopping journal")

	if w.cancel != nil {
		w.cancel()
	}
	if w.flushTicker != nil {
		w.flushTicker.Stop()
	}

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.logger.Info("journal stopped")
	case <-ctx.Done():
		w.logger.Warn("journal stop timed out")
	}

	w.flush()
	return nil
}

// Stats returns current metrics.
func (w *Writer) Stats() Metrics {
	w.batchMu.Lock()
	defer w.batchMu.Unlock()
	return w.metrics
}

// OrderEvent records one order status transition.
func (w *Writer) OrderEvent(permid, account, orderType, status string) {
	row := orderEventRow{
		RecordedAt: time.Now().UnixMicro(),
		PermID:     permid,
		Account:    account,
		OrderType:  orderType,
		Status:     status,
	}

	w.batchMu.Lock()
	w.orderEvents = append(w.orderEvents, row)
	w.metrics.OrderEvents++
	shouldFlush := len(w.orderEvents) >= w.cfg.BatchSize
	w.batchMu.Unlock()

	if shouldFlush {
		w.flush()
	}
}

// Trade records one trade print.
func (w *Writer) Trade(symbol string, price float64, size, volume int) {
	row := tradeRow{
		RecordedAt: time.Now().UnixMicro(),
		Symbol:     symbol,
		Price:      price,
		Size:       size,
		Volume:     volume,
	}

	w.batchMu.Lock()
	w.trades = append(w.trades, row)
	w.metrics.Trades++
	shouldFlush := len(w.trades) >= w.cfg.BatchSize
	w.batchMu.Unlock()

	if shouldFlush {
		w.flush()
	}
}

// flushLoop periodically flushes the batches.
func (w *Writer) flushLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-w.flushTicker.C:
			w.flush()
		}
	}
}

// flush writes the buffered rows to the database.
func (w *Writer) flush() {
	w.batchMu.Lock()
	if len(w.orderEvents) == 0 && len(w.trades) == 0 {
		w.batchMu.Unlock()
		return
	}
	events := w.orderEvents
	trades := w.trades
	w.orderEvents = make([]orderEventRow, 0, w.cfg.BatchSize)
	w.trades = make([]tradeRow, 0, w.cfg.BatchSize)
	w.batchMu.Unlock()

	if w.db == nil {
		return
	}

	start := time.Now()
	if err := w.batchInsert(events, trades); err != nil {
		w.logger.Error("journal insert failed", "error", err,
			"order_events", len(events), "trades", len(trades))
		w.batchMu.Lock()
		w.metrics.Errors++
		w.batchMu.Unlock()
		return
	}

	w.batchMu.Lock()
	w.metrics.Inserts += int64(len(events) + len(trades))
	w.metrics.Flushes++
	w.batchMu.Unlock()

	w.logger.Debug("flushed journal",
		"order_events", len(events),
		"trades", len(trades),
		"duration", time.Since(start),
	)
}

// batchInsert writes both row kinds in a single pgx batch.
func (w *Writer) batchInsert(events []orderEventRow, trades []tradeRow) error {
	batch := &pgx.Batch{}
	for _, r := range events {
		batch.Queue(`
			INSERT INTO order_events (recorded_at, permid, account, order_type, status)
			VALUES ($1, $2, $3, $4, $5)
		`, r.RecordedAt, r.PermID, r.Account, r.OrderType, r.Status)
	}
	for _, r := range trades {
		batch.Queue(`
			INSERT INTO trade_prints (recorded_at, symbol, price, size, volume)
			VALUES ($1, $2, $3, $4, $5)
		`, r.RecordedAt, r.Symbol, r.Price, r.Size, r.Volume)
	}

	results := w.db.SendBatch(w.ctx, batch)
	defer results.Close()

	for i := 0; i < len(events)+len(trades); i++ {
		if _, err := results.Exec(); err != nil {
			return err
		}
	}
	return nil
}
