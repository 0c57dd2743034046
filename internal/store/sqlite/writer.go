package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"tradefeatures/internal/model"

	_ "github.com/mattn/go-sqlite3"
)

const (
	defaultBatchSize  = 100
	defaultFlushDelay = 200 * time.Millisecond
	keepSnapshots     = 10
)

// WriterConfig configures the SQLite writer.
type WriterConfig struct {
	DBPath string // path to SQLite database file, e.g. "data/features.db"
}

// Writer is a single-goroutine SQLite writer with transaction batching.
// It implements model.CandleSink and model.SnapshotStore.
type Writer struct {
	db *sql.DB

	// Optional hooks
	OnCommit func(n int)
	OnError  func(err error)
}

var (
	_ model.CandleSink    = (*Writer)(nil)
	_ model.SnapshotStore = (*Writer)(nil)
)

// DB returns the underlying sql.DB for health checks.
func (w *Writer) DB() *sql.DB { return w.db }

func open(path string) (*sql.DB, error) {
	return sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
}

// New creates a new SQLite Writer, initializes the database with WAL mode and schema.
func New(cfg WriterConfig) (*Writer, error) {
	db, err := open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}

	// Set connection pool for single-writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}

	log.Printf("[sqlite] opened database at %s", cfg.DBPath)
	return &Writer{db: db}, nil
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS feature_candles (
			exchange  TEXT    NOT NULL,
			symbol    TEXT    NOT NULL,
			start_ts  INTEGER NOT NULL,
			end_ts    INTEGER NOT NULL,
			trades    INTEGER NOT NULL,
			features  TEXT    NOT NULL,
			PRIMARY KEY (exchange, symbol, start_ts)
		);

		CREATE TABLE IF NOT EXISTS feature_snapshots (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			data       TEXT    NOT NULL,
			created_at INTEGER NOT NULL DEFAULT (strftime('%s', 'now'))
		);
	`)
	return err
}

// Run reads candles from candleCh and inserts them in batched transactions.
// Flushes every batchSize candles OR every flushDelay, whichever first.
// Blocks until ctx is cancelled or candleCh is closed.
func (w *Writer) Run(ctx context.Context, candleCh <-chan model.FeatureCandle) {
	batch := make([]model.FeatureCandle, 0, defaultBatchSize)
	timer := time.NewTimer(defaultFlushDelay)
	defer timer.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		start := time.Now()
		if err := w.InsertBatch(batch); err != nil {
			log.Printf("[sqlite] batch insert error: %v", err)
			if w.OnError != nil {
				w.OnError(err)
			}
		} else {
			log.Printf("[sqlite] committed %d candles in %v", len(batch), time.Since(start))
			if w.OnCommit != nil {
				w.OnCommit(len(batch))
			}
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return

		case c, ok := <-candleCh:
			if !ok {
				flush()
				return
			}
			batch = append(batch, c)
			if len(batch) >= defaultBatchSize {
				flush()
				timer.Reset(defaultFlushDelay)
			}

		case <-timer.C:
			flush()
			timer.Reset(defaultFlushDelay)
		}
	}
}

// InsertBatch inserts candles in a single transaction. A candle with the same
// instrument and start timestamp replaces the stored one.
func (w *Writer) InsertBatch(candles []model.FeatureCandle) error {
	tx, err := w.db.Begin()
	if err != nil {
		return err
	}

	stmt, err := tx.Prepare(`
		INSERT OR REPLACE INTO feature_candles (exchange, symbol, start_ts, end_ts, trades, features)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, c := range candles {
		features, err := json.Marshal(c.Features)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("marshal features for %s: %w", c.Key(), err)
		}
		if _, err := stmt.Exec(c.Exchange, c.Symbol, c.StartTS, c.EndTS, c.Trades, string(features)); err != nil {
			tx.Rollback()
			return err
		}
	}

	return tx.Commit()
}

// SaveSnapshotJSON saves a feature engine snapshot, keeping the last 10.
func (w *Writer) SaveSnapshotJSON(ctx context.Context, data []byte) error {
	if _, err := w.db.ExecContext(ctx, `INSERT INTO feature_snapshots (data) VALUES (?)`, string(data)); err != nil {
		return fmt.Errorf("sqlite insert snapshot: %w", err)
	}

	_, err := w.db.ExecContext(ctx,
		`DELETE FROM feature_snapshots WHERE id NOT IN (SELECT id FROM feature_snapshots ORDER BY id DESC LIMIT ?)`,
		keepSnapshots)
	if err != nil {
		log.Printf("[sqlite] prune snapshots warning: %v", err)
	}
	return nil
}

// ReadLatestSnapshotJSON loads the most recent snapshot through the writer's
// connection. Returns nil, nil if none exists.
func (w *Writer) ReadLatestSnapshotJSON(ctx context.Context) ([]byte, error) {
	return readLatestSnapshot(ctx, w.db)
}

// Close closes the database.
func (w *Writer) Close() error {
	return w.db.Close()
}
