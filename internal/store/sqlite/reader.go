package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"

	"tradefeatures/internal/model"

	_ "github.com/mattn/go-sqlite3"
)

// Reader provides read-only access to SQLite for the HTTP API and snapshot
// restore.
type Reader struct {
	db *sql.DB
}

var _ model.CandleReader = (*Reader)(nil)

// NewReader opens a SQLite connection for reading.
func NewReader(dbPath string) (*Reader, error) {
	db, err := open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("sqlite open reader: %w", err)
	}
	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(2)

	log.Printf("[sqlite-reader] opened %s", dbPath)
	return &Reader{db: db}, nil
}

// ReadCandles returns up to limit candles for exchange:symbol starting after
// afterTS, ordered by start timestamp ascending for correct replay order.
func (r *Reader) ReadCandles(ctx context.Context, exchange, symbol string, afterTS int64, limit int) ([]model.FeatureCandle, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT exchange, symbol, start_ts, end_ts, trades, features
		FROM feature_candles
		WHERE exchange = ? AND symbol = ? AND start_ts > ?
		ORDER BY start_ts ASC
		LIMIT ?
	`, exchange, symbol, afterTS, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite query feature_candles: %w", err)
	}
	defer rows.Close()

	var candles []model.FeatureCandle
	for rows.Next() {
		var c model.FeatureCandle
		var features string
		if err := rows.Scan(&c.Exchange, &c.Symbol, &c.StartTS, &c.EndTS, &c.Trades, &features); err != nil {
			return nil, fmt.Errorf("sqlite scan feature_candles: %w", err)
		}
		if err := json.Unmarshal([]byte(features), &c.Features); err != nil {
			return nil, fmt.Errorf("decode features of %s@%d: %w", c.Key(), c.StartTS, err)
		}
		c.Closed = true
		candles = append(candles, c)
	}
	return candles, rows.Err()
}

// ReadLatestSnapshotJSON loads the most recent feature engine snapshot.
// Returns nil, nil if none exists.
func (r *Reader) ReadLatestSnapshotJSON(ctx context.Context) ([]byte, error) {
	return readLatestSnapshot(ctx, r.db)
}

func readLatestSnapshot(ctx context.Context, db *sql.DB) ([]byte, error) {
	var data string
	err := db.QueryRowContext(ctx, `
		SELECT data FROM feature_snapshots
		ORDER BY id DESC
		LIMIT 1
	`).Scan(&data)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil // no snapshot
		}
		return nil, fmt.Errorf("sqlite read snapshot: %w", err)
	}
	return []byte(data), nil
}

// Close closes the reader.
func (r *Reader) Close() error {
	return r.db.Close()
}
