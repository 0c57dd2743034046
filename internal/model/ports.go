package model

import "context"

// ── Port interfaces ──
// These decouple the aggregation pipeline from concrete transports and stores
// (Redis, SQLite, Kafka, ClickHouse, WebSocket).

// TradeSource streams normalized trades into tradeCh.
type TradeSource interface {
	// Start blocks until ctx is cancelled or the source fails permanently.
	Start(ctx context.Context, tradeCh chan<- TradeEvent) error
}

// CandleSink persists or transmits closed feature candles.
type CandleSink interface {
	// Run reads candles from candleCh and writes them.
	// Blocks until ctx is cancelled or candleCh is closed.
	Run(ctx context.Context, candleCh <-chan FeatureCandle)

	// Close releases underlying resources.
	Close() error
}

// CandleReader reads persisted feature candles back.
type CandleReader interface {
	// ReadCandles returns up to limit candles for an instrument whose start
	// timestamp is after afterTS, oldest first.
	ReadCandles(ctx context.Context, exchange, symbol string, afterTS int64, limit int) ([]FeatureCandle, error)
}

// SnapshotStore reads and writes feature engine snapshots as raw JSON.
// Using []byte avoids a model→feature import cycle.
type SnapshotStore interface {
	// SaveSnapshotJSON persists a JSON-encoded engine snapshot.
	SaveSnapshotJSON(ctx context.Context, data []byte) error

	// ReadLatestSnapshotJSON loads the most recent snapshot as raw JSON.
	// Returns nil, nil if no snapshot exists.
	ReadLatestSnapshotJSON(ctx context.Context) ([]byte, error)
}
