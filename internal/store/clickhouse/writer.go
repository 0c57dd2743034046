// Package clickhouse stores closed feature candles in ClickHouse for
// analytics. Feature vectors are stored as parallel name/value arrays so one
// table serves any configured feature list.
package clickhouse

import (
	"context"
	"fmt"
	"log"
	"time"

	"tradefeatures/internal/model"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

const (
	defaultBatchSize  = 500
	defaultFlushDelay = time.Second
)

const createTable = `
CREATE TABLE IF NOT EXISTS feature_candles (
	exchange    LowCardinality(String),
	symbol      LowCardinality(String),
	start_ts    Int64,
	end_ts      Int64,
	trades      UInt32,
	names       Array(String),
	values      Array(Float64),
	inserted_at DateTime64(3)
) ENGINE = ReplacingMergeTree(inserted_at)
ORDER BY (exchange, symbol, start_ts)`

// Writer batches candles into ClickHouse inserts.
// It implements model.CandleSink.
type Writer struct {
	conn driver.Conn

	// Optional hooks
	OnError func(err error)
}

var _ model.CandleSink = (*Writer)(nil)

// New parses the DSN, opens a connection, verifies it with a ping and
// ensures the table exists.
func New(dsn string) (*Writer, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("clickhouse dsn: %w", err)
	}

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("clickhouse open: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Ping(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("clickhouse ping: %w", err)
	}
	if err := conn.Exec(ctx, createTable); err != nil {
		conn.Close()
		return nil, fmt.Errorf("clickhouse schema: %w", err)
	}

	log.Printf("[clickhouse] connected to %v", opts.Addr)
	return &Writer{conn: conn}, nil
}

// Row is the column layout of one feature_candles row.
type Row struct {
	Exchange string
	Symbol   string
	StartTS  int64
	EndTS    int64
	Trades   uint32
	Names    []string
	Values   []float64
}

// ToRow flattens a candle. Non-finite values are stored as NaN.
func ToRow(c model.FeatureCandle) Row {
	return Row{
		Exchange: c.Exchange,
		Symbol:   c.Symbol,
		StartTS:  c.StartTS,
		EndTS:    c.EndTS,
		Trades:   uint32(c.Trades),
		Names:    c.Names(),
		Values:   c.Values(),
	}
}

// Run batches candles from candleCh and inserts them every 500 candles or
// every second. Blocks until ctx is cancelled or candleCh is closed.
func (w *Writer) Run(ctx context.Context, candleCh <-chan model.FeatureCandle) {
	batch := make([]Row, 0, defaultBatchSize)
	ticker := time.NewTicker(defaultFlushDelay)
	defer ticker.Stop()

	flush := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		if err := w.Insert(ctx, batch); err != nil {
			log.Printf("[clickhouse] insert %d rows: %v", len(batch), err)
			if w.OnError != nil {
				w.OnError(err)
			}
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			final, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			flush(final)
			cancel()
			return
		case c, ok := <-candleCh:
			if !ok {
				flush(ctx)
				return
			}
			batch = append(batch, ToRow(c))
			if len(batch) >= defaultBatchSize {
				flush(ctx)
			}
		case <-ticker.C:
			flush(ctx)
		}
	}
}

// Insert writes rows using a ClickHouse batch insert.
func (w *Writer) Insert(ctx context.Context, rows []Row) error {
	if len(rows) == 0 {
		return nil
	}

	batch, err := w.conn.PrepareBatch(ctx, `
		INSERT INTO feature_candles (
			exchange, symbol, start_ts, end_ts, trades, names, values, inserted_at
		)
	`)
	if err != nil {
		return err
	}

	now := time.Now()
	for _, r := range rows {
		if err := batch.Append(r.Exchange, r.Symbol, r.StartTS, r.EndTS, r.Trades, r.Names, r.Values, now); err != nil {
			return err
		}
	}
	return batch.Send()
}

// Close releases the connection.
func (w *Writer) Close() error {
	return w.conn.Close()
}
