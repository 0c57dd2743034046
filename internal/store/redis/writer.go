package redis

import (
	"context"
	"fmt"
	"log"
	"time"

	"tradefeatures/internal/model"

	goredis "github.com/go-redis/redis/v8"
)

const (
	// Stream trimming: a few hours of 1-minute candles per instrument
	defaultStreamMaxLen = 5000
	defaultLatestTTL    = 30 * time.Minute
)

// WriterConfig configures the Redis writer.
type WriterConfig struct {
	Addr     string // Redis address, e.g. "localhost:6379"
	Password string
	DB       int

	StreamMaxLen int64         // approximate MAXLEN per stream; default 5000
	LatestTTL    time.Duration // TTL of features:latest:* keys; default 30m
}

// Writer writes closed feature candles to Redis.
type Writer struct {
	client    *goredis.Client
	maxLen    int64
	latestTTL time.Duration
}

// Client returns the underlying Redis client for health checks.
func (w *Writer) Client() *goredis.Client { return w.client }

// New creates a new Redis Writer and pings the server.
func New(cfg WriterConfig) (*Writer, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	log.Printf("[redis] connected to %s", cfg.Addr)
	return NewWithClient(client, cfg), nil
}

// NewWithClient wraps an existing client without pinging it.
func NewWithClient(client *goredis.Client, cfg WriterConfig) *Writer {
	w := &Writer{client: client, maxLen: cfg.StreamMaxLen, latestTTL: cfg.LatestTTL}
	if w.maxLen <= 0 {
		w.maxLen = defaultStreamMaxLen
	}
	if w.latestTTL <= 0 {
		w.latestTTL = defaultLatestTTL
	}
	return w
}

// Run reads candles from candleCh and writes them to Redis without a
// circuit breaker. Blocks until ctx is cancelled or candleCh is closed.
func (w *Writer) Run(ctx context.Context, candleCh <-chan model.FeatureCandle) {
	for {
		select {
		case <-ctx.Done():
			return
		case c, ok := <-candleCh:
			if !ok {
				return
			}
			if err := w.WriteCandle(ctx, c); err != nil {
				log.Printf("[redis] %v", err)
			}
		}
	}
}

// WriteCandle performs pipelined writes for one closed candle:
// XADD to its stream, SET latest with TTL and PUBLISH for live subscribers.
func (w *Writer) WriteCandle(ctx context.Context, c model.FeatureCandle) error {
	jsonData := string(c.JSON())

	pipe := w.client.Pipeline()

	// XADD to stream with auto-trimming
	pipe.XAdd(ctx, &goredis.XAddArgs{
		Stream: c.StreamKey(),
		MaxLen: w.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"data": jsonData,
		},
	})

	// SET latest candle with TTL
	pipe.Set(ctx, c.LatestKey(), jsonData, w.latestTTL)

	// PUBLISH to pubsub channel
	pipe.Publish(ctx, c.PubSubChannel(), jsonData)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("pipeline for %s: %w", c.Key(), err)
	}
	return nil
}

// Ping checks connectivity.
func (w *Writer) Ping(ctx context.Context) error {
	return w.client.Ping(ctx).Err()
}

// Close closes the Redis client.
func (w *Writer) Close() error {
	return w.client.Close()
}
