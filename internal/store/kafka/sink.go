// Package kafka publishes closed feature candles to a Kafka topic.
package kafka

import (
	"context"
	"fmt"
	"log"
	"time"

	"tradefeatures/internal/model"

	"github.com/segmentio/kafka-go"
)

const (
	defaultBatchSize  = 100
	defaultFlushDelay = 200 * time.Millisecond
)

// MessageWriter is the subset of *kafka.Writer used by Sink.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Config configures the Kafka producer.
type Config struct {
	Brokers []string
	Topic   string
}

// NewWriter builds a batching producer. Messages are partitioned by key so
// all candles of one instrument stay ordered.
func NewWriter(cfg Config) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    defaultBatchSize,
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
		Compression:  kafka.Zstd,
	}
}

// Sink batches candles into Kafka messages: key "exchange:symbol", JSON value.
// It implements model.CandleSink.
type Sink struct {
	w MessageWriter

	// Optional hooks
	OnError func(err error)
}

var _ model.CandleSink = (*Sink)(nil)

// New wraps w.
func New(w MessageWriter) *Sink {
	return &Sink{w: w}
}

// Message converts a candle into its Kafka form.
func Message(c model.FeatureCandle) kafka.Message {
	return kafka.Message{
		Key:   []byte(c.Key()),
		Value: c.JSON(),
		Time:  time.Now(),
	}
}

// Run batches candles from candleCh, flushing every 100 candles or 200ms.
// Blocks until ctx is cancelled or candleCh is closed.
func (s *Sink) Run(ctx context.Context, candleCh <-chan model.FeatureCandle) {
	batch := make([]kafka.Message, 0, defaultBatchSize)
	timer := time.NewTimer(defaultFlushDelay)
	defer timer.Stop()

	flush := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		if err := s.w.WriteMessages(ctx, batch...); err != nil {
			err = fmt.Errorf("kafka write %d messages: %w", len(batch), err)
			log.Printf("[kafka] %v", err)
			if s.OnError != nil {
				s.OnError(err)
			}
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			// ctx is gone; give the final batch its own deadline
			final, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			flush(final)
			cancel()
			return

		case c, ok := <-candleCh:
			if !ok {
				flush(ctx)
				return
			}
			batch = append(batch, Message(c))
			if len(batch) >= defaultBatchSize {
				flush(ctx)
				timer.Reset(defaultFlushDelay)
			}

		case <-timer.C:
			flush(ctx)
			timer.Reset(defaultFlushDelay)
		}
	}
}

// Close closes the producer, flushing pending messages.
func (s *Sink) Close() error {
	return s.w.Close()
}
