// Package kafkain consumes JSON trade events from a Kafka topic as part of a
// consumer group and feeds them into the aggregation pipeline.
package kafkain

import (
	"context"
	"errors"
	"log"
	"time"

	"tradefeatures/internal/model"

	"github.com/segmentio/kafka-go"
)

// MessageReader is the subset of *kafka.Reader used by Consumer.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Config holds the consumer group settings.
type Config struct {
	Brokers []string
	Topic   string
	GroupID string
}

// NewReader builds a consumer group reader with manual commits.
func NewReader(cfg Config) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		Topic:          cfg.Topic,
		GroupID:        cfg.GroupID,
		MinBytes:       1,
		MaxBytes:       10e6, // 10MB
		MaxWait:        500 * time.Millisecond,
		CommitInterval: 0, // commits are issued by Consumer after each push
	})
}

// Consumer reads trade events and commits each message once its trade has
// been handed to the pipeline (or rejected as malformed). A full trade
// channel blocks the consumer; offsets of undelivered trades are never
// committed. It implements model.TradeSource.
type Consumer struct {
	reader MessageReader

	// Optional hooks
	OnStall func() // tradeCh was full and the consumer had to wait
}

var _ model.TradeSource = (*Consumer)(nil)

// New wraps reader.
func New(reader MessageReader) *Consumer {
	return &Consumer{reader: reader}
}

// Start blocks until ctx is cancelled. Transient fetch errors are retried.
func (c *Consumer) Start(ctx context.Context, tradeCh chan<- model.TradeEvent) error {
	log.Printf("[kafkain] consumer started")
	defer log.Printf("[kafkain] consumer stopped")

	for {
		m, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			if errors.Is(err, kafka.ErrGroupClosed) {
				return err
			}
			log.Printf("[kafkain] fetch error: %v", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}

		ev, err := model.DecodeTradeEvent(m.Value)
		if err != nil {
			log.Printf("[kafkain] skipping offset %d: %v", m.Offset, err)
		} else {
			select {
			case tradeCh <- ev:
			default:
				if c.OnStall != nil {
					c.OnStall()
				}
				select {
				case tradeCh <- ev:
				case <-ctx.Done():
					return nil
				}
			}
		}

		if err := c.reader.CommitMessages(ctx, m); err != nil && ctx.Err() == nil {
			log.Printf("[kafkain] commit offset %d: %v", m.Offset, err)
		}
	}
}

// Close closes the underlying reader.
func (c *Consumer) Close() error {
	return c.reader.Close()
}
