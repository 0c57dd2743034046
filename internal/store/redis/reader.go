package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"

	"tradefeatures/internal/model"

	goredis "github.com/go-redis/redis/v8"
)

// DefaultConfigChannel carries feature-list reloads as a JSON array of names.
const DefaultConfigChannel = "config:features"

// ReadLatest returns the most recent closed candle for an instrument.
// ok is false if none is stored.
func (w *Writer) ReadLatest(ctx context.Context, exchange, symbol string) (c model.FeatureCandle, ok bool, err error) {
	key := (&model.FeatureCandle{Exchange: exchange, Symbol: symbol}).LatestKey()
	data, err := w.client.Get(ctx, key).Bytes()
	if err == goredis.Nil {
		return c, false, nil
	}
	if err != nil {
		return c, false, fmt.Errorf("redis GET %s: %w", key, err)
	}
	if err := json.Unmarshal(data, &c); err != nil {
		return c, false, fmt.Errorf("decode %s: %w", key, err)
	}
	return c, true, nil
}

// ReadCandles returns up to limit candles from the instrument's stream whose
// start timestamp is after afterTS, oldest first.
func (w *Writer) ReadCandles(ctx context.Context, exchange, symbol string, afterTS int64, limit int) ([]model.FeatureCandle, error) {
	key := (&model.FeatureCandle{Exchange: exchange, Symbol: symbol}).StreamKey()
	if limit <= 0 {
		limit = 100
	}

	// Newest first so the limit keeps the most recent entries.
	msgs, err := w.client.XRevRangeN(ctx, key, "+", "-", int64(limit)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis XREVRANGE %s: %w", key, err)
	}

	out := make([]model.FeatureCandle, 0, len(msgs))
	for i := len(msgs) - 1; i >= 0; i-- {
		data, ok := msgs[i].Values["data"].(string)
		if !ok {
			continue
		}
		var c model.FeatureCandle
		if err := json.Unmarshal([]byte(data), &c); err != nil {
			log.Printf("[redis] skipping bad stream entry %s: %v", msgs[i].ID, err)
			continue
		}
		if c.StartTS > afterTS {
			out = append(out, c)
		}
	}
	return out, nil
}

// PublishFeatureConfig broadcasts a new feature list to running engines.
func (w *Writer) PublishFeatureConfig(ctx context.Context, channel string, names []string) error {
	data, err := json.Marshal(names)
	if err != nil {
		return err
	}
	return w.client.Publish(ctx, channel, data).Err()
}

// SubscribeFeatureConfig calls fn with every feature list published on
// channel until ctx is cancelled. Malformed payloads are logged and skipped.
func (w *Writer) SubscribeFeatureConfig(ctx context.Context, channel string, fn func(names []string)) error {
	sub := w.client.Subscribe(ctx, channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", channel, err)
	}
	log.Printf("[redis] listening for feature config on %s", channel)

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			names, err := DecodeFeatureList(msg.Payload)
			if err != nil {
				log.Printf("[redis] ignoring config message: %v", err)
				continue
			}
			fn(names)
		}
	}
}

// DecodeFeatureList parses a JSON array of feature names.
func DecodeFeatureList(payload string) ([]string, error) {
	var names []string
	if err := json.Unmarshal([]byte(payload), &names); err != nil {
		return nil, fmt.Errorf("decode feature list %s: %w", strconv.Quote(payload), err)
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("empty feature list")
	}
	return names, nil
}
