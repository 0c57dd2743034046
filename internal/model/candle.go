package model

import (
	"encoding/json"
	"math"
	"strconv"
)

// FeatureValue is a float64 that survives JSON encoding when non-finite.
// NaN and ±Inf are written as null; null decodes back to NaN.
type FeatureValue float64

// MarshalJSON implements json.Marshaler.
func (v FeatureValue) MarshalJSON() ([]byte, error) {
	f := float64(v)
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return []byte("null"), nil
	}
	return strconv.AppendFloat(nil, f, 'g', -1, 64), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (v *FeatureValue) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*v = FeatureValue(math.NaN())
		return nil
	}
	var f float64
	if err := json.Unmarshal(b, &f); err != nil {
		return err
	}
	*v = FeatureValue(f)
	return nil
}

// NamedFeature is one entry of a feature vector.
type NamedFeature struct {
	Name  string       `json:"name"`
	Value FeatureValue `json:"value"`
}

// FeatureCandle is the feature vector of one accumulation interval for one
// instrument. Features are ordered exactly as the configured feature list.
type FeatureCandle struct {
	Exchange string         `json:"exchange"`
	Symbol   string         `json:"symbol"`
	StartTS  int64          `json:"start_ts"` // timestamp of the first trade in the interval
	EndTS    int64          `json:"end_ts"`   // timestamp of the last trade in the interval
	Trades   int            `json:"trades"`
	Features []NamedFeature `json:"features"`
	Closed   bool           `json:"closed"` // false for live previews of an open interval
}

// Key returns "exchange:symbol".
func (c *FeatureCandle) Key() string {
	return c.Exchange + ":" + c.Symbol
}

// Names returns the feature names in order.
func (c *FeatureCandle) Names() []string {
	out := make([]string, len(c.Features))
	for i, f := range c.Features {
		out[i] = f.Name
	}
	return out
}

// Values returns the feature values in order.
func (c *FeatureCandle) Values() []float64 {
	out := make([]float64, len(c.Features))
	for i, f := range c.Features {
		out[i] = float64(f.Value)
	}
	return out
}

// Value looks a feature up by name.
func (c *FeatureCandle) Value(name string) (float64, bool) {
	for _, f := range c.Features {
		if f.Name == name {
			return float64(f.Value), true
		}
	}
	return 0, false
}

// StreamKey returns the Redis stream key: "features:{exchange}:{symbol}".
func (c *FeatureCandle) StreamKey() string {
	return "features:" + c.Exchange + ":" + c.Symbol
}

// LatestKey returns the Redis key holding the most recent candle.
func (c *FeatureCandle) LatestKey() string {
	return "features:latest:" + c.Exchange + ":" + c.Symbol
}

// PubSubChannel returns the Redis Pub/Sub channel for real-time subscribers.
func (c *FeatureCandle) PubSubChannel() string {
	return "pub:features:" + c.Exchange + ":" + c.Symbol
}

// JSON returns the JSON-encoded candle (ignoring errors for hot-path usage).
func (c *FeatureCandle) JSON() []byte {
	b, _ := json.Marshal(c)
	return b
}
