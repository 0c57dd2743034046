package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
)

// Trade is a single executed transaction.
// Size is signed: positive for buyer-initiated trades, negative for
// seller-initiated ones. Its magnitude is the traded quantity.
type Trade struct {
	Timestamp int64   `json:"ts"`    // tick counter, non-decreasing per instrument
	Price     float64 `json:"price"`
	Size      float64 `json:"size"`
}

// IsBuy reports whether the trade was buyer-initiated.
func (t Trade) IsBuy() bool { return t.Size > 0 }

// Qty returns the unsigned traded quantity.
func (t Trade) Qty() float64 { return math.Abs(t.Size) }

// TradeEvent is a Trade tagged with the instrument it belongs to.
// This is the JSON shape on the WebSocket and Kafka feeds:
//
//	{"exchange":"BINANCE","symbol":"BTCUSDT","ts":1700000000000,"price":101.5,"size":-0.25}
type TradeEvent struct {
	Exchange string `json:"exchange"`
	Symbol   string `json:"symbol"`
	Trade
}

// Key returns "exchange:symbol".
func (e *TradeEvent) Key() string {
	return e.Exchange + ":" + e.Symbol
}

// ErrMissingSymbol is returned by DecodeTradeEvent for payloads without a symbol.
var ErrMissingSymbol = errors.New("trade event without symbol")

// DecodeTradeEvent parses one JSON trade event as sent by the feeds.
func DecodeTradeEvent(raw []byte) (TradeEvent, error) {
	var ev TradeEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return TradeEvent{}, fmt.Errorf("decode trade event: %w", err)
	}
	if ev.Symbol == "" {
		return TradeEvent{}, ErrMissingSymbol
	}
	return ev, nil
}
