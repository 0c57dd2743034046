// Package ws provides a WebSocket trade ingest client. It connects to a
// plain-JSON trade feed (e.g. cmd/tradeserver) and pushes trades into the
// aggregation pipeline.
//
// The expected JSON message format on the wire is model.TradeEvent:
//
//	{"exchange":"BINANCE","symbol":"BTCUSDT","ts":1700000000000,"price":101.5,"size":-0.25}
package ws

import (
	"context"
	"fmt"
	"log"
	"net/url"
	"time"

	"tradefeatures/internal/model"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

// Config holds configuration for the WS ingest.
type Config struct {
	// URL of the trade WebSocket server, e.g. "ws://localhost:9001/ws"
	URL string

	// ReconnectDelay is the initial delay before reconnection attempts.
	// Defaults to 2 seconds if zero.
	ReconnectDelay time.Duration

	// MaxReconnectDelay caps the exponential backoff. Defaults to 30s.
	MaxReconnectDelay time.Duration

	// MaxReconnectsPerMinute bounds dial attempts regardless of backoff,
	// so a flapping server that accepts and immediately drops connections
	// cannot cause a dial storm. Defaults to 10.
	MaxReconnectsPerMinute int
}

func (c *Config) defaults() {
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = 2 * time.Second
	}
	if c.MaxReconnectDelay == 0 {
		c.MaxReconnectDelay = 30 * time.Second
	}
	if c.MaxReconnectsPerMinute == 0 {
		c.MaxReconnectsPerMinute = 10
	}
}

// Ingest connects to a JSON WebSocket trade feed and pushes model.TradeEvent
// values into tradeCh. It implements model.TradeSource.
type Ingest struct {
	cfg     Config
	limiter *rate.Limiter

	// Optional hooks
	OnConnect   func()
	OnReconnect func()
	OnDropped   func()
}

var _ model.TradeSource = (*Ingest)(nil)

// New creates a new Ingest. Returns an error if the URL is not a ws/wss URL.
func New(cfg Config) (*Ingest, error) {
	cfg.defaults()
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("ws ingest: parse url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("ws ingest: unsupported scheme %q", u.Scheme)
	}
	perConn := time.Minute / time.Duration(cfg.MaxReconnectsPerMinute)
	return &Ingest{
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Every(perConn), 1),
	}, nil
}

// Start connects to the WebSocket and streams trades into tradeCh.
// Blocks until ctx is cancelled. Reconnects automatically on disconnect.
func (ing *Ingest) Start(ctx context.Context, tradeCh chan<- model.TradeEvent) error {
	delay := ing.cfg.ReconnectDelay

	for {
		if err := ing.limiter.Wait(ctx); err != nil {
			// ctx cancelled while waiting for a dial slot
			return nil
		}

		connected, err := ing.runOnce(ctx, tradeCh)
		if err == nil {
			// Context cancelled cleanly
			return nil
		}
		if connected {
			delay = ing.cfg.ReconnectDelay
		}

		log.Printf("[ws] disconnected (%v), reconnecting in %s...", err, delay)
		if ing.OnReconnect != nil {
			ing.OnReconnect()
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}

		// Exponential backoff
		delay *= 2
		if delay > ing.cfg.MaxReconnectDelay {
			delay = ing.cfg.MaxReconnectDelay
		}
	}
}

// runOnce makes a single connection attempt and reads until disconnect or
// ctx cancel. connected reports whether the dial succeeded.
func (ing *Ingest) runOnce(ctx context.Context, tradeCh chan<- model.TradeEvent) (connected bool, err error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, ing.cfg.URL, nil)
	if err != nil {
		return false, err
	}
	defer conn.Close()

	log.Printf("[ws] connected to %s", ing.cfg.URL)
	if ing.OnConnect != nil {
		ing.OnConnect()
	}

	// Async context watcher: closes the connection when ctx is cancelled.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"))
			conn.Close()
		case <-stop:
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-ctx.Done():
				return true, nil
			default:
			}
			return true, err
		}

		ev, err := model.DecodeTradeEvent(raw)
		if err != nil {
			log.Printf("[ws] skipping message: %v (raw: %s)", err, raw)
			continue
		}

		select {
		case tradeCh <- ev:
		default:
			if ing.OnDropped != nil {
				ing.OnDropped()
			}
			log.Println("[ws] tradeCh full, dropping trade")
		}
	}
}
