// cmd/tradeserver: Demo WebSocket trade server.
// Broadcasts simulated trades for running featengine without a real exchange
// feed. Optionally mirrors every trade to a Kafka topic for the Kafka source.
//
// Trade JSON shape is identical to model.TradeEvent:
//
//	{"exchange":"BINANCE","symbol":"BTCUSDT","ts":1700000000000,"price":65012.5,"size":-0.25}
//
// Size is signed: positive for buyer-initiated trades, negative for sells.
//
// Config (env vars):
//
//	TRADE_SERVER_ADDR  : listen address  (default: ":9001")
//	TRADE_INSTRUMENTS  : comma-separated EXCHANGE:SYMBOL:PRICE (default: "BINANCE:BTCUSDT:65000,BINANCE:ETHUSDT:3200")
//	TRADE_INTERVAL_MS  : broadcast interval milliseconds (default: "100")
//	TRADE_KAFKA_BROKERS: comma-separated brokers; enables Kafka mirroring
//	TRADE_KAFKA_TOPIC  : Kafka topic (default: "trades")
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"math/rand"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"tradefeatures/internal/model"

	"github.com/gorilla/websocket"
	"github.com/segmentio/kafka-go"
)

// instrument holds per-symbol simulation state.
type instrument struct {
	Exchange string
	Symbol   string
	Price    float64
}

// ─── Hub ──────────────────────────────────────────────────────────────────────

type hub struct {
	mu      sync.RWMutex
	clients map[*websocket.Conn]chan []byte
}

func newHub() *hub {
	return &hub{clients: make(map[*websocket.Conn]chan []byte)}
}

func (h *hub) register(conn *websocket.Conn) chan []byte {
	ch := make(chan []byte, 256)
	h.mu.Lock()
	h.clients[conn] = ch
	h.mu.Unlock()
	return ch
}

func (h *hub) unregister(conn *websocket.Conn) {
	h.mu.Lock()
	if ch, ok := h.clients[conn]; ok {
		close(ch)
		delete(h.clients, conn)
	}
	h.mu.Unlock()
}

func (h *hub) broadcast(msg []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.clients {
		select {
		case ch <- msg:
		default: // slow client: drop trade
		}
	}
}

// ─── WebSocket handler ────────────────────────────────────────────────────────

var upgrader = websocket.Upgrader{
	CheckOrigin: func(_ *http.Request) bool { return true },
}

func wsHandler(h *hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("[tradeserver] upgrade error: %v", err)
			return
		}
		log.Printf("[tradeserver] client connected: %s", r.RemoteAddr)

		ch := h.register(conn)
		defer func() {
			h.unregister(conn)
			conn.Close()
			log.Printf("[tradeserver] client disconnected: %s", r.RemoteAddr)
		}()

		for msg := range ch {
			conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
	}
}

// ─── Trade generator ─────────────────────────────────────────────────────────

// walkPrice applies a small random walk (±0.1%) to simulate price movement.
func walkPrice(rng *rand.Rand, price float64) float64 {
	pct := (rng.Float64()*0.2 - 0.1) / 100.0
	next := math.Round(price*(1+pct)*100) / 100
	if next < 0.01 {
		next = 0.01
	}
	return next
}

// tradeSize draws a signed size: up-ticks lean toward buys, down-ticks toward sells.
func tradeSize(rng *rand.Rand, up bool) float64 {
	qty := math.Round((rng.ExpFloat64()*0.5+0.001)*1000) / 1000
	buyProb := 0.4
	if up {
		buyProb = 0.6
	}
	if rng.Float64() < buyProb {
		return qty
	}
	return -qty
}

func runGenerator(ctx context.Context, h *hub, kw *kafka.Writer, instruments []instrument, intervalMs int) {
	ticker := time.NewTicker(time.Duration(intervalMs) * time.Millisecond)
	defer ticker.Stop()

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		var msgs []kafka.Message
		for i := range instruments {
			prev := instruments[i].Price
			instruments[i].Price = walkPrice(rng, prev)
			ev := model.TradeEvent{
				Exchange: instruments[i].Exchange,
				Symbol:   instruments[i].Symbol,
				Trade: model.Trade{
					Timestamp: time.Now().UnixMilli(),
					Price:     instruments[i].Price,
					Size:      tradeSize(rng, instruments[i].Price >= prev),
				},
			}
			b, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			h.broadcast(b)
			if kw != nil {
				msgs = append(msgs, kafka.Message{Key: []byte(ev.Key()), Value: b})
			}
		}

		if kw != nil && len(msgs) > 0 {
			if err := kw.WriteMessages(ctx, msgs...); err != nil && ctx.Err() == nil {
				log.Printf("[tradeserver] kafka write error: %v", err)
			}
		}
	}
}

// ─── main ─────────────────────────────────────────────────────────────────────

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	log.Println("[tradeserver] starting demo trade server...")

	addr := envOrDefault("TRADE_SERVER_ADDR", ":9001")
	instrumentsEnv := envOrDefault("TRADE_INSTRUMENTS", "BINANCE:BTCUSDT:65000,BINANCE:ETHUSDT:3200")
	intervalMs := envIntOrDefault("TRADE_INTERVAL_MS", 100)

	instruments := parseInstruments(instrumentsEnv)
	if len(instruments) == 0 {
		log.Fatalf("[tradeserver] no instruments configured via TRADE_INSTRUMENTS")
	}
	log.Printf("[tradeserver] instruments: %+v", instruments)
	log.Printf("[tradeserver] broadcast interval: %dms", intervalMs)

	var kw *kafka.Writer
	if brokers := envOrDefault("TRADE_KAFKA_BROKERS", ""); brokers != "" {
		kw = &kafka.Writer{
			Addr:         kafka.TCP(strings.Split(brokers, ",")...),
			Topic:        envOrDefault("TRADE_KAFKA_TOPIC", "trades"),
			Balancer:     &kafka.Hash{},
			BatchTimeout: 10 * time.Millisecond,
		}
		defer kw.Close()
		log.Printf("[tradeserver] mirroring trades to kafka topic %s", kw.Topic)
	}

	h := newHub()
	go runGenerator(context.Background(), h, kw, instruments, intervalMs)

	http.HandleFunc("/ws", wsHandler(h))
	http.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintln(w, `{"status":"ok","service":"tradeserver"}`)
	})

	log.Printf("[tradeserver] ✅ listening on %s  (WebSocket: ws://localhost%s/ws)", addr, addr)
	if err := http.ListenAndServe(addr, nil); err != nil {
		log.Fatalf("[tradeserver] server error: %v", err)
	}
}

// ─── helpers ──────────────────────────────────────────────────────────────────

func parseInstruments(s string) []instrument {
	var result []instrument
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		seg := strings.SplitN(part, ":", 3)
		if len(seg) < 2 {
			log.Printf("[tradeserver] skipping invalid instrument spec: %q", part)
			continue
		}
		price := 1000.0
		if len(seg) == 3 {
			p, err := strconv.ParseFloat(strings.TrimSpace(seg[2]), 64)
			if err != nil || p <= 0 {
				log.Printf("[tradeserver] invalid price in %q, using %.2f", part, price)
			} else {
				price = p
			}
		}
		result = append(result, instrument{
			Exchange: strings.TrimSpace(seg[0]),
			Symbol:   strings.TrimSpace(seg[1]),
			Price:    price,
		})
	}
	return result
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envIntOrDefault(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}
