// Package gateway streams closed feature candles to WebSocket clients.
//
// The Hub is a model.CandleSink: it subscribes to the candle fan-out like any
// other sink and pushes every candle to the clients subscribed to its
// instrument. Each instrument is a channel ("EXCHANGE:SYMBOL") with its own
// sequence number and replay buffer so clients can detect and backfill gaps.
package gateway

import (
	"context"
	"log"
	"sync"
	"time"

	"tradefeatures/internal/model"

	"github.com/gorilla/websocket"
)

// DefaultReplaySize is the number of envelopes kept per channel.
const DefaultReplaySize = 500

// Hub manages WebSocket clients and candle fan-out.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]bool
	latest  map[string]latestEntry
	seq     int64

	// Per-channel monotonic sequence numbers for gap detection
	channelSeqs map[string]int64

	// Per-channel replay buffers for gap backfill
	replayBufs map[string]*ReplayBuffer
	replaySize int

	// Latency tracks the delay between a candle's last trade and its push.
	Latency *LatencyTracker

	// OnClients is called with the client count after every connect and
	// disconnect.
	OnClients func(n int)
	// OnSlowClient is called when a client's send queue is full and an
	// envelope is dropped for it.
	OnSlowClient func()
}

type latestEntry struct {
	Envelope []byte
	TS       time.Time
	Seq      int64
}

// NewHub creates a Hub. replaySize <= 0 uses DefaultReplaySize.
func NewHub(replaySize int) *Hub {
	if replaySize <= 0 {
		replaySize = DefaultReplaySize
	}
	return &Hub{
		clients:     make(map[*Client]bool),
		latest:      make(map[string]latestEntry),
		channelSeqs: make(map[string]int64),
		replayBufs:  make(map[string]*ReplayBuffer),
		replaySize:  replaySize,
		Latency:     NewLatencyTracker(10000),
	}
}

// Run pushes every candle from candleCh to subscribed clients.
// Blocks until ctx is cancelled or candleCh is closed.
func (h *Hub) Run(ctx context.Context, candleCh <-chan model.FeatureCandle) {
	for {
		select {
		case <-ctx.Done():
			return
		case c, ok := <-candleCh:
			if !ok {
				return
			}
			h.Publish(c)
		}
	}
}

// Close disconnects every client.
func (h *Hub) Close() error {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
		delete(h.clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
	if len(clients) > 0 {
		log.Printf("[gateway] closed %d ws clients", len(clients))
	}
	h.notifyClients()
	return nil
}

// Register attaches an upgraded connection as a new client. Channels updated
// after lastTS (all of them when lastTS is zero) are sent as initial state.
func (h *Hub) Register(conn *websocket.Conn, lastTS time.Time) *Client {
	client := newClient(h, conn)

	h.mu.Lock()
	h.clients[client] = true
	count := len(h.clients)
	h.mu.Unlock()

	log.Printf("[gateway] ws client connected (%d total)", count)
	h.notifyClients()

	client.sendInitialState(lastTS)
	go client.writePump()
	go client.readPump()
	return client
}

// RemoveClient removes a client from the hub and stops its writer.
func (h *Hub) RemoveClient(c *Client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()

	c.close()
	if ok {
		h.notifyClients()
	}
}

// ClientCount returns the number of connected WS clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Channels returns the channels that have published at least once.
func (h *Hub) Channels() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.latest))
	for ch := range h.latest {
		out = append(out, ch)
	}
	return out
}

// GetChannelSeq returns the current sequence number for a channel.
func (h *Hub) GetChannelSeq(channel string) int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.channelSeqs[channel]
}

// GetReplayRange returns buffered envelopes for a channel in [fromSeq, toSeq].
func (h *Hub) GetReplayRange(channel string, fromSeq, toSeq int64) [][]byte {
	h.mu.RLock()
	rb, exists := h.replayBufs[channel]
	h.mu.RUnlock()
	if !exists {
		return nil
	}
	entries := rb.Range(fromSeq, toSeq)
	result := make([][]byte, len(entries))
	for i, e := range entries {
		result[i] = e.Data
	}
	return result
}

func (h *Hub) notifyClients() {
	if h.OnClients != nil {
		h.OnClients(h.ClientCount())
	}
}
