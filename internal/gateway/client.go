package gateway

import (
	"encoding/json"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	sendQueueSize = 256
	writeWait     = 10 * time.Second
	pongWait      = 60 * time.Second
	pingPeriod    = 30 * time.Second
	maxReadSize   = 4096
)

// SubscribeMsg is the client → server SUBSCRIBE / UNSUBSCRIBE request.
// Instruments are "EXCHANGE:SYMBOL" keys or AllInstruments.
type SubscribeMsg struct {
	Type        string   `json:"type"`
	ReqID       string   `json:"reqId,omitempty"`
	Instruments []string `json:"instruments"`
}

// AllInstruments subscribes to (or unsubscribes from) every instrument.
const AllInstruments = "*"

// SubscribedMsg acknowledges a subscription change with the full current set.
// All reports a wildcard subscription; with All false an empty set receives
// nothing.
type SubscribedMsg struct {
	Type        string   `json:"type"` // "SUBSCRIBED"
	ReqID       string   `json:"reqId,omitempty"`
	All         bool     `json:"all"`
	Instruments []string `json:"instruments"`
}

// ErrorMsg is the server → client ERROR message.
type ErrorMsg struct {
	Type  string `json:"type"` // "ERROR"
	ReqID string `json:"reqId,omitempty"`
	Error string `json:"error"`
}

// Client represents a single WebSocket peer.
type Client struct {
	conn *websocket.Conn
	send chan []byte
	hub  *Hub

	closeOnce sync.Once
	sendMu    sync.RWMutex // guards send against close
	closed    bool

	// New clients receive every instrument until their first subscription
	// change narrows them to subs.
	subMu sync.RWMutex
	all   bool
	subs  map[string]bool
}

func newClient(h *Hub, conn *websocket.Conn) *Client {
	conn.EnableWriteCompression(true)
	return &Client{
		conn: conn,
		send: make(chan []byte, sendQueueSize),
		hub:  h,
		all:  true,
		subs: make(map[string]bool),
	}
}

// enqueue queues msg without blocking. Returns false if the queue is full.
// A closed client silently discards msg.
func (c *Client) enqueue(msg []byte) bool {
	c.sendMu.RLock()
	defer c.sendMu.RUnlock()
	if c.closed {
		return true
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

func (c *Client) close() {
	c.closeOnce.Do(func() {
		c.sendMu.Lock()
		c.closed = true
		close(c.send)
		c.sendMu.Unlock()
	})
}

func (c *Client) sendJSON(v any) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	c.enqueue(b)
}

func (c *Client) subscribed(channel string) bool {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	return c.all || c.subs[channel]
}

// sendInitialState queues the latest envelope of every channel updated after
// cutoff that the client is subscribed to.
func (c *Client) sendInitialState(cutoff time.Time) {
	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()

	for channel, entry := range c.hub.latest {
		if !cutoff.IsZero() && !entry.TS.After(cutoff) {
			continue
		}
		if !c.subscribed(channel) {
			continue
		}
		c.enqueue(entry.Envelope)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			// Coalesce queued messages into one frame, newline separated.
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(msg)
			n := len(c.send)
			for i := 0; i < n; i++ {
				next, ok := <-c.send
				if !ok {
					break
				}
				w.Write([]byte{'\n'})
				w.Write(next)
			}
			if err := w.Close(); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.RemoveClient(c)
		c.conn.Close()
		log.Println("[gateway] ws client disconnected")
	}()

	c.conn.SetReadLimit(maxReadSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var base struct {
			Type string `json:"type"`
			Ping int64  `json:"ping"`
		}
		if json.Unmarshal(msg, &base) != nil {
			c.sendJSON(ErrorMsg{Type: "ERROR", Error: "invalid JSON"})
			continue
		}

		switch base.Type {
		case "SUBSCRIBE", "UNSUBSCRIBE":
			var sub SubscribeMsg
			if err := json.Unmarshal(msg, &sub); err != nil {
				c.sendJSON(ErrorMsg{Type: "ERROR", Error: "invalid " + base.Type + ": " + err.Error()})
				continue
			}
			c.handleSubscription(sub)
		default:
			if base.Ping > 0 {
				c.sendJSON(map[string]any{
					"type":      "pong",
					"ping":      base.Ping,
					"server_ts": time.Now().UnixMilli(),
				})
				continue
			}
			c.sendJSON(ErrorMsg{Type: "ERROR", Error: "unknown message type " + base.Type})
		}
	}
}

// handleSubscription applies a SUBSCRIBE or UNSUBSCRIBE and acknowledges it.
// Newly subscribed instruments get their latest envelope immediately.
func (c *Client) handleSubscription(msg SubscribeMsg) {
	if len(msg.Instruments) == 0 {
		c.sendJSON(ErrorMsg{Type: "ERROR", ReqID: msg.ReqID, Error: "instruments are required"})
		return
	}

	c.subMu.Lock()
	wasAll := c.all
	c.all = false
	var added []string
	for _, key := range msg.Instruments {
		switch {
		case key == AllInstruments && msg.Type == "SUBSCRIBE":
			c.all = true
			c.subs = make(map[string]bool)
		case key == AllInstruments:
			c.subs = make(map[string]bool)
		case msg.Type == "SUBSCRIBE":
			if !c.subs[key] {
				added = append(added, key)
			}
			c.subs[key] = true
		default:
			delete(c.subs, key)
		}
	}
	all := c.all
	current := make([]string, 0, len(c.subs))
	for key := range c.subs {
		current = append(current, key)
	}
	c.subMu.Unlock()
	sort.Strings(current)

	log.Printf("[gateway] client %s %v", msg.Type, msg.Instruments)
	c.sendJSON(SubscribedMsg{Type: "SUBSCRIBED", ReqID: msg.ReqID, All: all, Instruments: current})

	c.hub.mu.RLock()
	if all && !wasAll {
		for _, entry := range c.hub.latest {
			c.enqueue(entry.Envelope)
		}
	} else if !all {
		for _, key := range added {
			if entry, ok := c.hub.latest[key]; ok {
				c.enqueue(entry.Envelope)
			}
		}
	}
	c.hub.mu.RUnlock()
}
