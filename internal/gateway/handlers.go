package gateway

import (
	"encoding/json"
	"log"
	"net/http"
	"sort"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
)

var upgrader = websocket.Upgrader{
	CheckOrigin:       func(r *http.Request) bool { return true },
	EnableCompression: true,
}

// Mount registers the stream routes on g:
//
//	GET /ws      WebSocket upgrade; ?last_ts=RFC3339 limits the initial state
//	GET /missed  replay ?channel=EX:SYM&from=N[&to=M] from the replay buffer
//	GET /stats   client count, channel sequences and delivery latency
func (h *Hub) Mount(g *echo.Group) {
	g.GET("/ws", h.handleWS)
	g.GET("/missed", h.handleMissed)
	g.GET("/stats", h.handleStats)
}

func (h *Hub) handleWS(c echo.Context) error {
	var cutoff time.Time
	if v := c.QueryParam("last_ts"); v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "last_ts must be RFC3339")
		}
		cutoff = t
	}

	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		log.Printf("[gateway] ws upgrade error: %v", err)
		return nil
	}
	h.Register(conn, cutoff)
	return nil
}

type missedQuery struct {
	Channel string `query:"channel" validate:"required"`
	From    int64  `query:"from" validate:"gte=1"`
	To      int64  `query:"to" validate:"gte=0"`
}

// MissedResponse is the body of GET /missed.
type MissedResponse struct {
	Channel string            `json:"channel"`
	Seq     int64             `json:"seq"`    // current channel sequence
	Oldest  int64             `json:"oldest"` // lowest seq still buffered
	Items   []json.RawMessage `json:"items"`
}

func (h *Hub) handleMissed(c echo.Context) error {
	var q missedQuery
	if err := c.Bind(&q); err != nil {
		return err
	}
	if err := c.Validate(&q); err != nil {
		return err
	}

	seq := h.GetChannelSeq(q.Channel)
	to := q.To
	if to == 0 || to > seq {
		to = seq
	}

	resp := MissedResponse{Channel: q.Channel, Seq: seq, Items: []json.RawMessage{}}
	h.mu.RLock()
	rb := h.replayBufs[q.Channel]
	h.mu.RUnlock()
	if rb != nil {
		resp.Oldest = rb.Oldest()
	}
	for _, env := range h.GetReplayRange(q.Channel, q.From, to) {
		resp.Items = append(resp.Items, env)
	}
	return c.JSON(http.StatusOK, resp)
}

// StatsResponse is the body of GET /stats.
type StatsResponse struct {
	Clients  int              `json:"clients"`
	Channels map[string]int64 `json:"channels"` // channel → current seq
	Latency  LatencyStats     `json:"latency"`
}

func (h *Hub) handleStats(c echo.Context) error {
	channels := h.Channels()
	sort.Strings(channels)
	seqs := make(map[string]int64, len(channels))
	for _, ch := range channels {
		seqs[ch] = h.GetChannelSeq(ch)
	}
	return c.JSON(http.StatusOK, StatsResponse{
		Clients:  h.ClientCount(),
		Channels: seqs,
		Latency:  h.Latency.Stats(),
	})
}
