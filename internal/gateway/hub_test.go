package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"tradefeatures/internal/model"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
)

type testValidator struct{ v *validator.Validate }

func (tv testValidator) Validate(i any) error {
	if err := tv.v.Struct(i); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return nil
}

func newTestServer(t *testing.T, h *Hub) *httptest.Server {
	t.Helper()
	e := echo.New()
	e.Validator = testValidator{validator.New()}
	h.Mount(e.Group("/stream"))
	srv := httptest.NewServer(e)
	t.Cleanup(func() {
		h.Close()
		srv.Close()
	})
	return srv
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/stream/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// reader splits coalesced frames back into single messages.
type reader struct {
	conn    *websocket.Conn
	pending []string
}

func (r *reader) next(t *testing.T) map[string]json.RawMessage {
	t.Helper()
	for len(r.pending) == 0 {
		r.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
		_, data, err := r.conn.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		r.pending = strings.Split(string(data), "\n")
	}
	line := r.pending[0]
	r.pending = r.pending[1:]

	var m map[string]json.RawMessage
	if err := json.Unmarshal([]byte(line), &m); err != nil {
		t.Fatalf("message is not JSON: %v\nraw: %s", err, line)
	}
	return m
}

func str(t *testing.T, raw json.RawMessage) string {
	t.Helper()
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		t.Fatalf("not a string: %s", raw)
	}
	return s
}

func candle(symbol string, endTS int64) model.FeatureCandle {
	return model.FeatureCandle{
		Exchange: "BINANCE",
		Symbol:   symbol,
		StartTS:  endTS - 4,
		EndTS:    endTS,
		Trades:   5,
		Features: []model.NamedFeature{{Name: "Close", Value: 101.5}},
		Closed:   true,
	}
}

func TestBuildEnvelope(t *testing.T) {
	now := time.Date(2026, 2, 25, 10, 0, 1, 0, time.UTC)
	c := candle("BTCUSDT", 9)
	buf := buildEnvelope(c.Key(), c.JSON(), now, 42, 7)

	var env struct {
		Type       string              `json:"type"`
		Channel    string              `json:"channel"`
		Data       model.FeatureCandle `json:"data"`
		TS         time.Time           `json:"ts"`
		Seq        int64               `json:"seq"`
		ChannelSeq int64               `json:"channel_seq"`
	}
	if err := json.Unmarshal(buf, &env); err != nil {
		t.Fatalf("envelope is not valid JSON: %v\nraw: %s", err, buf)
	}
	if env.Type != "CANDLE" || env.Channel != "BINANCE:BTCUSDT" {
		t.Errorf("type/channel = %q/%q", env.Type, env.Channel)
	}
	if env.Seq != 42 || env.ChannelSeq != 7 {
		t.Errorf("seq/channel_seq = %d/%d, want 42/7", env.Seq, env.ChannelSeq)
	}
	if !env.TS.Equal(now) {
		t.Errorf("ts = %v, want %v", env.TS, now)
	}
	if v, _ := env.Data.Value("Close"); v != 101.5 {
		t.Errorf("data Close = %v, want 101.5", v)
	}
}

func TestBuildEnvelope_EscapesChannel(t *testing.T) {
	channel := "BIN\"ANCE:BTC\\USDT\n"
	buf := buildEnvelope(channel, []byte(`{}`), time.Unix(0, 0).UTC(), 1, 1)

	var env struct {
		Channel string `json:"channel"`
	}
	if err := json.Unmarshal(buf, &env); err != nil {
		t.Fatalf("envelope is not valid JSON: %v\nraw: %s", err, buf)
	}
	if env.Channel != channel {
		t.Errorf("channel = %q, want %q", env.Channel, channel)
	}
}

func TestHub_PublishSequencesPerChannel(t *testing.T) {
	h := NewHub(3)
	for i := int64(1); i <= 5; i++ {
		h.Publish(candle("BTCUSDT", i))
	}
	h.Publish(candle("ETHUSDT", 1))

	if got := h.GetChannelSeq("BINANCE:BTCUSDT"); got != 5 {
		t.Errorf("BTC seq = %d, want 5", got)
	}
	if got := h.GetChannelSeq("BINANCE:ETHUSDT"); got != 1 {
		t.Errorf("ETH seq = %d, want 1", got)
	}
	// replay buffer of 3 keeps seqs 3..5
	if got := h.GetReplayRange("BINANCE:BTCUSDT", 1, 5); len(got) != 3 {
		t.Errorf("replay range len = %d, want 3", len(got))
	}
	if got := h.Latency.Stats().Count; got != 6 {
		t.Errorf("latency samples = %d, want 6", got)
	}
}

func TestHub_StreamsSubscribedInstruments(t *testing.T) {
	h := NewHub(0)
	var clients atomic.Int32
	h.OnClients = func(n int) { clients.Store(int32(n)) }
	srv := newTestServer(t, h)

	conn := dial(t, srv)
	r := &reader{conn: conn}

	sub := SubscribeMsg{Type: "SUBSCRIBE", ReqID: "r1", Instruments: []string{"BINANCE:BTCUSDT"}}
	if err := conn.WriteJSON(sub); err != nil {
		t.Fatalf("write: %v", err)
	}
	ack := r.next(t)
	if str(t, ack["type"]) != "SUBSCRIBED" || str(t, ack["reqId"]) != "r1" {
		t.Fatalf("unexpected ack: %v", ack)
	}

	h.Publish(candle("ETHUSDT", 10)) // not subscribed
	h.Publish(candle("BTCUSDT", 11))

	msg := r.next(t)
	if got := str(t, msg["channel"]); got != "BINANCE:BTCUSDT" {
		t.Fatalf("channel = %q, want BINANCE:BTCUSDT", got)
	}
	var data model.FeatureCandle
	if err := json.Unmarshal(msg["data"], &data); err != nil {
		t.Fatalf("data: %v", err)
	}
	if data.EndTS != 11 {
		t.Errorf("EndTS = %d, want 11", data.EndTS)
	}

	if h.ClientCount() != 1 {
		t.Errorf("ClientCount = %d, want 1", h.ClientCount())
	}
	if got := clients.Load(); got != 1 {
		t.Errorf("OnClients reported %d, want 1", got)
	}
}

func TestHub_SubscribeSendsLatest(t *testing.T) {
	h := NewHub(0)
	srv := newTestServer(t, h)
	h.Publish(candle("BTCUSDT", 5))

	conn := dial(t, srv)
	r := &reader{conn: conn}

	// initial state covers every channel
	if got := str(t, r.next(t)["channel"]); got != "BINANCE:BTCUSDT" {
		t.Fatalf("initial channel = %q", got)
	}

	conn.WriteJSON(SubscribeMsg{Type: "SUBSCRIBE", Instruments: []string{"BINANCE:BTCUSDT"}})
	if got := str(t, r.next(t)["type"]); got != "SUBSCRIBED" {
		t.Fatalf("type = %q, want SUBSCRIBED", got)
	}
	if got := str(t, r.next(t)["type"]); got != "CANDLE" {
		t.Fatalf("type = %q, want CANDLE", got)
	}
}

func TestHub_UnsubscribeLastInstrument(t *testing.T) {
	h := NewHub(0)
	srv := newTestServer(t, h)
	conn := dial(t, srv)
	r := &reader{conn: conn}

	conn.WriteJSON(SubscribeMsg{Type: "SUBSCRIBE", Instruments: []string{"BINANCE:BTCUSDT"}})
	if ack := r.next(t); string(ack["all"]) != "false" {
		t.Fatalf("subscribe ack: %v", ack)
	}
	conn.WriteJSON(SubscribeMsg{Type: "UNSUBSCRIBE", Instruments: []string{"BINANCE:BTCUSDT"}})
	ack := r.next(t)
	if string(ack["all"]) != "false" || string(ack["instruments"]) != "[]" {
		t.Fatalf("unsubscribe ack: all=%s instruments=%s", ack["all"], ack["instruments"])
	}

	// nothing subscribed: this must not reach the client
	h.Publish(candle("BTCUSDT", 11))

	conn.WriteJSON(SubscribeMsg{Type: "SUBSCRIBE", Instruments: []string{AllInstruments}})
	ack = r.next(t)
	if str(t, ack["type"]) != "SUBSCRIBED" || string(ack["all"]) != "true" {
		t.Fatalf("expected wildcard ack first, got %v", ack)
	}
	// switching to every instrument sends the latest envelopes
	msg := r.next(t)
	if got := str(t, msg["channel"]); got != "BINANCE:BTCUSDT" {
		t.Fatalf("channel = %q, want BINANCE:BTCUSDT", got)
	}

	h.Publish(candle("ETHUSDT", 12))
	if got := str(t, r.next(t)["channel"]); got != "BINANCE:ETHUSDT" {
		t.Errorf("channel = %q, want BINANCE:ETHUSDT", got)
	}
}

func TestHub_PingAndErrors(t *testing.T) {
	h := NewHub(0)
	srv := newTestServer(t, h)
	conn := dial(t, srv)
	r := &reader{conn: conn}

	conn.WriteMessage(websocket.TextMessage, []byte(`{"ping":123}`))
	pong := r.next(t)
	if str(t, pong["type"]) != "pong" || string(pong["ping"]) != "123" {
		t.Errorf("unexpected pong: %v", pong)
	}

	conn.WriteJSON(SubscribeMsg{Type: "SUBSCRIBE", ReqID: "r2"})
	errMsg := r.next(t)
	if str(t, errMsg["type"]) != "ERROR" || str(t, errMsg["reqId"]) != "r2" {
		t.Errorf("unexpected error message: %v", errMsg)
	}
}

func TestHub_RunStopsOnClosedChannel(t *testing.T) {
	h := NewHub(0)
	ch := make(chan model.FeatureCandle, 2)
	ch <- candle("BTCUSDT", 1)
	ch <- candle("BTCUSDT", 2)
	close(ch)

	done := make(chan struct{})
	go func() {
		h.Run(context.Background(), ch)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after channel close")
	}
	if got := h.GetChannelSeq("BINANCE:BTCUSDT"); got != 2 {
		t.Errorf("seq = %d, want 2", got)
	}
}

func TestHub_MissedAndStats(t *testing.T) {
	h := NewHub(0)
	srv := newTestServer(t, h)
	for i := int64(1); i <= 4; i++ {
		h.Publish(candle("BTCUSDT", i))
	}

	resp, err := http.Get(srv.URL + "/stream/missed?channel=BINANCE:BTCUSDT&from=2")
	if err != nil {
		t.Fatalf("GET missed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("missed status = %d", resp.StatusCode)
	}
	var missed MissedResponse
	if err := json.NewDecoder(resp.Body).Decode(&missed); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if missed.Seq != 4 || missed.Oldest != 1 || len(missed.Items) != 3 {
		t.Errorf("missed = seq %d oldest %d items %d, want 4/1/3", missed.Seq, missed.Oldest, len(missed.Items))
	}

	bad, err := http.Get(srv.URL + "/stream/missed?from=1")
	if err != nil {
		t.Fatalf("GET missed: %v", err)
	}
	bad.Body.Close()
	if bad.StatusCode != http.StatusBadRequest {
		t.Errorf("missing channel status = %d, want 400", bad.StatusCode)
	}

	st, err := http.Get(srv.URL + "/stream/stats")
	if err != nil {
		t.Fatalf("GET stats: %v", err)
	}
	defer st.Body.Close()
	var stats StatsResponse
	if err := json.NewDecoder(st.Body).Decode(&stats); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if stats.Channels["BINANCE:BTCUSDT"] != 4 || stats.Latency.Count != 4 {
		t.Errorf("stats = %+v", stats)
	}
}
