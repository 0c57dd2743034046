package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"tradefeatures/internal/model"

	"github.com/gorilla/websocket"
)

func feedServer(t *testing.T, msgs []string) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for _, m := range msgs {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(m)); err != nil {
				return
			}
		}
		// hold the connection open until the client goes away
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestIngest_StreamsTrades(t *testing.T) {
	srv := feedServer(t, []string{
		`{"exchange":"BINANCE","symbol":"BTCUSDT","ts":1,"price":100,"size":2}`,
		`not json`,
		`{"exchange":"BINANCE","ts":2,"price":100,"size":1}`,
		`{"exchange":"BINANCE","symbol":"ETHUSDT","ts":3,"price":10,"size":-1}`,
	})

	ing, err := New(Config{URL: "ws" + strings.TrimPrefix(srv.URL, "http")})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	tradeCh := make(chan model.TradeEvent, 10)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ing.Start(ctx, tradeCh) }()

	var got []model.TradeEvent
	timeout := time.After(3 * time.Second)
	for len(got) < 2 {
		select {
		case ev := <-tradeCh:
			got = append(got, ev)
		case <-timeout:
			t.Fatalf("received %d trades, want 2", len(got))
		}
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Start returned %v after cancel", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Start did not return after cancel")
	}

	if got[0].Symbol != "BTCUSDT" || got[0].Size != 2 {
		t.Errorf("first trade %+v", got[0])
	}
	if got[1].Symbol != "ETHUSDT" || got[1].IsBuy() {
		t.Errorf("second trade %+v", got[1])
	}
}

func TestNew_RejectsNonWebSocketURL(t *testing.T) {
	if _, err := New(Config{URL: "http://localhost:9001/ws"}); err == nil {
		t.Error("expected error for http scheme")
	}
}
