package sqlite

import (
	"context"
	"math"
	"path/filepath"
	"strconv"
	"testing"

	"tradefeatures/internal/model"
)

func newTestWriter(t *testing.T) (*Writer, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "features.db")
	w, err := New(WriterConfig{DBPath: path})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { w.Close() })
	return w, path
}

func candle(sym string, start int64, avg float64) model.FeatureCandle {
	return model.FeatureCandle{
		Exchange: "BINANCE",
		Symbol:   sym,
		StartTS:  start,
		EndTS:    start + 9,
		Trades:   10,
		Features: []model.NamedFeature{
			{Name: "AveragePrice", Value: model.FeatureValue(avg)},
			{Name: "AvgSpread", Value: model.FeatureValue(math.NaN())},
		},
		Closed: true,
	}
}

func TestWriter_RunAndReadCandles(t *testing.T) {
	w, path := newTestWriter(t)

	ch := make(chan model.FeatureCandle, 10)
	ch <- candle("BTCUSDT", 0, 102)
	ch <- candle("BTCUSDT", 10, 102.8)
	ch <- candle("ETHUSDT", 0, 2000)
	ch <- candle("BTCUSDT", 10, 103) // replaces the earlier start_ts=10 row
	close(ch)
	w.Run(context.Background(), ch)

	r, err := NewReader(path)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	defer r.Close()

	got, err := r.ReadCandles(context.Background(), "BINANCE", "BTCUSDT", -1, 10)
	if err != nil {
		t.Fatalf("ReadCandles: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d candles, want 2", len(got))
	}
	if got[0].StartTS != 0 || got[1].StartTS != 10 {
		t.Errorf("order: %d, %d", got[0].StartTS, got[1].StartTS)
	}
	if v, _ := got[1].Value("AveragePrice"); v != 103 {
		t.Errorf("replaced row AveragePrice=%v, want 103", v)
	}
	if v, ok := got[0].Value("AvgSpread"); !ok || !math.IsNaN(v) {
		t.Errorf("NaN feature came back as %v (ok=%v)", v, ok)
	}
	if !got[0].Closed {
		t.Error("stored candles should read back as closed")
	}

	after, err := r.ReadCandles(context.Background(), "BINANCE", "BTCUSDT", 0, 10)
	if err != nil || len(after) != 1 {
		t.Errorf("afterTS filter: %d candles, err %v", len(after), err)
	}
}

func TestWriter_SnapshotsKeepLast10(t *testing.T) {
	w, _ := newTestWriter(t)
	ctx := context.Background()

	if data, err := w.ReadLatestSnapshotJSON(ctx); err != nil || data != nil {
		t.Fatalf("empty store: data=%s err=%v", data, err)
	}

	for i := 0; i < 12; i++ {
		if err := w.SaveSnapshotJSON(ctx, []byte(`{"version":`+strconv.Itoa(i)+`}`)); err != nil {
			t.Fatalf("SaveSnapshotJSON %d: %v", i, err)
		}
	}

	data, err := w.ReadLatestSnapshotJSON(ctx)
	if err != nil {
		t.Fatalf("ReadLatestSnapshotJSON: %v", err)
	}
	if string(data) != `{"version":11}` {
		t.Errorf("latest snapshot %s", data)
	}

	var n int
	if err := w.DB().QueryRow(`SELECT COUNT(*) FROM feature_snapshots`).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != keepSnapshots {
		t.Errorf("kept %d snapshots, want %d", n, keepSnapshots)
	}
}
