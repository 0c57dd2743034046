package feature

import (
	"math"
	"testing"

	"tradefeatures/internal/model"
)

func event(sym string, tr model.Trade) model.TradeEvent {
	return model.TradeEvent{Exchange: "BINANCE", Symbol: sym, Trade: tr}
}

func TestFromModules_DoesNotMutate(t *testing.T) {
	mods := NewModules([]Kind{Open, Close, NumTrades})
	for _, m := range mods {
		feed(m, fixture())
	}

	c1 := FromModules(mods)
	c2 := FromModules(mods)
	want := []float64{100, 105, 10}
	for i, w := range want {
		assertClose(t, "candle1", c1.Values()[i], w, 0)
		assertClose(t, "candle2", c2.Values()[i], w, 0)
	}

	// the candle is a copy: later updates do not leak into it
	for _, m := range mods {
		m.Update(model.Trade{Timestamp: 10, Price: 110, Size: 1}, false)
	}
	assertClose(t, "Close after update", c1.Features[1].Value(), 105, 0)
	assertClose(t, "NumTrades after update", FromModules(mods).Values()[2], 11, 0)
}

func TestFromModules_Empty(t *testing.T) {
	if c := FromModules(nil); len(c.Features) != 0 {
		t.Errorf("expected empty candle, got %d features", len(c.Features))
	}
}

func TestModuleSet_FeatureCandle(t *testing.T) {
	set := NewModuleSet([]Kind{AveragePrice, Volume, AvgSpread})
	for i, tr := range fixture() {
		set.Update(tr, i == 5)
	}

	fc := set.FeatureCandle("BINANCE", "BTCUSDT", true)
	if fc.StartTS != 5 || fc.EndTS != 9 || fc.Trades != 5 {
		t.Errorf("bounds: start=%d end=%d trades=%d, want 5/9/5", fc.StartTS, fc.EndTS, fc.Trades)
	}
	if !fc.Closed || fc.Key() != "BINANCE:BTCUSDT" {
		t.Errorf("unexpected header %+v", fc)
	}
	want := []struct {
		name  string
		value float64
	}{
		{"AveragePrice", 102.8},
		{"Volume", 20},
		{"AvgSpread", 1.75},
	}
	for i, w := range want {
		if fc.Features[i].Name != w.name {
			t.Errorf("feature %d: name %q, want %q", i, fc.Features[i].Name, w.name)
		}
		assertClose(t, w.name, float64(fc.Features[i].Value), w.value, 1e-9)
	}
}

func TestEngine_PerInstrumentIsolation(t *testing.T) {
	e := NewEngine([]Kind{NumTrades, Close})
	for _, tr := range fixture() {
		e.Update(event("BTCUSDT", tr), false)
	}
	e.Update(event("ETHUSDT", model.Trade{Timestamp: 3, Price: 2000, Size: 1}), false)

	btc, ok := e.Candle("BINANCE:BTCUSDT", false)
	if !ok {
		t.Fatal("BTCUSDT candle missing")
	}
	eth, ok := e.Candle("BINANCE:ETHUSDT", false)
	if !ok {
		t.Fatal("ETHUSDT candle missing")
	}
	assertClose(t, "BTC NumTrades", float64(btc.Features[0].Value), 10, 0)
	assertClose(t, "ETH NumTrades", float64(eth.Features[0].Value), 1, 0)
	assertClose(t, "ETH Close", float64(eth.Features[1].Value), 2000, 0)

	if _, ok := e.Candle("BINANCE:SOLUSDT", false); ok {
		t.Error("unknown instrument reported a candle")
	}

	keys := e.Keys()
	if len(keys) != 2 || keys[0] != "BINANCE:BTCUSDT" || keys[1] != "BINANCE:ETHUSDT" {
		t.Errorf("Keys() = %v", keys)
	}
}

func TestEngine_Reload(t *testing.T) {
	e := NewEngine([]Kind{Open, Volume})
	for _, tr := range fixture()[:3] {
		e.Update(event("BTCUSDT", tr), false)
	}

	preserved, created := e.Reload([]Kind{Volume, High})
	if preserved != 1 || created != 1 {
		t.Fatalf("Reload: preserved=%d created=%d, want 1/1", preserved, created)
	}

	fc, _ := e.Candle("BINANCE:BTCUSDT", false)
	if fc.Features[0].Name != "Volume" || fc.Features[1].Name != "High" {
		t.Fatalf("feature order after reload: %v", fc.Names())
	}
	// Volume kept 10 - 10 + 20
	assertClose(t, "Volume", float64(fc.Features[0].Value), 20, 0)
	if !math.IsNaN(float64(fc.Features[1].Value)) {
		t.Errorf("new High should be NaN until next trade, got %v", fc.Features[1].Value)
	}
	if fc.Trades != 3 {
		t.Errorf("interval trade count lost on reload: %d", fc.Trades)
	}

	e.Update(event("BTCUSDT", fixture()[3]), false)
	fc, _ = e.Candle("BINANCE:BTCUSDT", false)
	assertClose(t, "High after next trade", float64(fc.Features[1].Value), 102, 0)
}

func TestEngine_ReloadDuplicateKind(t *testing.T) {
	e := NewEngine([]Kind{Volume})
	e.Update(event("BTCUSDT", model.Trade{Timestamp: 1, Price: 1, Size: 7}), false)

	preserved, created := e.Reload([]Kind{Volume, Volume})
	if preserved != 1 || created != 1 {
		t.Fatalf("preserved=%d created=%d, want 1/1", preserved, created)
	}
	set := e.Set("BINANCE:BTCUSDT")
	mods := set.Modules()
	if mods[0] == mods[1] {
		t.Fatal("duplicate kind shares one module instance")
	}
}
