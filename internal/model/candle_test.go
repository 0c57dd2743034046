package model

import (
	"encoding/json"
	"math"
	"strings"
	"testing"
)

func TestFeatureCandle_JSONNonFinite(t *testing.T) {
	c := FeatureCandle{
		Exchange: "BINANCE",
		Symbol:   "BTCUSDT",
		Trades:   1,
		Features: []NamedFeature{
			{Name: "Close", Value: 101.5},
			{Name: "AvgSpread", Value: FeatureValue(math.NaN())},
			{Name: "Weird", Value: FeatureValue(math.Inf(1))},
		},
		Closed: true,
	}

	raw := c.JSON()
	if len(raw) == 0 {
		t.Fatal("JSON() returned nothing for a candle with NaN features")
	}
	if !strings.Contains(string(raw), `{"name":"AvgSpread","value":null}`) {
		t.Errorf("NaN not encoded as null: %s", raw)
	}

	var back FeatureCandle
	if err := json.Unmarshal(raw, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if v, _ := back.Value("Close"); v != 101.5 {
		t.Errorf("Close=%v, want 101.5", v)
	}
	if v, ok := back.Value("AvgSpread"); !ok || !math.IsNaN(v) {
		t.Errorf("AvgSpread=%v ok=%v, want NaN", v, ok)
	}
	if _, ok := back.Value("Missing"); ok {
		t.Error("lookup of unknown feature succeeded")
	}
}

func TestFeatureCandle_Keys(t *testing.T) {
	c := FeatureCandle{Exchange: "NSE", Symbol: "2885"}
	cases := map[string]string{
		c.Key():           "NSE:2885",
		c.StreamKey():     "features:NSE:2885",
		c.LatestKey():     "features:latest:NSE:2885",
		c.PubSubChannel(): "pub:features:NSE:2885",
	}
	for got, want := range cases {
		if got != want {
			t.Errorf("got %q, want %q", got, want)
		}
	}
}
