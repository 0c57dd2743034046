package feature

import (
	"math"
	"testing"

	"tradefeatures/internal/model"
)

// ────────────────────────────────────────────────────────────
// Helpers
// ────────────────────────────────────────────────────────────

// fixture is the reference trade series used across the package tests:
//
//	ts:    0    1    2    3    4    5    6    7    8    9
//	price: 100  101  100  102  103  104  102  101  102  105
//	size:  10  -10   20   10   10  -20  -10   10   30   10
func fixture() []model.Trade {
	prices := []float64{100, 101, 100, 102, 103, 104, 102, 101, 102, 105}
	sizes := []float64{10, -10, 20, 10, 10, -20, -10, 10, 30, 10}
	out := make([]model.Trade, len(prices))
	for i := range prices {
		out[i] = model.Trade{Timestamp: int64(i), Price: prices[i], Size: sizes[i]}
	}
	return out
}

func feed(m FeatureModule, trades []model.Trade) {
	for _, t := range trades {
		m.Update(t, false)
	}
}

// feedReset replays trades, passing init=true on index resetAt.
func feedReset(m FeatureModule, trades []model.Trade, resetAt int) {
	for i, t := range trades {
		m.Update(t, i == resetAt)
	}
}

func assertClose(t *testing.T, label string, got, want, tol float64) {
	t.Helper()
	if math.Abs(got-want) > tol {
		t.Errorf("%s: got %.6f, want %.6f (tol=%.6f, diff=%.6f)", label, got, want, tol, math.Abs(got-want))
	}
}

func h2(p float64) float64 {
	return -(p*math.Log2(p) + (1-p)*math.Log2(1-p))
}

// ────────────────────────────────────────────────────────────
// Full-series values
// ────────────────────────────────────────────────────────────

func TestModules_Fixture(t *testing.T) {
	// Σprice = 1020 → avg 102
	// Σsize (signed) = 60, Σ|size| = 140
	// Σprice·|size| = 14280 → vwap 14280/140 = 102
	// buys (size>0): 7 of 10, buy qty 100 of 140
	// price deviations from 102: squares sum to 24 → sqrt(2.4)
	// size deviations from 6: squares sum to 2040 → sqrt(204)
	// |Δprice|: 1,1,2,1,1,2,1,1,3 = 13 over 9 pairs
	// span 9 → 10/9 trades per unit
	want := map[Kind]float64{
		Open:                     100,
		High:                     105,
		Low:                      100,
		Close:                    105,
		Volume:                   60,
		AveragePrice:             102,
		WeightedPrice:            102,
		NumTrades:                10,
		DirectionalTradeRatio:    0.7,
		DirectionalVolumeRatio:   100.0 / 140.0,
		StdDevPrices:             math.Sqrt(2.4),
		StdDevSizes:              math.Sqrt(204),
		LastSpread:               3,
		AvgSpread:                13.0 / 9.0,
		DirectionalTradeEntropy:  h2(0.7),
		DirectionalVolumeEntropy: h2(100.0 / 140.0),
		TimeVelocity:             10.0 / 9.0,
	}

	for _, k := range AllKinds() {
		m := k.NewModule()
		feed(m, fixture())
		assertClose(t, k.String(), m.Value(), want[k], 1e-9)
	}
}

func TestModules_ResetMidSeries(t *testing.T) {
	// Reset at index 5 → interval is trades 5..9:
	// prices 104,102,101,102,105 → avg 514/5 = 102.8
	// sizes -20,-10,10,30,10 → net 20
	// |Δprice|: 2,1,1,3 → 7/4
	// span 9-5 = 4 → 5/4
	want := map[Kind]float64{
		Open:         104,
		High:         105,
		Low:          101,
		Close:        105,
		Volume:       20,
		AveragePrice: 102.8,
		NumTrades:    5,
		LastSpread:   3,
		AvgSpread:    1.75,
		TimeVelocity: 1.25,
	}

	for k, w := range want {
		m := k.NewModule()
		feedReset(m, fixture(), 5)
		assertClose(t, k.String(), m.Value(), w, 1e-9)
	}
}

func TestModules_NaNBeforeUpdate(t *testing.T) {
	for _, k := range AllKinds() {
		if v := k.NewModule().Value(); !math.IsNaN(v) {
			t.Errorf("%s: fresh Value()=%v, want NaN", k, v)
		}
	}
}

func TestModules_SingleTrade(t *testing.T) {
	tr := model.Trade{Timestamp: 42, Price: 250, Size: -3}

	cases := map[Kind]float64{
		Open:                     250,
		High:                     250,
		Low:                      250,
		Close:                    250,
		Volume:                   -3,
		AveragePrice:             250,
		WeightedPrice:            250,
		NumTrades:                1,
		DirectionalTradeRatio:    0,
		DirectionalVolumeRatio:   0,
		StdDevPrices:             0,
		StdDevSizes:              0,
		LastSpread:               0,
		DirectionalTradeEntropy:  0,
		DirectionalVolumeEntropy: 0,
		TimeVelocity:             1,
	}
	for k, w := range cases {
		m := k.NewModule()
		m.Update(tr, true)
		assertClose(t, k.String(), m.Value(), w, 1e-12)
	}

	m := AvgSpread.NewModule()
	m.Update(tr, true)
	if v := m.Value(); !math.IsNaN(v) {
		t.Errorf("AvgSpread with one trade: got %v, want NaN", v)
	}
}

func TestTimeVelocity_ZeroSpan(t *testing.T) {
	m := TimeVelocity.NewModule()
	for i := 0; i < 4; i++ {
		m.Update(model.Trade{Timestamp: 7, Price: 1, Size: 1}, i == 0)
	}
	if v := m.Value(); math.IsInf(v, 0) || math.IsNaN(v) {
		t.Fatalf("zero span produced %v", v)
	}
	assertClose(t, "TimeVelocity", m.Value(), 4, 0)
}

func TestWeightedPrice_ZeroVolume(t *testing.T) {
	m := WeightedPrice.NewModule()
	m.Update(model.Trade{Timestamp: 1, Price: 100, Size: 0}, true)
	if v := m.Value(); !math.IsNaN(v) {
		t.Errorf("zero volume: got %v, want NaN", v)
	}
}

func TestZeroSizeCountsAsSell(t *testing.T) {
	m := DirectionalTradeRatio.NewModule()
	m.Update(model.Trade{Timestamp: 1, Price: 100, Size: 5}, true)
	m.Update(model.Trade{Timestamp: 2, Price: 100, Size: 0}, false)
	assertClose(t, "DirectionalTradeRatio", m.Value(), 0.5, 0)
}

func TestEntropy_Balanced(t *testing.T) {
	// one buy, one sell of equal size → exactly 1 bit
	trades := []model.Trade{
		{Timestamp: 1, Price: 10, Size: 4},
		{Timestamp: 2, Price: 10, Size: -4},
	}
	for _, k := range []Kind{DirectionalTradeEntropy, DirectionalVolumeEntropy} {
		m := k.NewModule()
		feed(m, trades)
		assertClose(t, k.String(), m.Value(), 1, 1e-12)
	}
}
