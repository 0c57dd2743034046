package feature

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"tradefeatures/internal/model"
)

// randomTrades generates n trades with strictly increasing timestamps.
func randomTrades(r *rand.Rand, n int) []model.Trade {
	out := make([]model.Trade, n)
	ts := int64(1_700_000_000_000)
	for i := range out {
		ts += int64(r.Intn(50))
		size := float64(r.Intn(200) - 100)
		out[i] = model.Trade{Timestamp: ts, Price: 90 + r.Float64()*20, Size: size}
	}
	return out
}

func sameValue(a, b, tol float64) bool {
	if math.IsNaN(a) || math.IsNaN(b) {
		return math.IsNaN(a) && math.IsNaN(b)
	}
	return math.Abs(a-b) <= tol
}

func TestProperty_ResetEquivalence(t *testing.T) {
	// Update(x, true) after any history equals a fresh module fed x.
	r := rand.New(rand.NewSource(1))
	for round := 0; round < 20; round++ {
		history := randomTrades(r, 1+r.Intn(30))
		tail := randomTrades(r, 1+r.Intn(30))

		for _, k := range AllKinds() {
			used := k.NewModule()
			feed(used, history)
			for i, tr := range tail {
				used.Update(tr, i == 0)
			}

			fresh := k.NewModule()
			for i, tr := range tail {
				fresh.Update(tr, i == 0)
			}

			if !sameValue(used.Value(), fresh.Value(), 1e-9) {
				t.Errorf("round %d %s: after reset %v, fresh %v", round, k, used.Value(), fresh.Value())
			}
		}
	}
}

func TestProperty_InitOnFreshModule(t *testing.T) {
	// The first Update gives the same result with init true or false.
	tr := model.Trade{Timestamp: 5, Price: 99.5, Size: 12}
	for _, k := range AllKinds() {
		a, b := k.NewModule(), k.NewModule()
		a.Update(tr, true)
		b.Update(tr, false)
		if !sameValue(a.Value(), b.Value(), 0) {
			t.Errorf("%s: init=true %v, init=false %v", k, a.Value(), b.Value())
		}
	}
}

func TestProperty_ValueIdempotent(t *testing.T) {
	for _, k := range AllKinds() {
		m := k.NewModule()
		feed(m, fixture())
		first := m.Value()
		for i := 0; i < 3; i++ {
			if v := m.Value(); !sameValue(v, first, 0) {
				t.Errorf("%s: Value() changed from %v to %v without Update", k, first, v)
			}
		}
	}
}

func TestProperty_PermutationInvariant(t *testing.T) {
	invariant := []Kind{
		High, Low, Volume, AveragePrice, WeightedPrice, NumTrades,
		DirectionalTradeRatio, DirectionalVolumeRatio,
		StdDevPrices, StdDevSizes,
		DirectionalTradeEntropy, DirectionalVolumeEntropy,
	}

	r := rand.New(rand.NewSource(7))
	trades := randomTrades(r, 40)
	shuffled := make([]model.Trade, len(trades))
	copy(shuffled, trades)
	r.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

	for _, k := range invariant {
		a, b := k.NewModule(), k.NewModule()
		feed(a, trades)
		feed(b, shuffled)
		if !sameValue(a.Value(), b.Value(), 1e-9) {
			t.Errorf("%s: order changed the value: %v vs %v", k, a.Value(), b.Value())
		}
	}
}

func TestProperty_OrderSensitive(t *testing.T) {
	trades := fixture()
	reversed := make([]model.Trade, len(trades))
	for i := range trades {
		reversed[len(trades)-1-i] = trades[i]
	}

	for _, k := range []Kind{Open, Close, LastSpread} {
		a, b := k.NewModule(), k.NewModule()
		feed(a, trades)
		feed(b, reversed)
		if sameValue(a.Value(), b.Value(), 0) {
			t.Errorf("%s: expected reversal to change the value, both %v", k, a.Value())
		}
	}
}

func TestProperty_OrderSensitiveSpreadAndVelocity(t *testing.T) {
	cases := []struct {
		kind     Kind
		in, perm []model.Trade
		want     [2]float64
	}{
		{
			// interior prices swapped: |Δ| goes 1,2 → 3,2
			kind: AvgSpread,
			in:   []model.Trade{{Timestamp: 0, Price: 100, Size: 1}, {Timestamp: 1, Price: 101, Size: 1}, {Timestamp: 2, Price: 103, Size: 1}},
			perm: []model.Trade{{Timestamp: 0, Price: 100, Size: 1}, {Timestamp: 2, Price: 103, Size: 1}, {Timestamp: 1, Price: 101, Size: 1}},
			want: [2]float64{1.5, 2.5},
		},
		{
			// earliest trade moved to second place: span 100 → 90
			kind: TimeVelocity,
			in:   []model.Trade{{Timestamp: 0, Price: 100, Size: 1}, {Timestamp: 10, Price: 100, Size: 1}, {Timestamp: 20, Price: 100, Size: 1}, {Timestamp: 100, Price: 100, Size: 1}},
			perm: []model.Trade{{Timestamp: 10, Price: 100, Size: 1}, {Timestamp: 0, Price: 100, Size: 1}, {Timestamp: 20, Price: 100, Size: 1}, {Timestamp: 100, Price: 100, Size: 1}},
			want: [2]float64{4.0 / 100, 4.0 / 90},
		},
	}

	for _, c := range cases {
		a, b := c.kind.NewModule(), c.kind.NewModule()
		feed(a, c.in)
		feed(b, c.perm)
		if !sameValue(a.Value(), c.want[0], 1e-12) || !sameValue(b.Value(), c.want[1], 1e-12) {
			t.Errorf("%s: got %v / %v, want %v / %v", c.kind, a.Value(), b.Value(), c.want[0], c.want[1])
		}
	}
}

func TestProperty_Ranges(t *testing.T) {
	r := rand.New(rand.NewSource(42))
	for round := 0; round < 50; round++ {
		trades := randomTrades(r, 1+r.Intn(60))
		vals := make(map[Kind]float64, numKinds)
		for _, k := range AllKinds() {
			m := k.NewModule()
			feed(m, trades)
			vals[k] = m.Value()
		}

		for _, k := range []Kind{DirectionalTradeRatio, DirectionalTradeEntropy} {
			if v := vals[k]; v < 0 || v > 1 {
				t.Errorf("round %d %s=%v out of [0,1]", round, k, v)
			}
		}
		// volume-based ratios are NaN when every size is zero
		for _, k := range []Kind{DirectionalVolumeRatio, DirectionalVolumeEntropy} {
			if v := vals[k]; !math.IsNaN(v) && (v < 0 || v > 1) {
				t.Errorf("round %d %s=%v out of [0,1]", round, k, v)
			}
		}
		for _, k := range []Kind{StdDevPrices, StdDevSizes, NumTrades, TimeVelocity} {
			if v := vals[k]; v < 0 {
				t.Errorf("round %d %s=%v negative", round, k, v)
			}
		}
		if vals[Low] > vals[AveragePrice]+1e-9 || vals[AveragePrice] > vals[High]+1e-9 {
			t.Errorf("round %d: Low %v ≤ Avg %v ≤ High %v violated",
				round, vals[Low], vals[AveragePrice], vals[High])
		}
		if vals[NumTrades] != float64(len(trades)) {
			t.Errorf("round %d: NumTrades %v, want %d", round, vals[NumTrades], len(trades))
		}
	}
}

// ────────────────────────────────────────────────────────────
// Factory
// ────────────────────────────────────────────────────────────

func TestFactory_NamesRoundTrip(t *testing.T) {
	seen := make(map[string]bool)
	for _, k := range AllKinds() {
		m := k.NewModule()
		if m.Name() != k.String() {
			t.Errorf("kind %d: module name %q, kind name %q", int(k), m.Name(), k.String())
		}
		if seen[m.Name()] {
			t.Errorf("duplicate name %q", m.Name())
		}
		seen[m.Name()] = true

		parsed, err := ParseKind(m.Name())
		if err != nil || parsed != k {
			t.Errorf("ParseKind(%q) = %v, %v", m.Name(), parsed, err)
		}
	}
	if len(seen) != 17 {
		t.Errorf("expected 17 kinds, got %d", len(seen))
	}
}

func TestFactory_FreshInstances(t *testing.T) {
	a, b := Volume.NewModule(), Volume.NewModule()
	a.Update(model.Trade{Timestamp: 1, Price: 1, Size: 5}, true)
	if !math.IsNaN(b.Value()) {
		t.Fatalf("modules share state: second instance reports %v", b.Value())
	}
}

func TestParseKind_CaseInsensitive(t *testing.T) {
	k, err := ParseKind("  weightedprice ")
	if err != nil {
		t.Fatalf("ParseKind: %v", err)
	}
	if k != WeightedPrice {
		t.Errorf("got %v, want WeightedPrice", k)
	}
}

func TestKinds_Unknown(t *testing.T) {
	_, err := Kinds([]string{"Open", "Momentum"})
	if !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("expected ErrUnknownKind, got %v", err)
	}
}

func TestKinds_PreservesOrder(t *testing.T) {
	kinds, err := Kinds([]string{"Close", "Open", "Close"})
	if err != nil {
		t.Fatalf("Kinds: %v", err)
	}
	want := []Kind{Close, Open, Close}
	for i := range want {
		if kinds[i] != want[i] {
			t.Errorf("index %d: got %v, want %v", i, kinds[i], want[i])
		}
	}
}

func TestKind_StringInvalid(t *testing.T) {
	if s := Kind(99).String(); s != "Kind(99)" {
		t.Errorf("got %q", s)
	}
	if Kind(-1).Valid() || numKinds.Valid() {
		t.Error("out-of-range kinds reported valid")
	}
}
