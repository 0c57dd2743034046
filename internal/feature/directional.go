package feature

import (
	"math"

	"tradefeatures/internal/model"
)

// Trades are classified by the sign of their size: Size > 0 is a buy,
// anything else a sell. Zero-size trades therefore count as sells in the
// count-based modules and carry no mass in the volume-based ones.

// ModuleDirectionalTradeRatio is the fraction of trades that were buys.
type ModuleDirectionalTradeRatio struct {
	buys  int64
	total int64
}

func (m *ModuleDirectionalTradeRatio) Name() string { return "DirectionalTradeRatio" }

func (m *ModuleDirectionalTradeRatio) Value() float64 {
	return float64(m.buys) / float64(m.total)
}

func (m *ModuleDirectionalTradeRatio) Update(t model.Trade, init bool) {
	if init {
		m.buys = 0
		m.total = 0
	}
	if t.IsBuy() {
		m.buys++
	}
	m.total++
}

// ModuleDirectionalVolumeRatio is the fraction of traded quantity that was
// bought.
type ModuleDirectionalVolumeRatio struct {
	buyQty   float64
	totalQty float64
}

func (m *ModuleDirectionalVolumeRatio) Name() string { return "DirectionalVolumeRatio" }

func (m *ModuleDirectionalVolumeRatio) Value() float64 {
	return m.buyQty / m.totalQty
}

func (m *ModuleDirectionalVolumeRatio) Update(t model.Trade, init bool) {
	if init {
		m.buyQty = 0
		m.totalQty = 0
	}
	q := t.Qty()
	if t.IsBuy() {
		m.buyQty += q
	}
	m.totalQty += q
}

// ModuleDirectionalTradeEntropy is the Shannon entropy, in bits, of the
// buy/sell split of trade counts. 0 when one side is empty, 1 at 50/50.
type ModuleDirectionalTradeEntropy struct {
	buys  int64
	sells int64
}

func (m *ModuleDirectionalTradeEntropy) Name() string { return "DirectionalTradeEntropy" }

func (m *ModuleDirectionalTradeEntropy) Value() float64 {
	return binaryEntropy(float64(m.buys), float64(m.sells))
}

func (m *ModuleDirectionalTradeEntropy) Update(t model.Trade, init bool) {
	if init {
		m.buys = 0
		m.sells = 0
	}
	if t.IsBuy() {
		m.buys++
	} else {
		m.sells++
	}
}

// ModuleDirectionalVolumeEntropy is the Shannon entropy, in bits, of the
// buy/sell split of traded quantity.
type ModuleDirectionalVolumeEntropy struct {
	buyQty  float64
	sellQty float64
}

func (m *ModuleDirectionalVolumeEntropy) Name() string { return "DirectionalVolumeEntropy" }

func (m *ModuleDirectionalVolumeEntropy) Value() float64 {
	return binaryEntropy(m.buyQty, m.sellQty)
}

func (m *ModuleDirectionalVolumeEntropy) Update(t model.Trade, init bool) {
	if init {
		m.buyQty = 0
		m.sellQty = 0
	}
	if t.IsBuy() {
		m.buyQty += t.Qty()
	} else {
		m.sellQty += t.Qty()
	}
}

// binaryEntropy returns H = -Σ p·log2(p) over the two-outcome distribution
// (a, b)/(a+b), using 0·log(0) = 0. With no mass at all it is 0/0 = NaN.
func binaryEntropy(a, b float64) float64 {
	total := a + b
	pa := a / total
	pb := b / total
	return -(plogp(pa) + plogp(pb))
}

func plogp(p float64) float64 {
	if p == 0 {
		return 0
	}
	return p * math.Log2(p)
}
