package feature

import (
	"math"

	"tradefeatures/internal/model"
)

// ModuleVolume reports the net signed volume: buys add, sells subtract.
type ModuleVolume struct {
	seen bool
	sum  float64
}

func (m *ModuleVolume) Name() string { return "Volume" }

func (m *ModuleVolume) Value() float64 {
	if !m.seen {
		return math.NaN()
	}
	return m.sum
}

func (m *ModuleVolume) Update(t model.Trade, init bool) {
	if init {
		m.sum = 0
	}
	m.sum += t.Size
	m.seen = true
}

// ModuleNumTrades counts the trades of the interval.
type ModuleNumTrades struct {
	count int64
}

func (m *ModuleNumTrades) Name() string { return "NumTrades" }

func (m *ModuleNumTrades) Value() float64 {
	if m.count == 0 {
		return math.NaN()
	}
	return float64(m.count)
}

func (m *ModuleNumTrades) Update(_ model.Trade, init bool) {
	if init {
		m.count = 0
	}
	m.count++
}

// ModuleAveragePrice is the unweighted mean trade price.
type ModuleAveragePrice struct {
	count int64
	sum   float64
}

func (m *ModuleAveragePrice) Name() string { return "AveragePrice" }

// Value is 0/0 = NaN before the first trade.
func (m *ModuleAveragePrice) Value() float64 {
	return m.sum / float64(m.count)
}

func (m *ModuleAveragePrice) Update(t model.Trade, init bool) {
	if init {
		m.count = 0
		m.sum = 0
	}
	m.count++
	m.sum += t.Price
}

// ModuleWeightedPrice is the volume-weighted average price (VWAP).
// Weights are absolute sizes, so direction does not matter.
type ModuleWeightedPrice struct {
	notional float64 // Σ price·|size|
	qty      float64 // Σ |size|
}

func (m *ModuleWeightedPrice) Name() string { return "WeightedPrice" }

func (m *ModuleWeightedPrice) Value() float64 {
	return m.notional / m.qty
}

func (m *ModuleWeightedPrice) Update(t model.Trade, init bool) {
	if init {
		m.notional = 0
		m.qty = 0
	}
	q := t.Qty()
	m.notional += t.Price * q
	m.qty += q
}
