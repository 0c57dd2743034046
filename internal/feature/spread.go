package feature

import (
	"math"

	"tradefeatures/internal/model"
)

// ModuleLastSpread reports the price change between the two most recent
// trades. The first trade of an interval has no predecessor and yields 0.
type ModuleLastSpread struct {
	seen  bool
	prev  float64
	delta float64
}

func (m *ModuleLastSpread) Name() string { return "LastSpread" }

func (m *ModuleLastSpread) Value() float64 {
	if !m.seen {
		return math.NaN()
	}
	return m.delta
}

func (m *ModuleLastSpread) Update(t model.Trade, init bool) {
	if init || !m.seen {
		m.seen = true
		m.prev = t.Price
		m.delta = 0
		return
	}
	m.delta = t.Price - m.prev
	m.prev = t.Price
}

// ModuleAvgSpread is the mean absolute price change between consecutive
// trades of the interval. With a single trade there is no pair and the
// value is 0/0 = NaN.
type ModuleAvgSpread struct {
	seen  bool
	prev  float64
	sum   float64
	count int64
}

func (m *ModuleAvgSpread) Name() string { return "AvgSpread" }

func (m *ModuleAvgSpread) Value() float64 {
	return m.sum / float64(m.count)
}

func (m *ModuleAvgSpread) Update(t model.Trade, init bool) {
	if init || !m.seen {
		m.seen = true
		m.prev = t.Price
		m.sum = 0
		m.count = 0
		return
	}
	m.sum += math.Abs(t.Price - m.prev)
	m.count++
	m.prev = t.Price
}

// ModuleTimeVelocity is the trade arrival rate: trades per timestamp unit
// over the span between the first and last trade of the interval.
// A zero span counts as one unit, so n simultaneous trades report n.
type ModuleTimeVelocity struct {
	count   int64
	firstTS int64
	lastTS  int64
}

func (m *ModuleTimeVelocity) Name() string { return "TimeVelocity" }

func (m *ModuleTimeVelocity) Value() float64 {
	if m.count == 0 {
		return math.NaN()
	}
	span := m.lastTS - m.firstTS
	if span < 1 {
		span = 1
	}
	return float64(m.count) / float64(span)
}

func (m *ModuleTimeVelocity) Update(t model.Trade, init bool) {
	if init || m.count == 0 {
		m.count = 0
		m.firstTS = t.Timestamp
	}
	m.count++
	m.lastTS = t.Timestamp
}
