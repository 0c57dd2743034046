package feature

import (
	"math"

	"tradefeatures/internal/model"
)

// ModuleOpen reports the first price of the interval.
type ModuleOpen struct {
	seen  bool
	price float64
}

func (m *ModuleOpen) Name() string { return "Open" }

func (m *ModuleOpen) Value() float64 {
	if !m.seen {
		return math.NaN()
	}
	return m.price
}

func (m *ModuleOpen) Update(t model.Trade, init bool) {
	if init {
		m.seen = false
	}
	if !m.seen {
		m.price = t.Price
		m.seen = true
	}
}

// ModuleHigh reports the highest price of the interval.
type ModuleHigh struct {
	seen bool
	max  float64
}

func (m *ModuleHigh) Name() string { return "High" }

func (m *ModuleHigh) Value() float64 {
	if !m.seen {
		return math.NaN()
	}
	return m.max
}

func (m *ModuleHigh) Update(t model.Trade, init bool) {
	if init || !m.seen {
		m.max = t.Price
		m.seen = true
		return
	}
	m.max = math.Max(m.max, t.Price)
}

// ModuleLow reports the lowest price of the interval.
type ModuleLow struct {
	seen bool
	min  float64
}

func (m *ModuleLow) Name() string { return "Low" }

func (m *ModuleLow) Value() float64 {
	if !m.seen {
		return math.NaN()
	}
	return m.min
}

func (m *ModuleLow) Update(t model.Trade, init bool) {
	if init || !m.seen {
		m.min = t.Price
		m.seen = true
		return
	}
	m.min = math.Min(m.min, t.Price)
}

// ModuleClose reports the most recent price.
type ModuleClose struct {
	seen  bool
	price float64
}

func (m *ModuleClose) Name() string { return "Close" }

func (m *ModuleClose) Value() float64 {
	if !m.seen {
		return math.NaN()
	}
	return m.price
}

func (m *ModuleClose) Update(t model.Trade, _ bool) {
	// A reset needs no special handling: the new trade overwrites everything.
	m.price = t.Price
	m.seen = true
}
