package feature

import (
	"math"

	"tradefeatures/internal/model"
)

// welford is Welford's single-pass mean/variance estimator.
// Numerically stable, O(1) per observation and resettable in place.
type welford struct {
	n    int64
	mean float64
	m2   float64 // sum of squared deviations from the running mean
}

func (w *welford) reset() { *w = welford{} }

func (w *welford) add(x float64) {
	w.n++
	delta := x - w.mean
	w.mean += delta / float64(w.n)
	w.m2 += delta * (x - w.mean)
}

// stdDev returns the population standard deviation; NaN with no observations.
func (w *welford) stdDev() float64 {
	return math.Sqrt(w.m2 / float64(w.n))
}

// ModuleStdDevPrices is the population standard deviation of trade prices.
type ModuleStdDevPrices struct {
	w welford
}

func (m *ModuleStdDevPrices) Name() string   { return "StdDevPrices" }
func (m *ModuleStdDevPrices) Value() float64 { return m.w.stdDev() }

func (m *ModuleStdDevPrices) Update(t model.Trade, init bool) {
	if init {
		m.w.reset()
	}
	m.w.add(t.Price)
}

// ModuleStdDevSizes is the population standard deviation of signed trade
// sizes.
type ModuleStdDevSizes struct {
	w welford
}

func (m *ModuleStdDevSizes) Name() string   { return "StdDevSizes" }
func (m *ModuleStdDevSizes) Value() float64 { return m.w.stdDev() }

func (m *ModuleStdDevSizes) Update(t model.Trade, init bool) {
	if init {
		m.w.reset()
	}
	m.w.add(t.Size)
}
