package feature

// CandleFeature is one scalar of a feature vector.
type CandleFeature struct {
	value float64
}

// Value returns the captured statistic.
func (f CandleFeature) Value() float64 { return f.value }

// ModularCandle is a point-in-time copy of a list of module values.
// It holds no reference to the modules it was read from.
type ModularCandle struct {
	Features []CandleFeature
}

// FromModules reads Value() from each module in order. Modules are neither
// mutated nor reset.
func FromModules(modules []FeatureModule) ModularCandle {
	features := make([]CandleFeature, len(modules))
	for i, m := range modules {
		features[i] = CandleFeature{value: m.Value()}
	}
	return ModularCandle{Features: features}
}

// Values returns the feature values in order.
func (c ModularCandle) Values() []float64 {
	out := make([]float64, len(c.Features))
	for i, f := range c.Features {
		out[i] = f.value
	}
	return out
}
