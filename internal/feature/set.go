package feature

import "tradefeatures/internal/model"

// ModuleSet is the ordered list of live modules for one instrument, plus the
// bounds of the interval they are accumulating.
type ModuleSet struct {
	kinds   []Kind
	modules []FeatureModule

	startTS int64
	endTS   int64
	trades  int
	qty     float64 // cumulative |size|
}

// NewModuleSet instantiates one fresh module per kind.
func NewModuleSet(kinds []Kind) *ModuleSet {
	k := make([]Kind, len(kinds))
	copy(k, kinds)
	return &ModuleSet{
		kinds:   k,
		modules: NewModules(k),
	}
}

// Update forwards t to every module. init starts a new interval.
func (s *ModuleSet) Update(t model.Trade, init bool) {
	if init || s.trades == 0 {
		s.startTS = t.Timestamp
		s.trades = 0
		s.qty = 0
	}
	s.trades++
	s.qty += t.Qty()
	s.endTS = t.Timestamp
	for _, m := range s.modules {
		m.Update(t, init)
	}
}

// Candle snapshots the current module values.
func (s *ModuleSet) Candle() ModularCandle { return FromModules(s.modules) }

// Modules returns the live modules. Callers must not retain them across
// goroutines.
func (s *ModuleSet) Modules() []FeatureModule { return s.modules }

// Kinds returns the configured kinds in order.
func (s *ModuleSet) Kinds() []Kind { return s.kinds }

// Names returns the module names in order.
func (s *ModuleSet) Names() []string { return Names(s.kinds) }

// Trades returns the number of trades in the current interval.
func (s *ModuleSet) Trades() int { return s.trades }

// Qty returns the cumulative |size| of the current interval.
func (s *ModuleSet) Qty() float64 { return s.qty }

// Bounds returns the first and last timestamp of the current interval.
func (s *ModuleSet) Bounds() (start, end int64) { return s.startTS, s.endTS }

// FeatureCandle converts the current state into its transport form.
func (s *ModuleSet) FeatureCandle(exchange, symbol string, closed bool) model.FeatureCandle {
	c := s.Candle()
	features := make([]model.NamedFeature, len(c.Features))
	for i, f := range c.Features {
		features[i] = model.NamedFeature{
			Name:  s.modules[i].Name(),
			Value: model.FeatureValue(f.Value()),
		}
	}
	return model.FeatureCandle{
		Exchange: exchange,
		Symbol:   symbol,
		StartTS:  s.startTS,
		EndTS:    s.endTS,
		Trades:   s.trades,
		Features: features,
		Closed:   closed,
	}
}
