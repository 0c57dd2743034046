package feature

import (
	"log"
	"sort"

	"tradefeatures/internal/model"
)

// instrument holds the live module set for one exchange:symbol.
type instrument struct {
	exchange string
	symbol   string
	set      *ModuleSet
}

// Engine keeps one ModuleSet per instrument, all built from the same
// configured feature list.
// Designed for single-goroutine usage: no locks needed.
type Engine struct {
	kinds []Kind

	// state[key] → instrument, key = "exchange:symbol"
	state map[string]*instrument
}

// NewEngine creates an engine computing kinds for every instrument it sees.
func NewEngine(kinds []Kind) *Engine {
	k := make([]Kind, len(kinds))
	copy(k, kinds)
	return &Engine{
		kinds: k,
		state: make(map[string]*instrument, 64),
	}
}

// Kinds returns the configured feature list.
func (e *Engine) Kinds() []Kind { return e.kinds }

// Update routes the trade to its instrument's modules, creating them on
// first sight.
func (e *Engine) Update(ev model.TradeEvent, init bool) {
	key := ev.Key()
	inst, ok := e.state[key]
	if !ok {
		inst = &instrument{
			exchange: ev.Exchange,
			symbol:   ev.Symbol,
			set:      NewModuleSet(e.kinds),
		}
		e.state[key] = inst
	}
	inst.set.Update(ev.Trade, init)
}

// Candle returns the current feature vector for key.
// ok is false if no trade for key has been seen.
func (e *Engine) Candle(key string, closed bool) (model.FeatureCandle, bool) {
	inst, ok := e.state[key]
	if !ok || inst.set.Trades() == 0 {
		return model.FeatureCandle{}, false
	}
	return inst.set.FeatureCandle(inst.exchange, inst.symbol, closed), true
}

// Set returns the live module set for key, or nil.
func (e *Engine) Set(key string) *ModuleSet {
	if inst, ok := e.state[key]; ok {
		return inst.set
	}
	return nil
}

// Keys returns the known instrument keys, sorted.
func (e *Engine) Keys() []string {
	keys := make([]string, 0, len(e.state))
	for k := range e.state {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Reload switches the engine to a new feature list. Modules whose kind is
// still configured keep their accumulated state; new kinds start empty and
// only become meaningful from the next interval on.
// Returns the number of preserved and created module instances.
func (e *Engine) Reload(kinds []Kind) (preserved, created int) {
	for _, inst := range e.state {
		set, p, c := migrateSet(inst.set, kinds)
		inst.set = set
		preserved += p
		created += c
	}

	e.kinds = make([]Kind, len(kinds))
	copy(e.kinds, kinds)

	log.Printf("[feature] reloaded %d features across %d instruments: %d preserved, %d new",
		len(kinds), len(e.state), preserved, created)
	return preserved, created
}

// migrateSet builds a ModuleSet for kinds, reusing modules from old by kind.
func migrateSet(old *ModuleSet, kinds []Kind) (set *ModuleSet, preserved, created int) {
	byKind := make(map[Kind]FeatureModule, len(old.kinds))
	for i, k := range old.kinds {
		byKind[k] = old.modules[i]
	}

	set = &ModuleSet{
		kinds:   make([]Kind, len(kinds)),
		modules: make([]FeatureModule, len(kinds)),
		startTS: old.startTS,
		endTS:   old.endTS,
		trades:  old.trades,
	}
	copy(set.kinds, kinds)
	for i, k := range kinds {
		if m, ok := byKind[k]; ok {
			set.modules[i] = m
			delete(byKind, k) // a kind listed twice gets a second, fresh module
			preserved++
			continue
		}
		set.modules[i] = k.NewModule()
		created++
	}
	return set, preserved, created
}
