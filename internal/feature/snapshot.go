package feature

import (
	"errors"
	"fmt"
	"log"

	"tradefeatures/internal/model"
)

// Snapshottable is implemented by modules that can checkpoint their state.
// All built-in modules implement it.
type Snapshottable interface {
	FeatureModule
	Snapshot() ModuleSnapshot
	Restore(snap ModuleSnapshot) error
}

// ErrKindMismatch is returned when a snapshot is restored into a module of a
// different kind.
var ErrKindMismatch = errors.New("snapshot kind mismatch")

// ModuleSnapshot holds the serialized accumulator of one module. Fields are
// shared across kinds; each module uses the subset it needs. Float fields
// use FeatureValue so non-finite state survives JSON (as NaN).
type ModuleSnapshot struct {
	Kind string `json:"kind"`

	Seen  bool  `json:"seen,omitempty"`
	Count int64 `json:"count,omitempty"`

	Sum  model.FeatureValue `json:"sum"`
	Sum2 model.FeatureValue `json:"sum2"` // second accumulator (qty, sells, m2)
	Last model.FeatureValue `json:"last"` // price, extremum, mean or previous price
	Aux  model.FeatureValue `json:"aux"`  // last delta

	FirstTS int64 `json:"first_ts,omitempty"`
	LastTS  int64 `json:"last_ts,omitempty"`
}

// SetSnapshot holds the state of one instrument's module set.
type SetSnapshot struct {
	Exchange string           `json:"exchange"`
	Symbol   string           `json:"symbol"`
	StartTS  int64            `json:"start_ts"`
	EndTS    int64            `json:"end_ts"`
	Trades   int              `json:"trades"`
	Qty      float64          `json:"qty"`
	Modules  []ModuleSnapshot `json:"modules"`
}

// EngineSnapshot holds the full state of the feature engine.
type EngineSnapshot struct {
	Features    []string      `json:"features"`
	Instruments []SetSnapshot `json:"instruments"`
	Version     int           `json:"version"` // schema version for forward compat
}

func checkKind(want string, snap ModuleSnapshot) error {
	if snap.Kind != want {
		return fmt.Errorf("restore %s from %s: %w", want, snap.Kind, ErrKindMismatch)
	}
	return nil
}

func fv(f float64) model.FeatureValue { return model.FeatureValue(f) }

// ── per-module snapshots ──

func (m *ModuleOpen) Snapshot() ModuleSnapshot {
	return ModuleSnapshot{Kind: m.Name(), Seen: m.seen, Last: fv(m.price)}
}

func (m *ModuleOpen) Restore(s ModuleSnapshot) error {
	if err := checkKind(m.Name(), s); err != nil {
		return err
	}
	m.seen, m.price = s.Seen, float64(s.Last)
	return nil
}

func (m *ModuleHigh) Snapshot() ModuleSnapshot {
	return ModuleSnapshot{Kind: m.Name(), Seen: m.seen, Last: fv(m.max)}
}

func (m *ModuleHigh) Restore(s ModuleSnapshot) error {
	if err := checkKind(m.Name(), s); err != nil {
		return err
	}
	m.seen, m.max = s.Seen, float64(s.Last)
	return nil
}

func (m *ModuleLow) Snapshot() ModuleSnapshot {
	return ModuleSnapshot{Kind: m.Name(), Seen: m.seen, Last: fv(m.min)}
}

func (m *ModuleLow) Restore(s ModuleSnapshot) error {
	if err := checkKind(m.Name(), s); err != nil {
		return err
	}
	m.seen, m.min = s.Seen, float64(s.Last)
	return nil
}

func (m *ModuleClose) Snapshot() ModuleSnapshot {
	return ModuleSnapshot{Kind: m.Name(), Seen: m.seen, Last: fv(m.price)}
}

func (m *ModuleClose) Restore(s ModuleSnapshot) error {
	if err := checkKind(m.Name(), s); err != nil {
		return err
	}
	m.seen, m.price = s.Seen, float64(s.Last)
	return nil
}

func (m *ModuleVolume) Snapshot() ModuleSnapshot {
	return ModuleSnapshot{Kind: m.Name(), Seen: m.seen, Sum: fv(m.sum)}
}

func (m *ModuleVolume) Restore(s ModuleSnapshot) error {
	if err := checkKind(m.Name(), s); err != nil {
		return err
	}
	m.seen, m.sum = s.Seen, float64(s.Sum)
	return nil
}

func (m *ModuleNumTrades) Snapshot() ModuleSnapshot {
	return ModuleSnapshot{Kind: m.Name(), Count: m.count}
}

func (m *ModuleNumTrades) Restore(s ModuleSnapshot) error {
	if err := checkKind(m.Name(), s); err != nil {
		return err
	}
	m.count = s.Count
	return nil
}

func (m *ModuleAveragePrice) Snapshot() ModuleSnapshot {
	return ModuleSnapshot{Kind: m.Name(), Count: m.count, Sum: fv(m.sum)}
}

func (m *ModuleAveragePrice) Restore(s ModuleSnapshot) error {
	if err := checkKind(m.Name(), s); err != nil {
		return err
	}
	m.count, m.sum = s.Count, float64(s.Sum)
	return nil
}

func (m *ModuleWeightedPrice) Snapshot() ModuleSnapshot {
	return ModuleSnapshot{Kind: m.Name(), Sum: fv(m.notional), Sum2: fv(m.qty)}
}

func (m *ModuleWeightedPrice) Restore(s ModuleSnapshot) error {
	if err := checkKind(m.Name(), s); err != nil {
		return err
	}
	m.notional, m.qty = float64(s.Sum), float64(s.Sum2)
	return nil
}

func (m *ModuleDirectionalTradeRatio) Snapshot() ModuleSnapshot {
	return ModuleSnapshot{Kind: m.Name(), Count: m.total, Sum: fv(float64(m.buys))}
}

func (m *ModuleDirectionalTradeRatio) Restore(s ModuleSnapshot) error {
	if err := checkKind(m.Name(), s); err != nil {
		return err
	}
	m.total, m.buys = s.Count, int64(s.Sum)
	return nil
}

func (m *ModuleDirectionalVolumeRatio) Snapshot() ModuleSnapshot {
	return ModuleSnapshot{Kind: m.Name(), Sum: fv(m.buyQty), Sum2: fv(m.totalQty)}
}

func (m *ModuleDirectionalVolumeRatio) Restore(s ModuleSnapshot) error {
	if err := checkKind(m.Name(), s); err != nil {
		return err
	}
	m.buyQty, m.totalQty = float64(s.Sum), float64(s.Sum2)
	return nil
}

func (m *ModuleDirectionalTradeEntropy) Snapshot() ModuleSnapshot {
	return ModuleSnapshot{Kind: m.Name(), Sum: fv(float64(m.buys)), Sum2: fv(float64(m.sells))}
}

func (m *ModuleDirectionalTradeEntropy) Restore(s ModuleSnapshot) error {
	if err := checkKind(m.Name(), s); err != nil {
		return err
	}
	m.buys, m.sells = int64(s.Sum), int64(s.Sum2)
	return nil
}

func (m *ModuleDirectionalVolumeEntropy) Snapshot() ModuleSnapshot {
	return ModuleSnapshot{Kind: m.Name(), Sum: fv(m.buyQty), Sum2: fv(m.sellQty)}
}

func (m *ModuleDirectionalVolumeEntropy) Restore(s ModuleSnapshot) error {
	if err := checkKind(m.Name(), s); err != nil {
		return err
	}
	m.buyQty, m.sellQty = float64(s.Sum), float64(s.Sum2)
	return nil
}

func (w *welford) snapshot(kind string) ModuleSnapshot {
	return ModuleSnapshot{Kind: kind, Count: w.n, Last: fv(w.mean), Sum2: fv(w.m2)}
}

func (w *welford) restore(s ModuleSnapshot) {
	w.n, w.mean, w.m2 = s.Count, float64(s.Last), float64(s.Sum2)
}

func (m *ModuleStdDevPrices) Snapshot() ModuleSnapshot { return m.w.snapshot(m.Name()) }

func (m *ModuleStdDevPrices) Restore(s ModuleSnapshot) error {
	if err := checkKind(m.Name(), s); err != nil {
		return err
	}
	m.w.restore(s)
	return nil
}

func (m *ModuleStdDevSizes) Snapshot() ModuleSnapshot { return m.w.snapshot(m.Name()) }

func (m *ModuleStdDevSizes) Restore(s ModuleSnapshot) error {
	if err := checkKind(m.Name(), s); err != nil {
		return err
	}
	m.w.restore(s)
	return nil
}

func (m *ModuleLastSpread) Snapshot() ModuleSnapshot {
	return ModuleSnapshot{Kind: m.Name(), Seen: m.seen, Last: fv(m.prev), Aux: fv(m.delta)}
}

func (m *ModuleLastSpread) Restore(s ModuleSnapshot) error {
	if err := checkKind(m.Name(), s); err != nil {
		return err
	}
	m.seen, m.prev, m.delta = s.Seen, float64(s.Last), float64(s.Aux)
	return nil
}

func (m *ModuleAvgSpread) Snapshot() ModuleSnapshot {
	return ModuleSnapshot{Kind: m.Name(), Seen: m.seen, Count: m.count, Sum: fv(m.sum), Last: fv(m.prev)}
}

func (m *ModuleAvgSpread) Restore(s ModuleSnapshot) error {
	if err := checkKind(m.Name(), s); err != nil {
		return err
	}
	m.seen, m.count, m.sum, m.prev = s.Seen, s.Count, float64(s.Sum), float64(s.Last)
	return nil
}

func (m *ModuleTimeVelocity) Snapshot() ModuleSnapshot {
	return ModuleSnapshot{Kind: m.Name(), Count: m.count, FirstTS: m.firstTS, LastTS: m.lastTS}
}

func (m *ModuleTimeVelocity) Restore(s ModuleSnapshot) error {
	if err := checkKind(m.Name(), s); err != nil {
		return err
	}
	m.count, m.firstTS, m.lastTS = s.Count, s.FirstTS, s.LastTS
	return nil
}

// ── engine snapshots ──

// SnapshotEngine captures the full state of an Engine.
func SnapshotEngine(e *Engine) (*EngineSnapshot, error) {
	snap := &EngineSnapshot{
		Features: Names(e.kinds),
		Version:  1,
	}

	for _, key := range e.Keys() {
		inst := e.state[key]
		ss := SetSnapshot{
			Exchange: inst.exchange,
			Symbol:   inst.symbol,
			StartTS:  inst.set.startTS,
			EndTS:    inst.set.endTS,
			Trades:   inst.set.trades,
			Qty:      inst.set.qty,
			Modules:  make([]ModuleSnapshot, 0, len(inst.set.modules)),
		}
		for _, m := range inst.set.modules {
			sm, ok := m.(Snapshottable)
			if !ok {
				return nil, fmt.Errorf("module %s does not implement Snapshottable", m.Name())
			}
			ss.Modules = append(ss.Modules, sm.Snapshot())
		}
		snap.Instruments = append(snap.Instruments, ss)
	}

	return snap, nil
}

// RestoreEngine rebuilds an Engine for kinds from a snapshot.
// It is tolerant of config changes: modules are matched by kind name rather
// than by index. Matching modules get their state restored; new kinds start
// cold; kinds no longer configured are skipped.
func RestoreEngine(kinds []Kind, snap *EngineSnapshot) (*Engine, error) {
	e := NewEngine(kinds)
	if snap == nil {
		return e, nil
	}

	for _, ss := range snap.Instruments {
		set := NewModuleSet(kinds)
		set.startTS, set.endTS, set.trades, set.qty = ss.StartTS, ss.EndTS, ss.Trades, ss.Qty

		byKind := make(map[string]ModuleSnapshot, len(ss.Modules))
		for _, ms := range ss.Modules {
			byKind[ms.Kind] = ms
		}

		restored, cold := 0, 0
		for _, m := range set.modules {
			ms, found := byKind[m.Name()]
			if !found {
				cold++
				continue
			}
			sm, ok := m.(Snapshottable)
			if !ok {
				cold++
				continue
			}
			if err := sm.Restore(ms); err != nil {
				return nil, fmt.Errorf("restore %s:%s: %w", ss.Exchange, ss.Symbol, err)
			}
			restored++
		}

		if cold > 0 {
			log.Printf("[feature] %s:%s: restored %d, cold-started %d modules",
				ss.Exchange, ss.Symbol, restored, cold)
		}

		e.state[ss.Exchange+":"+ss.Symbol] = &instrument{
			exchange: ss.Exchange,
			symbol:   ss.Symbol,
			set:      set,
		}
	}

	return e, nil
}
