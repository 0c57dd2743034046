package agg

import (
	"context"
	"log"
	"sync"
	"time"

	"tradefeatures/internal/feature"
	"tradefeatures/internal/marketdata/rule"
	"tradefeatures/internal/model"
)

// instrumentState tracks interval bookkeeping for one instrument.
// The feature values themselves live in the engine.
type instrumentState struct {
	rule     rule.Rule
	lastTS   int64     // timestamp of the last accepted trade
	lastSeen time.Time // wall clock of the last accepted trade
	open     bool      // an interval has trades that were not emitted yet
}

// Aggregator drives a feature.Engine from a trade stream. For every trade it
// asks the instrument's rule whether a new interval starts, emits the closed
// interval's feature candle, and then folds the trade in.
// It runs in a single goroutine; the mutex only serialises HTTP-side access
// (Peek, Reload, Snapshot, Restore).
type Aggregator struct {
	mu      sync.Mutex
	engine  *feature.Engine
	newRule rule.Factory
	states  map[string]*instrumentState // key = "exchange:symbol"

	flushInterval time.Duration

	// IdleFlush closes an open interval once no trade arrived for it for this
	// long (wall clock). Zero disables idle flushing.
	IdleFlush time.Duration

	// Metrics hooks (optional, set externally)
	OnDroppedTrade func()
	OnCandle       func(c model.FeatureCandle)
	OnUpdate       func(d time.Duration)
}

// New creates an Aggregator computing kinds with intervals cut by newRule.
func New(kinds []feature.Kind, newRule rule.Factory) *Aggregator {
	return &Aggregator{
		engine:        feature.NewEngine(kinds),
		newRule:       newRule,
		states:        make(map[string]*instrumentState),
		flushInterval: time.Second, // check frequency for idle intervals
	}
}

// Run consumes trades from tradeCh and sends closed feature candles to
// candleCh. Blocks until ctx is cancelled or tradeCh is closed; open intervals
// are flushed before returning.
func (a *Aggregator) Run(ctx context.Context, tradeCh <-chan model.TradeEvent, candleCh chan<- model.FeatureCandle) {
	ticker := time.NewTicker(a.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			a.flushAll(candleCh)
			return

		case ev, ok := <-tradeCh:
			if !ok {
				a.flushAll(candleCh)
				return
			}
			a.processTrade(ev, candleCh)

		case <-ticker.C:
			if a.IdleFlush > 0 {
				a.flushIdle(time.Now(), candleCh)
			}
		}
	}
}

// processTrade incorporates a single trade.
func (a *Aggregator) processTrade(ev model.TradeEvent, candleCh chan<- model.FeatureCandle) {
	key := ev.Key()

	a.mu.Lock()
	defer a.mu.Unlock()

	st, exists := a.states[key]
	if exists && ev.Timestamp < st.lastTS {
		// Late trade: the interval it belongs to may already be emitted
		if a.OnDroppedTrade != nil {
			a.OnDroppedTrade()
		}
		return
	}

	if !exists {
		st = &instrumentState{rule: a.newRule()}
		a.states[key] = st
	}

	init := st.rule.Observe(ev.Trade)
	if !st.open {
		// first trade, or the previous interval was flushed while idle
		init = true
	}
	if init && st.open {
		a.emitLocked(key, candleCh)
	}

	start := time.Now()
	a.engine.Update(ev, init)
	if a.OnUpdate != nil {
		a.OnUpdate(time.Since(start))
	}

	st.lastTS = ev.Timestamp
	st.lastSeen = time.Now()
	st.open = true
}

// flushIdle emits intervals that have not seen a trade for IdleFlush.
// The instrument's rule is replaced so the next trade starts clean.
func (a *Aggregator) flushIdle(now time.Time, candleCh chan<- model.FeatureCandle) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for key, st := range a.states {
		if st.open && now.Sub(st.lastSeen) >= a.IdleFlush {
			a.emitLocked(key, candleCh)
			st.open = false
			st.rule = a.newRule()
		}
	}
}

// flushAll emits all open intervals.
func (a *Aggregator) flushAll(candleCh chan<- model.FeatureCandle) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, key := range a.engine.Keys() {
		if st, ok := a.states[key]; ok && st.open {
			a.emitLocked(key, candleCh)
			st.open = false
		}
	}
}

// emitLocked sends the closed candle for key. Non-blocking to avoid deadlocks.
func (a *Aggregator) emitLocked(key string, candleCh chan<- model.FeatureCandle) {
	c, ok := a.engine.Candle(key, true)
	if !ok {
		return
	}
	if a.OnCandle != nil {
		a.OnCandle(c)
	}
	select {
	case candleCh <- c:
	default:
		log.Printf("[agg] candleCh full, dropping candle %s start=%d end=%d", key, c.StartTS, c.EndTS)
	}
}

// Peek returns the live candle of the still-open interval for key.
func (a *Aggregator) Peek(key string) (model.FeatureCandle, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	st, ok := a.states[key]
	if !ok || !st.open {
		return model.FeatureCandle{}, false
	}
	return a.engine.Candle(key, false)
}

// PeekAll returns the live candles of every open interval, sorted by key.
func (a *Aggregator) PeekAll() []model.FeatureCandle {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]model.FeatureCandle, 0, len(a.states))
	for _, key := range a.engine.Keys() {
		if st, ok := a.states[key]; ok && st.open {
			if c, ok := a.engine.Candle(key, false); ok {
				out = append(out, c)
			}
		}
	}
	return out
}

// Kinds returns the active feature list.
func (a *Aggregator) Kinds() []feature.Kind {
	a.mu.Lock()
	defer a.mu.Unlock()
	k := a.engine.Kinds()
	out := make([]feature.Kind, len(k))
	copy(out, k)
	return out
}

// Reload swaps the feature list, keeping state of kinds that remain.
func (a *Aggregator) Reload(kinds []feature.Kind) (preserved, created int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.engine.Reload(kinds)
}

// Snapshot captures the engine state of every open interval. Intervals that
// were already emitted are left out so a restore never emits them twice.
func (a *Aggregator) Snapshot() (*feature.EngineSnapshot, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	snap, err := feature.SnapshotEngine(a.engine)
	if err != nil {
		return nil, err
	}
	open := snap.Instruments[:0]
	for _, s := range snap.Instruments {
		if st, ok := a.states[s.Exchange+":"+s.Symbol]; ok && st.open {
			open = append(open, s)
		}
	}
	snap.Instruments = open
	return snap, nil
}

// Restore replaces the engine with one rebuilt from snap. Restored
// instruments resume their open interval, and each rule resumes from the
// interval's last timestamp, trade count and cumulative |size|.
func (a *Aggregator) Restore(snap *feature.EngineSnapshot) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	e, err := feature.RestoreEngine(a.engine.Kinds(), snap)
	if err != nil {
		return err
	}
	a.engine = e
	a.states = make(map[string]*instrumentState, len(e.Keys()))

	now := time.Now()
	for _, key := range e.Keys() {
		set := e.Set(key)
		_, end := set.Bounds()
		r := a.newRule()
		if set.Trades() > 0 {
			r.Resume(rule.Progress{LastTS: end, Trades: set.Trades(), Qty: set.Qty()})
		}
		a.states[key] = &instrumentState{
			rule:     r,
			lastTS:   end,
			lastSeen: now,
			open:     set.Trades() > 0,
		}
	}
	log.Printf("[agg] restored %d instruments from snapshot", len(a.states))
	return nil
}
