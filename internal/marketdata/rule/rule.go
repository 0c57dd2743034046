// Package rule decides where accumulation intervals begin. A Rule observes
// the trades of one instrument in order and reports, for each trade, whether
// it opens a new interval. Rules are stateful and must not be shared between
// instruments; use a Factory to get one per instrument.
package rule

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"tradefeatures/internal/model"
)

// ErrInvalidRule is returned by Parse for malformed rule specs.
var ErrInvalidRule = errors.New("invalid aggregation rule")

// Rule reports whether a trade starts a new interval.
type Rule interface {
	// Observe returns true when t opens a new interval. The first trade ever
	// observed always opens one.
	Observe(t model.Trade) bool
	// Resume puts a fresh rule in the state it would have after observing
	// the trades of an interval that is still open.
	Resume(p Progress)
	// String returns the spec the rule was built from, e.g. "time:60000".
	String() string
}

// Progress describes an open interval: its last timestamp, trade count and
// cumulative |size|.
type Progress struct {
	LastTS int64
	Trades int
	Qty    float64
}

// Factory builds a fresh Rule for a new instrument.
type Factory func() Rule

// TimeRule aligns intervals to [k·Period, (k+1)·Period) in timestamp units.
type TimeRule struct {
	Period int64

	started bool
	bucket  int64
}

// NewTimeRule returns a TimeRule for period, which must be positive.
func NewTimeRule(period int64) *TimeRule { return &TimeRule{Period: period} }

func (r *TimeRule) Observe(t model.Trade) bool {
	b := floorDiv(t.Timestamp, r.Period)
	if !r.started || b != r.bucket {
		r.started = true
		r.bucket = b
		return true
	}
	return false
}

func (r *TimeRule) Resume(p Progress) {
	r.started = true
	r.bucket = floorDiv(p.LastTS, r.Period)
}

func (r *TimeRule) String() string { return "time:" + strconv.FormatInt(r.Period, 10) }

// floorDiv rounds toward negative infinity so pre-epoch timestamps bucket
// consistently.
func floorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

// VolumeRule closes an interval after the trade that lifts its cumulative
// |size| to at least Threshold. The following trade opens the next one.
type VolumeRule struct {
	Threshold float64

	started bool
	full    bool
	acc     float64
}

// NewVolumeRule returns a VolumeRule for threshold, which must be positive.
func NewVolumeRule(threshold float64) *VolumeRule { return &VolumeRule{Threshold: threshold} }

func (r *VolumeRule) Observe(t model.Trade) bool {
	init := !r.started || r.full
	if init {
		r.started = true
		r.full = false
		r.acc = 0
	}
	r.acc += t.Qty()
	if r.acc >= r.Threshold {
		r.full = true
	}
	return init
}

func (r *VolumeRule) Resume(p Progress) {
	r.started = true
	r.acc = p.Qty
	r.full = r.acc >= r.Threshold
}

func (r *VolumeRule) String() string {
	return "volume:" + strconv.FormatFloat(r.Threshold, 'g', -1, 64)
}

// TickRule opens a new interval every Count trades.
type TickRule struct {
	Count int

	seen int
}

// NewTickRule returns a TickRule for count, which must be positive.
func NewTickRule(count int) *TickRule { return &TickRule{Count: count} }

func (r *TickRule) Observe(model.Trade) bool {
	init := r.seen%r.Count == 0
	r.seen++
	if r.seen == r.Count {
		r.seen = 0
	}
	return init
}

func (r *TickRule) Resume(p Progress) {
	r.seen = p.Trades % r.Count
}

func (r *TickRule) String() string { return "ticks:" + strconv.Itoa(r.Count) }

// Parse resolves a rule spec of the form "kind:param":
//
//	time:60000   fixed time buckets of 60000 timestamp units
//	volume:50    close after 50 units of |size|
//	ticks:100    close every 100 trades
func Parse(spec string) (Factory, error) {
	kind, param, ok := strings.Cut(strings.TrimSpace(spec), ":")
	if !ok {
		return nil, fmt.Errorf("%w: %q: expected kind:param", ErrInvalidRule, spec)
	}
	param = strings.TrimSpace(param)

	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "time":
		p, err := strconv.ParseInt(param, 10, 64)
		if err != nil || p <= 0 {
			return nil, fmt.Errorf("%w: %q: period must be a positive integer", ErrInvalidRule, spec)
		}
		return func() Rule { return NewTimeRule(p) }, nil

	case "volume":
		th, err := strconv.ParseFloat(param, 64)
		if err != nil || !(th > 0) || math.IsInf(th, 1) {
			return nil, fmt.Errorf("%w: %q: threshold must be a positive number", ErrInvalidRule, spec)
		}
		return func() Rule { return NewVolumeRule(th) }, nil

	case "ticks", "tick":
		n, err := strconv.Atoi(param)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("%w: %q: count must be a positive integer", ErrInvalidRule, spec)
		}
		return func() Rule { return NewTickRule(n) }, nil
	}
	return nil, fmt.Errorf("%w: %q: unknown kind %q", ErrInvalidRule, spec, kind)
}
