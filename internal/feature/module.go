// Package feature computes scalar statistics over a stream of trades.
//
// Every statistic is a FeatureModule: a small accumulator that folds each
// trade of an interval into private state and reports one float64. Calling
// Update with init=true discards the previous interval's state before the
// trade is folded in, so the trade that opens an interval is always its first
// observation.
//
// The set of statistics is closed. A Kind names each one and Kind.NewModule
// builds a fresh, empty instance, which lets a declarative feature list in
// configuration select concrete accumulators.
package feature

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"tradefeatures/internal/model"
)

// FeatureModule is the contract shared by all statistics.
//
// Value returns NaN until the first Update. Update never fails: degenerate
// inputs (zero volume, non-finite prices) surface as non-finite values.
type FeatureModule interface {
	// Name returns the stable identifier of the module kind, e.g. "Open".
	Name() string

	// Value returns the statistic over the trades seen since the last reset.
	Value() float64

	// Update folds t into the state. If init is true the state is reset first.
	Update(t model.Trade, init bool)
}

// Kind enumerates the available feature modules.
type Kind int

const (
	Open Kind = iota
	High
	Low
	Close
	Volume
	AveragePrice
	WeightedPrice
	NumTrades
	DirectionalTradeRatio
	DirectionalVolumeRatio
	StdDevPrices
	StdDevSizes
	LastSpread
	AvgSpread
	DirectionalTradeEntropy
	DirectionalVolumeEntropy
	TimeVelocity

	numKinds
)

var kindNames = [numKinds]string{
	Open:                     "Open",
	High:                     "High",
	Low:                      "Low",
	Close:                    "Close",
	Volume:                   "Volume",
	AveragePrice:             "AveragePrice",
	WeightedPrice:            "WeightedPrice",
	NumTrades:                "NumTrades",
	DirectionalTradeRatio:    "DirectionalTradeRatio",
	DirectionalVolumeRatio:   "DirectionalVolumeRatio",
	StdDevPrices:             "StdDevPrices",
	StdDevSizes:              "StdDevSizes",
	LastSpread:               "LastSpread",
	AvgSpread:                "AvgSpread",
	DirectionalTradeEntropy:  "DirectionalTradeEntropy",
	DirectionalVolumeEntropy: "DirectionalVolumeEntropy",
	TimeVelocity:             "TimeVelocity",
}

// ErrUnknownKind is returned when a feature name does not match any Kind.
var ErrUnknownKind = errors.New("unknown feature kind")

func (k Kind) String() string {
	if k < 0 || k >= numKinds {
		return "Kind(" + strconv.Itoa(int(k)) + ")"
	}
	return kindNames[k]
}

// Valid reports whether k is one of the declared kinds.
func (k Kind) Valid() bool { return k >= 0 && k < numKinds }

// NewModule returns a freshly initialized module for k.
// It panics on an undeclared Kind; configured kinds come from ParseKind.
func (k Kind) NewModule() FeatureModule {
	switch k {
	case Open:
		return &ModuleOpen{}
	case High:
		return &ModuleHigh{}
	case Low:
		return &ModuleLow{}
	case Close:
		return &ModuleClose{}
	case Volume:
		return &ModuleVolume{}
	case AveragePrice:
		return &ModuleAveragePrice{}
	case WeightedPrice:
		return &ModuleWeightedPrice{}
	case NumTrades:
		return &ModuleNumTrades{}
	case DirectionalTradeRatio:
		return &ModuleDirectionalTradeRatio{}
	case DirectionalVolumeRatio:
		return &ModuleDirectionalVolumeRatio{}
	case StdDevPrices:
		return &ModuleStdDevPrices{}
	case StdDevSizes:
		return &ModuleStdDevSizes{}
	case LastSpread:
		return &ModuleLastSpread{}
	case AvgSpread:
		return &ModuleAvgSpread{}
	case DirectionalTradeEntropy:
		return &ModuleDirectionalTradeEntropy{}
	case DirectionalVolumeEntropy:
		return &ModuleDirectionalVolumeEntropy{}
	case TimeVelocity:
		return &ModuleTimeVelocity{}
	}
	panic("feature: NewModule called with " + k.String())
}

// AllKinds returns every kind in declaration order.
func AllKinds() []Kind {
	out := make([]Kind, numKinds)
	for i := range out {
		out[i] = Kind(i)
	}
	return out
}

// ParseKind resolves a feature name, ignoring case and surrounding spaces.
func ParseKind(name string) (Kind, error) {
	n := strings.TrimSpace(name)
	for i, kn := range kindNames {
		if strings.EqualFold(kn, n) {
			return Kind(i), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownKind, name)
}

// Kinds resolves an ordered list of feature names. The order of the result
// fixes the order of every feature vector built from it.
func Kinds(names []string) ([]Kind, error) {
	kinds := make([]Kind, 0, len(names))
	for _, n := range names {
		k, err := ParseKind(n)
		if err != nil {
			return nil, err
		}
		kinds = append(kinds, k)
	}
	return kinds, nil
}

// Names returns the names of kinds in order.
func Names(kinds []Kind) []string {
	out := make([]string, len(kinds))
	for i, k := range kinds {
		out[i] = k.String()
	}
	return out
}

// NewModules instantiates one module per kind, in order.
func NewModules(kinds []Kind) []FeatureModule {
	mods := make([]FeatureModule, len(kinds))
	for i, k := range kinds {
		mods[i] = k.NewModule()
	}
	return mods
}
