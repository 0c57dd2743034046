package bus

import (
	"context"
	"log"
	"sync"

	"tradefeatures/internal/model"
)

type subscriber struct {
	name string
	ch   chan model.FeatureCandle
}

// FanOut broadcasts feature candles from a single input channel to N named
// subscribers. If a subscriber's channel is full, the candle is dropped for
// that subscriber only so a slow sink never stalls the aggregator.
type FanOut struct {
	mu      sync.RWMutex
	outputs []subscriber
	bufSize int

	// OnDrop is called when a candle is dropped for a subscriber.
	OnDrop func(name string)
}

// New creates a FanOut with the given buffer size for output channels.
func New(outputBufferSize int) *FanOut {
	return &FanOut{
		bufSize: outputBufferSize,
	}
}

// Subscribe creates and returns a new output channel. name identifies the
// consumer in drop reports and stats. Subscribe must be called before Run.
func (f *FanOut) Subscribe(name string) <-chan model.FeatureCandle {
	ch := make(chan model.FeatureCandle, f.bufSize)
	f.mu.Lock()
	f.outputs = append(f.outputs, subscriber{name: name, ch: ch})
	f.mu.Unlock()
	return ch
}

// Run reads from the input channel and fans out to all subscribers.
// Blocks until ctx is cancelled or input is closed; outputs are closed on return.
func (f *FanOut) Run(ctx context.Context, input <-chan model.FeatureCandle) {
	defer func() {
		f.mu.RLock()
		for _, s := range f.outputs {
			close(s.ch)
		}
		f.mu.RUnlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case candle, ok := <-input:
			if !ok {
				return
			}
			f.mu.RLock()
			for _, s := range f.outputs {
				select {
				case s.ch <- candle:
				default:
					if f.OnDrop != nil {
						f.OnDrop(s.name)
					} else {
						log.Printf("[bus] %s channel full, dropping candle %s", s.name, candle.Key())
					}
				}
			}
			f.mu.RUnlock()
		}
	}
}

// ChannelStat reports the saturation of one subscriber channel.
type ChannelStat struct {
	Name string
	Len  int
	Cap  int
}

func (f *FanOut) ChannelStats() []ChannelStat {
	f.mu.RLock()
	defer f.mu.RUnlock()
	stats := make([]ChannelStat, len(f.outputs))
	for i, s := range f.outputs {
		stats[i] = ChannelStat{Name: s.name, Len: len(s.ch), Cap: cap(s.ch)}
	}
	return stats
}
