package bus

import (
	"context"
	"testing"
	"time"

	"tradefeatures/internal/model"
)

func testCandle() model.FeatureCandle {
	return model.FeatureCandle{
		Exchange: "BINANCE",
		Symbol:   "BTCUSDT",
		StartTS:  0,
		EndTS:    9,
		Trades:   10,
		Features: []model.NamedFeature{{Name: "Close", Value: 105}},
		Closed:   true,
	}
}

func TestFanOut_BroadcastsToAll(t *testing.T) {
	fo := New(10)
	out1 := fo.Subscribe("redis")
	out2 := fo.Subscribe("sqlite")

	input := make(chan model.FeatureCandle, 10)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go fo.Run(ctx, input)

	input <- testCandle()

	for name, out := range map[string]<-chan model.FeatureCandle{"out1": out1, "out2": out2} {
		select {
		case c := <-out:
			if c.Symbol != "BTCUSDT" {
				t.Errorf("%s: expected BTCUSDT, got %s", name, c.Symbol)
			}
		case <-time.After(time.Second):
			t.Fatalf("%s: timed out waiting for candle", name)
		}
	}
}

func TestFanOut_SlowSubscriberDrops(t *testing.T) {
	fo := New(1)
	fast := fo.Subscribe("fast")
	_ = fo.Subscribe("slow")

	drops := make(chan string, 10)
	fo.OnDrop = func(name string) { drops <- name }

	input := make(chan model.FeatureCandle, 10)
	done := make(chan struct{})
	go func() {
		fo.Run(context.Background(), input)
		close(done)
	}()

	input <- testCandle()
	<-fast
	input <- testCandle()
	<-fast
	close(input)
	<-done

	// slow never read: its buffer of 1 fills on the first candle
	select {
	case name := <-drops:
		if name != "slow" {
			t.Errorf("dropped for %q, want slow", name)
		}
	default:
		t.Fatal("expected a drop for the slow subscriber")
	}

	if _, ok := <-fast; ok {
		t.Error("output channel not closed after input closed")
	}

	stats := fo.ChannelStats()
	if len(stats) != 2 || stats[1].Name != "slow" || stats[1].Cap != 1 {
		t.Errorf("ChannelStats() = %+v", stats)
	}
}
