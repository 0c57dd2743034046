package kafkain

import (
	"context"
	"sync"
	"testing"
	"time"

	"tradefeatures/internal/model"

	"github.com/segmentio/kafka-go"
)

// fakeReader serves a fixed list of messages, then blocks until ctx ends.
type fakeReader struct {
	mu        sync.Mutex
	msgs      []kafka.Message
	committed []int64
	closed    bool
}

func (f *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	f.mu.Lock()
	if len(f.msgs) > 0 {
		m := f.msgs[0]
		f.msgs = f.msgs[1:]
		f.mu.Unlock()
		return m, nil
	}
	f.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (f *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range msgs {
		f.committed = append(f.committed, m.Offset)
	}
	return nil
}

func (f *fakeReader) Close() error {
	f.closed = true
	return nil
}

func TestConsumer_PushesAndCommits(t *testing.T) {
	r := &fakeReader{msgs: []kafka.Message{
		{Offset: 1, Value: []byte(`{"exchange":"BINANCE","symbol":"BTCUSDT","ts":1,"price":100,"size":1}`)},
		{Offset: 2, Value: []byte(`garbage`)},
		{Offset: 3, Value: []byte(`{"exchange":"BINANCE","symbol":"BTCUSDT","ts":2,"price":101,"size":-1}`)},
	}}
	c := New(r)

	tradeCh := make(chan model.TradeEvent, 10)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Start(ctx, tradeCh) }()

	for i := 0; i < 2; i++ {
		select {
		case ev := <-tradeCh:
			if ev.Timestamp != int64(i+1) {
				t.Errorf("trade %d: ts=%d", i, ev.Timestamp)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for trade %d", i)
		}
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Start: %v", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.committed) != 3 {
		t.Errorf("committed offsets %v, want all 3 (malformed included)", r.committed)
	}

	if err := c.Close(); err != nil || !r.closed {
		t.Errorf("Close: err=%v closed=%v", err, r.closed)
	}
}

func TestConsumer_FullChannelHoldsCommit(t *testing.T) {
	r := &fakeReader{msgs: []kafka.Message{
		{Offset: 1, Value: []byte(`{"exchange":"BINANCE","symbol":"BTCUSDT","ts":1,"price":100,"size":1}`)},
		{Offset: 2, Value: []byte(`{"exchange":"BINANCE","symbol":"BTCUSDT","ts":2,"price":100,"size":1}`)},
	}}
	c := New(r)
	stalled := make(chan struct{}, 1)
	c.OnStall = func() { stalled <- struct{}{} }

	tradeCh := make(chan model.TradeEvent, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- c.Start(ctx, tradeCh) }()

	select {
	case <-stalled:
	case <-time.After(2 * time.Second):
		t.Fatal("consumer never stalled on the full channel")
	}
	r.mu.Lock()
	if len(r.committed) != 1 || r.committed[0] != 1 {
		t.Errorf("committed %v while offset 2 was undelivered, want [1]", r.committed)
	}
	r.mu.Unlock()

	for i := 1; i <= 2; i++ {
		select {
		case ev := <-tradeCh:
			if ev.Timestamp != int64(i) {
				t.Errorf("trade %d: ts=%d", i, ev.Timestamp)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for trade %d", i)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		r.mu.Lock()
		n := len(r.committed)
		r.mu.Unlock()
		if n == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("offset 2 not committed after delivery")
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Start: %v", err)
	}
}

func TestConsumer_CancelWhileBlocked(t *testing.T) {
	r := &fakeReader{msgs: []kafka.Message{
		{Offset: 7, Value: []byte(`{"exchange":"BINANCE","symbol":"BTCUSDT","ts":1,"price":100,"size":1}`)},
	}}
	c := New(r)
	stalled := make(chan struct{}, 1)
	c.OnStall = func() { stalled <- struct{}{} }

	// unbuffered and never read: the handoff can only block
	tradeCh := make(chan model.TradeEvent)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Start(ctx, tradeCh) }()

	<-stalled
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Start: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after cancel")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.committed) != 0 {
		t.Errorf("committed %v for an undelivered trade", r.committed)
	}
}
