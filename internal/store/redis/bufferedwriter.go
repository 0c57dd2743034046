package redis

import (
	"context"
	"errors"
	"log"
	"sync"

	"tradefeatures/internal/model"
)

// CandleWriter writes one candle. *Writer implements it.
type CandleWriter interface {
	WriteCandle(ctx context.Context, c model.FeatureCandle) error
	Close() error
}

// BufferedWriter wraps a CandleWriter with a circuit breaker.
// Candles that fail, or arrive while the circuit is open, are buffered
// locally and replayed once a write succeeds again.
// It implements model.CandleSink.
type BufferedWriter struct {
	writer CandleWriter
	cb     *CircuitBreaker

	mu     sync.Mutex
	buffer []model.FeatureCandle
	maxBuf int // max buffered candles before dropping oldest (default: 10000)

	flushMu sync.Mutex

	// Callbacks
	OnBuffer func()          // called when a candle is buffered (for metrics)
	OnFlush  func(count int) // called after replaying buffered candles
	OnError  func(err error) // called on every failed write
}

var _ model.CandleSink = (*BufferedWriter)(nil)

// NewBufferedWriter creates a BufferedWriter wrapping w.
func NewBufferedWriter(w CandleWriter, cb *CircuitBreaker, maxBufferSize int) *BufferedWriter {
	if maxBufferSize <= 0 {
		maxBufferSize = 10000
	}
	return &BufferedWriter{
		writer: w,
		cb:     cb,
		buffer: make([]model.FeatureCandle, 0, 256),
		maxBuf: maxBufferSize,
	}
}

// Run writes candles from candleCh until ctx is cancelled or candleCh is
// closed.
func (bw *BufferedWriter) Run(ctx context.Context, candleCh <-chan model.FeatureCandle) {
	for {
		select {
		case <-ctx.Done():
			return
		case c, ok := <-candleCh:
			if !ok {
				return
			}
			bw.Write(ctx, c)
		}
	}
}

// Write sends c through the circuit breaker, buffering it on failure.
func (bw *BufferedWriter) Write(ctx context.Context, c model.FeatureCandle) {
	err := bw.cb.Execute(func() error {
		return bw.writer.WriteCandle(ctx, c)
	})
	if err != nil {
		if !errors.Is(err, ErrCircuitOpen) {
			log.Printf("[buffered-writer] %v", err)
			if bw.OnError != nil {
				bw.OnError(err)
			}
		}
		bw.bufferCandle(c)
		return
	}

	if bw.PendingCount() > 0 {
		bw.flush(ctx)
	}
}

func (bw *BufferedWriter) bufferCandle(c model.FeatureCandle) {
	bw.mu.Lock()
	defer bw.mu.Unlock()

	if len(bw.buffer) >= bw.maxBuf {
		// Buffer full: drop oldest
		bw.buffer = bw.buffer[1:]
	}
	bw.buffer = append(bw.buffer, c)

	if bw.OnBuffer != nil {
		bw.OnBuffer()
	}
}

// flush replays buffered candles in order. On the first failure the rest is
// put back at the front of the buffer.
func (bw *BufferedWriter) flush(ctx context.Context) {
	bw.flushMu.Lock()
	defer bw.flushMu.Unlock()

	bw.mu.Lock()
	if len(bw.buffer) == 0 {
		bw.mu.Unlock()
		return
	}
	// Take ownership of the buffer
	toFlush := bw.buffer
	bw.buffer = make([]model.FeatureCandle, 0, 256)
	bw.mu.Unlock()

	flushed := 0
	for i, c := range toFlush {
		err := bw.cb.Execute(func() error {
			return bw.writer.WriteCandle(ctx, c)
		})
		if err != nil {
			bw.requeue(toFlush[i:])
			break
		}
		flushed++
	}

	log.Printf("[buffered-writer] flushed %d of %d buffered candles", flushed, len(toFlush))
	if bw.OnFlush != nil {
		bw.OnFlush(flushed)
	}
}

// requeue puts rest back in front of anything buffered meanwhile, keeping
// the newest maxBuf candles.
func (bw *BufferedWriter) requeue(rest []model.FeatureCandle) {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	merged := append(append(make([]model.FeatureCandle, 0, len(rest)+len(bw.buffer)), rest...), bw.buffer...)
	if len(merged) > bw.maxBuf {
		merged = merged[len(merged)-bw.maxBuf:]
	}
	bw.buffer = merged
}

// PendingCount returns the number of buffered candles waiting to be flushed.
func (bw *BufferedWriter) PendingCount() int {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	return len(bw.buffer)
}

// Close makes a last attempt to drain the buffer and closes the writer.
func (bw *BufferedWriter) Close() error {
	if n := bw.PendingCount(); n > 0 {
		bw.flush(context.Background())
		if left := bw.PendingCount(); left > 0 {
			log.Printf("[buffered-writer] closing with %d unflushed candles", left)
		}
	}
	return bw.writer.Close()
}
