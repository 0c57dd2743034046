// Package replay feeds recorded trades back through the pipeline. The input
// is JSON Lines, one model.TradeEvent per line, as written by the trade
// server or captured from a live feed.
package replay

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"sort"
	"time"

	"tradefeatures/internal/model"
)

// maxSleep caps the pause between two replayed trades.
const maxSleep = 5 * time.Second

// Replayer emits recorded trades in timestamp order at a configurable speed.
// It implements model.TradeSource; Start returns once every trade is sent.
type Replayer struct {
	events []model.TradeEvent
	speed  float64

	// Skipped counts malformed input lines.
	Skipped int
}

var _ model.TradeSource = (*Replayer)(nil)

// Load reads JSON Lines trades from r. speed is the playback rate:
// 1 = real time, 10 = ten times faster, 0 = as fast as possible.
// Malformed lines are skipped and counted.
func Load(r io.Reader, speed float64) (*Replayer, error) {
	rp := &Replayer{speed: speed}

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	line := 0
	for sc.Scan() {
		line++
		raw := sc.Bytes()
		if len(raw) == 0 {
			continue
		}
		ev, err := model.DecodeTradeEvent(raw)
		if err != nil {
			rp.Skipped++
			if rp.Skipped <= 5 {
				log.Printf("[replay] line %d: %v", line, err)
			}
			continue
		}
		rp.events = append(rp.events, ev)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read trades: %w", err)
	}

	// Files may interleave instruments; keep input order for equal timestamps.
	sort.SliceStable(rp.events, func(i, j int) bool {
		return rp.events[i].Timestamp < rp.events[j].Timestamp
	})
	return rp, nil
}

// Open loads the JSON Lines file at path.
func Open(path string, speed float64) (*Replayer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Load(f, speed)
}

// Len returns the number of loaded trades.
func (rp *Replayer) Len() int { return len(rp.events) }

// Start sends every trade into tradeCh, pacing by the gap between trade
// timestamps (epoch milliseconds) divided by the speed.
func (rp *Replayer) Start(ctx context.Context, tradeCh chan<- model.TradeEvent) error {
	if len(rp.events) == 0 {
		log.Println("[replay] no trades to replay")
		return nil
	}
	log.Printf("[replay] replaying %d trades, speed=%.1fx (%d lines skipped)",
		len(rp.events), rp.speed, rp.Skipped)

	var prevTS int64
	for i, ev := range rp.events {
		if rp.speed > 0 && i > 0 {
			if gap := ev.Timestamp - prevTS; gap > 0 {
				pause := time.Duration(float64(gap) * float64(time.Millisecond) / rp.speed)
				if pause > maxSleep {
					pause = maxSleep
				}
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(pause):
				}
			}
		}
		prevTS = ev.Timestamp

		select {
		case <-ctx.Done():
			log.Printf("[replay] cancelled after %d trades", i)
			return ctx.Err()
		case tradeCh <- ev:
		}
	}

	log.Printf("[replay] completed: %d trades replayed", len(rp.events))
	return nil
}
