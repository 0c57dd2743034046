// cmd/featreplay replays a JSON Lines trade file through the feature
// aggregator offline, writing every closed feature candle as JSON Lines and
// optionally backfilling a SQLite database.
//
// Usage:
//
//	go run ./cmd/featreplay -in trades.jsonl -rule ticks:100 -db data/features.db
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"tradefeatures/config"
	"tradefeatures/internal/feature"
	"tradefeatures/internal/logger"
	"tradefeatures/internal/marketdata/agg"
	"tradefeatures/internal/marketdata/replay"
	"tradefeatures/internal/marketdata/rule"
	"tradefeatures/internal/model"
	sqlitestore "tradefeatures/internal/store/sqlite"
)

const batchSize = 500

func main() {
	in := flag.String("in", "", "JSON Lines trade file (required)")
	features := flag.String("features", strings.Join(config.DefaultFeatures, ","), "Comma-separated feature names")
	ruleSpec := flag.String("rule", "time:60000", "Aggregation rule: time:<ms>, ticks:<n> or volume:<qty>")
	speed := flag.Float64("speed", 0, "Playback speed multiplier (0=max, 1=realtime)")
	out := flag.String("out", "-", "Candle output file, '-' for stdout, empty to disable")
	dbPath := flag.String("db", "", "SQLite database to backfill (optional)")
	flag.Parse()

	logger.Init("featreplay", slog.LevelInfo)

	if *in == "" {
		log.Fatal("[featreplay] -in is required")
	}
	kinds, err := feature.Kinds(strings.Split(*features, ","))
	if err != nil {
		log.Fatalf("[featreplay] features: %v", err)
	}
	newRule, err := rule.Parse(*ruleSpec)
	if err != nil {
		log.Fatalf("[featreplay] rule: %v", err)
	}

	rp, err := replay.Open(*in, *speed)
	if err != nil {
		log.Fatalf("[featreplay] load trades: %v", err)
	}

	var w io.Writer
	switch *out {
	case "":
	case "-":
		w = os.Stdout
	default:
		f, err := os.Create(*out)
		if err != nil {
			log.Fatalf("[featreplay] create output: %v", err)
		}
		defer f.Close()
		w = f
	}

	var db *sqlitestore.Writer
	if *dbPath != "" {
		db, err = sqlitestore.New(sqlitestore.WriterConfig{DBPath: *dbPath})
		if err != nil {
			log.Fatalf("[featreplay] sqlite: %v", err)
		}
		defer db.Close()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	tradeCh := make(chan model.TradeEvent, 10000)
	candleCh := make(chan model.FeatureCandle, 10000)

	go func() {
		if err := rp.Start(ctx, tradeCh); err != nil {
			log.Printf("[featreplay] replay stopped: %v", err)
		}
		close(tradeCh)
	}()

	a := agg.New(kinds, newRule)
	dropped := 0
	a.OnDroppedTrade = func() { dropped++ }
	go func() {
		// Closing tradeCh flushes the open intervals; ctx is left alone so
		// a finished replay is not mistaken for a cancel.
		a.Run(context.Background(), tradeCh, candleCh)
		close(candleCh)
	}()

	n, err := drain(candleCh, w, db)
	if err != nil {
		log.Fatalf("[featreplay] %v", err)
	}

	fmt.Fprintln(os.Stderr)
	fmt.Fprintln(os.Stderr, "╔══════════════════════════════════════╗")
	fmt.Fprintln(os.Stderr, "║        REPLAY COMPLETE               ║")
	fmt.Fprintln(os.Stderr, "╠══════════════════════════════════════╣")
	fmt.Fprintf(os.Stderr, "║  Trades replayed:   %-16d ║\n", rp.Len())
	fmt.Fprintf(os.Stderr, "║  Lines skipped:     %-16d ║\n", rp.Skipped)
	fmt.Fprintf(os.Stderr, "║  Late trades:       %-16d ║\n", dropped)
	fmt.Fprintf(os.Stderr, "║  Candles emitted:   %-16d ║\n", n)
	fmt.Fprintln(os.Stderr, "╚══════════════════════════════════════╝")
}

// drain writes candles to w (if non-nil) and inserts them into db (if
// non-nil) in batches. It returns the number of candles seen.
func drain(candleCh <-chan model.FeatureCandle, w io.Writer, db *sqlitestore.Writer) (int, error) {
	var enc *json.Encoder
	var bw *bufio.Writer
	if w != nil {
		bw = bufio.NewWriter(w)
		enc = json.NewEncoder(bw)
	}

	n := 0
	batch := make([]model.FeatureCandle, 0, batchSize)
	flush := func() error {
		if db == nil || len(batch) == 0 {
			return nil
		}
		if err := db.InsertBatch(batch); err != nil {
			return fmt.Errorf("sqlite insert: %w", err)
		}
		batch = batch[:0]
		return nil
	}

	for c := range candleCh {
		n++
		if enc != nil {
			if err := enc.Encode(c); err != nil {
				return n, fmt.Errorf("write candle: %w", err)
			}
		}
		if db != nil {
			batch = append(batch, c)
			if len(batch) >= batchSize {
				if err := flush(); err != nil {
					return n, err
				}
			}
		}
	}
	if err := flush(); err != nil {
		return n, err
	}
	if bw != nil {
		return n, bw.Flush()
	}
	return n, nil
}
