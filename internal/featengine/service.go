// Package featengine wires the feature pipeline into a long-running service:
// trade source → aggregator → fan-out → sinks, with snapshot checkpoints,
// live feature-list reloads and an HTTP API.
package featengine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"tradefeatures/config"
	"tradefeatures/internal/feature"
	"tradefeatures/internal/gateway"
	"tradefeatures/internal/marketdata/agg"
	"tradefeatures/internal/marketdata/bus"
	"tradefeatures/internal/marketdata/kafkain"
	"tradefeatures/internal/marketdata/replay"
	"tradefeatures/internal/marketdata/ws"
	"tradefeatures/internal/metrics"
	"tradefeatures/internal/model"
	chstore "tradefeatures/internal/store/clickhouse"
	kafkasink "tradefeatures/internal/store/kafka"
	redisstore "tradefeatures/internal/store/redis"
	sqlitestore "tradefeatures/internal/store/sqlite"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

type namedSink struct {
	name string
	sink model.CandleSink
}

type namedStore struct {
	name  string
	store model.SnapshotStore
}

// Service is the top-level orchestrator for the feature engine.
// It wires all dependencies, manages lifecycle, and coordinates goroutines.
type Service struct {
	cfg *config.Config

	agg    *agg.Aggregator
	fanout *bus.FanOut
	reg    *prometheus.Registry
	prom   *metrics.Metrics
	health *metrics.HealthStatus
	echo   *echo.Echo
	hub    *gateway.Hub

	source       model.TradeSource
	sourceCloser io.Closer
	redisWriter  *redisstore.Writer
	sqlWriter    *sqlitestore.Writer
	sqlReader    *sqlitestore.Reader
	sinks        []namedSink
	snapStores   []namedStore // restore order: first hit wins

	tradeCh  chan model.TradeEvent
	candleCh chan model.FeatureCandle

	lastTrade atomic.Int64 // wall clock of the last folded trade, unix nanos
}

// New creates a Service from cfg. It opens the configured stores and builds
// the trade source, but starts nothing; see Run.
func New(cfg *config.Config) (*Service, error) {
	kinds, err := cfg.FeatureKinds()
	if err != nil {
		return nil, err
	}
	newRule, err := cfg.RuleFactory()
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	svc := &Service{
		cfg:      cfg,
		agg:      agg.New(kinds, newRule),
		fanout:   bus.New(cfg.ChannelBuffer),
		reg:      reg,
		prom:     metrics.NewMetrics(reg),
		health:   metrics.NewHealthStatus(),
		tradeCh:  make(chan model.TradeEvent, cfg.ChannelBuffer),
		candleCh: make(chan model.FeatureCandle, cfg.ChannelBuffer),
	}
	svc.agg.IdleFlush = cfg.IdleFlush
	svc.health.SetFeatures(feature.Names(kinds))
	svc.health.Require(cfg.Redis.Enabled, cfg.SQLite.Enabled)
	svc.wireMetrics()

	if err := svc.openStores(); err != nil {
		svc.closeStores()
		return nil, err
	}
	if err := svc.openSource(); err != nil {
		svc.closeStores()
		return nil, err
	}

	svc.echo = svc.newRouter()
	return svc, nil
}

// wireMetrics connects aggregator and fan-out hooks to Prometheus.
func (svc *Service) wireMetrics() {
	svc.agg.OnDroppedTrade = func() {
		svc.prom.DroppedTrades.WithLabelValues("late").Inc()
	}
	svc.agg.OnUpdate = func(d time.Duration) {
		svc.prom.TradesTotal.Inc()
		svc.prom.UpdateDur.Observe(d.Seconds())
		svc.lastTrade.Store(time.Now().UnixNano())
	}
	svc.agg.OnCandle = func(c model.FeatureCandle) {
		svc.prom.CandlesTotal.Inc()
		// trade timestamps are epoch milliseconds
		svc.prom.CandleLag.Set(time.Since(time.UnixMilli(c.EndTS)).Seconds())
	}
	svc.fanout.OnDrop = func(name string) {
		svc.prom.FanoutDropsTotal.WithLabelValues(name).Inc()
	}
}

// openStores opens the enabled sinks. SQLite is required when enabled;
// Redis and ClickHouse failures are logged and the service continues
// without them.
func (svc *Service) openStores() error {
	cfg := svc.cfg

	if cfg.SQLite.Enabled {
		if dir := filepath.Dir(cfg.SQLite.Path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("sqlite dir: %w", err)
			}
		}
		w, err := sqlitestore.New(sqlitestore.WriterConfig{DBPath: cfg.SQLite.Path})
		if err != nil {
			return fmt.Errorf("sqlite: %w", err)
		}
		w.OnCommit = func(n int) { svc.prom.SQLiteCommits.Add(float64(n)) }
		w.OnError = func(error) { svc.prom.SinkErrors.WithLabelValues("sqlite").Inc() }
		svc.sqlWriter = w
		svc.health.SetSQLiteOK(true)

		svc.sqlReader, err = sqlitestore.NewReader(cfg.SQLite.Path)
		if err != nil {
			log.Printf("[featengine] WARNING: sqlite reader init failed: %v (history endpoint disabled)", err)
		}
	}

	if cfg.Redis.Enabled {
		w, err := redisstore.New(redisstore.WriterConfig{
			Addr:         cfg.Redis.Addr,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			StreamMaxLen: cfg.Redis.StreamMaxLen,
		})
		if err != nil {
			log.Printf("[featengine] WARNING: redis init failed: %v (continuing without redis)", err)
			svc.health.SetRedisConnected(false)
		} else {
			svc.redisWriter = w
			svc.health.SetRedisConnected(true)

			cb := redisstore.NewCircuitBreaker(cfg.Redis.MaxFailures, cfg.Redis.ResetTimeout)
			cb.OnStateChange = func(from, to redisstore.State) {
				svc.prom.RedisCircuitBreakerState.Set(float64(to))
				if to == redisstore.StateOpen {
					svc.prom.RedisCircuitBreakerTrips.Inc()
				}
			}
			bw := redisstore.NewBufferedWriter(w, cb, cfg.Redis.BufferSize)
			bw.OnBuffer = func() { svc.prom.RedisBufferedWrites.Inc() }
			bw.OnError = func(error) { svc.prom.SinkErrors.WithLabelValues("redis").Inc() }

			svc.sinks = append(svc.sinks, namedSink{"redis", bw})
			svc.snapStores = append(svc.snapStores, namedStore{"redis", w})
		}
	}

	// SQLite is the snapshot fallback behind Redis.
	if svc.sqlWriter != nil {
		svc.sinks = append(svc.sinks, namedSink{"sqlite", svc.sqlWriter})
		svc.snapStores = append(svc.snapStores, namedStore{"sqlite", svc.sqlWriter})
	}

	if cfg.Stream.Enabled {
		h := gateway.NewHub(cfg.Stream.ReplaySize)
		h.OnClients = func(n int) { svc.prom.StreamClients.Set(float64(n)) }
		h.OnSlowClient = func() { svc.prom.StreamSlowDrops.Inc() }
		svc.hub = h
		svc.sinks = append(svc.sinks, namedSink{"stream", h})
	}

	if cfg.Kafka.CandleTopic != "" {
		s := kafkasink.New(kafkasink.NewWriter(kafkasink.Config{
			Brokers: cfg.Kafka.Brokers,
			Topic:   cfg.Kafka.CandleTopic,
		}))
		s.OnError = func(error) { svc.prom.SinkErrors.WithLabelValues("kafka").Inc() }
		svc.sinks = append(svc.sinks, namedSink{"kafka", s})
		log.Printf("[featengine] kafka sink → %s", cfg.Kafka.CandleTopic)
	}

	if cfg.ClickHouse.DSN != "" {
		w, err := chstore.New(cfg.ClickHouse.DSN)
		if err != nil {
			log.Printf("[featengine] WARNING: clickhouse init failed: %v (continuing without clickhouse)", err)
		} else {
			w.OnError = func(error) { svc.prom.SinkErrors.WithLabelValues("clickhouse").Inc() }
			svc.sinks = append(svc.sinks, namedSink{"clickhouse", w})
		}
	}

	return nil
}

// openSource builds the configured trade source. Nothing connects until Run.
func (svc *Service) openSource() error {
	cfg := svc.cfg
	onFull := func() { svc.prom.DroppedTrades.WithLabelValues("channel_full").Inc() }

	switch cfg.Source {
	case "kafka":
		c := kafkain.New(kafkain.NewReader(kafkain.Config{
			Brokers: cfg.Kafka.Brokers,
			Topic:   cfg.Kafka.TradeTopic,
			GroupID: cfg.Kafka.GroupID,
		}))
		c.OnStall = svc.prom.SourceStalls.Inc
		svc.source = c
		svc.sourceCloser = c
	case "replay":
		rp, err := replay.Open(cfg.Replay.Path, cfg.Replay.Speed)
		if err != nil {
			return fmt.Errorf("replay: %w", err)
		}
		log.Printf("[featengine] replaying %d trades from %s", rp.Len(), cfg.Replay.Path)
		svc.source = rp
	default:
		ing, err := ws.New(ws.Config{
			URL:                    cfg.WS.URL,
			MaxReconnectsPerMinute: cfg.WS.MaxReconnectsPerMinute,
		})
		if err != nil {
			return err
		}
		ing.OnConnect = func() { svc.health.SetSourceConnected(true) }
		ing.OnReconnect = func() {
			svc.prom.WSReconnects.Inc()
			svc.health.SetSourceConnected(false)
		}
		ing.OnDropped = onFull
		svc.source = ing
	}
	return nil
}

// Run starts all subsystems and blocks until ctx is cancelled. On return,
// open intervals have been flushed to the sinks and a final snapshot saved.
// Run must be called at most once.
func (svc *Service) Run(ctx context.Context) error {
	log.Println("[featengine] starting feature engine...")

	if err := svc.restoreEngine(ctx); err != nil {
		return err
	}

	// Sinks outlive ctx so the aggregator's final flush reaches them.
	pipeCtx, pipeCancel := context.WithCancel(context.Background())
	defer pipeCancel()

	var sinkWG sync.WaitGroup
	for _, s := range svc.sinks {
		ch := svc.fanout.Subscribe(s.name)
		sinkWG.Add(1)
		go func(s namedSink) {
			defer sinkWG.Done()
			s.sink.Run(pipeCtx, ch)
		}(s)
	}
	go svc.fanout.Run(pipeCtx, svc.candleCh)

	aggDone := make(chan struct{})
	go func() {
		svc.agg.Run(ctx, svc.tradeCh, svc.candleCh)
		close(svc.candleCh)
		close(aggDone)
	}()

	go svc.runSource(ctx)
	go svc.statsLoop(ctx)
	if svc.cfg.SnapshotInterval > 0 {
		go svc.snapshotLoop(ctx)
	}
	svc.startConfigSubscriber(ctx)
	svc.startLivenessChecker(ctx)
	svc.startHTTP()

	names := make([]string, 0, len(svc.sinks))
	for _, s := range svc.sinks {
		names = append(names, s.name)
	}
	log.Printf("[featengine] source=%s rule=%s features=%d sinks=%v snapshot every %s",
		svc.cfg.Source, svc.cfg.Rule, len(svc.agg.Kinds()), names, svc.cfg.SnapshotInterval)
	log.Println("[featengine] ✅ all systems running. Press Ctrl+C to stop.")

	<-ctx.Done()
	<-aggDone

	svc.shutdown(&sinkWG, pipeCancel)
	return nil
}

// runSource streams trades until ctx is cancelled.
func (svc *Service) runSource(ctx context.Context) {
	if _, isWS := svc.source.(*ws.Ingest); !isWS {
		svc.health.SetSourceConnected(true)
	}
	if err := svc.source.Start(ctx, svc.tradeCh); err != nil {
		log.Printf("[featengine] trade source stopped: %v", err)
	}
	svc.health.SetSourceConnected(false)
}

// statsLoop publishes channel saturation, the open-interval count and the
// last trade time every 5 seconds.
func (svc *Service) statsLoop(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			svc.publishStats()
		}
	}
}

func (svc *Service) publishStats() {
	for _, s := range svc.fanout.ChannelStats() {
		if s.Cap > 0 {
			pct := float64(s.Len) / float64(s.Cap) * 100
			svc.prom.ChannelSaturationPct.WithLabelValues("fanout_" + s.Name).Set(pct)
		}
	}
	if c := cap(svc.tradeCh); c > 0 {
		svc.prom.ChannelSaturationPct.WithLabelValues("trades").Set(float64(len(svc.tradeCh)) / float64(c) * 100)
	}
	svc.prom.Instruments.Set(float64(len(svc.agg.PeekAll())))
	if ns := svc.lastTrade.Load(); ns > 0 {
		svc.health.SetLastTradeTime(time.Unix(0, ns))
	}
}

func (svc *Service) startLivenessChecker(ctx context.Context) {
	sqlDB := svc.sqlDB()
	if svc.redisWriter != nil {
		svc.health.StartLivenessChecker(ctx, svc.redisWriter.Client(), sqlDB, 10*time.Second)
	} else if sqlDB != nil {
		svc.health.StartLivenessChecker(ctx, nil, sqlDB, 10*time.Second)
	}
}

// startHTTP launches the API server in a goroutine.
func (svc *Service) startHTTP() {
	go func() {
		log.Printf("[featengine] HTTP server on %s", svc.cfg.HTTPAddr)
		if err := svc.echo.Start(svc.cfg.HTTPAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("[featengine] HTTP server error: %v", err)
		}
	}()
}

// shutdown drains the sinks, saves a final snapshot and closes connections.
func (svc *Service) shutdown(sinkWG *sync.WaitGroup, pipeCancel context.CancelFunc) {
	log.Println("[featengine] shutdown signal received, draining sinks...")

	drained := make(chan struct{})
	go func() {
		sinkWG.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(5 * time.Second):
		log.Println("[featengine] WARNING: sinks did not drain in 5s, cancelling")
		pipeCancel()
		<-drained
	}

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer shutCancel()

	if err := svc.echo.Shutdown(shutCtx); err != nil {
		log.Printf("[featengine] HTTP shutdown: %v", err)
	}

	svc.saveSnapshot(shutCtx)
	log.Println("[featengine] final snapshot saved")

	if svc.sourceCloser != nil {
		svc.sourceCloser.Close()
	}
	svc.closeStores()
	log.Println("[featengine] shutdown complete.")
}

// closeStores closes every sink and reader. The Redis writer is closed by
// its buffered sink.
func (svc *Service) closeStores() {
	for _, s := range svc.sinks {
		if err := s.sink.Close(); err != nil {
			log.Printf("[featengine] close %s: %v", s.name, err)
		}
	}
	if svc.sqlReader != nil {
		svc.sqlReader.Close()
	}
}

func (svc *Service) sqlDB() *sql.DB {
	if svc.sqlWriter == nil {
		return nil
	}
	return svc.sqlWriter.DB()
}
