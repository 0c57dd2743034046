package metrics

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the feature engine.
type Metrics struct {
	TradesTotal   prometheus.Counter
	DroppedTrades *prometheus.CounterVec // labels: reason=late|channel_full
	CandlesTotal  prometheus.Counter
	UpdateDur     prometheus.Histogram
	CandleLag     prometheus.Gauge
	Instruments   prometheus.Gauge
	WSReconnects  prometheus.Counter
	SourceStalls  prometheus.Counter

	// Backpressure
	FanoutDropsTotal     *prometheus.CounterVec // labels: subscriber
	ChannelSaturationPct *prometheus.GaugeVec   // labels: channel_name

	// Sinks
	SinkErrors    *prometheus.CounterVec // labels: sink
	SQLiteCommits prometheus.Counter
	SnapshotSaves *prometheus.CounterVec // labels: store, result=ok|error
	ConfigReloads prometheus.Counter

	// Live stream
	StreamClients   prometheus.Gauge
	StreamSlowDrops prometheus.Counter

	// Circuit breaker
	RedisCircuitBreakerState prometheus.Gauge // 0=closed, 1=open, 2=half-open
	RedisCircuitBreakerTrips prometheus.Counter
	RedisBufferedWrites      prometheus.Counter
}

// NewMetrics creates all metrics and registers them with reg.
// A nil reg uses prometheus.DefaultRegisterer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		TradesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "featengine_trades_total",
			Help: "Total trades folded into feature modules",
		}),
		DroppedTrades: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "featengine_dropped_trades_total",
			Help: "Trades dropped before aggregation",
		}, []string{"reason"}),
		CandlesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "featengine_candles_total",
			Help: "Total closed feature candles emitted",
		}),
		UpdateDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "featengine_update_duration_seconds",
			Help:    "Time to fold one trade into every active module",
			Buckets: []float64{0.0000001, 0.0000005, 0.000001, 0.000005, 0.00001, 0.00005, 0.0001},
		}),
		CandleLag: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "featengine_candle_lag_seconds",
			Help: "Lag between a candle's last trade timestamp and its emission",
		}),
		Instruments: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "featengine_instruments",
			Help: "Instruments with an open interval",
		}),
		WSReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "featengine_ws_reconnects_total",
			Help: "Total WebSocket reconnection attempts",
		}),

		SourceStalls: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "featengine_source_stalls_total",
			Help: "Times a committing source waited on a full trade channel",
		}),

		FanoutDropsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "featengine_fanout_drops_total",
			Help: "Candles dropped by FanOut bus per subscriber",
		}, []string{"subscriber"}),
		ChannelSaturationPct: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "featengine_channel_saturation_pct",
			Help: "Channel fill percentage (len/cap * 100)",
		}, []string{"channel_name"}),

		SinkErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "featengine_sink_errors_total",
			Help: "Failed writes per sink",
		}, []string{"sink"}),
		SQLiteCommits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "featengine_sqlite_rows_committed_total",
			Help: "Feature candles committed to SQLite",
		}),
		SnapshotSaves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "featengine_snapshot_saves_total",
			Help: "Engine snapshot saves per store and result",
		}, []string{"store", "result"}),
		ConfigReloads: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "featengine_config_reloads_total",
			Help: "Feature list reloads applied",
		}),

		StreamClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "featengine_stream_clients",
			Help: "Connected live-stream WebSocket clients",
		}),
		StreamSlowDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "featengine_stream_slow_client_drops_total",
			Help: "Envelopes dropped because a stream client's queue was full",
		}),

		RedisCircuitBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "featengine_redis_circuit_breaker_state",
			Help: "Redis circuit breaker state (0=closed, 1=open, 2=half-open)",
		}),
		RedisCircuitBreakerTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "featengine_redis_circuit_breaker_trips_total",
			Help: "Times the Redis circuit breaker tripped open",
		}),
		RedisBufferedWrites: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "featengine_redis_buffered_writes_total",
			Help: "Candles buffered locally while Redis writes fail",
		}),
	}

	reg.MustRegister(
		m.TradesTotal,
		m.DroppedTrades,
		m.CandlesTotal,
		m.UpdateDur,
		m.CandleLag,
		m.Instruments,
		m.WSReconnects,
		m.SourceStalls,
		m.FanoutDropsTotal,
		m.ChannelSaturationPct,
		m.SinkErrors,
		m.SQLiteCommits,
		m.SnapshotSaves,
		m.ConfigReloads,
		m.StreamClients,
		m.StreamSlowDrops,
		m.RedisCircuitBreakerState,
		m.RedisCircuitBreakerTrips,
		m.RedisBufferedWrites,
	)

	return m
}

// Handler serves the metrics gathered by g in the Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// HealthStatus represents the system health.
type HealthStatus struct {
	mu sync.RWMutex

	SourceConnected bool      `json:"source_connected"`
	LastTradeTime   time.Time `json:"last_trade_time"`
	RedisConnected  bool      `json:"redis_connected"`
	SQLiteOK        bool      `json:"sqlite_ok"`
	Features        []string  `json:"features"`

	// Dependencies that count toward the overall status.
	RedisRequired  bool `json:"-"`
	SQLiteRequired bool `json:"-"`

	// Liveness probe results
	RedisLatencyMs  float64   `json:"redis_latency_ms"`
	SQLiteLatencyMs float64   `json:"sqlite_latency_ms"`
	LastCheckAt     time.Time `json:"last_check_at"`
	StartedAt       time.Time `json:"started_at"`
}

// NewHealthStatus returns a default health status.
func NewHealthStatus() *HealthStatus {
	return &HealthStatus{
		StartedAt: time.Now(),
	}
}

func (h *HealthStatus) SetSourceConnected(v bool) {
	h.mu.Lock()
	h.SourceConnected = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetLastTradeTime(t time.Time) {
	h.mu.Lock()
	h.LastTradeTime = t
	h.mu.Unlock()
}

func (h *HealthStatus) SetRedisConnected(v bool) {
	h.mu.Lock()
	h.RedisConnected = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetSQLiteOK(v bool) {
	h.mu.Lock()
	h.SQLiteOK = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetFeatures(names []string) {
	h.mu.Lock()
	h.Features = append([]string(nil), names...)
	h.mu.Unlock()
}

// Require marks which stores are part of the deployment.
func (h *HealthStatus) Require(redis, sqlite bool) {
	h.mu.Lock()
	h.RedisRequired = redis
	h.SQLiteRequired = sqlite
	h.mu.Unlock()
}

// CheckRedis pings Redis and records latency + connectivity.
func (h *HealthStatus) CheckRedis(ctx context.Context, rdb *goredis.Client) {
	start := time.Now()
	err := rdb.Ping(ctx).Err()
	latency := time.Since(start)

	h.mu.Lock()
	h.RedisConnected = err == nil
	h.RedisLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// CheckSQLite pings the database and records latency + health.
func (h *HealthStatus) CheckSQLite(ctx context.Context, db *sql.DB) {
	start := time.Now()
	err := db.PingContext(ctx)
	latency := time.Since(start)

	h.mu.Lock()
	h.SQLiteOK = err == nil
	h.SQLiteLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// StartLivenessChecker runs periodic dependency checks. Nil dependencies are skipped.
func (h *HealthStatus) StartLivenessChecker(ctx context.Context, rdb *goredis.Client, sqlDB *sql.DB, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
				if rdb != nil {
					h.CheckRedis(probeCtx, rdb)
				}
				if sqlDB != nil {
					h.CheckSQLite(probeCtx, sqlDB)
				}
				cancel()
			}
		}
	}()
}

// Report is the /healthz response body.
type Report struct {
	Status          string   `json:"status"`
	Uptime          string   `json:"uptime"`
	SourceConnected bool     `json:"source_connected"`
	LastTradeTime   string   `json:"last_trade_time"`
	TradeAge        string   `json:"trade_age"`
	RedisConnected  bool     `json:"redis_connected"`
	RedisLatencyMs  float64  `json:"redis_latency_ms"`
	SQLiteOK        bool     `json:"sqlite_ok"`
	SQLiteLatencyMs float64  `json:"sqlite_latency_ms"`
	Features        []string `json:"features"`
	LastCheckAt     string   `json:"last_check_at"`
}

// Report computes the overall status and the HTTP code to serve it with.
// Any required dependency down is "degraded"; every required store down is
// "unhealthy".
func (h *HealthStatus) Report() (Report, int) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	overallStatus := "healthy"
	httpCode := http.StatusOK

	redisDown := h.RedisRequired && !h.RedisConnected
	sqliteDown := h.SQLiteRequired && !h.SQLiteOK
	if !h.SourceConnected || redisDown || sqliteDown {
		overallStatus = "degraded"
		httpCode = http.StatusServiceUnavailable
	}
	if (h.RedisRequired || h.SQLiteRequired) &&
		(redisDown || !h.RedisRequired) && (sqliteDown || !h.SQLiteRequired) {
		overallStatus = "unhealthy"
	}

	tradeAge := ""
	if !h.LastTradeTime.IsZero() {
		tradeAge = time.Since(h.LastTradeTime).Round(time.Millisecond).String()
	}

	return Report{
		Status:          overallStatus,
		Uptime:          time.Since(h.StartedAt).Round(time.Second).String(),
		SourceConnected: h.SourceConnected,
		LastTradeTime:   h.LastTradeTime.Format(time.RFC3339),
		TradeAge:        tradeAge,
		RedisConnected:  h.RedisConnected,
		RedisLatencyMs:  h.RedisLatencyMs,
		SQLiteOK:        h.SQLiteOK,
		SQLiteLatencyMs: h.SQLiteLatencyMs,
		Features:        h.Features,
		LastCheckAt:     h.LastCheckAt.Format(time.RFC3339),
	}, httpCode
}

// ServeHTTP handles the /healthz endpoint.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	report, httpCode := h.Report()
	w.Header().Set("Content-Type", "application/json")
	if httpCode != http.StatusOK {
		w.WriteHeader(httpCode)
	}
	json.NewEncoder(w).Encode(report)
}
