package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Refresh triggers.
const (
	TriggerFetch       = "fetch"
	TriggerMaintenance = "maintenance"
)

// Maintenance tick outcomes.
const (
	TickIdle   = "idle"
	TickOK     = "ok"
	TickFailed = "failed"
)

// Metrics holds all Prometheus metrics for the pool cache.
type Metrics struct {
	// Cache metrics
	CacheLookups *prometheus.CounterVec
	CachedPools  prometheus.Gauge

	// Remote metrics
	RemoteQueries      *prometheus.CounterVec
	RemoteQueryLatency *prometheus.HistogramVec
	PoolsRefreshed     *prometheus.CounterVec

	// Maintenance metrics
	MaintenanceTicks *prometheus.CounterVec

	// Index metrics
	IndexedPools     prometheus.Gauge
	IndexBlock       prometheus.Gauge
	BootstrapLatency prometheus.Histogram

	registry prometheus.Gatherer
	server   *http.Server
}

// New creates all metrics and registers them with reg.
// A nil reg uses a fresh registry.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	m := &Metrics{
		CacheLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "poolcache_lookups_total",
				Help: "Pool lookups by result (hit = fresh cache entry, miss = stale or absent)",
			},
			[]string{"result"},
		),
		CachedPools: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "poolcache_cached_pools",
				Help: "Number of pool snapshots held in the cache",
			},
		),
		RemoteQueries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "poolcache_remote_queries_total",
				Help: "Remote indexer queries by operation and status",
			},
			[]string{"op", "status"},
		),
		RemoteQueryLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "poolcache_remote_query_latency_seconds",
				Help:    "Latency of remote indexer queries",
				Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~20s
			},
			[]string{"op"},
		),
		PoolsRefreshed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "poolcache_pools_refreshed_total",
				Help: "Pool snapshots written to the cache by trigger",
			},
			[]string{"trigger"},
		),
		MaintenanceTicks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "poolcache_maintenance_ticks_total",
				Help: "Background maintenance ticks by outcome",
			},
			[]string{"result"},
		),
		IndexedPools: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "poolcache_indexed_pools",
				Help: "Number of pools reachable through the token pair index",
			},
		),
		IndexBlock: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "poolcache_index_block",
				Help: "Block number the token pair index was built at",
			},
		),
		BootstrapLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "poolcache_bootstrap_latency_seconds",
				Help:    "Time to list registered pools and build the index",
				Buckets: prometheus.ExponentialBuckets(1, 2, 10), // 1s to ~17 minutes
			},
		),
		registry: reg,
	}

	reg.MustRegister(
		m.CacheLookups,
		m.CachedPools,
		m.RemoteQueries,
		m.RemoteQueryLatency,
		m.PoolsRefreshed,
		m.MaintenanceTicks,
		m.IndexedPools,
		m.IndexBlock,
		m.BootstrapLatency,
	)

	return m
}

// StartServer starts the HTTP server for Prometheus metrics.
func (m *Metrics) StartServer(port int, path string) error {
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	m.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}

	go func() {
		log.Info().Int("port", port).Str("path", path).Msg("Starting metrics server")
		if err := m.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("Metrics server error")
		}
	}()

	return nil
}

// Shutdown gracefully stops the metrics server.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m.server != nil {
		return m.server.Shutdown(ctx)
	}
	return nil
}

// RecordLookups counts fresh hits and stale or absent misses of one fetch.
func (m *Metrics) RecordLookups(hits, misses int) {
	m.CacheLookups.WithLabelValues("hit").Add(float64(hits))
	m.CacheLookups.WithLabelValues("miss").Add(float64(misses))
}

// RecordRemoteQuery records the outcome and latency of a remote query.
func (m *Metrics) RecordRemoteQuery(op string, d time.Duration, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.RemoteQueries.WithLabelValues(op, status).Inc()
	m.RemoteQueryLatency.WithLabelValues(op).Observe(d.Seconds())
}

// RecordPoolsRefreshed counts snapshots written to the cache.
func (m *Metrics) RecordPoolsRefreshed(trigger string, count int) {
	m.PoolsRefreshed.WithLabelValues(trigger).Add(float64(count))
}

// RecordMaintenanceTick counts a maintenance tick by outcome.
func (m *Metrics) RecordMaintenanceTick(result string) {
	m.MaintenanceTicks.WithLabelValues(result).Inc()
}

// SetCachedPools sets the current cache size.
func (m *Metrics) SetCachedPools(count int) {
	m.CachedPools.Set(float64(count))
}

// SetIndex records the pool count and block of the token pair index.
func (m *Metrics) SetIndex(pools int, block uint64) {
	m.IndexedPools.Set(float64(pools))
	m.IndexBlock.Set(float64(block))
}

// RecordBootstrapLatency records the index build duration.
func (m *Metrics) RecordBootstrapLatency(d time.Duration) {
	m.BootstrapLatency.Observe(d.Seconds())
}
