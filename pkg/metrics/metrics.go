// Package metrics exposes Prometheus metrics for the accounting core.
// Failure modes surface here as counters (pool exhaustion, lease mismatches,
// out-of-order counters, malformed events) for the operational tooling layer.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/codelaboratoryltd/radacct/pkg/aggregate"
	"github.com/codelaboratoryltd/radacct/pkg/ippool"
	"github.com/codelaboratoryltd/radacct/pkg/processor"
	"github.com/codelaboratoryltd/radacct/pkg/store"
)

// Metrics holds all Prometheus metrics.
type Metrics struct {
	// Event metrics
	eventsTotal       *prometheus.CounterVec
	eventErrorsTotal  *prometheus.CounterVec
	sessionsRecovered prometheus.Counter
	sessionsActive    prometheus.Gauge

	// Pool metrics
	poolLeased      *prometheus.GaugeVec
	poolAvailable   *prometheus.GaugeVec
	poolUtilization *prometheus.GaugeVec
	leasesReclaimed prometheus.Counter

	// Billing feed metrics
	feedDelivered prometheus.Counter
	feedDropped   prometheus.Counter

	// References for collection
	proc       *processor.Processor
	allocator  *ippool.Allocator
	aggregator *aggregate.Aggregator
	sessions   store.SessionStore
	pools      store.PoolStore
	logger     *zap.Logger

	// Last-seen snapshots for counter deltas
	lastProc  processor.Stats
	lastAlloc ippool.Stats
	lastAgg   aggregate.Stats
}

// New creates a Metrics instance wired to the given components. Any
// reference may be nil; its metrics simply stay at zero.
func New(proc *processor.Processor, allocator *ippool.Allocator, aggregator *aggregate.Aggregator, sessions store.SessionStore, pools store.PoolStore, logger *zap.Logger) *Metrics {
	return &Metrics{
		proc:       proc,
		allocator:  allocator,
		aggregator: aggregator,
		sessions:   sessions,
		pools:      pools,
		logger:     logger,

		eventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "radacct_events_total",
				Help: "Accounting events processed by type",
			},
			[]string{"type"},
		),

		eventErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "radacct_event_errors_total",
				Help: "Accounting event anomalies by kind",
			},
			[]string{"kind"},
		),

		sessionsRecovered: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "radacct_sessions_recovered_total",
				Help: "Sessions created from an event whose Start was lost",
			},
		),

		sessionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "radacct_sessions_active",
				Help: "Number of active accounting sessions",
			},
		),

		poolLeased: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "radacct_pool_leased",
				Help: "Leased addresses per pool",
			},
			[]string{"pool"},
		),

		poolAvailable: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "radacct_pool_available",
				Help: "Free addresses per pool",
			},
			[]string{"pool"},
		),

		poolUtilization: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "radacct_pool_utilization_ratio",
				Help: "Pool utilization ratio (0-1)",
			},
			[]string{"pool"},
		),

		leasesReclaimed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "radacct_leases_reclaimed_total",
				Help: "Expired leases reclaimed by the sweeper",
			},
		),

		feedDelivered: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "radacct_billing_feed_delivered_total",
				Help: "Summaries delivered to the billing collaborator",
			},
		),

		feedDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "radacct_billing_feed_dropped_total",
				Help: "Summaries dropped because the billing queue was full",
			},
		),
	}
}

// Register registers all metrics with the default Prometheus registry.
func (m *Metrics) Register() error {
	collectors := []prometheus.Collector{
		m.eventsTotal,
		m.eventErrorsTotal,
		m.sessionsRecovered,
		m.sessionsActive,
		m.poolLeased,
		m.poolAvailable,
		m.poolUtilization,
		m.leasesReclaimed,
		m.feedDelivered,
		m.feedDropped,
	}

	for _, c := range collectors {
		if err := prometheus.Register(c); err != nil {
			// Ignore already registered errors
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}
	return nil
}

// Handler returns the Prometheus HTTP handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}

// Collect refreshes all metrics from the component stat snapshots.
func (m *Metrics) Collect(ctx context.Context) {
	if m.proc != nil {
		stats := m.proc.Stats()
		addDelta(m.eventsTotal.WithLabelValues("start"), stats.Starts, m.lastProc.Starts)
		addDelta(m.eventsTotal.WithLabelValues("interim_update"), stats.Interims, m.lastProc.Interims)
		addDelta(m.eventsTotal.WithLabelValues("stop"), stats.Stops, m.lastProc.Stops)
		addDelta(m.eventsTotal.WithLabelValues("nas_reboot"), stats.NASReboots, m.lastProc.NASReboots)
		addDelta(m.eventErrorsTotal.WithLabelValues("malformed"), stats.Malformed, m.lastProc.Malformed)
		addDelta(m.eventErrorsTotal.WithLabelValues("out_of_order"), stats.OutOfOrder, m.lastProc.OutOfOrder)
		addDelta(m.eventErrorsTotal.WithLabelValues("pool_exhausted"), stats.PoolExhausted, m.lastProc.PoolExhausted)
		addDelta(m.eventErrorsTotal.WithLabelValues("duplicate_start"), stats.DuplicateStarts, m.lastProc.DuplicateStarts)
		addDelta(m.eventErrorsTotal.WithLabelValues("duplicate_stop"), stats.DuplicateStops, m.lastProc.DuplicateStops)
		addDelta(m.sessionsRecovered, stats.Recovered, m.lastProc.Recovered)
		m.lastProc = stats
	}

	if m.allocator != nil {
		stats := m.allocator.Stats()
		addDelta(m.eventErrorsTotal.WithLabelValues("lease_mismatch"), stats.LeaseMismatches, m.lastAlloc.LeaseMismatches)
		addDelta(m.leasesReclaimed, stats.Reclaimed, m.lastAlloc.Reclaimed)
		m.lastAlloc = stats
	}

	if m.aggregator != nil {
		stats := m.aggregator.Stats()
		addDelta(m.feedDelivered, stats.FeedDelivered, m.lastAgg.FeedDelivered)
		addDelta(m.feedDropped, stats.FeedDropped, m.lastAgg.FeedDropped)
		m.lastAgg = stats
	}

	if m.sessions != nil {
		if n, err := m.sessions.ActiveCount(ctx); err == nil {
			m.sessionsActive.Set(float64(n))
		}
	}

	if m.pools != nil {
		m.collectPools(ctx)
	}
}

func (m *Metrics) collectPools(ctx context.Context) {
	pools, err := m.pools.Pools(ctx)
	if err != nil {
		m.logger.Debug("Failed to list pools for metrics", zap.Error(err))
		return
	}
	now := time.Now()
	for _, pool := range pools {
		entries, err := m.pools.Entries(ctx, pool)
		if err != nil {
			continue
		}
		leased := 0
		for _, e := range entries {
			if e.Leased() && !e.Expired(now) {
				leased++
			}
		}
		total := len(entries)
		m.poolLeased.WithLabelValues(pool).Set(float64(leased))
		m.poolAvailable.WithLabelValues(pool).Set(float64(total - leased))
		if total > 0 {
			m.poolUtilization.WithLabelValues(pool).Set(float64(leased) / float64(total))
		}
	}
}

// StartCollector runs Collect on an interval until stopCh closes.
func (m *Metrics) StartCollector(ctx context.Context, interval time.Duration, stopCh <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			m.Collect(ctx)
		}
	}
}

func addDelta(c prometheus.Counter, cur, last uint64) {
	if cur > last {
		c.Add(float64(cur - last))
	}
}
