package metrics

import (
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// API
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "http_requests_total", Help: "Count of HTTP requests."},
		[]string{"handler", "method", "code"},
	)
	HTTPDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms..~10s
		},
		[]string{"handler", "method"},
	)

	// Worker
	ClaimTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "worker_claim_total", Help: "Claim attempts."},
		[]string{"result"}, // ok | not_claimable | empty | error
	)
	ClaimBatchSize = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "worker_claim_batch_size",
			Help:    "Units returned per fallback batch claim.",
			Buckets: prometheus.LinearBuckets(0, 10, 11),
		},
	)
	InFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "worker_inflight", Help: "In-flight units in this process."},
	)
	SendTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "transport_send_total", Help: "Transport send outcomes."},
		[]string{"outcome"}, // sent | transient | permanent
	)
	SendDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "transport_send_duration_seconds",
			Help:    "Transport send latency.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		},
	)
	RetryTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "worker_retry_total", Help: "Retries scheduled."},
	)
	RateDeniedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "worker_rate_denied_total", Help: "Rate limiter denials."},
	)
	QuotaDeniedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "worker_quota_denied_total", Help: "Quota denials."},
	)
	StaleLeaseTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "worker_stale_lease_total", Help: "Releases discarded after lease loss."},
	)

	// Scheduler
	ExpandTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "scheduler_expand_total", Help: "Campaign expansion results."},
		[]string{"result"}, // ok | conflict | error
	)
	UnitsExpanded = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "scheduler_units_expanded_total", Help: "Send units created by expansion."},
	)
	CampaignsFinalized = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "scheduler_campaigns_finalized_total", Help: "Terminal campaign transitions."},
		[]string{"status"}, // completed | failed
	)
	RequeueTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "scheduler_requeue_total", Help: "Due units requeued by the fallback sweep."},
	)
)

// MustRegister installs default + engine collectors.
func MustRegister() {
	prometheus.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		HTTPRequests, HTTPDuration,
		ClaimTotal, ClaimBatchSize, InFlight,
		SendTotal, SendDuration, RetryTotal,
		RateDeniedTotal, QuotaDeniedTotal, StaleLeaseTotal,
		ExpandTotal, UnitsExpanded, CampaignsFinalized, RequeueTotal,
	)
}

// PGXPoolStats exports pgx pool gauges on an interval.
type PGXPoolStats struct {
	pool *pgxpool.Pool

	conns          prometheus.Gauge
	idle           prometheus.Gauge
	acquireCount   prometheus.Counter
	acquireLatency prometheus.Counter
}

func NewPGXPoolStats(pool *pgxpool.Pool) *PGXPoolStats {
	m := &PGXPoolStats{
		pool: pool,
		conns: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "db_pool_conns", Help: "Total connections in pool.",
		}),
		idle: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "db_pool_idle_conns", Help: "Idle connections in pool.",
		}),
		acquireCount: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "db_pool_acquires_total", Help: "Total pool acquires.",
		}),
		acquireLatency: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "db_pool_acquire_seconds_total", Help: "Sum of acquire latencies.",
		}),
	}
	prometheus.MustRegister(m.conns, m.idle, m.acquireCount, m.acquireLatency)
	return m
}

func (m *PGXPoolStats) Start(interval time.Duration, stop <-chan struct{}) {
	t := time.NewTicker(interval)
	for {
		select {
		case <-stop:
			t.Stop()
			return
		case <-t.C:
			s := m.pool.Stat()
			m.conns.Set(float64(s.TotalConns()))
			m.idle.Set(float64(s.IdleConns()))
			m.acquireCount.Add(float64(s.AcquireCount()))
			m.acquireLatency.Add(s.AcquireDuration().Seconds())
		}
	}
}
