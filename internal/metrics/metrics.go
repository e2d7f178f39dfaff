package metrics

import (
	"sync"
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
	Transitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "broadcast_transitions_total", Help: "Lifecycle operations by result."},
		[]string{"op", "result"}, // send|schedule|cancel|resume|retry_failed x ok|<error code>
	)

	// Worker
	QueueJobs = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "dispatch_queue_jobs_total", Help: "Dispatch jobs consumed."},
		[]string{"result"}, // ack | requeue | malformed
	)
	Runs = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "dispatch_runs_total", Help: "Dispatcher runs by outcome."},
		[]string{"outcome"}, // completed | failed | undrained | stopped | interrupted | stale | aborted
	)
	InFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "dispatch_inflight", Help: "In-flight channel sends in this process."},
	)
	Deliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "dispatch_deliveries_total", Help: "Delivery attempt outcomes."},
		[]string{"outcome"}, // sent | retry | failed | skipped
	)
	ChannelSendDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "channel_send_duration_seconds",
			Help:    "External channel send latency.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms..~40s
		},
	)
	ScheduleFired = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "schedule_fired_total", Help: "Scheduled messages moved to sending."},
	)
)

var registerOnce sync.Once

// MustRegister registers our collectors on the default registry, which
// already carries the Go and process collectors. Safe to call more than once.
func MustRegister() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			HTTPRequests, HTTPDuration, Transitions,
			QueueJobs, Runs, InFlight, Deliveries, ChannelSendDuration, ScheduleFired,
		)
	})
}

// PGXPoolStats exports pgxpool counters.
type PGXPoolStats struct {
	pool *pgxpool.Pool

	conns          prometheus.Gauge
	idle           prometheus.Gauge
	acquireCount   prometheus.Gauge
	acquireSeconds prometheus.Gauge
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
		acquireCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "db_pool_acquires", Help: "Cumulative pool acquires.",
		}),
		acquireSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "db_pool_acquire_seconds", Help: "Cumulative acquire latency.",
		}),
	}
	prometheus.MustRegister(m.conns, m.idle, m.acquireCount, m.acquireSeconds)

	return m
}

func (m *PGXPoolStats) Start(interval time.Duration, stop <-chan struct{}) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			s := m.pool.Stat()
			m.conns.Set(float64(s.TotalConns()))
			m.idle.Set(float64(s.IdleConns()))
			// pool stats are already cumulative
			m.acquireCount.Set(float64(s.AcquireCount()))
			m.acquireSeconds.Set(s.AcquireDuration().Seconds())
		}
	}
}
