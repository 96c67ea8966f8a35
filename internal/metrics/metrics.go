package metrics

import (
	"database/sql"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "crawlsync"

// Collector owns the Prometheus registry for HTTP and pipeline metrics.
// A nil *Collector is valid and records nothing.
type Collector struct {
	registry        *prometheus.Registry
	requestDuration *prometheus.HistogramVec
	requestTotal    *prometheus.CounterVec

	crawlCycles      *prometheus.CounterVec
	newsIngested     *prometheus.CounterVec
	retentionDeleted prometheus.Counter
	notifications    *prometheus.CounterVec
	eventsDropped    prometheus.Counter
	schedulerRuns    *prometheus.CounterVec
}

// NewCollector constructs a collector with default histograms/counters.
func NewCollector() (*Collector, error) {
	registry := prometheus.NewRegistry()

	c := &Collector{
		registry: registry,
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Latency distribution for inbound HTTP requests.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path", "status"}),
		requestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of inbound HTTP requests.",
		}, []string{"method", "path", "status"}),
		crawlCycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "crawl",
			Name:      "cycles_total",
			Help:      "Per-symbol crawl cycles by outcome.",
		}, []string{"outcome"}),
		newsIngested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "news",
			Name:      "ingested_total",
			Help:      "News items offered for ingestion by result.",
		}, []string{"result"}),
		retentionDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "news",
			Name:      "retention_deleted_total",
			Help:      "News items removed by the retention sweep.",
		}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notify",
			Name:      "notifications_total",
			Help:      "Notifications by channel and final status.",
		}, []string{"type", "status"}),
		eventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "dropped_total",
			Help:      "Job events dropped because the queue stayed full.",
		}),
		schedulerRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "runs_total",
			Help:      "Scheduled job executions by job and outcome.",
		}, []string{"job", "outcome"}),
	}

	collectors := []prometheus.Collector{
		c.requestDuration,
		c.requestTotal,
		c.crawlCycles,
		c.newsIngested,
		c.retentionDeleted,
		c.notifications,
		c.eventsDropped,
		c.schedulerRuns,
	}
	for _, collector := range collectors {
		if err := registry.Register(collector); err != nil {
			return nil, err
		}
	}

	return c, nil
}

// Handler returns an HTTP handler for exposing Prometheus metrics.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// RegisterDB exports the connection pool statistics of db as go_sql_* series.
func (c *Collector) RegisterDB(db *sql.DB, name string) error {
	if c == nil {
		return nil
	}
	return c.registry.Register(collectors.NewDBStatsCollector(db, name))
}

// InstrumentHandler wraps the provided handler to record HTTP metrics.
func (c *Collector) InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(rw.status)
		path := r.URL.Path

		c.requestTotal.WithLabelValues(r.Method, path, status).Inc()
		c.requestDuration.WithLabelValues(r.Method, path, status).Observe(duration)
	})
}

// CrawlCycle counts a finished per-symbol cycle.
func (c *Collector) CrawlCycle(outcome string) {
	if c == nil {
		return
	}
	c.crawlCycles.WithLabelValues(outcome).Inc()
}

// NewsIngested counts an ingestion attempt by result (created, duplicate, invalid, error).
func (c *Collector) NewsIngested(result string) {
	if c == nil {
		return
	}
	c.newsIngested.WithLabelValues(result).Inc()
}

// RetentionDeleted adds items removed by a retention sweep.
func (c *Collector) RetentionDeleted(count int64) {
	if c == nil || count <= 0 {
		return
	}
	c.retentionDeleted.Add(float64(count))
}

// Notification counts a completed delivery attempt.
func (c *Collector) Notification(channel, status string) {
	if c == nil {
		return
	}
	c.notifications.WithLabelValues(channel, status).Inc()
}

// EventDropped counts a job event that could not be queued.
func (c *Collector) EventDropped() {
	if c == nil {
		return
	}
	c.eventsDropped.Inc()
}

// SchedulerRun counts a scheduled job execution.
func (c *Collector) SchedulerRun(job, outcome string) {
	if c == nil {
		return
	}
	c.schedulerRuns.WithLabelValues(job, outcome).Inc()
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (w *responseWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
