// Package metrics provides Prometheus instrumentation for fraudwatcher.
package metrics

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "fraudwatcher"

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// EventsIngestedTotal counts ingestion outcomes: stored, duplicate, rejected, failed.
	EventsIngestedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_ingested_total",
			Help:      "Total events submitted for ingestion by outcome.",
		},
		[]string{"outcome"},
	)

	// ScoresTotal counts scoring results by flag.
	ScoresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scores_total",
			Help:      "Total scored events by flagged state.",
		},
		[]string{"flagged"},
	)

	// ReasonsTotal counts emitted reasons by kind.
	ReasonsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reasons_total",
			Help:      "Total reasons attached to scored events by kind.",
		},
		[]string{"kind"},
	)

	// PipelineErrorsTotal counts pipeline failures by operation and error class.
	PipelineErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipeline_errors_total",
			Help:      "Total pipeline failures by operation and error class.",
		},
		[]string{"op", "class"},
	)

	// ScoreDuration observes end-to-end scoring latency.
	ScoreDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "score_duration_seconds",
		Help:      "Time to ingest, score and explain one event.",
		Buckets:   []float64{0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	})

	// CacheLookupsTotal counts result cache lookups by result (hit, miss, error).
	CacheLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Result cache lookups by result.",
		},
		[]string{"result"},
	)

	// AlertsSentTotal counts alert deliveries by channel and result.
	AlertsSentTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_sent_total",
			Help:      "Alert deliveries by channel and result.",
		},
		[]string{"channel", "result"},
	)

	// ModelInfo is 1 for the active model version.
	ModelInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "model_info",
			Help:      "Active model version (value is always 1).",
		},
		[]string{"version", "model_type"},
	)

	// ModelThreshold is the active model's raw score threshold.
	ModelThreshold = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "model_threshold",
		Help:      "Raw anomaly score threshold of the active model.",
	})

	// DBTotalConns tracks pool connections.
	DBTotalConns = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "db_total_connections",
		Help: "Number of connections in the pool.",
	})
	// DBIdleConns tracks idle pool connections.
	DBIdleConns = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "db_idle_connections",
		Help: "Number of idle connections in the pool.",
	})
	// DBAcquiredConns tracks connections in use.
	DBAcquiredConns = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "db_acquired_connections",
		Help: "Number of connections currently acquired.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		EventsIngestedTotal,
		ScoresTotal,
		ReasonsTotal,
		PipelineErrorsTotal,
		ScoreDuration,
		CacheLookupsTotal,
		AlertsSentTotal,
		ModelInfo,
		ModelThreshold,
		DBTotalConns,
		DBIdleConns,
		DBAcquiredConns,
	)
}

// SetActiveModel replaces the model info series with the new version.
func SetActiveModel(version, modelType string, threshold float64) {
	ModelInfo.Reset()
	ModelInfo.WithLabelValues(version, modelType).Set(1)
	ModelThreshold.Set(threshold)
}

// StartPoolStatsCollector samples pgx pool stats every interval until ctx is done.
func StartPoolStatsCollector(ctx context.Context, pool *pgxpool.Pool, interval time.Duration) {
	if pool == nil {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				stats := pool.Stat()
				DBTotalConns.Set(float64(stats.TotalConns()))
				DBIdleConns.Set(float64(stats.IdleConns()))
				DBAcquiredConns.Set(float64(stats.AcquiredConns()))
			}
		}
	}()
}

// Middleware records request counts and latency per route pattern.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
		))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			statusBucket(c.Writer.Status()),
		).Inc()
	}
}

// Handler returns the Prometheus metrics HTTP handler for /metrics endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

func statusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
