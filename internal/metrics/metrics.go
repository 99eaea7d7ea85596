// Package metrics holds the Prometheus collectors the services report to.
package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups every collector of the service.
type Metrics struct {
	Ceremonies     *prometheus.CounterVec
	ReplayDetected prometheus.Counter
	Marks          *prometheus.CounterVec
	SessionsOpened prometheus.Counter
	CodeRetries    prometheus.Counter
	HTTPDuration   *prometheus.HistogramVec
}

// New registers the collectors on reg. Pass prometheus.NewRegistry() in tests.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Ceremonies: f.NewCounterVec(prometheus.CounterOpts{
			Name: "webauthn_ceremonies_total",
			Help: "WebAuthn ceremonies by kind and outcome.",
		}, []string{"ceremony", "outcome"}),
		ReplayDetected: f.NewCounter(prometheus.CounterOpts{
			Name: "webauthn_replay_detected_total",
			Help: "Assertions rejected because the signature counter did not advance.",
		}),
		Marks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "attendance_marks_total",
			Help: "Attendance mark attempts by method and result.",
		}, []string{"method", "result"}),
		SessionsOpened: f.NewCounter(prometheus.CounterOpts{
			Name: "attendance_sessions_opened_total",
			Help: "Attendance sessions created.",
		}),
		CodeRetries: f.NewCounter(prometheus.CounterOpts{
			Name: "attendance_session_code_retries_total",
			Help: "Session inserts retried after a code collision.",
		}),
		HTTPDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency by route and status.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
	}
}

// Noop returns collectors registered on a private registry.
func Noop() *Metrics {
	return New(prometheus.NewRegistry())
}

// GinMiddleware observes request latency keyed by the matched route.
func (m *Metrics) GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.HTTPDuration.WithLabelValues(c.Request.Method, route, strconv.Itoa(c.Writer.Status())).
			Observe(time.Since(start).Seconds())
	}
}
