// Package metrics exposes billing and provisioning counters on the
// Prometheus /metrics endpoint.
package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	OrdersStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nebulapanel_orders_started_total",
			Help: "Checkout orders initiated, by gateway",
		},
		[]string{"gateway"},
	)

	OrdersCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nebulapanel_orders_completed_total",
			Help: "Orders that reached a provisioned server, by gateway",
		},
		[]string{"gateway"},
	)

	OrdersFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nebulapanel_orders_failed_total",
			Help: "Orders that failed, by stage (payment, provision)",
		},
		[]string{"stage"},
	)

	RenewalsPaid = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "nebulapanel_renewals_paid_total",
			Help: "Renewal invoices settled",
		},
	)

	ServersSuspended = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "nebulapanel_servers_suspended_total",
			Help: "Servers suspended, for overdue invoices or by the radar",
		},
	)

	ServersPurged = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "nebulapanel_servers_purged_total",
			Help: "Suspended servers deleted after the grace period",
		},
	)

	RadarScans = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nebulapanel_radar_scans_total",
			Help: "Radar scan results, by classification",
		},
		[]string{"classification"},
	)

	PanelRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nebulapanel_panel_request_duration_seconds",
			Help:    "Latency of calls to the game panel",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	httpRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nebulapanel_http_requests_total",
			Help: "HTTP requests served, by method and status",
		},
		[]string{"method", "status"},
	)

	httpDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nebulapanel_http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
		[]string{"method"},
	)
)

// Handler returns the /metrics endpoint handler.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// Middleware records request counts and latency for every route.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		httpRequests.WithLabelValues(c.Request.Method, strconv.Itoa(c.Writer.Status())).Inc()
		httpDuration.WithLabelValues(c.Request.Method).Observe(time.Since(start).Seconds())
	}
}
