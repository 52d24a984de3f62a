// Package metrics holds the Prometheus collectors for a csda run.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all the pipeline metrics. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	HTTPRequestTotal    *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPRetryTotal      prometheus.Counter
	TokenRefreshTotal   prometheus.Counter

	PagesTotal        prometheus.Counter
	SearchesInFlight  prometheus.Gauge
	LinksTotal        prometheus.Counter
	DuplicateLinks    prometheus.Counter
	DownloadsTotal    *prometheus.CounterVec
	DownloadsInFlight prometheus.Gauge
	DownloadedBytes   prometheus.Counter

	registry *prometheus.Registry
}

// New creates the collectors and registers them with a fresh registry.
func New() *Metrics {
	m := &Metrics{
		HTTPRequestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "csda_http_requests_total",
			Help: "Total number of HTTP requests sent to the catalog",
		}, []string{"method", "status"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "csda_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"method"}),

		HTTPRetryTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "csda_http_retries_total",
			Help: "Total number of retried HTTP attempts",
		}),

		TokenRefreshTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "csda_token_refresh_total",
			Help: "Total number of authentication round trips",
		}),

		PagesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "csda_search_pages_total",
			Help: "Total number of item-collection pages received",
		}),

		SearchesInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "csda_searches_in_flight",
			Help: "Number of queries currently being paginated",
		}),

		LinksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "csda_links_total",
			Help: "Total number of download links emitted",
		}),

		DuplicateLinks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "csda_links_duplicate_total",
			Help: "Total number of assets skipped because their filename was already seen",
		}),

		DownloadsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "csda_downloads_total",
			Help: "Total number of download results by outcome",
		}, []string{"outcome"}),

		DownloadsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "csda_downloads_in_flight",
			Help: "Number of downloads currently running",
		}),

		DownloadedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "csda_downloaded_bytes_total",
			Help: "Total number of bytes written to the destination",
		}),

		registry: prometheus.NewRegistry(),
	}

	m.registry.MustRegister(
		m.HTTPRequestTotal,
		m.HTTPRequestDuration,
		m.HTTPRetryTotal,
		m.TokenRefreshTotal,
		m.PagesTotal,
		m.SearchesInFlight,
		m.LinksTotal,
		m.DuplicateLinks,
		m.DownloadsTotal,
		m.DownloadsInFlight,
		m.DownloadedBytes,
	)

	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveRequest records one HTTP attempt. status is 0 on transport errors.
func (m *Metrics) ObserveRequest(method string, status int, seconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequestTotal.WithLabelValues(method, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method).Observe(seconds)
}

// Retry records a retried attempt.
func (m *Metrics) Retry() {
	if m == nil {
		return
	}
	m.HTTPRetryTotal.Inc()
}

// TokenRefreshed records an authentication round trip.
func (m *Metrics) TokenRefreshed() {
	if m == nil {
		return
	}
	m.TokenRefreshTotal.Inc()
}

// SearchStarted marks a query as in flight.
func (m *Metrics) SearchStarted() {
	if m == nil {
		return
	}
	m.SearchesInFlight.Inc()
}

// SearchFinished marks a query as done.
func (m *Metrics) SearchFinished() {
	if m == nil {
		return
	}
	m.SearchesInFlight.Dec()
}

// Page records a received page.
func (m *Metrics) Page() {
	if m == nil {
		return
	}
	m.PagesTotal.Inc()
}

// Link records an emitted link, or a duplicate that was dropped.
func (m *Metrics) Link(duplicate bool) {
	if m == nil {
		return
	}
	if duplicate {
		m.DuplicateLinks.Inc()
		return
	}
	m.LinksTotal.Inc()
}

// DownloadStarted marks a download as in flight.
func (m *Metrics) DownloadStarted() {
	if m == nil {
		return
	}
	m.DownloadsInFlight.Inc()
}

// DownloadFinished records the outcome ("written", "skipped" or "failed").
func (m *Metrics) DownloadFinished(outcome string) {
	if m == nil {
		return
	}
	m.DownloadsInFlight.Dec()
	m.DownloadsTotal.WithLabelValues(outcome).Inc()
}

// BytesWritten adds n to the downloaded byte count.
func (m *Metrics) BytesWritten(n int64) {
	if m == nil {
		return
	}
	m.DownloadedBytes.Add(float64(n))
}
