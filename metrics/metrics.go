// Package metrics exposes Prometheus metrics for the billing service.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Config holds metric naming and the scrape path.
type Config struct {
	Namespace string `yaml:"namespace" json:"namespace"`
	Path      string `yaml:"path" json:"path"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{Namespace: "linkbilling", Path: "/metrics"}
}

// Collector wraps the service's Prometheus metrics on a private registry.
// A nil *Collector is valid and records nothing.
type Collector struct {
	config   Config
	registry *prometheus.Registry

	WebhookEvents   *prometheus.CounterVec
	HandlerDuration *prometheus.HistogramVec
	JobsPublished   *prometheus.CounterVec
	EmailsSent      *prometheus.CounterVec
	HTTPRequests    *prometheus.CounterVec
	HTTPDuration    *prometheus.HistogramVec
}

// NewCollector creates a Collector with its own registry.
func NewCollector(cfg Config) *Collector {
	if cfg.Namespace == "" {
		cfg.Namespace = DefaultConfig().Namespace
	}
	if cfg.Path == "" {
		cfg.Path = DefaultConfig().Path
	}
	ns := cfg.Namespace
	reg := prometheus.NewRegistry()

	c := &Collector{
		config:   cfg,
		registry: reg,
		WebhookEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "webhook_events_total",
			Help:      "Stripe webhook events by type and outcome",
		}, []string{"event_type", "outcome"}),
		HandlerDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "webhook_handler_duration_seconds",
			Help:      "Time spent handling a Stripe webhook event",
			Buckets:   prometheus.DefBuckets,
		}, []string{"event_type"}),
		JobsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "jobs_published_total",
			Help:      "Deferred jobs published to the queue",
		}, []string{"queue", "outcome"}),
		EmailsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "emails_sent_total",
			Help:      "Transactional emails by template and outcome",
		}, []string{"template", "outcome"}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "path", "status_code"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
	}
	reg.MustRegister(c.WebhookEvents, c.HandlerDuration, c.JobsPublished, c.EmailsSent, c.HTTPRequests, c.HTTPDuration)
	return c
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Path returns the configured scrape path.
func (c *Collector) Path() string { return c.config.Path }

// Handler returns an HTTP handler that serves the registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// RecordWebhookEvent counts a processed webhook event.
func (c *Collector) RecordWebhookEvent(eventType, outcome string) {
	if c == nil {
		return
	}
	c.WebhookEvents.WithLabelValues(eventType, outcome).Inc()
}

// ObserveHandler records how long a handler took.
func (c *Collector) ObserveHandler(eventType string, d time.Duration) {
	if c == nil {
		return
	}
	c.HandlerDuration.WithLabelValues(eventType).Observe(d.Seconds())
}

// RecordJob counts a queue publish.
func (c *Collector) RecordJob(queue string, err error) {
	if c == nil {
		return
	}
	c.JobsPublished.WithLabelValues(queue, outcome(err)).Inc()
}

// RecordEmail counts an email send.
func (c *Collector) RecordEmail(template string, err error) {
	if c == nil {
		return
	}
	c.EmailsSent.WithLabelValues(template, outcome(err)).Inc()
}

// RecordHTTPRequest records an HTTP request metric.
func (c *Collector) RecordHTTPRequest(method, path string, statusCode int, d time.Duration) {
	if c == nil {
		return
	}
	c.HTTPRequests.WithLabelValues(method, path, strconv.Itoa(statusCode)).Inc()
	c.HTTPDuration.WithLabelValues(method, path).Observe(d.Seconds())
}

// Middleware records request count and latency labelled by the matched
// ServeMux pattern.
func (c *Collector) Middleware(next http.Handler) http.Handler {
	if c == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		path := r.Pattern
		if path == "" {
			path = "unmatched"
		}
		c.RecordHTTPRequest(r.Method, path, sw.status, time.Since(start))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
