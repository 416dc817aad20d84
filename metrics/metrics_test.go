package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCollector_Counters(t *testing.T) {
	c := NewCollector(Config{})
	c.RecordWebhookEvent("charge.failed", "ok")
	c.RecordWebhookEvent("charge.failed", "ok")
	c.RecordJob("qstash", nil)
	c.RecordJob("qstash", errors.New("boom"))
	c.RecordEmail("failed-payment", nil)

	if got := testutil.ToFloat64(c.WebhookEvents.WithLabelValues("charge.failed", "ok")); got != 2 {
		t.Errorf("webhook events = %v, want 2", got)
	}
	if got := testutil.ToFloat64(c.JobsPublished.WithLabelValues("qstash", "error")); got != 1 {
		t.Errorf("failed jobs = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.EmailsSent.WithLabelValues("failed-payment", "ok")); got != 1 {
		t.Errorf("emails = %v, want 1", got)
	}
}

func TestCollector_NilIsNoop(t *testing.T) {
	var c *Collector
	c.RecordWebhookEvent("x", "ok")
	c.ObserveHandler("x", time.Second)
	c.RecordJob("q", nil)
	c.RecordEmail("t", nil)
	h := c.Middleware(http.NotFoundHandler())
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	if rr.Code != http.StatusNotFound {
		t.Errorf("expected passthrough, got %d", rr.Code)
	}
}

func TestCollector_HandlerAndMiddleware(t *testing.T) {
	c := NewCollector(DefaultConfig())
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ping", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	mux.Handle("GET "+c.Path(), c.Handler())
	h := c.Middleware(mux)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/ping", nil))
	if rr.Code != http.StatusTeapot {
		t.Fatalf("status = %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rr.Body.String()
	if !strings.Contains(body, `linkbilling_http_requests_total{method="GET",path="GET /ping",status_code="418"} 1`) {
		t.Errorf("missing request metric in:\n%s", body)
	}
}
