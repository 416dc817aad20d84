// Package webhook delivers signed job callbacks over HTTP with retry, and
// keeps exhausted deliveries in a dead-letter store for inspection and replay.
package webhook

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// DeliveryStatus represents the status of a callback delivery.
type DeliveryStatus string

const (
	StatusPending    DeliveryStatus = "pending"
	StatusDelivered  DeliveryStatus = "delivered"
	StatusFailed     DeliveryStatus = "failed"
	StatusDeadLetter DeliveryStatus = "dead_letter"
)

// RetryConfig holds configuration for the Dispatcher.
type RetryConfig struct {
	MaxRetries        int           `json:"maxRetries" yaml:"max_retries"`
	InitialBackoff    time.Duration `json:"initialBackoff" yaml:"initial_backoff"`
	MaxBackoff        time.Duration `json:"maxBackoff" yaml:"max_backoff"`
	BackoffMultiplier float64       `json:"backoffMultiplier" yaml:"backoff_multiplier"`
	JitterFraction    float64       `json:"jitterFraction" yaml:"jitter_fraction"`
	Timeout           time.Duration `json:"timeout" yaml:"timeout"`
}

// DefaultRetryConfig returns a RetryConfig with sensible defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:        5,
		InitialBackoff:    time.Second,
		MaxBackoff:        60 * time.Second,
		BackoffMultiplier: 2.0,
		JitterFraction:    0.1,
		Timeout:           30 * time.Second,
	}
}

// Delivery tracks a single job callback and its attempts.
type Delivery struct {
	ID          string            `json:"id"`
	JobID       string            `json:"jobId,omitempty"`
	URL         string            `json:"url"`
	Payload     []byte            `json:"payload"`
	Headers     map[string]string `json:"headers"`
	Status      DeliveryStatus    `json:"status"`
	Attempts    int               `json:"attempts"`
	MaxRetries  int               `json:"maxRetries"`
	LastError   string            `json:"lastError,omitempty"`
	StatusCode  int               `json:"statusCode,omitempty"`
	CreatedAt   time.Time         `json:"createdAt"`
	LastAttempt *time.Time        `json:"lastAttempt,omitempty"`
	DeliveredAt *time.Time        `json:"deliveredAt,omitempty"`
}

// ErrNotParked is returned by Send and Replay when a failed delivery could
// not be written to the dead-letter store. The caller still owns the job.
var ErrNotParked = errors.New("webhook: delivery failed and was not dead-lettered")

// SignFunc returns extra headers for a delivery attempt. It runs before every
// attempt so that short-lived signatures stay valid across backoff and replay.
type SignFunc func(url string, payload []byte) (map[string]string, error)

// Dispatcher delivers callbacks with exponential backoff and jitter. Client
// errors other than 408 and 429 are not retried.
type Dispatcher struct {
	config RetryConfig
	client *http.Client
	store  *DeadLetterStore
	sign   SignFunc
	logger *slog.Logger
}

// NewDispatcher creates a Dispatcher with the given config and dead letter store.
func NewDispatcher(config RetryConfig, store *DeadLetterStore, logger *slog.Logger) *Dispatcher {
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	if config.InitialBackoff <= 0 {
		config.InitialBackoff = time.Second
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = 60 * time.Second
	}
	if config.BackoffMultiplier <= 0 {
		config.BackoffMultiplier = 2.0
	}
	if config.JitterFraction < 0 {
		config.JitterFraction = 0
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Dispatcher{
		config: config,
		client: &http.Client{Timeout: config.Timeout},
		store:  store,
		logger: logger,
	}
}

// SetClient sets a custom HTTP client (useful for testing).
func (d *Dispatcher) SetClient(client *http.Client) {
	d.client = client
}

// SetSigner installs a SignFunc applied to every attempt.
func (d *Dispatcher) SetSigner(sign SignFunc) {
	d.sign = sign
}

// Send delivers a callback with retry logic. On exhausting retries, the
// delivery is placed in the dead letter store and the last error returned.
// A delivery interrupted by ctx is returned with ctx's error and is not
// dead-lettered.
func (d *Dispatcher) Send(ctx context.Context, jobID, url string, payload []byte, headers map[string]string) (*Delivery, error) {
	delivery := &Delivery{
		ID:         uuid.NewString(),
		JobID:      jobID,
		URL:        url,
		Payload:    payload,
		Headers:    headers,
		Status:     StatusPending,
		MaxRetries: d.config.MaxRetries,
		CreatedAt:  time.Now(),
	}

	if err := d.deliver(ctx, delivery); err != nil {
		if ctx.Err() != nil {
			return delivery, err
		}
		return delivery, d.deadLetter(ctx, delivery, err)
	}
	return delivery, nil
}

// Replay retries a dead-lettered delivery. A failed replay is parked again.
func (d *Dispatcher) Replay(ctx context.Context, id string) (*Delivery, error) {
	delivery, err := d.store.Remove(ctx, id)
	if err != nil {
		return nil, err
	}

	delivery.Status = StatusPending
	delivery.Attempts = 0
	delivery.LastError = ""
	delivery.StatusCode = 0

	if err := d.deliver(ctx, delivery); err != nil {
		return delivery, d.deadLetter(ctx, delivery, err)
	}
	return delivery, nil
}

// deadLetter parks a failed delivery and returns the delivery error, joined
// with ErrNotParked when the store write fails.
func (d *Dispatcher) deadLetter(ctx context.Context, delivery *Delivery, err error) error {
	delivery.Status = StatusDeadLetter
	delivery.LastError = err.Error()
	if perr := d.store.Add(context.WithoutCancel(ctx), delivery); perr != nil {
		d.logger.Error("dead letter not stored",
			"delivery_id", delivery.ID, "job_id", delivery.JobID, "error", perr)
		return errors.Join(err, ErrNotParked, perr)
	}
	d.logger.Error("callback delivery dead-lettered",
		"delivery_id", delivery.ID, "job_id", delivery.JobID, "url", delivery.URL,
		"attempts", delivery.Attempts, "error", err)
	return err
}

func (d *Dispatcher) deliver(ctx context.Context, dl *Delivery) error {
	var lastErr error

	for attempt := 0; attempt <= d.config.MaxRetries; attempt++ {
		dl.Attempts = attempt + 1
		now := time.Now()
		dl.LastAttempt = &now

		if attempt > 0 {
			select {
			case <-time.After(d.backoff(attempt)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		err := d.doSend(ctx, dl)
		if err == nil {
			t := time.Now()
			dl.Status = StatusDelivered
			dl.DeliveredAt = &t
			return nil
		}
		lastErr = err
		if !retryable(dl.StatusCode) {
			break
		}
	}

	dl.Status = StatusFailed
	return lastErr
}

func (d *Dispatcher) doSend(ctx context.Context, dl *Delivery) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, dl.URL, bytes.NewReader(dl.Payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range dl.Headers {
		req.Header.Set(k, v)
	}
	if d.sign != nil {
		signed, err := d.sign(dl.URL, dl.Payload)
		if err != nil {
			return fmt.Errorf("sign request: %w", err)
		}
		for k, v := range signed {
			req.Header.Set(k, v)
		}
	}

	dl.StatusCode = 0
	resp, err := d.client.Do(req) //nolint:gosec // G704: URL from a queued job
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	dl.StatusCode = resp.StatusCode
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return fmt.Errorf("callback returned status %d", resp.StatusCode)
}

// retryable reports whether a response status warrants another attempt.
// Zero means the request never got a response.
func retryable(status int) bool {
	switch {
	case status == 0, status >= 500:
		return true
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests:
		return true
	default:
		return false
	}
}

func (d *Dispatcher) backoff(attempt int) time.Duration {
	base := float64(d.config.InitialBackoff) * math.Pow(d.config.BackoffMultiplier, float64(attempt-1))
	if base > float64(d.config.MaxBackoff) {
		base = float64(d.config.MaxBackoff)
	}
	if d.config.JitterFraction > 0 {
		jitter := base * d.config.JitterFraction * (cryptoFloat64()*2 - 1)
		base += jitter
		if base < 0 {
			base = 0
		}
	}
	return time.Duration(base)
}

// cryptoFloat64 returns a cryptographically random float64 in [0.0, 1.0).
func cryptoFloat64() float64 {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return float64(binary.BigEndian.Uint64(b[:])>>(64-53)) / float64(1<<53)
}
