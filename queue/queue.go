// Package queue publishes delayed, deduplicated HTTP callback jobs and
// signs or verifies their delivery.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrInvalidJob is returned for jobs missing a destination URL.
var ErrInvalidJob = errors.New("queue: job has no url")

// Job is an HTTP callback to be POSTed to URL after Delay. Jobs sharing a
// non-empty DeduplicationID are enqueued at most once.
type Job struct {
	URL             string
	Body            any
	Delay           time.Duration
	DeduplicationID string
}

// Publisher enqueues jobs. Delivery is at-least-once; Publish returns the
// queue's id for the job.
type Publisher interface {
	Publish(ctx context.Context, job Job) (string, error)
}

func encodeBody(job Job) ([]byte, error) {
	if job.URL == "" {
		return nil, ErrInvalidJob
	}
	if raw, ok := job.Body.(json.RawMessage); ok {
		return raw, nil
	}
	if job.Body == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(job.Body)
}
