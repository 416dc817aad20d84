// Package analytics mirrors link metadata into the analytics pipeline so
// click events can be joined to the current link state.
package analytics

import (
	"context"
	"time"
)

// LinkRecord is one row of link metadata.
type LinkRecord struct {
	LinkID      string    `json:"link_id"`
	Domain      string    `json:"domain"`
	Key         string    `json:"key"`
	URL         string    `json:"url"`
	WorkspaceID string    `json:"workspace_id"`
	CreatedAt   time.Time `json:"created_at"`
	Deleted     bool      `json:"deleted"`
}

// Recorder writes link metadata records.
type Recorder interface {
	RecordLinks(ctx context.Context, links []LinkRecord) error
}

// NopRecorder discards records.
type NopRecorder struct{}

func (NopRecorder) RecordLinks(context.Context, []LinkRecord) error { return nil }
