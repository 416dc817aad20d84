package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrDeadLetterNotFound is returned when no dead letter has the given id.
var ErrDeadLetterNotFound = errors.New("webhook: dead letter not found")

// DeadLetterStats summarises the parked callbacks.
type DeadLetterStats struct {
	Total        int            `json:"total"`
	ByURL        map[string]int `json:"byUrl"`
	OldestEntry  *time.Time     `json:"oldestEntry,omitempty"`
	NewestEntry  *time.Time     `json:"newestEntry,omitempty"`
	TotalRetries int            `json:"totalRetries"`
}

// DeadLetterStore parks callbacks that exhausted their retries in a Redis
// hash keyed by delivery id, so every replica sees the same entries and they
// survive restarts.
type DeadLetterStore struct {
	client redis.UniversalClient
	key    string
}

// NewDeadLetterStore returns a store using the hash at key.
func NewDeadLetterStore(client redis.UniversalClient, key string) *DeadLetterStore {
	return &DeadLetterStore{client: client, key: key}
}

// Add parks a delivery, replacing any entry with the same id.
func (s *DeadLetterStore) Add(ctx context.Context, d *Delivery) error {
	b, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("webhook: encode dead letter: %w", err)
	}
	if err := s.client.HSet(ctx, s.key, d.ID, b).Err(); err != nil {
		return fmt.Errorf("webhook: park %s: %w", d.ID, err)
	}
	return nil
}

// Get returns the dead letter with the given id.
func (s *DeadLetterStore) Get(ctx context.Context, id string) (*Delivery, error) {
	raw, err := s.client.HGet(ctx, s.key, id).Result()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", ErrDeadLetterNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("webhook: get %s: %w", id, err)
	}
	return decodeDelivery(raw)
}

// Remove deletes and returns a dead letter. Only one of several concurrent
// callers removing the same id gets it back; the others see
// ErrDeadLetterNotFound.
func (s *DeadLetterStore) Remove(ctx context.Context, id string) (*Delivery, error) {
	d, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	n, err := s.client.HDel(ctx, s.key, id).Result()
	if err != nil {
		return nil, fmt.Errorf("webhook: remove %s: %w", id, err)
	}
	if n == 0 {
		return nil, fmt.Errorf("%w: %s", ErrDeadLetterNotFound, id)
	}
	return d, nil
}

// List returns every dead letter, newest first.
func (s *DeadLetterStore) List(ctx context.Context) ([]*Delivery, error) {
	vals, err := s.client.HVals(ctx, s.key).Result()
	if err != nil {
		return nil, fmt.Errorf("webhook: list dead letters: %w", err)
	}
	out := make([]*Delivery, 0, len(vals))
	for _, raw := range vals {
		d, err := decodeDelivery(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// Count returns the number of dead letters.
func (s *DeadLetterStore) Count(ctx context.Context) (int64, error) {
	return s.client.HLen(ctx, s.key).Result()
}

// Purge drops every dead letter and returns how many there were.
func (s *DeadLetterStore) Purge(ctx context.Context) (int64, error) {
	var n *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		n = pipe.HLen(ctx, s.key)
		pipe.Del(ctx, s.key)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("webhook: purge dead letters: %w", err)
	}
	return n.Val(), nil
}

// Stats groups the dead letters by callback URL.
func (s *DeadLetterStore) Stats(ctx context.Context) (DeadLetterStats, error) {
	entries, err := s.List(ctx)
	if err != nil {
		return DeadLetterStats{}, err
	}
	stats := DeadLetterStats{Total: len(entries), ByURL: make(map[string]int)}
	for _, d := range entries {
		stats.ByURL[d.URL]++
		stats.TotalRetries += d.Attempts
		if stats.OldestEntry == nil || d.CreatedAt.Before(*stats.OldestEntry) {
			t := d.CreatedAt
			stats.OldestEntry = &t
		}
		if stats.NewestEntry == nil || d.CreatedAt.After(*stats.NewestEntry) {
			t := d.CreatedAt
			stats.NewestEntry = &t
		}
	}
	return stats, nil
}

func decodeDelivery(raw string) (*Delivery, error) {
	var d Delivery
	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		return nil, fmt.Errorf("webhook: decode dead letter: %w", err)
	}
	return &d, nil
}
