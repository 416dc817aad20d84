package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PGEventLedger implements EventLedger backed by PostgreSQL.
type PGEventLedger struct {
	pool *pgxpool.Pool
}

func (s *PGEventLedger) IsEventProcessed(ctx context.Context, id string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM processed_events WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("query processed event: %w", err)
	}
	return exists, nil
}

func (s *PGEventLedger) MarkEventProcessed(ctx context.Context, e ProcessedEvent) error {
	if e.ProcessedAt.IsZero() {
		e.ProcessedAt = time.Now()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO processed_events (id, type, processed_at) VALUES ($1, $2, $3)`,
		e.ID, e.Type, e.ProcessedAt)
	if err != nil {
		if isDuplicateError(err) {
			return fmt.Errorf("%w: event %s", ErrDuplicate, e.ID)
		}
		return fmt.Errorf("insert processed event: %w", err)
	}
	return nil
}
