package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PGDomainStore implements DomainStore backed by PostgreSQL.
type PGDomainStore struct {
	pool *pgxpool.Pool
}

func (s *PGDomainStore) ListRegisteredDomains(ctx context.Context, slugs []string) ([]*RegisteredDomain, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, workspace_id, slug, expires_at, auto_renewal_disabled_at, created_at
		FROM registered_domains WHERE slug = ANY($1)
		ORDER BY expires_at ASC`, slugs)
	if err != nil {
		return nil, fmt.Errorf("list registered domains: %w", err)
	}
	defer rows.Close()

	var out []*RegisteredDomain
	for rows.Next() {
		var d RegisteredDomain
		if err := rows.Scan(&d.ID, &d.WorkspaceID, &d.Slug, &d.ExpiresAt, &d.AutoRenewalDisabledAt, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan registered domain: %w", err)
		}
		out = append(out, &d)
	}
	return out, rows.Err()
}

func (s *PGDomainStore) ExtendRegisteredDomains(ctx context.Context, slugs []string, expiresAt time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE registered_domains SET expires_at = $2, auto_renewal_disabled_at = NULL
		WHERE slug = ANY($1)`, slugs, expiresAt)
	if err != nil {
		return 0, fmt.Errorf("extend registered domains: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PGDomainStore) DisableAutoRenewal(ctx context.Context, slugs []string, at time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE registered_domains SET auto_renewal_disabled_at = $2 WHERE slug = ANY($1)`, slugs, at)
	if err != nil {
		return 0, fmt.Errorf("disable auto renewal: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PGDomainStore) ListVerifiedDomains(ctx context.Context, workspaceID string) ([]*Domain, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, workspace_id, slug, verified, "primary"
		FROM domains WHERE workspace_id = $1 AND verified
		ORDER BY slug`, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("list domains: %w", err)
	}
	defer rows.Close()

	var out []*Domain
	for rows.Next() {
		var d Domain
		if err := rows.Scan(&d.ID, &d.WorkspaceID, &d.Slug, &d.Verified, &d.Primary); err != nil {
			return nil, fmt.Errorf("scan domain: %w", err)
		}
		out = append(out, &d)
	}
	return out, rows.Err()
}

func (s *PGDomainStore) EnablePremiumDefaultDomain(ctx context.Context, workspaceID, slug string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO default_domains (workspace_id, slug, enabled) VALUES ($1, $2, TRUE)
		ON CONFLICT (workspace_id, slug) DO UPDATE SET enabled = TRUE`, workspaceID, slug)
	if err != nil {
		return fmt.Errorf("enable default domain: %w", err)
	}
	return nil
}
