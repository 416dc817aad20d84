package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PGLinkStore implements LinkStore backed by PostgreSQL.
type PGLinkStore struct {
	pool *pgxpool.Pool
}

func (s *PGLinkStore) ListRootLinks(ctx context.Context, domains []string) ([]*Link, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, workspace_id, domain, key, url, created_at, updated_at
		FROM links WHERE key = $1 AND lower(domain) = ANY($2)`, RootKey, lowerAll(domains))
	if err != nil {
		return nil, fmt.Errorf("list root links: %w", err)
	}
	defer rows.Close()

	var out []*Link
	for rows.Next() {
		var l Link
		if err := rows.Scan(&l.ID, &l.WorkspaceID, &l.Domain, &l.Key, &l.URL, &l.CreatedAt, &l.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan link: %w", err)
		}
		out = append(out, &l)
	}
	return out, rows.Err()
}

func (s *PGLinkStore) ClearRootLinks(ctx context.Context, domains []string) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE links SET url = '', updated_at = NOW()
		WHERE key = $1 AND lower(domain) = ANY($2)`, RootKey, lowerAll(domains))
	if err != nil {
		return 0, fmt.Errorf("clear root links: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func lowerAll(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.ToLower(s)
	}
	return out
}
