package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGIntegrationStore implements IntegrationStore backed by PostgreSQL.
type PGIntegrationStore struct {
	pool *pgxpool.Pool
}

func (s *PGIntegrationStore) UpsertIntegration(ctx context.Context, in InstalledIntegration) (*InstalledIntegration, error) {
	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO installed_integrations (id, workspace_id, user_id, integration, credentials, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW(), NOW())
		ON CONFLICT (workspace_id, integration) DO UPDATE
			SET user_id = EXCLUDED.user_id, credentials = EXCLUDED.credentials, updated_at = NOW()
		RETURNING id, workspace_id, user_id, integration, credentials, created_at, updated_at`,
		in.ID, in.WorkspaceID, in.UserID, in.Integration, []byte(in.Credentials))
	return scanIntegration(row)
}

func (s *PGIntegrationStore) GetIntegration(ctx context.Context, workspaceID, integration string) (*InstalledIntegration, error) {
	return scanIntegration(s.pool.QueryRow(ctx, `
		SELECT id, workspace_id, user_id, integration, credentials, created_at, updated_at
		FROM installed_integrations WHERE workspace_id = $1 AND integration = $2`, workspaceID, integration))
}

func scanIntegration(row pgx.Row) (*InstalledIntegration, error) {
	var (
		in    InstalledIntegration
		creds []byte
	)
	err := row.Scan(&in.ID, &in.WorkspaceID, &in.UserID, &in.Integration, &creds, &in.CreatedAt, &in.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan integration: %w", err)
	}
	in.Credentials = creds
	return &in, nil
}
