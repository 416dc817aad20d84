package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const workspaceColumns = `id, name, slug, plan, stripe_id, billing_cycle_start,
	payment_failed_at, limits, payouts_usage, folders_usage,
	onboarding_completed_at, created_at, updated_at`

// PGWorkspaceStore implements WorkspaceStore and WebhookStore backed by PostgreSQL.
type PGWorkspaceStore struct {
	pool *pgxpool.Pool
}

func (s *PGWorkspaceStore) GetWorkspace(ctx context.Context, id string) (*Workspace, error) {
	return scanWorkspace(s.pool.QueryRow(ctx,
		`SELECT `+workspaceColumns+` FROM workspaces WHERE id = $1`, id))
}

func (s *PGWorkspaceStore) GetWorkspaceByStripeID(ctx context.Context, stripeID string) (*Workspace, error) {
	return scanWorkspace(s.pool.QueryRow(ctx,
		`SELECT `+workspaceColumns+` FROM workspaces WHERE stripe_id = $1`, stripeID))
}

func (s *PGWorkspaceStore) ApplyPlan(ctx context.Context, id string, u PlanUpdate) (*Workspace, error) {
	limits, err := json.Marshal(u.Limits)
	if err != nil {
		return nil, fmt.Errorf("marshal limits: %w", err)
	}
	row := s.pool.QueryRow(ctx, `
		UPDATE workspaces SET
			plan = $2,
			limits = $3,
			stripe_id = COALESCE($4, stripe_id),
			billing_cycle_start = COALESCE($5, billing_cycle_start),
			payment_failed_at = CASE WHEN $6 THEN NULL ELSE payment_failed_at END,
			folders_usage = CASE WHEN $7 THEN 0 ELSE folders_usage END,
			updated_at = NOW()
		WHERE id = $1
		RETURNING `+workspaceColumns,
		id, u.Plan, limits, u.StripeID, u.BillingCycleStart, u.ClearPaymentFailed, u.ResetFoldersUsage)
	w, err := scanWorkspace(row)
	if err != nil {
		if isDuplicateError(err) {
			return nil, fmt.Errorf("%w: stripe id already linked", ErrDuplicate)
		}
		return nil, err
	}
	return w, nil
}

func (s *PGWorkspaceStore) DecrementPayoutsUsage(ctx context.Context, id string, amount int64) error {
	return s.exec(ctx, `UPDATE workspaces SET payouts_usage = payouts_usage - $2, updated_at = NOW() WHERE id = $1`,
		id, amount)
}

func (s *PGWorkspaceStore) SetPaymentFailed(ctx context.Context, id string, at *time.Time) error {
	return s.exec(ctx, `UPDATE workspaces SET payment_failed_at = $2, updated_at = NOW() WHERE id = $1`, id, at)
}

func (s *PGWorkspaceStore) CompleteOnboarding(ctx context.Context, id string, at time.Time) error {
	return s.exec(ctx, `
		UPDATE workspaces SET onboarding_completed_at = COALESCE(onboarding_completed_at, $2)
		WHERE id = $1`, id, at)
}

func (s *PGWorkspaceStore) ListWorkspaceUsers(ctx context.Context, id string, ownersOnly bool) ([]*User, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT u.id, u.name, u.email
		FROM users u JOIN workspace_users wu ON wu.user_id = u.id
		WHERE wu.workspace_id = $1 AND ($2 = FALSE OR wu.role = 'owner')
		ORDER BY u.email`, id, ownersOnly)
	if err != nil {
		return nil, fmt.Errorf("list workspace users: %w", err)
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.Name, &u.Email); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, &u)
	}
	return users, rows.Err()
}

func (s *PGWorkspaceStore) ListRestrictedTokenHashes(ctx context.Context, workspaceID string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT hashed_key FROM restricted_tokens WHERE workspace_id = $1 ORDER BY hashed_key`, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("list restricted tokens: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func (s *PGWorkspaceStore) DisableWorkspaceWebhooks(ctx context.Context, workspaceID string, at time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE webhooks SET disabled_at = $2 WHERE workspace_id = $1 AND disabled_at IS NULL`,
		workspaceID, at)
	if err != nil {
		return 0, fmt.Errorf("disable webhooks: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PGWorkspaceStore) exec(ctx context.Context, query string, args ...any) error {
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update workspace: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanWorkspace(row pgx.Row) (*Workspace, error) {
	var (
		w        Workspace
		stripeID *string
		limits   []byte
	)
	err := row.Scan(
		&w.ID, &w.Name, &w.Slug, &w.Plan, &stripeID, &w.BillingCycleStart,
		&w.PaymentFailedAt, &limits, &w.PayoutsUsage, &w.FoldersUsage,
		&w.OnboardingCompletedAt, &w.CreatedAt, &w.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan workspace: %w", err)
	}
	if stripeID != nil {
		w.StripeID = *stripeID
	}
	if len(limits) > 0 {
		if err := json.Unmarshal(limits, &w.Limits); err != nil {
			return nil, fmt.Errorf("decode limits: %w", err)
		}
	}
	return &w, nil
}
