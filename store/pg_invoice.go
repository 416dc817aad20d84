package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const invoiceColumns = `id, workspace_id, program_id, number, type, amount, fee, total,
	status, failed_reason, failed_attempts, last_failed_charge_id, registered_domains, receipt_url,
	paid_at, created_at, updated_at`

// PGInvoiceStore implements InvoiceStore and PayoutStore backed by PostgreSQL.
type PGInvoiceStore struct {
	pool *pgxpool.Pool
}

func (s *PGInvoiceStore) GetInvoice(ctx context.Context, id string) (*Invoice, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE id = $1`, id)
	inv, err := scanInvoice(row)
	if err != nil {
		return nil, err
	}
	return inv, nil
}

func (s *PGInvoiceStore) CompleteInvoice(ctx context.Context, id, receiptURL string, paidAt time.Time) (*Invoice, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE invoices SET status = 'completed', receipt_url = $2, paid_at = $3, updated_at = NOW()
		WHERE id = $1 AND status <> 'completed'
		RETURNING `+invoiceColumns, id, receiptURL, paidAt)
	inv, err := scanInvoice(row)
	if errors.Is(err, ErrNotFound) {
		// Either missing or already completed.
		if _, getErr := s.GetInvoice(ctx, id); getErr == nil {
			return nil, ErrConflict
		}
	}
	return inv, err
}

func (s *PGInvoiceStore) FailInvoice(ctx context.Context, id, chargeID, reason string) (*Invoice, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE invoices SET status = 'failed', failed_reason = $3,
			failed_attempts = failed_attempts +
				CASE WHEN $2::text <> '' AND last_failed_charge_id = $2::text THEN 0 ELSE 1 END,
			last_failed_charge_id = $2::text, updated_at = NOW()
		WHERE id = $1
		RETURNING `+invoiceColumns, id, chargeID, reason)
	return scanInvoice(row)
}

func (s *PGInvoiceStore) ResetInvoiceForRetry(ctx context.Context, id string) (*Invoice, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE invoices SET status = 'pending', updated_at = NOW()
		WHERE id = $1 AND status = 'failed'
		RETURNING `+invoiceColumns, id)
	inv, err := scanInvoice(row)
	if errors.Is(err, ErrNotFound) {
		if _, getErr := s.GetInvoice(ctx, id); getErr == nil {
			return nil, ErrConflict
		}
	}
	return inv, err
}

func (s *PGInvoiceStore) RestoreFailedInvoice(ctx context.Context, id string) (*Invoice, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE invoices SET status = 'failed', updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
		RETURNING `+invoiceColumns, id)
	inv, err := scanInvoice(row)
	if errors.Is(err, ErrNotFound) {
		if _, getErr := s.GetInvoice(ctx, id); getErr == nil {
			return nil, ErrConflict
		}
	}
	return inv, err
}

func (s *PGInvoiceStore) CountOpenPayouts(ctx context.Context, invoiceID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM payouts WHERE invoice_id = $1 AND status <> 'completed'`,
		invoiceID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count payouts: %w", err)
	}
	return n, nil
}

func (s *PGInvoiceStore) RevertPayouts(ctx context.Context, invoiceID string) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE payouts SET status = 'pending', invoice_id = NULL, updated_at = NOW()
		WHERE invoice_id = $1`, invoiceID)
	if err != nil {
		return 0, fmt.Errorf("revert payouts: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func scanInvoice(row pgx.Row) (*Invoice, error) {
	var inv Invoice
	err := row.Scan(
		&inv.ID, &inv.WorkspaceID, &inv.ProgramID, &inv.Number, &inv.Type,
		&inv.Amount, &inv.Fee, &inv.Total, &inv.Status, &inv.FailedReason,
		&inv.FailedAttempts, &inv.LastFailedChargeID, &inv.RegisteredDomains, &inv.ReceiptURL,
		&inv.PaidAt, &inv.CreatedAt, &inv.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan invoice: %w", err)
	}
	return &inv, nil
}
