package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/smsrelay/backend/internal/models"
)

const transactionColumns = `id, user_id, type, amount_cents, status, related_task_id, method, details, failure_reason, provider_ref, created_at, updated_at`

// TransactionRepo stores ledger entries.
type TransactionRepo struct {
	pool *pgxpool.Pool
}

func NewTransactionRepo(pool *pgxpool.Pool) *TransactionRepo {
	return &TransactionRepo{pool: pool}
}

func scanTransaction(row rowScanner) (*models.Transaction, error) {
	var t models.Transaction
	err := row.Scan(&t.ID, &t.UserID, &t.Type, &t.AmountCents, &t.Status, &t.RelatedTaskID, &t.Method, &t.Details,
		&t.FailureReason, &t.ProviderRef, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// CreateTx inserts a ledger entry inside the given transaction. A second
// positive EARNING for the same task violates a unique index and fails.
func (r *TransactionRepo) CreateTx(ctx context.Context, tx pgx.Tx, t *models.Transaction) error {
	err := tx.QueryRow(ctx, `
		INSERT INTO transactions (id, user_id, type, amount_cents, status, related_task_id, method, details)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at, updated_at
	`, t.ID, t.UserID, string(t.Type), t.AmountCents, string(t.Status), t.RelatedTaskID, t.Method, t.Details).Scan(&t.CreatedAt, &t.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrNoMatch
	}
	return err
}

func (r *TransactionRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Transaction, error) {
	t, err := scanTransaction(r.pool.QueryRow(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = $1`, id))
	return t, notFound(err)
}

// HasEarningForTask reports whether a positive EARNING already exists for the task.
func (r *TransactionRepo) HasEarningForTask(ctx context.Context, tx pgx.Tx, taskID uuid.UUID) (bool, error) {
	var exists bool
	err := tx.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM transactions WHERE related_task_id = $1 AND type = 'EARNING' AND amount_cents > 0
		)
	`, taskID).Scan(&exists)
	return exists, err
}

// SetStatus moves a transaction from one status to another. ErrNoMatch means
// it was not in the expected status, e.g. already settled.
func (r *TransactionRepo) SetStatus(ctx context.Context, tx pgx.Tx, id uuid.UUID, from, to models.TransactionStatus, reason *string) (*models.Transaction, error) {
	t, err := scanTransaction(tx.QueryRow(ctx, `
		UPDATE transactions SET status = $3, failure_reason = COALESCE($4, failure_reason), updated_at = now()
		WHERE id = $1 AND status = $2
		RETURNING `+transactionColumns, id, string(from), string(to), reason))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNoMatch
	}
	return t, err
}

// Confirm records the provider reference of a PENDING withdrawal. Once set
// the withdrawal can only be completed, never failed. ErrNoMatch means it is
// not pending or was already confirmed.
func (r *TransactionRepo) Confirm(ctx context.Context, tx pgx.Tx, id uuid.UUID, ref string) error {
	tag, err := tx.Exec(ctx, `
		UPDATE transactions SET provider_ref = $2, updated_at = now()
		WHERE id = $1 AND status = 'PENDING' AND provider_ref IS NULL
	`, id, ref)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNoMatch
	}
	return nil
}

// FailUnconfirmed moves a PENDING withdrawal with no provider reference to
// FAILED. ErrNoMatch means it was settled or confirmed meanwhile.
func (r *TransactionRepo) FailUnconfirmed(ctx context.Context, tx pgx.Tx, id uuid.UUID, reason string) (*models.Transaction, error) {
	t, err := scanTransaction(tx.QueryRow(ctx, `
		UPDATE transactions SET status = 'FAILED', failure_reason = $2, updated_at = now()
		WHERE id = $1 AND status = 'PENDING' AND provider_ref IS NULL
		RETURNING `+transactionColumns, id, reason))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNoMatch
	}
	return t, err
}

// SumWithdrawalsSince totals PENDING and COMPLETED withdrawals created at or after since.
func (r *TransactionRepo) SumWithdrawalsSince(ctx context.Context, tx pgx.Tx, userID uuid.UUID, since time.Time) (int64, error) {
	var total int64
	err := tx.QueryRow(ctx, `
		SELECT COALESCE(SUM(amount_cents), 0)::bigint FROM transactions
		WHERE user_id = $1 AND type = 'WITHDRAWAL' AND status IN ('PENDING', 'COMPLETED') AND created_at >= $2
	`, userID, since).Scan(&total)
	return total, err
}

// CountEarnings counts the user's positive EARNING entries, one per credited task.
func (r *TransactionRepo) CountEarnings(ctx context.Context, tx pgx.Tx, userID uuid.UUID) (int, error) {
	var n int
	err := tx.QueryRow(ctx, `
		SELECT count(*) FROM transactions WHERE user_id = $1 AND type = 'EARNING' AND amount_cents > 0
	`, userID).Scan(&n)
	return n, err
}

func (r *TransactionRepo) ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]*models.Transaction, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+transactionColumns+` FROM transactions WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, t)
	}
	return list, rows.Err()
}

// ListPendingWithdrawalsBefore returns withdrawals still PENDING that were created before cutoff.
func (r *TransactionRepo) ListPendingWithdrawalsBefore(ctx context.Context, cutoff time.Time) ([]*models.Transaction, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+transactionColumns+` FROM transactions
		WHERE type = 'WITHDRAWAL' AND status = 'PENDING' AND created_at < $1
		ORDER BY created_at ASC
	`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, t)
	}
	return list, rows.Err()
}
