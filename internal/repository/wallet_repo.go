package repository

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/smsrelay/backend/internal/models"
)

type WalletRepo struct {
	pool *pgxpool.Pool
}

func NewWalletRepo(pool *pgxpool.Pool) *WalletRepo {
	return &WalletRepo{pool: pool}
}

func (r *WalletRepo) GetByUserID(ctx context.Context, userID uuid.UUID) (*models.Wallet, error) {
	var w models.Wallet
	err := r.pool.QueryRow(ctx, `
		SELECT user_id, balance_cents, total_earned_cents, total_withdrawn_cents, updated_at
		FROM wallets WHERE user_id = $1
	`, userID).Scan(&w.UserID, &w.BalanceCents, &w.TotalEarnedCents, &w.TotalWithdrawnCents, &w.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &w, nil
}

// GetForUpdate locks the user's wallet row, creating an empty wallet first if needed.
func (r *WalletRepo) GetForUpdate(ctx context.Context, tx pgx.Tx, userID uuid.UUID) (*models.Wallet, error) {
	if _, err := tx.Exec(ctx, `INSERT INTO wallets (user_id) VALUES ($1) ON CONFLICT (user_id) DO NOTHING`, userID); err != nil {
		return nil, err
	}
	var w models.Wallet
	err := tx.QueryRow(ctx, `
		SELECT user_id, balance_cents, total_earned_cents, total_withdrawn_cents, updated_at
		FROM wallets WHERE user_id = $1 FOR UPDATE
	`, userID).Scan(&w.UserID, &w.BalanceCents, &w.TotalEarnedCents, &w.TotalWithdrawnCents, &w.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &w, nil
}

// Credit adds amount to the balance. When earned is true the amount also
// counts toward total_earned (earnings and referral bonuses; not refunds).
func (r *WalletRepo) Credit(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount int64, earned bool) (newBalance int64, err error) {
	earnedDelta := int64(0)
	if earned {
		earnedDelta = amount
	}
	err = tx.QueryRow(ctx, `
		INSERT INTO wallets (user_id, balance_cents, total_earned_cents)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id) DO UPDATE
		SET balance_cents = wallets.balance_cents + EXCLUDED.balance_cents,
			total_earned_cents = wallets.total_earned_cents + EXCLUDED.total_earned_cents,
			updated_at = now()
		RETURNING balance_cents
	`, userID, amount, earnedDelta).Scan(&newBalance)
	return newBalance, err
}

// Debit subtracts amount only if the balance covers it; otherwise ErrNoMatch.
func (r *WalletRepo) Debit(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount int64) (newBalance int64, err error) {
	err = tx.QueryRow(ctx, `
		UPDATE wallets SET balance_cents = balance_cents - $1, updated_at = now()
		WHERE user_id = $2 AND balance_cents >= $1
		RETURNING balance_cents
	`, amount, userID).Scan(&newBalance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrNoMatch
	}
	return newBalance, err
}

// AddWithdrawn records a completed payout against total_withdrawn.
func (r *WalletRepo) AddWithdrawn(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount int64) error {
	tag, err := tx.Exec(ctx, `
		UPDATE wallets SET total_withdrawn_cents = total_withdrawn_cents + $1, updated_at = now()
		WHERE user_id = $2
	`, amount, userID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
