package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/smsrelay/backend/internal/models"
)

type ReferralRepo struct {
	pool *pgxpool.Pool
}

func NewReferralRepo(pool *pgxpool.Pool) *ReferralRepo {
	return &ReferralRepo{pool: pool}
}

// GetByReferred returns the inbound referral of a user, or ErrNotFound.
func (r *ReferralRepo) GetByReferred(ctx context.Context, tx pgx.Tx, referredID uuid.UUID) (*models.Referral, error) {
	var ref models.Referral
	err := tx.QueryRow(ctx, `
		SELECT id, referrer_id, referred_id, referrer_bonus_cents, referred_bonus_cents, bonus_paid, created_at
		FROM referrals WHERE referred_id = $1
	`, referredID).Scan(&ref.ID, &ref.ReferrerID, &ref.ReferredID, &ref.ReferrerBonusCents, &ref.ReferredBonusCents, &ref.BonusPaid, &ref.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &ref, nil
}

// MarkBonusPaid flips bonus_paid from false to true; ErrNoMatch if it was already paid.
func (r *ReferralRepo) MarkBonusPaid(ctx context.Context, tx pgx.Tx, id uuid.UUID) error {
	tag, err := tx.Exec(ctx, `UPDATE referrals SET bonus_paid = TRUE WHERE id = $1 AND bonus_paid = FALSE`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNoMatch
	}
	return nil
}
