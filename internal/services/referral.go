package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/smsrelay/backend/internal/metrics"
	"github.com/smsrelay/backend/internal/models"
	"github.com/smsrelay/backend/internal/repository"
)

type ReferralStore interface {
	GetByReferred(ctx context.Context, tx pgx.Tx, referredID uuid.UUID) (*models.Referral, error)
	MarkBonusPaid(ctx context.Context, tx pgx.Tx, id uuid.UUID) error
}

type BonusLedger interface {
	CountEarnings(ctx context.Context, tx pgx.Tx, userID uuid.UUID) (int, error)
	CreditBonus(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount int64) error
}

// ReferralBonus pays the one-time referral bonus once the referred user has
// been credited for Threshold tasks.
type ReferralBonus struct {
	Pool          TxBeginner
	Referrals     ReferralStore
	Ledger        BonusLedger
	Threshold     int
	ReferrerBonus int64
	ReferredBonus int64
	Logger        *slog.Logger
}

func NewReferralBonus(pool TxBeginner, referrals ReferralStore, ledger BonusLedger, threshold int, referrerBonus, referredBonus int64, logger *slog.Logger) *ReferralBonus {
	return &ReferralBonus{
		Pool:          pool,
		Referrals:     referrals,
		Ledger:        ledger,
		Threshold:     threshold,
		ReferrerBonus: referrerBonus,
		ReferredBonus: referredBonus,
		Logger:        logger,
	}
}

// Evaluate pays both sides of userID's inbound referral if it qualifies. The
// bonus_paid flip is a compare-and-set in the same transaction as the
// credits, so concurrent calls pay at most once. paid reports whether this
// call paid.
func (s *ReferralBonus) Evaluate(ctx context.Context, userID uuid.UUID) (paid bool, err error) {
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	ref, err := s.Referrals.GetByReferred(ctx, tx, userID)
	if errors.Is(err, repository.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load referral: %w", err)
	}
	if ref.BonusPaid {
		return false, nil
	}

	count, err := s.Ledger.CountEarnings(ctx, tx, userID)
	if err != nil {
		return false, fmt.Errorf("count earnings: %w", err)
	}
	if count < s.Threshold {
		return false, nil
	}

	if err := s.Referrals.MarkBonusPaid(ctx, tx, ref.ID); err != nil {
		if errors.Is(err, repository.ErrNoMatch) {
			return false, nil
		}
		return false, fmt.Errorf("mark bonus paid: %w", err)
	}

	referrerBonus, referredBonus := ref.ReferrerBonusCents, ref.ReferredBonusCents
	if referrerBonus == 0 {
		referrerBonus = s.ReferrerBonus
	}
	if referredBonus == 0 {
		referredBonus = s.ReferredBonus
	}
	if err := s.Ledger.CreditBonus(ctx, tx, ref.ReferrerID, referrerBonus); err != nil {
		return false, err
	}
	if err := s.Ledger.CreditBonus(ctx, tx, ref.ReferredID, referredBonus); err != nil {
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}

	metrics.ReferralBonuses.Inc()
	s.Logger.Info("referral bonus paid", "referral_id", ref.ID, "referrer_id", ref.ReferrerID, "user_id", userID, "deliveries", count)
	return true, nil
}
