package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/smsrelay/backend/internal/apperr"
	"github.com/smsrelay/backend/internal/models"
	"github.com/smsrelay/backend/internal/repository"
)

var (
	// ErrInsufficientFunds is returned when the balance cannot cover a withdrawal.
	ErrInsufficientFunds = apperr.InsufficientFunds("wallet balance is below the requested amount")
	// ErrAlreadyCredited is returned when an EARNING for the task already exists.
	ErrAlreadyCredited = apperr.Conflict(apperr.CodeDuplicateReport, "task has already been credited")
	ErrBelowMinimum    = apperr.Validation(apperr.CodeBelowMinimum, "amount is below the minimum withdrawal")
	ErrDailyCap        = apperr.LimitExceeded(apperr.CodeDailyCapExceeded, "daily withdrawal cap exceeded")
)

// WalletStore is the subset of the wallet repository used by the ledger.
type WalletStore interface {
	GetByUserID(ctx context.Context, userID uuid.UUID) (*models.Wallet, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, userID uuid.UUID) (*models.Wallet, error)
	Credit(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount int64, earned bool) (int64, error)
	Debit(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount int64) (int64, error)
	AddWithdrawn(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount int64) error
}

// TransactionStore is the subset of the transaction repository used by the ledger.
type TransactionStore interface {
	CreateTx(ctx context.Context, tx pgx.Tx, t *models.Transaction) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Transaction, error)
	HasEarningForTask(ctx context.Context, tx pgx.Tx, taskID uuid.UUID) (bool, error)
	SetStatus(ctx context.Context, tx pgx.Tx, id uuid.UUID, from, to models.TransactionStatus, reason *string) (*models.Transaction, error)
	Confirm(ctx context.Context, tx pgx.Tx, id uuid.UUID, ref string) error
	FailUnconfirmed(ctx context.Context, tx pgx.Tx, id uuid.UUID, reason string) (*models.Transaction, error)
	SumWithdrawalsSince(ctx context.Context, tx pgx.Tx, userID uuid.UUID, since time.Time) (int64, error)
	CountEarnings(ctx context.Context, tx pgx.Tx, userID uuid.UUID) (int, error)
	ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]*models.Transaction, error)
}

// Limits bound a single withdrawal request.
type Limits struct {
	MinWithdrawalCents int64
	DailyCapCents      int64
}

// Service owns every wallet mutation. Methods taking a pgx.Tx run inside the
// caller's transaction so the wallet change and its ledger entry commit together.
type Service struct {
	Wallets WalletStore
	Txns    TransactionStore
	Limits  Limits
	Now     func() time.Time
}

func NewService(wallets WalletStore, txns TransactionStore, limits Limits) *Service {
	return &Service{Wallets: wallets, Txns: txns, Limits: limits, Now: time.Now}
}

// CreditEarning credits amount for taskID once. The existence check runs in
// tx, next to the task status write; the unique index backs it up.
func (s *Service) CreditEarning(ctx context.Context, tx pgx.Tx, userID, taskID uuid.UUID, amount int64) error {
	exists, err := s.Txns.HasEarningForTask(ctx, tx, taskID)
	if err != nil {
		return fmt.Errorf("check earning: %w", err)
	}
	if exists {
		return ErrAlreadyCredited
	}
	entry := &models.Transaction{
		ID:            uuid.New(),
		UserID:        userID,
		Type:          models.TxTypeEarning,
		AmountCents:   amount,
		Status:        models.TxStatusCompleted,
		RelatedTaskID: &taskID,
	}
	if err := s.Txns.CreateTx(ctx, tx, entry); err != nil {
		if errors.Is(err, repository.ErrNoMatch) {
			return ErrAlreadyCredited
		}
		return fmt.Errorf("insert earning: %w", err)
	}
	if _, err := s.Wallets.Credit(ctx, tx, userID, amount, true); err != nil {
		return fmt.Errorf("credit wallet: %w", err)
	}
	return nil
}

// CreditBonus pays a completed REFERRAL_BONUS entry.
func (s *Service) CreditBonus(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount int64) error {
	if amount <= 0 {
		return nil
	}
	entry := &models.Transaction{
		ID:          uuid.New(),
		UserID:      userID,
		Type:        models.TxTypeReferralBonus,
		AmountCents: amount,
		Status:      models.TxStatusCompleted,
	}
	if err := s.Txns.CreateTx(ctx, tx, entry); err != nil {
		return fmt.Errorf("insert referral bonus: %w", err)
	}
	if _, err := s.Wallets.Credit(ctx, tx, userID, amount, true); err != nil {
		return fmt.Errorf("credit wallet: %w", err)
	}
	return nil
}

// CountEarnings returns how many tasks have credited the user.
func (s *Service) CountEarnings(ctx context.Context, tx pgx.Tx, userID uuid.UUID) (int, error) {
	return s.Txns.CountEarnings(ctx, tx, userID)
}

// Withdrawal describes a payout request.
type Withdrawal struct {
	UserID      uuid.UUID
	AmountCents int64
	Method      string
	Details     string
}

// Debit validates the request against the minimum, the daily cap and the
// balance, then debits the wallet and records a PENDING WITHDRAWAL. The
// wallet row stays locked for the rest of tx.
func (s *Service) Debit(ctx context.Context, tx pgx.Tx, w Withdrawal) (*models.Transaction, error) {
	if w.AmountCents < s.Limits.MinWithdrawalCents {
		return nil, ErrBelowMinimum
	}
	wallet, err := s.Wallets.GetForUpdate(ctx, tx, w.UserID)
	if err != nil {
		return nil, fmt.Errorf("lock wallet: %w", err)
	}
	if s.Limits.DailyCapCents > 0 {
		today, err := s.Txns.SumWithdrawalsSince(ctx, tx, w.UserID, startOfDay(s.Now()))
		if err != nil {
			return nil, fmt.Errorf("sum withdrawals: %w", err)
		}
		if today+w.AmountCents > s.Limits.DailyCapCents {
			return nil, ErrDailyCap
		}
	}
	if wallet.BalanceCents < w.AmountCents {
		return nil, ErrInsufficientFunds
	}
	if _, err := s.Wallets.Debit(ctx, tx, w.UserID, w.AmountCents); err != nil {
		if errors.Is(err, repository.ErrNoMatch) {
			return nil, ErrInsufficientFunds
		}
		return nil, fmt.Errorf("debit wallet: %w", err)
	}
	entry := &models.Transaction{
		ID:          uuid.New(),
		UserID:      w.UserID,
		Type:        models.TxTypeWithdrawal,
		AmountCents: w.AmountCents,
		Status:      models.TxStatusPending,
		Method:      w.Method,
		Details:     w.Details,
	}
	if err := s.Txns.CreateTx(ctx, tx, entry); err != nil {
		return nil, fmt.Errorf("insert withdrawal: %w", err)
	}
	return entry, nil
}

// Confirm stores the provider reference on a PENDING withdrawal. A confirmed
// withdrawal is never compensated.
func (s *Service) Confirm(ctx context.Context, tx pgx.Tx, txnID uuid.UUID, ref string) error {
	if err := s.Txns.Confirm(ctx, tx, txnID, ref); err != nil {
		if errors.Is(err, repository.ErrNoMatch) {
			return apperr.Conflict(apperr.CodeAlreadySettled, "withdrawal is no longer pending")
		}
		return fmt.Errorf("confirm withdrawal: %w", err)
	}
	return nil
}

// Complete marks a PENDING withdrawal COMPLETED and counts it as withdrawn.
func (s *Service) Complete(ctx context.Context, tx pgx.Tx, txnID uuid.UUID) (*models.Transaction, error) {
	t, err := s.Txns.SetStatus(ctx, tx, txnID, models.TxStatusPending, models.TxStatusCompleted, nil)
	if err != nil {
		if errors.Is(err, repository.ErrNoMatch) {
			return nil, apperr.Conflict(apperr.CodeAlreadySettled, "withdrawal is no longer pending")
		}
		return nil, fmt.Errorf("complete withdrawal: %w", err)
	}
	if err := s.Wallets.AddWithdrawn(ctx, tx, t.UserID, t.AmountCents); err != nil {
		return nil, fmt.Errorf("record withdrawn: %w", err)
	}
	return t, nil
}

// Compensate marks an unconfirmed PENDING withdrawal FAILED and re-credits
// the wallet. The re-credit only happens when this call performed the
// PENDING->FAILED move, so repeating it is harmless; compensated reports
// which case ran. A confirmed withdrawal is left alone.
func (s *Service) Compensate(ctx context.Context, tx pgx.Tx, txnID uuid.UUID, reason string) (t *models.Transaction, compensated bool, err error) {
	t, err = s.Txns.FailUnconfirmed(ctx, tx, txnID, reason)
	if errors.Is(err, repository.ErrNoMatch) {
		current, getErr := s.Txns.GetByID(ctx, txnID)
		if getErr != nil {
			return nil, false, fmt.Errorf("load withdrawal: %w", getErr)
		}
		return current, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("fail withdrawal: %w", err)
	}
	if _, err := s.Wallets.Credit(ctx, tx, t.UserID, t.AmountCents, false); err != nil {
		return nil, false, fmt.Errorf("re-credit wallet: %w", err)
	}
	return t, true, nil
}

func (s *Service) Wallet(ctx context.Context, userID uuid.UUID) (*models.Wallet, error) {
	w, err := s.Wallets.GetByUserID(ctx, userID)
	if errors.Is(err, repository.ErrNotFound) {
		return &models.Wallet{UserID: userID}, nil
	}
	return w, err
}

func (s *Service) Transactions(ctx context.Context, userID uuid.UUID, limit int) ([]*models.Transaction, error) {
	switch {
	case limit <= 0:
		limit = 50
	case limit > 200:
		limit = 200
	}
	return s.Txns.ListByUser(ctx, userID, limit)
}

func startOfDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
