package models

import (
	"time"

	"github.com/google/uuid"
)

// Wallet is owned by exactly one user and only changes inside ledger transactions.
type Wallet struct {
	UserID              uuid.UUID `json:"user_id"`
	BalanceCents        int64     `json:"balance_cents"`
	TotalEarnedCents    int64     `json:"total_earned_cents"`
	TotalWithdrawnCents int64     `json:"total_withdrawn_cents"`
	UpdatedAt           time.Time `json:"updated_at"`
}

type TransactionType string

const (
	TxTypeEarning       TransactionType = "EARNING"
	TxTypeWithdrawal    TransactionType = "WITHDRAWAL"
	TxTypeReferralBonus TransactionType = "REFERRAL_BONUS"
)

type TransactionStatus string

const (
	TxStatusPending   TransactionStatus = "PENDING"
	TxStatusCompleted TransactionStatus = "COMPLETED"
	TxStatusFailed    TransactionStatus = "FAILED"
)

// Transaction is a ledger entry backing a wallet change.
type Transaction struct {
	ID            uuid.UUID         `json:"id"`
	UserID        uuid.UUID         `json:"user_id"`
	Type          TransactionType   `json:"type"`
	AmountCents   int64             `json:"amount_cents"`
	Status        TransactionStatus `json:"status"`
	RelatedTaskID *uuid.UUID        `json:"related_task_id,omitempty"`
	Method        string            `json:"method,omitempty"`
	Details       string            `json:"details,omitempty"`
	FailureReason *string           `json:"failure_reason,omitempty"`
	// ProviderRef is set once the payout provider has confirmed a withdrawal.
	ProviderRef   *string           `json:"provider_ref,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}
