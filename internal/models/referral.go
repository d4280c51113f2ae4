package models

import (
	"time"

	"github.com/google/uuid"
)

// Referral is created once per referred user. BonusPaid flips to true exactly once.
type Referral struct {
	ID                 uuid.UUID `json:"id"`
	ReferrerID         uuid.UUID `json:"referrer_id"`
	ReferredID         uuid.UUID `json:"referred_id"`
	ReferrerBonusCents int64     `json:"referrer_bonus_cents"`
	ReferredBonusCents int64     `json:"referred_bonus_cents"`
	BonusPaid          bool      `json:"bonus_paid"`
	CreatedAt          time.Time `json:"created_at"`
}
