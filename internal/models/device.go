package models

import (
	"time"

	"github.com/google/uuid"
)

// Device is a worker phone. Registration lives in the device registry;
// this service reads eligibility fields and increments SentToday.
type Device struct {
	ID          uuid.UUID `json:"id"`
	OwnerUserID uuid.UUID `json:"owner_user_id"`
	IsOnline    bool      `json:"is_online"`
	DailyLimit  int       `json:"daily_limit"`
	SentToday   int       `json:"sent_today"`
	// Active hours are minutes after local midnight in Timezone; [start, end).
	ActiveHoursStart int       `json:"active_hours_start"`
	ActiveHoursEnd   int       `json:"active_hours_end"`
	Timezone         string    `json:"timezone"`
	LastSeen         time.Time `json:"last_seen"`
	QuotaResetOn     time.Time `json:"-"`
}

// RemainingQuota is how many more tasks the device may take today.
func (d *Device) RemainingQuota() int {
	if r := d.DailyLimit - d.SentToday; r > 0 {
		return r
	}
	return 0
}
