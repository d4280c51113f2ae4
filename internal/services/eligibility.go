package services

import (
	"time"
	_ "time/tzdata"

	"github.com/smsrelay/backend/internal/models"
)

const minutesPerDay = 24 * 60

// Eligible reports whether d may receive a task at now: it is online, inside
// its active-hours window and under its daily quota. It has no side effects
// and must be called fresh for every assignment decision.
func Eligible(d *models.Device, now time.Time) bool {
	if d == nil || !d.IsOnline {
		return false
	}
	if d.SentToday >= d.DailyLimit {
		return false
	}
	return InActiveWindow(d, now)
}

// InActiveWindow checks [start, end) in the device's local time. Equal bounds
// mean always active; start > end wraps past midnight. An unknown timezone
// falls back to UTC.
func InActiveWindow(d *models.Device, now time.Time) bool {
	start := d.ActiveHoursStart % minutesPerDay
	end := d.ActiveHoursEnd % minutesPerDay
	if start == end {
		return true
	}
	local := now.In(deviceLocation(d.Timezone))
	m := local.Hour()*60 + local.Minute()
	if start < end {
		return m >= start && m < end
	}
	return m >= start || m < end
}

func deviceLocation(tz string) *time.Location {
	if tz == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.UTC
	}
	return loc
}
