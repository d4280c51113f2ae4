package services

import (
	"testing"
	"time"

	"github.com/smsrelay/backend/internal/models"
)

func at(hour, minute int) time.Time {
	return time.Date(2026, 3, 10, hour, minute, 0, 0, time.UTC)
}

func TestEligible(t *testing.T) {
	base := models.Device{IsOnline: true, DailyLimit: 10, SentToday: 3, ActiveHoursStart: 8 * 60, ActiveHoursEnd: 22 * 60}

	cases := []struct {
		name   string
		mutate func(d *models.Device)
		now    time.Time
		want   bool
	}{
		{name: "online in window under quota", mutate: func(*models.Device) {}, now: at(12, 0), want: true},
		{name: "offline", mutate: func(d *models.Device) { d.IsOnline = false }, now: at(12, 0), want: false},
		{name: "quota reached", mutate: func(d *models.Device) { d.SentToday = 10 }, now: at(12, 0), want: false},
		{name: "quota exceeded", mutate: func(d *models.Device) { d.SentToday = 11 }, now: at(12, 0), want: false},
		{name: "before window", mutate: func(*models.Device) {}, now: at(7, 59), want: false},
		{name: "window start inclusive", mutate: func(*models.Device) {}, now: at(8, 0), want: true},
		{name: "window end exclusive", mutate: func(*models.Device) {}, now: at(22, 0), want: false},
		{name: "equal bounds always active", mutate: func(d *models.Device) { d.ActiveHoursEnd = d.ActiveHoursStart }, now: at(3, 0), want: true},
		{name: "zero limit", mutate: func(d *models.Device) { d.DailyLimit = 0 }, now: at(12, 0), want: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := base
			tc.mutate(&d)
			if got := Eligible(&d, tc.now); got != tc.want {
				t.Errorf("Eligible = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestInActiveWindow_WrapsMidnight(t *testing.T) {
	d := &models.Device{ActiveHoursStart: 22 * 60, ActiveHoursEnd: 6 * 60}
	for _, tc := range []struct {
		now  time.Time
		want bool
	}{
		{at(23, 30), true},
		{at(2, 0), true},
		{at(6, 0), false},
		{at(12, 0), false},
		{at(22, 0), true},
	} {
		if got := InActiveWindow(d, tc.now); got != tc.want {
			t.Errorf("at %s: got %v, want %v", tc.now.Format("15:04"), got, tc.want)
		}
	}
}

func TestInActiveWindow_DeviceTimezone(t *testing.T) {
	d := &models.Device{ActiveHoursStart: 9 * 60, ActiveHoursEnd: 17 * 60, Timezone: "Asia/Tokyo"}
	// 01:00 UTC is 10:00 in Tokyo.
	if !InActiveWindow(d, at(1, 0)) {
		t.Error("expected 10:00 Tokyo to be inside 09:00-17:00")
	}
	// 12:00 UTC is 21:00 in Tokyo.
	if InActiveWindow(d, at(12, 0)) {
		t.Error("expected 21:00 Tokyo to be outside 09:00-17:00")
	}
}

func TestInActiveWindow_UnknownTimezoneFallsBackToUTC(t *testing.T) {
	d := &models.Device{ActiveHoursStart: 9 * 60, ActiveHoursEnd: 17 * 60, Timezone: "Mars/Olympus"}
	if !InActiveWindow(d, at(10, 0)) {
		t.Error("expected UTC evaluation for an unknown timezone")
	}
}
