package jobs

import (
	"log/slog"
	"time"

	"github.com/riverqueue/river"
)

// Schedule is how often each sweep runs.
type Schedule struct {
	ReclaimInterval   time.Duration
	ReconcileInterval time.Duration
	QuotaResetHour    int
	HeartbeatTimeout  time.Duration
	PendingTimeout    time.Duration
}

type DeviceSweeps interface {
	QuotaResetter
	StaleDeviceMarker
}

// Deps are the sweeps the workers call.
type Deps struct {
	Reclaimer Sweeper
	Queue     QueueReconciler
	Devices   DeviceSweeps
	Payouts   PendingSweeper
	Referrals ReferralEvaluator
	Logger    *slog.Logger
}

// dailyAt fires once a day at Hour:00 UTC.
type dailyAt struct {
	Hour int
}

func (d dailyAt) Next(current time.Time) time.Time {
	c := current.UTC()
	next := time.Date(c.Year(), c.Month(), c.Day(), d.Hour, 0, 0, 0, time.UTC)
	if !next.After(c) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

// DailyAt returns a schedule firing every day at hour (UTC).
func DailyAt(hour int) river.PeriodicSchedule {
	return dailyAt{Hour: hour}
}

// quotaResetArgs stamps the job with the UTC date of the latest boundary at
// or before now. A leader starting after a missed boundary therefore opens
// the day it missed, and a run before today's boundary repeats yesterday's
// reset, which the quota_reset_on guard turns into a no-op.
func quotaResetArgs(now time.Time, hour int) QuotaResetArgs {
	day := now.UTC().Add(-time.Duration(hour) * time.Hour)
	return QuotaResetArgs{Day: day.Format(time.DateOnly)}
}

// sweepEvery runs a sweep at half the timeout it enforces, never more often
// than once a minute.
func sweepEvery(timeout time.Duration) time.Duration {
	return max(timeout/2, time.Minute)
}

// Register adds every maintenance worker to workers.
func Register(workers *river.Workers, s Schedule, d Deps) {
	river.AddWorker(workers, NewReclaimWorker(d.Reclaimer))
	river.AddWorker(workers, NewReconcileQueueWorker(d.Queue))
	river.AddWorker(workers, NewReferralCheckWorker(d.Referrals, d.Logger))
	river.AddWorker(workers, NewQuotaResetWorker(d.Devices, d.Logger))
	river.AddWorker(workers, NewHeartbeatSweepWorker(d.Devices, s.HeartbeatTimeout, d.Logger))
	river.AddWorker(workers, NewPendingWithdrawalWorker(d.Payouts, s.PendingTimeout))
}

// PeriodicJobs returns the schedule for the river client config.
func PeriodicJobs(s Schedule) []*river.PeriodicJob {
	return []*river.PeriodicJob{
		river.NewPeriodicJob(
			river.PeriodicInterval(s.ReclaimInterval),
			func() (river.JobArgs, *river.InsertOpts) {
				return ReclaimArgs{}, nil
			},
			&river.PeriodicJobOpts{RunOnStart: true},
		),
		river.NewPeriodicJob(
			river.PeriodicInterval(s.ReconcileInterval),
			func() (river.JobArgs, *river.InsertOpts) {
				return ReconcileQueueArgs{}, nil
			},
			nil,
		),
		river.NewPeriodicJob(
			DailyAt(s.QuotaResetHour),
			func() (river.JobArgs, *river.InsertOpts) {
				return quotaResetArgs(time.Now(), s.QuotaResetHour), &river.InsertOpts{
					UniqueOpts: river.UniqueOpts{ByArgs: true},
				}
			},
			&river.PeriodicJobOpts{RunOnStart: true},
		),
		river.NewPeriodicJob(
			river.PeriodicInterval(sweepEvery(s.HeartbeatTimeout)),
			func() (river.JobArgs, *river.InsertOpts) {
				return HeartbeatSweepArgs{}, nil
			},
			nil,
		),
		river.NewPeriodicJob(
			river.PeriodicInterval(sweepEvery(s.PendingTimeout)),
			func() (river.JobArgs, *river.InsertOpts) {
				return PendingWithdrawalArgs{}, nil
			},
			&river.PeriodicJobOpts{RunOnStart: true},
		),
	}
}
