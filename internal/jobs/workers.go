// Package jobs holds the periodic maintenance jobs. River runs them on the
// elected leader only, and every worker is an idempotent sweep, so a job
// that runs twice or late does no harm.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/riverqueue/river"
)

type ReclaimArgs struct{}

func (ReclaimArgs) Kind() string { return "reclaim_stale_tasks" }

type QuotaResetArgs struct {
	// Day is the UTC date being opened, YYYY-MM-DD.
	Day string `json:"day"`
}

func (QuotaResetArgs) Kind() string { return "reset_device_quotas" }

type HeartbeatSweepArgs struct{}

func (HeartbeatSweepArgs) Kind() string { return "sweep_device_heartbeats" }

type PendingWithdrawalArgs struct{}

func (PendingWithdrawalArgs) Kind() string { return "sweep_pending_withdrawals" }

type ReconcileQueueArgs struct{}

func (ReconcileQueueArgs) Kind() string { return "reconcile_task_queue" }

// ReferralCheckArgs is inserted in the transaction that credits UserID.
type ReferralCheckArgs struct {
	UserID uuid.UUID `json:"user_id"`
}

func (ReferralCheckArgs) Kind() string { return "evaluate_referral_bonus" }

// Sweeper is satisfied by services.Reclaimer.
type Sweeper interface {
	Sweep(ctx context.Context) (int, error)
}

type QuotaResetter interface {
	ResetDailyCounters(ctx context.Context, day time.Time) (int64, error)
}

type StaleDeviceMarker interface {
	MarkStaleOffline(ctx context.Context, cutoff time.Time) ([]uuid.UUID, error)
}

// QueueReconciler is satisfied by services.Assigner.
type QueueReconciler interface {
	Reconcile(ctx context.Context) (int, error)
}

// ReferralEvaluator is satisfied by services.ReferralBonus.
type ReferralEvaluator interface {
	Evaluate(ctx context.Context, userID uuid.UUID) (bool, error)
}

// PendingSweeper is satisfied by payout.Orchestrator.
type PendingSweeper interface {
	SweepPending(ctx context.Context, maxAge time.Duration) (int, error)
}

type ReclaimWorker struct {
	river.WorkerDefaults[ReclaimArgs]
	reclaimer Sweeper
}

func NewReclaimWorker(reclaimer Sweeper) *ReclaimWorker {
	return &ReclaimWorker{reclaimer: reclaimer}
}

func (w *ReclaimWorker) Work(ctx context.Context, _ *river.Job[ReclaimArgs]) error {
	if _, err := w.reclaimer.Sweep(ctx); err != nil {
		return fmt.Errorf("stale task sweep: %w", err)
	}
	return nil
}

type QuotaResetWorker struct {
	river.WorkerDefaults[QuotaResetArgs]
	devices QuotaResetter
	logger  *slog.Logger
	now     func() time.Time
}

func NewQuotaResetWorker(devices QuotaResetter, logger *slog.Logger) *QuotaResetWorker {
	return &QuotaResetWorker{devices: devices, logger: logger, now: time.Now}
}

// Work resets sent_today on every device not yet reset for the job's day.
// A job without a day resets for today.
func (w *QuotaResetWorker) Work(ctx context.Context, job *river.Job[QuotaResetArgs]) error {
	day := w.now().UTC().Truncate(24 * time.Hour)
	if job.Args.Day != "" {
		parsed, err := time.Parse(time.DateOnly, job.Args.Day)
		if err != nil {
			return river.JobCancel(fmt.Errorf("invalid day %q: %w", job.Args.Day, err))
		}
		day = parsed
	}
	n, err := w.devices.ResetDailyCounters(ctx, day)
	if err != nil {
		return fmt.Errorf("reset daily counters: %w", err)
	}
	w.logger.Info("device quotas reset", "day", day.Format(time.DateOnly), "devices", n)
	return nil
}

type HeartbeatSweepWorker struct {
	river.WorkerDefaults[HeartbeatSweepArgs]
	devices StaleDeviceMarker
	timeout time.Duration
	logger  *slog.Logger
	now     func() time.Time
}

func NewHeartbeatSweepWorker(devices StaleDeviceMarker, timeout time.Duration, logger *slog.Logger) *HeartbeatSweepWorker {
	return &HeartbeatSweepWorker{devices: devices, timeout: timeout, logger: logger, now: time.Now}
}

func (w *HeartbeatSweepWorker) Work(ctx context.Context, _ *river.Job[HeartbeatSweepArgs]) error {
	ids, err := w.devices.MarkStaleOffline(ctx, w.now().Add(-w.timeout))
	if err != nil {
		return fmt.Errorf("mark stale devices offline: %w", err)
	}
	if len(ids) > 0 {
		w.logger.Info("silent devices marked offline", "count", len(ids), "timeout", w.timeout)
	}
	return nil
}

type PendingWithdrawalWorker struct {
	river.WorkerDefaults[PendingWithdrawalArgs]
	payouts PendingSweeper
	maxAge  time.Duration
}

func NewPendingWithdrawalWorker(payouts PendingSweeper, maxAge time.Duration) *PendingWithdrawalWorker {
	return &PendingWithdrawalWorker{payouts: payouts, maxAge: maxAge}
}

func (w *PendingWithdrawalWorker) Work(ctx context.Context, _ *river.Job[PendingWithdrawalArgs]) error {
	if _, err := w.payouts.SweepPending(ctx, w.maxAge); err != nil {
		return fmt.Errorf("pending withdrawal sweep: %w", err)
	}
	return nil
}

type ReconcileQueueWorker struct {
	river.WorkerDefaults[ReconcileQueueArgs]
	queue QueueReconciler
}

func NewReconcileQueueWorker(queue QueueReconciler) *ReconcileQueueWorker {
	return &ReconcileQueueWorker{queue: queue}
}

func (w *ReconcileQueueWorker) Work(ctx context.Context, _ *river.Job[ReconcileQueueArgs]) error {
	if _, err := w.queue.Reconcile(ctx); err != nil {
		return fmt.Errorf("reconcile task queue: %w", err)
	}
	return nil
}

// ReferralCheckWorker pays a referral bonus once its threshold is met. A
// failed evaluation is retried by river; Evaluate pays at most once.
type ReferralCheckWorker struct {
	river.WorkerDefaults[ReferralCheckArgs]
	referrals ReferralEvaluator
	logger    *slog.Logger
}

func NewReferralCheckWorker(referrals ReferralEvaluator, logger *slog.Logger) *ReferralCheckWorker {
	return &ReferralCheckWorker{referrals: referrals, logger: logger}
}

func (w *ReferralCheckWorker) Work(ctx context.Context, job *river.Job[ReferralCheckArgs]) error {
	if job.Args.UserID == uuid.Nil {
		return river.JobCancel(errors.New("referral check without user"))
	}
	paid, err := w.referrals.Evaluate(ctx, job.Args.UserID)
	if err != nil {
		return fmt.Errorf("evaluate referral for %s: %w", job.Args.UserID, err)
	}
	if paid {
		w.logger.Info("referral check paid bonus", "user_id", job.Args.UserID)
	}
	return nil
}
