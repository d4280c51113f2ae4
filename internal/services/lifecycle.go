package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/smsrelay/backend/internal/apperr"
	"github.com/smsrelay/backend/internal/metrics"
	"github.com/smsrelay/backend/internal/models"
	"github.com/smsrelay/backend/internal/repository"
)

// EarningLedger credits a worker for a task inside the caller's transaction.
type EarningLedger interface {
	CreditEarning(ctx context.Context, tx pgx.Tx, userID, taskID uuid.UUID, amount int64) error
}

// ReferralScheduler queues a referral check in the caller's transaction, so
// the check exists exactly when the credit that prompted it commits.
type ReferralScheduler interface {
	ScheduleReferralCheck(ctx context.Context, tx pgx.Tx, userID uuid.UUID) error
}

// StatusReport is a worker's outcome report for one task.
type StatusReport struct {
	TaskID       uuid.UUID
	UserID       uuid.UUID
	DeviceID     uuid.UUID
	Status       models.TaskStatus
	ErrorMessage *string
}

// Lifecycle is the only writer of worker-reported task transitions.
type Lifecycle struct {
	Pool         TxBeginner
	Tasks        TaskStore
	Devices      DeviceStore
	Ledger       EarningLedger
	Referrals    ReferralScheduler
	EarningCents int64
	Logger       *slog.Logger
	Now          func() time.Time
}

func NewLifecycle(pool TxBeginner, tasks TaskStore, devices DeviceStore, ledger EarningLedger, referrals ReferralScheduler, earningCents int64, logger *slog.Logger) *Lifecycle {
	return &Lifecycle{
		Pool:         pool,
		Tasks:        tasks,
		Devices:      devices,
		Ledger:       ledger,
		Referrals:    referrals,
		EarningCents: earningCents,
		Logger:       logger,
		Now:          time.Now,
	}
}

// checkTransition applies the rejection rules in order: ownership, duplicate,
// terminal, then edge validity.
func checkTransition(task *models.Task, r StatusReport) error {
	if !task.AssignedTo(r.UserID, r.DeviceID) {
		return apperr.Forbidden(apperr.CodeNotAssignedWorker, "task is not assigned to this device")
	}
	if task.Status == r.Status {
		return apperr.Conflict(apperr.CodeDuplicateReport, fmt.Sprintf("task is already %s", task.Status))
	}
	if task.Status.Terminal() {
		return apperr.Conflict(apperr.CodeTerminalState, fmt.Sprintf("task is %s and can no longer change", task.Status))
	}
	if !task.Status.CanTransition(r.Status) {
		return apperr.Conflict(apperr.CodeInvalidTransition, fmt.Sprintf("cannot move task from %s to %s", task.Status, r.Status))
	}
	return nil
}

// ReportStatus applies a worker report. The status write, the earning
// credit, the quota increment and the referral check job commit together.
func (l *Lifecycle) ReportStatus(ctx context.Context, r StatusReport) (*models.Task, error) {
	switch r.Status {
	case models.TaskStatusSent, models.TaskStatusDelivered, models.TaskStatusFailed:
	default:
		return nil, apperr.Validation(apperr.CodeInvalidStatus, "status must be SENT, DELIVERED or FAILED")
	}

	tx, err := l.Pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	task, err := l.Tasks.GetByIDForUpdate(ctx, tx, r.TaskID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, apperr.NotFound(apperr.CodeTaskNotFound, "task not found")
	}
	if err != nil {
		return nil, fmt.Errorf("load task: %w", err)
	}
	if err := checkTransition(task, r); err != nil {
		metrics.StatusReports.WithLabelValues(string(r.Status), "rejected").Inc()
		return nil, err
	}

	now := l.Now()
	var errMsg *string
	if r.Status == models.TaskStatusFailed {
		errMsg = r.ErrorMessage
	}
	err = l.Tasks.UpdateStatus(ctx, tx, task.ID, task.Status, r.Status, now, errMsg)
	if errors.Is(err, repository.ErrNoMatch) {
		metrics.StatusReports.WithLabelValues(string(r.Status), "rejected").Inc()
		return nil, apperr.Conflict(apperr.CodeStatusChanged, "task status changed concurrently")
	}
	if err != nil {
		return nil, fmt.Errorf("update status: %w", err)
	}

	credited := false
	if r.Status.Earning() && !task.Status.Earning() {
		if err := l.Ledger.CreditEarning(ctx, tx, r.UserID, task.ID, l.EarningCents); err != nil {
			return nil, err
		}
		if err := l.Devices.IncrementSentToday(ctx, tx, r.DeviceID); err != nil {
			return nil, fmt.Errorf("increment sent_today: %w", err)
		}
		if l.Referrals != nil {
			if err := l.Referrals.ScheduleReferralCheck(ctx, tx, r.UserID); err != nil {
				return nil, fmt.Errorf("schedule referral check: %w", err)
			}
		}
		credited = true
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	metrics.StatusReports.WithLabelValues(string(r.Status), "applied").Inc()

	previous := task.Status
	task.Status = r.Status
	task.UpdatedAt = now
	switch r.Status {
	case models.TaskStatusSent:
		task.SentAt = &now
	case models.TaskStatusDelivered:
		task.DeliveredAt = &now
	case models.TaskStatusFailed:
		task.ErrorMessage = errMsg
	}
	l.Logger.Info("task status reported", "task_id", task.ID, "device_id", r.DeviceID, "from", previous, "to", r.Status, "credited", credited)
	return task, nil
}
