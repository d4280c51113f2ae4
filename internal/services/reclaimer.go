package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/smsrelay/backend/internal/metrics"
	"github.com/smsrelay/backend/internal/models"
	"github.com/smsrelay/backend/internal/queue"
)

type StaleTaskStore interface {
	ReclaimStale(ctx context.Context, cutoff, now time.Time) ([]models.ReclaimedTask, error)
}

// Canceller notifies a device that a task it held was taken back.
type Canceller interface {
	Cancel(ctx context.Context, deviceID, taskID uuid.UUID) bool
}

// Reclaimer returns tasks stuck in ASSIGNED past Timeout to QUEUED. A task
// assigned at T is reclaimed by any sweep at or after T+Timeout and never
// before. Sweeps are idempotent.
type Reclaimer struct {
	Tasks    StaleTaskStore
	Queue    queue.Queue
	Notifier Canceller
	Timeout  time.Duration
	Logger   *slog.Logger
	Now      func() time.Time
}

func NewReclaimer(tasks StaleTaskStore, q queue.Queue, notifier Canceller, timeout time.Duration, logger *slog.Logger) *Reclaimer {
	return &Reclaimer{Tasks: tasks, Queue: q, Notifier: notifier, Timeout: timeout, Logger: logger, Now: time.Now}
}

func (r *Reclaimer) Sweep(ctx context.Context) (int, error) {
	now := r.Now()
	reclaimed, err := r.Tasks.ReclaimStale(ctx, now.Add(-r.Timeout), now)
	if err != nil {
		return 0, fmt.Errorf("reclaim stale: %w", err)
	}
	for _, t := range reclaimed {
		if err := r.Queue.Enqueue(ctx, t.ID, t.Priority); err != nil {
			r.Logger.Error("re-enqueue reclaimed task", "task_id", t.ID, "error", err)
		}
		if r.Notifier != nil {
			r.Notifier.Cancel(ctx, t.PreviousDeviceID, t.ID)
		}
	}
	if len(reclaimed) > 0 {
		metrics.TasksReclaimed.Add(float64(len(reclaimed)))
		r.Logger.Info("stale assignments reclaimed", "count", len(reclaimed), "timeout", r.Timeout)
	}
	return len(reclaimed), nil
}
