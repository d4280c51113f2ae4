package services

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/smsrelay/backend/internal/models"
)

const dispatchTimeout = 10 * time.Second

// Pusher is the presence side of the push path.
type Pusher interface {
	Push(ctx context.Context, deviceID uuid.UUID, task *models.Task) bool
	Connected() []uuid.UUID
}

// Dispatcher pushes freshly queued work to devices with a live connection so
// they do not have to wait for their next poll.
type Dispatcher struct {
	Assigner *Assigner
	Presence Pusher
	// Announce, when set, fans a dispatch out to every node instead of
	// running it only on this one.
	Announce func(n int) error
	Logger   *slog.Logger
}

func NewDispatcher(assigner *Assigner, presence Pusher, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{Assigner: assigner, Presence: presence, Logger: logger}
}

// Notify reports that n tasks were queued. It returns immediately.
func (d *Dispatcher) Notify(n int) {
	if n <= 0 {
		return
	}
	if d.Announce != nil {
		err := d.Announce(n)
		if err == nil {
			return
		}
		d.Logger.Warn("dispatch announce failed, dispatching locally", "error", err)
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
		defer cancel()
		d.Dispatch(ctx, n)
	}()
}

// Dispatch offers up to limit tasks to locally connected devices, one at a
// time per device through the single-task pull. A task a device could not
// take is released and re-enqueued, leaving it for the pull path.
func (d *Dispatcher) Dispatch(ctx context.Context, limit int) int {
	delivered := 0
	for _, deviceID := range d.Presence.Connected() {
		if delivered >= limit || ctx.Err() != nil {
			break
		}
		dev, err := d.Assigner.Devices.GetByID(ctx, deviceID)
		if err != nil {
			d.Logger.Warn("dispatch: load device", "device_id", deviceID, "error", err)
			continue
		}
		task, err := d.Assigner.GetNextTask(ctx, dev.OwnerUserID, deviceID)
		if err != nil {
			d.Logger.Error("dispatch: assign", "device_id", deviceID, "error", err)
			continue
		}
		if task == nil {
			continue
		}
		if d.Presence.Push(ctx, deviceID, task) {
			delivered++
			continue
		}
		d.Logger.Info("push not delivered, releasing task", "task_id", task.ID, "device_id", deviceID)
		if err := d.Assigner.Release(ctx, task, deviceID); err != nil {
			d.Logger.Error("dispatch: release", "task_id", task.ID, "device_id", deviceID, "error", err)
		}
	}
	return delivered
}
