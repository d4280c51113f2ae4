package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/smsrelay/backend/internal/apperr"
	"github.com/smsrelay/backend/internal/config"
	"github.com/smsrelay/backend/internal/metrics"
	"github.com/smsrelay/backend/internal/models"
	"github.com/smsrelay/backend/internal/queue"
	"github.com/smsrelay/backend/internal/repository"
)

const MaxBulkTasks = 1000

var ErrDeviceNotFound = apperr.NotFound(apperr.CodeDeviceNotFound, "device not found")

// Assigner hands QUEUED tasks to devices. Every assignment is a
// compare-and-set in the task store, so two concurrent pulls never both win
// the same task; the queue only suggests which id to try next.
type Assigner struct {
	Tasks      TaskStore
	Devices    DeviceStore
	Queue      queue.Queue
	RoundLimit int
	Logger     *slog.Logger
	Now        func() time.Time
}

func NewAssigner(tasks TaskStore, devices DeviceStore, q queue.Queue, roundLimit int, logger *slog.Logger) *Assigner {
	if roundLimit <= 0 {
		roundLimit = config.DefaultRoundLimit
	}
	return &Assigner{Tasks: tasks, Devices: devices, Queue: q, RoundLimit: roundLimit, Logger: logger, Now: time.Now}
}

// device loads deviceID and checks it belongs to userID.
func (a *Assigner) device(ctx context.Context, userID, deviceID uuid.UUID) (*models.Device, error) {
	d, err := a.Devices.GetByID(ctx, deviceID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrDeviceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load device: %w", err)
	}
	if d.OwnerUserID != userID {
		return nil, ErrDeviceNotFound
	}
	return d, nil
}

// GetNextTask assigns the most urgent QUEUED task to the device, or returns
// nil when the device is ineligible or nothing is queued. It never blocks.
func (a *Assigner) GetNextTask(ctx context.Context, userID, deviceID uuid.UUID) (*models.Task, error) {
	d, err := a.device(ctx, userID, deviceID)
	if err != nil {
		return nil, err
	}
	now := a.Now()
	if !Eligible(d, now) {
		return nil, nil
	}
	for {
		id, ok, err := a.Queue.Dequeue(ctx)
		if err != nil {
			return nil, fmt.Errorf("dequeue: %w", err)
		}
		if !ok {
			return nil, nil
		}
		task, err := a.Tasks.Assign(ctx, id, userID, deviceID, now)
		if errors.Is(err, repository.ErrNoMatch) {
			metrics.AssignRaces.Inc()
			continue
		}
		if err != nil {
			a.restore(ctx, id)
			return nil, fmt.Errorf("assign task: %w", err)
		}
		metrics.TasksAssigned.WithLabelValues("single").Inc()
		a.Logger.Info("task assigned", "task_id", task.ID, "device_id", deviceID, "user_id", userID)
		return task, nil
	}
}

// restore puts a popped id back when assignment failed for a reason other
// than losing the race.
func (a *Assigner) restore(ctx context.Context, id uuid.UUID) {
	t, err := a.Tasks.GetByID(ctx, id)
	if err != nil || t.Status != models.TaskStatusQueued {
		return
	}
	if err := a.Queue.Enqueue(ctx, t.ID, t.Priority); err != nil {
		a.Logger.Warn("re-enqueue after failed assign", "task_id", id, "error", err)
	}
}

// GetBatchTasks returns the tasks the device already holds, or assigns up to
// roundLimit new ones in one atomic step. roundLimit 0 means the configured
// default. The batch never exceeds the device's remaining daily quota.
func (a *Assigner) GetBatchTasks(ctx context.Context, userID, deviceID uuid.UUID, roundLimit int) ([]*models.Task, error) {
	if roundLimit == 0 {
		roundLimit = a.RoundLimit
	}
	if roundLimit < config.MinRoundLimit || roundLimit > config.MaxRoundLimit {
		return nil, apperr.Validation(apperr.CodeInvalidRoundLimit,
			fmt.Sprintf("round_limit must be between %d and %d", config.MinRoundLimit, config.MaxRoundLimit))
	}
	d, err := a.device(ctx, userID, deviceID)
	if err != nil {
		return nil, err
	}

	held, err := a.Tasks.ListAssignedToDevice(ctx, deviceID)
	if err != nil {
		return nil, fmt.Errorf("list held tasks: %w", err)
	}
	if len(held) > 0 {
		return held, nil
	}

	now := a.Now()
	if !Eligible(d, now) {
		return []*models.Task{}, nil
	}
	limit := min(roundLimit, d.RemainingQuota())
	tasks, err := a.Tasks.AssignBatch(ctx, userID, deviceID, limit, now)
	if err != nil {
		return nil, fmt.Errorf("assign batch: %w", err)
	}
	sortServing(tasks)
	metrics.TasksAssigned.WithLabelValues("batch").Add(float64(len(tasks)))
	a.Logger.Info("batch assigned", "device_id", deviceID, "user_id", userID, "count", len(tasks))
	return tasks, nil
}

func sortServing(tasks []*models.Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		if tasks[i].Priority != tasks[j].Priority {
			return tasks[i].Priority > tasks[j].Priority
		}
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})
}

func validateNewTask(in models.NewTask) error {
	if strings.TrimSpace(in.Recipient) == "" {
		return apperr.Validation(apperr.CodeInvalidInput, "recipient is required")
	}
	if strings.TrimSpace(in.Message) == "" {
		return apperr.Validation(apperr.CodeInvalidInput, "message is required")
	}
	return nil
}

func (a *Assigner) newTask(in models.NewTask, now time.Time) *models.Task {
	return &models.Task{
		ID:        uuid.New(),
		Recipient: strings.TrimSpace(in.Recipient),
		Message:   in.Message,
		ClientID:  in.ClientID,
		Priority:  in.Priority,
		Status:    models.TaskStatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// CreateTask stores a QUEUED task and enqueues it as the final step.
func (a *Assigner) CreateTask(ctx context.Context, in models.NewTask) (*models.Task, error) {
	if err := validateNewTask(in); err != nil {
		return nil, err
	}
	task := a.newTask(in, a.Now())
	if err := a.Tasks.Create(ctx, task); err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	metrics.TasksCreated.Inc()
	a.enqueue(ctx, task)
	return task, nil
}

// BulkCreate validates every item before writing any, stores them all in one
// statement and enqueues them in input order.
func (a *Assigner) BulkCreate(ctx context.Context, in []models.NewTask) ([]*models.Task, error) {
	if len(in) == 0 {
		return nil, apperr.Validation(apperr.CodeInvalidInput, "tasks must not be empty")
	}
	if len(in) > MaxBulkTasks {
		return nil, apperr.Validation(apperr.CodeInvalidInput, fmt.Sprintf("at most %d tasks per request", MaxBulkTasks))
	}
	for i, item := range in {
		if err := validateNewTask(item); err != nil {
			var e *apperr.Error
			if errors.As(err, &e) {
				return nil, apperr.Validation(e.Code, fmt.Sprintf("tasks[%d]: %s", i, e.Message))
			}
			return nil, err
		}
	}
	now := a.Now()
	tasks := make([]*models.Task, len(in))
	for i, item := range in {
		tasks[i] = a.newTask(item, now)
	}
	if err := a.Tasks.CreateBatch(ctx, tasks); err != nil {
		return nil, fmt.Errorf("create tasks: %w", err)
	}
	metrics.TasksCreated.Add(float64(len(tasks)))
	for _, t := range tasks {
		a.enqueue(ctx, t)
	}
	return tasks, nil
}

// enqueue failures are logged, not returned: the task is already durable and
// the next Reconcile puts it back in the queue.
func (a *Assigner) enqueue(ctx context.Context, t *models.Task) {
	if err := a.Queue.Enqueue(ctx, t.ID, t.Priority); err != nil {
		a.Logger.Error("enqueue task", "task_id", t.ID, "error", err)
	}
}

// Release returns a task the device could not take back to QUEUED and
// re-enqueues it. It is a no-op if the device no longer holds the task.
func (a *Assigner) Release(ctx context.Context, task *models.Task, deviceID uuid.UUID) error {
	err := a.Tasks.Release(ctx, task.ID, deviceID, a.Now())
	if errors.Is(err, repository.ErrNoMatch) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("release task: %w", err)
	}
	a.enqueue(ctx, task)
	return nil
}

// Reconcile enqueues every QUEUED task in the store. Ids already queued keep
// their place, so it is safe to run while other nodes enqueue and dequeue.
func (a *Assigner) Reconcile(ctx context.Context) (int, error) {
	refs, err := a.Tasks.ListQueued(ctx)
	if err != nil {
		return 0, fmt.Errorf("list queued: %w", err)
	}
	for _, r := range refs {
		if err := a.Queue.Enqueue(ctx, r.ID, r.Priority); err != nil {
			return 0, fmt.Errorf("enqueue %s: %w", r.ID, err)
		}
	}
	return len(refs), nil
}

// Rehydrate fills the queue at startup.
func (a *Assigner) Rehydrate(ctx context.Context) (int, error) {
	return a.Reconcile(ctx)
}

func (a *Assigner) GetTask(ctx context.Context, id uuid.UUID) (*models.Task, error) {
	t, err := a.Tasks.GetByID(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, apperr.NotFound(apperr.CodeTaskNotFound, "task not found")
	}
	return t, err
}
