package services

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/smsrelay/backend/internal/models"
	"github.com/smsrelay/backend/internal/repository"
)

// TxBeginner abstracts transaction creation so tests don't need a pgxpool.Pool.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// TaskStore is the task repository contract used by the services.
type TaskStore interface {
	Create(ctx context.Context, t *models.Task) error
	CreateBatch(ctx context.Context, tasks []*models.Task) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Task, error)
	GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Task, error)
	Assign(ctx context.Context, id, userID, deviceID uuid.UUID, now time.Time) (*models.Task, error)
	AssignBatch(ctx context.Context, userID, deviceID uuid.UUID, limit int, now time.Time) ([]*models.Task, error)
	ListAssignedToDevice(ctx context.Context, deviceID uuid.UUID) ([]*models.Task, error)
	Release(ctx context.Context, id, deviceID uuid.UUID, now time.Time) error
	UpdateStatus(ctx context.Context, tx pgx.Tx, id uuid.UUID, from, to models.TaskStatus, now time.Time, errMsg *string) error
	ReclaimStale(ctx context.Context, cutoff, now time.Time) ([]models.ReclaimedTask, error)
	ListQueued(ctx context.Context) ([]repository.QueuedRef, error)
}

// DeviceStore reads eligibility fields and bumps the daily counter.
type DeviceStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Device, error)
	IncrementSentToday(ctx context.Context, tx pgx.Tx, id uuid.UUID) error
}

var (
	_ TaskStore   = (*repository.TaskRepo)(nil)
	_ DeviceStore = (*repository.DeviceRepo)(nil)
)
