package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/smsrelay/backend/internal/models"
)

const taskColumns = `id, recipient, message, client_id, priority, status, assigned_user_id, assigned_device_id,
	assigned_at, sent_at, delivered_at, error_message, created_at, updated_at`

// assignedTaskColumns qualifies id, which is ambiguous when joined with a CTE.
const assignedTaskColumns = `t.id, t.recipient, t.message, t.client_id, t.priority, t.status, t.assigned_user_id, t.assigned_device_id,
	t.assigned_at, t.sent_at, t.delivered_at, t.error_message, t.created_at, t.updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*models.Task, error) {
	var t models.Task
	err := row.Scan(&t.ID, &t.Recipient, &t.Message, &t.ClientID, &t.Priority, &t.Status, &t.AssignedUserID, &t.AssignedDeviceID,
		&t.AssignedAt, &t.SentAt, &t.DeliveredAt, &t.ErrorMessage, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func collectTasks(rows pgx.Rows) ([]*models.Task, error) {
	defer rows.Close()
	var list []*models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, t)
	}
	return list, rows.Err()
}

// QueuedRef is the queue-hint view of a QUEUED task.
type QueuedRef struct {
	ID       uuid.UUID
	Priority int
}

// TaskRepo is the durable task store. Every status change is a
// compare-and-set on the current status.
type TaskRepo struct {
	pool *pgxpool.Pool
}

func NewTaskRepo(pool *pgxpool.Pool) *TaskRepo {
	return &TaskRepo{pool: pool}
}

func (r *TaskRepo) Create(ctx context.Context, t *models.Task) error {
	return r.pool.QueryRow(ctx, `
		INSERT INTO tasks (id, recipient, message, client_id, priority, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 'QUEUED', $6, $6)
		RETURNING created_at, updated_at
	`, t.ID, t.Recipient, t.Message, t.ClientID, t.Priority, t.CreatedAt).Scan(&t.CreatedAt, &t.UpdatedAt)
}

// CreateBatch inserts all tasks with a single COPY; either all rows land or none.
func (r *TaskRepo) CreateBatch(ctx context.Context, tasks []*models.Task) error {
	cols := []string{"id", "recipient", "message", "client_id", "priority", "status", "created_at", "updated_at"}
	n, err := r.pool.CopyFrom(ctx, pgx.Identifier{"tasks"}, cols, pgx.CopyFromSlice(len(tasks), func(i int) ([]any, error) {
		t := tasks[i]
		return []any{t.ID, t.Recipient, t.Message, t.ClientID, t.Priority, string(models.TaskStatusQueued), t.CreatedAt, t.CreatedAt}, nil
	}))
	if err != nil {
		return err
	}
	if int(n) != len(tasks) {
		return fmt.Errorf("copy tasks: wrote %d of %d rows", n, len(tasks))
	}
	for _, t := range tasks {
		t.UpdatedAt = t.CreatedAt
	}
	return nil
}

func (r *TaskRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Task, error) {
	t, err := scanTask(r.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id))
	return t, notFound(err)
}

// GetByIDForUpdate locks the task row for the rest of tx.
func (r *TaskRepo) GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Task, error) {
	t, err := scanTask(tx.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1 FOR UPDATE`, id))
	return t, notFound(err)
}

// Assign binds a QUEUED task to (userID, deviceID). Returns ErrNoMatch when
// the task is no longer QUEUED, e.g. it was taken by a concurrent pull.
func (r *TaskRepo) Assign(ctx context.Context, id, userID, deviceID uuid.UUID, now time.Time) (*models.Task, error) {
	t, err := scanTask(r.pool.QueryRow(ctx, `
		UPDATE tasks
		SET status = 'ASSIGNED', assigned_user_id = $2, assigned_device_id = $3, assigned_at = $4, updated_at = $4
		WHERE id = $1 AND status = 'QUEUED'
		RETURNING `+taskColumns, id, userID, deviceID, now))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNoMatch
	}
	return t, err
}

// AssignBatch selects up to limit QUEUED tasks by priority desc, age asc and
// assigns them all to the device in one statement. Rows locked by a
// concurrent pull are skipped rather than waited on.
func (r *TaskRepo) AssignBatch(ctx context.Context, userID, deviceID uuid.UUID, limit int, now time.Time) ([]*models.Task, error) {
	rows, err := r.pool.Query(ctx, `
		WITH picked AS (
			SELECT id FROM tasks
			WHERE status = 'QUEUED'
			ORDER BY priority DESC, created_at ASC, seq ASC
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
		UPDATE tasks t
		SET status = 'ASSIGNED', assigned_user_id = $1, assigned_device_id = $2, assigned_at = $3, updated_at = $3
		FROM picked
		WHERE t.id = picked.id AND t.status = 'QUEUED'
		RETURNING `+assignedTaskColumns, userID, deviceID, now, limit)
	if err != nil {
		return nil, err
	}
	return collectTasks(rows)
}

// ListAssignedToDevice returns tasks the device currently holds, in serving order.
func (r *TaskRepo) ListAssignedToDevice(ctx context.Context, deviceID uuid.UUID) ([]*models.Task, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE assigned_device_id = $1 AND status = 'ASSIGNED'
		ORDER BY priority DESC, created_at ASC, seq ASC
	`, deviceID)
	if err != nil {
		return nil, err
	}
	return collectTasks(rows)
}

// Release returns an ASSIGNED task held by deviceID to QUEUED.
func (r *TaskRepo) Release(ctx context.Context, id, deviceID uuid.UUID, now time.Time) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE tasks
		SET status = 'QUEUED', assigned_user_id = NULL, assigned_device_id = NULL, assigned_at = NULL, updated_at = $3
		WHERE id = $1 AND status = 'ASSIGNED' AND assigned_device_id = $2
	`, id, deviceID, now)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNoMatch
	}
	return nil
}

// UpdateStatus moves a task from one status to another inside tx. The
// timestamp column matching the new status is stamped the first time only.
func (r *TaskRepo) UpdateStatus(ctx context.Context, tx pgx.Tx, id uuid.UUID, from, to models.TaskStatus, now time.Time, errMsg *string) error {
	tag, err := tx.Exec(ctx, `
		UPDATE tasks
		SET status = $3,
			sent_at = CASE WHEN $3 = 'SENT' AND sent_at IS NULL THEN $4 ELSE sent_at END,
			delivered_at = CASE WHEN $3 = 'DELIVERED' AND delivered_at IS NULL THEN $4 ELSE delivered_at END,
			error_message = COALESCE($5, error_message),
			updated_at = $4
		WHERE id = $1 AND status = $2
	`, id, string(from), string(to), now, errMsg)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNoMatch
	}
	return nil
}

// ReclaimStale resets every ASSIGNED task with assigned_at <= cutoff back to
// QUEUED and reports which device lost each one. A second run matches
// nothing already reclaimed.
func (r *TaskRepo) ReclaimStale(ctx context.Context, cutoff, now time.Time) ([]models.ReclaimedTask, error) {
	rows, err := r.pool.Query(ctx, `
		WITH stale AS (
			SELECT id, assigned_device_id FROM tasks
			WHERE status = 'ASSIGNED' AND assigned_at <= $1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE tasks t
		SET status = 'QUEUED', assigned_user_id = NULL, assigned_device_id = NULL, assigned_at = NULL, updated_at = $2
		FROM stale
		WHERE t.id = stale.id AND t.status = 'ASSIGNED'
		RETURNING t.id, t.priority, stale.assigned_device_id
	`, cutoff, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.ReclaimedTask
	for rows.Next() {
		var rt models.ReclaimedTask
		if err := rows.Scan(&rt.ID, &rt.Priority, &rt.PreviousDeviceID); err != nil {
			return nil, err
		}
		out = append(out, rt)
	}
	return out, rows.Err()
}

// ListQueued returns every QUEUED task id in serving order, for rebuilding the queue hint.
func (r *TaskRepo) ListQueued(ctx context.Context) ([]QueuedRef, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, priority FROM tasks WHERE status = 'QUEUED'
		ORDER BY priority DESC, created_at ASC, seq ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []QueuedRef
	for rows.Next() {
		var q QueuedRef
		if err := rows.Scan(&q.ID, &q.Priority); err != nil {
			return nil, err
		}
		out = append(out, q)
	}
	return out, rows.Err()
}
