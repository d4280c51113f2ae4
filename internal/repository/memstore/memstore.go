// Package memstore is an in-memory stand-in for the Postgres repositories.
// Every conditional update keeps the same compare-and-set contract and
// sentinel errors as the SQL it replaces, so service tests exercise the real
// race handling without a database. Writes apply immediately and are undone
// if the Tx from Begin rolls back; the ForUpdate reads hold a row lock until
// that Tx ends. Other readers see uncommitted writes.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/smsrelay/backend/internal/models"
	"github.com/smsrelay/backend/internal/repository"
)

// NoopTx satisfies pgx.Tx; only Commit and Rollback are ever called on it.
// Writes made through it cannot be rolled back.
type NoopTx struct{}

func (NoopTx) Begin(context.Context) (pgx.Tx, error) { return NoopTx{}, nil }
func (NoopTx) Commit(context.Context) error          { return nil }
func (NoopTx) Rollback(context.Context) error        { return nil }
func (NoopTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.NewCommandTag(""), nil
}
func (NoopTx) Query(context.Context, string, ...any) (pgx.Rows, error) { return nil, nil }
func (NoopTx) QueryRow(context.Context, string, ...any) pgx.Row        { return nil }
func (NoopTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	return 0, nil
}
func (NoopTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults { return nil }
func (NoopTx) LargeObjects() pgx.LargeObjects                         { return pgx.LargeObjects{} }
func (NoopTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	return nil, nil
}
func (NoopTx) Conn() *pgx.Conn { return nil }

// Tx is the transaction returned by Store.Begin.
type Tx struct {
	NoopTx
	s      *Store
	undo   []func()
	locks  map[string]*sync.Mutex
	closed bool
}

func (t *Tx) Commit(context.Context) error {
	if t.closed {
		return pgx.ErrTxClosed
	}
	t.end(false)
	return nil
}

// Rollback undoes the Tx's writes, newest first. Calling it after Commit
// returns pgx.ErrTxClosed, like the real driver.
func (t *Tx) Rollback(context.Context) error {
	if t.closed {
		return pgx.ErrTxClosed
	}
	t.end(true)
	return nil
}

func (t *Tx) end(rollback bool) {
	t.closed = true
	if rollback && len(t.undo) > 0 {
		t.s.mu.Lock()
		for i := len(t.undo) - 1; i >= 0; i-- {
			t.undo[i]()
		}
		t.s.mu.Unlock()
	}
	t.undo = nil
	for _, m := range t.locks {
		m.Unlock()
	}
	t.locks = nil
}

// onRollback registers fn to run if tx rolls back. The caller holds s.mu.
func onRollback(tx pgx.Tx, fn func()) {
	if t, ok := tx.(*Tx); ok {
		t.undo = append(t.undo, fn)
	}
}

// lockRow blocks until tx holds the lock for key. It must be called without
// s.mu held. Plain NoopTx callers take no lock.
func (s *Store) lockRow(tx pgx.Tx, key string) {
	t, ok := tx.(*Tx)
	if !ok {
		return
	}
	if _, held := t.locks[key]; held {
		return
	}
	s.rowMu.Lock()
	m, ok := s.rowLocks[key]
	if !ok {
		m = &sync.Mutex{}
		s.rowLocks[key] = m
	}
	s.rowMu.Unlock()
	m.Lock()
	if t.locks == nil {
		t.locks = make(map[string]*sync.Mutex)
	}
	t.locks[key] = m
}

// Store holds every table behind one mutex.
type Store struct {
	mu        sync.Mutex
	seq       int64
	tasks     map[uuid.UUID]*models.Task
	taskSeq   map[uuid.UUID]int64
	devices   map[uuid.UUID]*models.Device
	wallets   map[uuid.UUID]*models.Wallet
	txns      []*models.Transaction
	referrals map[uuid.UUID]*models.Referral

	rowMu    sync.Mutex
	rowLocks map[string]*sync.Mutex

	// FailBegin, when set, is returned by Begin to simulate an unavailable pool.
	FailBegin error
}

func New() *Store {
	return &Store{
		tasks:     make(map[uuid.UUID]*models.Task),
		taskSeq:   make(map[uuid.UUID]int64),
		devices:   make(map[uuid.UUID]*models.Device),
		wallets:   make(map[uuid.UUID]*models.Wallet),
		referrals: make(map[uuid.UUID]*models.Referral),
		rowLocks:  make(map[string]*sync.Mutex),
	}
}

func (s *Store) Begin(context.Context) (pgx.Tx, error) {
	if s.FailBegin != nil {
		return nil, s.FailBegin
	}
	return &Tx{s: s}, nil
}

func copyTask(t *models.Task) *models.Task {
	cp := *t
	return &cp
}

// ---------------------------------------------------------------------------
// Tasks
// ---------------------------------------------------------------------------

// Tasks implements the task repository contract.
type Tasks struct{ s *Store }

func (s *Store) Tasks() *Tasks { return &Tasks{s: s} }

func (r *Tasks) Create(_ context.Context, t *models.Task) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.insertTask(t)
	return nil
}

func (r *Tasks) CreateBatch(_ context.Context, tasks []*models.Task) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, t := range tasks {
		r.insertTask(t)
	}
	return nil
}

func (r *Tasks) insertTask(t *models.Task) {
	t.Status = models.TaskStatusQueued
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	t.UpdatedAt = t.CreatedAt
	r.s.seq++
	r.s.tasks[t.ID] = copyTask(t)
	r.s.taskSeq[t.ID] = r.s.seq
}

// PutTask stores a task as-is, for seeding arbitrary states.
func (r *Tasks) PutTask(t *models.Task) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.seq++
	r.s.tasks[t.ID] = copyTask(t)
	r.s.taskSeq[t.ID] = r.s.seq
}

func (r *Tasks) GetByID(_ context.Context, id uuid.UUID) (*models.Task, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	t, ok := r.s.tasks[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return copyTask(t), nil
}

func (r *Tasks) GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Task, error) {
	r.s.lockRow(tx, "task:"+id.String())
	return r.GetByID(ctx, id)
}

func (r *Tasks) Assign(_ context.Context, id, userID, deviceID uuid.UUID, now time.Time) (*models.Task, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	t, ok := r.s.tasks[id]
	if !ok || t.Status != models.TaskStatusQueued {
		return nil, repository.ErrNoMatch
	}
	r.assign(t, userID, deviceID, now)
	return copyTask(t), nil
}

func (r *Tasks) assign(t *models.Task, userID, deviceID uuid.UUID, now time.Time) {
	u, d, at := userID, deviceID, now
	t.Status = models.TaskStatusAssigned
	t.AssignedUserID = &u
	t.AssignedDeviceID = &d
	t.AssignedAt = &at
	t.UpdatedAt = now
}

// servingOrder sorts by priority desc, created_at asc, insertion asc.
func (r *Tasks) servingOrder(list []*models.Task) {
	sort.Slice(list, func(i, j int) bool {
		a, b := list[i], list[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return r.s.taskSeq[a.ID] < r.s.taskSeq[b.ID]
	})
}

func (r *Tasks) AssignBatch(_ context.Context, userID, deviceID uuid.UUID, limit int, now time.Time) ([]*models.Task, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var queued []*models.Task
	for _, t := range r.s.tasks {
		if t.Status == models.TaskStatusQueued {
			queued = append(queued, t)
		}
	}
	r.servingOrder(queued)
	if len(queued) > limit {
		queued = queued[:limit]
	}
	out := make([]*models.Task, 0, len(queued))
	for _, t := range queued {
		r.assign(t, userID, deviceID, now)
		out = append(out, copyTask(t))
	}
	return out, nil
}

func (r *Tasks) ListAssignedToDevice(_ context.Context, deviceID uuid.UUID) ([]*models.Task, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var list []*models.Task
	for _, t := range r.s.tasks {
		if t.Status == models.TaskStatusAssigned && t.AssignedDeviceID != nil && *t.AssignedDeviceID == deviceID {
			list = append(list, t)
		}
	}
	r.servingOrder(list)
	out := make([]*models.Task, len(list))
	for i, t := range list {
		out[i] = copyTask(t)
	}
	return out, nil
}

func (r *Tasks) Release(_ context.Context, id, deviceID uuid.UUID, now time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	t, ok := r.s.tasks[id]
	if !ok || t.Status != models.TaskStatusAssigned || t.AssignedDeviceID == nil || *t.AssignedDeviceID != deviceID {
		return repository.ErrNoMatch
	}
	unassign(t, now)
	return nil
}

func unassign(t *models.Task, now time.Time) {
	t.Status = models.TaskStatusQueued
	t.AssignedUserID = nil
	t.AssignedDeviceID = nil
	t.AssignedAt = nil
	t.UpdatedAt = now
}

func (r *Tasks) UpdateStatus(_ context.Context, tx pgx.Tx, id uuid.UUID, from, to models.TaskStatus, now time.Time, errMsg *string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	t, ok := r.s.tasks[id]
	if !ok || t.Status != from {
		return repository.ErrNoMatch
	}
	prev := *t
	onRollback(tx, func() { *t = prev })
	t.Status = to
	if to == models.TaskStatusSent && t.SentAt == nil {
		at := now
		t.SentAt = &at
	}
	if to == models.TaskStatusDelivered && t.DeliveredAt == nil {
		at := now
		t.DeliveredAt = &at
	}
	if errMsg != nil {
		msg := *errMsg
		t.ErrorMessage = &msg
	}
	t.UpdatedAt = now
	return nil
}

func (r *Tasks) ReclaimStale(_ context.Context, cutoff, now time.Time) ([]models.ReclaimedTask, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []models.ReclaimedTask
	for _, t := range r.s.tasks {
		if t.Status != models.TaskStatusAssigned || t.AssignedAt == nil || t.AssignedAt.After(cutoff) {
			continue
		}
		out = append(out, models.ReclaimedTask{ID: t.ID, Priority: t.Priority, PreviousDeviceID: *t.AssignedDeviceID})
		unassign(t, now)
	}
	return out, nil
}

func (r *Tasks) ListQueued(_ context.Context) ([]repository.QueuedRef, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var list []*models.Task
	for _, t := range r.s.tasks {
		if t.Status == models.TaskStatusQueued {
			list = append(list, t)
		}
	}
	r.servingOrder(list)
	out := make([]repository.QueuedRef, len(list))
	for i, t := range list {
		out[i] = repository.QueuedRef{ID: t.ID, Priority: t.Priority}
	}
	return out, nil
}
