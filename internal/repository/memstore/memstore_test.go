package memstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/smsrelay/backend/internal/models"
)

var ctx = context.Background()

func seed(t *testing.T) (*Store, *models.Task, *models.Device, uuid.UUID) {
	t.Helper()
	s := New()
	d := &models.Device{ID: uuid.New(), OwnerUserID: uuid.New(), DailyLimit: 10}
	s.Devices().Put(d)
	task := &models.Task{ID: uuid.New(), Status: models.TaskStatusAssigned, AssignedDeviceID: &d.ID, AssignedUserID: &d.OwnerUserID}
	s.Tasks().PutTask(task)
	s.Wallets().Put(&models.Wallet{UserID: d.OwnerUserID, BalanceCents: 100})
	return s, task, d, d.OwnerUserID
}

// write applies one of each tracked mutation through tx.
func write(t *testing.T, s *Store, tx pgx.Tx, task *models.Task, d *models.Device, user uuid.UUID) {
	t.Helper()
	now := time.Now()
	if err := s.Tasks().UpdateStatus(ctx, tx, task.ID, models.TaskStatusAssigned, models.TaskStatusDelivered, now, nil); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	if err := s.Devices().IncrementSentToday(ctx, tx, d.ID); err != nil {
		t.Fatalf("IncrementSentToday: %v", err)
	}
	if _, err := s.Wallets().Credit(ctx, tx, user, 5, true); err != nil {
		t.Fatalf("Credit: %v", err)
	}
	taskID := task.ID
	entry := &models.Transaction{ID: uuid.New(), UserID: user, Type: models.TxTypeEarning, AmountCents: 5, Status: models.TxStatusCompleted, RelatedTaskID: &taskID}
	if err := s.Transactions().CreateTx(ctx, tx, entry); err != nil {
		t.Fatalf("CreateTx: %v", err)
	}
}

func TestTx_RollbackUndoesWrites(t *testing.T) {
	s, task, d, user := seed(t)
	tx, err := s.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	write(t, s, tx, task, d, user)
	if err := tx.Rollback(ctx); err != nil {
		t.Fatalf("Rollback: %v", err)
	}

	got, _ := s.Tasks().GetByID(ctx, task.ID)
	if got.Status != models.TaskStatusAssigned || got.DeliveredAt != nil {
		t.Errorf("task = %+v, want ASSIGNED", got)
	}
	dev, _ := s.Devices().GetByID(ctx, d.ID)
	if dev.SentToday != 0 {
		t.Errorf("sent_today = %d, want 0", dev.SentToday)
	}
	w, _ := s.Wallets().GetByUserID(ctx, user)
	if w.BalanceCents != 100 || w.TotalEarnedCents != 0 {
		t.Errorf("wallet = %+v, want balance 100", w)
	}
	if n := len(s.Transactions().ByType(models.TxTypeEarning)); n != 0 {
		t.Errorf("earning entries = %d, want 0", n)
	}
}

func TestTx_CommitKeepsWrites(t *testing.T) {
	s, task, d, user := seed(t)
	tx, _ := s.Begin(ctx)
	write(t, s, tx, task, d, user)
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if err := tx.Rollback(ctx); !errors.Is(err, pgx.ErrTxClosed) {
		t.Errorf("Rollback after Commit = %v, want ErrTxClosed", err)
	}

	got, _ := s.Tasks().GetByID(ctx, task.ID)
	if got.Status != models.TaskStatusDelivered {
		t.Errorf("status = %s, want DELIVERED", got.Status)
	}
	if w, _ := s.Wallets().GetByUserID(ctx, user); w.BalanceCents != 105 {
		t.Errorf("balance = %d, want 105", w.BalanceCents)
	}
}

func TestTx_ForUpdateHoldsRowUntilEnd(t *testing.T) {
	s, task, _, _ := seed(t)
	first, _ := s.Begin(ctx)
	if _, err := s.Tasks().GetByIDForUpdate(ctx, first, task.ID); err != nil {
		t.Fatalf("GetByIDForUpdate: %v", err)
	}

	locked := make(chan struct{})
	go func() {
		second, _ := s.Begin(ctx)
		defer second.Rollback(ctx)
		_, _ = s.Tasks().GetByIDForUpdate(ctx, second, task.ID)
		close(locked)
	}()

	select {
	case <-locked:
		t.Fatal("second transaction got the row while the first held it")
	case <-time.After(50 * time.Millisecond):
	}
	if err := first.Commit(ctx); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	select {
	case <-locked:
	case <-time.After(time.Second):
		t.Fatal("row lock not released on commit")
	}
}

func TestTx_SetStatusRollback(t *testing.T) {
	s := New()
	user := uuid.New()
	entry := &models.Transaction{ID: uuid.New(), UserID: user, Type: models.TxTypeWithdrawal, AmountCents: 50, Status: models.TxStatusPending}
	if err := s.Transactions().CreateTx(ctx, NoopTx{}, entry); err != nil {
		t.Fatalf("CreateTx: %v", err)
	}

	tx, _ := s.Begin(ctx)
	if err := s.Transactions().Confirm(ctx, tx, entry.ID, "ref-1"); err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	if _, err := s.Transactions().SetStatus(ctx, tx, entry.ID, models.TxStatusPending, models.TxStatusCompleted, nil); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}
	_ = tx.Rollback(ctx)

	got, _ := s.Transactions().GetByID(ctx, entry.ID)
	if got.Status != models.TxStatusPending || got.ProviderRef != nil {
		t.Errorf("entry after rollback = %+v, want unconfirmed PENDING", got)
	}
}
