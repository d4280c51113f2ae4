package services

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/smsrelay/backend/internal/apperr"
	"github.com/smsrelay/backend/internal/ledger"
	"github.com/smsrelay/backend/internal/models"
)

const testEarningCents = 5

type lifecycleFixture struct {
	*fixture
	ledger    *ledger.Service
	lifecycle *Lifecycle
	referrals *stubReferrals
}

type stubReferrals struct {
	mu    sync.Mutex
	users []uuid.UUID
	err   error
}

func (s *stubReferrals) ScheduleReferralCheck(_ context.Context, _ pgx.Tx, userID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.users = append(s.users, userID)
	return nil
}

type failingLedger struct{ err error }

func (l failingLedger) CreditEarning(context.Context, pgx.Tx, uuid.UUID, uuid.UUID, int64) error {
	return l.err
}

func newLifecycleFixture(t *testing.T) *lifecycleFixture {
	t.Helper()
	f := newFixture(t)
	l := ledger.NewService(f.store.Wallets(), f.store.Transactions(), ledger.Limits{})
	refs := &stubReferrals{}
	lc := NewLifecycle(f.store, f.tasks, f.devices, l, refs, testEarningCents, discardLogger())
	lc.Now = f.clock
	return &lifecycleFixture{fixture: f, ledger: l, lifecycle: lc, referrals: refs}
}

// assigned creates a task and binds it to d.
func (f *lifecycleFixture) assigned(t *testing.T, d *models.Device) *models.Task {
	t.Helper()
	task := f.create(t, 1)
	got, err := f.tasks.Assign(ctx, task.ID, d.OwnerUserID, d.ID, f.now)
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}
	return got
}

func (f *lifecycleFixture) report(task *models.Task, d *models.Device, status models.TaskStatus) (*models.Task, error) {
	return f.lifecycle.ReportStatus(ctx, StatusReport{TaskID: task.ID, UserID: d.OwnerUserID, DeviceID: d.ID, Status: status})
}

func (f *lifecycleFixture) balance(t *testing.T, userID uuid.UUID) int64 {
	t.Helper()
	w, err := f.ledger.Wallet(ctx, userID)
	if err != nil {
		t.Fatalf("Wallet: %v", err)
	}
	return w.BalanceCents
}

func errCode(err error) string {
	var e *apperr.Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

func TestReportStatus_DeliveredTwiceCreditsOnce(t *testing.T) {
	f := newLifecycleFixture(t)
	d := f.addDevice()
	task := f.assigned(t, d)

	got, err := f.report(task, d, models.TaskStatusDelivered)
	if err != nil {
		t.Fatalf("first report: %v", err)
	}
	if got.Status != models.TaskStatusDelivered || got.DeliveredAt == nil {
		t.Errorf("task = %+v", got)
	}

	_, err = f.report(task, d, models.TaskStatusDelivered)
	if apperr.KindOf(err) != apperr.KindConflict || errCode(err) != apperr.CodeDuplicateReport {
		t.Fatalf("second report: got %v, want duplicate_report conflict", err)
	}

	if b := f.balance(t, d.OwnerUserID); b != testEarningCents {
		t.Errorf("balance = %d, want %d", b, testEarningCents)
	}
	if n := len(f.store.Transactions().ByType(models.TxTypeEarning)); n != 1 {
		t.Errorf("testEarningCents entries = %d, want 1", n)
	}
	dev, _ := f.devices.GetByID(ctx, d.ID)
	if dev.SentToday != 1 {
		t.Errorf("sent_today = %d, want 1", dev.SentToday)
	}
	if len(f.referrals.users) != 1 {
		t.Errorf("referral checks scheduled = %d, want 1", len(f.referrals.users))
	}
}

func TestReportStatus_SentThenDeliveredCreditsOnce(t *testing.T) {
	f := newLifecycleFixture(t)
	d := f.addDevice()
	task := f.assigned(t, d)

	if _, err := f.report(task, d, models.TaskStatusSent); err != nil {
		t.Fatalf("SENT: %v", err)
	}
	got, err := f.report(task, d, models.TaskStatusDelivered)
	if err != nil {
		t.Fatalf("DELIVERED: %v", err)
	}
	if got.Status != models.TaskStatusDelivered {
		t.Errorf("status = %s", got.Status)
	}
	if b := f.balance(t, d.OwnerUserID); b != testEarningCents {
		t.Errorf("balance = %d, want %d", b, testEarningCents)
	}
}

func TestReportStatus_ConcurrentReportsCreditOnce(t *testing.T) {
	f := newLifecycleFixture(t)
	d := f.addDevice()
	task := f.assigned(t, d)

	const reporters = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		applied int
	)
	for i := 0; i < reporters; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.report(task, d, models.TaskStatusDelivered)
			if err == nil {
				mu.Lock()
				applied++
				mu.Unlock()
				return
			}
			if apperr.KindOf(err) != apperr.KindConflict {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if applied != 1 {
		t.Errorf("applied = %d, want 1", applied)
	}
	if b := f.balance(t, d.OwnerUserID); b != testEarningCents {
		t.Errorf("balance = %d, want %d", b, testEarningCents)
	}
}

func TestReportStatus_Rejections(t *testing.T) {
	f := newLifecycleFixture(t)
	d := f.addDevice()
	other := f.addDevice()

	t.Run("not the assigned device", func(t *testing.T) {
		task := f.assigned(t, d)
		_, err := f.report(task, other, models.TaskStatusSent)
		if apperr.KindOf(err) != apperr.KindForbidden {
			t.Errorf("got %v, want forbidden", err)
		}
	})

	t.Run("terminal state", func(t *testing.T) {
		task := f.assigned(t, d)
		if _, err := f.report(task, d, models.TaskStatusFailed); err != nil {
			t.Fatalf("FAILED: %v", err)
		}
		_, err := f.report(task, d, models.TaskStatusDelivered)
		if errCode(err) != apperr.CodeTerminalState {
			t.Errorf("got %v, want terminal_state", err)
		}
	})

	t.Run("backwards edge", func(t *testing.T) {
		task := f.assigned(t, d)
		_, err := f.report(task, d, models.TaskStatusQueued)
		if apperr.KindOf(err) != apperr.KindValidation {
			t.Errorf("got %v, want validation", err)
		}
	})

	t.Run("unknown task", func(t *testing.T) {
		_, err := f.report(&models.Task{ID: uuid.New()}, d, models.TaskStatusSent)
		if apperr.KindOf(err) != apperr.KindNotFound {
			t.Errorf("got %v, want not found", err)
		}
	})

	t.Run("queued task has no owner", func(t *testing.T) {
		task := f.create(t, 1)
		_, err := f.report(task, d, models.TaskStatusSent)
		if apperr.KindOf(err) != apperr.KindForbidden {
			t.Errorf("got %v, want forbidden", err)
		}
	})
}

func TestReportStatus_FailedStoresMessageWithoutCredit(t *testing.T) {
	f := newLifecycleFixture(t)
	d := f.addDevice()
	task := f.assigned(t, d)

	msg := "SIM has no credit"
	got, err := f.lifecycle.ReportStatus(ctx, StatusReport{
		TaskID: task.ID, UserID: d.OwnerUserID, DeviceID: d.ID,
		Status: models.TaskStatusFailed, ErrorMessage: &msg,
	})
	if err != nil {
		t.Fatalf("ReportStatus: %v", err)
	}
	if got.ErrorMessage == nil || *got.ErrorMessage != msg {
		t.Errorf("error message = %v", got.ErrorMessage)
	}
	stored, _ := f.tasks.GetByID(ctx, task.ID)
	if stored.ErrorMessage == nil || *stored.ErrorMessage != msg {
		t.Errorf("stored error message = %v", stored.ErrorMessage)
	}
	if b := f.balance(t, d.OwnerUserID); b != 0 {
		t.Errorf("balance = %d, want 0", b)
	}
	if len(f.referrals.users) != 0 {
		t.Errorf("referral check scheduled for a failed task")
	}
}

func TestReportStatus_SentAfterFailedIsRejected(t *testing.T) {
	f := newLifecycleFixture(t)
	d := f.addDevice()
	task := f.assigned(t, d)
	if _, err := f.report(task, d, models.TaskStatusSent); err != nil {
		t.Fatalf("SENT: %v", err)
	}
	if _, err := f.report(task, d, models.TaskStatusFailed); err != nil {
		t.Fatalf("FAILED after SENT: %v", err)
	}
	if _, err := f.report(task, d, models.TaskStatusSent); errCode(err) != apperr.CodeTerminalState {
		t.Errorf("got %v, want terminal_state", err)
	}
}

// assertUnchanged checks that a rolled-back report left no trace.
func (f *lifecycleFixture) assertUnchanged(t *testing.T, task *models.Task, d *models.Device) {
	t.Helper()
	stored, _ := f.tasks.GetByID(ctx, task.ID)
	if stored.Status != models.TaskStatusAssigned || stored.DeliveredAt != nil {
		t.Errorf("task after rollback = %+v, want ASSIGNED", stored)
	}
	dev, _ := f.devices.GetByID(ctx, d.ID)
	if dev.SentToday != 0 {
		t.Errorf("sent_today = %d, want 0", dev.SentToday)
	}
	if b := f.balance(t, d.OwnerUserID); b != 0 {
		t.Errorf("balance = %d, want 0", b)
	}
	if n := len(f.store.Transactions().ByType(models.TxTypeEarning)); n != 0 {
		t.Errorf("earning entries = %d, want 0", n)
	}
}

func TestReportStatus_CreditFailureRollsBack(t *testing.T) {
	f := newLifecycleFixture(t)
	d := f.addDevice()
	task := f.assigned(t, d)
	f.lifecycle.Ledger = failingLedger{err: errors.New("insert earning: connection reset")}

	if _, err := f.report(task, d, models.TaskStatusDelivered); err == nil {
		t.Fatal("expected error")
	}
	f.assertUnchanged(t, task, d)
	if len(f.referrals.users) != 0 {
		t.Errorf("referral check scheduled for a rolled-back report")
	}

	// The device can report again once the ledger recovers.
	f.lifecycle.Ledger = f.ledger
	if _, err := f.report(task, d, models.TaskStatusDelivered); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if b := f.balance(t, d.OwnerUserID); b != testEarningCents {
		t.Errorf("balance after retry = %d, want %d", b, testEarningCents)
	}
}

func TestReportStatus_ReferralScheduleFailureRollsBack(t *testing.T) {
	f := newLifecycleFixture(t)
	d := f.addDevice()
	task := f.assigned(t, d)
	f.referrals.err = errors.New("insert job: connection reset")

	if _, err := f.report(task, d, models.TaskStatusDelivered); err == nil {
		t.Fatal("expected error")
	}
	f.assertUnchanged(t, task, d)
}
