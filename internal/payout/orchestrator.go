package payout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/smsrelay/backend/internal/apperr"
	"github.com/smsrelay/backend/internal/ledger"
	"github.com/smsrelay/backend/internal/metrics"
	"github.com/smsrelay/backend/internal/models"
)

const (
	settleAttempts = 3
	settleBackoff  = 200 * time.Millisecond
)

var _ Ledger = (*ledger.Service)(nil)

type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Ledger is the slice of the ledger service a withdrawal moves through.
type Ledger interface {
	Debit(ctx context.Context, tx pgx.Tx, w ledger.Withdrawal) (*models.Transaction, error)
	Confirm(ctx context.Context, tx pgx.Tx, txnID uuid.UUID, ref string) error
	Complete(ctx context.Context, tx pgx.Tx, txnID uuid.UUID) (*models.Transaction, error)
	Compensate(ctx context.Context, tx pgx.Tx, txnID uuid.UUID, reason string) (*models.Transaction, bool, error)
}

type PendingStore interface {
	ListPendingWithdrawalsBefore(ctx context.Context, cutoff time.Time) ([]*models.Transaction, error)
}

// Orchestrator runs a withdrawal end to end: debit and PENDING entry in one
// transaction, the provider call outside any transaction, then COMPLETED or
// a compensating re-credit. A provider timeout counts as a failure and is
// always compensated, accepting the risk of a payout the provider did make.
// A confirmed payout is recorded before it is completed, so the pending
// sweep finishes it instead of refunding it.
type Orchestrator struct {
	Pool     TxBeginner
	Ledger   Ledger
	Provider Provider
	Pending  PendingStore
	Timeout  time.Duration
	Logger   *slog.Logger
	Now      func() time.Time
}

func NewOrchestrator(pool TxBeginner, l Ledger, provider Provider, pending PendingStore, timeout time.Duration, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		Pool:     pool,
		Ledger:   l,
		Provider: provider,
		Pending:  pending,
		Timeout:  timeout,
		Logger:   logger,
		Now:      time.Now,
	}
}

// Withdraw returns the withdrawal in its terminal state. When the provider
// fails the FAILED entry is returned together with an ExternalProvider error.
func (o *Orchestrator) Withdraw(ctx context.Context, w ledger.Withdrawal) (*models.Transaction, error) {
	pending, err := o.debit(ctx, w)
	if err != nil {
		metrics.Withdrawals.WithLabelValues("rejected").Inc()
		return nil, err
	}
	log := o.Logger.With("transaction_id", pending.ID, "user_id", w.UserID, "amount_cents", w.AmountCents)

	callCtx, cancel := context.WithTimeout(ctx, o.Timeout)
	start := time.Now()
	ref, sendErr := o.Provider.Send(callCtx, Payout{
		Reference:   pending.ID,
		UserID:      w.UserID,
		AmountCents: w.AmountCents,
		Method:      w.Method,
		Details:     w.Details,
	})
	cancel()
	metrics.PayoutLatency.Observe(time.Since(start).Seconds())

	// Settlement must finish even if the caller has gone away.
	settleCtx := context.WithoutCancel(ctx)

	if sendErr == nil {
		err := o.settle(settleCtx, func(tx pgx.Tx) error {
			return o.Ledger.Confirm(settleCtx, tx, pending.ID, ref)
		})
		if err != nil {
			log.Error("payout sent but confirmation not recorded", "provider_ref", ref, "error", err)
			return nil, err
		}
		done, err := o.complete(settleCtx, pending.ID)
		if err != nil {
			log.Error("payout confirmed but withdrawal not completed, left for pending sweep", "provider_ref", ref, "error", err)
			return nil, err
		}
		metrics.Withdrawals.WithLabelValues(string(models.TxStatusCompleted)).Inc()
		log.Info("withdrawal completed", "provider_ref", ref)
		return done, nil
	}

	reason := failureReason(sendErr)
	failed, err := o.compensate(settleCtx, pending.ID, reason)
	if err != nil {
		log.Error("compensation failed, left for pending sweep", "reason", reason, "error", err)
		return nil, apperr.Internal("withdrawal could not be settled", err)
	}
	metrics.Withdrawals.WithLabelValues(string(models.TxStatusFailed)).Inc()
	log.Warn("withdrawal failed and compensated", "reason", reason, "error", sendErr)
	return failed, apperr.ExternalProvider("payout provider did not confirm the withdrawal; funds returned to wallet", sendErr)
}

func (o *Orchestrator) debit(ctx context.Context, w ledger.Withdrawal) (*models.Transaction, error) {
	tx, err := o.Pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	pending, err := o.Ledger.Debit(ctx, tx, w)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit debit: %w", err)
	}
	return pending, nil
}

func (o *Orchestrator) complete(ctx context.Context, txnID uuid.UUID) (*models.Transaction, error) {
	var out *models.Transaction
	err := o.settle(ctx, func(tx pgx.Tx) error {
		var err error
		out, err = o.Ledger.Complete(ctx, tx, txnID)
		return err
	})
	return out, err
}

func (o *Orchestrator) compensate(ctx context.Context, txnID uuid.UUID, reason string) (*models.Transaction, error) {
	var out *models.Transaction
	err := o.settle(ctx, func(tx pgx.Tx) error {
		t, _, err := o.Ledger.Compensate(ctx, tx, txnID, reason)
		out = t
		return err
	})
	return out, err
}

// settle runs fn in its own transaction, retrying persistence failures a
// bounded number of times. Business-rule errors are returned at once.
func (o *Orchestrator) settle(ctx context.Context, fn func(tx pgx.Tx) error) error {
	var err error
	for attempt := 1; attempt <= settleAttempts; attempt++ {
		err = o.settleOnce(ctx, fn)
		if err == nil {
			return nil
		}
		var appErr *apperr.Error
		if errors.As(err, &appErr) {
			return err
		}
		if attempt < settleAttempts {
			time.Sleep(time.Duration(attempt) * settleBackoff)
		}
	}
	return err
}

func (o *Orchestrator) settleOnce(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := o.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// SweepPending settles withdrawals that have been PENDING for longer than
// maxAge, e.g. after a crash between the debit and the provider reply. Those
// the provider confirmed are completed; the rest are compensated. It returns
// how many were settled.
func (o *Orchestrator) SweepPending(ctx context.Context, maxAge time.Duration) (int, error) {
	stuck, err := o.Pending.ListPendingWithdrawalsBefore(ctx, o.Now().Add(-maxAge))
	if err != nil {
		return 0, fmt.Errorf("list pending withdrawals: %w", err)
	}
	n := 0
	for _, t := range stuck {
		if t.ProviderRef != nil {
			if _, err := o.complete(ctx, t.ID); err != nil {
				o.Logger.Error("complete confirmed withdrawal", "transaction_id", t.ID, "error", err)
				continue
			}
			n++
			metrics.Withdrawals.WithLabelValues(string(models.TxStatusCompleted)).Inc()
			continue
		}
		var compensated bool
		err := o.settle(ctx, func(tx pgx.Tx) error {
			var err error
			_, compensated, err = o.Ledger.Compensate(ctx, tx, t.ID, "payout not confirmed in time")
			return err
		})
		if err != nil {
			o.Logger.Error("compensate stale withdrawal", "transaction_id", t.ID, "error", err)
			continue
		}
		if compensated {
			n++
			metrics.Withdrawals.WithLabelValues(string(models.TxStatusFailed)).Inc()
		}
	}
	if n > 0 {
		o.Logger.Info("stale withdrawals settled", "count", n, "max_age", maxAge)
	}
	return n, nil
}

func failureReason(err error) string {
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return "payout provider timed out"
	}
	return "payout provider error"
}
