package memstore

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/smsrelay/backend/internal/models"
	"github.com/smsrelay/backend/internal/repository"
)

// ---------------------------------------------------------------------------
// Devices
// ---------------------------------------------------------------------------

type Devices struct{ s *Store }

func (s *Store) Devices() *Devices { return &Devices{s: s} }

func (r *Devices) Put(d *models.Device) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cp := *d
	r.s.devices[d.ID] = &cp
}

func (r *Devices) GetByID(_ context.Context, id uuid.UUID) (*models.Device, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	d, ok := r.s.devices[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (r *Devices) SetOnline(_ context.Context, id uuid.UUID, online bool, now time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	d, ok := r.s.devices[id]
	if !ok {
		return repository.ErrNotFound
	}
	d.IsOnline = online
	d.LastSeen = now
	return nil
}

func (r *Devices) Touch(_ context.Context, id uuid.UUID, now time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	d, ok := r.s.devices[id]
	if !ok {
		return repository.ErrNotFound
	}
	d.IsOnline = true
	d.LastSeen = now
	return nil
}

func (r *Devices) IncrementSentToday(_ context.Context, tx pgx.Tx, id uuid.UUID) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	d, ok := r.s.devices[id]
	if !ok {
		return repository.ErrNotFound
	}
	onRollback(tx, func() { d.SentToday-- })
	d.SentToday++
	return nil
}

func (r *Devices) ResetDailyCounters(_ context.Context, day time.Time) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	key := day.Format(time.DateOnly)
	var n int64
	for _, d := range r.s.devices {
		if d.QuotaResetOn.Format(time.DateOnly) >= key {
			continue
		}
		d.SentToday = 0
		d.QuotaResetOn, _ = time.Parse(time.DateOnly, key)
		n++
	}
	return n, nil
}

func (r *Devices) MarkStaleOffline(_ context.Context, cutoff time.Time) ([]uuid.UUID, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var ids []uuid.UUID
	for _, d := range r.s.devices {
		if d.IsOnline && d.LastSeen.Before(cutoff) {
			d.IsOnline = false
			ids = append(ids, d.ID)
		}
	}
	return ids, nil
}

// ---------------------------------------------------------------------------
// Wallets
// ---------------------------------------------------------------------------

type Wallets struct{ s *Store }

func (s *Store) Wallets() *Wallets { return &Wallets{s: s} }

func (r *Wallets) Put(w *models.Wallet) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cp := *w
	r.s.wallets[w.UserID] = &cp
}

func (r *Wallets) GetByUserID(_ context.Context, userID uuid.UUID) (*models.Wallet, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	w, ok := r.s.wallets[userID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *w
	return &cp, nil
}

func (r *Wallets) wallet(userID uuid.UUID) *models.Wallet {
	w, ok := r.s.wallets[userID]
	if !ok {
		w = &models.Wallet{UserID: userID}
		r.s.wallets[userID] = w
	}
	return w
}

func (r *Wallets) GetForUpdate(_ context.Context, tx pgx.Tx, userID uuid.UUID) (*models.Wallet, error) {
	r.s.lockRow(tx, "wallet:"+userID.String())
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cp := *r.wallet(userID)
	return &cp, nil
}

func (r *Wallets) Credit(_ context.Context, tx pgx.Tx, userID uuid.UUID, amount int64, earned bool) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	w := r.wallet(userID)
	onRollback(tx, func() {
		w.BalanceCents -= amount
		if earned {
			w.TotalEarnedCents -= amount
		}
	})
	w.BalanceCents += amount
	if earned {
		w.TotalEarnedCents += amount
	}
	return w.BalanceCents, nil
}

func (r *Wallets) Debit(_ context.Context, tx pgx.Tx, userID uuid.UUID, amount int64) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	w, ok := r.s.wallets[userID]
	if !ok || w.BalanceCents < amount {
		return 0, repository.ErrNoMatch
	}
	onRollback(tx, func() { w.BalanceCents += amount })
	w.BalanceCents -= amount
	return w.BalanceCents, nil
}

func (r *Wallets) AddWithdrawn(_ context.Context, tx pgx.Tx, userID uuid.UUID, amount int64) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	w, ok := r.s.wallets[userID]
	if !ok {
		return repository.ErrNotFound
	}
	onRollback(tx, func() { w.TotalWithdrawnCents -= amount })
	w.TotalWithdrawnCents += amount
	return nil
}

// ---------------------------------------------------------------------------
// Transactions
// ---------------------------------------------------------------------------

type Transactions struct{ s *Store }

func (s *Store) Transactions() *Transactions { return &Transactions{s: s} }

func (r *Transactions) CreateTx(_ context.Context, tx pgx.Tx, t *models.Transaction) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if t.Type == models.TxTypeEarning && t.AmountCents > 0 && t.RelatedTaskID != nil {
		for _, e := range r.s.txns {
			if e.Type == models.TxTypeEarning && e.AmountCents > 0 && e.RelatedTaskID != nil && *e.RelatedTaskID == *t.RelatedTaskID {
				return repository.ErrNoMatch
			}
		}
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	t.UpdatedAt = t.CreatedAt
	cp := *t
	r.s.txns = append(r.s.txns, &cp)
	onRollback(tx, func() { r.remove(cp.ID) })
	return nil
}

func (r *Transactions) remove(id uuid.UUID) {
	for i, t := range r.s.txns {
		if t.ID == id {
			r.s.txns = append(r.s.txns[:i], r.s.txns[i+1:]...)
			return
		}
	}
}

func (r *Transactions) GetByID(_ context.Context, id uuid.UUID) (*models.Transaction, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, t := range r.s.txns {
		if t.ID == id {
			cp := *t
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r *Transactions) HasEarningForTask(_ context.Context, _ pgx.Tx, taskID uuid.UUID) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, t := range r.s.txns {
		if t.Type == models.TxTypeEarning && t.AmountCents > 0 && t.RelatedTaskID != nil && *t.RelatedTaskID == taskID {
			return true, nil
		}
	}
	return false, nil
}

func (r *Transactions) SetStatus(_ context.Context, tx pgx.Tx, id uuid.UUID, from, to models.TransactionStatus, reason *string) (*models.Transaction, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, t := range r.s.txns {
		if t.ID != id {
			continue
		}
		if t.Status != from {
			return nil, repository.ErrNoMatch
		}
		r.keepForRollback(tx, t)
		t.Status = to
		if reason != nil {
			msg := *reason
			t.FailureReason = &msg
		}
		t.UpdatedAt = time.Now()
		cp := *t
		return &cp, nil
	}
	return nil, repository.ErrNoMatch
}

func (r *Transactions) Confirm(_ context.Context, tx pgx.Tx, id uuid.UUID, ref string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, t := range r.s.txns {
		if t.ID != id {
			continue
		}
		if t.Status != models.TxStatusPending || t.ProviderRef != nil {
			return repository.ErrNoMatch
		}
		r.keepForRollback(tx, t)
		t.ProviderRef = &ref
		t.UpdatedAt = time.Now()
		return nil
	}
	return repository.ErrNoMatch
}

func (r *Transactions) FailUnconfirmed(_ context.Context, tx pgx.Tx, id uuid.UUID, reason string) (*models.Transaction, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, t := range r.s.txns {
		if t.ID != id {
			continue
		}
		if t.Status != models.TxStatusPending || t.ProviderRef != nil {
			return nil, repository.ErrNoMatch
		}
		r.keepForRollback(tx, t)
		t.Status = models.TxStatusFailed
		t.FailureReason = &reason
		t.UpdatedAt = time.Now()
		cp := *t
		return &cp, nil
	}
	return nil, repository.ErrNoMatch
}

// keepForRollback restores t's mutable columns if tx rolls back.
func (r *Transactions) keepForRollback(tx pgx.Tx, t *models.Transaction) {
	status, reason, ref, updated := t.Status, t.FailureReason, t.ProviderRef, t.UpdatedAt
	onRollback(tx, func() {
		t.Status, t.FailureReason, t.ProviderRef, t.UpdatedAt = status, reason, ref, updated
	})
}

func (r *Transactions) SumWithdrawalsSince(_ context.Context, _ pgx.Tx, userID uuid.UUID, since time.Time) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var sum int64
	for _, t := range r.s.txns {
		if t.UserID == userID && t.Type == models.TxTypeWithdrawal && t.Status != models.TxStatusFailed && !t.CreatedAt.Before(since) {
			sum += t.AmountCents
		}
	}
	return sum, nil
}

func (r *Transactions) CountEarnings(_ context.Context, _ pgx.Tx, userID uuid.UUID) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	n := 0
	for _, t := range r.s.txns {
		if t.UserID == userID && t.Type == models.TxTypeEarning && t.AmountCents > 0 {
			n++
		}
	}
	return n, nil
}

func (r *Transactions) ListByUser(_ context.Context, userID uuid.UUID, limit int) ([]*models.Transaction, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*models.Transaction
	for i := len(r.s.txns) - 1; i >= 0 && len(out) < limit; i-- {
		if t := r.s.txns[i]; t.UserID == userID {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *Transactions) ListPendingWithdrawalsBefore(_ context.Context, cutoff time.Time) ([]*models.Transaction, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*models.Transaction
	for _, t := range r.s.txns {
		if t.Type == models.TxTypeWithdrawal && t.Status == models.TxStatusPending && t.CreatedAt.Before(cutoff) {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

// ByType returns a snapshot of entries of one type, oldest first.
func (r *Transactions) ByType(typ models.TransactionType) []*models.Transaction {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*models.Transaction
	for _, t := range r.s.txns {
		if t.Type == typ {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out
}

// Backdate shifts an entry's created_at, for sweep and daily-cap tests.
func (r *Transactions) Backdate(id uuid.UUID, at time.Time) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, t := range r.s.txns {
		if t.ID == id {
			t.CreatedAt = at
		}
	}
}

// ---------------------------------------------------------------------------
// Referrals
// ---------------------------------------------------------------------------

type Referrals struct{ s *Store }

func (s *Store) Referrals() *Referrals { return &Referrals{s: s} }

func (r *Referrals) Put(ref *models.Referral) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cp := *ref
	r.s.referrals[ref.ReferredID] = &cp
}

func (r *Referrals) GetByReferred(_ context.Context, _ pgx.Tx, referredID uuid.UUID) (*models.Referral, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	ref, ok := r.s.referrals[referredID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *ref
	return &cp, nil
}

func (r *Referrals) MarkBonusPaid(_ context.Context, tx pgx.Tx, id uuid.UUID) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, ref := range r.s.referrals {
		if ref.ID != id {
			continue
		}
		if ref.BonusPaid {
			return repository.ErrNoMatch
		}
		onRollback(tx, func() { ref.BonusPaid = false })
		ref.BonusPaid = true
		return nil
	}
	return repository.ErrNoMatch
}
