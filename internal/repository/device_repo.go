package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/smsrelay/backend/internal/models"
)

const deviceColumns = `id, owner_user_id, is_online, daily_limit, sent_today, active_hours_start, active_hours_end,
	timezone, last_seen, quota_reset_on`

// DeviceRepo reads device eligibility fields and maintains online state and
// the daily counter. Registration itself belongs to the device registry.
type DeviceRepo struct {
	pool *pgxpool.Pool
}

func NewDeviceRepo(pool *pgxpool.Pool) *DeviceRepo {
	return &DeviceRepo{pool: pool}
}

func scanDevice(row rowScanner) (*models.Device, error) {
	var d models.Device
	err := row.Scan(&d.ID, &d.OwnerUserID, &d.IsOnline, &d.DailyLimit, &d.SentToday, &d.ActiveHoursStart, &d.ActiveHoursEnd,
		&d.Timezone, &d.LastSeen, &d.QuotaResetOn)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (r *DeviceRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Device, error) {
	d, err := scanDevice(r.pool.QueryRow(ctx, `SELECT `+deviceColumns+` FROM devices WHERE id = $1`, id))
	return d, notFound(err)
}

// SetOnline records an explicit online/offline transition and refreshes last_seen.
func (r *DeviceRepo) SetOnline(ctx context.Context, id uuid.UUID, online bool, now time.Time) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE devices SET is_online = $2, last_seen = $3, updated_at = $3 WHERE id = $1
	`, id, online, now)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Touch records a heartbeat. A heartbeat from an offline device brings it back online.
func (r *DeviceRepo) Touch(ctx context.Context, id uuid.UUID, now time.Time) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE devices SET last_seen = $2, is_online = TRUE, updated_at = $2 WHERE id = $1
	`, id, now)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// IncrementSentToday bumps the daily counter inside the caller's transaction.
func (r *DeviceRepo) IncrementSentToday(ctx context.Context, tx pgx.Tx, id uuid.UUID) error {
	tag, err := tx.Exec(ctx, `UPDATE devices SET sent_today = sent_today + 1, updated_at = now() WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ResetDailyCounters zeroes sent_today for devices not yet reset on day.
// Re-running it for the same day changes nothing.
func (r *DeviceRepo) ResetDailyCounters(ctx context.Context, day time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE devices SET sent_today = 0, quota_reset_on = $1::date, updated_at = now()
		WHERE quota_reset_on < $1::date
	`, day.Format(time.DateOnly))
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// MarkStaleOffline flips devices whose last heartbeat is older than cutoff to offline.
func (r *DeviceRepo) MarkStaleOffline(ctx context.Context, cutoff time.Time) ([]uuid.UUID, error) {
	rows, err := r.pool.Query(ctx, `
		UPDATE devices SET is_online = FALSE, updated_at = now()
		WHERE is_online AND last_seen < $1
		RETURNING id
	`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
