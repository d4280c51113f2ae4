package jobs

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// InsertReferralCheckTxFunc enqueues a ReferralCheck job within the given
// transaction. Provided by main using river.Client.InsertTx.
type InsertReferralCheckTxFunc func(ctx context.Context, tx pgx.Tx, args ReferralCheckArgs) error

// ScheduleReferralCheck satisfies services.ReferralScheduler.
func (f InsertReferralCheckTxFunc) ScheduleReferralCheck(ctx context.Context, tx pgx.Tx, userID uuid.UUID) error {
	if err := f(ctx, tx, ReferralCheckArgs{UserID: userID}); err != nil {
		return fmt.Errorf("insert referral check: %w", err)
	}
	return nil
}
