// Package billingrun drives the asynchronous callers of the ledger engine:
// period calculation runs and credit expiry sweeps.
package billingrun

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	billingperioddomain "github.com/smallbiznis/ledgerd/internal/billingperiod/domain"
	"github.com/smallbiznis/ledgerd/internal/clock"
	creditdomain "github.com/smallbiznis/ledgerd/internal/credit/domain"
	"github.com/smallbiznis/ledgerd/internal/events"
	ledgerdomain "github.com/smallbiznis/ledgerd/internal/ledger/domain"
	"github.com/smallbiznis/ledgerd/internal/ratelimit"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	sweepBatchSize    = 100
	billingRunLockTTL = 5 * time.Minute
)

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Clock   clock.Clock
	Ledger  ledgerdomain.Service
	Outbox  *events.Outbox            `optional:"true"`
	Limiter *ratelimit.CommandLimiter `optional:"true"`
}

type Runner struct {
	db      *gorm.DB
	log     *zap.Logger
	genID   *snowflake.Node
	clock   clock.Clock
	ledger  ledgerdomain.Service
	outbox  *events.Outbox
	limiter *ratelimit.CommandLimiter
}

func NewRunner(p Params) *Runner {
	return &Runner{
		db:      p.DB,
		log:     p.Log.Named("billingrun"),
		genID:   p.GenID,
		clock:   p.Clock,
		ledger:  p.Ledger,
		outbox:  p.Outbox,
		limiter: p.Limiter,
	}
}

// RunOnce executes one sweep of both jobs. Failures on individual records
// are logged and skipped so one bad row cannot stall the sweep.
func (r *Runner) RunOnce(ctx context.Context) error {
	return errors.Join(
		r.ProcessDuePeriods(ctx),
		r.ExpireCredits(ctx),
	)
}

// ProcessDuePeriods closes billing periods whose window has ended, totals
// their unprocessed usage, and posts the batch to the ledger as one
// calculation run.
func (r *Runner) ProcessDuePeriods(ctx context.Context) error {
	now := r.clock.Now()

	var periods []billingperioddomain.BillingPeriod
	if err := r.db.WithContext(ctx).
		Where("status = ? AND end_at <= ?", string(billingperioddomain.PeriodStatusOpen), now).
		Order("end_at ASC").
		Limit(sweepBatchSize).
		Find(&periods).Error; err != nil {
		return err
	}

	for _, period := range periods {
		if err := r.processPeriod(ctx, period, now); err != nil {
			r.log.Error("billing period processing failed",
				zap.String("billing_period_id", period.ID.String()),
				zap.Error(err),
			)
		}
	}
	return nil
}

func (r *Runner) processPeriod(ctx context.Context, period billingperioddomain.BillingPeriod, now time.Time) error {
	orgKey := period.OrgID.String()
	if r.limiter != nil {
		token, acquired, err := r.limiter.TryLockBillingRun(ctx, orgKey, billingRunLockTTL)
		if err != nil {
			return err
		}
		if !acquired {
			// Another instance holds the org; it will pick this period up.
			return nil
		}
		defer func() {
			if err := r.limiter.ReleaseBillingRun(ctx, orgKey, token); err != nil {
				r.log.Warn("failed to release billing run lock", zap.String("org_id", orgKey), zap.Error(err))
			}
		}()
	}

	var pendingEvents []struct {
		ID     snowflake.ID
		Amount int64
	}
	if err := r.db.WithContext(ctx).
		Table("usage_events").
		Select("id", "amount").
		Where("org_id = ? AND livemode = ? AND billing_period_id = ? AND processed_at IS NULL", period.OrgID, period.Livemode, period.ID).
		Order("recorded_at ASC, id ASC").
		Find(&pendingEvents).Error; err != nil {
		return err
	}

	var total int64
	eventIDs := make([]snowflake.ID, 0, len(pendingEvents))
	for _, event := range pendingEvents {
		total += event.Amount
		eventIDs = append(eventIDs, event.ID)
	}

	calc := billingperioddomain.BillingPeriodCalculation{
		ID:              r.genID.Generate(),
		OrgID:           period.OrgID,
		Livemode:        period.Livemode,
		BillingPeriodID: period.ID,
		SubscriptionID:  period.SubscriptionID,
		TotalAmount:     total,
		Status:          billingperioddomain.CalculationStatusPending,
		CalculatedAt:    now,
		CreatedAt:       now,
	}
	if err := r.db.WithContext(ctx).Create(&calc).Error; err != nil {
		return err
	}

	if len(eventIDs) > 0 {
		_, err := r.ledger.ApplyCommand(ctx, ledgerdomain.BillingRunUsageProcessed{
			CommandHeader: ledgerdomain.CommandHeader{
				OrgID:          period.OrgID,
				Livemode:       period.Livemode,
				SubscriptionID: period.SubscriptionID,
				Description:    "billing run for period " + period.ID.String(),
			},
			CalculationRunID: calc.ID,
			UsageEventIDs:    eventIDs,
		})
		if err != nil {
			return err
		}

		if err := r.db.WithContext(ctx).
			Table("usage_events").
			Where("id IN ?", eventIDs).
			Update("processed_at", now).Error; err != nil {
			return err
		}
	}

	if err := r.db.WithContext(ctx).
		Model(&billingperioddomain.BillingPeriodCalculation{}).
		Where("id = ?", calc.ID).
		Update("status", string(billingperioddomain.CalculationStatusPosted)).Error; err != nil {
		return err
	}
	if err := r.db.WithContext(ctx).
		Model(&billingperioddomain.BillingPeriod{}).
		Where("id = ?", period.ID).
		Updates(map[string]any{
			"status":     string(billingperioddomain.PeriodStatusCalculated),
			"updated_at": now,
		}).Error; err != nil {
		return err
	}

	if r.outbox != nil {
		if err := r.outbox.Publish(ctx, events.Event{
			OrgID:    period.OrgID,
			Livemode: period.Livemode,
			Type:     events.EventBillingRunCompleted,
			Payload: map[string]any{
				"billing_period_id":  period.ID.String(),
				"calculation_run_id": calc.ID.String(),
				"total_amount":       total,
				"usage_events":       len(eventIDs),
			},
			DedupeKey: "billing_run:" + calc.ID.String(),
		}); err != nil {
			r.log.Warn("failed to publish billing run event", zap.Error(err))
		}
	}

	r.log.Info("billing period processed",
		zap.String("billing_period_id", period.ID.String()),
		zap.String("calculation_run_id", calc.ID.String()),
		zap.Int64("total_amount", total),
		zap.Int("usage_events", len(eventIDs)),
	)
	return nil
}

// ExpireCredits debits the unused remainder of grants past their expiry.
func (r *Runner) ExpireCredits(ctx context.Context) error {
	now := r.clock.Now()

	var grants []creditdomain.UsageCredit
	if err := r.db.WithContext(ctx).
		Where("status = ? AND expires_at IS NOT NULL AND expires_at <= ?", string(creditdomain.CreditStatusGranted), now).
		Order("expires_at ASC").
		Limit(sweepBatchSize).
		Find(&grants).Error; err != nil {
		return err
	}

	for _, grant := range grants {
		if err := r.expireGrant(ctx, grant, now); err != nil {
			r.log.Error("credit expiry failed",
				zap.String("usage_credit_id", grant.ID.String()),
				zap.Error(err),
			)
		}
	}
	return nil
}

func (r *Runner) expireGrant(ctx context.Context, grant creditdomain.UsageCredit, now time.Time) error {
	remaining, err := r.grantRemaining(ctx, grant.ID)
	if err != nil {
		return err
	}

	if remaining > 0 {
		_, err := r.ledger.ApplyCommand(ctx, ledgerdomain.CreditGrantExpired{
			CommandHeader: ledgerdomain.CommandHeader{
				OrgID:          grant.OrgID,
				Livemode:       grant.Livemode,
				SubscriptionID: grant.SubscriptionID,
				Description:    "credit grant expired",
			},
			UsageCreditID: grant.ID,
			ExpiredAmount: remaining,
		})
		if err != nil {
			return err
		}
	}

	if err := r.db.WithContext(ctx).
		Model(&creditdomain.UsageCredit{}).
		Where("id = ?", grant.ID).
		Updates(map[string]any{
			"status":     string(creditdomain.CreditStatusExpired),
			"updated_at": now,
		}).Error; err != nil {
		return err
	}

	if r.outbox != nil {
		if err := r.outbox.Publish(ctx, events.Event{
			OrgID:    grant.OrgID,
			Livemode: grant.Livemode,
			Type:     events.EventCreditGrantExpired,
			Payload: map[string]any{
				"usage_credit_id": grant.ID.String(),
				"expired_amount":  remaining,
			},
			DedupeKey: "credit_expired:" + grant.ID.String(),
		}); err != nil {
			r.log.Warn("failed to publish credit expiry event", zap.Error(err))
		}
	}
	return nil
}

func (r *Runner) grantRemaining(ctx context.Context, grantID snowflake.ID) (int64, error) {
	var granted int64
	if err := r.db.WithContext(ctx).
		Model(&ledgerdomain.LedgerEntry{}).
		Where("usage_credit_id = ? AND direction = ? AND discarded_at IS NULL", grantID, string(ledgerdomain.EntryDirectionCredit)).
		Select("COALESCE(SUM(amount), 0)").
		Scan(&granted).Error; err != nil {
		return 0, err
	}

	var applied int64
	if err := r.db.WithContext(ctx).
		Model(&creditdomain.CreditApplication{}).
		Where("usage_credit_id = ?", grantID).
		Select("COALESCE(SUM(amount), 0)").
		Scan(&applied).Error; err != nil {
		return 0, err
	}

	var debited int64
	if err := r.db.WithContext(ctx).
		Model(&ledgerdomain.LedgerEntry{}).
		Where("usage_credit_id = ? AND direction = ? AND discarded_at IS NULL", grantID, string(ledgerdomain.EntryDirectionDebit)).
		Select("COALESCE(SUM(amount), 0)").
		Scan(&debited).Error; err != nil {
		return 0, err
	}

	remaining := granted - applied - debited
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}
