package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	billingperioddomain "github.com/smallbiznis/ledgerd/internal/billingperiod/domain"
	creditdomain "github.com/smallbiznis/ledgerd/internal/credit/domain"
	ledgerdomain "github.com/smallbiznis/ledgerd/internal/ledger/domain"
	paymentdomain "github.com/smallbiznis/ledgerd/internal/payment/domain"
	"github.com/smallbiznis/ledgerd/internal/pricing"
	subscriptiondomain "github.com/smallbiznis/ledgerd/internal/subscription/domain"
	usagedomain "github.com/smallbiznis/ledgerd/internal/usage/domain"
	"gorm.io/gorm"
)

// buildEntries dispatches on the concrete command type. The switch is
// exhaustive over the sealed union; adding a variant without a case here is a
// compile-time hole the default branch turns into a loud failure.
func (s *Service) buildEntries(
	ctx context.Context,
	tx *gorm.DB,
	cmd ledgerdomain.Command,
	txnID snowflake.ID,
	now time.Time,
) ([]*ledgerdomain.LedgerEntry, *snowflake.ID, error) {
	switch c := cmd.(type) {
	case ledgerdomain.UsageEventProcessed:
		return s.entriesForUsageEvent(ctx, tx, c, txnID, now)
	case ledgerdomain.PaymentConfirmed:
		return s.entriesForPaymentConfirmed(ctx, tx, c, txnID, now)
	case ledgerdomain.PromoCreditGranted:
		return s.entriesForPromoCredit(ctx, tx, c, txnID, now)
	case ledgerdomain.BillingRunUsageProcessed:
		return s.entriesForBillingRunUsage(ctx, tx, c, txnID, now)
	case ledgerdomain.BillingRunCreditApplied:
		return s.entriesForBillingRunCredit(ctx, tx, c, txnID, now)
	case ledgerdomain.AdminCreditAdjusted:
		return s.entriesForAdminAdjustment(ctx, tx, c, txnID, now)
	case ledgerdomain.CreditGrantExpired:
		return s.entriesForCreditExpiry(ctx, tx, c, txnID, now)
	case ledgerdomain.PaymentRefunded:
		return s.entriesForRefund(ctx, tx, c, txnID, now)
	case ledgerdomain.BillingRecalculated:
		return s.entriesForRecalculation(ctx, tx, c, txnID, now)
	default:
		return nil, nil, ledgerdomain.NewValidationError("type", "unhandled command variant")
	}
}

func (s *Service) entriesForUsageEvent(
	ctx context.Context,
	tx *gorm.DB,
	cmd ledgerdomain.UsageEventProcessed,
	txnID snowflake.ID,
	now time.Time,
) ([]*ledgerdomain.LedgerEntry, *snowflake.ID, error) {
	header := cmd.Header()

	event, err := loadRecord[usagedomain.UsageEvent](ctx, tx, header, cmd.UsageEventID, "usage_event")
	if err != nil {
		return nil, nil, err
	}
	if event.SubscriptionID != header.SubscriptionID {
		return nil, nil, ledgerdomain.NewValidationError("subscription_id", "does not own the usage event")
	}

	meterID := event.UsageMeterID
	pricingModelID, err := s.resolveContext(ctx, tx, header, event.BillingPeriodID, &meterID)
	if err != nil {
		return nil, nil, err
	}

	consumption, err := s.newEntry(entryParams{
		txnID:          txnID,
		header:         header,
		pricingModelID: pricingModelID,
		timestamp:      event.RecordedAt,
		direction:      ledgerdomain.EntryDirectionDebit,
		entryType:      ledgerdomain.EntryTypeUsageConsumption,
		amount:         event.Amount,
		now:            now,
	})
	if err != nil {
		return nil, nil, err
	}
	consumption.UsageEventID = &event.ID
	consumption.UsageMeterID = &event.UsageMeterID
	consumption.BillingPeriodID = event.BillingPeriodID

	entries := []*ledgerdomain.LedgerEntry{consumption}
	for _, applicationID := range cmd.CreditApplicationIDs {
		application, err := loadRecord[creditdomain.CreditApplication](ctx, tx, header, applicationID, "credit_application")
		if err != nil {
			return nil, nil, err
		}
		applied, err := s.newEntry(entryParams{
			txnID:          txnID,
			header:         header,
			pricingModelID: pricingModelID,
			timestamp:      event.RecordedAt,
			direction:      ledgerdomain.EntryDirectionCredit,
			entryType:      ledgerdomain.EntryTypeCreditApplication,
			amount:         application.Amount,
			now:            now,
		})
		if err != nil {
			return nil, nil, err
		}
		applied.CreditApplicationID = &application.ID
		applied.AppliedToLedgerItemID = &consumption.ID
		applied.UsageMeterID = &event.UsageMeterID
		applied.BillingPeriodID = event.BillingPeriodID
		entries = append(entries, applied)
	}

	return entries, pricingModelID, nil
}

func (s *Service) entriesForPaymentConfirmed(
	ctx context.Context,
	tx *gorm.DB,
	cmd ledgerdomain.PaymentConfirmed,
	txnID snowflake.ID,
	now time.Time,
) ([]*ledgerdomain.LedgerEntry, *snowflake.ID, error) {
	header := cmd.Header()

	payment, err := loadRecord[paymentdomain.Payment](ctx, tx, header, cmd.PaymentID, "payment")
	if err != nil {
		return nil, nil, err
	}
	grant, err := loadRecord[creditdomain.UsageCredit](ctx, tx, header, cmd.UsageCreditID, "usage_credit")
	if err != nil {
		return nil, nil, err
	}
	if grant.PaymentID == nil || *grant.PaymentID != payment.ID {
		return nil, nil, ledgerdomain.NewValidationError("payload.usage_credit_id", "grant is not funded by the payment")
	}

	pricingModelID, err := s.resolveContext(ctx, tx, header, nil, nil)
	if err != nil {
		return nil, nil, err
	}

	timestamp := now
	if payment.ConfirmedAt != nil {
		timestamp = payment.ConfirmedAt.UTC()
	}

	entry, err := s.newEntry(entryParams{
		txnID:          txnID,
		header:         header,
		pricingModelID: pricingModelID,
		timestamp:      timestamp,
		direction:      ledgerdomain.EntryDirectionCredit,
		entryType:      ledgerdomain.EntryTypeCreditGrant,
		amount:         grant.Amount,
		now:            now,
	})
	if err != nil {
		return nil, nil, err
	}
	entry.UsageCreditID = &grant.ID

	return []*ledgerdomain.LedgerEntry{entry}, pricingModelID, nil
}

func (s *Service) entriesForPromoCredit(
	ctx context.Context,
	tx *gorm.DB,
	cmd ledgerdomain.PromoCreditGranted,
	txnID snowflake.ID,
	now time.Time,
) ([]*ledgerdomain.LedgerEntry, *snowflake.ID, error) {
	header := cmd.Header()

	grant, err := loadRecord[creditdomain.UsageCredit](ctx, tx, header, cmd.UsageCreditID, "usage_credit")
	if err != nil {
		return nil, nil, err
	}

	pricingModelID, err := s.resolveContext(ctx, tx, header, nil, nil)
	if err != nil {
		return nil, nil, err
	}

	entry, err := s.newEntry(entryParams{
		txnID:          txnID,
		header:         header,
		pricingModelID: pricingModelID,
		timestamp:      now,
		direction:      ledgerdomain.EntryDirectionCredit,
		entryType:      ledgerdomain.EntryTypePromoCreditGrant,
		amount:         grant.Amount,
		now:            now,
	})
	if err != nil {
		return nil, nil, err
	}
	entry.UsageCreditID = &grant.ID

	return []*ledgerdomain.LedgerEntry{entry}, pricingModelID, nil
}

func (s *Service) entriesForBillingRunUsage(
	ctx context.Context,
	tx *gorm.DB,
	cmd ledgerdomain.BillingRunUsageProcessed,
	txnID snowflake.ID,
	now time.Time,
) ([]*ledgerdomain.LedgerEntry, *snowflake.ID, error) {
	header := cmd.Header()

	run, err := loadRecord[billingperioddomain.BillingPeriodCalculation](ctx, tx, header, cmd.CalculationRunID, "billing_period_calculation")
	if err != nil {
		return nil, nil, err
	}

	var eventRows []usagedomain.UsageEvent
	if err := tx.WithContext(ctx).
		Where("org_id = ? AND livemode = ? AND id IN ?", header.OrgID, header.Livemode, cmd.UsageEventIDs).
		Find(&eventRows).Error; err != nil {
		return nil, nil, err
	}
	byID := make(map[snowflake.ID]usagedomain.UsageEvent, len(eventRows))
	for _, row := range eventRows {
		byID[row.ID] = row
	}

	pricingModelID, err := s.resolveContext(ctx, tx, header, &run.BillingPeriodID, nil)
	if err != nil {
		return nil, nil, err
	}

	entries := make([]*ledgerdomain.LedgerEntry, 0, len(cmd.UsageEventIDs))
	for _, eventID := range cmd.UsageEventIDs {
		event, ok := byID[eventID]
		if !ok {
			return nil, nil, ledgerdomain.NewNotFoundError("usage_event", eventID.String())
		}
		if event.SubscriptionID != header.SubscriptionID {
			return nil, nil, ledgerdomain.NewValidationError("subscription_id", "does not own the usage event")
		}
		entry, err := s.newEntry(entryParams{
			txnID:          txnID,
			header:         header,
			pricingModelID: pricingModelID,
			timestamp:      event.RecordedAt,
			direction:      ledgerdomain.EntryDirectionDebit,
			entryType:      ledgerdomain.EntryTypeUsageConsumption,
			amount:         event.Amount,
			now:            now,
		})
		if err != nil {
			return nil, nil, err
		}
		entry.UsageEventID = &event.ID
		entry.UsageMeterID = &event.UsageMeterID
		entry.BillingPeriodID = &run.BillingPeriodID
		entry.CalculationRunID = &run.ID
		entries = append(entries, entry)
	}

	return entries, pricingModelID, nil
}

func (s *Service) entriesForBillingRunCredit(
	ctx context.Context,
	tx *gorm.DB,
	cmd ledgerdomain.BillingRunCreditApplied,
	txnID snowflake.ID,
	now time.Time,
) ([]*ledgerdomain.LedgerEntry, *snowflake.ID, error) {
	header := cmd.Header()

	run, err := loadRecord[billingperioddomain.BillingPeriodCalculation](ctx, tx, header, cmd.CalculationRunID, "billing_period_calculation")
	if err != nil {
		return nil, nil, err
	}

	var grantRows []creditdomain.UsageCredit
	if err := tx.WithContext(ctx).
		Where("org_id = ? AND livemode = ? AND id IN ?", header.OrgID, header.Livemode, cmd.UsageCreditIDs).
		Find(&grantRows).Error; err != nil {
		return nil, nil, err
	}
	byID := make(map[snowflake.ID]creditdomain.UsageCredit, len(grantRows))
	for _, row := range grantRows {
		byID[row.ID] = row
	}

	pricingModelID, err := s.resolveContext(ctx, tx, header, &run.BillingPeriodID, nil)
	if err != nil {
		return nil, nil, err
	}

	entries := make([]*ledgerdomain.LedgerEntry, 0, len(cmd.UsageCreditIDs))
	for _, grantID := range cmd.UsageCreditIDs {
		grant, ok := byID[grantID]
		if !ok {
			return nil, nil, ledgerdomain.NewNotFoundError("usage_credit", grantID.String())
		}
		if grant.SubscriptionID != header.SubscriptionID {
			return nil, nil, ledgerdomain.NewValidationError("subscription_id", "does not own the usage credit")
		}
		entry, err := s.newEntry(entryParams{
			txnID:          txnID,
			header:         header,
			pricingModelID: pricingModelID,
			timestamp:      now,
			direction:      ledgerdomain.EntryDirectionCredit,
			entryType:      ledgerdomain.EntryTypeCreditGrant,
			amount:         grant.Amount,
			now:            now,
		})
		if err != nil {
			return nil, nil, err
		}
		entry.UsageCreditID = &grant.ID
		entry.BillingPeriodID = &run.BillingPeriodID
		entry.CalculationRunID = &run.ID
		entries = append(entries, entry)
	}

	return entries, pricingModelID, nil
}

func (s *Service) entriesForAdminAdjustment(
	ctx context.Context,
	tx *gorm.DB,
	cmd ledgerdomain.AdminCreditAdjusted,
	txnID snowflake.ID,
	now time.Time,
) ([]*ledgerdomain.LedgerEntry, *snowflake.ID, error) {
	header := cmd.Header()

	adjustment, err := loadRecord[creditdomain.BalanceAdjustment](ctx, tx, header, cmd.BalanceAdjustmentID, "balance_adjustment")
	if err != nil {
		return nil, nil, err
	}
	if adjustment.Amount == 0 {
		return nil, nil, ledgerdomain.ErrInvalidAmount
	}

	pricingModelID, err := s.resolveContext(ctx, tx, header, nil, nil)
	if err != nil {
		return nil, nil, err
	}

	direction := ledgerdomain.EntryDirectionCredit
	amount := adjustment.Amount
	if amount < 0 {
		direction = ledgerdomain.EntryDirectionDebit
		amount = -amount
	}

	entry, err := s.newEntry(entryParams{
		txnID:          txnID,
		header:         header,
		pricingModelID: pricingModelID,
		timestamp:      now,
		direction:      direction,
		entryType:      ledgerdomain.EntryTypeAdminAdjustment,
		amount:         amount,
		now:            now,
	})
	if err != nil {
		return nil, nil, err
	}
	entry.BalanceAdjustmentID = &adjustment.ID

	return []*ledgerdomain.LedgerEntry{entry}, pricingModelID, nil
}

func (s *Service) entriesForCreditExpiry(
	ctx context.Context,
	tx *gorm.DB,
	cmd ledgerdomain.CreditGrantExpired,
	txnID snowflake.ID,
	now time.Time,
) ([]*ledgerdomain.LedgerEntry, *snowflake.ID, error) {
	header := cmd.Header()

	grant, err := loadRecord[creditdomain.UsageCredit](ctx, tx, header, cmd.UsageCreditID, "usage_credit")
	if err != nil {
		return nil, nil, err
	}

	pricingModelID, err := s.resolveContext(ctx, tx, header, nil, nil)
	if err != nil {
		return nil, nil, err
	}

	entry, err := s.newEntry(entryParams{
		txnID:          txnID,
		header:         header,
		pricingModelID: pricingModelID,
		timestamp:      now,
		direction:      ledgerdomain.EntryDirectionDebit,
		entryType:      ledgerdomain.EntryTypeCreditExpiry,
		amount:         cmd.ExpiredAmount,
		now:            now,
	})
	if err != nil {
		return nil, nil, err
	}
	entry.UsageCreditID = &grant.ID

	return []*ledgerdomain.LedgerEntry{entry}, pricingModelID, nil
}

func (s *Service) entriesForRefund(
	ctx context.Context,
	tx *gorm.DB,
	cmd ledgerdomain.PaymentRefunded,
	txnID snowflake.ID,
	now time.Time,
) ([]*ledgerdomain.LedgerEntry, *snowflake.ID, error) {
	header := cmd.Header()

	refund, err := loadRecord[paymentdomain.Refund](ctx, tx, header, cmd.RefundID, "refund")
	if err != nil {
		return nil, nil, err
	}

	var grant creditdomain.UsageCredit
	err = tx.WithContext(ctx).
		Where("org_id = ? AND livemode = ? AND payment_id = ?", header.OrgID, header.Livemode, refund.PaymentID).
		First(&grant).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil, ledgerdomain.NewNotFoundError("usage_credit", "payment:"+refund.PaymentID.String())
	}
	if err != nil {
		return nil, nil, err
	}

	pricingModelID, err := s.resolveContext(ctx, tx, header, nil, nil)
	if err != nil {
		return nil, nil, err
	}

	switch cmd.Behavior {
	case ledgerdomain.RefundRevertAllCredits:
		var granted []*ledgerdomain.LedgerEntry
		if err := tx.WithContext(ctx).
			Where("usage_credit_id = ? AND direction = ? AND discarded_at IS NULL", grant.ID, string(ledgerdomain.EntryDirectionCredit)).
			Order("entry_timestamp ASC, id ASC").
			Find(&granted).Error; err != nil {
			return nil, nil, err
		}
		entries := make([]*ledgerdomain.LedgerEntry, 0, len(granted))
		for _, original := range granted {
			reversal, err := s.newEntry(entryParams{
				txnID:          txnID,
				header:         header,
				pricingModelID: pricingModelID,
				timestamp:      now,
				direction:      ledgerdomain.EntryDirectionDebit,
				entryType:      ledgerdomain.EntryTypeRefundReversal,
				amount:         original.Amount,
				now:            now,
			})
			if err != nil {
				return nil, nil, err
			}
			reversal.UsageCreditID = &grant.ID
			originalID := original.ID
			reversal.AppliedToLedgerItemID = &originalID
			entries = append(entries, reversal)
		}
		return entries, pricingModelID, nil

	case ledgerdomain.RefundRevertUnusedCredits:
		remaining, err := s.grantRemaining(ctx, tx, grant)
		if err != nil {
			return nil, nil, err
		}
		if remaining <= 0 {
			return nil, pricingModelID, nil
		}
		reversal, err := s.newEntry(entryParams{
			txnID:          txnID,
			header:         header,
			pricingModelID: pricingModelID,
			timestamp:      now,
			direction:      ledgerdomain.EntryDirectionDebit,
			entryType:      ledgerdomain.EntryTypeRefundReversal,
			amount:         remaining,
			now:            now,
		})
		if err != nil {
			return nil, nil, err
		}
		reversal.UsageCreditID = &grant.ID
		return []*ledgerdomain.LedgerEntry{reversal}, pricingModelID, nil

	case ledgerdomain.RefundPreserveCredits:
		// Zero-effect audit transaction; the refund is traceable without
		// touching the balance.
		return nil, pricingModelID, nil

	default:
		return nil, nil, ledgerdomain.NewValidationError("payload.behavior", "unknown refund behavior")
	}
}

// grantRemaining computes how much of a grant is still unconsumed: granted
// credits minus applications minus prior reversing or expiring debits, never
// below zero.
func (s *Service) grantRemaining(ctx context.Context, tx *gorm.DB, grant creditdomain.UsageCredit) (int64, error) {
	var granted int64
	if err := tx.WithContext(ctx).
		Model(&ledgerdomain.LedgerEntry{}).
		Where("usage_credit_id = ? AND direction = ? AND discarded_at IS NULL", grant.ID, string(ledgerdomain.EntryDirectionCredit)).
		Select("COALESCE(SUM(amount), 0)").
		Scan(&granted).Error; err != nil {
		return 0, err
	}

	var applied int64
	if err := tx.WithContext(ctx).
		Model(&creditdomain.CreditApplication{}).
		Where("usage_credit_id = ?", grant.ID).
		Select("COALESCE(SUM(amount), 0)").
		Scan(&applied).Error; err != nil {
		return 0, err
	}

	var debited int64
	if err := tx.WithContext(ctx).
		Model(&ledgerdomain.LedgerEntry{}).
		Where("usage_credit_id = ? AND direction = ? AND discarded_at IS NULL", grant.ID, string(ledgerdomain.EntryDirectionDebit)).
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

func (s *Service) entriesForRecalculation(
	ctx context.Context,
	tx *gorm.DB,
	cmd ledgerdomain.BillingRecalculated,
	txnID snowflake.ID,
	now time.Time,
) ([]*ledgerdomain.LedgerEntry, *snowflake.ID, error) {
	header := cmd.Header()

	newRun, err := loadRecord[billingperioddomain.BillingPeriodCalculation](ctx, tx, header, cmd.NewCalculationID, "billing_period_calculation")
	if err != nil {
		return nil, nil, err
	}
	oldRun, err := loadRecord[billingperioddomain.BillingPeriodCalculation](ctx, tx, header, cmd.OldCalculationID, "billing_period_calculation")
	if err != nil {
		return nil, nil, err
	}
	if newRun.BillingPeriodID != oldRun.BillingPeriodID {
		return nil, nil, ledgerdomain.NewValidationError("payload.old_calculation_id", "calculations belong to different billing periods")
	}

	pricingModelID, err := s.resolveContext(ctx, tx, header, &newRun.BillingPeriodID, nil)
	if err != nil {
		return nil, nil, err
	}

	delta := newRun.TotalAmount - oldRun.TotalAmount
	if delta == 0 {
		return nil, pricingModelID, nil
	}

	direction := ledgerdomain.EntryDirectionDebit
	amount := delta
	if delta < 0 {
		direction = ledgerdomain.EntryDirectionCredit
		amount = -delta
	}

	entry, err := s.newEntry(entryParams{
		txnID:          txnID,
		header:         header,
		pricingModelID: pricingModelID,
		timestamp:      now,
		direction:      direction,
		entryType:      ledgerdomain.EntryTypeRecalculation,
		amount:         amount,
		now:            now,
	})
	if err != nil {
		return nil, nil, err
	}
	entry.CalculationRunID = &newRun.ID
	entry.BillingPeriodID = &newRun.BillingPeriodID

	// Best-effort link to the superseded run's most recent live entry.
	var superseded ledgerdomain.LedgerEntry
	err = tx.WithContext(ctx).
		Where("calculation_run_id = ? AND discarded_at IS NULL", oldRun.ID).
		Order("entry_timestamp DESC, id DESC").
		First(&superseded).Error
	if err == nil {
		supersededID := superseded.ID
		entry.AppliedToLedgerItemID = &supersededID
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil, err
	}

	return []*ledgerdomain.LedgerEntry{entry}, pricingModelID, nil
}

type entryParams struct {
	txnID          snowflake.ID
	header         ledgerdomain.CommandHeader
	pricingModelID *snowflake.ID
	timestamp      time.Time
	direction      ledgerdomain.EntryDirection
	entryType      ledgerdomain.EntryType
	amount         int64
	now            time.Time
}

// newEntry constructs one posted entry. Amounts at or below zero are
// rejected here so no code path can create a non-positive entry.
func (s *Service) newEntry(p entryParams) (*ledgerdomain.LedgerEntry, error) {
	if p.amount <= 0 {
		return nil, ledgerdomain.ErrInvalidAmount
	}
	timestamp := p.timestamp
	if timestamp.IsZero() {
		timestamp = p.now
	}
	return &ledgerdomain.LedgerEntry{
		ID:                  s.genID.Generate(),
		LedgerTransactionID: p.txnID,
		OrgID:               p.header.OrgID,
		Livemode:            p.header.Livemode,
		SubscriptionID:      p.header.SubscriptionID,
		EntryTimestamp:      timestamp.UTC(),
		Status:              ledgerdomain.EntryStatusPosted,
		Direction:           p.direction,
		EntryType:           p.entryType,
		Amount:              p.amount,
		PricingModelID:      p.pricingModelID,
		CreatedAt:           p.now,
	}, nil
}

// loadRecord fetches one source record scoped to the command's org and
// livemode. A row in the other livemode is invisible, so cross-mode commands
// fail as NotFound.
func loadRecord[T any](
	ctx context.Context,
	tx *gorm.DB,
	header ledgerdomain.CommandHeader,
	id snowflake.ID,
	resource string,
) (*T, error) {
	var record T
	err := tx.WithContext(ctx).
		Where("id = ? AND org_id = ? AND livemode = ?", id, header.OrgID, header.Livemode).
		First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ledgerdomain.NewNotFoundError(resource, id.String())
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// resolveContext derives the command's pricing context from its parent
// references in priority order: subscription, billing period, usage meter,
// checkout session.
func (s *Service) resolveContext(
	ctx context.Context,
	tx *gorm.DB,
	header ledgerdomain.CommandHeader,
	billingPeriodID, usageMeterID *snowflake.ID,
) (*snowflake.ID, error) {
	loader := s.loader.WithDB(tx)

	var checkoutSessionID *snowflake.ID
	var session subscriptiondomain.CheckoutSession
	err := tx.WithContext(ctx).
		Where("org_id = ? AND livemode = ? AND subscription_id = ?", header.OrgID, header.Livemode, header.SubscriptionID).
		Order("created_at DESC").
		First(&session).Error
	if err == nil {
		checkoutSessionID = &session.ID
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	subscriptionID := header.SubscriptionID
	maps, err := loader.LoadAll(
		ctx,
		header.OrgID,
		header.Livemode,
		[]snowflake.ID{subscriptionID},
		idSlice(billingPeriodID),
		idSlice(usageMeterID),
		idSlice(checkoutSessionID),
	)
	if err != nil {
		return nil, err
	}

	modelID, err := pricing.Resolve(maps.Candidates(&subscriptionID, billingPeriodID, usageMeterID, checkoutSessionID))
	if err != nil {
		var nf *pricing.NotFoundError
		if errors.As(err, &nf) {
			return nil, ledgerdomain.NewNotFoundError("pricing_context", strings.Join(nf.Tried, ", "))
		}
		return nil, err
	}
	return &modelID, nil
}

func idSlice(id *snowflake.ID) []snowflake.ID {
	if id == nil || *id == 0 {
		return nil
	}
	return []snowflake.ID{*id}
}
