package service

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	billingperioddomain "github.com/smallbiznis/ledgerd/internal/billingperiod/domain"
	creditdomain "github.com/smallbiznis/ledgerd/internal/credit/domain"
	ledgerdomain "github.com/smallbiznis/ledgerd/internal/ledger/domain"
	paymentdomain "github.com/smallbiznis/ledgerd/internal/payment/domain"
	"github.com/smallbiznis/ledgerd/internal/pricing"
	subscriptiondomain "github.com/smallbiznis/ledgerd/internal/subscription/domain"
	"github.com/stretchr/testify/require"
)

func (e *testEnv) seedConfirmedPayment(t *testing.T, f fixture, amount int64) (paymentdomain.Payment, creditdomain.UsageCredit) {
	t.Helper()
	now := time.Now().UTC()

	payment := paymentdomain.Payment{
		ID:             e.node.Generate(),
		OrgID:          f.orgID,
		Livemode:       true,
		SubscriptionID: f.subscriptionID,
		Amount:         amount,
		Currency:       "usd",
		Status:         paymentdomain.PaymentStatusConfirmed,
		ConfirmedAt:    &now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	require.NoError(t, e.db.Create(&payment).Error)

	paymentID := payment.ID
	grant := creditdomain.UsageCredit{
		ID:             e.node.Generate(),
		OrgID:          f.orgID,
		Livemode:       true,
		SubscriptionID: f.subscriptionID,
		PaymentID:      &paymentID,
		Type:           creditdomain.CreditTypePayment,
		Status:         creditdomain.CreditStatusGranted,
		Amount:         amount,
		Currency:       "usd",
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	require.NoError(t, e.db.Create(&grant).Error)
	return payment, grant
}

// confirmPayment posts the grant's credit entry so refund tests start from a
// funded balance.
func (e *testEnv) confirmPayment(t *testing.T, f fixture, payment paymentdomain.Payment, grant creditdomain.UsageCredit) *ledgerdomain.ApplyResult {
	t.Helper()
	result, err := e.svc.ApplyCommand(context.Background(), ledgerdomain.PaymentConfirmed{
		CommandHeader: f.header(),
		PaymentID:     payment.ID,
		UsageCreditID: grant.ID,
	})
	require.NoError(t, err)
	return result
}

func TestApplyCommand_UsageEventWithCreditApplications(t *testing.T) {
	env := newTestEnv(t)
	f := env.seedFixture(t)
	now := time.Now().UTC()

	event := env.seedUsageEvent(t, f, 100, now)
	_, grant := env.seedConfirmedPayment(t, f, 500)

	eventID := event.ID
	apps := make([]snowflake.ID, 0, 2)
	for _, amount := range []int64{60, 40} {
		app := creditdomain.CreditApplication{
			ID:            env.node.Generate(),
			OrgID:         f.orgID,
			Livemode:      true,
			UsageCreditID: grant.ID,
			UsageEventID:  &eventID,
			Amount:        amount,
			AppliedAt:     now,
			CreatedAt:     now,
		}
		require.NoError(t, env.db.Create(&app).Error)
		apps = append(apps, app.ID)
	}

	result, err := env.svc.ApplyCommand(context.Background(), ledgerdomain.UsageEventProcessed{
		CommandHeader:        f.header(),
		UsageEventID:         event.ID,
		CreditApplicationIDs: apps,
	})
	require.NoError(t, err)
	require.Len(t, result.Entries, 3)

	consumption := result.Entries[0]
	require.Equal(t, ledgerdomain.EntryTypeUsageConsumption, consumption.EntryType)
	require.Equal(t, ledgerdomain.EntryDirectionDebit, consumption.Direction)
	require.Equal(t, int64(100), consumption.Amount)

	var appliedTotal int64
	for _, applied := range result.Entries[1:] {
		require.Equal(t, ledgerdomain.EntryTypeCreditApplication, applied.EntryType)
		require.Equal(t, ledgerdomain.EntryDirectionCredit, applied.Direction)
		require.NotNil(t, applied.AppliedToLedgerItemID)
		require.Equal(t, consumption.ID, *applied.AppliedToLedgerItemID)
		appliedTotal += applied.Amount
	}
	require.Equal(t, int64(100), appliedTotal)
}

func TestApplyCommand_PaymentConfirmedGrantsCredit(t *testing.T) {
	env := newTestEnv(t)
	f := env.seedFixture(t)
	payment, grant := env.seedConfirmedPayment(t, f, 5000)

	result := env.confirmPayment(t, f, payment, grant)
	require.Len(t, result.Entries, 1)

	entry := result.Entries[0]
	require.Equal(t, ledgerdomain.EntryTypeCreditGrant, entry.EntryType)
	require.Equal(t, ledgerdomain.EntryDirectionCredit, entry.Direction)
	require.Equal(t, int64(5000), entry.Amount)
	require.NotNil(t, entry.UsageCreditID)
	require.Equal(t, grant.ID, *entry.UsageCreditID)

	balance, err := env.svc.GetBalance(context.Background(), ledgerdomain.BalanceRequest{
		OrgID:          f.orgID,
		Livemode:       true,
		SubscriptionID: f.subscriptionID,
	})
	require.NoError(t, err)
	require.Equal(t, int64(5000), balance.Net)
}

func TestApplyCommand_PaymentConfirmedRejectsForeignGrant(t *testing.T) {
	env := newTestEnv(t)
	f := env.seedFixture(t)
	payment, _ := env.seedConfirmedPayment(t, f, 1000)
	_, otherGrant := env.seedConfirmedPayment(t, f, 2000)

	_, err := env.svc.ApplyCommand(context.Background(), ledgerdomain.PaymentConfirmed{
		CommandHeader: f.header(),
		PaymentID:     payment.ID,
		UsageCreditID: otherGrant.ID,
	})
	require.True(t, ledgerdomain.IsValidation(err), "expected validation error, got %v", err)
}

func TestApplyCommand_AdminAdjustmentDirection(t *testing.T) {
	env := newTestEnv(t)
	f := env.seedFixture(t)
	now := time.Now().UTC()

	seedAdjustment := func(amount int64) creditdomain.BalanceAdjustment {
		adj := creditdomain.BalanceAdjustment{
			ID:             env.node.Generate(),
			OrgID:          f.orgID,
			Livemode:       true,
			SubscriptionID: f.subscriptionID,
			Amount:         amount,
			Reason:         "support goodwill",
			CreatedAt:      now,
		}
		require.NoError(t, env.db.Create(&adj).Error)
		return adj
	}

	up := seedAdjustment(400)
	result, err := env.svc.ApplyCommand(context.Background(), ledgerdomain.AdminCreditAdjusted{
		CommandHeader:       f.header(),
		BalanceAdjustmentID: up.ID,
	})
	require.NoError(t, err)
	require.Len(t, result.Entries, 1)
	require.Equal(t, ledgerdomain.EntryDirectionCredit, result.Entries[0].Direction)
	require.Equal(t, int64(400), result.Entries[0].Amount)

	down := seedAdjustment(-250)
	result, err = env.svc.ApplyCommand(context.Background(), ledgerdomain.AdminCreditAdjusted{
		CommandHeader:       f.header(),
		BalanceAdjustmentID: down.ID,
	})
	require.NoError(t, err)
	require.Len(t, result.Entries, 1)
	require.Equal(t, ledgerdomain.EntryDirectionDebit, result.Entries[0].Direction)
	require.Equal(t, int64(250), result.Entries[0].Amount)

	// Re-applying the same adjustment replays, it never double-posts.
	replay, err := env.svc.ApplyCommand(context.Background(), ledgerdomain.AdminCreditAdjusted{
		CommandHeader:       f.header(),
		BalanceAdjustmentID: down.ID,
	})
	require.NoError(t, err)
	require.True(t, replay.Replayed)

	balance, err := env.svc.GetBalance(context.Background(), ledgerdomain.BalanceRequest{
		OrgID:          f.orgID,
		Livemode:       true,
		SubscriptionID: f.subscriptionID,
	})
	require.NoError(t, err)
	require.Equal(t, int64(150), balance.Net)
}

func TestApplyCommand_AdminAdjustmentRejectsZero(t *testing.T) {
	env := newTestEnv(t)
	f := env.seedFixture(t)

	adj := creditdomain.BalanceAdjustment{
		ID:             env.node.Generate(),
		OrgID:          f.orgID,
		Livemode:       true,
		SubscriptionID: f.subscriptionID,
		Amount:         0,
		Reason:         "noop",
		CreatedAt:      time.Now().UTC(),
	}
	require.NoError(t, env.db.Create(&adj).Error)

	_, err := env.svc.ApplyCommand(context.Background(), ledgerdomain.AdminCreditAdjusted{
		CommandHeader:       f.header(),
		BalanceAdjustmentID: adj.ID,
	})
	require.ErrorIs(t, err, ledgerdomain.ErrInvalidAmount)
}

func TestApplyCommand_CreditGrantExpiredDebitsRemainder(t *testing.T) {
	env := newTestEnv(t)
	f := env.seedFixture(t)
	payment, grant := env.seedConfirmedPayment(t, f, 3000)
	env.confirmPayment(t, f, payment, grant)

	result, err := env.svc.ApplyCommand(context.Background(), ledgerdomain.CreditGrantExpired{
		CommandHeader: f.header(),
		UsageCreditID: grant.ID,
		ExpiredAmount: 3000,
	})
	require.NoError(t, err)
	require.Len(t, result.Entries, 1)
	require.Equal(t, ledgerdomain.EntryTypeCreditExpiry, result.Entries[0].EntryType)
	require.Equal(t, ledgerdomain.EntryDirectionDebit, result.Entries[0].Direction)
	require.Equal(t, int64(3000), result.Entries[0].Amount)

	balance, err := env.svc.GetBalance(context.Background(), ledgerdomain.BalanceRequest{
		OrgID:          f.orgID,
		Livemode:       true,
		SubscriptionID: f.subscriptionID,
	})
	require.NoError(t, err)
	require.Equal(t, int64(0), balance.Net)
}

func (e *testEnv) seedRefund(t *testing.T, f fixture, payment paymentdomain.Payment) paymentdomain.Refund {
	t.Helper()
	refund := paymentdomain.Refund{
		ID:        e.node.Generate(),
		OrgID:     f.orgID,
		Livemode:  true,
		PaymentID: payment.ID,
		Amount:    payment.Amount,
		Currency:  "usd",
		Status:    paymentdomain.RefundStatusSucceeded,
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, e.db.Create(&refund).Error)
	return refund
}

func TestApplyCommand_RefundRevertAllPairsReversals(t *testing.T) {
	env := newTestEnv(t)
	f := env.seedFixture(t)
	payment, grant := env.seedConfirmedPayment(t, f, 5000)
	confirmed := env.confirmPayment(t, f, payment, grant)
	refund := env.seedRefund(t, f, payment)

	result, err := env.svc.ApplyCommand(context.Background(), ledgerdomain.PaymentRefunded{
		CommandHeader: f.header(),
		RefundID:      refund.ID,
		Behavior:      ledgerdomain.RefundRevertAllCredits,
	})
	require.NoError(t, err)
	require.Len(t, result.Entries, 1)

	reversal := result.Entries[0]
	require.Equal(t, ledgerdomain.EntryTypeRefundReversal, reversal.EntryType)
	require.Equal(t, ledgerdomain.EntryDirectionDebit, reversal.Direction)
	require.Equal(t, int64(5000), reversal.Amount)
	require.NotNil(t, reversal.AppliedToLedgerItemID)
	require.Equal(t, confirmed.Entries[0].ID, *reversal.AppliedToLedgerItemID)

	balance, err := env.svc.GetBalance(context.Background(), ledgerdomain.BalanceRequest{
		OrgID:          f.orgID,
		Livemode:       true,
		SubscriptionID: f.subscriptionID,
	})
	require.NoError(t, err)
	require.Equal(t, int64(0), balance.Net)
}

func TestApplyCommand_RefundRevertUnusedCapsAtRemainder(t *testing.T) {
	env := newTestEnv(t)
	f := env.seedFixture(t)
	payment, grant := env.seedConfirmedPayment(t, f, 5000)
	env.confirmPayment(t, f, payment, grant)

	// 3000 of the grant is already consumed.
	require.NoError(t, env.db.Create(&creditdomain.CreditApplication{
		ID:            env.node.Generate(),
		OrgID:         f.orgID,
		Livemode:      true,
		UsageCreditID: grant.ID,
		Amount:        3000,
		AppliedAt:     time.Now().UTC(),
		CreatedAt:     time.Now().UTC(),
	}).Error)

	refund := env.seedRefund(t, f, payment)
	result, err := env.svc.ApplyCommand(context.Background(), ledgerdomain.PaymentRefunded{
		CommandHeader: f.header(),
		RefundID:      refund.ID,
		Behavior:      ledgerdomain.RefundRevertUnusedCredits,
	})
	require.NoError(t, err)
	require.Len(t, result.Entries, 1)
	require.Equal(t, ledgerdomain.EntryDirectionDebit, result.Entries[0].Direction)
	require.Equal(t, int64(2000), result.Entries[0].Amount)
}

func TestApplyCommand_RefundRevertUnusedFullyConsumedGrant(t *testing.T) {
	env := newTestEnv(t)
	f := env.seedFixture(t)
	payment, grant := env.seedConfirmedPayment(t, f, 1000)
	env.confirmPayment(t, f, payment, grant)

	require.NoError(t, env.db.Create(&creditdomain.CreditApplication{
		ID:            env.node.Generate(),
		OrgID:         f.orgID,
		Livemode:      true,
		UsageCreditID: grant.ID,
		Amount:        1000,
		AppliedAt:     time.Now().UTC(),
		CreatedAt:     time.Now().UTC(),
	}).Error)

	refund := env.seedRefund(t, f, payment)
	result, err := env.svc.ApplyCommand(context.Background(), ledgerdomain.PaymentRefunded{
		CommandHeader: f.header(),
		RefundID:      refund.ID,
		Behavior:      ledgerdomain.RefundRevertUnusedCredits,
	})
	require.NoError(t, err)
	require.Empty(t, result.Entries)
	require.NotNil(t, result.Transaction)
}

func TestApplyCommand_RefundPreserveCreditsKeepsBalance(t *testing.T) {
	env := newTestEnv(t)
	f := env.seedFixture(t)
	payment, grant := env.seedConfirmedPayment(t, f, 2500)
	env.confirmPayment(t, f, payment, grant)
	refund := env.seedRefund(t, f, payment)

	result, err := env.svc.ApplyCommand(context.Background(), ledgerdomain.PaymentRefunded{
		CommandHeader: f.header(),
		RefundID:      refund.ID,
		Behavior:      ledgerdomain.RefundPreserveCredits,
	})
	require.NoError(t, err)
	require.Empty(t, result.Entries)

	balance, err := env.svc.GetBalance(context.Background(), ledgerdomain.BalanceRequest{
		OrgID:          f.orgID,
		Livemode:       true,
		SubscriptionID: f.subscriptionID,
	})
	require.NoError(t, err)
	require.Equal(t, int64(2500), balance.Net)
}

func (e *testEnv) seedCalculation(t *testing.T, f fixture, periodID snowflake.ID, total int64, supersedes *snowflake.ID) billingperioddomain.BillingPeriodCalculation {
	t.Helper()
	now := time.Now().UTC()
	calc := billingperioddomain.BillingPeriodCalculation{
		ID:              e.node.Generate(),
		OrgID:           f.orgID,
		Livemode:        true,
		BillingPeriodID: periodID,
		SubscriptionID:  f.subscriptionID,
		TotalAmount:     total,
		Status:          billingperioddomain.CalculationStatusPosted,
		SupersedesID:    supersedes,
		CalculatedAt:    now,
		CreatedAt:       now,
	}
	require.NoError(t, e.db.Create(&calc).Error)
	return calc
}

func (e *testEnv) seedBillingPeriod(t *testing.T, f fixture) billingperioddomain.BillingPeriod {
	t.Helper()
	now := time.Now().UTC()
	modelID := f.pricingModelID
	period := billingperioddomain.BillingPeriod{
		ID:             e.node.Generate(),
		OrgID:          f.orgID,
		Livemode:       true,
		SubscriptionID: f.subscriptionID,
		PricingModelID: &modelID,
		StartAt:        now.AddDate(0, -1, 0),
		EndAt:          now,
		Status:         billingperioddomain.PeriodStatusOpen,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	require.NoError(t, e.db.Create(&period).Error)
	return period
}

func TestApplyCommand_RecalculationDelta(t *testing.T) {
	env := newTestEnv(t)
	f := env.seedFixture(t)
	period := env.seedBillingPeriod(t, f)

	old := env.seedCalculation(t, f, period.ID, 1000, nil)
	oldID := old.ID

	t.Run("increase posts a debit", func(t *testing.T) {
		higher := env.seedCalculation(t, f, period.ID, 1500, &oldID)
		result, err := env.svc.ApplyCommand(context.Background(), ledgerdomain.BillingRecalculated{
			CommandHeader:    f.header(),
			NewCalculationID: higher.ID,
			OldCalculationID: old.ID,
		})
		require.NoError(t, err)
		require.Len(t, result.Entries, 1)
		require.Equal(t, ledgerdomain.EntryTypeRecalculation, result.Entries[0].EntryType)
		require.Equal(t, ledgerdomain.EntryDirectionDebit, result.Entries[0].Direction)
		require.Equal(t, int64(500), result.Entries[0].Amount)
	})

	t.Run("decrease posts a credit", func(t *testing.T) {
		lower := env.seedCalculation(t, f, period.ID, 400, &oldID)
		result, err := env.svc.ApplyCommand(context.Background(), ledgerdomain.BillingRecalculated{
			CommandHeader:    f.header(),
			NewCalculationID: lower.ID,
			OldCalculationID: old.ID,
		})
		require.NoError(t, err)
		require.Len(t, result.Entries, 1)
		require.Equal(t, ledgerdomain.EntryDirectionCredit, result.Entries[0].Direction)
		require.Equal(t, int64(600), result.Entries[0].Amount)
	})

	t.Run("unchanged total posts no entries", func(t *testing.T) {
		same := env.seedCalculation(t, f, period.ID, 1000, &oldID)
		result, err := env.svc.ApplyCommand(context.Background(), ledgerdomain.BillingRecalculated{
			CommandHeader:    f.header(),
			NewCalculationID: same.ID,
			OldCalculationID: old.ID,
		})
		require.NoError(t, err)
		require.Empty(t, result.Entries)
	})
}

func TestApplyCommand_RecalculationRejectsMismatchedPeriods(t *testing.T) {
	env := newTestEnv(t)
	f := env.seedFixture(t)
	periodA := env.seedBillingPeriod(t, f)
	periodB := env.seedBillingPeriod(t, f)

	old := env.seedCalculation(t, f, periodA.ID, 1000, nil)
	other := env.seedCalculation(t, f, periodB.ID, 900, nil)

	_, err := env.svc.ApplyCommand(context.Background(), ledgerdomain.BillingRecalculated{
		CommandHeader:    f.header(),
		NewCalculationID: other.ID,
		OldCalculationID: old.ID,
	})
	require.True(t, ledgerdomain.IsValidation(err), "expected validation error, got %v", err)
}

func TestApplyCommand_BillingRunUsageBatch(t *testing.T) {
	env := newTestEnv(t)
	f := env.seedFixture(t)
	period := env.seedBillingPeriod(t, f)
	calc := env.seedCalculation(t, f, period.ID, 300, nil)

	now := time.Now().UTC()
	ids := make([]snowflake.ID, 0, 3)
	for _, amount := range []int64{100, 150, 50} {
		event := env.seedUsageEvent(t, f, amount, now)
		ids = append(ids, event.ID)
	}

	result, err := env.svc.ApplyCommand(context.Background(), ledgerdomain.BillingRunUsageProcessed{
		CommandHeader:    f.header(),
		CalculationRunID: calc.ID,
		UsageEventIDs:    ids,
	})
	require.NoError(t, err)
	require.Len(t, result.Entries, 3)

	var total int64
	for _, entry := range result.Entries {
		require.Equal(t, ledgerdomain.EntryDirectionDebit, entry.Direction)
		require.NotNil(t, entry.CalculationRunID)
		require.Equal(t, calc.ID, *entry.CalculationRunID)
		require.NotNil(t, entry.BillingPeriodID)
		require.Equal(t, period.ID, *entry.BillingPeriodID)
		total += entry.Amount
	}
	require.Equal(t, int64(300), total)

	// A missing event in the batch fails the whole command.
	badIDs := append(append([]snowflake.ID{}, ids...), env.node.Generate())
	calc2 := env.seedCalculation(t, f, period.ID, 300, nil)
	_, err = env.svc.ApplyCommand(context.Background(), ledgerdomain.BillingRunUsageProcessed{
		CommandHeader:    f.header(),
		CalculationRunID: calc2.ID,
		UsageEventIDs:    badIDs,
	})
	require.True(t, ledgerdomain.IsNotFound(err), "expected not-found, got %v", err)
}

func (e *testEnv) seedGrant(t *testing.T, f fixture, amount int64) creditdomain.UsageCredit {
	t.Helper()
	now := time.Now().UTC()
	grant := creditdomain.UsageCredit{
		ID:             e.node.Generate(),
		OrgID:          f.orgID,
		Livemode:       true,
		SubscriptionID: f.subscriptionID,
		Type:           creditdomain.CreditTypePromotional,
		Status:         creditdomain.CreditStatusGranted,
		Amount:         amount,
		Currency:       "usd",
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	require.NoError(t, e.db.Create(&grant).Error)
	return grant
}

func TestApplyCommand_BillingRunCreditBatch(t *testing.T) {
	env := newTestEnv(t)
	f := env.seedFixture(t)
	period := env.seedBillingPeriod(t, f)
	calc := env.seedCalculation(t, f, period.ID, 0, nil)

	grantA := env.seedGrant(t, f, 2000)
	grantB := env.seedGrant(t, f, 500)

	result, err := env.svc.ApplyCommand(context.Background(), ledgerdomain.BillingRunCreditApplied{
		CommandHeader:    f.header(),
		CalculationRunID: calc.ID,
		UsageCreditIDs:   []snowflake.ID{grantA.ID, grantB.ID},
	})
	require.NoError(t, err)
	require.Len(t, result.Entries, 2)

	amounts := map[snowflake.ID]int64{grantA.ID: 2000, grantB.ID: 500}
	for _, entry := range result.Entries {
		require.Equal(t, ledgerdomain.EntryDirectionCredit, entry.Direction)
		require.Equal(t, ledgerdomain.EntryTypeCreditGrant, entry.EntryType)
		require.NotNil(t, entry.UsageCreditID)
		require.Equal(t, amounts[*entry.UsageCreditID], entry.Amount)
		require.NotNil(t, entry.CalculationRunID)
		require.Equal(t, calc.ID, *entry.CalculationRunID)
		require.NotNil(t, entry.BillingPeriodID)
		require.Equal(t, period.ID, *entry.BillingPeriodID)
	}

	// A missing grant in the batch fails the whole command.
	calc2 := env.seedCalculation(t, f, period.ID, 0, nil)
	_, err = env.svc.ApplyCommand(context.Background(), ledgerdomain.BillingRunCreditApplied{
		CommandHeader:    f.header(),
		CalculationRunID: calc2.ID,
		UsageCreditIDs:   []snowflake.ID{grantA.ID, env.node.Generate()},
	})
	require.True(t, ledgerdomain.IsNotFound(err), "expected not-found, got %v", err)
}

func TestApplyCommand_BillingRunBatchesRejectForeignSubscription(t *testing.T) {
	env := newTestEnv(t)
	f := env.seedFixture(t)
	period := env.seedBillingPeriod(t, f)

	// A sibling subscription in the same org and livemode.
	other := f
	other.subscriptionID = env.node.Generate()
	now := time.Now().UTC()
	modelID := f.pricingModelID
	require.NoError(t, env.db.Create(&subscriptiondomain.Subscription{
		ID:                 other.subscriptionID,
		OrgID:              f.orgID,
		Livemode:           true,
		CustomerID:         env.node.Generate(),
		PricingModelID:     &modelID,
		Status:             subscriptiondomain.SubscriptionStatusActive,
		CurrentPeriodStart: now,
		CurrentPeriodEnd:   now.AddDate(0, 1, 0),
		CreatedAt:          now,
		UpdatedAt:          now,
	}).Error)

	t.Run("usage batch", func(t *testing.T) {
		calc := env.seedCalculation(t, f, period.ID, 0, nil)
		mine := env.seedUsageEvent(t, f, 100, now)
		foreign := env.seedUsageEvent(t, other, 50, now)

		_, err := env.svc.ApplyCommand(context.Background(), ledgerdomain.BillingRunUsageProcessed{
			CommandHeader:    f.header(),
			CalculationRunID: calc.ID,
			UsageEventIDs:    []snowflake.ID{mine.ID, foreign.ID},
		})
		require.True(t, ledgerdomain.IsValidation(err), "expected validation error, got %v", err)

		var entryCount int64
		require.NoError(t, env.db.Model(&ledgerdomain.LedgerEntry{}).Count(&entryCount).Error)
		require.Equal(t, int64(0), entryCount)
	})

	t.Run("credit batch", func(t *testing.T) {
		calc := env.seedCalculation(t, f, period.ID, 0, nil)
		mine := env.seedGrant(t, f, 100)
		foreign := env.seedGrant(t, other, 50)

		_, err := env.svc.ApplyCommand(context.Background(), ledgerdomain.BillingRunCreditApplied{
			CommandHeader:    f.header(),
			CalculationRunID: calc.ID,
			UsageCreditIDs:   []snowflake.ID{mine.ID, foreign.ID},
		})
		require.True(t, ledgerdomain.IsValidation(err), "expected validation error, got %v", err)
	})
}

func TestApplyCommand_PricingResolutionPriority(t *testing.T) {
	env := newTestEnv(t)
	f := env.seedFixture(t)

	// A second model attached to the meter must lose to the subscription's.
	now := time.Now().UTC()
	meterModel := pricing.PricingModel{
		ID:        env.node.Generate(),
		OrgID:     f.orgID,
		Livemode:  true,
		Code:      "meter-model",
		Name:      "Meter model",
		Currency:  "usd",
		Status:    pricing.ModelStatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, env.db.Create(&meterModel).Error)
	meterModelID := meterModel.ID
	require.NoError(t, env.db.Table("usage_meters").
		Where("id = ?", f.meterID).
		Update("pricing_model_id", meterModelID).Error)

	event := env.seedUsageEvent(t, f, 10, now)
	result, err := env.svc.ApplyCommand(context.Background(), ledgerdomain.UsageEventProcessed{
		CommandHeader: f.header(),
		UsageEventID:  event.ID,
	})
	require.NoError(t, err)
	require.Equal(t, f.pricingModelID, *result.Transaction.PricingModelID)

	// With no subscription model the meter's takes over.
	require.NoError(t, env.db.Table("subscriptions").
		Where("id = ?", f.subscriptionID).
		Update("pricing_model_id", nil).Error)

	event2 := env.seedUsageEvent(t, f, 10, now)
	result, err = env.svc.ApplyCommand(context.Background(), ledgerdomain.UsageEventProcessed{
		CommandHeader: f.header(),
		UsageEventID:  event2.ID,
	})
	require.NoError(t, err)
	require.Equal(t, meterModelID, *result.Transaction.PricingModelID)
}

func TestApplyCommand_PricingContextUnresolvable(t *testing.T) {
	env := newTestEnv(t)
	f := env.seedFixture(t)

	require.NoError(t, env.db.Table("subscriptions").
		Where("id = ?", f.subscriptionID).
		Update("pricing_model_id", nil).Error)
	require.NoError(t, env.db.Table("usage_meters").
		Where("id = ?", f.meterID).
		Update("pricing_model_id", nil).Error)

	event := env.seedUsageEvent(t, f, 10, time.Now())
	_, err := env.svc.ApplyCommand(context.Background(), ledgerdomain.UsageEventProcessed{
		CommandHeader: f.header(),
		UsageEventID:  event.ID,
	})
	require.True(t, ledgerdomain.IsNotFound(err), "expected not-found, got %v", err)
	require.Contains(t, err.Error(), "pricing_context")
}
