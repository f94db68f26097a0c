package billingrun

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	billingperioddomain "github.com/smallbiznis/ledgerd/internal/billingperiod/domain"
	ledgerdomain "github.com/smallbiznis/ledgerd/internal/ledger/domain"
	"gorm.io/gorm"
)

// RecalculateResult reports the outcome of superseding a period calculation.
type RecalculateResult struct {
	BillingPeriodID      string `json:"billing_period_id"`
	NewCalculationID     string `json:"new_calculation_id"`
	OldCalculationID     string `json:"old_calculation_id"`
	NewTotal             int64  `json:"new_total"`
	OldTotal             int64  `json:"old_total"`
	LedgerTransactionID  string `json:"ledger_transaction_id"`
	CorrectionEntryCount int    `json:"correction_entry_count"`
}

// Recalculate re-totals a period, supersedes its latest posted calculation,
// and applies the delta to the ledger. The superseded run keeps its history;
// only its status changes.
func (r *Runner) Recalculate(ctx context.Context, orgID snowflake.ID, livemode bool, periodID snowflake.ID) (*RecalculateResult, error) {
	now := r.clock.Now()

	var period billingperioddomain.BillingPeriod
	err := r.db.WithContext(ctx).
		Where("id = ? AND org_id = ? AND livemode = ?", periodID, orgID, livemode).
		First(&period).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ledgerdomain.NewNotFoundError("billing_period", periodID.String())
	}
	if err != nil {
		return nil, err
	}

	var previous billingperioddomain.BillingPeriodCalculation
	err = r.db.WithContext(ctx).
		Where("billing_period_id = ? AND status = ?", period.ID, string(billingperioddomain.CalculationStatusPosted)).
		Order("calculated_at DESC, id DESC").
		First(&previous).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ledgerdomain.NewNotFoundError("billing_period_calculation", "posted run for period "+periodID.String())
	}
	if err != nil {
		return nil, err
	}

	var total int64
	if err := r.db.WithContext(ctx).
		Table("usage_events").
		Where("org_id = ? AND livemode = ? AND billing_period_id = ?", orgID, livemode, period.ID).
		Select("COALESCE(SUM(amount), 0)").
		Scan(&total).Error; err != nil {
		return nil, err
	}

	previousID := previous.ID
	calc := billingperioddomain.BillingPeriodCalculation{
		ID:              r.genID.Generate(),
		OrgID:           orgID,
		Livemode:        livemode,
		BillingPeriodID: period.ID,
		SubscriptionID:  period.SubscriptionID,
		TotalAmount:     total,
		Status:          billingperioddomain.CalculationStatusPending,
		SupersedesID:    &previousID,
		CalculatedAt:    now,
		CreatedAt:       now,
	}
	if err := r.db.WithContext(ctx).Create(&calc).Error; err != nil {
		return nil, err
	}

	result, err := r.ledger.ApplyCommand(ctx, ledgerdomain.BillingRecalculated{
		CommandHeader: ledgerdomain.CommandHeader{
			OrgID:          orgID,
			Livemode:       livemode,
			SubscriptionID: period.SubscriptionID,
			Description:    "recalculation of period " + period.ID.String(),
		},
		NewCalculationID: calc.ID,
		OldCalculationID: previous.ID,
	})
	if err != nil {
		return nil, err
	}

	if err := r.db.WithContext(ctx).
		Model(&billingperioddomain.BillingPeriodCalculation{}).
		Where("id = ?", previous.ID).
		Update("status", string(billingperioddomain.CalculationStatusSuperseded)).Error; err != nil {
		return nil, err
	}
	if err := r.db.WithContext(ctx).
		Model(&billingperioddomain.BillingPeriodCalculation{}).
		Where("id = ?", calc.ID).
		Update("status", string(billingperioddomain.CalculationStatusPosted)).Error; err != nil {
		return nil, err
	}

	return &RecalculateResult{
		BillingPeriodID:      period.ID.String(),
		NewCalculationID:     calc.ID.String(),
		OldCalculationID:     previous.ID.String(),
		NewTotal:             total,
		OldTotal:             previous.TotalAmount,
		LedgerTransactionID:  result.Transaction.ID.String(),
		CorrectionEntryCount: len(result.Entries),
	}, nil
}
