// Package seed creates a demo organization's records for local development.
package seed

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	billingperioddomain "github.com/smallbiznis/ledgerd/internal/billingperiod/domain"
	"github.com/smallbiznis/ledgerd/internal/config"
	meterdomain "github.com/smallbiznis/ledgerd/internal/meter/domain"
	"github.com/smallbiznis/ledgerd/internal/pricing"
	subscriptiondomain "github.com/smallbiznis/ledgerd/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("seed",
	fx.Invoke(Run),
)

// Run seeds one demo pricing model, subscription, meter and open billing
// period. Idempotent: it skips when any pricing model already exists.
func Run(cfg config.Config, db *gorm.DB, log *zap.Logger, genID *snowflake.Node) error {
	if !cfg.SeedDemoData {
		return nil
	}
	logger := log.Named("seed")
	ctx := context.Background()

	var count int64
	if err := db.WithContext(ctx).Model(&pricing.PricingModel{}).Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		logger.Debug("demo data already present, skipping seed")
		return nil
	}

	now := time.Now().UTC()
	orgID := genID.Generate()

	model := pricing.PricingModel{
		ID:        genID.Generate(),
		OrgID:     orgID,
		Livemode:  false,
		Code:      "demo-usage",
		Name:      "Demo usage pricing",
		Currency:  "usd",
		Status:    pricing.ModelStatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	modelID := model.ID

	subscription := subscriptiondomain.Subscription{
		ID:                 genID.Generate(),
		OrgID:              orgID,
		Livemode:           false,
		CustomerID:         genID.Generate(),
		PricingModelID:     &modelID,
		Status:             subscriptiondomain.SubscriptionStatusActive,
		CurrentPeriodStart: now,
		CurrentPeriodEnd:   now.AddDate(0, 1, 0),
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	meter := meterdomain.UsageMeter{
		ID:             genID.Generate(),
		OrgID:          orgID,
		Livemode:       false,
		Code:           "api-calls",
		DisplayName:    "API calls",
		PricingModelID: &modelID,
		Aggregation:    meterdomain.AggregationSum,
		Status:         meterdomain.MeterStatusActive,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	period := billingperioddomain.BillingPeriod{
		ID:             genID.Generate(),
		OrgID:          orgID,
		Livemode:       false,
		SubscriptionID: subscription.ID,
		PricingModelID: &modelID,
		StartAt:        now,
		EndAt:          now.AddDate(0, 1, 0),
		Status:         billingperioddomain.PeriodStatusOpen,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, record := range []any{&model, &subscription, &meter, &period} {
			if err := tx.Create(record).Error; err != nil {
				return err
			}
		}
		logger.Info("demo data seeded",
			zap.String("org_id", orgID.String()),
			zap.String("subscription_id", subscription.ID.String()),
			zap.String("usage_meter_id", meter.ID.String()),
			zap.String("billing_period_id", period.ID.String()),
		)
		return nil
	})
}
