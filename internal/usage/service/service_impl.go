package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	ledgerdomain "github.com/smallbiznis/ledgerd/internal/ledger/domain"
	meterdomain "github.com/smallbiznis/ledgerd/internal/meter/domain"
	obsmetrics "github.com/smallbiznis/ledgerd/internal/observability/metrics"
	"github.com/smallbiznis/ledgerd/internal/orgcontext"
	subscriptiondomain "github.com/smallbiznis/ledgerd/internal/subscription/domain"
	usagedomain "github.com/smallbiznis/ledgerd/internal/usage/domain"
	"github.com/smallbiznis/ledgerd/pkg/db/option"
	"github.com/smallbiznis/ledgerd/pkg/repository"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Ledger     ledgerdomain.Service
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	ledger     ledgerdomain.Service
	obsMetrics *obsmetrics.Metrics

	meterRepo repository.Repository[meterdomain.UsageMeter]
	subRepo   repository.Repository[subscriptiondomain.Subscription]
}

func NewService(p Params) usagedomain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("usage.service"),
		genID:      p.GenID,
		ledger:     p.Ledger,
		obsMetrics: p.ObsMetrics,
		meterRepo:  repository.ProvideStore[meterdomain.UsageMeter](p.DB),
		subRepo:    repository.ProvideStore[subscriptiondomain.Subscription](p.DB),
	}
}

// Ingest records one usage event and applies it to the ledger. Replays keyed
// by (org, livemode, idempotency_key) return the original event untouched.
func (s *Service) Ingest(ctx context.Context, req usagedomain.IngestRequest) (*usagedomain.IngestResponse, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok || orgID == 0 {
		return nil, usagedomain.ErrInvalidOrganization
	}
	livemode := orgcontext.LivemodeFromContext(ctx)

	meterCode := strings.TrimSpace(req.MeterCode)
	if meterCode == "" {
		return nil, usagedomain.ErrInvalidMeterCode
	}
	if req.Amount <= 0 {
		return nil, usagedomain.ErrInvalidQuantity
	}
	subscriptionID, err := snowflake.ParseString(strings.TrimSpace(req.SubscriptionID))
	if err != nil || subscriptionID == 0 {
		return nil, usagedomain.ErrInvalidSubscription
	}

	meter, err := s.meterRepo.FindOne(ctx,
		&meterdomain.UsageMeter{OrgID: orgID, Code: meterCode, Status: meterdomain.MeterStatusActive},
		option.WithCondition("livemode = ?", livemode),
	)
	if err != nil {
		return nil, err
	}
	if meter == nil {
		return nil, usagedomain.ErrMeterNotFound
	}

	subscription, err := s.subRepo.FindOne(ctx,
		&subscriptiondomain.Subscription{ID: subscriptionID, OrgID: orgID},
		option.WithCondition("livemode = ?", livemode),
	)
	if err != nil {
		return nil, err
	}
	if subscription == nil {
		return nil, usagedomain.ErrSubscriptionUnknown
	}

	recordedAt := time.Now().UTC()
	if req.RecordedAt != nil {
		recordedAt = req.RecordedAt.UTC()
	}

	event := usagedomain.UsageEvent{
		ID:             s.genID.Generate(),
		OrgID:          orgID,
		Livemode:       livemode,
		SubscriptionID: subscriptionID,
		UsageMeterID:   meter.ID,
		Amount:         req.Amount,
		Properties:     datatypes.JSONMap(req.Properties),
		RecordedAt:     recordedAt,
		CreatedAt:      time.Now().UTC(),
	}

	idemKey := strings.TrimSpace(req.IdempotencyKey)
	if idemKey != "" {
		event.IdempotencyKey = &idemKey

		res := s.db.WithContext(ctx).Exec(
			`INSERT INTO usage_events (
				id, org_id, livemode, subscription_id, usage_meter_id,
				amount, idempotency_key, properties, recorded_at, created_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (org_id, livemode, idempotency_key) DO NOTHING`,
			event.ID,
			event.OrgID,
			event.Livemode,
			event.SubscriptionID,
			event.UsageMeterID,
			event.Amount,
			idemKey,
			event.Properties,
			event.RecordedAt,
			event.CreatedAt,
		)
		if res.Error != nil {
			return nil, res.Error
		}
		if res.RowsAffected == 0 {
			return s.replay(ctx, orgID, livemode, idemKey)
		}
	} else {
		if err := s.db.WithContext(ctx).Create(&event).Error; err != nil {
			return nil, err
		}
	}

	result, err := s.ledger.ApplyCommand(ctx, ledgerdomain.UsageEventProcessed{
		CommandHeader: ledgerdomain.CommandHeader{
			OrgID:          orgID,
			Livemode:       livemode,
			SubscriptionID: subscriptionID,
			Description:    "usage ingest: " + meterCode,
		},
		UsageEventID: event.ID,
	})
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	if err := s.db.WithContext(ctx).
		Model(&usagedomain.UsageEvent{}).
		Where("id = ?", event.ID).
		Update("processed_at", now).Error; err != nil {
		s.log.Warn("failed to mark usage event processed", zap.String("usage_event_id", event.ID.String()), zap.Error(err))
	}

	if s.obsMetrics != nil {
		s.obsMetrics.RecordUsageIngest(ctx, meterCode)
	}

	return &usagedomain.IngestResponse{
		UsageEventID:        event.ID.String(),
		LedgerTransactionID: result.Transaction.ID.String(),
		Duplicate:           result.Replayed,
	}, nil
}

// replay returns the previously ingested event for a duplicate idempotency
// key, including the ledger transaction it produced.
func (s *Service) replay(ctx context.Context, orgID snowflake.ID, livemode bool, idemKey string) (*usagedomain.IngestResponse, error) {
	var existing usagedomain.UsageEvent
	if err := s.db.WithContext(ctx).
		Where("org_id = ? AND livemode = ? AND idempotency_key = ?", orgID, livemode, idemKey).
		First(&existing).Error; err != nil {
		return nil, err
	}

	resp := &usagedomain.IngestResponse{
		UsageEventID: existing.ID.String(),
		Duplicate:    true,
	}

	var txn ledgerdomain.LedgerTransaction
	err := s.db.WithContext(ctx).
		Where("command_type = ? AND initiating_source_id = ?", string(ledgerdomain.CommandUsageEventProcessed), existing.ID.String()).
		First(&txn).Error
	if err == nil {
		resp.LedgerTransactionID = txn.ID.String()
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	return resp, nil
}
