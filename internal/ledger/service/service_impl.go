package service

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/ledgerd/internal/audit/domain"
	"github.com/smallbiznis/ledgerd/internal/cache"
	"github.com/smallbiznis/ledgerd/internal/config"
	"github.com/smallbiznis/ledgerd/internal/events"
	ledgerdomain "github.com/smallbiznis/ledgerd/internal/ledger/domain"
	obsmetrics "github.com/smallbiznis/ledgerd/internal/observability/metrics"
	"github.com/smallbiznis/ledgerd/internal/pricing"
	"github.com/smallbiznis/ledgerd/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB           *gorm.DB
	Log          *zap.Logger
	GenID        *snowflake.Node
	EngineConfig *config.EngineConfigHolder
	Loader       *pricing.Loader
	AuditSvc     auditdomain.Service
	BalanceCache cache.BalanceCache  `optional:"true"`
	Outbox       *events.Outbox      `optional:"true"`
	ObsMetrics   *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db           *gorm.DB
	log          *zap.Logger
	genID        *snowflake.Node
	engine       *config.EngineConfigHolder
	loader       *pricing.Loader
	auditSvc     auditdomain.Service
	balanceCache cache.BalanceCache
	outbox       *events.Outbox
	obsMetrics   *obsmetrics.Metrics
}

func NewService(p Params) ledgerdomain.Service {
	return &Service{
		db:           p.DB,
		log:          p.Log.Named("ledger.service"),
		genID:        p.GenID,
		engine:       p.EngineConfig,
		loader:       p.Loader,
		auditSvc:     p.AuditSvc,
		balanceCache: p.BalanceCache,
		outbox:       p.Outbox,
		obsMetrics:   p.ObsMetrics,
	}
}

// ApplyCommand validates the command, short-circuits on idempotent replay,
// and otherwise writes one transaction plus its implied entries atomically.
func (s *Service) ApplyCommand(ctx context.Context, cmd ledgerdomain.Command) (*ledgerdomain.ApplyResult, error) {
	if cmd == nil {
		return nil, ledgerdomain.NewValidationError("command", "is required")
	}
	header := cmd.Header()
	if header.OrgID == 0 {
		return nil, ledgerdomain.ErrInvalidOrganization
	}
	if header.SubscriptionID == 0 {
		return nil, ledgerdomain.ErrInvalidSubscription
	}

	engine := s.engine.Get()
	if len(header.Description) > engine.MaxDescriptionLength {
		return nil, ledgerdomain.ErrDescriptionTooLong
	}
	if len(header.Metadata) > engine.MaxMetadataKeys {
		return nil, ledgerdomain.ErrMetadataTooLarge
	}

	commandType := cmd.CommandType()
	sourceID := cmd.InitiatingSourceID()

	// Fast path: the command has already been applied.
	existing, err := s.findApplied(ctx, s.db, header.OrgID, commandType, sourceID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		s.recordReplay(ctx, commandType)
		return existing, nil
	}

	var result *ledgerdomain.ApplyResult
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		txnID := s.genID.Generate()
		now := time.Now().UTC()

		drafts, pricingModelID, err := s.buildEntries(ctx, tx, cmd, txnID, now)
		if err != nil {
			return err
		}

		txn := &ledgerdomain.LedgerTransaction{
			ID:                 txnID,
			OrgID:              header.OrgID,
			Livemode:           header.Livemode,
			SubscriptionID:     header.SubscriptionID,
			CommandType:        commandType,
			InitiatingSourceID: sourceID,
			PricingModelID:     pricingModelID,
			Description:        header.Description,
			Metadata:           datatypes.JSONMap(header.Metadata),
			CreatedAt:          now,
		}

		res := tx.WithContext(ctx).Exec(
			`INSERT INTO ledger_transactions (
				id, org_id, livemode, subscription_id, command_type,
				initiating_source_id, pricing_model_id, description, metadata, created_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (command_type, initiating_source_id) DO NOTHING`,
			txn.ID,
			txn.OrgID,
			txn.Livemode,
			txn.SubscriptionID,
			string(txn.CommandType),
			txn.InitiatingSourceID,
			txn.PricingModelID,
			txn.Description,
			txn.Metadata,
			txn.CreatedAt,
		)
		if res.Error != nil {
			if db.IsDuplicateKeyErr(res.Error) {
				replay, ferr := s.resolveConflict(ctx, tx, header.OrgID, commandType, sourceID, res.Error)
				if ferr != nil {
					return ferr
				}
				result = replay
				return nil
			}
			return res.Error
		}
		if res.RowsAffected == 0 {
			// Lost the insert race; the winner's result is ours.
			replay, ferr := s.resolveConflict(ctx, tx, header.OrgID, commandType, sourceID, gorm.ErrInvalidTransaction)
			if ferr != nil {
				return ferr
			}
			result = replay
			return nil
		}

		if len(drafts) > 0 {
			if err := tx.WithContext(ctx).Create(&drafts).Error; err != nil {
				return err
			}
		}

		if s.outbox != nil {
			payload := events.LedgerTransactionPayload{
				LedgerTransactionID: txnID.String(),
				CommandType:         string(commandType),
				InitiatingSourceID:  sourceID,
				SubscriptionID:      header.SubscriptionID.String(),
				EntryCount:          len(drafts),
			}
			if err := s.outbox.PublishTx(ctx, tx, events.Event{
				OrgID:     header.OrgID,
				Livemode:  header.Livemode,
				Type:      events.EventLedgerTransactionApplied,
				Payload:   payload.ToMap(),
				DedupeKey: "ledger_transaction:" + txnID.String(),
			}); err != nil {
				return err
			}
		}

		result = &ledgerdomain.ApplyResult{Transaction: txn, Entries: drafts}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if result.Replayed {
		s.recordReplay(ctx, commandType)
		return result, nil
	}

	s.afterApply(ctx, cmd, result)
	return result, nil
}

// resolveConflict recovers the winner's result after a lost insert. A
// conflict with no matching row means the collision came from some other
// constraint; surface the cause instead of replaying nothing.
func (s *Service) resolveConflict(
	ctx context.Context,
	tx *gorm.DB,
	orgID snowflake.ID,
	commandType ledgerdomain.CommandType,
	sourceID string,
	cause error,
) (*ledgerdomain.ApplyResult, error) {
	replay, err := s.findApplied(ctx, tx, orgID, commandType, sourceID)
	if err != nil {
		return nil, err
	}
	if replay == nil {
		return nil, cause
	}
	return replay, nil
}

// findApplied returns the prior result for a (command type, source id) pair,
// or nil when the command has not been applied yet.
func (s *Service) findApplied(
	ctx context.Context,
	dbc *gorm.DB,
	orgID snowflake.ID,
	commandType ledgerdomain.CommandType,
	sourceID string,
) (*ledgerdomain.ApplyResult, error) {
	var txn ledgerdomain.LedgerTransaction
	err := dbc.WithContext(ctx).
		Where("command_type = ? AND initiating_source_id = ?", string(commandType), sourceID).
		First(&txn).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if txn.OrgID != orgID {
		return nil, ledgerdomain.NewNotFoundError("ledger_transaction", sourceID)
	}

	var entries []*ledgerdomain.LedgerEntry
	if err := dbc.WithContext(ctx).
		Where("ledger_transaction_id = ?", txn.ID).
		Order("entry_timestamp ASC, id ASC").
		Find(&entries).Error; err != nil {
		return nil, err
	}

	return &ledgerdomain.ApplyResult{Transaction: &txn, Entries: entries, Replayed: true}, nil
}

func (s *Service) recordReplay(ctx context.Context, commandType ledgerdomain.CommandType) {
	if s.obsMetrics != nil {
		s.obsMetrics.RecordIdempotentReplay(ctx, string(commandType))
	}
}

// afterApply runs post-commit side effects: metrics, cache invalidation,
// audit. None of them can fail the already-committed command.
func (s *Service) afterApply(ctx context.Context, cmd ledgerdomain.Command, result *ledgerdomain.ApplyResult) {
	header := cmd.Header()
	commandType := string(cmd.CommandType())

	if s.obsMetrics != nil {
		s.obsMetrics.RecordLedgerTransaction(ctx, commandType, len(result.Entries))
	}

	if s.balanceCache != nil {
		orgID := header.OrgID.String()
		subID := header.SubscriptionID.String()
		s.balanceCache.Invalidate(orgID, header.Livemode, subID, "")
		for _, entry := range result.Entries {
			if entry.UsageMeterID != nil {
				s.balanceCache.Invalidate(orgID, header.Livemode, subID, entry.UsageMeterID.String())
			}
		}
	}

	if s.auditSvc != nil {
		txnID := result.Transaction.ID.String()
		metadata := map[string]any{
			"command_type":          commandType,
			"initiating_source_id":  cmd.InitiatingSourceID(),
			"ledger_transaction_id": txnID,
			"entry_count":           len(result.Entries),
		}
		if err := s.auditSvc.AuditLog(ctx, &header.OrgID, auditdomain.ActorTypeSystem, nil, "ledger.command_applied", "ledger_transaction", &txnID, metadata); err != nil {
			s.log.Warn("failed to write ledger audit log", zap.Error(err))
		}
	}

	s.log.Info("ledger command applied",
		zap.String("command_type", commandType),
		zap.String("initiating_source_id", cmd.InitiatingSourceID()),
		zap.String("ledger_transaction_id", result.Transaction.ID.String()),
		zap.Int("entries", len(result.Entries)),
	)
}
