package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	auditdomain "github.com/smallbiznis/ledgerd/internal/audit/domain"
	auditservice "github.com/smallbiznis/ledgerd/internal/audit/service"
	billingperioddomain "github.com/smallbiznis/ledgerd/internal/billingperiod/domain"
	"github.com/smallbiznis/ledgerd/internal/cache"
	"github.com/smallbiznis/ledgerd/internal/config"
	creditdomain "github.com/smallbiznis/ledgerd/internal/credit/domain"
	"github.com/smallbiznis/ledgerd/internal/events"
	ledgerdomain "github.com/smallbiznis/ledgerd/internal/ledger/domain"
	meterdomain "github.com/smallbiznis/ledgerd/internal/meter/domain"
	paymentdomain "github.com/smallbiznis/ledgerd/internal/payment/domain"
	"github.com/smallbiznis/ledgerd/internal/pricing"
	subscriptiondomain "github.com/smallbiznis/ledgerd/internal/subscription/domain"
	usagedomain "github.com/smallbiznis/ledgerd/internal/usage/domain"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type testEnv struct {
	db    *gorm.DB
	svc   ledgerdomain.Service
	node  *snowflake.Node
	cache cache.BalanceCache
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, db.AutoMigrate(
		&pricing.PricingModel{},
		&subscriptiondomain.Subscription{},
		&subscriptiondomain.CheckoutSession{},
		&meterdomain.UsageMeter{},
		&usagedomain.UsageEvent{},
		&creditdomain.UsageCredit{},
		&creditdomain.CreditApplication{},
		&creditdomain.BalanceAdjustment{},
		&paymentdomain.Payment{},
		&paymentdomain.Refund{},
		&billingperioddomain.BillingPeriod{},
		&billingperioddomain.BillingPeriodCalculation{},
		&ledgerdomain.LedgerTransaction{},
		&ledgerdomain.LedgerEntry{},
		&events.LedgerEvent{},
		&events.LedgerEventSequence{},
		&auditdomain.AuditLog{},
	))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	holder := config.NewStaticEngineConfigHolder(config.DefaultEngineConfig())
	balanceCache := cache.NewBalanceCache(holder)

	svc := NewService(Params{
		DB:           db,
		Log:          zap.NewNop(),
		GenID:        node,
		EngineConfig: holder,
		Loader:       pricing.NewLoader(db),
		AuditSvc: auditservice.NewService(auditservice.Params{
			DB:    db,
			Log:   zap.NewNop(),
			GenID: node,
		}),
		BalanceCache: balanceCache,
		Outbox:       events.NewOutbox(db, node),
	})

	return &testEnv{db: db, svc: svc, node: node, cache: balanceCache}
}

type fixture struct {
	orgID          snowflake.ID
	pricingModelID snowflake.ID
	subscriptionID snowflake.ID
	meterID        snowflake.ID
}

// seedFixture creates one org's pricing model, subscription and meter, all in
// live mode.
func (e *testEnv) seedFixture(t *testing.T) fixture {
	t.Helper()
	now := time.Now().UTC()

	f := fixture{
		orgID:          e.node.Generate(),
		pricingModelID: e.node.Generate(),
		subscriptionID: e.node.Generate(),
		meterID:        e.node.Generate(),
	}

	require.NoError(t, e.db.Create(&pricing.PricingModel{
		ID:        f.pricingModelID,
		OrgID:     f.orgID,
		Livemode:  true,
		Code:      "standard",
		Name:      "Standard",
		Currency:  "usd",
		Status:    pricing.ModelStatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}).Error)

	modelID := f.pricingModelID
	require.NoError(t, e.db.Create(&subscriptiondomain.Subscription{
		ID:                 f.subscriptionID,
		OrgID:              f.orgID,
		Livemode:           true,
		CustomerID:         e.node.Generate(),
		PricingModelID:     &modelID,
		Status:             subscriptiondomain.SubscriptionStatusActive,
		CurrentPeriodStart: now,
		CurrentPeriodEnd:   now.AddDate(0, 1, 0),
		CreatedAt:          now,
		UpdatedAt:          now,
	}).Error)

	require.NoError(t, e.db.Create(&meterdomain.UsageMeter{
		ID:             f.meterID,
		OrgID:          f.orgID,
		Livemode:       true,
		Code:           "api-calls",
		DisplayName:    "API calls",
		PricingModelID: &modelID,
		Aggregation:    meterdomain.AggregationSum,
		Status:         meterdomain.MeterStatusActive,
		CreatedAt:      now,
		UpdatedAt:      now,
	}).Error)

	return f
}

func (f fixture) header() ledgerdomain.CommandHeader {
	return ledgerdomain.CommandHeader{
		OrgID:          f.orgID,
		Livemode:       true,
		SubscriptionID: f.subscriptionID,
	}
}

func (e *testEnv) seedUsageEvent(t *testing.T, f fixture, amount int64, recordedAt time.Time) usagedomain.UsageEvent {
	t.Helper()
	event := usagedomain.UsageEvent{
		ID:             e.node.Generate(),
		OrgID:          f.orgID,
		Livemode:       true,
		SubscriptionID: f.subscriptionID,
		UsageMeterID:   f.meterID,
		Amount:         amount,
		RecordedAt:     recordedAt.UTC(),
		CreatedAt:      time.Now().UTC(),
	}
	require.NoError(t, e.db.Create(&event).Error)
	return event
}

func TestApplyCommand_UsageEventDebit(t *testing.T) {
	env := newTestEnv(t)
	f := env.seedFixture(t)
	event := env.seedUsageEvent(t, f, 100, time.Now())

	result, err := env.svc.ApplyCommand(context.Background(), ledgerdomain.UsageEventProcessed{
		CommandHeader: f.header(),
		UsageEventID:  event.ID,
	})
	require.NoError(t, err)
	require.False(t, result.Replayed)
	require.Equal(t, ledgerdomain.CommandUsageEventProcessed, result.Transaction.CommandType)
	require.Equal(t, event.ID.String(), result.Transaction.InitiatingSourceID)

	require.Len(t, result.Entries, 1)
	entry := result.Entries[0]
	require.Equal(t, ledgerdomain.EntryDirectionDebit, entry.Direction)
	require.Equal(t, ledgerdomain.EntryTypeUsageConsumption, entry.EntryType)
	require.Equal(t, int64(100), entry.Amount)
	require.Equal(t, ledgerdomain.EntryStatusPosted, entry.Status)
	require.NotNil(t, entry.PricingModelID)
	require.Equal(t, f.pricingModelID, *entry.PricingModelID)
	require.NotNil(t, entry.UsageMeterID)
	require.Equal(t, f.meterID, *entry.UsageMeterID)

	// The transaction carries the same resolved pricing context.
	require.NotNil(t, result.Transaction.PricingModelID)
	require.Equal(t, f.pricingModelID, *result.Transaction.PricingModelID)

	// One outbox event, sequence 1 for the org scope.
	var outboxRows []events.LedgerEvent
	require.NoError(t, env.db.Where("org_id = ?", f.orgID).Find(&outboxRows).Error)
	require.Len(t, outboxRows, 1)
	require.Equal(t, int64(1), outboxRows[0].Sequence)
	require.Equal(t, events.EventLedgerTransactionApplied, outboxRows[0].EventType)

	// Audit trail recorded the application.
	var auditCount int64
	require.NoError(t, env.db.Model(&auditdomain.AuditLog{}).Where("action = ?", "ledger.command_applied").Count(&auditCount).Error)
	require.Equal(t, int64(1), auditCount)
}

func TestApplyCommand_ReplayReturnsOriginalTransaction(t *testing.T) {
	env := newTestEnv(t)
	f := env.seedFixture(t)
	event := env.seedUsageEvent(t, f, 42, time.Now())

	cmd := ledgerdomain.UsageEventProcessed{CommandHeader: f.header(), UsageEventID: event.ID}

	first, err := env.svc.ApplyCommand(context.Background(), cmd)
	require.NoError(t, err)
	require.False(t, first.Replayed)

	second, err := env.svc.ApplyCommand(context.Background(), cmd)
	require.NoError(t, err)
	require.True(t, second.Replayed)
	require.Equal(t, first.Transaction.ID, second.Transaction.ID)
	require.Len(t, second.Entries, len(first.Entries))

	var count int64
	require.NoError(t, env.db.Model(&ledgerdomain.LedgerTransaction{}).Count(&count).Error)
	require.Equal(t, int64(1), count)
}

func TestApplyCommand_ConcurrentDuplicatesWriteOnce(t *testing.T) {
	env := newTestEnv(t)
	f := env.seedFixture(t)
	event := env.seedUsageEvent(t, f, 10, time.Now())

	cmd := ledgerdomain.UsageEventProcessed{CommandHeader: f.header(), UsageEventID: event.ID}

	const workers = 20
	var wg sync.WaitGroup
	results := make([]*ledgerdomain.ApplyResult, workers)
	errs := make([]error, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = env.svc.ApplyCommand(context.Background(), cmd)
		}(i)
	}
	wg.Wait()

	for i := 0; i < workers; i++ {
		require.NoError(t, errs[i])
		require.NotNil(t, results[i])
		require.Equal(t, results[0].Transaction.ID, results[i].Transaction.ID)
	}

	var txnCount int64
	require.NoError(t, env.db.Model(&ledgerdomain.LedgerTransaction{}).Count(&txnCount).Error)
	require.Equal(t, int64(1), txnCount)

	var entryCount int64
	require.NoError(t, env.db.Model(&ledgerdomain.LedgerEntry{}).Count(&entryCount).Error)
	require.Equal(t, int64(1), entryCount)
}

func TestResolveConflict_SurfacesCauseWhenNoWinnerExists(t *testing.T) {
	env := newTestEnv(t)
	f := env.seedFixture(t)
	svc := env.svc.(*Service)

	// A duplicate-key error on a constraint other than the idempotency pair
	// leaves no transaction to replay; the original error must come back
	// instead of a nil dereference.
	cause := errors.New("UNIQUE constraint failed: ledger_transactions.id")
	_, err := svc.resolveConflict(context.Background(), env.db, f.orgID,
		ledgerdomain.CommandUsageEventProcessed, env.node.Generate().String(), cause)
	require.ErrorIs(t, err, cause)
}

func TestResolveConflict_ReturnsWinnersResult(t *testing.T) {
	env := newTestEnv(t)
	f := env.seedFixture(t)
	event := env.seedUsageEvent(t, f, 30, time.Now())
	svc := env.svc.(*Service)

	applied, err := env.svc.ApplyCommand(context.Background(), ledgerdomain.UsageEventProcessed{
		CommandHeader: f.header(),
		UsageEventID:  event.ID,
	})
	require.NoError(t, err)

	replay, err := svc.resolveConflict(context.Background(), env.db, f.orgID,
		ledgerdomain.CommandUsageEventProcessed, event.ID.String(), errors.New("unused"))
	require.NoError(t, err)
	require.True(t, replay.Replayed)
	require.Equal(t, applied.Transaction.ID, replay.Transaction.ID)
}

func TestApplyCommand_HeaderValidation(t *testing.T) {
	env := newTestEnv(t)
	f := env.seedFixture(t)
	event := env.seedUsageEvent(t, f, 5, time.Now())

	t.Run("missing org", func(t *testing.T) {
		header := f.header()
		header.OrgID = 0
		_, err := env.svc.ApplyCommand(context.Background(), ledgerdomain.UsageEventProcessed{
			CommandHeader: header,
			UsageEventID:  event.ID,
		})
		require.ErrorIs(t, err, ledgerdomain.ErrInvalidOrganization)
	})

	t.Run("description too long", func(t *testing.T) {
		header := f.header()
		header.Description = strings.Repeat("x", config.DefaultEngineConfig().MaxDescriptionLength+1)
		_, err := env.svc.ApplyCommand(context.Background(), ledgerdomain.UsageEventProcessed{
			CommandHeader: header,
			UsageEventID:  event.ID,
		})
		require.ErrorIs(t, err, ledgerdomain.ErrDescriptionTooLong)
	})

	t.Run("metadata too large", func(t *testing.T) {
		header := f.header()
		header.Metadata = map[string]any{}
		for i := 0; i <= config.DefaultEngineConfig().MaxMetadataKeys; i++ {
			header.Metadata[fmt.Sprintf("k%d", i)] = i
		}
		_, err := env.svc.ApplyCommand(context.Background(), ledgerdomain.UsageEventProcessed{
			CommandHeader: header,
			UsageEventID:  event.ID,
		})
		require.ErrorIs(t, err, ledgerdomain.ErrMetadataTooLarge)
	})
}

func TestApplyCommand_CrossLivemodeIsInvisible(t *testing.T) {
	env := newTestEnv(t)
	f := env.seedFixture(t)
	event := env.seedUsageEvent(t, f, 100, time.Now())

	header := f.header()
	header.Livemode = false

	_, err := env.svc.ApplyCommand(context.Background(), ledgerdomain.UsageEventProcessed{
		CommandHeader: header,
		UsageEventID:  event.ID,
	})
	require.True(t, ledgerdomain.IsNotFound(err), "expected not-found, got %v", err)
}

func TestApplyCommand_UnknownSourceRecord(t *testing.T) {
	env := newTestEnv(t)
	f := env.seedFixture(t)

	_, err := env.svc.ApplyCommand(context.Background(), ledgerdomain.UsageEventProcessed{
		CommandHeader: f.header(),
		UsageEventID:  env.node.Generate(),
	})
	require.True(t, ledgerdomain.IsNotFound(err), "expected not-found, got %v", err)

	// Nothing was written.
	var count int64
	require.NoError(t, env.db.Model(&ledgerdomain.LedgerTransaction{}).Count(&count).Error)
	require.Equal(t, int64(0), count)
}
