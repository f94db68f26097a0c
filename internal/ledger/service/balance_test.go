package service

import (
	"context"
	"testing"
	"time"

	ledgerdomain "github.com/smallbiznis/ledgerd/internal/ledger/domain"
	"github.com/stretchr/testify/require"
)

// seedEntry writes one entry row directly, bypassing the command path. Used
// to stage historic states like discarded entries.
func (e *testEnv) seedEntry(t *testing.T, f fixture, direction ledgerdomain.EntryDirection, amount int64, ts time.Time, discardedAt *time.Time) ledgerdomain.LedgerEntry {
	t.Helper()

	txn := ledgerdomain.LedgerTransaction{
		ID:                 e.node.Generate(),
		OrgID:              f.orgID,
		Livemode:           true,
		SubscriptionID:     f.subscriptionID,
		CommandType:        ledgerdomain.CommandAdminCreditAdjusted,
		InitiatingSourceID: e.node.Generate().String(),
		CreatedAt:          ts,
	}
	require.NoError(t, e.db.Create(&txn).Error)

	entry := ledgerdomain.LedgerEntry{
		ID:                  e.node.Generate(),
		LedgerTransactionID: txn.ID,
		OrgID:               f.orgID,
		Livemode:            true,
		SubscriptionID:      f.subscriptionID,
		EntryTimestamp:      ts.UTC(),
		Status:              ledgerdomain.EntryStatusPosted,
		Direction:           direction,
		EntryType:           ledgerdomain.EntryTypeAdminAdjustment,
		Amount:              amount,
		DiscardedAt:         discardedAt,
		CreatedAt:           ts,
	}
	require.NoError(t, e.db.Create(&entry).Error)
	return entry
}

func TestGetBalance_FoldsDirections(t *testing.T) {
	env := newTestEnv(t)
	f := env.seedFixture(t)
	now := time.Now().UTC()

	env.seedEntry(t, f, ledgerdomain.EntryDirectionCredit, 5000, now.Add(-3*time.Hour), nil)
	env.seedEntry(t, f, ledgerdomain.EntryDirectionDebit, 1200, now.Add(-2*time.Hour), nil)
	env.seedEntry(t, f, ledgerdomain.EntryDirectionDebit, 300, now.Add(-time.Hour), nil)

	balance, err := env.svc.GetBalance(context.Background(), ledgerdomain.BalanceRequest{
		OrgID:          f.orgID,
		Livemode:       true,
		SubscriptionID: f.subscriptionID,
	})
	require.NoError(t, err)
	require.Equal(t, int64(5000), balance.Credits)
	require.Equal(t, int64(1500), balance.Debits)
	require.Equal(t, int64(3500), balance.Net)
	require.Equal(t, 3, balance.EntryCount)
	require.NotNil(t, balance.LastEntryID)
}

func TestGetBalance_ExcludesDiscardedEntries(t *testing.T) {
	env := newTestEnv(t)
	f := env.seedFixture(t)
	now := time.Now().UTC()
	discarded := now.Add(-time.Minute)

	env.seedEntry(t, f, ledgerdomain.EntryDirectionCredit, 1000, now.Add(-2*time.Hour), nil)
	env.seedEntry(t, f, ledgerdomain.EntryDirectionDebit, 400, now.Add(-time.Hour), &discarded)

	balance, err := env.svc.GetBalance(context.Background(), ledgerdomain.BalanceRequest{
		OrgID:          f.orgID,
		Livemode:       true,
		SubscriptionID: f.subscriptionID,
	})
	require.NoError(t, err)
	require.Equal(t, int64(1000), balance.Net)
	require.Equal(t, 1, balance.EntryCount)
}

func TestGetBalance_PointInTimeCutoff(t *testing.T) {
	env := newTestEnv(t)
	f := env.seedFixture(t)
	now := time.Now().UTC()

	env.seedEntry(t, f, ledgerdomain.EntryDirectionCredit, 700, now.Add(-2*time.Hour), nil)
	env.seedEntry(t, f, ledgerdomain.EntryDirectionDebit, 200, now.Add(-30*time.Minute), nil)

	cutoff := now.Add(-time.Hour)
	balance, err := env.svc.GetBalance(context.Background(), ledgerdomain.BalanceRequest{
		OrgID:          f.orgID,
		Livemode:       true,
		SubscriptionID: f.subscriptionID,
		AsOf:           &cutoff,
	})
	require.NoError(t, err)
	require.Equal(t, int64(700), balance.Net)
	require.Equal(t, 1, balance.EntryCount)
	require.False(t, balance.Cached)
}

func TestGetBalance_CacheHitAndInvalidation(t *testing.T) {
	env := newTestEnv(t)
	f := env.seedFixture(t)
	event := env.seedUsageEvent(t, f, 50, time.Now())

	req := ledgerdomain.BalanceRequest{
		OrgID:          f.orgID,
		Livemode:       true,
		SubscriptionID: f.subscriptionID,
	}

	first, err := env.svc.GetBalance(context.Background(), req)
	require.NoError(t, err)
	require.False(t, first.Cached)

	second, err := env.svc.GetBalance(context.Background(), req)
	require.NoError(t, err)
	require.True(t, second.Cached)
	require.Equal(t, first.Net, second.Net)

	// Applying a command invalidates the cached pair.
	_, err = env.svc.ApplyCommand(context.Background(), ledgerdomain.UsageEventProcessed{
		CommandHeader: f.header(),
		UsageEventID:  event.ID,
	})
	require.NoError(t, err)

	third, err := env.svc.GetBalance(context.Background(), req)
	require.NoError(t, err)
	require.False(t, third.Cached)
	require.Equal(t, int64(-50), third.Net)
}

func TestGetBalance_MeterScoped(t *testing.T) {
	env := newTestEnv(t)
	f := env.seedFixture(t)
	event := env.seedUsageEvent(t, f, 80, time.Now())

	_, err := env.svc.ApplyCommand(context.Background(), ledgerdomain.UsageEventProcessed{
		CommandHeader: f.header(),
		UsageEventID:  event.ID,
	})
	require.NoError(t, err)

	// A meterless admin entry must not leak into the meter-scoped read.
	env.seedEntry(t, f, ledgerdomain.EntryDirectionCredit, 999, time.Now().UTC(), nil)

	meterID := f.meterID
	balance, err := env.svc.GetBalance(context.Background(), ledgerdomain.BalanceRequest{
		OrgID:          f.orgID,
		Livemode:       true,
		SubscriptionID: f.subscriptionID,
		UsageMeterID:   &meterID,
	})
	require.NoError(t, err)
	require.Equal(t, int64(-80), balance.Net)
	require.Equal(t, 1, balance.EntryCount)
}

func TestGetBalance_Validation(t *testing.T) {
	env := newTestEnv(t)
	f := env.seedFixture(t)

	_, err := env.svc.GetBalance(context.Background(), ledgerdomain.BalanceRequest{
		Livemode:       true,
		SubscriptionID: f.subscriptionID,
	})
	require.ErrorIs(t, err, ledgerdomain.ErrInvalidOrganization)

	_, err = env.svc.GetBalance(context.Background(), ledgerdomain.BalanceRequest{
		OrgID:    f.orgID,
		Livemode: true,
	})
	require.ErrorIs(t, err, ledgerdomain.ErrInvalidSubscription)
}
