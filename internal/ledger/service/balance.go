package service

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/ledgerd/internal/cache"
	ledgerdomain "github.com/smallbiznis/ledgerd/internal/ledger/domain"
)

// GetBalance folds all non-discarded entries for the subscription (optionally
// scoped to one meter) up to the cutoff. Pure read; safe to call concurrently
// with writers.
func (s *Service) GetBalance(ctx context.Context, req ledgerdomain.BalanceRequest) (*ledgerdomain.Balance, error) {
	if req.OrgID == 0 {
		return nil, ledgerdomain.ErrInvalidOrganization
	}
	if req.SubscriptionID == 0 {
		return nil, ledgerdomain.ErrInvalidSubscription
	}

	asOf := time.Now().UTC()
	pointInTime := req.AsOf != nil
	if pointInTime {
		asOf = req.AsOf.UTC()
	}

	meterKey := ""
	if req.UsageMeterID != nil {
		meterKey = req.UsageMeterID.String()
	}

	// Point-in-time reads bypass the cache; it only holds "now" balances.
	if !pointInTime && s.balanceCache != nil {
		if snapshot, ok := s.balanceCache.Get(req.OrgID.String(), req.Livemode, req.SubscriptionID.String(), meterKey); ok {
			if s.obsMetrics != nil {
				s.obsMetrics.RecordBalanceRead(ctx, true)
			}
			return balanceFromSnapshot(req, snapshot), nil
		}
	}

	query := s.db.WithContext(ctx).
		Model(&ledgerdomain.LedgerEntry{}).
		Select("id", "direction", "amount").
		Where("org_id = ? AND livemode = ? AND subscription_id = ?", req.OrgID, req.Livemode, req.SubscriptionID).
		Where("entry_timestamp <= ? AND discarded_at IS NULL", asOf).
		Order("entry_timestamp ASC, id ASC")
	if req.UsageMeterID != nil {
		query = query.Where("usage_meter_id = ?", *req.UsageMeterID)
	}

	var rows []ledgerdomain.LedgerEntry
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}

	balance := &ledgerdomain.Balance{
		SubscriptionID: req.SubscriptionID,
		UsageMeterID:   req.UsageMeterID,
		AsOf:           asOf,
	}
	for _, row := range rows {
		if row.Direction == ledgerdomain.EntryDirectionCredit {
			balance.Credits += row.Amount
		} else {
			balance.Debits += row.Amount
		}
		balance.EntryCount++
		lastID := row.ID
		balance.LastEntryID = &lastID
	}
	balance.Net = balance.Credits - balance.Debits

	if !pointInTime && s.balanceCache != nil {
		s.balanceCache.Set(req.OrgID.String(), req.Livemode, cache.BalanceSnapshot{
			SubscriptionID: req.SubscriptionID.String(),
			UsageMeterID:   meterKey,
			Debits:         balance.Debits,
			Credits:        balance.Credits,
			Net:            balance.Net,
			EntryCount:     balance.EntryCount,
			LastEntryID:    lastEntryString(balance.LastEntryID),
			ComputedAt:     asOf,
		})
	}
	if s.obsMetrics != nil {
		s.obsMetrics.RecordBalanceRead(ctx, false)
	}
	return balance, nil
}

func balanceFromSnapshot(req ledgerdomain.BalanceRequest, snapshot cache.BalanceSnapshot) *ledgerdomain.Balance {
	balance := &ledgerdomain.Balance{
		SubscriptionID: req.SubscriptionID,
		UsageMeterID:   req.UsageMeterID,
		Credits:        snapshot.Credits,
		Debits:         snapshot.Debits,
		Net:            snapshot.Net,
		EntryCount:     snapshot.EntryCount,
		AsOf:           snapshot.ComputedAt,
		Cached:         true,
	}
	if snapshot.LastEntryID != "" {
		if id, err := snowflake.ParseString(snapshot.LastEntryID); err == nil {
			balance.LastEntryID = &id
		}
	}
	return balance
}

func lastEntryString(id *snowflake.ID) string {
	if id == nil {
		return ""
	}
	return id.String()
}
