package cache

import (
	"fmt"
	"strings"
	"time"

	"github.com/smallbiznis/ledgerd/internal/config"
)

// BalanceSnapshot is a cached read-model balance for one subscription/meter
// pair. Amounts are in the meter's smallest unit.
type BalanceSnapshot struct {
	SubscriptionID string
	UsageMeterID   string
	Debits         int64
	Credits        int64
	Net            int64
	EntryCount     int
	LastEntryID    string
	ComputedAt     time.Time
}

// BalanceCache stores recently computed balances. Writers invalidate the
// affected pair inside the same request that commits the transaction, so a
// stale read can only be served for a balance that no command touched.
type BalanceCache interface {
	Get(orgID string, livemode bool, subscriptionID, usageMeterID string) (BalanceSnapshot, bool)
	Set(orgID string, livemode bool, snapshot BalanceSnapshot)
	Invalidate(orgID string, livemode bool, subscriptionID, usageMeterID string)
}

type balanceCache struct {
	holder *config.EngineConfigHolder
	inner  Cache[string, BalanceSnapshot]
}

// NewBalanceCache returns an in-memory balance cache whose TTL follows the
// hot-reloadable engine config.
func NewBalanceCache(holder *config.EngineConfigHolder) BalanceCache {
	return &balanceCache{
		holder: holder,
		inner:  NewTTLCache[string, BalanceSnapshot](),
	}
}

func (c *balanceCache) Get(orgID string, livemode bool, subscriptionID, usageMeterID string) (BalanceSnapshot, bool) {
	return c.inner.Get(balanceKey(orgID, livemode, subscriptionID, usageMeterID))
}

func (c *balanceCache) Set(orgID string, livemode bool, snapshot BalanceSnapshot) {
	ttl := c.holder.Get().BalanceCacheTTL
	if ttl <= 0 {
		return
	}
	c.inner.Set(balanceKey(orgID, livemode, snapshot.SubscriptionID, snapshot.UsageMeterID), snapshot, ttl)
}

func (c *balanceCache) Invalidate(orgID string, livemode bool, subscriptionID, usageMeterID string) {
	c.inner.Delete(balanceKey(orgID, livemode, subscriptionID, usageMeterID))
}

func balanceKey(orgID string, livemode bool, subscriptionID, usageMeterID string) string {
	return fmt.Sprintf("%s|%t|%s|%s",
		strings.TrimSpace(orgID),
		livemode,
		strings.TrimSpace(subscriptionID),
		strings.TrimSpace(usageMeterID),
	)
}
