package pricing

import (
	"context"

	"github.com/bwmarrin/snowflake"
	billingperioddomain "github.com/smallbiznis/ledgerd/internal/billingperiod/domain"
	meterdomain "github.com/smallbiznis/ledgerd/internal/meter/domain"
	subscriptiondomain "github.com/smallbiznis/ledgerd/internal/subscription/domain"
	"gorm.io/gorm"
)

const (
	KindSubscription    = "subscription"
	KindBillingPeriod   = "billing_period"
	KindUsageMeter      = "usage_meter"
	KindCheckoutSession = "checkout_session"
)

// Loader batch-fetches id to pricing-model maps for the resolver.
type Loader struct {
	db *gorm.DB
}

func NewLoader(db *gorm.DB) *Loader {
	return &Loader{db: db}
}

// WithDB returns a loader bound to an existing transaction so lookups share
// the caller's isolation level.
func (l *Loader) WithDB(db *gorm.DB) *Loader {
	if db == nil {
		return l
	}
	return &Loader{db: db}
}

type contextRow struct {
	ID             snowflake.ID
	PricingModelID *snowflake.ID
}

func (l *Loader) lookup(ctx context.Context, model any, orgID snowflake.ID, livemode bool, ids []snowflake.ID) (map[snowflake.ID]snowflake.ID, error) {
	out := make(map[snowflake.ID]snowflake.ID, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	var rows []contextRow
	err := l.db.WithContext(ctx).
		Model(model).
		Select("id", "pricing_model_id").
		Where("org_id = ? AND livemode = ? AND id IN ?", orgID, livemode, ids).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		if row.PricingModelID != nil && *row.PricingModelID != 0 {
			out[row.ID] = *row.PricingModelID
		}
	}
	return out, nil
}

func (l *Loader) SubscriptionContexts(ctx context.Context, orgID snowflake.ID, livemode bool, ids []snowflake.ID) (map[snowflake.ID]snowflake.ID, error) {
	return l.lookup(ctx, &subscriptiondomain.Subscription{}, orgID, livemode, ids)
}

func (l *Loader) BillingPeriodContexts(ctx context.Context, orgID snowflake.ID, livemode bool, ids []snowflake.ID) (map[snowflake.ID]snowflake.ID, error) {
	return l.lookup(ctx, &billingperioddomain.BillingPeriod{}, orgID, livemode, ids)
}

func (l *Loader) UsageMeterContexts(ctx context.Context, orgID snowflake.ID, livemode bool, ids []snowflake.ID) (map[snowflake.ID]snowflake.ID, error) {
	return l.lookup(ctx, &meterdomain.UsageMeter{}, orgID, livemode, ids)
}

func (l *Loader) CheckoutSessionContexts(ctx context.Context, orgID snowflake.ID, livemode bool, ids []snowflake.ID) (map[snowflake.ID]snowflake.ID, error) {
	return l.lookup(ctx, &subscriptiondomain.CheckoutSession{}, orgID, livemode, ids)
}

// ContextMaps carries the batch-fetched lookup maps one command application
// needs.
type ContextMaps struct {
	Subscriptions    map[snowflake.ID]snowflake.ID
	BillingPeriods   map[snowflake.ID]snowflake.ID
	UsageMeters      map[snowflake.ID]snowflake.ID
	CheckoutSessions map[snowflake.ID]snowflake.ID
}

// LoadAll fetches every lookup map in one pass. Nil id slices skip their
// query.
func (l *Loader) LoadAll(
	ctx context.Context,
	orgID snowflake.ID,
	livemode bool,
	subscriptionIDs, billingPeriodIDs, usageMeterIDs, checkoutSessionIDs []snowflake.ID,
) (*ContextMaps, error) {
	maps := &ContextMaps{}

	var err error
	if maps.Subscriptions, err = l.SubscriptionContexts(ctx, orgID, livemode, subscriptionIDs); err != nil {
		return nil, err
	}
	if maps.BillingPeriods, err = l.BillingPeriodContexts(ctx, orgID, livemode, billingPeriodIDs); err != nil {
		return nil, err
	}
	if maps.UsageMeters, err = l.UsageMeterContexts(ctx, orgID, livemode, usageMeterIDs); err != nil {
		return nil, err
	}
	if maps.CheckoutSessions, err = l.CheckoutSessionContexts(ctx, orgID, livemode, checkoutSessionIDs); err != nil {
		return nil, err
	}
	return maps, nil
}

// Candidates orders the parent references by resolution priority:
// subscription, billing period, usage meter, checkout session.
func (m *ContextMaps) Candidates(subscriptionID, billingPeriodID, usageMeterID, checkoutSessionID *snowflake.ID) []Candidate {
	return []Candidate{
		{Kind: KindSubscription, ID: subscriptionID, Lookup: m.Subscriptions},
		{Kind: KindBillingPeriod, ID: billingPeriodID, Lookup: m.BillingPeriods},
		{Kind: KindUsageMeter, ID: usageMeterID, Lookup: m.UsageMeters},
		{Kind: KindCheckoutSession, ID: checkoutSessionID, Lookup: m.CheckoutSessions},
	}
}
