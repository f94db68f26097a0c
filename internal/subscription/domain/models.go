// Package domain contains subscription source records referenced by ledger
// commands.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type SubscriptionStatus string

const (
	SubscriptionStatusActive   SubscriptionStatus = "active"
	SubscriptionStatusPaused   SubscriptionStatus = "paused"
	SubscriptionStatusCanceled SubscriptionStatus = "canceled"
)

// Subscription is the billing relationship every ledger entry hangs off.
type Subscription struct {
	ID                 snowflake.ID       `gorm:"primaryKey"`
	OrgID              snowflake.ID       `gorm:"not null;index"`
	Livemode           bool               `gorm:"not null;index"`
	CustomerID         snowflake.ID       `gorm:"not null;index"`
	PricingModelID     *snowflake.ID      `gorm:"index"`
	Status             SubscriptionStatus `gorm:"type:text;not null;index"`
	CurrentPeriodStart time.Time          `gorm:"not null"`
	CurrentPeriodEnd   time.Time          `gorm:"not null"`
	Metadata           datatypes.JSONMap  `gorm:"type:jsonb"`
	CreatedAt          time.Time          `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt          time.Time          `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Subscription) TableName() string { return "subscriptions" }

type CheckoutSessionStatus string

const (
	CheckoutSessionStatusOpen      CheckoutSessionStatus = "open"
	CheckoutSessionStatusCompleted CheckoutSessionStatus = "completed"
	CheckoutSessionStatusExpired   CheckoutSessionStatus = "expired"
)

// CheckoutSession carries a pricing model before a subscription exists. It is
// the lowest-priority pricing-context candidate.
type CheckoutSession struct {
	ID             snowflake.ID          `gorm:"primaryKey"`
	OrgID          snowflake.ID          `gorm:"not null;index"`
	Livemode       bool                  `gorm:"not null"`
	SubscriptionID *snowflake.ID         `gorm:"index"`
	PricingModelID *snowflake.ID         `gorm:"index"`
	Status         CheckoutSessionStatus `gorm:"type:text;not null"`
	ExpiresAt      *time.Time
	CreatedAt      time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (CheckoutSession) TableName() string { return "checkout_sessions" }
