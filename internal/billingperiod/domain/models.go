// Package domain contains billing period and calculation run source records.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type PeriodStatus string

const (
	PeriodStatusOpen       PeriodStatus = "open"
	PeriodStatusClosed     PeriodStatus = "closed"
	PeriodStatusCalculated PeriodStatus = "calculated"
)

// BillingPeriod is one invoicing window of a subscription.
type BillingPeriod struct {
	ID             snowflake.ID  `gorm:"primaryKey"`
	OrgID          snowflake.ID  `gorm:"not null;index"`
	Livemode       bool          `gorm:"not null"`
	SubscriptionID snowflake.ID  `gorm:"not null;index"`
	PricingModelID *snowflake.ID `gorm:"index"`
	StartAt        time.Time     `gorm:"not null;index"`
	EndAt          time.Time     `gorm:"not null;index"`
	Status         PeriodStatus  `gorm:"type:text;not null;default:open"`
	CreatedAt      time.Time     `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt      time.Time     `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (BillingPeriod) TableName() string { return "billing_periods" }

type CalculationStatus string

const (
	CalculationStatusPending    CalculationStatus = "pending"
	CalculationStatusPosted     CalculationStatus = "posted"
	CalculationStatusSuperseded CalculationStatus = "superseded"
)

// BillingPeriodCalculation is one run of totalling a period. Recalculations
// create a new row pointing at the run they supersede; runs are never edited.
type BillingPeriodCalculation struct {
	ID              snowflake.ID      `gorm:"primaryKey"`
	OrgID           snowflake.ID      `gorm:"not null;index"`
	Livemode        bool              `gorm:"not null"`
	BillingPeriodID snowflake.ID      `gorm:"not null;index"`
	SubscriptionID  snowflake.ID      `gorm:"not null;index"`
	TotalAmount     int64             `gorm:"not null"`
	Status          CalculationStatus `gorm:"type:text;not null;default:pending"`
	SupersedesID    *snowflake.ID     `gorm:"index"`
	CalculatedAt    time.Time         `gorm:"not null"`
	Metadata        datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt       time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (BillingPeriodCalculation) TableName() string { return "billing_period_calculations" }
