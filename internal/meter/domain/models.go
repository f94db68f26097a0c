// Package domain contains usage meter definitions.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

type AggregationType string

const (
	AggregationSum   AggregationType = "sum"
	AggregationCount AggregationType = "count"
	AggregationMax   AggregationType = "max"
)

type MeterStatus string

const (
	MeterStatusActive   MeterStatus = "active"
	MeterStatusArchived MeterStatus = "archived"
)

// UsageMeter defines one metered dimension of a subscription.
type UsageMeter struct {
	ID             snowflake.ID    `gorm:"primaryKey"`
	OrgID          snowflake.ID    `gorm:"not null;index;uniqueIndex:ux_usage_meters_org_code,priority:1"`
	Livemode       bool            `gorm:"not null;uniqueIndex:ux_usage_meters_org_code,priority:2"`
	Code           string          `gorm:"type:text;not null;uniqueIndex:ux_usage_meters_org_code,priority:3"`
	DisplayName    string          `gorm:"type:text;not null"`
	PricingModelID *snowflake.ID   `gorm:"index"`
	Aggregation    AggregationType `gorm:"type:text;not null;default:sum"`
	Status         MeterStatus     `gorm:"type:text;not null;default:active"`
	CreatedAt      time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt      time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (UsageMeter) TableName() string { return "usage_meters" }
