// Package domain contains usage event source records and the ingest service
// contract.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

var (
	ErrInvalidOrganization = errors.New("invalid_organization")
	ErrInvalidSubscription = errors.New("invalid_subscription")
	ErrInvalidMeterCode    = errors.New("invalid_meter_code")
	ErrInvalidQuantity     = errors.New("invalid_quantity")
	ErrMeterNotFound       = errors.New("meter_not_found")
	ErrSubscriptionUnknown = errors.New("subscription_not_found")
)

// UsageEvent is one observed unit of consumption. Amount is the billable
// quantity in the meter's smallest unit.
type UsageEvent struct {
	ID              snowflake.ID      `gorm:"primaryKey"`
	OrgID           snowflake.ID      `gorm:"not null;index;uniqueIndex:ux_usage_events_idem,priority:1"`
	Livemode        bool              `gorm:"not null;uniqueIndex:ux_usage_events_idem,priority:2"`
	SubscriptionID  snowflake.ID      `gorm:"not null;index"`
	UsageMeterID    snowflake.ID      `gorm:"not null;index"`
	BillingPeriodID *snowflake.ID     `gorm:"index"`
	Amount          int64             `gorm:"not null"`
	IdempotencyKey  *string           `gorm:"type:text;uniqueIndex:ux_usage_events_idem,priority:3"`
	Properties      datatypes.JSONMap `gorm:"type:jsonb"`
	RecordedAt      time.Time         `gorm:"not null;index"`
	ProcessedAt     *time.Time        `gorm:"index"`
	CreatedAt       time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (UsageEvent) TableName() string { return "usage_events" }

type IngestRequest struct {
	MeterCode      string         `json:"meter_code"`
	SubscriptionID string         `json:"subscription_id"`
	Amount         int64          `json:"amount"`
	IdempotencyKey string         `json:"idempotency_key"`
	RecordedAt     *time.Time     `json:"recorded_at"`
	Properties     map[string]any `json:"properties"`
}

type IngestResponse struct {
	UsageEventID        string `json:"usage_event_id"`
	LedgerTransactionID string `json:"ledger_transaction_id,omitempty"`
	Duplicate           bool   `json:"duplicate"`
}

type Service interface {
	Ingest(ctx context.Context, req IngestRequest) (*IngestResponse, error)
}
