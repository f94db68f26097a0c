// Package domain contains payment and refund source records.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "pending"
	PaymentStatusConfirmed PaymentStatus = "confirmed"
	PaymentStatusFailed    PaymentStatus = "failed"
	PaymentStatusRefunded  PaymentStatus = "refunded"
)

// Payment is an already-settled charge. The provider integration computes
// fees and taxes upstream; the amount here is the net credit to fund.
type Payment struct {
	ID             snowflake.ID      `gorm:"primaryKey"`
	OrgID          snowflake.ID      `gorm:"not null;index"`
	Livemode       bool              `gorm:"not null"`
	SubscriptionID snowflake.ID      `gorm:"not null;index"`
	Amount         int64             `gorm:"not null"`
	Currency       string            `gorm:"type:text;not null"`
	Status         PaymentStatus     `gorm:"type:text;not null;index"`
	ProviderRef    *string           `gorm:"type:text"`
	ConfirmedAt    *time.Time        `gorm:"index"`
	Metadata       datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt      time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt      time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Payment) TableName() string { return "payments" }

type RefundStatus string

const (
	RefundStatusPending   RefundStatus = "pending"
	RefundStatusSucceeded RefundStatus = "succeeded"
	RefundStatusFailed    RefundStatus = "failed"
)

// Refund is money returned against a payment.
type Refund struct {
	ID        snowflake.ID      `gorm:"primaryKey"`
	OrgID     snowflake.ID      `gorm:"not null;index"`
	Livemode  bool              `gorm:"not null"`
	PaymentID snowflake.ID      `gorm:"not null;index"`
	Amount    int64             `gorm:"not null"`
	Currency  string            `gorm:"type:text;not null"`
	Status    RefundStatus      `gorm:"type:text;not null"`
	Reason    *string           `gorm:"type:text"`
	Metadata  datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Refund) TableName() string { return "refunds" }
