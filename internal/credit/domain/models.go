// Package domain contains usage credit grants, their applications against
// consumption, and administrative balance adjustments.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type CreditType string

const (
	CreditTypePayment     CreditType = "payment"
	CreditTypePromotional CreditType = "promotional"
)

type CreditStatus string

const (
	CreditStatusGranted  CreditStatus = "granted"
	CreditStatusExpired  CreditStatus = "expired"
	CreditStatusReverted CreditStatus = "reverted"
)

// UsageCredit is a grant of prepaid or promotional balance. Amount is the
// granted total; consumption is tracked by CreditApplication rows and the
// ledger, never by mutating this record.
type UsageCredit struct {
	ID             snowflake.ID      `gorm:"primaryKey"`
	OrgID          snowflake.ID      `gorm:"not null;index"`
	Livemode       bool              `gorm:"not null"`
	SubscriptionID snowflake.ID      `gorm:"not null;index"`
	PaymentID      *snowflake.ID     `gorm:"index"`
	Type           CreditType        `gorm:"type:text;not null"`
	Status         CreditStatus      `gorm:"type:text;not null;default:granted"`
	Amount         int64             `gorm:"not null"`
	Currency       string            `gorm:"type:text;not null"`
	ExpiresAt      *time.Time        `gorm:"index"`
	Metadata       datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt      time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt      time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (UsageCredit) TableName() string { return "usage_credits" }

// CreditApplication records a slice of a grant being consumed by one usage
// event.
type CreditApplication struct {
	ID            snowflake.ID  `gorm:"primaryKey"`
	OrgID         snowflake.ID  `gorm:"not null;index"`
	Livemode      bool          `gorm:"not null"`
	UsageCreditID snowflake.ID  `gorm:"not null;index"`
	UsageEventID  *snowflake.ID `gorm:"index"`
	Amount        int64         `gorm:"not null"`
	AppliedAt     time.Time     `gorm:"not null"`
	CreatedAt     time.Time     `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (CreditApplication) TableName() string { return "credit_applications" }

// BalanceAdjustment is an operator-initiated signed correction. Amount keeps
// its sign here; the ledger derives direction from it and stores the absolute
// value.
type BalanceAdjustment struct {
	ID             snowflake.ID      `gorm:"primaryKey"`
	OrgID          snowflake.ID      `gorm:"not null;index"`
	Livemode       bool              `gorm:"not null"`
	SubscriptionID snowflake.ID      `gorm:"not null;index"`
	Amount         int64             `gorm:"not null"`
	Reason         string            `gorm:"type:text;not null"`
	ActorID        *string           `gorm:"type:text"`
	Metadata       datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt      time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (BalanceAdjustment) TableName() string { return "balance_adjustments" }
