// Package domain defines the ledger data model: commands in, transactions
// and entries out.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// CommandType discriminates the nine ledger command variants.
type CommandType string

const (
	CommandUsageEventProcessed      CommandType = "usage_event_processed"
	CommandPaymentConfirmed         CommandType = "payment_confirmed"
	CommandPromoCreditGranted       CommandType = "promo_credit_granted"
	CommandBillingRunUsageProcessed CommandType = "billing_run_usage_processed"
	CommandBillingRunCreditApplied  CommandType = "billing_run_credit_applied"
	CommandAdminCreditAdjusted      CommandType = "admin_credit_adjusted"
	CommandCreditGrantExpired       CommandType = "credit_grant_expired"
	CommandPaymentRefunded          CommandType = "payment_refunded"
	CommandBillingRecalculated      CommandType = "billing_recalculated"
)

// EntryDirection is credit (balance up) or debit (balance down).
type EntryDirection string

const (
	EntryDirectionCredit EntryDirection = "credit"
	EntryDirectionDebit  EntryDirection = "debit"
)

// EntryType tags the semantic reason an entry exists.
type EntryType string

const (
	EntryTypeUsageConsumption  EntryType = "usage_consumption"
	EntryTypeCreditApplication EntryType = "credit_application"
	EntryTypeCreditGrant       EntryType = "credit_grant"
	EntryTypePromoCreditGrant  EntryType = "promotional_credit_grant"
	EntryTypeAdminAdjustment   EntryType = "admin_adjustment"
	EntryTypeCreditExpiry      EntryType = "credit_expiry"
	EntryTypeRefundReversal    EntryType = "refund_reversal"
	EntryTypeRecalculation     EntryType = "recalculation"
)

type EntryStatus string

const (
	EntryStatusPosted  EntryStatus = "posted"
	EntryStatusPending EntryStatus = "pending"
)

// LedgerTransaction is the durable record of one command having been applied.
// At most one row exists per (command_type, initiating_source_id); that
// uniqueness is the idempotency contract.
type LedgerTransaction struct {
	ID                 snowflake.ID      `gorm:"primaryKey"`
	OrgID              snowflake.ID      `gorm:"not null;index"`
	Livemode           bool              `gorm:"not null;index"`
	SubscriptionID     snowflake.ID      `gorm:"not null;index"`
	CommandType        CommandType       `gorm:"type:text;not null;uniqueIndex:ux_ledger_transactions_command_source,priority:1"`
	InitiatingSourceID string            `gorm:"type:text;not null;uniqueIndex:ux_ledger_transactions_command_source,priority:2"`
	PricingModelID     *snowflake.ID     `gorm:"index"`
	Description        string            `gorm:"type:text"`
	Metadata           datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt          time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (LedgerTransaction) TableName() string { return "ledger_transactions" }

// LedgerEntry is one immutable credit or debit row. Amount is always a
// strictly positive integer; the sign of its effect comes from Direction.
// Corrections are new rows referencing the old one via AppliedToLedgerItemID,
// never updates.
type LedgerEntry struct {
	ID                  snowflake.ID   `gorm:"primaryKey"`
	LedgerTransactionID snowflake.ID   `gorm:"not null;index"`
	OrgID               snowflake.ID   `gorm:"not null;index"`
	Livemode            bool           `gorm:"not null"`
	SubscriptionID      snowflake.ID   `gorm:"not null;index:ix_ledger_entries_sub_ts,priority:1"`
	EntryTimestamp      time.Time      `gorm:"not null;index:ix_ledger_entries_sub_ts,priority:2"`
	Status              EntryStatus    `gorm:"type:text;not null;index:ix_ledger_entries_status_discarded,priority:1"`
	Direction           EntryDirection `gorm:"type:text;not null"`
	EntryType           EntryType      `gorm:"type:text;not null"`
	Amount              int64          `gorm:"not null"`
	Description         string         `gorm:"type:text"`
	DiscardedAt         *time.Time     `gorm:"index:ix_ledger_entries_status_discarded,priority:2"`

	// Exactly one source reference is populated, consistent with EntryType.
	UsageEventID        *snowflake.ID `gorm:"index"`
	UsageCreditID       *snowflake.ID `gorm:"index"`
	PaymentID           *snowflake.ID `gorm:"index"`
	CreditApplicationID *snowflake.ID `gorm:"index"`
	BalanceAdjustmentID *snowflake.ID `gorm:"index"`

	AppliedToLedgerItemID *snowflake.ID `gorm:"index"`
	BillingPeriodID       *snowflake.ID `gorm:"index"`
	UsageMeterID          *snowflake.ID `gorm:"index"`
	CalculationRunID      *snowflake.ID `gorm:"index"`
	PricingModelID        *snowflake.ID `gorm:"index"`

	Metadata  datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (LedgerEntry) TableName() string { return "ledger_entries" }

// SignedAmount returns the entry's effect on a balance.
func (e *LedgerEntry) SignedAmount() int64 {
	if e.Direction == EntryDirectionDebit {
		return -e.Amount
	}
	return e.Amount
}
