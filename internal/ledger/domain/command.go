package domain

import (
	"github.com/bwmarrin/snowflake"
)

// Command is the sealed union of the nine ledger command variants. The
// writer dispatches on the concrete type with an exhaustive switch; a new
// variant cannot be added without extending that switch.
type Command interface {
	CommandType() CommandType
	// InitiatingSourceID is the idempotency key: the id of the external
	// record that caused this command.
	InitiatingSourceID() string
	Header() CommandHeader

	sealedCommand()
}

// CommandHeader carries the fields common to every variant.
type CommandHeader struct {
	OrgID          snowflake.ID
	Livemode       bool
	SubscriptionID snowflake.ID
	Description    string
	Metadata       map[string]any
}

func (h CommandHeader) Header() CommandHeader { return h }

// RefundBehavior selects how PaymentRefunded adjusts previously granted
// credits.
type RefundBehavior string

const (
	RefundRevertAllCredits    RefundBehavior = "revert_all_credits"
	RefundRevertUnusedCredits RefundBehavior = "revert_unused_credits"
	RefundPreserveCredits     RefundBehavior = "preserve_credits"
)

// UsageEventProcessed records consumption for one usage event, optionally
// consuming credit applications against it.
type UsageEventProcessed struct {
	CommandHeader
	UsageEventID         snowflake.ID
	CreditApplicationIDs []snowflake.ID
}

func (UsageEventProcessed) CommandType() CommandType   { return CommandUsageEventProcessed }
func (c UsageEventProcessed) InitiatingSourceID() string { return c.UsageEventID.String() }
func (UsageEventProcessed) sealedCommand()             {}

// PaymentConfirmed funds a usage-credit grant from a settled payment.
type PaymentConfirmed struct {
	CommandHeader
	PaymentID     snowflake.ID
	UsageCreditID snowflake.ID
}

func (PaymentConfirmed) CommandType() CommandType   { return CommandPaymentConfirmed }
func (c PaymentConfirmed) InitiatingSourceID() string { return c.PaymentID.String() }
func (PaymentConfirmed) sealedCommand()             {}

// PromoCreditGranted grants promotional balance with no payment behind it.
type PromoCreditGranted struct {
	CommandHeader
	UsageCreditID snowflake.ID
}

func (PromoCreditGranted) CommandType() CommandType   { return CommandPromoCreditGranted }
func (c PromoCreditGranted) InitiatingSourceID() string { return c.UsageCreditID.String() }
func (PromoCreditGranted) sealedCommand()             {}

// BillingRunUsageProcessed posts a batch of usage events from one
// calculation run.
type BillingRunUsageProcessed struct {
	CommandHeader
	CalculationRunID snowflake.ID
	UsageEventIDs    []snowflake.ID
}

func (BillingRunUsageProcessed) CommandType() CommandType { return CommandBillingRunUsageProcessed }
func (c BillingRunUsageProcessed) InitiatingSourceID() string {
	return c.CalculationRunID.String()
}
func (BillingRunUsageProcessed) sealedCommand() {}

// BillingRunCreditApplied posts a batch of credit grants from one
// calculation run.
type BillingRunCreditApplied struct {
	CommandHeader
	CalculationRunID snowflake.ID
	UsageCreditIDs   []snowflake.ID
}

func (BillingRunCreditApplied) CommandType() CommandType { return CommandBillingRunCreditApplied }
func (c BillingRunCreditApplied) InitiatingSourceID() string {
	return c.CalculationRunID.String()
}
func (BillingRunCreditApplied) sealedCommand() {}

// AdminCreditAdjusted applies an operator-initiated signed correction.
type AdminCreditAdjusted struct {
	CommandHeader
	BalanceAdjustmentID snowflake.ID
}

func (AdminCreditAdjusted) CommandType() CommandType { return CommandAdminCreditAdjusted }
func (c AdminCreditAdjusted) InitiatingSourceID() string {
	return c.BalanceAdjustmentID.String()
}
func (AdminCreditAdjusted) sealedCommand() {}

// CreditGrantExpired debits the unused remainder of an expiring grant.
// ExpiredAmount is supplied by the caller and must be positive.
type CreditGrantExpired struct {
	CommandHeader
	UsageCreditID snowflake.ID
	ExpiredAmount int64
}

func (CreditGrantExpired) CommandType() CommandType   { return CommandCreditGrantExpired }
func (c CreditGrantExpired) InitiatingSourceID() string { return c.UsageCreditID.String() }
func (CreditGrantExpired) sealedCommand()             {}

// PaymentRefunded reverses credits funded by a refunded payment according to
// Behavior.
type PaymentRefunded struct {
	CommandHeader
	RefundID snowflake.ID
	Behavior RefundBehavior
}

func (PaymentRefunded) CommandType() CommandType   { return CommandPaymentRefunded }
func (c PaymentRefunded) InitiatingSourceID() string { return c.RefundID.String() }
func (PaymentRefunded) sealedCommand()             {}

// BillingRecalculated corrects a period by the delta between a new and a
// superseded calculation run.
type BillingRecalculated struct {
	CommandHeader
	NewCalculationID snowflake.ID
	OldCalculationID snowflake.ID
}

func (BillingRecalculated) CommandType() CommandType { return CommandBillingRecalculated }
func (c BillingRecalculated) InitiatingSourceID() string {
	return c.NewCalculationID.String()
}
func (BillingRecalculated) sealedCommand() {}
