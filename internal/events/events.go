package events

// Event types published to the ledger event stream.
const (
	EventLedgerTransactionApplied = "ledger_transaction_applied"
	EventUsageIngested            = "usage_ingested"
	EventCreditGrantExpired       = "credit_grant_expired"
	EventBillingRunCompleted      = "billing_run_completed"
)

// LedgerTransactionPayload captures the minimal data downstream subscribers
// need to catch up on an applied command.
type LedgerTransactionPayload struct {
	LedgerTransactionID string `json:"ledger_transaction_id"`
	CommandType         string `json:"command_type"`
	InitiatingSourceID  string `json:"initiating_source_id"`
	SubscriptionID      string `json:"subscription_id"`
	EntryCount          int    `json:"entry_count"`
}

// ToMap converts a payload into an outbox-friendly map.
func (p LedgerTransactionPayload) ToMap() map[string]any {
	return map[string]any{
		"ledger_transaction_id": p.LedgerTransactionID,
		"command_type":          p.CommandType,
		"initiating_source_id":  p.InitiatingSourceID,
		"subscription_id":       p.SubscriptionID,
		"entry_count":           p.EntryCount,
	}
}
