package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	ledgerdomain "github.com/smallbiznis/ledgerd/internal/ledger/domain"
	"github.com/smallbiznis/ledgerd/internal/orgcontext"
)

type transactionJSON struct {
	ID                 string         `json:"id"`
	SubscriptionID     string         `json:"subscription_id"`
	CommandType        string         `json:"command_type"`
	InitiatingSourceID string         `json:"initiating_source_id"`
	PricingModelID     string         `json:"pricing_model_id,omitempty"`
	Description        string         `json:"description,omitempty"`
	Metadata           map[string]any `json:"metadata,omitempty"`
	Livemode           bool           `json:"livemode"`
	CreatedAt          time.Time      `json:"created_at"`
}

type entryJSON struct {
	ID                    string    `json:"id"`
	LedgerTransactionID   string    `json:"ledger_transaction_id"`
	SubscriptionID        string    `json:"subscription_id"`
	EntryTimestamp        time.Time `json:"entry_timestamp"`
	Status                string    `json:"status"`
	Direction             string    `json:"direction"`
	EntryType             string    `json:"entry_type"`
	Amount                int64     `json:"amount"`
	Description           string    `json:"description,omitempty"`
	DiscardedAt           *time.Time `json:"discarded_at,omitempty"`
	UsageEventID          string    `json:"usage_event_id,omitempty"`
	UsageCreditID         string    `json:"usage_credit_id,omitempty"`
	PaymentID             string    `json:"payment_id,omitempty"`
	CreditApplicationID   string    `json:"credit_application_id,omitempty"`
	BalanceAdjustmentID   string    `json:"balance_adjustment_id,omitempty"`
	AppliedToLedgerItemID string    `json:"applied_to_ledger_item_id,omitempty"`
	BillingPeriodID       string    `json:"billing_period_id,omitempty"`
	UsageMeterID          string    `json:"usage_meter_id,omitempty"`
	CalculationRunID      string    `json:"calculation_run_id,omitempty"`
	PricingModelID        string    `json:"pricing_model_id,omitempty"`
	CreatedAt             time.Time `json:"created_at"`
}

type applyResultJSON struct {
	Transaction transactionJSON `json:"transaction"`
	Entries     []entryJSON     `json:"entries"`
	Replayed    bool            `json:"replayed"`
}

// applyCommand is POST /v1/ledger/commands: the single inbound operation of
// the ledger engine.
func (h *Handlers) applyCommand(c *gin.Context) {
	orgID, ok := orgcontext.OrgIDFromContext(c.Request.Context())
	if !ok {
		AbortWithError(c, errMissingOrg)
		return
	}
	livemode := orgcontext.LivemodeFromContext(c.Request.Context())

	var raw ledgerdomain.RawCommand
	if err := c.ShouldBindJSON(&raw); err != nil {
		AbortWithError(c, ledgerdomain.NewValidationError("body", "is not valid json"))
		return
	}

	cmd, err := ledgerdomain.DecodeCommand(orgID, livemode, raw)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	result, err := h.ledger.ApplyCommand(c.Request.Context(), cmd)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	status := http.StatusCreated
	if result.Replayed {
		status = http.StatusOK
	}
	c.JSON(status, toApplyResultJSON(result))
}

// getBalance is GET /v1/subscriptions/:id/balance.
func (h *Handlers) getBalance(c *gin.Context) {
	orgID, ok := orgcontext.OrgIDFromContext(c.Request.Context())
	if !ok {
		AbortWithError(c, errMissingOrg)
		return
	}

	subscriptionID, err := snowflake.ParseString(strings.TrimSpace(c.Param("id")))
	if err != nil || subscriptionID == 0 {
		AbortWithError(c, ledgerdomain.NewValidationError("id", "is not a valid subscription id"))
		return
	}

	req := ledgerdomain.BalanceRequest{
		OrgID:          orgID,
		Livemode:       orgcontext.LivemodeFromContext(c.Request.Context()),
		SubscriptionID: subscriptionID,
	}

	if meter := strings.TrimSpace(c.Query("usage_meter_id")); meter != "" {
		meterID, err := snowflake.ParseString(meter)
		if err != nil || meterID == 0 {
			AbortWithError(c, ledgerdomain.NewValidationError("usage_meter_id", "is not a valid id"))
			return
		}
		req.UsageMeterID = &meterID
	}
	if asOf := strings.TrimSpace(c.Query("as_of")); asOf != "" {
		cutoff, err := time.Parse(time.RFC3339, asOf)
		if err != nil {
			AbortWithError(c, ledgerdomain.NewValidationError("as_of", "must be RFC3339"))
			return
		}
		req.AsOf = &cutoff
	}

	balance, err := h.ledger.GetBalance(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, balance)
}

// listTransactions is GET /v1/ledger/transactions.
func (h *Handlers) listTransactions(c *gin.Context) {
	orgID, ok := orgcontext.OrgIDFromContext(c.Request.Context())
	if !ok {
		AbortWithError(c, errMissingOrg)
		return
	}

	req := ledgerdomain.ListTransactionsRequest{
		OrgID:    orgID,
		Livemode: orgcontext.LivemodeFromContext(c.Request.Context()),
	}
	if err := c.ShouldBindQuery(&req.Pagination); err != nil {
		AbortWithError(c, ledgerdomain.NewValidationError("pagination", "is invalid"))
		return
	}
	if sub := strings.TrimSpace(c.Query("subscription_id")); sub != "" {
		subID, err := snowflake.ParseString(sub)
		if err != nil || subID == 0 {
			AbortWithError(c, ledgerdomain.NewValidationError("subscription_id", "is not a valid id"))
			return
		}
		req.SubscriptionID = &subID
	}
	if ct := strings.TrimSpace(c.Query("command_type")); ct != "" {
		commandType := ledgerdomain.CommandType(ct)
		req.CommandType = &commandType
	}

	rows, pageInfo, err := h.ledger.ListTransactions(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	out := make([]transactionJSON, 0, len(rows))
	for _, row := range rows {
		out = append(out, toTransactionJSON(row))
	}
	c.JSON(http.StatusOK, gin.H{"data": out, "page_info": pageInfo})
}

// listEntries is GET /v1/ledger/entries.
func (h *Handlers) listEntries(c *gin.Context) {
	orgID, ok := orgcontext.OrgIDFromContext(c.Request.Context())
	if !ok {
		AbortWithError(c, errMissingOrg)
		return
	}

	req := ledgerdomain.ListEntriesRequest{
		OrgID:    orgID,
		Livemode: orgcontext.LivemodeFromContext(c.Request.Context()),
	}
	if err := c.ShouldBindQuery(&req.Pagination); err != nil {
		AbortWithError(c, ledgerdomain.NewValidationError("pagination", "is invalid"))
		return
	}
	if sub := strings.TrimSpace(c.Query("subscription_id")); sub != "" {
		subID, err := snowflake.ParseString(sub)
		if err != nil || subID == 0 {
			AbortWithError(c, ledgerdomain.NewValidationError("subscription_id", "is not a valid id"))
			return
		}
		req.SubscriptionID = &subID
	}
	if meter := strings.TrimSpace(c.Query("usage_meter_id")); meter != "" {
		meterID, err := snowflake.ParseString(meter)
		if err != nil || meterID == 0 {
			AbortWithError(c, ledgerdomain.NewValidationError("usage_meter_id", "is not a valid id"))
			return
		}
		req.UsageMeterID = &meterID
	}
	if et := strings.TrimSpace(c.Query("entry_type")); et != "" {
		entryType := ledgerdomain.EntryType(et)
		req.EntryType = &entryType
	}

	rows, pageInfo, err := h.ledger.ListEntries(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	out := make([]entryJSON, 0, len(rows))
	for _, row := range rows {
		out = append(out, toEntryJSON(row))
	}
	c.JSON(http.StatusOK, gin.H{"data": out, "page_info": pageInfo})
}

// recalculatePeriod is POST /v1/billing/periods/:id/recalculate.
func (h *Handlers) recalculatePeriod(c *gin.Context) {
	orgID, ok := orgcontext.OrgIDFromContext(c.Request.Context())
	if !ok {
		AbortWithError(c, errMissingOrg)
		return
	}

	periodID, err := snowflake.ParseString(strings.TrimSpace(c.Param("id")))
	if err != nil || periodID == 0 {
		AbortWithError(c, ledgerdomain.NewValidationError("id", "is not a valid billing period id"))
		return
	}

	result, err := h.billingRun.Recalculate(c.Request.Context(), orgID, orgcontext.LivemodeFromContext(c.Request.Context()), periodID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func toApplyResultJSON(result *ledgerdomain.ApplyResult) applyResultJSON {
	out := applyResultJSON{
		Transaction: toTransactionJSON(result.Transaction),
		Entries:     make([]entryJSON, 0, len(result.Entries)),
		Replayed:    result.Replayed,
	}
	for _, entry := range result.Entries {
		out.Entries = append(out.Entries, toEntryJSON(entry))
	}
	return out
}

func toTransactionJSON(txn *ledgerdomain.LedgerTransaction) transactionJSON {
	return transactionJSON{
		ID:                 txn.ID.String(),
		SubscriptionID:     txn.SubscriptionID.String(),
		CommandType:        string(txn.CommandType),
		InitiatingSourceID: txn.InitiatingSourceID,
		PricingModelID:     optionalID(txn.PricingModelID),
		Description:        txn.Description,
		Metadata:           txn.Metadata,
		Livemode:           txn.Livemode,
		CreatedAt:          txn.CreatedAt,
	}
}

func toEntryJSON(entry *ledgerdomain.LedgerEntry) entryJSON {
	return entryJSON{
		ID:                    entry.ID.String(),
		LedgerTransactionID:   entry.LedgerTransactionID.String(),
		SubscriptionID:        entry.SubscriptionID.String(),
		EntryTimestamp:        entry.EntryTimestamp,
		Status:                string(entry.Status),
		Direction:             string(entry.Direction),
		EntryType:             string(entry.EntryType),
		Amount:                entry.Amount,
		Description:           entry.Description,
		DiscardedAt:           entry.DiscardedAt,
		UsageEventID:          optionalID(entry.UsageEventID),
		UsageCreditID:         optionalID(entry.UsageCreditID),
		PaymentID:             optionalID(entry.PaymentID),
		CreditApplicationID:   optionalID(entry.CreditApplicationID),
		BalanceAdjustmentID:   optionalID(entry.BalanceAdjustmentID),
		AppliedToLedgerItemID: optionalID(entry.AppliedToLedgerItemID),
		BillingPeriodID:       optionalID(entry.BillingPeriodID),
		UsageMeterID:          optionalID(entry.UsageMeterID),
		CalculationRunID:      optionalID(entry.CalculationRunID),
		PricingModelID:        optionalID(entry.PricingModelID),
		CreatedAt:             entry.CreatedAt,
	}
}

func optionalID(id *snowflake.ID) string {
	if id == nil {
		return ""
	}
	return id.String()
}
