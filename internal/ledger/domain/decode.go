package domain

import (
	"encoding/json"
	"strings"

	"github.com/bwmarrin/snowflake"
)

// RawCommand is the loosely-typed wire shape of a ledger command before
// validation.
type RawCommand struct {
	Type           string          `json:"type"`
	SubscriptionID string          `json:"subscription_id"`
	Description    string          `json:"description"`
	Metadata       map[string]any  `json:"metadata"`
	Payload        json.RawMessage `json:"payload"`
}

type usageEventProcessedPayload struct {
	UsageEventID         string   `json:"usage_event_id"`
	CreditApplicationIDs []string `json:"credit_application_ids"`
}

type paymentConfirmedPayload struct {
	PaymentID     string `json:"payment_id"`
	UsageCreditID string `json:"usage_credit_id"`
}

type promoCreditGrantedPayload struct {
	UsageCreditID string `json:"usage_credit_id"`
}

type billingRunUsagePayload struct {
	CalculationRunID string   `json:"calculation_run_id"`
	UsageEventIDs    []string `json:"usage_event_ids"`
}

type billingRunCreditPayload struct {
	CalculationRunID string   `json:"calculation_run_id"`
	UsageCreditIDs   []string `json:"usage_credit_ids"`
}

type adminCreditAdjustedPayload struct {
	BalanceAdjustmentID string `json:"balance_adjustment_id"`
}

type creditGrantExpiredPayload struct {
	UsageCreditID string `json:"usage_credit_id"`
	ExpiredAmount int64  `json:"expired_amount"`
}

type paymentRefundedPayload struct {
	RefundID string `json:"refund_id"`
	Behavior string `json:"behavior"`
}

type billingRecalculatedPayload struct {
	NewCalculationID string `json:"new_calculation_id"`
	OldCalculationID string `json:"old_calculation_id"`
}

// DecodeCommand type-checks a raw command against its variant's schema and
// returns the fully-typed command. Pure; it never touches storage.
func DecodeCommand(orgID snowflake.ID, livemode bool, raw RawCommand) (Command, error) {
	if orgID == 0 {
		return nil, ErrInvalidOrganization
	}

	subscriptionID, err := parseID("subscription_id", raw.SubscriptionID)
	if err != nil {
		return nil, err
	}

	header := CommandHeader{
		OrgID:          orgID,
		Livemode:       livemode,
		SubscriptionID: subscriptionID,
		Description:    strings.TrimSpace(raw.Description),
		Metadata:       raw.Metadata,
	}

	switch CommandType(strings.TrimSpace(raw.Type)) {
	case CommandUsageEventProcessed:
		var p usageEventProcessedPayload
		if err := unmarshalPayload(raw.Payload, &p); err != nil {
			return nil, err
		}
		usageEventID, err := parseID("payload.usage_event_id", p.UsageEventID)
		if err != nil {
			return nil, err
		}
		applicationIDs, err := parseIDList("payload.credit_application_ids", p.CreditApplicationIDs)
		if err != nil {
			return nil, err
		}
		return UsageEventProcessed{
			CommandHeader:        header,
			UsageEventID:         usageEventID,
			CreditApplicationIDs: applicationIDs,
		}, nil

	case CommandPaymentConfirmed:
		var p paymentConfirmedPayload
		if err := unmarshalPayload(raw.Payload, &p); err != nil {
			return nil, err
		}
		paymentID, err := parseID("payload.payment_id", p.PaymentID)
		if err != nil {
			return nil, err
		}
		usageCreditID, err := parseID("payload.usage_credit_id", p.UsageCreditID)
		if err != nil {
			return nil, err
		}
		return PaymentConfirmed{
			CommandHeader: header,
			PaymentID:     paymentID,
			UsageCreditID: usageCreditID,
		}, nil

	case CommandPromoCreditGranted:
		var p promoCreditGrantedPayload
		if err := unmarshalPayload(raw.Payload, &p); err != nil {
			return nil, err
		}
		usageCreditID, err := parseID("payload.usage_credit_id", p.UsageCreditID)
		if err != nil {
			return nil, err
		}
		return PromoCreditGranted{CommandHeader: header, UsageCreditID: usageCreditID}, nil

	case CommandBillingRunUsageProcessed:
		var p billingRunUsagePayload
		if err := unmarshalPayload(raw.Payload, &p); err != nil {
			return nil, err
		}
		runID, err := parseID("payload.calculation_run_id", p.CalculationRunID)
		if err != nil {
			return nil, err
		}
		if len(p.UsageEventIDs) == 0 {
			return nil, NewValidationError("payload.usage_event_ids", "must not be empty")
		}
		usageEventIDs, err := parseIDList("payload.usage_event_ids", p.UsageEventIDs)
		if err != nil {
			return nil, err
		}
		return BillingRunUsageProcessed{
			CommandHeader:    header,
			CalculationRunID: runID,
			UsageEventIDs:    usageEventIDs,
		}, nil

	case CommandBillingRunCreditApplied:
		var p billingRunCreditPayload
		if err := unmarshalPayload(raw.Payload, &p); err != nil {
			return nil, err
		}
		runID, err := parseID("payload.calculation_run_id", p.CalculationRunID)
		if err != nil {
			return nil, err
		}
		if len(p.UsageCreditIDs) == 0 {
			return nil, NewValidationError("payload.usage_credit_ids", "must not be empty")
		}
		usageCreditIDs, err := parseIDList("payload.usage_credit_ids", p.UsageCreditIDs)
		if err != nil {
			return nil, err
		}
		return BillingRunCreditApplied{
			CommandHeader:    header,
			CalculationRunID: runID,
			UsageCreditIDs:   usageCreditIDs,
		}, nil

	case CommandAdminCreditAdjusted:
		var p adminCreditAdjustedPayload
		if err := unmarshalPayload(raw.Payload, &p); err != nil {
			return nil, err
		}
		adjustmentID, err := parseID("payload.balance_adjustment_id", p.BalanceAdjustmentID)
		if err != nil {
			return nil, err
		}
		return AdminCreditAdjusted{CommandHeader: header, BalanceAdjustmentID: adjustmentID}, nil

	case CommandCreditGrantExpired:
		var p creditGrantExpiredPayload
		if err := unmarshalPayload(raw.Payload, &p); err != nil {
			return nil, err
		}
		usageCreditID, err := parseID("payload.usage_credit_id", p.UsageCreditID)
		if err != nil {
			return nil, err
		}
		if p.ExpiredAmount <= 0 {
			return nil, NewValidationError("payload.expired_amount", "must be positive")
		}
		return CreditGrantExpired{
			CommandHeader: header,
			UsageCreditID: usageCreditID,
			ExpiredAmount: p.ExpiredAmount,
		}, nil

	case CommandPaymentRefunded:
		var p paymentRefundedPayload
		if err := unmarshalPayload(raw.Payload, &p); err != nil {
			return nil, err
		}
		refundID, err := parseID("payload.refund_id", p.RefundID)
		if err != nil {
			return nil, err
		}
		behavior := RefundBehavior(strings.TrimSpace(p.Behavior))
		switch behavior {
		case RefundRevertAllCredits, RefundRevertUnusedCredits, RefundPreserveCredits:
		default:
			return nil, NewValidationError("payload.behavior", "must be one of revert_all_credits, revert_unused_credits, preserve_credits")
		}
		return PaymentRefunded{CommandHeader: header, RefundID: refundID, Behavior: behavior}, nil

	case CommandBillingRecalculated:
		var p billingRecalculatedPayload
		if err := unmarshalPayload(raw.Payload, &p); err != nil {
			return nil, err
		}
		newID, err := parseID("payload.new_calculation_id", p.NewCalculationID)
		if err != nil {
			return nil, err
		}
		oldID, err := parseID("payload.old_calculation_id", p.OldCalculationID)
		if err != nil {
			return nil, err
		}
		if newID == oldID {
			return nil, NewValidationError("payload.old_calculation_id", "must differ from new_calculation_id")
		}
		return BillingRecalculated{
			CommandHeader:    header,
			NewCalculationID: newID,
			OldCalculationID: oldID,
		}, nil

	default:
		return nil, NewValidationError("type", "unknown command type")
	}
}

func unmarshalPayload(raw json.RawMessage, out any) error {
	if len(raw) == 0 {
		return NewValidationError("payload", "is required")
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return NewValidationError("payload", "malformed: "+err.Error())
	}
	return nil
}

func parseID(field, value string) (snowflake.ID, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return 0, NewValidationError(field, "is required")
	}
	id, err := snowflake.ParseString(trimmed)
	if err != nil || id == 0 {
		return 0, NewValidationError(field, "is not a valid id")
	}
	return id, nil
}

func parseIDList(field string, values []string) ([]snowflake.ID, error) {
	ids := make([]snowflake.ID, 0, len(values))
	for _, value := range values {
		id, err := parseID(field, value)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}
