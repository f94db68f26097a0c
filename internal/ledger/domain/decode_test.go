package domain

import (
	"encoding/json"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"
)

const testOrgID = snowflake.ID(7001)

func payload(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func TestDecodeCommand_UsageEventProcessed(t *testing.T) {
	cmd, err := DecodeCommand(testOrgID, true, RawCommand{
		Type:           "usage_event_processed",
		SubscriptionID: "42",
		Description:    "  trimmed  ",
		Payload: payload(t, map[string]any{
			"usage_event_id":         "99",
			"credit_application_ids": []string{"7", "8"},
		}),
	})
	require.NoError(t, err)

	typed, ok := cmd.(UsageEventProcessed)
	require.True(t, ok)
	require.Equal(t, snowflake.ID(99), typed.UsageEventID)
	require.Len(t, typed.CreditApplicationIDs, 2)
	require.Equal(t, "trimmed", typed.Description)
	require.Equal(t, testOrgID, typed.OrgID)
	require.True(t, typed.Livemode)
	require.Equal(t, "99", cmd.InitiatingSourceID())
}

func TestDecodeCommand_Validation(t *testing.T) {
	tests := []struct {
		name  string
		orgID snowflake.ID
		raw   RawCommand
		field string
	}{
		{
			name:  "unknown type",
			orgID: testOrgID,
			raw:   RawCommand{Type: "balance_teleported", SubscriptionID: "1", Payload: payload(t, map[string]any{})},
			field: "type",
		},
		{
			name:  "missing subscription",
			orgID: testOrgID,
			raw:   RawCommand{Type: "usage_event_processed", Payload: payload(t, map[string]any{"usage_event_id": "9"})},
			field: "subscription_id",
		},
		{
			name:  "missing payload",
			orgID: testOrgID,
			raw:   RawCommand{Type: "usage_event_processed", SubscriptionID: "1"},
			field: "payload",
		},
		{
			name:  "malformed id",
			orgID: testOrgID,
			raw: RawCommand{Type: "usage_event_processed", SubscriptionID: "1",
				Payload: payload(t, map[string]any{"usage_event_id": "not-a-snowflake"})},
			field: "payload.usage_event_id",
		},
		{
			name:  "unknown refund behavior",
			orgID: testOrgID,
			raw: RawCommand{Type: "payment_refunded", SubscriptionID: "1",
				Payload: payload(t, map[string]any{"refund_id": "5", "behavior": "vaporize_credits"})},
			field: "payload.behavior",
		},
		{
			name:  "empty billing run batch",
			orgID: testOrgID,
			raw: RawCommand{Type: "billing_run_usage_processed", SubscriptionID: "1",
				Payload: payload(t, map[string]any{"calculation_run_id": "5", "usage_event_ids": []string{}})},
			field: "payload.usage_event_ids",
		},
		{
			name:  "recalculation against itself",
			orgID: testOrgID,
			raw: RawCommand{Type: "billing_recalculated", SubscriptionID: "1",
				Payload: payload(t, map[string]any{"new_calculation_id": "5", "old_calculation_id": "5"})},
			field: "payload.old_calculation_id",
		},
		{
			name:  "non-positive expired amount",
			orgID: testOrgID,
			raw: RawCommand{Type: "credit_grant_expired", SubscriptionID: "1",
				Payload: payload(t, map[string]any{"usage_credit_id": "5", "expired_amount": 0})},
			field: "payload.expired_amount",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeCommand(tt.orgID, true, tt.raw)
			require.Error(t, err)

			var ve *ValidationError
			require.ErrorAs(t, err, &ve)
			require.Equal(t, tt.field, ve.Field)
		})
	}
}

func TestDecodeCommand_RequiresOrg(t *testing.T) {
	_, err := DecodeCommand(0, true, RawCommand{
		Type:           "usage_event_processed",
		SubscriptionID: "1",
		Payload:        payload(t, map[string]any{"usage_event_id": "9"}),
	})
	require.ErrorIs(t, err, ErrInvalidOrganization)
}

func TestDecodeCommand_RefundBehaviors(t *testing.T) {
	for _, behavior := range []RefundBehavior{RefundRevertAllCredits, RefundRevertUnusedCredits, RefundPreserveCredits} {
		cmd, err := DecodeCommand(testOrgID, false, RawCommand{
			Type:           "payment_refunded",
			SubscriptionID: "1",
			Payload:        payload(t, map[string]any{"refund_id": "5", "behavior": string(behavior)}),
		})
		require.NoError(t, err)

		typed, ok := cmd.(PaymentRefunded)
		require.True(t, ok)
		require.Equal(t, behavior, typed.Behavior)
		require.False(t, typed.Livemode)
	}
}

func TestCommandTypes_InitiatingSourceIDs(t *testing.T) {
	require.Equal(t, "5", PaymentConfirmed{PaymentID: 5, UsageCreditID: 6}.InitiatingSourceID())
	require.Equal(t, "6", PromoCreditGranted{UsageCreditID: 6}.InitiatingSourceID())
	require.Equal(t, "7", BillingRunUsageProcessed{CalculationRunID: 7}.InitiatingSourceID())
	require.Equal(t, "7", BillingRunCreditApplied{CalculationRunID: 7}.InitiatingSourceID())
	require.Equal(t, "8", AdminCreditAdjusted{BalanceAdjustmentID: 8}.InitiatingSourceID())
	require.Equal(t, "9", CreditGrantExpired{UsageCreditID: 9, ExpiredAmount: 1}.InitiatingSourceID())
	require.Equal(t, "10", PaymentRefunded{RefundID: 10}.InitiatingSourceID())
	require.Equal(t, "11", BillingRecalculated{NewCalculationID: 11, OldCalculationID: 12}.InitiatingSourceID())
}

func TestLedgerEntry_SignedAmount(t *testing.T) {
	credit := &LedgerEntry{Direction: EntryDirectionCredit, Amount: 40}
	debit := &LedgerEntry{Direction: EntryDirectionDebit, Amount: 40}
	require.Equal(t, int64(40), credit.SignedAmount())
	require.Equal(t, int64(-40), debit.SignedAmount())
}
