package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/ledgerd/pkg/db/pagination"
)

// ApplyResult is the outcome of applying one command. Replayed is true when
// the command had already been applied and the prior result was returned.
type ApplyResult struct {
	Transaction *LedgerTransaction
	Entries     []*LedgerEntry
	Replayed    bool
}

type BalanceRequest struct {
	OrgID          snowflake.ID
	Livemode       bool
	SubscriptionID snowflake.ID
	UsageMeterID   *snowflake.ID
	AsOf           *time.Time
}

// Balance is the fold of all non-discarded entries up to AsOf.
type Balance struct {
	SubscriptionID snowflake.ID  `json:"subscription_id"`
	UsageMeterID   *snowflake.ID `json:"usage_meter_id,omitempty"`
	Credits        int64         `json:"credits"`
	Debits         int64         `json:"debits"`
	Net            int64         `json:"net"`
	EntryCount     int           `json:"entry_count"`
	LastEntryID    *snowflake.ID `json:"last_entry_id,omitempty"`
	AsOf           time.Time     `json:"as_of"`
	Cached         bool          `json:"cached"`
}

type ListTransactionsRequest struct {
	OrgID          snowflake.ID
	Livemode       bool
	SubscriptionID *snowflake.ID
	CommandType    *CommandType
	Pagination     pagination.Pagination
}

type ListEntriesRequest struct {
	OrgID          snowflake.ID
	Livemode       bool
	SubscriptionID *snowflake.ID
	UsageMeterID   *snowflake.ID
	EntryType      *EntryType
	Pagination     pagination.Pagination
}

// Service is the ledger engine. ApplyCommand is the single inbound
// operation; everything else reads committed state.
type Service interface {
	ApplyCommand(ctx context.Context, cmd Command) (*ApplyResult, error)
	GetBalance(ctx context.Context, req BalanceRequest) (*Balance, error)
	ListTransactions(ctx context.Context, req ListTransactionsRequest) ([]*LedgerTransaction, *pagination.PageInfo, error)
	ListEntries(ctx context.Context, req ListEntriesRequest) ([]*LedgerEntry, *pagination.PageInfo, error)
}
