package service

import (
	"context"

	"github.com/bwmarrin/snowflake"
	ledgerdomain "github.com/smallbiznis/ledgerd/internal/ledger/domain"
	"github.com/smallbiznis/ledgerd/pkg/db/pagination"
)

const defaultPageSize = 50

// ListTransactions pages applied commands newest first.
func (s *Service) ListTransactions(ctx context.Context, req ledgerdomain.ListTransactionsRequest) ([]*ledgerdomain.LedgerTransaction, *pagination.PageInfo, error) {
	if req.OrgID == 0 {
		return nil, nil, ledgerdomain.ErrInvalidOrganization
	}

	limit := normalizePageSize(req.Pagination.PageSize)
	query := s.db.WithContext(ctx).
		Where("org_id = ? AND livemode = ?", req.OrgID, req.Livemode).
		Order("id DESC").
		Limit(limit + 1)

	if req.SubscriptionID != nil {
		query = query.Where("subscription_id = ?", *req.SubscriptionID)
	}
	if req.CommandType != nil {
		query = query.Where("command_type = ?", string(*req.CommandType))
	}
	if cursorID, err := decodeCursorID(req.Pagination.PageToken); err != nil {
		return nil, nil, ledgerdomain.NewValidationError("page_token", "is not a valid cursor")
	} else if cursorID != 0 {
		query = query.Where("id < ?", cursorID)
	}

	var rows []*ledgerdomain.LedgerTransaction
	if err := query.Find(&rows).Error; err != nil {
		return nil, nil, err
	}

	pageInfo, rows := pagination.BuildCursorPageInfo(rows, limit, func(row *ledgerdomain.LedgerTransaction) string {
		token, _ := pagination.EncodeCursor(pagination.Cursor{ID: row.ID.String()})
		return token
	})
	return rows, pageInfo, nil
}

// ListEntries pages ledger entries newest first.
func (s *Service) ListEntries(ctx context.Context, req ledgerdomain.ListEntriesRequest) ([]*ledgerdomain.LedgerEntry, *pagination.PageInfo, error) {
	if req.OrgID == 0 {
		return nil, nil, ledgerdomain.ErrInvalidOrganization
	}

	limit := normalizePageSize(req.Pagination.PageSize)
	query := s.db.WithContext(ctx).
		Where("org_id = ? AND livemode = ?", req.OrgID, req.Livemode).
		Order("id DESC").
		Limit(limit + 1)

	if req.SubscriptionID != nil {
		query = query.Where("subscription_id = ?", *req.SubscriptionID)
	}
	if req.UsageMeterID != nil {
		query = query.Where("usage_meter_id = ?", *req.UsageMeterID)
	}
	if req.EntryType != nil {
		query = query.Where("entry_type = ?", string(*req.EntryType))
	}
	if cursorID, err := decodeCursorID(req.Pagination.PageToken); err != nil {
		return nil, nil, ledgerdomain.NewValidationError("page_token", "is not a valid cursor")
	} else if cursorID != 0 {
		query = query.Where("id < ?", cursorID)
	}

	var rows []*ledgerdomain.LedgerEntry
	if err := query.Find(&rows).Error; err != nil {
		return nil, nil, err
	}

	pageInfo, rows := pagination.BuildCursorPageInfo(rows, limit, func(row *ledgerdomain.LedgerEntry) string {
		token, _ := pagination.EncodeCursor(pagination.Cursor{ID: row.ID.String()})
		return token
	})
	return rows, pageInfo, nil
}

func normalizePageSize(size int) int {
	if size <= 0 {
		return defaultPageSize
	}
	if size > 250 {
		return 250
	}
	return size
}

func decodeCursorID(token string) (snowflake.ID, error) {
	if token == "" {
		return 0, nil
	}
	cursor, err := pagination.DecodeCursor(token)
	if err != nil {
		return 0, err
	}
	if cursor.ID == "" {
		return 0, nil
	}
	return snowflake.ParseString(cursor.ID)
}
