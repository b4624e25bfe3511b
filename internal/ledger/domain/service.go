package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"

	"github.com/creditrail/creditrail/pkg/db/pagination"
)

var (
	ErrEntryNotFound   = errors.New("ledger_entry_not_found")
	ErrAlreadyReversed = errors.New("ledger_entry_already_reversed")
	ErrNotReversible   = errors.New("ledger_entry_not_reversible")
)

type Service interface {
	// Deduct rates one inference call and debits the user's balance.
	// Replays of the same (user, request) return the original entry.
	Deduct(ctx context.Context, input DeductInput) (*UsageLedgerEntry, error)
	// Reverse appends a compensating entry restoring the exact buckets
	// the original entry consumed.
	Reverse(ctx context.Context, userID, entryID snowflake.ID) (*UsageLedgerEntry, error)
	// List pages a user's ledger, newest first.
	List(ctx context.Context, userID snowflake.ID, p pagination.Pagination) ([]*UsageLedgerEntry, *pagination.PageInfo, error)
	// ReconcileStale re-prices entries rated from a stale quote and
	// appends adjustment entries where the charge changed.
	ReconcileStale(ctx context.Context, limit int) (int, error)
}

type DeductInput struct {
	UserID       snowflake.ID `json:"user_id" binding:"required"`
	RequestID    string       `json:"request_id" binding:"required"`
	ModelID      string       `json:"model_id" binding:"required"`
	InputTokens  int64        `json:"input_tokens" binding:"min=0"`
	OutputTokens int64        `json:"output_tokens" binding:"min=0"`
}
