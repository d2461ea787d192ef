package ledger

import (
	"context"

	"github.com/google/uuid"
)

// Store persists expenses and their append-only history.
//
// Writes that touch an existing expense carry the version the caller read.
// The store applies the write only if the stored version still matches and
// returns ErrConcurrentModification otherwise. AppendSettlement and
// AppendAdjustment only update Status, Version and UpdatedAt of the given
// expense; its raw split is never rewritten on those paths.
type Store interface {
	CreateExpense(ctx context.Context, e Expense) error
	UpdateExpense(ctx context.Context, e Expense, expectedVersion int64) error
	DeleteExpense(ctx context.Context, id uuid.UUID, expectedVersion int64) error
	AppendSettlement(ctx context.Context, s Settlement, e Expense, expectedVersion int64) error
	AppendAdjustment(ctx context.Context, a Adjustment, e Expense, expectedVersion int64) error

	Load(ctx context.Context, expenseID uuid.UUID) (Record, error)
	LoadAdjustment(ctx context.Context, adjustmentID uuid.UUID) (Adjustment, error)
	// Snapshot returns a consistent cut of every record of the household,
	// oldest expense first.
	Snapshot(ctx context.Context, householdID uuid.UUID) ([]Record, error)
}

// Locker serialises writes to one household.
type Locker interface {
	WithLock(ctx context.Context, key string, fn func(context.Context) error) error
}

// IndexRequest asks the search collaborator to index an expense.
type IndexRequest struct {
	ExpenseID   uuid.UUID         `json:"expense_id"`
	HouseholdID uuid.UUID         `json:"household_id"`
	Description string            `json:"description"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Indexer accepts index requests without blocking; failures stay with the indexer.
type Indexer interface {
	Enqueue(req IndexRequest)
}

// Notifier fans ledger events out once a write has committed.
type Notifier interface {
	Publish(ctx context.Context, eventType string, householdID uuid.UUID, payload any)
}

type nopIndexer struct{}

func (nopIndexer) Enqueue(IndexRequest) {}

type nopNotifier struct{}

func (nopNotifier) Publish(context.Context, string, uuid.UUID, any) {}
