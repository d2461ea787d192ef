package ledger

import (
	"errors"
	"time"

	"github.com/billbatista/acasinha-ledger/money"
	"github.com/google/uuid"
)

type Status string

const (
	StatusActive  Status = "active"
	StatusEdited  Status = "edited"
	StatusSettled Status = "settled"
	StatusVoided  Status = "voided"
)

type AdjustmentKind string

const (
	AdjustmentEdit   AdjustmentKind = "edit"
	AdjustmentVoid   AdjustmentKind = "void"
	AdjustmentRevert AdjustmentKind = "revert"
)

// Contribution is what one member actually paid toward an expense.
type Contribution struct {
	MemberID uuid.UUID   `json:"member_id"`
	Amount   money.Money `json:"amount"`
}

// Share is what one member is responsible for within an expense.
type Share struct {
	MemberID uuid.UUID   `json:"member_id"`
	Amount   money.Money `json:"amount"`
}

// Transfer is an amount moving to one member, used for settlement payees.
type Transfer struct {
	MemberID uuid.UUID   `json:"member_id"`
	Amount   money.Money `json:"amount"`
}

type Expense struct {
	ID            uuid.UUID      `json:"id"`
	HouseholdID   uuid.UUID      `json:"household_id"`
	Description   string         `json:"description"`
	Total         money.Money    `json:"total"`
	Contributions []Contribution `json:"contributions"`
	Shares        []Share        `json:"shares"`
	Status        Status         `json:"status"`
	Version       int64          `json:"version"`
	CreatedBy     uuid.UUID      `json:"created_by,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// Settlement records that a member paid down (part of) their share outside
// the expense itself. Payees is fixed when the settlement is recorded.
type Settlement struct {
	ID          uuid.UUID   `json:"id"`
	ExpenseID   uuid.UUID   `json:"expense_id"`
	HouseholdID uuid.UUID   `json:"household_id"`
	MemberID    uuid.UUID   `json:"member_id"`
	Amount      money.Money `json:"amount"`
	Payees      []Transfer  `json:"payees"`
	SettledAt   time.Time   `json:"settled_at"`
}

// Adjustment is a signed correction layered on top of an expense that
// already has settlements. The expense row itself is never rewritten.
type Adjustment struct {
	ID                 uuid.UUID      `json:"id"`
	ExpenseID          uuid.UUID      `json:"expense_id"`
	HouseholdID        uuid.UUID      `json:"household_id"`
	Kind               AdjustmentKind `json:"kind"`
	Description        string         `json:"description,omitempty"` // replaces the expense description when set
	DeltaContributions []Contribution `json:"delta_contributions"`
	DeltaShares        []Share        `json:"delta_shares"`
	Reason             string         `json:"reason,omitempty"`
	RevertsID          uuid.NullUUID  `json:"reverts_id"`
	CreatedBy          uuid.UUID      `json:"created_by,omitempty"`
	CreatedAt          time.Time      `json:"created_at"`
}

var (
	ErrAmountMismatch                     = money.ErrAmountMismatch
	ErrCurrencyMismatch                   = money.ErrCurrencyMismatch
	ErrUnbalancedSplit                    = errors.New("contributions and shares must both add up to the total")
	ErrEmptyParticipants                  = errors.New("expense needs at least one payer and one participant")
	ErrNonPositiveAmount                  = errors.New("amount must be positive")
	ErrEmptyDescription                   = errors.New("description can't be empty")
	ErrMissingHousehold                   = errors.New("household id is required")
	ErrDuplicateMember                    = errors.New("member listed more than once")
	ErrAmbiguousSplit                     = errors.New("provide either custom shares or equal split participants, not both")
	ErrUnknownShare                       = errors.New("member has no share in this expense")
	ErrOverSettlement                     = errors.New("settlement exceeds the outstanding share")
	ErrLedgerCorruption                   = errors.New("ledger invariant violated")
	ErrSettledExpenseRequiresConfirmation = errors.New("expense has settlements; editing it requires confirmation")
	ErrConcurrentModification             = errors.New("expense was modified concurrently")
	ErrExpenseNotFound                    = errors.New("expense not found")
	ErrAdjustmentNotFound                 = errors.New("adjustment not found")
	ErrAlreadyReverted                    = errors.New("adjustment was already reverted")
	ErrExpenseVoided                      = errors.New("expense is voided")
)
