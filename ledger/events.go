package ledger

import (
	"github.com/billbatista/acasinha-ledger/money"
	"github.com/google/uuid"
)

const (
	EventExpenseCreated     = "ledger.expense_created"
	EventExpenseEdited      = "ledger.expense_edited"
	EventSettlementRecorded = "ledger.settlement_recorded"
	EventAdjustmentApplied  = "ledger.adjustment_applied"
	EventExpenseVoided      = "ledger.expense_voided"
)

type ExpenseAddedEvent struct {
	ExpenseID     uuid.UUID      `json:"expense_id"`
	CreatedBy     uuid.UUID      `json:"created_by"`
	Description   string         `json:"description"`
	Total         money.Money    `json:"total"`
	Contributions []Contribution `json:"contributions"` // who paid
	Shares        []Share        `json:"shares"`        // who owes
}

// ExpenseEditedEvent is emitted when an expense without history is rewritten in place.
type ExpenseEditedEvent struct {
	ExpenseID     uuid.UUID      `json:"expense_id"`
	EditedBy      uuid.UUID      `json:"edited_by"`
	Description   string         `json:"description"`
	Total         money.Money    `json:"total"`
	Contributions []Contribution `json:"contributions"`
	Shares        []Share        `json:"shares"`
}

type SettlementRecordedEvent struct {
	SettlementID uuid.UUID   `json:"settlement_id"`
	ExpenseID    uuid.UUID   `json:"expense_id"`
	MemberID     uuid.UUID   `json:"member_id"`
	Amount       money.Money `json:"amount"`
	Payees       []Transfer  `json:"payees"`
	Status       Status      `json:"status"`
}

// AdjustmentAppliedEvent covers edits, voids and reverts of expenses with history.
type AdjustmentAppliedEvent struct {
	AdjustmentID uuid.UUID      `json:"adjustment_id"`
	ExpenseID    uuid.UUID      `json:"expense_id"`
	Kind         AdjustmentKind `json:"kind"`
	MadeBy       uuid.UUID      `json:"made_by"`
	Reason       string         `json:"reason"`
	DeltaTotal   money.Money    `json:"delta_total"`
}

type ExpenseVoidedEvent struct {
	ExpenseID uuid.UUID `json:"expense_id"`
	VoidedBy  uuid.UUID `json:"voided_by"`
	Reason    string    `json:"reason"`
	Deleted   bool      `json:"deleted"` // true when the expense had no history and was removed
}
