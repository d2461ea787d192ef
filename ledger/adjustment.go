package ledger

import (
	"fmt"
	"time"

	"github.com/billbatista/acasinha-ledger/money"
	"github.com/google/uuid"
)

// NewAdjustment computes the signed per-member delta that turns the record's
// current effective split into next. Members missing from next are driven
// to zero. The returned adjustment is not yet persisted.
func NewAdjustment(r Record, next Split, kind AdjustmentKind, reason string, by uuid.UUID, now time.Time) (Adjustment, error) {
	current, err := r.Effective()
	if err != nil {
		return Adjustment{}, err
	}
	if !next.Total.SameCurrency(current.Total) {
		return Adjustment{}, fmt.Errorf("%w: %s expense edited in %s", ErrCurrencyMismatch, current.Total.Currency, next.Total.Currency)
	}

	adj := Adjustment{
		ID:          uuid.New(),
		ExpenseID:   r.Expense.ID,
		HouseholdID: r.Expense.HouseholdID,
		Kind:        kind,
		Reason:      reason,
		CreatedBy:   by,
		CreatedAt:   now,
	}

	paid := newMemberSums(current.Total.Currency)
	for _, c := range current.Contributions {
		paid.add(c.MemberID, c.Amount.Neg())
	}
	for _, c := range next.Contributions {
		paid.add(c.MemberID, c.Amount)
	}
	for i, id := range paid.order {
		if !paid.amounts[i].IsZero() {
			adj.DeltaContributions = append(adj.DeltaContributions, Contribution{MemberID: id, Amount: paid.amounts[i]})
		}
	}

	owed := newMemberSums(current.Total.Currency)
	for _, s := range current.Shares {
		owed.add(s.MemberID, s.Amount.Neg())
	}
	for _, s := range next.Shares {
		owed.add(s.MemberID, s.Amount)
	}
	for i, id := range owed.order {
		if !owed.amounts[i].IsZero() {
			adj.DeltaShares = append(adj.DeltaShares, Share{MemberID: id, Amount: owed.amounts[i]})
		}
	}

	if err := adj.checkBalanced(); err != nil {
		return Adjustment{}, err
	}
	return adj, nil
}

// DeltaTotal is the change of the expense total carried by the adjustment.
func (a Adjustment) DeltaTotal(currency string) money.Money {
	total := money.Zero(currency)
	for _, c := range a.DeltaContributions {
		total = total.Add(c.Amount)
	}
	return total
}

// IsEmpty reports whether the adjustment changes no amount.
func (a Adjustment) IsEmpty() bool {
	return len(a.DeltaContributions) == 0 && len(a.DeltaShares) == 0
}

// Inverse returns the adjustment that exactly undoes a.
func (a Adjustment) Inverse(reason string, by uuid.UUID, now time.Time) Adjustment {
	inv := Adjustment{
		ID:          uuid.New(),
		ExpenseID:   a.ExpenseID,
		HouseholdID: a.HouseholdID,
		Kind:        AdjustmentRevert,
		Reason:      reason,
		RevertsID:   uuid.NullUUID{UUID: a.ID, Valid: true},
		CreatedBy:   by,
		CreatedAt:   now,
	}
	for _, c := range a.DeltaContributions {
		inv.DeltaContributions = append(inv.DeltaContributions, Contribution{MemberID: c.MemberID, Amount: c.Amount.Neg()})
	}
	for _, s := range a.DeltaShares {
		inv.DeltaShares = append(inv.DeltaShares, Share{MemberID: s.MemberID, Amount: s.Amount.Neg()})
	}
	return inv
}

func (a Adjustment) checkBalanced() error {
	var paid, owed money.Money
	var err error
	for i, c := range a.DeltaContributions {
		if i == 0 {
			paid = c.Amount
		} else if paid, err = paid.CheckedAdd(c.Amount); err != nil {
			return fmt.Errorf("%w: %w", ErrUnbalancedSplit, err)
		}
	}
	for i, s := range a.DeltaShares {
		if i == 0 {
			owed = s.Amount
		} else if owed, err = owed.CheckedAdd(s.Amount); err != nil {
			return fmt.Errorf("%w: %w", ErrUnbalancedSplit, err)
		}
	}
	if paid.Amount != owed.Amount {
		return fmt.Errorf("%w: adjustment moves %d paid against %d owed", ErrUnbalancedSplit, paid.Amount, owed.Amount)
	}
	return nil
}

// with returns a copy of the record with adj appended.
func (r Record) with(adj Adjustment) Record {
	out := r
	out.Adjustments = append(append([]Adjustment(nil), r.Adjustments...), adj)
	return out
}

// withSettlement returns a copy of the record with s appended.
func (r Record) withSettlement(s Settlement) Record {
	out := r
	out.Settlements = append(append([]Settlement(nil), r.Settlements...), s)
	return out
}

// Credit is money a member already settled beyond their current share. It
// stays in the ledger and offsets the member's future balances.
type Credit struct {
	MemberID uuid.UUID   `json:"member_id"`
	Amount   money.Money `json:"amount"`
}

// MemberImpact is a member's household position before and after a change.
type MemberImpact struct {
	MemberID uuid.UUID   `json:"member_id"`
	Before   money.Money `json:"before"`
	After    money.Money `json:"after"`
}

// Change is After minus Before.
func (m MemberImpact) Change() money.Money {
	return m.After.Sub(m.Before)
}

// AdjustmentPreview describes what confirming an edit would do.
type AdjustmentPreview struct {
	ExpenseID  uuid.UUID      `json:"expense_id"`
	Adjustment Adjustment     `json:"adjustment"`
	Credits    []Credit       `json:"credits"`
	Impacts    []MemberImpact `json:"impacts"`
}

// ConfirmationError is returned by EditExpense when the expense has
// settlements and the caller did not confirm. It is an expected control
// flow signal carrying the preview, not a failure.
type ConfirmationError struct {
	Preview AdjustmentPreview
}

func (e *ConfirmationError) Error() string {
	return fmt.Sprintf("%v: %d members affected", ErrSettledExpenseRequiresConfirmation, len(e.Preview.Impacts))
}

func (e *ConfirmationError) Unwrap() error {
	return ErrSettledExpenseRequiresConfirmation
}

func creditsOf(r Record) ([]Credit, error) {
	positions, err := r.Positions()
	if err != nil {
		return nil, err
	}
	var out []Credit
	for _, p := range positions {
		if p.Credit.IsPositive() {
			out = append(out, Credit{MemberID: p.MemberID, Amount: p.Credit})
		}
	}
	return out, nil
}

func impactsOf(before, after BalanceSheet, members []uuid.UUID) []MemberImpact {
	currency := after.Currency
	if currency == "" {
		currency = before.Currency
	}
	out := make([]MemberImpact, 0, len(members))
	for _, m := range members {
		b, a := before.Position(m), after.Position(m)
		b.Currency, a.Currency = currency, currency
		out = append(out, MemberImpact{MemberID: m, Before: b, After: a})
	}
	return out
}
