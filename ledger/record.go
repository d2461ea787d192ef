package ledger

import (
	"fmt"
	"time"

	"github.com/billbatista/acasinha-ledger/money"
	"github.com/google/uuid"
)

// Record is the complete history of one expense: the original row plus every
// settlement and adjustment appended to it, in order.
type Record struct {
	Expense     Expense      `json:"expense"`
	Settlements []Settlement `json:"settlements"`
	Adjustments []Adjustment `json:"adjustments"`
}

// Effective replays the original split and all adjustments.
func (r Record) Effective() (Split, error) {
	currency := r.Expense.Total.Currency
	paid := newMemberSums(currency)
	owed := newMemberSums(currency)
	if err := r.Expense.Split().validate(); err != nil {
		return Split{}, fmt.Errorf("expense %s: %w", r.Expense.ID, err)
	}
	for _, c := range r.Expense.Contributions {
		paid.add(c.MemberID, c.Amount)
	}
	for _, s := range r.Expense.Shares {
		owed.add(s.MemberID, s.Amount)
	}

	total := r.Expense.Total
	for _, a := range r.Adjustments {
		for _, c := range a.DeltaContributions {
			if c.Amount.Currency != currency {
				return Split{}, fmt.Errorf("%w: adjustment %s in %s", ErrLedgerCorruption, a.ID, c.Amount.Currency)
			}
			paid.add(c.MemberID, c.Amount)
			total = total.Add(c.Amount)
		}
		for _, s := range a.DeltaShares {
			if s.Amount.Currency != currency {
				return Split{}, fmt.Errorf("%w: adjustment %s in %s", ErrLedgerCorruption, a.ID, s.Amount.Currency)
			}
			owed.add(s.MemberID, s.Amount)
		}
	}

	split := Split{Total: total}
	for i, id := range paid.order {
		split.Contributions = append(split.Contributions, Contribution{MemberID: id, Amount: paid.amounts[i]})
	}
	for i, id := range owed.order {
		split.Shares = append(split.Shares, Share{MemberID: id, Amount: owed.amounts[i]})
	}
	if err := split.validate(); err != nil {
		return Split{}, fmt.Errorf("expense %s: %w", r.Expense.ID, err)
	}
	return split, nil
}

// Description is the latest description, taking adjustments into account.
func (r Record) Description() string {
	desc := r.Expense.Description
	for _, a := range r.Adjustments {
		if a.Description != "" {
			desc = a.Description
		}
	}
	return desc
}

func (r Record) hasHistory() bool {
	return len(r.Settlements) > 0 || len(r.Adjustments) > 0
}

// portions apportions every share across the payers in proportion to what
// each paid. The result maps ower -> one transfer per payer, in contribution
// order. A zero total yields no portions.
func (s Split) portions() (map[uuid.UUID][]Transfer, error) {
	out := make(map[uuid.UUID][]Transfer, len(s.Shares))
	if s.Total.IsZero() {
		return out, nil
	}

	weights := make([]int64, len(s.Contributions))
	for i, c := range s.Contributions {
		weights[i] = c.Amount.Amount
	}

	for _, sh := range s.Shares {
		parts, err := money.Apportion(sh.Amount, weights)
		if err != nil {
			return nil, fmt.Errorf("%w: apportion share of %s: %w", ErrLedgerCorruption, sh.MemberID, err)
		}
		transfers := make([]Transfer, len(parts))
		for i, p := range parts {
			transfers[i] = Transfer{MemberID: s.Contributions[i].MemberID, Amount: p}
		}
		out[sh.MemberID] = transfers
	}
	return out, nil
}

// Position describes one member's standing on a single expense.
type Position struct {
	MemberID    uuid.UUID   `json:"member_id"`
	Owed        money.Money `json:"owed"`         // full share
	SelfFunded  money.Money `json:"self_funded"`  // part of the share covered by the member's own contribution
	Settled     money.Money `json:"settled"`      // sum of settlements
	Outstanding money.Money `json:"outstanding"`  // still owed to other payers
	Credit      money.Money `json:"credit"`       // settled beyond the current share
}

// Position computes the settlement standing of member on this expense.
// ErrUnknownShare is returned when the member neither has a share nor has
// settled anything. A negative outstanding amount on an expense that was
// never adjusted means the ledger is corrupt.
func (r Record) Position(member uuid.UUID) (Position, error) {
	split, err := r.Effective()
	if err != nil {
		return Position{}, err
	}
	return r.position(split, member)
}

func (r Record) position(split Split, member uuid.UUID) (Position, error) {
	currency := split.Total.Currency
	owed, hasShare := split.shareOf(member)
	settled := r.settledBy(member)
	if !hasShare && settled.IsZero() {
		return Position{}, ErrUnknownShare
	}

	portions, err := split.portions()
	if err != nil {
		return Position{}, err
	}
	self := money.Zero(currency)
	for _, t := range portions[member] {
		if t.MemberID == member {
			self = self.Add(t.Amount)
		}
	}

	pos := Position{
		MemberID:    member,
		Owed:        owed,
		SelfFunded:  self,
		Settled:     settled,
		Outstanding: money.Zero(currency),
		Credit:      money.Zero(currency),
	}

	remaining := owed.Sub(self).Sub(settled)
	switch {
	case remaining.IsPositive():
		pos.Outstanding = remaining
	case remaining.IsNegative():
		if len(r.Adjustments) == 0 {
			return Position{}, fmt.Errorf("%w: member %s settled %s against an unadjusted share of %s",
				ErrLedgerCorruption, member, settled, owed.Sub(self))
		}
		pos.Credit = remaining.Neg()
	}
	return pos, nil
}

// Positions returns the standing of every member involved in the expense.
func (r Record) Positions() ([]Position, error) {
	split, err := r.Effective()
	if err != nil {
		return nil, err
	}
	var out []Position
	for _, id := range r.members(split) {
		pos, err := r.position(split, id)
		if err != nil {
			return nil, err
		}
		out = append(out, pos)
	}
	return out, nil
}

// FullySettled reports whether no member owes anything on this expense.
func (r Record) FullySettled() (bool, error) {
	positions, err := r.Positions()
	if err != nil {
		return false, err
	}
	for _, p := range positions {
		if p.Outstanding.IsPositive() {
			return false, nil
		}
	}
	return true, nil
}

// NewSettlement validates a settlement of amount by member and decides which
// payers it reimburses. It does not modify the record.
func (r Record) NewSettlement(member uuid.UUID, amount money.Money, now time.Time) (Settlement, error) {
	if r.Expense.Status == StatusVoided {
		return Settlement{}, ErrExpenseVoided
	}
	if !amount.IsPositive() {
		return Settlement{}, ErrNonPositiveAmount
	}
	if !amount.SameCurrency(r.Expense.Total) {
		return Settlement{}, fmt.Errorf("%w: settlement in %s for a %s expense", ErrCurrencyMismatch, amount.Currency, r.Expense.Total.Currency)
	}

	split, err := r.Effective()
	if err != nil {
		return Settlement{}, err
	}
	if _, ok := split.shareOf(member); !ok {
		return Settlement{}, ErrUnknownShare
	}
	pos, err := r.position(split, member)
	if err != nil {
		return Settlement{}, err
	}
	if amount.Cmp(pos.Outstanding) > 0 {
		return Settlement{}, fmt.Errorf("%w: %s requested, %s outstanding", ErrOverSettlement, amount, pos.Outstanding)
	}

	payees, err := r.payeesFor(split, member, amount)
	if err != nil {
		return Settlement{}, err
	}

	return Settlement{
		ID:          uuid.New(),
		ExpenseID:   r.Expense.ID,
		HouseholdID: r.Expense.HouseholdID,
		MemberID:    member,
		Amount:      amount,
		Payees:      payees,
		SettledAt:   now,
	}, nil
}

// payeesFor spreads amount over the payers member still owes, in proportion
// to what is still owed to each one. No payer receives more than it is owed
// as long as amount does not exceed the outstanding total.
func (r Record) payeesFor(split Split, member uuid.UUID, amount money.Money) ([]Transfer, error) {
	portions, err := split.portions()
	if err != nil {
		return nil, err
	}

	paidTo := newMemberSums(amount.Currency)
	for _, s := range r.Settlements {
		if s.MemberID != member {
			continue
		}
		for _, p := range s.Payees {
			paidTo.add(p.MemberID, p.Amount)
		}
	}

	var payees []uuid.UUID
	var weights []int64
	for _, t := range portions[member] {
		if t.MemberID == member {
			continue
		}
		remaining := t.Amount.Sub(paidTo.get(t.MemberID))
		if remaining.IsPositive() {
			payees = append(payees, t.MemberID)
			weights = append(weights, remaining.Amount)
		}
	}
	if len(payees) == 0 {
		return nil, fmt.Errorf("%w: nothing owed to other payers", ErrOverSettlement)
	}

	parts, err := money.Apportion(amount, weights)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrOverSettlement, err)
	}
	var out []Transfer
	for i, p := range parts {
		if p.IsZero() {
			continue
		}
		out = append(out, Transfer{MemberID: payees[i], Amount: p})
	}
	return out, nil
}

func (r Record) settledBy(member uuid.UUID) money.Money {
	total := money.Zero(r.Expense.Total.Currency)
	for _, s := range r.Settlements {
		if s.MemberID == member {
			total = total.Add(s.Amount)
		}
	}
	return total
}

// members lists every member with a share or a settlement, shares first.
func (r Record) members(split Split) []uuid.UUID {
	seen := make(map[uuid.UUID]struct{})
	var out []uuid.UUID
	for _, s := range split.Shares {
		if _, ok := seen[s.MemberID]; !ok {
			seen[s.MemberID] = struct{}{}
			out = append(out, s.MemberID)
		}
	}
	for _, s := range r.Settlements {
		if _, ok := seen[s.MemberID]; !ok {
			seen[s.MemberID] = struct{}{}
			out = append(out, s.MemberID)
		}
	}
	return out
}

// memberSums accumulates amounts per member, remembering first-seen order.
type memberSums struct {
	currency string
	index    map[uuid.UUID]int
	order    []uuid.UUID
	amounts  []money.Money
}

func newMemberSums(currency string) *memberSums {
	return &memberSums{currency: currency, index: make(map[uuid.UUID]int)}
}

func (m *memberSums) add(id uuid.UUID, amount money.Money) {
	i, ok := m.index[id]
	if !ok {
		i = len(m.order)
		m.index[id] = i
		m.order = append(m.order, id)
		m.amounts = append(m.amounts, money.Zero(m.currency))
	}
	m.amounts[i] = m.amounts[i].Add(amount)
}

func (m *memberSums) get(id uuid.UUID) money.Money {
	if i, ok := m.index[id]; ok {
		return m.amounts[i]
	}
	return money.Zero(m.currency)
}
