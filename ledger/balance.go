package ledger

import (
	"fmt"
	"slices"
	"strings"

	"github.com/billbatista/acasinha-ledger/money"
	"github.com/google/uuid"
)

// Pair is an ordered pair of members: From owes To.
type Pair struct {
	From uuid.UUID
	To   uuid.UUID
}

// Balance represents a member's net position in a household.
// Positive = owed money, Negative = owes money.
type Balance struct {
	MemberID uuid.UUID   `json:"member_id"`
	Amount   money.Money `json:"amount"`
}

// Debt is a positive amount one member owes another.
type Debt struct {
	From   uuid.UUID   `json:"from"`
	To     uuid.UUID   `json:"to"`
	Amount money.Money `json:"amount"`
}

// BalanceSheet holds the net amount every member owes every other member.
// Both directions of a pair are stored, so Between(a, b) == -Between(b, a).
type BalanceSheet struct {
	HouseholdID uuid.UUID
	Currency    string
	pairs       map[Pair]int64
	members     []uuid.UUID
}

// Between returns how much from owes to; negative means to owes from.
func (b BalanceSheet) Between(from, to uuid.UUID) money.Money {
	return money.New(b.pairs[Pair{From: from, To: to}], b.Currency)
}

// Members returns every member that appears in the household ledger.
func (b BalanceSheet) Members() []uuid.UUID {
	return slices.Clone(b.members)
}

// Position returns the member's aggregate position: the sum of what all
// other members owe them.
func (b BalanceSheet) Position(member uuid.UUID) money.Money {
	var total int64
	for _, other := range b.members {
		if other != member {
			total += b.pairs[Pair{From: other, To: member}]
		}
	}
	return money.New(total, b.Currency)
}

// Positions returns every member's aggregate position, in member order.
func (b BalanceSheet) Positions() []Balance {
	out := make([]Balance, len(b.members))
	for i, m := range b.members {
		out[i] = Balance{MemberID: m, Amount: b.Position(m)}
	}
	return out
}

// Debts lists every strictly positive pair balance, ordered by debtor then creditor.
func (b BalanceSheet) Debts() []Debt {
	var out []Debt
	for _, from := range b.members {
		for _, to := range b.members {
			if v := b.pairs[Pair{From: from, To: to}]; v > 0 {
				out = append(out, Debt{From: from, To: to, Amount: money.New(v, b.Currency)})
			}
		}
	}
	return out
}

// GrandTotal sums every ordered pair entry; it is zero for a consistent sheet.
func (b BalanceSheet) GrandTotal() money.Money {
	var total int64
	for _, v := range b.pairs {
		total += v
	}
	return money.New(total, b.Currency)
}

// Equal reports whether two sheets carry the same balances.
func (b BalanceSheet) Equal(o BalanceSheet) bool {
	if b.HouseholdID != o.HouseholdID || b.Currency != o.Currency || !slices.Equal(b.members, o.members) {
		return false
	}
	for _, from := range b.members {
		for _, to := range b.members {
			p := Pair{From: from, To: to}
			if b.pairs[p] != o.pairs[p] {
				return false
			}
		}
	}
	return true
}

// ComputeBalances folds the records of one household into a pairwise balance
// sheet. For every expense each ower's share is apportioned across the payers
// by contribution; the part owed to someone else accrues to owes[ower][payer]
// and every settlement's payees are taken back off. The sheet must sum to
// exactly zero, otherwise ErrLedgerCorruption is returned.
func ComputeBalances(householdID uuid.UUID, records []Record) (BalanceSheet, error) {
	sheet := BalanceSheet{HouseholdID: householdID, pairs: make(map[Pair]int64)}
	owes := make(map[Pair]int64)
	seen := make(map[uuid.UUID]struct{})
	note := func(ids ...uuid.UUID) {
		for _, id := range ids {
			if _, ok := seen[id]; !ok {
				seen[id] = struct{}{}
				sheet.members = append(sheet.members, id)
			}
		}
	}

	for _, rec := range records {
		if rec.Expense.HouseholdID != householdID {
			return BalanceSheet{}, fmt.Errorf("%w: expense %s belongs to household %s", ErrLedgerCorruption, rec.Expense.ID, rec.Expense.HouseholdID)
		}
		currency := rec.Expense.Total.Currency
		if sheet.Currency == "" {
			sheet.Currency = currency
		} else if sheet.Currency != currency {
			return BalanceSheet{}, fmt.Errorf("%w: household mixes %s and %s", ErrLedgerCorruption, sheet.Currency, currency)
		}

		split, err := rec.Effective()
		if err != nil {
			return BalanceSheet{}, err
		}
		portions, err := split.portions()
		if err != nil {
			return BalanceSheet{}, err
		}

		for _, c := range split.Contributions {
			note(c.MemberID)
		}
		for _, sh := range split.Shares {
			note(sh.MemberID)
			for _, t := range portions[sh.MemberID] {
				if t.MemberID != sh.MemberID {
					owes[Pair{From: sh.MemberID, To: t.MemberID}] += t.Amount.Amount
				}
			}
		}

		for _, s := range rec.Settlements {
			if err := checkSettlement(rec.Expense, s); err != nil {
				return BalanceSheet{}, err
			}
			note(s.MemberID)
			for _, p := range s.Payees {
				note(p.MemberID)
				owes[Pair{From: s.MemberID, To: p.MemberID}] -= p.Amount.Amount
			}
		}
	}

	slices.SortFunc(sheet.members, func(a, b uuid.UUID) int {
		return strings.Compare(a.String(), b.String())
	})

	for p, v := range owes {
		sheet.pairs[p] += v
		sheet.pairs[Pair{From: p.To, To: p.From}] -= v
	}

	if total := sheet.GrandTotal(); !total.IsZero() {
		return BalanceSheet{}, fmt.Errorf("%w: household %s balances sum to %s", ErrLedgerCorruption, householdID, total)
	}
	var positions int64
	for _, m := range sheet.members {
		positions += sheet.Position(m).Amount
	}
	if positions != 0 {
		return BalanceSheet{}, fmt.Errorf("%w: household %s positions sum to %d", ErrLedgerCorruption, householdID, positions)
	}
	return sheet, nil
}

func checkSettlement(e Expense, s Settlement) error {
	if s.ExpenseID != e.ID || !s.Amount.SameCurrency(e.Total) || !s.Amount.IsPositive() {
		return fmt.Errorf("%w: settlement %s does not fit expense %s", ErrLedgerCorruption, s.ID, e.ID)
	}
	var paid int64
	for _, p := range s.Payees {
		if p.MemberID == s.MemberID || !p.Amount.SameCurrency(s.Amount) {
			return fmt.Errorf("%w: settlement %s has an invalid payee %s", ErrLedgerCorruption, s.ID, p.MemberID)
		}
		paid += p.Amount.Amount
	}
	if paid != s.Amount.Amount {
		return fmt.Errorf("%w: settlement %s pays out %d of %d", ErrLedgerCorruption, s.ID, paid, s.Amount.Amount)
	}
	return nil
}
