package ledger

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/billbatista/acasinha-ledger/money"
	"github.com/google/uuid"
)

// Split is who paid and who owes for one expense.
type Split struct {
	Total         money.Money
	Contributions []Contribution
	Shares        []Share
}

// SplitInput is the loosely shaped request every entry point builds a Split
// from. PaidBy is shorthand for a single payer of the whole total and
// SplitEqually derives equal shares among the listed members.
type SplitInput struct {
	Total         money.Money
	PaidBy        uuid.UUID
	Contributions []Contribution
	Shares        []Share
	SplitEqually  []uuid.UUID
}

// Build resolves the shorthands and validates the result through NewSplit.
func (in SplitInput) Build() (Split, error) {
	if in.Total.Amount <= 0 {
		return Split{}, ErrNonPositiveAmount
	}

	contributions := in.Contributions
	if len(contributions) == 0 && in.PaidBy != uuid.Nil {
		contributions = []Contribution{{MemberID: in.PaidBy, Amount: in.Total}}
	}

	shares := in.Shares
	if len(in.SplitEqually) > 0 {
		if len(shares) > 0 {
			return Split{}, ErrAmbiguousSplit
		}
		var err error
		shares, err = EqualShares(in.Total, in.SplitEqually)
		if err != nil {
			return Split{}, err
		}
	}

	return NewSplit(in.Total, contributions, shares)
}

// EqualShares divides total among members in the given order; leftover minor
// units go to the first members.
func EqualShares(total money.Money, members []uuid.UUID) ([]Share, error) {
	if len(members) == 0 {
		return nil, ErrEmptyParticipants
	}
	if err := checkMembers(members); err != nil {
		return nil, err
	}

	amounts, err := money.AllocateEqual(total, len(members))
	if err != nil {
		return nil, err
	}

	shares := make([]Share, len(members))
	for i, id := range members {
		shares[i] = Share{MemberID: id, Amount: amounts[i]}
	}
	return shares, nil
}

// NewSplit is the single validation path for every split that gets persisted.
func NewSplit(total money.Money, contributions []Contribution, shares []Share) (Split, error) {
	if total.Amount <= 0 {
		return Split{}, ErrNonPositiveAmount
	}
	if len(contributions) == 0 || len(shares) == 0 {
		return Split{}, ErrEmptyParticipants
	}

	payers := make([]uuid.UUID, len(contributions))
	paid := make([]money.Money, len(contributions))
	for i, c := range contributions {
		if c.Amount.IsNegative() {
			return Split{}, fmt.Errorf("%w: contribution of %s", ErrNonPositiveAmount, c.Amount)
		}
		payers[i], paid[i] = c.MemberID, c.Amount
	}

	owers := make([]uuid.UUID, len(shares))
	owed := make([]money.Money, len(shares))
	for i, s := range shares {
		if s.Amount.IsNegative() {
			return Split{}, fmt.Errorf("%w: share of %s", ErrNonPositiveAmount, s.Amount)
		}
		owers[i], owed[i] = s.MemberID, s.Amount
	}

	if err := checkMembers(payers); err != nil {
		return Split{}, fmt.Errorf("contributions: %w", err)
	}
	if err := checkMembers(owers); err != nil {
		return Split{}, fmt.Errorf("shares: %w", err)
	}

	if _, err := money.AllocateMultiPayer(total, paid); err != nil {
		return Split{}, unbalanced("contributions", err)
	}
	if _, err := money.AllocateCustom(total, owed); err != nil {
		return Split{}, unbalanced("shares", err)
	}

	return Split{
		Total:         total,
		Contributions: append([]Contribution(nil), contributions...),
		Shares:        append([]Share(nil), shares...),
	}, nil
}

// NewExpense builds an active expense from an already validated split.
func NewExpense(householdID uuid.UUID, description string, split Split, createdBy uuid.UUID, now time.Time) (Expense, error) {
	if householdID == uuid.Nil {
		return Expense{}, ErrMissingHousehold
	}
	description = strings.TrimSpace(description)
	if description == "" {
		return Expense{}, ErrEmptyDescription
	}

	return Expense{
		ID:            uuid.New(),
		HouseholdID:   householdID,
		Description:   description,
		Total:         split.Total,
		Contributions: split.Contributions,
		Shares:        split.Shares,
		Status:        StatusActive,
		Version:       1,
		CreatedBy:     createdBy,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

// Split returns the expense's raw split, ignoring adjustments.
func (e Expense) Split() Split {
	return Split{Total: e.Total, Contributions: e.Contributions, Shares: e.Shares}
}

func (s Split) contributionOf(member uuid.UUID) money.Money {
	for _, c := range s.Contributions {
		if c.MemberID == member {
			return c.Amount
		}
	}
	return money.Zero(s.Total.Currency)
}

func (s Split) shareOf(member uuid.UUID) (money.Money, bool) {
	for _, sh := range s.Shares {
		if sh.MemberID == member {
			return sh.Amount, true
		}
	}
	return money.Zero(s.Total.Currency), false
}

// validate checks the sum invariant on a replayed split. Zero totals are
// allowed here because a voided expense replays to nothing.
func (s Split) validate() error {
	paid := money.Zero(s.Total.Currency)
	for _, c := range s.Contributions {
		if c.Amount.Currency != s.Total.Currency || c.Amount.IsNegative() {
			return fmt.Errorf("%w: contribution %s of %s", ErrLedgerCorruption, c.Amount, c.MemberID)
		}
		var err error
		if paid, err = paid.CheckedAdd(c.Amount); err != nil {
			return fmt.Errorf("%w: %w", ErrLedgerCorruption, err)
		}
	}
	owed := money.Zero(s.Total.Currency)
	for _, sh := range s.Shares {
		if sh.Amount.Currency != s.Total.Currency || sh.Amount.IsNegative() {
			return fmt.Errorf("%w: share %s of %s", ErrLedgerCorruption, sh.Amount, sh.MemberID)
		}
		var err error
		if owed, err = owed.CheckedAdd(sh.Amount); err != nil {
			return fmt.Errorf("%w: %w", ErrLedgerCorruption, err)
		}
	}
	if !paid.Equal(s.Total) || !owed.Equal(s.Total) || s.Total.IsNegative() {
		return fmt.Errorf("%w: paid %s, owed %s, total %s", ErrLedgerCorruption, paid, owed, s.Total)
	}
	return nil
}

func checkMembers(ids []uuid.UUID) error {
	seen := make(map[uuid.UUID]struct{}, len(ids))
	for _, id := range ids {
		if id == uuid.Nil {
			return ErrEmptyParticipants
		}
		if _, ok := seen[id]; ok {
			return fmt.Errorf("%w: %s", ErrDuplicateMember, id)
		}
		seen[id] = struct{}{}
	}
	return nil
}

func unbalanced(what string, err error) error {
	if errors.Is(err, money.ErrAmountMismatch) {
		return fmt.Errorf("%w: %s: %w", ErrUnbalancedSplit, what, err)
	}
	return fmt.Errorf("%s: %w", what, err)
}
