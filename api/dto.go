package api

import (
	"fmt"
	"time"

	"github.com/billbatista/acasinha-ledger/ledger"
	"github.com/billbatista/acasinha-ledger/money"
	"github.com/google/uuid"
)

// Amounts travel as decimal strings in major units ("12.34").

type lineRequest struct {
	MemberID uuid.UUID `json:"member_id"`
	Amount   string    `json:"amount"`
}

type splitRequest struct {
	Currency      string        `json:"currency"`
	Total         string        `json:"total"`
	PaidBy        uuid.UUID     `json:"paid_by"`
	Contributions []lineRequest `json:"contributions"`
	Shares        []lineRequest `json:"shares"`
	SplitEqually  []uuid.UUID   `json:"split_equally"`
}

type createExpenseRequest struct {
	splitRequest
	Description string `json:"description"`
}

type editExpenseRequest struct {
	splitRequest
	Description string `json:"description"`
	Reason      string `json:"reason"`
	Confirm     bool   `json:"confirm"`
}

type settlementRequest struct {
	MemberID uuid.UUID `json:"member_id"` // defaults to the calling member
	Amount   string    `json:"amount"`
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

func (r splitRequest) toInput() (ledger.SplitInput, error) {
	total, err := money.Parse(r.Total, r.Currency)
	if err != nil {
		return ledger.SplitInput{}, fmt.Errorf("total: %w", err)
	}
	in := ledger.SplitInput{Total: total, PaidBy: r.PaidBy, SplitEqually: r.SplitEqually}
	for _, l := range r.Contributions {
		amount, err := money.Parse(l.Amount, r.Currency)
		if err != nil {
			return ledger.SplitInput{}, fmt.Errorf("contribution of %s: %w", l.MemberID, err)
		}
		in.Contributions = append(in.Contributions, ledger.Contribution{MemberID: l.MemberID, Amount: amount})
	}
	for _, l := range r.Shares {
		amount, err := money.Parse(l.Amount, r.Currency)
		if err != nil {
			return ledger.SplitInput{}, fmt.Errorf("share of %s: %w", l.MemberID, err)
		}
		in.Shares = append(in.Shares, ledger.Share{MemberID: l.MemberID, Amount: amount})
	}
	return in, nil
}

type lineResponse struct {
	MemberID uuid.UUID `json:"member_id"`
	Name     string    `json:"name,omitempty"`
	Amount   string    `json:"amount"`
}

type expenseResponse struct {
	ID            uuid.UUID      `json:"id"`
	HouseholdID   uuid.UUID      `json:"household_id"`
	Description   string         `json:"description"`
	Currency      string         `json:"currency"`
	Total         string         `json:"total"`
	Contributions []lineResponse `json:"contributions"`
	Shares        []lineResponse `json:"shares"`
	Status        ledger.Status  `json:"status"`
	Version       int64          `json:"version"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

func newExpenseResponse(e ledger.Expense) expenseResponse {
	out := expenseResponse{
		ID:          e.ID,
		HouseholdID: e.HouseholdID,
		Description: e.Description,
		Currency:    e.Total.Currency,
		Total:       e.Total.Format(),
		Status:      e.Status,
		Version:     e.Version,
		CreatedAt:   e.CreatedAt,
		UpdatedAt:   e.UpdatedAt,
	}
	for _, c := range e.Contributions {
		out.Contributions = append(out.Contributions, lineResponse{MemberID: c.MemberID, Amount: c.Amount.Format()})
	}
	for _, s := range e.Shares {
		out.Shares = append(out.Shares, lineResponse{MemberID: s.MemberID, Amount: s.Amount.Format()})
	}
	return out
}

type settlementResponse struct {
	ID        uuid.UUID      `json:"id"`
	ExpenseID uuid.UUID      `json:"expense_id"`
	MemberID  uuid.UUID      `json:"member_id"`
	Amount    string         `json:"amount"`
	Payees    []lineResponse `json:"payees"`
	SettledAt time.Time      `json:"settled_at"`
}

func newSettlementResponse(s ledger.Settlement) settlementResponse {
	out := settlementResponse{
		ID:        s.ID,
		ExpenseID: s.ExpenseID,
		MemberID:  s.MemberID,
		Amount:    s.Amount.Format(),
		SettledAt: s.SettledAt,
	}
	for _, p := range s.Payees {
		out.Payees = append(out.Payees, lineResponse{MemberID: p.MemberID, Amount: p.Amount.Format()})
	}
	return out
}

type adjustmentResponse struct {
	ID                 uuid.UUID             `json:"id"`
	ExpenseID          uuid.UUID             `json:"expense_id"`
	Kind               ledger.AdjustmentKind `json:"kind"`
	Description        string                `json:"description,omitempty"`
	DeltaContributions []lineResponse        `json:"delta_contributions"`
	DeltaShares        []lineResponse        `json:"delta_shares"`
	Reason             string                `json:"reason,omitempty"`
	RevertsID          *uuid.UUID            `json:"reverts_id,omitempty"`
	CreatedBy          uuid.UUID             `json:"created_by"`
	CreatedAt          time.Time             `json:"created_at"`
}

func newAdjustmentResponse(a ledger.Adjustment) adjustmentResponse {
	out := adjustmentResponse{
		ID:          a.ID,
		ExpenseID:   a.ExpenseID,
		Kind:        a.Kind,
		Description: a.Description,
		Reason:      a.Reason,
		CreatedBy:   a.CreatedBy,
		CreatedAt:   a.CreatedAt,
	}
	if a.RevertsID.Valid {
		id := a.RevertsID.UUID
		out.RevertsID = &id
	}
	for _, c := range a.DeltaContributions {
		out.DeltaContributions = append(out.DeltaContributions, lineResponse{MemberID: c.MemberID, Amount: c.Amount.Format()})
	}
	for _, s := range a.DeltaShares {
		out.DeltaShares = append(out.DeltaShares, lineResponse{MemberID: s.MemberID, Amount: s.Amount.Format()})
	}
	return out
}

type positionResponse struct {
	MemberID    uuid.UUID `json:"member_id"`
	Owed        string    `json:"owed"`
	SelfFunded  string    `json:"self_funded"`
	Settled     string    `json:"settled"`
	Outstanding string    `json:"outstanding"`
	Credit      string    `json:"credit"`
}

type recordResponse struct {
	Expense     expenseResponse      `json:"expense"`
	Positions   []positionResponse   `json:"positions"`
	Settlements []settlementResponse `json:"settlements"`
	Adjustments []adjustmentResponse `json:"adjustments"`
}

func newRecordResponse(rec ledger.Record) (recordResponse, error) {
	out := recordResponse{
		Expense:     newExpenseResponse(rec.Expense),
		Positions:   []positionResponse{},
		Settlements: []settlementResponse{},
		Adjustments: []adjustmentResponse{},
	}
	// the expense row shows the effective state, adjustments included
	eff, err := rec.Effective()
	if err != nil {
		return recordResponse{}, err
	}
	out.Expense.Description = rec.Description()
	out.Expense.Total = eff.Total.Format()
	out.Expense.Contributions, out.Expense.Shares = nil, nil
	for _, c := range eff.Contributions {
		out.Expense.Contributions = append(out.Expense.Contributions, lineResponse{MemberID: c.MemberID, Amount: c.Amount.Format()})
	}
	for _, s := range eff.Shares {
		out.Expense.Shares = append(out.Expense.Shares, lineResponse{MemberID: s.MemberID, Amount: s.Amount.Format()})
	}

	positions, err := rec.Positions()
	if err != nil {
		return recordResponse{}, err
	}
	for _, p := range positions {
		out.Positions = append(out.Positions, positionResponse{
			MemberID:    p.MemberID,
			Owed:        p.Owed.Format(),
			SelfFunded:  p.SelfFunded.Format(),
			Settled:     p.Settled.Format(),
			Outstanding: p.Outstanding.Format(),
			Credit:      p.Credit.Format(),
		})
	}
	for _, s := range rec.Settlements {
		out.Settlements = append(out.Settlements, newSettlementResponse(s))
	}
	for _, a := range rec.Adjustments {
		out.Adjustments = append(out.Adjustments, newAdjustmentResponse(a))
	}
	return out, nil
}

type creditResponse struct {
	MemberID uuid.UUID `json:"member_id"`
	Amount   string    `json:"amount"`
}

type impactResponse struct {
	MemberID uuid.UUID `json:"member_id"`
	Before   string    `json:"before"`
	After    string    `json:"after"`
	Change   string    `json:"change"`
}

func newCredits(credits []ledger.Credit) []creditResponse {
	out := make([]creditResponse, 0, len(credits))
	for _, c := range credits {
		out = append(out, creditResponse{MemberID: c.MemberID, Amount: c.Amount.Format()})
	}
	return out
}

func newImpacts(impacts []ledger.MemberImpact) []impactResponse {
	out := make([]impactResponse, 0, len(impacts))
	for _, i := range impacts {
		out = append(out, impactResponse{
			MemberID: i.MemberID,
			Before:   i.Before.Format(),
			After:    i.After.Format(),
			Change:   i.Change().Format(),
		})
	}
	return out
}

type editResponse struct {
	Expense    expenseResponse     `json:"expense"`
	Adjustment *adjustmentResponse `json:"adjustment,omitempty"`
	Credits    []creditResponse    `json:"credits"`
	Impacts    []impactResponse    `json:"impacts"`
}

type previewResponse struct {
	Error      string             `json:"error"`
	ExpenseID  uuid.UUID          `json:"expense_id"`
	Adjustment adjustmentResponse `json:"adjustment"`
	Credits    []creditResponse   `json:"credits"`
	Impacts    []impactResponse   `json:"impacts"`
}

type balanceResponse struct {
	MemberID uuid.UUID `json:"member_id"`
	Name     string    `json:"name,omitempty"`
	Amount   string    `json:"amount"`
}

type debtResponse struct {
	From     uuid.UUID `json:"from"`
	FromName string    `json:"from_name,omitempty"`
	To       uuid.UUID `json:"to"`
	ToName   string    `json:"to_name,omitempty"`
	Amount   string    `json:"amount"`
}

type balancesResponse struct {
	HouseholdID uuid.UUID         `json:"household_id"`
	Currency    string            `json:"currency,omitempty"`
	Balances    []balanceResponse `json:"balances"`
	Debts       []debtResponse    `json:"debts"`
}

type errorResponse struct {
	Error string `json:"error"`
}
