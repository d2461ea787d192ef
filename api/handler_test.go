package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/billbatista/acasinha-ledger/eventlogger"
	"github.com/billbatista/acasinha-ledger/ledger"
	"github.com/billbatista/acasinha-ledger/middleware"
	"github.com/billbatista/acasinha-ledger/user"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testServer struct {
	t         *testing.T
	server    *httptest.Server
	household uuid.UUID
}

func newTestServer(t *testing.T, opts ...Option) *testServer {
	t.Helper()
	svc := ledger.NewService(ledger.NewMemoryStore())
	srv := httptest.NewServer(NewHandler(svc, opts...).Routes())
	t.Cleanup(srv.Close)
	return &testServer{t: t, server: srv, household: uuid.New()}
}

func (s *testServer) do(method, path string, member uuid.UUID, body any, out any) int {
	s.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(s.t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, s.server.URL+path, &buf)
	require.NoError(s.t, err)
	if member != uuid.Nil {
		req.Header.Set(middleware.MemberHeader, member.String())
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(s.t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(s.t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func (s *testServer) createExpense(payer uuid.UUID, total string, participants []uuid.UUID) expenseResponse {
	s.t.Helper()
	var out expenseResponse
	status := s.do(http.MethodPost, "/households/"+s.household.String()+"/expenses", payer, map[string]any{
		"description":   "groceries",
		"currency":      "EUR",
		"total":         total,
		"paid_by":       payer,
		"split_equally": participants,
	}, &out)
	require.Equal(s.t, http.StatusCreated, status)
	return out
}

func TestCreateExpenseAndBalances(t *testing.T) {
	a, b := uuid.New(), uuid.New()
	s := newTestServer(t, WithDirectory(user.StaticDirectory{
		a: {ID: a, Name: "Ana"},
		b: {ID: b, Email: "bill@example.com"},
	}))

	e := s.createExpense(a, "100.00", []uuid.UUID{a, b})
	assert.Equal(t, "100.00", e.Total)
	assert.Equal(t, ledger.StatusActive, e.Status)
	require.Len(t, e.Shares, 2)
	assert.Equal(t, "50.00", e.Shares[0].Amount)

	var balances balancesResponse
	status := s.do(http.MethodGet, "/households/"+s.household.String()+"/balances", uuid.Nil, nil, &balances)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "EUR", balances.Currency)
	require.Len(t, balances.Debts, 1)
	assert.Equal(t, debtResponse{From: b, FromName: "bill", To: a, ToName: "Ana", Amount: "50.00"}, balances.Debts[0])
}

func TestCreateMultiPayerExpense(t *testing.T) {
	a, b := uuid.New(), uuid.New()
	s := newTestServer(t)

	status := s.do(http.MethodPost, "/households/"+s.household.String()+"/expenses/multi-payer", a, map[string]any{
		"description": "trip",
		"currency":    "EUR",
		"total":       "100",
		"contributions": []map[string]any{
			{"member_id": a, "amount": "60"},
			{"member_id": b, "amount": "40"},
		},
		"split_equally": []uuid.UUID{a, b},
	}, nil)
	require.Equal(t, http.StatusCreated, status)

	var balances balancesResponse
	s.do(http.MethodGet, "/households/"+s.household.String()+"/balances", uuid.Nil, nil, &balances)
	require.Len(t, balances.Debts, 1)
	assert.Equal(t, b, balances.Debts[0].From)
	assert.Equal(t, "10.00", balances.Debts[0].Amount)
}

func TestCreateExpenseErrors(t *testing.T) {
	a, b := uuid.New(), uuid.New()
	s := newTestServer(t)
	path := "/households/" + s.household.String() + "/expenses"

	tests := []struct {
		name   string
		member uuid.UUID
		body   any
		want   int
	}{
		{
			name: "missing member header",
			body: map[string]any{"description": "x", "currency": "EUR", "total": "1", "paid_by": a, "split_equally": []uuid.UUID{a}},
			want: http.StatusUnauthorized,
		},
		{
			name:   "malformed body",
			member: a,
			body:   "not an object",
			want:   http.StatusBadRequest,
		},
		{
			name:   "sub cent amount",
			member: a,
			body:   map[string]any{"description": "x", "currency": "EUR", "total": "1.001", "paid_by": a, "split_equally": []uuid.UUID{a}},
			want:   http.StatusBadRequest,
		},
		{
			name:   "amount beyond range",
			member: a,
			body: map[string]any{
				"description": "x", "currency": "EUR", "total": "1", "paid_by": a,
				"contributions": []map[string]any{{"member_id": a, "amount": "46116860184273879.04"}},
				"split_equally": []uuid.UUID{a},
			},
			want: http.StatusBadRequest,
		},
		{
			name:   "shares do not add up",
			member: a,
			body: map[string]any{
				"description": "x", "currency": "EUR", "total": "100", "paid_by": a,
				"shares": []map[string]any{{"member_id": a, "amount": "50"}, {"member_id": b, "amount": "45"}},
			},
			want: http.StatusUnprocessableEntity,
		},
		{
			name:   "empty description",
			member: a,
			body:   map[string]any{"description": " ", "currency": "EUR", "total": "10", "paid_by": a, "split_equally": []uuid.UUID{a}},
			want:   http.StatusUnprocessableEntity,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out errorResponse
			status := s.do(http.MethodPost, path, tt.member, tt.body, &out)
			assert.Equal(t, tt.want, status)
		})
	}

	var balances balancesResponse
	s.do(http.MethodGet, path[:len(path)-len("/expenses")]+"/balances", uuid.Nil, nil, &balances)
	assert.Empty(t, balances.Debts)
}

func TestCreateExpenseInSecondCurrency(t *testing.T) {
	a, b := uuid.New(), uuid.New()
	s := newTestServer(t)
	s.createExpense(a, "10", []uuid.UUID{a, b})

	var errResp errorResponse
	status := s.do(http.MethodPost, "/households/"+s.household.String()+"/expenses", a, map[string]any{
		"description":   "souvenirs",
		"currency":      "BRL",
		"total":         "5",
		"paid_by":       a,
		"split_equally": []uuid.UUID{a, b},
	}, &errResp)
	assert.Equal(t, http.StatusUnprocessableEntity, status)
	assert.Contains(t, errResp.Error, ledger.ErrCurrencyMismatch.Error())

	var balances balancesResponse
	status = s.do(http.MethodGet, "/households/"+s.household.String()+"/balances", uuid.Nil, nil, &balances)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, balances.Debts, 1)
	assert.Equal(t, "5.00", balances.Debts[0].Amount)
}

func TestSettlementEditConfirmationFlow(t *testing.T) {
	payer := uuid.New()
	a, b, c := uuid.New(), uuid.New(), uuid.New()
	s := newTestServer(t)
	e := s.createExpense(payer, "90", []uuid.UUID{a, b, c})
	expensePath := "/expenses/" + e.ID.String()

	var errResp errorResponse
	status := s.do(http.MethodPost, expensePath+"/settlements", a, map[string]any{"amount": "31"}, &errResp)
	assert.Equal(t, http.StatusUnprocessableEntity, status)
	assert.Contains(t, errResp.Error, ledger.ErrOverSettlement.Error())

	var settlement settlementResponse
	status = s.do(http.MethodPost, expensePath+"/settlements", a, map[string]any{"amount": "30"}, &settlement)
	require.Equal(t, http.StatusCreated, status)
	assert.Equal(t, a, settlement.MemberID)
	assert.Equal(t, []lineResponse{{MemberID: payer, Amount: "30.00"}}, settlement.Payees)

	edit := map[string]any{
		"currency":      "EUR",
		"total":         "60",
		"paid_by":       payer,
		"split_equally": []uuid.UUID{a, b, c},
		"reason":        "returned an item",
	}
	var preview previewResponse
	status = s.do(http.MethodPut, expensePath, payer, edit, &preview)
	require.Equal(t, http.StatusConflict, status)
	assert.Equal(t, []creditResponse{{MemberID: a, Amount: "10.00"}}, preview.Credits)
	assert.Equal(t, ledger.AdjustmentEdit, preview.Adjustment.Kind)

	edit["confirm"] = true
	var edited editResponse
	status = s.do(http.MethodPut, expensePath, payer, edit, &edited)
	require.Equal(t, http.StatusOK, status)
	require.NotNil(t, edited.Adjustment)
	assert.Equal(t, []creditResponse{{MemberID: a, Amount: "10.00"}}, edited.Credits)

	var rec recordResponse
	status = s.do(http.MethodGet, expensePath, uuid.Nil, nil, &rec)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "60.00", rec.Expense.Total)
	assert.Equal(t, ledger.StatusEdited, rec.Expense.Status)
	require.Len(t, rec.Adjustments, 1)
	for _, p := range rec.Positions {
		if p.MemberID == a {
			assert.Equal(t, "10.00", p.Credit)
		}
	}

	var reverted adjustmentResponse
	status = s.do(http.MethodPost, "/adjustments/"+edited.Adjustment.ID.String()+"/revert", payer, map[string]any{"reason": "mistake"}, &reverted)
	require.Equal(t, http.StatusCreated, status)
	require.NotNil(t, reverted.RevertsID)
	assert.Equal(t, edited.Adjustment.ID, *reverted.RevertsID)

	status = s.do(http.MethodPost, "/adjustments/"+edited.Adjustment.ID.String()+"/revert", payer, nil, &errResp)
	assert.Equal(t, http.StatusConflict, status)
}

func TestVoidExpense(t *testing.T) {
	a, b := uuid.New(), uuid.New()
	s := newTestServer(t)
	e := s.createExpense(a, "10", []uuid.UUID{a, b})

	status := s.do(http.MethodDelete, "/expenses/"+e.ID.String()+"?reason=duplicate", a, nil, nil)
	assert.Equal(t, http.StatusNoContent, status)

	var errResp errorResponse
	status = s.do(http.MethodGet, "/expenses/"+e.ID.String(), uuid.Nil, nil, &errResp)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestInvalidPathID(t *testing.T) {
	s := newTestServer(t)
	var errResp errorResponse
	status := s.do(http.MethodGet, "/expenses/not-a-uuid", uuid.Nil, nil, &errResp)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "invalid expenseID", errResp.Error)
}

func TestHouseholdEvents(t *testing.T) {
	log := eventlogger.NewMemoryEventLogger()
	household := uuid.New()
	for i := range 3 {
		require.NoError(t, log.Save(context.Background(), eventlogger.NewEvent(
			eventlogger.WithType(fmt.Sprintf("ledger.test_%d", i)),
			eventlogger.WithHousehold(household),
		)))
	}
	s := newTestServer(t, WithEventLog(log))

	var events []eventlogger.Event
	status := s.do(http.MethodGet, "/households/"+household.String()+"/events?limit=2", uuid.Nil, nil, &events)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, events, 2)
	assert.Equal(t, "ledger.test_2", events[0].Type)

	status = s.do(http.MethodGet, "/households/"+household.String()+"/events?limit=0", uuid.Nil, nil, nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("wrapped: %w", ledger.ErrExpenseNotFound), http.StatusNotFound},
		{&ledger.ConfirmationError{}, http.StatusConflict},
		{ledger.ErrConcurrentModification, http.StatusConflict},
		{ledger.ErrAmountMismatch, http.StatusUnprocessableEntity},
		{fmt.Errorf("%w: boom", ledger.ErrLedgerCorruption), http.StatusInternalServerError},
		{errors.New("unexpected"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}
