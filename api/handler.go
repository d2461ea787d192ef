// Package api exposes the ledger over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/billbatista/acasinha-ledger/eventlogger"
	"github.com/billbatista/acasinha-ledger/ledger"
	"github.com/billbatista/acasinha-ledger/middleware"
	"github.com/billbatista/acasinha-ledger/money"
	"github.com/billbatista/acasinha-ledger/user"
	chimiddleware "github.com/go-chi/chi/middleware"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

const maxBodyBytes = 1 << 20

type Handler struct {
	svc       *ledger.Service
	directory user.Directory
	events    eventlogger.EventLogger
	logger    *slog.Logger
}

type Option func(*Handler)

// WithDirectory resolves member names in balance responses.
func WithDirectory(d user.Directory) Option {
	return func(h *Handler) {
		h.directory = d
	}
}

// WithEventLog enables the household activity feed.
func WithEventLog(el eventlogger.EventLogger) Option {
	return func(h *Handler) {
		h.events = el
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.logger = l
		}
	}
}

func NewHandler(svc *ledger.Service, opts ...Option) *Handler {
	h := &Handler{
		svc:       svc,
		directory: user.StaticDirectory{},
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Handler) Routes() http.Handler {
	router := chi.NewRouter()
	router.Use(chimiddleware.RequestID)
	router.Use(chimiddleware.RealIP)
	router.Use(chimiddleware.Logger)
	router.Use(chimiddleware.Recoverer)
	router.Use(middleware.MemberIdentity)

	router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})

	router.Get("/households/{householdID}/balances", h.householdBalances)
	router.Get("/households/{householdID}/events", h.householdEvents)
	router.Get("/expenses/{expenseID}", h.getExpense)

	router.Group(func(r chi.Router) {
		r.Use(middleware.RequireMember)

		r.Post("/households/{householdID}/expenses", h.createExpense)
		r.Post("/households/{householdID}/expenses/multi-payer", h.createMultiPayerExpense)
		r.Put("/expenses/{expenseID}", h.editExpense)
		r.Delete("/expenses/{expenseID}", h.voidExpense)
		r.Post("/expenses/{expenseID}/settlements", h.recordSettlement)
		r.Post("/adjustments/{adjustmentID}/revert", h.revertAdjustment)
	})

	return router
}

func (h *Handler) createExpense(w http.ResponseWriter, r *http.Request) {
	h.create(w, r, h.svc.CreateExpense)
}

func (h *Handler) createMultiPayerExpense(w http.ResponseWriter, r *http.Request) {
	h.create(w, r, h.svc.CreateMultiPayerExpense)
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request, create func(context.Context, ledger.CreateExpenseInput) (ledger.Expense, error)) {
	householdID, ok := h.pathID(w, r, "householdID")
	if !ok {
		return
	}
	var req createExpenseRequest
	if !h.decode(w, r, &req) {
		return
	}
	split, err := req.toInput()
	if err != nil {
		h.error(w, r, err)
		return
	}
	memberID, _ := middleware.GetMemberID(r.Context())

	expense, err := create(r.Context(), ledger.CreateExpenseInput{
		SplitInput:  split,
		HouseholdID: householdID,
		Description: req.Description,
		CreatedBy:   memberID,
	})
	if err != nil {
		h.error(w, r, err)
		return
	}

	h.json(w, http.StatusCreated, newExpenseResponse(expense))
}

func (h *Handler) getExpense(w http.ResponseWriter, r *http.Request) {
	expenseID, ok := h.pathID(w, r, "expenseID")
	if !ok {
		return
	}
	rec, err := h.svc.GetExpense(r.Context(), expenseID)
	if err != nil {
		h.error(w, r, err)
		return
	}
	resp, err := newRecordResponse(rec)
	if err != nil {
		h.error(w, r, err)
		return
	}
	h.json(w, http.StatusOK, resp)
}

func (h *Handler) editExpense(w http.ResponseWriter, r *http.Request) {
	expenseID, ok := h.pathID(w, r, "expenseID")
	if !ok {
		return
	}
	var req editExpenseRequest
	if !h.decode(w, r, &req) {
		return
	}
	split, err := req.toInput()
	if err != nil {
		h.error(w, r, err)
		return
	}
	memberID, _ := middleware.GetMemberID(r.Context())

	res, err := h.svc.EditExpense(r.Context(), ledger.EditExpenseInput{
		SplitInput:  split,
		ExpenseID:   expenseID,
		Description: req.Description,
		Reason:      req.Reason,
		EditedBy:    memberID,
		Confirm:     req.Confirm,
	})
	var confirm *ledger.ConfirmationError
	if errors.As(err, &confirm) {
		h.json(w, http.StatusConflict, previewResponse{
			Error:      confirm.Error(),
			ExpenseID:  confirm.Preview.ExpenseID,
			Adjustment: newAdjustmentResponse(confirm.Preview.Adjustment),
			Credits:    newCredits(confirm.Preview.Credits),
			Impacts:    newImpacts(confirm.Preview.Impacts),
		})
		return
	}
	if err != nil {
		h.error(w, r, err)
		return
	}

	resp := editResponse{
		Expense: newExpenseResponse(res.Expense),
		Credits: newCredits(res.Credits),
		Impacts: newImpacts(res.Impacts),
	}
	if res.Adjustment != nil {
		adj := newAdjustmentResponse(*res.Adjustment)
		resp.Adjustment = &adj
	}
	h.json(w, http.StatusOK, resp)
}

func (h *Handler) voidExpense(w http.ResponseWriter, r *http.Request) {
	expenseID, ok := h.pathID(w, r, "expenseID")
	if !ok {
		return
	}
	memberID, _ := middleware.GetMemberID(r.Context())

	if err := h.svc.VoidExpense(r.Context(), expenseID, memberID, r.URL.Query().Get("reason")); err != nil {
		h.error(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) recordSettlement(w http.ResponseWriter, r *http.Request) {
	expenseID, ok := h.pathID(w, r, "expenseID")
	if !ok {
		return
	}
	var req settlementRequest
	if !h.decode(w, r, &req) {
		return
	}
	memberID := req.MemberID
	if memberID == uuid.Nil {
		memberID, _ = middleware.GetMemberID(r.Context())
	}

	rec, err := h.svc.GetExpense(r.Context(), expenseID)
	if err != nil {
		h.error(w, r, err)
		return
	}
	amount, err := money.Parse(req.Amount, rec.Expense.Total.Currency)
	if err != nil {
		h.error(w, r, err)
		return
	}

	settlement, err := h.svc.RecordSettlement(r.Context(), expenseID, memberID, amount)
	if err != nil {
		h.error(w, r, err)
		return
	}
	h.json(w, http.StatusCreated, newSettlementResponse(settlement))
}

func (h *Handler) revertAdjustment(w http.ResponseWriter, r *http.Request) {
	adjustmentID, ok := h.pathID(w, r, "adjustmentID")
	if !ok {
		return
	}
	var req reasonRequest
	if r.ContentLength != 0 && !h.decode(w, r, &req) {
		return
	}
	memberID, _ := middleware.GetMemberID(r.Context())

	adj, err := h.svc.RevertAdjustment(r.Context(), adjustmentID, memberID, req.Reason)
	if err != nil {
		h.error(w, r, err)
		return
	}
	h.json(w, http.StatusCreated, newAdjustmentResponse(adj))
}

func (h *Handler) householdBalances(w http.ResponseWriter, r *http.Request) {
	householdID, ok := h.pathID(w, r, "householdID")
	if !ok {
		return
	}
	sheet, err := h.svc.HouseholdBalances(r.Context(), householdID)
	if err != nil {
		h.error(w, r, err)
		return
	}

	names := make(map[uuid.UUID]string)
	profiles, err := h.directory.Profiles(r.Context(), sheet.Members())
	if err != nil {
		// names are cosmetic; serve the balances without them
		h.logger.WarnContext(r.Context(), "failed to resolve member names", "household_id", householdID, "error", err)
	}
	for id, p := range profiles {
		names[id] = p.DisplayName()
	}

	resp := balancesResponse{
		HouseholdID: householdID,
		Currency:    sheet.Currency,
		Balances:    []balanceResponse{},
		Debts:       []debtResponse{},
	}
	for _, b := range sheet.Positions() {
		resp.Balances = append(resp.Balances, balanceResponse{MemberID: b.MemberID, Name: names[b.MemberID], Amount: b.Amount.Format()})
	}
	for _, d := range sheet.Debts() {
		resp.Debts = append(resp.Debts, debtResponse{
			From:     d.From,
			FromName: names[d.From],
			To:       d.To,
			ToName:   names[d.To],
			Amount:   d.Amount.Format(),
		})
	}
	h.json(w, http.StatusOK, resp)
}

func (h *Handler) householdEvents(w http.ResponseWriter, r *http.Request) {
	if h.events == nil {
		http.NotFound(w, r)
		return
	}
	householdID, ok := h.pathID(w, r, "householdID")
	if !ok {
		return
	}
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 500 {
			h.json(w, http.StatusBadRequest, errorResponse{Error: "limit must be between 1 and 500"})
			return
		}
		limit = n
	}

	events, err := h.events.ListByHousehold(r.Context(), householdID, limit)
	if err != nil {
		h.error(w, r, err)
		return
	}
	h.json(w, http.StatusOK, events)
}

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request, param string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, param))
	if err != nil {
		h.json(w, http.StatusBadRequest, errorResponse{Error: "invalid " + param})
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		h.json(w, http.StatusBadRequest, errorResponse{Error: "invalid request body: " + err.Error()})
		return false
	}
	return true
}

func (h *Handler) json(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}
