package api

import (
	"errors"
	"net/http"

	"github.com/billbatista/acasinha-ledger/ledger"
	"github.com/billbatista/acasinha-ledger/money"
)

// statusFor maps ledger errors to HTTP status codes; anything unknown is a 500.
func statusFor(err error) int {
	switch {
	case errors.Is(err, money.ErrInvalidAmount),
		errors.Is(err, money.ErrPrecision),
		errors.Is(err, money.ErrOverflow),
		errors.Is(err, money.ErrEmptyCurrency):
		return http.StatusBadRequest
	case errors.Is(err, ledger.ErrExpenseNotFound),
		errors.Is(err, ledger.ErrAdjustmentNotFound):
		return http.StatusNotFound
	case errors.Is(err, ledger.ErrSettledExpenseRequiresConfirmation),
		errors.Is(err, ledger.ErrConcurrentModification),
		errors.Is(err, ledger.ErrAlreadyReverted),
		errors.Is(err, ledger.ErrExpenseVoided):
		return http.StatusConflict
	case errors.Is(err, ledger.ErrLedgerCorruption):
		return http.StatusInternalServerError
	case errors.Is(err, ledger.ErrAmountMismatch),
		errors.Is(err, ledger.ErrUnbalancedSplit),
		errors.Is(err, ledger.ErrCurrencyMismatch),
		errors.Is(err, ledger.ErrEmptyParticipants),
		errors.Is(err, ledger.ErrNonPositiveAmount),
		errors.Is(err, ledger.ErrEmptyDescription),
		errors.Is(err, ledger.ErrMissingHousehold),
		errors.Is(err, ledger.ErrDuplicateMember),
		errors.Is(err, ledger.ErrAmbiguousSplit),
		errors.Is(err, ledger.ErrUnknownShare),
		errors.Is(err, ledger.ErrOverSettlement):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) error(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.logger.ErrorContext(r.Context(), "request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		h.json(w, status, errorResponse{Error: "internal server error"})
		return
	}
	h.json(w, status, errorResponse{Error: err.Error()})
}
