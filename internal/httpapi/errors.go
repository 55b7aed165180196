package httpapi

import (
	"errors"
	"net/http"

	"github.com/R3E-Network/course_market/internal/access"
	"github.com/R3E-Network/course_market/internal/chain"
	"github.com/R3E-Network/course_market/internal/domain/market"
	"github.com/R3E-Network/course_market/internal/purchase"
	"github.com/R3E-Network/course_market/internal/session"
)

var kindStatus = map[purchase.Kind]int{
	purchase.KindNotConnected:        http.StatusUnauthorized,
	purchase.KindCourseNotFound:      http.StatusNotFound,
	purchase.KindInsufficientBalance: http.StatusPaymentRequired,
	purchase.KindApprovalRequired:    http.StatusConflict,
	purchase.KindApprovalFailed:      http.StatusBadGateway,
	purchase.KindUserRejected:        http.StatusConflict,
	purchase.KindTransactionFailed:   http.StatusBadGateway,
	purchase.KindTimedOut:            http.StatusGatewayTimeout,
	purchase.KindPurchasePending:     http.StatusConflict,
}

// writeError maps domain errors onto HTTP responses. Purchase errors carry
// their structured body so clients can show the shortfall or tx hash.
func (h *handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var pe *purchase.Error
	if errors.As(err, &pe) {
		status, ok := kindStatus[pe.Kind]
		if !ok {
			status = http.StatusInternalServerError
		}
		writeJSON(w, status, map[string]any{"code": pe.Kind, "error": pe})
		return
	}

	switch {
	case errors.Is(err, chain.ErrInvalidAmount):
		writeError(w, http.StatusBadRequest, "invalid_amount", err)
	case errors.Is(err, session.ErrNotConnected):
		writeError(w, http.StatusNotFound, "not_connected", err)
	case errors.Is(err, market.ErrCourseNotFound):
		writeError(w, http.StatusNotFound, "course_not_found", err)
	case errors.Is(err, access.ErrAlreadyPurchased):
		writeError(w, http.StatusConflict, "already_purchased", err)
	case errors.Is(err, market.ErrRecordExists):
		writeError(w, http.StatusConflict, "record_exists", err)
	case errors.Is(err, purchase.ErrBusy):
		writeError(w, http.StatusConflict, "busy", err)
	case errors.Is(err, purchase.ErrNotCancellable):
		writeError(w, http.StatusConflict, "not_cancellable", err)
	case errors.Is(err, purchase.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "invalid_transition", err)
	case errors.Is(err, purchase.ErrCancelled):
		writeError(w, http.StatusConflict, "cancelled", err)
	default:
		h.log.WithContext(r.Context()).WithError(err).Error("request failed")
		writeError(w, http.StatusInternalServerError, "internal_error", errors.New("internal error"))
	}
}
