package api

import (
	"errors"
	"net/http"

	"github.com/ariyofashion/layaway/layaway"
)

// statusFor maps ledger errors to an HTTP status and a stable code.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, layaway.ErrValidation):
		return http.StatusBadRequest, "validation_failed"
	case errors.Is(err, layaway.ErrPaymentVerificationFailed):
		return http.StatusPaymentRequired, "payment_not_verified"
	case errors.Is(err, layaway.ErrPlanNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, layaway.ErrPlanCompleted):
		return http.StatusConflict, "plan_completed"
	case errors.Is(err, layaway.ErrDuplicatePaymentRef):
		return http.StatusConflict, "duplicate_payment"
	case errors.Is(err, layaway.ErrConcurrentModification):
		return http.StatusConflict, "concurrent_modification"
	case errors.Is(err, layaway.ErrPlanNotCompleted):
		return http.StatusConflict, "plan_not_completed"
	case errors.Is(err, layaway.ErrAlreadyCollected):
		return http.StatusConflict, "already_collected"
	}
	return http.StatusInternalServerError, "internal"
}

// writeEngineError answers with the mapped status. Server errors are logged
// and never echo internal details to the client.
func (h *Handler) writeEngineError(w http.ResponseWriter, r *http.Request, message string, err error) {
	status, code := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.ErrorContext(r.Context(), message, "error", err, "path", r.URL.Path)
		writeError(w, status, code, message, nil)
		return
	}

	var (
		details string
		verr    *layaway.VerificationError
		vderr   *layaway.ValidationError
	)
	switch {
	case errors.As(err, &vderr):
		details = vderr.Error()
	case errors.As(err, &verr):
		// Gateway transport failures stay in the logs.
		details = "payment " + verr.Ref + " not verified: " + verr.Reason
	default:
		details = err.Error()
	}
	h.logger.InfoContext(r.Context(), message, "status", status, "code", code, "error", err)
	writeError(w, status, code, message, errors.New(details))
}

func writeError(w http.ResponseWriter, status int, code, message string, err error) {
	resp := ErrorResponse{Error: message, Code: code}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
