/*
handlers.go - HTTP API handlers for the layaway ledger

PURPOSE:
  Exposes the layaway engine via REST API. Handles HTTP request/response,
  JSON serialization, and delegates to the engine.

ENDPOINTS:
  Layaways (public):
    POST   /api/layaways                  Create plan with verified down payment
    GET    /api/layaways?id=|phone=|email= Look plans up
    GET    /api/layaways/{id}             Get one plan (receipt page)
    POST   /api/layaways/{id}/payments    Record a verified installment
    PUT    /api/layaways?id=              Record a verified installment (legacy shape)

  Admin:
    GET    /api/admin/layaways?status=    List plans
    POST   /api/admin/layaways/{id}/collect Mark a completed plan as picked up
    POST   /api/admin/audit               Run the ledger audit now

  Health:
    GET    /api/health                    Liveness and store ping

REQUEST FLOW:
  1. Parse HTTP request
  2. Validate shape (struct tags)
  3. Call the engine (business rules, verification, atomic commit)
  4. Serialize response
  5. Map errors (api/errors.go)

ERROR HANDLING:
  - 400: Validation errors, invalid input
  - 402: Payment not verified by the gateway
  - 404: Plan not found
  - 409: Completed plan, reused payment reference, lost update race
  - 500: Internal errors (no details returned)

SEE ALSO:
  - dto.go: Request/response data structures
  - errors.go: Error to status mapping
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ariyofashion/layaway/gateway"
	"github.com/ariyofashion/layaway/layaway"
)

const maxBodyBytes = 1 << 20

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine *layaway.Engine
	Store  Pinger

	// Scheduler, when set, records on-demand audits as its latest report.
	Scheduler *AuditScheduler

	logger *slog.Logger
}

// NewHandler creates a new handler. store may be nil when there is nothing to ping.
func NewHandler(engine *layaway.Engine, store Pinger, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{Engine: engine, Store: store, logger: logger}
}

// =============================================================================
// LAYAWAY ENDPOINTS
// =============================================================================

// CreateLayaway handles POST /api/layaways.
func (h *Handler) CreateLayaway(w http.ResponseWriter, r *http.Request) {
	var req CreateLayawayRequest
	if !h.decode(w, r, &req) {
		return
	}

	plan, err := h.Engine.CreatePlan(r.Context(), req.toInput())
	if err != nil {
		h.writeEngineError(w, r, "Failed to create layaway", err)
		return
	}

	h.logger.InfoContext(r.Context(), "layaway created via api", "plan_id", plan.ID, "caller", callerUID(r))
	writeJSON(w, http.StatusCreated, CreateLayawayResponse{PlanID: plan.ID, Plan: toLayawayDTO(plan)})
}

// FindLayaways handles GET /api/layaways.
// An id query returns a single plan object; phone or email return a list.
func (h *Handler) FindLayaways(w http.ResponseWriter, r *http.Request) {
	q := layaway.PlanQuery{
		ID:    r.URL.Query().Get("id"),
		Phone: r.URL.Query().Get("phone"),
		Email: r.URL.Query().Get("email"),
	}
	// id wins, then phone over email, as the search page sends both fields.
	switch {
	case q.ID != "":
		q.Phone, q.Email = "", ""
	case q.Phone != "":
		q.Email = ""
	}

	plans, err := h.Engine.FindPlans(r.Context(), q)
	if err != nil {
		h.writeEngineError(w, r, "Failed to fetch layaways", err)
		return
	}

	if q.ID != "" {
		writeJSON(w, http.StatusOK, toLayawayDTO(&plans[0]))
		return
	}
	writeJSON(w, http.StatusOK, toLayawayDTOs(plans))
}

// GetLayaway handles GET /api/layaways/{id}.
func (h *Handler) GetLayaway(w http.ResponseWriter, r *http.Request) {
	plan, err := h.Engine.GetPlan(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeEngineError(w, r, "Failed to fetch layaway", err)
		return
	}
	writeJSON(w, http.StatusOK, toLayawayDTO(plan))
}

// RecordPayment handles POST /api/layaways/{id}/payments.
func (h *Handler) RecordPayment(w http.ResponseWriter, r *http.Request) {
	h.recordPayment(w, r, chi.URLParam(r, "id"))
}

// RecordPaymentLegacy handles PUT /api/layaways?id=.
func (h *Handler) RecordPaymentLegacy(w http.ResponseWriter, r *http.Request) {
	h.recordPayment(w, r, r.URL.Query().Get("id"))
}

func (h *Handler) recordPayment(w http.ResponseWriter, r *http.Request, planID string) {
	var req RecordPaymentRequest
	if !h.decode(w, r, &req) {
		return
	}

	res, err := h.Engine.ApplyPayment(r.Context(), layaway.ApplyPaymentInput{
		PlanID:     planID,
		Amount:     req.Amount,
		PaymentRef: string(req.PaymentRef),
	})
	if err != nil {
		h.writeEngineError(w, r, "Failed to record payment", err)
		return
	}

	writeJSON(w, http.StatusOK, toPaymentResponse(res))
}

// =============================================================================
// ADMIN ENDPOINTS
// =============================================================================

// ListLayaways handles GET /api/admin/layaways.
func (h *Handler) ListLayaways(w http.ResponseWriter, r *http.Request) {
	plans, err := h.Engine.ListPlans(r.Context(), layaway.Status(r.URL.Query().Get("status")))
	if err != nil {
		h.writeEngineError(w, r, "Failed to list layaways", err)
		return
	}
	writeJSON(w, http.StatusOK, toLayawayDTOs(plans))
}

// MarkCollected handles POST /api/admin/layaways/{id}/collect.
func (h *Handler) MarkCollected(w http.ResponseWriter, r *http.Request) {
	plan, err := h.Engine.MarkCollected(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeEngineError(w, r, "Failed to mark layaway collected", err)
		return
	}
	h.logger.InfoContext(r.Context(), "layaway collected via api", "plan_id", plan.ID, "admin", callerUID(r))
	writeJSON(w, http.StatusOK, toLayawayDTO(plan))
}

// TriggerAudit handles POST /api/admin/audit.
func (h *Handler) TriggerAudit(w http.ResponseWriter, r *http.Request) {
	var (
		report *layaway.AuditReport
		err    error
	)
	if h.Scheduler != nil {
		report, err = h.Scheduler.RunOnce(r.Context())
	} else {
		report, err = h.Engine.Audit(r.Context())
	}
	if err != nil {
		h.writeEngineError(w, r, "Failed to audit ledger", err)
		return
	}
	writeJSON(w, http.StatusOK, toAuditReportDTO(report))
}

// =============================================================================
// HEALTH
// =============================================================================

// Health handles GET /api/health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if h.Store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.Store.Ping(ctx); err != nil {
			h.logger.ErrorContext(r.Context(), "health check failed", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

// decode reads and validates a JSON body. On failure it writes a 400 and
// returns false.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "Invalid request body", decodeError(err))
		return false
	}
	if err := validateRequest(dst); err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", "Invalid request", err)
		return false
	}
	return true
}

func decodeError(err error) error {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return fmt.Errorf("body exceeds %d bytes", maxErr.Limit)
	}
	return err
}

func callerUID(r *http.Request) string {
	if id := gateway.IdentityFrom(r.Context()); id != nil {
		return id.UID
	}
	return "anonymous"
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
