/*
engine.go - Ledger engine: create plans, apply payments, find plans

PURPOSE:
  Enforces the Plan invariants through its operations, independent of
  transport and storage. The engine is stateless; every call is an
  independent unit of work and may run concurrently with any other.

OPERATIONS:
  CreatePlan:    verify down payment -> commit plan + reference claim
  ApplyPayment:  verify installment  -> CAS commit plan + reference claim
  FindPlans:     by id (point lookup) or by customer phone/email
  GetPlan:       point lookup
  ListPlans:     admin listing, optional status filter
  MarkCollected: admin pickup flag on a completed plan

PAYMENT FLOW:
  1. Validate input (ValidationError)
  2. Load plan, reject completed plans and reused references
  3. Verify the reference with the gateway (fail closed)
  4. Recompute paid/remaining/status on a copy, check invariants
  5. Commit [Replace plan @version, Create payment_refs/<ref>] atomically
  6. On ErrVersionConflict: reload, re-check state, recompute, retry

  Verification happens once, before the loop. A retry never calls the
  gateway again, and a reference that lost the race is never credited.

SEE ALSO:
  - types.go: Plan and its invariants
  - store.go: DocumentStore contract
  - verifier.go: Verification acceptance rule
*/
package layaway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Collections used by the engine.
const (
	CollectionPlans       = "layaways"
	CollectionPaymentRefs = "payment_refs"
)

// DefaultMaxRetries bounds the optimistic concurrency loop.
const DefaultMaxRetries = 5

// =============================================================================
// ENGINE
// =============================================================================

type Engine struct {
	store      DocumentStore
	verifier   Verifier
	logger     *slog.Logger
	now        func() time.Time
	newID      func() string
	maxRetries int
	minPayment decimal.Decimal
	currency   string
}

type Option func(*Engine)

func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.logger = l } }
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }
func WithIDGenerator(gen func() string) Option { return func(e *Engine) { e.newID = gen } }
func WithMinPayment(amount decimal.Decimal) Option { return func(e *Engine) { e.minPayment = amount } }
func WithCurrency(code string) Option { return func(e *Engine) { e.currency = strings.ToUpper(code) } }

func WithMaxRetries(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxRetries = n
		}
	}
}

func NewEngine(store DocumentStore, verifier Verifier, opts ...Option) *Engine {
	e := &Engine{
		store:      store,
		verifier:   verifier,
		logger:     slog.Default(),
		now:        time.Now,
		newID:      uuid.NewString,
		maxRetries: DefaultMaxRetries,
		minPayment: decimal.Zero,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// =============================================================================
// CREATE
// =============================================================================

// CreatePlan starts a plan after the down payment is verified.
// Nothing is persisted unless verification and the commit both succeed.
func (e *Engine) CreatePlan(ctx context.Context, in CreatePlanInput) (*Plan, error) {
	in = in.normalized()
	if err := in.validate(e.minPayment); err != nil {
		return nil, err
	}
	if err := e.ensureRefUnused(ctx, in.PaymentRef); err != nil {
		return nil, err
	}
	if err := e.verify(ctx, in.PaymentRef, in.DownPayment); err != nil {
		return nil, err
	}

	now := e.now().UTC()
	plan := &Plan{
		ID:              e.newID(),
		Service:         in.Service,
		Customer:        in.Customer,
		TotalAmount:     in.TotalAmount,
		PaidAmount:      decimal.Zero,
		RemainingAmount: in.TotalAmount,
		Payments:        []Payment{},
		Status:          StatusActive,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	pay := Payment{Amount: in.DownPayment, PaymentRef: in.PaymentRef, Date: now, Type: PaymentDown}
	plan.apply(pay)

	writes, err := e.planWrites(plan, WriteCreate, &pay)
	if err != nil {
		return nil, err
	}
	if err := e.store.Commit(ctx, writes); err != nil {
		if errors.Is(err, ErrDocumentExists) {
			return nil, ErrDuplicatePaymentRef
		}
		return nil, storageError("create plan", err)
	}
	plan.Version = 1

	e.logger.InfoContext(ctx, "layaway plan created",
		"plan_id", plan.ID,
		"total", plan.TotalAmount.String(),
		"down_payment", in.DownPayment.String(),
		"status", plan.Status)
	return plan, nil
}

// =============================================================================
// APPLY PAYMENT
// =============================================================================

// ApplyPayment credits a verified installment to an active plan.
// Concurrent payments on the same plan are serialized by version checks.
func (e *Engine) ApplyPayment(ctx context.Context, in ApplyPaymentInput) (*PaymentResult, error) {
	in.PlanID = strings.TrimSpace(in.PlanID)
	in.PaymentRef = strings.TrimSpace(in.PaymentRef)
	if err := in.validate(); err != nil {
		return nil, err
	}

	plan, err := e.GetPlan(ctx, in.PlanID)
	if err != nil {
		return nil, err
	}
	if err := checkPayable(plan, in.PaymentRef); err != nil {
		return nil, err
	}
	if in.Amount.LessThan(e.minPayment) && in.Amount.LessThan(plan.RemainingAmount) {
		return nil, invalid("amount", "is below the minimum payment of "+e.minPayment.String())
	}
	if err := e.ensureRefUnused(ctx, in.PaymentRef); err != nil {
		return nil, err
	}
	if err := e.verify(ctx, in.PaymentRef, in.Amount); err != nil {
		return nil, err
	}

	var transitioned bool
	updated, err := e.mutate(ctx, plan, func(p *Plan) ([]Write, error) {
		if err := checkPayable(p, in.PaymentRef); err != nil {
			return nil, err
		}
		pay := Payment{Amount: in.Amount, PaymentRef: in.PaymentRef, Date: e.now().UTC(), Type: PaymentInstallment}
		transitioned = p.apply(pay)
		claim, err := e.claimWrite(p.ID, &pay)
		if err != nil {
			return nil, err
		}
		return []Write{claim}, nil
	})
	if err != nil {
		return nil, err
	}

	e.logger.InfoContext(ctx, "layaway payment applied",
		"plan_id", updated.ID,
		"amount", in.Amount.String(),
		"remaining", updated.RemainingAmount.String(),
		"completed", transitioned)
	return &PaymentResult{
		RemainingAmount: updated.RemainingAmount,
		Completed:       transitioned,
		Plan:            updated,
	}, nil
}

func checkPayable(p *Plan, ref string) error {
	if p.IsCompleted() {
		return ErrPlanCompleted
	}
	if p.HasPayment(ref) {
		return ErrDuplicatePaymentRef
	}
	return nil
}

// =============================================================================
// QUERIES
// =============================================================================

// GetPlan returns a single plan or ErrPlanNotFound.
func (e *Engine) GetPlan(ctx context.Context, id string) (*Plan, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, invalid("id", "is required")
	}
	doc, err := e.store.Get(ctx, CollectionPlans, id)
	if errors.Is(err, ErrDocumentNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrPlanNotFound, id)
	}
	if err != nil {
		return nil, storageError("get plan", err)
	}
	return decodePlan(doc)
}

// FindPlans looks plans up by exactly one of id, phone or email.
// Phone and email lookups return newest first; no match is an empty slice.
func (e *Engine) FindPlans(ctx context.Context, q PlanQuery) ([]Plan, error) {
	if err := q.validate(); err != nil {
		return nil, err
	}
	if q.ID != "" {
		plan, err := e.GetPlan(ctx, q.ID)
		if err != nil {
			return nil, err
		}
		return []Plan{*plan}, nil
	}

	path, value := "customer.phone", normalizePhone(q.Phone)
	if q.Email != "" {
		path, value = "customer.email", normalizeEmail(q.Email)
	}
	docs, err := e.store.Query(ctx, CollectionPlans, path, value)
	if err != nil {
		return nil, storageError("query plans", err)
	}
	return decodePlans(docs)
}

// ListPlans returns every plan, optionally filtered by status, newest first.
func (e *Engine) ListPlans(ctx context.Context, status Status) ([]Plan, error) {
	var (
		docs []Document
		err  error
	)
	switch status {
	case "":
		docs, err = e.store.List(ctx, CollectionPlans)
	case StatusActive, StatusCompleted:
		docs, err = e.store.Query(ctx, CollectionPlans, "status", string(status))
	default:
		return nil, invalid("status", "must be active or completed")
	}
	if err != nil {
		return nil, storageError("list plans", err)
	}
	return decodePlans(docs)
}

// =============================================================================
// COLLECTION
// =============================================================================

// MarkCollected records that the customer picked up a fully paid garment.
// Monetary fields are not touched.
func (e *Engine) MarkCollected(ctx context.Context, id string) (*Plan, error) {
	plan, err := e.GetPlan(ctx, id)
	if err != nil {
		return nil, err
	}
	updated, err := e.mutate(ctx, plan, func(p *Plan) ([]Write, error) {
		switch {
		case !p.IsCompleted():
			return nil, ErrPlanNotCompleted
		case p.Collected:
			return nil, ErrAlreadyCollected
		}
		now := e.now().UTC()
		p.Collected = true
		p.CollectedAt = &now
		p.UpdatedAt = now
		return nil, nil
	})
	if err != nil {
		return nil, err
	}
	e.logger.InfoContext(ctx, "layaway plan collected", "plan_id", updated.ID)
	return updated, nil
}

// =============================================================================
// READ-MODIFY-COMMIT
// =============================================================================

// mutate applies fn to a copy of plan and commits it at plan's version,
// together with any extra writes fn returns. On a version conflict the plan
// is reloaded and fn runs again, up to maxRetries attempts.
func (e *Engine) mutate(ctx context.Context, plan *Plan, fn func(*Plan) ([]Write, error)) (*Plan, error) {
	for attempt := 1; ; attempt++ {
		next := plan.clone()
		extra, err := fn(next)
		if err != nil {
			return nil, err
		}
		writes, err := e.planWrites(next, WriteReplace, nil)
		if err != nil {
			return nil, err
		}
		writes = append(writes, extra...)

		err = e.store.Commit(ctx, writes)
		switch {
		case err == nil:
			next.Version = plan.Version + 1
			return next, nil
		case errors.Is(err, ErrVersionConflict):
			if attempt >= e.maxRetries {
				return nil, fmt.Errorf("%w: plan %s after %d attempts", ErrConcurrentModification, plan.ID, attempt)
			}
			e.logger.DebugContext(ctx, "layaway plan version conflict, retrying",
				"plan_id", plan.ID, "attempt", attempt)
			if plan, err = e.GetPlan(ctx, plan.ID); err != nil {
				return nil, err
			}
		case errors.Is(err, ErrDocumentExists):
			return nil, ErrDuplicatePaymentRef
		case errors.Is(err, ErrDocumentNotFound):
			return nil, fmt.Errorf("%w: %s", ErrPlanNotFound, plan.ID)
		default:
			return nil, storageError("update plan", err)
		}
	}
}

func (p *Plan) clone() *Plan {
	c := *p
	c.Payments = append(make([]Payment, 0, len(p.Payments)+1), p.Payments...)
	if p.CollectedAt != nil {
		at := *p.CollectedAt
		c.CollectedAt = &at
	}
	return &c
}

// planWrites encodes the plan, asserting invariants first. When pay is set
// the matching reference claim is appended.
func (e *Engine) planWrites(p *Plan, op WriteOp, pay *Payment) ([]Write, error) {
	if err := p.CheckInvariants(); err != nil {
		return nil, fmt.Errorf("layaway: plan %s: %w", p.ID, err)
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("layaway: encode plan %s: %w", p.ID, err)
	}
	writes := []Write{{Op: op, Collection: CollectionPlans, ID: p.ID, Data: data, Version: p.Version}}
	if pay != nil {
		claim, err := e.claimWrite(p.ID, pay)
		if err != nil {
			return nil, err
		}
		writes = append(writes, claim)
	}
	return writes, nil
}

func (e *Engine) claimWrite(planID string, pay *Payment) (Write, error) {
	data, err := json.Marshal(refClaim{PlanID: planID, Amount: pay.Amount, Type: pay.Type, AppliedAt: pay.Date})
	if err != nil {
		return Write{}, fmt.Errorf("layaway: encode payment claim: %w", err)
	}
	return Write{Op: WriteCreate, Collection: CollectionPaymentRefs, ID: pay.PaymentRef, Data: data}, nil
}

// =============================================================================
// VERIFICATION
// =============================================================================

func (e *Engine) ensureRefUnused(ctx context.Context, ref string) error {
	_, err := e.store.Get(ctx, CollectionPaymentRefs, ref)
	switch {
	case err == nil:
		return ErrDuplicatePaymentRef
	case errors.Is(err, ErrDocumentNotFound):
		return nil
	default:
		return storageError("check payment reference", err)
	}
}

func (e *Engine) verify(ctx context.Context, ref string, expected decimal.Decimal) error {
	v, err := e.verifier.Verify(ctx, ref)
	if err != nil {
		e.logger.WarnContext(ctx, "payment verification unavailable", "payment_ref", ref, "error", err)
		return &VerificationError{Ref: ref, Reason: "gateway unavailable", Err: err}
	}
	if ok, reason := v.Confirms(expected, e.currency); !ok {
		e.logger.WarnContext(ctx, "payment verification rejected", "payment_ref", ref, "reason", reason)
		return &VerificationError{Ref: ref, Reason: reason}
	}
	return nil
}

// =============================================================================
// DECODING
// =============================================================================

func decodePlan(doc Document) (*Plan, error) {
	var p Plan
	if err := json.Unmarshal(doc.Data, &p); err != nil {
		return nil, fmt.Errorf("layaway: decode plan %s: %w", doc.ID, err)
	}
	p.ID = doc.ID
	p.Version = doc.Version
	if p.Payments == nil {
		p.Payments = []Payment{}
	}
	return &p, nil
}

func decodePlans(docs []Document) ([]Plan, error) {
	plans := make([]Plan, 0, len(docs))
	for _, doc := range docs {
		p, err := decodePlan(doc)
		if err != nil {
			return nil, err
		}
		plans = append(plans, *p)
	}
	sort.SliceStable(plans, func(i, j int) bool {
		return plans[i].CreatedAt.After(plans[j].CreatedAt)
	})
	return plans, nil
}
