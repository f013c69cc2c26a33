/*
Package layaway implements the installment ("Pay Small-Small") ledger.

PURPOSE:
  A customer starts a plan for a tailoring service with a verified down
  payment and pays the balance off in verified installments. This package
  owns the plan's monetary invariants and its single state transition.

KEY CONCEPTS IN THIS FILE (types.go):
  - Plan: the layaway record (service, customer, amounts, payments, status)
  - Payment: an immutable, append-only entry in a plan
  - Status: active -> completed, exactly once, never reversed

INVARIANTS:
  1. PaidAmount == sum(Payments[].Amount)
  2. RemainingAmount == max(0, TotalAmount - PaidAmount)
  3. Status == completed  iff  RemainingAmount <= 0
  4. TotalAmount never changes; Payments never shrink or reorder

PRECISION:
  All money is decimal.Decimal. Floats only appear at the JSON edge of
  the api package.

SEE ALSO:
  - engine.go: CreatePlan, ApplyPayment, FindPlans
  - store.go: Document store contract
  - verifier.go: Payment gateway contract
*/
package layaway

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// STATUS
// =============================================================================

type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
)

// =============================================================================
// PAYMENT - Immutable ledger entry
// =============================================================================

type PaymentType string

const (
	PaymentDown        PaymentType = "down_payment"
	PaymentInstallment PaymentType = "installment"
)

// Payment is one verified charge credited to a plan.
// Date is server time at acceptance, not the gateway's charge time.
type Payment struct {
	Amount     decimal.Decimal `json:"amount"`
	PaymentRef string          `json:"paymentRef"`
	Date       time.Time       `json:"date"`
	Type       PaymentType     `json:"type"`
}

// =============================================================================
// PLAN
// =============================================================================

// Service describes the garment or service being paid off.
type Service struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Customer identifies the payer. Not unique: one customer may own many plans.
type Customer struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	Phone string `json:"phone"`
}

type Plan struct {
	ID              string          `json:"id"`
	Service         Service         `json:"service"`
	Customer        Customer        `json:"customer"`
	TotalAmount     decimal.Decimal `json:"totalAmount"`
	PaidAmount      decimal.Decimal `json:"paidAmount"`
	RemainingAmount decimal.Decimal `json:"remainingAmount"`
	Payments        []Payment       `json:"payments"`
	Status          Status          `json:"status"`
	Collected       bool            `json:"collected"`
	CollectedAt     *time.Time      `json:"collectedAt,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`

	// Version is the store's optimistic concurrency token. Not serialized.
	Version int64 `json:"-"`
}

// IsCompleted reports whether the balance has been fully paid.
func (p *Plan) IsCompleted() bool {
	return p.Status == StatusCompleted
}

// HasPayment reports whether ref was already credited to this plan.
func (p *Plan) HasPayment(ref string) bool {
	for _, pay := range p.Payments {
		if pay.PaymentRef == ref {
			return true
		}
	}
	return false
}

// Progress returns the paid share of the total as a whole percentage, capped at 100.
func (p *Plan) Progress() int {
	if !p.TotalAmount.IsPositive() {
		return 0
	}
	pct := p.PaidAmount.Mul(decimal.NewFromInt(100)).Div(p.TotalAmount).Round(0)
	if pct.GreaterThan(decimal.NewFromInt(100)) {
		return 100
	}
	return int(pct.IntPart())
}

// apply appends a payment and recomputes the derived fields.
// Returns true if this payment moved the plan from active to completed.
func (p *Plan) apply(pay Payment) bool {
	wasCompleted := p.IsCompleted()

	p.Payments = append(p.Payments, pay)
	p.PaidAmount = p.PaidAmount.Add(pay.Amount)
	p.RemainingAmount = remaining(p.TotalAmount, p.PaidAmount)
	if !p.RemainingAmount.IsPositive() {
		p.Status = StatusCompleted
	} else {
		p.Status = StatusActive
	}
	p.UpdatedAt = pay.Date

	return !wasCompleted && p.IsCompleted()
}

func remaining(total, paid decimal.Decimal) decimal.Decimal {
	return decimal.Max(decimal.Zero, total.Sub(paid))
}

// CheckInvariants verifies the ledger invariants hold for this plan.
func (p *Plan) CheckInvariants() error {
	sum := decimal.Zero
	for i, pay := range p.Payments {
		if !pay.Amount.IsPositive() {
			return fmt.Errorf("payment %d has non-positive amount %s", i, pay.Amount)
		}
		sum = sum.Add(pay.Amount)
	}
	if !p.PaidAmount.Equal(sum) {
		return fmt.Errorf("paid amount %s != sum of payments %s", p.PaidAmount, sum)
	}
	if want := remaining(p.TotalAmount, p.PaidAmount); !p.RemainingAmount.Equal(want) {
		return fmt.Errorf("remaining amount %s != %s", p.RemainingAmount, want)
	}
	completed := !p.RemainingAmount.IsPositive()
	if completed != p.IsCompleted() {
		return fmt.Errorf("status %s inconsistent with remaining amount %s", p.Status, p.RemainingAmount)
	}
	return nil
}

// =============================================================================
// PAYMENT REFERENCE CLAIM
// =============================================================================

// refClaim is stored under the payment reference as document id.
// It makes gateway references single-use across all plans.
type refClaim struct {
	PlanID    string          `json:"planId"`
	Amount    decimal.Decimal `json:"amount"`
	Type      PaymentType     `json:"type"`
	AppliedAt time.Time       `json:"appliedAt"`
}
