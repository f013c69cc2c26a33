package layaway

import (
	"strings"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

// Field limits for stored text.
const (
	MaxServiceName        = 200
	MaxServiceDescription = 500
	MaxCustomerName       = 100
	MaxPhone              = 20
)

var fieldValidator = validator.New()

// CreatePlanInput is the data needed to start a plan.
type CreatePlanInput struct {
	Service     Service
	Customer    Customer
	TotalAmount decimal.Decimal
	DownPayment decimal.Decimal
	PaymentRef  string
}

// ApplyPaymentInput is one installment against an existing plan.
type ApplyPaymentInput struct {
	PlanID     string
	Amount     decimal.Decimal
	PaymentRef string
}

// PlanQuery selects plans. Exactly one field must be set.
type PlanQuery struct {
	ID    string
	Phone string
	Email string
}

// PaymentResult is returned by ApplyPayment.
type PaymentResult struct {
	RemainingAmount decimal.Decimal
	Completed       bool
	Plan            *Plan
}

// clean strips angle brackets, trims, and truncates to max runes.
func clean(s string, max int) string {
	s = strings.TrimSpace(strings.NewReplacer("<", "", ">", "").Replace(s))
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	return strings.TrimSpace(string([]rune(s)[:max]))
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func normalizePhone(phone string) string {
	return clean(phone, MaxPhone)
}

func (in CreatePlanInput) normalized() CreatePlanInput {
	in.Service.Name = clean(in.Service.Name, MaxServiceName)
	in.Service.Description = clean(in.Service.Description, MaxServiceDescription)
	in.Customer.Name = clean(in.Customer.Name, MaxCustomerName)
	in.Customer.Email = normalizeEmail(in.Customer.Email)
	in.Customer.Phone = normalizePhone(in.Customer.Phone)
	in.PaymentRef = strings.TrimSpace(in.PaymentRef)
	return in
}

func (in CreatePlanInput) validate(minPayment decimal.Decimal) error {
	switch {
	case in.Service.Name == "":
		return invalid("service.name", "is required")
	case in.Customer.Phone == "":
		return invalid("customer.phone", "is required")
	case in.Customer.Email == "":
		return invalid("customer.email", "is required")
	case fieldValidator.Var(in.Customer.Email, "email") != nil:
		return invalid("customer.email", "is not a valid email address")
	case !in.TotalAmount.IsPositive():
		return invalid("totalAmount", "must be positive")
	case !in.DownPayment.IsPositive():
		return invalid("downPayment", "must be positive")
	case in.DownPayment.GreaterThan(in.TotalAmount):
		return invalid("downPayment", "exceeds totalAmount")
	case in.DownPayment.LessThan(minPayment) && !in.DownPayment.Equal(in.TotalAmount):
		return invalid("downPayment", "is below the minimum payment of "+minPayment.String())
	case in.PaymentRef == "":
		return invalid("paymentRef", "is required")
	}
	return nil
}

func (in ApplyPaymentInput) validate() error {
	switch {
	case in.PlanID == "":
		return invalid("planId", "is required")
	case !in.Amount.IsPositive():
		return invalid("amount", "must be positive")
	case in.PaymentRef == "":
		return invalid("paymentRef", "is required")
	}
	return nil
}

func (q PlanQuery) validate() error {
	set := 0
	for _, v := range []string{q.ID, q.Phone, q.Email} {
		if v != "" {
			set++
		}
	}
	if set != 1 {
		return invalid("query", "exactly one of id, phone or email is required")
	}
	return nil
}
