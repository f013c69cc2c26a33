/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the ledger's model from the external API contract:
  - Money is decimal.Decimal inside, JSON numbers outside
  - Progress is computed, never stored
  - The cart shape (items) is folded into a single service

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Response wrappers

VALIDATION:
  Struct tags (go-playground/validator) check shape: required fields,
  email syntax, lengths. Business rules (amounts, minimum payment,
  down payment vs total) stay in the layaway engine.

SEE ALSO:
  - handlers.go: Uses these types
  - layaway/types.go: Plan, Payment
*/
package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/ariyofashion/layaway/layaway"
)

// =============================================================================
// REQUEST TYPES
// =============================================================================

// CustomerDTO identifies the payer.
type CustomerDTO struct {
	Name  string `json:"name" validate:"max=200"`
	Email string `json:"email" validate:"required,email"`
	Phone string `json:"phone" validate:"required,max=40"`
}

// ServiceDTO describes the garment or tailoring service.
type ServiceDTO struct {
	Name        string `json:"name" validate:"required"`
	Description string `json:"description"`
}

// ItemDTO is one cart line when the storefront sends items instead of a service.
type ItemDTO struct {
	Name        string `json:"name" validate:"required"`
	Description string `json:"description"`
}

// CreateLayawayRequest starts a plan with a verified down payment.
type CreateLayawayRequest struct {
	Customer    CustomerDTO     `json:"customer"`
	Service     *ServiceDTO     `json:"service" validate:"required_without=Items"`
	Items       []ItemDTO       `json:"items" validate:"required_without=Service,dive"`
	TotalAmount decimal.Decimal `json:"totalAmount"`
	DownPayment decimal.Decimal `json:"downPayment"`
	PaymentRef  PaymentRef      `json:"paymentRef" validate:"required,max=200"`
}

// RecordPaymentRequest is one installment.
type RecordPaymentRequest struct {
	Amount     decimal.Decimal `json:"amount"`
	PaymentRef PaymentRef      `json:"paymentRef" validate:"required,max=200"`
}

// PaymentRef accepts the gateway transaction id as a JSON string or number.
type PaymentRef string

func (r *PaymentRef) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case bytes.Equal(data, []byte("null")):
		*r = ""
		return nil
	case len(data) > 0 && data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*r = PaymentRef(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return errors.New("paymentRef must be a string or number")
	}
	*r = PaymentRef(n.String())
	return nil
}

// service folds items into one service when no service was sent.
func (req *CreateLayawayRequest) service() layaway.Service {
	if req.Service != nil {
		return layaway.Service{Name: req.Service.Name, Description: req.Service.Description}
	}
	names := make([]string, 0, len(req.Items))
	descs := make([]string, 0, len(req.Items))
	for _, it := range req.Items {
		names = append(names, it.Name)
		if d := strings.TrimSpace(it.Description); d != "" {
			descs = append(descs, d)
		}
	}
	return layaway.Service{Name: strings.Join(names, ", "), Description: strings.Join(descs, "; ")}
}

func (req *CreateLayawayRequest) toInput() layaway.CreatePlanInput {
	return layaway.CreatePlanInput{
		Service: req.service(),
		Customer: layaway.Customer{
			Name:  req.Customer.Name,
			Email: req.Customer.Email,
			Phone: req.Customer.Phone,
		},
		TotalAmount: req.TotalAmount,
		DownPayment: req.DownPayment,
		PaymentRef:  string(req.PaymentRef),
	}
}

// =============================================================================
// VALIDATION
// =============================================================================

var requestValidator = newRequestValidator()

func newRequestValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// validateRequest turns the first tag failure into a layaway.ValidationError
// so every 400 has the same shape.
func validateRequest(req any) error {
	err := requestValidator.Struct(req)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return &layaway.ValidationError{Field: "body", Message: err.Error()}
	}
	fe := fieldErrs[0]
	field := fe.Namespace()
	if _, rest, ok := strings.Cut(field, "."); ok {
		field = rest
	}
	return &layaway.ValidationError{Field: field, Message: tagMessage(fe)}
}

func tagMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "required_without":
		return "is required when " + strings.ToLower(fe.Param()) + " is missing"
	case "email":
		return "is not a valid email address"
	case "max":
		return "must be at most " + fe.Param() + " characters"
	}
	return "failed " + fe.Tag() + " check"
}

// =============================================================================
// RESPONSE TYPES
// =============================================================================

// PaymentDTO is one ledger entry.
type PaymentDTO struct {
	Amount     float64 `json:"amount"`
	PaymentRef string  `json:"paymentRef"`
	Date       string  `json:"date"`
	Type       string  `json:"type"`
}

// LayawayDTO represents a plan in API responses.
type LayawayDTO struct {
	ID              string       `json:"id"`
	Service         ServiceDTO   `json:"service"`
	Customer        CustomerDTO  `json:"customer"`
	TotalAmount     float64      `json:"totalAmount"`
	PaidAmount      float64      `json:"paidAmount"`
	RemainingAmount float64      `json:"remainingAmount"`
	Progress        int          `json:"progress"`
	Payments        []PaymentDTO `json:"payments"`
	Status          string       `json:"status"`
	Collected       bool         `json:"collected"`
	CollectedAt     string       `json:"collectedAt,omitempty"`
	CreatedAt       string       `json:"createdAt"`
	UpdatedAt       string       `json:"updatedAt"`
}

// CreateLayawayResponse is returned by POST /api/layaways.
type CreateLayawayResponse struct {
	PlanID string     `json:"planId"`
	Plan   LayawayDTO `json:"plan"`
}

// PaymentResponse is returned after an installment is applied.
type PaymentResponse struct {
	Success         bool       `json:"success"`
	RemainingAmount float64    `json:"remainingAmount"`
	Completed       bool       `json:"completed"`
	Plan            LayawayDTO `json:"plan"`
}

// AuditReportDTO is returned by POST /api/admin/audit.
type AuditReportDTO struct {
	CheckedAt string                 `json:"checkedAt"`
	Plans     int                    `json:"plans"`
	Claims    int                    `json:"claims"`
	Clean     bool                   `json:"clean"`
	Findings  []layaway.AuditFinding `json:"findings"`
}

// ErrorResponse is the body of every non-2xx answer.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSION
// =============================================================================

func toLayawayDTO(p *layaway.Plan) LayawayDTO {
	payments := make([]PaymentDTO, 0, len(p.Payments))
	for _, pay := range p.Payments {
		payments = append(payments, PaymentDTO{
			Amount:     pay.Amount.InexactFloat64(),
			PaymentRef: pay.PaymentRef,
			Date:       formatTime(pay.Date),
			Type:       string(pay.Type),
		})
	}
	dto := LayawayDTO{
		ID:              p.ID,
		Service:         ServiceDTO{Name: p.Service.Name, Description: p.Service.Description},
		Customer:        CustomerDTO{Name: p.Customer.Name, Email: p.Customer.Email, Phone: p.Customer.Phone},
		TotalAmount:     p.TotalAmount.InexactFloat64(),
		PaidAmount:      p.PaidAmount.InexactFloat64(),
		RemainingAmount: p.RemainingAmount.InexactFloat64(),
		Progress:        p.Progress(),
		Payments:        payments,
		Status:          string(p.Status),
		Collected:       p.Collected,
		CreatedAt:       formatTime(p.CreatedAt),
		UpdatedAt:       formatTime(p.UpdatedAt),
	}
	if p.CollectedAt != nil {
		dto.CollectedAt = formatTime(*p.CollectedAt)
	}
	return dto
}

func toLayawayDTOs(plans []layaway.Plan) []LayawayDTO {
	dtos := make([]LayawayDTO, 0, len(plans))
	for i := range plans {
		dtos = append(dtos, toLayawayDTO(&plans[i]))
	}
	return dtos
}

func toPaymentResponse(res *layaway.PaymentResult) PaymentResponse {
	return PaymentResponse{
		Success:         true,
		RemainingAmount: res.RemainingAmount.InexactFloat64(),
		Completed:       res.Completed,
		Plan:            toLayawayDTO(res.Plan),
	}
}

func toAuditReportDTO(r *layaway.AuditReport) AuditReportDTO {
	return AuditReportDTO{
		CheckedAt: formatTime(r.CheckedAt),
		Plans:     r.Plans,
		Claims:    r.Claims,
		Clean:     r.Clean(),
		Findings:  r.Findings,
	}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
