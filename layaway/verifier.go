package layaway

import (
	"context"
	"strings"

	"github.com/shopspring/decimal"
)

// StatusSuccessful is the gateway transaction status for a settled charge.
const StatusSuccessful = "successful"

// Verifier confirms a client-supplied payment reference with the gateway.
// One call, one attempt: implementations must not retry and must honor ctx.
type Verifier interface {
	Verify(ctx context.Context, paymentRef string) (*Verification, error)
}

// Verification is the gateway's view of a transaction.
type Verification struct {
	Success  bool
	Status   string
	Amount   decimal.Decimal
	Currency string
	TxRef    string
}

// Confirms reports whether the transaction is a successful charge of at
// least expected. An empty currency skips the currency check.
func (v *Verification) Confirms(expected decimal.Decimal, currency string) (bool, string) {
	switch {
	case v == nil:
		return false, "no verification result"
	case !v.Success:
		return false, "gateway reported failure"
	case v.Status != StatusSuccessful:
		return false, "transaction status " + v.Status
	case v.Amount.LessThan(expected):
		return false, "charged " + v.Amount.String() + ", expected " + expected.String()
	case currency != "" && !strings.EqualFold(v.Currency, currency):
		return false, "currency " + v.Currency + ", expected " + currency
	}
	return true, ""
}
