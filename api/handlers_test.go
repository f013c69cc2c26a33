/*
handlers_test.go - HTTP tests for the layaway API

Tests for:
- Plan creation (service and items shapes), validation, verification failure
- Lookup by id, phone, email
- Installments on both payment routes, duplicate and completed rejections
- Admin listing, pickup and audit behind RequireAdmin
- Error body shape and status mapping
*/
package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ariyofashion/layaway/api"
	"github.com/ariyofashion/layaway/gateway"
	"github.com/ariyofashion/layaway/layaway"
	"github.com/ariyofashion/layaway/store/memory"
)

// =============================================================================
// TEST SETUP
// =============================================================================

const jwtSecret = "handler-test-secret"

type stubVerifier struct {
	mu      sync.Mutex
	charges map[string]int64
	down    bool
}

func (v *stubVerifier) charge(ref string, amount int64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.charges[ref] = amount
}

func (v *stubVerifier) Verify(_ context.Context, ref string) (*layaway.Verification, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.down {
		return nil, errors.New("connection reset by peer")
	}
	amount, ok := v.charges[ref]
	if !ok {
		return &layaway.Verification{Success: false, Status: "No transaction was found for this id"}, nil
	}
	return &layaway.Verification{Success: true, Status: layaway.StatusSuccessful, Amount: decimal.NewFromInt(amount), Currency: "NGN"}, nil
}

type testServer struct {
	t        *testing.T
	srv      *httptest.Server
	verifier *stubVerifier
}

func newTestServer(t *testing.T) *testServer {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	verifier := &stubVerifier{charges: make(map[string]int64)}
	engine := layaway.NewEngine(memory.New(), verifier, layaway.WithLogger(logger), layaway.WithCurrency("NGN"))

	handler := api.NewHandler(engine, nil, logger)
	router := api.NewRouter(handler, api.RouterOptions{
		Authenticator: gateway.NewAuthenticator(gateway.NewJWTVerifier(jwtSecret), []string{"owner@ariyo.ng"}, logger),
	})

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return &testServer{t: t, srv: srv, verifier: verifier}
}

func (ts *testServer) token(email string) string {
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "uid-" + email, "email": email}).
		SignedString([]byte(jwtSecret))
	require.NoError(ts.t, err)
	return raw
}

// do sends body as JSON and decodes the response into out when non-nil.
func (ts *testServer) do(method, path, token string, body any, out any) int {
	ts.t.Helper()
	var rdr io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		rdr = strings.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(ts.t, err)
		rdr = bytes.NewReader(raw)
	}

	req, err := http.NewRequest(method, ts.srv.URL+path, rdr)
	require.NoError(ts.t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(ts.t, err)
	defer resp.Body.Close()

	if out != nil {
		require.NoError(ts.t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func createBody(ref string, total, down int64) map[string]any {
	return map[string]any{
		"customer":    map[string]any{"name": "Ada", "email": "ada@example.com", "phone": "08030000001"},
		"service":     map[string]any{"name": "Agbada", "description": "Navy, three-piece"},
		"totalAmount": total,
		"downPayment": down,
		"paymentRef":  ref,
	}
}

func (ts *testServer) createPlan(ref string, total, down int64) api.LayawayDTO {
	ts.t.Helper()
	ts.verifier.charge(ref, down)
	var resp api.CreateLayawayResponse
	status := ts.do(http.MethodPost, "/api/layaways", "", createBody(ref, total, down), &resp)
	require.Equal(ts.t, http.StatusCreated, status)
	return resp.Plan
}

// =============================================================================
// CREATE
// =============================================================================

func TestCreateLayaway(t *testing.T) {
	ts := newTestServer(t)
	ts.verifier.charge("4815", 20000)

	var resp api.CreateLayawayResponse
	status := ts.do(http.MethodPost, "/api/layaways", "", createBody("4815", 100000, 20000), &resp)

	require.Equal(t, http.StatusCreated, status)
	assert.NotEmpty(t, resp.PlanID)
	assert.Equal(t, resp.PlanID, resp.Plan.ID)
	assert.Equal(t, "active", resp.Plan.Status)
	assert.Equal(t, 20000.0, resp.Plan.PaidAmount)
	assert.Equal(t, 80000.0, resp.Plan.RemainingAmount)
	assert.Equal(t, 20, resp.Plan.Progress)
	require.Len(t, resp.Plan.Payments, 1)
	assert.Equal(t, "down_payment", resp.Plan.Payments[0].Type)
}

func TestCreateLayaway_ItemsAndNumericRef(t *testing.T) {
	// GIVEN: The cart shape with a numeric gateway transaction id
	ts := newTestServer(t)
	ts.verifier.charge("4815162342", 15000)

	body := `{
		"customer": {"name": "Ada", "email": "ada@example.com", "phone": "0803"},
		"items": [
			{"name": "Kaftan", "description": "White"},
			{"name": "Cap"}
		],
		"totalAmount": 45000,
		"downPayment": 15000,
		"paymentRef": 4815162342
	}`

	var resp api.CreateLayawayResponse
	status := ts.do(http.MethodPost, "/api/layaways", "", body, &resp)

	// THEN: Items are folded into one service
	require.Equal(t, http.StatusCreated, status)
	assert.Equal(t, "Kaftan, Cap", resp.Plan.Service.Name)
	assert.Equal(t, "White", resp.Plan.Service.Description)
	assert.Equal(t, "4815162342", resp.Plan.Payments[0].PaymentRef)
}

func TestCreateLayaway_BadRequests(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name string
		body any
		code string
	}{
		{"malformed json", `{"customer":`, "invalid_body"},
		{"no service or items", map[string]any{
			"customer": map[string]any{"email": "ada@example.com", "phone": "0803"}, "totalAmount": 100, "downPayment": 10, "paymentRef": "r",
		}, "validation_failed"},
		{"bad email", func() map[string]any {
			b := createBody("r", 100, 10)
			b["customer"] = map[string]any{"email": "nope", "phone": "0803"}
			return b
		}(), "validation_failed"},
		{"down exceeds total", createBody("r", 100, 150), "validation_failed"},
		{"missing ref", createBody("", 100, 10), "validation_failed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var resp api.ErrorResponse
			status := ts.do(http.MethodPost, "/api/layaways", "", tt.body, &resp)

			assert.Equal(t, http.StatusBadRequest, status)
			assert.Equal(t, tt.code, resp.Code)
			assert.NotEmpty(t, resp.Error)
		})
	}
}

func TestCreateLayaway_PaymentNotVerified(t *testing.T) {
	ts := newTestServer(t)

	var resp api.ErrorResponse
	status := ts.do(http.MethodPost, "/api/layaways", "", createBody("unknown", 100000, 20000), &resp)

	assert.Equal(t, http.StatusPaymentRequired, status)
	assert.Equal(t, "payment_not_verified", resp.Code)

	var plans []api.LayawayDTO
	ts.do(http.MethodGet, "/api/layaways?phone=08030000001", "", nil, &plans)
	assert.Empty(t, plans)
}

func TestCreateLayaway_GatewayDownHidesTransportError(t *testing.T) {
	ts := newTestServer(t)
	ts.verifier.mu.Lock()
	ts.verifier.down = true
	ts.verifier.mu.Unlock()

	var resp api.ErrorResponse
	status := ts.do(http.MethodPost, "/api/layaways", "", createBody("4815", 100000, 20000), &resp)

	assert.Equal(t, http.StatusPaymentRequired, status)
	assert.NotContains(t, resp.Details, "connection reset")
}

// =============================================================================
// LOOKUP
// =============================================================================

func TestFindLayaways(t *testing.T) {
	ts := newTestServer(t)
	first := ts.createPlan("r1", 100000, 20000)
	second := ts.createPlan("r2", 30000, 10000)

	t.Run("by id returns one object", func(t *testing.T) {
		var plan api.LayawayDTO
		status := ts.do(http.MethodGet, "/api/layaways?id="+first.ID, "", nil, &plan)
		require.Equal(t, http.StatusOK, status)
		assert.Equal(t, first.ID, plan.ID)
	})

	t.Run("by path id", func(t *testing.T) {
		var plan api.LayawayDTO
		status := ts.do(http.MethodGet, "/api/layaways/"+second.ID, "", nil, &plan)
		require.Equal(t, http.StatusOK, status)
		assert.Equal(t, second.ID, plan.ID)
	})

	t.Run("by phone returns a list", func(t *testing.T) {
		var plans []api.LayawayDTO
		status := ts.do(http.MethodGet, "/api/layaways?phone=08030000001", "", nil, &plans)
		require.Equal(t, http.StatusOK, status)
		assert.Len(t, plans, 2)
	})

	t.Run("by email", func(t *testing.T) {
		var plans []api.LayawayDTO
		status := ts.do(http.MethodGet, "/api/layaways?email=ADA@example.com", "", nil, &plans)
		require.Equal(t, http.StatusOK, status)
		assert.Len(t, plans, 2)
	})

	t.Run("phone wins over email", func(t *testing.T) {
		var plans []api.LayawayDTO
		status := ts.do(http.MethodGet, "/api/layaways?phone=08030000001&email=nobody@ariyo.ng", "", nil, &plans)
		require.Equal(t, http.StatusOK, status)
		assert.Len(t, plans, 2)
	})

	t.Run("id wins over phone", func(t *testing.T) {
		var plan api.LayawayDTO
		status := ts.do(http.MethodGet, "/api/layaways?id="+second.ID+"&phone=0000", "", nil, &plan)
		require.Equal(t, http.StatusOK, status)
		assert.Equal(t, second.ID, plan.ID)
	})

	t.Run("no selector", func(t *testing.T) {
		var resp api.ErrorResponse
		status := ts.do(http.MethodGet, "/api/layaways", "", nil, &resp)
		assert.Equal(t, http.StatusBadRequest, status)
	})

	t.Run("unknown id", func(t *testing.T) {
		var resp api.ErrorResponse
		status := ts.do(http.MethodGet, "/api/layaways/missing", "", nil, &resp)
		assert.Equal(t, http.StatusNotFound, status)
		assert.Equal(t, "not_found", resp.Code)
	})
}

// =============================================================================
// PAYMENTS
// =============================================================================

func TestRecordPayment(t *testing.T) {
	ts := newTestServer(t)
	plan := ts.createPlan("r1", 100000, 20000)

	// Installment via the resource route
	ts.verifier.charge("r2", 30000)
	var resp api.PaymentResponse
	status := ts.do(http.MethodPost, "/api/layaways/"+plan.ID+"/payments", "", map[string]any{"amount": 30000, "paymentRef": "r2"}, &resp)
	require.Equal(t, http.StatusOK, status)
	assert.True(t, resp.Success)
	assert.False(t, resp.Completed)
	assert.Equal(t, 50000.0, resp.RemainingAmount)

	// Final installment via the legacy PUT route
	ts.verifier.charge("r3", 50000)
	status = ts.do(http.MethodPut, "/api/layaways?id="+plan.ID, "", map[string]any{"amount": 50000, "paymentRef": "r3"}, &resp)
	require.Equal(t, http.StatusOK, status)
	assert.True(t, resp.Completed)
	assert.Equal(t, 0.0, resp.RemainingAmount)
	assert.Equal(t, "completed", resp.Plan.Status)
	assert.Equal(t, 100, resp.Plan.Progress)
	assert.Len(t, resp.Plan.Payments, 3)

	// Nothing more can be paid
	ts.verifier.charge("r4", 1000)
	var errResp api.ErrorResponse
	status = ts.do(http.MethodPost, "/api/layaways/"+plan.ID+"/payments", "", map[string]any{"amount": 1000, "paymentRef": "r4"}, &errResp)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "plan_completed", errResp.Code)
}

func TestRecordPayment_Duplicate(t *testing.T) {
	ts := newTestServer(t)
	plan := ts.createPlan("r1", 100000, 20000)
	ts.verifier.charge("r2", 10000)

	body := map[string]any{"amount": 10000, "paymentRef": "r2"}
	require.Equal(t, http.StatusOK, ts.do(http.MethodPost, "/api/layaways/"+plan.ID+"/payments", "", body, nil))

	var errResp api.ErrorResponse
	status := ts.do(http.MethodPost, "/api/layaways/"+plan.ID+"/payments", "", body, &errResp)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "duplicate_payment", errResp.Code)

	var stored api.LayawayDTO
	ts.do(http.MethodGet, "/api/layaways/"+plan.ID, "", nil, &stored)
	assert.Equal(t, 30000.0, stored.PaidAmount)
}

func TestRecordPayment_UnknownPlan(t *testing.T) {
	ts := newTestServer(t)
	ts.verifier.charge("r2", 10000)

	status := ts.do(http.MethodPut, "/api/layaways?id=missing", "", map[string]any{"amount": 10000, "paymentRef": "r2"}, nil)

	assert.Equal(t, http.StatusNotFound, status)
}

// =============================================================================
// ADMIN
// =============================================================================

func TestAdmin_RequiresAdmin(t *testing.T) {
	ts := newTestServer(t)

	assert.Equal(t, http.StatusUnauthorized, ts.do(http.MethodGet, "/api/admin/layaways", "", nil, nil))
	assert.Equal(t, http.StatusUnauthorized, ts.do(http.MethodGet, "/api/admin/layaways", "not-a-token", nil, nil))
	assert.Equal(t, http.StatusForbidden, ts.do(http.MethodGet, "/api/admin/layaways", ts.token("ada@example.com"), nil, nil))
	assert.Equal(t, http.StatusOK, ts.do(http.MethodGet, "/api/admin/layaways", ts.token("owner@ariyo.ng"), nil, nil))
}

func TestAdmin_ListAndCollect(t *testing.T) {
	ts := newTestServer(t)
	admin := ts.token("owner@ariyo.ng")
	active := ts.createPlan("r1", 100000, 20000)
	done := ts.createPlan("r2", 5000, 5000)

	var plans []api.LayawayDTO
	require.Equal(t, http.StatusOK, ts.do(http.MethodGet, "/api/admin/layaways?status=completed", admin, nil, &plans))
	require.Len(t, plans, 1)
	assert.Equal(t, done.ID, plans[0].ID)

	var errResp api.ErrorResponse
	status := ts.do(http.MethodGet, "/api/admin/layaways?status=bogus", admin, nil, &errResp)
	assert.Equal(t, http.StatusBadRequest, status)

	status = ts.do(http.MethodPost, "/api/admin/layaways/"+active.ID+"/collect", admin, nil, &errResp)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "plan_not_completed", errResp.Code)

	var collected api.LayawayDTO
	require.Equal(t, http.StatusOK, ts.do(http.MethodPost, "/api/admin/layaways/"+done.ID+"/collect", admin, nil, &collected))
	assert.True(t, collected.Collected)
	assert.NotEmpty(t, collected.CollectedAt)

	status = ts.do(http.MethodPost, "/api/admin/layaways/"+done.ID+"/collect", admin, nil, &errResp)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "already_collected", errResp.Code)
}

func TestAdmin_Audit(t *testing.T) {
	ts := newTestServer(t)
	plan := ts.createPlan("r1", 100000, 20000)
	ts.verifier.charge("r2", 10000)
	require.Equal(t, http.StatusOK, ts.do(http.MethodPost, "/api/layaways/"+plan.ID+"/payments", "", map[string]any{"amount": 10000, "paymentRef": "r2"}, nil))

	var report api.AuditReportDTO
	status := ts.do(http.MethodPost, "/api/admin/audit", ts.token("owner@ariyo.ng"), nil, &report)

	require.Equal(t, http.StatusOK, status)
	assert.True(t, report.Clean)
	assert.Equal(t, 1, report.Plans)
	assert.Equal(t, 2, report.Claims)
	assert.Empty(t, report.Findings)
}

// =============================================================================
// HEALTH
// =============================================================================

func TestHealth(t *testing.T) {
	ts := newTestServer(t)

	var body map[string]string
	status := ts.do(http.MethodGet, "/api/health", "", nil, &body)

	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", body["status"])
}
