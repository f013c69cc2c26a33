package flutterwave_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ariyofashion/layaway/layaway"
	"github.com/ariyofashion/layaway/payment/flutterwave"
)

func newGateway(t *testing.T, handler http.HandlerFunc) *flutterwave.Client {
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return flutterwave.New("FLWSECK_TEST-secret", flutterwave.WithBaseURL(srv.URL), flutterwave.WithTimeout(2*time.Second))
}

func TestVerify_Successful(t *testing.T) {
	// GIVEN: Flutterwave reports a successful 20000 NGN charge
	var gotPath, gotAuth string
	client := newGateway(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"success","message":"Transaction fetched successfully",
			"data":{"id":4815,"tx_ref":"LAYAWAY-1","flw_ref":"FLW-MOCK","amount":20000,"currency":"NGN","status":"successful"}}`))
	})

	// WHEN: Verifying the reference
	v, err := client.Verify(context.Background(), "4815")

	// THEN: The verification carries the gateway's view
	require.NoError(t, err)
	assert.Equal(t, "/v3/transactions/4815/verify", gotPath)
	assert.Equal(t, "Bearer FLWSECK_TEST-secret", gotAuth)
	assert.True(t, v.Success)
	assert.Equal(t, layaway.StatusSuccessful, v.Status)
	assert.True(t, v.Amount.Equal(decimal.NewFromInt(20000)))
	assert.Equal(t, "NGN", v.Currency)
	assert.Equal(t, "LAYAWAY-1", v.TxRef)

	ok, _ := v.Confirms(decimal.NewFromInt(20000), "NGN")
	assert.True(t, ok)
}

func TestVerify_FailedCharge(t *testing.T) {
	client := newGateway(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"success","data":{"id":1,"amount":20000,"currency":"NGN","status":"failed"}}`))
	})

	v, err := client.Verify(context.Background(), "1")

	require.NoError(t, err)
	ok, reason := v.Confirms(decimal.NewFromInt(20000), "")
	assert.False(t, ok)
	assert.Contains(t, reason, "failed")
}

func TestVerify_UnknownReferenceIsRejection(t *testing.T) {
	// GIVEN: Flutterwave answers 400 for an id it does not know
	client := newGateway(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"status":"error","message":"No transaction was found for this id","data":null}`))
	})

	v, err := client.Verify(context.Background(), "nope")

	// THEN: Not an error, but not a success either
	require.NoError(t, err)
	assert.False(t, v.Success)
	assert.Equal(t, "No transaction was found for this id", v.Status)
}

func TestVerify_ServerErrorIsError(t *testing.T) {
	client := newGateway(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := client.Verify(context.Background(), "1")
	assert.Error(t, err)
}

func TestVerify_Timeout(t *testing.T) {
	// GIVEN: A gateway slower than the caller's deadline
	client := newGateway(t, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
		w.Write([]byte(`{"status":"success","data":{"status":"successful","amount":1}}`))
	})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	// THEN: The call fails rather than assuming success
	_, err := client.Verify(ctx, "1")
	assert.Error(t, err)
}

func TestVerify_NotConfigured(t *testing.T) {
	client := flutterwave.New("")

	_, err := client.Verify(context.Background(), "1")
	assert.ErrorIs(t, err, flutterwave.ErrNotConfigured)
}
