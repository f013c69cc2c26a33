package layaway_test

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ariyofashion/layaway/layaway"
	"github.com/ariyofashion/layaway/store/sqlite"
)

func newSQLiteEngine(t *testing.T, opts ...layaway.Option) (*layaway.Engine, *fakeVerifier) {
	t.Helper()
	store, err := sqlite.New(filepath.Join(t.TempDir(), "layaway.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	verifier := newFakeVerifier()
	opts = append([]layaway.Option{
		layaway.WithLogger(quietLogger()),
		layaway.WithClock(tickingClock()),
		layaway.WithCurrency("NGN"),
	}, opts...)
	return layaway.NewEngine(store, verifier, opts...), verifier
}

func TestSQLite_ConcurrentPaymentsAllCredited(t *testing.T) {
	// GIVEN: An active plan in the SQLite store
	engine, verifier := newSQLiteEngine(t, layaway.WithMaxRetries(100))
	plan := createPlan(t, engine, verifier, 1000000, 10000, "flw-0")

	// WHEN: 20 verified installments race on it
	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 1; i <= n; i++ {
		ref := fmt.Sprintf("flw-%d", i)
		verifier.charge(ref, 5000)
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := engine.ApplyPayment(context.Background(), layaway.ApplyPaymentInput{PlanID: plan.ID, Amount: ngn(5000), PaymentRef: ref})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}

	// THEN: Every payment is credited once and the invariants hold
	stored, err := engine.GetPlan(context.Background(), plan.ID)
	require.NoError(t, err)
	assert.Len(t, stored.Payments, n+1)
	assert.True(t, stored.PaidAmount.Equal(ngn(10000+n*5000)))
	assert.True(t, stored.RemainingAmount.Equal(ngn(1000000-10000-n*5000)))
	assert.NoError(t, stored.CheckInvariants())

	// AND: Replaying a reference is rejected without changing the plan
	_, err = engine.ApplyPayment(context.Background(), layaway.ApplyPaymentInput{PlanID: plan.ID, Amount: ngn(5000), PaymentRef: "flw-7"})
	assert.ErrorIs(t, err, layaway.ErrDuplicatePaymentRef)

	again, err := engine.GetPlan(context.Background(), plan.ID)
	require.NoError(t, err)
	assert.True(t, again.PaidAmount.Equal(stored.PaidAmount))

	report, err := engine.Audit(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Clean(), "findings: %v", report.Findings)
	assert.Equal(t, n+1, report.Claims)
}
