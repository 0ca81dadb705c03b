package sqlite_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/fleet-ledger/fleet"
	"github.com/warp/fleet-ledger/generic"
	"github.com/warp/fleet-ledger/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestStore(t *testing.T) *sqlite.Store {
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func newPayment(no string, created time.Time) fleet.Payment {
	return fleet.Payment{
		ID:           generic.NewID(),
		Type:         fleet.PaymentOut,
		Target:       generic.CarRef(generic.NewID()),
		PaymentNo:    no,
		Amount:       decimal.RequireFromString("150.25"),
		PaymentDate:  time.Date(2025, time.March, 10, 0, 0, 0, 0, time.UTC),
		AccountMonth: "2025-03",
		BalanceAfter: decimal.NewNullDecimal(decimal.RequireFromString("-150.25")),
		Revision:     1,
		CreatedAt:    created,
		UpdatedAt:    created,
	}
}

// =============================================================================
// RECORD TABLES
// =============================================================================

func TestPayments_RoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	p := newPayment("PYN-0001", time.Now().UTC())
	require.NoError(t, store.Payments().Put(ctx, p))

	got, err := store.Payments().Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, p.PaymentNo, got.PaymentNo)
	assert.Equal(t, p.Target, got.Target)
	assert.True(t, got.Amount.Equal(p.Amount))
	assert.True(t, got.BalanceAfter.Valid)
	assert.True(t, got.BalanceAfter.Decimal.Equal(p.BalanceAfter.Decimal))

	byKey, err := store.Payments().FindByKey(ctx, "PYN-0001")
	require.NoError(t, err)
	assert.Equal(t, p.ID, byKey.ID)
}

func TestPayments_DuplicateNumberIsUniqueViolation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Payments().Put(ctx, newPayment("PYN-0001", time.Now())))
	err := store.Payments().Put(ctx, newPayment("PYN-0001", time.Now()))

	assert.ErrorIs(t, err, generic.ErrUniqueViolation)
}

func TestTable_GetMissing(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Cars().Get(context.Background(), generic.NewID())
	assert.True(t, generic.IsNotFound(err))

	err = store.Cars().Delete(context.Background(), generic.NewID())
	assert.True(t, generic.IsNotFound(err))
}

func TestTable_ScanNewestFirst(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2025, time.March, 1, 0, 0, 0, 0, time.UTC)

	for i, no := range []string{"PYN-0001", "PYN-0002", "PYN-0003"} {
		require.NoError(t, store.Payments().Put(ctx, newPayment(no, base.Add(time.Duration(i)*time.Minute))))
	}

	all, err := fleet.Collect(store.Payments().Scan(ctx, nil))
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "PYN-0003", all[0].PaymentNo)
	assert.Equal(t, "PYN-0001", all[2].PaymentNo)
}

// =============================================================================
// POSTINGS
// =============================================================================

func TestPostings_IdempotencyKeyUnique(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	ref := generic.CarRef(generic.NewID())

	p := generic.Posting{
		ID:             generic.NewID(),
		Entity:         ref,
		Field:          generic.FieldBalance,
		Delta:          decimal.RequireFromString("-150"),
		Type:           generic.PostingPayment,
		ReferenceID:    "pay-1",
		Period:         "2025-03",
		IdempotencyKey: "pay-1/r1/car/balance",
		CreatedAt:      time.Now(),
	}
	require.NoError(t, store.Append(ctx, p))

	p.ID = generic.NewID()
	err := store.Append(ctx, p)
	assert.ErrorIs(t, err, generic.ErrDuplicateIdempotencyKey)

	ps, err := store.Postings(ctx, ref)
	require.NoError(t, err)
	require.Len(t, ps, 1)
	assert.True(t, ps[0].Delta.Equal(decimal.RequireFromString("-150")))
	assert.Equal(t, generic.MonthKey("2025-03"), ps[0].Period)

	byRef, err := store.PostingsByReference(ctx, "pay-1")
	require.NoError(t, err)
	assert.Len(t, byRef, 1)

	ok, err := store.Exists(ctx, "pay-1/r1/car/balance")
	require.NoError(t, err)
	assert.True(t, ok)
}

// =============================================================================
// TRANSACTIONS, SEQUENCES AND PERIOD
// =============================================================================

func TestWithTx_Rollback(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	p := newPayment("PYN-0001", time.Now())
	boom := errors.New("boom")

	err := store.WithTx(ctx, func(tx fleet.Store) error {
		if err := tx.Payments().Put(ctx, p); err != nil {
			return err
		}
		if _, err := tx.NextSequence(ctx, "PYN"); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = store.Payments().Get(ctx, p.ID)
	assert.True(t, generic.IsNotFound(err))

	n, err := store.NextSequence(ctx, "PYN")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestSequences(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SeedSequence(ctx, "BAL", 41))
	require.NoError(t, store.SeedSequence(ctx, "BAL", 10))

	n, err := store.NextSequence(ctx, "BAL")
	require.NoError(t, err)
	assert.Equal(t, int64(42), n)
}

func TestSwapPeriod(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2025, time.March, 1, 0, 0, 0, 0, time.UTC)

	first := generic.OpenPeriod{Key: "2025-03", Version: 1, OpenedAt: now}
	require.NoError(t, store.SwapPeriod(ctx, 0, first))
	assert.ErrorIs(t, store.SwapPeriod(ctx, 0, first), generic.ErrConcurrentModification)

	require.NoError(t, store.SwapPeriod(ctx, 1, first.Advance(now)))
	assert.ErrorIs(t, store.SwapPeriod(ctx, 1, first.Advance(now)), generic.ErrConcurrentModification)

	p, found, err := store.Period(ctx)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, generic.MonthKey("2025-04"), p.Key)
	assert.Equal(t, int64(2), p.Version)
	assert.True(t, p.OpenedAt.Equal(now))
}

func TestServiceOnSQLite(t *testing.T) {
	// GIVEN: A service backed by SQLite
	// WHEN: A car is registered and paid out
	// THEN: Cache and posting log agree after the round trip through the database

	store := newTestStore(t)
	ctx := context.Background()
	svc := fleet.New(store)

	c, err := svc.RegisterCar(ctx, fleet.CarInput{Name: "Pickup", Plate: "KCP 001", OpeningBalance: decimal.NewFromInt(350)})
	require.NoError(t, err)

	p, err := svc.PaymentOut(ctx, fleet.PaymentInput{
		Target:      c.Ref(),
		Amount:      decimal.NewFromInt(150),
		PaymentDate: time.Now(),
		Description: "Fuel",
	})
	require.NoError(t, err)
	assert.Equal(t, "PYN-0001", p.PaymentNo)

	got, err := svc.GetCar(ctx, c.ID)
	require.NoError(t, err)
	assert.True(t, got.Balance.Equal(decimal.NewFromInt(200)), "balance %s", got.Balance)

	drifts, err := svc.Deltas().Verify(ctx, store, c.Ref())
	require.NoError(t, err)
	assert.Empty(t, drifts)
}
