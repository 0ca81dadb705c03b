package generic_test

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/warp/fleet-ledger/fleet"
	"github.com/warp/fleet-ledger/generic"
	"github.com/warp/fleet-ledger/store/memory"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func newTestLedger() *generic.DefaultLedger {
	return generic.NewLedger(memory.New())
}

// value sums the postings of one field.
func value(t *testing.T, l generic.Ledger, key generic.EffectKey) decimal.Decimal {
	t.Helper()
	ps, err := l.Postings(context.Background(), key.Entity)
	if err != nil {
		t.Fatal(err)
	}
	total := decimal.Zero
	for _, p := range ps {
		if p.Field == key.Field {
			total = total.Add(p.Delta)
		}
	}
	return total
}

func amt(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

var (
	car1    = generic.CarRef(generic.NewID())
	balance = generic.EffectKey{Entity: car1, Field: generic.FieldBalance}
	owed    = generic.EffectKey{Entity: car1, Field: generic.FieldLeftOwed}
)

func posting(key generic.EffectKey, delta, ref string, revision int) generic.Posting {
	return generic.Posting{
		ID:             generic.NewID(),
		Entity:         key.Entity,
		Field:          key.Field,
		Delta:          amt(delta),
		Type:           generic.PostingPayment,
		ReferenceID:    ref,
		Period:         "2025-03",
		IdempotencyKey: generic.IdempotencyKeyFor(ref, revision, key),
	}
}

// =============================================================================
// IDEMPOTENCY TESTS
// =============================================================================

func TestIdempotency_DuplicatePostingRejected(t *testing.T) {
	ctx := context.Background()
	ledger := newTestLedger()

	p := posting(balance, "100", "pay-1", 1)

	err1 := ledger.Append(ctx, p)
	err2 := ledger.Append(ctx, p)

	if err1 != nil {
		t.Errorf("first append should succeed: %v", err1)
	}
	if !errors.Is(err2, generic.ErrDuplicateIdempotencyKey) {
		t.Errorf("second append should be a duplicate, got %v", err2)
	}

	ps, _ := ledger.Postings(ctx, car1)
	if len(ps) != 1 {
		t.Errorf("expected 1 posting, got %d", len(ps))
	}
}

func TestIdempotency_NewRevisionAccepted(t *testing.T) {
	ctx := context.Background()
	ledger := newTestLedger()

	if err := ledger.Append(ctx, posting(balance, "-150", "pay-1", 1)); err != nil {
		t.Fatal(err)
	}
	if err := ledger.Append(ctx, posting(balance, "-50", "pay-1", 2)); err != nil {
		t.Errorf("edit with a new revision should be accepted: %v", err)
	}

	v := value(t, ledger, balance)
	if !v.Equal(amt("-200")) {
		t.Errorf("expected -200, got %s", v)
	}
}

func TestBatchAppend_DuplicateInsideBatchWritesNothing(t *testing.T) {
	ctx := context.Background()
	ledger := newTestLedger()

	p := posting(balance, "10", "pay-1", 1)
	err := ledger.AppendBatch(ctx, []generic.Posting{p, posting(owed, "5", "inv-1", 1), p})
	if !errors.Is(err, generic.ErrDuplicateIdempotencyKey) {
		t.Errorf("expected duplicate idempotency key, got %v", err)
	}

	ps, _ := ledger.Postings(ctx, car1)
	if len(ps) != 0 {
		t.Errorf("expected no postings, got %d", len(ps))
	}
}

// =============================================================================
// BATCHES AND EFFECTS
// =============================================================================

func TestAppendBatch_SumsPerField(t *testing.T) {
	ctx := context.Background()
	ledger := newTestLedger()

	err := ledger.AppendBatch(ctx, []generic.Posting{
		posting(balance, "500", "open", 0),
		posting(owed, "100", "open", 0),
		posting(balance, "-200", "pay-1", 1),
	})
	if err != nil {
		t.Fatal(err)
	}

	b := value(t, ledger, balance)
	o := value(t, ledger, owed)
	if !b.Equal(amt("300")) {
		t.Errorf("balance: expected 300, got %s", b)
	}
	if !o.Equal(amt("100")) {
		t.Errorf("left owed: expected 100, got %s", o)
	}
}

func TestEffects_NetPerReference(t *testing.T) {
	// GIVEN: A payment posted at revision 1, then edited at revision 2
	// WHEN: Reading the payment's effects
	// THEN: The net of both revisions is returned, other references excluded

	ctx := context.Background()
	ledger := newTestLedger()

	_ = ledger.Append(ctx, posting(balance, "-150", "pay-1", 1))
	_ = ledger.Append(ctx, posting(balance, "-50", "pay-1", 2))
	_ = ledger.Append(ctx, posting(balance, "999", "pay-2", 1))

	eff, err := ledger.Effects(ctx, "pay-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(eff) != 1 {
		t.Fatalf("expected 1 key, got %d", len(eff))
	}
	if !eff[balance].Equal(amt("-200")) {
		t.Errorf("expected -200, got %s", eff[balance])
	}
}

func TestDiff(t *testing.T) {
	tests := []struct {
		name    string
		current map[generic.EffectKey]decimal.Decimal
		desired map[generic.EffectKey]decimal.Decimal
		want    map[generic.EffectKey]decimal.Decimal
	}{
		{
			name:    "new record",
			desired: map[generic.EffectKey]decimal.Decimal{balance: amt("-150")},
			want:    map[generic.EffectKey]decimal.Decimal{balance: amt("-150")},
		},
		{
			name:    "edit applies the differential",
			current: map[generic.EffectKey]decimal.Decimal{balance: amt("-150")},
			desired: map[generic.EffectKey]decimal.Decimal{balance: amt("-200")},
			want:    map[generic.EffectKey]decimal.Decimal{balance: amt("-50")},
		},
		{
			name:    "delete inverts",
			current: map[generic.EffectKey]decimal.Decimal{balance: amt("-150"), owed: amt("20")},
			want:    map[generic.EffectKey]decimal.Decimal{balance: amt("150"), owed: amt("-20")},
		},
		{
			name:    "unchanged is empty",
			current: map[generic.EffectKey]decimal.Decimal{balance: amt("10")},
			desired: map[generic.EffectKey]decimal.Decimal{balance: amt("10.00")},
			want:    map[generic.EffectKey]decimal.Decimal{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := generic.Diff(tt.current, tt.desired)
			if len(got) != len(tt.want) {
				t.Fatalf("expected %d keys, got %d: %v", len(tt.want), len(got), got)
			}
			for k, v := range tt.want {
				if !got[k].Equal(v) {
					t.Errorf("%s: expected %s, got %s", k, v, got[k])
				}
			}
		})
	}
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

func TestWithTx_RollbackOnError(t *testing.T) {
	ctx := context.Background()
	st := memory.New()

	_ = st.Append(ctx, posting(balance, "100", "open", 0))

	boom := errors.New("boom")
	err := st.WithTx(ctx, func(tx fleet.Store) error {
		if err := generic.NewLedger(tx).Append(ctx, posting(balance, "-40", "pay-1", 1)); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	if v := value(t, generic.NewLedger(st), balance); !v.Equal(amt("100")) {
		t.Errorf("rolled back posting still visible: %s", v)
	}
	if ok, _ := st.Exists(ctx, generic.IdempotencyKeyFor("pay-1", 1, balance)); ok {
		t.Error("idempotency key of rolled back posting still registered")
	}
}

func TestWithTx_CommitsBatch(t *testing.T) {
	ctx := context.Background()
	st := memory.New()

	err := st.WithTx(ctx, func(tx fleet.Store) error {
		return generic.NewLedger(tx).AppendBatch(ctx, []generic.Posting{
			posting(balance, "-40", "pay-1", 1),
			posting(owed, "15", "inv-1", 1),
		})
	})
	if err != nil {
		t.Fatal(err)
	}

	ps, _ := st.PostingsByReference(ctx, "inv-1")
	if len(ps) != 1 {
		t.Errorf("expected 1 posting for inv-1, got %d", len(ps))
	}
}

func TestNetAndFloorZero(t *testing.T) {
	net := generic.Net([]generic.Posting{
		posting(balance, "10", "a", 1),
		posting(balance, "-25", "b", 1),
		posting(owed, "5", "c", 1),
	})
	if !net[balance].Equal(amt("-15")) || !net[owed].Equal(amt("5")) {
		t.Errorf("unexpected net %v", net)
	}
	if !generic.FloorZero(net[balance]).IsZero() {
		t.Error("negative should floor to zero")
	}
	if !generic.FloorZero(net[owed]).Equal(amt("5")) {
		t.Error("positive should pass through")
	}
}
