/*
ledger.go - Append-only posting log

PURPOSE:
  The Ledger is the immutable source of truth for every tracked balance
  field (car balance, car left owed, car cumulative payments, employee
  balance). The field stored on the record is a cache of the sum of its
  postings and can always be rebuilt from here.

CRITICAL INVARIANTS:
  1. APPEND-ONLY: No Update, No Delete.
  2. IMMUTABLE: Once written, postings cannot be modified
  3. AUDITABLE: Every balance change is traceable to the record that caused it
  4. IDEMPOTENT: Same idempotency key = same posting (no duplicates)

CORRECTIONS:
  Editing a payment does not edit its postings. The caller computes the
  desired effect, reads the current net effect with Effects(), and posts the
  difference. Deleting a payment posts the exact negation of Effects().

EXAMPLE FLOW:
  1. payment_out 150 on car C1:   balance -150
  2. edited to 200:               balance  -50  (differential)
  3. deleted:                     balance +200  (inverse of net effect)

  C1 balance postings: [-150, -50, +200] = 0

SEE ALSO:
  - store.go: Low-level persistence interface
  - fleet/delta.go: Delta updater keeping the record cache in step
*/
package generic

import (
	"context"

	"github.com/shopspring/decimal"
)

// =============================================================================
// LEDGER - Append-only posting log
// =============================================================================

// Ledger is the source of truth for all tracked balance changes.
type Ledger interface {
	// Append adds a posting. Fails if idempotency key exists.
	Append(ctx context.Context, p Posting) error

	// AppendBatch adds multiple postings atomically.
	AppendBatch(ctx context.Context, ps []Posting) error

	// Postings returns all postings for an entity, in append order.
	Postings(ctx context.Context, entity Ref) ([]Posting, error)

	// Effects returns the current net effect of one record on every field
	// it has touched. Keys whose effect nets to zero are kept.
	Effects(ctx context.Context, referenceID string) (map[EffectKey]decimal.Decimal, error)
}

// =============================================================================
// DEFAULT LEDGER - Implementation using Store
// =============================================================================

type DefaultLedger struct {
	Store Store
}

func NewLedger(store Store) *DefaultLedger {
	return &DefaultLedger{Store: store}
}

func (l *DefaultLedger) Append(ctx context.Context, p Posting) error {
	if p.IdempotencyKey != "" {
		exists, err := l.Store.Exists(ctx, p.IdempotencyKey)
		if err != nil {
			return err
		}
		if exists {
			return ErrDuplicateIdempotencyKey
		}
	}
	return l.Store.Append(ctx, p)
}

func (l *DefaultLedger) AppendBatch(ctx context.Context, ps []Posting) error {
	seen := make(map[string]bool, len(ps))
	for _, p := range ps {
		if p.IdempotencyKey == "" {
			continue
		}
		if seen[p.IdempotencyKey] {
			return ErrDuplicateIdempotencyKey
		}
		seen[p.IdempotencyKey] = true
		exists, err := l.Store.Exists(ctx, p.IdempotencyKey)
		if err != nil {
			return err
		}
		if exists {
			return ErrDuplicateIdempotencyKey
		}
	}
	return l.Store.AppendBatch(ctx, ps)
}

func (l *DefaultLedger) Postings(ctx context.Context, entity Ref) ([]Posting, error) {
	return l.Store.Postings(ctx, entity)
}

func (l *DefaultLedger) Effects(ctx context.Context, referenceID string) (map[EffectKey]decimal.Decimal, error) {
	ps, err := l.Store.PostingsByReference(ctx, referenceID)
	if err != nil {
		return nil, err
	}
	return Net(ps), nil
}

// Diff returns, for every key in current or desired, the delta that moves
// current to desired. Zero deltas are omitted.
func Diff(current, desired map[EffectKey]decimal.Decimal) map[EffectKey]decimal.Decimal {
	out := make(map[EffectKey]decimal.Decimal)
	for k, want := range desired {
		if d := want.Sub(current[k]); !d.IsZero() {
			out[k] = d
		}
	}
	for k, have := range current {
		if _, ok := desired[k]; ok {
			continue
		}
		if !have.IsZero() {
			out[k] = have.Neg()
		}
	}
	return out
}
