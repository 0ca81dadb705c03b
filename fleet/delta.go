package fleet

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/warp/fleet-ledger/generic"
)

// =============================================================================
// DELTA BALANCE UPDATER
// =============================================================================

// DeltaUpdater applies signed deltas to car and employee fields. Each delta
// is appended to the posting log and added to the cached field on the record
// in the same store transaction, so the cache always equals Σ postings
// unless something writes the record behind its back. Verify and Rebuild
// detect and repair that.
type DeltaUpdater struct {
	now func() time.Time
	log *logrus.Logger
}

// Drift is a cached field that disagrees with its postings.
type Drift struct {
	Key    generic.EffectKey `json:"key"`
	Cached decimal.Decimal   `json:"cached"`
	Logged decimal.Decimal   `json:"logged"`
}

// ApplyAll appends one posting per delta in a single ledger batch, then adds
// each delta to its cached field and returns the new cached values. meta
// supplies type, reference, period and reason. When meta carries a
// ReferenceID, each posting gets an idempotency key for (reference,
// revision, field) so a revision cannot be applied twice.
func (d *DeltaUpdater) ApplyAll(ctx context.Context, st Store, deltas map[generic.EffectKey]decimal.Decimal, meta generic.Posting, revision int) (map[generic.EffectKey]decimal.Decimal, error) {
	keys := make([]generic.EffectKey, 0, len(deltas))
	for k := range deltas {
		if !generic.Tracks(k.Entity.Kind, k.Field) {
			return nil, generic.Errorf(generic.ErrInvalidTarget, "%s does not track %s", k.Entity.Kind, k.Field)
		}
		keys = append(keys, k)
	}
	slices.SortFunc(keys, func(a, b generic.EffectKey) int {
		return strings.Compare(a.String(), b.String())
	})

	batch := make([]generic.Posting, 0, len(keys))
	for _, k := range keys {
		p := d.posting(meta, k, deltas[k])
		if p.ReferenceID != "" {
			p.IdempotencyKey = generic.IdempotencyKeyFor(p.ReferenceID, revision, k)
		}
		batch = append(batch, p)
	}
	if err := generic.NewLedger(st).AppendBatch(ctx, batch); err != nil {
		return nil, err
	}

	out := make(map[generic.EffectKey]decimal.Decimal, len(keys))
	for _, ref := range entitiesOf(keys) {
		err := d.update(ctx, st, ref, func(get func(generic.Field) decimal.Decimal, set func(generic.Field, decimal.Decimal)) {
			for _, k := range keys {
				if k.Entity != ref {
					continue
				}
				next := get(k.Field).Add(deltas[k])
				set(k.Field, next)
				out[k] = next
			}
		})
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (d *DeltaUpdater) posting(meta generic.Posting, key generic.EffectKey, delta decimal.Decimal) generic.Posting {
	p := meta
	p.ID = generic.NewID()
	p.Entity = key.Entity
	p.Field = key.Field
	p.Delta = delta
	if p.CreatedAt.IsZero() {
		p.CreatedAt = d.now()
	}
	return p
}

// entitiesOf returns the distinct entities of sorted keys, in order.
func entitiesOf(keys []generic.EffectKey) []generic.Ref {
	var out []generic.Ref
	for _, k := range keys {
		if len(out) == 0 || out[len(out)-1] != k.Entity {
			out = append(out, k.Entity)
		}
	}
	return out
}

// Cached returns the cached value of a field from the record.
func (d *DeltaUpdater) Cached(ctx context.Context, st Store, key generic.EffectKey) (decimal.Decimal, error) {
	switch key.Entity.Kind {
	case generic.KindCar:
		c, err := st.Cars().Get(ctx, key.Entity.ID)
		if err != nil {
			return decimal.Zero, err
		}
		return c.Field(key.Field), nil
	case generic.KindEmployee:
		e, err := st.Employees().Get(ctx, key.Entity.ID)
		if err != nil {
			return decimal.Zero, err
		}
		return e.Balance, nil
	default:
		return decimal.Zero, generic.Errorf(generic.ErrInvalidTarget, "%s has no tracked fields", key.Entity.Kind)
	}
}

// Logged returns the value of each tracked field of ref derived from the log.
func (d *DeltaUpdater) Logged(ctx context.Context, st Store, ref generic.Ref) (map[generic.Field]decimal.Decimal, error) {
	ps, err := st.Postings(ctx, ref)
	if err != nil {
		return nil, err
	}
	out := make(map[generic.Field]decimal.Decimal)
	for _, f := range generic.FieldsFor(ref.Kind) {
		out[f] = decimal.Zero
	}
	for _, p := range ps {
		out[p.Field] = out[p.Field].Add(p.Delta)
	}
	return out, nil
}

// Verify compares the cached fields of ref with the log.
func (d *DeltaUpdater) Verify(ctx context.Context, st Store, ref generic.Ref) ([]Drift, error) {
	logged, err := d.Logged(ctx, st, ref)
	if err != nil {
		return nil, err
	}
	var drifts []Drift
	for _, f := range generic.FieldsFor(ref.Kind) {
		key := generic.EffectKey{Entity: ref, Field: f}
		cached, err := d.Cached(ctx, st, key)
		if err != nil {
			return nil, err
		}
		if !cached.Equal(logged[f]) {
			drifts = append(drifts, Drift{Key: key, Cached: cached, Logged: logged[f]})
		}
	}
	return drifts, nil
}

// Rebuild overwrites drifted cached fields with the logged values.
func (d *DeltaUpdater) Rebuild(ctx context.Context, st Store, ref generic.Ref) ([]Drift, error) {
	drifts, err := d.Verify(ctx, st, ref)
	if err != nil || len(drifts) == 0 {
		return drifts, err
	}
	for _, dr := range drifts {
		d.log.WithFields(logrus.Fields{
			"entity": ref.String(),
			"field":  dr.Key.Field,
			"cached": dr.Cached.String(),
			"logged": dr.Logged.String(),
		}).Warn("balance cache drifted from posting log, rebuilding")
	}
	err = d.update(ctx, st, ref, func(_ func(generic.Field) decimal.Decimal, set func(generic.Field, decimal.Decimal)) {
		for _, dr := range drifts {
			set(dr.Key.Field, dr.Logged)
		}
	})
	return drifts, err
}

// Reset posts the negation of every logged field of ref and zeroes the
// cache. It returns the logged values from before the reset.
func (d *DeltaUpdater) Reset(ctx context.Context, st Store, ref generic.Ref, meta generic.Posting) (map[generic.Field]decimal.Decimal, error) {
	logged, err := d.Logged(ctx, st, ref)
	if err != nil {
		return nil, err
	}
	var batch []generic.Posting
	for _, f := range generic.FieldsFor(ref.Kind) {
		if logged[f].IsZero() {
			continue
		}
		key := generic.EffectKey{Entity: ref, Field: f}
		p := d.posting(meta, key, logged[f].Neg())
		if p.ReferenceID != "" {
			p.IdempotencyKey = generic.IdempotencyKeyFor(p.ReferenceID, 0, key)
		}
		batch = append(batch, p)
	}
	if len(batch) > 0 {
		if err := generic.NewLedger(st).AppendBatch(ctx, batch); err != nil {
			return nil, err
		}
	}
	err = d.update(ctx, st, ref, func(_ func(generic.Field) decimal.Decimal, set func(generic.Field, decimal.Decimal)) {
		for _, f := range generic.FieldsFor(ref.Kind) {
			set(f, decimal.Zero)
		}
	})
	return logged, err
}

// update loads the record behind ref, lets fn edit its tracked fields and
// writes it back.
func (d *DeltaUpdater) update(ctx context.Context, st Store, ref generic.Ref, fn func(get func(generic.Field) decimal.Decimal, set func(generic.Field, decimal.Decimal))) error {
	switch ref.Kind {
	case generic.KindCar:
		c, err := st.Cars().Get(ctx, ref.ID)
		if err != nil {
			return err
		}
		fn(c.Field, c.setField)
		c.UpdatedAt = d.now()
		return st.Cars().Put(ctx, c)
	case generic.KindEmployee:
		e, err := st.Employees().Get(ctx, ref.ID)
		if err != nil {
			return err
		}
		fn(func(generic.Field) decimal.Decimal { return e.Balance },
			func(_ generic.Field, v decimal.Decimal) { e.Balance = v })
		e.UpdatedAt = d.now()
		return st.Employees().Put(ctx, e)
	default:
		return generic.Errorf(generic.ErrInvalidTarget, "%s has no tracked fields", ref.Kind)
	}
}
