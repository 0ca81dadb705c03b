// Package memory is an in-memory fleet.Store for tests and development.
package memory

import (
	"context"
	"iter"
	"slices"
	"sync"

	"github.com/warp/fleet-ledger/fleet"
	"github.com/warp/fleet-ledger/generic"
	genericstore "github.com/warp/fleet-ledger/generic/store"
)

// =============================================================================
// TABLE - One record kind
// =============================================================================

type table[T fleet.Record[T]] struct {
	kind string
	rows map[generic.ID]T
	keys map[string]generic.ID
}

func newTable[T fleet.Record[T]](kind string) *table[T] {
	return &table[T]{kind: kind, rows: make(map[generic.ID]T), keys: make(map[string]generic.ID)}
}

func (t *table[T]) clone() *table[T] {
	c := newTable[T](t.kind)
	for id, rec := range t.rows {
		c.rows[id] = rec.Clone()
	}
	for k, id := range t.keys {
		c.keys[k] = id
	}
	return c
}

func (t *table[T]) get(id generic.ID) (T, error) {
	rec, ok := t.rows[id]
	if !ok {
		var zero T
		return zero, generic.NotFoundf(t.kind, id)
	}
	return rec.Clone(), nil
}

func (t *table[T]) findByKey(key string) (T, error) {
	id, ok := t.keys[key]
	if !ok || key == "" {
		var zero T
		return zero, generic.NotFoundf(t.kind, key)
	}
	return t.get(id)
}

func (t *table[T]) put(rec T) error {
	id, key := rec.RecordID(), rec.UniqueKey()
	if key != "" {
		if owner, ok := t.keys[key]; ok && owner != id {
			return generic.Errorf(generic.ErrUniqueViolation, "%s %q already exists", t.kind, key)
		}
	}
	if old, ok := t.rows[id]; ok && old.UniqueKey() != "" {
		delete(t.keys, old.UniqueKey())
	}
	t.rows[id] = rec.Clone()
	if key != "" {
		t.keys[key] = id
	}
	return nil
}

func (t *table[T]) delete(id generic.ID) error {
	old, ok := t.rows[id]
	if !ok {
		return generic.NotFoundf(t.kind, id)
	}
	if k := old.UniqueKey(); k != "" {
		delete(t.keys, k)
	}
	delete(t.rows, id)
	return nil
}

// scan returns matching copies, newest first.
func (t *table[T]) scan(match func(T) bool) []T {
	out := make([]T, 0, len(t.rows))
	for _, rec := range t.rows {
		if match == nil || match(rec) {
			out = append(out, rec.Clone())
		}
	}
	slices.SortFunc(out, func(a, b T) int {
		if c := b.Created().Compare(a.Created()); c != 0 {
			return c
		}
		ai, bi := a.RecordID(), b.RecordID()
		return slices.Compare(ai[:], bi[:])
	})
	return out
}

// =============================================================================
// STATE
// =============================================================================

type state struct {
	cars      *table[fleet.Car]
	customers *table[fleet.Customer]
	employees *table[fleet.Employee]
	invoices  *table[fleet.Invoice]
	payments  *table[fleet.Payment]
	closings  *table[fleet.MonthlyClosing]
	log       *genericstore.Log
	seqs      map[string]int64
	period    *generic.OpenPeriod
}

func newState() *state {
	return &state{
		cars:      newTable[fleet.Car]("car"),
		customers: newTable[fleet.Customer]("customer"),
		employees: newTable[fleet.Employee]("employee"),
		invoices:  newTable[fleet.Invoice]("invoice"),
		payments:  newTable[fleet.Payment]("payment"),
		closings:  newTable[fleet.MonthlyClosing]("closing"),
		log:       genericstore.NewLog(),
		seqs:      make(map[string]int64),
	}
}

func (st *state) clone() *state {
	c := &state{
		cars:      st.cars.clone(),
		customers: st.customers.clone(),
		employees: st.employees.clone(),
		invoices:  st.invoices.clone(),
		payments:  st.payments.clone(),
		closings:  st.closings.clone(),
		log:       st.log.Clone(),
		seqs:      make(map[string]int64, len(st.seqs)),
	}
	for k, v := range st.seqs {
		c.seqs[k] = v
	}
	if st.period != nil {
		p := *st.period
		c.period = &p
	}
	return c
}

// =============================================================================
// STORE
// =============================================================================

// Store keeps everything in maps behind one mutex. WithTx runs against a
// copy of the state and swaps it in on success.
type Store struct {
	mu   *sync.Mutex
	inTx bool
	data *state
}

var _ fleet.Store = (*Store)(nil)

func New() *Store {
	return &Store{mu: &sync.Mutex{}, data: newState()}
}

// lock takes the store mutex unless this is a transaction view, whose
// WithTx already holds it.
func (s *Store) lock() func() {
	if s.inTx {
		return func() {}
	}
	s.mu.Lock()
	return s.mu.Unlock
}

func (s *Store) WithTx(ctx context.Context, fn func(fleet.Store) error) error {
	if err := ctx.Err(); err != nil {
		return generic.Unavailable(err)
	}
	if s.inTx {
		return fn(s)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &Store{mu: s.mu, inTx: true, data: s.data.clone()}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return generic.Unavailable(err)
	}
	s.data = tx.data
	return nil
}

func (s *Store) Cars() fleet.Table[fleet.Car] {
	return view[fleet.Car]{s: s, pick: func(st *state) *table[fleet.Car] { return st.cars }}
}

func (s *Store) Customers() fleet.Table[fleet.Customer] {
	return view[fleet.Customer]{s: s, pick: func(st *state) *table[fleet.Customer] { return st.customers }}
}

func (s *Store) Employees() fleet.Table[fleet.Employee] {
	return view[fleet.Employee]{s: s, pick: func(st *state) *table[fleet.Employee] { return st.employees }}
}

func (s *Store) Invoices() fleet.Table[fleet.Invoice] {
	return view[fleet.Invoice]{s: s, pick: func(st *state) *table[fleet.Invoice] { return st.invoices }}
}

func (s *Store) Payments() fleet.Table[fleet.Payment] {
	return view[fleet.Payment]{s: s, pick: func(st *state) *table[fleet.Payment] { return st.payments }}
}

func (s *Store) Closings() fleet.Table[fleet.MonthlyClosing] {
	return view[fleet.MonthlyClosing]{s: s, pick: func(st *state) *table[fleet.MonthlyClosing] { return st.closings }}
}

func (s *Store) NextSequence(_ context.Context, name string) (int64, error) {
	defer s.lock()()
	s.data.seqs[name]++
	return s.data.seqs[name], nil
}

func (s *Store) SeedSequence(_ context.Context, name string, value int64) error {
	defer s.lock()()
	if s.data.seqs[name] < value {
		s.data.seqs[name] = value
	}
	return nil
}

func (s *Store) Period(_ context.Context) (generic.OpenPeriod, bool, error) {
	defer s.lock()()
	if s.data.period == nil {
		return generic.OpenPeriod{}, false, nil
	}
	return *s.data.period, true, nil
}

func (s *Store) SwapPeriod(_ context.Context, expected int64, next generic.OpenPeriod) error {
	defer s.lock()()
	cur := s.data.period
	switch {
	case expected == 0 && cur != nil:
		return generic.Errorf(generic.ErrConcurrentModification, "open period already initialized")
	case expected != 0 && (cur == nil || cur.Version != expected):
		return generic.Errorf(generic.ErrConcurrentModification, "open period version is not %d", expected)
	}
	s.data.period = &next
	return nil
}

// =============================================================================
// POSTING LOG (generic.Store)
// =============================================================================

func (s *Store) Append(_ context.Context, p generic.Posting) error {
	defer s.lock()()
	return s.data.log.Append(p)
}

func (s *Store) AppendBatch(_ context.Context, ps []generic.Posting) error {
	defer s.lock()()
	return s.data.log.AppendBatch(ps)
}

func (s *Store) Postings(_ context.Context, entity generic.Ref) ([]generic.Posting, error) {
	defer s.lock()()
	return s.data.log.Postings(entity), nil
}

func (s *Store) PostingsByReference(_ context.Context, referenceID string) ([]generic.Posting, error) {
	defer s.lock()()
	return s.data.log.PostingsByReference(referenceID), nil
}

func (s *Store) Exists(_ context.Context, idempotencyKey string) (bool, error) {
	defer s.lock()()
	return s.data.log.Exists(idempotencyKey), nil
}

// PostingCount returns the size of the posting log.
func (s *Store) PostingCount() int {
	defer s.lock()()
	return s.data.log.Len()
}

// =============================================================================
// TABLE VIEW
// =============================================================================

type view[T fleet.Record[T]] struct {
	s    *Store
	pick func(*state) *table[T]
}

func (v view[T]) Get(_ context.Context, id generic.ID) (T, error) {
	defer v.s.lock()()
	return v.pick(v.s.data).get(id)
}

func (v view[T]) FindByKey(_ context.Context, key string) (T, error) {
	defer v.s.lock()()
	return v.pick(v.s.data).findByKey(key)
}

func (v view[T]) Put(_ context.Context, rec T) error {
	defer v.s.lock()()
	return v.pick(v.s.data).put(rec)
}

func (v view[T]) Delete(_ context.Context, id generic.ID) error {
	defer v.s.lock()()
	return v.pick(v.s.data).delete(id)
}

// Scan copies matching rows under the lock and yields them after releasing
// it, so the loop body may call back into the store.
func (v view[T]) Scan(ctx context.Context, match func(T) bool) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		unlock := v.s.lock()
		rows := v.pick(v.s.data).scan(match)
		unlock()
		for _, rec := range rows {
			if err := ctx.Err(); err != nil {
				var zero T
				yield(zero, generic.Unavailable(err))
				return
			}
			if !yield(rec, nil) {
				return
			}
		}
	}
}
