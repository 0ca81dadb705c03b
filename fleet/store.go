package fleet

import (
	"context"
	"iter"

	"github.com/warp/fleet-ledger/generic"
)

// =============================================================================
// STORE - Persistence contract
// =============================================================================

// Table is durable CRUD for one record kind. No business rules live here.
type Table[T Record[T]] interface {
	// Get returns the record or an error matching generic.ErrNotFound.
	Get(ctx context.Context, id generic.ID) (T, error)

	// FindByKey looks a record up by its unique key (plate, invoice number,
	// payment number, period).
	FindByKey(ctx context.Context, key string) (T, error)

	// Put inserts or replaces a record. A unique key held by another record
	// is a generic.ErrConflict.
	Put(ctx context.Context, rec T) error

	// Delete removes a record or returns generic.ErrNotFound.
	Delete(ctx context.Context, id generic.ID) error

	// Scan yields every record matching match (nil matches all), newest
	// first by creation time. The sequence is finite and restartable.
	Scan(ctx context.Context, match func(T) bool) iter.Seq2[T, error]
}

// Store is the Ledger Store: one table per entity kind, the posting log,
// payment number sequences and the open period pointer.
type Store interface {
	generic.Store

	Cars() Table[Car]
	Customers() Table[Customer]
	Employees() Table[Employee]
	Invoices() Table[Invoice]
	Payments() Table[Payment]
	Closings() Table[MonthlyClosing]

	// NextSequence atomically increments and returns the named counter.
	NextSequence(ctx context.Context, name string) (int64, error)

	// SeedSequence raises the named counter to at least value.
	SeedSequence(ctx context.Context, name string, value int64) error

	// Period returns the open period pointer. found is false before the
	// first closing run initializes it.
	Period(ctx context.Context) (p generic.OpenPeriod, found bool, err error)

	// SwapPeriod replaces the pointer if its version still equals expected.
	// expected 0 creates the pointer. A lost race is ErrConcurrentModification.
	SwapPeriod(ctx context.Context, expected int64, next generic.OpenPeriod) error

	// WithTx runs fn atomically. Calls on the Store passed to fn are part of
	// the transaction; fn must not use the outer Store.
	WithTx(ctx context.Context, fn func(Store) error) error
}

// Collect drains a scan into a slice, stopping at the first error.
func Collect[T any](seq iter.Seq2[T, error]) ([]T, error) {
	var out []T
	for rec, err := range seq {
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}
