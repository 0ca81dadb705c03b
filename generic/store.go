/*
store.go - Persistence interface for the posting log

PURPOSE:
  Defines the interface between the ledger and the database. The Store
  handles persistence of postings while maintaining append-only semantics.
  Different implementations use SQLite or in-memory storage.

KEY INTERFACES:
  Store: Core posting persistence (append, load, exists). Transactions
         belong to the record store that embeds it (fleet.Store.WithTx).

APPEND-ONLY CONTRACT:
  - Append(): Single posting write
  - AppendBatch(): Atomic multi-posting write
  - NO Update() or Delete() methods exist

IDEMPOTENCY:
  A posting may carry an idempotency key. If the key already exists, the
  write is rejected. Payment edits use a revision number in the key so a
  retried request cannot apply the same differential twice.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: SQLite
  - store/memory/memory.go: In-memory for tests, on generic/store.Log

SEE ALSO:
  - ledger.go: Higher-level interface using Store
*/
package generic

import "context"

// =============================================================================
// STORE - Interface for posting persistence (append-only)
// =============================================================================

// Store handles persistence of postings.
// IMPORTANT: Store is APPEND-ONLY. No Update, No Delete.
type Store interface {
	// Append persists a posting. Returns ErrDuplicateIdempotencyKey if the
	// key exists.
	Append(ctx context.Context, p Posting) error

	// AppendBatch persists multiple postings atomically.
	AppendBatch(ctx context.Context, ps []Posting) error

	// Postings returns every posting for an entity in append order.
	Postings(ctx context.Context, entity Ref) ([]Posting, error)

	// PostingsByReference returns every posting produced by one record
	// (payment, invoice or closing) in append order.
	PostingsByReference(ctx context.Context, referenceID string) ([]Posting, error)

	// Exists checks if an idempotency key has been used.
	Exists(ctx context.Context, idempotencyKey string) (bool, error)
}
