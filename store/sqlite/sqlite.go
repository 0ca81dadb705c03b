/*
Package sqlite provides a SQLite-backed implementation of fleet.Store.

PURPOSE:
  Durable storage for every record kind, the posting log, payment number
  sequences and the open period pointer. The same layout maps onto
  PostgreSQL with minor dialect changes.

INTERFACES IMPLEMENTED:
  generic.Store: Append-only posting log
  fleet.Store:   Record tables, sequences, open period, transactions

APPEND-ONLY ENFORCEMENT:
  The postings table is never updated or deleted from:
  - No UPDATE statements on postings
  - No DELETE statements on postings
  - Corrections are new postings (reversal, closing)

KEY TABLES:
  cars, customers, employees,
  invoices, payments, closings: id + unique key + created_at + JSON body
  postings:                     Immutable ledger of tracked field changes
  sequences:                    Named counters (payment numbers)
  open_period:                  Single-row versioned period pointer

INDEXES:
  - idx_<table>_unique_key: plate, invoice number, payment number, period
  - idx_postings_entity:    Cache verification and rebuild (hot path)
  - idx_postings_reference: Net effect of one payment or invoice
  - postings.idempotency_key UNIQUE: One posting per (record, revision, field)

CONCURRENCY:
  One connection, serialized by a mutex. WithTx holds the mutex for the
  whole transaction and hands fn a view bound to the *sql.Tx.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging) and a busy timeout.
  SQLITE_BUSY and SQLITE_LOCKED surface as generic.ErrStoreUnavailable and
  are retried by callers.

USAGE:
  store, err := sqlite.New("./data/fleet.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  svc := fleet.New(store)

MIGRATION:
  Schema is auto-migrated on New().

SEE ALSO:
  - fleet/store.go: Interface definitions
  - store/memory: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/warp/fleet-ledger/fleet"
	"github.com/warp/fleet-ledger/generic"
)

// timeLayout sorts lexically in time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store implements fleet.Store using SQLite.
type Store struct {
	db *sql.DB
	mu *sync.Mutex
	q  querier
	tx bool
}

var _ fleet.Store = (*Store)(nil)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{db: db, mu: &sync.Mutex{}, q: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

var recordTables = []string{"cars", "customers", "employees", "invoices", "payments", "closings"}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := ""
	for _, t := range recordTables {
		schema += fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS %[1]s (
		id TEXT PRIMARY KEY,
		unique_key TEXT,
		created_at TEXT NOT NULL,
		body TEXT NOT NULL
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_%[1]s_unique_key
		ON %[1]s(unique_key) WHERE unique_key IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_%[1]s_created_at
		ON %[1]s(created_at DESC);
	`, t)
	}
	schema += `
	-- Postings (append-only ledger)
	CREATE TABLE IF NOT EXISTS postings (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		entity_kind TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		field TEXT NOT NULL,
		delta TEXT NOT NULL,
		posting_type TEXT NOT NULL,
		reference_id TEXT,
		period TEXT,
		reason TEXT,
		idempotency_key TEXT UNIQUE,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_postings_entity
		ON postings(entity_kind, entity_id, seq);
	CREATE INDEX IF NOT EXISTS idx_postings_reference
		ON postings(reference_id, seq) WHERE reference_id IS NOT NULL;

	-- Named counters
	CREATE TABLE IF NOT EXISTS sequences (
		name TEXT PRIMARY KEY,
		value INTEGER NOT NULL
	);

	-- Open period pointer (singleton)
	CREATE TABLE IF NOT EXISTS open_period (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		period TEXT NOT NULL,
		version INTEGER NOT NULL,
		opened_at TEXT NOT NULL
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// lock takes the store mutex unless this is a transaction view.
func (s *Store) lock() func() {
	if s.tx {
		return func() {}
	}
	s.mu.Lock()
	return s.mu.Unlock
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn within a database transaction. Nested calls join the
// outer transaction.
func (s *Store) WithTx(ctx context.Context, fn func(fleet.Store) error) error {
	if s.tx {
		return fn(s)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapError(fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer sqlTx.Rollback()

	view := &Store{db: s.db, mu: s.mu, q: sqlTx, tx: true}
	if err := fn(view); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return mapError(fmt.Errorf("failed to commit transaction: %w", err))
	}
	return nil
}

// =============================================================================
// RECORD TABLES (fleet.Table)
// =============================================================================

func (s *Store) Cars() fleet.Table[fleet.Car] {
	return table[fleet.Car]{s: s, name: "cars", kind: "car"}
}

func (s *Store) Customers() fleet.Table[fleet.Customer] {
	return table[fleet.Customer]{s: s, name: "customers", kind: "customer"}
}

func (s *Store) Employees() fleet.Table[fleet.Employee] {
	return table[fleet.Employee]{s: s, name: "employees", kind: "employee"}
}

func (s *Store) Invoices() fleet.Table[fleet.Invoice] {
	return table[fleet.Invoice]{s: s, name: "invoices", kind: "invoice"}
}

func (s *Store) Payments() fleet.Table[fleet.Payment] {
	return table[fleet.Payment]{s: s, name: "payments", kind: "payment"}
}

func (s *Store) Closings() fleet.Table[fleet.MonthlyClosing] {
	return table[fleet.MonthlyClosing]{s: s, name: "closings", kind: "closing"}
}

// table stores records as JSON bodies. name is a fixed identifier from the
// list above, never caller input.
type table[T fleet.Record[T]] struct {
	s    *Store
	name string
	kind string
}

func (t table[T]) Get(ctx context.Context, id generic.ID) (T, error) {
	defer t.s.lock()()
	return t.one(ctx, "SELECT body FROM "+t.name+" WHERE id = ?", id.String(), id)
}

func (t table[T]) FindByKey(ctx context.Context, key string) (T, error) {
	defer t.s.lock()()
	return t.one(ctx, "SELECT body FROM "+t.name+" WHERE unique_key = ?", key, key)
}

func (t table[T]) one(ctx context.Context, query string, arg any, what any) (T, error) {
	var rec T
	var body string
	err := t.s.q.QueryRowContext(ctx, query, arg).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return rec, generic.NotFoundf(t.kind, what)
	}
	if err != nil {
		return rec, mapError(fmt.Errorf("failed to load %s: %w", t.kind, err))
	}
	if err := json.Unmarshal([]byte(body), &rec); err != nil {
		return rec, fmt.Errorf("failed to decode %s: %w", t.kind, err)
	}
	return rec, nil
}

func (t table[T]) Put(ctx context.Context, rec T) error {
	defer t.s.lock()()

	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", t.kind, err)
	}
	query := `
		INSERT INTO ` + t.name + ` (id, unique_key, created_at, body)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			unique_key = excluded.unique_key,
			created_at = excluded.created_at,
			body = excluded.body
	`
	_, err = t.s.q.ExecContext(ctx, query,
		rec.RecordID().String(),
		nullString(rec.UniqueKey()),
		rec.Created().UTC().Format(timeLayout),
		string(body),
	)
	if isUniqueConstraintError(err) {
		return generic.Errorf(generic.ErrUniqueViolation, "%s %q already exists", t.kind, rec.UniqueKey())
	}
	if err != nil {
		return mapError(fmt.Errorf("failed to save %s: %w", t.kind, err))
	}
	return nil
}

func (t table[T]) Delete(ctx context.Context, id generic.ID) error {
	defer t.s.lock()()

	res, err := t.s.q.ExecContext(ctx, "DELETE FROM "+t.name+" WHERE id = ?", id.String())
	if err != nil {
		return mapError(fmt.Errorf("failed to delete %s: %w", t.kind, err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return generic.NotFoundf(t.kind, id)
	}
	return nil
}

// Scan reads every row before yielding so the loop body may use the store.
func (t table[T]) Scan(ctx context.Context, match func(T) bool) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		recs, err := t.all(ctx)
		if err != nil {
			var zero T
			yield(zero, err)
			return
		}
		for _, rec := range recs {
			if match != nil && !match(rec) {
				continue
			}
			if !yield(rec, nil) {
				return
			}
		}
	}
}

func (t table[T]) all(ctx context.Context) ([]T, error) {
	defer t.s.lock()()

	rows, err := t.s.q.QueryContext(ctx, "SELECT body FROM "+t.name+" ORDER BY created_at DESC, id")
	if err != nil {
		return nil, mapError(fmt.Errorf("failed to query %s: %w", t.name, err))
	}
	defer rows.Close()

	var out []T
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("failed to scan %s: %w", t.kind, err)
		}
		var rec T
		if err := json.Unmarshal([]byte(body), &rec); err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", t.kind, err)
		}
		out = append(out, rec)
	}
	return out, mapError(rows.Err())
}

// =============================================================================
// POSTING LOG (generic.Store interface)
// =============================================================================

// Append adds a posting to the ledger.
func (s *Store) Append(ctx context.Context, p generic.Posting) error {
	defer s.lock()()
	return s.appendPosting(ctx, p)
}

func (s *Store) appendPosting(ctx context.Context, p generic.Posting) error {
	query := `
		INSERT INTO postings
		(id, entity_kind, entity_id, field, delta, posting_type,
		 reference_id, period, reason, idempotency_key, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	createdAt := p.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := s.q.ExecContext(ctx, query,
		p.ID.String(),
		string(p.Entity.Kind),
		p.Entity.ID.String(),
		string(p.Field),
		p.Delta.String(),
		string(p.Type),
		nullString(p.ReferenceID),
		string(p.Period),
		p.Reason,
		nullString(p.IdempotencyKey),
		createdAt.UTC().Format(timeLayout),
	)

	if isUniqueConstraintError(err) {
		return generic.ErrDuplicateIdempotencyKey
	}
	if err != nil {
		return mapError(fmt.Errorf("failed to append posting: %w", err))
	}
	return nil
}

// AppendBatch adds multiple postings atomically.
func (s *Store) AppendBatch(ctx context.Context, ps []generic.Posting) error {
	keys := make(map[string]bool)
	for _, p := range ps {
		if p.IdempotencyKey == "" {
			continue
		}
		if keys[p.IdempotencyKey] {
			return generic.ErrDuplicateIdempotencyKey
		}
		keys[p.IdempotencyKey] = true
	}
	return s.WithTx(ctx, func(tx fleet.Store) error {
		view := tx.(*Store)
		for _, p := range ps {
			if err := view.appendPosting(ctx, p); err != nil {
				return err
			}
		}
		return nil
	})
}

// Postings returns every posting for an entity in append order.
func (s *Store) Postings(ctx context.Context, entity generic.Ref) ([]generic.Posting, error) {
	defer s.lock()()
	return s.queryPostings(ctx, `
		SELECT id, entity_kind, entity_id, field, delta, posting_type,
		       reference_id, period, reason, idempotency_key, created_at
		FROM postings
		WHERE entity_kind = ? AND entity_id = ?
		ORDER BY seq ASC
	`, string(entity.Kind), entity.ID.String())
}

func (s *Store) PostingsByReference(ctx context.Context, referenceID string) ([]generic.Posting, error) {
	defer s.lock()()
	return s.queryPostings(ctx, `
		SELECT id, entity_kind, entity_id, field, delta, posting_type,
		       reference_id, period, reason, idempotency_key, created_at
		FROM postings
		WHERE reference_id = ?
		ORDER BY seq ASC
	`, referenceID)
}

// Exists checks if an idempotency key exists.
func (s *Store) Exists(ctx context.Context, idempotencyKey string) (bool, error) {
	defer s.lock()()

	var count int
	err := s.q.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM postings WHERE idempotency_key = ?",
		idempotencyKey,
	).Scan(&count)

	return count > 0, mapError(err)
}

func (s *Store) queryPostings(ctx context.Context, query string, args ...any) ([]generic.Posting, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapError(fmt.Errorf("failed to query postings: %w", err))
	}
	defer rows.Close()

	var postings []generic.Posting
	for rows.Next() {
		p, err := scanPosting(rows)
		if err != nil {
			return nil, err
		}
		postings = append(postings, p)
	}

	return postings, mapError(rows.Err())
}

func scanPosting(rows *sql.Rows) (generic.Posting, error) {
	var (
		p              generic.Posting
		id             string
		kind           string
		entityID       string
		field          string
		delta          string
		postingType    string
		referenceID    sql.NullString
		period         sql.NullString
		reason         sql.NullString
		idempotencyKey sql.NullString
		createdAt      string
	)

	err := rows.Scan(
		&id, &kind, &entityID, &field, &delta, &postingType,
		&referenceID, &period, &reason, &idempotencyKey, &createdAt,
	)
	if err != nil {
		return p, fmt.Errorf("failed to scan posting: %w", err)
	}

	if p.ID, err = generic.ParseID(id); err != nil {
		return p, fmt.Errorf("posting id: %w", err)
	}
	if p.Entity.ID, err = generic.ParseID(entityID); err != nil {
		return p, fmt.Errorf("posting entity: %w", err)
	}
	if p.Delta, err = decimal.NewFromString(delta); err != nil {
		return p, fmt.Errorf("posting delta %q: %w", delta, err)
	}
	p.Entity.Kind = generic.EntityKind(kind)
	p.Field = generic.Field(field)
	p.Type = generic.PostingType(postingType)
	p.ReferenceID = referenceID.String
	p.Period = generic.MonthKey(period.String)
	p.Reason = reason.String
	p.IdempotencyKey = idempotencyKey.String
	p.CreatedAt, _ = time.Parse(timeLayout, createdAt)

	return p, nil
}

// =============================================================================
// SEQUENCES & OPEN PERIOD
// =============================================================================

// NextSequence atomically increments and returns the named counter.
func (s *Store) NextSequence(ctx context.Context, name string) (int64, error) {
	defer s.lock()()

	var value int64
	err := s.q.QueryRowContext(ctx, `
		INSERT INTO sequences (name, value) VALUES (?, 1)
		ON CONFLICT(name) DO UPDATE SET value = value + 1
		RETURNING value
	`, name).Scan(&value)
	if err != nil {
		return 0, mapError(fmt.Errorf("failed to advance sequence %s: %w", name, err))
	}
	return value, nil
}

// SeedSequence raises the named counter to at least value.
func (s *Store) SeedSequence(ctx context.Context, name string, value int64) error {
	defer s.lock()()

	_, err := s.q.ExecContext(ctx, `
		INSERT INTO sequences (name, value) VALUES (?, ?)
		ON CONFLICT(name) DO UPDATE SET value = MAX(value, excluded.value)
	`, name, value)
	return mapError(err)
}

func (s *Store) Period(ctx context.Context) (generic.OpenPeriod, bool, error) {
	defer s.lock()()

	var (
		p        generic.OpenPeriod
		key      string
		openedAt string
	)
	err := s.q.QueryRowContext(ctx,
		"SELECT period, version, opened_at FROM open_period WHERE id = 1",
	).Scan(&key, &p.Version, &openedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return generic.OpenPeriod{}, false, nil
	}
	if err != nil {
		return generic.OpenPeriod{}, false, mapError(fmt.Errorf("failed to load open period: %w", err))
	}
	p.Key = generic.MonthKey(key)
	p.OpenedAt, _ = time.Parse(timeLayout, openedAt)
	return p, true, nil
}

// SwapPeriod replaces the pointer only if its version equals expected.
func (s *Store) SwapPeriod(ctx context.Context, expected int64, next generic.OpenPeriod) error {
	defer s.lock()()

	openedAt := next.OpenedAt.UTC().Format(timeLayout)
	var (
		res sql.Result
		err error
	)
	if expected == 0 {
		res, err = s.q.ExecContext(ctx,
			"INSERT INTO open_period (id, period, version, opened_at) VALUES (1, ?, ?, ?) ON CONFLICT(id) DO NOTHING",
			string(next.Key), next.Version, openedAt)
	} else {
		res, err = s.q.ExecContext(ctx,
			"UPDATE open_period SET period = ?, version = ?, opened_at = ? WHERE id = 1 AND version = ?",
			string(next.Key), next.Version, openedAt, expected)
	}
	if err != nil {
		return mapError(fmt.Errorf("failed to swap open period: %w", err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return generic.Errorf(generic.ErrConcurrentModification, "open period version is not %d", expected)
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func isUniqueConstraintError(err error) bool {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}

// mapError marks lock contention and context expiry as transient.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	var se sqlite3.Error
	if errors.As(err, &se) && (se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked) {
		return generic.Unavailable(err)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return generic.Unavailable(err)
	}
	return err
}
