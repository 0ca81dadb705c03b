/*
Package generic provides the domain-agnostic core of the fleet ledger engine.

PURPOSE:
  This package contains the building blocks every balance in the system is
  made of: money amounts, canonical identifiers, entity references and the
  immutable postings that record each change to a tracked balance field.
  The fleet package builds cars, customers, employees, invoices and payments
  on top of these types.

KEY CONCEPTS IN THIS FILE (types.go):
  - ID: The single canonical identifier type (UUID), parsed and normalized
    at every boundary
  - Ref: A typed reference to one entity (car, customer, employee)
  - Field: A tracked balance field on an entity (balance, left_owed, ...)
  - Posting: An immutable ledger entry recording a signed change to a field
  - EffectKey: (Ref, Field) pair used to net postings per field

DESIGN PRINCIPLES:
  1. Immutability: Postings are never modified, only offset by new postings
  2. Precision: Uses decimal.Decimal to avoid floating-point errors
  3. Type Safety: One structured ID type; references carry their kind
  4. Auditability: Every posting has type, reference, reason and idempotency key

USAGE:
  p := generic.Posting{
      ID:          generic.NewID(),
      Entity:      generic.Ref{Kind: generic.KindCar, ID: carID},
      Field:       generic.FieldBalance,
      Delta:       decimal.NewFromInt(-150),
      Type:        generic.PostingPayment,
      ReferenceID: paymentID.String(),
  }

SEE ALSO:
  - ledger.go: Append-only posting log
  - errors.go: Error taxonomy
  - period.go: Monthly period keys and the open period pointer
*/
package generic

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

// ID is the canonical identifier for every record in the system.
type ID = uuid.UUID

// NilID is the zero identifier. It never names a record.
var NilID = uuid.Nil

// NewID returns a fresh random identifier.
func NewID() ID {
	return uuid.New()
}

// ParseID validates and normalizes an identifier coming from outside the
// process (HTTP path, JSON body, CLI argument). The nil UUID is rejected.
func ParseID(s string) (ID, error) {
	id, err := uuid.Parse(strings.TrimSpace(s))
	if err != nil {
		return NilID, Errorf(ErrInvalidID, "malformed id %q", s)
	}
	if id == NilID {
		return NilID, Errorf(ErrInvalidID, "id must not be the nil uuid")
	}
	return id, nil
}

// =============================================================================
// ENTITY REFERENCES
// =============================================================================

// EntityKind names the kinds of entity a payment or posting can target.
type EntityKind string

const (
	KindCar      EntityKind = "car"
	KindCustomer EntityKind = "customer"
	KindEmployee EntityKind = "employee"
)

// ParseEntityKind normalizes a kind name. Unknown kinds are invalid input.
func ParseEntityKind(s string) (EntityKind, error) {
	switch k := EntityKind(strings.ToLower(strings.TrimSpace(s))); k {
	case KindCar, KindCustomer, KindEmployee:
		return k, nil
	default:
		return "", Errorf(ErrInvalidTarget, "unknown entity kind %q", s)
	}
}

// Ref points at exactly one entity.
type Ref struct {
	Kind EntityKind `json:"kind"`
	ID   ID         `json:"id"`
}

// IsZero reports whether the reference is unset.
func (r Ref) IsZero() bool { return r.Kind == "" && r.ID == NilID }

// LockKey is the key used to serialize operations touching this entity.
func (r Ref) LockKey() string { return string(r.Kind) + ":" + r.ID.String() }

func (r Ref) String() string { return r.LockKey() }

// CarRef, CustomerRef and EmployeeRef are shorthands for building references.
func CarRef(id ID) Ref      { return Ref{Kind: KindCar, ID: id} }
func CustomerRef(id ID) Ref { return Ref{Kind: KindCustomer, ID: id} }
func EmployeeRef(id ID) Ref { return Ref{Kind: KindEmployee, ID: id} }

// =============================================================================
// TRACKED FIELDS
// =============================================================================

// Field is a balance field whose changes are recorded as postings.
type Field string

const (
	FieldBalance            Field = "balance"
	FieldLeftOwed           Field = "left_owed"
	FieldCumulativePayments Field = "cumulative_payments"
)

// FieldsFor returns the tracked fields for an entity kind. Customers have
// none: their balance is recomputed from invoices and payments.
func FieldsFor(kind EntityKind) []Field {
	switch kind {
	case KindCar:
		return []Field{FieldBalance, FieldLeftOwed, FieldCumulativePayments}
	case KindEmployee:
		return []Field{FieldBalance}
	default:
		return nil
	}
}

// Tracks reports whether field is tracked for the kind.
func Tracks(kind EntityKind, field Field) bool {
	for _, f := range FieldsFor(kind) {
		if f == field {
			return true
		}
	}
	return false
}

// EffectKey identifies one field of one entity.
type EffectKey struct {
	Entity Ref   `json:"entity"`
	Field  Field `json:"field"`
}

func (k EffectKey) String() string { return k.Entity.String() + "/" + string(k.Field) }

// =============================================================================
// POSTING - Immutable ledger entry
// =============================================================================

// PostingType categorizes postings.
type PostingType string

const (
	PostingOpening PostingType = "opening" // opening balance at registration or import
	PostingPayment PostingType = "payment" // payment created or edited
	PostingReverse PostingType = "reversal" // payment or invoice deleted
	PostingInvoice PostingType = "invoice" // invoice left amount on the car
	PostingClosing PostingType = "closing" // monthly closing reset
)

// Posting is an immutable record of one signed change to one tracked field.
// Postings are never updated or deleted. Corrections are new postings.
type Posting struct {
	ID             ID              `json:"id"`
	Entity         Ref             `json:"entity"`
	Field          Field           `json:"field"`
	Delta          decimal.Decimal `json:"delta"`
	Type           PostingType     `json:"type"`
	ReferenceID    string          `json:"reference_id,omitempty"` // payment, invoice or closing id
	Period         MonthKey        `json:"period"`
	Reason         string          `json:"reason,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Key returns the (entity, field) the posting applies to.
func (p Posting) Key() EffectKey { return EffectKey{Entity: p.Entity, Field: p.Field} }

// IdempotencyKeyFor builds the key for an effect of a given record revision.
// Re-applying the same revision of the same record is rejected by the ledger.
func IdempotencyKeyFor(referenceID string, revision int, key EffectKey) string {
	return fmt.Sprintf("%s/r%d/%s", referenceID, revision, key)
}

// =============================================================================
// MONEY HELPERS
// =============================================================================

// Sum adds up the deltas of a set of postings.
func Sum(postings []Posting) decimal.Decimal {
	total := decimal.Zero
	for _, p := range postings {
		total = total.Add(p.Delta)
	}
	return total
}

// Net groups postings by (entity, field) and sums each group.
func Net(postings []Posting) map[EffectKey]decimal.Decimal {
	out := make(map[EffectKey]decimal.Decimal)
	for _, p := range postings {
		k := p.Key()
		out[k] = out[k].Add(p.Delta)
	}
	return out
}

// FloorZero returns d, or zero if d is negative.
func FloorZero(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}

// MustParseDecimal parses a literal amount, returning zero on malformed input.
func MustParseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
