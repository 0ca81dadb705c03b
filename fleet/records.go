/*
Package fleet implements balance reconciliation and monthly closing for a
fleet bookkeeping system.

PURPOSE:
  Cars, customers and employees carry running balances that must always be
  explainable from invoices and payments. This package owns every write path
  that can move those balances:

    Payment Lifecycle Manager  payments.go
    Invoice operations         invoices.go
    Balance Recalculation      recalc.go   (customers: full recompute)
    Delta Balance Updater      delta.go    (cars/employees: posting + cache)
    Monthly Closing Engine     closing.go

KEY CONCEPTS IN THIS FILE (records.go):
  - Car, Customer, Employee: entities with balances and a status
  - Invoice + InvoiceItem: credit extension; credit items feed customer balances
  - Payment: receive, payment_out, balance_add, balance_deduct against one target
  - MonthlyClosing: archived period result

INVARIANTS:
  - Customer.Balance == max(0, Σ credit item totals − Σ receive amounts)
  - Invoice.Total == Σ item totals; Invoice.TotalLeft == Σ item left amounts
  - Car/Employee tracked fields == Σ postings for that field
  - PaymentNo unique per prefix, allocated monotonically, never reused

SEE ALSO:
  - generic/ledger.go: Posting log backing the car/employee caches
  - store.go: Persistence contract
*/
package fleet

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/fleet-ledger/generic"
)

// =============================================================================
// STATUS
// =============================================================================

// Status is the lifecycle state of an entity or document.
type Status string

const (
	StatusActive      Status = "Active"
	StatusMaintenance Status = "Maintenance" // cars only
	StatusInactive    Status = "Inactive"    // customers and employees
	StatusClosed      Status = "Closed"
	StatusCancelled   Status = "Cancelled" // invoices only
	StatusReopened    Status = "Reopened"  // closings only
)

// Record is implemented by every persisted document. T is the record's own
// type so tables can hand out independent copies.
type Record[T any] interface {
	RecordID() generic.ID
	UniqueKey() string
	Created() time.Time
	Clone() T
}

// =============================================================================
// CAR
// =============================================================================

type Car struct {
	ID                 generic.ID      `json:"id"`
	Name               string          `json:"name"`
	Plate              string          `json:"plate"`
	Driver             string          `json:"driver,omitempty"`
	Conductor          string          `json:"conductor,omitempty"`
	Balance            decimal.Decimal `json:"balance"`
	LeftOwed           decimal.Decimal `json:"left_owed"`
	CumulativePayments decimal.Decimal `json:"cumulative_payments"`
	Status             Status          `json:"status"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

func (c Car) RecordID() generic.ID { return c.ID }
func (c Car) UniqueKey() string    { return NormalizePlate(c.Plate) }
func (c Car) Created() time.Time   { return c.CreatedAt }
func (c Car) Clone() Car           { return c }
func (c Car) Ref() generic.Ref     { return generic.CarRef(c.ID) }

// Field returns the cached value of a tracked field.
func (c Car) Field(f generic.Field) decimal.Decimal {
	switch f {
	case generic.FieldLeftOwed:
		return c.LeftOwed
	case generic.FieldCumulativePayments:
		return c.CumulativePayments
	default:
		return c.Balance
	}
}

func (c *Car) setField(f generic.Field, v decimal.Decimal) {
	switch f {
	case generic.FieldLeftOwed:
		c.LeftOwed = v
	case generic.FieldCumulativePayments:
		c.CumulativePayments = v
	default:
		c.Balance = v
	}
}

// ProfitContribution is balance − leftOwed − cumulativePayments.
func (c Car) ProfitContribution() decimal.Decimal {
	return c.Balance.Sub(c.LeftOwed).Sub(c.CumulativePayments)
}

// NormalizePlate upper-cases a plate and strips whitespace and dashes.
func NormalizePlate(p string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(p) {
		if r == ' ' || r == '-' || r == '\t' {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// =============================================================================
// CUSTOMER
// =============================================================================

// Customer.Balance is a cached projection, rewritten only by the
// recalculation engine.
type Customer struct {
	ID        generic.ID      `json:"id"`
	Name      string          `json:"name"`
	Phone     string          `json:"phone,omitempty"`
	Balance   decimal.Decimal `json:"balance"`
	Status    Status          `json:"status"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

func (c Customer) RecordID() generic.ID { return c.ID }
func (c Customer) UniqueKey() string    { return "" }
func (c Customer) Created() time.Time   { return c.CreatedAt }
func (c Customer) Clone() Customer      { return c }
func (c Customer) Ref() generic.Ref     { return generic.CustomerRef(c.ID) }

// =============================================================================
// EMPLOYEE
// =============================================================================

type Employee struct {
	ID        generic.ID      `json:"id"`
	Name      string          `json:"name"`
	Phone     string          `json:"phone,omitempty"`
	Category  string          `json:"category,omitempty"`
	Balance   decimal.Decimal `json:"balance"`
	Status    Status          `json:"status"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

func (e Employee) RecordID() generic.ID { return e.ID }
func (e Employee) UniqueKey() string    { return "" }
func (e Employee) Created() time.Time   { return e.CreatedAt }
func (e Employee) Clone() Employee      { return e }
func (e Employee) Ref() generic.Ref     { return generic.EmployeeRef(e.ID) }

// =============================================================================
// INVOICE
// =============================================================================

// PaymentMethod says whether a line was settled at sale or deferred.
type PaymentMethod string

const (
	MethodCash   PaymentMethod = "cash"
	MethodCredit PaymentMethod = "credit"
)

type InvoiceItem struct {
	ItemID        generic.ID      `json:"item_id"`
	CustomerID    generic.ID      `json:"customer_id"`
	Description   string          `json:"description,omitempty"`
	Quantity      decimal.Decimal `json:"quantity"`
	Price         decimal.Decimal `json:"price"`
	Total         decimal.Decimal `json:"total"`
	LeftAmount    decimal.Decimal `json:"left_amount"`
	PaymentMethod PaymentMethod   `json:"payment_method"`
}

// IsCreditFor reports whether the line extends credit to customer.
func (it InvoiceItem) IsCreditFor(customer generic.ID) bool {
	return it.PaymentMethod == MethodCredit && it.CustomerID == customer
}

type Invoice struct {
	ID        generic.ID      `json:"id"`
	InvoiceNo string          `json:"invoice_no"`
	CarID     generic.ID      `json:"car_id"`
	Date      time.Time       `json:"date"`
	Items     []InvoiceItem   `json:"items"`
	Total     decimal.Decimal `json:"total"`
	TotalLeft decimal.Decimal `json:"total_left"`
	Status    Status          `json:"status"`
	Revision  int             `json:"revision"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

func (inv Invoice) RecordID() generic.ID { return inv.ID }
func (inv Invoice) UniqueKey() string    { return strings.TrimSpace(inv.InvoiceNo) }
func (inv Invoice) Created() time.Time   { return inv.CreatedAt }

func (inv Invoice) Clone() Invoice {
	inv.Items = append([]InvoiceItem(nil), inv.Items...)
	return inv
}

// Active reports whether the invoice counts toward balances.
func (inv Invoice) Active() bool { return inv.Status != StatusCancelled }

// Customers returns the distinct customers referenced by any line.
func (inv Invoice) Customers() []generic.ID {
	seen := make(map[generic.ID]bool)
	var out []generic.ID
	for _, it := range inv.Items {
		if it.CustomerID == generic.NilID || seen[it.CustomerID] {
			continue
		}
		seen[it.CustomerID] = true
		out = append(out, it.CustomerID)
	}
	return out
}

// CreditTotalFor sums credit line totals for customer. Cancelled invoices
// contribute nothing.
func (inv Invoice) CreditTotalFor(customer generic.ID) decimal.Decimal {
	total := decimal.Zero
	if !inv.Active() {
		return total
	}
	for _, it := range inv.Items {
		if it.IsCreditFor(customer) {
			total = total.Add(it.Total)
		}
	}
	return total
}

// LeftOwedContribution is what the invoice adds to its car's left owed.
func (inv Invoice) LeftOwedContribution() decimal.Decimal {
	if !inv.Active() {
		return decimal.Zero
	}
	return inv.TotalLeft
}

// =============================================================================
// PAYMENT
// =============================================================================

type PaymentType string

const (
	PaymentReceive       PaymentType = "receive"
	PaymentOut           PaymentType = "payment_out"
	PaymentBalanceAdd    PaymentType = "balance_add"
	PaymentBalanceDeduct PaymentType = "balance_deduct"
)

// Prefix returns the paymentNo prefix for the type.
func (t PaymentType) Prefix() string {
	switch t {
	case PaymentBalanceAdd, PaymentBalanceDeduct:
		return "BAL"
	default:
		return "PYN"
	}
}

// Allows reports whether the type may target an entity of kind.
func (t PaymentType) Allows(kind generic.EntityKind) bool {
	switch t {
	case PaymentReceive:
		return kind == generic.KindCustomer || kind == generic.KindCar
	case PaymentOut, PaymentBalanceAdd, PaymentBalanceDeduct:
		return kind == generic.KindCar || kind == generic.KindEmployee
	default:
		return false
	}
}

type Payment struct {
	ID           generic.ID          `json:"id"`
	Type         PaymentType         `json:"type"`
	Target       generic.Ref         `json:"target"`
	PaymentNo    string              `json:"payment_no"`
	Amount       decimal.Decimal     `json:"amount"`
	Description  string              `json:"description,omitempty"`
	PaymentDate  time.Time           `json:"payment_date"`
	AccountMonth generic.MonthKey    `json:"account_month"`
	BalanceAfter decimal.NullDecimal `json:"balance_after"`
	Revision     int                 `json:"revision"`
	CreatedAt    time.Time           `json:"created_at"`
	UpdatedAt    time.Time           `json:"updated_at"`
}

func (p Payment) RecordID() generic.ID { return p.ID }
func (p Payment) UniqueKey() string    { return p.PaymentNo }
func (p Payment) Created() time.Time   { return p.CreatedAt }
func (p Payment) Clone() Payment       { return p }

// =============================================================================
// MONTHLY CLOSING
// =============================================================================

// ClosingLine is one car's figures at the moment of closing.
type ClosingLine struct {
	CarID              generic.ID      `json:"car_id"`
	Name               string          `json:"name"`
	Plate              string          `json:"plate"`
	Balance            decimal.Decimal `json:"balance"`
	LeftOwed           decimal.Decimal `json:"left_owed"`
	CumulativePayments decimal.Decimal `json:"cumulative_payments"`
	Profit             decimal.Decimal `json:"profit"`
}

type MonthlyClosing struct {
	ID            generic.ID       `json:"id"`
	Period        generic.MonthKey `json:"period"`
	ClosedAt      time.Time        `json:"closed_at"`
	TotalBalance  decimal.Decimal  `json:"total_balance"`
	TotalLeftOwed decimal.Decimal  `json:"total_left_owed"`
	TotalPayments decimal.Decimal  `json:"total_payments"`
	Profit        decimal.Decimal  `json:"profit"`
	CarCount      int              `json:"car_count"`
	CustomerCount int              `json:"customer_count"`
	Cars          []ClosingLine    `json:"cars"`
	Status        Status           `json:"status"`
	ReopenedAt    *time.Time       `json:"reopened_at,omitempty"`
}

func (m MonthlyClosing) RecordID() generic.ID { return m.ID }
func (m MonthlyClosing) UniqueKey() string    { return string(m.Period) }
func (m MonthlyClosing) Created() time.Time   { return m.ClosedAt }

func (m MonthlyClosing) Clone() MonthlyClosing {
	m.Cars = append([]ClosingLine(nil), m.Cars...)
	if m.ReopenedAt != nil {
		t := *m.ReopenedAt
		m.ReopenedAt = &t
	}
	return m
}
