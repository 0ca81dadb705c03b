package fleet

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/warp/fleet-ledger/generic"
)

// =============================================================================
// INVOICES
// =============================================================================
//
// An invoice touches two balances:
//   - its car's left_owed, through invoice postings (delta updater)
//   - every credit customer's balance, through recomputation after commit
//
// Cancelling an invoice keeps the record but removes both contributions.

// ItemInput is one line of an invoice as supplied by the caller. Total is
// always quantity × price; LeftAmount is the unpaid part of the line.
type ItemInput struct {
	ItemID        generic.ID
	CustomerID    generic.ID
	Description   string
	Quantity      decimal.Decimal `validate:"gt=0"`
	Price         decimal.Decimal `validate:"gte=0"`
	LeftAmount    decimal.Decimal `validate:"gte=0"`
	PaymentMethod PaymentMethod   `validate:"omitempty,oneof=cash credit"`
}

type InvoiceInput struct {
	InvoiceNo string      `validate:"required"`
	CarID     generic.ID  `validate:"required"`
	Date      time.Time   `validate:"required"`
	Items     []ItemInput `validate:"min=1,dive"`
}

// InvoicePatch changes selected fields. Items replaces every line.
type InvoicePatch struct {
	InvoiceNo *string
	CarID     *generic.ID
	Date      *time.Time
	Items     *[]ItemInput
	Status    *Status
}

// CreateInvoice stores a new invoice, posts its left amount to the car and
// recomputes every credit customer.
func (s *Service) CreateInvoice(ctx context.Context, in InvoiceInput) (inv Invoice, err error) {
	ctx, end := s.start(ctx, "CreateInvoice")
	defer func() { end(err) }()

	in.InvoiceNo = strings.TrimSpace(in.InvoiceNo)
	if err := validateInput(in); err != nil {
		return Invoice{}, err
	}
	items, err := buildItems(in.Items)
	if err != nil {
		return Invoice{}, err
	}

	now := s.now()
	inv = Invoice{
		ID:        generic.NewID(),
		InvoiceNo: in.InvoiceNo,
		CarID:     in.CarID,
		Date:      generic.DateOnly(in.Date),
		Status:    StatusActive,
		Revision:  1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	inv.setItems(items)

	release, err := s.lock(ctx, invoiceKeys(inv)...)
	if err != nil {
		return Invoice{}, err
	}
	defer release()

	if err := s.checkInvoiceParties(ctx, inv, nil); err != nil {
		return Invoice{}, err
	}
	if _, err := s.store.Invoices().FindByKey(ctx, inv.InvoiceNo); err == nil {
		return Invoice{}, generic.Errorf(generic.ErrDuplicateInvoiceNo, "invoice number %s already exists", inv.InvoiceNo)
	} else if !generic.IsNotFound(err) {
		return Invoice{}, err
	}

	err = s.store.WithTx(ctx, func(tx Store) error {
		return s.settleInvoice(ctx, tx, inv, nil)
	})
	if err != nil {
		return Invoice{}, duplicateInvoiceNo(err, inv.InvoiceNo)
	}

	s.log.WithFields(logrus.Fields{
		"op":         "CreateInvoice",
		"invoice_no": inv.InvoiceNo,
		"car":        inv.CarID.String(),
		"total":      inv.Total.String(),
		"total_left": inv.TotalLeft.String(),
	}).Info("invoice created")

	_, err = s.recalc.RecomputeAll(ctx, inv.Customers())
	return inv, err
}

// UpdateInvoice applies patch. When lines, car or status change, the car
// postings are adjusted by difference and the union of old and new credit
// customers is recomputed.
func (s *Service) UpdateInvoice(ctx context.Context, id generic.ID, patch InvoicePatch) (inv Invoice, err error) {
	ctx, end := s.start(ctx, "UpdateInvoice")
	defer func() { end(err) }()

	old, err := s.store.Invoices().Get(ctx, id)
	if err != nil {
		return Invoice{}, err
	}

	next := old.Clone()
	if patch.InvoiceNo != nil {
		next.InvoiceNo = strings.TrimSpace(*patch.InvoiceNo)
	}
	if patch.CarID != nil {
		next.CarID = *patch.CarID
	}
	if patch.Date != nil {
		next.Date = generic.DateOnly(*patch.Date)
	}
	if patch.Status != nil {
		if *patch.Status != StatusActive && *patch.Status != StatusCancelled {
			return Invoice{}, generic.Errorf(generic.ErrInvalidValue, "invoice status must be Active or Cancelled, got %q", *patch.Status)
		}
		next.Status = *patch.Status
	}
	if patch.Items != nil {
		in := InvoiceInput{InvoiceNo: next.InvoiceNo, CarID: next.CarID, Date: next.Date, Items: *patch.Items}
		if err := validateInput(in); err != nil {
			return Invoice{}, err
		}
		items, err := buildItems(*patch.Items)
		if err != nil {
			return Invoice{}, err
		}
		next.setItems(items)
	}
	if next.InvoiceNo == "" {
		return Invoice{}, generic.Errorf(generic.ErrMissingField, "InvoiceNo is required")
	}
	if next.CarID == generic.NilID {
		return Invoice{}, generic.Errorf(generic.ErrMissingField, "CarID is required")
	}

	release, err := s.lock(ctx, append(invoiceKeys(old), invoiceKeys(next)...)...)
	if err != nil {
		return Invoice{}, err
	}
	defer release()

	if err := s.checkInvoiceParties(ctx, next, &old); err != nil {
		return Invoice{}, err
	}
	if next.InvoiceNo != old.InvoiceNo {
		if other, err := s.store.Invoices().FindByKey(ctx, next.InvoiceNo); err == nil && other.ID != id {
			return Invoice{}, generic.Errorf(generic.ErrDuplicateInvoiceNo, "invoice number %s already exists", next.InvoiceNo)
		} else if err != nil && !generic.IsNotFound(err) {
			return Invoice{}, err
		}
	}

	err = s.store.WithTx(ctx, func(tx Store) error {
		cur, err := tx.Invoices().Get(ctx, id)
		if err != nil {
			return err
		}
		if cur.Revision != old.Revision {
			return generic.Errorf(generic.ErrConcurrentModification, "invoice %s changed during update", id)
		}
		current, err := generic.NewLedger(tx).Effects(ctx, id.String())
		if err != nil {
			return err
		}
		next.Revision = cur.Revision + 1
		next.UpdatedAt = s.now()
		return s.settleInvoice(ctx, tx, next, current)
	})
	if err != nil {
		return Invoice{}, duplicateInvoiceNo(err, next.InvoiceNo)
	}

	s.log.WithFields(logrus.Fields{
		"op":         "UpdateInvoice",
		"invoice_no": next.InvoiceNo,
		"status":     next.Status,
		"total":      next.Total.String(),
		"total_left": next.TotalLeft.String(),
	}).Info("invoice updated")

	_, err = s.recalc.RecomputeAll(ctx, uniqueIDs(old.Customers(), next.Customers()))
	return next, err
}

// DeleteInvoice removes an invoice, reverses its car postings and recomputes
// the customers it referenced.
func (s *Service) DeleteInvoice(ctx context.Context, id generic.ID) (err error) {
	ctx, end := s.start(ctx, "DeleteInvoice")
	defer func() { end(err) }()

	old, err := s.store.Invoices().Get(ctx, id)
	if err != nil {
		return err
	}

	release, err := s.lock(ctx, invoiceKeys(old)...)
	if err != nil {
		return err
	}
	defer release()

	err = s.store.WithTx(ctx, func(tx Store) error {
		cur, err := tx.Invoices().Get(ctx, id)
		if err != nil {
			return err
		}
		if cur.Revision != old.Revision {
			return generic.Errorf(generic.ErrConcurrentModification, "invoice %s changed during delete", id)
		}
		if err := tx.Invoices().Delete(ctx, id); err != nil {
			return err
		}
		current, err := generic.NewLedger(tx).Effects(ctx, id.String())
		if err != nil {
			return err
		}
		period, err := s.openPeriod(ctx, tx)
		if err != nil {
			return err
		}
		meta := generic.Posting{
			Type:        generic.PostingReverse,
			ReferenceID: id.String(),
			Period:      period.Key,
			Reason:      "invoice " + cur.InvoiceNo + " deleted",
		}
		_, err = s.delta.ApplyAll(ctx, tx, generic.Diff(current, nil), meta, cur.Revision+1)
		return err
	})
	if err != nil {
		return err
	}

	s.log.WithFields(logrus.Fields{
		"op":         "DeleteInvoice",
		"invoice_no": old.InvoiceNo,
	}).Info("invoice deleted")

	_, err = s.recalc.RecomputeAll(ctx, old.Customers())
	return err
}

func (s *Service) GetInvoice(ctx context.Context, id generic.ID) (Invoice, error) {
	return s.store.Invoices().Get(ctx, id)
}

// InvoiceFilter narrows ListInvoices. Zero fields match everything.
type InvoiceFilter struct {
	CarID      generic.ID
	CustomerID generic.ID
	Status     Status
}

func (f InvoiceFilter) match(inv Invoice) bool {
	if f.CarID != generic.NilID && inv.CarID != f.CarID {
		return false
	}
	if f.Status != "" && inv.Status != f.Status {
		return false
	}
	if f.CustomerID == generic.NilID {
		return true
	}
	for _, it := range inv.Items {
		if it.CustomerID == f.CustomerID {
			return true
		}
	}
	return false
}

// ListInvoices returns matching invoices, newest first.
func (s *Service) ListInvoices(ctx context.Context, f InvoiceFilter) ([]Invoice, error) {
	return Collect(s.store.Invoices().Scan(ctx, f.match))
}

// =============================================================================
// HELPERS
// =============================================================================

// buildItems turns validated input lines into stored lines.
func buildItems(in []ItemInput) ([]InvoiceItem, error) {
	items := make([]InvoiceItem, 0, len(in))
	for i, it := range in {
		method := it.PaymentMethod
		if method == "" {
			method = MethodCash
		}
		if method == MethodCredit && it.CustomerID == generic.NilID {
			return nil, generic.Errorf(generic.ErrMissingField, "Items[%d].CustomerID is required for credit lines", i)
		}
		total := it.Quantity.Mul(it.Price)
		if it.LeftAmount.GreaterThan(total) {
			return nil, generic.Errorf(generic.ErrInvalidAmount, "Items[%d].LeftAmount %s exceeds line total %s", i, it.LeftAmount, total)
		}
		itemID := it.ItemID
		if itemID == generic.NilID {
			itemID = generic.NewID()
		}
		items = append(items, InvoiceItem{
			ItemID:        itemID,
			CustomerID:    it.CustomerID,
			Description:   strings.TrimSpace(it.Description),
			Quantity:      it.Quantity,
			Price:         it.Price,
			Total:         total,
			LeftAmount:    it.LeftAmount,
			PaymentMethod: method,
		})
	}
	return items, nil
}

// setItems replaces the lines and recomputes the totals.
func (inv *Invoice) setItems(items []InvoiceItem) {
	inv.Items = items
	inv.Total = decimal.Zero
	inv.TotalLeft = decimal.Zero
	for _, it := range items {
		inv.Total = inv.Total.Add(it.Total)
		inv.TotalLeft = inv.TotalLeft.Add(it.LeftAmount)
	}
}

// invoiceKeys are the locks an invoice write needs: its car and every
// customer on a line.
func invoiceKeys(inv Invoice) []string {
	refs := []generic.Ref{generic.CarRef(inv.CarID)}
	for _, id := range inv.Customers() {
		refs = append(refs, generic.CustomerRef(id))
	}
	return refKeys(refs...)
}

// checkInvoiceParties requires the car and every line customer to exist.
// Parties the invoice did not already reference must not be closed.
func (s *Service) checkInvoiceParties(ctx context.Context, inv Invoice, prev *Invoice) error {
	known := make(map[generic.Ref]bool)
	if prev != nil {
		known[generic.CarRef(prev.CarID)] = true
		for _, id := range prev.Customers() {
			known[generic.CustomerRef(id)] = true
		}
	}
	refs := []generic.Ref{generic.CarRef(inv.CarID)}
	for _, id := range inv.Customers() {
		refs = append(refs, generic.CustomerRef(id))
	}
	for _, ref := range refs {
		err := activeTarget(ctx, s.store, ref)
		if errors.Is(err, generic.ErrAccountClosed) && known[ref] {
			continue
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// settleInvoice posts the difference between the invoice's desired car
// effect and current, then stores it.
func (s *Service) settleInvoice(ctx context.Context, tx Store, inv Invoice, current map[generic.EffectKey]decimal.Decimal) error {
	period, err := s.openPeriod(ctx, tx)
	if err != nil {
		return err
	}
	desired := map[generic.EffectKey]decimal.Decimal{
		{Entity: generic.CarRef(inv.CarID), Field: generic.FieldLeftOwed}: inv.LeftOwedContribution(),
	}
	meta := generic.Posting{
		Type:        generic.PostingInvoice,
		ReferenceID: inv.ID.String(),
		Period:      period.Key,
		Reason:      "invoice " + inv.InvoiceNo,
	}
	if _, err := s.delta.ApplyAll(ctx, tx, generic.Diff(current, desired), meta, inv.Revision); err != nil {
		return err
	}
	return tx.Invoices().Put(ctx, inv)
}

func duplicateInvoiceNo(err error, no string) error {
	if errors.Is(err, generic.ErrUniqueViolation) {
		return generic.Errorf(generic.ErrDuplicateInvoiceNo, "invoice number %s already exists", no)
	}
	return err
}
