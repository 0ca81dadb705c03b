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
// PAYMENT LIFECYCLE MANAGER
// =============================================================================
//
// Create:  validate → allocate paymentNo → persist + postings (one tx)
//          → recompute customer (receive on a customer only)
// Update:  validate → persist + differential postings (one tx)
//          → recompute old and new customer
// Delete:  read → delete + inverse postings (one tx) → recompute customer
//
// Postings reference the payment id. The differential for an edit is the
// desired effect of the edited payment minus the net effect already posted,
// so edits never double count and deletes invert exactly what was applied.

// PaymentInput is the caller-supplied part of a new payment.
type PaymentInput struct {
	Target      generic.Ref     `validate:"required"`
	Amount      decimal.Decimal `validate:"gt=0"`
	PaymentDate time.Time       `validate:"required"`
	Description string
	PaymentNo   string // optional; allocated when empty
}

// PaymentPatch changes selected fields of a payment. Nil means unchanged.
type PaymentPatch struct {
	Target      *generic.Ref
	Amount      *decimal.Decimal
	PaymentDate *time.Time
	Description *string
	PaymentNo   *string
}

// BalanceResult is returned by AddBalance and DeductBalance.
type BalanceResult struct {
	Payment    Payment         `json:"payment"`
	NewBalance decimal.Decimal `json:"new_balance"`
}

// ReceivePayment records money received from a customer (or credited to a
// car). A customer's balance is recomputed afterwards.
func (s *Service) ReceivePayment(ctx context.Context, in PaymentInput) (Payment, error) {
	return s.createPayment(ctx, "ReceivePayment", PaymentReceive, in)
}

// PaymentOut records money paid out for a car or an employee.
func (s *Service) PaymentOut(ctx context.Context, in PaymentInput) (Payment, error) {
	return s.createPayment(ctx, "PaymentOut", PaymentOut, in)
}

// AddBalance credits an employee (or car) balance.
func (s *Service) AddBalance(ctx context.Context, in PaymentInput) (BalanceResult, error) {
	p, err := s.createPayment(ctx, "AddBalance", PaymentBalanceAdd, in)
	return BalanceResult{Payment: p, NewBalance: p.BalanceAfter.Decimal}, err
}

// DeductBalance debits an employee (floored at zero) or car balance.
func (s *Service) DeductBalance(ctx context.Context, in PaymentInput) (BalanceResult, error) {
	p, err := s.createPayment(ctx, "DeductBalance", PaymentBalanceDeduct, in)
	return BalanceResult{Payment: p, NewBalance: p.BalanceAfter.Decimal}, err
}

func (s *Service) createPayment(ctx context.Context, op string, typ PaymentType, in PaymentInput) (p Payment, err error) {
	ctx, end := s.start(ctx, op)
	defer func() { end(err) }()

	in.Description = strings.TrimSpace(in.Description)
	in.PaymentNo = strings.TrimSpace(in.PaymentNo)
	in.PaymentDate = generic.DateOnly(in.PaymentDate)
	if err := checkPayment(typ, in); err != nil {
		return Payment{}, err
	}

	release, err := s.lock(ctx, in.Target.LockKey())
	if err != nil {
		return Payment{}, err
	}
	defer release()

	if err := activeTarget(ctx, s.store, in.Target); err != nil {
		return Payment{}, err
	}
	no, err := s.paymentNo(ctx, typ, in.PaymentNo, generic.NilID)
	if err != nil {
		return Payment{}, err
	}

	now := s.now()
	p = Payment{
		ID:          generic.NewID(),
		Type:        typ,
		Target:      in.Target,
		PaymentNo:   no,
		Amount:      in.Amount,
		Description: in.Description,
		PaymentDate: in.PaymentDate,
		Revision:    1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	err = s.store.WithTx(ctx, func(tx Store) error {
		period, err := s.openPeriod(ctx, tx)
		if err != nil {
			return err
		}
		p.AccountMonth = period.Key
		return s.settlePayment(ctx, tx, &p, nil, nil, period.Key, generic.PostingPayment)
	})
	if err != nil {
		return Payment{}, duplicatePaymentNo(err, no)
	}

	s.log.WithFields(logrus.Fields{
		"op":         op,
		"payment_no": p.PaymentNo,
		"target":     p.Target.String(),
		"amount":     p.Amount.String(),
	}).Info("payment recorded")

	if p.Target.Kind == generic.KindCustomer {
		return s.refreshReceive(ctx, p)
	}
	return p, nil
}

// UpdatePayment edits a payment and applies the balance differential.
func (s *Service) UpdatePayment(ctx context.Context, id generic.ID, patch PaymentPatch) (p Payment, err error) {
	ctx, end := s.start(ctx, "UpdatePayment")
	defer func() { end(err) }()

	old, err := s.store.Payments().Get(ctx, id)
	if err != nil {
		return Payment{}, err
	}

	next := old
	if patch.Target != nil {
		next.Target = *patch.Target
	}
	if patch.Amount != nil {
		next.Amount = *patch.Amount
	}
	if patch.PaymentDate != nil {
		next.PaymentDate = generic.DateOnly(*patch.PaymentDate)
	}
	if patch.Description != nil {
		next.Description = strings.TrimSpace(*patch.Description)
	}
	in := PaymentInput{Target: next.Target, Amount: next.Amount, PaymentDate: next.PaymentDate, Description: next.Description}
	if err := checkPayment(next.Type, in); err != nil {
		return Payment{}, err
	}

	release, err := s.lock(ctx, old.Target.LockKey(), next.Target.LockKey())
	if err != nil {
		return Payment{}, err
	}
	defer release()

	// A closed account keeps the payments it already has editable; only a
	// new target must be open.
	if err := activeTarget(ctx, s.store, next.Target); err != nil &&
		!(errors.Is(err, generic.ErrAccountClosed) && next.Target == old.Target) {
		return Payment{}, err
	}
	if patch.PaymentNo != nil && strings.TrimSpace(*patch.PaymentNo) != old.PaymentNo {
		if next.PaymentNo, err = s.paymentNo(ctx, next.Type, strings.TrimSpace(*patch.PaymentNo), old.ID); err != nil {
			return Payment{}, err
		}
	}

	err = s.store.WithTx(ctx, func(tx Store) error {
		cur, err := tx.Payments().Get(ctx, id)
		if err != nil {
			return err
		}
		if cur.Revision != old.Revision {
			return generic.Errorf(generic.ErrConcurrentModification, "payment %s changed during update", id)
		}
		current, err := generic.NewLedger(tx).Effects(ctx, id.String())
		if err != nil {
			return err
		}
		next.Revision = cur.Revision + 1
		next.UpdatedAt = s.now()
		return s.settlePayment(ctx, tx, &next, &cur, current, cur.AccountMonth, generic.PostingPayment)
	})
	if err != nil {
		return Payment{}, duplicatePaymentNo(err, next.PaymentNo)
	}

	s.log.WithFields(logrus.Fields{
		"op":         "UpdatePayment",
		"payment_no": next.PaymentNo,
		"target":     next.Target.String(),
		"amount":     next.Amount.String(),
		"previous":   old.Amount.String(),
	}).Info("payment updated")

	// The old customer loses this payment, the new one gains it.
	if old.Target.Kind == generic.KindCustomer && old.Target != next.Target {
		if _, rerr := s.recalc.Recompute(ctx, old.Target.ID); rerr != nil && !generic.IsNotFound(rerr) {
			err = rerr
		}
	}
	if next.Target.Kind == generic.KindCustomer {
		refreshed, rerr := s.refreshReceive(ctx, next)
		return refreshed, errors.Join(err, rerr)
	}
	return next, err
}

// DeletePayment removes a payment and posts the inverse of its effect.
func (s *Service) DeletePayment(ctx context.Context, id generic.ID) (err error) {
	ctx, end := s.start(ctx, "DeletePayment")
	defer func() { end(err) }()

	old, err := s.store.Payments().Get(ctx, id)
	if err != nil {
		return err
	}

	release, err := s.lock(ctx, old.Target.LockKey())
	if err != nil {
		return err
	}
	defer release()

	err = s.store.WithTx(ctx, func(tx Store) error {
		cur, err := tx.Payments().Get(ctx, id)
		if err != nil {
			return err
		}
		if cur.Target != old.Target {
			return generic.Errorf(generic.ErrConcurrentModification, "payment %s changed during delete", id)
		}
		if err := tx.Payments().Delete(ctx, id); err != nil {
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
			Reason:      "payment " + cur.PaymentNo + " deleted",
		}
		_, err = s.delta.ApplyAll(ctx, tx, generic.Diff(current, nil), meta, cur.Revision+1)
		return err
	})
	if err != nil {
		return err
	}

	s.log.WithFields(logrus.Fields{
		"op":         "DeletePayment",
		"payment_no": old.PaymentNo,
		"target":     old.Target.String(),
	}).Info("payment deleted")

	if old.Target.Kind == generic.KindCustomer {
		if _, err := s.recalc.Recompute(ctx, old.Target.ID); err != nil && !generic.IsNotFound(err) {
			return err
		}
	}
	return nil
}

// GetPayment returns one payment.
func (s *Service) GetPayment(ctx context.Context, id generic.ID) (Payment, error) {
	return s.store.Payments().Get(ctx, id)
}

// PaymentFilter narrows ListPayments. Zero fields match everything.
type PaymentFilter struct {
	Type   PaymentType
	Target generic.Ref
	Period generic.MonthKey
}

func (f PaymentFilter) match(p Payment) bool {
	return (f.Type == "" || p.Type == f.Type) &&
		(f.Target.IsZero() || p.Target == f.Target) &&
		(f.Period == "" || p.AccountMonth == f.Period)
}

// ListPayments returns matching payments, newest first.
func (s *Service) ListPayments(ctx context.Context, f PaymentFilter) ([]Payment, error) {
	return Collect(s.store.Payments().Scan(ctx, f.match))
}

// PaymentHistory returns every payment against one account, newest first.
func (s *Service) PaymentHistory(ctx context.Context, ref generic.Ref) ([]Payment, error) {
	return s.ListPayments(ctx, PaymentFilter{Target: ref})
}

// =============================================================================
// HELPERS
// =============================================================================

// checkPayment validates input for a payment type before any store access.
func checkPayment(typ PaymentType, in PaymentInput) error {
	if err := validateInput(in); err != nil {
		return err
	}
	if !typ.Allows(in.Target.Kind) {
		return generic.Errorf(generic.ErrInvalidTarget, "%s payments cannot target a %s", typ, in.Target.Kind)
	}
	if (typ == PaymentBalanceAdd || typ == PaymentBalanceDeduct) && in.Description == "" {
		return generic.Errorf(generic.ErrMissingField, "Description is required")
	}
	if in.PaymentNo != "" {
		prefix, _, ok := ParsePaymentNo(in.PaymentNo)
		if !ok || prefix != typ.Prefix() {
			return generic.Errorf(generic.ErrInvalidValue, "payment number %q must look like %s-0001", in.PaymentNo, typ.Prefix())
		}
	}
	return nil
}

// paymentNo returns the explicit number if it is free (owner may already
// hold it) or allocates the next one for the type's prefix.
func (s *Service) paymentNo(ctx context.Context, typ PaymentType, explicit string, owner generic.ID) (string, error) {
	if explicit == "" {
		return allocatePaymentNo(ctx, s.seq, s.store.Payments(), typ.Prefix())
	}
	if prefix, _, ok := ParsePaymentNo(explicit); !ok || prefix != typ.Prefix() {
		return "", generic.Errorf(generic.ErrInvalidValue, "payment number %q must look like %s-0001", explicit, typ.Prefix())
	}
	existing, err := s.store.Payments().FindByKey(ctx, explicit)
	switch {
	case errors.Is(err, generic.ErrNotFound):
		return explicit, nil
	case err != nil:
		return "", err
	case existing.ID == owner:
		return explicit, nil
	default:
		return "", generic.Errorf(generic.ErrDuplicatePaymentNo, "payment number %s already exists", explicit)
	}
}

// settlePayment posts the difference between the payment's desired effect
// and current, records balanceAfter for tracked targets, and stores p. prev
// is the stored payment being edited, nil on create.
func (s *Service) settlePayment(ctx context.Context, tx Store, p *Payment, prev *Payment, current map[generic.EffectKey]decimal.Decimal, period generic.MonthKey, typ generic.PostingType) error {
	desired, err := s.desiredEffects(ctx, tx, *p, prev, current)
	if err != nil {
		return err
	}
	meta := generic.Posting{
		Type:        typ,
		ReferenceID: p.ID.String(),
		Period:      period,
		Reason:      string(p.Type) + " " + p.PaymentNo,
	}
	if _, err := s.delta.ApplyAll(ctx, tx, generic.Diff(current, desired), meta, p.Revision); err != nil {
		return err
	}
	if generic.Tracks(p.Target.Kind, generic.FieldBalance) {
		after, err := s.delta.Cached(ctx, tx, generic.EffectKey{Entity: p.Target, Field: generic.FieldBalance})
		if err != nil {
			return err
		}
		p.BalanceAfter = decimal.NewNullDecimal(after)
	}
	return tx.Payments().Put(ctx, *p)
}

// desiredEffects is what p should have contributed to each tracked field.
// current is the contribution already posted for p and prev the payment as
// stored before this edit (both nil for a new payment).
func (s *Service) desiredEffects(ctx context.Context, tx Store, p Payment, prev *Payment, current map[generic.EffectKey]decimal.Decimal) (map[generic.EffectKey]decimal.Decimal, error) {
	balance := generic.EffectKey{Entity: p.Target, Field: generic.FieldBalance}
	out := make(map[generic.EffectKey]decimal.Decimal)
	switch p.Type {
	case PaymentReceive:
		if p.Target.Kind == generic.KindCar {
			out[balance] = p.Amount
		}
	case PaymentOut:
		out[balance] = p.Amount.Neg()
		if p.Target.Kind == generic.KindCar {
			out[generic.EffectKey{Entity: p.Target, Field: generic.FieldCumulativePayments}] = p.Amount
		}
	case PaymentBalanceAdd:
		out[balance] = p.Amount
	case PaymentBalanceDeduct:
		if p.Target.Kind != generic.KindEmployee {
			out[balance] = p.Amount.Neg()
			break
		}
		cached, err := s.delta.Cached(ctx, tx, balance)
		if err != nil {
			return nil, err
		}
		if prev == nil || prev.Target != p.Target {
			out[balance] = flooredDeduct(decimal.Zero, p.Amount, cached)
			break
		}
		taken := current[balance].Neg()
		out[balance] = flooredDeduct(taken, p.Amount.Sub(prev.Amount), cached)
	}
	return out, nil
}

// flooredDeduct returns the balance effect of an employee deduction whose
// posted effect is -taken and whose amount changes by diff. An increase
// takes at most what the live balance still holds, so the employee never
// goes below zero and a negative balance is never raised. A decrease gives
// back at most what was taken. An unchanged amount keeps the posted effect.
func flooredDeduct(taken, diff, cached decimal.Decimal) decimal.Decimal {
	switch diff.Sign() {
	case 1:
		taken = taken.Add(decimal.Min(diff, generic.FloorZero(cached)))
	case -1:
		taken = generic.FloorZero(taken.Add(diff))
	}
	return taken.Neg()
}

// refreshReceive recomputes the customer of a receive payment and stamps
// the resulting balance on the payment. A failed recomputation returns the
// payment with an error matching generic.ErrInconsistent.
func (s *Service) refreshReceive(ctx context.Context, p Payment) (Payment, error) {
	balance, err := s.recalc.Recompute(ctx, p.Target.ID)
	if err != nil {
		return p, err
	}
	p.BalanceAfter = decimal.NewNullDecimal(balance)
	if serr := s.store.WithTx(ctx, func(tx Store) error {
		cur, err := tx.Payments().Get(ctx, p.ID)
		if err != nil {
			return err
		}
		cur.BalanceAfter = p.BalanceAfter
		return tx.Payments().Put(ctx, cur)
	}); serr != nil {
		s.log.WithFields(logrus.Fields{"payment_no": p.PaymentNo}).WithError(serr).Warn("could not stamp balance_after")
	}
	return p, nil
}

// duplicatePaymentNo turns a unique-key conflict on the payments table
// into the coded error.
func duplicatePaymentNo(err error, no string) error {
	if errors.Is(err, generic.ErrUniqueViolation) {
		return generic.Errorf(generic.ErrDuplicatePaymentNo, "payment number %s already exists", no)
	}
	return err
}
