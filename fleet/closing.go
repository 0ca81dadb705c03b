package fleet

import (
	"context"
	"errors"
	"slices"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/warp/fleet-ledger/generic"
)

// =============================================================================
// MONTHLY CLOSING ENGINE
// =============================================================================
//
//   profit = Σ over cars (balance − left_owed − cumulative_payments)
//
// CloseMonth runs with the car set locked and in one transaction:
//   1. aggregate every car from its postings
//   2. post the negation of every non-zero field (closing postings)
//   3. store the MonthlyClosing record
//   4. advance the open period by compare-and-swap
//
// Reopen only flips the archived record's status; live balances stay zero.

// CloseMonth archives the open period and zeroes every car.
func (s *Service) CloseMonth(ctx context.Context) (mc MonthlyClosing, err error) {
	ctx, end := s.start(ctx, "CloseMonth")
	defer func() { end(err) }()

	releaseSet, err := s.lock(ctx, CarSetKey)
	if err != nil {
		return MonthlyClosing{}, err
	}
	defer releaseSet()

	cars, err := Collect(s.store.Cars().Scan(ctx, nil))
	if err != nil {
		return MonthlyClosing{}, err
	}
	keys := make([]string, 0, len(cars))
	for _, c := range cars {
		keys = append(keys, c.Ref().LockKey())
	}
	releaseCars, err := s.lock(ctx, keys...)
	if err != nil {
		return MonthlyClosing{}, err
	}
	defer releaseCars()

	err = s.store.WithTx(ctx, func(tx Store) error {
		period, err := s.openPeriod(ctx, tx)
		if err != nil {
			return err
		}
		if _, err := tx.Closings().FindByKey(ctx, string(period.Key)); err == nil {
			return generic.Errorf(generic.ErrPeriodClosed, "period %s is already closed", period.Key)
		} else if !generic.IsNotFound(err) {
			return err
		}

		now := s.now()
		mc = MonthlyClosing{
			ID:            generic.NewID(),
			Period:        period.Key,
			ClosedAt:      now,
			TotalBalance:  decimal.Zero,
			TotalLeftOwed: decimal.Zero,
			TotalPayments: decimal.Zero,
			Profit:        decimal.Zero,
			Status:        StatusClosed,
		}
		meta := generic.Posting{
			Type:        generic.PostingClosing,
			ReferenceID: mc.ID.String(),
			Period:      period.Key,
			Reason:      "monthly closing " + string(period.Key),
			CreatedAt:   now,
		}

		cars, err := Collect(tx.Cars().Scan(ctx, nil))
		if err != nil {
			return err
		}
		slices.SortFunc(cars, func(a, b Car) int { return a.CreatedAt.Compare(b.CreatedAt) })
		for _, c := range cars {
			if drifts, err := s.delta.Verify(ctx, tx, c.Ref()); err != nil {
				return err
			} else if len(drifts) > 0 {
				s.log.WithFields(logrus.Fields{
					"op":     "CloseMonth",
					"car":    c.ID.String(),
					"drifts": len(drifts),
				}).Warn("closing from posting log, cached car fields drifted")
			}
			logged, err := s.delta.Reset(ctx, tx, c.Ref(), meta)
			if err != nil {
				return err
			}
			line := ClosingLine{
				CarID:              c.ID,
				Name:               c.Name,
				Plate:              c.Plate,
				Balance:            logged[generic.FieldBalance],
				LeftOwed:           logged[generic.FieldLeftOwed],
				CumulativePayments: logged[generic.FieldCumulativePayments],
			}
			line.Profit = line.Balance.Sub(line.LeftOwed).Sub(line.CumulativePayments)
			mc.Cars = append(mc.Cars, line)
			mc.TotalBalance = mc.TotalBalance.Add(line.Balance)
			mc.TotalLeftOwed = mc.TotalLeftOwed.Add(line.LeftOwed)
			mc.TotalPayments = mc.TotalPayments.Add(line.CumulativePayments)
			mc.Profit = mc.Profit.Add(line.Profit)
		}
		mc.CarCount = len(cars)

		for _, err := range tx.Customers().Scan(ctx, func(c Customer) bool { return c.Status != StatusClosed }) {
			if err != nil {
				return err
			}
			mc.CustomerCount++
		}

		if err := tx.Closings().Put(ctx, mc); err != nil {
			return err
		}
		return tx.SwapPeriod(ctx, period.Version, period.Advance(now))
	})
	if err != nil {
		if errors.Is(err, generic.ErrUniqueViolation) {
			err = generic.Wrap(generic.ErrPeriodClosed, err)
		}
		return MonthlyClosing{}, err
	}

	s.log.WithFields(logrus.Fields{
		"op":       "CloseMonth",
		"period":   mc.Period,
		"cars":     mc.CarCount,
		"profit":   mc.Profit.String(),
		"balance":  mc.TotalBalance.String(),
		"leftOwed": mc.TotalLeftOwed.String(),
	}).Info("month closed")
	return mc, nil
}

// ReopenAccount marks an archived closing as Reopened. Balances are not
// restored. Reopening twice is a no-op.
func (s *Service) ReopenAccount(ctx context.Context, closingID generic.ID) (mc MonthlyClosing, err error) {
	ctx, end := s.start(ctx, "ReopenAccount")
	defer func() { end(err) }()

	err = s.store.WithTx(ctx, func(tx Store) error {
		mc, err = tx.Closings().Get(ctx, closingID)
		if err != nil {
			return err
		}
		if mc.Status == StatusReopened {
			return nil
		}
		at := s.now()
		mc.Status = StatusReopened
		mc.ReopenedAt = &at
		return tx.Closings().Put(ctx, mc)
	})
	if err != nil {
		return MonthlyClosing{}, err
	}
	s.log.WithFields(logrus.Fields{"op": "ReopenAccount", "period": mc.Period}).Info("closing reopened")
	return mc, nil
}

func (s *Service) GetClosing(ctx context.Context, id generic.ID) (MonthlyClosing, error) {
	return s.store.Closings().Get(ctx, id)
}

// ListClosings returns every closing, newest first.
func (s *Service) ListClosings(ctx context.Context) ([]MonthlyClosing, error) {
	return Collect(s.store.Closings().Scan(ctx, nil))
}

// =============================================================================
// ACCOUNT STATUS
// =============================================================================

// CloseAccount marks one car, customer or employee Closed. Nothing is
// zeroed or archived. Closing a closed account is a no-op.
func (s *Service) CloseAccount(ctx context.Context, ref generic.Ref) error {
	return s.SetStatus(ctx, ref, StatusClosed)
}

// SetStatus moves an account to status. Cars accept Active, Maintenance and
// Closed; customers and employees accept Active, Inactive and Closed.
func (s *Service) SetStatus(ctx context.Context, ref generic.Ref, status Status) (err error) {
	ctx, end := s.start(ctx, "SetStatus")
	defer func() { end(err) }()

	if !statusAllowed(ref.Kind, status) {
		return generic.Errorf(generic.ErrInvalidValue, "status %q is not valid for a %s", status, ref.Kind)
	}

	release, err := s.lock(ctx, ref.LockKey())
	if err != nil {
		return err
	}
	defer release()

	var changed bool
	err = s.store.WithTx(ctx, func(tx Store) error {
		switch ref.Kind {
		case generic.KindCar:
			c, err := tx.Cars().Get(ctx, ref.ID)
			if err != nil || c.Status == status {
				return err
			}
			c.Status, c.UpdatedAt, changed = status, s.now(), true
			return tx.Cars().Put(ctx, c)
		case generic.KindCustomer:
			c, err := tx.Customers().Get(ctx, ref.ID)
			if err != nil || c.Status == status {
				return err
			}
			c.Status, c.UpdatedAt, changed = status, s.now(), true
			return tx.Customers().Put(ctx, c)
		default:
			e, err := tx.Employees().Get(ctx, ref.ID)
			if err != nil || e.Status == status {
				return err
			}
			e.Status, e.UpdatedAt, changed = status, s.now(), true
			return tx.Employees().Put(ctx, e)
		}
	})
	if err == nil && changed {
		s.log.WithFields(logrus.Fields{"op": "SetStatus", "target": ref.String(), "status": status}).Info("account status changed")
	}
	return err
}

func statusAllowed(kind generic.EntityKind, status Status) bool {
	switch kind {
	case generic.KindCar:
		return status == StatusActive || status == StatusMaintenance || status == StatusClosed
	case generic.KindCustomer, generic.KindEmployee:
		return status == StatusActive || status == StatusInactive || status == StatusClosed
	default:
		return false
	}
}
