package fleet

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/warp/fleet-ledger/generic"
)

// =============================================================================
// BALANCE RECALCULATION ENGINE
// =============================================================================

// Recalculator derives customer balances from scratch:
//
//	balance = max(0, Σ credit line totals on non-cancelled invoices − Σ receive amounts)
//
// It runs after the triggering write has committed. Transient failures are
// retried with backoff; a customer that still cannot be recomputed is kept in
// a pending set until a later Recompute or DrainPending succeeds.
type Recalculator struct {
	store   Store
	backoff generic.Backoff
	now     func() time.Time
	log     *logrus.Logger

	mu      sync.Mutex
	pending map[generic.ID]time.Time
}

// CustomerBalance computes a customer's balance from raw records without
// writing anything.
func CustomerBalance(ctx context.Context, st Store, customerID generic.ID) (decimal.Decimal, error) {
	credit := decimal.Zero
	for inv, err := range st.Invoices().Scan(ctx, Invoice.Active) {
		if err != nil {
			return decimal.Zero, err
		}
		credit = credit.Add(inv.CreditTotalFor(customerID))
	}

	target := generic.CustomerRef(customerID)
	paid := decimal.Zero
	for p, err := range st.Payments().Scan(ctx, func(p Payment) bool {
		return p.Type == PaymentReceive && p.Target == target
	}) {
		if err != nil {
			return decimal.Zero, err
		}
		paid = paid.Add(p.Amount)
	}

	return generic.FloorZero(credit.Sub(paid)), nil
}

// Recompute derives the balance and writes it to the customer record.
// Failures other than not-found leave the customer pending and return an
// error matching generic.ErrInconsistent.
func (r *Recalculator) Recompute(ctx context.Context, customerID generic.ID) (decimal.Decimal, error) {
	var balance decimal.Decimal
	err := generic.Retry(ctx, r.backoff, func(ctx context.Context) error {
		return r.store.WithTx(ctx, func(tx Store) error {
			c, err := tx.Customers().Get(ctx, customerID)
			if err != nil {
				return err
			}
			b, err := CustomerBalance(ctx, tx, customerID)
			if err != nil {
				return err
			}
			balance = b
			if c.Balance.Equal(b) {
				return nil
			}
			c.Balance = b
			c.UpdatedAt = r.now()
			return tx.Customers().Put(ctx, c)
		})
	})
	switch {
	case err == nil:
		r.clear(customerID)
		return balance, nil
	case generic.IsNotFound(err):
		r.clear(customerID)
		return decimal.Zero, err
	default:
		r.mark(customerID)
		r.log.WithFields(logrus.Fields{
			"module":   "fleet",
			"funcName": "Recompute",
			"customer": customerID.String(),
		}).WithError(err).Warn("customer balance recomputation pending")
		return decimal.Zero, generic.Wrap(generic.ErrBalancePending, err)
	}
}

// RecomputeAll recomputes each customer. Every failure is reported; one
// failure does not stop the rest.
func (r *Recalculator) RecomputeAll(ctx context.Context, customerIDs []generic.ID) (map[generic.ID]decimal.Decimal, error) {
	out := make(map[generic.ID]decimal.Decimal, len(customerIDs))
	var errs []error
	for _, id := range customerIDs {
		b, err := r.Recompute(ctx, id)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out[id] = b
	}
	return out, errors.Join(errs...)
}

// Pending returns customers whose balance is known to be stale, oldest first.
func (r *Recalculator) Pending() []generic.ID {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]generic.ID, 0, len(r.pending))
	for id := range r.pending {
		ids = append(ids, id)
	}
	slices.SortFunc(ids, func(a, b generic.ID) int {
		return r.pending[a].Compare(r.pending[b])
	})
	return ids
}

// DrainPending retries every pending customer once and returns how many
// were fixed.
func (r *Recalculator) DrainPending(ctx context.Context) (int, error) {
	fixed := 0
	var errs []error
	for _, id := range r.Pending() {
		if _, err := r.Recompute(ctx, id); err != nil {
			if !generic.IsNotFound(err) {
				errs = append(errs, err)
			}
			continue
		}
		fixed++
	}
	return fixed, errors.Join(errs...)
}

func (r *Recalculator) mark(id generic.ID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.pending[id]; !ok {
		r.pending[id] = r.now()
	}
}

func (r *Recalculator) clear(id generic.ID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pending, id)
}
