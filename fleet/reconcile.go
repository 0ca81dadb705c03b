package fleet

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"
	"github.com/warp/fleet-ledger/generic"
)

// ReconcileReport summarizes one reconciliation pass.
type ReconcileReport struct {
	Drifts     []Drift      `json:"drifts"`
	Customers  int          `json:"customers_recomputed"`
	Drained    int          `json:"pending_drained"`
	Pending    []generic.ID `json:"pending"`
	Incomplete bool         `json:"incomplete"`
}

// Reconcile rebuilds every car and employee cache from the posting log,
// recomputes every customer and retries pending recomputations. A failure
// on one account does not stop the pass.
func (s *Service) Reconcile(ctx context.Context) (rep ReconcileReport, err error) {
	ctx, end := s.start(ctx, "Reconcile")
	defer func() { end(err) }()

	var errs []error
	var refs []generic.Ref
	for c, err := range s.store.Cars().Scan(ctx, nil) {
		if err != nil {
			return rep, err
		}
		refs = append(refs, c.Ref())
	}
	for e, err := range s.store.Employees().Scan(ctx, nil) {
		if err != nil {
			return rep, err
		}
		refs = append(refs, e.Ref())
	}
	for _, ref := range refs {
		drifts, err := s.rebuild(ctx, ref)
		if err != nil && !generic.IsNotFound(err) {
			errs = append(errs, err)
			continue
		}
		rep.Drifts = append(rep.Drifts, drifts...)
	}

	var ids []generic.ID
	for c, err := range s.store.Customers().Scan(ctx, nil) {
		if err != nil {
			return rep, err
		}
		ids = append(ids, c.ID)
	}
	done, err := s.recalc.RecomputeAll(ctx, ids)
	rep.Customers = len(done)
	if err != nil {
		errs = append(errs, err)
	}

	drained, err := s.recalc.DrainPending(ctx)
	rep.Drained = drained
	if err != nil {
		errs = append(errs, err)
	}
	rep.Pending = s.recalc.Pending()
	rep.Incomplete = len(errs) > 0

	s.log.WithFields(logrus.Fields{
		"op":        "Reconcile",
		"drifts":    len(rep.Drifts),
		"customers": rep.Customers,
		"pending":   len(rep.Pending),
	}).Info("reconciliation finished")
	return rep, errors.Join(errs...)
}

// rebuild repairs one account's cache under its lock.
func (s *Service) rebuild(ctx context.Context, ref generic.Ref) ([]Drift, error) {
	release, err := s.lock(ctx, ref.LockKey())
	if err != nil {
		return nil, err
	}
	defer release()

	var drifts []Drift
	err = generic.Retry(ctx, s.recalc.backoff, func(ctx context.Context) error {
		return s.store.WithTx(ctx, func(tx Store) error {
			var err error
			drifts, err = s.delta.Rebuild(ctx, tx, ref)
			return err
		})
	})
	return drifts, err
}
