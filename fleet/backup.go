package fleet

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/warp/fleet-ledger/generic"
)

// SnapshotVersion is the current backup format.
const SnapshotVersion = 1

// Snapshot is a full backup of every record and of the car and employee
// posting log. Snapshots without postings are imported with one opening
// posting per cached field instead.
type Snapshot struct {
	Version    int                 `json:"version"`
	ExportedAt time.Time           `json:"exported_at"`
	Period     *generic.OpenPeriod `json:"period,omitempty"`
	Cars       []Car               `json:"cars"`
	Customers  []Customer          `json:"customers"`
	Employees  []Employee          `json:"employees"`
	Invoices   []Invoice           `json:"invoices"`
	Payments   []Payment           `json:"payments"`
	Closings   []MonthlyClosing    `json:"closings"`
	Postings   []generic.Posting   `json:"postings,omitempty"`
}

// ImportResult counts imported records.
type ImportResult struct {
	Cars      int `json:"cars"`
	Customers int `json:"customers"`
	Employees int `json:"employees"`
	Invoices  int `json:"invoices"`
	Payments  int `json:"payments"`
	Closings  int `json:"closings"`
	Postings  int `json:"postings"`
}

// Export reads every table into a snapshot.
func (s *Service) Export(ctx context.Context) (snap Snapshot, err error) {
	ctx, end := s.start(ctx, "Export")
	defer func() { end(err) }()

	snap = Snapshot{Version: SnapshotVersion, ExportedAt: s.now().UTC()}
	err = s.store.WithTx(ctx, func(tx Store) error {
		var err error
		if p, found, err := tx.Period(ctx); err != nil {
			return err
		} else if found {
			snap.Period = &p
		}
		if snap.Cars, err = Collect(tx.Cars().Scan(ctx, nil)); err != nil {
			return err
		}
		for _, c := range snap.Cars {
			ps, err := tx.Postings(ctx, c.Ref())
			if err != nil {
				return err
			}
			snap.Postings = append(snap.Postings, ps...)
		}
		if snap.Customers, err = Collect(tx.Customers().Scan(ctx, nil)); err != nil {
			return err
		}
		if snap.Employees, err = Collect(tx.Employees().Scan(ctx, nil)); err != nil {
			return err
		}
		for _, e := range snap.Employees {
			ps, err := tx.Postings(ctx, e.Ref())
			if err != nil {
				return err
			}
			snap.Postings = append(snap.Postings, ps...)
		}
		if snap.Invoices, err = Collect(tx.Invoices().Scan(ctx, nil)); err != nil {
			return err
		}
		if snap.Payments, err = Collect(tx.Payments().Scan(ctx, nil)); err != nil {
			return err
		}
		snap.Closings, err = Collect(tx.Closings().Scan(ctx, nil))
		return err
	})
	if err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

// Import loads a snapshot into an empty store. The posting log is replayed
// (or rebuilt from opening postings for snapshots without one), sequences
// are moved past imported payment numbers and every customer is recomputed
// afterwards.
func (s *Service) Import(ctx context.Context, snap Snapshot) (res ImportResult, err error) {
	ctx, end := s.start(ctx, "Import")
	defer func() { end(err) }()

	if snap.Version != SnapshotVersion {
		return res, generic.Errorf(generic.ErrInvalidValue, "unsupported snapshot version %d", snap.Version)
	}

	release, err := s.lock(ctx, CarSetKey)
	if err != nil {
		return res, err
	}
	defer release()

	err = s.store.WithTx(ctx, func(tx Store) error {
		if err := requireEmpty(ctx, tx); err != nil {
			return err
		}
		if snap.Period != nil {
			if err := tx.SwapPeriod(ctx, 0, *snap.Period); err != nil {
				return err
			}
		}
		if err := s.importLedger(ctx, tx, snap); err != nil {
			return err
		}
		for _, c := range snap.Customers {
			if err := tx.Customers().Put(ctx, c); err != nil {
				return err
			}
		}
		for _, inv := range snap.Invoices {
			if err := tx.Invoices().Put(ctx, inv); err != nil {
				return err
			}
		}
		for _, p := range snap.Payments {
			if err := tx.Payments().Put(ctx, p); err != nil {
				return err
			}
		}
		for _, mc := range snap.Closings {
			if err := tx.Closings().Put(ctx, mc); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return ImportResult{}, err
	}

	res = ImportResult{
		Cars:      len(snap.Cars),
		Customers: len(snap.Customers),
		Employees: len(snap.Employees),
		Invoices:  len(snap.Invoices),
		Payments:  len(snap.Payments),
		Closings:  len(snap.Closings),
		Postings:  len(snap.Postings),
	}
	s.log.WithFields(logrus.Fields{
		"op":       "Import",
		"cars":     res.Cars,
		"invoices": res.Invoices,
		"payments": res.Payments,
	}).Info("snapshot imported")

	var errs []error
	if err := s.seedSequences(ctx); err != nil {
		errs = append(errs, err)
	}
	ids := make([]generic.ID, 0, len(snap.Customers))
	for _, c := range snap.Customers {
		ids = append(ids, c.ID)
	}
	if _, err := s.recalc.RecomputeAll(ctx, ids); err != nil {
		errs = append(errs, err)
	}
	return res, errors.Join(errs...)
}

// importLedger stores cars and employees together with their posting log.
// With postings the log is replayed verbatim, so later edits of imported
// payments and invoices see their original effects, and any cached field
// that disagrees with it is rebuilt. Without postings each cached field
// becomes an opening posting.
func (s *Service) importLedger(ctx context.Context, tx Store, snap Snapshot) error {
	if len(snap.Postings) == 0 {
		return s.importOpenings(ctx, tx, snap)
	}
	var refs []generic.Ref
	for _, c := range snap.Cars {
		if err := tx.Cars().Put(ctx, c); err != nil {
			return err
		}
		refs = append(refs, c.Ref())
	}
	for _, e := range snap.Employees {
		if err := tx.Employees().Put(ctx, e); err != nil {
			return err
		}
		refs = append(refs, e.Ref())
	}
	if err := generic.NewLedger(tx).AppendBatch(ctx, snap.Postings); err != nil {
		return err
	}
	for _, ref := range refs {
		if _, err := s.delta.Rebuild(ctx, tx, ref); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) importOpenings(ctx context.Context, tx Store, snap Snapshot) error {
	for _, c := range snap.Cars {
		opening := map[generic.EffectKey]decimal.Decimal{}
		for _, f := range generic.FieldsFor(generic.KindCar) {
			opening[generic.EffectKey{Entity: c.Ref(), Field: f}] = c.Field(f)
		}
		c.Balance, c.LeftOwed, c.CumulativePayments = decimal.Zero, decimal.Zero, decimal.Zero
		if err := tx.Cars().Put(ctx, c); err != nil {
			return err
		}
		if err := s.postOpening(ctx, tx, c.Ref(), opening); err != nil {
			return err
		}
	}
	for _, e := range snap.Employees {
		opening := map[generic.EffectKey]decimal.Decimal{
			{Entity: e.Ref(), Field: generic.FieldBalance}: e.Balance,
		}
		e.Balance = decimal.Zero
		if err := tx.Employees().Put(ctx, e); err != nil {
			return err
		}
		if err := s.postOpening(ctx, tx, e.Ref(), opening); err != nil {
			return err
		}
	}
	return nil
}

// seedSequences moves the sequencer past every payment number in the store.
func (s *Service) seedSequences(ctx context.Context) error {
	seeder, ok := s.seq.(Seeder)
	if !ok {
		return nil
	}
	for _, prefix := range []string{PaymentReceive.Prefix(), PaymentBalanceAdd.Prefix()} {
		highest, err := MaxPaymentNo(ctx, s.store.Payments(), prefix)
		if err != nil {
			return err
		}
		if err := seeder.Seed(ctx, prefix, highest); err != nil {
			return err
		}
	}
	return nil
}

func requireEmpty(ctx context.Context, tx Store) error {
	notEmpty := generic.Errorf(generic.ErrStoreNotEmpty, "import needs an empty store")
	for _, err := range tx.Cars().Scan(ctx, nil) {
		if err != nil {
			return err
		}
		return notEmpty
	}
	for _, err := range tx.Customers().Scan(ctx, nil) {
		if err != nil {
			return err
		}
		return notEmpty
	}
	for _, err := range tx.Employees().Scan(ctx, nil) {
		if err != nil {
			return err
		}
		return notEmpty
	}
	for _, err := range tx.Payments().Scan(ctx, nil) {
		if err != nil {
			return err
		}
		return notEmpty
	}
	for _, err := range tx.Invoices().Scan(ctx, nil) {
		if err != nil {
			return err
		}
		return notEmpty
	}
	return nil
}
