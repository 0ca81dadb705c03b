package fleet

import (
	"context"
	"slices"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/warp/fleet-ledger/generic"
)

// =============================================================================
// REGISTRY - Cars, customers and employees
// =============================================================================

// CarInput registers a car. Opening amounts are posted as opening postings.
type CarInput struct {
	Name            string `validate:"required"`
	Plate           string `validate:"required"`
	Driver          string
	Conductor       string
	OpeningBalance  decimal.Decimal
	OpeningLeftOwed decimal.Decimal `validate:"gte=0"`
}

type CustomerInput struct {
	Name  string `validate:"required"`
	Phone string
}

type EmployeeInput struct {
	Name           string `validate:"required"`
	Phone          string
	Category       string
	OpeningBalance decimal.Decimal
}

// CarPatch, CustomerPatch and EmployeePatch edit descriptive fields only.
// Balances move through payments, invoices and closings.
type CarPatch struct {
	Name      *string
	Plate     *string
	Driver    *string
	Conductor *string
}

type CustomerPatch struct {
	Name  *string
	Phone *string
}

type EmployeePatch struct {
	Name     *string
	Phone    *string
	Category *string
}

// RegisterCar adds a car. Plates are unique after normalization.
func (s *Service) RegisterCar(ctx context.Context, in CarInput) (c Car, err error) {
	ctx, end := s.start(ctx, "RegisterCar")
	defer func() { end(err) }()

	in.Name = strings.TrimSpace(in.Name)
	in.Plate = strings.TrimSpace(in.Plate)
	if err := validateInput(in); err != nil {
		return Car{}, err
	}

	release, err := s.lock(ctx, CarSetKey)
	if err != nil {
		return Car{}, err
	}
	defer release()

	if err := s.plateFree(ctx, s.store, in.Plate, generic.NilID); err != nil {
		return Car{}, err
	}

	now := s.now()
	c = Car{
		ID:        generic.NewID(),
		Name:      in.Name,
		Plate:     in.Plate,
		Driver:    strings.TrimSpace(in.Driver),
		Conductor: strings.TrimSpace(in.Conductor),
		Status:    StatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	opening := map[generic.EffectKey]decimal.Decimal{
		{Entity: c.Ref(), Field: generic.FieldBalance}:  in.OpeningBalance,
		{Entity: c.Ref(), Field: generic.FieldLeftOwed}: in.OpeningLeftOwed,
	}

	err = s.store.WithTx(ctx, func(tx Store) error {
		if err := tx.Cars().Put(ctx, c); err != nil {
			return err
		}
		return s.postOpening(ctx, tx, c.Ref(), opening)
	})
	if err != nil {
		return Car{}, duplicatePlate(err, in.Plate)
	}
	c, err = s.store.Cars().Get(ctx, c.ID)
	if err != nil {
		return Car{}, err
	}

	s.log.WithFields(logrus.Fields{"op": "RegisterCar", "car": c.ID.String(), "plate": c.Plate}).Info("car registered")
	return c, nil
}

func (s *Service) RegisterCustomer(ctx context.Context, in CustomerInput) (c Customer, err error) {
	ctx, end := s.start(ctx, "RegisterCustomer")
	defer func() { end(err) }()

	in.Name = strings.TrimSpace(in.Name)
	if err := validateInput(in); err != nil {
		return Customer{}, err
	}
	now := s.now()
	c = Customer{
		ID:        generic.NewID(),
		Name:      in.Name,
		Phone:     strings.TrimSpace(in.Phone),
		Balance:   decimal.Zero,
		Status:    StatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.WithTx(ctx, func(tx Store) error { return tx.Customers().Put(ctx, c) }); err != nil {
		return Customer{}, err
	}
	s.log.WithFields(logrus.Fields{"op": "RegisterCustomer", "customer": c.ID.String()}).Info("customer registered")
	return c, nil
}

func (s *Service) RegisterEmployee(ctx context.Context, in EmployeeInput) (e Employee, err error) {
	ctx, end := s.start(ctx, "RegisterEmployee")
	defer func() { end(err) }()

	in.Name = strings.TrimSpace(in.Name)
	if err := validateInput(in); err != nil {
		return Employee{}, err
	}
	now := s.now()
	e = Employee{
		ID:        generic.NewID(),
		Name:      in.Name,
		Phone:     strings.TrimSpace(in.Phone),
		Category:  strings.TrimSpace(in.Category),
		Status:    StatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	opening := map[generic.EffectKey]decimal.Decimal{
		{Entity: e.Ref(), Field: generic.FieldBalance}: in.OpeningBalance,
	}
	err = s.store.WithTx(ctx, func(tx Store) error {
		if err := tx.Employees().Put(ctx, e); err != nil {
			return err
		}
		return s.postOpening(ctx, tx, e.Ref(), opening)
	})
	if err != nil {
		return Employee{}, err
	}
	e.Balance = in.OpeningBalance
	s.log.WithFields(logrus.Fields{"op": "RegisterEmployee", "employee": e.ID.String()}).Info("employee registered")
	return e, nil
}

// UpdateCar edits a car's descriptive fields.
func (s *Service) UpdateCar(ctx context.Context, id generic.ID, patch CarPatch) (c Car, err error) {
	ctx, end := s.start(ctx, "UpdateCar")
	defer func() { end(err) }()

	keys := []string{generic.CarRef(id).LockKey()}
	if patch.Plate != nil {
		keys = append(keys, CarSetKey)
	}
	release, err := s.lock(ctx, keys...)
	if err != nil {
		return Car{}, err
	}
	defer release()

	err = s.store.WithTx(ctx, func(tx Store) error {
		c, err = tx.Cars().Get(ctx, id)
		if err != nil {
			return err
		}
		setTrimmed(&c.Name, patch.Name)
		setTrimmed(&c.Driver, patch.Driver)
		setTrimmed(&c.Conductor, patch.Conductor)
		if patch.Plate != nil {
			plate := strings.TrimSpace(*patch.Plate)
			if plate == "" {
				return generic.Errorf(generic.ErrMissingField, "Plate is required")
			}
			if err := s.plateFree(ctx, tx, plate, id); err != nil {
				return err
			}
			c.Plate = plate
		}
		if c.Name == "" {
			return generic.Errorf(generic.ErrMissingField, "Name is required")
		}
		c.UpdatedAt = s.now()
		return tx.Cars().Put(ctx, c)
	})
	if err != nil {
		return Car{}, duplicatePlate(err, c.Plate)
	}
	return c, nil
}

func (s *Service) UpdateCustomer(ctx context.Context, id generic.ID, patch CustomerPatch) (c Customer, err error) {
	ctx, end := s.start(ctx, "UpdateCustomer")
	defer func() { end(err) }()

	release, err := s.lock(ctx, generic.CustomerRef(id).LockKey())
	if err != nil {
		return Customer{}, err
	}
	defer release()

	err = s.store.WithTx(ctx, func(tx Store) error {
		c, err = tx.Customers().Get(ctx, id)
		if err != nil {
			return err
		}
		setTrimmed(&c.Name, patch.Name)
		setTrimmed(&c.Phone, patch.Phone)
		if c.Name == "" {
			return generic.Errorf(generic.ErrMissingField, "Name is required")
		}
		c.UpdatedAt = s.now()
		return tx.Customers().Put(ctx, c)
	})
	if err != nil {
		return Customer{}, err
	}
	return c, nil
}

func (s *Service) UpdateEmployee(ctx context.Context, id generic.ID, patch EmployeePatch) (e Employee, err error) {
	ctx, end := s.start(ctx, "UpdateEmployee")
	defer func() { end(err) }()

	release, err := s.lock(ctx, generic.EmployeeRef(id).LockKey())
	if err != nil {
		return Employee{}, err
	}
	defer release()

	err = s.store.WithTx(ctx, func(tx Store) error {
		e, err = tx.Employees().Get(ctx, id)
		if err != nil {
			return err
		}
		setTrimmed(&e.Name, patch.Name)
		setTrimmed(&e.Phone, patch.Phone)
		setTrimmed(&e.Category, patch.Category)
		if e.Name == "" {
			return generic.Errorf(generic.ErrMissingField, "Name is required")
		}
		e.UpdatedAt = s.now()
		return tx.Employees().Put(ctx, e)
	})
	if err != nil {
		return Employee{}, err
	}
	return e, nil
}

// Remove deletes an account that nothing refers to and whose tracked
// balances are zero. Anything else must be closed instead.
func (s *Service) Remove(ctx context.Context, ref generic.Ref) (err error) {
	ctx, end := s.start(ctx, "Remove")
	defer func() { end(err) }()

	keys := []string{ref.LockKey()}
	if ref.Kind == generic.KindCar {
		keys = append(keys, CarSetKey)
	}
	release, err := s.lock(ctx, keys...)
	if err != nil {
		return err
	}
	defer release()

	err = s.store.WithTx(ctx, func(tx Store) error {
		if err := s.unreferenced(ctx, tx, ref); err != nil {
			return err
		}
		switch ref.Kind {
		case generic.KindCar:
			return tx.Cars().Delete(ctx, ref.ID)
		case generic.KindCustomer:
			return tx.Customers().Delete(ctx, ref.ID)
		case generic.KindEmployee:
			return tx.Employees().Delete(ctx, ref.ID)
		default:
			return generic.Errorf(generic.ErrInvalidTarget, "unknown target kind %q", ref.Kind)
		}
	})
	if err == nil {
		s.log.WithFields(logrus.Fields{"op": "Remove", "target": ref.String()}).Info("account removed")
	}
	return err
}

func (s *Service) GetCar(ctx context.Context, id generic.ID) (Car, error) {
	return s.store.Cars().Get(ctx, id)
}

func (s *Service) GetCustomer(ctx context.Context, id generic.ID) (Customer, error) {
	return s.store.Customers().Get(ctx, id)
}

func (s *Service) GetEmployee(ctx context.Context, id generic.ID) (Employee, error) {
	return s.store.Employees().Get(ctx, id)
}

// ListCars returns cars with the given status (all when empty), newest first.
func (s *Service) ListCars(ctx context.Context, status Status) ([]Car, error) {
	return Collect(s.store.Cars().Scan(ctx, func(c Car) bool { return status == "" || c.Status == status }))
}

func (s *Service) ListCustomers(ctx context.Context, status Status) ([]Customer, error) {
	return Collect(s.store.Customers().Scan(ctx, func(c Customer) bool { return status == "" || c.Status == status }))
}

func (s *Service) ListEmployees(ctx context.Context, status Status) ([]Employee, error) {
	return Collect(s.store.Employees().Scan(ctx, func(e Employee) bool { return status == "" || e.Status == status }))
}

// =============================================================================
// HELPERS
// =============================================================================

// postOpening posts non-zero opening amounts for a freshly stored record.
func (s *Service) postOpening(ctx context.Context, tx Store, ref generic.Ref, amounts map[generic.EffectKey]decimal.Decimal) error {
	period, err := s.openPeriod(ctx, tx)
	if err != nil {
		return err
	}
	meta := generic.Posting{
		Type:        generic.PostingOpening,
		ReferenceID: "opening:" + ref.String(),
		Period:      period.Key,
		Reason:      "opening balance",
	}
	_, err = s.delta.ApplyAll(ctx, tx, generic.Diff(nil, amounts), meta, 0)
	return err
}

func (s *Service) plateFree(ctx context.Context, st Store, plate string, owner generic.ID) error {
	existing, err := st.Cars().FindByKey(ctx, NormalizePlate(plate))
	switch {
	case generic.IsNotFound(err):
		return nil
	case err != nil:
		return err
	case existing.ID == owner:
		return nil
	default:
		return generic.Errorf(generic.ErrDuplicatePlate, "plate %s is already registered", plate)
	}
}

// unreferenced fails with ErrStillReferenced while any invoice or payment
// points at ref or a tracked balance is non-zero.
func (s *Service) unreferenced(ctx context.Context, tx Store, ref generic.Ref) error {
	for _, err := range tx.Payments().Scan(ctx, func(p Payment) bool { return p.Target == ref }) {
		if err != nil {
			return err
		}
		return generic.Errorf(generic.ErrStillReferenced, "%s %s has payments", ref.Kind, ref.ID)
	}
	for _, err := range tx.Invoices().Scan(ctx, func(inv Invoice) bool {
		if ref.Kind == generic.KindCar {
			return inv.CarID == ref.ID
		}
		return ref.Kind == generic.KindCustomer && slices.Contains(inv.Customers(), ref.ID)
	}) {
		if err != nil {
			return err
		}
		return generic.Errorf(generic.ErrStillReferenced, "%s %s has invoices", ref.Kind, ref.ID)
	}
	if len(generic.FieldsFor(ref.Kind)) == 0 {
		return nil
	}
	logged, err := s.delta.Logged(ctx, tx, ref)
	if err != nil {
		return err
	}
	for f, v := range logged {
		if !v.IsZero() {
			return generic.Errorf(generic.ErrStillReferenced, "%s %s has a non-zero %s", ref.Kind, ref.ID, f)
		}
	}
	return nil
}

func setTrimmed(dst *string, v *string) {
	if v != nil {
		*dst = strings.TrimSpace(*v)
	}
}

func duplicatePlate(err error, plate string) error {
	if generic.CodeOf(err) == generic.ErrUniqueViolation.Code {
		return generic.Errorf(generic.ErrDuplicatePlate, "plate %s is already registered", plate)
	}
	return err
}
