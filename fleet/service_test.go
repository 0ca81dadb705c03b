package fleet_test

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/fleet-ledger/fleet"
	"github.com/warp/fleet-ledger/generic"
	"github.com/warp/fleet-ledger/store/memory"
)

// =============================================================================
// TEST SETUP
// =============================================================================

// tickingClock advances one second per reading so creation order is stable.
type tickingClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *tickingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

var march = time.Date(2026, time.March, 15, 9, 0, 0, 0, time.UTC)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newService(t *testing.T, st fleet.Store, opts ...fleet.Option) *fleet.Service {
	t.Helper()
	clock := &tickingClock{t: march}
	base := []fleet.Option{
		fleet.WithClock(clock.Now),
		fleet.WithLogger(quietLogger()),
		fleet.WithBackoff(generic.Backoff{Attempts: 1}),
	}
	return fleet.New(st, append(base, opts...)...)
}

func newTestService(t *testing.T) (*fleet.Service, *memory.Store) {
	t.Helper()
	st := memory.New()
	return newService(t, st), st
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func assertAmount(t *testing.T, want string, got decimal.Decimal, msgAndArgs ...any) {
	t.Helper()
	assert.Truef(t, got.Equal(d(want)), "want %s, got %s %v", want, got, msgAndArgs)
}

func registerCar(t *testing.T, svc *fleet.Service, plate, balance, leftOwed string) fleet.Car {
	t.Helper()
	c, err := svc.RegisterCar(context.Background(), fleet.CarInput{
		Name:            "Bus " + plate,
		Plate:           plate,
		OpeningBalance:  d(balance),
		OpeningLeftOwed: d(leftOwed),
	})
	require.NoError(t, err)
	return c
}

func registerCustomer(t *testing.T, svc *fleet.Service, name string) fleet.Customer {
	t.Helper()
	c, err := svc.RegisterCustomer(context.Background(), fleet.CustomerInput{Name: name})
	require.NoError(t, err)
	return c
}

func registerEmployee(t *testing.T, svc *fleet.Service, name, opening string) fleet.Employee {
	t.Helper()
	e, err := svc.RegisterEmployee(context.Background(), fleet.EmployeeInput{Name: name, OpeningBalance: d(opening)})
	require.NoError(t, err)
	return e
}

func payment(target generic.Ref, amount string) fleet.PaymentInput {
	return fleet.PaymentInput{Target: target, Amount: d(amount), PaymentDate: march}
}

// creditInvoice creates an invoice with one credit line of total for
// customer. left is the unpaid part posted to the car.
func creditInvoice(t *testing.T, svc *fleet.Service, no string, car fleet.Car, customer fleet.Customer, total, left string) fleet.Invoice {
	t.Helper()
	inv, err := svc.CreateInvoice(context.Background(), fleet.InvoiceInput{
		InvoiceNo: no,
		CarID:     car.ID,
		Date:      march,
		Items: []fleet.ItemInput{{
			CustomerID:    customer.ID,
			Description:   "Cement",
			Quantity:      d("1"),
			Price:         d(total),
			LeftAmount:    d(left),
			PaymentMethod: fleet.MethodCredit,
		}},
	})
	require.NoError(t, err)
	return inv
}

func getCar(t *testing.T, svc *fleet.Service, id generic.ID) fleet.Car {
	t.Helper()
	c, err := svc.GetCar(context.Background(), id)
	require.NoError(t, err)
	return c
}

func getCustomer(t *testing.T, svc *fleet.Service, id generic.ID) fleet.Customer {
	t.Helper()
	c, err := svc.GetCustomer(context.Background(), id)
	require.NoError(t, err)
	return c
}

func getEmployee(t *testing.T, svc *fleet.Service, id generic.ID) fleet.Employee {
	t.Helper()
	e, err := svc.GetEmployee(context.Background(), id)
	require.NoError(t, err)
	return e
}

// =============================================================================
// REGISTRY
// =============================================================================

func TestRegisterCar_OpeningAmountsArePosted(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	c := registerCar(t, svc, "KBA 123", "350", "40")

	assertAmount(t, "350", c.Balance)
	assertAmount(t, "40", c.LeftOwed)
	assert.Equal(t, fleet.StatusActive, c.Status)
	assert.Equal(t, 2, st.PostingCount(), "one opening posting per non-zero field")

	drifts, err := svc.Deltas().Verify(ctx, st, c.Ref())
	require.NoError(t, err)
	assert.Empty(t, drifts)
}

func TestRegisterCar_DuplicateNormalizedPlate(t *testing.T) {
	svc, _ := newTestService(t)

	registerCar(t, svc, "KBA 123", "0", "0")
	_, err := svc.RegisterCar(context.Background(), fleet.CarInput{Name: "Other", Plate: "kba-123"})

	assert.ErrorIs(t, err, generic.ErrDuplicatePlate)
}

func TestRegisterCar_Validation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.RegisterCar(ctx, fleet.CarInput{Name: "  ", Plate: "KBA 1"})
	assert.ErrorIs(t, err, generic.ErrMissingField)

	_, err = svc.RegisterCar(ctx, fleet.CarInput{Name: "Bus", Plate: "KBA 1", OpeningLeftOwed: d("-5")})
	assert.ErrorIs(t, err, generic.ErrInvalidAmount)
}

func TestUpdateCar_PlateChange(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	a := registerCar(t, svc, "KBA 100", "0", "0")
	registerCar(t, svc, "KBA 200", "0", "0")

	taken := "kba200"
	_, err := svc.UpdateCar(ctx, a.ID, fleet.CarPatch{Plate: &taken})
	assert.ErrorIs(t, err, generic.ErrDuplicatePlate)

	free := "KBA 300"
	driver := " Amina "
	got, err := svc.UpdateCar(ctx, a.ID, fleet.CarPatch{Plate: &free, Driver: &driver})
	require.NoError(t, err)
	assert.Equal(t, "KBA 300", got.Plate)
	assert.Equal(t, "Amina", got.Driver)
}

func TestRemove_BlockedWhileReferenced(t *testing.T) {
	// GIVEN: A car with one payment
	// WHEN: Removing it before and after the payment is deleted
	// THEN: Removal is refused while the payment exists and succeeds after

	svc, _ := newTestService(t)
	ctx := context.Background()
	c := registerCar(t, svc, "KBA 123", "0", "0")

	p, err := svc.PaymentOut(ctx, payment(c.Ref(), "10"))
	require.NoError(t, err)

	err = svc.Remove(ctx, c.Ref())
	assert.ErrorIs(t, err, generic.ErrStillReferenced)

	require.NoError(t, svc.DeletePayment(ctx, p.ID))
	require.NoError(t, svc.Remove(ctx, c.Ref()))

	_, err = svc.GetCar(ctx, c.ID)
	assert.True(t, generic.IsNotFound(err))
}

func TestRemove_BlockedByOpeningBalance(t *testing.T) {
	svc, _ := newTestService(t)
	e := registerEmployee(t, svc, "Otieno", "25")

	err := svc.Remove(context.Background(), e.Ref())

	assert.ErrorIs(t, err, generic.ErrStillReferenced)
}

func TestCloseAccount(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	c := registerCar(t, svc, "KBA 123", "100", "0")

	require.NoError(t, svc.CloseAccount(ctx, c.Ref()))
	require.NoError(t, svc.CloseAccount(ctx, c.Ref()), "closing twice is a no-op")

	got := getCar(t, svc, c.ID)
	assert.Equal(t, fleet.StatusClosed, got.Status)
	assertAmount(t, "100", got.Balance, "closing an account zeroes nothing")

	_, err := svc.PaymentOut(ctx, payment(c.Ref(), "10"))
	assert.ErrorIs(t, err, generic.ErrAccountClosed)

	err = svc.SetStatus(ctx, c.Ref(), fleet.StatusInactive)
	assert.ErrorIs(t, err, generic.ErrInvalidValue, "cars cannot be Inactive")

	require.NoError(t, svc.SetStatus(ctx, c.Ref(), fleet.StatusActive))
	_, err = svc.PaymentOut(ctx, payment(c.Ref(), "10"))
	assert.NoError(t, err)
}

// =============================================================================
// DASHBOARD
// =============================================================================

func TestDashboard(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	car := registerCar(t, svc, "KBA 123", "500", "0")
	closed := registerCar(t, svc, "KBA 999", "0", "0")
	require.NoError(t, svc.CloseAccount(ctx, closed.Ref()))
	cust := registerCustomer(t, svc, "Mwangi")
	registerEmployee(t, svc, "Otieno", "0")
	creditInvoice(t, svc, "INV-1", car, cust, "300", "100")

	dash, err := svc.Dashboard(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, dash.TotalCars)
	assert.Equal(t, 1, dash.TotalCustomers)
	assert.Equal(t, 1, dash.TotalEmployees)
	assert.Equal(t, 1, dash.TotalInvoices)
	assertAmount(t, "300", dash.TotalRevenue)
	assertAmount(t, "100", dash.TotalOutstanding)
	assertAmount(t, "400", dash.TotalProfit, "500 balance - 100 left owed")
	assert.Equal(t, generic.MonthKey("2026-03"), dash.OpenPeriod)
	assert.Zero(t, dash.PendingCustomers)
}
