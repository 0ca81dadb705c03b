package fleet_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/fleet-ledger/fleet"
	"github.com/warp/fleet-ledger/generic"
)

// =============================================================================
// CAR AND EMPLOYEE PAYMENTS (delta updates)
// =============================================================================

func TestPaymentOut_Car(t *testing.T) {
	// GIVEN: A car with balance 350
	// WHEN: 150 is paid out against it
	// THEN: Balance is 200, cumulative payments 150, and balanceAfter records 200

	svc, st := newTestService(t)
	ctx := context.Background()
	c := registerCar(t, svc, "KBA 123", "350", "0")

	p, err := svc.PaymentOut(ctx, fleet.PaymentInput{
		Target:      c.Ref(),
		Amount:      d("150"),
		PaymentDate: time.Date(2026, time.March, 10, 17, 45, 0, 0, time.UTC),
		Description: " Fuel ",
	})
	require.NoError(t, err)

	assert.Equal(t, "PYN-0001", p.PaymentNo)
	assert.Equal(t, fleet.PaymentOut, p.Type)
	assert.Equal(t, "Fuel", p.Description)
	assert.Equal(t, generic.MonthKey("2026-03"), p.AccountMonth)
	assert.True(t, p.PaymentDate.Equal(time.Date(2026, time.March, 10, 0, 0, 0, 0, time.UTC)), "date is truncated to the day")
	require.True(t, p.BalanceAfter.Valid)
	assertAmount(t, "200", p.BalanceAfter.Decimal)

	got := getCar(t, svc, c.ID)
	assertAmount(t, "200", got.Balance)
	assertAmount(t, "150", got.CumulativePayments)

	drifts, err := svc.Deltas().Verify(ctx, st, c.Ref())
	require.NoError(t, err)
	assert.Empty(t, drifts)
}

func TestUpdatePayment_AppliesOnlyTheDifference(t *testing.T) {
	// GIVEN: A car at 0 with a 150 payment out (balance -150)
	// WHEN: The payment is edited to 200
	// THEN: Balance is -200, not -350

	svc, _ := newTestService(t)
	ctx := context.Background()
	c := registerCar(t, svc, "KBA 123", "0", "0")

	p, err := svc.PaymentOut(ctx, payment(c.Ref(), "150"))
	require.NoError(t, err)
	assertAmount(t, "-150", getCar(t, svc, c.ID).Balance)

	amount := d("200")
	edited, err := svc.UpdatePayment(ctx, p.ID, fleet.PaymentPatch{Amount: &amount})
	require.NoError(t, err)

	assert.Equal(t, 2, edited.Revision)
	assert.Equal(t, p.PaymentNo, edited.PaymentNo)
	assertAmount(t, "-200", edited.BalanceAfter.Decimal)
	got := getCar(t, svc, c.ID)
	assertAmount(t, "-200", got.Balance)
	assertAmount(t, "200", got.CumulativePayments)
}

func TestUpdatePayment_MoveBetweenCars(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()
	a := registerCar(t, svc, "KBA 100", "100", "0")
	b := registerCar(t, svc, "KBA 200", "100", "0")

	p, err := svc.PaymentOut(ctx, payment(a.Ref(), "30"))
	require.NoError(t, err)

	target := b.Ref()
	_, err = svc.UpdatePayment(ctx, p.ID, fleet.PaymentPatch{Target: &target})
	require.NoError(t, err)

	assertAmount(t, "100", getCar(t, svc, a.ID).Balance)
	assertAmount(t, "0", getCar(t, svc, a.ID).CumulativePayments)
	assertAmount(t, "70", getCar(t, svc, b.ID).Balance)
	assertAmount(t, "30", getCar(t, svc, b.ID).CumulativePayments)

	for _, ref := range []generic.Ref{a.Ref(), b.Ref()} {
		drifts, err := svc.Deltas().Verify(ctx, st, ref)
		require.NoError(t, err)
		assert.Empty(t, drifts)
	}
}

func TestDeletePayment_InvertsEffect(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	c := registerCar(t, svc, "KBA 123", "350", "0")

	p, err := svc.PaymentOut(ctx, payment(c.Ref(), "150"))
	require.NoError(t, err)
	amount := d("175")
	_, err = svc.UpdatePayment(ctx, p.ID, fleet.PaymentPatch{Amount: &amount})
	require.NoError(t, err)

	require.NoError(t, svc.DeletePayment(ctx, p.ID))

	got := getCar(t, svc, c.ID)
	assertAmount(t, "350", got.Balance)
	assertAmount(t, "0", got.CumulativePayments)

	_, err = svc.GetPayment(ctx, p.ID)
	assert.True(t, generic.IsNotFound(err))
	assert.True(t, generic.IsNotFound(svc.DeletePayment(ctx, p.ID)))
}

func TestReceivePayment_Car(t *testing.T) {
	svc, _ := newTestService(t)
	c := registerCar(t, svc, "KBA 123", "50", "0")

	p, err := svc.ReceivePayment(context.Background(), payment(c.Ref(), "25"))
	require.NoError(t, err)

	assertAmount(t, "75", p.BalanceAfter.Decimal)
	got := getCar(t, svc, c.ID)
	assertAmount(t, "75", got.Balance)
	assertAmount(t, "0", got.CumulativePayments, "receipts are not payouts")
}

func TestDeductBalance_EmployeeFloorsAtZero(t *testing.T) {
	// GIVEN: An employee with balance 100
	// WHEN: 200 is deducted
	// THEN: Balance is 0, not -100, and the payment keeps the requested amount

	svc, st := newTestService(t)
	ctx := context.Background()
	e := registerEmployee(t, svc, "Otieno", "100")

	res, err := svc.DeductBalance(ctx, fleet.PaymentInput{
		Target:      e.Ref(),
		Amount:      d("200"),
		PaymentDate: march,
		Description: "Advance recovery",
	})
	require.NoError(t, err)

	assert.Equal(t, "BAL-0001", res.Payment.PaymentNo)
	assertAmount(t, "200", res.Payment.Amount)
	assertAmount(t, "0", res.NewBalance)
	assertAmount(t, "0", getEmployee(t, svc, e.ID).Balance)

	drifts, err := svc.Deltas().Verify(ctx, st, e.Ref())
	require.NoError(t, err)
	assert.Empty(t, drifts)

	// Lowering the deduction by 140 gives back at most the 100 it took.
	amount := d("60")
	_, err = svc.UpdatePayment(ctx, res.Payment.ID, fleet.PaymentPatch{Amount: &amount})
	require.NoError(t, err)
	assertAmount(t, "100", getEmployee(t, svc, e.ID).Balance)

	added, err := svc.AddBalance(ctx, fleet.PaymentInput{Target: e.Ref(), Amount: d("50"), PaymentDate: march, Description: "Top up"})
	require.NoError(t, err)
	assert.Equal(t, "BAL-0002", added.Payment.PaymentNo)
	assertAmount(t, "150", added.NewBalance)
}

func TestDeductBalance_NeverRaisesNegativeEmployee(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	e := registerEmployee(t, svc, "Otieno", "20")

	_, err := svc.PaymentOut(ctx, payment(e.Ref(), "50"))
	require.NoError(t, err)
	assertAmount(t, "-30", getEmployee(t, svc, e.ID).Balance)

	res, err := svc.DeductBalance(ctx, fleet.PaymentInput{Target: e.Ref(), Amount: d("10"), PaymentDate: march, Description: "Fine"})
	require.NoError(t, err)
	assertAmount(t, "-30", res.NewBalance)
}

func TestDeductBalance_CarMayGoNegative(t *testing.T) {
	svc, _ := newTestService(t)
	c := registerCar(t, svc, "KBA 123", "0", "0")

	res, err := svc.DeductBalance(context.Background(), fleet.PaymentInput{
		Target:      c.Ref(),
		Amount:      d("30"),
		PaymentDate: march,
		Description: "Fine",
	})
	require.NoError(t, err)

	assertAmount(t, "-30", res.NewBalance)
	assertAmount(t, "-30", getCar(t, svc, c.ID).Balance)
}

// =============================================================================
// CUSTOMER PAYMENTS (recomputation)
// =============================================================================

func TestReceivePayment_CustomerIsRecomputed(t *testing.T) {
	// GIVEN: A customer owing 300 on a credit invoice
	// WHEN: 120 is received, then 500 more
	// THEN: Balance goes to 180, then floors at 0

	svc, _ := newTestService(t)
	ctx := context.Background()
	car := registerCar(t, svc, "KBA 123", "0", "0")
	cust := registerCustomer(t, svc, "Mwangi Traders")
	creditInvoice(t, svc, "INV-1", car, cust, "300", "0")
	assertAmount(t, "300", getCustomer(t, svc, cust.ID).Balance)

	p, err := svc.ReceivePayment(ctx, payment(cust.Ref(), "120"))
	require.NoError(t, err)
	assertAmount(t, "180", p.BalanceAfter.Decimal)
	assertAmount(t, "180", getCustomer(t, svc, cust.ID).Balance)

	_, err = svc.ReceivePayment(ctx, payment(cust.Ref(), "500"))
	require.NoError(t, err)
	assertAmount(t, "0", getCustomer(t, svc, cust.ID).Balance)

	stored, err := svc.GetPayment(ctx, p.ID)
	require.NoError(t, err)
	assertAmount(t, "180", stored.BalanceAfter.Decimal, "balanceAfter is stamped on the stored payment")
}

func TestUpdatePayment_MoveBetweenCustomers(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	car := registerCar(t, svc, "KBA 123", "0", "0")
	a := registerCustomer(t, svc, "Alpha")
	b := registerCustomer(t, svc, "Beta")
	creditInvoice(t, svc, "INV-A", car, a, "300", "0")
	creditInvoice(t, svc, "INV-B", car, b, "300", "0")

	p, err := svc.ReceivePayment(ctx, payment(a.Ref(), "100"))
	require.NoError(t, err)
	assertAmount(t, "200", getCustomer(t, svc, a.ID).Balance)

	target := b.Ref()
	_, err = svc.UpdatePayment(ctx, p.ID, fleet.PaymentPatch{Target: &target})
	require.NoError(t, err)

	assertAmount(t, "300", getCustomer(t, svc, a.ID).Balance)
	assertAmount(t, "200", getCustomer(t, svc, b.ID).Balance)

	require.NoError(t, svc.DeletePayment(ctx, p.ID))
	assertAmount(t, "300", getCustomer(t, svc, b.ID).Balance)
}

// =============================================================================
// VALIDATION
// =============================================================================

func TestCreatePayment_Validation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	car := registerCar(t, svc, "KBA 123", "0", "0")
	emp := registerEmployee(t, svc, "Otieno", "0")

	tests := []struct {
		name string
		run  func() error
		want error
	}{
		{"zero amount", func() error {
			_, err := svc.PaymentOut(ctx, payment(car.Ref(), "0"))
			return err
		}, generic.ErrInvalidAmount},
		{"negative amount", func() error {
			_, err := svc.PaymentOut(ctx, payment(car.Ref(), "-5"))
			return err
		}, generic.ErrInvalidAmount},
		{"missing target", func() error {
			_, err := svc.PaymentOut(ctx, fleet.PaymentInput{Amount: d("5"), PaymentDate: march})
			return err
		}, generic.ErrMissingField},
		{"missing date", func() error {
			_, err := svc.PaymentOut(ctx, fleet.PaymentInput{Target: car.Ref(), Amount: d("5")})
			return err
		}, generic.ErrMissingField},
		{"receive from an employee", func() error {
			_, err := svc.ReceivePayment(ctx, payment(emp.Ref(), "5"))
			return err
		}, generic.ErrInvalidTarget},
		{"balance adjustment without description", func() error {
			_, err := svc.AddBalance(ctx, payment(emp.Ref(), "5"))
			return err
		}, generic.ErrMissingField},
		{"unknown car", func() error {
			_, err := svc.PaymentOut(ctx, payment(generic.CarRef(generic.NewID()), "5"))
			return err
		}, generic.ErrNotFound},
		{"wrong number prefix", func() error {
			in := payment(car.Ref(), "5")
			in.PaymentNo = "BAL-0001"
			_, err := svc.PaymentOut(ctx, in)
			return err
		}, generic.ErrInvalidValue},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.run(), tt.want)
		})
	}

	all, err := svc.ListPayments(ctx, fleet.PaymentFilter{})
	require.NoError(t, err)
	assert.Empty(t, all, "rejected payments leave nothing behind")
	assertAmount(t, "0", getCar(t, svc, car.ID).Balance)
}

// =============================================================================
// PAYMENT NUMBERS
// =============================================================================

func TestPaymentNo_ExplicitNumbers(t *testing.T) {
	// GIVEN: A payment created with the explicit number PYN-0002
	// WHEN: Two more payments are numbered automatically
	// THEN: They get PYN-0001 and PYN-0003, and reusing PYN-0002 is refused

	svc, _ := newTestService(t)
	ctx := context.Background()
	c := registerCar(t, svc, "KBA 123", "0", "0")

	in := payment(c.Ref(), "5")
	in.PaymentNo = "PYN-0002"
	explicit, err := svc.PaymentOut(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, "PYN-0002", explicit.PaymentNo)

	first, err := svc.PaymentOut(ctx, payment(c.Ref(), "5"))
	require.NoError(t, err)
	second, err := svc.PaymentOut(ctx, payment(c.Ref(), "5"))
	require.NoError(t, err)
	assert.Equal(t, "PYN-0001", first.PaymentNo)
	assert.Equal(t, "PYN-0003", second.PaymentNo)

	_, err = svc.PaymentOut(ctx, in)
	assert.ErrorIs(t, err, generic.ErrDuplicatePaymentNo)

	taken := "PYN-0001"
	_, err = svc.UpdatePayment(ctx, second.ID, fleet.PaymentPatch{PaymentNo: &taken})
	assert.ErrorIs(t, err, generic.ErrDuplicatePaymentNo)
}

func TestPaymentNo_UniqueUnderConcurrency(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	cars := []fleet.Car{
		registerCar(t, svc, "KBA 100", "0", "0"),
		registerCar(t, svc, "KBA 200", "0", "0"),
	}

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		nos = make(map[string]bool)
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(c fleet.Car) {
			defer wg.Done()
			p, err := svc.PaymentOut(ctx, payment(c.Ref(), "1"))
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			nos[p.PaymentNo] = true
			mu.Unlock()
		}(cars[i%2])
	}
	wg.Wait()

	assert.Len(t, nos, 20)
	for i := int64(1); i <= 20; i++ {
		assert.True(t, nos[fleet.FormatPaymentNo("PYN", i)], "missing PYN-%04d", i)
	}
	for _, c := range cars {
		assertAmount(t, "-10", getCar(t, svc, c.ID).Balance)
	}
}

func TestParsePaymentNo(t *testing.T) {
	prefix, n, ok := fleet.ParsePaymentNo(" BAL-0042 ")
	assert.True(t, ok)
	assert.Equal(t, "BAL", prefix)
	assert.Equal(t, int64(42), n)

	for _, bad := range []string{"", "PYN", "PYN-", "-0001", "PYN-x1"} {
		_, _, ok := fleet.ParsePaymentNo(bad)
		assert.False(t, ok, bad)
	}
	assert.Equal(t, "PYN-12345", fleet.FormatPaymentNo("PYN", 12345))
}

// =============================================================================
// QUERIES
// =============================================================================

func TestListPayments_Filters(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	a := registerCar(t, svc, "KBA 100", "0", "0")
	b := registerCar(t, svc, "KBA 200", "0", "0")

	first, err := svc.PaymentOut(ctx, payment(a.Ref(), "1"))
	require.NoError(t, err)
	_, err = svc.ReceivePayment(ctx, payment(a.Ref(), "2"))
	require.NoError(t, err)
	_, err = svc.PaymentOut(ctx, payment(b.Ref(), "3"))
	require.NoError(t, err)

	history, err := svc.PaymentHistory(ctx, a.Ref())
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, first.ID, history[1].ID, "newest first")

	outs, err := svc.ListPayments(ctx, fleet.PaymentFilter{Type: fleet.PaymentOut})
	require.NoError(t, err)
	assert.Len(t, outs, 2)

	later, err := svc.ListPayments(ctx, fleet.PaymentFilter{Period: "2026-04"})
	require.NoError(t, err)
	assert.Empty(t, later)
}
