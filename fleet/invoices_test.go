package fleet_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/fleet-ledger/fleet"
	"github.com/warp/fleet-ledger/generic"
)

func TestInvoice_CreditSaleLifecycle(t *testing.T) {
	// GIVEN: Invoice INV-1001 with one credit line of 1000 for a customer
	// WHEN: 400 is received and the invoice is later deleted
	// THEN: Customer balance goes 1000 -> 600 -> 0 and the car's left owed follows the invoice

	svc, st := newTestService(t)
	ctx := context.Background()
	car := registerCar(t, svc, "KBA 123", "0", "0")
	cust := registerCustomer(t, svc, "Mwangi Traders")

	inv := creditInvoice(t, svc, "INV-1001", car, cust, "1000", "1000")
	assertAmount(t, "1000", inv.Total)
	assertAmount(t, "1000", inv.TotalLeft)
	assert.Equal(t, fleet.StatusActive, inv.Status)
	assertAmount(t, "1000", getCustomer(t, svc, cust.ID).Balance)
	assertAmount(t, "1000", getCar(t, svc, car.ID).LeftOwed)

	_, err := svc.ReceivePayment(ctx, payment(cust.Ref(), "400"))
	require.NoError(t, err)
	assertAmount(t, "600", getCustomer(t, svc, cust.ID).Balance)

	require.NoError(t, svc.DeleteInvoice(ctx, inv.ID))

	assertAmount(t, "0", getCustomer(t, svc, cust.ID).Balance, "receipts beyond credit floor at zero")
	assertAmount(t, "0", getCar(t, svc, car.ID).LeftOwed)
	drifts, err := svc.Deltas().Verify(ctx, st, car.Ref())
	require.NoError(t, err)
	assert.Empty(t, drifts)
}

func TestCreateInvoice_TotalsAndCashLines(t *testing.T) {
	svc, _ := newTestService(t)
	car := registerCar(t, svc, "KBA 123", "0", "0")
	cust := registerCustomer(t, svc, "Mwangi")

	inv, err := svc.CreateInvoice(context.Background(), fleet.InvoiceInput{
		InvoiceNo: " INV-7 ",
		CarID:     car.ID,
		Date:      march,
		Items: []fleet.ItemInput{
			{Description: "Sand", Quantity: d("3"), Price: d("40"), LeftAmount: d("20")},
			{CustomerID: cust.ID, Quantity: d("2"), Price: d("150"), LeftAmount: d("100"), PaymentMethod: fleet.MethodCredit},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, "INV-7", inv.InvoiceNo)
	require.Len(t, inv.Items, 2)
	assert.Equal(t, fleet.MethodCash, inv.Items[0].PaymentMethod, "method defaults to cash")
	assert.NotEqual(t, generic.NilID, inv.Items[0].ItemID)
	assertAmount(t, "120", inv.Items[0].Total)
	assertAmount(t, "420", inv.Total)
	assertAmount(t, "120", inv.TotalLeft)

	assertAmount(t, "120", getCar(t, svc, car.ID).LeftOwed)
	assertAmount(t, "300", getCustomer(t, svc, cust.ID).Balance, "only credit lines count")
}

func TestCreateInvoice_Validation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	car := registerCar(t, svc, "KBA 123", "0", "0")
	cust := registerCustomer(t, svc, "Mwangi")
	creditInvoice(t, svc, "INV-1", car, cust, "100", "0")

	line := func(qty, price, left string) fleet.ItemInput {
		return fleet.ItemInput{CustomerID: cust.ID, Quantity: d(qty), Price: d(price), LeftAmount: d(left), PaymentMethod: fleet.MethodCredit}
	}
	tests := []struct {
		name string
		in   fleet.InvoiceInput
		want error
	}{
		{"duplicate number", fleet.InvoiceInput{InvoiceNo: "INV-1", CarID: car.ID, Date: march, Items: []fleet.ItemInput{line("1", "10", "0")}}, generic.ErrDuplicateInvoiceNo},
		{"left above total", fleet.InvoiceInput{InvoiceNo: "INV-2", CarID: car.ID, Date: march, Items: []fleet.ItemInput{line("2", "50", "150")}}, generic.ErrInvalidAmount},
		{"zero quantity", fleet.InvoiceInput{InvoiceNo: "INV-2", CarID: car.ID, Date: march, Items: []fleet.ItemInput{line("0", "50", "0")}}, generic.ErrInvalidAmount},
		{"no lines", fleet.InvoiceInput{InvoiceNo: "INV-2", CarID: car.ID, Date: march}, generic.ErrMissingField},
		{"missing number", fleet.InvoiceInput{CarID: car.ID, Date: march, Items: []fleet.ItemInput{line("1", "10", "0")}}, generic.ErrMissingField},
		{"credit line without customer", fleet.InvoiceInput{InvoiceNo: "INV-2", CarID: car.ID, Date: march, Items: []fleet.ItemInput{
			{Quantity: d("1"), Price: d("10"), PaymentMethod: fleet.MethodCredit},
		}}, generic.ErrMissingField},
		{"unknown method", fleet.InvoiceInput{InvoiceNo: "INV-2", CarID: car.ID, Date: march, Items: []fleet.ItemInput{
			{CustomerID: cust.ID, Quantity: d("1"), Price: d("10"), PaymentMethod: "barter"},
		}}, generic.ErrInvalidValue},
		{"unknown car", fleet.InvoiceInput{InvoiceNo: "INV-2", CarID: generic.NewID(), Date: march, Items: []fleet.ItemInput{line("1", "10", "0")}}, generic.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.CreateInvoice(ctx, tt.in)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	assertAmount(t, "100", getCustomer(t, svc, cust.ID).Balance)
	assertAmount(t, "0", getCar(t, svc, car.ID).LeftOwed)
}

func TestUpdateInvoice_RecomputesOldAndNewCustomers(t *testing.T) {
	// GIVEN: A credit line of 200 for customer A
	// WHEN: The line is reassigned to customer B
	// THEN: A drops to 0 and B rises to 200

	svc, _ := newTestService(t)
	ctx := context.Background()
	car := registerCar(t, svc, "KBA 123", "0", "0")
	a := registerCustomer(t, svc, "Alpha")
	b := registerCustomer(t, svc, "Beta")
	inv := creditInvoice(t, svc, "INV-1", car, a, "200", "50")

	items := []fleet.ItemInput{{
		ItemID:        inv.Items[0].ItemID,
		CustomerID:    b.ID,
		Quantity:      d("1"),
		Price:         d("200"),
		LeftAmount:    d("80"),
		PaymentMethod: fleet.MethodCredit,
	}}
	updated, err := svc.UpdateInvoice(ctx, inv.ID, fleet.InvoicePatch{Items: &items})
	require.NoError(t, err)

	assert.Equal(t, 2, updated.Revision)
	assert.Equal(t, inv.Items[0].ItemID, updated.Items[0].ItemID)
	assertAmount(t, "0", getCustomer(t, svc, a.ID).Balance)
	assertAmount(t, "200", getCustomer(t, svc, b.ID).Balance)
	assertAmount(t, "80", getCar(t, svc, car.ID).LeftOwed, "car moves by the difference")
}

func TestUpdateInvoice_MoveToAnotherCar(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()
	a := registerCar(t, svc, "KBA 100", "0", "10")
	b := registerCar(t, svc, "KBA 200", "0", "0")
	cust := registerCustomer(t, svc, "Mwangi")
	inv := creditInvoice(t, svc, "INV-1", a, cust, "200", "50")
	assertAmount(t, "60", getCar(t, svc, a.ID).LeftOwed)

	carID := b.ID
	_, err := svc.UpdateInvoice(ctx, inv.ID, fleet.InvoicePatch{CarID: &carID})
	require.NoError(t, err)

	assertAmount(t, "10", getCar(t, svc, a.ID).LeftOwed)
	assertAmount(t, "50", getCar(t, svc, b.ID).LeftOwed)
	for _, ref := range []generic.Ref{a.Ref(), b.Ref()} {
		drifts, err := svc.Deltas().Verify(ctx, st, ref)
		require.NoError(t, err)
		assert.Empty(t, drifts)
	}
}

func TestUpdateInvoice_CancelAndRestore(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	car := registerCar(t, svc, "KBA 123", "0", "0")
	cust := registerCustomer(t, svc, "Mwangi")
	inv := creditInvoice(t, svc, "INV-1", car, cust, "300", "100")

	cancelled := fleet.StatusCancelled
	got, err := svc.UpdateInvoice(ctx, inv.ID, fleet.InvoicePatch{Status: &cancelled})
	require.NoError(t, err)
	assert.Equal(t, fleet.StatusCancelled, got.Status)
	assertAmount(t, "0", getCar(t, svc, car.ID).LeftOwed)
	assertAmount(t, "0", getCustomer(t, svc, cust.ID).Balance)

	active := fleet.StatusActive
	_, err = svc.UpdateInvoice(ctx, inv.ID, fleet.InvoicePatch{Status: &active})
	require.NoError(t, err)
	assertAmount(t, "100", getCar(t, svc, car.ID).LeftOwed)
	assertAmount(t, "300", getCustomer(t, svc, cust.ID).Balance)

	bogus := fleet.StatusClosed
	_, err = svc.UpdateInvoice(ctx, inv.ID, fleet.InvoicePatch{Status: &bogus})
	assert.ErrorIs(t, err, generic.ErrInvalidValue)

	listed, err := svc.ListInvoices(ctx, fleet.InvoiceFilter{CustomerID: cust.ID, Status: fleet.StatusActive})
	require.NoError(t, err)
	assert.Len(t, listed, 1)
}

func TestUpdateInvoice_RenumberToTakenNumber(t *testing.T) {
	svc, _ := newTestService(t)
	car := registerCar(t, svc, "KBA 123", "0", "0")
	cust := registerCustomer(t, svc, "Mwangi")
	creditInvoice(t, svc, "INV-1", car, cust, "10", "0")
	second := creditInvoice(t, svc, "INV-2", car, cust, "10", "0")

	no := "INV-1"
	_, err := svc.UpdateInvoice(context.Background(), second.ID, fleet.InvoicePatch{InvoiceNo: &no})

	assert.ErrorIs(t, err, generic.ErrDuplicateInvoiceNo)
}
