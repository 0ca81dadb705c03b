package fleet

import (
	"context"

	"github.com/shopspring/decimal"
	"github.com/warp/fleet-ledger/generic"
)

// Dashboard is a read-only aggregate over the store.
type Dashboard struct {
	TotalCars        int              `json:"total_cars"`
	TotalCustomers   int              `json:"total_customers"`
	TotalEmployees   int              `json:"total_employees"`
	TotalInvoices    int              `json:"total_invoices"`
	TotalRevenue     decimal.Decimal  `json:"total_revenue"`
	TotalOutstanding decimal.Decimal  `json:"total_outstanding"`
	TotalProfit      decimal.Decimal  `json:"total_profit"`
	OpenPeriod       generic.MonthKey `json:"open_period"`
	PendingCustomers int              `json:"pending_customers"`
}

// Dashboard counts active accounts and non-cancelled invoices, sums invoice
// revenue and outstanding amounts, and adds up the live profit contribution
// of every car.
func (s *Service) Dashboard(ctx context.Context) (d Dashboard, err error) {
	ctx, end := s.start(ctx, "Dashboard")
	defer func() { end(err) }()

	d.TotalRevenue = decimal.Zero
	d.TotalOutstanding = decimal.Zero
	d.TotalProfit = decimal.Zero

	for c, err := range s.store.Cars().Scan(ctx, nil) {
		if err != nil {
			return Dashboard{}, err
		}
		if c.Status == StatusActive {
			d.TotalCars++
		}
		d.TotalProfit = d.TotalProfit.Add(c.ProfitContribution())
	}
	for _, err := range s.store.Customers().Scan(ctx, func(c Customer) bool { return c.Status == StatusActive }) {
		if err != nil {
			return Dashboard{}, err
		}
		d.TotalCustomers++
	}
	for _, err := range s.store.Employees().Scan(ctx, func(e Employee) bool { return e.Status == StatusActive }) {
		if err != nil {
			return Dashboard{}, err
		}
		d.TotalEmployees++
	}
	for inv, err := range s.store.Invoices().Scan(ctx, Invoice.Active) {
		if err != nil {
			return Dashboard{}, err
		}
		d.TotalInvoices++
		d.TotalRevenue = d.TotalRevenue.Add(inv.Total)
		d.TotalOutstanding = d.TotalOutstanding.Add(inv.TotalLeft)
	}

	period, found, err := s.store.Period(ctx)
	if err != nil {
		return Dashboard{}, err
	}
	if found {
		d.OpenPeriod = period.Key
	} else {
		d.OpenPeriod = generic.MonthOf(s.now().UTC())
	}
	d.PendingCustomers = len(s.recalc.Pending())
	return d, nil
}
