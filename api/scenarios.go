/*
scenarios.go - Demo data loaders

PURPOSE:
  Populates the store with small, realistic data sets that show how
  invoices and payments move balances. Every loader goes through the fleet
  service, so the data is indistinguishable from API-created data.

AVAILABLE SCENARIOS:
  credit-sale:      Credit invoice to a customer, then a partial receipt
  car-payout:       Payment out against a car with an opening balance
  month-end:        Three cars ready for a monthly closing
  employee-advance: Employee top-up and a deduction that floors at zero

HOW SCENARIOS WORK:
  Scenarios do not reset the store. Plates and invoice numbers carry a
  short random tag so a scenario can be loaded more than once.

USAGE VIA API:
  POST /api/scenarios/load
  {"scenario_id": "credit-sale"}

SEE ALSO:
  - handlers.go: Error mapping used by LoadScenario
*/
package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/warp/fleet-ledger/fleet"
	"github.com/warp/fleet-ledger/generic"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "credit-sale",
		Name:        "Credit Sale",
		Description: "Invoice with a 300 credit line to one customer, then 120 received",
	},
	{
		ID:          "car-payout",
		Name:        "Car Payout",
		Description: "Car opened at 350, then 150 paid out",
	},
	{
		ID:          "month-end",
		Name:        "Month End",
		Description: "Three cars with balances 500, -200 and 0, ready to close",
	},
	{
		ID:          "employee-advance",
		Name:        "Employee Advance",
		Description: "Employee opened at 100, topped up by 50, then 200 deducted",
	},
}

type scenarioLoader func(ctx context.Context, svc *fleet.Service, tag string) (map[string]any, error)

var loaders = map[string]scenarioLoader{
	"credit-sale":      loadCreditSale,
	"car-payout":       loadCarPayout,
	"month-end":        loadMonthEnd,
	"employee-advance": loadEmployeeAdvance,
}

// =============================================================================
// HANDLERS
// =============================================================================

// ListScenarios returns every available scenario.
// GET /api/scenarios
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// LoadScenario runs one loader and returns the ids it created.
// POST /api/scenarios/load
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !h.decode(w, r, &req) {
		return
	}
	load, ok := loaders[req.ScenarioID]
	if !ok {
		writeError(w, http.StatusNotFound, "Unknown scenario", generic.NotFoundf("scenario", req.ScenarioID))
		return
	}

	tag := strings.ToUpper(uuid.NewString()[:6])
	out, err := load(r.Context(), h.Service, tag)
	if err != nil && !generic.IsDegraded(err) {
		h.fail(w, fmt.Sprintf("Failed to load scenario %s", req.ScenarioID), err)
		return
	}
	h.Log.WithFields(logrus.Fields{"module": "api", "scenario": req.ScenarioID, "tag": tag}).Info("scenario loaded")
	writeJSON(w, http.StatusCreated, map[string]any{"scenario_id": req.ScenarioID, "tag": tag, "created": out})
}

// =============================================================================
// LOADERS
// =============================================================================

func today() time.Time { return generic.DateOnly(time.Now()) }

func dec(s string) decimal.Decimal { return generic.MustParseDecimal(s) }

func loadCreditSale(ctx context.Context, svc *fleet.Service, tag string) (map[string]any, error) {
	car, err := svc.RegisterCar(ctx, fleet.CarInput{Name: "Route 12 Bus", Plate: "KBX-" + tag, Driver: "Amina"})
	if err != nil {
		return nil, err
	}
	cust, err := svc.RegisterCustomer(ctx, fleet.CustomerInput{Name: "Mwangi Traders " + tag, Phone: "0700000000"})
	if err != nil {
		return nil, err
	}
	inv, err := svc.CreateInvoice(ctx, fleet.InvoiceInput{
		InvoiceNo: "INV-1001-" + tag,
		CarID:     car.ID,
		Date:      today(),
		Items: []fleet.ItemInput{{
			CustomerID:    cust.ID,
			Description:   "Cement bags",
			Quantity:      dec("2"),
			Price:         dec("150"),
			LeftAmount:    dec("100"),
			PaymentMethod: fleet.MethodCredit,
		}},
	})
	if err != nil && !generic.IsDegraded(err) {
		return nil, err
	}
	p, err := svc.ReceivePayment(ctx, fleet.PaymentInput{
		Target:      cust.Ref(),
		Amount:      dec("120"),
		PaymentDate: today(),
		Description: "Partial settlement",
	})
	return map[string]any{"car": car.ID, "customer": cust.ID, "invoice": inv.ID, "payment": p.PaymentNo}, err
}

func loadCarPayout(ctx context.Context, svc *fleet.Service, tag string) (map[string]any, error) {
	car, err := svc.RegisterCar(ctx, fleet.CarInput{Name: "Pickup", Plate: "KCP-" + tag, OpeningBalance: dec("350")})
	if err != nil {
		return nil, err
	}
	p, err := svc.PaymentOut(ctx, fleet.PaymentInput{
		Target:      car.Ref(),
		Amount:      dec("150"),
		PaymentDate: today(),
		Description: "Fuel",
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"car": car.ID, "payment": p.PaymentNo, "balance_after": p.BalanceAfter}, nil
}

func loadMonthEnd(ctx context.Context, svc *fleet.Service, tag string) (map[string]any, error) {
	specs := []struct {
		name, plate       string
		balance, leftOwed string
		paidOut           string
	}{
		{"Matatu A", "KMA-" + tag, "550", "100", "50"},
		{"Matatu B", "KMB-" + tag, "-200", "50", ""},
		{"Matatu C", "KMC-" + tag, "0", "0", ""},
	}
	var ids []generic.ID
	for _, s := range specs {
		car, err := svc.RegisterCar(ctx, fleet.CarInput{
			Name:            s.name,
			Plate:           s.plate,
			OpeningBalance:  dec(s.balance),
			OpeningLeftOwed: dec(s.leftOwed),
		})
		if err != nil {
			return nil, err
		}
		if s.paidOut != "" {
			if _, err := svc.PaymentOut(ctx, fleet.PaymentInput{
				Target:      car.Ref(),
				Amount:      dec(s.paidOut),
				PaymentDate: today(),
				Description: "Driver wage",
			}); err != nil {
				return nil, err
			}
		}
		ids = append(ids, car.ID)
	}
	return map[string]any{"cars": ids}, nil
}

func loadEmployeeAdvance(ctx context.Context, svc *fleet.Service, tag string) (map[string]any, error) {
	emp, err := svc.RegisterEmployee(ctx, fleet.EmployeeInput{Name: "Conductor " + tag, Category: "conductor", OpeningBalance: dec("100")})
	if err != nil {
		return nil, err
	}
	if _, err := svc.AddBalance(ctx, fleet.PaymentInput{
		Target:      emp.Ref(),
		Amount:      dec("50"),
		PaymentDate: today(),
		Description: "Bonus",
	}); err != nil {
		return nil, err
	}
	res, err := svc.DeductBalance(ctx, fleet.PaymentInput{
		Target:      emp.Ref(),
		Amount:      dec("200"),
		PaymentDate: today(),
		Description: "Advance recovery",
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"employee": emp.ID, "balance": res.NewBalance}, nil
}
