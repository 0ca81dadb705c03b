/*
handlers.go - HTTP API handlers for the fleet ledger

PURPOSE:
  Exposes the fleet service over REST. Handlers parse the request, convert
  DTOs into fleet inputs, call the service and serialize the result. No
  balance arithmetic happens here.

ENDPOINTS:
  Accounts (cars, customers, employees):
    GET    /api/{kind}                    List, optional ?status=
    POST   /api/{kind}                    Register
    GET    /api/{kind}/{id}               Get
    PUT    /api/{kind}/{id}               Update descriptive fields / status
    DELETE /api/{kind}/{id}               Remove (only if unreferenced)
    POST   /api/{kind}/{id}/close         Close the account
    GET    /api/{kind}/{id}/payments      Payment history

  Balance adjustments:
    POST   /api/{cars|employees}/{id}/add-balance
    POST   /api/{cars|employees}/{id}/deduct-balance

  Invoices:   /api/invoices[/{id}]        CRUD, list filters car_id, customer_id, status
  Payments:   /api/payments[/{id}]        CRUD, list filters type, target_kind, target_id, period
              POST /api/payments/receive, /api/payments/payment-out
  Closings:   POST /api/closings          Close the open month
              POST /api/closings/{id}/reopen
  Admin:      POST /api/admin/reconcile, GET /api/admin/pending,
              GET /api/admin/export, POST /api/admin/import

ERROR HANDLING:
  Errors are mapped by kind (generic.KindOf):
  - 400 invalid_input, 404 not_found, 409 conflict
  - 422 precondition_failed, 503 store_unavailable, 500 anything else
  - 202 inconsistent: the write committed, a customer balance is pending.
    The body carries the record and a warning.

SECURITY NOTE:
  No authentication. Deploy behind an authenticating proxy.

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo data loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"
	"github.com/warp/fleet-ledger/fleet"
	"github.com/warp/fleet-ledger/generic"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds the dependencies of every HTTP handler.
type Handler struct {
	Service   *fleet.Service
	Log       *logrus.Logger
	Scheduler *ReconciliationScheduler // optional

	now func() time.Time
}

// NewHandler creates a handler around svc.
func NewHandler(svc *fleet.Service, log *logrus.Logger) *Handler {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Handler{Service: svc, Log: log, now: time.Now}
}

// =============================================================================
// CAR HANDLERS
// =============================================================================

func (h *Handler) ListCars(w http.ResponseWriter, r *http.Request) {
	cars, err := h.Service.ListCars(r.Context(), fleet.Status(r.URL.Query().Get("status")))
	if err != nil {
		h.fail(w, "Failed to list cars", err)
		return
	}
	writeJSON(w, http.StatusOK, cars)
}

func (h *Handler) GetCar(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	car, err := h.Service.GetCar(r.Context(), id)
	if err != nil {
		h.fail(w, "Failed to get car", err)
		return
	}
	writeJSON(w, http.StatusOK, car)
}

func (h *Handler) CreateCar(w http.ResponseWriter, r *http.Request) {
	var req CreateCarRequest
	if !h.decode(w, r, &req) {
		return
	}
	car, err := h.Service.RegisterCar(r.Context(), req.toInput())
	h.respond(w, http.StatusCreated, "Failed to register car", car, err)
}

func (h *Handler) UpdateCar(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var req UpdateCarRequest
	if !h.decode(w, r, &req) {
		return
	}
	ctx := r.Context()
	car, err := h.Service.UpdateCar(ctx, id, req.toPatch())
	if err == nil && req.Status != nil {
		if err = h.Service.SetStatus(ctx, car.Ref(), fleet.Status(*req.Status)); err == nil {
			car, err = h.Service.GetCar(ctx, id)
		}
	}
	h.respond(w, http.StatusOK, "Failed to update car", car, err)
}

// =============================================================================
// CUSTOMER HANDLERS
// =============================================================================

func (h *Handler) ListCustomers(w http.ResponseWriter, r *http.Request) {
	customers, err := h.Service.ListCustomers(r.Context(), fleet.Status(r.URL.Query().Get("status")))
	if err != nil {
		h.fail(w, "Failed to list customers", err)
		return
	}
	writeJSON(w, http.StatusOK, customers)
}

func (h *Handler) GetCustomer(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	c, err := h.Service.GetCustomer(r.Context(), id)
	if err != nil {
		h.fail(w, "Failed to get customer", err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (h *Handler) CreateCustomer(w http.ResponseWriter, r *http.Request) {
	var req CreateCustomerRequest
	if !h.decode(w, r, &req) {
		return
	}
	c, err := h.Service.RegisterCustomer(r.Context(), fleet.CustomerInput{Name: req.Name, Phone: req.Phone})
	h.respond(w, http.StatusCreated, "Failed to register customer", c, err)
}

func (h *Handler) UpdateCustomer(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var req UpdateCustomerRequest
	if !h.decode(w, r, &req) {
		return
	}
	ctx := r.Context()
	c, err := h.Service.UpdateCustomer(ctx, id, fleet.CustomerPatch{Name: req.Name, Phone: req.Phone})
	if err == nil && req.Status != nil {
		if err = h.Service.SetStatus(ctx, c.Ref(), fleet.Status(*req.Status)); err == nil {
			c, err = h.Service.GetCustomer(ctx, id)
		}
	}
	h.respond(w, http.StatusOK, "Failed to update customer", c, err)
}

// =============================================================================
// EMPLOYEE HANDLERS
// =============================================================================

func (h *Handler) ListEmployees(w http.ResponseWriter, r *http.Request) {
	employees, err := h.Service.ListEmployees(r.Context(), fleet.Status(r.URL.Query().Get("status")))
	if err != nil {
		h.fail(w, "Failed to list employees", err)
		return
	}
	writeJSON(w, http.StatusOK, employees)
}

func (h *Handler) GetEmployee(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	e, err := h.Service.GetEmployee(r.Context(), id)
	if err != nil {
		h.fail(w, "Failed to get employee", err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (h *Handler) CreateEmployee(w http.ResponseWriter, r *http.Request) {
	var req CreateEmployeeRequest
	if !h.decode(w, r, &req) {
		return
	}
	e, err := h.Service.RegisterEmployee(r.Context(), fleet.EmployeeInput{
		Name:           req.Name,
		Phone:          req.Phone,
		Category:       req.Category,
		OpeningBalance: req.OpeningBalance,
	})
	h.respond(w, http.StatusCreated, "Failed to register employee", e, err)
}

func (h *Handler) UpdateEmployee(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var req UpdateEmployeeRequest
	if !h.decode(w, r, &req) {
		return
	}
	ctx := r.Context()
	e, err := h.Service.UpdateEmployee(ctx, id, fleet.EmployeePatch{Name: req.Name, Phone: req.Phone, Category: req.Category})
	if err == nil && req.Status != nil {
		if err = h.Service.SetStatus(ctx, e.Ref(), fleet.Status(*req.Status)); err == nil {
			e, err = h.Service.GetEmployee(ctx, id)
		}
	}
	h.respond(w, http.StatusOK, "Failed to update employee", e, err)
}

// =============================================================================
// ACCOUNT HANDLERS - Shared by cars, customers and employees
// =============================================================================

// accountRef builds a ref of kind from the {id} URL parameter.
func (h *Handler) accountRef(w http.ResponseWriter, r *http.Request, kind generic.EntityKind) (generic.Ref, bool) {
	id, ok := h.pathID(w, r)
	if !ok {
		return generic.Ref{}, false
	}
	return generic.Ref{Kind: kind, ID: id}, true
}

// RemoveAccount deletes an unreferenced account.
// DELETE /api/{kind}/{id}
func (h *Handler) RemoveAccount(kind generic.EntityKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ref, ok := h.accountRef(w, r, kind)
		if !ok {
			return
		}
		if err := h.Service.Remove(r.Context(), ref); err != nil {
			h.fail(w, fmt.Sprintf("Failed to remove %s", kind), err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// CloseAccount marks an account Closed. Repeating it is a no-op.
// POST /api/{kind}/{id}/close
func (h *Handler) CloseAccount(kind generic.EntityKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ref, ok := h.accountRef(w, r, kind)
		if !ok {
			return
		}
		if err := h.Service.CloseAccount(r.Context(), ref); err != nil {
			h.fail(w, fmt.Sprintf("Failed to close %s", kind), err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"id": ref.ID.String(), "status": string(fleet.StatusClosed)})
	}
}

// SetAccountStatus moves an account to the status in the body.
// PUT /api/{kind}/{id}/status
func (h *Handler) SetAccountStatus(kind generic.EntityKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ref, ok := h.accountRef(w, r, kind)
		if !ok {
			return
		}
		var req StatusRequest
		if !h.decode(w, r, &req) {
			return
		}
		if err := h.Service.SetStatus(r.Context(), ref, fleet.Status(req.Status)); err != nil {
			h.fail(w, fmt.Sprintf("Failed to update %s status", kind), err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"id": ref.ID.String(), "status": req.Status})
	}
}

// PaymentHistory lists every payment against one account.
// GET /api/{kind}/{id}/payments
func (h *Handler) PaymentHistory(kind generic.EntityKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ref, ok := h.accountRef(w, r, kind)
		if !ok {
			return
		}
		payments, err := h.Service.PaymentHistory(r.Context(), ref)
		if err != nil {
			h.fail(w, "Failed to load payment history", err)
			return
		}
		writeJSON(w, http.StatusOK, payments)
	}
}

// AdjustBalance records a balance_add or balance_deduct against the account
// in the URL.
// POST /api/{cars|employees}/{id}/add-balance
// POST /api/{cars|employees}/{id}/deduct-balance
func (h *Handler) AdjustBalance(kind generic.EntityKind, typ fleet.PaymentType) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ref, ok := h.accountRef(w, r, kind)
		if !ok {
			return
		}
		var req BalanceRequest
		if !h.decode(w, r, &req) {
			return
		}
		in := fleet.PaymentInput{
			Target:      ref,
			Amount:      req.Amount,
			PaymentDate: req.PaymentDate.Time,
			Description: req.Description,
			PaymentNo:   strings.TrimSpace(req.PaymentNo),
		}
		if in.PaymentDate.IsZero() {
			in.PaymentDate = generic.DateOnly(h.now())
		}

		var res fleet.BalanceResult
		var err error
		if typ == fleet.PaymentBalanceDeduct {
			res, err = h.Service.DeductBalance(r.Context(), in)
		} else {
			res, err = h.Service.AddBalance(r.Context(), in)
		}
		h.respond(w, http.StatusCreated, "Failed to adjust balance", res, err)
	}
}

// =============================================================================
// INVOICE HANDLERS
// =============================================================================

// ListInvoices supports ?car_id=, ?customer_id= and ?status=.
func (h *Handler) ListInvoices(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var f fleet.InvoiceFilter
	var err error
	if f.CarID, err = optionalID(q.Get("car_id")); err != nil {
		h.fail(w, "Invalid car_id", err)
		return
	}
	if f.CustomerID, err = optionalID(q.Get("customer_id")); err != nil {
		h.fail(w, "Invalid customer_id", err)
		return
	}
	f.Status = fleet.Status(q.Get("status"))

	invoices, err := h.Service.ListInvoices(r.Context(), f)
	if err != nil {
		h.fail(w, "Failed to list invoices", err)
		return
	}
	writeJSON(w, http.StatusOK, invoices)
}

func (h *Handler) GetInvoice(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	inv, err := h.Service.GetInvoice(r.Context(), id)
	if err != nil {
		h.fail(w, "Failed to get invoice", err)
		return
	}
	writeJSON(w, http.StatusOK, inv)
}

func (h *Handler) CreateInvoice(w http.ResponseWriter, r *http.Request) {
	var req CreateInvoiceRequest
	if !h.decode(w, r, &req) {
		return
	}
	in, err := req.toInput()
	if err != nil {
		h.fail(w, "Invalid invoice", err)
		return
	}
	inv, err := h.Service.CreateInvoice(r.Context(), in)
	h.respond(w, http.StatusCreated, "Failed to create invoice", inv, err)
}

func (h *Handler) UpdateInvoice(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var req UpdateInvoiceRequest
	if !h.decode(w, r, &req) {
		return
	}
	patch, err := req.toPatch()
	if err != nil {
		h.fail(w, "Invalid invoice update", err)
		return
	}
	inv, err := h.Service.UpdateInvoice(r.Context(), id, patch)
	h.respond(w, http.StatusOK, "Failed to update invoice", inv, err)
}

func (h *Handler) DeleteInvoice(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	err := h.Service.DeleteInvoice(r.Context(), id)
	h.respondNoContent(w, "Failed to delete invoice", err)
}

// =============================================================================
// PAYMENT HANDLERS
// =============================================================================

// ListPayments supports ?type=, ?target_kind= with ?target_id=, and
// ?period=YYYY-MM.
func (h *Handler) ListPayments(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := fleet.PaymentFilter{Type: fleet.PaymentType(q.Get("type"))}
	if q.Get("target_kind") != "" || q.Get("target_id") != "" {
		target, err := resolveTarget(q.Get("target_kind"), q.Get("target_id"), "", "", "")
		if err != nil {
			h.fail(w, "Invalid target", err)
			return
		}
		f.Target = target
	}
	if p := q.Get("period"); p != "" {
		month, err := generic.ParseMonthKey(p)
		if err != nil {
			h.fail(w, "Invalid period", err)
			return
		}
		f.Period = month
	}

	payments, err := h.Service.ListPayments(r.Context(), f)
	if err != nil {
		h.fail(w, "Failed to list payments", err)
		return
	}
	writeJSON(w, http.StatusOK, payments)
}

func (h *Handler) GetPayment(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	p, err := h.Service.GetPayment(r.Context(), id)
	if err != nil {
		h.fail(w, "Failed to get payment", err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// CreatePayment dispatches on the "type" field.
// POST /api/payments
func (h *Handler) CreatePayment(w http.ResponseWriter, r *http.Request) {
	var req PaymentRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.createPayment(r.Context(), w, fleet.PaymentType(strings.ToLower(strings.TrimSpace(req.Type))), req)
}

// ReceivePayment records money received.
// POST /api/payments/receive
func (h *Handler) ReceivePayment(w http.ResponseWriter, r *http.Request) {
	var req PaymentRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.createPayment(r.Context(), w, fleet.PaymentReceive, req)
}

// PaymentOut records money paid out for a car or an employee.
// POST /api/payments/payment-out
func (h *Handler) PaymentOut(w http.ResponseWriter, r *http.Request) {
	var req PaymentRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.createPayment(r.Context(), w, fleet.PaymentOut, req)
}

func (h *Handler) createPayment(ctx context.Context, w http.ResponseWriter, typ fleet.PaymentType, req PaymentRequest) {
	in, err := req.toInput()
	if err != nil {
		h.fail(w, "Invalid payment", err)
		return
	}

	var out any
	switch typ {
	case fleet.PaymentReceive:
		out, err = h.Service.ReceivePayment(ctx, in)
	case fleet.PaymentOut:
		out, err = h.Service.PaymentOut(ctx, in)
	case fleet.PaymentBalanceAdd:
		out, err = h.Service.AddBalance(ctx, in)
	case fleet.PaymentBalanceDeduct:
		out, err = h.Service.DeductBalance(ctx, in)
	default:
		err = generic.Errorf(generic.ErrInvalidValue, "unknown payment type %q", typ)
	}
	h.respond(w, http.StatusCreated, "Failed to record payment", out, err)
}

func (h *Handler) UpdatePayment(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var req UpdatePaymentRequest
	if !h.decode(w, r, &req) {
		return
	}
	patch, err := req.toPatch()
	if err != nil {
		h.fail(w, "Invalid payment update", err)
		return
	}
	p, err := h.Service.UpdatePayment(r.Context(), id, patch)
	h.respond(w, http.StatusOK, "Failed to update payment", p, err)
}

func (h *Handler) DeletePayment(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	err := h.Service.DeletePayment(r.Context(), id)
	h.respondNoContent(w, "Failed to delete payment", err)
}

// =============================================================================
// CLOSING HANDLERS
// =============================================================================

func (h *Handler) ListClosings(w http.ResponseWriter, r *http.Request) {
	closings, err := h.Service.ListClosings(r.Context())
	if err != nil {
		h.fail(w, "Failed to list closings", err)
		return
	}
	writeJSON(w, http.StatusOK, closings)
}

func (h *Handler) GetClosing(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	mc, err := h.Service.GetClosing(r.Context(), id)
	if err != nil {
		h.fail(w, "Failed to get closing", err)
		return
	}
	writeJSON(w, http.StatusOK, mc)
}

// CloseMonth archives the open period and zeroes every car.
// POST /api/closings
func (h *Handler) CloseMonth(w http.ResponseWriter, r *http.Request) {
	mc, err := h.Service.CloseMonth(r.Context())
	if err != nil {
		h.fail(w, "Failed to close month", err)
		return
	}
	writeJSON(w, http.StatusCreated, mc)
}

// ReopenClosing marks a closing Reopened. Balances are not restored.
// POST /api/closings/{id}/reopen
func (h *Handler) ReopenClosing(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	mc, err := h.Service.ReopenAccount(r.Context(), id)
	if err != nil {
		h.fail(w, "Failed to reopen closing", err)
		return
	}
	writeJSON(w, http.StatusOK, mc)
}

// CurrentPeriod returns the open accounting month.
// GET /api/period
func (h *Handler) CurrentPeriod(w http.ResponseWriter, r *http.Request) {
	p, err := h.Service.CurrentPeriod(r.Context())
	if err != nil {
		h.fail(w, "Failed to read open period", err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// =============================================================================
// DASHBOARD AND ADMIN HANDLERS
// =============================================================================

func (h *Handler) Dashboard(w http.ResponseWriter, r *http.Request) {
	d, err := h.Service.Dashboard(r.Context())
	if err != nil {
		h.fail(w, "Failed to build dashboard", err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// Reconcile runs one reconciliation pass now. A partial failure still
// returns the report, with 207 and the joined error text.
// POST /api/admin/reconcile
func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	var (
		rep fleet.ReconcileReport
		err error
	)
	if h.Scheduler != nil {
		rep, err = h.Scheduler.RunOnce(r.Context())
	} else {
		rep, err = h.Service.Reconcile(r.Context())
	}
	if err != nil && !rep.Incomplete {
		h.fail(w, "Failed to reconcile", err)
		return
	}
	resp := ReconcileResponse{Report: rep}
	status := http.StatusOK
	if err != nil {
		resp.Error = err.Error()
		status = http.StatusMultiStatus
	}
	writeJSON(w, status, resp)
}

// ListReconcileRuns returns recent reconciliation passes.
// GET /api/admin/reconcile/runs
func (h *Handler) ListReconcileRuns(w http.ResponseWriter, r *http.Request) {
	if h.Scheduler == nil {
		writeJSON(w, http.StatusOK, []ReconcileRun{})
		return
	}
	writeJSON(w, http.StatusOK, h.Scheduler.Runs())
}

// PendingCustomers lists customers whose balance recomputation is owed.
// GET /api/admin/pending
func (h *Handler) PendingCustomers(w http.ResponseWriter, r *http.Request) {
	ids := h.Service.Recalculator().Pending()
	writeJSON(w, http.StatusOK, PendingResponse{Customers: ids, Count: len(ids)})
}

// Export streams a full snapshot.
// GET /api/admin/export
func (h *Handler) Export(w http.ResponseWriter, r *http.Request) {
	snap, err := h.Service.Export(r.Context())
	if err != nil {
		h.fail(w, "Failed to export", err)
		return
	}
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="fleet-%s.json"`, snap.ExportedAt.Format("20060102-150405")))
	writeJSON(w, http.StatusOK, snap)
}

// Import loads a snapshot into an empty store.
// POST /api/admin/import
func (h *Handler) Import(w http.ResponseWriter, r *http.Request) {
	var snap fleet.Snapshot
	if !h.decode(w, r, &snap) {
		return
	}
	res, err := h.Service.Import(r.Context(), snap)
	h.respond(w, http.StatusCreated, "Failed to import snapshot", res, err)
}

// Health reports liveness.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
		resp.Kind = generic.KindOf(err)
		resp.Code = generic.CodeOf(err)
	}
	writeJSON(w, status, resp)
}

// statusFor maps an error kind onto an HTTP status.
func statusFor(err error) int {
	switch generic.KindOf(err) {
	case "not_found":
		return http.StatusNotFound
	case "invalid_input":
		return http.StatusBadRequest
	case "conflict":
		return http.StatusConflict
	case "precondition_failed":
		return http.StatusUnprocessableEntity
	case "store_unavailable":
		return http.StatusServiceUnavailable
	case "inconsistent":
		return http.StatusAccepted
	default:
		return http.StatusInternalServerError
	}
}

// fail writes err with the status for its kind. Server-side failures are
// logged; client errors are not.
func (h *Handler) fail(w http.ResponseWriter, message string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.Log.WithFields(logrus.Fields{
			"module": "api",
			"status": status,
			"kind":   generic.KindOf(err),
		}).WithError(err).Error(message)
	}
	writeError(w, status, message, err)
}

// respond writes data with status on success, 202 with a warning when the
// write committed but a balance is pending, and an error otherwise.
func (h *Handler) respond(w http.ResponseWriter, status int, message string, data any, err error) {
	switch {
	case err == nil:
		writeJSON(w, status, data)
	case generic.IsDegraded(err):
		h.Log.WithFields(logrus.Fields{"module": "api", "code": generic.CodeOf(err)}).WithError(err).Warn("write recorded with pending balance")
		writeJSON(w, http.StatusAccepted, DegradedResponse{Data: data, Warning: err.Error(), Code: generic.CodeOf(err)})
	default:
		h.fail(w, message, err)
	}
}

func (h *Handler) respondNoContent(w http.ResponseWriter, message string, err error) {
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case generic.IsDegraded(err):
		writeJSON(w, http.StatusAccepted, DegradedResponse{Warning: err.Error(), Code: generic.CodeOf(err)})
	default:
		h.fail(w, message, err)
	}
}

// decode reads a JSON body into dst, writing a 400 on failure.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		if generic.KindOf(err) != "invalid_input" {
			err = generic.Wrap(generic.ErrInvalidValue, err)
		}
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	return true
}

// pathID parses the {id} URL parameter, writing a 400 on failure.
func (h *Handler) pathID(w http.ResponseWriter, r *http.Request) (generic.ID, bool) {
	id, err := generic.ParseID(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid id", err)
		return generic.NilID, false
	}
	return id, true
}
