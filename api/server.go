/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the chi router, the middleware stack and every route. This is
  the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request, echoed in access logs
  2. Logger:     Structured access log through logrus
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for the frontend

ROUTE GROUPS:
  /api/cars/*         Cars, balance adjustments, history
  /api/customers/*    Customers, history
  /api/employees/*    Employees, balance adjustments, history
  /api/invoices/*     Invoices
  /api/payments/*     Payments
  /api/closings/*     Monthly closing and reopen
  /api/admin/*        Reconciliation, pending customers, export/import
  /api/scenarios/*    Demo data
  /health             Liveness

SECURITY NOTE:
  No authentication middleware. All endpoints are public.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/sirupsen/logrus"
	"github.com/warp/fleet-ledger/fleet"
	"github.com/warp/fleet-ledger/generic"
)

// NewRouter creates a router with all routes configured. An empty
// allowedOrigins list allows every origin.
func NewRouter(h *Handler, allowedOrigins ...string) *chi.Mux {
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RequestLogger(&logFormatter{log: h.Log}))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"Content-Disposition"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", h.Health)

	r.Route("/api", func(r chi.Router) {
		r.Route("/cars", func(r chi.Router) {
			r.Get("/", h.ListCars)
			r.Post("/", h.CreateCar)
			r.Get("/{id}", h.GetCar)
			r.Put("/{id}", h.UpdateCar)
			r.Delete("/{id}", h.RemoveAccount(generic.KindCar))
			r.Put("/{id}/status", h.SetAccountStatus(generic.KindCar))
			r.Post("/{id}/close", h.CloseAccount(generic.KindCar))
			r.Get("/{id}/payments", h.PaymentHistory(generic.KindCar))
			r.Post("/{id}/add-balance", h.AdjustBalance(generic.KindCar, fleet.PaymentBalanceAdd))
			r.Post("/{id}/deduct-balance", h.AdjustBalance(generic.KindCar, fleet.PaymentBalanceDeduct))
		})

		r.Route("/customers", func(r chi.Router) {
			r.Get("/", h.ListCustomers)
			r.Post("/", h.CreateCustomer)
			r.Get("/{id}", h.GetCustomer)
			r.Put("/{id}", h.UpdateCustomer)
			r.Delete("/{id}", h.RemoveAccount(generic.KindCustomer))
			r.Put("/{id}/status", h.SetAccountStatus(generic.KindCustomer))
			r.Post("/{id}/close", h.CloseAccount(generic.KindCustomer))
			r.Get("/{id}/payments", h.PaymentHistory(generic.KindCustomer))
		})

		r.Route("/employees", func(r chi.Router) {
			r.Get("/", h.ListEmployees)
			r.Post("/", h.CreateEmployee)
			r.Get("/{id}", h.GetEmployee)
			r.Put("/{id}", h.UpdateEmployee)
			r.Delete("/{id}", h.RemoveAccount(generic.KindEmployee))
			r.Put("/{id}/status", h.SetAccountStatus(generic.KindEmployee))
			r.Post("/{id}/close", h.CloseAccount(generic.KindEmployee))
			r.Get("/{id}/payments", h.PaymentHistory(generic.KindEmployee))
			r.Post("/{id}/add-balance", h.AdjustBalance(generic.KindEmployee, fleet.PaymentBalanceAdd))
			r.Post("/{id}/deduct-balance", h.AdjustBalance(generic.KindEmployee, fleet.PaymentBalanceDeduct))
		})

		r.Route("/invoices", func(r chi.Router) {
			r.Get("/", h.ListInvoices)
			r.Post("/", h.CreateInvoice)
			r.Get("/{id}", h.GetInvoice)
			r.Put("/{id}", h.UpdateInvoice)
			r.Delete("/{id}", h.DeleteInvoice)
		})

		r.Route("/payments", func(r chi.Router) {
			r.Get("/", h.ListPayments)
			r.Post("/", h.CreatePayment)
			r.Post("/receive", h.ReceivePayment)
			r.Post("/payment-out", h.PaymentOut)
			r.Get("/{id}", h.GetPayment)
			r.Put("/{id}", h.UpdatePayment)
			r.Delete("/{id}", h.DeletePayment)
		})

		r.Route("/closings", func(r chi.Router) {
			r.Get("/", h.ListClosings)
			r.Post("/", h.CloseMonth)
			r.Get("/{id}", h.GetClosing)
			r.Post("/{id}/reopen", h.ReopenClosing)
		})

		r.Get("/period", h.CurrentPeriod)
		r.Get("/dashboard", h.Dashboard)

		r.Route("/admin", func(r chi.Router) {
			r.Post("/reconcile", h.Reconcile)
			r.Get("/reconcile/runs", h.ListReconcileRuns)
			r.Get("/pending", h.PendingCustomers)
			r.Get("/export", h.Export)
			r.Post("/import", h.Import)
		})

		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Post("/load", h.LoadScenario)
		})
	})

	return r
}

// =============================================================================
// ACCESS LOG
// =============================================================================

// logFormatter writes one logrus entry per request.
type logFormatter struct {
	log *logrus.Logger
}

func (f *logFormatter) NewLogEntry(r *http.Request) middleware.LogEntry {
	return &logEntry{entry: f.log.WithFields(logrus.Fields{
		"module":     "http",
		"method":     r.Method,
		"path":       r.URL.Path,
		"request_id": middleware.GetReqID(r.Context()),
		"remote":     r.RemoteAddr,
	})}
}

type logEntry struct {
	entry *logrus.Entry
}

func (e *logEntry) Write(status, bytes int, _ http.Header, elapsed time.Duration, _ interface{}) {
	entry := e.entry.WithFields(logrus.Fields{
		"status":     status,
		"bytes":      bytes,
		"elapsed_ms": float64(elapsed.Microseconds()) / 1000,
	})
	switch {
	case status >= 500:
		entry.Error("request failed")
	case status >= 400:
		entry.Warn("request rejected")
	default:
		entry.Info("request served")
	}
}

func (e *logEntry) Panic(v interface{}, stack []byte) {
	e.entry.WithFields(logrus.Fields{"panic": v, "stack": string(stack)}).Error("request panicked")
}
