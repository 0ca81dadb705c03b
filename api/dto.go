/*
dto.go - Request and response bodies for the HTTP API

PURPOSE:
  Decouples the JSON contract from the fleet input types. Requests carry
  identifiers as strings and dates as generic.Date; handlers convert them
  with the to*() methods, which return invalid_input errors on bad values.

NAMING CONVENTION:
  - *Request: request body types from clients
  - *Response: response wrappers
  Records themselves (fleet.Car, fleet.Payment, ...) are returned as-is.

TARGETS:
  A payment names its target either as {"target_kind", "target_id"} or with
  exactly one of customer_id, car_id, employee_id.

SEE ALSO:
  - handlers.go: Uses these types
  - fleet/payments.go, fleet/invoices.go: Input types they convert into
*/
package api

import (
	"strings"

	"github.com/shopspring/decimal"
	"github.com/warp/fleet-ledger/fleet"
	"github.com/warp/fleet-ledger/generic"
)

// =============================================================================
// REGISTRY
// =============================================================================

type CreateCarRequest struct {
	Name            string          `json:"name"`
	Plate           string          `json:"plate"`
	Driver          string          `json:"driver"`
	Conductor       string          `json:"conductor"`
	OpeningBalance  decimal.Decimal `json:"opening_balance"`
	OpeningLeftOwed decimal.Decimal `json:"opening_left_owed"`
}

func (r CreateCarRequest) toInput() fleet.CarInput {
	return fleet.CarInput{
		Name:            r.Name,
		Plate:           r.Plate,
		Driver:          r.Driver,
		Conductor:       r.Conductor,
		OpeningBalance:  r.OpeningBalance,
		OpeningLeftOwed: r.OpeningLeftOwed,
	}
}

// UpdateCarRequest edits descriptive fields. Status, when present, is
// applied after the other fields.
type UpdateCarRequest struct {
	Name      *string `json:"name"`
	Plate     *string `json:"plate"`
	Driver    *string `json:"driver"`
	Conductor *string `json:"conductor"`
	Status    *string `json:"status"`
}

func (r UpdateCarRequest) toPatch() fleet.CarPatch {
	return fleet.CarPatch{Name: r.Name, Plate: r.Plate, Driver: r.Driver, Conductor: r.Conductor}
}

type CreateCustomerRequest struct {
	Name  string `json:"name"`
	Phone string `json:"phone"`
}

type UpdateCustomerRequest struct {
	Name   *string `json:"name"`
	Phone  *string `json:"phone"`
	Status *string `json:"status"`
}

type CreateEmployeeRequest struct {
	Name           string          `json:"name"`
	Phone          string          `json:"phone"`
	Category       string          `json:"category"`
	OpeningBalance decimal.Decimal `json:"opening_balance"`
}

type UpdateEmployeeRequest struct {
	Name     *string `json:"name"`
	Phone    *string `json:"phone"`
	Category *string `json:"category"`
	Status   *string `json:"status"`
}

// StatusRequest sets an account's status directly.
type StatusRequest struct {
	Status string `json:"status"`
}

// =============================================================================
// INVOICES
// =============================================================================

type InvoiceItemRequest struct {
	ItemID        string          `json:"item_id"`
	CustomerID    string          `json:"customer_id"`
	Description   string          `json:"description"`
	Quantity      decimal.Decimal `json:"quantity"`
	Price         decimal.Decimal `json:"price"`
	LeftAmount    decimal.Decimal `json:"left_amount"`
	PaymentMethod string          `json:"payment_method"`
}

func (r InvoiceItemRequest) toInput() (fleet.ItemInput, error) {
	itemID, err := optionalID(r.ItemID)
	if err != nil {
		return fleet.ItemInput{}, err
	}
	customerID, err := optionalID(r.CustomerID)
	if err != nil {
		return fleet.ItemInput{}, err
	}
	return fleet.ItemInput{
		ItemID:        itemID,
		CustomerID:    customerID,
		Description:   r.Description,
		Quantity:      r.Quantity,
		Price:         r.Price,
		LeftAmount:    r.LeftAmount,
		PaymentMethod: fleet.PaymentMethod(strings.ToLower(strings.TrimSpace(r.PaymentMethod))),
	}, nil
}

func itemInputs(items []InvoiceItemRequest) ([]fleet.ItemInput, error) {
	out := make([]fleet.ItemInput, 0, len(items))
	for _, it := range items {
		in, err := it.toInput()
		if err != nil {
			return nil, err
		}
		out = append(out, in)
	}
	return out, nil
}

type CreateInvoiceRequest struct {
	InvoiceNo string               `json:"invoice_no"`
	CarID     string               `json:"car_id"`
	Date      generic.Date         `json:"date"`
	Items     []InvoiceItemRequest `json:"items"`
}

func (r CreateInvoiceRequest) toInput() (fleet.InvoiceInput, error) {
	carID, err := optionalID(r.CarID)
	if err != nil {
		return fleet.InvoiceInput{}, err
	}
	items, err := itemInputs(r.Items)
	if err != nil {
		return fleet.InvoiceInput{}, err
	}
	return fleet.InvoiceInput{InvoiceNo: r.InvoiceNo, CarID: carID, Date: r.Date.Time, Items: items}, nil
}

type UpdateInvoiceRequest struct {
	InvoiceNo *string               `json:"invoice_no"`
	CarID     *string               `json:"car_id"`
	Date      *generic.Date         `json:"date"`
	Items     *[]InvoiceItemRequest `json:"items"`
	Status    *string               `json:"status"`
}

func (r UpdateInvoiceRequest) toPatch() (fleet.InvoicePatch, error) {
	patch := fleet.InvoicePatch{InvoiceNo: r.InvoiceNo}
	if r.CarID != nil {
		id, err := generic.ParseID(*r.CarID)
		if err != nil {
			return patch, err
		}
		patch.CarID = &id
	}
	if r.Date != nil {
		if r.Date.IsZero() {
			return patch, generic.Errorf(generic.ErrMissingField, "date cannot be cleared")
		}
		d := r.Date.Time
		patch.Date = &d
	}
	if r.Items != nil {
		items, err := itemInputs(*r.Items)
		if err != nil {
			return patch, err
		}
		patch.Items = &items
	}
	if r.Status != nil {
		st := fleet.Status(*r.Status)
		patch.Status = &st
	}
	return patch, nil
}

// =============================================================================
// PAYMENTS
// =============================================================================

// PaymentRequest creates any payment type. Type is only read by
// POST /api/payments; the typed endpoints ignore it.
type PaymentRequest struct {
	Type        string          `json:"type"`
	TargetKind  string          `json:"target_kind"`
	TargetID    string          `json:"target_id"`
	CustomerID  string          `json:"customer_id"`
	CarID       string          `json:"car_id"`
	EmployeeID  string          `json:"employee_id"`
	Amount      decimal.Decimal `json:"amount"`
	PaymentDate generic.Date    `json:"payment_date"`
	Description string          `json:"description"`
	PaymentNo   string          `json:"payment_no"`
}

func (r PaymentRequest) toInput() (fleet.PaymentInput, error) {
	target, err := resolveTarget(r.TargetKind, r.TargetID, r.CustomerID, r.CarID, r.EmployeeID)
	if err != nil {
		return fleet.PaymentInput{}, err
	}
	return fleet.PaymentInput{
		Target:      target,
		Amount:      r.Amount,
		PaymentDate: r.PaymentDate.Time,
		Description: r.Description,
		PaymentNo:   strings.TrimSpace(r.PaymentNo),
	}, nil
}

// BalanceRequest adjusts an account named by the URL. PaymentDate defaults
// to today.
type BalanceRequest struct {
	Amount      decimal.Decimal `json:"amount"`
	PaymentDate generic.Date    `json:"payment_date"`
	Description string          `json:"description"`
	PaymentNo   string          `json:"payment_no"`
}

type UpdatePaymentRequest struct {
	TargetKind  *string          `json:"target_kind"`
	TargetID    *string          `json:"target_id"`
	Amount      *decimal.Decimal `json:"amount"`
	PaymentDate *generic.Date    `json:"payment_date"`
	Description *string          `json:"description"`
	PaymentNo   *string          `json:"payment_no"`
}

func (r UpdatePaymentRequest) toPatch() (fleet.PaymentPatch, error) {
	patch := fleet.PaymentPatch{Amount: r.Amount, Description: r.Description, PaymentNo: r.PaymentNo}
	if (r.TargetKind == nil) != (r.TargetID == nil) {
		return patch, generic.Errorf(generic.ErrInvalidTarget, "target_kind and target_id must be changed together")
	}
	if r.TargetKind != nil {
		target, err := resolveTarget(*r.TargetKind, *r.TargetID, "", "", "")
		if err != nil {
			return patch, err
		}
		patch.Target = &target
	}
	if r.PaymentDate != nil {
		if r.PaymentDate.IsZero() {
			return patch, generic.Errorf(generic.ErrMissingField, "payment_date cannot be cleared")
		}
		d := r.PaymentDate.Time
		patch.PaymentDate = &d
	}
	return patch, nil
}

// resolveTarget accepts either an explicit kind and id or exactly one of the
// per-kind id fields. No target at all yields a zero Ref, which validation
// reports as missing.
func resolveTarget(kind, id, customerID, carID, employeeID string) (generic.Ref, error) {
	if strings.TrimSpace(kind) != "" || strings.TrimSpace(id) != "" {
		k, err := generic.ParseEntityKind(kind)
		if err != nil {
			return generic.Ref{}, err
		}
		rid, err := generic.ParseID(id)
		if err != nil {
			return generic.Ref{}, err
		}
		return generic.Ref{Kind: k, ID: rid}, nil
	}

	var refs []generic.Ref
	for _, c := range []struct {
		kind generic.EntityKind
		id   string
	}{
		{generic.KindCustomer, customerID},
		{generic.KindCar, carID},
		{generic.KindEmployee, employeeID},
	} {
		if strings.TrimSpace(c.id) == "" {
			continue
		}
		rid, err := generic.ParseID(c.id)
		if err != nil {
			return generic.Ref{}, err
		}
		refs = append(refs, generic.Ref{Kind: c.kind, ID: rid})
	}
	switch len(refs) {
	case 0:
		return generic.Ref{}, nil
	case 1:
		return refs[0], nil
	default:
		return generic.Ref{}, generic.Errorf(generic.ErrInvalidTarget, "a payment has exactly one target")
	}
}

func optionalID(s string) (generic.ID, error) {
	if strings.TrimSpace(s) == "" {
		return generic.NilID, nil
	}
	return generic.ParseID(s)
}

// =============================================================================
// RESPONSES
// =============================================================================

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error   string `json:"error"`
	Kind    string `json:"kind,omitempty"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

// DegradedResponse is returned with 202 when the write committed but a
// customer balance could not be recomputed yet.
type DegradedResponse struct {
	Data    any    `json:"data"`
	Warning string `json:"warning"`
	Code    string `json:"code"`
}

// PendingResponse lists customers awaiting recomputation.
type PendingResponse struct {
	Customers []generic.ID `json:"customers"`
	Count     int          `json:"count"`
}

// ReconcileResponse summarizes a reconciliation pass.
type ReconcileResponse struct {
	Report fleet.ReconcileReport `json:"report"`
	Error  string                `json:"error,omitempty"`
}

// ScenarioDTO describes a demo data set.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}
