/*
dto.go - Request and response bodies for the HTTP API

PURPOSE:
  JSON shapes of the external contract. Responses mostly reuse the
  engine's result types (they carry json tags); requests are declared
  here so the wire names stay stable while engine types evolve.

MONEY AND DATES:
  Amounts are decimal strings or numbers ("10000", 4000.50) with at most
  two decimals. Dates are "YYYY-MM-DD".

VALIDATION:
  Shape checks use go-playground/validator struct tags. Business rules
  (amount <= due, partial <= freight) are the engine's and come back as
  domain errors.

SEE ALSO:
  - handlers.go: Uses these types
  - trips/: Engine request types these map onto
*/
package api

import (
	"github.com/shopspring/decimal"
	"github.com/warp/fleet-ledger/ledger"
)

// =============================================================================
// ERRORS
// =============================================================================

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// CONSIGNERS
// =============================================================================

type CreateConsignerRequest struct {
	Name string `json:"name" validate:"required,max=200"`
}

type AdjustmentRequest struct {
	// Amount is signed: positive raises what the consigner owes.
	Amount      *decimal.Decimal `json:"amount" validate:"required"`
	Description string           `json:"description" validate:"required,max=500"`
	Date        *ledger.Date     `json:"date,omitempty"`
}

type AdjustmentResponse struct {
	Entry   ledger.Entry   `json:"entry"`
	Balance ledger.Balance `json:"balance"`
}

// =============================================================================
// TRIPS
// =============================================================================

type CreateTripRequest struct {
	ConsignerID   *int64 `json:"consigner_id,omitempty" validate:"omitempty,gt=0"`
	ConsignerName string `json:"consigner_name,omitempty" validate:"max=200"`

	TripNumber  string `json:"trip_number,omitempty" validate:"max=64"`
	Origin      string `json:"origin,omitempty" validate:"max=200"`
	Destination string `json:"destination,omitempty" validate:"max=200"`

	TripDate      *ledger.Date     `json:"trip_date" validate:"required"`
	FreightAmount *decimal.Decimal `json:"freight_amount" validate:"required"`

	PaymentScenario string           `json:"payment_scenario,omitempty" validate:"omitempty,oneof=full_to_driver partial_to_driver left_with_party not_paid"`
	PartialAmount   *decimal.Decimal `json:"partial_amount,omitempty"`
	PaymentDueDate  *ledger.Date     `json:"payment_due_date,omitempty"`
	PaymentMode     string           `json:"payment_mode,omitempty" validate:"omitempty,oneof=cash upi bank_transfer cheque other"`
	Reference       string           `json:"reference,omitempty" validate:"max=200"`
}

// UpdateTripRequest changes only the fields present.
type UpdateTripRequest struct {
	ConsignerID     *int64  `json:"consigner_id,omitempty" validate:"omitempty,gt=0"`
	ConsignerName   *string `json:"consigner_name,omitempty" validate:"omitempty,max=200"`
	DetachConsigner bool    `json:"detach_consigner,omitempty"`

	TripNumber  *string `json:"trip_number,omitempty" validate:"omitempty,max=64"`
	Origin      *string `json:"origin,omitempty" validate:"omitempty,max=200"`
	Destination *string `json:"destination,omitempty" validate:"omitempty,max=200"`

	TripDate      *ledger.Date     `json:"trip_date,omitempty"`
	FreightAmount *decimal.Decimal `json:"freight_amount,omitempty"`

	PaymentDueDate *ledger.Date `json:"payment_due_date,omitempty"`
	ClearDueDate   bool         `json:"clear_due_date,omitempty"`
}

// =============================================================================
// PAYMENTS
// =============================================================================

type RecordPaymentRequest struct {
	Amount      *decimal.Decimal `json:"amount" validate:"required"`
	PaymentDate *ledger.Date     `json:"payment_date,omitempty"`
	PaymentMode string           `json:"payment_mode,omitempty" validate:"omitempty,oneof=cash upi bank_transfer cheque other"`
	Reference   string           `json:"reference,omitempty" validate:"max=200"`
}

type OverdueRefreshResponse struct {
	Updated int64 `json:"updated"`
}

// =============================================================================
// SCENARIOS
// =============================================================================

// ScenarioDTO describes a demo data set.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id" validate:"required"`
}
