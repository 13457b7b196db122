/*
Package ledger provides the consigner ledger engine.

PURPOSE:
  Keeps a running, auditable outstanding balance per consigner. Every
  change to what a consigner owes is an immutable ledger entry; the
  ConsignerBalance row is a maintained rollup that must always be
  re-derivable from those entries.

KEY CONCEPTS IN THIS FILE (types.go):
  - Money: decimal amounts, two decimal places, stored as paise
  - Entry: one credit, debit or adjustment in the ledger
  - Balance: the maintained per-consigner rollup
  - Trip / TripPayment: the records that generate entries

SIGN CONVENTION:
  credit      +amount   consigner owes more (freight for a trip)
  debit       -amount   consigner owes less (payment received)
  adjustment  signed    corrections and reversals, sign as given

USAGE:
  entry, bal, err := ledger.RecordEntry(ctx, store, ledger.EntryRequest{
      ConsignerID: 7,
      Type:        ledger.EntryCredit,
      Amount:      decimal.NewFromInt(10000),
      Date:        ledger.NewDate(2025, time.March, 10),
      CountsTrip:  true,
  }, time.Now())

SEE ALSO:
  - writer.go: RecordEntry, the only write path for entries
  - replay.go: Rebuild the rollup from the ledger
  - store.go: Persistence interface
*/
package ledger

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type ConsignerID int64
type TripID int64
type PaymentID int64
type EntryID int64

// =============================================================================
// MONEY
// =============================================================================

// MoneyScale is the number of decimal places money is kept at.
const MoneyScale = 2

// ParseMoney parses a decimal string and rejects sub-paise precision.
func ParseMoney(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, &ValidationError{Field: "amount", Reason: fmt.Sprintf("not a number: %q", s)}
	}
	if err := CheckMoney("amount", d); err != nil {
		return decimal.Zero, err
	}
	return d, nil
}

// MaxMoney bounds any single amount. Stored paise are int64, and the cap
// leaves room for balances that sum many such amounts.
var MaxMoney = decimal.New(1, 13)

// CheckMoney returns a ValidationError when d carries more than two
// decimals or lies outside ±MaxMoney.
func CheckMoney(field string, d decimal.Decimal) error {
	if !d.Equal(d.Truncate(MoneyScale)) {
		return &ValidationError{Field: field, Reason: "at most 2 decimal places allowed"}
	}
	if d.Abs().GreaterThan(MaxMoney) {
		return &ValidationError{Field: field, Reason: "out of range (max " + MaxMoney.String() + ")"}
	}
	return nil
}

// ToPaise converts money to integer minor units for storage.
func ToPaise(d decimal.Decimal) int64 {
	return d.Shift(MoneyScale).IntPart()
}

// FromPaise converts stored minor units back to money.
func FromPaise(p int64) decimal.Decimal {
	return decimal.New(p, -MoneyScale)
}

// =============================================================================
// LEDGER ENTRY
// =============================================================================

type EntryType string

const (
	EntryCredit     EntryType = "credit"
	EntryDebit      EntryType = "debit"
	EntryAdjustment EntryType = "adjustment"
)

func (t EntryType) Valid() bool {
	switch t {
	case EntryCredit, EntryDebit, EntryAdjustment:
		return true
	}
	return false
}

// Entry is one immutable row of a consigner's ledger.
//
// Amount is non-negative for credits and debits; adjustments carry their
// sign. The rollup deltas record what the entry did to the balance row so
// a replay can rebuild every rollup column, not only the outstanding.
type Entry struct {
	ID              EntryID         `json:"id"`
	ConsignerID     ConsignerID     `json:"consigner_id"`
	TripID          *TripID         `json:"trip_id,omitempty"`
	Type            EntryType       `json:"type"`
	Amount          decimal.Decimal `json:"amount"`
	BalanceAfter    decimal.Decimal `json:"balance_after"`
	Description     string          `json:"description"`
	TransactionDate Date            `json:"transaction_date"`
	TripsDelta      int             `json:"trips_delta"`
	FreightDelta    decimal.Decimal `json:"freight_delta"`
	PaidDelta       decimal.Decimal `json:"paid_delta"`
	CreatedAt       time.Time       `json:"created_at"`
}

// SignedAmount is the entry's effect on the outstanding balance.
func (e Entry) SignedAmount() decimal.Decimal {
	switch e.Type {
	case EntryDebit:
		return e.Amount.Neg()
	default:
		return e.Amount
	}
}

// =============================================================================
// BALANCE - maintained rollup, one row per consigner
// =============================================================================

type Balance struct {
	ConsignerID     ConsignerID     `json:"consigner_id"`
	Outstanding     decimal.Decimal `json:"outstanding_balance"`
	TotalTrips      int             `json:"total_trips"`
	TotalFreight    decimal.Decimal `json:"total_freight"`
	TotalPaid       decimal.Decimal `json:"total_paid"`
	LastTripDate    *Date           `json:"last_trip_date,omitempty"`
	LastPaymentDate *Date           `json:"last_payment_date,omitempty"`
	UpdatedAt       time.Time       `json:"updated_at"`
	// Version increases with every write to the row. Zero means no row.
	Version int64 `json:"version"`
}

// ZeroBalance is the balance of a consigner that has no ledger entries yet.
func ZeroBalance(id ConsignerID) Balance {
	return Balance{
		ConsignerID:  id,
		Outstanding:  decimal.Zero,
		TotalFreight: decimal.Zero,
		TotalPaid:    decimal.Zero,
	}
}

// BalanceChange is applied to the balance row in a single atomic statement.
// Outstanding, Trips, Freight and Paid are added to the stored values.
// Dates keep the later of stored and incoming unless ResetLastPaymentDate
// is set, in which case LastPaymentDate replaces the stored value (nil
// clears it).
type BalanceChange struct {
	ConsignerID          ConsignerID
	Outstanding          decimal.Decimal
	Trips                int
	Freight              decimal.Decimal
	Paid                 decimal.Decimal
	LastTripDate         *Date
	LastPaymentDate      *Date
	ResetLastPaymentDate bool
	At                   time.Time
}

// =============================================================================
// CONSIGNER
// =============================================================================

// NormalizeName is the uniqueness key for consigner names: trimmed,
// lower-cased, inner whitespace collapsed.
func NormalizeName(name string) string {
	return strings.ToLower(strings.Join(strings.Fields(name), " "))
}

type Consigner struct {
	ID        ConsignerID `json:"id"`
	Name      string      `json:"name"`
	Phone     string      `json:"phone,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
}

// =============================================================================
// TRIP
// =============================================================================

type PaymentStatus string

const (
	StatusPending   PaymentStatus = "pending"
	StatusPartial   PaymentStatus = "partial"
	StatusCompleted PaymentStatus = "completed"
	StatusOverdue   PaymentStatus = "overdue"
)

func (s PaymentStatus) Valid() bool {
	switch s {
	case StatusPending, StatusPartial, StatusCompleted, StatusOverdue:
		return true
	}
	return false
}

// Trip is a shipment record. AmountDue is always FreightAmount - AmountPaid.
type Trip struct {
	ID             TripID          `json:"id"`
	ConsignerID    *ConsignerID    `json:"consigner_id,omitempty"`
	TripNumber     string          `json:"trip_number,omitempty"`
	Origin         string          `json:"origin,omitempty"`
	Destination    string          `json:"destination,omitempty"`
	TripDate       Date            `json:"trip_date"`
	FreightAmount  decimal.Decimal `json:"freight_amount"`
	AmountPaid     decimal.Decimal `json:"amount_paid"`
	AmountDue      decimal.Decimal `json:"amount_due"`
	PaymentStatus  PaymentStatus   `json:"payment_status"`
	PaymentDueDate *Date           `json:"payment_due_date,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// StatusFor derives the payment status a trip should carry after its
// amounts change. Overdue is only ever set by the overdue refresh.
func StatusFor(paid, due decimal.Decimal) PaymentStatus {
	switch {
	case !due.IsPositive():
		return StatusCompleted
	case paid.IsPositive():
		return StatusPartial
	default:
		return StatusPending
	}
}

// TripFilter selects trips for listing.
type TripFilter struct {
	ConsignerID *ConsignerID
	Statuses    []PaymentStatus
	OnlyDue     bool // amount_due > 0
}

// =============================================================================
// TRIP PAYMENT
// =============================================================================

type PaymentMode string

const (
	ModeCash         PaymentMode = "cash"
	ModeUPI          PaymentMode = "upi"
	ModeBankTransfer PaymentMode = "bank_transfer"
	ModeCheque       PaymentMode = "cheque"
	ModeOther        PaymentMode = "other"
)

func (m PaymentMode) Valid() bool {
	switch m {
	case ModeCash, ModeUPI, ModeBankTransfer, ModeCheque, ModeOther:
		return true
	}
	return false
}

// TripPayment is money received against one trip. Never updated in place.
type TripPayment struct {
	ID          PaymentID       `json:"id"`
	TripID      TripID          `json:"trip_id"`
	Amount      decimal.Decimal `json:"amount"`
	PaymentDate Date            `json:"payment_date"`
	Mode        PaymentMode     `json:"payment_mode"`
	Reference   string          `json:"reference,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// =============================================================================
// SUMMARY
// =============================================================================

// StatusTotals aggregates trips sharing one payment status.
type StatusTotals struct {
	Count   int             `json:"count"`
	Freight decimal.Decimal `json:"freight"`
	Paid    decimal.Decimal `json:"paid"`
	Due     decimal.Decimal `json:"due"`
}

// PaymentSummary aggregates trip payment state, optionally for one consigner.
type PaymentSummary struct {
	TotalTrips   int                            `json:"total_trips"`
	TotalFreight decimal.Decimal                `json:"total_freight"`
	TotalPaid    decimal.Decimal                `json:"total_paid"`
	TotalDue     decimal.Decimal                `json:"total_due"`
	ByStatus     map[PaymentStatus]StatusTotals `json:"by_status"`
}

// NewPaymentSummary builds a summary from per-status totals.
func NewPaymentSummary(byStatus map[PaymentStatus]StatusTotals) PaymentSummary {
	s := PaymentSummary{
		TotalFreight: decimal.Zero,
		TotalPaid:    decimal.Zero,
		TotalDue:     decimal.Zero,
		ByStatus:     make(map[PaymentStatus]StatusTotals, len(byStatus)),
	}
	for status, t := range byStatus {
		s.ByStatus[status] = t
		s.TotalTrips += t.Count
		s.TotalFreight = s.TotalFreight.Add(t.Freight)
		s.TotalPaid = s.TotalPaid.Add(t.Paid)
		s.TotalDue = s.TotalDue.Add(t.Due)
	}
	return s
}

// DateRange bounds ledger queries. Nil ends are open.
type DateRange struct {
	From *Date
	To   *Date
}

func (r DateRange) Contains(d Date) bool {
	if r.From != nil && d.Before(*r.From) {
		return false
	}
	if r.To != nil && d.After(*r.To) {
		return false
	}
	return true
}
