/*
scenario.go - How the freight of a new trip was settled

PURPOSE:
  When a trip is booked the operator says what happened to the freight:

    full_to_driver     the consigner paid the driver the whole freight
    partial_to_driver  the consigner paid the driver part of it
    left_with_party    nothing paid yet, collect later
    not_paid           nothing paid

  Resolve turns that answer into the trip's opening amounts and the
  payment (if any) to record with it.

OUTCOMES:
  Scenario         Paid      Due               Status     Payment
  ---------------  --------  ----------------  ---------  ----------------
  FullToDriver     freight   0                 completed  freight (if > 0)
  PartialToDriver  amount    freight - amount  partial    amount
  LeftWithParty    0         freight           pending    none
  NotPaid          0         freight           pending    none

  A partial amount must satisfy 0 < amount <= freight. The status is
  fixed by the scenario, not derived from the amounts: a partial payment
  of the whole freight still opens as partial, and an unpaid zero-freight
  trip opens as pending.
*/
package trips

import (
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/warp/fleet-ledger/ledger"
)

// ScenarioKind is the wire name of a scenario.
type ScenarioKind string

const (
	KindFullToDriver    ScenarioKind = "full_to_driver"
	KindPartialToDriver ScenarioKind = "partial_to_driver"
	KindLeftWithParty   ScenarioKind = "left_with_party"
	KindNotPaid         ScenarioKind = "not_paid"
)

// Scenario is closed: only the four types below implement it.
type Scenario interface {
	Kind() ScenarioKind
	scenario()
}

type FullToDriver struct{}

type PartialToDriver struct {
	Amount decimal.Decimal
}

type LeftWithParty struct{}

type NotPaid struct{}

func (FullToDriver) Kind() ScenarioKind    { return KindFullToDriver }
func (PartialToDriver) Kind() ScenarioKind { return KindPartialToDriver }
func (LeftWithParty) Kind() ScenarioKind   { return KindLeftWithParty }
func (NotPaid) Kind() ScenarioKind         { return KindNotPaid }

func (FullToDriver) scenario()    {}
func (PartialToDriver) scenario() {}
func (LeftWithParty) scenario()   {}
func (NotPaid) scenario()         {}

// ParseScenario maps a wire name (and the partial amount) to a Scenario.
// An empty kind means NotPaid.
func ParseScenario(kind string, amount *decimal.Decimal) (Scenario, error) {
	switch ScenarioKind(kind) {
	case KindFullToDriver:
		return FullToDriver{}, nil
	case KindPartialToDriver:
		if amount == nil {
			return nil, fmt.Errorf("%w: partial_to_driver needs an amount", ledger.ErrInvalidScenario)
		}
		return PartialToDriver{Amount: *amount}, nil
	case KindLeftWithParty:
		return LeftWithParty{}, nil
	case KindNotPaid, "":
		return NotPaid{}, nil
	default:
		return nil, fmt.Errorf("%w: unknown scenario %q", ledger.ErrInvalidScenario, kind)
	}
}

// Resolution is the opening state of a trip.
type Resolution struct {
	Paid   decimal.Decimal
	Due    decimal.Decimal
	Status ledger.PaymentStatus
	// Payment is the amount to record as a trip payment, nil for none.
	Payment *decimal.Decimal
}

// Resolve computes the opening amounts for a trip with the given freight.
func Resolve(freight decimal.Decimal, sc Scenario) (Resolution, error) {
	if freight.IsNegative() {
		return Resolution{}, &ledger.ValidationError{Field: "freight_amount", Reason: "must not be negative"}
	}

	switch s := sc.(type) {
	case FullToDriver:
		r := Resolution{Paid: freight, Due: decimal.Zero, Status: ledger.StatusCompleted}
		if freight.IsPositive() {
			r.Payment = &freight
		}
		return r, nil

	case PartialToDriver:
		if err := ledger.CheckMoney("partial_amount", s.Amount); err != nil {
			return Resolution{}, fmt.Errorf("%w: %v", ledger.ErrInvalidScenario, err)
		}
		if !s.Amount.IsPositive() {
			return Resolution{}, fmt.Errorf("%w: partial amount must be greater than zero", ledger.ErrInvalidScenario)
		}
		if s.Amount.GreaterThan(freight) {
			return Resolution{}, fmt.Errorf("%w: partial amount %s exceeds freight %s",
				ledger.ErrInvalidScenario, s.Amount.StringFixed(ledger.MoneyScale), freight.StringFixed(ledger.MoneyScale))
		}
		amount := s.Amount
		due := freight.Sub(amount)
		return Resolution{
			Paid:    amount,
			Due:     due,
			Status:  ledger.StatusPartial,
			Payment: &amount,
		}, nil

	case LeftWithParty, NotPaid:
		return Resolution{Paid: decimal.Zero, Due: freight, Status: ledger.StatusPending}, nil

	default:
		return Resolution{}, fmt.Errorf("%w: %T", ledger.ErrInvalidScenario, sc)
	}
}
