/*
trips.go - Trip lifecycle: create, edit, delete

CREATE (one transaction):
  1. Resolve consigner (by id, or find-or-create by name)
  2. Resolve scenario into paid / due / status
  3. Insert trip
  4. Insert the scenario payment, if any
  5. Credit the freight (counts a trip), then debit the paid amount

EDIT (one transaction):
  Guarded trip update on the amount_paid read at the start, then
  ReconcileTripEdit moves the ledger from the old contribution to the new.

DELETE (one transaction):
  Trip and its payments are removed; the consigner gets one adjustment
  taking back the trip's freight, paid amount and trip count. Ledger rows
  that referenced the trip stay.
*/
package trips

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/warp/fleet-ledger/ledger"
	"github.com/warp/fleet-ledger/metrics"
)

// CreateTripRequest describes a new trip. Set ConsignerID or
// ConsignerName (or neither for a trip without a consigner).
type CreateTripRequest struct {
	ConsignerID   *ledger.ConsignerID
	ConsignerName string

	TripNumber  string
	Origin      string
	Destination string
	TripDate    ledger.Date
	Freight     decimal.Decimal

	// Scenario defaults to NotPaid.
	Scenario       Scenario
	PaymentDueDate *ledger.Date

	// Mode and Reference apply to the scenario payment. Mode defaults to cash.
	PaymentMode ledger.PaymentMode
	Reference   string
}

// TripResult is what a trip operation committed.
type TripResult struct {
	Trip    ledger.Trip         `json:"trip"`
	Payment *ledger.TripPayment `json:"payment,omitempty"`
	Entries []ledger.Entry      `json:"entries"`
	// Balance is the last balance written, nil if no entry was recorded.
	Balance *ledger.Balance `json:"balance,omitempty"`
}

func (r *TripResult) record(entry ledger.Entry, bal ledger.Balance) {
	r.Entries = append(r.Entries, entry)
	r.Balance = &bal
}

func (req CreateTripRequest) validate() error {
	if req.TripDate.IsZero() {
		return &ledger.ValidationError{Field: "trip_date", Reason: "required"}
	}
	if err := ledger.CheckMoney("freight_amount", req.Freight); err != nil {
		return err
	}
	if req.Freight.IsNegative() {
		return &ledger.ValidationError{Field: "freight_amount", Reason: "must not be negative"}
	}
	if req.ConsignerID != nil && strings.TrimSpace(req.ConsignerName) != "" {
		return &ledger.ValidationError{Field: "consigner", Reason: "give consigner_id or consigner_name, not both"}
	}
	if req.PaymentMode != "" && !req.PaymentMode.Valid() {
		return &ledger.ValidationError{Field: "payment_mode", Reason: fmt.Sprintf("unknown mode %q", req.PaymentMode)}
	}
	return nil
}

// CreateTrip books a trip and records its opening payment and ledger
// entries atomically.
func (e *Engine) CreateTrip(ctx context.Context, req CreateTripRequest) (TripResult, error) {
	if err := req.validate(); err != nil {
		return TripResult{}, e.failed("create_trip", err)
	}
	sc := req.Scenario
	if sc == nil {
		sc = NotPaid{}
	}
	res, err := Resolve(req.Freight, sc)
	if err != nil {
		return TripResult{}, e.failed("create_trip", err)
	}
	mode := req.PaymentMode
	if mode == "" {
		mode = ledger.ModeCash
	}

	var result TripResult
	err = e.store.WithTx(ctx, func(s ledger.Store) error {
		result = TripResult{}
		now := e.now()

		consigner, err := e.resolveConsigner(ctx, s, req.ConsignerID, req.ConsignerName)
		if err != nil {
			return err
		}

		trip := ledger.Trip{
			ConsignerID:    consigner,
			TripNumber:     strings.TrimSpace(req.TripNumber),
			Origin:         strings.TrimSpace(req.Origin),
			Destination:    strings.TrimSpace(req.Destination),
			TripDate:       req.TripDate,
			FreightAmount:  req.Freight,
			AmountPaid:     res.Paid,
			AmountDue:      res.Due,
			PaymentStatus:  res.Status,
			PaymentDueDate: req.PaymentDueDate,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		trip.ID, err = s.InsertTrip(ctx, trip)
		if err != nil {
			return fmt.Errorf("insert trip: %w", err)
		}
		result.Trip = trip

		if res.Payment != nil {
			p := ledger.TripPayment{
				TripID:      trip.ID,
				Amount:      *res.Payment,
				PaymentDate: req.TripDate,
				Mode:        mode,
				Reference:   req.Reference,
				CreatedAt:   now,
			}
			p.ID, err = s.InsertPayment(ctx, p)
			if err != nil {
				return fmt.Errorf("insert scenario payment: %w", err)
			}
			result.Payment = &p
		}

		if consigner == nil || !req.Freight.IsPositive() {
			return nil
		}

		entry, bal, err := ledger.RecordEntry(ctx, s, ledger.EntryRequest{
			ConsignerID: *consigner,
			TripID:      &trip.ID,
			Type:        ledger.EntryCredit,
			Amount:      req.Freight,
			Description: "Freight for trip " + tripLabel(trip),
			Date:        req.TripDate,
			CountsTrip:  true,
		}, now)
		if err != nil {
			return err
		}
		result.record(entry, bal)

		if res.Paid.IsPositive() {
			entry, bal, err = ledger.RecordEntry(ctx, s, ledger.EntryRequest{
				ConsignerID: *consigner,
				TripID:      &trip.ID,
				Type:        ledger.EntryDebit,
				Amount:      res.Paid,
				Description: fmt.Sprintf("Paid to driver on trip %s (%s)", tripLabel(trip), sc.Kind()),
				Date:        req.TripDate,
			}, now)
			if err != nil {
				return err
			}
			result.record(entry, bal)
		}
		return nil
	})
	if err != nil {
		return TripResult{}, e.failed("create_trip", err)
	}

	e.committed(ctx, result.Entries, consignerOf(&result.Trip))
	if result.Payment != nil {
		metrics.PaymentsRecordedTotal.Inc()
	}
	e.log.Info("trip created",
		"trip_id", result.Trip.ID, "consigner_id", consignerOf(&result.Trip),
		"freight", req.Freight.StringFixed(ledger.MoneyScale),
		"paid", res.Paid.StringFixed(ledger.MoneyScale),
		"scenario", sc.Kind(), "entries", len(result.Entries))
	return result, nil
}

// resolveConsigner returns the id to attach, nil for none.
func (e *Engine) resolveConsigner(ctx context.Context, s ledger.Store, id *ledger.ConsignerID, name string) (*ledger.ConsignerID, error) {
	if id != nil {
		if _, err := s.GetConsigner(ctx, *id); err != nil {
			return nil, err
		}
		cid := *id
		return &cid, nil
	}
	if strings.TrimSpace(name) == "" {
		return nil, nil
	}
	cid, err := s.UpsertConsignerByName(ctx, name)
	if err != nil {
		return nil, err
	}
	return &cid, nil
}

func (e *Engine) GetTrip(ctx context.Context, id ledger.TripID) (*ledger.Trip, error) {
	return e.store.GetTrip(ctx, id)
}

// =============================================================================
// UPDATE
// =============================================================================

// TripUpdate lists the fields to change. Nil fields are left alone.
type TripUpdate struct {
	// ConsignerID or ConsignerName moves the trip; DetachConsigner removes it.
	ConsignerID     *ledger.ConsignerID
	ConsignerName   *string
	DetachConsigner bool

	TripNumber  *string
	Origin      *string
	Destination *string
	TripDate    *ledger.Date
	Freight     *decimal.Decimal

	PaymentDueDate *ledger.Date
	ClearDueDate   bool
}

func (u TripUpdate) validate() error {
	moves := 0
	if u.ConsignerID != nil {
		moves++
	}
	if u.ConsignerName != nil {
		moves++
	}
	if u.DetachConsigner {
		moves++
	}
	if moves > 1 {
		return &ledger.ValidationError{Field: "consigner", Reason: "give one of consigner_id, consigner_name, detach_consigner"}
	}
	if u.ConsignerName != nil && strings.TrimSpace(*u.ConsignerName) == "" {
		return &ledger.ValidationError{Field: "consigner_name", Reason: "must not be blank"}
	}
	if u.TripDate != nil && u.TripDate.IsZero() {
		return &ledger.ValidationError{Field: "trip_date", Reason: "must not be empty"}
	}
	if u.Freight != nil {
		if err := ledger.CheckMoney("freight_amount", *u.Freight); err != nil {
			return err
		}
		if u.Freight.IsNegative() {
			return &ledger.ValidationError{Field: "freight_amount", Reason: "must not be negative"}
		}
	}
	if u.PaymentDueDate != nil && u.ClearDueDate {
		return &ledger.ValidationError{Field: "payment_due_date", Reason: "set or clear, not both"}
	}
	return nil
}

// UpdateTrip edits a trip and reconciles the consigner ledger for any
// change of freight or consigner.
func (e *Engine) UpdateTrip(ctx context.Context, id ledger.TripID, u TripUpdate) (TripResult, error) {
	if err := u.validate(); err != nil {
		return TripResult{}, e.failed("update_trip", err)
	}

	var (
		result  TripResult
		touched []ledger.ConsignerID
	)
	err := e.store.WithTx(ctx, func(s ledger.Store) error {
		result = TripResult{}
		now := e.now()

		cur, err := s.GetTrip(ctx, id)
		if err != nil {
			return err
		}
		next := *cur

		switch {
		case u.DetachConsigner:
			next.ConsignerID = nil
		case u.ConsignerID != nil || u.ConsignerName != nil:
			name := ""
			if u.ConsignerName != nil {
				name = *u.ConsignerName
			}
			next.ConsignerID, err = e.resolveConsigner(ctx, s, u.ConsignerID, name)
			if err != nil {
				return err
			}
		}
		if u.TripNumber != nil {
			next.TripNumber = strings.TrimSpace(*u.TripNumber)
		}
		if u.Origin != nil {
			next.Origin = strings.TrimSpace(*u.Origin)
		}
		if u.Destination != nil {
			next.Destination = strings.TrimSpace(*u.Destination)
		}
		if u.TripDate != nil {
			next.TripDate = *u.TripDate
		}
		if u.PaymentDueDate != nil {
			next.PaymentDueDate = u.PaymentDueDate
		}
		if u.ClearDueDate {
			next.PaymentDueDate = nil
		}
		if u.Freight != nil {
			if u.Freight.LessThan(cur.AmountPaid) {
				return &ledger.ValidationError{
					Field:  "freight_amount",
					Reason: fmt.Sprintf("%s is below the %s already paid",
						u.Freight.StringFixed(ledger.MoneyScale), cur.AmountPaid.StringFixed(ledger.MoneyScale)),
				}
			}
			next.FreightAmount = *u.Freight
		}
		next.AmountDue = next.FreightAmount.Sub(next.AmountPaid)
		next.PaymentStatus = e.statusFor(next)
		next.UpdatedAt = now

		if err := s.UpdateTrip(ctx, *cur, next); err != nil {
			return err
		}
		result.Trip = next

		entries, bal, err := ReconcileTripEdit(ctx, s, TripEdit{
			TripID:       next.ID,
			TripLabel:    tripLabel(next),
			OldConsigner: cur.ConsignerID,
			OldFreight:   cur.FreightAmount,
			NewConsigner: next.ConsignerID,
			NewFreight:   next.FreightAmount,
			Paid:         next.AmountPaid,
			Date:         e.Today(),
		}, now)
		if err != nil {
			return err
		}
		result.Entries = entries
		result.Balance = bal
		touched = []ledger.ConsignerID{consignerOf(cur), consignerOf(&next)}
		return nil
	})
	if err != nil {
		return TripResult{}, e.failed("update_trip", err)
	}

	e.committed(ctx, result.Entries, touched...)
	e.log.Info("trip updated", "trip_id", id, "consigner_id", consignerOf(&result.Trip),
		"freight", result.Trip.FreightAmount.StringFixed(ledger.MoneyScale),
		"entries", len(result.Entries))
	return result, nil
}

// statusFor derives the status from amounts, keeping the overdue rule:
// pending with a past due date and money owed is overdue.
func (e *Engine) statusFor(t ledger.Trip) ledger.PaymentStatus {
	st := ledger.StatusFor(t.AmountPaid, t.AmountDue)
	if st == ledger.StatusPending && t.PaymentDueDate != nil && t.PaymentDueDate.Before(e.Today()) {
		return ledger.StatusOverdue
	}
	return st
}

// =============================================================================
// DELETE
// =============================================================================

// DeleteTrip removes a trip with its payments and takes its contribution
// back out of the consigner balance.
func (e *Engine) DeleteTrip(ctx context.Context, id ledger.TripID) (TripResult, error) {
	var result TripResult
	err := e.store.WithTx(ctx, func(s ledger.Store) error {
		result = TripResult{}

		cur, err := s.GetTrip(ctx, id)
		if err != nil {
			return err
		}
		if err := s.DeleteTrip(ctx, *cur); err != nil {
			return err
		}
		result.Trip = *cur

		consigner := consignerOf(cur)
		if consigner == 0 || (cur.FreightAmount.IsZero() && cur.AmountPaid.IsZero()) {
			return nil
		}

		trips := 0
		if cur.FreightAmount.IsPositive() {
			trips = -1
		}
		last, err := s.LastPaymentDate(ctx, consigner)
		if err != nil {
			return err
		}
		entry, bal, err := ledger.RecordEntry(ctx, s, ledger.EntryRequest{
			ConsignerID:          consigner,
			TripID:               &cur.ID,
			Type:                 ledger.EntryAdjustment,
			Amount:               cur.AmountDue.Neg(),
			Description:          "Trip " + tripLabel(*cur) + " deleted",
			Date:                 e.Today(),
			Trips:                trips,
			Freight:              cur.FreightAmount.Neg(),
			Paid:                 cur.AmountPaid.Neg(),
			LastPaymentDate:      last,
			ResetLastPaymentDate: true,
		}, e.now())
		if err != nil {
			return err
		}
		result.record(entry, bal)
		return nil
	})
	if err != nil {
		return TripResult{}, e.failed("delete_trip", err)
	}

	e.committed(ctx, result.Entries, consignerOf(&result.Trip))
	e.log.Info("trip deleted", "trip_id", id, "consigner_id", consignerOf(&result.Trip),
		"freight", result.Trip.FreightAmount.StringFixed(ledger.MoneyScale),
		"paid", result.Trip.AmountPaid.StringFixed(ledger.MoneyScale))
	return result, nil
}
