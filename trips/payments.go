/*
payments.go - Recording and reversing trip payments

RECORD (one transaction):
  1. Guarded trip update: amount_paid += x, amount_due -= x
     WHERE amount_due >= x   (a concurrent payment cannot overpay)
  2. Insert the payment row
  3. Debit the consigner (if the trip has one)

REVERSE (one transaction):
  1. Load and delete the payment
  2. Guarded trip update: amount_paid -= x, amount_due += x
     WHERE amount_paid >= x
  3. Adjustment +x on the consigner, paid_delta -x, last_payment_date
     recomputed from the payments that remain

  Record followed by Reverse restores the trip and the consigner's
  outstanding, total_paid and last_payment_date exactly.
*/
package trips

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/warp/fleet-ledger/ledger"
	"github.com/warp/fleet-ledger/metrics"
)

// PaymentRequest is money received against a trip.
type PaymentRequest struct {
	TripID ledger.TripID
	Amount decimal.Decimal
	// Date defaults to today; Mode defaults to cash.
	Date      ledger.Date
	Mode      ledger.PaymentMode
	Reference string
}

// PaymentResult is what RecordPayment committed.
type PaymentResult struct {
	Payment ledger.TripPayment `json:"payment"`
	Trip    ledger.Trip        `json:"trip"`
	Entry   *ledger.Entry      `json:"entry,omitempty"`
	Balance *ledger.Balance    `json:"balance,omitempty"`
}

// ReversalResult is what ReversePayment committed.
type ReversalResult struct {
	Payment ledger.TripPayment `json:"payment"`
	Trip    ledger.Trip        `json:"trip"`
	Entry   *ledger.Entry      `json:"entry,omitempty"`
	Balance *ledger.Balance    `json:"balance,omitempty"`
}

func (req *PaymentRequest) normalize(today ledger.Date) error {
	if req.TripID <= 0 {
		return &ledger.ValidationError{Field: "trip_id", Reason: "required"}
	}
	if err := ledger.CheckMoney("amount", req.Amount); err != nil {
		return err
	}
	if !req.Amount.IsPositive() {
		return &ledger.ValidationError{Field: "amount", Reason: "must be greater than zero"}
	}
	if req.Mode == "" {
		req.Mode = ledger.ModeCash
	}
	if !req.Mode.Valid() {
		return &ledger.ValidationError{Field: "payment_mode", Reason: fmt.Sprintf("unknown mode %q", req.Mode)}
	}
	if req.Date.IsZero() {
		req.Date = today
	}
	return nil
}

// RecordPayment applies a payment to a trip and debits its consigner.
func (e *Engine) RecordPayment(ctx context.Context, req PaymentRequest) (PaymentResult, error) {
	if err := req.normalize(e.Today()); err != nil {
		return PaymentResult{}, e.failed("record_payment", err)
	}

	// Fail fast outside the transaction; the guarded update re-checks.
	cur, err := e.store.GetTrip(ctx, req.TripID)
	if err != nil {
		return PaymentResult{}, e.failed("record_payment", err)
	}
	if req.Amount.GreaterThan(cur.AmountDue) {
		return PaymentResult{}, e.failed("record_payment", &ledger.PaymentExceedsDueError{
			TripID:    cur.ID,
			Due:       cur.AmountDue,
			Requested: req.Amount,
		})
	}

	var result PaymentResult
	err = e.store.WithTx(ctx, func(s ledger.Store) error {
		result = PaymentResult{}
		now := e.now()

		trip, err := s.ApplyTripPayment(ctx, req.TripID, req.Amount)
		if err != nil {
			return err
		}
		result.Trip = trip

		p := ledger.TripPayment{
			TripID:      trip.ID,
			Amount:      req.Amount,
			PaymentDate: req.Date,
			Mode:        req.Mode,
			Reference:   req.Reference,
			CreatedAt:   now,
		}
		p.ID, err = s.InsertPayment(ctx, p)
		if err != nil {
			return fmt.Errorf("insert payment: %w", err)
		}
		result.Payment = p

		consigner := consignerOf(&trip)
		if consigner == 0 {
			return nil
		}
		entry, bal, err := ledger.RecordEntry(ctx, s, ledger.EntryRequest{
			ConsignerID: consigner,
			TripID:      &trip.ID,
			Type:        ledger.EntryDebit,
			Amount:      req.Amount,
			Description: fmt.Sprintf("Payment received for trip %s (%s)", tripLabel(trip), req.Mode),
			Date:        req.Date,
		}, now)
		if err != nil {
			return err
		}
		result.Entry = &entry
		result.Balance = &bal
		return nil
	})
	if err != nil {
		return PaymentResult{}, e.failed("record_payment", err)
	}

	var entries []ledger.Entry
	if result.Entry != nil {
		entries = append(entries, *result.Entry)
	}
	e.committed(ctx, entries, consignerOf(&result.Trip))
	metrics.PaymentsRecordedTotal.Inc()
	e.log.Info("payment recorded",
		"payment_id", result.Payment.ID, "trip_id", result.Trip.ID,
		"consigner_id", consignerOf(&result.Trip),
		"amount", req.Amount.StringFixed(ledger.MoneyScale),
		"due", result.Trip.AmountDue.StringFixed(ledger.MoneyScale),
		"status", result.Trip.PaymentStatus)
	return result, nil
}

// ReversePayment deletes a payment and undoes its effect on the trip and
// the consigner balance.
func (e *Engine) ReversePayment(ctx context.Context, id ledger.PaymentID) (ReversalResult, error) {
	var result ReversalResult
	err := e.store.WithTx(ctx, func(s ledger.Store) error {
		result = ReversalResult{}

		p, err := s.GetPayment(ctx, id)
		if err != nil {
			return err
		}
		result.Payment = *p

		if err := s.DeletePayment(ctx, id); err != nil {
			return err
		}
		trip, err := s.RevertTripPayment(ctx, p.TripID, p.Amount)
		if err != nil {
			return err
		}
		result.Trip = trip

		consigner := consignerOf(&trip)
		if consigner == 0 {
			return nil
		}
		last, err := s.LastPaymentDate(ctx, consigner)
		if err != nil {
			return err
		}
		entry, bal, err := ledger.RecordEntry(ctx, s, ledger.EntryRequest{
			ConsignerID:          consigner,
			TripID:               &trip.ID,
			Type:                 ledger.EntryAdjustment,
			Amount:               p.Amount,
			Description:          fmt.Sprintf("Payment reversed on trip %s", tripLabel(trip)),
			Date:                 e.Today(),
			Paid:                 p.Amount.Neg(),
			LastPaymentDate:      last,
			ResetLastPaymentDate: true,
		}, e.now())
		if err != nil {
			return err
		}
		result.Entry = &entry
		result.Balance = &bal
		return nil
	})
	if err != nil {
		return ReversalResult{}, e.failed("reverse_payment", err)
	}

	var entries []ledger.Entry
	if result.Entry != nil {
		entries = append(entries, *result.Entry)
	}
	e.committed(ctx, entries, consignerOf(&result.Trip))
	metrics.PaymentReversalsTotal.Inc()
	e.log.Info("payment reversed",
		"payment_id", id, "trip_id", result.Trip.ID,
		"consigner_id", consignerOf(&result.Trip),
		"amount", result.Payment.Amount.StringFixed(ledger.MoneyScale),
		"status", result.Trip.PaymentStatus)
	return result, nil
}

// ListPayments returns a trip's payments in the order they were recorded.
func (e *Engine) ListPayments(ctx context.Context, trip ledger.TripID) ([]ledger.TripPayment, error) {
	if _, err := e.store.GetTrip(ctx, trip); err != nil {
		return nil, err
	}
	return e.store.ListPayments(ctx, trip)
}
