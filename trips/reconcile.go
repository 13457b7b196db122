/*
reconcile.go - Ledger entries for an edited trip

PURPOSE:
  A trip contributes to its consigner's balance: its freight was credited
  (counting one trip) and its paid amount was debited. When the freight or
  the consigner changes, the old contribution is taken back and the new
  one applied. Past entries are never touched.

STEPS (all on the caller's transactional Store):
  1. Old consigner, old freight > 0:
       adjustment -old freight   (freight_delta -F, trips_delta -1)
  2. New consigner, new freight > 0:
       credit +new freight       (counts a trip)
  3. Consigner changed and paid > 0, the payments move with the trip:
       old consigner: adjustment +paid (paid_delta -paid), last payment
                      date recomputed from its remaining trips
       new consigner: debit paid, dated at the trip's latest payment

  Same consigner, same freight: nothing is written.

EXAMPLE:
  Trip freight 10000, paid 4000, moved from A to B, freight now 12000.
    A: -10000 (freight), +4000 (payments leave)  net  -6000
    B: +12000 (freight), -4000 (payments arrive) net  +8000
*/
package trips

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/fleet-ledger/ledger"
)

// TripEdit is the before/after of one trip edit.
type TripEdit struct {
	TripID    ledger.TripID
	TripLabel string

	OldConsigner *ledger.ConsignerID
	OldFreight   decimal.Decimal
	NewConsigner *ledger.ConsignerID
	NewFreight   decimal.Decimal

	// Paid is the trip's amount_paid; edits never change it.
	Paid decimal.Decimal
	// Date is the transaction date of the entries.
	Date ledger.Date
}

// Changed reports whether the edit affects any ledger.
func (e TripEdit) Changed() bool {
	return !sameConsigner(e.OldConsigner, e.NewConsigner) || !e.OldFreight.Equal(e.NewFreight)
}

// ReconcileTripEdit records the entries for an edit on s and returns them
// with the last balance written (nil when nothing was recorded). The trip
// row must already be updated on s.
func ReconcileTripEdit(ctx context.Context, s ledger.Store, edit TripEdit, at time.Time) ([]ledger.Entry, *ledger.Balance, error) {
	if !edit.Changed() {
		return nil, nil, nil
	}

	var (
		entries []ledger.Entry
		last    *ledger.Balance
	)
	record := func(req ledger.EntryRequest) error {
		req.TripID = &edit.TripID
		if req.Date.IsZero() {
			req.Date = edit.Date
		}
		entry, bal, err := ledger.RecordEntry(ctx, s, req, at)
		if err != nil {
			return err
		}
		entries = append(entries, entry)
		last = &bal
		return nil
	}

	label := edit.TripLabel
	moved := !sameConsigner(edit.OldConsigner, edit.NewConsigner)

	if edit.OldConsigner != nil && edit.OldFreight.IsPositive() {
		err := record(ledger.EntryRequest{
			ConsignerID: *edit.OldConsigner,
			Type:        ledger.EntryAdjustment,
			Amount:      edit.OldFreight.Neg(),
			Description: "Trip " + label + " edited: previous freight reversed",
			Trips:       -1,
			Freight:     edit.OldFreight.Neg(),
		})
		if err != nil {
			return nil, nil, err
		}
	}

	if edit.NewConsigner != nil && edit.NewFreight.IsPositive() {
		err := record(ledger.EntryRequest{
			ConsignerID: *edit.NewConsigner,
			Type:        ledger.EntryCredit,
			Amount:      edit.NewFreight,
			Description: "Trip " + label + " edited: freight",
			CountsTrip:  true,
		})
		if err != nil {
			return nil, nil, err
		}
	}

	if moved && edit.Paid.IsPositive() {
		if edit.OldConsigner != nil {
			lastPaid, err := s.LastPaymentDate(ctx, *edit.OldConsigner)
			if err != nil {
				return nil, nil, err
			}
			err = record(ledger.EntryRequest{
				ConsignerID:          *edit.OldConsigner,
				Type:                 ledger.EntryAdjustment,
				Amount:               edit.Paid,
				Description:          "Trip " + label + " moved: payments transferred out",
				Paid:                 edit.Paid.Neg(),
				LastPaymentDate:      lastPaid,
				ResetLastPaymentDate: true,
			})
			if err != nil {
				return nil, nil, err
			}
		}
		if edit.NewConsigner != nil {
			paidOn, err := latestPaymentDate(ctx, s, edit.TripID)
			if err != nil {
				return nil, nil, err
			}
			req := ledger.EntryRequest{
				ConsignerID: *edit.NewConsigner,
				Type:        ledger.EntryDebit,
				Amount:      edit.Paid,
				Description: "Trip " + label + " moved: payments transferred in",
			}
			// Dated when the money arrived so last_payment_date stays true.
			if paidOn != nil {
				req.Date = *paidOn
			}
			if err := record(req); err != nil {
				return nil, nil, err
			}
		}
	}

	return entries, last, nil
}

func latestPaymentDate(ctx context.Context, s ledger.Store, trip ledger.TripID) (*ledger.Date, error) {
	payments, err := s.ListPayments(ctx, trip)
	if err != nil {
		return nil, err
	}
	var latest *ledger.Date
	for _, p := range payments {
		latest = ledger.Later(latest, p.PaymentDate.Ptr())
	}
	return latest, nil
}
