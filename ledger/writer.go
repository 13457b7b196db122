/*
writer.go - The only write path for ledger entries

PURPOSE:
  RecordEntry turns a credit, debit or adjustment into:
    1. one atomic balance upsert (returns the new outstanding), then
    2. one appended ledger row whose balance_after is that value.

  Both happen on the Store handed in, which is normally the transactional
  view inside WithTx, so they commit or roll back together with whatever
  trip and payment writes the caller made.

ORDERING:
  The balance upsert runs first. It locks the consigner's balance row for
  the rest of the transaction, so ledger ids of one consigner are issued
  in commit order and balance_after values form a running sum.

ROLLUPS:
  credit      freight += amount, trips += 1 if CountsTrip, last_trip_date
  debit       paid += amount, last_payment_date
  adjustment  explicit Trips/Freight/Paid deltas, optional
              last_payment_date reset

SEE ALSO:
  - replay.go: recomputes what this file maintains incrementally
  - store.go: ApplyBalanceChange contract
*/
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// EntryRequest describes one ledger entry to record.
type EntryRequest struct {
	ConsignerID ConsignerID
	TripID      *TripID
	Type        EntryType
	// Amount is > 0 for credit and debit; non-zero and signed for adjustment.
	Amount      decimal.Decimal
	Description string
	Date        Date

	// CountsTrip marks a credit raised by creating a trip.
	CountsTrip bool

	// Adjustment rollup deltas. Ignored for credit and debit.
	Trips   int
	Freight decimal.Decimal
	Paid    decimal.Decimal

	// LastPaymentDate replaces the stored value when ResetLastPaymentDate
	// is set. Adjustments only.
	LastPaymentDate      *Date
	ResetLastPaymentDate bool
}

// Validate checks the request without touching the store.
func (r EntryRequest) Validate() error {
	if r.ConsignerID <= 0 {
		return &ValidationError{Field: "consigner_id", Reason: "required"}
	}
	if !r.Type.Valid() {
		return &ValidationError{Field: "type", Reason: fmt.Sprintf("unknown entry type %q", r.Type)}
	}
	if r.Date.IsZero() {
		return &ValidationError{Field: "date", Reason: "required"}
	}
	if err := CheckMoney("amount", r.Amount); err != nil {
		return err
	}
	switch r.Type {
	case EntryCredit, EntryDebit:
		if !r.Amount.IsPositive() {
			return &ValidationError{Field: "amount", Reason: "must be greater than zero"}
		}
		if r.ResetLastPaymentDate {
			return &ValidationError{Field: "last_payment_date", Reason: "reset is only valid on adjustments"}
		}
	case EntryAdjustment:
		if r.Amount.IsZero() && r.Trips == 0 && r.Freight.IsZero() && r.Paid.IsZero() {
			return &ValidationError{Field: "amount", Reason: "adjustment changes nothing"}
		}
		if err := CheckMoney("freight", r.Freight); err != nil {
			return err
		}
		if err := CheckMoney("paid", r.Paid); err != nil {
			return err
		}
	}
	return nil
}

// change converts the request into the balance delta and the entry
// (without id and balance_after).
func (r EntryRequest) change(at time.Time) (BalanceChange, Entry) {
	c := BalanceChange{ConsignerID: r.ConsignerID, At: at}
	e := Entry{
		ConsignerID:     r.ConsignerID,
		TripID:          r.TripID,
		Type:            r.Type,
		Amount:          r.Amount,
		Description:     r.Description,
		TransactionDate: r.Date,
		FreightDelta:    decimal.Zero,
		PaidDelta:       decimal.Zero,
		CreatedAt:       at,
	}

	switch r.Type {
	case EntryCredit:
		c.Outstanding = r.Amount
		c.Freight = r.Amount
		if r.CountsTrip {
			c.Trips = 1
		}
		c.LastTripDate = r.Date.Ptr()
	case EntryDebit:
		c.Outstanding = r.Amount.Neg()
		c.Paid = r.Amount
		c.LastPaymentDate = r.Date.Ptr()
	case EntryAdjustment:
		c.Outstanding = r.Amount
		c.Trips = r.Trips
		c.Freight = r.Freight
		c.Paid = r.Paid
		c.LastPaymentDate = r.LastPaymentDate
		c.ResetLastPaymentDate = r.ResetLastPaymentDate
	}

	e.TripsDelta = c.Trips
	e.FreightDelta = c.Freight
	e.PaidDelta = c.Paid
	return c, e
}

// RecordEntry applies the balance change and appends the ledger row on s.
// Call it with the transactional Store passed to WithTx.
func RecordEntry(ctx context.Context, s Store, req EntryRequest, at time.Time) (Entry, Balance, error) {
	if err := req.Validate(); err != nil {
		return Entry{}, Balance{}, err
	}

	change, entry := req.change(at)

	bal, err := s.ApplyBalanceChange(ctx, change)
	if err != nil {
		return Entry{}, Balance{}, fmt.Errorf("apply balance change for consigner %d: %w", req.ConsignerID, err)
	}

	entry.BalanceAfter = bal.Outstanding
	id, err := s.AppendEntry(ctx, entry)
	if err != nil {
		return Entry{}, Balance{}, fmt.Errorf("append %s entry for consigner %d: %w", req.Type, req.ConsignerID, err)
	}
	entry.ID = id

	return entry, bal, nil
}

// =============================================================================
// LEDGER - standalone entry point with its own transaction
// =============================================================================

// Ledger records entries that are not part of a larger trip or payment
// operation, such as manual corrections.
type Ledger struct {
	store TxStore
	now   func() time.Time
}

func NewLedger(store TxStore) *Ledger {
	return &Ledger{store: store, now: time.Now}
}

// Record validates and records one entry in its own transaction.
func (l *Ledger) Record(ctx context.Context, req EntryRequest) (Entry, Balance, error) {
	if err := req.Validate(); err != nil {
		return Entry{}, Balance{}, err
	}

	var (
		entry Entry
		bal   Balance
	)
	err := l.store.WithTx(ctx, func(s Store) error {
		if _, err := s.GetConsigner(ctx, req.ConsignerID); err != nil {
			return err
		}
		var err error
		entry, bal, err = RecordEntry(ctx, s, req, l.now())
		return err
	})
	if err != nil {
		return Entry{}, Balance{}, err
	}
	return entry, bal, nil
}

// Entries returns a consigner's ledger in id order.
func (l *Ledger) Entries(ctx context.Context, id ConsignerID, r DateRange) ([]Entry, error) {
	return l.store.ListEntries(ctx, id, r)
}
