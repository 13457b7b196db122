/*
overdue.go - Lazy overdue status and the queries that depend on it

PURPOSE:
  A pending trip whose payment_due_date is before today (business time
  zone) and that still has money due is overdue. The status is a stored
  column refreshed on read: every query that filters or groups by status
  calls RefreshOverdueStatuses first. A ticker in the API process may
  also call it; nothing depends on that.

  The refresh is a single idempotent UPDATE. Partial trips are not moved
  to overdue; they already show money was received.
*/
package trips

import (
	"context"
	"fmt"

	"github.com/warp/fleet-ledger/ledger"
	"github.com/warp/fleet-ledger/metrics"
)

// RefreshOverdueStatuses flips due pending trips to overdue and returns
// how many changed.
func (e *Engine) RefreshOverdueStatuses(ctx context.Context) (int64, error) {
	today := e.Today()
	n, err := e.store.MarkOverdue(ctx, today)
	if err != nil {
		return 0, e.failed("refresh_overdue", fmt.Errorf("mark overdue as of %s: %w", today, err))
	}
	if n > 0 {
		metrics.OverdueTransitionsTotal.Add(float64(n))
		e.log.Info("trips marked overdue", "count", n, "today", today.String())
	}
	return n, nil
}

// PendingFilter narrows ListPendingPayments.
type PendingFilter struct {
	ConsignerID *ledger.ConsignerID
	// Statuses defaults to pending, partial and overdue.
	Statuses []ledger.PaymentStatus
}

var openStatuses = []ledger.PaymentStatus{ledger.StatusPending, ledger.StatusPartial, ledger.StatusOverdue}

// ListPendingPayments returns trips with money still due, earliest due
// date first.
func (e *Engine) ListPendingPayments(ctx context.Context, f PendingFilter) ([]ledger.Trip, error) {
	for _, st := range f.Statuses {
		if !st.Valid() {
			return nil, &ledger.ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", st)}
		}
	}
	if _, err := e.RefreshOverdueStatuses(ctx); err != nil {
		return nil, err
	}

	statuses := f.Statuses
	if len(statuses) == 0 {
		statuses = openStatuses
	}
	return e.store.ListTrips(ctx, ledger.TripFilter{
		ConsignerID: f.ConsignerID,
		Statuses:    statuses,
		OnlyDue:     true,
	})
}

// PaymentSummary totals freight, paid and due per status, for one
// consigner or all trips.
func (e *Engine) PaymentSummary(ctx context.Context, consigner *ledger.ConsignerID) (ledger.PaymentSummary, error) {
	if consigner != nil {
		if _, err := e.store.GetConsigner(ctx, *consigner); err != nil {
			return ledger.PaymentSummary{}, err
		}
	}
	if _, err := e.RefreshOverdueStatuses(ctx); err != nil {
		return ledger.PaymentSummary{}, err
	}
	return e.store.SummarizePayments(ctx, consigner)
}
