// Package storetest holds the behavioural contract every ledger.TxStore must
// satisfy. Backends run it from their own tests.
package storetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/fleet-ledger/ledger"
)

// Factory returns an empty store. It registers its own cleanup.
type Factory func(t *testing.T) ledger.TxStore

// Run executes the contract against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("UpsertConsignerNormalisesName", func(t *testing.T) { testUpsertConsigner(t, newStore(t)) })
	t.Run("BalanceUpsertAccumulates", func(t *testing.T) { testBalanceUpsert(t, newStore(t)) })
	t.Run("BalanceDatesLaterOfAndReset", func(t *testing.T) { testBalanceDates(t, newStore(t)) })
	t.Run("EntriesOrderedAndFiltered", func(t *testing.T) { testEntries(t, newStore(t)) })
	t.Run("GuardedTripPayment", func(t *testing.T) { testGuardedPayment(t, newStore(t)) })
	t.Run("RevertTripPayment", func(t *testing.T) { testRevertPayment(t, newStore(t)) })
	t.Run("UpdateTripGuardsAmountPaid", func(t *testing.T) { testUpdateTrip(t, newStore(t)) })
	t.Run("UpdateTripRejectsStaleRead", func(t *testing.T) { testStaleUpdateTrip(t, newStore(t)) })
	t.Run("DeleteTripRemovesPayments", func(t *testing.T) { testDeleteTrip(t, newStore(t)) })
	t.Run("DeleteTripRejectsStaleRead", func(t *testing.T) { testStaleDeleteTrip(t, newStore(t)) })
	t.Run("MarkOverdue", func(t *testing.T) { testMarkOverdue(t, newStore(t)) })
	t.Run("ListTripsOrderAndFilter", func(t *testing.T) { testListTrips(t, newStore(t)) })
	t.Run("SummarizePayments", func(t *testing.T) { testSummary(t, newStore(t)) })
	t.Run("LastPaymentDate", func(t *testing.T) { testLastPaymentDate(t, newStore(t)) })
	t.Run("WithTxRollsBack", func(t *testing.T) { testRollback(t, newStore(t)) })
	t.Run("ConcurrentBalanceChanges", func(t *testing.T) { testConcurrentBalance(t, newStore(t)) })
}

var at = time.Date(2025, time.March, 10, 9, 30, 0, 0, time.UTC)

func money(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func assertMoney(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	assert.True(t, money(want).Equal(got), "want %s, got %s", want, got.String())
}

func date(s string) *ledger.Date {
	d := ledger.MustDate(s)
	return &d
}

func newTrip(t *testing.T, s ledger.Store, consigner *ledger.ConsignerID, freight string, due *ledger.Date) ledger.Trip {
	t.Helper()
	f := money(freight)
	trip := ledger.Trip{
		ConsignerID:    consigner,
		TripNumber:     "TRP-1",
		Origin:         "Delhi",
		Destination:    "Jaipur",
		TripDate:       ledger.MustDate("2025-03-01"),
		FreightAmount:  f,
		AmountPaid:     decimal.Zero,
		AmountDue:      f,
		PaymentStatus:  ledger.StatusFor(decimal.Zero, f),
		PaymentDueDate: due,
		CreatedAt:      at,
		UpdatedAt:      at,
	}
	id, err := s.InsertTrip(context.Background(), trip)
	require.NoError(t, err)
	trip.ID = id
	return trip
}

func testUpsertConsigner(t *testing.T, s ledger.TxStore) {
	ctx := context.Background()

	id1, err := s.UpsertConsignerByName(ctx, "  Sharma   Traders ")
	require.NoError(t, err)
	id2, err := s.UpsertConsignerByName(ctx, "sharma traders")
	require.NoError(t, err)
	assert.Equal(t, id1, id2)

	other, err := s.UpsertConsignerByName(ctx, "Gupta Logistics")
	require.NoError(t, err)
	assert.NotEqual(t, id1, other)

	c, err := s.GetConsigner(ctx, id1)
	require.NoError(t, err)
	assert.Equal(t, "Sharma   Traders", c.Name)

	_, err = s.GetConsigner(ctx, 9999)
	assert.ErrorIs(t, err, ledger.ErrConsignerNotFound)

	_, err = s.UpsertConsignerByName(ctx, "   ")
	assert.ErrorIs(t, err, ledger.ErrValidation)
}

func testBalanceUpsert(t *testing.T, s ledger.TxStore) {
	ctx := context.Background()
	id, err := s.UpsertConsignerByName(ctx, "Sharma Traders")
	require.NoError(t, err)

	none, err := s.GetBalance(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, none)

	b, err := s.ApplyBalanceChange(ctx, ledger.BalanceChange{
		ConsignerID: id, Outstanding: money("10000"), Trips: 1, Freight: money("10000"),
		Paid: decimal.Zero, LastTripDate: date("2025-03-01"), At: at,
	})
	require.NoError(t, err)
	assertMoney(t, "10000", b.Outstanding)

	b, err = s.ApplyBalanceChange(ctx, ledger.BalanceChange{
		ConsignerID: id, Outstanding: money("-4000.25"), Freight: decimal.Zero,
		Paid: money("4000.25"), LastPaymentDate: date("2025-03-02"), At: at,
	})
	require.NoError(t, err)
	assertMoney(t, "5999.75", b.Outstanding)
	assertMoney(t, "10000", b.TotalFreight)
	assertMoney(t, "4000.25", b.TotalPaid)
	assert.Equal(t, 1, b.TotalTrips)

	stored, err := s.GetBalance(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assertMoney(t, "5999.75", stored.Outstanding)
	assert.Equal(t, "2025-03-01", stored.LastTripDate.String())
	assert.Equal(t, "2025-03-02", stored.LastPaymentDate.String())
	assert.Equal(t, int64(2), stored.Version)

	// Every write bumps the version, a replace included.
	replaced := *stored
	replaced.Outstanding = money("1")
	require.NoError(t, s.ReplaceBalance(ctx, replaced))
	stored, err = s.GetBalance(ctx, id)
	require.NoError(t, err)
	assertMoney(t, "1", stored.Outstanding)
	assert.Equal(t, int64(3), stored.Version)
}

func testBalanceDates(t *testing.T, s ledger.TxStore) {
	ctx := context.Background()
	id, err := s.UpsertConsignerByName(ctx, "Sharma Traders")
	require.NoError(t, err)

	change := func(c ledger.BalanceChange) ledger.Balance {
		c.ConsignerID = id
		c.Outstanding, c.Freight, c.Paid = decimal.Zero, decimal.Zero, decimal.Zero
		c.At = at
		b, err := s.ApplyBalanceChange(ctx, c)
		require.NoError(t, err)
		return b
	}

	change(ledger.BalanceChange{LastTripDate: date("2025-03-10"), LastPaymentDate: date("2025-03-12")})
	b := change(ledger.BalanceChange{LastTripDate: date("2025-02-01"), LastPaymentDate: date("2025-01-01")})
	assert.Equal(t, "2025-03-10", b.LastTripDate.String(), "older trip date ignored")
	assert.Equal(t, "2025-03-12", b.LastPaymentDate.String(), "older payment date ignored")

	b = change(ledger.BalanceChange{LastPaymentDate: date("2025-01-01"), ResetLastPaymentDate: true})
	assert.Equal(t, "2025-01-01", b.LastPaymentDate.String(), "reset replaces exactly")

	b = change(ledger.BalanceChange{ResetLastPaymentDate: true})
	assert.Nil(t, b.LastPaymentDate)
	assert.Equal(t, "2025-03-10", b.LastTripDate.String())
}

func testEntries(t *testing.T, s ledger.TxStore) {
	ctx := context.Background()
	id, err := s.UpsertConsignerByName(ctx, "Sharma Traders")
	require.NoError(t, err)
	other, err := s.UpsertConsignerByName(ctx, "Gupta Logistics")
	require.NoError(t, err)

	trip := ledger.TripID(7)
	for i, d := range []string{"2025-03-01", "2025-03-05", "2025-03-09"} {
		_, err := s.AppendEntry(ctx, ledger.Entry{
			ConsignerID: id, TripID: &trip, Type: ledger.EntryCredit,
			Amount: money("100"), BalanceAfter: money("100").Mul(decimal.NewFromInt(int64(i + 1))),
			Description: "freight", TransactionDate: ledger.MustDate(d),
			TripsDelta: 1, FreightDelta: money("100"), PaidDelta: decimal.Zero, CreatedAt: at,
		})
		require.NoError(t, err)
	}
	_, err = s.AppendEntry(ctx, ledger.Entry{
		ConsignerID: other, Type: ledger.EntryAdjustment, Amount: money("-5"),
		BalanceAfter: money("-5"), TransactionDate: ledger.MustDate("2025-03-05"),
		FreightDelta: decimal.Zero, PaidDelta: decimal.Zero, CreatedAt: at,
	})
	require.NoError(t, err)

	all, err := s.ListEntries(ctx, id, ledger.DateRange{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Less(t, all[0].ID, all[1].ID)
	assert.Less(t, all[1].ID, all[2].ID)
	assertMoney(t, "300", all[2].BalanceAfter)
	require.NotNil(t, all[0].TripID)
	assert.Equal(t, trip, *all[0].TripID)
	assert.Equal(t, 1, all[0].TripsDelta)
	assertMoney(t, "100", all[0].FreightDelta)

	ranged, err := s.ListEntries(ctx, id, ledger.DateRange{From: date("2025-03-02"), To: date("2025-03-09")})
	require.NoError(t, err)
	require.Len(t, ranged, 2)
	assert.Equal(t, "2025-03-05", ranged[0].TransactionDate.String())

	adj, err := s.ListEntries(ctx, other, ledger.DateRange{})
	require.NoError(t, err)
	require.Len(t, adj, 1)
	assert.Nil(t, adj[0].TripID)
	assertMoney(t, "-5", adj[0].Amount)
}

func testGuardedPayment(t *testing.T, s ledger.TxStore) {
	ctx := context.Background()
	trip := newTrip(t, s, nil, "10000", nil)

	updated, err := s.ApplyTripPayment(ctx, trip.ID, money("4000"))
	require.NoError(t, err)
	assertMoney(t, "4000", updated.AmountPaid)
	assertMoney(t, "6000", updated.AmountDue)
	assert.Equal(t, ledger.StatusPartial, updated.PaymentStatus)

	_, err = s.ApplyTripPayment(ctx, trip.ID, money("6000.01"))
	var exceeds *ledger.PaymentExceedsDueError
	require.ErrorAs(t, err, &exceeds)
	assertMoney(t, "6000", exceeds.Due)
	assert.ErrorIs(t, err, ledger.ErrPaymentExceedsDue)

	updated, err = s.ApplyTripPayment(ctx, trip.ID, money("6000"))
	require.NoError(t, err)
	assertMoney(t, "0", updated.AmountDue)
	assert.Equal(t, ledger.StatusCompleted, updated.PaymentStatus)

	_, err = s.ApplyTripPayment(ctx, 9999, money("1"))
	assert.ErrorIs(t, err, ledger.ErrTripNotFound)
}

func testRevertPayment(t *testing.T, s ledger.TxStore) {
	ctx := context.Background()
	trip := newTrip(t, s, nil, "500", nil)

	_, err := s.ApplyTripPayment(ctx, trip.ID, money("500"))
	require.NoError(t, err)

	reverted, err := s.RevertTripPayment(ctx, trip.ID, money("200"))
	require.NoError(t, err)
	assertMoney(t, "300", reverted.AmountPaid)
	assertMoney(t, "200", reverted.AmountDue)
	assert.Equal(t, ledger.StatusPartial, reverted.PaymentStatus)

	reverted, err = s.RevertTripPayment(ctx, trip.ID, money("300"))
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusPending, reverted.PaymentStatus)

	_, err = s.RevertTripPayment(ctx, trip.ID, money("1"))
	assert.ErrorIs(t, err, ledger.ErrConcurrentModification)
}

func testUpdateTrip(t *testing.T, s ledger.TxStore) {
	ctx := context.Background()
	id, err := s.UpsertConsignerByName(ctx, "Sharma Traders")
	require.NoError(t, err)
	trip := newTrip(t, s, &id, "1000", nil)

	next := trip
	next.FreightAmount = money("1500")
	next.AmountDue = money("1500")
	next.Destination = "Ajmer"
	next.PaymentDueDate = date("2025-04-01")
	require.NoError(t, s.UpdateTrip(ctx, trip, next))

	got, err := s.GetTrip(ctx, trip.ID)
	require.NoError(t, err)
	assertMoney(t, "1500", got.FreightAmount)
	assert.Equal(t, "Ajmer", got.Destination)
	assert.Equal(t, "2025-04-01", got.PaymentDueDate.String())
	require.NotNil(t, got.ConsignerID)
	assert.Equal(t, id, *got.ConsignerID)

	// A payment lands between read and write.
	read := *got
	_, err = s.ApplyTripPayment(ctx, trip.ID, money("100"))
	require.NoError(t, err)
	edit := read
	edit.Origin = "Agra"
	assert.ErrorIs(t, s.UpdateTrip(ctx, read, edit), ledger.ErrConcurrentModification)

	read.ID = 9999
	assert.ErrorIs(t, s.UpdateTrip(ctx, read, read), ledger.ErrTripNotFound)
}

func testStaleUpdateTrip(t *testing.T, s ledger.TxStore) {
	// GIVEN: Two editors who both read a trip at freight 1000
	// WHEN: The first commits freight 2000, then the second writes 3000
	// THEN: The second write is refused and the first edit stands

	ctx := context.Background()
	id, err := s.UpsertConsignerByName(ctx, "Sharma Traders")
	require.NoError(t, err)
	other, err := s.UpsertConsignerByName(ctx, "Gupta Logistics")
	require.NoError(t, err)
	read := newTrip(t, s, &id, "1000", nil)

	first := read
	first.FreightAmount = money("2000")
	first.AmountDue = money("2000")
	require.NoError(t, s.UpdateTrip(ctx, read, first))

	second := read
	second.FreightAmount = money("3000")
	second.AmountDue = money("3000")
	assert.ErrorIs(t, s.UpdateTrip(ctx, read, second), ledger.ErrConcurrentModification)

	got, err := s.GetTrip(ctx, read.ID)
	require.NoError(t, err)
	assertMoney(t, "2000", got.FreightAmount)
	assertMoney(t, "2000", got.AmountDue)

	// A consigner move is guarded the same way, including to and from none.
	moved := *got
	moved.ConsignerID = &other
	require.NoError(t, s.UpdateTrip(ctx, *got, moved))
	stale := *got
	stale.Destination = "Ajmer"
	assert.ErrorIs(t, s.UpdateTrip(ctx, *got, stale), ledger.ErrConcurrentModification)

	detached := moved
	detached.ConsignerID = nil
	require.NoError(t, s.UpdateTrip(ctx, moved, detached))
	assert.ErrorIs(t, s.UpdateTrip(ctx, moved, moved), ledger.ErrConcurrentModification)
	require.NoError(t, s.UpdateTrip(ctx, detached, detached))
}

func testDeleteTrip(t *testing.T, s ledger.TxStore) {
	ctx := context.Background()
	trip := newTrip(t, s, nil, "1000", nil)
	paid, err := s.ApplyTripPayment(ctx, trip.ID, money("300"))
	require.NoError(t, err)
	pid, err := s.InsertPayment(ctx, ledger.TripPayment{
		TripID: trip.ID, Amount: money("300"), PaymentDate: ledger.MustDate("2025-03-02"),
		Mode: ledger.ModeCash, CreatedAt: at,
	})
	require.NoError(t, err)

	require.NoError(t, s.DeleteTrip(ctx, paid))

	_, err = s.GetTrip(ctx, trip.ID)
	assert.ErrorIs(t, err, ledger.ErrTripNotFound)
	_, err = s.GetPayment(ctx, pid)
	assert.ErrorIs(t, err, ledger.ErrPaymentNotFound)
	assert.ErrorIs(t, s.DeleteTrip(ctx, paid), ledger.ErrTripNotFound)
}

func testStaleDeleteTrip(t *testing.T, s ledger.TxStore) {
	// GIVEN: A trip read for deletion
	// WHEN: A payment commits before the delete runs
	// THEN: The delete is refused and the trip keeps its payment

	ctx := context.Background()
	id, err := s.UpsertConsignerByName(ctx, "Sharma Traders")
	require.NoError(t, err)
	read := newTrip(t, s, &id, "1000", nil)

	_, err = s.ApplyTripPayment(ctx, read.ID, money("400"))
	require.NoError(t, err)
	pid, err := s.InsertPayment(ctx, ledger.TripPayment{
		TripID: read.ID, Amount: money("400"), PaymentDate: ledger.MustDate("2025-03-02"),
		Mode: ledger.ModeUPI, CreatedAt: at,
	})
	require.NoError(t, err)

	assert.ErrorIs(t, s.DeleteTrip(ctx, read), ledger.ErrConcurrentModification)

	got, err := s.GetTrip(ctx, read.ID)
	require.NoError(t, err)
	assertMoney(t, "400", got.AmountPaid)
	assertMoney(t, "600", got.AmountDue)
	_, err = s.GetPayment(ctx, pid)
	assert.NoError(t, err)
}

func testMarkOverdue(t *testing.T, s ledger.TxStore) {
	ctx := context.Background()
	today := ledger.MustDate("2025-03-15")

	late := newTrip(t, s, nil, "1000", date("2025-03-14"))
	dueToday := newTrip(t, s, nil, "1000", date("2025-03-15"))
	noDate := newTrip(t, s, nil, "1000", nil)
	partial := newTrip(t, s, nil, "1000", date("2025-03-01"))
	_, err := s.ApplyTripPayment(ctx, partial.ID, money("10"))
	require.NoError(t, err)
	free := newTrip(t, s, nil, "0", date("2025-03-01"))

	n, err := s.MarkOverdue(ctx, today)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := s.GetTrip(ctx, late.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusOverdue, got.PaymentStatus)

	for _, id := range []ledger.TripID{dueToday.ID, noDate.ID} {
		got, err := s.GetTrip(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, ledger.StatusPending, got.PaymentStatus)
	}
	got, err = s.GetTrip(ctx, partial.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusPartial, got.PaymentStatus)
	got, err = s.GetTrip(ctx, free.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusCompleted, got.PaymentStatus)

	n, err = s.MarkOverdue(ctx, today)
	require.NoError(t, err)
	assert.Zero(t, n, "second run is a no-op")
}

func testListTrips(t *testing.T, s ledger.TxStore) {
	ctx := context.Background()
	a, err := s.UpsertConsignerByName(ctx, "Sharma Traders")
	require.NoError(t, err)
	b, err := s.UpsertConsignerByName(ctx, "Gupta Logistics")
	require.NoError(t, err)

	t1 := newTrip(t, s, &a, "100", nil)
	t2 := newTrip(t, s, &a, "100", date("2025-03-20"))
	t3 := newTrip(t, s, &a, "100", date("2025-03-10"))
	t4 := newTrip(t, s, &b, "100", date("2025-03-01"))
	_, err = s.ApplyTripPayment(ctx, t4.ID, money("100"))
	require.NoError(t, err)

	all, err := s.ListTrips(ctx, ledger.TripFilter{})
	require.NoError(t, err)
	require.Len(t, all, 4)
	ids := []ledger.TripID{all[0].ID, all[1].ID, all[2].ID, all[3].ID}
	assert.Equal(t, []ledger.TripID{t4.ID, t3.ID, t2.ID, t1.ID}, ids, "due date ascending, undated last")

	due, err := s.ListTrips(ctx, ledger.TripFilter{OnlyDue: true})
	require.NoError(t, err)
	assert.Len(t, due, 3)

	mine, err := s.ListTrips(ctx, ledger.TripFilter{
		ConsignerID: &b,
		Statuses:    []ledger.PaymentStatus{ledger.StatusCompleted, ledger.StatusPartial},
	})
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, t4.ID, mine[0].ID)
}

func testSummary(t *testing.T, s ledger.TxStore) {
	ctx := context.Background()
	a, err := s.UpsertConsignerByName(ctx, "Sharma Traders")
	require.NoError(t, err)

	newTrip(t, s, &a, "1000", nil)
	p := newTrip(t, s, &a, "2000.50", nil)
	_, err = s.ApplyTripPayment(ctx, p.ID, money("500"))
	require.NoError(t, err)
	newTrip(t, s, nil, "300", nil)

	sum, err := s.SummarizePayments(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, sum.TotalTrips)
	assertMoney(t, "3300.50", sum.TotalFreight)
	assertMoney(t, "500", sum.TotalPaid)
	assertMoney(t, "2800.50", sum.TotalDue)
	assert.Equal(t, 2, sum.ByStatus[ledger.StatusPending].Count)
	assertMoney(t, "1500.50", sum.ByStatus[ledger.StatusPartial].Due)

	mine, err := s.SummarizePayments(ctx, &a)
	require.NoError(t, err)
	assert.Equal(t, 2, mine.TotalTrips)
	assertMoney(t, "3000.50", mine.TotalFreight)
}

func testLastPaymentDate(t *testing.T, s ledger.TxStore) {
	ctx := context.Background()
	a, err := s.UpsertConsignerByName(ctx, "Sharma Traders")
	require.NoError(t, err)

	last, err := s.LastPaymentDate(ctx, a)
	require.NoError(t, err)
	assert.Nil(t, last)

	trip := newTrip(t, s, &a, "1000", nil)
	for _, d := range []string{"2025-03-05", "2025-03-09", "2025-03-07"} {
		_, err := s.InsertPayment(ctx, ledger.TripPayment{
			TripID: trip.ID, Amount: money("10"), PaymentDate: ledger.MustDate(d),
			Mode: ledger.ModeUPI, Reference: "UTR" + d, CreatedAt: at,
		})
		require.NoError(t, err)
	}

	last, err = s.LastPaymentDate(ctx, a)
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, "2025-03-09", last.String())

	payments, err := s.ListPayments(ctx, trip.ID)
	require.NoError(t, err)
	require.Len(t, payments, 3)
	assert.Equal(t, "UTR2025-03-05", payments[0].Reference)
	assert.Equal(t, ledger.ModeUPI, payments[0].Mode)

	require.NoError(t, s.DeletePayment(ctx, payments[1].ID))
	last, err = s.LastPaymentDate(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, "2025-03-07", last.String())
	assert.ErrorIs(t, s.DeletePayment(ctx, payments[1].ID), ledger.ErrPaymentNotFound)
}

var errAbort = errors.New("abort")

func testRollback(t *testing.T, s ledger.TxStore) {
	ctx := context.Background()
	id, err := s.UpsertConsignerByName(ctx, "Sharma Traders")
	require.NoError(t, err)

	err = s.WithTx(ctx, func(tx ledger.Store) error {
		_, err := tx.ApplyBalanceChange(ctx, ledger.BalanceChange{
			ConsignerID: id, Outstanding: money("100"), Freight: money("100"), Paid: decimal.Zero, At: at,
		})
		require.NoError(t, err)
		_, err = tx.AppendEntry(ctx, ledger.Entry{
			ConsignerID: id, Type: ledger.EntryCredit, Amount: money("100"), BalanceAfter: money("100"),
			TransactionDate: ledger.MustDate("2025-03-01"), FreightDelta: money("100"), PaidDelta: decimal.Zero,
			CreatedAt: at,
		})
		require.NoError(t, err)
		return errAbort
	})
	assert.ErrorIs(t, err, errAbort)

	b, err := s.GetBalance(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, b)
	entries, err := s.ListEntries(ctx, id, ledger.DateRange{})
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func testConcurrentBalance(t *testing.T, s ledger.TxStore) {
	ctx := context.Background()
	id, err := s.UpsertConsignerByName(ctx, "Sharma Traders")
	require.NoError(t, err)

	const workers = 20
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- s.WithTx(ctx, func(tx ledger.Store) error {
				_, err := tx.ApplyBalanceChange(ctx, ledger.BalanceChange{
					ConsignerID: id, Outstanding: money("10.01"), Freight: money("10.01"),
					Paid: decimal.Zero, Trips: 1, At: at,
				})
				return err
			})
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	b, err := s.GetBalance(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, b)
	assertMoney(t, "200.20", b.Outstanding)
	assert.Equal(t, workers, b.TotalTrips)
	assert.Equal(t, int64(workers), b.Version)
}
