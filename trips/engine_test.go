package trips_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/fleet-ledger/ledger"
	"github.com/warp/fleet-ledger/ledger/store"
	"github.com/warp/fleet-ledger/store/sqlite"
	"github.com/warp/fleet-ledger/trips"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func money(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func moneyPtr(s string) *decimal.Decimal {
	d := money(s)
	return &d
}

func assertMoney(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	assert.True(t, money(want).Equal(got), "want %s, got %s", want, got)
}

var today = ledger.MustDate("2025-03-20")

var backends = map[string]func(t *testing.T) ledger.TxStore{
	"memory": func(t *testing.T) ledger.TxStore { return store.NewMemory() },
	"sqlite": func(t *testing.T) ledger.TxStore {
		s, err := sqlite.New(":memory:")
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		return s
	},
}

func newEngine(t *testing.T, s ledger.TxStore, opts ...trips.Option) *trips.Engine {
	t.Helper()
	base := []trips.Option{
		trips.WithClock(ledger.FixedClock(today)),
		trips.WithNow(func() time.Time { return time.Date(2025, time.March, 20, 10, 0, 0, 0, time.UTC) }),
		trips.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}
	return trips.NewEngine(s, append(base, opts...)...)
}

// forEachBackend runs fn against every store implementation.
func forEachBackend(t *testing.T, fn func(t *testing.T, e *trips.Engine, s ledger.TxStore)) {
	for name, newStore := range backends {
		t.Run(name, func(t *testing.T) {
			s := newStore(t)
			fn(t, newEngine(t, s), s)
		})
	}
}

func createTrip(t *testing.T, e *trips.Engine, consigner, freight string, sc trips.Scenario) trips.TripResult {
	t.Helper()
	res, err := e.CreateTrip(context.Background(), trips.CreateTripRequest{
		ConsignerName: consigner,
		TripNumber:    "TR-" + freight,
		Origin:        "Pune",
		Destination:   "Nagpur",
		TripDate:      ledger.MustDate("2025-03-10"),
		Freight:       money(freight),
		Scenario:      sc,
	})
	require.NoError(t, err)
	return res
}

func assertConsistent(t *testing.T, e *trips.Engine, id ledger.ConsignerID) {
	t.Helper()
	v, err := e.VerifyBalance(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, v.Consistent, "maintained %+v replayed %+v", v.Maintained, v.Replayed)
}

// =============================================================================
// CREATE
// =============================================================================

func TestCreateTrip_PartialToDriver(t *testing.T) {
	forEachBackend(t, func(t *testing.T, e *trips.Engine, s ledger.TxStore) {
		// GIVEN: A new consigner
		// WHEN: A 10000 trip is booked with 4000 paid to the driver
		// THEN: The trip, its payment and two ledger entries are committed together

		ctx := context.Background()
		res := createTrip(t, e, "Sharma Traders", "10000", trips.PartialToDriver{Amount: money("4000")})

		assertMoney(t, "4000", res.Trip.AmountPaid)
		assertMoney(t, "6000", res.Trip.AmountDue)
		assert.Equal(t, ledger.StatusPartial, res.Trip.PaymentStatus)
		require.NotNil(t, res.Payment)
		assertMoney(t, "4000", res.Payment.Amount)
		assert.Equal(t, ledger.ModeCash, res.Payment.Mode)

		require.Len(t, res.Entries, 2)
		assert.Equal(t, ledger.EntryCredit, res.Entries[0].Type)
		assertMoney(t, "10000", res.Entries[0].BalanceAfter)
		assert.Equal(t, ledger.EntryDebit, res.Entries[1].Type)
		assertMoney(t, "6000", res.Entries[1].BalanceAfter)

		id := *res.Trip.ConsignerID
		bal, err := e.GetConsignerBalance(ctx, id)
		require.NoError(t, err)
		assertMoney(t, "6000", bal.Outstanding)
		assertMoney(t, "10000", bal.TotalFreight)
		assertMoney(t, "4000", bal.TotalPaid)
		assert.Equal(t, 1, bal.TotalTrips)
		assert.Equal(t, "2025-03-10", bal.LastTripDate.String())
		assert.Equal(t, "2025-03-10", bal.LastPaymentDate.String())
		assertConsistent(t, e, id)
	})
}

func TestCreateTrip_SameConsignerNameDifferentSpelling(t *testing.T) {
	forEachBackend(t, func(t *testing.T, e *trips.Engine, s ledger.TxStore) {
		a := createTrip(t, e, "Sharma Traders", "1000", trips.NotPaid{})
		b := createTrip(t, e, "  sharma   TRADERS ", "2000", trips.NotPaid{})
		assert.Equal(t, *a.Trip.ConsignerID, *b.Trip.ConsignerID)

		bal, err := e.GetConsignerBalance(context.Background(), *a.Trip.ConsignerID)
		require.NoError(t, err)
		assertMoney(t, "3000", bal.Outstanding)
		assert.Equal(t, 2, bal.TotalTrips)
	})
}

func TestCreateTrip_WithoutConsignerWritesNoLedger(t *testing.T) {
	forEachBackend(t, func(t *testing.T, e *trips.Engine, s ledger.TxStore) {
		res := createTrip(t, e, "", "5000", trips.FullToDriver{})
		assert.Nil(t, res.Trip.ConsignerID)
		assert.Empty(t, res.Entries)
		assert.Nil(t, res.Balance)
		require.NotNil(t, res.Payment)
		assert.Equal(t, ledger.StatusCompleted, res.Trip.PaymentStatus)
	})
}

func TestCreateTrip_ScenarioSetsStatus(t *testing.T) {
	// GIVEN: Scenarios whose amounts alone would suggest another status
	// WHEN: The trips are booked
	// THEN: partial_to_driver opens partial and unpaid scenarios open pending

	forEachBackend(t, func(t *testing.T, e *trips.Engine, s ledger.TxStore) {
		whole := createTrip(t, e, "Exact Co", "1200", trips.PartialToDriver{Amount: money("1200")})
		assert.Equal(t, ledger.StatusPartial, whole.Trip.PaymentStatus)
		assertMoney(t, "0", whole.Trip.AmountDue)

		free := createTrip(t, e, "Exact Co", "0", trips.LeftWithParty{})
		assert.Equal(t, ledger.StatusPending, free.Trip.PaymentStatus)

		stored, err := e.GetTrip(context.Background(), whole.Trip.ID)
		require.NoError(t, err)
		assert.Equal(t, ledger.StatusPartial, stored.PaymentStatus)
		assertConsistent(t, e, *whole.Trip.ConsignerID)
	})
}

func TestCreateTrip_Validation(t *testing.T) {
	e := newEngine(t, store.NewMemory())
	ctx := context.Background()
	missing := ledger.ConsignerID(99)

	tests := []struct {
		name    string
		req     trips.CreateTripRequest
		wantErr error
	}{
		{"missing trip date", trips.CreateTripRequest{Freight: money("1")}, ledger.ErrValidation},
		{"negative freight", trips.CreateTripRequest{TripDate: today, Freight: money("-5")}, ledger.ErrValidation},
		{"three decimals", trips.CreateTripRequest{TripDate: today, Freight: money("1.001")}, ledger.ErrValidation},
		{"bad mode", trips.CreateTripRequest{TripDate: today, Freight: money("1"), PaymentMode: "barter"}, ledger.ErrValidation},
		{"partial too large", trips.CreateTripRequest{
			TripDate: today, Freight: money("100"), Scenario: trips.PartialToDriver{Amount: money("101")},
		}, ledger.ErrInvalidScenario},
		{"unknown consigner", trips.CreateTripRequest{TripDate: today, Freight: money("1"), ConsignerID: &missing}, ledger.ErrConsignerNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.CreateTrip(ctx, tt.req)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

// =============================================================================
// PAYMENTS
// =============================================================================

func TestRecordPayment_ThenReverse_RestoresState(t *testing.T) {
	forEachBackend(t, func(t *testing.T, e *trips.Engine, s ledger.TxStore) {
		// GIVEN: A partially paid trip
		// WHEN: A payment is recorded and then reversed
		// THEN: Trip amounts, status and the consigner balance return to where they were

		ctx := context.Background()
		created := createTrip(t, e, "Kumar Logistics", "10000", trips.PartialToDriver{Amount: money("4000")})
		id := *created.Trip.ConsignerID
		before, err := e.GetConsignerBalance(ctx, id)
		require.NoError(t, err)

		paid, err := e.RecordPayment(ctx, trips.PaymentRequest{
			TripID: created.Trip.ID,
			Amount: money("6000"),
			Date:   ledger.MustDate("2025-03-15"),
			Mode:   ledger.ModeUPI,
		})
		require.NoError(t, err)
		assert.Equal(t, ledger.StatusCompleted, paid.Trip.PaymentStatus)
		assertMoney(t, "0", paid.Trip.AmountDue)
		require.NotNil(t, paid.Entry)
		assert.Equal(t, ledger.EntryDebit, paid.Entry.Type)
		assertMoney(t, "0", paid.Balance.Outstanding)
		assert.Equal(t, "2025-03-15", paid.Balance.LastPaymentDate.String())

		rev, err := e.ReversePayment(ctx, paid.Payment.ID)
		require.NoError(t, err)
		assert.Equal(t, ledger.StatusPartial, rev.Trip.PaymentStatus)
		assertMoney(t, "6000", rev.Trip.AmountDue)
		assertMoney(t, "4000", rev.Trip.AmountPaid)
		require.NotNil(t, rev.Entry)
		assert.Equal(t, ledger.EntryAdjustment, rev.Entry.Type)

		after, err := e.GetConsignerBalance(ctx, id)
		require.NoError(t, err)
		assertMoney(t, before.Outstanding.String(), after.Outstanding)
		assertMoney(t, before.TotalPaid.String(), after.TotalPaid)
		assert.Equal(t, before.TotalTrips, after.TotalTrips)
		assert.Equal(t, before.LastPaymentDate.String(), after.LastPaymentDate.String())

		payments, err := e.ListPayments(ctx, created.Trip.ID)
		require.NoError(t, err)
		require.Len(t, payments, 1)
		assertMoney(t, "4000", payments[0].Amount)

		_, err = e.ReversePayment(ctx, paid.Payment.ID)
		assert.ErrorIs(t, err, ledger.ErrPaymentNotFound)
		assertConsistent(t, e, id)
	})
}

func TestRecordPayment_ExceedsDue_NoSideEffects(t *testing.T) {
	forEachBackend(t, func(t *testing.T, e *trips.Engine, s ledger.TxStore) {
		ctx := context.Background()
		created := createTrip(t, e, "Patel Agro", "1000", trips.NotPaid{})

		_, err := e.RecordPayment(ctx, trips.PaymentRequest{TripID: created.Trip.ID, Amount: money("1000.01")})
		require.Error(t, err)
		var exceeds *ledger.PaymentExceedsDueError
		require.ErrorAs(t, err, &exceeds)
		assertMoney(t, "1000", exceeds.Due)

		trip, err := e.GetTrip(ctx, created.Trip.ID)
		require.NoError(t, err)
		assertMoney(t, "0", trip.AmountPaid)
		assert.Equal(t, ledger.StatusPending, trip.PaymentStatus)

		entries, err := e.GetLedger(ctx, *created.Trip.ConsignerID, ledger.DateRange{})
		require.NoError(t, err)
		assert.Len(t, entries, 1)
	})
}

func TestRecordPayment_Validation(t *testing.T) {
	e := newEngine(t, store.NewMemory())
	ctx := context.Background()
	created := createTrip(t, e, "Patel Agro", "1000", trips.NotPaid{})

	_, err := e.RecordPayment(ctx, trips.PaymentRequest{TripID: created.Trip.ID, Amount: decimal.Zero})
	assert.ErrorIs(t, err, ledger.ErrValidation)

	_, err = e.RecordPayment(ctx, trips.PaymentRequest{TripID: created.Trip.ID, Amount: money("1"), Mode: "barter"})
	assert.ErrorIs(t, err, ledger.ErrValidation)

	_, err = e.RecordPayment(ctx, trips.PaymentRequest{TripID: 404, Amount: money("1")})
	assert.ErrorIs(t, err, ledger.ErrTripNotFound)

	res, err := e.RecordPayment(ctx, trips.PaymentRequest{TripID: created.Trip.ID, Amount: money("1")})
	require.NoError(t, err)
	assert.Equal(t, today.String(), res.Payment.PaymentDate.String())
	assert.Equal(t, ledger.ModeCash, res.Payment.Mode)
}

func TestRecordPayment_ConcurrentNeverOverpays(t *testing.T) {
	forEachBackend(t, func(t *testing.T, e *trips.Engine, s ledger.TxStore) {
		// GIVEN: A 1000 trip with nothing paid
		// WHEN: Ten payments of 150 race
		// THEN: Exactly six succeed and the rest are refused as exceeding the due

		ctx := context.Background()
		created := createTrip(t, e, "Race Carriers", "1000", trips.NotPaid{})

		var (
			wg       sync.WaitGroup
			mu       sync.Mutex
			ok       int
			exceeded int
		)
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := e.RecordPayment(ctx, trips.PaymentRequest{TripID: created.Trip.ID, Amount: money("150")})
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					ok++
				case ledger.IsClientError(err):
					exceeded++
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, 6, ok)
		assert.Equal(t, 4, exceeded)

		trip, err := e.GetTrip(ctx, created.Trip.ID)
		require.NoError(t, err)
		assertMoney(t, "900", trip.AmountPaid)
		assertMoney(t, "100", trip.AmountDue)

		bal, err := e.GetConsignerBalance(ctx, *created.Trip.ConsignerID)
		require.NoError(t, err)
		assertMoney(t, "100", bal.Outstanding)
		assertConsistent(t, e, *created.Trip.ConsignerID)
	})
}

func TestRecordPayment_ConcurrentAcrossTripsOfOneConsigner(t *testing.T) {
	forEachBackend(t, func(t *testing.T, e *trips.Engine, s ledger.TxStore) {
		// GIVEN: Five trips of one consigner, 6000 outstanding in total
		// WHEN: Four payments of 125.25 race on every trip at once
		// THEN: All land and the balance ends at 6000 minus their sum

		ctx := context.Background()
		var booked []trips.TripResult
		for _, freight := range []string{"1000", "1100", "1200", "1300", "1400"} {
			booked = append(booked, createTrip(t, e, "Fleet Partners", freight, trips.NotPaid{}))
		}
		id := *booked[0].Trip.ConsignerID
		initial, err := e.GetConsignerBalance(ctx, id)
		require.NoError(t, err)
		assertMoney(t, "6000", initial.Outstanding)

		const perTrip = 4
		var wg sync.WaitGroup
		errs := make(chan error, len(booked)*perTrip)
		for _, b := range booked {
			for i := 0; i < perTrip; i++ {
				wg.Add(1)
				go func(trip ledger.TripID) {
					defer wg.Done()
					_, err := e.RecordPayment(ctx, trips.PaymentRequest{TripID: trip, Amount: money("125.25")})
					errs <- err
				}(b.Trip.ID)
			}
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}

		sum := money("125.25").Mul(decimal.NewFromInt(int64(len(booked) * perTrip)))
		bal, err := e.GetConsignerBalance(ctx, id)
		require.NoError(t, err)
		assertMoney(t, initial.Outstanding.Sub(sum).String(), bal.Outstanding)
		assertMoney(t, sum.String(), bal.TotalPaid)
		for _, b := range booked {
			trip, err := e.GetTrip(ctx, b.Trip.ID)
			require.NoError(t, err)
			assertMoney(t, "501", trip.AmountPaid)
		}
		assertConsistent(t, e, id)
	})
}

func TestReversePayment_RecomputesLastPaymentDate(t *testing.T) {
	forEachBackend(t, func(t *testing.T, e *trips.Engine, s ledger.TxStore) {
		ctx := context.Background()
		created := createTrip(t, e, "Gupta Freight", "10000", trips.PartialToDriver{Amount: money("1000")})

		late, err := e.RecordPayment(ctx, trips.PaymentRequest{
			TripID: created.Trip.ID, Amount: money("500"), Date: ledger.MustDate("2025-03-18"),
		})
		require.NoError(t, err)
		assert.Equal(t, "2025-03-18", late.Balance.LastPaymentDate.String())

		rev, err := e.ReversePayment(ctx, late.Payment.ID)
		require.NoError(t, err)
		require.NotNil(t, rev.Balance)
		assert.Equal(t, "2025-03-10", rev.Balance.LastPaymentDate.String())
	})
}

// =============================================================================
// OVERDUE
// =============================================================================

func TestOverdue_LazyTransition(t *testing.T) {
	forEachBackend(t, func(t *testing.T, e *trips.Engine, s ledger.TxStore) {
		// GIVEN: A pending trip due before today and a partial one also past due
		// WHEN: Pending payments are listed
		// THEN: Only the pending trip becomes overdue, once

		ctx := context.Background()
		due := ledger.MustDate("2025-03-15")
		future := ledger.MustDate("2025-04-15")

		pending, err := e.CreateTrip(ctx, trips.CreateTripRequest{
			ConsignerName: "Late Payers", TripDate: ledger.MustDate("2025-03-01"),
			Freight: money("5000"), PaymentDueDate: &due,
		})
		require.NoError(t, err)
		assert.Equal(t, ledger.StatusPending, pending.Trip.PaymentStatus)

		partial, err := e.CreateTrip(ctx, trips.CreateTripRequest{
			ConsignerName: "Late Payers", TripDate: ledger.MustDate("2025-03-02"),
			Freight: money("3000"), PaymentDueDate: &due,
			Scenario: trips.PartialToDriver{Amount: money("1000")},
		})
		require.NoError(t, err)

		_, err = e.CreateTrip(ctx, trips.CreateTripRequest{
			ConsignerName: "Late Payers", TripDate: ledger.MustDate("2025-03-03"),
			Freight: money("2000"), PaymentDueDate: &future,
		})
		require.NoError(t, err)

		_, err = e.CreateTrip(ctx, trips.CreateTripRequest{
			ConsignerName: "Late Payers", TripDate: ledger.MustDate("2025-03-04"),
			Freight: money("800"), Scenario: trips.FullToDriver{},
		})
		require.NoError(t, err)

		list, err := e.ListPendingPayments(ctx, trips.PendingFilter{})
		require.NoError(t, err)
		require.Len(t, list, 3)
		assert.Equal(t, pending.Trip.ID, list[0].ID)
		assert.Equal(t, ledger.StatusOverdue, list[0].PaymentStatus)
		assert.Equal(t, partial.Trip.ID, list[1].ID)
		assert.Equal(t, ledger.StatusPartial, list[1].PaymentStatus)

		n, err := e.RefreshOverdueStatuses(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)

		overdue, err := e.ListPendingPayments(ctx, trips.PendingFilter{Statuses: []ledger.PaymentStatus{ledger.StatusOverdue}})
		require.NoError(t, err)
		require.Len(t, overdue, 1)
		assert.Equal(t, pending.Trip.ID, overdue[0].ID)

		_, err = e.ListPendingPayments(ctx, trips.PendingFilter{Statuses: []ledger.PaymentStatus{"late"}})
		assert.ErrorIs(t, err, ledger.ErrValidation)

		summary, err := e.PaymentSummary(ctx, pending.Trip.ConsignerID)
		require.NoError(t, err)
		assert.Equal(t, 4, summary.TotalTrips)
		assertMoney(t, "10800", summary.TotalFreight)
		assertMoney(t, "1800", summary.TotalPaid)
		assertMoney(t, "9000", summary.TotalDue)
		assert.Equal(t, 1, summary.ByStatus[ledger.StatusOverdue].Count)
		assert.Equal(t, 1, summary.ByStatus[ledger.StatusCompleted].Count)
	})
}

func TestOverdue_PaymentMovesOverdueToPartial(t *testing.T) {
	forEachBackend(t, func(t *testing.T, e *trips.Engine, s ledger.TxStore) {
		ctx := context.Background()
		due := ledger.MustDate("2025-03-01")
		created, err := e.CreateTrip(ctx, trips.CreateTripRequest{
			ConsignerName: "Slow Co", TripDate: ledger.MustDate("2025-02-20"),
			Freight: money("4000"), PaymentDueDate: &due,
		})
		require.NoError(t, err)
		_, err = e.RefreshOverdueStatuses(ctx)
		require.NoError(t, err)

		res, err := e.RecordPayment(ctx, trips.PaymentRequest{TripID: created.Trip.ID, Amount: money("1000")})
		require.NoError(t, err)
		assert.Equal(t, ledger.StatusPartial, res.Trip.PaymentStatus)
	})
}

// =============================================================================
// EDIT
// =============================================================================

func TestUpdateTrip_FreightChange(t *testing.T) {
	forEachBackend(t, func(t *testing.T, e *trips.Engine, s ledger.TxStore) {
		ctx := context.Background()
		created := createTrip(t, e, "Edit Co", "10000", trips.NotPaid{})
		id := *created.Trip.ConsignerID

		res, err := e.UpdateTrip(ctx, created.Trip.ID, trips.TripUpdate{Freight: moneyPtr("8000")})
		require.NoError(t, err)
		assertMoney(t, "8000", res.Trip.AmountDue)
		require.Len(t, res.Entries, 2)
		assert.Equal(t, ledger.EntryAdjustment, res.Entries[0].Type)
		assert.Equal(t, ledger.EntryCredit, res.Entries[1].Type)

		bal, err := e.GetConsignerBalance(ctx, id)
		require.NoError(t, err)
		assertMoney(t, "8000", bal.Outstanding)
		assertMoney(t, "8000", bal.TotalFreight)
		assert.Equal(t, 1, bal.TotalTrips)
		assertConsistent(t, e, id)
	})
}

func TestUpdateTrip_NonMoneyFieldsWriteNoLedger(t *testing.T) {
	forEachBackend(t, func(t *testing.T, e *trips.Engine, s ledger.TxStore) {
		ctx := context.Background()
		created := createTrip(t, e, "Edit Co", "10000", trips.NotPaid{})
		dest := "Indore"

		res, err := e.UpdateTrip(ctx, created.Trip.ID, trips.TripUpdate{Destination: &dest})
		require.NoError(t, err)
		assert.Equal(t, "Indore", res.Trip.Destination)
		assert.Empty(t, res.Entries)
	})
}

func TestUpdateTrip_MoveConsigner(t *testing.T) {
	forEachBackend(t, func(t *testing.T, e *trips.Engine, s ledger.TxStore) {
		// GIVEN: A 10000 trip on A with 4000 paid
		// WHEN: It moves to B and its freight becomes 12000
		// THEN: A is back to zero and B carries 12000 freight with 4000 paid

		ctx := context.Background()
		created := createTrip(t, e, "Consigner A", "10000", trips.PartialToDriver{Amount: money("4000")})
		a := *created.Trip.ConsignerID
		b, err := e.UpsertConsigner(ctx, "Consigner B")
		require.NoError(t, err)

		res, err := e.UpdateTrip(ctx, created.Trip.ID, trips.TripUpdate{
			ConsignerID: &b.ID,
			Freight:     moneyPtr("12000"),
		})
		require.NoError(t, err)
		assertMoney(t, "8000", res.Trip.AmountDue)
		assert.Equal(t, ledger.StatusPartial, res.Trip.PaymentStatus)
		assert.Len(t, res.Entries, 4)

		balA, err := e.GetConsignerBalance(ctx, a)
		require.NoError(t, err)
		assertMoney(t, "0", balA.Outstanding)
		assertMoney(t, "0", balA.TotalFreight)
		assertMoney(t, "0", balA.TotalPaid)
		assert.Equal(t, 0, balA.TotalTrips)
		assert.Nil(t, balA.LastPaymentDate)

		balB, err := e.GetConsignerBalance(ctx, b.ID)
		require.NoError(t, err)
		assertMoney(t, "8000", balB.Outstanding)
		assertMoney(t, "12000", balB.TotalFreight)
		assertMoney(t, "4000", balB.TotalPaid)
		assert.Equal(t, 1, balB.TotalTrips)
		require.NotNil(t, balB.LastPaymentDate)
		assert.Equal(t, "2025-03-10", balB.LastPaymentDate.String())

		assertConsistent(t, e, a)
		assertConsistent(t, e, b.ID)
	})
}

func TestUpdateTrip_FreightBelowPaidRejected(t *testing.T) {
	forEachBackend(t, func(t *testing.T, e *trips.Engine, s ledger.TxStore) {
		ctx := context.Background()
		created := createTrip(t, e, "Edit Co", "10000", trips.PartialToDriver{Amount: money("4000")})

		_, err := e.UpdateTrip(ctx, created.Trip.ID, trips.TripUpdate{Freight: moneyPtr("3999.99")})
		assert.ErrorIs(t, err, ledger.ErrValidation)

		trip, err := e.GetTrip(ctx, created.Trip.ID)
		require.NoError(t, err)
		assertMoney(t, "10000", trip.FreightAmount)

		entries, err := e.GetLedger(ctx, *created.Trip.ConsignerID, ledger.DateRange{})
		require.NoError(t, err)
		assert.Len(t, entries, 2)
	})
}

func TestUpdateTrip_DetachConsigner(t *testing.T) {
	forEachBackend(t, func(t *testing.T, e *trips.Engine, s ledger.TxStore) {
		ctx := context.Background()
		created := createTrip(t, e, "Gone Co", "5000", trips.PartialToDriver{Amount: money("2000")})
		id := *created.Trip.ConsignerID

		res, err := e.UpdateTrip(ctx, created.Trip.ID, trips.TripUpdate{DetachConsigner: true})
		require.NoError(t, err)
		assert.Nil(t, res.Trip.ConsignerID)

		bal, err := e.GetConsignerBalance(ctx, id)
		require.NoError(t, err)
		assertMoney(t, "0", bal.Outstanding)
		assert.Equal(t, 0, bal.TotalTrips)
		assertMoney(t, "0", bal.TotalPaid)
		assertConsistent(t, e, id)
	})
}

// =============================================================================
// DELETE
// =============================================================================

func TestDeleteTrip_RemovesContribution(t *testing.T) {
	forEachBackend(t, func(t *testing.T, e *trips.Engine, s ledger.TxStore) {
		ctx := context.Background()
		keep := createTrip(t, e, "Delete Co", "3000", trips.PartialToDriver{Amount: money("500")})
		gone := createTrip(t, e, "Delete Co", "10000", trips.PartialToDriver{Amount: money("4000")})
		id := *keep.Trip.ConsignerID

		_, err := e.RecordPayment(ctx, trips.PaymentRequest{
			TripID: gone.Trip.ID, Amount: money("1000"), Date: ledger.MustDate("2025-03-19"),
		})
		require.NoError(t, err)

		res, err := e.DeleteTrip(ctx, gone.Trip.ID)
		require.NoError(t, err)
		require.Len(t, res.Entries, 1)
		assertMoney(t, "-5000", res.Entries[0].Amount)

		_, err = e.GetTrip(ctx, gone.Trip.ID)
		assert.ErrorIs(t, err, ledger.ErrTripNotFound)
		_, err = e.ListPayments(ctx, gone.Trip.ID)
		assert.ErrorIs(t, err, ledger.ErrTripNotFound)

		bal, err := e.GetConsignerBalance(ctx, id)
		require.NoError(t, err)
		assertMoney(t, "2500", bal.Outstanding)
		assertMoney(t, "3000", bal.TotalFreight)
		assertMoney(t, "500", bal.TotalPaid)
		assert.Equal(t, 1, bal.TotalTrips)
		assert.Equal(t, "2025-03-10", bal.LastPaymentDate.String())
		assertConsistent(t, e, id)

		_, err = e.DeleteTrip(ctx, gone.Trip.ID)
		assert.ErrorIs(t, err, ledger.ErrTripNotFound)
	})
}

// interleaved runs a competing write right after the engine reads a trip
// inside its transaction, standing in for a writer that committed there.
type interleaved struct {
	ledger.TxStore
	once  sync.Once
	write func(ctx context.Context, s ledger.Store, read ledger.Trip)
}

func (i *interleaved) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	return i.TxStore.WithTx(ctx, func(s ledger.Store) error {
		return fn(interleavedView{Store: s, i: i})
	})
}

type interleavedView struct {
	ledger.Store
	i *interleaved
}

func (v interleavedView) GetTrip(ctx context.Context, id ledger.TripID) (*ledger.Trip, error) {
	t, err := v.Store.GetTrip(ctx, id)
	if err == nil {
		v.i.once.Do(func() { v.i.write(ctx, v.Store, *t) })
	}
	return t, err
}

func TestUpdateTrip_StaleReadIsRetryable(t *testing.T) {
	for name, newStore := range backends {
		t.Run(name, func(t *testing.T) {
			// GIVEN: A trip at freight 1000 read by the engine
			// WHEN: Another editor moves it to 2000 before the engine writes 3000
			// THEN: The edit fails as retryable and the transaction, the
			// competing write included, rolls back with no ledger entry

			ctx := context.Background()
			base := newStore(t)
			created := createTrip(t, newEngine(t, base), "Edit Race Co", "1000", trips.NotPaid{})
			id := *created.Trip.ConsignerID

			racer := &interleaved{TxStore: base, write: func(ctx context.Context, s ledger.Store, read ledger.Trip) {
				next := read
				next.FreightAmount = money("2000")
				next.AmountDue = money("2000")
				require.NoError(t, s.UpdateTrip(ctx, read, next))
			}}
			e := newEngine(t, racer)

			_, err := e.UpdateTrip(ctx, created.Trip.ID, trips.TripUpdate{Freight: moneyPtr("3000")})
			assert.ErrorIs(t, err, ledger.ErrConcurrentModification)
			assert.True(t, ledger.IsRetryable(err))

			trip, err := e.GetTrip(ctx, created.Trip.ID)
			require.NoError(t, err)
			assertMoney(t, "1000", trip.FreightAmount)
			bal, err := e.GetConsignerBalance(ctx, id)
			require.NoError(t, err)
			assertMoney(t, "1000", bal.Outstanding)
			assertConsistent(t, e, id)
		})
	}
}

func TestDeleteTrip_PaymentAfterReadIsRetryable(t *testing.T) {
	for name, newStore := range backends {
		t.Run(name, func(t *testing.T) {
			// GIVEN: A trip with 1000 due read for deletion
			// WHEN: A 400 payment lands before the delete
			// THEN: The delete fails as retryable and the trip survives
			// untouched once the shared transaction rolls back

			ctx := context.Background()
			base := newStore(t)
			created := createTrip(t, newEngine(t, base), "Delete Race Co", "1000", trips.NotPaid{})
			id := *created.Trip.ConsignerID

			racer := &interleaved{TxStore: base, write: func(ctx context.Context, s ledger.Store, read ledger.Trip) {
				_, err := s.ApplyTripPayment(ctx, read.ID, money("400"))
				require.NoError(t, err)
			}}
			e := newEngine(t, racer)

			_, err := e.DeleteTrip(ctx, created.Trip.ID)
			assert.ErrorIs(t, err, ledger.ErrConcurrentModification)

			trip, err := e.GetTrip(ctx, created.Trip.ID)
			require.NoError(t, err)
			assertMoney(t, "1000", trip.AmountDue)
			bal, err := e.GetConsignerBalance(ctx, id)
			require.NoError(t, err)
			assertMoney(t, "1000", bal.Outstanding)
			assertConsistent(t, e, id)
		})
	}
}

// =============================================================================
// ADJUSTMENTS AND LEDGER READS
// =============================================================================

func TestRecordAdjustment(t *testing.T) {
	forEachBackend(t, func(t *testing.T, e *trips.Engine, s ledger.TxStore) {
		ctx := context.Background()
		created := createTrip(t, e, "Adjust Co", "1000", trips.NotPaid{})
		id := *created.Trip.ConsignerID

		entry, bal, err := e.RecordAdjustment(ctx, trips.AdjustmentRequest{
			ConsignerID: id, Amount: money("-150.50"), Description: "damaged goods discount",
		})
		require.NoError(t, err)
		assert.Equal(t, today.String(), entry.TransactionDate.String())
		assertMoney(t, "849.50", bal.Outstanding)

		_, _, err = e.RecordAdjustment(ctx, trips.AdjustmentRequest{ConsignerID: id})
		assert.ErrorIs(t, err, ledger.ErrValidation)

		from := ledger.MustDate("2025-03-15")
		entries, err := e.GetLedger(ctx, id, ledger.DateRange{From: &from})
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, entry.ID, entries[0].ID)

		to := ledger.MustDate("2025-03-01")
		_, err = e.GetLedger(ctx, id, ledger.DateRange{From: &from, To: &to})
		assert.ErrorIs(t, err, ledger.ErrValidation)

		_, err = e.GetLedger(ctx, 404, ledger.DateRange{})
		assert.ErrorIs(t, err, ledger.ErrConsignerNotFound)
		assertConsistent(t, e, id)
	})
}

func TestGetConsignerBalance_NoEntriesIsZero(t *testing.T) {
	forEachBackend(t, func(t *testing.T, e *trips.Engine, s ledger.TxStore) {
		ctx := context.Background()
		c, err := e.UpsertConsigner(ctx, "Fresh Co")
		require.NoError(t, err)

		bal, err := e.GetConsignerBalance(ctx, c.ID)
		require.NoError(t, err)
		assertMoney(t, "0", bal.Outstanding)
		assert.Equal(t, 0, bal.TotalTrips)

		_, err = e.GetConsignerBalance(ctx, 404)
		assert.ErrorIs(t, err, ledger.ErrConsignerNotFound)
	})
}

// =============================================================================
// CACHE
// =============================================================================

// fakeCache keeps the version rule of cache.BalanceCache: a Set never
// replaces an equal or newer version.
type fakeCache struct {
	mu          sync.Mutex
	balances    map[ledger.ConsignerID]ledger.Balance
	invalidated []ledger.ConsignerID
	getErr      error
	setErr      error
	// beforeSet runs once, outside the lock, ahead of the next Set.
	beforeSet func()
}

func newFakeCache() *fakeCache {
	return &fakeCache{balances: make(map[ledger.ConsignerID]ledger.Balance)}
}

func (c *fakeCache) Get(_ context.Context, id ledger.ConsignerID) (*ledger.Balance, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.getErr != nil {
		return nil, c.getErr
	}
	b, ok := c.balances[id]
	if !ok {
		return nil, nil
	}
	return &b, nil
}

func (c *fakeCache) Set(_ context.Context, b ledger.Balance) error {
	c.mu.Lock()
	hook := c.beforeSet
	c.beforeSet = nil
	c.mu.Unlock()
	if hook != nil {
		hook()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.setErr != nil {
		return c.setErr
	}
	if cur, ok := c.balances[b.ConsignerID]; ok && cur.Version >= b.Version {
		return nil
	}
	c.balances[b.ConsignerID] = b
	return nil
}

func (c *fakeCache) Invalidate(_ context.Context, ids ...ledger.ConsignerID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range ids {
		delete(c.balances, id)
		c.invalidated = append(c.invalidated, id)
	}
	return nil
}

func (c *fakeCache) cached(id ledger.ConsignerID) (ledger.Balance, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.balances[id]
	return b, ok
}

func TestEngine_CacheReadThroughAndWriteThrough(t *testing.T) {
	// GIVEN: An engine reading balances through a cache
	// WHEN: A trip is booked, the balance read, then a payment recorded
	// THEN: Each commit writes the stored row through and reads hit it

	ctx := context.Background()
	c := newFakeCache()
	e := newEngine(t, store.NewMemory(), trips.WithCache(c))

	created := createTrip(t, e, "Cached Co", "1000", trips.NotPaid{})
	id := *created.Trip.ConsignerID
	cached, ok := c.cached(id)
	require.True(t, ok)
	assertMoney(t, "1000", cached.Outstanding)

	bal, err := e.GetConsignerBalance(ctx, id)
	require.NoError(t, err)
	assertMoney(t, "1000", bal.Outstanding)

	_, err = e.RecordPayment(ctx, trips.PaymentRequest{TripID: created.Trip.ID, Amount: money("400")})
	require.NoError(t, err)
	cached, ok = c.cached(id)
	require.True(t, ok)
	assertMoney(t, "600", cached.Outstanding)
	assert.Greater(t, cached.Version, bal.Version)

	bal, err = e.GetConsignerBalance(ctx, id)
	require.NoError(t, err)
	assertMoney(t, "600", bal.Outstanding)
	assert.Empty(t, c.invalidated)
}

func TestEngine_CacheRefusesStaleReadAfterCommit(t *testing.T) {
	// GIVEN: A cache miss whose store read happens before a payment commits
	// WHEN: The reader fills the cache after the payment's write-through
	// THEN: The older copy is refused and later reads see the payment

	ctx := context.Background()
	c := newFakeCache()
	e := newEngine(t, store.NewMemory(), trips.WithCache(c))

	created := createTrip(t, e, "Race Co", "1000", trips.NotPaid{})
	id := *created.Trip.ConsignerID
	require.NoError(t, c.Invalidate(ctx, id))

	c.beforeSet = func() {
		_, err := e.RecordPayment(ctx, trips.PaymentRequest{TripID: created.Trip.ID, Amount: money("400")})
		require.NoError(t, err)
	}
	stale, err := e.GetConsignerBalance(ctx, id)
	require.NoError(t, err)
	assertMoney(t, "1000", stale.Outstanding)

	cached, ok := c.cached(id)
	require.True(t, ok)
	assertMoney(t, "600", cached.Outstanding)

	bal, err := e.GetConsignerBalance(ctx, id)
	require.NoError(t, err)
	assertMoney(t, "600", bal.Outstanding)
	assertConsistent(t, e, id)
}

func TestEngine_CacheWriteFailureDropsKey(t *testing.T) {
	ctx := context.Background()
	c := newFakeCache()
	e := newEngine(t, store.NewMemory(), trips.WithCache(c))

	created := createTrip(t, e, "Flaky Co", "1000", trips.NotPaid{})
	id := *created.Trip.ConsignerID

	c.mu.Lock()
	c.setErr = fmt.Errorf("redis: connection reset")
	c.mu.Unlock()

	_, err := e.RecordPayment(ctx, trips.PaymentRequest{TripID: created.Trip.ID, Amount: money("400")})
	require.NoError(t, err)
	_, ok := c.cached(id)
	assert.False(t, ok)
	assert.Contains(t, c.invalidated, id)
}

func TestEngine_CacheErrorFallsBackToStore(t *testing.T) {
	ctx := context.Background()
	c := newFakeCache()
	c.getErr = fmt.Errorf("redis: connection refused")
	e := newEngine(t, store.NewMemory(), trips.WithCache(c))

	created := createTrip(t, e, "Degraded Co", "250", trips.NotPaid{})
	bal, err := e.GetConsignerBalance(ctx, *created.Trip.ConsignerID)
	require.NoError(t, err)
	assertMoney(t, "250", bal.Outstanding)
}
