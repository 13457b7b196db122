/*
scenarios.go - Demo data sets for testing and demonstrations

PURPOSE:

	Loads pre-built books of trips and payments through the engine, so
	every ledger entry in a demo is produced by the same code paths as
	production traffic. Dates are relative to the engine's today.

AVAILABLE SCENARIOS:

	settlement-mix:     One consigner, one trip per payment scenario
	overdue-book:       Trips past their due date, partly paid
	consigner-transfer: A trip moved between consigners, a reversed payment

HOW SCENARIOS WORK:
 1. Reset every registered Resetter (store, then cache)
 2. Create trips with their scenarios
 3. Record, reverse and edit as the scenario describes

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "overdue-book"}

NOTE:

	Scenarios reset the database. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: Handler and error mapping
  - trips/: Engine operations used by the loaders
*/
package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/shopspring/decimal"
	"github.com/warp/fleet-ledger/ledger"
	"github.com/warp/fleet-ledger/trips"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "settlement-mix",
		Name:        "Settlement Mix",
		Description: "One consigner with a trip for each payment scenario and a follow-up payment",
	},
	{
		ID:          "overdue-book",
		Name:        "Overdue Book",
		Description: "Pending trips past their due date next to partial and future-dated ones",
	},
	{
		ID:          "consigner-transfer",
		Name:        "Consigner Transfer",
		Description: "A part-paid trip moved to another consigner with a freight correction, plus a reversed payment",
	},
}

var scenarioLoaders = map[string]func(h *Handler, ctx context.Context) error{
	"settlement-mix":     (*Handler).loadSettlementMix,
	"overdue-book":       (*Handler).loadOverdueBook,
	"consigner-transfer": (*Handler).loadConsignerTransfer,
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, nil)
}

// LoadScenario resets the data and loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !h.decode(w, r, &req) {
		return
	}
	load, ok := scenarioLoaders[req.ScenarioID]
	if !ok {
		writeError(w, http.StatusBadRequest, "bad_request", fmt.Sprintf("Unknown scenario %q", req.ScenarioID), nil)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	ctx := r.Context()
	if err := h.reset(ctx); err != nil {
		h.fail(w, r, err)
		return
	}
	if err := load(h, ctx); err != nil {
		h.fail(w, r, fmt.Errorf("load scenario %s: %w", req.ScenarioID, err))
		return
	}
	h.currentScenario = req.ScenarioID

	h.log.Info("scenario loaded", "scenario", req.ScenarioID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": req.ScenarioID})
}

// ResetDatabase clears all data.
func (h *Handler) ResetDatabase(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.reset(r.Context()); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// reset must be called with h.mu held.
func (h *Handler) reset(ctx context.Context) error {
	for _, rs := range h.resetters {
		if err := rs.Reset(ctx); err != nil {
			return fmt.Errorf("reset: %w", err)
		}
	}
	h.currentScenario = ""
	return nil
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func amount(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func (h *Handler) loadSettlementMix(ctx context.Context) error {
	e := h.Engine
	today := e.Today()
	name := "Sharma Traders"

	specs := []struct {
		number  string
		freight string
		sc      trips.Scenario
	}{
		{"ST-101", "10000", trips.FullToDriver{}},
		{"ST-102", "10000", trips.PartialToDriver{Amount: amount("4000")}},
		{"ST-103", "7500", trips.LeftWithParty{}},
		{"ST-104", "5200.50", trips.NotPaid{}},
	}
	var partial ledger.TripID
	for i, s := range specs {
		due := today.AddDays(15)
		res, err := e.CreateTrip(ctx, trips.CreateTripRequest{
			ConsignerName:  name,
			TripNumber:     s.number,
			Origin:         "Pune",
			Destination:    "Nagpur",
			TripDate:       today.AddDays(-10 + i),
			Freight:        amount(s.freight),
			Scenario:       s.sc,
			PaymentDueDate: &due,
		})
		if err != nil {
			return err
		}
		if s.sc.Kind() == trips.KindPartialToDriver {
			partial = res.Trip.ID
		}
	}

	_, err := e.RecordPayment(ctx, trips.PaymentRequest{
		TripID:    partial,
		Amount:    amount("2500"),
		Date:      today.AddDays(-2),
		Mode:      ledger.ModeUPI,
		Reference: "UPI-55120",
	})
	return err
}

func (h *Handler) loadOverdueBook(ctx context.Context) error {
	e := h.Engine
	today := e.Today()

	specs := []struct {
		consigner string
		number    string
		freight   string
		sc        trips.Scenario
		dueIn     int
	}{
		{"Kumar Logistics", "OD-201", "18000", trips.NotPaid{}, -20},
		{"Kumar Logistics", "OD-202", "9000", trips.PartialToDriver{Amount: amount("3000")}, -5},
		{"Kumar Logistics", "OD-203", "12000", trips.LeftWithParty{}, 10},
		{"Patel Agro", "OD-204", "6400", trips.NotPaid{}, -1},
		{"Patel Agro", "OD-205", "3100", trips.FullToDriver{}, -30},
	}
	for i, s := range specs {
		due := today.AddDays(s.dueIn)
		_, err := e.CreateTrip(ctx, trips.CreateTripRequest{
			ConsignerName:  s.consigner,
			TripNumber:     s.number,
			Origin:         "Nashik",
			Destination:    "Surat",
			TripDate:       today.AddDays(-45 + i*5),
			Freight:        amount(s.freight),
			Scenario:       s.sc,
			PaymentDueDate: &due,
		})
		if err != nil {
			return err
		}
	}

	_, err := e.RefreshOverdueStatuses(ctx)
	return err
}

func (h *Handler) loadConsignerTransfer(ctx context.Context) error {
	e := h.Engine
	today := e.Today()

	moved, err := e.CreateTrip(ctx, trips.CreateTripRequest{
		ConsignerName: "Gupta Freight",
		TripNumber:    "CT-301",
		Origin:        "Indore",
		Destination:   "Bhopal",
		TripDate:      today.AddDays(-12),
		Freight:       amount("10000"),
		Scenario:      trips.PartialToDriver{Amount: amount("4000")},
	})
	if err != nil {
		return err
	}

	other, err := e.CreateTrip(ctx, trips.CreateTripRequest{
		ConsignerName: "Gupta Freight",
		TripNumber:    "CT-302",
		Origin:        "Indore",
		Destination:   "Ujjain",
		TripDate:      today.AddDays(-8),
		Freight:       amount("4500"),
	})
	if err != nil {
		return err
	}
	paid, err := e.RecordPayment(ctx, trips.PaymentRequest{
		TripID: other.Trip.ID,
		Amount: amount("1500"),
		Date:   today.AddDays(-3),
		Mode:   ledger.ModeCheque,
	})
	if err != nil {
		return err
	}
	// The cheque bounced.
	if _, err := e.ReversePayment(ctx, paid.Payment.ID); err != nil {
		return err
	}

	target := "Verma Transport"
	freight := amount("12000")
	_, err = e.UpdateTrip(ctx, moved.Trip.ID, trips.TripUpdate{
		ConsignerName: &target,
		Freight:       &freight,
	})
	return err
}
