/*
handlers_test.go - HTTP tests for the API handlers

Tests run the full router against an in-memory SQLite store with a fixed
business date, so responses exercise the same SQL as production.
*/
package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/fleet-ledger/api"
	"github.com/warp/fleet-ledger/ledger"
	"github.com/warp/fleet-ledger/store/sqlite"
	"github.com/warp/fleet-ledger/trips"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

var today = ledger.MustDate("2025-03-20")

func newTestServer(t *testing.T) (*httptest.Server, *trips.Engine) {
	t.Helper()
	s, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	engine := trips.NewEngine(s, trips.WithClock(ledger.FixedClock(today)), trips.WithLogger(log))
	h := api.NewHandler(engine, log, s)

	srv := httptest.NewServer(api.NewRouter(h, api.RouterOptions{}))
	t.Cleanup(srv.Close)
	return srv, engine
}

func do(t *testing.T, srv *httptest.Server, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		switch b := body.(type) {
		case string:
			rdr = strings.NewReader(b)
		default:
			raw, err := json.Marshal(b)
			require.NoError(t, err)
			rdr = bytes.NewReader(raw)
		}
	}
	req, err := http.NewRequest(method, srv.URL+path, rdr)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, raw
}

func decodeInto[T any](t *testing.T, raw []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(raw, &v), string(raw))
	return v
}

func assertMoney(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	assert.True(t, decimal.RequireFromString(want).Equal(got), "want %s, got %s", want, got)
}

func createTrip(t *testing.T, srv *httptest.Server, body map[string]any) trips.TripResult {
	t.Helper()
	resp, raw := do(t, srv, http.MethodPost, "/api/trips", body)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(raw))
	return decodeInto[trips.TripResult](t, raw)
}

// =============================================================================
// TRIPS AND PAYMENTS
// =============================================================================

func TestAPI_TripPaymentLifecycle(t *testing.T) {
	// GIVEN: A trip booked with a partial payment to the driver
	// WHEN: A payment is recorded over HTTP and then reversed
	// THEN: The balance endpoint follows each step

	srv, _ := newTestServer(t)

	created := createTrip(t, srv, map[string]any{
		"consigner_name":   "Sharma Traders",
		"trip_number":      "MH12-001",
		"trip_date":        "2025-03-10",
		"freight_amount":   "10000",
		"payment_scenario": "partial_to_driver",
		"partial_amount":   4000,
	})
	require.NotNil(t, created.Trip.ConsignerID)
	assert.Equal(t, ledger.StatusPartial, created.Trip.PaymentStatus)
	assert.Len(t, created.Entries, 2)
	consigner := *created.Trip.ConsignerID

	resp, raw := do(t, srv, http.MethodGet, fmt.Sprintf("/api/consigners/%d/balance", consigner), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	bal := decodeInto[ledger.Balance](t, raw)
	assertMoney(t, "6000", bal.Outstanding)

	resp, raw = do(t, srv, http.MethodPost, fmt.Sprintf("/api/trips/%d/payments", created.Trip.ID), map[string]any{
		"amount":       "2500.50",
		"payment_date": "2025-03-15",
		"payment_mode": "upi",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(raw))
	paid := decodeInto[trips.PaymentResult](t, raw)
	assertMoney(t, "3499.50", paid.Trip.AmountDue)
	require.NotNil(t, paid.Balance)
	assertMoney(t, "3499.50", paid.Balance.Outstanding)

	resp, raw = do(t, srv, http.MethodGet, fmt.Sprintf("/api/trips/%d/payments", created.Trip.ID), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decodeInto[[]ledger.TripPayment](t, raw), 2)

	resp, raw = do(t, srv, http.MethodDelete, fmt.Sprintf("/api/payments/%d", paid.Payment.ID), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(raw))
	rev := decodeInto[trips.ReversalResult](t, raw)
	assertMoney(t, "6000", rev.Trip.AmountDue)

	resp, raw = do(t, srv, http.MethodGet, fmt.Sprintf("/api/consigners/%d/verify", consigner), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, decodeInto[ledger.Verification](t, raw).Consistent)

	resp, raw = do(t, srv, http.MethodGet, fmt.Sprintf("/api/consigners/%d/ledger?from=2025-03-11", consigner), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decodeInto[[]ledger.Entry](t, raw), 2)
}

func TestAPI_ErrorMapping(t *testing.T) {
	srv, _ := newTestServer(t)
	created := createTrip(t, srv, map[string]any{
		"consigner_name": "Patel Agro",
		"trip_date":      "2025-03-10",
		"freight_amount": "1000",
	})
	tripPath := fmt.Sprintf("/api/trips/%d", created.Trip.ID)

	tests := []struct {
		name       string
		method     string
		path       string
		body       any
		wantStatus int
		wantCode   string
	}{
		{"exceeds due", http.MethodPost, tripPath + "/payments", map[string]any{"amount": "1000.01"}, http.StatusConflict, "payment_exceeds_due"},
		{"zero payment", http.MethodPost, tripPath + "/payments", map[string]any{"amount": "0"}, http.StatusBadRequest, "validation"},
		{"missing amount", http.MethodPost, tripPath + "/payments", map[string]any{}, http.StatusBadRequest, "validation"},
		{"bad mode", http.MethodPost, tripPath + "/payments", map[string]any{"amount": "1", "payment_mode": "barter"}, http.StatusBadRequest, "validation"},
		{"malformed body", http.MethodPost, "/api/trips", "{", http.StatusBadRequest, "bad_request"},
		{"bad date", http.MethodPost, "/api/trips", map[string]any{"trip_date": "10/03/2025", "freight_amount": "1"}, http.StatusBadRequest, "bad_request"},
		{"partial without amount", http.MethodPost, "/api/trips", map[string]any{
			"trip_date": "2025-03-10", "freight_amount": "100", "payment_scenario": "partial_to_driver",
		}, http.StatusBadRequest, "invalid_scenario"},
		{"partial above freight", http.MethodPost, "/api/trips", map[string]any{
			"trip_date": "2025-03-10", "freight_amount": "100", "payment_scenario": "partial_to_driver", "partial_amount": "150",
		}, http.StatusBadRequest, "invalid_scenario"},
		{"unknown trip", http.MethodGet, "/api/trips/9999", nil, http.StatusNotFound, "not_found"},
		{"unknown payment", http.MethodDelete, "/api/payments/9999", nil, http.StatusNotFound, "not_found"},
		{"unknown consigner", http.MethodGet, "/api/consigners/9999/balance", nil, http.StatusNotFound, "not_found"},
		{"non-numeric id", http.MethodGet, "/api/trips/abc", nil, http.StatusBadRequest, "bad_request"},
		{"bad ledger range", http.MethodGet, fmt.Sprintf("/api/consigners/%d/ledger?from=2025-03-20&to=2025-03-01", *created.Trip.ConsignerID), nil, http.StatusBadRequest, "validation"},
		{"bad status filter", http.MethodGet, "/api/payments/pending?status=late", nil, http.StatusBadRequest, "validation"},
		{"negative freight", http.MethodPut, tripPath, map[string]any{"freight_amount": "-1"}, http.StatusBadRequest, "validation"},
		{"freight beyond range", http.MethodPost, "/api/trips", map[string]any{
			"trip_date": "2025-03-10", "freight_amount": "100000000000000000",
		}, http.StatusBadRequest, "validation"},
		{"adjustment beyond range", http.MethodPost, fmt.Sprintf("/api/consigners/%d/adjustments", *created.Trip.ConsignerID), map[string]any{
			"amount": "184467440737095521.16", "description": "typo",
		}, http.StatusBadRequest, "validation"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, raw := do(t, srv, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.wantStatus, resp.StatusCode, string(raw))
			assert.Equal(t, tt.wantCode, decodeInto[api.ErrorResponse](t, raw).Code)
		})
	}
}

func TestAPI_ExceedsDueDetails(t *testing.T) {
	srv, _ := newTestServer(t)
	created := createTrip(t, srv, map[string]any{"trip_date": "2025-03-10", "freight_amount": "500"})

	resp, raw := do(t, srv, http.MethodPost, fmt.Sprintf("/api/trips/%d/payments", created.Trip.ID), map[string]any{"amount": "600"})
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	var body struct {
		Code    string            `json:"code"`
		Details map[string]string `json:"details"`
	}
	require.NoError(t, json.Unmarshal(raw, &body))
	assert.Equal(t, "500.00", body.Details["due"])
	assert.Equal(t, "600.00", body.Details["requested"])
}

func TestAPI_UpdateAndDeleteTrip(t *testing.T) {
	srv, _ := newTestServer(t)
	created := createTrip(t, srv, map[string]any{
		"consigner_name":   "Consigner A",
		"trip_date":        "2025-03-10",
		"freight_amount":   "10000",
		"payment_scenario": "partial_to_driver",
		"partial_amount":   "4000",
	})
	a := *created.Trip.ConsignerID

	resp, raw := do(t, srv, http.MethodPut, fmt.Sprintf("/api/trips/%d", created.Trip.ID), map[string]any{
		"consigner_name": "Consigner B",
		"freight_amount": "12000",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(raw))
	updated := decodeInto[trips.TripResult](t, raw)
	require.NotNil(t, updated.Trip.ConsignerID)
	b := *updated.Trip.ConsignerID
	assert.NotEqual(t, a, b)

	_, raw = do(t, srv, http.MethodGet, fmt.Sprintf("/api/consigners/%d/balance", b), nil)
	assertMoney(t, "8000", decodeInto[ledger.Balance](t, raw).Outstanding)
	_, raw = do(t, srv, http.MethodGet, fmt.Sprintf("/api/consigners/%d/balance", a), nil)
	assertMoney(t, "0", decodeInto[ledger.Balance](t, raw).Outstanding)

	resp, _ = do(t, srv, http.MethodDelete, fmt.Sprintf("/api/trips/%d", created.Trip.ID), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	_, raw = do(t, srv, http.MethodGet, fmt.Sprintf("/api/consigners/%d/balance", b), nil)
	bal := decodeInto[ledger.Balance](t, raw)
	assertMoney(t, "0", bal.Outstanding)
	assert.Equal(t, 0, bal.TotalTrips)

	resp, _ = do(t, srv, http.MethodGet, fmt.Sprintf("/api/trips/%d", created.Trip.ID), nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

// =============================================================================
// CONSIGNERS AND ADJUSTMENTS
// =============================================================================

func TestAPI_ConsignerAdjustmentAndRebuild(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, raw := do(t, srv, http.MethodPost, "/api/consigners", map[string]any{"name": "Kumar Logistics"})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(raw))
	c := decodeInto[ledger.Consigner](t, raw)

	resp, raw = do(t, srv, http.MethodPost, "/api/consigners", map[string]any{"name": " kumar  logistics"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, c.ID, decodeInto[ledger.Consigner](t, raw).ID)

	resp, raw = do(t, srv, http.MethodPost, fmt.Sprintf("/api/consigners/%d/adjustments", c.ID), map[string]any{
		"amount":      "-250",
		"description": "opening credit note",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(raw))
	adj := decodeInto[api.AdjustmentResponse](t, raw)
	assertMoney(t, "-250", adj.Balance.Outstanding)
	assert.Equal(t, today.String(), adj.Entry.TransactionDate.String())

	resp, raw = do(t, srv, http.MethodPost, fmt.Sprintf("/api/consigners/%d/rebuild", c.ID), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(raw))
	assertMoney(t, "-250", decodeInto[ledger.Balance](t, raw).Outstanding)

	resp, raw = do(t, srv, http.MethodPost, "/api/consigners", map[string]any{"name": "   "})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "validation", decodeInto[api.ErrorResponse](t, raw).Code)
}

// =============================================================================
// PENDING, SUMMARY, OVERDUE
// =============================================================================

func TestAPI_PendingAndSummary(t *testing.T) {
	srv, _ := newTestServer(t)
	overdue := createTrip(t, srv, map[string]any{
		"consigner_name":   "Late Payers",
		"trip_date":        "2025-03-01",
		"freight_amount":   "5000",
		"payment_due_date": "2025-03-10",
	})
	createTrip(t, srv, map[string]any{
		"consigner_name":   "Late Payers",
		"trip_date":        "2025-03-02",
		"freight_amount":   "800",
		"payment_scenario": "full_to_driver",
	})

	resp, raw := do(t, srv, http.MethodGet, "/api/payments/pending", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	pending := decodeInto[[]ledger.Trip](t, raw)
	require.Len(t, pending, 1)
	assert.Equal(t, overdue.Trip.ID, pending[0].ID)
	assert.Equal(t, ledger.StatusOverdue, pending[0].PaymentStatus)

	resp, raw = do(t, srv, http.MethodPost, "/api/payments/overdue/refresh", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int64(0), decodeInto[api.OverdueRefreshResponse](t, raw).Updated)

	resp, raw = do(t, srv, http.MethodGet, fmt.Sprintf("/api/payments/summary?consigner_id=%d", *overdue.Trip.ConsignerID), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	summary := decodeInto[ledger.PaymentSummary](t, raw)
	assert.Equal(t, 2, summary.TotalTrips)
	assertMoney(t, "5000", summary.TotalDue)
	assert.Equal(t, 1, summary.ByStatus[ledger.StatusOverdue].Count)
}

// =============================================================================
// HEALTH AND METRICS
// =============================================================================

func TestAPI_HealthAndMetrics(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, raw := do(t, srv, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ok"}`, string(raw))

	resp, raw = do(t, srv, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(raw), "fleet_ledger_http_requests_total")
}

func TestAPI_ScenarioResetClearsData(t *testing.T) {
	srv, engine := newTestServer(t)
	created := createTrip(t, srv, map[string]any{"trip_date": "2025-03-10", "freight_amount": "500"})

	resp, _ := do(t, srv, http.MethodPost, "/api/scenarios/reset", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	_, err := engine.GetTrip(context.Background(), created.Trip.ID)
	assert.ErrorIs(t, err, ledger.ErrTripNotFound)
}
