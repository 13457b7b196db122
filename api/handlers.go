/*
handlers.go - HTTP API handlers for the consigner ledger

PURPOSE:
  Exposes the trips engine over REST. Handles HTTP request/response,
  JSON serialization and validation, and delegates to trips.Engine.

ENDPOINTS:
  Consigners:
    POST   /api/consigners                    Find or create by name
    GET    /api/consigners/{id}               Consigner details
    GET    /api/consigners/{id}/balance       Maintained balance
    GET    /api/consigners/{id}/ledger        Entries (?from=&to=)
    POST   /api/consigners/{id}/adjustments   Manual signed adjustment
    GET    /api/consigners/{id}/verify        Maintained vs replayed
    POST   /api/consigners/{id}/rebuild       Rewrite balance from ledger

  Trips:
    POST   /api/trips                         Book a trip with its scenario
    GET    /api/trips/{id}
    PUT    /api/trips/{id}                    Edit and reconcile
    DELETE /api/trips/{id}
    GET    /api/trips/{id}/payments
    POST   /api/trips/{id}/payments           Record a payment

  Payments:
    DELETE /api/payments/{id}                 Reverse a payment
    GET    /api/payments/pending              (?consigner_id=&status=a,b)
    GET    /api/payments/summary              (?consigner_id=)
    POST   /api/payments/overdue/refresh

REQUEST FLOW:
  1. Parse path and query parameters
  2. Decode and validate the body
  3. Call the engine
  4. Serialize the result

ERROR HANDLING:
  Every error body is ErrorResponse{error, code, details}:
  - 400 validation, invalid_scenario, bad_request
  - 404 not_found
  - 409 payment_exceeds_due (details carry due and requested)
  - 409 retry (concurrent modification; safe to resend)
  - 500 internal

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo data sets
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/warp/fleet-ledger/ledger"
	"github.com/warp/fleet-ledger/trips"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Resetter wipes a backing store. Used by the demo scenario loader.
type Resetter interface {
	Reset(ctx context.Context) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine *trips.Engine

	resetters []Resetter
	validate  *validator.Validate
	log       *slog.Logger

	// Track currently loaded scenario
	mu              sync.Mutex
	currentScenario string
}

// NewHandler creates a handler. resetters are wiped, in order, before a
// demo scenario loads (the store, then the balance cache).
func NewHandler(engine *trips.Engine, log *slog.Logger, resetters ...Resetter) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{
		Engine:    engine,
		resetters: resetters,
		validate:  validator.New(),
		log:       log,
	}
}

// =============================================================================
// CONSIGNER HANDLERS
// =============================================================================

// CreateConsigner finds or creates a consigner by name.
func (h *Handler) CreateConsigner(w http.ResponseWriter, r *http.Request) {
	var req CreateConsignerRequest
	if !h.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		h.fail(w, r, &ledger.ValidationError{Field: "name", Reason: "must not be blank"})
		return
	}

	c, err := h.Engine.UpsertConsigner(r.Context(), req.Name)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (h *Handler) GetConsigner(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	c, err := h.Engine.GetConsigner(r.Context(), ledger.ConsignerID(id))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// GetBalance returns the maintained balance row.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	b, err := h.Engine.GetConsignerBalance(r.Context(), ledger.ConsignerID(id))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// GetLedger returns ledger entries, optionally bounded by ?from= and ?to=.
func (h *Handler) GetLedger(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var rng ledger.DateRange
	var err error
	if rng.From, err = queryDate(r, "from"); err != nil {
		h.fail(w, r, err)
		return
	}
	if rng.To, err = queryDate(r, "to"); err != nil {
		h.fail(w, r, err)
		return
	}

	entries, err := h.Engine.GetLedger(r.Context(), ledger.ConsignerID(id), rng)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if entries == nil {
		entries = []ledger.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// CreateAdjustment records a manual signed adjustment.
func (h *Handler) CreateAdjustment(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req AdjustmentRequest
	if !h.decode(w, r, &req) {
		return
	}

	adj := trips.AdjustmentRequest{
		ConsignerID: ledger.ConsignerID(id),
		Amount:      *req.Amount,
		Description: req.Description,
	}
	if req.Date != nil {
		adj.Date = *req.Date
	}
	entry, bal, err := h.Engine.RecordAdjustment(r.Context(), adj)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, AdjustmentResponse{Entry: entry, Balance: bal})
}

// VerifyBalance compares the maintained balance with a ledger replay.
func (h *Handler) VerifyBalance(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	v, err := h.Engine.VerifyBalance(r.Context(), ledger.ConsignerID(id))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (h *Handler) RebuildBalance(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	b, err := h.Engine.RebuildBalance(r.Context(), ledger.ConsignerID(id))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// =============================================================================
// TRIP HANDLERS
// =============================================================================

// CreateTrip books a trip and applies its payment scenario.
func (h *Handler) CreateTrip(w http.ResponseWriter, r *http.Request) {
	var req CreateTripRequest
	if !h.decode(w, r, &req) {
		return
	}

	sc, err := trips.ParseScenario(req.PaymentScenario, req.PartialAmount)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	res, err := h.Engine.CreateTrip(r.Context(), trips.CreateTripRequest{
		ConsignerID:    consignerPtr(req.ConsignerID),
		ConsignerName:  req.ConsignerName,
		TripNumber:     req.TripNumber,
		Origin:         req.Origin,
		Destination:    req.Destination,
		TripDate:       *req.TripDate,
		Freight:        *req.FreightAmount,
		Scenario:       sc,
		PaymentDueDate: req.PaymentDueDate,
		PaymentMode:    ledger.PaymentMode(req.PaymentMode),
		Reference:      req.Reference,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (h *Handler) GetTrip(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	t, err := h.Engine.GetTrip(r.Context(), ledger.TripID(id))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// UpdateTrip edits a trip; freight and consigner changes are reconciled
// into the ledger.
func (h *Handler) UpdateTrip(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req UpdateTripRequest
	if !h.decode(w, r, &req) {
		return
	}

	res, err := h.Engine.UpdateTrip(r.Context(), ledger.TripID(id), trips.TripUpdate{
		ConsignerID:     consignerPtr(req.ConsignerID),
		ConsignerName:   req.ConsignerName,
		DetachConsigner: req.DetachConsigner,
		TripNumber:      req.TripNumber,
		Origin:          req.Origin,
		Destination:     req.Destination,
		TripDate:        req.TripDate,
		Freight:         req.FreightAmount,
		PaymentDueDate:  req.PaymentDueDate,
		ClearDueDate:    req.ClearDueDate,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) DeleteTrip(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	res, err := h.Engine.DeleteTrip(r.Context(), ledger.TripID(id))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) ListTripPayments(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	payments, err := h.Engine.ListPayments(r.Context(), ledger.TripID(id))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if payments == nil {
		payments = []ledger.TripPayment{}
	}
	writeJSON(w, http.StatusOK, payments)
}

// RecordPayment applies a payment to the trip in the path.
func (h *Handler) RecordPayment(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req RecordPaymentRequest
	if !h.decode(w, r, &req) {
		return
	}

	p := trips.PaymentRequest{
		TripID:    ledger.TripID(id),
		Amount:    *req.Amount,
		Mode:      ledger.PaymentMode(req.PaymentMode),
		Reference: req.Reference,
	}
	if req.PaymentDate != nil {
		p.Date = *req.PaymentDate
	}
	res, err := h.Engine.RecordPayment(r.Context(), p)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// =============================================================================
// PAYMENT HANDLERS
// =============================================================================

// ReversePayment deletes a payment and restores trip and balance.
func (h *Handler) ReversePayment(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	res, err := h.Engine.ReversePayment(r.Context(), ledger.PaymentID(id))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ListPendingPayments lists trips with money due, refreshing overdue first.
func (h *Handler) ListPendingPayments(w http.ResponseWriter, r *http.Request) {
	consigner, err := queryConsigner(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	f := trips.PendingFilter{ConsignerID: consigner}
	if raw := r.URL.Query().Get("status"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			f.Statuses = append(f.Statuses, ledger.PaymentStatus(strings.TrimSpace(s)))
		}
	}

	list, err := h.Engine.ListPendingPayments(r.Context(), f)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if list == nil {
		list = []ledger.Trip{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *Handler) PaymentSummary(w http.ResponseWriter, r *http.Request) {
	consigner, err := queryConsigner(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	s, err := h.Engine.PaymentSummary(r.Context(), consigner)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (h *Handler) RefreshOverdue(w http.ResponseWriter, r *http.Request) {
	n, err := h.Engine.RefreshOverdueStatuses(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, OverdueRefreshResponse{Updated: n})
}

// Health reports liveness.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	writeJSON(w, status, ErrorResponse{Error: message, Code: code, Details: details})
}

// decode reads and validates a JSON body. It writes the 400 itself and
// reports whether the handler may continue.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "Invalid request body", err.Error())
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			details := make(map[string]string, len(verrs))
			for _, fe := range verrs {
				details[fe.Field()] = fmt.Sprintf("failed on '%s'", fe.Tag())
			}
			writeError(w, http.StatusBadRequest, "validation", "Validation failed", details)
			return false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "Invalid request body", err.Error())
		return false
	}
	return true
}

// fail maps a domain error to its status and code.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	var exceeds *ledger.PaymentExceedsDueError
	switch {
	case errors.As(err, &exceeds):
		writeError(w, http.StatusConflict, "payment_exceeds_due", err.Error(), map[string]string{
			"trip_id":   strconv.FormatInt(int64(exceeds.TripID), 10),
			"due":       exceeds.Due.StringFixed(ledger.MoneyScale),
			"requested": exceeds.Requested.StringFixed(ledger.MoneyScale),
		})
	case errors.Is(err, ledger.ErrPaymentExceedsDue):
		writeError(w, http.StatusConflict, "payment_exceeds_due", err.Error(), nil)
	case ledger.IsRetryable(err):
		writeError(w, http.StatusConflict, "retry", "Concurrent modification, retry the request", err.Error())
	case errors.Is(err, ledger.ErrInvalidScenario):
		writeError(w, http.StatusBadRequest, "invalid_scenario", err.Error(), nil)
	case errors.Is(err, ledger.ErrValidation):
		writeError(w, http.StatusBadRequest, "validation", err.Error(), nil)
	case ledger.IsNotFound(err):
		writeError(w, http.StatusNotFound, "not_found", err.Error(), nil)
	default:
		h.log.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "Internal error", err.Error())
	}
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "bad_request", fmt.Sprintf("Invalid id %q", raw), nil)
		return 0, false
	}
	return id, true
}

func queryDate(r *http.Request, key string) (*ledger.Date, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return nil, nil
	}
	d, err := ledger.ParseDate(raw)
	if err != nil {
		return nil, &ledger.ValidationError{Field: key, Reason: "use YYYY-MM-DD"}
	}
	return &d, nil
}

func queryConsigner(r *http.Request) (*ledger.ConsignerID, error) {
	raw := r.URL.Query().Get("consigner_id")
	if raw == "" {
		return nil, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n <= 0 {
		return nil, &ledger.ValidationError{Field: "consigner_id", Reason: "must be a positive integer"}
	}
	id := ledger.ConsignerID(n)
	return &id, nil
}

func consignerPtr(id *int64) *ledger.ConsignerID {
	if id == nil {
		return nil
	}
	c := ledger.ConsignerID(*id)
	return &c
}
