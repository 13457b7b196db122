/*
Package trips runs the trip and payment lifecycles on top of the ledger.

PURPOSE:
  Every operation that moves money is one transaction on a ledger.TxStore:
  trip rows, payment rows and ledger entries commit or roll back together.
  The balance arithmetic itself lives in ledger.RecordEntry.

OPERATIONS:
  trips.go      CreateTrip, UpdateTrip, DeleteTrip, GetTrip
  reconcile.go  ReconcileTripEdit (runs inside UpdateTrip)
  payments.go   RecordPayment, ReversePayment, ListPayments
  overdue.go    RefreshOverdueStatuses, ListPendingPayments, PaymentSummary
  engine.go     consigners, balances, ledger reads, adjustments, verify

  ┌───────────┐   ┌──────────────┐   ┌───────────────────┐
  │ API / CLI │──▶│ trips.Engine │──▶│ ledger.RecordEntry│──▶ balance upsert
  └───────────┘   └──────────────┘   └───────────────────┘    + ledger row
                         │
                         └──▶ trip / payment rows (same transaction)

CACHE:
  Balances are read through an optional BalanceCache. After commit the
  stored row of every consigner an operation touched is written through;
  the cache keeps whichever copy has the higher Balance.Version, so a
  read that raced the commit cannot leave a stale value behind. If the
  write-through fails the key is dropped instead.

ERRORS:
  Validation happens before the transaction opens. Domain errors
  (ledger.Err*) pass through unchanged so callers can errors.Is them.
*/
package trips

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/fleet-ledger/ledger"
	"github.com/warp/fleet-ledger/metrics"
)

// BalanceCache is the subset of cache.BalanceCache the engine uses.
type BalanceCache interface {
	Get(ctx context.Context, id ledger.ConsignerID) (*ledger.Balance, error)
	Set(ctx context.Context, b ledger.Balance) error
	Invalidate(ctx context.Context, ids ...ledger.ConsignerID) error
}

type noCache struct{}

func (noCache) Get(context.Context, ledger.ConsignerID) (*ledger.Balance, error) { return nil, nil }
func (noCache) Set(context.Context, ledger.Balance) error                        { return nil }
func (noCache) Invalidate(context.Context, ...ledger.ConsignerID) error          { return nil }

// Engine coordinates trips, payments and the consigner ledger.
type Engine struct {
	store  ledger.TxStore
	ledger *ledger.Ledger
	cache  BalanceCache
	clock  ledger.Clock
	now    func() time.Time
	log    *slog.Logger
}

type Option func(*Engine)

// WithCache reads balances through c.
func WithCache(c BalanceCache) Option {
	return func(e *Engine) {
		if c != nil {
			e.cache = c
		}
	}
}

// WithClock sets the business calendar used for "today".
func WithClock(c ledger.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithNow sets the wall clock used for created_at and updated_at.
func WithNow(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// NewEngine builds an engine on store. The default clock is India
// Standard Time.
func NewEngine(store ledger.TxStore, opts ...Option) *Engine {
	clock, _ := ledger.NewZoneClock("Asia/Kolkata")
	e := &Engine{
		store:  store,
		ledger: ledger.NewLedger(store),
		cache:  noCache{},
		clock:  clock,
		now:    time.Now,
		log:    slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Today is the current business date.
func (e *Engine) Today() ledger.Date {
	return e.clock.Today()
}

// committed runs after a successful transaction: entry metrics and the
// cache write-through.
func (e *Engine) committed(ctx context.Context, entries []ledger.Entry, consigners ...ledger.ConsignerID) {
	for _, en := range entries {
		metrics.LedgerEntriesTotal.WithLabelValues(string(en.Type)).Inc()
	}
	if _, off := e.cache.(noCache); off {
		return
	}
	var drop []ledger.ConsignerID
	for _, id := range uniqueIDs(consigners) {
		b, err := e.store.GetBalance(ctx, id)
		if err == nil && b != nil {
			err = e.cache.Set(ctx, *b)
		}
		if err != nil || b == nil {
			if err != nil {
				e.log.Warn("balance cache write-through failed", "consigner_id", id, "error", err)
			}
			drop = append(drop, id)
		}
	}
	if err := e.cache.Invalidate(ctx, drop...); err != nil {
		e.log.Warn("balance cache invalidation failed", "consigners", drop, "error", err)
	}
}

// failed classifies and counts an operation error, then returns it.
func (e *Engine) failed(op string, err error) error {
	class := "internal"
	switch {
	case ledger.IsClientError(err):
		class = "client"
	case ledger.IsNotFound(err):
		class = "not_found"
	case ledger.IsRetryable(err):
		class = "conflict"
	}
	metrics.OperationErrorsTotal.WithLabelValues(op, class).Inc()
	if class == "internal" || class == "conflict" {
		e.log.Warn("operation rolled back", "operation", op, "class", class, "error", err)
	}
	return err
}

func uniqueIDs(ids []ledger.ConsignerID) []ledger.ConsignerID {
	seen := make(map[ledger.ConsignerID]bool, len(ids))
	out := ids[:0:0]
	for _, id := range ids {
		if id > 0 && !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

// =============================================================================
// CONSIGNERS
// =============================================================================

// UpsertConsigner returns the consigner with this name, creating it if needed.
func (e *Engine) UpsertConsigner(ctx context.Context, name string) (*ledger.Consigner, error) {
	id, err := e.store.UpsertConsignerByName(ctx, name)
	if err != nil {
		return nil, e.failed("upsert_consigner", err)
	}
	return e.store.GetConsigner(ctx, id)
}

func (e *Engine) GetConsigner(ctx context.Context, id ledger.ConsignerID) (*ledger.Consigner, error) {
	return e.store.GetConsigner(ctx, id)
}

// =============================================================================
// BALANCE AND LEDGER READS
// =============================================================================

// GetConsignerBalance returns the maintained balance. A consigner without
// entries has a zero balance.
func (e *Engine) GetConsignerBalance(ctx context.Context, id ledger.ConsignerID) (ledger.Balance, error) {
	cached, err := e.cache.Get(ctx, id)
	switch {
	case err != nil:
		metrics.BalanceCacheLookups.WithLabelValues("error").Inc()
		e.log.Warn("balance cache read failed", "consigner_id", id, "error", err)
	case cached != nil:
		metrics.BalanceCacheLookups.WithLabelValues("hit").Inc()
		return *cached, nil
	default:
		metrics.BalanceCacheLookups.WithLabelValues("miss").Inc()
	}

	if _, err := e.store.GetConsigner(ctx, id); err != nil {
		return ledger.Balance{}, err
	}
	b, err := e.store.GetBalance(ctx, id)
	if err != nil {
		return ledger.Balance{}, fmt.Errorf("get balance for consigner %d: %w", id, err)
	}
	bal := ledger.ZeroBalance(id)
	if b != nil {
		bal = *b
	}

	if err := e.cache.Set(ctx, bal); err != nil {
		e.log.Warn("balance cache write failed", "consigner_id", id, "error", err)
	}
	return bal, nil
}

// GetLedger returns the consigner's entries in id order, optionally
// bounded by transaction date.
func (e *Engine) GetLedger(ctx context.Context, id ledger.ConsignerID, r ledger.DateRange) ([]ledger.Entry, error) {
	if r.From != nil && r.To != nil && r.From.After(*r.To) {
		return nil, &ledger.ValidationError{Field: "from", Reason: "after to"}
	}
	if _, err := e.store.GetConsigner(ctx, id); err != nil {
		return nil, err
	}
	return e.ledger.Entries(ctx, id, r)
}

// =============================================================================
// MANUAL ADJUSTMENTS
// =============================================================================

// AdjustmentRequest is a signed manual correction to a consigner balance.
// Positive amounts increase what the consigner owes.
type AdjustmentRequest struct {
	ConsignerID ledger.ConsignerID
	Amount      decimal.Decimal
	Description string
	// Date defaults to today.
	Date ledger.Date
}

func (e *Engine) RecordAdjustment(ctx context.Context, req AdjustmentRequest) (ledger.Entry, ledger.Balance, error) {
	if req.Amount.IsZero() {
		return ledger.Entry{}, ledger.Balance{}, &ledger.ValidationError{Field: "amount", Reason: "must not be zero"}
	}
	if req.Date.IsZero() {
		req.Date = e.Today()
	}

	entry, bal, err := e.ledger.Record(ctx, ledger.EntryRequest{
		ConsignerID: req.ConsignerID,
		Type:        ledger.EntryAdjustment,
		Amount:      req.Amount,
		Description: req.Description,
		Date:        req.Date,
	})
	if err != nil {
		return ledger.Entry{}, ledger.Balance{}, e.failed("record_adjustment", err)
	}

	e.committed(ctx, []ledger.Entry{entry}, req.ConsignerID)
	e.log.Info("adjustment recorded",
		"consigner_id", req.ConsignerID, "entry_id", entry.ID,
		"amount", req.Amount.StringFixed(ledger.MoneyScale),
		"balance", bal.Outstanding.StringFixed(ledger.MoneyScale))
	return entry, bal, nil
}

// =============================================================================
// VERIFY / REBUILD
// =============================================================================

// VerifyBalance compares the maintained balance with a full replay.
func (e *Engine) VerifyBalance(ctx context.Context, id ledger.ConsignerID) (ledger.Verification, error) {
	if _, err := e.store.GetConsigner(ctx, id); err != nil {
		return ledger.Verification{}, err
	}
	v, err := ledger.Verify(ctx, e.store, id)
	if err != nil {
		return ledger.Verification{}, err
	}
	if !v.Consistent {
		e.log.Warn("balance drift detected", "consigner_id", id,
			"maintained", v.Maintained.Outstanding.StringFixed(ledger.MoneyScale),
			"replayed", v.Replayed.Balance.Outstanding.StringFixed(ledger.MoneyScale))
	}
	return v, nil
}

// RebuildBalance rewrites the balance row from the ledger.
func (e *Engine) RebuildBalance(ctx context.Context, id ledger.ConsignerID) (ledger.Balance, error) {
	b, err := ledger.Rebuild(ctx, e.store, id)
	if err != nil {
		return ledger.Balance{}, e.failed("rebuild_balance", err)
	}
	e.committed(ctx, nil, id)
	e.log.Info("balance rebuilt", "consigner_id", id,
		"outstanding", b.Outstanding.StringFixed(ledger.MoneyScale))
	return b, nil
}

// =============================================================================
// HELPERS
// =============================================================================

// consignerOf returns the trip's consigner id, or 0.
func consignerOf(t *ledger.Trip) ledger.ConsignerID {
	if t == nil || t.ConsignerID == nil {
		return 0
	}
	return *t.ConsignerID
}

func sameConsigner(a, b *ledger.ConsignerID) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func tripLabel(t ledger.Trip) string {
	if t.TripNumber != "" {
		return t.TripNumber
	}
	return fmt.Sprintf("#%d", t.ID)
}
