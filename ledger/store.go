/*
store.go - Persistence interface for consigners, trips, payments and the ledger

PURPOSE:
  Defines the interface between the engine and the database. Different
  implementations use SQLite, PostgreSQL, or in-memory storage; all of
  them must honour the same atomicity contract.

KEY INTERFACES:
  Store:   single-statement operations
  TxStore: Store plus WithTx for multi-table atomic writes

APPEND-ONLY LEDGER:
  Ledger rows are written by AppendEntry and never updated or deleted.
  Corrections are new adjustment entries.

ATOMIC BALANCE:
  ApplyBalanceChange is one statement: insert the balance row or add the
  deltas to it, returning the updated row. Callers never read a balance,
  compute, and write it back.

GUARDED TRIP UPDATES:
  ApplyTripPayment / RevertTripPayment change a trip only when its
  current amounts still allow the change. UpdateTrip and DeleteTrip take
  the trip as the caller read it and only apply while the stored paid
  amount, freight and consigner still match that read. A guard miss is
  reported as a domain error, never applied partially.

IMPLEMENTATIONS:
  - store/sqlstore: shared database/sql implementation
  - store/sqlite, store/postgres: dialects and schemas
  - ledger/store/memory.go: in-memory, for tests
*/
package ledger

import (
	"context"

	"github.com/shopspring/decimal"
)

// =============================================================================
// STORE
// =============================================================================

type Store interface {
	// Consigners

	// UpsertConsignerByName returns the id of the consigner whose normalised
	// name matches, creating it if needed. Idempotent under concurrency.
	UpsertConsignerByName(ctx context.Context, name string) (ConsignerID, error)
	GetConsigner(ctx context.Context, id ConsignerID) (*Consigner, error)

	// Ledger and balance

	// ApplyBalanceChange adds the change to the consigner's balance row,
	// creating it when absent, and returns the row as updated.
	ApplyBalanceChange(ctx context.Context, c BalanceChange) (Balance, error)
	// GetBalance returns nil when the consigner has no balance row yet.
	GetBalance(ctx context.Context, id ConsignerID) (*Balance, error)
	// ReplaceBalance overwrites the balance row. Used only by Rebuild.
	ReplaceBalance(ctx context.Context, b Balance) error
	// AppendEntry inserts a ledger row and returns its id.
	AppendEntry(ctx context.Context, e Entry) (EntryID, error)
	// ListEntries returns entries ordered by id, filtered on transaction date.
	ListEntries(ctx context.Context, id ConsignerID, r DateRange) ([]Entry, error)

	// Trips

	InsertTrip(ctx context.Context, t Trip) (TripID, error)
	GetTrip(ctx context.Context, id TripID) (*Trip, error)
	// UpdateTrip writes next's editable fields, freight, due and status to
	// trip prev.ID. The write only applies while the stored amount_paid,
	// freight_amount and consigner_id still equal prev's; otherwise it
	// returns ErrConcurrentModification.
	UpdateTrip(ctx context.Context, prev, next Trip) error
	// DeleteTrip removes trip prev.ID and its payments under the same
	// guard as UpdateTrip.
	DeleteTrip(ctx context.Context, prev Trip) error
	// ApplyTripPayment moves amount from due to paid when due >= amount.
	ApplyTripPayment(ctx context.Context, id TripID, amount decimal.Decimal) (Trip, error)
	// RevertTripPayment moves amount from paid back to due when paid >= amount.
	RevertTripPayment(ctx context.Context, id TripID, amount decimal.Decimal) (Trip, error)
	// MarkOverdue flips pending trips whose due date is before today.
	MarkOverdue(ctx context.Context, today Date) (int64, error)
	ListTrips(ctx context.Context, f TripFilter) ([]Trip, error)
	SummarizePayments(ctx context.Context, consigner *ConsignerID) (PaymentSummary, error)

	// Payments

	InsertPayment(ctx context.Context, p TripPayment) (PaymentID, error)
	GetPayment(ctx context.Context, id PaymentID) (*TripPayment, error)
	DeletePayment(ctx context.Context, id PaymentID) error
	ListPayments(ctx context.Context, trip TripID) ([]TripPayment, error)
	// LastPaymentDate is the latest payment date over the consigner's trips.
	LastPaymentDate(ctx context.Context, id ConsignerID) (*Date, error)
}

// =============================================================================
// TRANSACTIONAL STORE
// =============================================================================

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, transaction is rolled back.
	// If fn returns nil, transaction is committed.
	WithTx(ctx context.Context, fn func(Store) error) error
}
