/*
Package sqlite provides a SQLite-backed implementation of ledger.TxStore.

PURPOSE:
  Opens the database, migrates the schema and supplies the SQLite Dialect.
  Every query lives in store/sqlstore and is shared with PostgreSQL.

APPEND-ONLY ENFORCEMENT:
  consigner_ledger is only ever INSERTed into:
  - No UPDATE statements on consigner_ledger
  - No DELETE statements on consigner_ledger
  - Corrections are adjustment entries

KEY TABLES:
  consigners:         Counterparties, unique on normalised name
  trips:              Freight, paid and due per trip (due = freight - paid)
  trip_payments:      Money received against a trip
  consigner_ledger:   Immutable ledger of all balance changes
  consigner_balances: One maintained rollup row per consigner

INDEXES:
  - idx_ledger_consigner: ledger history and replay (hot path)
  - idx_trips_status_due: pending and overdue queries
  - idx_payments_trip: payment lists and last payment date

CONCURRENCY:
  One open connection, WAL and BEGIN IMMEDIATE (_txlock=immediate).
  Transactions are serialised by SQLite itself; a writer that cannot get
  the lock within busy_timeout surfaces ledger.ErrConcurrentModification.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging):
  - Readers don't block the writer
  - Single writer at a time
  - Better crash recovery

USAGE:
  store, err := sqlite.New("./data/fleet.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  engine := trips.NewEngine(store)

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - ledger/store.go: Interface definitions
  - store/sqlstore: The queries
  - ledger/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/mattn/go-sqlite3"
	"github.com/warp/fleet-ledger/ledger"
	"github.com/warp/fleet-ledger/store/sqlstore"
)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*sqlstore.Store, error) {
	sep := "?"
	if strings.Contains(dbPath, "?") {
		sep = "&"
	}
	db, err := sql.Open("sqlite3", dbPath+sep+"_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection keeps ":memory:" databases shared and serialises
	// writers without SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return sqlstore.New(db, Dialect{}), nil
}

// migrate creates the database schema.
func migrate(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS consigners (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		name_key TEXT NOT NULL UNIQUE,
		phone TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS trips (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		consigner_id INTEGER REFERENCES consigners(id),
		trip_number TEXT NOT NULL DEFAULT '',
		origin TEXT NOT NULL DEFAULT '',
		destination TEXT NOT NULL DEFAULT '',
		trip_date TEXT NOT NULL,
		freight_amount INTEGER NOT NULL CHECK (freight_amount >= 0),
		amount_paid INTEGER NOT NULL DEFAULT 0 CHECK (amount_paid >= 0),
		amount_due INTEGER NOT NULL CHECK (amount_due >= 0),
		payment_status TEXT NOT NULL
			CHECK (payment_status IN ('pending', 'partial', 'completed', 'overdue')),
		payment_due_date TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		CHECK (amount_due = freight_amount - amount_paid)
	);

	CREATE INDEX IF NOT EXISTS idx_trips_consigner
		ON trips(consigner_id);
	CREATE INDEX IF NOT EXISTS idx_trips_status_due
		ON trips(payment_status, payment_due_date);

	CREATE TABLE IF NOT EXISTS trip_payments (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		trip_id INTEGER NOT NULL REFERENCES trips(id),
		amount INTEGER NOT NULL CHECK (amount > 0),
		payment_date TEXT NOT NULL,
		payment_mode TEXT NOT NULL
			CHECK (payment_mode IN ('cash', 'upi', 'bank_transfer', 'cheque', 'other')),
		reference TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_payments_trip
		ON trip_payments(trip_id);

	-- Ledger rows outlive their trip, so trip_id carries no foreign key.
	CREATE TABLE IF NOT EXISTS consigner_ledger (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		consigner_id INTEGER NOT NULL REFERENCES consigners(id),
		trip_id INTEGER,
		entry_type TEXT NOT NULL CHECK (entry_type IN ('credit', 'debit', 'adjustment')),
		amount INTEGER NOT NULL,
		balance_after INTEGER NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		transaction_date TEXT NOT NULL,
		trips_delta INTEGER NOT NULL DEFAULT 0,
		freight_delta INTEGER NOT NULL DEFAULT 0,
		paid_delta INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_ledger_consigner
		ON consigner_ledger(consigner_id, id);
	CREATE INDEX IF NOT EXISTS idx_ledger_consigner_date
		ON consigner_ledger(consigner_id, transaction_date);

	CREATE TABLE IF NOT EXISTS consigner_balances (
		consigner_id INTEGER PRIMARY KEY REFERENCES consigners(id),
		outstanding_balance INTEGER NOT NULL DEFAULT 0,
		total_trips INTEGER NOT NULL DEFAULT 0,
		total_freight INTEGER NOT NULL DEFAULT 0,
		total_paid INTEGER NOT NULL DEFAULT 0,
		last_trip_date TEXT,
		last_payment_date TEXT,
		updated_at TEXT NOT NULL,
		version INTEGER NOT NULL DEFAULT 0
	);
	`

	if _, err := db.Exec(schema); err != nil {
		return err
	}
	return addColumn(db, "consigner_balances", "version", "INTEGER NOT NULL DEFAULT 0")
}

// addColumn adds a column to a table created by an older schema. SQLite
// has no ADD COLUMN IF NOT EXISTS.
func addColumn(db *sql.DB, table, column, decl string) error {
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?`, table, column).Scan(&n)
	if err != nil {
		return fmt.Errorf("inspect %s: %w", table, err)
	}
	if n > 0 {
		return nil
	}
	if _, err := db.Exec(fmt.Sprintf(`ALTER TABLE %s ADD COLUMN %s %s`, table, column, decl)); err != nil {
		return fmt.Errorf("add %s.%s: %w", table, column, err)
	}
	return nil
}

// =============================================================================
// DIALECT
// =============================================================================

// Dialect is the SQLite flavour of sqlstore.Dialect.
type Dialect struct{}

func (Dialect) Name() string { return "sqlite" }

// Rebind is the identity; SQLite understands ? placeholders.
func (Dialect) Rebind(query string) string { return query }

// Translate maps lock contention to ledger.ErrConcurrentModification.
func (Dialect) Translate(err error) error {
	if err == nil {
		return nil
	}
	var serr sqlite3.Error
	if errors.As(err, &serr) {
		switch serr.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked:
			return fmt.Errorf("%w: %v", ledger.ErrConcurrentModification, err)
		}
	}
	if isUniqueConstraintError(err) {
		return fmt.Errorf("%w: %v", ledger.ErrConcurrentModification, err)
	}
	return err
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
