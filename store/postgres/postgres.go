/*
Package postgres provides a PostgreSQL-backed ledger.TxStore.

PURPOSE:
  Opens a pgx connection pool through database/sql (pgx/v5/stdlib), applies
  the schema and supplies the PostgreSQL Dialect. The queries themselves
  are shared with SQLite in store/sqlstore.

CONCURRENCY:
  Transactions run at READ COMMITTED. Balance changes are single upsert
  statements and trip amount changes are guarded UPDATEs, so no
  read-modify-write spans two statements. Serialization failures and
  deadlocks (40001, 40P01) surface as ledger.ErrConcurrentModification.

TYPES:
  Ids are BIGINT identity columns, money is BIGINT paise, dates are TEXT
  (YYYY-MM-DD, COLLATE "C") so comparisons match SQLite byte for byte.
*/
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/warp/fleet-ledger/ledger"
	"github.com/warp/fleet-ledger/store/sqlstore"
)

// Options configures the connection pool.
type Options struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string
	SSLMode  string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// DSN renders the options as a postgres:// URL.
func (o Options) DSN() string {
	sslmode := o.SSLMode
	if sslmode == "" {
		sslmode = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		o.User, o.Password, o.Host, o.Port, o.Name, sslmode)
}

// New connects, pings and migrates.
func New(ctx context.Context, o Options) (*sqlstore.Store, error) {
	return Open(ctx, o.DSN(), o)
}

// Open is New with an explicit DSN; pool settings still come from o.
func Open(ctx context.Context, dsn string, o Options) (*sqlstore.Store, error) {
	connConfig, err := pgx.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}

	db := stdlib.OpenDB(*connConfig)
	if o.MaxOpenConns > 0 {
		db.SetMaxOpenConns(o.MaxOpenConns)
	}
	if o.MaxIdleConns > 0 {
		db.SetMaxIdleConns(o.MaxIdleConns)
	}
	if o.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(o.ConnMaxLifetime)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := Migrate(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return sqlstore.New(db, Dialect{}), nil
}

// Migrate creates the schema if it does not exist.
func Migrate(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, schema)
	return err
}

const schema = `
CREATE TABLE IF NOT EXISTS consigners (
	id BIGINT GENERATED BY DEFAULT AS IDENTITY PRIMARY KEY,
	name TEXT NOT NULL,
	name_key TEXT NOT NULL UNIQUE,
	phone TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS trips (
	id BIGINT GENERATED BY DEFAULT AS IDENTITY PRIMARY KEY,
	consigner_id BIGINT REFERENCES consigners(id),
	trip_number TEXT NOT NULL DEFAULT '',
	origin TEXT NOT NULL DEFAULT '',
	destination TEXT NOT NULL DEFAULT '',
	trip_date TEXT COLLATE "C" NOT NULL,
	freight_amount BIGINT NOT NULL CHECK (freight_amount >= 0),
	amount_paid BIGINT NOT NULL DEFAULT 0 CHECK (amount_paid >= 0),
	amount_due BIGINT NOT NULL CHECK (amount_due >= 0),
	payment_status TEXT NOT NULL
		CHECK (payment_status IN ('pending', 'partial', 'completed', 'overdue')),
	payment_due_date TEXT COLLATE "C",
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	CHECK (amount_due = freight_amount - amount_paid)
);

CREATE INDEX IF NOT EXISTS idx_trips_consigner ON trips(consigner_id);
CREATE INDEX IF NOT EXISTS idx_trips_status_due ON trips(payment_status, payment_due_date);

CREATE TABLE IF NOT EXISTS trip_payments (
	id BIGINT GENERATED BY DEFAULT AS IDENTITY PRIMARY KEY,
	trip_id BIGINT NOT NULL REFERENCES trips(id),
	amount BIGINT NOT NULL CHECK (amount > 0),
	payment_date TEXT COLLATE "C" NOT NULL,
	payment_mode TEXT NOT NULL
		CHECK (payment_mode IN ('cash', 'upi', 'bank_transfer', 'cheque', 'other')),
	reference TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_payments_trip ON trip_payments(trip_id);

CREATE TABLE IF NOT EXISTS consigner_ledger (
	id BIGINT GENERATED BY DEFAULT AS IDENTITY PRIMARY KEY,
	consigner_id BIGINT NOT NULL REFERENCES consigners(id),
	trip_id BIGINT,
	entry_type TEXT NOT NULL CHECK (entry_type IN ('credit', 'debit', 'adjustment')),
	amount BIGINT NOT NULL,
	balance_after BIGINT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	transaction_date TEXT COLLATE "C" NOT NULL,
	trips_delta INTEGER NOT NULL DEFAULT 0,
	freight_delta BIGINT NOT NULL DEFAULT 0,
	paid_delta BIGINT NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_ledger_consigner ON consigner_ledger(consigner_id, id);
CREATE INDEX IF NOT EXISTS idx_ledger_consigner_date ON consigner_ledger(consigner_id, transaction_date);

CREATE TABLE IF NOT EXISTS consigner_balances (
	consigner_id BIGINT PRIMARY KEY REFERENCES consigners(id),
	outstanding_balance BIGINT NOT NULL DEFAULT 0,
	total_trips INTEGER NOT NULL DEFAULT 0,
	total_freight BIGINT NOT NULL DEFAULT 0,
	total_paid BIGINT NOT NULL DEFAULT 0,
	last_trip_date TEXT COLLATE "C",
	last_payment_date TEXT COLLATE "C",
	updated_at TEXT NOT NULL,
	version BIGINT NOT NULL DEFAULT 0
);

ALTER TABLE consigner_balances ADD COLUMN IF NOT EXISTS version BIGINT NOT NULL DEFAULT 0;
`

// =============================================================================
// DIALECT
// =============================================================================

// Dialect is the PostgreSQL flavour of sqlstore.Dialect.
type Dialect struct{}

func (Dialect) Name() string { return "postgres" }

// Rebind turns ? placeholders into $1, $2, ... outside quoted literals.
func (Dialect) Rebind(query string) string {
	var (
		b       strings.Builder
		n       int
		inQuote bool
	)
	b.Grow(len(query) + 8)
	for i := 0; i < len(query); i++ {
		c := query[i]
		switch {
		case c == '\'':
			inQuote = !inQuote
			b.WriteByte(c)
		case c == '?' && !inQuote:
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// SQLSTATE codes that mean "try again".
const (
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
	codeUniqueViolation      = "23505"
)

// Translate maps serialization failures, deadlocks and racing unique
// inserts to ledger.ErrConcurrentModification.
func (Dialect) Translate(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case codeSerializationFailure, codeDeadlockDetected, codeUniqueViolation:
			return fmt.Errorf("%w: %v", ledger.ErrConcurrentModification, err)
		}
	}
	return err
}
