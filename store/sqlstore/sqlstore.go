/*
Package sqlstore implements ledger.TxStore on database/sql.

PURPOSE:
  One implementation of every query, shared by the SQLite and PostgreSQL
  backends. Queries are written with ? placeholders; the Dialect rebinds
  them ($1, $2, ... on PostgreSQL) and translates driver errors into the
  ledger's sentinel errors.

PORTABILITY RULES:
  - Money is BIGINT paise. Sums are CAST to BIGINT so PostgreSQL does not
    hand back NUMERIC.
  - Dates are YYYY-MM-DD text and timestamps RFC 3339 text, so ordering
    and comparison behave the same in both dialects.
  - Writes that return data use RETURNING (SQLite >= 3.35).
  - Upserts use ON CONFLICT ... DO UPDATE with excluded.*.

TRANSACTIONS:
  WithTx hands fn a Store bound to the *sql.Tx. Code inside fn must only
  use that Store; the SQLite backend runs with a single connection and a
  call on the parent Store would wait for the transaction forever.

SEE ALSO:
  - store/sqlite, store/postgres: dialects, schemas, constructors
  - ledger/store.go: the contract implemented here
*/
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/fleet-ledger/ledger"
)

// Dialect captures what differs between database engines.
type Dialect interface {
	Name() string
	// Rebind rewrites ? placeholders into the engine's native form.
	Rebind(query string) string
	// Translate maps driver errors onto ledger sentinels. Unknown errors are
	// returned unchanged.
	Translate(err error) error
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store implements ledger.TxStore.
type Store struct {
	queries
	db *sql.DB
}

var (
	_ ledger.TxStore = (*Store)(nil)
	_ ledger.Store   = queries{}
)

// New wraps an open database. The schema must already exist.
func New(db *sql.DB, d Dialect) *Store {
	return &Store{
		queries: queries{q: db, d: d, now: time.Now},
		db:      db,
	}
}

// DB exposes the underlying pool for health checks.
func (s *Store) DB() *sql.DB { return s.db }

// Dialect returns the store's dialect.
func (s *Store) Dialect() Dialect { return s.d }

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// WithTx executes fn within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return s.d.Translate(fmt.Errorf("begin transaction: %w", err))
	}
	defer tx.Rollback()

	if err := fn(queries{q: tx, d: s.d, now: s.now}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return s.d.Translate(fmt.Errorf("commit transaction: %w", err))
	}
	return nil
}

// Reset clears all data (for demo data loads).
func (s *Store) Reset(ctx context.Context) error {
	tables := []string{"consigner_ledger", "consigner_balances", "trip_payments", "trips", "consigners"}
	return s.WithTx(ctx, func(tx ledger.Store) error {
		q := tx.(queries)
		for _, table := range tables {
			if _, err := q.exec(ctx, "DELETE FROM "+table); err != nil {
				return fmt.Errorf("reset %s: %w", table, err)
			}
		}
		return nil
	})
}

// queries holds every statement; it runs against the pool or a transaction.
type queries struct {
	q   queryer
	d   Dialect
	now func() time.Time
}

func (s queries) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	res, err := s.q.ExecContext(ctx, s.d.Rebind(query), args...)
	return res, s.d.Translate(err)
}

func (s queries) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	rows, err := s.q.QueryContext(ctx, s.d.Rebind(query), args...)
	return rows, s.d.Translate(err)
}

func (s queries) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.q.QueryRowContext(ctx, s.d.Rebind(query), args...)
}

// =============================================================================
// CONSIGNERS
// =============================================================================

func (s queries) UpsertConsignerByName(ctx context.Context, name string) (ledger.ConsignerID, error) {
	key := ledger.NormalizeName(name)
	if key == "" {
		return 0, &ledger.ValidationError{Field: "consigner_name", Reason: "required"}
	}

	// DO UPDATE (not DO NOTHING) so RETURNING yields the existing row too.
	var id int64
	err := s.queryRow(ctx, `
		INSERT INTO consigners (name, name_key, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT (name_key) DO UPDATE SET name_key = excluded.name_key
		RETURNING id`,
		strings.TrimSpace(name), key, formatTime(s.now()),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("upsert consigner %q: %w", name, s.d.Translate(err))
	}
	return ledger.ConsignerID(id), nil
}

func (s queries) GetConsigner(ctx context.Context, id ledger.ConsignerID) (*ledger.Consigner, error) {
	var (
		c       ledger.Consigner
		created string
	)
	err := s.queryRow(ctx,
		`SELECT id, name, phone, created_at FROM consigners WHERE id = ?`, int64(id),
	).Scan(&c.ID, &c.Name, &c.Phone, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.ErrConsignerNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get consigner %d: %w", id, s.d.Translate(err))
	}
	c.CreatedAt = parseTime(created)
	return &c, nil
}

// =============================================================================
// BALANCE
// =============================================================================

// version counts writes to the row; the balance cache only accepts newer ones.
const balanceColumns = `consigner_id, outstanding_balance, total_trips, total_freight,
	total_paid, last_trip_date, last_payment_date, updated_at, version`

// laterOf keeps the later of the stored and incoming date column.
func laterOf(col string) string {
	return fmt.Sprintf(`%[1]s = CASE
			WHEN excluded.%[1]s IS NOT NULL
				AND (consigner_balances.%[1]s IS NULL OR excluded.%[1]s > consigner_balances.%[1]s)
			THEN excluded.%[1]s
			ELSE consigner_balances.%[1]s
		END`, col)
}

func (s queries) ApplyBalanceChange(ctx context.Context, c ledger.BalanceChange) (ledger.Balance, error) {
	lastPayment := laterOf("last_payment_date")
	if c.ResetLastPaymentDate {
		lastPayment = "last_payment_date = excluded.last_payment_date"
	}

	row := s.queryRow(ctx, `
		INSERT INTO consigner_balances (`+balanceColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1)
		ON CONFLICT (consigner_id) DO UPDATE SET
			outstanding_balance = consigner_balances.outstanding_balance + excluded.outstanding_balance,
			total_trips = consigner_balances.total_trips + excluded.total_trips,
			total_freight = consigner_balances.total_freight + excluded.total_freight,
			total_paid = consigner_balances.total_paid + excluded.total_paid,
			`+laterOf("last_trip_date")+`,
			`+lastPayment+`,
			updated_at = excluded.updated_at,
			version = consigner_balances.version + 1
		RETURNING `+balanceColumns,
		int64(c.ConsignerID),
		ledger.ToPaise(c.Outstanding),
		c.Trips,
		ledger.ToPaise(c.Freight),
		ledger.ToPaise(c.Paid),
		nullDate(c.LastTripDate),
		nullDate(c.LastPaymentDate),
		formatTime(c.At),
	)
	b, err := scanBalance(row)
	if err != nil {
		return ledger.Balance{}, fmt.Errorf("apply balance change: %w", s.d.Translate(err))
	}
	return b, nil
}

func (s queries) GetBalance(ctx context.Context, id ledger.ConsignerID) (*ledger.Balance, error) {
	b, err := scanBalance(s.queryRow(ctx,
		`SELECT `+balanceColumns+` FROM consigner_balances WHERE consigner_id = ?`, int64(id)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get balance %d: %w", id, s.d.Translate(err))
	}
	return &b, nil
}

func (s queries) ReplaceBalance(ctx context.Context, b ledger.Balance) error {
	at := b.UpdatedAt
	if at.IsZero() {
		at = s.now()
	}
	_, err := s.exec(ctx, `
		INSERT INTO consigner_balances (`+balanceColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1)
		ON CONFLICT (consigner_id) DO UPDATE SET
			outstanding_balance = excluded.outstanding_balance,
			total_trips = excluded.total_trips,
			total_freight = excluded.total_freight,
			total_paid = excluded.total_paid,
			last_trip_date = excluded.last_trip_date,
			last_payment_date = excluded.last_payment_date,
			updated_at = excluded.updated_at,
			version = consigner_balances.version + 1`,
		int64(b.ConsignerID),
		ledger.ToPaise(b.Outstanding),
		b.TotalTrips,
		ledger.ToPaise(b.TotalFreight),
		ledger.ToPaise(b.TotalPaid),
		nullDate(b.LastTripDate),
		nullDate(b.LastPaymentDate),
		formatTime(at),
	)
	if err != nil {
		return fmt.Errorf("replace balance %d: %w", b.ConsignerID, err)
	}
	return nil
}

func scanBalance(row scanner) (ledger.Balance, error) {
	var (
		b                          ledger.Balance
		outstanding, freight, paid int64
		lastTrip, lastPayment      sql.NullString
		updated                    string
	)
	err := row.Scan(&b.ConsignerID, &outstanding, &b.TotalTrips, &freight,
		&paid, &lastTrip, &lastPayment, &updated, &b.Version)
	if err != nil {
		return ledger.Balance{}, err
	}
	b.Outstanding = ledger.FromPaise(outstanding)
	b.TotalFreight = ledger.FromPaise(freight)
	b.TotalPaid = ledger.FromPaise(paid)
	if b.LastTripDate, err = parseNullDate(lastTrip); err != nil {
		return ledger.Balance{}, err
	}
	if b.LastPaymentDate, err = parseNullDate(lastPayment); err != nil {
		return ledger.Balance{}, err
	}
	b.UpdatedAt = parseTime(updated)
	return b, nil
}

// =============================================================================
// LEDGER ENTRIES (append-only)
// =============================================================================

const entryColumns = `id, consigner_id, trip_id, entry_type, amount, balance_after,
	description, transaction_date, trips_delta, freight_delta, paid_delta, created_at`

func (s queries) AppendEntry(ctx context.Context, e ledger.Entry) (ledger.EntryID, error) {
	var id int64
	err := s.queryRow(ctx, `
		INSERT INTO consigner_ledger (consigner_id, trip_id, entry_type, amount, balance_after,
			description, transaction_date, trips_delta, freight_delta, paid_delta, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id`,
		int64(e.ConsignerID),
		nullTripID(e.TripID),
		string(e.Type),
		ledger.ToPaise(e.Amount),
		ledger.ToPaise(e.BalanceAfter),
		e.Description,
		e.TransactionDate.String(),
		e.TripsDelta,
		ledger.ToPaise(e.FreightDelta),
		ledger.ToPaise(e.PaidDelta),
		formatTime(e.CreatedAt),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("append ledger entry: %w", s.d.Translate(err))
	}
	return ledger.EntryID(id), nil
}

func (s queries) ListEntries(ctx context.Context, id ledger.ConsignerID, r ledger.DateRange) ([]ledger.Entry, error) {
	query := `SELECT ` + entryColumns + ` FROM consigner_ledger WHERE consigner_id = ?`
	args := []any{int64(id)}
	if r.From != nil {
		query += ` AND transaction_date >= ?`
		args = append(args, r.From.String())
	}
	if r.To != nil {
		query += ` AND transaction_date <= ?`
		args = append(args, r.To.String())
	}
	query += ` ORDER BY id`

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list ledger entries: %w", err)
	}
	defer rows.Close()

	entries := []ledger.Entry{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func scanEntry(row scanner) (ledger.Entry, error) {
	var (
		e                                      ledger.Entry
		tripID                                 sql.NullInt64
		entryType, txDate, created             string
		amount, after, freightDelta, paidDelta int64
	)
	err := row.Scan(&e.ID, &e.ConsignerID, &tripID, &entryType, &amount, &after,
		&e.Description, &txDate, &e.TripsDelta, &freightDelta, &paidDelta, &created)
	if err != nil {
		return ledger.Entry{}, fmt.Errorf("scan ledger entry: %w", err)
	}
	if tripID.Valid {
		tid := ledger.TripID(tripID.Int64)
		e.TripID = &tid
	}
	e.Type = ledger.EntryType(entryType)
	e.Amount = ledger.FromPaise(amount)
	e.BalanceAfter = ledger.FromPaise(after)
	e.FreightDelta = ledger.FromPaise(freightDelta)
	e.PaidDelta = ledger.FromPaise(paidDelta)
	if e.TransactionDate, err = ledger.ParseDate(txDate); err != nil {
		return ledger.Entry{}, err
	}
	e.CreatedAt = parseTime(created)
	return e, nil
}

// =============================================================================
// TRIPS
// =============================================================================

const tripColumns = `id, consigner_id, trip_number, origin, destination, trip_date,
	freight_amount, amount_paid, amount_due, payment_status, payment_due_date,
	created_at, updated_at`

func (s queries) InsertTrip(ctx context.Context, t ledger.Trip) (ledger.TripID, error) {
	var id int64
	err := s.queryRow(ctx, `
		INSERT INTO trips (consigner_id, trip_number, origin, destination, trip_date,
			freight_amount, amount_paid, amount_due, payment_status, payment_due_date,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id`,
		nullConsignerID(t.ConsignerID),
		t.TripNumber,
		t.Origin,
		t.Destination,
		t.TripDate.String(),
		ledger.ToPaise(t.FreightAmount),
		ledger.ToPaise(t.AmountPaid),
		ledger.ToPaise(t.AmountDue),
		string(t.PaymentStatus),
		nullDate(t.PaymentDueDate),
		formatTime(t.CreatedAt),
		formatTime(t.UpdatedAt),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert trip: %w", s.d.Translate(err))
	}
	return ledger.TripID(id), nil
}

func (s queries) GetTrip(ctx context.Context, id ledger.TripID) (*ledger.Trip, error) {
	t, err := scanTrip(s.queryRow(ctx, `SELECT `+tripColumns+` FROM trips WHERE id = ?`, int64(id)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.ErrTripNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get trip %d: %w", id, s.d.Translate(err))
	}
	return &t, nil
}

// tripGuard matches a trip row whose money and owner still equal what the
// caller read. consigner_id is compared through COALESCE so an unassigned
// trip matches without a typed NULL parameter.
const tripGuard = `id = ? AND amount_paid = ? AND freight_amount = ? AND COALESCE(consigner_id, 0) = ?`

func tripGuardArgs(prev ledger.Trip) []any {
	var owner int64
	if prev.ConsignerID != nil {
		owner = int64(*prev.ConsignerID)
	}
	return []any{int64(prev.ID), ledger.ToPaise(prev.AmountPaid), ledger.ToPaise(prev.FreightAmount), owner}
}

// guardMiss tells a vanished trip from one that changed under the caller.
func (s queries) guardMiss(ctx context.Context, op string, id ledger.TripID) error {
	if _, err := s.GetTrip(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("%s trip %d: trip changed since read: %w", op, id, ledger.ErrConcurrentModification)
}

func (s queries) UpdateTrip(ctx context.Context, prev, next ledger.Trip) error {
	args := []any{
		nullConsignerID(next.ConsignerID),
		next.TripNumber,
		next.Origin,
		next.Destination,
		next.TripDate.String(),
		ledger.ToPaise(next.FreightAmount),
		ledger.ToPaise(next.AmountDue),
		string(next.PaymentStatus),
		nullDate(next.PaymentDueDate),
		formatTime(next.UpdatedAt),
	}
	res, err := s.exec(ctx, `
		UPDATE trips SET
			consigner_id = ?,
			trip_number = ?,
			origin = ?,
			destination = ?,
			trip_date = ?,
			freight_amount = ?,
			amount_due = ?,
			payment_status = ?,
			payment_due_date = ?,
			updated_at = ?
		WHERE `+tripGuard,
		append(args, tripGuardArgs(prev)...)...,
	)
	if err != nil {
		return fmt.Errorf("update trip %d: %w", prev.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.guardMiss(ctx, "update", prev.ID)
	}
	return nil
}

// DeleteTrip removes the trip and its payments. Ledger rows stay. The
// no-op UPDATE takes the row lock and checks the guard before anything is
// removed, so a payment committed after prev was read aborts the delete.
func (s queries) DeleteTrip(ctx context.Context, prev ledger.Trip) error {
	res, err := s.exec(ctx, `UPDATE trips SET updated_at = updated_at WHERE `+tripGuard, tripGuardArgs(prev)...)
	if err != nil {
		return fmt.Errorf("lock trip %d: %w", prev.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.guardMiss(ctx, "delete", prev.ID)
	}
	if _, err := s.exec(ctx, `DELETE FROM trip_payments WHERE trip_id = ?`, int64(prev.ID)); err != nil {
		return fmt.Errorf("delete payments of trip %d: %w", prev.ID, err)
	}
	if _, err := s.exec(ctx, `DELETE FROM trips WHERE id = ?`, int64(prev.ID)); err != nil {
		return fmt.Errorf("delete trip %d: %w", prev.ID, err)
	}
	return nil
}

// ApplyTripPayment is a single guarded UPDATE. SET expressions read the
// pre-update column values in both dialects.
func (s queries) ApplyTripPayment(ctx context.Context, id ledger.TripID, amount decimal.Decimal) (ledger.Trip, error) {
	p := ledger.ToPaise(amount)
	t, err := scanTrip(s.queryRow(ctx, `
		UPDATE trips SET
			amount_paid = amount_paid + ?,
			amount_due = amount_due - ?,
			payment_status = CASE WHEN amount_due - ? > 0 THEN 'partial' ELSE 'completed' END,
			updated_at = ?
		WHERE id = ? AND amount_due >= ?
		RETURNING `+tripColumns,
		p, p, p, formatTime(s.now()), int64(id), p,
	))
	if errors.Is(err, sql.ErrNoRows) {
		cur, gerr := s.GetTrip(ctx, id)
		if gerr != nil {
			return ledger.Trip{}, gerr
		}
		return ledger.Trip{}, &ledger.PaymentExceedsDueError{TripID: id, Due: cur.AmountDue, Requested: amount}
	}
	if err != nil {
		return ledger.Trip{}, fmt.Errorf("apply payment to trip %d: %w", id, s.d.Translate(err))
	}
	return t, nil
}

func (s queries) RevertTripPayment(ctx context.Context, id ledger.TripID, amount decimal.Decimal) (ledger.Trip, error) {
	p := ledger.ToPaise(amount)
	t, err := scanTrip(s.queryRow(ctx, `
		UPDATE trips SET
			amount_paid = amount_paid - ?,
			amount_due = amount_due + ?,
			payment_status = CASE WHEN amount_paid - ? > 0 THEN 'partial' ELSE 'pending' END,
			updated_at = ?
		WHERE id = ? AND amount_paid >= ?
		RETURNING `+tripColumns,
		p, p, p, formatTime(s.now()), int64(id), p,
	))
	if errors.Is(err, sql.ErrNoRows) {
		if _, gerr := s.GetTrip(ctx, id); gerr != nil {
			return ledger.Trip{}, gerr
		}
		return ledger.Trip{}, fmt.Errorf("revert payment on trip %d: amount paid below %s: %w",
			id, amount.StringFixed(ledger.MoneyScale), ledger.ErrConcurrentModification)
	}
	if err != nil {
		return ledger.Trip{}, fmt.Errorf("revert payment on trip %d: %w", id, s.d.Translate(err))
	}
	return t, nil
}

func (s queries) MarkOverdue(ctx context.Context, today ledger.Date) (int64, error) {
	res, err := s.exec(ctx, `
		UPDATE trips SET payment_status = 'overdue', updated_at = ?
		WHERE payment_status = 'pending'
			AND payment_due_date IS NOT NULL
			AND payment_due_date < ?
			AND amount_due > 0`,
		formatTime(s.now()), today.String(),
	)
	if err != nil {
		return 0, fmt.Errorf("mark overdue trips: %w", err)
	}
	return res.RowsAffected()
}

func (s queries) ListTrips(ctx context.Context, f ledger.TripFilter) ([]ledger.Trip, error) {
	where, args := tripWhere(f)
	rows, err := s.query(ctx, `SELECT `+tripColumns+` FROM trips`+where+`
		ORDER BY CASE WHEN payment_due_date IS NULL THEN 1 ELSE 0 END, payment_due_date, id`, args...)
	if err != nil {
		return nil, fmt.Errorf("list trips: %w", err)
	}
	defer rows.Close()

	trips := []ledger.Trip{}
	for rows.Next() {
		t, err := scanTrip(rows)
		if err != nil {
			return nil, fmt.Errorf("scan trip: %w", err)
		}
		trips = append(trips, t)
	}
	return trips, rows.Err()
}

func tripWhere(f ledger.TripFilter) (string, []any) {
	var (
		conds []string
		args  []any
	)
	if f.ConsignerID != nil {
		conds = append(conds, "consigner_id = ?")
		args = append(args, int64(*f.ConsignerID))
	}
	if len(f.Statuses) > 0 {
		marks := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			marks[i] = "?"
			args = append(args, string(st))
		}
		conds = append(conds, "payment_status IN ("+strings.Join(marks, ", ")+")")
	}
	if f.OnlyDue {
		conds = append(conds, "amount_due > 0")
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func (s queries) SummarizePayments(ctx context.Context, consigner *ledger.ConsignerID) (ledger.PaymentSummary, error) {
	where, args := tripWhere(ledger.TripFilter{ConsignerID: consigner})
	rows, err := s.query(ctx, `
		SELECT payment_status,
			COUNT(*),
			CAST(COALESCE(SUM(freight_amount), 0) AS BIGINT),
			CAST(COALESCE(SUM(amount_paid), 0) AS BIGINT),
			CAST(COALESCE(SUM(amount_due), 0) AS BIGINT)
		FROM trips`+where+`
		GROUP BY payment_status`, args...)
	if err != nil {
		return ledger.PaymentSummary{}, fmt.Errorf("summarize payments: %w", err)
	}
	defer rows.Close()

	byStatus := make(map[ledger.PaymentStatus]ledger.StatusTotals)
	for rows.Next() {
		var (
			status             string
			count              int
			freight, paid, due int64
		)
		if err := rows.Scan(&status, &count, &freight, &paid, &due); err != nil {
			return ledger.PaymentSummary{}, fmt.Errorf("scan payment summary: %w", err)
		}
		byStatus[ledger.PaymentStatus(status)] = ledger.StatusTotals{
			Count:   count,
			Freight: ledger.FromPaise(freight),
			Paid:    ledger.FromPaise(paid),
			Due:     ledger.FromPaise(due),
		}
	}
	if err := rows.Err(); err != nil {
		return ledger.PaymentSummary{}, err
	}
	return ledger.NewPaymentSummary(byStatus), nil
}

func scanTrip(row scanner) (ledger.Trip, error) {
	var (
		t                  ledger.Trip
		consigner          sql.NullInt64
		tripDate, status   string
		dueDate            sql.NullString
		freight, paid, due int64
		created, updated   string
	)
	err := row.Scan(&t.ID, &consigner, &t.TripNumber, &t.Origin, &t.Destination, &tripDate,
		&freight, &paid, &due, &status, &dueDate, &created, &updated)
	if err != nil {
		return ledger.Trip{}, err
	}
	if consigner.Valid {
		cid := ledger.ConsignerID(consigner.Int64)
		t.ConsignerID = &cid
	}
	if t.TripDate, err = ledger.ParseDate(tripDate); err != nil {
		return ledger.Trip{}, err
	}
	t.FreightAmount = ledger.FromPaise(freight)
	t.AmountPaid = ledger.FromPaise(paid)
	t.AmountDue = ledger.FromPaise(due)
	t.PaymentStatus = ledger.PaymentStatus(status)
	if t.PaymentDueDate, err = parseNullDate(dueDate); err != nil {
		return ledger.Trip{}, err
	}
	t.CreatedAt = parseTime(created)
	t.UpdatedAt = parseTime(updated)
	return t, nil
}

// =============================================================================
// PAYMENTS
// =============================================================================

const paymentColumns = `id, trip_id, amount, payment_date, payment_mode, reference, created_at`

func (s queries) InsertPayment(ctx context.Context, p ledger.TripPayment) (ledger.PaymentID, error) {
	var id int64
	err := s.queryRow(ctx, `
		INSERT INTO trip_payments (trip_id, amount, payment_date, payment_mode, reference, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		RETURNING id`,
		int64(p.TripID),
		ledger.ToPaise(p.Amount),
		p.PaymentDate.String(),
		string(p.Mode),
		p.Reference,
		formatTime(p.CreatedAt),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert payment: %w", s.d.Translate(err))
	}
	return ledger.PaymentID(id), nil
}

func (s queries) GetPayment(ctx context.Context, id ledger.PaymentID) (*ledger.TripPayment, error) {
	p, err := scanPayment(s.queryRow(ctx, `SELECT `+paymentColumns+` FROM trip_payments WHERE id = ?`, int64(id)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.ErrPaymentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get payment %d: %w", id, s.d.Translate(err))
	}
	return &p, nil
}

func (s queries) DeletePayment(ctx context.Context, id ledger.PaymentID) error {
	res, err := s.exec(ctx, `DELETE FROM trip_payments WHERE id = ?`, int64(id))
	if err != nil {
		return fmt.Errorf("delete payment %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ledger.ErrPaymentNotFound
	}
	return nil
}

func (s queries) ListPayments(ctx context.Context, trip ledger.TripID) ([]ledger.TripPayment, error) {
	rows, err := s.query(ctx, `SELECT `+paymentColumns+` FROM trip_payments WHERE trip_id = ? ORDER BY id`, int64(trip))
	if err != nil {
		return nil, fmt.Errorf("list payments of trip %d: %w", trip, err)
	}
	defer rows.Close()

	payments := []ledger.TripPayment{}
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan payment: %w", err)
		}
		payments = append(payments, p)
	}
	return payments, rows.Err()
}

func (s queries) LastPaymentDate(ctx context.Context, id ledger.ConsignerID) (*ledger.Date, error) {
	var last sql.NullString
	err := s.queryRow(ctx, `
		SELECT MAX(p.payment_date)
		FROM trip_payments p
		JOIN trips t ON t.id = p.trip_id
		WHERE t.consigner_id = ?`, int64(id),
	).Scan(&last)
	if err != nil {
		return nil, fmt.Errorf("last payment date of consigner %d: %w", id, s.d.Translate(err))
	}
	return parseNullDate(last)
}

func scanPayment(row scanner) (ledger.TripPayment, error) {
	var (
		p                   ledger.TripPayment
		amount              int64
		date, mode, created string
	)
	if err := row.Scan(&p.ID, &p.TripID, &amount, &date, &mode, &p.Reference, &created); err != nil {
		return ledger.TripPayment{}, err
	}
	var err error
	if p.PaymentDate, err = ledger.ParseDate(date); err != nil {
		return ledger.TripPayment{}, err
	}
	p.Amount = ledger.FromPaise(amount)
	p.Mode = ledger.PaymentMode(mode)
	p.CreatedAt = parseTime(created)
	return p, nil
}

// =============================================================================
// HELPERS
// =============================================================================

type scanner interface {
	Scan(dest ...any) error
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// parseTime reads timestamps this package wrote. Unparseable values come
// back as the zero time; they are informational only.
func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func nullDate(d *ledger.Date) any {
	if d == nil || d.IsZero() {
		return nil
	}
	return d.String()
}

func parseNullDate(s sql.NullString) (*ledger.Date, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	d, err := ledger.ParseDate(s.String)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func nullConsignerID(id *ledger.ConsignerID) any {
	if id == nil {
		return nil
	}
	return int64(*id)
}

func nullTripID(id *ledger.TripID) any {
	if id == nil {
		return nil
	}
	return int64(*id)
}
