// Package store provides an in-memory ledger.TxStore.
package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/fleet-ledger/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory is a ledger.TxStore held in maps. One mutex serialises every call,
// so WithTx behaves like a serializable transaction.
type Memory struct {
	mu    sync.Mutex
	state *memState
	now   func() time.Time
}

type memState struct {
	consigners map[ledger.ConsignerID]ledger.Consigner
	nameIndex  map[string]ledger.ConsignerID
	balances   map[ledger.ConsignerID]ledger.Balance
	entries    []ledger.Entry
	trips      map[ledger.TripID]ledger.Trip
	payments   map[ledger.PaymentID]ledger.TripPayment

	nextConsigner ledger.ConsignerID
	nextEntry     ledger.EntryID
	nextTrip      ledger.TripID
	nextPayment   ledger.PaymentID
}

var (
	_ ledger.TxStore = (*Memory)(nil)
	_ ledger.Store   = view{}
)

func NewMemory() *Memory {
	return &Memory{
		state: &memState{
			consigners: make(map[ledger.ConsignerID]ledger.Consigner),
			nameIndex:  make(map[string]ledger.ConsignerID),
			balances:   make(map[ledger.ConsignerID]ledger.Balance),
			trips:      make(map[ledger.TripID]ledger.Trip),
			payments:   make(map[ledger.PaymentID]ledger.TripPayment),
		},
		now: time.Now,
	}
}

// clone deep-copies the state for rollback. Values in the maps are plain
// structs whose pointer fields are never mutated in place.
func (s *memState) clone() *memState {
	c := &memState{
		consigners:    make(map[ledger.ConsignerID]ledger.Consigner, len(s.consigners)),
		nameIndex:     make(map[string]ledger.ConsignerID, len(s.nameIndex)),
		balances:      make(map[ledger.ConsignerID]ledger.Balance, len(s.balances)),
		entries:       make([]ledger.Entry, len(s.entries)),
		trips:         make(map[ledger.TripID]ledger.Trip, len(s.trips)),
		payments:      make(map[ledger.PaymentID]ledger.TripPayment, len(s.payments)),
		nextConsigner: s.nextConsigner,
		nextEntry:     s.nextEntry,
		nextTrip:      s.nextTrip,
		nextPayment:   s.nextPayment,
	}
	for k, v := range s.consigners {
		c.consigners[k] = v
	}
	for k, v := range s.nameIndex {
		c.nameIndex[k] = v
	}
	for k, v := range s.balances {
		c.balances[k] = v
	}
	copy(c.entries, s.entries)
	for k, v := range s.trips {
		c.trips[k] = v
	}
	for k, v := range s.payments {
		c.payments[k] = v
	}
	return c
}

// view runs operations against the state without locking. Memory methods
// lock and delegate to it; WithTx hands one to fn while holding the lock.
type view struct {
	s   *memState
	now func() time.Time
}

func (m *Memory) locked() (view, func()) {
	m.mu.Lock()
	return view{s: m.state, now: m.now}, m.mu.Unlock
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (m *Memory) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.state.clone()
	if err := fn(view{s: m.state, now: m.now}); err != nil {
		m.state = snapshot
		return err
	}
	if err := ctx.Err(); err != nil {
		m.state = snapshot
		return err
	}
	return nil
}

// Reset clears all data (for demo data loads).
func (m *Memory) Reset(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = NewMemory().state
	return nil
}

// =============================================================================
// LOCKING WRAPPERS
// =============================================================================

func (m *Memory) UpsertConsignerByName(ctx context.Context, name string) (ledger.ConsignerID, error) {
	v, unlock := m.locked()
	defer unlock()
	return v.UpsertConsignerByName(ctx, name)
}

func (m *Memory) GetConsigner(ctx context.Context, id ledger.ConsignerID) (*ledger.Consigner, error) {
	v, unlock := m.locked()
	defer unlock()
	return v.GetConsigner(ctx, id)
}

func (m *Memory) ApplyBalanceChange(ctx context.Context, c ledger.BalanceChange) (ledger.Balance, error) {
	v, unlock := m.locked()
	defer unlock()
	return v.ApplyBalanceChange(ctx, c)
}

func (m *Memory) GetBalance(ctx context.Context, id ledger.ConsignerID) (*ledger.Balance, error) {
	v, unlock := m.locked()
	defer unlock()
	return v.GetBalance(ctx, id)
}

func (m *Memory) ReplaceBalance(ctx context.Context, b ledger.Balance) error {
	v, unlock := m.locked()
	defer unlock()
	return v.ReplaceBalance(ctx, b)
}

func (m *Memory) AppendEntry(ctx context.Context, e ledger.Entry) (ledger.EntryID, error) {
	v, unlock := m.locked()
	defer unlock()
	return v.AppendEntry(ctx, e)
}

func (m *Memory) ListEntries(ctx context.Context, id ledger.ConsignerID, r ledger.DateRange) ([]ledger.Entry, error) {
	v, unlock := m.locked()
	defer unlock()
	return v.ListEntries(ctx, id, r)
}

func (m *Memory) InsertTrip(ctx context.Context, t ledger.Trip) (ledger.TripID, error) {
	v, unlock := m.locked()
	defer unlock()
	return v.InsertTrip(ctx, t)
}

func (m *Memory) GetTrip(ctx context.Context, id ledger.TripID) (*ledger.Trip, error) {
	v, unlock := m.locked()
	defer unlock()
	return v.GetTrip(ctx, id)
}

func (m *Memory) UpdateTrip(ctx context.Context, prev, next ledger.Trip) error {
	v, unlock := m.locked()
	defer unlock()
	return v.UpdateTrip(ctx, prev, next)
}

func (m *Memory) DeleteTrip(ctx context.Context, prev ledger.Trip) error {
	v, unlock := m.locked()
	defer unlock()
	return v.DeleteTrip(ctx, prev)
}

func (m *Memory) ApplyTripPayment(ctx context.Context, id ledger.TripID, amount decimal.Decimal) (ledger.Trip, error) {
	v, unlock := m.locked()
	defer unlock()
	return v.ApplyTripPayment(ctx, id, amount)
}

func (m *Memory) RevertTripPayment(ctx context.Context, id ledger.TripID, amount decimal.Decimal) (ledger.Trip, error) {
	v, unlock := m.locked()
	defer unlock()
	return v.RevertTripPayment(ctx, id, amount)
}

func (m *Memory) MarkOverdue(ctx context.Context, today ledger.Date) (int64, error) {
	v, unlock := m.locked()
	defer unlock()
	return v.MarkOverdue(ctx, today)
}

func (m *Memory) ListTrips(ctx context.Context, f ledger.TripFilter) ([]ledger.Trip, error) {
	v, unlock := m.locked()
	defer unlock()
	return v.ListTrips(ctx, f)
}

func (m *Memory) SummarizePayments(ctx context.Context, consigner *ledger.ConsignerID) (ledger.PaymentSummary, error) {
	v, unlock := m.locked()
	defer unlock()
	return v.SummarizePayments(ctx, consigner)
}

func (m *Memory) InsertPayment(ctx context.Context, p ledger.TripPayment) (ledger.PaymentID, error) {
	v, unlock := m.locked()
	defer unlock()
	return v.InsertPayment(ctx, p)
}

func (m *Memory) GetPayment(ctx context.Context, id ledger.PaymentID) (*ledger.TripPayment, error) {
	v, unlock := m.locked()
	defer unlock()
	return v.GetPayment(ctx, id)
}

func (m *Memory) DeletePayment(ctx context.Context, id ledger.PaymentID) error {
	v, unlock := m.locked()
	defer unlock()
	return v.DeletePayment(ctx, id)
}

func (m *Memory) ListPayments(ctx context.Context, trip ledger.TripID) ([]ledger.TripPayment, error) {
	v, unlock := m.locked()
	defer unlock()
	return v.ListPayments(ctx, trip)
}

func (m *Memory) LastPaymentDate(ctx context.Context, id ledger.ConsignerID) (*ledger.Date, error) {
	v, unlock := m.locked()
	defer unlock()
	return v.LastPaymentDate(ctx, id)
}

// =============================================================================
// CONSIGNERS
// =============================================================================

func (v view) UpsertConsignerByName(_ context.Context, name string) (ledger.ConsignerID, error) {
	key := ledger.NormalizeName(name)
	if key == "" {
		return 0, &ledger.ValidationError{Field: "consigner_name", Reason: "required"}
	}
	if id, ok := v.s.nameIndex[key]; ok {
		return id, nil
	}
	v.s.nextConsigner++
	id := v.s.nextConsigner
	v.s.consigners[id] = ledger.Consigner{ID: id, Name: strings.TrimSpace(name), CreatedAt: v.now()}
	v.s.nameIndex[key] = id
	return id, nil
}

func (v view) GetConsigner(_ context.Context, id ledger.ConsignerID) (*ledger.Consigner, error) {
	c, ok := v.s.consigners[id]
	if !ok {
		return nil, ledger.ErrConsignerNotFound
	}
	return &c, nil
}

// =============================================================================
// LEDGER AND BALANCE
// =============================================================================

func (v view) ApplyBalanceChange(_ context.Context, c ledger.BalanceChange) (ledger.Balance, error) {
	b, ok := v.s.balances[c.ConsignerID]
	if !ok {
		b = ledger.ZeroBalance(c.ConsignerID)
	}
	b.Outstanding = b.Outstanding.Add(c.Outstanding)
	b.TotalTrips += c.Trips
	b.TotalFreight = b.TotalFreight.Add(c.Freight)
	b.TotalPaid = b.TotalPaid.Add(c.Paid)
	b.LastTripDate = ledger.Later(b.LastTripDate, c.LastTripDate)
	if c.ResetLastPaymentDate {
		b.LastPaymentDate = c.LastPaymentDate
	} else {
		b.LastPaymentDate = ledger.Later(b.LastPaymentDate, c.LastPaymentDate)
	}
	b.UpdatedAt = c.At
	b.Version++
	v.s.balances[c.ConsignerID] = b
	return b, nil
}

func (v view) GetBalance(_ context.Context, id ledger.ConsignerID) (*ledger.Balance, error) {
	b, ok := v.s.balances[id]
	if !ok {
		return nil, nil
	}
	return &b, nil
}

func (v view) ReplaceBalance(_ context.Context, b ledger.Balance) error {
	b.Version = v.s.balances[b.ConsignerID].Version + 1
	if b.UpdatedAt.IsZero() {
		b.UpdatedAt = v.now()
	}
	v.s.balances[b.ConsignerID] = b
	return nil
}

func (v view) AppendEntry(_ context.Context, e ledger.Entry) (ledger.EntryID, error) {
	v.s.nextEntry++
	e.ID = v.s.nextEntry
	v.s.entries = append(v.s.entries, e)
	return e.ID, nil
}

func (v view) ListEntries(_ context.Context, id ledger.ConsignerID, r ledger.DateRange) ([]ledger.Entry, error) {
	result := []ledger.Entry{}
	for _, e := range v.s.entries {
		if e.ConsignerID == id && r.Contains(e.TransactionDate) {
			result = append(result, e)
		}
	}
	return result, nil
}

// =============================================================================
// TRIPS
// =============================================================================

func (v view) InsertTrip(_ context.Context, t ledger.Trip) (ledger.TripID, error) {
	if t.ConsignerID != nil {
		if _, ok := v.s.consigners[*t.ConsignerID]; !ok {
			return 0, ledger.ErrConsignerNotFound
		}
	}
	v.s.nextTrip++
	t.ID = v.s.nextTrip
	v.s.trips[t.ID] = t
	return t.ID, nil
}

func (v view) GetTrip(_ context.Context, id ledger.TripID) (*ledger.Trip, error) {
	t, ok := v.s.trips[id]
	if !ok {
		return nil, ledger.ErrTripNotFound
	}
	return &t, nil
}

// guarded returns the stored trip when its money and owner still match prev.
func (v view) guarded(prev ledger.Trip) (ledger.Trip, error) {
	cur, ok := v.s.trips[prev.ID]
	if !ok {
		return ledger.Trip{}, ledger.ErrTripNotFound
	}
	if !cur.AmountPaid.Equal(prev.AmountPaid) ||
		!cur.FreightAmount.Equal(prev.FreightAmount) ||
		!sameConsigner(cur.ConsignerID, prev.ConsignerID) {
		return ledger.Trip{}, ledger.ErrConcurrentModification
	}
	return cur, nil
}

func sameConsigner(a, b *ledger.ConsignerID) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func (v view) UpdateTrip(_ context.Context, prev, next ledger.Trip) error {
	cur, err := v.guarded(prev)
	if err != nil {
		return err
	}
	if next.ConsignerID != nil {
		if _, ok := v.s.consigners[*next.ConsignerID]; !ok {
			return ledger.ErrConsignerNotFound
		}
	}
	cur.ConsignerID = next.ConsignerID
	cur.TripNumber = next.TripNumber
	cur.Origin = next.Origin
	cur.Destination = next.Destination
	cur.TripDate = next.TripDate
	cur.FreightAmount = next.FreightAmount
	cur.AmountDue = next.AmountDue
	cur.PaymentStatus = next.PaymentStatus
	cur.PaymentDueDate = next.PaymentDueDate
	cur.UpdatedAt = next.UpdatedAt
	v.s.trips[cur.ID] = cur
	return nil
}

func (v view) DeleteTrip(_ context.Context, prev ledger.Trip) error {
	if _, err := v.guarded(prev); err != nil {
		return err
	}
	for pid, p := range v.s.payments {
		if p.TripID == prev.ID {
			delete(v.s.payments, pid)
		}
	}
	delete(v.s.trips, prev.ID)
	return nil
}

func (v view) ApplyTripPayment(_ context.Context, id ledger.TripID, amount decimal.Decimal) (ledger.Trip, error) {
	t, ok := v.s.trips[id]
	if !ok {
		return ledger.Trip{}, ledger.ErrTripNotFound
	}
	if t.AmountDue.LessThan(amount) {
		return ledger.Trip{}, &ledger.PaymentExceedsDueError{TripID: id, Due: t.AmountDue, Requested: amount}
	}
	t.AmountPaid = t.AmountPaid.Add(amount)
	t.AmountDue = t.AmountDue.Sub(amount)
	if t.AmountDue.IsPositive() {
		t.PaymentStatus = ledger.StatusPartial
	} else {
		t.PaymentStatus = ledger.StatusCompleted
	}
	t.UpdatedAt = v.now()
	v.s.trips[id] = t
	return t, nil
}

func (v view) RevertTripPayment(_ context.Context, id ledger.TripID, amount decimal.Decimal) (ledger.Trip, error) {
	t, ok := v.s.trips[id]
	if !ok {
		return ledger.Trip{}, ledger.ErrTripNotFound
	}
	if t.AmountPaid.LessThan(amount) {
		return ledger.Trip{}, ledger.ErrConcurrentModification
	}
	t.AmountPaid = t.AmountPaid.Sub(amount)
	t.AmountDue = t.AmountDue.Add(amount)
	if t.AmountPaid.IsPositive() {
		t.PaymentStatus = ledger.StatusPartial
	} else {
		t.PaymentStatus = ledger.StatusPending
	}
	t.UpdatedAt = v.now()
	v.s.trips[id] = t
	return t, nil
}

func (v view) MarkOverdue(_ context.Context, today ledger.Date) (int64, error) {
	var n int64
	for id, t := range v.s.trips {
		if t.PaymentStatus != ledger.StatusPending || t.PaymentDueDate == nil {
			continue
		}
		if t.PaymentDueDate.Before(today) && t.AmountDue.IsPositive() {
			t.PaymentStatus = ledger.StatusOverdue
			t.UpdatedAt = v.now()
			v.s.trips[id] = t
			n++
		}
	}
	return n, nil
}

func (v view) ListTrips(_ context.Context, f ledger.TripFilter) ([]ledger.Trip, error) {
	result := []ledger.Trip{}
	for _, t := range v.s.trips {
		if !matches(t, f) {
			continue
		}
		result = append(result, t)
	}
	sort.Slice(result, func(i, j int) bool {
		a, b := result[i], result[j]
		switch {
		case a.PaymentDueDate == nil && b.PaymentDueDate != nil:
			return false
		case a.PaymentDueDate != nil && b.PaymentDueDate == nil:
			return true
		case a.PaymentDueDate != nil && !a.PaymentDueDate.Equal(*b.PaymentDueDate):
			return a.PaymentDueDate.Before(*b.PaymentDueDate)
		}
		return a.ID < b.ID
	})
	return result, nil
}

func matches(t ledger.Trip, f ledger.TripFilter) bool {
	if f.ConsignerID != nil && (t.ConsignerID == nil || *t.ConsignerID != *f.ConsignerID) {
		return false
	}
	if f.OnlyDue && !t.AmountDue.IsPositive() {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if t.PaymentStatus == s {
			return true
		}
	}
	return false
}

func (v view) SummarizePayments(_ context.Context, consigner *ledger.ConsignerID) (ledger.PaymentSummary, error) {
	byStatus := make(map[ledger.PaymentStatus]ledger.StatusTotals)
	for _, t := range v.s.trips {
		if !matches(t, ledger.TripFilter{ConsignerID: consigner}) {
			continue
		}
		st, ok := byStatus[t.PaymentStatus]
		if !ok {
			st = ledger.StatusTotals{Freight: decimal.Zero, Paid: decimal.Zero, Due: decimal.Zero}
		}
		st.Count++
		st.Freight = st.Freight.Add(t.FreightAmount)
		st.Paid = st.Paid.Add(t.AmountPaid)
		st.Due = st.Due.Add(t.AmountDue)
		byStatus[t.PaymentStatus] = st
	}
	return ledger.NewPaymentSummary(byStatus), nil
}

// =============================================================================
// PAYMENTS
// =============================================================================

func (v view) InsertPayment(_ context.Context, p ledger.TripPayment) (ledger.PaymentID, error) {
	if _, ok := v.s.trips[p.TripID]; !ok {
		return 0, ledger.ErrTripNotFound
	}
	v.s.nextPayment++
	p.ID = v.s.nextPayment
	v.s.payments[p.ID] = p
	return p.ID, nil
}

func (v view) GetPayment(_ context.Context, id ledger.PaymentID) (*ledger.TripPayment, error) {
	p, ok := v.s.payments[id]
	if !ok {
		return nil, ledger.ErrPaymentNotFound
	}
	return &p, nil
}

func (v view) DeletePayment(_ context.Context, id ledger.PaymentID) error {
	if _, ok := v.s.payments[id]; !ok {
		return ledger.ErrPaymentNotFound
	}
	delete(v.s.payments, id)
	return nil
}

func (v view) ListPayments(_ context.Context, trip ledger.TripID) ([]ledger.TripPayment, error) {
	result := []ledger.TripPayment{}
	for _, p := range v.s.payments {
		if p.TripID == trip {
			result = append(result, p)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (v view) LastPaymentDate(_ context.Context, id ledger.ConsignerID) (*ledger.Date, error) {
	var last *ledger.Date
	for _, p := range v.s.payments {
		t, ok := v.s.trips[p.TripID]
		if !ok || t.ConsignerID == nil || *t.ConsignerID != id {
			continue
		}
		last = ledger.Later(last, p.PaymentDate.Ptr())
	}
	return last, nil
}
