/*
replay.go - Recompute a consigner's balance from its ledger

PURPOSE:
  The balance row is a maintained cache. These functions recompute it
  from source so drift can be detected (Verify) and repaired (Rebuild).

ALGORITHM:
  Walk entries in id order starting from zero:
    outstanding += SignedAmount
    trips       += TripsDelta
    freight     += FreightDelta
    paid        += PaidDelta
  Every entry's balance_after must equal the running outstanding at
  that point. A mismatch means a row was written outside RecordEntry.

DATES:
  last_trip_date is the latest date among trip-counting credits;
  last_payment_date comes from the payments table, because
  reversals remove payments rather than append dated rows.
*/
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Mismatch is a ledger row whose balance_after disagrees with the replay.
type Mismatch struct {
	EntryID  EntryID         `json:"entry_id"`
	Stored   decimal.Decimal `json:"stored_balance_after"`
	Replayed decimal.Decimal `json:"replayed_balance_after"`
}

// ReplayResult is the balance derived from the ledger.
type ReplayResult struct {
	Balance    Balance    `json:"balance"`
	Entries    int        `json:"entries"`
	Mismatches []Mismatch `json:"mismatches,omitempty"`
}

// Replay folds entries (in id order) into a balance.
func Replay(id ConsignerID, entries []Entry) ReplayResult {
	res := ReplayResult{Balance: ZeroBalance(id), Entries: len(entries)}
	b := &res.Balance

	for _, e := range entries {
		b.Outstanding = b.Outstanding.Add(e.SignedAmount())
		b.TotalTrips += e.TripsDelta
		b.TotalFreight = b.TotalFreight.Add(e.FreightDelta)
		b.TotalPaid = b.TotalPaid.Add(e.PaidDelta)
		if e.Type == EntryCredit && e.TripsDelta > 0 {
			b.LastTripDate = Later(b.LastTripDate, e.TransactionDate.Ptr())
		}
		if !e.BalanceAfter.Equal(b.Outstanding) {
			res.Mismatches = append(res.Mismatches, Mismatch{
				EntryID:  e.ID,
				Stored:   e.BalanceAfter,
				Replayed: b.Outstanding,
			})
		}
		if e.CreatedAt.After(b.UpdatedAt) {
			b.UpdatedAt = e.CreatedAt
		}
	}
	return res
}

// Verification compares the maintained balance with a full replay.
type Verification struct {
	ConsignerID ConsignerID  `json:"consigner_id"`
	Maintained  Balance      `json:"maintained"`
	Replayed    ReplayResult `json:"replayed"`
	Consistent  bool         `json:"consistent"`
}

// Verify replays the consigner's ledger and compares it with the stored
// balance row. Date columns are not compared.
func Verify(ctx context.Context, s Store, id ConsignerID) (Verification, error) {
	entries, err := s.ListEntries(ctx, id, DateRange{})
	if err != nil {
		return Verification{}, fmt.Errorf("list entries for consigner %d: %w", id, err)
	}
	stored, err := s.GetBalance(ctx, id)
	if err != nil {
		return Verification{}, fmt.Errorf("get balance for consigner %d: %w", id, err)
	}
	maintained := ZeroBalance(id)
	if stored != nil {
		maintained = *stored
	}

	replayed := Replay(id, entries)
	r := replayed.Balance
	return Verification{
		ConsignerID: id,
		Maintained:  maintained,
		Replayed:    replayed,
		Consistent: len(replayed.Mismatches) == 0 &&
			maintained.Outstanding.Equal(r.Outstanding) &&
			maintained.TotalTrips == r.TotalTrips &&
			maintained.TotalFreight.Equal(r.TotalFreight) &&
			maintained.TotalPaid.Equal(r.TotalPaid),
	}, nil
}

// Rebuild overwrites the consigner's balance row with the replayed values
// inside one transaction and returns the new row.
//
// A zero change is applied before the entries are read. It takes the
// balance row lock, so a concurrent RecordEntry either commits before the
// replay reads its entry or waits until the replaced row is committed.
func Rebuild(ctx context.Context, ts TxStore, id ConsignerID) (Balance, error) {
	var rebuilt Balance
	err := ts.WithTx(ctx, func(s Store) error {
		if _, err := s.GetConsigner(ctx, id); err != nil {
			return err
		}
		if _, err := s.ApplyBalanceChange(ctx, BalanceChange{ConsignerID: id, At: time.Now()}); err != nil {
			return err
		}
		entries, err := s.ListEntries(ctx, id, DateRange{})
		if err != nil {
			return err
		}
		replayed := Replay(id, entries).Balance
		replayed.LastPaymentDate, err = s.LastPaymentDate(ctx, id)
		if err != nil {
			return err
		}
		if err := s.ReplaceBalance(ctx, replayed); err != nil {
			return err
		}
		stored, err := s.GetBalance(ctx, id)
		if err != nil {
			return err
		}
		if stored == nil {
			return fmt.Errorf("balance row for consigner %d missing after replace", id)
		}
		rebuilt = *stored
		return nil
	})
	if err != nil {
		return Balance{}, fmt.Errorf("rebuild balance for consigner %d: %w", id, err)
	}
	return rebuilt, nil
}
