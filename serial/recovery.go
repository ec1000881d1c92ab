package serial

import (
	"context"
	"fmt"
	"slices"
)

// LedgerView is the part of the certificate ledger recovery consults.
type LedgerView interface {
	Contains(ctx context.Context, n Number) (bool, error)
	MaxSerial(ctx context.Context) (Number, error)
}

// RecoveryReport describes what Recover resolved.
type RecoveryReport struct {
	// Committed holds reservations found in the ledger: the process died
	// between ledger append and commit. They are committed regardless of
	// the grace period.
	Committed []Number
	// RolledBack holds reservations of other instances missing from the
	// ledger and older than the grace period: the process died before the
	// append.
	RolledBack []Number
	// Pending counts reservations missing from the ledger that were left
	// alone because they belong to this instance or are younger than the
	// grace period.
	Pending int
	// AdvancedTo is the new next value when the ledger held serials at or
	// above next. Zero when next was already ahead.
	AdvancedTo Number
}

// Empty reports whether recovery changed nothing.
func (r *RecoveryReport) Empty() bool {
	return len(r.Committed) == 0 && len(r.RolledBack) == 0 && r.AdvancedTo.IsZero()
}

// Recover resolves orphaned reservations against the ledger and makes sure
// next is above every serial the ledger holds. It is meant to run at
// startup, before the allocator serves requests.
func (a *Allocator) Recover(ctx context.Context, ledger LedgerView) (*RecoveryReport, error) {
	st, err := a.State(ctx)
	if err != nil {
		return nil, err
	}

	report := &RecoveryReport{}
	now := a.clock.Now()
	for _, r := range st.Reserved {
		// A serial the ledger holds is committed whatever its age or owner;
		// the owner's own Commit is then a no-op.
		found, err := ledger.Contains(ctx, r.Serial)
		if err != nil {
			return report, fmt.Errorf("recover %s: %w", r.Serial, err)
		}
		if found {
			if err := a.Commit(ctx, r.Serial); err != nil {
				return report, fmt.Errorf("recover %s: %w", r.Serial, err)
			}
			report.Committed = append(report.Committed, r.Serial)
			a.logger.Info("recovered orphaned reservation",
				"namespace", a.namespace, "serial", r.Serial.String(), "owner", r.Owner, "action", "commit")
			continue
		}
		if r.Owner == a.instanceID || now.Sub(r.ReservedAt) < a.grace {
			report.Pending++
			continue
		}
		if err := a.Rollback(ctx, r.Serial); err != nil {
			return report, fmt.Errorf("recover %s: %w", r.Serial, err)
		}
		report.RolledBack = append(report.RolledBack, r.Serial)
		a.logger.Info("recovered orphaned reservation",
			"namespace", a.namespace, "serial", r.Serial.String(), "owner", r.Owner, "action", "rollback")
	}

	if err := a.pruneIssuedReleased(ctx, ledger, report); err != nil {
		return report, err
	}

	highest, err := ledger.MaxSerial(ctx)
	if err != nil {
		return report, fmt.Errorf("recover: reading ledger high-water: %w", err)
	}
	if highest.IsZero() {
		return report, nil
	}
	advanced, err := a.absorbLedgerHighWater(ctx, highest)
	if err != nil {
		return report, err
	}
	if !advanced.IsZero() {
		report.AdvancedTo = advanced
		a.logger.Warn("allocator was behind the ledger, advanced next serial",
			"namespace", a.namespace, "ledger_max", highest.String(), "next", advanced.String())
	}
	return report, nil
}

// pruneIssuedReleased drops released serials the ledger already holds. They
// only appear when the allocator state is older than the ledger, and would
// otherwise be handed out again and fail every append.
func (a *Allocator) pruneIssuedReleased(ctx context.Context, ledger LedgerView, report *RecoveryReport) error {
	st, err := a.State(ctx)
	if err != nil {
		return err
	}
	var issued []Number
	for _, n := range st.Released {
		found, err := ledger.Contains(ctx, n)
		if err != nil {
			return fmt.Errorf("recover %s: %w", n, err)
		}
		if found {
			issued = append(issued, n)
		}
	}
	if len(issued) == 0 {
		return nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	err = a.update(ctx, func(st *State) error {
		for _, n := range issued {
			if i := st.releasedIndex(n); i >= 0 {
				st.Released = slices.Delete(st.Released, i, i+1)
				st.Committed = Max(st.Committed, n)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	report.Committed = append(report.Committed, issued...)
	a.logger.Warn("released serials already in the ledger were retired",
		"namespace", a.namespace, "count", len(issued))
	return nil
}

// absorbLedgerHighWater makes next exceed highest and raises committed to it.
func (a *Allocator) absorbLedgerHighWater(ctx context.Context, highest Number) (Number, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var advanced Number
	err := a.update(ctx, func(st *State) error {
		if highest.Less(st.Next) {
			return errNoChange
		}
		st.Next = highest.Next()
		st.Committed = Max(st.Committed, highest)
		advanced = st.Next
		return nil
	})
	return advanced, err
}
