package serial

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jmhodges/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/caledger/storage/memory"
)

type stubLedger struct {
	serials map[string]bool
	err     error
}

func newStubLedger(serials ...Number) *stubLedger {
	l := &stubLedger{serials: map[string]bool{}}
	for _, n := range serials {
		l.serials[n.String()] = true
	}
	return l
}

func (l *stubLedger) Contains(_ context.Context, n Number) (bool, error) {
	if l.err != nil {
		return false, l.err
	}
	return l.serials[n.String()], nil
}

func (l *stubLedger) MaxSerial(_ context.Context) (Number, error) {
	if l.err != nil {
		return Number{}, l.err
	}
	var highest Number
	for s := range l.serials {
		highest = Max(highest, MustParse(s))
	}
	return highest, nil
}

func TestRecoverCompletesAppendedAndRollsBackTheRest(t *testing.T) {
	repo := memory.NewRepository()
	fc := clock.NewFake()
	ctx := t.Context()

	// The crashed process reserved 1 and 2 and appended 1 before dying.
	crashed := newTestAllocator(t, repo, WithClock(fc))
	one, err := crashed.ReserveNext(ctx)
	require.NoError(t, err)
	two, err := crashed.ReserveNext(ctx)
	require.NoError(t, err)

	fc.Add(DefaultRecoveryGrace)
	restarted := newTestAllocator(t, repo, WithClock(fc))
	report, err := restarted.Recover(ctx, newStubLedger(one))
	require.NoError(t, err)

	assert.Equal(t, []Number{one}, report.Committed)
	assert.Equal(t, []Number{two}, report.RolledBack)
	assert.Zero(t, report.Pending)

	st, err := restarted.State(ctx)
	require.NoError(t, err)
	assert.Empty(t, st.Reserved)
	assert.Equal(t, "01", st.Committed.String())
	assert.True(t, one.Less(st.Next), "next must stay above the recovered serial")

	n, err := restarted.ReserveNext(ctx)
	require.NoError(t, err)
	assert.True(t, two.Equal(n), "rolled back serial is reissued")
}

func TestRecoverLeavesOwnAndFreshReservations(t *testing.T) {
	repo := memory.NewRepository()
	fc := clock.NewFake()
	ctx := t.Context()

	other := newTestAllocator(t, repo, WithClock(fc))
	_, err := other.ReserveNext(ctx)
	require.NoError(t, err)

	self := newTestAllocator(t, repo, WithClock(fc), WithRecoveryGrace(time.Minute))
	_, err = self.ReserveNext(ctx)
	require.NoError(t, err)

	report, err := self.Recover(ctx, newStubLedger())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Pending)
	assert.True(t, report.Empty())

	fc.Add(2 * time.Minute)
	report, err = self.Recover(ctx, newStubLedger())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Pending, "own reservation is never recovered")
	assert.Equal(t, []Number{New(1)}, report.RolledBack)
}

func TestRecoverLeavesLiveReservationOfAnotherInstance(t *testing.T) {
	repo := memory.NewRepository()
	fc := clock.NewFake()
	ctx := t.Context()

	// Instance a is signing serial 1 when instance b starts up.
	a := newTestAllocator(t, repo, WithClock(fc))
	held, err := a.ReserveNext(ctx)
	require.NoError(t, err)

	fc.Add(30 * time.Second)
	b := newTestAllocator(t, repo, WithClock(fc))
	report, err := b.Recover(ctx, newStubLedger())
	require.NoError(t, err)
	assert.Empty(t, report.RolledBack)
	assert.Equal(t, 1, report.Pending)

	n, err := b.ReserveNext(ctx)
	require.NoError(t, err)
	assert.False(t, held.Equal(n), "b must not be handed the serial a holds")

	still, err := a.Holds(ctx, held)
	require.NoError(t, err)
	assert.True(t, still)
	require.NoError(t, a.Commit(ctx, held))
}

func TestRecoverResolvedReservationIsNoLongerHeld(t *testing.T) {
	repo := memory.NewRepository()
	fc := clock.NewFake()
	ctx := t.Context()

	stuck := newTestAllocator(t, repo, WithClock(fc))
	n, err := stuck.ReserveNext(ctx)
	require.NoError(t, err)

	fc.Add(DefaultRecoveryGrace + time.Second)
	other := newTestAllocator(t, repo, WithClock(fc))
	report, err := other.Recover(ctx, newStubLedger())
	require.NoError(t, err)
	assert.Equal(t, []Number{n}, report.RolledBack)

	reissued, err := other.ReserveNext(ctx)
	require.NoError(t, err)
	require.True(t, n.Equal(reissued))

	held, err := stuck.Holds(ctx, n)
	require.NoError(t, err)
	assert.False(t, held, "the stuck instance must see it lost the serial")
}

func TestRecoverCommitsLedgerSerialWithinGrace(t *testing.T) {
	repo := memory.NewRepository()
	fc := clock.NewFake()
	ctx := t.Context()

	crashed := newTestAllocator(t, repo, WithClock(fc))
	n, err := crashed.ReserveNext(ctx)
	require.NoError(t, err)

	// Restart right away: the append made it, the commit did not.
	restarted := newTestAllocator(t, repo, WithClock(fc), WithRecoveryGrace(time.Minute))
	report, err := restarted.Recover(ctx, newStubLedger(n))
	require.NoError(t, err)
	assert.Equal(t, []Number{n}, report.Committed)
	assert.Zero(t, report.Pending)

	st, err := restarted.State(ctx)
	require.NoError(t, err)
	assert.Empty(t, st.Reserved)
	assert.True(t, n.Equal(st.Committed))

	// The original owner's late commit is a no-op.
	require.NoError(t, crashed.Commit(ctx, n))
}

func TestRecoverCommitsOwnLedgerSerial(t *testing.T) {
	repo := memory.NewRepository()
	ctx := t.Context()
	a := newTestAllocator(t, repo)

	n, err := a.ReserveNext(ctx)
	require.NoError(t, err)

	report, err := a.Recover(ctx, newStubLedger(n))
	require.NoError(t, err)
	assert.Equal(t, []Number{n}, report.Committed)
	require.NoError(t, a.Commit(ctx, n))
}

func TestRecoverAdvancesPastLedger(t *testing.T) {
	repo := memory.NewRepository()
	ctx := t.Context()
	a := newTestAllocator(t, repo)

	// The ledger was imported with serials up to 0x41.
	report, err := a.Recover(ctx, newStubLedger(New(0x40), New(0x41)))
	require.NoError(t, err)
	assert.Equal(t, "42", report.AdvancedTo.String())

	st, err := a.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, "41", st.Committed.String())

	n, err := a.ReserveNext(ctx)
	require.NoError(t, err)
	assert.Equal(t, "42", n.String())

	report, err = a.Recover(ctx, newStubLedger(New(0x41)))
	require.NoError(t, err)
	assert.True(t, report.AdvancedTo.IsZero())
}

func TestRecoverRetiresReleasedSerialsInLedger(t *testing.T) {
	repo := memory.NewRepository()
	ctx := t.Context()
	a := newTestAllocator(t, repo)

	var reserved []Number
	for range 3 {
		n, err := a.ReserveNext(ctx)
		require.NoError(t, err)
		reserved = append(reserved, n)
	}
	require.NoError(t, a.Rollback(ctx, reserved[0]))
	require.NoError(t, a.Commit(ctx, reserved[1]))
	require.NoError(t, a.Commit(ctx, reserved[2]))

	// Serial 1 was released here but the ledger holds it.
	report, err := a.Recover(ctx, newStubLedger(reserved...))
	require.NoError(t, err)
	assert.Equal(t, []Number{New(1)}, report.Committed)

	n, err := a.ReserveNext(ctx)
	require.NoError(t, err)
	assert.Equal(t, "04", n.String())
}

func TestRecoverPropagatesLedgerErrors(t *testing.T) {
	repo := memory.NewRepository()
	ctx := t.Context()

	crashed := newTestAllocator(t, repo)
	_, err := crashed.ReserveNext(ctx)
	require.NoError(t, err)

	boom := errors.New("ledger offline")
	restarted := newTestAllocator(t, repo)
	_, err = restarted.Recover(ctx, &stubLedger{err: boom})
	assert.ErrorIs(t, err, boom)

	st, err := restarted.State(ctx)
	require.NoError(t, err)
	assert.Len(t, st.Reserved, 1, "unresolved reservation stays for the next recovery")
}
