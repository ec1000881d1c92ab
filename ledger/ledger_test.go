package ledger

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jmhodges/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/caledger/serial"
	"github.com/jmcleod/caledger/storage"
	"github.com/jmcleod/caledger/storage/bbolt"
	"github.com/jmcleod/caledger/storage/memory"
)

const testNamespace = "test-ca"

var (
	issuedAt = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	alice    = Subject{Country: "US", Organization: "Acme", CommonName: "alice@example.com"}
)

func newTestLedger(t *testing.T, repo storage.Repository) (*Ledger, clock.FakeClock) {
	t.Helper()
	fc := clock.NewFake()
	fc.Set(issuedAt)
	l, err := Open(repo, testNamespace, WithClock(fc))
	require.NoError(t, err)
	return l, fc
}

func validEntry(n uint64, subject Subject) Entry {
	return Entry{
		Serial:    serial.New(n),
		Status:    StatusValid,
		NotBefore: issuedAt,
		NotAfter:  issuedAt.AddDate(1, 0, 0),
		Subject:   subject,
	}
}

func TestAppendFindRoundTrip(t *testing.T) {
	l, _ := newTestLedger(t, memory.NewRepository())
	ctx := t.Context()

	in := validEntry(1, alice)
	in.CertRef = "certs/01.pem"
	stored, err := l.Append(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), stored.Seq)
	assert.Equal(t, genesisHash, stored.PrevHash)
	assert.NotEmpty(t, stored.Hash)
	assert.True(t, issuedAt.Equal(stored.AppendedAt))

	got, err := l.Find(ctx, serial.New(1))
	require.NoError(t, err)
	assert.True(t, got.Serial.Equal(in.Serial))
	assert.Equal(t, StatusValid, got.Status)
	assert.True(t, got.NotBefore.Equal(in.NotBefore))
	assert.True(t, got.NotAfter.Equal(in.NotAfter))
	assert.Equal(t, in.Subject, got.Subject)
	assert.Equal(t, in.CertRef, got.CertRef)
	assert.Equal(t, stored.Hash, got.Hash)
}

func TestAppendDuplicateSerial(t *testing.T) {
	l, _ := newTestLedger(t, memory.NewRepository())
	ctx := t.Context()

	_, err := l.Append(ctx, validEntry(1, alice))
	require.NoError(t, err)

	bob := Subject{CommonName: "bob@example.com"}
	_, err = l.Append(ctx, validEntry(1, bob))
	assert.ErrorIs(t, err, ErrDuplicateSerial)

	got, err := l.Find(ctx, serial.New(1))
	require.NoError(t, err)
	assert.Equal(t, alice, got.Subject, "original entry is untouched")

	n, err := l.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestAppendValidation(t *testing.T) {
	l, _ := newTestLedger(t, memory.NewRepository())

	tests := []struct {
		name   string
		mutate func(e *Entry)
	}{
		{"zero serial", func(e *Entry) { e.Serial = serial.Number{} }},
		{"missing not_after", func(e *Entry) { e.NotAfter = time.Time{} }},
		{"not_after before not_before", func(e *Entry) { e.NotAfter = e.NotBefore.Add(-time.Hour) }},
		{"missing common name", func(e *Entry) { e.Subject.CommonName = "" }},
		{"slash in subject", func(e *Entry) { e.Subject.Organization = "Acme/Evil" }},
		{"revoked status", func(e *Entry) { e.Status = StatusRevoked; e.RevokedAt = issuedAt }},
		{"tab in cert ref", func(e *Entry) { e.CertRef = "a\tb" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := validEntry(7, alice)
			tt.mutate(&e)
			_, err := l.Append(t.Context(), e)
			assert.ErrorIs(t, err, ErrInvalidEntry)
		})
	}

	n, err := l.Len(t.Context())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestScanOrderAndExample(t *testing.T) {
	l, fc := newTestLedger(t, memory.NewRepository())
	ctx := t.Context()

	// Append order need not follow serial order.
	_, err := l.Append(ctx, validEntry(2, Subject{CommonName: "bob@example.com"}))
	require.NoError(t, err)
	fc.Add(time.Second)
	_, err = l.Append(ctx, validEntry(1, alice))
	require.NoError(t, err)

	entries, err := l.Entries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "02", entries[0].Serial.String())
	assert.Equal(t, "01", entries[1].Serial.String())
	assert.Equal(t, entries[0].Hash, entries[1].PrevHash)

	got, err := l.Find(ctx, serial.New(1))
	require.NoError(t, err)
	assert.Equal(t, "/C=US/O=Acme/CN=alice@example.com", got.Subject.String())
	assert.Equal(t, StatusValid, got.Status)
}

func TestScanIsSnapshotAndRestartable(t *testing.T) {
	l, _ := newTestLedger(t, memory.NewRepository())
	ctx := t.Context()

	for i := uint64(1); i <= 2; i++ {
		_, err := l.Append(ctx, validEntry(i, alice))
		require.NoError(t, err)
	}

	seq := l.Scan(ctx)
	var first []string
	for e, err := range seq {
		require.NoError(t, err)
		first = append(first, e.Serial.String())
		if len(first) == 1 {
			_, err := l.Append(ctx, validEntry(3, alice))
			require.NoError(t, err)
		}
	}
	assert.Equal(t, []string{"01", "02"}, first, "entries appended mid-scan are not seen")

	var second []string
	for e, err := range seq {
		require.NoError(t, err)
		second = append(second, e.Serial.String())
	}
	assert.Equal(t, []string{"01", "02", "03"}, second, "a new iteration starts from the beginning")
}

func TestScanStopsEarly(t *testing.T) {
	l, _ := newTestLedger(t, memory.NewRepository())
	ctx := t.Context()
	for i := uint64(1); i <= 3; i++ {
		_, err := l.Append(ctx, validEntry(i, alice))
		require.NoError(t, err)
	}

	count := 0
	for _, err := range l.Scan(ctx) {
		require.NoError(t, err)
		count++
		if count == 2 {
			break
		}
	}
	assert.Equal(t, 2, count)
}

func TestMarkRevoked(t *testing.T) {
	l, fc := newTestLedger(t, memory.NewRepository())
	ctx := t.Context()

	_, err := l.MarkRevoked(ctx, serial.New(9), time.Time{}, ReasonKeyCompromise)
	assert.ErrorIs(t, err, ErrNotFound)

	first, err := l.Append(ctx, validEntry(1, alice))
	require.NoError(t, err)
	second, err := l.Append(ctx, validEntry(2, Subject{CommonName: "bob@example.com"}))
	require.NoError(t, err)

	fc.Add(time.Hour)
	revoked, err := l.MarkRevoked(ctx, serial.New(1), time.Time{}, ReasonKeyCompromise)
	require.NoError(t, err)
	assert.Equal(t, StatusRevoked, revoked.Status)
	assert.True(t, fc.Now().Equal(revoked.RevokedAt))
	assert.Equal(t, ReasonKeyCompromise, revoked.Reason)

	fc.Add(time.Hour)
	_, err = l.MarkRevoked(ctx, serial.New(1), time.Time{}, ReasonSuperseded)
	assert.ErrorIs(t, err, ErrAlreadyRevoked)

	got, err := l.Find(ctx, serial.New(1))
	require.NoError(t, err)
	assert.True(t, revoked.RevokedAt.Equal(got.RevokedAt), "first revocation time is kept")
	assert.Equal(t, ReasonKeyCompromise, got.Reason)
	assert.Equal(t, first.Hash, got.Hash)
	assert.Equal(t, first.Seq, got.Seq)

	other, err := l.Find(ctx, serial.New(2))
	require.NoError(t, err)
	assert.Equal(t, StatusValid, other.Status)
	assert.Equal(t, second.Hash, other.Hash)

	result, err := l.Verify(ctx)
	require.NoError(t, err)
	assert.True(t, result.Valid, "status changes keep the chain intact: %+v", result.Checks)
}

func TestMarkRevokedRejectsUnknownReason(t *testing.T) {
	l, _ := newTestLedger(t, memory.NewRepository())
	_, err := l.Append(t.Context(), validEntry(1, alice))
	require.NoError(t, err)

	_, err = l.MarkRevoked(t.Context(), serial.New(1), time.Time{}, Reason("bored"))
	assert.ErrorIs(t, err, ErrInvalidEntry)
}

func TestExpiry(t *testing.T) {
	l, _ := newTestLedger(t, memory.NewRepository())
	ctx := t.Context()

	short := validEntry(1, alice)
	short.NotAfter = issuedAt.Add(24 * time.Hour)
	_, err := l.Append(ctx, short)
	require.NoError(t, err)
	_, err = l.Append(ctx, validEntry(2, alice))
	require.NoError(t, err)
	revokedShort := validEntry(3, alice)
	revokedShort.NotAfter = issuedAt.Add(time.Hour)
	_, err = l.Append(ctx, revokedShort)
	require.NoError(t, err)
	_, err = l.MarkRevoked(ctx, serial.New(3), issuedAt, ReasonSuperseded)
	require.NoError(t, err)

	expired, err := l.ExpireDue(ctx, issuedAt.Add(48*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, []serial.Number{serial.New(1)}, expired)

	got, err := l.Find(ctx, serial.New(1))
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, got.Status)

	_, err = l.MarkRevoked(ctx, serial.New(1), time.Time{}, "")
	assert.ErrorIs(t, err, ErrNotValid)

	again, err := l.MarkExpired(ctx, serial.New(1))
	require.NoError(t, err, "expiring twice is a no-op")
	assert.Equal(t, StatusExpired, again.Status)

	_, err = l.MarkExpired(ctx, serial.New(3))
	assert.ErrorIs(t, err, ErrNotValid)

	_, err = l.MarkExpired(ctx, serial.New(42))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestContainsAndMaxSerial(t *testing.T) {
	l, _ := newTestLedger(t, memory.NewRepository())
	ctx := t.Context()

	highest, err := l.MaxSerial(ctx)
	require.NoError(t, err)
	assert.True(t, highest.IsZero())

	for _, n := range []uint64{0x10, 0x0F, 0x100} {
		_, err := l.Append(ctx, validEntry(n, alice))
		require.NoError(t, err)
	}

	highest, err = l.MaxSerial(ctx)
	require.NoError(t, err)
	assert.Equal(t, "0100", highest.String())

	ok, err := l.Contains(ctx, serial.New(0x0F))
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = l.Contains(ctx, serial.New(0x11))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestConcurrentAppends(t *testing.T) {
	l, _ := newTestLedger(t, memory.NewRepository())
	ctx := t.Context()

	const workers = 20
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			subject := Subject{CommonName: fmt.Sprintf("user%d@example.com", i)}
			if _, err := l.Append(ctx, validEntry(uint64(i+1), subject)); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	result, err := l.Verify(ctx)
	require.NoError(t, err)
	assert.True(t, result.Valid, "%+v", result.Checks)
	assert.Equal(t, workers, result.EntryCount)
}

func TestCorruptEntryIsUnavailable(t *testing.T) {
	repo := memory.NewRepository()
	l, _ := newTestLedger(t, repo)
	ctx := t.Context()

	_, err := l.Append(ctx, validEntry(1, alice))
	require.NoError(t, err)

	env, err := repo.Get(ctx, testNamespace, entryType, "01")
	require.NoError(t, err)
	env.Payload[len(env.Payload)-2] ^= 0x01
	require.NoError(t, repo.Put(ctx, testNamespace, entryType, "01", env))

	_, err = l.Find(ctx, serial.New(1))
	assert.ErrorIs(t, err, ErrStorageUnavailable)
	assert.ErrorIs(t, err, storage.ErrCorrupt)

	for _, err := range l.Scan(ctx) {
		assert.ErrorIs(t, err, ErrStorageUnavailable)
	}
}

func TestVerifyDetectsRewrittenEntry(t *testing.T) {
	repo := memory.NewRepository()
	l, _ := newTestLedger(t, repo)
	ctx := t.Context()

	for i := uint64(1); i <= 3; i++ {
		_, err := l.Append(ctx, validEntry(i, alice))
		require.NoError(t, err)
	}

	// Rewrite entry 2 with a valid checksum but a different subject.
	e, err := l.Find(ctx, serial.New(2))
	require.NoError(t, err)
	e.Subject.CommonName = "mallory@example.com"
	env, err := l.seal(entryType, "02", e, 2)
	require.NoError(t, err)
	require.NoError(t, repo.Put(ctx, testNamespace, entryType, "02", env))

	result, err := l.Verify(ctx)
	require.NoError(t, err)
	assert.False(t, result.Valid)

	statuses := map[string]string{}
	for _, c := range result.Checks {
		statuses[c.Name] = c.Status
	}
	assert.Equal(t, "fail", statuses["entry_hashes"])
	assert.Equal(t, "pass", statuses["chain_continuity"])
	assert.Equal(t, "pass", statuses["genesis_anchor"])
}

func TestVerifyEmptyLedger(t *testing.T) {
	l, _ := newTestLedger(t, memory.NewRepository())
	result, err := l.Verify(t.Context())
	require.NoError(t, err)
	assert.True(t, result.Valid)
	assert.Zero(t, result.EntryCount)
}

func TestLedgerDurableOnBolt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	ctx := t.Context()

	repo, err := bbolt.NewRepositoryFromFile(path, nil)
	require.NoError(t, err)
	l, _ := newTestLedger(t, repo)
	_, err = l.Append(ctx, validEntry(1, alice))
	require.NoError(t, err)
	require.NoError(t, repo.Close())

	repo, err = bbolt.NewRepositoryFromFile(path, nil)
	require.NoError(t, err)
	defer repo.Close()
	l, _ = newTestLedger(t, repo)

	got, err := l.Find(ctx, serial.New(1))
	require.NoError(t, err)
	assert.Equal(t, alice, got.Subject)

	result, err := l.Verify(ctx)
	require.NoError(t, err)
	assert.True(t, result.Valid)
}
