package issuance

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/jmhodges/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/caledger/ledger"
	"github.com/jmcleod/caledger/serial"
	"github.com/jmcleod/caledger/storage"
	"github.com/jmcleod/caledger/storage/memory"
)

const testNamespace = "test-ca"

var alice = ledger.Subject{Country: "US", Organization: "Acme", CommonName: "alice@example.com"}

// testSigner self-signs with a throwaway key. signFn, when set, replaces it.
type testSigner struct {
	key    *ecdsa.PrivateKey
	signFn func(ctx context.Context, req SignRequest) (*x509.Certificate, error)
	calls  int
	mu     sync.Mutex
}

func newTestSigner(t *testing.T) *testSigner {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	return &testSigner{key: key}
}

func (s *testSigner) Sign(ctx context.Context, req SignRequest) (*x509.Certificate, error) {
	s.mu.Lock()
	s.calls++
	fn := s.signFn
	s.mu.Unlock()
	if fn != nil {
		return fn(ctx, req)
	}
	return s.selfSign(req, req.Serial.Big())
}

func (s *testSigner) selfSign(req SignRequest, sn *big.Int) (*x509.Certificate, error) {
	tmpl := &x509.Certificate{
		SerialNumber: sn,
		Subject:      req.Subject.PKIXName(),
		NotBefore:    req.NotBefore,
		NotAfter:     req.NotAfter,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, req.PublicKey, s.key)
	if err != nil {
		return nil, err
	}
	return x509.ParseCertificate(der)
}

type harness struct {
	repo   storage.Repository
	alloc  *serial.Allocator
	ledger *ledger.Ledger
	signer *testSigner
	clock  clock.FakeClock
	stats  *prometheus.Registry
	coord  *Coordinator
	pub    crypto.PublicKey
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		repo:  memory.NewRepository(),
		clock: clock.NewFake(),
		stats: prometheus.NewRegistry(),
	}
	h.clock.Set(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

	var err error
	h.alloc, err = serial.Open(t.Context(), h.repo, testNamespace, serial.WithClock(h.clock))
	require.NoError(t, err)
	h.ledger, err = ledger.Open(h.repo, testNamespace, ledger.WithClock(h.clock))
	require.NoError(t, err)
	h.signer = newTestSigner(t)
	h.pub = h.signer.key.Public()

	opts = append([]Option{WithClock(h.clock), WithRegisterer(h.stats)}, opts...)
	h.coord = New(h.alloc, h.ledger, h.signer, opts...)
	return h
}

func (h *harness) request() Request {
	return Request{Subject: alice, PublicKey: h.pub}
}

func (h *harness) state(t *testing.T) *serial.State {
	t.Helper()
	st, err := h.alloc.State(t.Context())
	require.NoError(t, err)
	return st
}

func TestIssueCommitsSequentialSerials(t *testing.T) {
	h := newHarness(t)
	ctx := t.Context()

	for i := uint64(1); i <= 3; i++ {
		res, err := h.coord.Issue(ctx, h.request())
		require.NoError(t, err)
		assert.True(t, serial.New(i).Equal(res.Serial))
		assert.Equal(t, 0, res.Certificate.SerialNumber.Cmp(res.Serial.Big()))
		assert.NotEmpty(t, res.IssuanceID)
		assert.Equal(t, i, res.Entry.Seq)
		assert.True(t, res.Certificate.NotAfter.Equal(res.Entry.NotAfter))
	}

	st := h.state(t)
	assert.Equal(t, "04", st.Next.String())
	assert.Equal(t, "03", st.Committed.String())
	assert.Empty(t, st.Reserved)

	entries, err := h.ledger.Entries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "/C=US/O=Acme/CN=alice@example.com", entries[0].Subject.String())
	assert.Equal(t, ledger.StatusValid, entries[0].Status)

	assert.Equal(t, 3.0, testutil.ToFloat64(h.coord.metrics.issuances.WithLabelValues("success", "commit")))
	assert.Equal(t, 0.0, testutil.ToFloat64(h.coord.metrics.outstanding))
}

func TestIssueAppliesValidity(t *testing.T) {
	h := newHarness(t, WithValidity(30*24*time.Hour))

	res, err := h.coord.Issue(t.Context(), h.request())
	require.NoError(t, err)
	assert.True(t, res.Certificate.NotBefore.Equal(h.clock.Now()))
	assert.True(t, res.Certificate.NotAfter.Equal(h.clock.Now().Add(30*24*time.Hour)))

	req := h.request()
	req.Validity = time.Hour
	res, err = h.coord.Issue(t.Context(), req)
	require.NoError(t, err)
	assert.True(t, res.Certificate.NotAfter.Equal(h.clock.Now().Add(time.Hour)))
}

func TestIssueSignerFailureRollsBack(t *testing.T) {
	h := newHarness(t)
	ctx := t.Context()
	boom := errors.New("HSM offline")
	h.signer.signFn = func(context.Context, SignRequest) (*x509.Certificate, error) { return nil, boom }

	_, err := h.coord.Issue(ctx, h.request())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSignerFailure)
	assert.ErrorIs(t, err, boom)

	var issueErr *IssueError
	require.ErrorAs(t, err, &issueErr)
	assert.Equal(t, StageSign, issueErr.Stage)
	assert.Equal(t, "01", issueErr.Serial.String())

	st := h.state(t)
	assert.Equal(t, "01", st.Next.String(), "clean rollback leaves no gap")
	assert.Empty(t, st.Reserved)
	n, err := h.ledger.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	h.signer.signFn = nil
	res, err := h.coord.Issue(ctx, h.request())
	require.NoError(t, err)
	assert.Equal(t, "01", res.Serial.String())
}

func TestIssueSignerTimeoutRollsBack(t *testing.T) {
	h := newHarness(t, WithSignerTimeout(20*time.Millisecond))
	h.signer.signFn = func(ctx context.Context, _ SignRequest) (*x509.Certificate, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	_, err := h.coord.Issue(t.Context(), h.request())
	assert.ErrorIs(t, err, ErrSignerTimeout)
	assert.NotErrorIs(t, err, ErrSignerFailure)

	st := h.state(t)
	assert.Empty(t, st.Reserved)
	assert.Equal(t, "01", st.Next.String())
}

func TestIssueCancelledDuringSigningRollsBack(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(t.Context())
	started := make(chan struct{})
	h.signer.signFn = func(signCtx context.Context, _ SignRequest) (*x509.Certificate, error) {
		close(started)
		<-signCtx.Done()
		return nil, signCtx.Err()
	}

	errCh := make(chan error, 1)
	go func() {
		_, err := h.coord.Issue(ctx, h.request())
		errCh <- err
	}()
	<-started
	cancel()

	err := <-errCh
	assert.ErrorIs(t, err, context.Canceled)
	var issueErr *IssueError
	require.ErrorAs(t, err, &issueErr)
	assert.Equal(t, StageSign, issueErr.Stage)

	st := h.state(t)
	assert.Empty(t, st.Reserved)
	assert.Equal(t, "01", st.Next.String())
}

func TestIssueCancelledAfterSigningRollsBack(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(t.Context())
	h.signer.signFn = func(_ context.Context, req SignRequest) (*x509.Certificate, error) {
		cancel()
		return h.signer.selfSign(req, req.Serial.Big())
	}

	_, err := h.coord.Issue(ctx, h.request())
	assert.ErrorIs(t, err, context.Canceled)

	n, err := h.ledger.Len(t.Context())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, h.state(t).Reserved)
}

func TestIssueRejectsWrongSerialFromSigner(t *testing.T) {
	h := newHarness(t)
	h.signer.signFn = func(_ context.Context, req SignRequest) (*x509.Certificate, error) {
		return h.signer.selfSign(req, big.NewInt(999))
	}

	_, err := h.coord.Issue(t.Context(), h.request())
	assert.ErrorIs(t, err, ErrSignerFailure)
	assert.Empty(t, h.state(t).Reserved)
}

func TestIssueDuplicateAppendRollsBack(t *testing.T) {
	h := newHarness(t)
	ctx := t.Context()

	// Serial 1 reaches the ledger behind the allocator's back.
	_, err := h.ledger.Append(ctx, ledger.Entry{
		Serial:   serial.New(1),
		NotAfter: h.clock.Now().Add(time.Hour),
		Subject:  ledger.Subject{CommonName: "bob@example.com"},
	})
	require.NoError(t, err)

	_, err = h.coord.Issue(ctx, h.request())
	assert.ErrorIs(t, err, ErrIssuanceFailed)
	assert.ErrorIs(t, err, ledger.ErrDuplicateSerial)
	var issueErr *IssueError
	require.ErrorAs(t, err, &issueErr)
	assert.Equal(t, StageAppend, issueErr.Stage)

	st := h.state(t)
	assert.Empty(t, st.Reserved)
	assert.True(t, st.Committed.IsZero(), "the serial is not committed")

	got, err := h.ledger.Find(ctx, serial.New(1))
	require.NoError(t, err)
	assert.Equal(t, "bob@example.com", got.Subject.CommonName)

	// Recovery retires the released serial and issuance moves on.
	_, err = h.coord.Recover(ctx)
	require.NoError(t, err)
	res, err := h.coord.Issue(ctx, h.request())
	require.NoError(t, err)
	assert.Equal(t, "02", res.Serial.String())
}

// failingCommit simulates a crash between the ledger append and the commit.
type failingCommit struct {
	*serial.Allocator
}

func (f failingCommit) Commit(context.Context, serial.Number) error {
	return errors.New("process died")
}

func TestCrashBetweenAppendAndCommitIsRecovered(t *testing.T) {
	h := newHarness(t)
	ctx := t.Context()

	crashing := New(failingCommit{h.alloc}, h.ledger, h.signer, WithClock(h.clock))
	_, err := crashing.Issue(ctx, h.request())
	assert.ErrorIs(t, err, ErrIssuanceFailed)
	var issueErr *IssueError
	require.ErrorAs(t, err, &issueErr)
	assert.Equal(t, StageCommit, issueErr.Stage)

	appended, err := h.ledger.Find(ctx, serial.New(1))
	require.NoError(t, err)
	require.Len(t, h.state(t).Reserved, 1)

	// Restart: a new allocator instance over the same store.
	restarted, err := serial.Open(ctx, h.repo, testNamespace, serial.WithClock(h.clock))
	require.NoError(t, err)
	coord := New(restarted, h.ledger, h.signer, WithClock(h.clock))
	report, err := coord.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, []serial.Number{serial.New(1)}, report.Committed)

	st, err := restarted.State(ctx)
	require.NoError(t, err)
	assert.Empty(t, st.Reserved)
	assert.True(t, serial.New(1).Less(st.Next))

	after, err := h.ledger.Find(ctx, serial.New(1))
	require.NoError(t, err)
	assert.Equal(t, appended, after, "ledger entry stays exactly as appended")

	res, err := coord.Issue(ctx, h.request())
	require.NoError(t, err)
	assert.Equal(t, "02", res.Serial.String())
}

func TestCrashBeforeAppendIsRolledBack(t *testing.T) {
	h := newHarness(t)
	ctx := t.Context()

	// A reservation with no ledger entry: the process died while signing.
	_, err := h.alloc.ReserveNext(ctx)
	require.NoError(t, err)

	h.clock.Add(serial.DefaultRecoveryGrace)
	restarted, err := serial.Open(ctx, h.repo, testNamespace, serial.WithClock(h.clock))
	require.NoError(t, err)
	coord := New(restarted, h.ledger, h.signer, WithClock(h.clock))
	report, err := coord.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, []serial.Number{serial.New(1)}, report.RolledBack)

	res, err := coord.Issue(ctx, h.request())
	require.NoError(t, err)
	assert.Equal(t, "01", res.Serial.String())
}

func TestConcurrentIssuesAreContiguous(t *testing.T) {
	h := newHarness(t)
	ctx := t.Context()

	const workers = 30
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		serials = map[string]bool{}
	)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := h.coord.Issue(ctx, h.request())
			if err != nil {
				t.Errorf("issue: %v", err)
				return
			}
			mu.Lock()
			serials[res.Serial.String()] = true
			mu.Unlock()
		}()
	}
	wg.Wait()

	require.Len(t, serials, workers)
	for i := uint64(1); i <= workers; i++ {
		assert.True(t, serials[serial.New(i).String()], "missing serial %d", i)
	}

	result, err := h.ledger.Verify(ctx)
	require.NoError(t, err)
	assert.True(t, result.Valid)
	assert.Equal(t, workers, result.EntryCount)
}

func TestIssueInvalidRequest(t *testing.T) {
	h := newHarness(t)

	_, err := h.coord.Issue(t.Context(), Request{Subject: ledger.Subject{Organization: "Acme"}, PublicKey: h.pub})
	assert.ErrorIs(t, err, ErrInvalidRequest)
	assert.ErrorIs(t, err, ledger.ErrInvalidSubject)

	_, err = h.coord.Issue(t.Context(), Request{Subject: alice})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	assert.Equal(t, "01", h.state(t).Next.String(), "nothing was reserved")
	assert.Zero(t, h.signer.calls)
}

type memCertStore struct {
	mu         sync.Mutex
	err        error
	publishErr error
	certs      map[string]*x509.Certificate
	staged     map[string]*x509.Certificate
}

func newMemCertStore() *memCertStore {
	return &memCertStore{
		certs:  map[string]*x509.Certificate{},
		staged: map[string]*x509.Certificate{},
	}
}

func (m *memCertStore) Stage(_ context.Context, cert *x509.Certificate) (StagedCert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	ref := "mem:" + cert.SerialNumber.Text(16)
	m.staged[ref] = cert
	return &memStaged{store: m, ref: ref}, nil
}

type memStaged struct {
	store *memCertStore
	ref   string
}

func (s *memStaged) Ref() string { return s.ref }

func (s *memStaged) Publish() error {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	if s.store.publishErr != nil {
		return s.store.publishErr
	}
	s.store.certs[s.ref] = s.store.staged[s.ref]
	delete(s.store.staged, s.ref)
	return nil
}

func (s *memStaged) Discard() error {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	delete(s.store.staged, s.ref)
	return nil
}

func TestIssueRecordsCertStoreReference(t *testing.T) {
	store := newMemCertStore()
	h := newHarness(t, WithCertStore(store))

	res, err := h.coord.Issue(t.Context(), h.request())
	require.NoError(t, err)
	assert.Equal(t, "mem:1", res.Entry.CertRef)
	assert.Contains(t, store.certs, "mem:1")
	assert.Empty(t, store.staged)

	store.err = errors.New("disk full")
	_, err = h.coord.Issue(t.Context(), h.request())
	var issueErr *IssueError
	require.ErrorAs(t, err, &issueErr)
	assert.Equal(t, StageStore, issueErr.Stage)
	assert.ErrorIs(t, err, ErrIssuanceFailed)
	assert.Empty(t, h.state(t).Reserved)
}

func TestIssueDuplicateAppendDiscardsStagedCertificate(t *testing.T) {
	store := newMemCertStore()
	h := newHarness(t, WithCertStore(store))
	ctx := t.Context()

	first, err := h.coord.Issue(ctx, h.request())
	require.NoError(t, err)
	recorded := store.certs["mem:1"]

	// An allocator restored behind the ledger hands out serial 1 again.
	stale, err := serial.Open(ctx, memory.NewRepository(), testNamespace, serial.WithClock(h.clock))
	require.NoError(t, err)
	coord := New(stale, h.ledger, h.signer, WithClock(h.clock), WithCertStore(store))
	_, err = coord.Issue(ctx, Request{Subject: ledger.Subject{CommonName: "bob@example.com"}, PublicKey: h.pub})
	require.ErrorIs(t, err, ledger.ErrDuplicateSerial)

	assert.Same(t, recorded, store.certs["mem:1"], "published certificate is untouched")
	assert.Empty(t, store.staged)

	entry, err := h.ledger.Find(ctx, first.Serial)
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", entry.Subject.CommonName)
}

func TestIssuePublishFailureKeepsEntryCommitted(t *testing.T) {
	store := newMemCertStore()
	store.publishErr = errors.New("rename failed")
	h := newHarness(t, WithCertStore(store))
	ctx := t.Context()

	_, err := h.coord.Issue(ctx, h.request())
	var issueErr *IssueError
	require.ErrorAs(t, err, &issueErr)
	assert.Equal(t, StageStore, issueErr.Stage)
	assert.Equal(t, "01", issueErr.Serial.String())
	assert.ErrorIs(t, err, ErrIssuanceFailed)

	entry, err := h.ledger.Find(ctx, serial.New(1))
	require.NoError(t, err)
	assert.Equal(t, "mem:1", entry.CertRef)

	st := h.state(t)
	assert.Empty(t, st.Reserved)
	assert.Equal(t, "01", st.Committed.String())
}

func TestIssueAbandonsSerialResolvedByRecovery(t *testing.T) {
	store := newMemCertStore()
	h := newHarness(t, WithCertStore(store))
	ctx := t.Context()

	other, err := serial.Open(ctx, h.repo, testNamespace,
		serial.WithClock(h.clock), serial.WithRecoveryGrace(time.Second))
	require.NoError(t, err)

	h.signer.signFn = func(_ context.Context, req SignRequest) (*x509.Certificate, error) {
		// The signer stalls past the other instance's grace period.
		h.clock.Add(time.Minute)
		if _, err := other.Recover(ctx, h.ledger); err != nil {
			return nil, err
		}
		if _, err := other.ReserveNext(ctx); err != nil {
			return nil, err
		}
		return h.signer.selfSign(req, req.Serial.Big())
	}

	_, err = h.coord.Issue(ctx, h.request())
	assert.ErrorIs(t, err, ErrIssuanceFailed)
	assert.ErrorIs(t, err, serial.ErrNotReserved)
	var issueErr *IssueError
	require.ErrorAs(t, err, &issueErr)
	assert.Equal(t, StageAppend, issueErr.Stage)

	_, err = h.ledger.Find(ctx, serial.New(1))
	assert.ErrorIs(t, err, ledger.ErrNotFound, "the serial now held by the other instance was not recorded")
	assert.Empty(t, store.staged)
	assert.Empty(t, store.certs)

	st := h.state(t)
	require.Len(t, st.Reserved, 1)
	assert.Equal(t, other.InstanceID(), st.Reserved[0].Owner)
}

func TestRecoverOnlyCoordinatorCountsOutcomes(t *testing.T) {
	h := newHarness(t)
	ctx := t.Context()

	_, err := h.alloc.ReserveNext(ctx)
	require.NoError(t, err)
	n, err := h.alloc.ReserveNext(ctx)
	require.NoError(t, err)
	_, err = h.ledger.Append(ctx, ledger.Entry{
		Serial:   n,
		NotAfter: h.clock.Now().Add(time.Hour),
		Subject:  alice,
	})
	require.NoError(t, err)

	h.clock.Add(serial.DefaultRecoveryGrace)
	restarted, err := serial.Open(ctx, h.repo, testNamespace, serial.WithClock(h.clock))
	require.NoError(t, err)
	stats := prometheus.NewRegistry()
	coord := New(restarted, h.ledger, nil, WithClock(h.clock), WithRegisterer(stats))

	report, err := coord.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, []serial.Number{n}, report.Committed)
	assert.Len(t, report.RolledBack, 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(coord.metrics.recovered.WithLabelValues("commit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(coord.metrics.recovered.WithLabelValues("rollback")))

	_, err = coord.Issue(ctx, h.request())
	assert.ErrorIs(t, err, ErrInvalidRequest)
}
