// Package issuance brackets certificate signing with serial and ledger
// bookkeeping.
//
// Each Issue runs Idle → Reserved → Signed → Committed. A failure before
// the ledger append rolls the reservation back and discards any staged
// certificate, leaving no trace; a failure between append and commit
// leaves the reservation for Recover, which completes it at the next
// startup.
package issuance

import (
	"context"
	"crypto"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jmhodges/clock"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/jmcleod/caledger/ledger"
	"github.com/jmcleod/caledger/serial"
)

const (
	// DefaultValidity is one year, as OpenSSL's default_days = 365.
	DefaultValidity = 365 * 24 * time.Hour
	// DefaultSignerTimeout bounds a single signer call.
	DefaultSignerTimeout = 30 * time.Second
	// DefaultDigest is the signature digest.
	DefaultDigest = "sha256"
)

// SignRequest is what the signer signs. The issuer certificate and key are
// bound into the Signer.
type SignRequest struct {
	Serial    serial.Number
	Subject   ledger.Subject
	PublicKey crypto.PublicKey
	NotBefore time.Time
	NotAfter  time.Time
	Digest    string
}

// Signer produces a certificate for a reserved serial. It must use the
// serial it is given and never allocate one itself.
type Signer interface {
	Sign(ctx context.Context, req SignRequest) (*x509.Certificate, error)
}

// CertStore keeps issued certificates. A staged certificate is not
// visible under its reference until Publish, which the coordinator calls
// only after the ledger entry is durable; a failed issuance discards it.
type CertStore interface {
	Stage(ctx context.Context, cert *x509.Certificate) (StagedCert, error)
}

// StagedCert is a certificate written by a CertStore but not yet published.
type StagedCert interface {
	// Ref is the reference recorded in the ledger entry.
	Ref() string
	Publish() error
	Discard() error
}

// Allocator is the serial allocator as the coordinator uses it.
type Allocator interface {
	ReserveNext(ctx context.Context) (serial.Number, error)
	Commit(ctx context.Context, n serial.Number) error
	Rollback(ctx context.Context, n serial.Number) error
	Holds(ctx context.Context, n serial.Number) (bool, error)
	Recover(ctx context.Context, ledger serial.LedgerView) (*serial.RecoveryReport, error)
}

// Ledger is the certificate ledger as the coordinator uses it.
type Ledger interface {
	serial.LedgerView
	Append(ctx context.Context, e ledger.Entry) (ledger.Entry, error)
}

var (
	_ Allocator = (*serial.Allocator)(nil)
	_ Ledger    = (*ledger.Ledger)(nil)
)

// Request asks for one certificate.
type Request struct {
	Subject   ledger.Subject
	PublicKey crypto.PublicKey
	// NotBefore defaults to now.
	NotBefore time.Time
	// Validity defaults to the coordinator's validity.
	Validity time.Duration
	// Digest defaults to the coordinator's digest.
	Digest string
}

// Result describes a committed issuance.
type Result struct {
	IssuanceID  string
	Serial      serial.Number
	Certificate *x509.Certificate
	Entry       ledger.Entry
}

// Coordinator runs issuances against one allocator, ledger and signer.
// It is safe for concurrent use.
type Coordinator struct {
	alloc         Allocator
	ledger        Ledger
	signer        Signer
	store         CertStore
	clock         clock.Clock
	logger        *slog.Logger
	stats         prometheus.Registerer
	metrics       *metrics
	signerTimeout time.Duration
	validity      time.Duration
	digest        string
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithCertStore stages every signed certificate before the ledger append
// and publishes it once the entry is recorded.
func WithCertStore(s CertStore) Option {
	return func(c *Coordinator) {
		c.store = s
	}
}

// WithClock sets the clock used for validity windows.
func WithClock(clk clock.Clock) Option {
	return func(c *Coordinator) {
		c.clock = clk
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) {
		c.logger = l
	}
}

// WithRegisterer registers the coordinator's metrics on stats. By default
// they go to a private registry.
func WithRegisterer(stats prometheus.Registerer) Option {
	return func(c *Coordinator) {
		c.stats = stats
	}
}

// WithSignerTimeout bounds each signer call. Default: DefaultSignerTimeout.
func WithSignerTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		c.signerTimeout = d
	}
}

// WithValidity sets the default certificate lifetime. Default: DefaultValidity.
func WithValidity(d time.Duration) Option {
	return func(c *Coordinator) {
		c.validity = d
	}
}

// WithDigest sets the default signature digest. Default: DefaultDigest.
func WithDigest(digest string) Option {
	return func(c *Coordinator) {
		c.digest = digest
	}
}

// New returns a Coordinator. A nil signer gives a coordinator that can
// only Recover; Issue then fails with ErrInvalidRequest.
func New(alloc Allocator, l Ledger, signer Signer, opts ...Option) *Coordinator {
	c := &Coordinator{
		alloc:         alloc,
		ledger:        l,
		signer:        signer,
		clock:         clock.New(),
		logger:        slog.Default(),
		signerTimeout: DefaultSignerTimeout,
		validity:      DefaultValidity,
		digest:        DefaultDigest,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.stats == nil {
		c.stats = prometheus.NewRegistry()
	}
	c.metrics = newMetrics(c.stats)
	return c
}

func (c *Coordinator) validate(req *Request) (ledger.Subject, error) {
	if c.signer == nil {
		return ledger.Subject{}, fmt.Errorf("%w: coordinator has no signer", ErrInvalidRequest)
	}
	subject, err := req.Subject.Normalize()
	if err != nil {
		return ledger.Subject{}, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	if req.PublicKey == nil {
		return ledger.Subject{}, fmt.Errorf("%w: public key is required", ErrInvalidRequest)
	}
	if req.Validity < 0 {
		return ledger.Subject{}, fmt.Errorf("%w: negative validity", ErrInvalidRequest)
	}
	return subject, nil
}

// Issue reserves a serial, has the signer sign the certificate outside any
// lock, then appends the ledger entry and commits the serial.
//
// Failures before the append roll the reservation back. Once signing has
// succeeded, the append and commit run detached from ctx so a late
// cancellation cannot split them.
func (c *Coordinator) Issue(ctx context.Context, req Request) (*Result, error) {
	subject, err := c.validate(&req)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	id := uuid.NewString()
	logger := c.logger.With("issuance_id", id, "subject", subject.String())

	n, err := c.alloc.ReserveNext(ctx)
	if err != nil {
		c.metrics.issuances.WithLabelValues("failure", string(StageReserve)).Inc()
		logger.Error("serial reservation failed", "stage", StageReserve, "error", err)
		return nil, &IssueError{Stage: StageReserve, Err: err}
	}
	c.metrics.serialOps.WithLabelValues("reserve").Inc()
	c.metrics.outstanding.Inc()
	logger = logger.With("serial", n.String())

	notBefore := req.NotBefore
	if notBefore.IsZero() {
		notBefore = c.clock.Now()
	}
	validity := req.Validity
	if validity == 0 {
		validity = c.validity
	}
	digest := req.Digest
	if digest == "" {
		digest = c.digest
	}

	cert, err := c.sign(ctx, SignRequest{
		Serial:    n,
		Subject:   subject,
		PublicKey: req.PublicKey,
		NotBefore: notBefore.UTC(),
		NotAfter:  notBefore.Add(validity).UTC(),
		Digest:    digest,
	})
	if err != nil {
		return nil, c.abort(ctx, logger, n, StageSign, err)
	}

	// Past this point the certificate exists; finish the bookkeeping even
	// if the caller goes away.
	bookkeeping := context.WithoutCancel(ctx)

	var (
		staged StagedCert
		ref    string
	)
	if c.store != nil {
		staged, err = c.store.Stage(bookkeeping, cert)
		if err != nil {
			return nil, c.abort(ctx, logger, n, StageStore, fmt.Errorf("%w: storing certificate: %w", ErrIssuanceFailed, err))
		}
		ref = staged.Ref()
	}
	discard := func() {
		if staged == nil {
			return
		}
		if err := staged.Discard(); err != nil {
			logger.Warn("discarding staged certificate failed", "ref", ref, "error", err)
		}
	}

	// Recovery in another process may have resolved a reservation that
	// outlived its grace period. The serial is no longer ours to record.
	held, err := c.alloc.Holds(bookkeeping, n)
	if err != nil {
		discard()
		return nil, c.abort(ctx, logger, n, StageAppend, fmt.Errorf("%w: %w", ErrIssuanceFailed, err))
	}
	if !held {
		discard()
		c.metrics.issuances.WithLabelValues("failure", string(StageAppend)).Inc()
		c.metrics.outstanding.Dec()
		logger.Error("reservation resolved by recovery before ledger append", "stage", StageAppend)
		return nil, &IssueError{
			Stage:  StageAppend,
			Serial: n,
			Err:    fmt.Errorf("%w: %w: reservation resolved by recovery", ErrIssuanceFailed, serial.ErrNotReserved),
		}
	}

	entry, err := c.ledger.Append(bookkeeping, ledger.Entry{
		Serial:    n,
		Status:    ledger.StatusValid,
		NotBefore: cert.NotBefore,
		NotAfter:  cert.NotAfter,
		Subject:   subject,
		CertRef:   ref,
	})
	if err != nil {
		if errors.Is(err, ledger.ErrDuplicateSerial) {
			logger.Error("ledger already holds reserved serial; allocator state is behind the ledger, run recovery")
		}
		discard()
		return nil, c.abort(ctx, logger, n, StageAppend, fmt.Errorf("%w: %w", ErrIssuanceFailed, err))
	}

	var publishErr error
	if staged != nil {
		if publishErr = staged.Publish(); publishErr != nil {
			logger.Error("ledger entry recorded but certificate not published",
				"stage", StageStore, "ref", ref, "error", publishErr)
		}
	}

	if err := c.alloc.Commit(bookkeeping, n); err != nil {
		c.metrics.issuances.WithLabelValues("failure", string(StageCommit)).Inc()
		logger.Error("serial commit failed after ledger append; reservation left for recovery",
			"stage", StageCommit, "error", err)
		return nil, &IssueError{
			Stage:  StageCommit,
			Serial: n,
			Err:    fmt.Errorf("%w: entry appended but serial not committed: %w", ErrIssuanceFailed, err),
		}
	}
	c.metrics.serialOps.WithLabelValues("commit").Inc()
	c.metrics.outstanding.Dec()
	if publishErr != nil {
		c.metrics.issuances.WithLabelValues("failure", string(StageStore)).Inc()
		return nil, &IssueError{
			Stage:  StageStore,
			Serial: n,
			Err:    fmt.Errorf("%w: entry recorded but certificate not published to %s: %w", ErrIssuanceFailed, ref, publishErr),
		}
	}
	c.metrics.issuances.WithLabelValues("success", string(StageCommit)).Inc()
	logger.Info("certificate issued", "seq", entry.Seq, "not_after", entry.NotAfter)

	return &Result{
		IssuanceID:  id,
		Serial:      n,
		Certificate: cert,
		Entry:       entry,
	}, nil
}

// sign calls the signer under the signer timeout and classifies failures.
func (c *Coordinator) sign(ctx context.Context, req SignRequest) (*x509.Certificate, error) {
	signCtx, cancel := context.WithTimeout(ctx, c.signerTimeout)
	defer cancel()

	start := c.clock.Now()
	cert, err := c.signer.Sign(signCtx, req)
	c.metrics.signLatency.Observe(c.clock.Since(start).Seconds())

	switch {
	case ctx.Err() != nil:
		// The caller gave up; whatever the signer produced is discarded.
		return nil, ctx.Err()
	case err != nil && errors.Is(signCtx.Err(), context.DeadlineExceeded):
		return nil, fmt.Errorf("%w after %s: %w", ErrSignerTimeout, c.signerTimeout, err)
	case err != nil:
		return nil, fmt.Errorf("%w: %w", ErrSignerFailure, err)
	case cert == nil:
		return nil, fmt.Errorf("%w: signer returned no certificate", ErrSignerFailure)
	case cert.SerialNumber == nil || cert.SerialNumber.Cmp(req.Serial.Big()) != 0:
		return nil, fmt.Errorf("%w: signer returned serial %v, reserved %s", ErrSignerFailure, cert.SerialNumber, req.Serial)
	}
	return cert, nil
}

// abort rolls back a reservation after a failure at stage.
func (c *Coordinator) abort(ctx context.Context, logger *slog.Logger, n serial.Number, stage Stage, cause error) error {
	c.metrics.issuances.WithLabelValues("failure", string(stage)).Inc()
	logger.Warn("issuance failed, rolling back serial", "stage", stage, "error", cause)

	if err := c.alloc.Rollback(context.WithoutCancel(ctx), n); err != nil {
		logger.Error("rollback failed; reservation left for recovery", "stage", StageRollback, "error", err)
		return &IssueError{
			Stage:  StageRollback,
			Serial: n,
			Err:    fmt.Errorf("%w (rollback after %s failed: %w)", cause, stage, err),
		}
	}
	c.metrics.serialOps.WithLabelValues("rollback").Inc()
	c.metrics.outstanding.Dec()
	return &IssueError{Stage: stage, Serial: n, Err: cause}
}

// Recover resolves reservations orphaned by a crash. Run it once at
// startup, before serving issuances.
func (c *Coordinator) Recover(ctx context.Context) (*serial.RecoveryReport, error) {
	report, err := c.alloc.Recover(ctx, c.ledger)
	if report != nil {
		c.metrics.recovered.WithLabelValues("commit").Add(float64(len(report.Committed)))
		c.metrics.recovered.WithLabelValues("rollback").Add(float64(len(report.RolledBack)))
	}
	if err != nil {
		c.logger.Error("recovery failed", "error", err)
		return report, err
	}
	if report.Empty() {
		c.logger.Debug("recovery found nothing to do", "pending", report.Pending)
	} else {
		c.logger.Info("recovery complete",
			"committed", len(report.Committed),
			"rolled_back", len(report.RolledBack),
			"pending", report.Pending,
			"advanced_to", report.AdvancedTo.String())
	}
	return report, nil
}
