// Package ledger keeps the append-only certificate ledger.
//
// Each entry is stored under its serial, an order record maps the append
// sequence to the serial, and a head record tracks the last sequence number
// and hash. All three are written in one storage batch, so an acknowledged
// Append is durable and a crash leaves either all of them or none.
// Entries form a BLAKE2b hash chain over their immutable fields.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jmhodges/clock"

	"github.com/jmcleod/caledger/serial"
	"github.com/jmcleod/caledger/storage"
)

const (
	entryType = "entry"
	orderType = "order"
	headType  = "head"
	headID    = "chain"
)

// chainHead is the last appended position.
type chainHead struct {
	Seq       uint64        `json:"seq"`
	Hash      string        `json:"hash"`
	MaxSerial serial.Number `json:"max_serial"`
	Version   uint64        `json:"-"`
}

type orderRecord struct {
	Serial serial.Number `json:"serial"`
}

// Ledger is the append-only certificate ledger for one CA namespace.
type Ledger struct {
	repo      storage.Repository
	namespace string
	clock     clock.Clock
	logger    *slog.Logger

	// mu serializes Append, MarkRevoked and MarkExpired in this process.
	mu sync.Mutex
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock sets the clock used for append and revocation times.
func WithClock(c clock.Clock) Option {
	return func(l *Ledger) {
		l.clock = c
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) {
		l.logger = logger
	}
}

// Open returns the ledger stored in namespace of repo.
func Open(repo storage.Repository, namespace string, opts ...Option) (*Ledger, error) {
	if namespace == "" {
		return nil, errors.New("ledger namespace is required")
	}
	l := &Ledger{
		repo:      repo,
		namespace: namespace,
		clock:     clock.New(),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Namespace returns the ledger's storage namespace.
func (l *Ledger) Namespace() string {
	return l.namespace
}

func seqID(seq uint64) string {
	return fmt.Sprintf("%020d", seq)
}

func (l *Ledger) aad(recordType, recordID string) []byte {
	return storage.RecordAAD(l.namespace, recordType, recordID)
}

func (l *Ledger) seal(recordType, recordID string, v any, version uint64) (*storage.Envelope, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding %s record: %w", recordType, err)
	}
	return storage.SealRecord(payload, l.aad(recordType, recordID), version)
}

func (l *Ledger) open(recordType, recordID string, env *storage.Envelope, v any) error {
	payload, err := storage.OpenRecord(env, l.aad(recordType, recordID))
	if err != nil {
		return fmt.Errorf("%w: %s/%s: %w", ErrStorageUnavailable, recordType, recordID, err)
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("%w: decoding %s/%s: %w", ErrStorageUnavailable, recordType, recordID, err)
	}
	return nil
}

func (l *Ledger) decodeEntry(id string, env *storage.Envelope) (*Entry, error) {
	var e Entry
	if err := l.open(entryType, id, env, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

func (l *Ledger) readHead(tx storage.ReadTx) (chainHead, error) {
	env, err := tx.Get(headType, headID)
	if errors.Is(err, storage.ErrNotFound) {
		return chainHead{Hash: genesisHash}, nil
	}
	if err != nil {
		return chainHead{}, err
	}
	var head chainHead
	if err := l.open(headType, headID, env, &head); err != nil {
		return chainHead{}, err
	}
	head.Version = env.Version
	return head, nil
}

func unavailable(op string, err error) error {
	if errors.Is(err, ErrStorageUnavailable) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%w: %s: %w", ErrStorageUnavailable, op, err)
}

func retryPolicy(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 5 * time.Millisecond
	b.MaxInterval = 200 * time.Millisecond
	b.MaxElapsedTime = 5 * time.Second
	return backoff.WithContext(b, ctx)
}

// batch runs fn in a storage batch, retrying when another process wrote
// the same records concurrently. Errors other than storage failures and
// CAS conflicts are returned as they are.
func (l *Ledger) batch(ctx context.Context, op string, fn func(tx storage.BatchTx) error) error {
	err := backoff.Retry(func() error {
		err := l.repo.Batch(ctx, l.namespace, fn)
		if errors.Is(err, storage.ErrCASFailed) {
			l.logger.Debug("ledger changed concurrently, retrying", "namespace", l.namespace, "op", op)
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}, retryPolicy(ctx))
	if err == nil {
		return nil
	}
	for _, domain := range []error{ErrDuplicateSerial, ErrNotFound, ErrAlreadyRevoked, ErrNotValid, ErrInvalidEntry} {
		if errors.Is(err, domain) {
			return err
		}
	}
	return unavailable(op, err)
}

// Append durably records a newly issued certificate. The entry must be
// Valid; the ledger assigns Seq, AppendedAt and the chain hashes and
// returns the stored entry.
func (l *Ledger) Append(ctx context.Context, e Entry) (Entry, error) {
	if e.Status == "" {
		e.Status = StatusValid
	}
	if e.Status != StatusValid {
		return Entry{}, fmt.Errorf("%w: serial %s: new entries must be valid", ErrInvalidEntry, e.Serial)
	}
	if err := validateNew(&e); err != nil {
		return Entry{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	stored, err := l.appendLocked(ctx, e)
	if err != nil {
		return Entry{}, err
	}
	l.logger.Info("ledger entry appended",
		"namespace", l.namespace,
		"serial", stored.Serial.String(),
		"seq", stored.Seq,
		"subject", stored.Subject.String())
	return stored, nil
}

func (l *Ledger) appendLocked(ctx context.Context, e Entry) (Entry, error) {
	e.NotBefore = e.NotBefore.UTC()
	e.NotAfter = e.NotAfter.UTC()
	if !e.RevokedAt.IsZero() {
		e.RevokedAt = e.RevokedAt.UTC()
	}
	id := e.Serial.String()

	var stored Entry
	err := l.batch(ctx, "append "+id, func(tx storage.BatchTx) error {
		if _, err := tx.Get(entryType, id); err == nil {
			return fmt.Errorf("serial %s: %w", id, ErrDuplicateSerial)
		} else if !errors.Is(err, storage.ErrNotFound) {
			return err
		}

		head, err := l.readHead(tx)
		if err != nil {
			return err
		}

		next := e
		next.Seq = head.Seq + 1
		next.AppendedAt = l.clock.Now().UTC()
		next.PrevHash = head.Hash
		next.Hash = chainHash(&next)

		entryEnv, err := l.seal(entryType, id, next, 1)
		if err != nil {
			return err
		}
		if err := tx.PutCAS(entryType, id, 0, entryEnv); err != nil {
			if errors.Is(err, storage.ErrCASFailed) {
				return fmt.Errorf("serial %s: %w", id, ErrDuplicateSerial)
			}
			return err
		}

		orderEnv, err := l.seal(orderType, seqID(next.Seq), orderRecord{Serial: next.Serial}, 1)
		if err != nil {
			return err
		}
		if err := tx.PutCAS(orderType, seqID(next.Seq), 0, orderEnv); err != nil {
			return err
		}

		newHead := chainHead{Seq: next.Seq, Hash: next.Hash, MaxSerial: serial.Max(head.MaxSerial, next.Serial)}
		headEnv, err := l.seal(headType, headID, newHead, head.Version+1)
		if err != nil {
			return err
		}
		if err := tx.PutCAS(headType, headID, head.Version, headEnv); err != nil {
			return err
		}
		stored = next
		return nil
	})
	return stored, err
}

// Find returns the entry for serial n.
func (l *Ledger) Find(ctx context.Context, n serial.Number) (Entry, error) {
	id := n.String()
	env, err := l.repo.Get(ctx, l.namespace, entryType, id)
	if errors.Is(err, storage.ErrNotFound) {
		return Entry{}, fmt.Errorf("serial %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Entry{}, unavailable("find "+id, err)
	}
	e, err := l.decodeEntry(id, env)
	if err != nil {
		return Entry{}, err
	}
	return *e, nil
}

// Contains reports whether the ledger holds serial n.
func (l *Ledger) Contains(ctx context.Context, n serial.Number) (bool, error) {
	_, err := l.Find(ctx, n)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// MaxSerial returns the highest serial in the ledger, or zero when empty.
func (l *Ledger) MaxSerial(ctx context.Context) (serial.Number, error) {
	head, err := l.head(ctx)
	return head.MaxSerial, err
}

// Len returns the number of entries.
func (l *Ledger) Len(ctx context.Context) (int, error) {
	head, err := l.head(ctx)
	return int(head.Seq), err
}

func (l *Ledger) head(ctx context.Context) (chainHead, error) {
	var head chainHead
	err := l.repo.View(ctx, l.namespace, func(tx storage.ReadTx) error {
		var err error
		head, err = l.readHead(tx)
		return err
	})
	if err != nil {
		return chainHead{}, unavailable("read head", err)
	}
	return head, nil
}

type rawEntry struct {
	id  string
	env *storage.Envelope
}

type snapshot struct {
	raw  []rawEntry
	head chainHead
}

// snapshot copies the raw entry records in append order within one read
// transaction. Decoding is left to the caller.
func (l *Ledger) snapshot(ctx context.Context) (*snapshot, error) {
	snap := &snapshot{}
	err := l.repo.View(ctx, l.namespace, func(tx storage.ReadTx) error {
		head, err := l.readHead(tx)
		if err != nil {
			return err
		}
		snap.head = head

		seqs, err := tx.List(orderType)
		if err != nil {
			return err
		}
		snap.raw = make([]rawEntry, 0, len(seqs))
		for _, seq := range seqs {
			orderEnv, err := tx.Get(orderType, seq)
			if err != nil {
				return err
			}
			var rec orderRecord
			if err := l.open(orderType, seq, orderEnv, &rec); err != nil {
				return err
			}
			id := rec.Serial.String()
			env, err := tx.Get(entryType, id)
			if err != nil {
				return fmt.Errorf("order %s points at serial %s: %w", seq, id, err)
			}
			snap.raw = append(snap.raw, rawEntry{id: id, env: storage.CloneEnvelope(env)})
		}
		return nil
	})
	if err != nil {
		return nil, unavailable("scan", err)
	}
	return snap, nil
}

// Scan returns the entries in append order. Each iteration takes a fresh
// snapshot when it starts and does not see entries appended afterwards.
func (l *Ledger) Scan(ctx context.Context) iter.Seq2[Entry, error] {
	return func(yield func(Entry, error) bool) {
		snap, err := l.snapshot(ctx)
		if err != nil {
			yield(Entry{}, err)
			return
		}
		for _, raw := range snap.raw {
			e, err := l.decodeEntry(raw.id, raw.env)
			if err != nil {
				yield(Entry{}, err)
				return
			}
			if !yield(*e, nil) {
				return
			}
		}
	}
}

// Entries collects Scan into a slice.
func (l *Ledger) Entries(ctx context.Context) ([]Entry, error) {
	var out []Entry
	for e, err := range l.Scan(ctx) {
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// patch rewrites the status fields of one entry.
func (l *Ledger) patch(ctx context.Context, n serial.Number, op string, fn func(e *Entry) error) (Entry, error) {
	id := n.String()
	var patched Entry
	err := l.batch(ctx, op+" "+id, func(tx storage.BatchTx) error {
		env, err := tx.Get(entryType, id)
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("serial %s: %w", id, ErrNotFound)
		}
		if err != nil {
			return err
		}
		e, err := l.decodeEntry(id, env)
		if err != nil {
			return err
		}
		if err := fn(e); err != nil {
			if errors.Is(err, errUnchanged) {
				patched = *e
				return nil
			}
			return err
		}
		updated, err := l.seal(entryType, id, e, env.Version+1)
		if err != nil {
			return err
		}
		if err := tx.PutCAS(entryType, id, env.Version, updated); err != nil {
			return err
		}
		patched = *e
		return nil
	})
	return patched, err
}

var errUnchanged = errors.New("unchanged")

// MarkRevoked records the revocation of serial n. A zero at means now.
// Only the status fields of that entry change.
func (l *Ledger) MarkRevoked(ctx context.Context, n serial.Number, at time.Time, reason Reason) (Entry, error) {
	if reason != "" {
		if _, ok := reasonCodes[reason]; !ok {
			return Entry{}, fmt.Errorf("%w: unknown revocation reason %q", ErrInvalidEntry, reason)
		}
	}
	if at.IsZero() {
		at = l.clock.Now()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	e, err := l.patch(ctx, n, "revoke", func(e *Entry) error {
		switch e.Status {
		case StatusRevoked:
			return fmt.Errorf("serial %s revoked at %s: %w", e.Serial, e.RevokedAt.Format(time.RFC3339), ErrAlreadyRevoked)
		case StatusExpired:
			return fmt.Errorf("serial %s is expired: %w", e.Serial, ErrNotValid)
		}
		e.Status = StatusRevoked
		e.RevokedAt = at.UTC()
		e.Reason = reason
		return nil
	})
	if err != nil {
		return Entry{}, err
	}
	l.logger.Info("certificate revoked",
		"namespace", l.namespace, "serial", e.Serial.String(), "reason", string(reason))
	return e, nil
}

// MarkExpired moves a valid entry to Expired. Expiring an expired entry
// is a no-op; a revoked entry stays revoked and yields ErrNotValid.
func (l *Ledger) MarkExpired(ctx context.Context, n serial.Number) (Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.patch(ctx, n, "expire", func(e *Entry) error {
		switch e.Status {
		case StatusExpired:
			return errUnchanged
		case StatusRevoked:
			return fmt.Errorf("serial %s is revoked: %w", e.Serial, ErrNotValid)
		}
		e.Status = StatusExpired
		return nil
	})
}

// ExpireDue marks every valid entry whose NotAfter is before now as
// expired and returns their serials.
func (l *Ledger) ExpireDue(ctx context.Context, now time.Time) ([]serial.Number, error) {
	var due []serial.Number
	for e, err := range l.Scan(ctx) {
		if err != nil {
			return nil, err
		}
		if e.Status == StatusValid && e.IsExpired(now) {
			due = append(due, e.Serial)
		}
	}

	expired := make([]serial.Number, 0, len(due))
	for _, n := range due {
		e, err := l.MarkExpired(ctx, n)
		if errors.Is(err, ErrNotValid) {
			// Revoked since the scan.
			continue
		}
		if err != nil {
			return expired, err
		}
		if e.Status == StatusExpired {
			expired = append(expired, n)
		}
	}
	if len(expired) > 0 {
		l.logger.Info("certificates expired", "namespace", l.namespace, "count", len(expired))
	}
	return expired, nil
}
