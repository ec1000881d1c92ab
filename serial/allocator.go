// Package serial allocates certificate serial numbers.
//
// An Allocator hands out serials with a two-step reserve/commit protocol so
// that a slow or failing signer never burns part of the serial range. The
// state lives in a single CAS-versioned record:
//
//	next       next fresh value; every serial below it was reserved at least once
//	committed  highest committed serial
//	reserved   outstanding reservations (the recovery marker)
//	released   rolled-back serials below next, reissued lowest first
//
// Every serial below next that is neither reserved nor released is committed.
package serial

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/jmhodges/clock"

	"github.com/jmcleod/caledger/storage"
)

const (
	recordType = "allocator"
	recordID   = "state"
)

// DefaultRecoveryGrace is how old another instance's reservation must be
// before Recover rolls it back. It covers a signer call at its default
// timeout plus the bookkeeping after it; set a longer grace with
// WithRecoveryGrace when the signer timeout is raised.
const DefaultRecoveryGrace = 2 * time.Minute

// Reservation is an outstanding reserved serial.
type Reservation struct {
	Serial     Number    `json:"serial"`
	Owner      string    `json:"owner"`
	ReservedAt time.Time `json:"reserved_at"`
}

// State is a snapshot of the allocator record.
type State struct {
	Next      Number        `json:"next"`
	Committed Number        `json:"committed"`
	Reserved  []Reservation `json:"reserved,omitempty"`
	Released  []Number      `json:"released,omitempty"`
	// Version is the storage CAS version of the record.
	Version uint64 `json:"-"`
}

func (s *State) clone() *State {
	c := *s
	c.Reserved = slices.Clone(s.Reserved)
	c.Released = slices.Clone(s.Released)
	return &c
}

func (s *State) reservationIndex(n Number) int {
	return slices.IndexFunc(s.Reserved, func(r Reservation) bool { return r.Serial.Equal(n) })
}

func (s *State) releasedIndex(n Number) int {
	return slices.IndexFunc(s.Released, func(r Number) bool { return r.Equal(n) })
}

// Allocator hands out collision-free serial numbers backed by a
// storage.Repository. It is safe for concurrent use; separate processes
// sharing a store are serialized by CAS on the state record.
type Allocator struct {
	repo       storage.Repository
	namespace  string
	instanceID string
	start      Number
	grace      time.Duration
	clock      clock.Clock
	logger     *slog.Logger
	watermark  Watermark

	mu sync.Mutex
}

// Option configures an Allocator.
type Option func(*Allocator)

// WithStart sets the first serial handed out when Open creates the state.
// Default: 1.
func WithStart(n Number) Option {
	return func(a *Allocator) {
		a.start = n
	}
}

// WithRecoveryGrace sets how old another instance's reservation must be
// before Recover rolls it back. Zero is only safe when no other instance
// can be issuing. Default: DefaultRecoveryGrace.
func WithRecoveryGrace(d time.Duration) Option {
	return func(a *Allocator) {
		a.grace = d
	}
}

// WithClock sets the clock used to stamp reservations.
func WithClock(c clock.Clock) Option {
	return func(a *Allocator) {
		a.clock = c
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Allocator) {
		a.logger = l
	}
}

// WithWatermark sets the committed high-water guard.
func WithWatermark(w Watermark) Option {
	return func(a *Allocator) {
		a.watermark = w
	}
}

// WithInstanceID overrides the random owner id stamped on reservations.
func WithInstanceID(id string) Option {
	return func(a *Allocator) {
		a.instanceID = id
	}
}

// Bootstrap creates the allocator state for namespace with start as the
// first serial. It fails with ErrAlreadyBootstrapped if the state exists.
func Bootstrap(ctx context.Context, repo storage.Repository, namespace string, start Number) error {
	if start.IsZero() {
		start = New(1)
	}
	st := &State{Next: start}
	env, err := sealState(namespace, st, 1)
	if err != nil {
		return err
	}
	err = repo.PutCAS(ctx, namespace, recordType, recordID, 0, env)
	if errors.Is(err, storage.ErrCASFailed) {
		return ErrAlreadyBootstrapped
	}
	if err != nil {
		return fmt.Errorf("%w: bootstrap allocator: %w", ErrStorageUnavailable, err)
	}
	return nil
}

// Open returns an Allocator for namespace, creating the state at the
// WithStart value if it does not exist yet.
func Open(ctx context.Context, repo storage.Repository, namespace string, opts ...Option) (*Allocator, error) {
	a := &Allocator{
		repo:       repo,
		namespace:  namespace,
		instanceID: uuid.NewString(),
		start:      New(1),
		grace:      DefaultRecoveryGrace,
		clock:      clock.New(),
		logger:     slog.Default(),
		watermark:  NewMemoryWatermark(),
	}
	for _, opt := range opts {
		opt(a)
	}

	if _, err := a.load(ctx); errors.Is(err, storage.ErrNotFound) {
		if err := Bootstrap(ctx, repo, namespace, a.start); err != nil && !errors.Is(err, ErrAlreadyBootstrapped) {
			return nil, err
		}
		if _, err := a.load(ctx); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	}
	return a, nil
}

// InstanceID returns the owner id stamped on this allocator's reservations.
func (a *Allocator) InstanceID() string {
	return a.instanceID
}

// Namespace returns the ledger namespace the allocator serves.
func (a *Allocator) Namespace() string {
	return a.namespace
}

// State returns a snapshot of the persisted state.
func (a *Allocator) State(ctx context.Context) (*State, error) {
	st, err := a.load(ctx)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: allocator state missing", ErrStorageUnavailable)
	}
	return st, err
}

// ReserveNext reserves the lowest released serial, or the next fresh one.
// The reservation is durable before ReserveNext returns.
func (a *Allocator) ReserveNext(ctx context.Context) (Number, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var reserved Number
	err := a.update(ctx, func(st *State) error {
		if len(st.Released) > 0 {
			reserved = st.Released[0]
			st.Released = st.Released[1:]
		} else {
			reserved = st.Next
			st.Next = st.Next.Next()
		}
		st.Reserved = append(st.Reserved, Reservation{
			Serial:     reserved,
			Owner:      a.instanceID,
			ReservedAt: a.clock.Now().UTC(),
		})
		return nil
	})
	if err != nil {
		return Number{}, err
	}
	a.logger.Debug("serial reserved", "namespace", a.namespace, "serial", reserved.String())
	return reserved, nil
}

// Holds reports whether this instance still holds the reservation of n.
// It is false once recovery in another instance resolved it.
func (a *Allocator) Holds(ctx context.Context, n Number) (bool, error) {
	st, err := a.State(ctx)
	if err != nil {
		return false, err
	}
	i := st.reservationIndex(n)
	return i >= 0 && st.Reserved[i].Owner == a.instanceID, nil
}

// Commit marks a reserved serial as durably allocated. Committing an
// already committed serial is a no-op.
func (a *Allocator) Commit(ctx context.Context, n Number) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	err := a.update(ctx, func(st *State) error {
		return commitLocked(st, n)
	})
	if err != nil {
		return err
	}
	a.logger.Debug("serial committed", "namespace", a.namespace, "serial", n.String())
	return nil
}

// Rollback releases a reserved serial so it is handed out again.
func (a *Allocator) Rollback(ctx context.Context, n Number) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	err := a.update(ctx, func(st *State) error {
		return rollbackLocked(st, n)
	})
	if err != nil {
		return err
	}
	a.logger.Debug("serial rolled back", "namespace", a.namespace, "serial", n.String())
	return nil
}

// AdvanceTo raises next to at least n. It never lowers next, and released
// serials stay available for reuse.
func (a *Allocator) AdvanceTo(ctx context.Context, n Number) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.update(ctx, func(st *State) error {
		if !st.Next.Less(n) {
			return errNoChange
		}
		st.Next = n
		return nil
	})
}

// errNoChange tells update to skip the write.
var errNoChange = errors.New("no change")

func commitLocked(st *State, n Number) error {
	if i := st.reservationIndex(n); i >= 0 {
		st.Reserved = slices.Delete(st.Reserved, i, i+1)
		st.Committed = Max(st.Committed, n)
		return nil
	}
	if n.IsZero() || !n.Less(st.Next) || st.releasedIndex(n) >= 0 {
		return fmt.Errorf("commit %s: %w", n, ErrNotReserved)
	}
	return errNoChange
}

func rollbackLocked(st *State, n Number) error {
	i := st.reservationIndex(n)
	if i < 0 {
		if n.IsZero() || !n.Less(st.Next) || st.releasedIndex(n) >= 0 {
			return fmt.Errorf("rollback %s: %w", n, ErrNotReserved)
		}
		return fmt.Errorf("rollback %s: %w", n, ErrAlreadyCommitted)
	}
	st.Reserved = slices.Delete(st.Reserved, i, i+1)

	if n.Next().Equal(st.Next) {
		st.Next = n
		for {
			j := st.releasedIndex(st.Next.Prev())
			if j < 0 || st.Next.Prev().IsZero() {
				break
			}
			st.Released = slices.Delete(st.Released, j, j+1)
			st.Next = st.Next.Prev()
		}
		return nil
	}
	pos, _ := slices.BinarySearchFunc(st.Released, n, Number.Cmp)
	st.Released = slices.Insert(st.Released, pos, n)
	return nil
}

func stateAAD(namespace string) []byte {
	return storage.RecordAAD(namespace, recordType, recordID)
}

func sealState(namespace string, st *State, version uint64) (*storage.Envelope, error) {
	payload, err := json.Marshal(st)
	if err != nil {
		return nil, fmt.Errorf("encoding allocator state: %w", err)
	}
	return storage.SealRecord(payload, stateAAD(namespace), version)
}

// load reads the state record and checks it against the watermark.
// A missing record is returned as storage.ErrNotFound.
func (a *Allocator) load(ctx context.Context) (*State, error) {
	env, err := a.repo.Get(ctx, a.namespace, recordType, recordID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("%w: reading allocator state: %w", ErrStorageUnavailable, err)
	}
	payload, err := storage.OpenRecord(env, stateAAD(a.namespace))
	if err != nil {
		return nil, fmt.Errorf("%w: allocator state: %w", ErrStorageUnavailable, err)
	}
	var st State
	if err := json.Unmarshal(payload, &st); err != nil {
		return nil, fmt.Errorf("%w: decoding allocator state: %w", ErrStorageUnavailable, err)
	}
	st.Version = env.Version
	if st.Next.IsZero() {
		return nil, fmt.Errorf("%w: allocator state has no next serial", ErrStorageUnavailable)
	}
	if mark := a.watermark.MaxCommitted(a.namespace); st.Committed.Less(mark) {
		a.logger.Error("allocator rollback detected",
			"namespace", a.namespace,
			"committed", st.Committed.String(),
			"watermark", mark.String())
		return nil, fmt.Errorf("%w: %w", ErrStorageUnavailable, ErrRollbackDetected)
	}
	return &st, nil
}

func (a *Allocator) retryPolicy(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 5 * time.Millisecond
	b.MaxInterval = 200 * time.Millisecond
	b.MaxElapsedTime = 5 * time.Second
	return backoff.WithContext(b, ctx)
}

// update applies fn to a fresh copy of the state and writes it back with
// CAS, retrying on conflicts with another process. Errors from fn are final.
func (a *Allocator) update(ctx context.Context, fn func(st *State) error) error {
	var committed Number
	op := func() error {
		current, err := a.load(ctx)
		if errors.Is(err, storage.ErrNotFound) {
			return backoff.Permanent(fmt.Errorf("%w: allocator state missing", ErrStorageUnavailable))
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		next := current.clone()
		if err := fn(next); err != nil {
			return backoff.Permanent(err)
		}
		env, err := sealState(a.namespace, next, current.Version+1)
		if err != nil {
			return backoff.Permanent(err)
		}
		err = a.repo.PutCAS(ctx, a.namespace, recordType, recordID, current.Version, env)
		if errors.Is(err, storage.ErrCASFailed) {
			a.logger.Debug("allocator state changed concurrently, retrying", "namespace", a.namespace)
			return err
		}
		if err != nil {
			return backoff.Permanent(fmt.Errorf("%w: writing allocator state: %w", ErrStorageUnavailable, err))
		}
		committed = next.Committed
		return nil
	}

	err := backoff.Retry(op, a.retryPolicy(ctx))
	if errors.Is(err, errNoChange) {
		return nil
	}
	if errors.Is(err, storage.ErrCASFailed) {
		return fmt.Errorf("%w: allocator state contended: %w", ErrStorageUnavailable, err)
	}
	if err != nil {
		return err
	}

	if err := a.watermark.SetMaxCommitted(a.namespace, committed); err != nil {
		a.logger.Warn("updating serial watermark failed",
			"namespace", a.namespace, "committed", committed.String(), "error", err)
	}
	return nil
}
