// Package storage provides the storage abstraction layer for ledger and
// allocator records. Records live in a namespace (one per CA ledger), are
// addressed by record type and record ID, and are wrapped in checksummed
// Envelopes.
package storage

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrCASFailed is returned when a compare-and-swap version check fails.
	ErrCASFailed = errors.New("CAS version mismatch")

	// ErrCorrupt is returned when a record fails its integrity check.
	ErrCorrupt = errors.New("record corrupt")

	// ErrUnavailable marks failures of the backing store itself: it could
	// not be opened, read, locked or written, or it returned corrupt data.
	// Callers should retry the whole request later.
	ErrUnavailable = errors.New("storage unavailable")
)

// ReadTx provides consistent reads within a single transaction.
// The namespace is scoped to the transaction, so methods don't require it.
type ReadTx interface {
	Get(recordType string, recordID string) (*Envelope, error)
	// List returns the record IDs of the given type in ascending byte order.
	List(recordType string) ([]string, error)
}

// BatchTx provides reads plus Put and PutCAS within an atomic transaction.
type BatchTx interface {
	ReadTx
	Put(recordType string, recordID string, envelope *Envelope) error
	PutCAS(recordType string, recordID string, expectedVersion uint64, envelope *Envelope) error
}

// Repository defines the interface for record storage.
//
// Batch runs fn in a single writer transaction: either every write made
// through the BatchTx is durable when Batch returns nil, or none is.
// View runs fn against a read snapshot.
type Repository interface {
	Put(ctx context.Context, namespace string, recordType string, recordID string, envelope *Envelope) error
	Get(ctx context.Context, namespace string, recordType string, recordID string) (*Envelope, error)
	List(ctx context.Context, namespace string, recordType string) ([]string, error)
	PutCAS(ctx context.Context, namespace string, recordType string, recordID string, expectedVersion uint64, envelope *Envelope) error
	Batch(ctx context.Context, namespace string, fn func(tx BatchTx) error) error
	View(ctx context.Context, namespace string, fn func(tx ReadTx) error) error
	Close() error
}

// IsUnavailable reports whether err is a backend failure rather than one of
// the record-level outcomes (not found, CAS conflict).
func IsUnavailable(err error) bool {
	if err == nil {
		return false
	}
	return !errors.Is(err, ErrNotFound) && !errors.Is(err, ErrCASFailed)
}
