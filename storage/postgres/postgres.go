// Package postgres implements storage.Repository backed by PostgreSQL.
//
// The records table uses a composite primary key (namespace, record_type,
// record_id) that mirrors the key space used by the BBolt and in-memory
// backends. Envelope fields are stored as individual columns so payloads
// and checksums use native BYTEA storage.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jmcleod/caledger/storage"
)

// Store implements storage.Repository backed by PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ storage.Repository = (*Store)(nil)

// NewRepository returns a Repository backed by the given pgx connection pool.
func NewRepository(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// NewRepositoryFromDSN creates a connection pool from a DSN string, ensures
// the schema exists, and returns a new Repository.
func NewRepositoryFromDSN(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensuring schema: %w", err)
	}
	return NewRepository(pool), nil
}

// Pool returns the underlying connection pool, for sharing with the
// serial watermark.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

const upsertSQL = `INSERT INTO records (namespace, record_type, record_id, ver, scheme, payload, checksum, version)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	ON CONFLICT (namespace, record_type, record_id)
	DO UPDATE SET ver = $4, scheme = $5, payload = $6, checksum = $7, version = $8`

// querier abstracts both *pgxpool.Pool and pgx.Tx for shared queries.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *Store) Put(ctx context.Context, namespace, recordType, recordID string, envelope *storage.Envelope) error {
	_, err := s.pool.Exec(ctx, upsertSQL,
		namespace, recordType, recordID,
		envelope.Ver, envelope.Scheme, envelope.Payload, envelope.Checksum, envelope.Version)
	return err
}

func (s *Store) Get(ctx context.Context, namespace, recordType, recordID string) (*storage.Envelope, error) {
	return getRecord(ctx, s.pool, namespace, recordType, recordID)
}

func (s *Store) List(ctx context.Context, namespace, recordType string) ([]string, error) {
	return listRecords(ctx, s.pool, namespace, recordType)
}

func (s *Store) PutCAS(ctx context.Context, namespace, recordType, recordID string, expectedVersion uint64, envelope *storage.Envelope) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(context.WithoutCancel(ctx)) //nolint:errcheck

	if err := putCASInTx(ctx, tx, namespace, recordType, recordID, expectedVersion, envelope); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *Store) Batch(ctx context.Context, namespace string, fn func(tx storage.BatchTx) error) error {
	pgTx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer pgTx.Rollback(context.WithoutCancel(ctx)) //nolint:errcheck

	btx := &pgBatchTx{ctx: ctx, tx: pgTx, namespace: namespace}
	if err := fn(btx); err != nil {
		return err
	}
	return pgTx.Commit(ctx)
}

// View runs fn in a read-only repeatable-read transaction so every read
// sees the same snapshot.
func (s *Store) View(ctx context.Context, namespace string, fn func(tx storage.ReadTx) error) error {
	pgTx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.RepeatableRead,
		AccessMode: pgx.ReadOnly,
	})
	if err != nil {
		return err
	}
	defer pgTx.Rollback(context.WithoutCancel(ctx)) //nolint:errcheck

	if err := fn(&pgReadTx{ctx: ctx, tx: pgTx, namespace: namespace}); err != nil {
		return err
	}
	return pgTx.Commit(ctx)
}

type pgReadTx struct {
	ctx       context.Context
	tx        pgx.Tx
	namespace string
}

func (rtx *pgReadTx) Get(recordType, recordID string) (*storage.Envelope, error) {
	return getRecord(rtx.ctx, rtx.tx, rtx.namespace, recordType, recordID)
}

func (rtx *pgReadTx) List(recordType string) ([]string, error) {
	return listRecords(rtx.ctx, rtx.tx, rtx.namespace, recordType)
}

type pgBatchTx struct {
	ctx       context.Context
	tx        pgx.Tx
	namespace string
}

var _ storage.BatchTx = (*pgBatchTx)(nil)

func (btx *pgBatchTx) Get(recordType, recordID string) (*storage.Envelope, error) {
	return getRecord(btx.ctx, btx.tx, btx.namespace, recordType, recordID)
}

func (btx *pgBatchTx) List(recordType string) ([]string, error) {
	return listRecords(btx.ctx, btx.tx, btx.namespace, recordType)
}

func (btx *pgBatchTx) Put(recordType, recordID string, envelope *storage.Envelope) error {
	_, err := btx.tx.Exec(btx.ctx, upsertSQL,
		btx.namespace, recordType, recordID,
		envelope.Ver, envelope.Scheme, envelope.Payload, envelope.Checksum, envelope.Version)
	return err
}

func (btx *pgBatchTx) PutCAS(recordType, recordID string, expectedVersion uint64, envelope *storage.Envelope) error {
	return putCASInTx(btx.ctx, btx.tx, btx.namespace, recordType, recordID, expectedVersion, envelope)
}

func getRecord(ctx context.Context, q querier, namespace, recordType, recordID string) (*storage.Envelope, error) {
	var env storage.Envelope
	err := q.QueryRow(ctx,
		`SELECT ver, scheme, payload, checksum, version
		 FROM records WHERE namespace = $1 AND record_type = $2 AND record_id = $3`,
		namespace, recordType, recordID).Scan(
		&env.Ver, &env.Scheme, &env.Payload, &env.Checksum, &env.Version)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%s/%s: %w", recordType, recordID, storage.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &env, nil
}

func listRecords(ctx context.Context, q querier, namespace, recordType string) ([]string, error) {
	rows, err := q.Query(ctx,
		`SELECT record_id FROM records WHERE namespace = $1 AND record_type = $2
		 ORDER BY record_id COLLATE "C"`,
		namespace, recordType)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

// putCASInTx performs a compare-and-swap put within an existing transaction.
// It is used by both the top-level PutCAS and the batch PutCAS methods.
func putCASInTx(ctx context.Context, tx pgx.Tx, namespace, recordType, recordID string, expectedVersion uint64, envelope *storage.Envelope) error {
	var currentVersion uint64
	err := tx.QueryRow(ctx,
		`SELECT version FROM records
		 WHERE namespace = $1 AND record_type = $2 AND record_id = $3
		 FOR UPDATE`,
		namespace, recordType, recordID).Scan(&currentVersion)

	if errors.Is(err, pgx.ErrNoRows) {
		if expectedVersion != 0 {
			return storage.ErrCASFailed
		}
		tag, err := tx.Exec(ctx,
			`INSERT INTO records (namespace, record_type, record_id, ver, scheme, payload, checksum, version)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			 ON CONFLICT (namespace, record_type, record_id) DO NOTHING`,
			namespace, recordType, recordID,
			envelope.Ver, envelope.Scheme, envelope.Payload, envelope.Checksum, envelope.Version)
		if err != nil {
			return err
		}
		// A concurrent creator won the race for the key.
		if tag.RowsAffected() == 0 {
			return storage.ErrCASFailed
		}
		return nil
	}
	if err != nil {
		return err
	}

	if expectedVersion == 0 || currentVersion != expectedVersion {
		return storage.ErrCASFailed
	}

	_, err = tx.Exec(ctx,
		`UPDATE records SET ver = $4, scheme = $5, payload = $6, checksum = $7, version = $8
		 WHERE namespace = $1 AND record_type = $2 AND record_id = $3`,
		namespace, recordType, recordID,
		envelope.Ver, envelope.Scheme, envelope.Payload, envelope.Checksum, envelope.Version)
	return err
}
