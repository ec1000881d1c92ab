// Package sqlite implements storage.Repository backed by a SQLite file.
//
// The database runs in WAL mode with synchronous=FULL so a committed
// transaction survives power loss, and with a single open connection:
// SQLite has one writer at a time and read transactions see a WAL snapshot.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/jmcleod/caledger/storage"
)

const schema = `CREATE TABLE IF NOT EXISTS records (
	namespace   TEXT    NOT NULL,
	record_type TEXT    NOT NULL,
	record_id   TEXT    NOT NULL,
	ver         INTEGER NOT NULL,
	scheme      TEXT    NOT NULL,
	payload     BLOB    NOT NULL,
	checksum    BLOB    NOT NULL,
	version     INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (namespace, record_type, record_id)
) WITHOUT ROWID`

// Store implements storage.Repository backed by SQLite.
type Store struct {
	db *sql.DB
}

var _ storage.Repository = (*Store)(nil)

// Open opens (creating if needed) the SQLite database at path and ensures
// the schema exists.
func Open(ctx context.Context, path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_synchronous=FULL&_busy_timeout=5000&_txlock=immediate", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func getRecord(ctx context.Context, q queryer, namespace, recordType, recordID string) (*storage.Envelope, error) {
	var env storage.Envelope
	var version int64
	err := q.QueryRowContext(ctx,
		`SELECT ver, scheme, payload, checksum, version FROM records
		 WHERE namespace = ? AND record_type = ? AND record_id = ?`,
		namespace, recordType, recordID).Scan(&env.Ver, &env.Scheme, &env.Payload, &env.Checksum, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s/%s: %w", recordType, recordID, storage.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	env.Version = uint64(version)
	return &env, nil
}

func listRecords(ctx context.Context, q queryer, namespace, recordType string) ([]string, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT record_id FROM records WHERE namespace = ? AND record_type = ? ORDER BY record_id`,
		namespace, recordType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func putRecord(ctx context.Context, q queryer, namespace, recordType, recordID string, env *storage.Envelope) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO records (namespace, record_type, record_id, ver, scheme, payload, checksum, version)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (namespace, record_type, record_id)
		 DO UPDATE SET ver = excluded.ver, scheme = excluded.scheme, payload = excluded.payload,
		               checksum = excluded.checksum, version = excluded.version`,
		namespace, recordType, recordID, env.Ver, env.Scheme, env.Payload, env.Checksum, int64(env.Version))
	return err
}

func putCASRecord(ctx context.Context, q queryer, namespace, recordType, recordID string, expectedVersion uint64, env *storage.Envelope) error {
	var current int64
	err := q.QueryRowContext(ctx,
		`SELECT version FROM records WHERE namespace = ? AND record_type = ? AND record_id = ?`,
		namespace, recordType, recordID).Scan(&current)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if expectedVersion != 0 {
			return storage.ErrCASFailed
		}
	case err != nil:
		return err
	default:
		if expectedVersion == 0 || uint64(current) != expectedVersion {
			return storage.ErrCASFailed
		}
	}
	return putRecord(ctx, q, namespace, recordType, recordID, env)
}

func (s *Store) Put(ctx context.Context, namespace, recordType, recordID string, envelope *storage.Envelope) error {
	return putRecord(ctx, s.db, namespace, recordType, recordID, envelope)
}

func (s *Store) Get(ctx context.Context, namespace, recordType, recordID string) (*storage.Envelope, error) {
	return getRecord(ctx, s.db, namespace, recordType, recordID)
}

func (s *Store) List(ctx context.Context, namespace, recordType string) ([]string, error) {
	return listRecords(ctx, s.db, namespace, recordType)
}

func (s *Store) PutCAS(ctx context.Context, namespace, recordType, recordID string, expectedVersion uint64, envelope *storage.Envelope) error {
	return s.Batch(ctx, namespace, func(tx storage.BatchTx) error {
		return tx.PutCAS(recordType, recordID, expectedVersion, envelope)
	})
}

func (s *Store) Batch(ctx context.Context, namespace string, fn func(tx storage.BatchTx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	if err := fn(&sqliteTx{ctx: ctx, tx: tx, namespace: namespace}); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) View(ctx context.Context, namespace string, fn func(tx storage.ReadTx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	return fn(&sqliteTx{ctx: ctx, tx: tx, namespace: namespace})
}

type sqliteTx struct {
	ctx       context.Context
	tx        *sql.Tx
	namespace string
}

var _ storage.BatchTx = (*sqliteTx)(nil)

func (t *sqliteTx) Get(recordType, recordID string) (*storage.Envelope, error) {
	return getRecord(t.ctx, t.tx, t.namespace, recordType, recordID)
}

func (t *sqliteTx) List(recordType string) ([]string, error) {
	return listRecords(t.ctx, t.tx, t.namespace, recordType)
}

func (t *sqliteTx) Put(recordType, recordID string, envelope *storage.Envelope) error {
	return putRecord(t.ctx, t.tx, t.namespace, recordType, recordID, envelope)
}

func (t *sqliteTx) PutCAS(recordType, recordID string, expectedVersion uint64, envelope *storage.Envelope) error {
	return putCASRecord(t.ctx, t.tx, t.namespace, recordType, recordID, expectedVersion, envelope)
}
