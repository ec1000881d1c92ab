package postgres

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/caledger/serial"
	"github.com/jmcleod/caledger/storage"
	"github.com/jmcleod/caledger/storage/storagetest"
)

func newTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dsn := os.Getenv("CALEDGER_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("CALEDGER_TEST_POSTGRES_DSN not set; skipping PostgreSQL tests")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("could not connect to postgres: %v", err)
	}
	if err := EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		t.Fatalf("could not ensure schema: %v", err)
	}
	return pool
}

func cleanTables(pool *pgxpool.Pool) {
	ctx := context.Background()
	pool.Exec(ctx, "DELETE FROM records")          //nolint:errcheck
	pool.Exec(ctx, "DELETE FROM serial_watermark") //nolint:errcheck
}

func TestPostgresStorage(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Repository {
		pool := newTestPool(t)
		cleanTables(pool)
		t.Cleanup(func() { cleanTables(pool) })
		// Close on the store closes the pool.
		return NewRepository(pool)
	})
}

func TestPostgresWatermark(t *testing.T) {
	pool := newTestPool(t)
	cleanTables(pool)
	defer func() {
		cleanTables(pool)
		pool.Close()
	}()
	ctx := context.Background()

	w, err := NewWatermark(ctx, pool)
	require.NoError(t, err)
	assert.True(t, w.MaxCommitted("ca").IsZero())

	require.NoError(t, w.SetMaxCommitted("ca", serial.New(10)))
	err = w.SetMaxCommitted("ca", serial.New(3))
	assert.True(t, errors.Is(err, serial.ErrRollbackDetected))

	// A fresh instance loads the persisted value, as after a restart.
	w2, err := NewWatermark(ctx, pool)
	require.NoError(t, err)
	assert.Equal(t, "0A", w2.MaxCommitted("ca").String())
}
