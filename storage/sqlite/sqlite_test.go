package sqlite

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/caledger/storage"
	"github.com/jmcleod/caledger/storage/storagetest"
)

func TestSQLiteStorage(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Repository {
		s, err := Open(t.Context(), filepath.Join(t.TempDir(), "ledger.sqlite"))
		require.NoError(t, err)
		return s
	})
}

func TestSQLitePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.sqlite")
	ctx := t.Context()

	s, err := Open(ctx, path)
	require.NoError(t, err)
	env, err := storage.SealRecord([]byte("entry"), nil, 1)
	require.NoError(t, err)
	require.NoError(t, s.PutCAS(ctx, "ca", "entry", "01", 0, env))
	require.NoError(t, s.Close())

	s, err = Open(ctx, path)
	require.NoError(t, err)
	defer s.Close()

	got, err := s.Get(ctx, "ca", "entry", "01")
	require.NoError(t, err)
	assert.Equal(t, []byte("entry"), got.Payload)
	assert.Equal(t, uint64(1), got.Version)
}
