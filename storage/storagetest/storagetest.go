// Package storagetest provides a conformance suite that every
// storage.Repository backend runs from its own tests.
package storagetest

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/caledger/storage"
)

// Factory returns a fresh, empty repository. The suite closes it.
type Factory func(t *testing.T) storage.Repository

func sealed(t *testing.T, payload string, version uint64) *storage.Envelope {
	t.Helper()
	env, err := storage.SealRecord([]byte(payload), nil, version)
	require.NoError(t, err)
	return env
}

// Run exercises the Repository contract against repositories built by newRepo.
func Run(t *testing.T, newRepo Factory) {
	t.Run("PutGet", func(t *testing.T) {
		repo := newRepo(t)
		defer repo.Close()
		ctx := t.Context()

		env := sealed(t, "payload", 1)
		require.NoError(t, repo.Put(ctx, "ns", "entry", "01", env))

		got, err := repo.Get(ctx, "ns", "entry", "01")
		require.NoError(t, err)
		assert.Equal(t, env.Payload, got.Payload)
		assert.Equal(t, env.Checksum, got.Checksum)
		assert.Equal(t, uint64(1), got.Version)

		_, err = repo.Get(ctx, "ns", "entry", "02")
		assert.ErrorIs(t, err, storage.ErrNotFound)

		_, err = repo.Get(ctx, "other-ns", "entry", "01")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("ListSortedAndScoped", func(t *testing.T) {
		repo := newRepo(t)
		defer repo.Close()
		ctx := t.Context()

		for _, id := range []string{"0000000003", "0000000001", "0000000002"} {
			require.NoError(t, repo.Put(ctx, "ns", "order", id, sealed(t, id, 1)))
		}
		require.NoError(t, repo.Put(ctx, "ns", "entry", "01", sealed(t, "x", 1)))
		require.NoError(t, repo.Put(ctx, "ns2", "order", "0000000009", sealed(t, "y", 1)))

		ids, err := repo.List(ctx, "ns", "order")
		require.NoError(t, err)
		assert.Equal(t, []string{"0000000001", "0000000002", "0000000003"}, ids)

		ids, err = repo.List(ctx, "missing", "order")
		require.NoError(t, err)
		assert.Empty(t, ids)
	})

	t.Run("PutCAS", func(t *testing.T) {
		repo := newRepo(t)
		defer repo.Close()
		ctx := t.Context()

		require.NoError(t, repo.PutCAS(ctx, "ns", "state", "s", 0, sealed(t, "v1", 1)))
		assert.ErrorIs(t, repo.PutCAS(ctx, "ns", "state", "s", 0, sealed(t, "v1", 1)), storage.ErrCASFailed)
		assert.ErrorIs(t, repo.PutCAS(ctx, "ns", "state", "missing", 1, sealed(t, "v1", 1)), storage.ErrCASFailed)

		require.NoError(t, repo.PutCAS(ctx, "ns", "state", "s", 1, sealed(t, "v2", 2)))
		assert.ErrorIs(t, repo.PutCAS(ctx, "ns", "state", "s", 1, sealed(t, "v3", 3)), storage.ErrCASFailed)

		got, err := repo.Get(ctx, "ns", "state", "s")
		require.NoError(t, err)
		assert.Equal(t, uint64(2), got.Version)
		assert.Equal(t, []byte("v2"), got.Payload)
	})

	t.Run("BatchCommitsAtomically", func(t *testing.T) {
		repo := newRepo(t)
		defer repo.Close()
		ctx := t.Context()

		err := repo.Batch(ctx, "ns", func(tx storage.BatchTx) error {
			if err := tx.Put("entry", "01", sealed(t, "one", 1)); err != nil {
				return err
			}
			if err := tx.PutCAS("head", "chain", 0, sealed(t, "head", 1)); err != nil {
				return err
			}
			// Reads inside the batch observe its own writes.
			env, err := tx.Get("entry", "01")
			if err != nil {
				return err
			}
			if string(env.Payload) != "one" {
				return fmt.Errorf("unexpected payload %q", env.Payload)
			}
			ids, err := tx.List("entry")
			if err != nil {
				return err
			}
			if len(ids) != 1 {
				return fmt.Errorf("expected one entry, got %v", ids)
			}
			return nil
		})
		require.NoError(t, err)

		_, err = repo.Get(ctx, "ns", "head", "chain")
		assert.NoError(t, err)
	})

	t.Run("BatchRollsBackOnError", func(t *testing.T) {
		repo := newRepo(t)
		defer repo.Close()
		ctx := t.Context()

		require.NoError(t, repo.Put(ctx, "ns", "entry", "01", sealed(t, "original", 1)))

		boom := errors.New("simulated error")
		err := repo.Batch(ctx, "ns", func(tx storage.BatchTx) error {
			if err := tx.Put("entry", "01", sealed(t, "changed", 2)); err != nil {
				return err
			}
			if err := tx.Put("entry", "02", sealed(t, "new", 1)); err != nil {
				return err
			}
			return boom
		})
		assert.ErrorIs(t, err, boom)

		got, err := repo.Get(ctx, "ns", "entry", "01")
		require.NoError(t, err)
		assert.Equal(t, []byte("original"), got.Payload)

		_, err = repo.Get(ctx, "ns", "entry", "02")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("BatchCASFailureRollsBack", func(t *testing.T) {
		repo := newRepo(t)
		defer repo.Close()
		ctx := t.Context()

		require.NoError(t, repo.Put(ctx, "ns", "entry", "01", sealed(t, "taken", 1)))
		err := repo.Batch(ctx, "ns", func(tx storage.BatchTx) error {
			if err := tx.Put("order", "0000000001", sealed(t, "01", 1)); err != nil {
				return err
			}
			return tx.PutCAS("entry", "01", 0, sealed(t, "dup", 1))
		})
		assert.ErrorIs(t, err, storage.ErrCASFailed)

		ids, err := repo.List(ctx, "ns", "order")
		require.NoError(t, err)
		assert.Empty(t, ids)
	})

	t.Run("View", func(t *testing.T) {
		repo := newRepo(t)
		defer repo.Close()
		ctx := t.Context()

		require.NoError(t, repo.Put(ctx, "ns", "entry", "01", sealed(t, "one", 1)))
		require.NoError(t, repo.Put(ctx, "ns", "entry", "02", sealed(t, "two", 1)))

		var payloads []string
		err := repo.View(ctx, "ns", func(tx storage.ReadTx) error {
			ids, err := tx.List("entry")
			if err != nil {
				return err
			}
			for _, id := range ids {
				env, err := tx.Get("entry", id)
				if err != nil {
					return err
				}
				payloads = append(payloads, string(env.Payload))
			}
			_, err = tx.Get("entry", "03")
			if !errors.Is(err, storage.ErrNotFound) {
				return fmt.Errorf("expected ErrNotFound, got %v", err)
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"one", "two"}, payloads)

		err = repo.View(ctx, "empty-ns", func(tx storage.ReadTx) error {
			ids, err := tx.List("entry")
			if err != nil {
				return err
			}
			if len(ids) != 0 {
				return fmt.Errorf("expected no ids, got %v", ids)
			}
			return nil
		})
		assert.NoError(t, err)
	})

	t.Run("ConcurrentCASIncrements", func(t *testing.T) {
		repo := newRepo(t)
		defer repo.Close()
		ctx := t.Context()

		require.NoError(t, repo.PutCAS(ctx, "ns", "counter", "c", 0, sealed(t, "0", 1)))

		const workers = 8
		const perWorker = 5
		var wg sync.WaitGroup
		errs := make(chan error, workers)
		for range workers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for done := 0; done < perWorker; {
					err := repo.Batch(ctx, "ns", func(tx storage.BatchTx) error {
						cur, err := tx.Get("counter", "c")
						if err != nil {
							return err
						}
						next, err := storage.SealRecord([]byte("n"), nil, cur.Version+1)
						if err != nil {
							return err
						}
						return tx.PutCAS("counter", "c", cur.Version, next)
					})
					if errors.Is(err, storage.ErrCASFailed) {
						continue
					}
					if err != nil {
						errs <- err
						return
					}
					done++
				}
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}

		got, err := repo.Get(ctx, "ns", "counter", "c")
		require.NoError(t, err)
		assert.Equal(t, uint64(1+workers*perWorker), got.Version)
	})
}
