package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.etcd.io/bbolt"

	"github.com/jmcleod/caledger/internal/config"
	"github.com/jmcleod/caledger/issuance"
	"github.com/jmcleod/caledger/ledger"
	"github.com/jmcleod/caledger/serial"
	"github.com/jmcleod/caledger/storage"
	bboltstorage "github.com/jmcleod/caledger/storage/bbolt"
	"github.com/jmcleod/caledger/storage/memory"
	"github.com/jmcleod/caledger/storage/postgres"
	"github.com/jmcleod/caledger/storage/sqlite"
)

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// store is an opened storage backend plus the committed high-water
// watermark that guards it. A nil watermark leaves the allocator on its
// in-memory default.
type store struct {
	repo      storage.Repository
	watermark serial.Watermark
	closers   []io.Closer
}

func (s *store) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = append(errs, s.closers[i].Close())
	}
	return errors.Join(errs...)
}

func openStore(ctx context.Context, sc config.StorageConfig) (_ *store, err error) {
	s := &store{}
	defer func() {
		if err != nil {
			s.Close()
		}
	}()

	switch sc.Backend {
	case config.BackendMemory:
		s.repo = memory.NewRepository()

	case config.BackendBBolt:
		if err := ensureParentDir(sc.Path); err != nil {
			return nil, err
		}
		repo, err := bboltstorage.NewRepositoryFromFile(sc.Path, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to open ledger storage: %w", err)
		}
		s.repo = repo
		s.closers = append(s.closers, repo)

	case config.BackendSQLite:
		if err := ensureParentDir(sc.Path); err != nil {
			return nil, err
		}
		repo, err := sqlite.Open(ctx, sc.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open ledger storage: %w", err)
		}
		s.repo = repo
		s.closers = append(s.closers, repo)

	case config.BackendPostgres:
		repo, err := postgres.NewRepositoryFromDSN(ctx, sc.DSN)
		if err != nil {
			return nil, fmt.Errorf("failed to open ledger storage: %w", err)
		}
		s.repo = repo
		s.closers = append(s.closers, repo)

	default:
		return nil, fmt.Errorf("unknown storage backend %q", sc.Backend)
	}

	switch {
	case sc.WatermarkPath != "":
		if err := ensureParentDir(sc.WatermarkPath); err != nil {
			return nil, err
		}
		wm, err := serial.NewBoltWatermarkFromFile(sc.WatermarkPath, &bbolt.Options{Timeout: bboltstorage.DefaultOpenTimeout})
		if err != nil {
			return nil, fmt.Errorf("failed to open serial watermark: %w", err)
		}
		s.watermark = wm
		s.closers = append(s.closers, wm)

	case sc.Backend == config.BackendPostgres && sc.WatermarkDSN != "":
		pool, err := pgxpool.New(ctx, sc.WatermarkDSN)
		if err != nil {
			return nil, fmt.Errorf("connecting to watermark database: %w", err)
		}
		s.closers = append(s.closers, closerFunc(func() error { pool.Close(); return nil }))
		if err := postgres.EnsureSchema(ctx, pool); err != nil {
			return nil, fmt.Errorf("ensuring watermark schema: %w", err)
		}
		wm, err := postgres.NewWatermark(ctx, pool)
		if err != nil {
			return nil, fmt.Errorf("failed to open serial watermark: %w", err)
		}
		s.watermark = wm
	}
	return s, nil
}

func ensureParentDir(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	return nil
}

// caEnv is an opened CA: store, allocator and ledger for one namespace.
type caEnv struct {
	*store
	cfg    *config.Config
	logger *slog.Logger
	alloc  *serial.Allocator
	ledger *ledger.Ledger
}

func openEnv(ctx context.Context, c *config.Config, l *slog.Logger) (_ *caEnv, err error) {
	s, err := openStore(ctx, c.Storage)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			s.Close()
		}
	}()

	start, err := c.StartSerial()
	if err != nil {
		return nil, err
	}
	opts := []serial.Option{
		serial.WithStart(start),
		serial.WithRecoveryGrace(c.Serial.RecoveryGrace.Std()),
		serial.WithLogger(l),
	}
	if s.watermark != nil {
		opts = append(opts, serial.WithWatermark(s.watermark))
	}
	alloc, err := serial.Open(ctx, s.repo, c.Ledger.Namespace, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to open serial allocator: %w", err)
	}
	lg, err := ledger.Open(s.repo, c.Ledger.Namespace, ledger.WithLogger(l))
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}
	return &caEnv{store: s, cfg: c, logger: l, alloc: alloc, ledger: lg}, nil
}

// recover resolves reservations orphaned by an earlier crash through an
// issuance coordinator, so the outcome lands in its recovery metrics.
// Commands that change the allocator or the ledger run it first.
func (e *caEnv) recover(ctx context.Context, opts ...issuance.Option) (*serial.RecoveryReport, error) {
	opts = append([]issuance.Option{issuance.WithLogger(e.logger)}, opts...)
	return e.recoverWith(ctx, issuance.New(e.alloc, e.ledger, nil, opts...))
}

func (e *caEnv) recoverWith(ctx context.Context, coord *issuance.Coordinator) (*serial.RecoveryReport, error) {
	report, err := coord.Recover(ctx)
	if err != nil {
		return nil, fmt.Errorf("recovery failed: %w", err)
	}
	return report, nil
}
