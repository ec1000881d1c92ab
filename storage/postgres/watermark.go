package postgres

import (
	"context"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jmcleod/caledger/serial"
)

// Watermark implements serial.Watermark backed by PostgreSQL.
//
// It uses a write-through cache: reads come from an in-memory map,
// writes persist to PostgreSQL and then update the map. This mirrors
// serial.BoltWatermark. Point it at a different database from the
// records table, or it is restored together with the state it guards.
type Watermark struct {
	pool  *pgxpool.Pool
	mu    sync.RWMutex
	cache map[string]serial.Number
}

var _ serial.Watermark = (*Watermark)(nil)

// NewWatermark returns a persistent watermark backed by PostgreSQL.
// It loads all existing entries into memory on initialisation.
func NewWatermark(ctx context.Context, pool *pgxpool.Pool) (*Watermark, error) {
	w := &Watermark{
		pool:  pool,
		cache: make(map[string]serial.Number),
	}

	rows, err := pool.Query(ctx, `SELECT namespace, max_committed FROM serial_watermark`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var namespace, text string
		if err := rows.Scan(&namespace, &text); err != nil {
			return nil, err
		}
		n, err := serial.Parse(text)
		if err != nil {
			return nil, err
		}
		w.cache[namespace] = n
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return w, nil
}

// MaxCommitted returns the highest committed serial seen for a namespace.
func (w *Watermark) MaxCommitted(namespace string) serial.Number {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.cache[namespace]
}

// SetMaxCommitted persists the new high-water mark for a namespace. It
// returns serial.ErrRollbackDetected if n is below the stored value.
func (w *Watermark) SetMaxCommitted(namespace string, n serial.Number) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if n.Less(w.cache[namespace]) {
		return serial.ErrRollbackDetected
	}

	_, err := w.pool.Exec(context.Background(),
		`INSERT INTO serial_watermark (namespace, max_committed) VALUES ($1, $2)
		 ON CONFLICT (namespace) DO UPDATE SET max_committed = $2`,
		namespace, n.String())
	if err != nil {
		return err
	}

	w.cache[namespace] = n
	return nil
}
