package lease

import (
	"context"
	"hash/fnv"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PG is a PostgreSQL-backed lease manager using advisory locks, so exclusion
// holds across processes sharing the database.
type PG struct {
	pool *pgxpool.Pool
}

// NewPG constructs a PostgreSQL-backed lease manager.
func NewPG(pool *pgxpool.Pool) *PG {
	return &PG{pool: pool}
}

// lockKey folds a repository identity into the 64-bit advisory lock space.
func lockKey(source, externalID string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(source))
	_, _ = h.Write([]byte{'/'})
	_, _ = h.Write([]byte(externalID))
	return int64(h.Sum64())
}

// Acquire takes a session advisory lock on a dedicated connection. The lock
// lives until release is called or the connection drops, so a crashed holder
// cannot leave the repository locked forever.
func (l *PG) Acquire(ctx context.Context, source, externalID string) (func(), bool, error) {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return nil, false, err
	}

	key := lockKey(source, externalID)
	var locked bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, key).Scan(&locked); err != nil {
		conn.Release()
		return nil, false, err
	}
	if !locked {
		conn.Release()
		return nil, false, nil
	}

	release := func() {
		// Unlock on the same session; background context so release still
		// works when the pass context is already cancelled.
		_, _ = conn.Exec(context.Background(), `SELECT pg_advisory_unlock($1)`, key)
		conn.Release()
	}
	return release, true, nil
}
