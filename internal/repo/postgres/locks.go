package postgres

import (
	"context"
	"hash/crc32"

	"github.com/jackc/pgx/v5/pgxpool"
)

// HostLocks provides per-host mutual exclusion across processes using
// Postgres session-scoped advisory locks. The key is CRC32 of the host id
// string; a key collision only serializes two unrelated hosts (probability
// ~2^-32 per pair), it never corrupts state.
//
// Each lock pins one pooled connection for its lifetime. That is what makes
// the lock crash-safe: if the process dies, the database releases the lock
// when the session goes away.
type HostLocks struct {
	pool *pgxpool.Pool
}

func NewHostLocks(pool *pgxpool.Pool) *HostLocks {
	return &HostLocks{pool: pool}
}

func hostLockKey(hostID string) int64 {
	return int64(crc32.ChecksumIEEE([]byte(hostID)))
}

// HostLock is a held advisory lock. Release returns the connection to the
// pool; callers must release on every exit path.
type HostLock struct {
	conn *pgxpool.Conn
	key  int64
}

// TryAcquire attempts the non-blocking advisory lock for the host. ok=false
// means another runner holds it; the caller retries with backoff.
func (l *HostLocks) TryAcquire(ctx context.Context, hostID string) (lock *HostLock, ok bool, err error) {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return nil, false, err
	}

	key := hostLockKey(hostID)

	var got bool

	err = conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, key).Scan(&got)

	if err != nil {
		conn.Release()
		return nil, false, err
	}

	if !got {
		conn.Release()
		return nil, false, nil
	}

	return &HostLock{conn: conn, key: key}, true, nil
}

func (h *HostLock) Release(ctx context.Context) {
	_, _ = h.conn.Exec(ctx, `SELECT pg_advisory_unlock($1)`, h.key)
	h.conn.Release()
}
