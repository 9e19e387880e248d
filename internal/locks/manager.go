// Package locks implements the Resource Lock Manager: mutually exclusive,
// auto-releasing advisory locks over named resources (e.g. "deploy:prod"),
// backed by Postgres session-scoped advisory locks so a crashed holder's
// locks disappear with its connection rather than leaking forever.
package locks

import (
	"context"
	"errors"
	"hash/crc64"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/devflow/orchestrator/internal/orchestrator"
)

var crcTable = crc64.MakeTable(crc64.ISO)

func resourceKey(resourceID string) int64 {
	return int64(crc64.Checksum([]byte(resourceID), crcTable))
}

// Handle is returned by Acquire and must be passed to Release.
type Handle struct {
	resourceID string
	conn       *pgxpool.Conn
	cancel     context.CancelFunc
}

// ResourceID returns the resource this handle holds a lock over.
func (h *Handle) ResourceID() string { return h.resourceID }

// Manager is the Postgres-backed Resource Lock Manager described in spec
// §4.3. Each held lock pins one pooled connection for the lifetime of the
// lock (Postgres advisory locks are session-scoped); a background sweeper
// clears bookkeeping rows left behind by holders whose process crashed
// before releasing.
type Manager struct {
	pool       *pgxpool.Pool
	defaultTTL time.Duration

	mu     sync.Mutex
	held   map[string]*Handle
	sweepStop context.CancelFunc
}

// NewManager constructs a Manager over pool and starts its background
// sweeper, which reclaims expired lock rows every sweepInterval.
func NewManager(pool *pgxpool.Pool, defaultTTL time.Duration, sweepInterval time.Duration) *Manager {
	if defaultTTL <= 0 {
		defaultTTL = 30 * time.Second
	}
	if sweepInterval <= 0 {
		sweepInterval = 10 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		pool:       pool,
		defaultTTL: defaultTTL,
		held:       make(map[string]*Handle),
		sweepStop:  cancel,
	}
	go m.sweepLoop(ctx, sweepInterval)
	return m
}

// Close stops the sweeper. Held locks are not released; callers must
// Release explicitly or let the holder's connection close.
func (m *Manager) Close() {
	m.sweepStop()
}

// Acquire claims resourceID for holder (a workflow id). If waitTimeout is
// zero, Acquire fails immediately with orchestrator.ErrLockContended when
// the resource is already held; otherwise it polls until waitTimeout
// elapses or ctx is cancelled. The lock auto-expires after ttl (the
// manager's default if ttl <= 0) unless released first.
func (m *Manager) Acquire(ctx context.Context, resourceID, holder string, ttl, waitTimeout time.Duration) (*Handle, error) {
	if ttl <= 0 {
		ttl = m.defaultTTL
	}

	conn, err := m.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}

	key := resourceKey(resourceID)
	deadline := time.Now().Add(waitTimeout)
	pollCtx := ctx

	for {
		var gotLock bool
		row := conn.QueryRow(pollCtx, "SELECT pg_try_advisory_lock($1)", key)
		if err := row.Scan(&gotLock); err != nil {
			conn.Release()
			return nil, err
		}
		if gotLock {
			break
		}
		if waitTimeout <= 0 {
			conn.Release()
			return nil, orchestrator.ErrLockContended
		}
		if time.Now().After(deadline) {
			conn.Release()
			return nil, orchestrator.ErrLockContended
		}
		select {
		case <-pollCtx.Done():
			conn.Release()
			return nil, pollCtx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}

	now := time.Now()
	expiresAt := now.Add(ttl)
	_, err = conn.Exec(ctx, `
		INSERT INTO resource_locks (resource_id, holder, acquired_at, expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (resource_id) DO UPDATE
		SET holder = EXCLUDED.holder, acquired_at = EXCLUDED.acquired_at, expires_at = EXCLUDED.expires_at`,
		resourceID, holder, now, expiresAt)
	if err != nil {
		_, _ = conn.Exec(ctx, "SELECT pg_advisory_unlock($1)", key)
		conn.Release()
		return nil, err
	}

	lockCtx, cancel := context.WithCancel(context.Background())
	handle := &Handle{resourceID: resourceID, conn: conn, cancel: cancel}

	m.mu.Lock()
	m.held[resourceID] = handle
	m.mu.Unlock()

	go m.autoExpire(lockCtx, handle, ttl)

	return handle, nil
}

func (m *Manager) autoExpire(ctx context.Context, h *Handle, ttl time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(ttl):
		_ = m.Release(context.Background(), h)
	}
}

// Release gives up the lock held by handle, unlocking it in Postgres,
// removing its bookkeeping row, and returning the connection to the pool.
func (m *Manager) Release(ctx context.Context, handle *Handle) error {
	if handle == nil {
		return nil
	}
	handle.cancel()

	m.mu.Lock()
	delete(m.held, handle.resourceID)
	m.mu.Unlock()

	defer handle.conn.Release()

	key := resourceKey(handle.resourceID)
	if _, err := handle.conn.Exec(ctx, "DELETE FROM resource_locks WHERE resource_id = $1", handle.resourceID); err != nil {
		return err
	}
	var unlocked bool
	row := handle.conn.QueryRow(ctx, "SELECT pg_advisory_unlock($1)", key)
	return row.Scan(&unlocked)
}

// IsLocked reports whether resourceID currently has a live (non-expired)
// bookkeeping row.
func (m *Manager) IsLocked(ctx context.Context, resourceID string) (bool, error) {
	var count int
	row := m.pool.QueryRow(ctx, "SELECT count(*) FROM resource_locks WHERE resource_id = $1 AND expires_at > now()", resourceID)
	if err := row.Scan(&count); err != nil {
		return false, err
	}
	return count > 0, nil
}

// ErrSweeperStopped names the sweeper having stopped. No function in this
// package returns it: sweepLoop simply returns when its context ends.
var ErrSweeperStopped = errors.New("lock sweeper stopped")

func (m *Manager) sweepLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = m.pool.Exec(ctx, "DELETE FROM resource_locks WHERE expires_at <= now()")
		}
	}
}
