// Package ippool manages time-bounded exclusive leases on finite sets of
// addresses. Leases expire rather than relying solely on explicit release:
// a NAS can crash or drop its Stop packet, so expiry is the correctness
// backstop and release is the fast path.
package ippool

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/codelaboratoryltd/radacct/pkg/store"
)

// Allocator hands out leases from provisioned pools. All mutation of a pool
// is serialized by a per-pool mutex so that concurrent Allocate calls racing
// for the last free address cannot double-lease; the store's conditional
// writes back this up when the store is shared between processes.
type Allocator struct {
	store  store.PoolStore
	logger *zap.Logger

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	// Clock, swappable in tests.
	now func() time.Time

	// Statistics
	allocations     uint64
	exhaustions     uint64
	renewals        uint64
	leaseMismatches uint64
	releases        uint64
	releaseNoops    uint64
	reclaimed       uint64
}

// NewAllocator creates an allocator over the given pool store.
func NewAllocator(ps store.PoolStore, logger *zap.Logger) *Allocator {
	return &Allocator{
		store:  ps,
		logger: logger,
		locks:  make(map[string]*sync.Mutex),
		now:    time.Now,
	}
}

// Allocate leases the lowest-numbered free or reclaimable address in the
// pool to the session. The deterministic pick order aids testing and makes
// address churn visible in debugging. Re-delivery of a Start for a session
// that already holds an address returns the same address.
func (a *Allocator) Allocate(ctx context.Context, pool, sessionUniqueID string, leaseDuration time.Duration) (netip.Addr, error) {
	lock := a.poolLock(pool)
	lock.Lock()
	defer lock.Unlock()

	entries, err := a.store.Entries(ctx, pool)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return netip.Addr{}, fmt.Errorf("%w: %s", ErrUnknownPool, pool)
		}
		return netip.Addr{}, fmt.Errorf("listing pool %s: %w", pool, err)
	}

	now := a.now()
	expiresAt := now.Add(leaseDuration)

	// Entries arrive ordered by address; the first claimable one wins.
	for _, e := range entries {
		if e.Owner == sessionUniqueID {
			// Duplicate Start; refresh the lease and hand back the
			// address the session already holds.
			if err := a.store.Renew(ctx, pool, e.Address, sessionUniqueID, expiresAt); err != nil {
				return netip.Addr{}, fmt.Errorf("refreshing existing lease: %w", err)
			}
			return e.Address, nil
		}
		if e.Leased() && !e.Expired(now) {
			continue
		}
		err := a.store.Lease(ctx, pool, e.Address, sessionUniqueID, now, expiresAt)
		if errors.Is(err, store.ErrConflict) {
			continue // raced with another allocator instance
		}
		if err != nil {
			return netip.Addr{}, fmt.Errorf("leasing %s from pool %s: %w", e.Address, pool, err)
		}
		atomic.AddUint64(&a.allocations, 1)
		a.logger.Debug("Address leased",
			zap.String("pool", pool),
			zap.String("address", e.Address.String()),
			zap.String("session", sessionUniqueID),
			zap.Time("expires_at", expiresAt),
		)
		return e.Address, nil
	}

	atomic.AddUint64(&a.exhaustions, 1)
	a.logger.Warn("Pool exhausted",
		zap.String("pool", pool),
		zap.String("session", sessionUniqueID),
		zap.Int("size", len(entries)),
	)
	return netip.Addr{}, fmt.Errorf("%w: %s", ErrPoolExhausted, pool)
}

// Renew extends the session's lease on an address. A stale or duplicate NAS
// report naming an address now held by another session fails with
// ErrLeaseMismatch.
func (a *Allocator) Renew(ctx context.Context, pool string, addr netip.Addr, sessionUniqueID string, leaseDuration time.Duration) error {
	lock := a.poolLock(pool)
	lock.Lock()
	defer lock.Unlock()

	err := a.store.Renew(ctx, pool, addr, sessionUniqueID, a.now().Add(leaseDuration))
	switch {
	case errors.Is(err, store.ErrConflict):
		atomic.AddUint64(&a.leaseMismatches, 1)
		a.logger.Warn("Lease renew rejected, owner mismatch",
			zap.String("pool", pool),
			zap.String("address", addr.String()),
			zap.String("session", sessionUniqueID),
		)
		return fmt.Errorf("%w: %s in pool %s", ErrLeaseMismatch, addr, pool)
	case errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("%w: %s", ErrUnknownPool, pool)
	case err != nil:
		return fmt.Errorf("renewing %s in pool %s: %w", addr, pool, err)
	}
	atomic.AddUint64(&a.renewals, 1)
	return nil
}

// Release frees the session's lease on an address. Releasing an entry that
// is already free or has been re-leased to another session is not an error:
// duplicate Stop delivery must never tear down a later lease on the same
// address. Such no-ops are logged at low severity and counted.
func (a *Allocator) Release(ctx context.Context, pool string, addr netip.Addr, sessionUniqueID string) error {
	lock := a.poolLock(pool)
	lock.Lock()
	defer lock.Unlock()

	released, err := a.store.Release(ctx, pool, addr, sessionUniqueID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrUnknownPool, pool)
		}
		return fmt.Errorf("releasing %s in pool %s: %w", addr, pool, err)
	}
	if !released {
		atomic.AddUint64(&a.releaseNoops, 1)
		a.logger.Debug("Release no-op, lease already free or reassigned",
			zap.String("pool", pool),
			zap.String("address", addr.String()),
			zap.String("session", sessionUniqueID),
		)
		return nil
	}
	atomic.AddUint64(&a.releases, 1)
	a.logger.Debug("Address released",
		zap.String("pool", pool),
		zap.String("address", addr.String()),
		zap.String("session", sessionUniqueID),
	)
	return nil
}

// SweepExpired reclaims every lease in the pool whose expiry has passed
// without renewal and returns the count reclaimed. It shares the pool lock
// with Allocate and is safe to run at any time; a partial sweep just leaves
// entries for the next run.
func (a *Allocator) SweepExpired(ctx context.Context, pool string) (int, error) {
	lock := a.poolLock(pool)
	lock.Lock()
	defer lock.Unlock()

	n, err := a.store.FreeExpired(ctx, pool, a.now())
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return 0, fmt.Errorf("%w: %s", ErrUnknownPool, pool)
		}
		return 0, fmt.Errorf("sweeping pool %s: %w", pool, err)
	}
	if n > 0 {
		atomic.AddUint64(&a.reclaimed, uint64(n))
		a.logger.Info("Expired leases reclaimed",
			zap.String("pool", pool),
			zap.Int("count", n),
		)
	}
	return n, nil
}

// SweepAll runs SweepExpired over every provisioned pool.
func (a *Allocator) SweepAll(ctx context.Context) (int, error) {
	pools, err := a.store.Pools(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing pools: %w", err)
	}
	total := 0
	for _, pool := range pools {
		n, err := a.SweepExpired(ctx, pool)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// Stats returns a snapshot of allocator counters.
func (a *Allocator) Stats() Stats {
	return Stats{
		Allocations:     atomic.LoadUint64(&a.allocations),
		Exhaustions:     atomic.LoadUint64(&a.exhaustions),
		Renewals:        atomic.LoadUint64(&a.renewals),
		LeaseMismatches: atomic.LoadUint64(&a.leaseMismatches),
		Releases:        atomic.LoadUint64(&a.releases),
		ReleaseNoops:    atomic.LoadUint64(&a.releaseNoops),
		Reclaimed:       atomic.LoadUint64(&a.reclaimed),
	}
}

// Stats holds allocator counters.
type Stats struct {
	Allocations     uint64 `json:"allocations"`
	Exhaustions     uint64 `json:"exhaustions"`
	Renewals        uint64 `json:"renewals"`
	LeaseMismatches uint64 `json:"lease_mismatches"`
	Releases        uint64 `json:"releases"`
	ReleaseNoops    uint64 `json:"release_noops"`
	Reclaimed       uint64 `json:"reclaimed"`
}

// SetClock replaces the allocator's clock. Tests only.
func (a *Allocator) SetClock(now func() time.Time) {
	a.now = now
}

func (a *Allocator) poolLock(pool string) *sync.Mutex {
	a.locksMu.Lock()
	defer a.locksMu.Unlock()

	lock, ok := a.locks[pool]
	if !ok {
		lock = &sync.Mutex{}
		a.locks[pool] = lock
	}
	return lock
}
