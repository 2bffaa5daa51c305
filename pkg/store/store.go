// Package store defines the repository interfaces behind the accounting
// core plus in-memory implementations of them. Components receive these
// interfaces explicitly; there are no process-wide registries.
package store

import (
	"context"
	"errors"
	"net/netip"
	"time"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrConflict is returned when a conditional write loses: leasing an
	// address another session holds, or renewing/releasing with the wrong
	// owner.
	ErrConflict = errors.New("conditional write conflict")

	// ErrUnavailable wraps durable-store I/O failures. Callers fail fast
	// and rely on at-least-once redelivery rather than retrying here.
	ErrUnavailable = errors.New("store unavailable")
)

// SessionStore persists accounting sessions keyed by unique session id.
type SessionStore interface {
	// Get returns the session with the given unique id, or ErrNotFound.
	Get(ctx context.Context, uniqueID string) (*Session, error)

	// FindActive returns the active session for a NAS-assigned session id,
	// or ErrNotFound. Used when events arrive without a unique id.
	FindActive(ctx context.Context, nasID, sessionID string) (*Session, error)

	// FindLatest returns the most recent session for a NAS-assigned session
	// id regardless of state, preferring an active one. Lets mid-stream
	// events distinguish "session already terminated" from "never seen".
	FindLatest(ctx context.Context, nasID, sessionID string) (*Session, error)

	// Put inserts or replaces a session record.
	Put(ctx context.Context, s *Session) error

	// ActiveByNAS returns all active sessions reported by a NAS. Used to
	// find orphan candidates after an Accounting-On/Off reboot signal.
	ActiveByNAS(ctx context.Context, nasID string) ([]*Session, error)

	// ActiveCount returns the number of active sessions.
	ActiveCount(ctx context.Context) (int, error)
}

// PoolStore persists pool entries and performs the conditional lease writes
// the allocator's at-most-one-lease invariant rests on. Every mutation is a
// compare-and-swap on the entry's current owner.
type PoolStore interface {
	// Provision adds addresses to a pool. Admin/test path only.
	Provision(ctx context.Context, pool string, addrs []netip.Addr) error

	// Entries returns all entries of a pool ordered by address, or
	// ErrNotFound for an unknown pool.
	Entries(ctx context.Context, pool string) ([]PoolEntry, error)

	// Lease claims addr for owner iff the entry is free or its lease has
	// expired as of now. Returns ErrConflict when another session holds a
	// live lease.
	Lease(ctx context.Context, pool string, addr netip.Addr, owner string, now, expiresAt time.Time) error

	// Renew extends the lease iff owner matches the current holder.
	Renew(ctx context.Context, pool string, addr netip.Addr, owner string, expiresAt time.Time) error

	// Release frees the entry iff owner matches the current holder. The
	// boolean reports whether anything was released; a mismatch or an
	// already-free entry is not an error.
	Release(ctx context.Context, pool string, addr netip.Addr, owner string) (bool, error)

	// FreeExpired frees every entry in the pool whose lease expired before
	// now and returns the count reclaimed.
	FreeExpired(ctx context.Context, pool string, now time.Time) (int, error)

	// Pools lists the provisioned pool names.
	Pools(ctx context.Context) ([]string, error)
}

// SummaryStore persists per-(subject, day) traffic summaries.
type SummaryStore interface {
	// Add applies a delta to the summary, creating it lazily, and returns
	// the updated aggregate.
	Add(ctx context.Context, subject string, day Day, delta SummaryDelta) (TrafficSummary, error)

	// Get returns the summary for a subject and day, or ErrNotFound.
	Get(ctx context.Context, subject string, day Day) (TrafficSummary, error)
}
