package store

import (
	"context"
	"net/netip"
	"sort"
	"sync"
	"time"
)

// MemorySessionStore is the in-memory SessionStore. It is the default
// backing for single-node deployments and the fake used by tests.
type MemorySessionStore struct {
	mu sync.RWMutex

	sessions map[string]*Session // uniqueID -> session

	// Indexes for fast lookup
	activeByKey map[sessionKey]string          // (nas, sessionID) -> active uniqueID
	latestByKey map[sessionKey]string          // (nas, sessionID) -> last written uniqueID
	activeByNAS map[string]map[string]struct{} // nasID -> set of uniqueIDs
}

type sessionKey struct {
	nasID     string
	sessionID string
}

// NewMemorySessionStore creates an empty in-memory session store.
func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{
		sessions:    make(map[string]*Session),
		activeByKey: make(map[sessionKey]string),
		latestByKey: make(map[sessionKey]string),
		activeByNAS: make(map[string]map[string]struct{}),
	}
}

func (m *MemorySessionStore) Get(ctx context.Context, uniqueID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[uniqueID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *MemorySessionStore) FindActive(ctx context.Context, nasID, sessionID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	uniqueID, ok := m.activeByKey[sessionKey{nasID, sessionID}]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *m.sessions[uniqueID]
	return &cp, nil
}

func (m *MemorySessionStore) FindLatest(ctx context.Context, nasID, sessionID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	// Prefer the active session; a NAS may reuse a session id after the
	// previous session with that id terminated.
	key := sessionKey{nasID, sessionID}
	uniqueID, ok := m.activeByKey[key]
	if !ok {
		uniqueID, ok = m.latestByKey[key]
	}
	if !ok {
		return nil, ErrNotFound
	}
	cp := *m.sessions[uniqueID]
	return &cp, nil
}

func (m *MemorySessionStore) Put(ctx context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *s
	if prev, ok := m.sessions[cp.UniqueID]; ok && prev.Active() && !cp.Active() {
		m.dropActiveIndexes(prev)
	}
	m.sessions[cp.UniqueID] = &cp
	m.latestByKey[sessionKey{cp.NASIdentifier, cp.SessionID}] = cp.UniqueID

	if cp.Active() {
		m.activeByKey[sessionKey{cp.NASIdentifier, cp.SessionID}] = cp.UniqueID
		set, ok := m.activeByNAS[cp.NASIdentifier]
		if !ok {
			set = make(map[string]struct{})
			m.activeByNAS[cp.NASIdentifier] = set
		}
		set[cp.UniqueID] = struct{}{}
	}
	return nil
}

func (m *MemorySessionStore) ActiveByNAS(ctx context.Context, nasID string) ([]*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	set := m.activeByNAS[nasID]
	out := make([]*Session, 0, len(set))
	for uniqueID := range set {
		cp := *m.sessions[uniqueID]
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UniqueID < out[j].UniqueID })
	return out, nil
}

func (m *MemorySessionStore) ActiveCount(ctx context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.activeByKey), nil
}

func (m *MemorySessionStore) dropActiveIndexes(s *Session) {
	key := sessionKey{s.NASIdentifier, s.SessionID}
	if m.activeByKey[key] == s.UniqueID {
		delete(m.activeByKey, key)
	}
	if set, ok := m.activeByNAS[s.NASIdentifier]; ok {
		delete(set, s.UniqueID)
		if len(set) == 0 {
			delete(m.activeByNAS, s.NASIdentifier)
		}
	}
}

// MemoryPoolStore is the in-memory PoolStore. Conditional lease writes are
// serialized by a single mutex; the allocator's per-pool locks sit above it.
type MemoryPoolStore struct {
	mu    sync.RWMutex
	pools map[string]map[netip.Addr]*PoolEntry
}

// NewMemoryPoolStore creates an empty in-memory pool store.
func NewMemoryPoolStore() *MemoryPoolStore {
	return &MemoryPoolStore{pools: make(map[string]map[netip.Addr]*PoolEntry)}
}

func (m *MemoryPoolStore) Provision(ctx context.Context, pool string, addrs []netip.Addr) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries, ok := m.pools[pool]
	if !ok {
		entries = make(map[netip.Addr]*PoolEntry)
		m.pools[pool] = entries
	}
	for _, addr := range addrs {
		if _, exists := entries[addr]; !exists {
			entries[addr] = &PoolEntry{Pool: pool, Address: addr}
		}
	}
	return nil
}

func (m *MemoryPoolStore) Entries(ctx context.Context, pool string) ([]PoolEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entries, ok := m.pools[pool]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]PoolEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address.Less(out[j].Address) })
	return out, nil
}

func (m *MemoryPoolStore) Lease(ctx context.Context, pool string, addr netip.Addr, owner string, now, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, err := m.entry(pool, addr)
	if err != nil {
		return err
	}
	if e.Leased() && !e.Expired(now) && e.Owner != owner {
		return ErrConflict
	}
	e.Owner = owner
	e.LeasedAt = now
	e.ExpiresAt = expiresAt
	return nil
}

func (m *MemoryPoolStore) Renew(ctx context.Context, pool string, addr netip.Addr, owner string, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, err := m.entry(pool, addr)
	if err != nil {
		return err
	}
	if e.Owner != owner {
		return ErrConflict
	}
	e.ExpiresAt = expiresAt
	return nil
}

func (m *MemoryPoolStore) Release(ctx context.Context, pool string, addr netip.Addr, owner string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, err := m.entry(pool, addr)
	if err != nil {
		return false, err
	}
	if e.Owner != owner {
		return false, nil
	}
	free(e)
	return true, nil
}

func (m *MemoryPoolStore) FreeExpired(ctx context.Context, pool string, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries, ok := m.pools[pool]
	if !ok {
		return 0, ErrNotFound
	}
	reclaimed := 0
	for _, e := range entries {
		if e.Expired(now) {
			free(e)
			reclaimed++
		}
	}
	return reclaimed, nil
}

func (m *MemoryPoolStore) Pools(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]string, 0, len(m.pools))
	for name := range m.pools {
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

func (m *MemoryPoolStore) entry(pool string, addr netip.Addr) (*PoolEntry, error) {
	entries, ok := m.pools[pool]
	if !ok {
		return nil, ErrNotFound
	}
	e, ok := entries[addr]
	if !ok {
		return nil, ErrNotFound
	}
	return e, nil
}

func free(e *PoolEntry) {
	e.Owner = ""
	e.LeasedAt = time.Time{}
	e.ExpiresAt = time.Time{}
}

// MemorySummaryStore is the in-memory SummaryStore.
type MemorySummaryStore struct {
	mu      sync.RWMutex
	summary map[summaryKey]*TrafficSummary
}

type summaryKey struct {
	subject string
	day     Day
}

// NewMemorySummaryStore creates an empty in-memory summary store.
func NewMemorySummaryStore() *MemorySummaryStore {
	return &MemorySummaryStore{summary: make(map[summaryKey]*TrafficSummary)}
}

func (m *MemorySummaryStore) Add(ctx context.Context, subject string, day Day, delta SummaryDelta) (TrafficSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := summaryKey{subject, day}
	s, ok := m.summary[key]
	if !ok {
		s = &TrafficSummary{Subject: subject, Day: day}
		m.summary[key] = s
	}
	s.TotalInputBytes += delta.InputBytes
	s.TotalOutputBytes += delta.OutputBytes
	s.TotalSessionSeconds += delta.SessionSeconds
	s.SessionCount += delta.SessionsClosed
	return *s, nil
}

func (m *MemorySummaryStore) Get(ctx context.Context, subject string, day Day) (TrafficSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.summary[summaryKey{subject, day}]
	if !ok {
		return TrafficSummary{}, ErrNotFound
	}
	return *s, nil
}

// Interface compliance.
var (
	_ SessionStore = (*MemorySessionStore)(nil)
	_ PoolStore    = (*MemoryPoolStore)(nil)
	_ SummaryStore = (*MemorySummaryStore)(nil)
)
