package store

import (
	"net/netip"
	"time"
)

// SessionState represents the lifecycle state of an accounting session.
type SessionState string

const (
	StateActive     SessionState = "active"
	StateTerminated SessionState = "terminated"
)

// Session is one NAS-reported accounting session. Sessions are created on
// the first Start (or first Interim-Update when the Start was lost), mutated
// on every Interim-Update and closed exactly once on Stop. They are never
// physically deleted here; retention is an external concern.
type Session struct {
	// Identity
	UniqueID  string `json:"unique_id"`  // globally unique, survives NAS clock resets
	SessionID string `json:"session_id"` // NAS-assigned, opaque

	// Subject
	Username      string `json:"username"`
	NASIdentifier string `json:"nas_identifier"`
	NASPort       uint32 `json:"nas_port"`

	// Address assignment
	Pool          string     `json:"pool,omitempty"`
	FramedAddress netip.Addr `json:"framed_address,omitempty"`

	// Lifecycle
	State           SessionState `json:"state"`
	StartTime       time.Time    `json:"start_time"`
	LastInterimTime time.Time    `json:"last_interim_time"`
	StopTime        time.Time    `json:"stop_time,omitempty"` // zero while active
	TerminateCause  uint32       `json:"terminate_cause,omitempty"`

	// Reconciled 64-bit cumulative counters
	InputBytes  uint64 `json:"input_bytes"`
	OutputBytes uint64 `json:"output_bytes"`

	// Set when the session was created from an Interim-Update because the
	// Start event never arrived.
	Recovered bool `json:"recovered,omitempty"`
}

// Active reports whether the session has not yet terminated.
func (s *Session) Active() bool {
	return s.State == StateActive
}

// PoolEntry is one allocatable address within a named pool. Entries are
// provisioned by the admin collaborator; this core only leases and frees
// them, never creates or destroys capacity.
type PoolEntry struct {
	Pool    string     `json:"pool"`
	Address netip.Addr `json:"address"`

	// Lease state. Owner is the unique session id holding the lease, empty
	// when free. An entry with a past ExpiresAt is reclaimable but stays
	// unavailable until swept or re-leased.
	Owner     string    `json:"owner,omitempty"`
	LeasedAt  time.Time `json:"leased_at,omitempty"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// Leased reports whether the entry currently has an owner, expired or not.
func (e *PoolEntry) Leased() bool {
	return e.Owner != ""
}

// Expired reports whether the entry's lease has lapsed at the given instant.
func (e *PoolEntry) Expired(now time.Time) bool {
	return e.Owner != "" && now.After(e.ExpiresAt)
}

// Day is a calendar date bucket (UTC) in the form "2006-01-02".
type Day string

// DayOf returns the UTC day bucket containing t.
func DayOf(t time.Time) Day {
	return Day(t.UTC().Format("2006-01-02"))
}

// TrafficSummary is the per-(subject, day) usage aggregate fed to billing.
// Subject is either a username or a NAS identifier.
type TrafficSummary struct {
	Subject             string `json:"subject"`
	Day                 Day    `json:"day"`
	SessionCount        uint64 `json:"session_count"`
	TotalInputBytes     uint64 `json:"total_input_bytes"`
	TotalOutputBytes    uint64 `json:"total_output_bytes"`
	TotalSessionSeconds uint64 `json:"total_session_seconds"`
}

// SummaryDelta is an incremental contribution to a TrafficSummary. All
// fields are non-negative; summaries only grow.
type SummaryDelta struct {
	InputBytes     uint64
	OutputBytes    uint64
	SessionSeconds uint64
	SessionsClosed uint64
}
