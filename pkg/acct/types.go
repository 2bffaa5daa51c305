// Package acct defines the RADIUS accounting event model consumed by the
// event processor. Transport and packet framing are handled elsewhere; this
// package only knows about accounting events as values.
package acct

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// StatusType represents RADIUS Acct-Status-Type values (RFC 2866).
type StatusType uint32

const (
	StatusStart         StatusType = 1
	StatusStop          StatusType = 2
	StatusInterimUpdate StatusType = 3
	StatusAccountingOn  StatusType = 7
	StatusAccountingOff StatusType = 8
)

// String returns the RFC name of the status type.
func (s StatusType) String() string {
	switch s {
	case StatusStart:
		return "Start"
	case StatusStop:
		return "Stop"
	case StatusInterimUpdate:
		return "Interim-Update"
	case StatusAccountingOn:
		return "Accounting-On"
	case StatusAccountingOff:
		return "Accounting-Off"
	default:
		return fmt.Sprintf("Unknown(%d)", uint32(s))
	}
}

// TerminateCause constants (RFC 2866 Acct-Terminate-Cause).
const (
	TerminateCauseUserRequest    uint32 = 1
	TerminateCauseLostCarrier    uint32 = 2
	TerminateCauseLostService    uint32 = 3
	TerminateCauseIdleTimeout    uint32 = 4
	TerminateCauseSessionTimeout uint32 = 5
	TerminateCauseAdminReset     uint32 = 6
	TerminateCauseAdminReboot    uint32 = 7
	TerminateCausePortError      uint32 = 8
	TerminateCauseNASError       uint32 = 9
	TerminateCauseNASRequest     uint32 = 10
	TerminateCauseNASReboot      uint32 = 11
)

// ErrMalformedEvent is returned when an event is missing required fields.
// Malformed events are rejected at the boundary and never mutate state.
var ErrMalformedEvent = errors.New("malformed accounting event")

// Event is a single NAS-reported accounting event. It is the tagged variant
// delivered by whatever front-end transport feeds the processor. The JSON
// form is the NDJSON ingestion format used by the CLI.
type Event struct {
	// Identity
	SessionID string `json:"session_id"`          // NAS-assigned Acct-Session-Id, opaque
	UniqueID  string `json:"unique_id,omitempty"` // derived from NAS+SessionID+Timestamp if empty

	// Subject
	Username      string `json:"username"`
	NASIdentifier string `json:"nas_identifier"`
	NASPort       uint32 `json:"nas_port,omitempty"`

	// What happened
	StatusType StatusType `json:"status_type"`
	Timestamp  time.Time  `json:"timestamp"`

	// Address policy: the named pool to allocate a framed address from on
	// Start. Empty means the session runs without a framed address.
	FramedPool string `json:"framed_pool,omitempty"`

	// Cumulative 32-bit counters as reported on the wire, with their
	// gigaword rollover counts (RFC 2869). Zero gigawords is valid and
	// common: many NAS implementations never send the attribute.
	InputOctets     uint32 `json:"input_octets"`
	InputGigawords  uint32 `json:"input_gigawords,omitempty"`
	OutputOctets    uint32 `json:"output_octets"`
	OutputGigawords uint32 `json:"output_gigawords,omitempty"`

	// Stop only
	TerminateCause uint32 `json:"terminate_cause,omitempty"`
}

// sessionNamespace is the UUIDv5 namespace for unique session IDs.
var sessionNamespace = uuid.MustParse("8e7f3f6e-5d36-4b6a-9f0a-2c1d94a7c9b4")

// Validate checks the fields every event must carry. Accounting-On/Off are
// NAS-scoped signals and carry no session or username.
func (e *Event) Validate() error {
	switch e.StatusType {
	case StatusAccountingOn, StatusAccountingOff:
		if e.NASIdentifier == "" {
			return fmt.Errorf("%w: missing NAS identifier", ErrMalformedEvent)
		}
		return nil
	case StatusStart, StatusStop, StatusInterimUpdate:
		if e.SessionID == "" {
			return fmt.Errorf("%w: missing session id", ErrMalformedEvent)
		}
		if e.Username == "" {
			return fmt.Errorf("%w: missing username", ErrMalformedEvent)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown status type %d", ErrMalformedEvent, uint32(e.StatusType))
	}
}

// DeriveUniqueID returns the globally unique session id for an event. If the
// NAS supplied one it wins; otherwise the id is derived deterministically
// from NAS identifier, session id and start timestamp so the same session
// always maps to the same id, and a NAS reusing a session id after a clock
// reset maps to a different one.
func (e *Event) DeriveUniqueID(startTime time.Time) string {
	if e.UniqueID != "" {
		return e.UniqueID
	}
	seed := fmt.Sprintf("%s/%s/%d", e.NASIdentifier, e.SessionID, startTime.Unix())
	return uuid.NewSHA1(sessionNamespace, []byte(seed)).String()
}

// InputBytes returns the reconciled 64-bit input octet count.
func (e *Event) InputBytes() uint64 {
	return Reconcile(e.InputOctets, e.InputGigawords)
}

// OutputBytes returns the reconciled 64-bit output octet count.
func (e *Event) OutputBytes() uint64 {
	return Reconcile(e.OutputOctets, e.OutputGigawords)
}
