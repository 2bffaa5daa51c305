// Package processor drives the accounting session state machine. It is the
// single writer of Session records and the only caller of the pool
// allocator's mutating operations.
package processor

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/codelaboratoryltd/radacct/pkg/acct"
	"github.com/codelaboratoryltd/radacct/pkg/ippool"
	"github.com/codelaboratoryltd/radacct/pkg/store"
)

// AddressAllocator is the leasing capability the processor needs.
type AddressAllocator interface {
	Allocate(ctx context.Context, pool, sessionUniqueID string, leaseDuration time.Duration) (netip.Addr, error)
	Renew(ctx context.Context, pool string, addr netip.Addr, sessionUniqueID string, leaseDuration time.Duration) error
	Release(ctx context.Context, pool string, addr netip.Addr, sessionUniqueID string) error
}

// UsageRecorder is the aggregation capability the processor needs.
type UsageRecorder interface {
	RecordUsage(ctx context.Context, s *store.Session, inputDelta, outputDelta uint64, at time.Time) error
	RecordClose(ctx context.Context, s *store.Session, inputDelta, outputDelta uint64, at time.Time) error
}

// Config configures the processor.
type Config struct {
	// LeaseDuration is how long an address lease lives without a renewal
	// (default: 300s). Interim-Updates extend it.
	LeaseDuration time.Duration

	// RequireAddress makes Start fail when the requested pool is
	// exhausted. When false the session proceeds without a framed address.
	RequireAddress bool
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		LeaseDuration:  5 * time.Minute,
		RequireAddress: false,
	}
}

// Processor consumes accounting events. Events for the same session are
// serialized on a per-session lock; events for different sessions run fully
// in parallel. Delivery is assumed at-least-once and possibly reordered
// across restarts, so every transition is idempotent and counter updates are
// monotonic.
type Processor struct {
	sessions   store.SessionStore
	allocator  AddressAllocator
	aggregator UsageRecorder
	logger     *zap.Logger
	config     Config

	locks *keyedMutex

	// Statistics
	starts          uint64
	interims        uint64
	stops           uint64
	duplicateStarts uint64
	duplicateStops  uint64
	recovered       uint64
	malformed       uint64
	outOfOrder      uint64
	poolExhausted   uint64
	nasReboots      uint64
}

// New creates a processor.
func New(sessions store.SessionStore, allocator AddressAllocator, aggregator UsageRecorder, config Config, logger *zap.Logger) *Processor {
	if config.LeaseDuration == 0 {
		config.LeaseDuration = 5 * time.Minute
	}
	return &Processor{
		sessions:   sessions,
		allocator:  allocator,
		aggregator: aggregator,
		logger:     logger,
		config:     config,
		locks:      newKeyedMutex(),
	}
}

// Process applies one accounting event. All errors are returned to the
// caller; the transport layer decides whether to redeliver. Malformed events
// are rejected without mutating state.
func (p *Processor) Process(ctx context.Context, ev *acct.Event) error {
	if err := ev.Validate(); err != nil {
		atomic.AddUint64(&p.malformed, 1)
		p.logger.Warn("Rejected malformed accounting event",
			zap.String("nas", ev.NASIdentifier),
			zap.String("session_id", ev.SessionID),
			zap.Error(err),
		)
		return err
	}

	switch ev.StatusType {
	case acct.StatusAccountingOn, acct.StatusAccountingOff:
		return p.handleNASReboot(ctx, ev)
	}

	// Events for one NAS session always share (nas, sessionID), so that
	// pair is the serialization key even before the unique id is known.
	unlock := p.locks.lock(ev.NASIdentifier + "\x00" + ev.SessionID)
	defer unlock()

	switch ev.StatusType {
	case acct.StatusStart:
		return p.handleStart(ctx, ev)
	case acct.StatusInterimUpdate:
		return p.handleInterim(ctx, ev)
	case acct.StatusStop:
		return p.handleStop(ctx, ev)
	default:
		return fmt.Errorf("%w: unhandled status type %s", acct.ErrMalformedEvent, ev.StatusType)
	}
}

func (p *Processor) handleStart(ctx context.Context, ev *acct.Event) error {
	existing, err := p.sessions.FindActive(ctx, ev.NASIdentifier, ev.SessionID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("looking up session: %w", err)
	}

	uniqueID := ev.DeriveUniqueID(ev.Timestamp)

	if existing != nil {
		if existing.UniqueID == uniqueID {
			// Retransmitted Start. Refresh the lease so the duplicate
			// still counts as liveness, otherwise nothing to do.
			atomic.AddUint64(&p.duplicateStarts, 1)
			p.logger.Debug("Duplicate Start ignored",
				zap.String("unique_id", uniqueID),
				zap.String("session_id", ev.SessionID),
			)
			if existing.FramedAddress.IsValid() {
				p.renewLease(ctx, existing)
			}
			return nil
		}
		// Same NAS session id but a different identity: the NAS reused
		// the id after a restart. Close the stale session first.
		p.logger.Warn("NAS reused session id, closing stale session",
			zap.String("nas", ev.NASIdentifier),
			zap.String("session_id", ev.SessionID),
			zap.String("stale_unique_id", existing.UniqueID),
			zap.String("new_unique_id", uniqueID),
		)
		if err := p.closeSession(ctx, existing, existing.InputBytes, existing.OutputBytes, acct.TerminateCauseNASReboot, ev.Timestamp); err != nil {
			return err
		}
	}

	s := &store.Session{
		UniqueID:        uniqueID,
		SessionID:       ev.SessionID,
		Username:        ev.Username,
		NASIdentifier:   ev.NASIdentifier,
		NASPort:         ev.NASPort,
		State:           store.StateActive,
		StartTime:       ev.Timestamp,
		LastInterimTime: ev.Timestamp,
		InputBytes:      ev.InputBytes(),
		OutputBytes:     ev.OutputBytes(),
	}

	if ev.FramedPool != "" {
		addr, err := p.allocator.Allocate(ctx, ev.FramedPool, uniqueID, p.config.LeaseDuration)
		switch {
		case errors.Is(err, ippool.ErrPoolExhausted):
			atomic.AddUint64(&p.poolExhausted, 1)
			if p.config.RequireAddress {
				return err
			}
			p.logger.Warn("Session starting without framed address",
				zap.String("unique_id", uniqueID),
				zap.String("pool", ev.FramedPool),
			)
		case err != nil:
			return fmt.Errorf("allocating address for session %s: %w", uniqueID, err)
		default:
			s.Pool = ev.FramedPool
			s.FramedAddress = addr
		}
	}

	if err := p.sessions.Put(ctx, s); err != nil {
		return fmt.Errorf("storing session %s: %w", uniqueID, err)
	}

	atomic.AddUint64(&p.starts, 1)
	p.logger.Info("Session started",
		zap.String("unique_id", uniqueID),
		zap.String("username", ev.Username),
		zap.String("nas", ev.NASIdentifier),
		zap.String("framed_address", addrString(s.FramedAddress)),
	)
	return nil
}

func (p *Processor) handleInterim(ctx context.Context, ev *acct.Event) error {
	s, err := p.resolve(ctx, ev)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}

	if s == nil {
		// The Start was lost. Recover the session from the interim so
		// usage is not orphaned.
		s, err = p.recoverSession(ctx, ev)
		if err != nil {
			return err
		}
	}

	if !s.Active() {
		// Interim straggler after Stop. Safe to drop.
		p.logger.Debug("Interim-Update for terminated session ignored",
			zap.String("unique_id", s.UniqueID),
		)
		return nil
	}

	inDelta, outDelta := p.advanceCounters(s, ev)

	s.LastInterimTime = ev.Timestamp

	if s.FramedAddress.IsValid() {
		p.renewLease(ctx, s)
	}

	if err := p.sessions.Put(ctx, s); err != nil {
		return fmt.Errorf("storing session %s: %w", s.UniqueID, err)
	}

	if inDelta > 0 || outDelta > 0 {
		if err := p.aggregator.RecordUsage(ctx, s, inDelta, outDelta, ev.Timestamp); err != nil {
			return err
		}
	}

	atomic.AddUint64(&p.interims, 1)
	return nil
}

func (p *Processor) handleStop(ctx context.Context, ev *acct.Event) error {
	s, err := p.resolve(ctx, ev)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}

	if s == nil {
		// Both Start and any interims were lost. Synthesize the session
		// so the final counters still reach billing.
		s, err = p.recoverSession(ctx, ev)
		if err != nil {
			return err
		}
	}

	if !s.Active() {
		atomic.AddUint64(&p.duplicateStops, 1)
		p.logger.Debug("Duplicate Stop ignored",
			zap.String("unique_id", s.UniqueID),
		)
		return nil
	}

	inDelta, outDelta := p.advanceCounters(s, ev)
	if err := p.closeSessionWithDeltas(ctx, s, inDelta, outDelta, ev.TerminateCause, ev.Timestamp); err != nil {
		return err
	}

	atomic.AddUint64(&p.stops, 1)
	p.logger.Info("Session terminated",
		zap.String("unique_id", s.UniqueID),
		zap.String("username", s.Username),
		zap.Uint32("terminate_cause", ev.TerminateCause),
		zap.Uint64("input_bytes", s.InputBytes),
		zap.Uint64("output_bytes", s.OutputBytes),
	)
	return nil
}

// handleNASReboot reacts to Accounting-On/Off. A rebooting NAS has dropped
// all of its sessions, so every session it reported is closed and its leases
// are freed rather than waiting for expiry.
func (p *Processor) handleNASReboot(ctx context.Context, ev *acct.Event) error {
	active, err := p.sessions.ActiveByNAS(ctx, ev.NASIdentifier)
	if err != nil {
		return fmt.Errorf("listing sessions for NAS %s: %w", ev.NASIdentifier, err)
	}

	for _, s := range active {
		unlock := p.locks.lock(s.NASIdentifier + "\x00" + s.SessionID)
		err := func() error {
			defer unlock()
			// Re-read under the lock; a Stop may have raced us.
			cur, err := p.sessions.Get(ctx, s.UniqueID)
			if err != nil || !cur.Active() {
				return err
			}
			return p.closeSession(ctx, cur, cur.InputBytes, cur.OutputBytes, acct.TerminateCauseNASReboot, ev.Timestamp)
		}()
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
	}

	atomic.AddUint64(&p.nasReboots, 1)
	p.logger.Info("NAS reboot signal processed",
		zap.String("nas", ev.NASIdentifier),
		zap.String("signal", ev.StatusType.String()),
		zap.Int("sessions_closed", len(active)),
	)
	return nil
}

// resolve finds the session an Interim or Stop event refers to. Terminated
// sessions resolve too: a duplicate Stop or a straggling Interim must be
// recognized as such, not mistaken for a session whose Start was lost.
func (p *Processor) resolve(ctx context.Context, ev *acct.Event) (*store.Session, error) {
	if ev.UniqueID != "" {
		s, err := p.sessions.Get(ctx, ev.UniqueID)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	return p.sessions.FindLatest(ctx, ev.NASIdentifier, ev.SessionID)
}

// recoverSession creates a session from a mid-stream event whose Start was
// never delivered. The event timestamp stands in for the start time, which
// also anchors the derived unique id.
func (p *Processor) recoverSession(ctx context.Context, ev *acct.Event) (*store.Session, error) {
	s := &store.Session{
		UniqueID:        ev.DeriveUniqueID(ev.Timestamp),
		SessionID:       ev.SessionID,
		Username:        ev.Username,
		NASIdentifier:   ev.NASIdentifier,
		NASPort:         ev.NASPort,
		State:           store.StateActive,
		StartTime:       ev.Timestamp,
		LastInterimTime: ev.Timestamp,
		Recovered:       true,
	}

	if ev.FramedPool != "" {
		addr, err := p.allocator.Allocate(ctx, ev.FramedPool, s.UniqueID, p.config.LeaseDuration)
		if err == nil {
			s.Pool = ev.FramedPool
			s.FramedAddress = addr
		} else if !errors.Is(err, ippool.ErrPoolExhausted) {
			return nil, fmt.Errorf("allocating address for recovered session %s: %w", s.UniqueID, err)
		}
	}

	if err := p.sessions.Put(ctx, s); err != nil {
		return nil, fmt.Errorf("storing recovered session %s: %w", s.UniqueID, err)
	}

	atomic.AddUint64(&p.recovered, 1)
	p.logger.Info("Session recovered without Start",
		zap.String("unique_id", s.UniqueID),
		zap.String("session_id", ev.SessionID),
		zap.String("username", ev.Username),
		zap.String("nas", ev.NASIdentifier),
		zap.String("trigger", ev.StatusType.String()),
	)
	return s, nil
}

// advanceCounters applies the event's cumulative counters to the session,
// enforcing monotonicity per direction. A counter reporting fewer bytes than
// already recorded is out-of-order delivery: the higher value is kept, the
// regression is counted, and the event otherwise proceeds.
func (p *Processor) advanceCounters(s *store.Session, ev *acct.Event) (inDelta, outDelta uint64) {
	in, out := ev.InputBytes(), ev.OutputBytes()

	regressed := false
	if in >= s.InputBytes {
		inDelta = in - s.InputBytes
		s.InputBytes = in
	} else {
		regressed = true
	}
	if out >= s.OutputBytes {
		outDelta = out - s.OutputBytes
		s.OutputBytes = out
	} else {
		regressed = true
	}

	if regressed {
		atomic.AddUint64(&p.outOfOrder, 1)
		p.logger.Warn("Out-of-order counters, regression discarded",
			zap.String("unique_id", s.UniqueID),
			zap.Uint64("reported_input", in),
			zap.Uint64("reported_output", out),
			zap.Uint64("recorded_input", s.InputBytes),
			zap.Uint64("recorded_output", s.OutputBytes),
		)
	}
	return inDelta, outDelta
}

// closeSessionWithDeltas performs the single terminal transition: persist the
// terminated state, free the address, and hand the final usage to the
// aggregator.
func (p *Processor) closeSessionWithDeltas(ctx context.Context, s *store.Session, inDelta, outDelta uint64, cause uint32, at time.Time) error {
	s.State = store.StateTerminated
	s.StopTime = at
	s.TerminateCause = cause
	s.LastInterimTime = at

	if err := p.sessions.Put(ctx, s); err != nil {
		return fmt.Errorf("storing session %s: %w", s.UniqueID, err)
	}

	if s.FramedAddress.IsValid() {
		if err := p.allocator.Release(ctx, s.Pool, s.FramedAddress, s.UniqueID); err != nil {
			// The expiry sweep will reclaim it; don't fail the Stop.
			p.logger.Warn("Failed to release address on Stop",
				zap.String("unique_id", s.UniqueID),
				zap.String("address", s.FramedAddress.String()),
				zap.Error(err),
			)
		}
	}

	return p.aggregator.RecordClose(ctx, s, inDelta, outDelta, at)
}

func (p *Processor) closeSession(ctx context.Context, s *store.Session, in, out uint64, cause uint32, at time.Time) error {
	inDelta := in - min(in, s.InputBytes)
	outDelta := out - min(out, s.OutputBytes)
	s.InputBytes = max(in, s.InputBytes)
	s.OutputBytes = max(out, s.OutputBytes)
	return p.closeSessionWithDeltas(ctx, s, inDelta, outDelta, cause, at)
}

func (p *Processor) renewLease(ctx context.Context, s *store.Session) {
	err := p.allocator.Renew(ctx, s.Pool, s.FramedAddress, s.UniqueID, p.config.LeaseDuration)
	if err != nil && !errors.Is(err, ippool.ErrLeaseMismatch) {
		p.logger.Warn("Lease renewal failed",
			zap.String("unique_id", s.UniqueID),
			zap.String("address", s.FramedAddress.String()),
			zap.Error(err),
		)
	}
}

// Stats returns a snapshot of processor counters.
func (p *Processor) Stats() Stats {
	return Stats{
		Starts:          atomic.LoadUint64(&p.starts),
		Interims:        atomic.LoadUint64(&p.interims),
		Stops:           atomic.LoadUint64(&p.stops),
		DuplicateStarts: atomic.LoadUint64(&p.duplicateStarts),
		DuplicateStops:  atomic.LoadUint64(&p.duplicateStops),
		Recovered:       atomic.LoadUint64(&p.recovered),
		Malformed:       atomic.LoadUint64(&p.malformed),
		OutOfOrder:      atomic.LoadUint64(&p.outOfOrder),
		PoolExhausted:   atomic.LoadUint64(&p.poolExhausted),
		NASReboots:      atomic.LoadUint64(&p.nasReboots),
	}
}

// Stats holds processor counters.
type Stats struct {
	Starts          uint64 `json:"starts"`
	Interims        uint64 `json:"interims"`
	Stops           uint64 `json:"stops"`
	DuplicateStarts uint64 `json:"duplicate_starts"`
	DuplicateStops  uint64 `json:"duplicate_stops"`
	Recovered       uint64 `json:"recovered"`
	Malformed       uint64 `json:"malformed"`
	OutOfOrder      uint64 `json:"out_of_order"`
	PoolExhausted   uint64 `json:"pool_exhausted"`
	NASReboots      uint64 `json:"nas_reboots"`
}

func addrString(a netip.Addr) string {
	if !a.IsValid() {
		return ""
	}
	return a.String()
}
