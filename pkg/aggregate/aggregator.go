// Package aggregate rolls session usage into per-subject daily traffic
// summaries and feeds them to the billing collaborator.
package aggregate

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/codelaboratoryltd/radacct/pkg/store"
)

// BillingSink receives summaries for sessions that just closed. Delivery is
// fire-and-forget with respect to event processing: a slow sink must never
// delay acknowledgment of an accounting event, because the NAS retransmits
// on timeout.
type BillingSink interface {
	SessionClosed(summary store.TrafficSummary)
}

// Config configures the aggregator.
type Config struct {
	// QueueSize bounds the billing hand-off queue (default: 1024).
	QueueSize int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{QueueSize: 1024}
}

// Aggregator owns TrafficSummary mutation. It records usage deltas for both
// the username and the NAS identifier subjects, attributed to the UTC day of
// the event.
type Aggregator struct {
	summaries store.SummaryStore
	sink      BillingSink
	logger    *zap.Logger
	config    Config

	feed    chan store.TrafficSummary
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running int32

	// Statistics
	deltasRecorded uint64
	feedDelivered  uint64
	feedDropped    uint64
}

// New creates an aggregator. The sink may be nil when no billing
// collaborator is attached.
func New(summaries store.SummaryStore, sink BillingSink, config Config, logger *zap.Logger) *Aggregator {
	if config.QueueSize == 0 {
		config.QueueSize = 1024
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Aggregator{
		summaries: summaries,
		sink:      sink,
		logger:    logger,
		config:    config,
		feed:      make(chan store.TrafficSummary, config.QueueSize),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start launches the billing delivery worker.
func (a *Aggregator) Start() error {
	if !atomic.CompareAndSwapInt32(&a.running, 0, 1) {
		return fmt.Errorf("aggregator already running")
	}
	a.wg.Add(1)
	go a.deliveryLoop()
	return nil
}

// Stop drains the delivery worker.
func (a *Aggregator) Stop() {
	if !atomic.CompareAndSwapInt32(&a.running, 1, 0) {
		return
	}
	a.cancel()
	a.wg.Wait()
}

// RecordUsage adds an interim usage delta for the session to the current
// day's summaries of both subjects.
func (a *Aggregator) RecordUsage(ctx context.Context, s *store.Session, inputDelta, outputDelta uint64, at time.Time) error {
	delta := store.SummaryDelta{InputBytes: inputDelta, OutputBytes: outputDelta}
	return a.apply(ctx, s, delta, at)
}

// RecordClose adds the final usage delta and the session's total duration,
// increments the closed-session count, and queues the username summary for
// billing delivery.
func (a *Aggregator) RecordClose(ctx context.Context, s *store.Session, inputDelta, outputDelta uint64, at time.Time) error {
	seconds := uint64(0)
	if s.StopTime.After(s.StartTime) {
		seconds = uint64(s.StopTime.Sub(s.StartTime).Seconds())
	}
	delta := store.SummaryDelta{
		InputBytes:     inputDelta,
		OutputBytes:    outputDelta,
		SessionSeconds: seconds,
		SessionsClosed: 1,
	}
	if err := a.apply(ctx, s, delta, at); err != nil {
		return err
	}

	if a.sink != nil {
		summary, err := a.summaries.Get(ctx, s.Username, store.DayOf(at))
		if err != nil {
			return fmt.Errorf("loading summary for billing feed: %w", err)
		}
		select {
		case a.feed <- summary:
		default:
			atomic.AddUint64(&a.feedDropped, 1)
			a.logger.Warn("Billing feed queue full, summary dropped",
				zap.String("subject", summary.Subject),
				zap.String("day", string(summary.Day)),
			)
		}
	}
	return nil
}

// GetSummary returns the aggregate for a subject and day. This is the
// read-only surface exposed to the billing and reporting collaborators.
func (a *Aggregator) GetSummary(ctx context.Context, subject string, day store.Day) (store.TrafficSummary, error) {
	return a.summaries.Get(ctx, subject, day)
}

// Stats returns a snapshot of aggregator counters.
func (a *Aggregator) Stats() Stats {
	return Stats{
		DeltasRecorded: atomic.LoadUint64(&a.deltasRecorded),
		FeedDelivered:  atomic.LoadUint64(&a.feedDelivered),
		FeedDropped:    atomic.LoadUint64(&a.feedDropped),
	}
}

// Stats holds aggregator counters.
type Stats struct {
	DeltasRecorded uint64 `json:"deltas_recorded"`
	FeedDelivered  uint64 `json:"feed_delivered"`
	FeedDropped    uint64 `json:"feed_dropped"`
}

func (a *Aggregator) apply(ctx context.Context, s *store.Session, delta store.SummaryDelta, at time.Time) error {
	day := store.DayOf(at)
	for _, subject := range []string{s.Username, s.NASIdentifier} {
		if subject == "" {
			continue
		}
		if _, err := a.summaries.Add(ctx, subject, day, delta); err != nil {
			return fmt.Errorf("updating summary for %s/%s: %w", subject, day, err)
		}
	}
	atomic.AddUint64(&a.deltasRecorded, 1)
	return nil
}

func (a *Aggregator) deliveryLoop() {
	defer a.wg.Done()

	for {
		select {
		case <-a.ctx.Done():
			return
		case summary := <-a.feed:
			a.sink.SessionClosed(summary)
			atomic.AddUint64(&a.feedDelivered, 1)
		}
	}
}
