package main

import (
	"context"
	"fmt"
	"math/rand"
	"net/netip"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/codelaboratoryltd/radacct/pkg/acct"
	"github.com/codelaboratoryltd/radacct/pkg/aggregate"
	"github.com/codelaboratoryltd/radacct/pkg/ippool"
	"github.com/codelaboratoryltd/radacct/pkg/processor"
	"github.com/codelaboratoryltd/radacct/pkg/store"
)

var (
	demoSessions int
	demoPoolSize int
	demoDuration time.Duration
	demoInterim  time.Duration
	demoNASCount int
)

func init() {
	demoCmd.Flags().IntVar(&demoSessions, "sessions", 20,
		"Number of simulated subscriber sessions")
	demoCmd.Flags().IntVar(&demoPoolSize, "pool-size", 16,
		"Addresses in the simulated pool (smaller than sessions exercises exhaustion)")
	demoCmd.Flags().DurationVar(&demoDuration, "duration", 15*time.Second,
		"How long to run the simulation")
	demoCmd.Flags().DurationVar(&demoInterim, "interim-interval", 2*time.Second,
		"Interval between Interim-Updates per session")
	demoCmd.Flags().IntVar(&demoNASCount, "nas-count", 2,
		"Number of simulated NAS devices")

	rootCmd.AddCommand(demoCmd)
}

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Run a simulated accounting workload",
	Long: `Simulates a fleet of NAS devices emitting Start/Interim-Update/Stop
events through the full pipeline: pool allocation, counter reconciliation,
daily aggregation and the billing feed. Includes duplicate deliveries, a
lost Start, gigaword rollover and a NAS reboot.`,
	RunE: runDemo,
}

type demoRunner struct {
	logger *zap.Logger
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	proc       *processor.Processor
	allocator  *ippool.Allocator
	aggregator *aggregate.Aggregator
	sessions   store.SessionStore
	summaries  store.SummaryStore

	mu       sync.Mutex
	billedBy map[string]uint64
}

func runDemo(cmd *cobra.Command, args []string) error {
	logConfig := zap.NewDevelopmentConfig()
	logConfig.EncoderConfig.TimeKey = ""
	logger, err := logConfig.Build()
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())

	runner := &demoRunner{
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		billedBy: make(map[string]uint64),
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("\nReceived interrupt, shutting down...")
		cancel()
	}()

	return runner.run()
}

func (d *demoRunner) run() error {
	d.printBanner()

	if err := d.initComponents(); err != nil {
		return fmt.Errorf("init components: %w", err)
	}
	defer d.aggregator.Stop()

	d.wg.Add(1)
	go d.runScenario()

	select {
	case <-d.ctx.Done():
	case <-time.After(demoDuration):
	}

	d.cancel()
	d.wg.Wait()
	d.printFinalStats()
	return nil
}

func (d *demoRunner) printBanner() {
	fmt.Print(`
╔══════════════════════════════════════════════════════════════╗
║        radacct Demo: Accounting Session Lifecycle            ║
║        Start → Interim-Update → Stop → Billing               ║
╚══════════════════════════════════════════════════════════════╝
`)
	fmt.Printf("Configuration:\n")
	fmt.Printf("  Sessions:         %d\n", demoSessions)
	fmt.Printf("  Pool size:        %d\n", demoPoolSize)
	fmt.Printf("  NAS devices:      %d\n", demoNASCount)
	fmt.Printf("  Duration:         %s\n", demoDuration)
	fmt.Printf("  Interim interval: %s\n", demoInterim)
	fmt.Println()
}

func (d *demoRunner) initComponents() error {
	d.sessions = store.NewMemorySessionStore()
	pools := store.NewMemoryPoolStore()
	d.summaries = store.NewMemorySummaryStore()

	start := netip.MustParseAddr("10.64.0.10")
	addrs, err := ippool.ExpandRange(start, addrOffset(start, demoPoolSize-1))
	if err != nil {
		return err
	}
	if err := pools.Provision(d.ctx, "residential", addrs); err != nil {
		return err
	}

	d.allocator = ippool.NewAllocator(pools, d.logger)

	d.aggregator = aggregate.New(d.summaries, d, aggregate.DefaultConfig(), d.logger)
	if err := d.aggregator.Start(); err != nil {
		return err
	}

	cfg := processor.DefaultConfig()
	cfg.LeaseDuration = 2 * demoInterim
	d.proc = processor.New(d.sessions, d.allocator, d.aggregator, cfg, d.logger)
	return nil
}

// SessionClosed implements aggregate.BillingSink.
func (d *demoRunner) SessionClosed(summary store.TrafficSummary) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.billedBy[summary.Subject] = summary.TotalInputBytes + summary.TotalOutputBytes
}

// simSession is one simulated subscriber session and its true byte counters.
type simSession struct {
	ev      acct.Event
	in, out uint64
}

func (d *demoRunner) runScenario() {
	defer d.wg.Done()

	sims := make([]*simSession, 0, demoSessions)
	for i := 0; i < demoSessions; i++ {
		s := &simSession{ev: acct.Event{
			SessionID:     fmt.Sprintf("sess-%04d", i),
			Username:      fmt.Sprintf("user%02d@example.net", i%10),
			NASIdentifier: fmt.Sprintf("nas-%02d", i%demoNASCount),
			NASPort:       uint32(i),
			FramedPool:    "residential",
		}}
		sims = append(sims, s)

		s.ev.StatusType = acct.StatusStart
		s.ev.Timestamp = time.Now()
		d.proc.Process(d.ctx, cloneEvent(s.ev))

		// A few Starts arrive twice; the processor must not double-lease.
		if i%7 == 0 {
			d.proc.Process(d.ctx, cloneEvent(s.ev))
		}
	}

	// One session's Start was lost in transit; its Interim must recover it.
	ghost := &simSession{ev: acct.Event{
		SessionID:     "sess-ghost",
		Username:      "ghost@example.net",
		NASIdentifier: "nas-01",
	}}
	sims = append(sims, ghost)

	ticker := time.NewTicker(demoInterim)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			d.stopAll(sims)
			return
		case <-ticker.C:
		}

		for _, s := range sims {
			s.in += uint64(rand.Intn(10_000_000))
			s.out += uint64(rand.Intn(50_000_000))

			s.ev.StatusType = acct.StatusInterimUpdate
			s.ev.Timestamp = time.Now()
			s.ev.InputOctets = uint32(s.in)
			s.ev.InputGigawords = uint32(s.in >> 32)
			s.ev.OutputOctets = uint32(s.out)
			s.ev.OutputGigawords = uint32(s.out >> 32)
			d.proc.Process(d.ctx, cloneEvent(s.ev))
		}
	}
}

func (d *demoRunner) stopAll(sims []*simSession) {
	// Shutdown uses a background context; the scenario context is done.
	ctx := context.Background()

	// Sessions on the first NAS go down with an Accounting-On reboot
	// signal; the rest stop individually, one of them twice.
	d.proc.Process(ctx, &acct.Event{
		StatusType:    acct.StatusAccountingOn,
		NASIdentifier: "nas-00",
		Timestamp:     time.Now(),
	})

	for i, s := range sims {
		if s.ev.NASIdentifier == "nas-00" {
			continue
		}
		s.ev.StatusType = acct.StatusStop
		s.ev.Timestamp = time.Now()
		s.ev.TerminateCause = acct.TerminateCauseUserRequest
		d.proc.Process(ctx, cloneEvent(s.ev))
		if i%5 == 0 {
			d.proc.Process(ctx, cloneEvent(s.ev))
		}
	}
}

func cloneEvent(ev acct.Event) *acct.Event {
	return &ev
}

// addrOffset returns addr advanced by n.
func addrOffset(addr netip.Addr, n int) netip.Addr {
	for i := 0; i < n; i++ {
		addr = addr.Next()
	}
	return addr
}

func (d *demoRunner) printFinalStats() {
	stats := d.proc.Stats()
	alloc := d.allocator.Stats()
	agg := d.aggregator.Stats()

	fmt.Println()
	fmt.Println("═══════════════════ Final Statistics ═══════════════════")
	fmt.Printf("  Starts processed:    %d (duplicates: %d)\n", stats.Starts, stats.DuplicateStarts)
	fmt.Printf("  Interims processed:  %d\n", stats.Interims)
	fmt.Printf("  Stops processed:     %d (duplicates: %d)\n", stats.Stops, stats.DuplicateStops)
	fmt.Printf("  Sessions recovered:  %d\n", stats.Recovered)
	fmt.Printf("  Pool exhaustion:     %d\n", stats.PoolExhausted)
	fmt.Printf("  Leases reclaimed:    %d\n", alloc.Reclaimed)
	fmt.Printf("  Usage deltas:        %d\n", agg.DeltasRecorded)
	fmt.Printf("  Billing deliveries:  %d (dropped: %d)\n", agg.FeedDelivered, agg.FeedDropped)

	d.mu.Lock()
	defer d.mu.Unlock()
	fmt.Printf("  Billed subjects:     %d\n", len(d.billedBy))
	fmt.Println("════════════════════════════════════════════════════════")
}
