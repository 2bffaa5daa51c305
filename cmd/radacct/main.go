package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/codelaboratoryltd/radacct/pkg/acct"
	"github.com/codelaboratoryltd/radacct/pkg/aggregate"
	"github.com/codelaboratoryltd/radacct/pkg/ippool"
	"github.com/codelaboratoryltd/radacct/pkg/metrics"
	"github.com/codelaboratoryltd/radacct/pkg/processor"
	"github.com/codelaboratoryltd/radacct/pkg/store"
	"github.com/codelaboratoryltd/radacct/pkg/store/postgres"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "radacct",
	Short: "RADIUS accounting and IP lease core",
	Long: `radacct - Session accounting, dynamic IP pool leasing and per-day
usage aggregation for network access platforms.

Consumes RADIUS accounting events (Start/Interim-Update/Stop), maintains
the session and lease state, and feeds daily traffic summaries to billing.`,
	Version: fmt.Sprintf("%s (commit: %s)", version, commit),
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the accounting pipeline",
	Long: `Starts the accounting pipeline and reads newline-delimited JSON
accounting events from a file or stdin. Transport front-ends (RADIUS
listeners, message consumers) embed the processor directly instead.`,
	RunE: runPipeline,
}

var (
	configFile     string
	logLevel       string
	metricsAddr    string
	postgresDSN    string
	eventsPath     string
	leaseDuration  time.Duration
	sweepInterval  time.Duration
	requireAddress bool
	billingQueue   int
)

func init() {
	runCmd.Flags().StringVarP(&configFile, "config", "c", "",
		"Configuration file path (YAML)")
	runCmd.Flags().StringVarP(&logLevel, "log-level", "l", "info",
		"Log level (debug, info, warn, error)")
	runCmd.Flags().StringVar(&metricsAddr, "metrics-addr", ":9090",
		"Prometheus metrics listen address")
	runCmd.Flags().StringVar(&postgresDSN, "postgres-dsn", "",
		"PostgreSQL DSN for durable state (empty for in-memory)")
	runCmd.Flags().StringVar(&eventsPath, "events", "-",
		"Accounting event source: NDJSON file path, or '-' for stdin")
	runCmd.Flags().DurationVar(&leaseDuration, "lease-duration", 5*time.Minute,
		"Address lease lifetime; Interim-Updates renew it")
	runCmd.Flags().DurationVar(&sweepInterval, "sweep-interval", 30*time.Second,
		"How often expired leases are reclaimed")
	runCmd.Flags().BoolVar(&requireAddress, "require-address", false,
		"Reject Start events when the requested pool is exhausted")
	runCmd.Flags().IntVar(&billingQueue, "billing-queue", 1024,
		"Billing hand-off queue size")

	rootCmd.AddCommand(runCmd)
}

// Config mirrors the run flags; CLI flags that were explicitly set take
// precedence over file values.
type Config struct {
	LogLevel       string        `yaml:"log_level"`
	MetricsAddr    string        `yaml:"metrics_addr"`
	PostgresDSN    string        `yaml:"postgres_dsn"`
	Events         string        `yaml:"events"`
	LeaseDuration  time.Duration `yaml:"lease_duration"`
	SweepInterval  time.Duration `yaml:"sweep_interval"`
	RequireAddress bool          `yaml:"require_address"`
	BillingQueue   int           `yaml:"billing_queue"`

	Pools []PoolConfig `yaml:"pools"`
}

// PoolConfig declares a named pool as an inclusive address range.
type PoolConfig struct {
	Name  string `yaml:"name"`
	Start string `yaml:"start"`
	End   string `yaml:"end"`
}

func runPipeline(cmd *cobra.Command, args []string) error {
	logger, err := initLogger(logLevel)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Sync()

	cfg, err := loadConfigFile(cmd, logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger.Info("Starting radacct",
		zap.String("version", version),
		zap.String("commit", commit),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("Received signal, shutting down", zap.String("signal", sig.String()))
		cancel()
	}()

	// State backend: PostgreSQL when a DSN is given, in-memory otherwise.
	var (
		sessions  store.SessionStore
		pools     store.PoolStore
		summaries store.SummaryStore
	)
	if postgresDSN != "" {
		db, err := postgres.Open(ctx, postgresDSN)
		if err != nil {
			return fmt.Errorf("failed to connect to postgres: %w", err)
		}
		defer db.Close()
		if err := postgres.EnsureSchema(ctx, db); err != nil {
			return fmt.Errorf("failed to ensure schema: %w", err)
		}
		sessions = postgres.NewSessionStore(db)
		pools = postgres.NewPoolStore(db)
		summaries = postgres.NewSummaryStore(db)
		logger.Info("Using PostgreSQL state backend")
	} else {
		sessions = store.NewMemorySessionStore()
		pools = store.NewMemoryPoolStore()
		summaries = store.NewMemorySummaryStore()
		logger.Info("Using in-memory state backend")
	}

	if err := provisionPools(ctx, pools, cfg.Pools, logger); err != nil {
		return err
	}

	allocator := ippool.NewAllocator(pools, logger)

	aggregator := aggregate.New(summaries, &logSink{logger: logger}, aggregate.Config{
		QueueSize: billingQueue,
	}, logger)
	if err := aggregator.Start(); err != nil {
		return fmt.Errorf("failed to start aggregator: %w", err)
	}
	defer aggregator.Stop()

	proc := processor.New(sessions, allocator, aggregator, processor.Config{
		LeaseDuration:  leaseDuration,
		RequireAddress: requireAddress,
	}, logger)

	sweeper := ippool.NewSweeper(allocator, sweepInterval, logger)
	if err := sweeper.Start(); err != nil {
		return fmt.Errorf("failed to start sweeper: %w", err)
	}
	defer sweeper.Stop()

	m := metrics.New(proc, allocator, aggregator, sessions, pools, logger)
	if err := m.Register(); err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}

	stopCollector := make(chan struct{})
	defer close(stopCollector)
	go m.StartCollector(ctx, 10*time.Second, stopCollector)

	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	server := &http.Server{Addr: metricsAddr, Handler: mux}
	go func() {
		logger.Info("Metrics server listening", zap.String("addr", metricsAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Metrics server failed", zap.Error(err))
		}
	}()
	defer func() {
		shutCtx, shutCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutCancel()
		server.Shutdown(shutCtx)
	}()

	if err := consumeEvents(ctx, proc, eventsPath, logger); err != nil {
		return err
	}

	stats := proc.Stats()
	logger.Info("Pipeline finished",
		zap.Uint64("starts", stats.Starts),
		zap.Uint64("interims", stats.Interims),
		zap.Uint64("stops", stats.Stops),
		zap.Uint64("malformed", stats.Malformed),
	)
	return nil
}

func provisionPools(ctx context.Context, pools store.PoolStore, configs []PoolConfig, logger *zap.Logger) error {
	for _, pc := range configs {
		start, err := netip.ParseAddr(pc.Start)
		if err != nil {
			return fmt.Errorf("pool %q: bad start address %q: %w", pc.Name, pc.Start, err)
		}
		end, err := netip.ParseAddr(pc.End)
		if err != nil {
			return fmt.Errorf("pool %q: bad end address %q: %w", pc.Name, pc.End, err)
		}
		addrs, err := ippool.ExpandRange(start, end)
		if err != nil {
			return fmt.Errorf("pool %q: %w", pc.Name, err)
		}
		if err := pools.Provision(ctx, pc.Name, addrs); err != nil {
			return fmt.Errorf("pool %q: provisioning failed: %w", pc.Name, err)
		}
		logger.Info("Provisioned pool",
			zap.String("pool", pc.Name),
			zap.Int("addresses", len(addrs)),
		)
	}
	return nil
}

// consumeEvents feeds NDJSON accounting events into the processor until EOF
// or cancellation. Per-event failures are logged and skipped; at-least-once
// sources redeliver, so a crash here would only amplify duplicates.
func consumeEvents(ctx context.Context, proc *processor.Processor, path string, logger *zap.Logger) error {
	var in io.Reader
	if path == "-" {
		in = os.Stdin
	} else {
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("failed to open event source: %w", err)
		}
		defer f.Close()
		in = f
	}

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var ev acct.Event
		if err := json.Unmarshal(line, &ev); err != nil {
			logger.Warn("Skipping undecodable event line", zap.Error(err))
			continue
		}
		if ev.Timestamp.IsZero() {
			ev.Timestamp = time.Now()
		}

		if err := proc.Process(ctx, &ev); err != nil {
			if errors.Is(err, acct.ErrMalformedEvent) {
				continue // already counted and logged
			}
			logger.Error("Event processing failed",
				zap.String("session_id", ev.SessionID),
				zap.Error(err),
			)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading event source: %w", err)
	}
	return nil
}

// logSink is the default billing collaborator: it logs closed-session
// summaries. Real deployments implement aggregate.BillingSink against
// their billing system.
type logSink struct {
	logger *zap.Logger
}

func (s *logSink) SessionClosed(summary store.TrafficSummary) {
	s.logger.Info("Billing summary",
		zap.String("subject", summary.Subject),
		zap.String("day", string(summary.Day)),
		zap.Uint64("input_bytes", summary.TotalInputBytes),
		zap.Uint64("output_bytes", summary.TotalOutputBytes),
		zap.Uint64("session_seconds", summary.TotalSessionSeconds),
		zap.Uint64("sessions", summary.SessionCount),
	)
}

func initLogger(level string) (*zap.Logger, error) {
	var zapLevel zap.AtomicLevel
	switch level {
	case "debug":
		zapLevel = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		zapLevel = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		zapLevel = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		zapLevel = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		return nil, fmt.Errorf("invalid log level: %s", level)
	}

	config := zap.NewProductionConfig()
	config.Level = zapLevel
	config.Encoding = "json"

	return config.Build()
}

func loadConfigFile(cmd *cobra.Command, logger *zap.Logger) (*Config, error) {
	cfg := &Config{}
	if configFile == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(configFile)
	if err != nil {
		if os.IsNotExist(err) && !cmd.Flags().Changed("config") {
			return cfg, nil
		}
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", configFile, err)
	}

	// File values fill in flags the user did not set explicitly.
	flags := cmd.Flags()
	if !flags.Changed("log-level") && cfg.LogLevel != "" {
		logLevel = cfg.LogLevel
	}
	if !flags.Changed("metrics-addr") && cfg.MetricsAddr != "" {
		metricsAddr = cfg.MetricsAddr
	}
	if !flags.Changed("postgres-dsn") && cfg.PostgresDSN != "" {
		postgresDSN = cfg.PostgresDSN
	}
	if !flags.Changed("events") && cfg.Events != "" {
		eventsPath = cfg.Events
	}
	if !flags.Changed("lease-duration") && cfg.LeaseDuration > 0 {
		leaseDuration = cfg.LeaseDuration
	}
	if !flags.Changed("sweep-interval") && cfg.SweepInterval > 0 {
		sweepInterval = cfg.SweepInterval
	}
	if !flags.Changed("require-address") {
		requireAddress = requireAddress || cfg.RequireAddress
	}
	if !flags.Changed("billing-queue") && cfg.BillingQueue > 0 {
		billingQueue = cfg.BillingQueue
	}

	logger.Info("Loaded configuration", zap.String("file", configFile))
	return cfg, nil
}
