package metrics

import (
	"context"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/codelaboratoryltd/radacct/pkg/acct"
	"github.com/codelaboratoryltd/radacct/pkg/aggregate"
	"github.com/codelaboratoryltd/radacct/pkg/ippool"
	"github.com/codelaboratoryltd/radacct/pkg/processor"
	"github.com/codelaboratoryltd/radacct/pkg/store"
)

func TestNew(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	m := New(nil, nil, nil, nil, nil, logger)

	if m == nil {
		t.Fatal("Expected non-nil Metrics")
	}

	// Verify all metric fields are initialized
	if m.eventsTotal == nil {
		t.Error("eventsTotal not initialized")
	}
	if m.eventErrorsTotal == nil {
		t.Error("eventErrorsTotal not initialized")
	}
	if m.sessionsRecovered == nil {
		t.Error("sessionsRecovered not initialized")
	}
	if m.sessionsActive == nil {
		t.Error("sessionsActive not initialized")
	}
	if m.poolLeased == nil {
		t.Error("poolLeased not initialized")
	}
	if m.poolUtilization == nil {
		t.Error("poolUtilization not initialized")
	}
	if m.leasesReclaimed == nil {
		t.Error("leasesReclaimed not initialized")
	}
	if m.feedDelivered == nil {
		t.Error("feedDelivered not initialized")
	}
}

func TestRegister(t *testing.T) {
	// Use a new registry for isolation
	reg := prometheus.NewRegistry()
	oldDefault := prometheus.DefaultRegisterer
	prometheus.DefaultRegisterer = reg
	defer func() { prometheus.DefaultRegisterer = oldDefault }()

	logger, _ := zap.NewDevelopment()
	m := New(nil, nil, nil, nil, nil, logger)

	err := m.Register()
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	// Register again should not fail (already registered is ignored)
	err = m.Register()
	if err != nil {
		t.Fatalf("Register() second call error = %v", err)
	}
}

func TestHandler(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	m := New(nil, nil, nil, nil, nil, logger)

	handler := m.Handler()
	if handler == nil {
		t.Error("Expected non-nil handler")
	}
}

func TestCollectWithNilComponents(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	m := New(nil, nil, nil, nil, nil, logger)

	// Should not panic even with nil references
	m.Collect(context.Background())
}

func TestCollectGathersComponentStats(t *testing.T) {
	reg := prometheus.NewRegistry()
	oldDefault := prometheus.DefaultRegisterer
	prometheus.DefaultRegisterer = reg
	defer func() { prometheus.DefaultRegisterer = oldDefault }()

	ctx := context.Background()
	logger := zap.NewNop()

	sessions := store.NewMemorySessionStore()
	pools := store.NewMemoryPoolStore()
	summaries := store.NewMemorySummaryStore()
	if err := pools.Provision(ctx, "residential", []netip.Addr{
		netip.MustParseAddr("10.0.1.1"),
		netip.MustParseAddr("10.0.1.2"),
	}); err != nil {
		t.Fatal(err)
	}

	alloc := ippool.NewAllocator(pools, logger)
	agg := aggregate.New(summaries, nil, aggregate.DefaultConfig(), logger)
	proc := processor.New(sessions, alloc, agg, processor.DefaultConfig(), logger)

	m := New(proc, alloc, agg, sessions, pools, logger)
	if err := m.Register(); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	ev := &acct.Event{
		SessionID:     "sess-1",
		Username:      "alice@example.net",
		NASIdentifier: "nas-01",
		StatusType:    acct.StatusStart,
		Timestamp:     time.Now(),
		FramedPool:    "residential",
	}
	if err := proc.Process(ctx, ev); err != nil {
		t.Fatalf("Process() error = %v", err)
	}

	m.Collect(ctx)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}

	found := map[string]bool{
		"radacct_events_total":    false,
		"radacct_sessions_active": false,
		"radacct_pool_leased":     false,
	}
	for _, f := range families {
		if _, ok := found[f.GetName()]; ok {
			found[f.GetName()] = true
		}
		if !strings.HasPrefix(f.GetName(), "radacct_") {
			t.Errorf("Unexpected metric namespace: %s", f.GetName())
		}
	}
	for name, ok := range found {
		if !ok {
			t.Errorf("Metric %q not found in registry", name)
		}
	}

	// A second Collect must not re-add already counted deltas.
	m.Collect(ctx)
	m.Collect(ctx)

	count := counterValue(t, reg, "radacct_events_total", "type", "start")
	if count != 1 {
		t.Errorf("events_total{type=start} = %v, want 1", count)
	}
}

func counterValue(t *testing.T, reg *prometheus.Registry, name, labelKey, labelValue string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, metric := range f.GetMetric() {
			for _, l := range metric.GetLabel() {
				if l.GetName() == labelKey && l.GetValue() == labelValue {
					return metric.GetCounter().GetValue()
				}
			}
		}
	}
	t.Fatalf("metric %s{%s=%q} not found", name, labelKey, labelValue)
	return 0
}
