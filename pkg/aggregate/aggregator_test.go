package aggregate_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/codelaboratoryltd/radacct/pkg/aggregate"
	"github.com/codelaboratoryltd/radacct/pkg/store"
)

// chanSink delivers summaries to a channel for test synchronization.
type chanSink struct {
	ch chan store.TrafficSummary
}

func (s *chanSink) SessionClosed(summary store.TrafficSummary) {
	s.ch <- summary
}

func session(username, nas string) *store.Session {
	return &store.Session{
		UniqueID:      "uid-1",
		SessionID:     "sess-1",
		Username:      username,
		NASIdentifier: nas,
		State:         store.StateActive,
		StartTime:     time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC),
	}
}

func TestRecordUsageUpdatesBothSubjects(t *testing.T) {
	summaries := store.NewMemorySummaryStore()
	agg := aggregate.New(summaries, nil, aggregate.DefaultConfig(), zap.NewNop())

	ctx := context.Background()
	at := time.Date(2025, 6, 1, 14, 30, 0, 0, time.UTC)
	s := session("alice@example.net", "nas-01")

	require.NoError(t, agg.RecordUsage(ctx, s, 1000, 5000, at))
	require.NoError(t, agg.RecordUsage(ctx, s, 500, 2500, at))

	for _, subject := range []string{"alice@example.net", "nas-01"} {
		sum, err := agg.GetSummary(ctx, subject, store.Day("2025-06-01"))
		require.NoError(t, err, "subject %s", subject)
		assert.Equal(t, uint64(1500), sum.TotalInputBytes)
		assert.Equal(t, uint64(7500), sum.TotalOutputBytes)
		assert.Equal(t, uint64(0), sum.SessionCount, "interims do not close sessions")
	}
}

func TestUsageBucketsByUTCDay(t *testing.T) {
	summaries := store.NewMemorySummaryStore()
	agg := aggregate.New(summaries, nil, aggregate.DefaultConfig(), zap.NewNop())

	ctx := context.Background()
	s := session("alice@example.net", "nas-01")

	// 23:30 UTC-2 on June 1 is 01:30 UTC June 2.
	tz := time.FixedZone("UTC-2", -2*60*60)
	late := time.Date(2025, 6, 1, 23, 30, 0, 0, tz)
	require.NoError(t, agg.RecordUsage(ctx, s, 100, 0, late))

	_, err := agg.GetSummary(ctx, "alice@example.net", store.Day("2025-06-01"))
	assert.ErrorIs(t, err, store.ErrNotFound)

	sum, err := agg.GetSummary(ctx, "alice@example.net", store.Day("2025-06-02"))
	require.NoError(t, err)
	assert.Equal(t, uint64(100), sum.TotalInputBytes)
}

func TestRecordCloseDeliversToBilling(t *testing.T) {
	summaries := store.NewMemorySummaryStore()
	sink := &chanSink{ch: make(chan store.TrafficSummary, 1)}
	agg := aggregate.New(summaries, sink, aggregate.DefaultConfig(), zap.NewNop())
	require.NoError(t, agg.Start())
	defer agg.Stop()

	ctx := context.Background()
	s := session("alice@example.net", "nas-01")
	s.StopTime = s.StartTime.Add(90 * time.Minute)

	require.NoError(t, agg.RecordClose(ctx, s, 2000, 12000, s.StopTime))

	select {
	case sum := <-sink.ch:
		assert.Equal(t, "alice@example.net", sum.Subject)
		assert.Equal(t, store.Day("2025-06-01"), sum.Day)
		assert.Equal(t, uint64(1), sum.SessionCount)
		assert.Equal(t, uint64(2000), sum.TotalInputBytes)
		assert.Equal(t, uint64(12000), sum.TotalOutputBytes)
		assert.Equal(t, uint64(90*60), sum.TotalSessionSeconds)
	case <-time.After(2 * time.Second):
		t.Fatal("billing sink never received the summary")
	}
}

func TestBillingQueueOverflowDropsNotBlocks(t *testing.T) {
	summaries := store.NewMemorySummaryStore()
	// Sink with no consumer and a single-slot queue; the aggregator is
	// deliberately not started so the queue never drains.
	sink := &chanSink{ch: make(chan store.TrafficSummary)}
	agg := aggregate.New(summaries, sink, aggregate.Config{QueueSize: 1}, zap.NewNop())

	ctx := context.Background()
	s := session("alice@example.net", "nas-01")
	s.StopTime = s.StartTime.Add(time.Hour)

	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.NoError(t, agg.RecordClose(ctx, s, 1, 0, s.StopTime))
		assert.NoError(t, agg.RecordClose(ctx, s, 1, 0, s.StopTime))
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("RecordClose blocked on a full billing queue")
	}
	assert.Equal(t, uint64(1), agg.Stats().FeedDropped)

	// The summary itself is intact; only the hand-off was dropped.
	sum, err := agg.GetSummary(ctx, "alice@example.net", store.Day("2025-06-01"))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), sum.TotalInputBytes)
	assert.Equal(t, uint64(2), sum.SessionCount)
}

func TestDeltasAreConserved(t *testing.T) {
	summaries := store.NewMemorySummaryStore()
	agg := aggregate.New(summaries, nil, aggregate.DefaultConfig(), zap.NewNop())

	ctx := context.Background()
	at := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

	var wantIn, wantOut uint64
	users := []string{"a@example.net", "b@example.net", "c@example.net"}
	for i, u := range users {
		s := session(u, "nas-01")
		s.UniqueID = u
		for j := 0; j < 5; j++ {
			in := uint64(100*i + j)
			out := uint64(1000*i + 10*j)
			require.NoError(t, agg.RecordUsage(ctx, s, in, out, at))
			wantIn += in
			wantOut += out
		}
	}

	// The shared NAS subject sees the sum of every user's deltas.
	sum, err := agg.GetSummary(ctx, "nas-01", store.DayOf(at))
	require.NoError(t, err)
	assert.Equal(t, wantIn, sum.TotalInputBytes)
	assert.Equal(t, wantOut, sum.TotalOutputBytes)
}

func TestGetSummaryUnknownSubject(t *testing.T) {
	summaries := store.NewMemorySummaryStore()
	agg := aggregate.New(summaries, nil, aggregate.DefaultConfig(), zap.NewNop())

	_, err := agg.GetSummary(context.Background(), "nobody", store.Day("2025-06-01"))
	assert.ErrorIs(t, err, store.ErrNotFound)
}
