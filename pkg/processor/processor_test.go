package processor_test

import (
	"context"
	"net/netip"
	"sync"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/codelaboratoryltd/radacct/pkg/acct"
	"github.com/codelaboratoryltd/radacct/pkg/ippool"
	"github.com/codelaboratoryltd/radacct/pkg/processor"
	"github.com/codelaboratoryltd/radacct/pkg/store"
)

func TestProcessor(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Processor Suite")
}

// recordingAggregator captures usage hand-offs for assertions.
type recordingAggregator struct {
	mu     sync.Mutex
	usage  []usageCall
	closes []usageCall
}

type usageCall struct {
	uniqueID string
	username string
	in, out  uint64
	at       time.Time
}

func (r *recordingAggregator) RecordUsage(ctx context.Context, s *store.Session, in, out uint64, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.usage = append(r.usage, usageCall{uniqueID: s.UniqueID, username: s.Username, in: in, out: out, at: at})
	return nil
}

func (r *recordingAggregator) RecordClose(ctx context.Context, s *store.Session, in, out uint64, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closes = append(r.closes, usageCall{uniqueID: s.UniqueID, username: s.Username, in: in, out: out, at: at})
	return nil
}

func (r *recordingAggregator) totals() (in, out uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.usage {
		in += c.in
		out += c.out
	}
	for _, c := range r.closes {
		in += c.in
		out += c.out
	}
	return in, out
}

var _ = Describe("Processor", func() {
	var (
		ctx      context.Context
		sessions *store.MemorySessionStore
		pools    *store.MemoryPoolStore
		alloc    *ippool.Allocator
		agg      *recordingAggregator
		proc     *processor.Processor
		t0       time.Time
	)

	newEvent := func(status acct.StatusType, at time.Time) *acct.Event {
		return &acct.Event{
			SessionID:     "sess-0001",
			Username:      "alice@example.net",
			NASIdentifier: "nas-01",
			NASPort:       7,
			StatusType:    status,
			Timestamp:     at,
			FramedPool:    "residential",
		}
	}

	findSession := func() *store.Session {
		s, err := sessions.FindActive(ctx, "nas-01", "sess-0001")
		Expect(err).NotTo(HaveOccurred())
		return s
	}

	BeforeEach(func() {
		ctx = context.Background()
		sessions = store.NewMemorySessionStore()
		pools = store.NewMemoryPoolStore()
		agg = &recordingAggregator{}
		alloc = ippool.NewAllocator(pools, zap.NewNop())
		proc = processor.New(sessions, alloc, agg, processor.DefaultConfig(), zap.NewNop())
		t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

		Expect(pools.Provision(ctx, "residential", []netip.Addr{
			netip.MustParseAddr("10.0.1.1"),
			netip.MustParseAddr("10.0.1.2"),
		})).To(Succeed())
	})

	Describe("session lifecycle", func() {
		It("should carry a session from Start through Interims to Stop", func() {
			Expect(proc.Process(ctx, newEvent(acct.StatusStart, t0))).To(Succeed())

			s := findSession()
			Expect(s.Username).To(Equal("alice@example.net"))
			Expect(s.FramedAddress.String()).To(Equal("10.0.1.1"))
			Expect(s.Active()).To(BeTrue())

			interim := newEvent(acct.StatusInterimUpdate, t0.Add(time.Minute))
			interim.InputOctets = 1000
			interim.OutputOctets = 5000
			Expect(proc.Process(ctx, interim)).To(Succeed())

			interim2 := newEvent(acct.StatusInterimUpdate, t0.Add(2*time.Minute))
			interim2.InputOctets = 1500
			interim2.OutputOctets = 9000
			Expect(proc.Process(ctx, interim2)).To(Succeed())

			stop := newEvent(acct.StatusStop, t0.Add(3*time.Minute))
			stop.InputOctets = 2000
			stop.OutputOctets = 12000
			stop.TerminateCause = acct.TerminateCauseUserRequest
			Expect(proc.Process(ctx, stop)).To(Succeed())

			final, err := sessions.Get(ctx, s.UniqueID)
			Expect(err).NotTo(HaveOccurred())
			Expect(final.State).To(Equal(store.StateTerminated))
			Expect(final.InputBytes).To(Equal(uint64(2000)))
			Expect(final.OutputBytes).To(Equal(uint64(12000)))
			Expect(final.TerminateCause).To(Equal(acct.TerminateCauseUserRequest))

			// Every byte reported ends up in exactly one hand-off.
			in, out := agg.totals()
			Expect(in).To(Equal(uint64(2000)))
			Expect(out).To(Equal(uint64(12000)))

			// The address is free again.
			addr, err := alloc.Allocate(ctx, "residential", "other", time.Minute)
			Expect(err).NotTo(HaveOccurred())
			Expect(addr.String()).To(Equal("10.0.1.1"))
		})

		It("should reconstruct 64-bit counters from gigawords", func() {
			Expect(proc.Process(ctx, newEvent(acct.StatusStart, t0))).To(Succeed())

			interim := newEvent(acct.StatusInterimUpdate, t0.Add(time.Minute))
			interim.InputOctets = 500
			interim.InputGigawords = 2 // 2 * 2^32 + 500
			Expect(proc.Process(ctx, interim)).To(Succeed())

			s := findSession()
			Expect(s.InputBytes).To(Equal(uint64(2)<<32 | 500))
		})
	})

	Describe("duplicate delivery", func() {
		It("should ignore a retransmitted Start without consuming a lease", func() {
			start := newEvent(acct.StatusStart, t0)
			Expect(proc.Process(ctx, start)).To(Succeed())
			Expect(proc.Process(ctx, newEvent(acct.StatusStart, t0))).To(Succeed())

			Expect(proc.Stats().Starts).To(Equal(uint64(1)))
			Expect(proc.Stats().DuplicateStarts).To(Equal(uint64(1)))

			entries, err := pools.Entries(ctx, "residential")
			Expect(err).NotTo(HaveOccurred())
			Expect(entries[1].Leased()).To(BeFalse())
		})

		It("should make a duplicate Stop a no-op", func() {
			Expect(proc.Process(ctx, newEvent(acct.StatusStart, t0))).To(Succeed())

			stop := newEvent(acct.StatusStop, t0.Add(time.Minute))
			stop.InputOctets = 100
			Expect(proc.Process(ctx, stop)).To(Succeed())
			Expect(proc.Process(ctx, newEvent(acct.StatusStop, t0.Add(time.Minute)))).To(Succeed())

			Expect(proc.Stats().Stops).To(Equal(uint64(1)))
			Expect(proc.Stats().DuplicateStops).To(Equal(uint64(1)))

			// The second Stop must not double-count usage.
			in, _ := agg.totals()
			Expect(in).To(Equal(uint64(100)))
			Expect(agg.closes).To(HaveLen(1))
		})
	})

	Describe("recovery", func() {
		It("should synthesize a session from an Interim whose Start was lost", func() {
			interim := newEvent(acct.StatusInterimUpdate, t0)
			interim.InputOctets = 700
			Expect(proc.Process(ctx, interim)).To(Succeed())

			s := findSession()
			Expect(s.Recovered).To(BeTrue())
			Expect(s.StartTime).To(Equal(t0))
			Expect(s.FramedAddress.IsValid()).To(BeTrue())
			Expect(proc.Stats().Recovered).To(Equal(uint64(1)))

			in, _ := agg.totals()
			Expect(in).To(Equal(uint64(700)))
		})

		It("should bill a lone Stop whose Start and Interims were all lost", func() {
			stop := newEvent(acct.StatusStop, t0)
			stop.InputOctets = 300
			stop.OutputOctets = 400
			Expect(proc.Process(ctx, stop)).To(Succeed())

			Expect(proc.Stats().Recovered).To(Equal(uint64(1)))
			Expect(proc.Stats().Stops).To(Equal(uint64(1)))

			in, out := agg.totals()
			Expect(in).To(Equal(uint64(300)))
			Expect(out).To(Equal(uint64(400)))
		})
	})

	Describe("out-of-order counters", func() {
		It("should keep the high-water mark per direction", func() {
			Expect(proc.Process(ctx, newEvent(acct.StatusStart, t0))).To(Succeed())

			interim := newEvent(acct.StatusInterimUpdate, t0.Add(2*time.Minute))
			interim.InputOctets = 5000
			interim.OutputOctets = 8000
			Expect(proc.Process(ctx, interim)).To(Succeed())

			// A delayed earlier interim arrives afterwards.
			late := newEvent(acct.StatusInterimUpdate, t0.Add(time.Minute))
			late.InputOctets = 2000
			late.OutputOctets = 9000 // one direction still advances
			Expect(proc.Process(ctx, late)).To(Succeed())

			s := findSession()
			Expect(s.InputBytes).To(Equal(uint64(5000)))
			Expect(s.OutputBytes).To(Equal(uint64(9000)))
			Expect(proc.Stats().OutOfOrder).To(Equal(uint64(1)))

			in, out := agg.totals()
			Expect(in).To(Equal(uint64(5000)))
			Expect(out).To(Equal(uint64(9000)))
		})

		It("should drop an Interim straggler after Stop", func() {
			Expect(proc.Process(ctx, newEvent(acct.StatusStart, t0))).To(Succeed())
			Expect(proc.Process(ctx, newEvent(acct.StatusStop, t0.Add(time.Minute)))).To(Succeed())

			straggler := newEvent(acct.StatusInterimUpdate, t0.Add(30*time.Second))
			straggler.InputOctets = 999999
			Expect(proc.Process(ctx, straggler)).To(Succeed())

			// Nothing recovered, nothing billed.
			Expect(proc.Stats().Recovered).To(BeZero())
			in, _ := agg.totals()
			Expect(in).To(BeZero())
		})
	})

	Describe("pool exhaustion", func() {
		exhaust := func() {
			for i, id := range []string{"other-1", "other-2"} {
				ev := &acct.Event{
					SessionID:     id,
					Username:      "bob@example.net",
					NASIdentifier: "nas-02",
					NASPort:       uint32(i),
					StatusType:    acct.StatusStart,
					Timestamp:     t0,
					FramedPool:    "residential",
				}
				Expect(proc.Process(ctx, ev)).To(Succeed())
			}
		}

		It("should start the session without an address by default", func() {
			exhaust()
			Expect(proc.Process(ctx, newEvent(acct.StatusStart, t0))).To(Succeed())

			s := findSession()
			Expect(s.FramedAddress.IsValid()).To(BeFalse())
			Expect(s.Active()).To(BeTrue())
			Expect(proc.Stats().PoolExhausted).To(Equal(uint64(1)))
		})

		It("should fail the Start when an address is required", func() {
			cfg := processor.DefaultConfig()
			cfg.RequireAddress = true
			proc = processor.New(sessions, alloc, agg, cfg, zap.NewNop())

			exhaust()
			err := proc.Process(ctx, newEvent(acct.StatusStart, t0))
			Expect(err).To(MatchError(ippool.ErrPoolExhausted))

			_, err = sessions.FindActive(ctx, "nas-01", "sess-0001")
			Expect(err).To(MatchError(store.ErrNotFound))
		})
	})

	Describe("NAS restarts", func() {
		It("should close the stale session when a NAS reuses a session id", func() {
			Expect(proc.Process(ctx, newEvent(acct.StatusStart, t0))).To(Succeed())
			stale := findSession()

			// Same NAS session id, later start time: different identity.
			Expect(proc.Process(ctx, newEvent(acct.StatusStart, t0.Add(time.Hour)))).To(Succeed())

			old, err := sessions.Get(ctx, stale.UniqueID)
			Expect(err).NotTo(HaveOccurred())
			Expect(old.State).To(Equal(store.StateTerminated))
			Expect(old.TerminateCause).To(Equal(acct.TerminateCauseNASReboot))

			fresh := findSession()
			Expect(fresh.UniqueID).NotTo(Equal(stale.UniqueID))
			Expect(fresh.Active()).To(BeTrue())
		})

		It("should close every session on the NAS for Accounting-On", func() {
			Expect(proc.Process(ctx, newEvent(acct.StatusStart, t0))).To(Succeed())

			other := newEvent(acct.StatusStart, t0)
			other.SessionID = "sess-0002"
			other.Username = "carol@example.net"
			Expect(proc.Process(ctx, other)).To(Succeed())

			reboot := &acct.Event{
				StatusType:    acct.StatusAccountingOn,
				NASIdentifier: "nas-01",
				Timestamp:     t0.Add(time.Minute),
			}
			Expect(proc.Process(ctx, reboot)).To(Succeed())

			active, err := sessions.ActiveByNAS(ctx, "nas-01")
			Expect(err).NotTo(HaveOccurred())
			Expect(active).To(BeEmpty())

			// Both leases came back.
			entries, err := pools.Entries(ctx, "residential")
			Expect(err).NotTo(HaveOccurred())
			for _, e := range entries {
				Expect(e.Leased()).To(BeFalse())
			}
		})
	})

	Describe("malformed events", func() {
		It("should reject an event without a session id", func() {
			ev := newEvent(acct.StatusStart, t0)
			ev.SessionID = ""
			Expect(proc.Process(ctx, ev)).To(MatchError(acct.ErrMalformedEvent))
			Expect(proc.Stats().Malformed).To(Equal(uint64(1)))
		})

		It("should reject an unknown status type", func() {
			ev := newEvent(acct.StatusType(42), t0)
			Expect(proc.Process(ctx, ev)).To(MatchError(acct.ErrMalformedEvent))
		})
	})
})
