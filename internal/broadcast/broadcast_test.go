package broadcast

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/groupchat/internal/protocol/pdu"
	"github.com/danmuck/groupchat/internal/registry"
	"github.com/danmuck/groupchat/internal/stats"
	"github.com/danmuck/groupchat/internal/testutil/fakeconn"
	"github.com/danmuck/groupchat/internal/testutil/testlog"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1700000000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

type fixture struct {
	reg      *registry.Registry
	counters *stats.Counters
	clock    *fakeClock
	b        *Broadcaster
	conns    map[string]*fakeconn.Transport
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	counters := stats.New()
	reg := registry.New(0, counters)
	clock := newFakeClock()
	return &fixture{
		reg:      reg,
		counters: counters,
		clock:    clock,
		b:        New(reg, counters, cfg, WithClock(clock.Now), WithSeed(1)),
		conns:    make(map[string]*fakeconn.Transport),
	}
}

func (f *fixture) join(t *testing.T, id string, reliable bool) *fakeconn.Transport {
	t.Helper()
	conn := fakeconn.New(id+":addr", reliable)
	if _, err := f.reg.TryRegister(id, conn, "tag-"+id); err != nil {
		t.Fatalf("register %s: %v", id, err)
	}
	if err := f.reg.Promote(id); err != nil {
		t.Fatalf("promote %s: %v", id, err)
	}
	f.conns[id] = conn
	return conn
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Backoff = BackoffConfig{InitialDelay: 2 * time.Second, Multiplier: 1.0}
	return cfg
}

func TestBroadcastReachesEveryReliableClient(t *testing.T) {
	for _, deliverToSender := range []bool{true, false} {
		deliverToSender := deliverToSender
		t.Run(fmt.Sprintf("deliver_to_sender=%v", deliverToSender), func(t *testing.T) {
			testlog.Start(t)
			cfg := testConfig()
			cfg.DeliverToSender = deliverToSender
			f := newFixture(t, cfg)
			for _, id := range []string{"alice", "bob", "carol"} {
				f.join(t, id, true)
			}

			report, err := f.b.Broadcast(context.Background(), Announcement{
				Origin: "alice", OriginSequence: 4, Type: pdu.EventMessage, Text: "hello",
			})
			if err != nil {
				t.Fatalf("broadcast: %v", err)
			}
			want := 3
			if !deliverToSender {
				want = 2
			}
			if report.Targets != want || report.Sent != want || report.Failed != 0 || report.Tracked != 0 {
				t.Fatalf("unexpected report: %+v", report)
			}
			if report.EventID != "alice:4:1" {
				t.Fatalf("unexpected event id: %q", report.EventID)
			}
			for id, conn := range f.conns {
				events := conn.SentOf(pdu.KindEvent)
				if id == "alice" && !deliverToSender {
					if len(events) != 0 {
						t.Fatalf("sender received its own event")
					}
					continue
				}
				if len(events) != 1 {
					t.Fatalf("%s got %d events", id, len(events))
				}
				ev := events[0]
				if ev.ClientID != id || ev.OriginClientID != "alice" || ev.EventID != report.EventID || ev.Payload != "hello" {
					t.Fatalf("%s got unexpected event: %+v", id, ev)
				}
				if ev.ReceiverTag != "tag-"+id {
					t.Fatalf("%s receiver tag=%q", id, ev.ReceiverTag)
				}
			}
			if got := f.counters.Snapshot().EventsSent; got != uint64(want) {
				t.Fatalf("events sent=%d want %d", got, want)
			}
			if len(f.b.Pending()) != 0 {
				t.Fatalf("reliable recipients must not be tracked")
			}
		})
	}
}

func TestEventIDsStayUniqueAcrossBroadcasts(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t, testConfig())
	f.join(t, "alice", true)
	seen := map[string]bool{}
	for i := 0; i < 5; i++ {
		// same origin sequence, as after a re-login
		r, err := f.b.Broadcast(context.Background(), Announcement{Origin: "alice", OriginSequence: 1, Type: pdu.EventMessage})
		if err != nil {
			t.Fatalf("broadcast: %v", err)
		}
		if seen[r.EventID] {
			t.Fatalf("duplicate event id %q", r.EventID)
		}
		seen[r.EventID] = true
	}
}

func TestLostEventIsRetriedUntilConfirmed(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t, testConfig())
	f.join(t, "alice", false)
	bob := f.join(t, "bob", false)
	dropped := 0
	bob.DropWhen(func(env pdu.Envelope) bool {
		if env.Kind == pdu.KindEvent && dropped < 2 {
			dropped++
			return true
		}
		return false
	})

	report, err := f.b.Broadcast(context.Background(), Announcement{Origin: "alice", OriginSequence: 1, Type: pdu.EventMessage, Text: "hi"})
	if err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	if report.Tracked != 2 {
		t.Fatalf("expected both datagram recipients tracked: %+v", report)
	}
	if !f.b.Confirm("alice", report.EventID) {
		t.Fatalf("alice confirm should match")
	}

	if n := f.b.Sweep(f.clock.Advance(time.Second)); n != 0 {
		t.Fatalf("resent before deadline: %d", n)
	}
	if n := f.b.Sweep(f.clock.Advance(time.Second)); n != 1 {
		t.Fatalf("expected second attempt, got %d", n)
	}
	if len(bob.SentOf(pdu.KindEvent)) != 0 {
		t.Fatalf("first two attempts to bob should have been lost")
	}
	if n := f.b.Sweep(f.clock.Advance(2 * time.Second)); n != 1 {
		t.Fatalf("expected third attempt, got %d", n)
	}
	events := bob.SentOf(pdu.KindEvent)
	if len(events) != 1 || events[0].EventID != report.EventID || events[0].Payload != "hi" {
		t.Fatalf("bob should hold the third attempt: %+v", events)
	}
	if !f.b.Confirm("bob", report.EventID) {
		t.Fatalf("bob confirm should match")
	}
	if len(f.b.Pending()) != 0 {
		t.Fatalf("pending should be empty: %+v", f.b.Pending())
	}
	snap := f.counters.Snapshot()
	if snap.Retries != 2 || snap.ConfirmsReceived != 2 || snap.ConfirmsLost != 0 {
		t.Fatalf("unexpected counters: %+v", snap)
	}
	if n := f.b.Sweep(f.clock.Advance(10 * time.Second)); n != 0 {
		t.Fatalf("confirmed entry resent: %d", n)
	}
}

func TestUnconfirmedEventIsAbandonedAfterMaxAttempts(t *testing.T) {
	testlog.Start(t)
	cfg := testConfig()
	cfg.MaxAttempts = 2
	f := newFixture(t, cfg)
	f.join(t, "alice", true)
	bob := f.join(t, "bob", false)
	bob.DropWhen(func(env pdu.Envelope) bool { return env.Kind == pdu.KindEvent })

	if _, err := f.b.Broadcast(context.Background(), Announcement{Origin: "alice", OriginSequence: 1, Type: pdu.EventMessage}); err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	f.b.Sweep(f.clock.Advance(2 * time.Second))
	f.b.Sweep(f.clock.Advance(2 * time.Second))
	f.b.Sweep(f.clock.Advance(2 * time.Second))

	if got := bob.Attempts(pdu.KindEvent); got != 2 {
		t.Fatalf("bob send attempts=%d want 2", got)
	}
	snap := f.counters.Snapshot()
	if snap.ConfirmsLost != 1 || snap.Retries != 1 {
		t.Fatalf("unexpected counters: %+v", snap)
	}
	if len(f.b.Pending()) != 0 {
		t.Fatalf("abandoned entry still pending")
	}
	if _, ok := f.reg.Lookup("bob"); !ok {
		t.Fatalf("loss must not unregister the recipient")
	}
}

func TestConfirmBeforeDeadlineWinsOverSweep(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t, testConfig())
	f.join(t, "alice", false)
	report, _ := f.b.Broadcast(context.Background(), Announcement{Origin: "alice", OriginSequence: 1, Type: pdu.EventMessage})

	if !f.b.Confirm("alice", report.EventID) {
		t.Fatalf("confirm should match")
	}
	if n := f.b.Sweep(f.clock.Advance(time.Minute)); n != 0 {
		t.Fatalf("confirmed event resent")
	}
	if f.b.Confirm("alice", report.EventID) {
		t.Fatalf("second confirm should be late")
	}
	if f.b.Confirm("nobody", "x:1:1") {
		t.Fatalf("unknown confirm should be late")
	}
	if snap := f.counters.Snapshot(); snap.ConfirmsLate != 2 || snap.ConfirmsReceived != 1 {
		t.Fatalf("unexpected counters: %+v", snap)
	}
}

func TestConfirmRaceWithSweep(t *testing.T) {
	testlog.Start(t)
	cfg := testConfig()
	cfg.MaxAttempts = 100
	f := newFixture(t, cfg)
	for i := 0; i < 20; i++ {
		f.join(t, fmt.Sprintf("c%02d", i), false)
	}
	report, _ := f.b.Broadcast(context.Background(), Announcement{Origin: "c00", OriginSequence: 1, Type: pdu.EventMessage})
	f.clock.Advance(time.Hour)

	var wg sync.WaitGroup
	for id := range f.conns {
		id := id
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.b.Confirm(id, report.EventID)
		}()
	}
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.b.Sweep(f.clock.Now())
		}()
	}
	wg.Wait()
	if len(f.b.Pending()) != 0 {
		t.Fatalf("every confirm must settle its entry: %d left", len(f.b.Pending()))
	}
	if got := f.counters.Snapshot().ConfirmsReceived; got != 20 {
		t.Fatalf("confirms received=%d want 20", got)
	}
}

func TestCancelRecipientDropsPending(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t, testConfig())
	f.join(t, "alice", true)
	bob := f.join(t, "bob", false)
	bob.DropWhen(func(env pdu.Envelope) bool { return true })
	for i := uint64(1); i <= 2; i++ {
		if _, err := f.b.Broadcast(context.Background(), Announcement{Origin: "alice", OriginSequence: i, Type: pdu.EventMessage}); err != nil {
			t.Fatalf("broadcast: %v", err)
		}
	}
	if n := f.b.CancelRecipient("bob"); n != 2 {
		t.Fatalf("cancelled=%d want 2", n)
	}
	if n := f.b.Sweep(f.clock.Advance(time.Minute)); n != 0 {
		t.Fatalf("cancelled entries resent")
	}
	snap := f.counters.Snapshot()
	if snap.ConfirmsCancelled != 2 || snap.ConfirmsLost != 0 {
		t.Fatalf("unexpected counters: %+v", snap)
	}
}

func TestSweepCancelsEntriesOfDepartedRecipient(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t, testConfig())
	f.join(t, "bob", false)
	if _, err := f.b.Broadcast(context.Background(), Announcement{Origin: "bob", OriginSequence: 1, Type: pdu.EventMessage}); err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	f.reg.Unregister("bob")
	if n := f.b.Sweep(f.clock.Advance(time.Minute)); n != 0 {
		t.Fatalf("resent to departed recipient")
	}
	if got := f.counters.Snapshot().ConfirmsCancelled; got != 1 {
		t.Fatalf("cancelled=%d want 1", got)
	}
}

func TestConfirmReliableTracksStreams(t *testing.T) {
	testlog.Start(t)
	cfg := testConfig()
	cfg.ConfirmReliable = true
	f := newFixture(t, cfg)
	f.join(t, "alice", true)
	report, _ := f.b.Broadcast(context.Background(), Announcement{Origin: "alice", OriginSequence: 1, Type: pdu.EventMessage})
	if report.Tracked != 1 || len(f.b.Pending()) != 1 {
		t.Fatalf("stream recipient should be tracked: %+v", report)
	}
	f.b.Confirm("alice", report.EventID)
	if len(f.b.Pending()) != 0 {
		t.Fatalf("confirm should clear entry")
	}
}

func TestUntrackedStreamConfirmIsNotLate(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t, testConfig())
	f.join(t, "alice", true)
	report, _ := f.b.Broadcast(context.Background(), Announcement{Origin: "alice", OriginSequence: 1, Type: pdu.EventMessage})
	if !f.b.Confirm("alice", report.EventID) {
		t.Fatalf("stream confirm should be accepted")
	}
	rec, _ := f.reg.Lookup("alice")
	if rec.ConfirmCounter.Load() != 1 || f.counters.Snapshot().ConfirmsLate != 0 {
		t.Fatalf("stream confirm miscounted")
	}
}

func TestUnissuedEventIDConfirmIsLate(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t, testConfig())
	f.join(t, "alice", true)
	report, _ := f.b.Broadcast(context.Background(), Announcement{Origin: "al:ice", OriginSequence: 7, Type: pdu.EventMessage})
	for _, id := range []string{"nope", "alice:1:999", "alice:1:0", ":1:1", "alice:x:1", "alice:1:-1"} {
		if f.b.Confirm("alice", id) {
			t.Fatalf("confirm for %q should be rejected", id)
		}
	}
	snap := f.counters.Snapshot()
	if snap.ConfirmsReceived != 0 || snap.ConfirmsLate != 6 {
		t.Fatalf("received=%d late=%d", snap.ConfirmsReceived, snap.ConfirmsLate)
	}
	if !f.b.Confirm("alice", report.EventID) {
		t.Fatalf("issued id %q with ':' in origin should be accepted", report.EventID)
	}
}

func TestRetryIsNotSentToReplacementSession(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t, testConfig())
	f.join(t, "alice", true)
	bob := f.join(t, "bob", false)
	bob.DropWhen(func(env pdu.Envelope) bool { return env.Kind == pdu.KindEvent })
	if _, err := f.b.Broadcast(context.Background(), Announcement{Origin: "alice", OriginSequence: 1, Type: pdu.EventMessage}); err != nil {
		t.Fatalf("broadcast: %v", err)
	}

	// bob drops and reconnects before the finalizer cancels the old entry
	f.reg.Unregister("bob")
	replacement := fakeconn.New("bob:addr2", false)
	if _, err := f.reg.TryRegister("bob", replacement, "tag-bob-2"); err != nil {
		t.Fatalf("re-register: %v", err)
	}
	if err := f.reg.Promote("bob"); err != nil {
		t.Fatalf("promote: %v", err)
	}

	if n := f.b.Sweep(f.clock.Advance(3 * time.Second)); n != 0 {
		t.Fatalf("resent %d events to the replacement session", n)
	}
	if got := len(replacement.SentOf(pdu.KindEvent)); got != 0 {
		t.Fatalf("replacement session got %d stale events", got)
	}
	if len(f.b.Pending()) != 0 {
		t.Fatalf("stale entry left pending: %+v", f.b.Pending())
	}
	if got := f.counters.Snapshot().ConfirmsCancelled; got != 1 {
		t.Fatalf("cancelled=%d want 1", got)
	}
}

func TestRecipientLeavingMidSendLeavesNothingPending(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t, testConfig())
	f.join(t, "alice", true)
	bob := f.join(t, "bob", false)
	bob.DropWhen(func(env pdu.Envelope) bool {
		// the session ends and its cancel runs while the event is on the wire
		f.reg.Unregister("bob")
		f.b.CancelRecipient("bob")
		return false
	})
	report, err := f.b.Broadcast(context.Background(), Announcement{Origin: "alice", OriginSequence: 1, Type: pdu.EventMessage})
	if err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	if report.Tracked != 0 {
		t.Fatalf("departed recipient still counted as tracked: %+v", report)
	}
	for _, item := range f.b.Pending() {
		if item.RecipientID == "bob" {
			t.Fatalf("entry for departed bob left pending: %+v", item)
		}
	}
	if got := f.counters.Snapshot().ConfirmsCancelled; got != 1 {
		t.Fatalf("cancelled=%d want 1", got)
	}
}

func TestSendFailureIsCountedAndRetried(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t, testConfig())
	bob := f.join(t, "bob", false)
	bob.SetSendError(errors.New("network unreachable"))
	report, _ := f.b.Broadcast(context.Background(), Announcement{Origin: "bob", OriginSequence: 1, Type: pdu.EventMessage})
	if report.Failed != 1 || report.Sent != 0 {
		t.Fatalf("unexpected report: %+v", report)
	}
	pending := f.b.Pending()
	if len(pending) != 1 || pending[0].LastError != "network unreachable" {
		t.Fatalf("failure not recorded: %+v", pending)
	}
	bob.SetSendError(nil)
	if n := f.b.Sweep(f.clock.Advance(2 * time.Second)); n != 1 {
		t.Fatalf("expected resend after failure, got %d", n)
	}
	if got := f.counters.Snapshot().SendFailures; got != 1 {
		t.Fatalf("send failures=%d", got)
	}
}

func TestStoppedBroadcasterSendsNothing(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t, testConfig())
	alice := f.join(t, "alice", true)
	f.b.Stop()
	f.b.Stop()
	if _, err := f.b.Broadcast(context.Background(), Announcement{Origin: "alice", Type: pdu.EventLogout}); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
	if len(alice.Sent()) != 0 {
		t.Fatalf("stopped broadcaster sent events")
	}
	done := make(chan struct{})
	go func() {
		_ = f.b.Run(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Run should return after Stop")
	}
}

func TestFanoutLimitStillReachesEveryone(t *testing.T) {
	testlog.Start(t)
	cfg := testConfig()
	cfg.FanoutLimit = 2
	f := newFixture(t, cfg)
	for i := 0; i < 25; i++ {
		f.join(t, fmt.Sprintf("c%02d", i), true)
	}
	report, err := f.b.Broadcast(context.Background(), Announcement{Origin: "c00", OriginSequence: 1, Type: pdu.EventMessage})
	if err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	if report.Sent != 25 {
		t.Fatalf("sent=%d want 25", report.Sent)
	}
	for id, conn := range f.conns {
		if len(conn.SentOf(pdu.KindEvent)) != 1 {
			t.Fatalf("%s missed the event", id)
		}
	}
}

func TestScheduleGrowsAndCaps(t *testing.T) {
	testlog.Start(t)
	s := newSchedule(BackoffConfig{InitialDelay: 250 * time.Millisecond, Multiplier: 2.0, MaxDelay: 5 * time.Second}, 1)
	cases := map[int]time.Duration{
		1: 250 * time.Millisecond,
		2: 500 * time.Millisecond,
		3: time.Second,
		6: 5 * time.Second,
	}
	for attempt, want := range cases {
		if got := s.Timeout(attempt); got != want {
			t.Fatalf("attempt %d got=%v want=%v", attempt, got, want)
		}
	}
	jittered := newSchedule(BackoffConfig{InitialDelay: time.Second, Multiplier: 1.0, Jitter: true}, 1)
	for i := 0; i < 20; i++ {
		if got := jittered.Timeout(1); got < 500*time.Millisecond || got >= 1500*time.Millisecond {
			t.Fatalf("jitter out of range: %v", got)
		}
	}
}

func TestOutboxDueSettlesAtomically(t *testing.T) {
	testlog.Start(t)
	o := NewOutbox()
	now := time.Unix(1700000000, 0)
	o.Upsert(PendingEvent{EventID: "a:1:1", RecipientID: "x", Attempts: 1, Deadline: now})
	o.Upsert(PendingEvent{EventID: "a:1:1", RecipientID: "y", Attempts: 3, Deadline: now})
	o.Upsert(PendingEvent{EventID: "a:1:2", RecipientID: "x", Attempts: 1, Deadline: now.Add(time.Hour)})
	o.Upsert(PendingEvent{EventID: "", RecipientID: "z"})

	retry, abandoned := o.Due(now, 3, func(int) time.Duration { return time.Second })
	if len(retry) != 1 || retry[0].RecipientID != "x" || retry[0].Attempts != 2 {
		t.Fatalf("unexpected retry set: %+v", retry)
	}
	if !retry[0].Deadline.Equal(now.Add(time.Second)) {
		t.Fatalf("deadline not advanced: %v", retry[0].Deadline)
	}
	if len(abandoned) != 1 || abandoned[0].RecipientID != "y" {
		t.Fatalf("unexpected abandoned set: %+v", abandoned)
	}
	if o.Len() != 2 {
		t.Fatalf("len=%d want 2", o.Len())
	}
}
