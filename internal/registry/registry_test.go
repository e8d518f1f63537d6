package registry

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/groupchat/internal/stats"
	"github.com/danmuck/groupchat/internal/testutil/fakeconn"
	"github.com/danmuck/groupchat/internal/testutil/testlog"
)

func register(t *testing.T, r *Registry, id string) *Record {
	t.Helper()
	rec, err := r.TryRegister(id, fakeconn.New(id+"-addr", true), "tag-"+id)
	if err != nil {
		t.Fatalf("register %s: %v", id, err)
	}
	if err := r.Promote(id); err != nil {
		t.Fatalf("promote %s: %v", id, err)
	}
	return rec
}

func TestConcurrentTryRegisterSameIDHasOneWinner(t *testing.T) {
	testlog.Start(t)
	counters := stats.New()
	r := New(0, counters)

	const racers = 32
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins, dups := 0, 0
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.TryRegister("alice", fakeconn.New("x", true), "")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, ErrDuplicateID):
				dups++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	if wins != 1 || dups != racers-1 {
		t.Fatalf("wins=%d dups=%d", wins, dups)
	}
	if r.Len() != 1 {
		t.Fatalf("len=%d want 1", r.Len())
	}
	if got := counters.Snapshot().LoginRejections; got != racers-1 {
		t.Fatalf("login rejections=%d want %d", got, racers-1)
	}
}

func TestTryRegisterRejectsInvalidAndFull(t *testing.T) {
	testlog.Start(t)
	r := New(2, nil)
	for _, id := range []string{"", "   ", " alice"} {
		if _, err := r.TryRegister(id, nil, ""); !errors.Is(err, ErrInvalidID) {
			t.Fatalf("id %q: expected ErrInvalidID, got %v", id, err)
		}
	}
	register(t, r, "a")
	register(t, r, "b")
	if _, err := r.TryRegister("c", nil, ""); !errors.Is(err, ErrCapacity) {
		t.Fatalf("expected ErrCapacity, got %v", err)
	}
	if _, err := r.TryRegister("a", nil, ""); !errors.Is(err, ErrDuplicateID) {
		t.Fatalf("duplicate must win over capacity, got %v", err)
	}
}

func TestStatusNeverMovesBackward(t *testing.T) {
	testlog.Start(t)
	r := New(0, nil)
	rec, err := r.TryRegister("alice", nil, "")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if rec.Status() != StatusRegistering {
		t.Fatalf("status=%s", rec.Status())
	}
	if err := r.BeginUnregister("alice"); !errors.Is(err, ErrLifecycleOrder) {
		t.Fatalf("unregistering before registered must fail, got %v", err)
	}
	if err := r.Promote("alice"); err != nil {
		t.Fatalf("promote: %v", err)
	}
	if err := r.Promote("alice"); !errors.Is(err, ErrLifecycleOrder) {
		t.Fatalf("double promote must fail, got %v", err)
	}
	if err := r.BeginUnregister("alice"); err != nil {
		t.Fatalf("begin unregister: %v", err)
	}
	if err := r.Promote("alice"); !errors.Is(err, ErrLifecycleOrder) {
		t.Fatalf("promote after unregistering must fail, got %v", err)
	}
	if rec.Status() != StatusUnregistering {
		t.Fatalf("status=%s", rec.Status())
	}
	if err := r.Promote("ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUnregisterIsIdempotent(t *testing.T) {
	testlog.Start(t)
	counters := stats.New()
	r := New(0, counters)
	register(t, r, "alice")
	if !r.Unregister("alice") {
		t.Fatalf("first unregister should remove")
	}
	before := counters.Snapshot()
	if r.Unregister("alice") {
		t.Fatalf("second unregister should be a no-op")
	}
	after := counters.Snapshot()
	if before != after {
		t.Fatalf("second unregister changed counters: before=%+v after=%+v", before, after)
	}
	if after.Logins != 1 || after.Logouts != 1 || after.Registered != 0 {
		t.Fatalf("unexpected counters: %+v", after)
	}
	if _, ok := r.Lookup("alice"); ok {
		t.Fatalf("alice still present")
	}
}

func TestSnapshotOnlyRegisteredInOrder(t *testing.T) {
	testlog.Start(t)
	r := New(0, nil)
	base := time.Unix(1700000000, 0)
	tick := 0
	r.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}
	register(t, r, "carol")
	register(t, r, "alice")
	register(t, r, "bob")
	if _, err := r.TryRegister("pending", nil, ""); err != nil {
		t.Fatalf("register pending: %v", err)
	}
	if err := r.BeginUnregister("alice"); err != nil {
		t.Fatalf("begin unregister: %v", err)
	}

	members := r.Members()
	if fmt.Sprint(members) != "[carol bob]" {
		t.Fatalf("members=%v", members)
	}
	snap := r.Snapshot()
	register(t, r, "dave")
	if len(snap) != 2 {
		t.Fatalf("snapshot changed after later registration: %d", len(snap))
	}
}

func TestClearRemovesEverything(t *testing.T) {
	testlog.Start(t)
	counters := stats.New()
	r := New(0, counters)
	register(t, r, "alice")
	register(t, r, "bob")
	if _, err := r.TryRegister("pending", nil, ""); err != nil {
		t.Fatalf("register pending: %v", err)
	}
	cleared := r.Clear()
	if len(cleared) != 3 || r.Len() != 0 {
		t.Fatalf("cleared=%d len=%d", len(cleared), r.Len())
	}
	if snap := counters.Snapshot(); snap.Registered != 0 || snap.Logouts != 2 {
		t.Fatalf("unexpected counters after clear: %+v", snap)
	}
}

func TestRecordCountersAndInfo(t *testing.T) {
	testlog.Start(t)
	r := New(0, nil)
	rec := register(t, r, "alice")
	rec.MessageCounter.Add(2)
	rec.EventCounter.Add(5)
	if rec.NextSequence() != 1 || rec.NextSequence() != 2 {
		t.Fatalf("outbound sequence should start at 1")
	}
	info := rec.Info()
	if info.ClientID != "alice" || info.Status != "registered" || !info.Reliable {
		t.Fatalf("unexpected info: %+v", info)
	}
	if info.Messages != 2 || info.Events != 5 || info.RemoteAddr != "alice-addr" {
		t.Fatalf("unexpected info counters: %+v", info)
	}
}
