// Package broadcast fans chat events out to every registered client and
// tracks delivery confirmations from clients on unreliable transports.
//
// Ownership boundary:
// - event id assignment and per-recipient fan-out
// - pending confirmation outbox and its sweep/retry loop
// - recipient cancellation on session end
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/groupchat/internal/logging"
	"github.com/danmuck/groupchat/internal/protocol/pdu"
	"github.com/danmuck/groupchat/internal/registry"
	"github.com/danmuck/groupchat/internal/stats"
	"github.com/rs/zerolog"
	"github.com/tevino/abool"
	"golang.org/x/sync/errgroup"
)

var ErrStopped = errors.New("broadcast: stopped")

// Announcement is one thing every registered client should hear about.
type Announcement struct {
	Origin         string
	OriginSequence uint64
	Type           pdu.EventType
	Text           string
	SenderTag      string
}

// Report summarises one Broadcast call.
type Report struct {
	EventID string
	Targets int
	Sent    int
	Failed  int
	Tracked int
}

type Option func(*Broadcaster)

// WithClock replaces time.Now for deadlines and sweeps.
func WithClock(now func() time.Time) Option {
	return func(b *Broadcaster) { b.now = now }
}

// WithSeed fixes the jitter source.
func WithSeed(seed int64) Option {
	return func(b *Broadcaster) { b.seed = seed }
}

type Broadcaster struct {
	cfg      Config
	reg      *registry.Registry
	counters *stats.Counters
	outbox   *Outbox
	schedule *schedule

	broadcasts atomic.Uint64
	stopped    *abool.AtomicBool
	stopOnce   sync.Once
	stopCh     chan struct{}

	now  func() time.Time
	seed int64
	log  zerolog.Logger
}

func New(reg *registry.Registry, counters *stats.Counters, cfg Config, opts ...Option) *Broadcaster {
	if counters == nil {
		counters = stats.New()
	}
	b := &Broadcaster{
		cfg:      cfg.WithDefaults(),
		reg:      reg,
		counters: counters,
		outbox:   NewOutbox(),
		stopped:  abool.New(),
		stopCh:   make(chan struct{}),
		now:      time.Now,
		seed:     time.Now().UnixNano(),
		log:      logging.Component("broadcast"),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.schedule = newSchedule(b.cfg.Backoff, b.seed)
	return b
}

func (b *Broadcaster) Config() Config { return b.cfg }

// Broadcast sends one Event per registered target, concurrently and bounded
// by FanoutLimit. It returns once every target has been attempted.
func (b *Broadcaster) Broadcast(ctx context.Context, a Announcement) (Report, error) {
	if b.stopped.IsSet() {
		return Report{}, ErrStopped
	}
	eventID := fmt.Sprintf("%s:%d:%d", a.Origin, a.OriginSequence, b.broadcasts.Add(1))
	report := Report{EventID: eventID}

	snapshot := b.reg.Snapshot()
	targets := make([]*registry.Record, 0, len(snapshot))
	for _, rec := range snapshot {
		if rec.ClientID == a.Origin && !b.cfg.DeliverToSender {
			continue
		}
		targets = append(targets, rec)
	}
	report.Targets = len(targets)

	var sent, failed, tracked atomic.Int64
	var g errgroup.Group
	g.SetLimit(b.cfg.FanoutLimit)
	for _, rec := range targets {
		rec := rec
		if ctx.Err() != nil {
			failed.Add(1)
			continue
		}
		g.Go(func() error {
			ok, track := b.deliver(rec, a, eventID)
			if ok {
				sent.Add(1)
			} else {
				failed.Add(1)
			}
			if track {
				tracked.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	report.Sent = int(sent.Load())
	report.Failed = int(failed.Load())
	report.Tracked = int(tracked.Load())
	b.log.Debug().
		Str("event_id", eventID).
		Str("type", string(a.Type)).
		Int("targets", report.Targets).
		Int("sent", report.Sent).
		Int("failed", report.Failed).
		Int("tracked", report.Tracked).
		Msg("broadcast")
	return report, nil
}

func (b *Broadcaster) deliver(rec *registry.Record, a Announcement, eventID string) (ok bool, tracked bool) {
	env := pdu.NewEvent(rec.ClientID, a.Origin, a.Type, eventID, a.Text, rec.NextSequence()).
		WithTags(a.SenderTag, rec.SessionTag)
	key := Key{EventID: eventID, RecipientID: rec.ClientID}
	tracked = b.tracks(rec)
	if tracked {
		// registered before the send so an immediate confirm finds it
		now := b.now()
		b.outbox.Upsert(PendingEvent{
			EventID:        eventID,
			OriginClientID: a.Origin,
			RecipientID:    rec.ClientID,
			SessionTag:     rec.SessionTag,
			Envelope:       env,
			Attempts:       1,
			QueuedAt:       now,
			LastAttemptAt:  now,
			Deadline:       now.Add(b.schedule.Timeout(1)),
		})
	}
	err := rec.Transport.Send(env)
	if tracked && !b.current(rec) {
		// the session ended while the event was in flight; its cancel may
		// already have run, so the entry is dropped here
		if _, removed := b.outbox.Remove(key); removed {
			b.counters.ConfirmCancelled(1)
		}
		tracked = false
	}
	if err != nil {
		b.counters.SendFailed()
		if tracked {
			b.outbox.MarkError(key, err.Error())
		}
		b.log.Warn().Err(err).Str("event_id", eventID).Str("recipient", rec.ClientID).Msg("event send failed")
		return false, tracked
	}
	rec.EventCounter.Add(1)
	b.counters.EventSent()
	return true, tracked
}

// current reports whether rec is still the registered record for its client id.
func (b *Broadcaster) current(rec *registry.Record) bool {
	cur, ok := b.reg.Lookup(rec.ClientID)
	return ok && cur == rec && cur.Status() == registry.StatusRegistered
}

func (b *Broadcaster) tracks(rec *registry.Record) bool {
	return rec.Transport != nil && (!rec.Transport.Reliable() || b.cfg.ConfirmReliable)
}

// Confirm settles the pending entry for (eventID, recipientID). It reports
// false for confirms that match nothing; those are counted as late.
func (b *Broadcaster) Confirm(recipientID, eventID string) bool {
	rec, known := b.reg.Lookup(recipientID)
	if _, ok := b.outbox.Remove(Key{EventID: eventID, RecipientID: recipientID}); ok {
		b.counters.ConfirmReceived()
		if known {
			rec.ConfirmCounter.Add(1)
		}
		return true
	}
	if known && !b.tracks(rec) && b.issued(eventID) {
		// delivery on an untracked stream was settled by the send itself
		b.counters.ConfirmReceived()
		rec.ConfirmCounter.Add(1)
		return true
	}
	b.counters.ConfirmLate()
	b.log.Debug().Str("event_id", eventID).Str("recipient", recipientID).Msg("late or unknown confirm")
	return false
}

// issued reports whether eventID has the origin:seq:n shape and n names a
// broadcast this Broadcaster already made.
func (b *Broadcaster) issued(eventID string) bool {
	rest, n, ok := cutUint(eventID)
	if !ok || n == 0 || n > b.broadcasts.Load() {
		return false
	}
	origin, _, ok := cutUint(rest)
	return ok && origin != ""
}

// cutUint splits s at its last ':' and parses the tail.
func cutUint(s string) (string, uint64, bool) {
	i := strings.LastIndexByte(s, ':')
	if i < 0 {
		return "", 0, false
	}
	n, err := strconv.ParseUint(s[i+1:], 10, 64)
	if err != nil {
		return "", 0, false
	}
	return s[:i], n, true
}

// Sweep resends or abandons every entry due at now and returns the number of resends.
func (b *Broadcaster) Sweep(now time.Time) int {
	retry, abandoned := b.outbox.Due(now, b.cfg.MaxAttempts, b.schedule.Timeout)
	for _, item := range abandoned {
		b.counters.ConfirmLost()
		b.log.Warn().
			Str("event_id", item.EventID).
			Str("recipient", item.RecipientID).
			Int("attempts", item.Attempts).
			Str("last_error", item.LastError).
			Msg("event confirmation lost")
	}
	resent := 0
	for _, item := range retry {
		rec, ok := b.reg.Lookup(item.RecipientID)
		if !ok || rec.Status() != registry.StatusRegistered || rec.SessionTag != item.SessionTag {
			if _, removed := b.outbox.Remove(item.Key()); removed {
				b.counters.ConfirmCancelled(1)
			}
			continue
		}
		b.counters.Retry()
		if err := rec.Transport.Send(item.Envelope); err != nil {
			b.counters.SendFailed()
			b.outbox.MarkError(item.Key(), err.Error())
			continue
		}
		b.counters.EventSent()
		resent++
		b.log.Debug().
			Str("event_id", item.EventID).
			Str("recipient", item.RecipientID).
			Int("attempt", item.Attempts).
			Msg("event resent")
	}
	return resent
}

// CancelRecipient drops every pending entry of a terminated recipient.
func (b *Broadcaster) CancelRecipient(recipientID string) int {
	n := b.outbox.RemoveRecipient(recipientID)
	if n > 0 {
		b.counters.ConfirmCancelled(n)
	}
	return n
}

// Pending lists outstanding confirmations ordered by event id then recipient.
func (b *Broadcaster) Pending() []PendingEvent {
	return b.outbox.List()
}

// Run sweeps every SweepInterval until ctx ends or Stop is called.
func (b *Broadcaster) Run(ctx context.Context) error {
	ticker := time.NewTicker(b.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-b.stopCh:
			return nil
		case <-ticker.C:
			b.Sweep(b.now())
		}
	}
}

// Stop turns later Broadcast calls into no-ops and ends Run.
func (b *Broadcaster) Stop() {
	b.stopOnce.Do(func() {
		b.stopped.Set()
		close(b.stopCh)
	})
}

func (b *Broadcaster) Stopped() bool { return b.stopped.IsSet() }
