package broadcast

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/groupchat/internal/protocol/pdu"
)

// Key identifies one pending confirmation.
type Key struct {
	EventID     string
	RecipientID string
}

// PendingEvent tracks one event awaiting confirmation from one recipient.
type PendingEvent struct {
	EventID        string
	OriginClientID string
	RecipientID    string
	SessionTag     string
	Envelope       pdu.Envelope
	Attempts       int
	QueuedAt       time.Time
	LastAttemptAt  time.Time
	Deadline       time.Time
	LastError      string
}

func (p PendingEvent) Key() Key {
	return Key{EventID: p.EventID, RecipientID: p.RecipientID}
}

// Outbox stores pending events by (event id, recipient).
type Outbox struct {
	mu    sync.Mutex
	items map[Key]PendingEvent
}

func NewOutbox() *Outbox {
	return &Outbox{
		items: make(map[Key]PendingEvent),
	}
}

func (o *Outbox) Upsert(item PendingEvent) {
	if strings.TrimSpace(item.EventID) == "" || strings.TrimSpace(item.RecipientID) == "" {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.items[item.Key()] = item
}

// MarkError records a failed send on an entry that is still pending.
func (o *Outbox) MarkError(key Key, lastErr string) (PendingEvent, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	item, ok := o.items[key]
	if !ok {
		return PendingEvent{}, false
	}
	item.LastError = strings.TrimSpace(lastErr)
	o.items[key] = item
	return item, true
}

func (o *Outbox) Remove(key Key) (PendingEvent, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	item, ok := o.items[key]
	if ok {
		delete(o.items, key)
	}
	return item, ok
}

// RemoveRecipient drops every entry addressed to recipientID and returns how many.
func (o *Outbox) RemoveRecipient(recipientID string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for key := range o.items {
		if key.RecipientID == recipientID {
			delete(o.items, key)
			n++
		}
	}
	return n
}

func (o *Outbox) Get(key Key) (PendingEvent, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	item, ok := o.items[key]
	return item, ok
}

// Due settles every entry whose deadline has passed in one critical section:
// entries below maxAttempts get their attempt counted and a new deadline and
// are returned for resend; the rest are removed and returned as abandoned.
func (o *Outbox) Due(now time.Time, maxAttempts int, timeout func(attempt int) time.Duration) (retry, abandoned []PendingEvent) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for key, item := range o.items {
		if now.Before(item.Deadline) {
			continue
		}
		if item.Attempts >= maxAttempts {
			delete(o.items, key)
			abandoned = append(abandoned, item)
			continue
		}
		item.Attempts++
		item.LastAttemptAt = now
		item.Deadline = now.Add(timeout(item.Attempts))
		o.items[key] = item
		retry = append(retry, item)
	}
	sortPending(retry)
	sortPending(abandoned)
	return retry, abandoned
}

func (o *Outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.items)
}

func (o *Outbox) List() []PendingEvent {
	o.mu.Lock()
	out := make([]PendingEvent, 0, len(o.items))
	for _, item := range o.items {
		out = append(out, item)
	}
	o.mu.Unlock()
	sortPending(out)
	return out
}

func sortPending(items []PendingEvent) {
	sort.Slice(items, func(i, j int) bool {
		if items[i].EventID != items[j].EventID {
			return items[i].EventID < items[j].EventID
		}
		return items[i].RecipientID < items[j].RecipientID
	})
}
