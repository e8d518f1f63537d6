// Package registry owns the set of logged-in clients.
//
// Ownership boundary:
// - client id uniqueness and capacity
// - registration record lifecycle (registering -> registered -> unregistering -> removed)
// - point-in-time snapshots for broadcast and admin views
package registry

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/groupchat/internal/logging"
	"github.com/danmuck/groupchat/internal/stats"
	"github.com/danmuck/groupchat/internal/transport"
	"github.com/rs/zerolog"
)

var (
	ErrDuplicateID    = errors.New("registry: client id already registered")
	ErrCapacity       = errors.New("registry: capacity reached")
	ErrInvalidID      = errors.New("registry: invalid client id")
	ErrNotFound       = errors.New("registry: client not found")
	ErrLifecycleOrder = errors.New("registry: invalid status transition")
)

// Status is the lifecycle position of one Record. It only moves forward.
type Status int32

const (
	StatusRegistering Status = iota + 1
	StatusRegistered
	StatusUnregistering
)

func (s Status) String() string {
	switch s {
	case StatusRegistering:
		return "registering"
	case StatusRegistered:
		return "registered"
	case StatusUnregistering:
		return "unregistering"
	default:
		return fmt.Sprintf("status(%d)", int32(s))
	}
}

// Record is one client's registration. Identity fields never change after
// TryRegister; counters and status are safe to read concurrently.
type Record struct {
	ClientID     string
	SessionTag   string
	RemoteAddr   string
	RegisteredAt time.Time
	Transport    transport.Transport

	status atomic.Int32

	MessageCounter atomic.Uint64
	EventCounter   atomic.Uint64
	ConfirmCounter atomic.Uint64

	outSeq atomic.Uint64
}

func (r *Record) Status() Status { return Status(r.status.Load()) }

// NextSequence returns the next server->client sequence for pushed envelopes.
func (r *Record) NextSequence() uint64 { return r.outSeq.Add(1) }

// Info is a copyable view of a Record for reporting.
type Info struct {
	ClientID     string    `json:"client_id"`
	Status       string    `json:"status"`
	RemoteAddr   string    `json:"remote_addr"`
	Reliable     bool      `json:"reliable"`
	RegisteredAt time.Time `json:"registered_at"`
	Messages     uint64    `json:"messages"`
	Events       uint64    `json:"events"`
	Confirms     uint64    `json:"confirms"`
}

func (r *Record) Info() Info {
	info := Info{
		ClientID:     r.ClientID,
		Status:       r.Status().String(),
		RemoteAddr:   r.RemoteAddr,
		RegisteredAt: r.RegisteredAt,
		Messages:     r.MessageCounter.Load(),
		Events:       r.EventCounter.Load(),
		Confirms:     r.ConfirmCounter.Load(),
	}
	if r.Transport != nil {
		info.Reliable = r.Transport.Reliable()
	}
	return info
}

// Registry maps client ids to records. The lock covers map mutation and
// copies only; callers never hold it across network writes.
type Registry struct {
	mu       sync.RWMutex
	records  map[string]*Record
	capacity int

	counters *stats.Counters
	log      zerolog.Logger
	now      func() time.Time
}

// New builds a registry; capacity <= 0 means unbounded. counters may be nil.
func New(capacity int, counters *stats.Counters) *Registry {
	if counters == nil {
		counters = stats.New()
	}
	return &Registry{
		records:  make(map[string]*Record),
		capacity: capacity,
		counters: counters,
		log:      logging.Component("registry"),
		now:      time.Now,
	}
}

// TryRegister atomically checks that clientID is free and inserts a record in
// StatusRegistering.
func (r *Registry) TryRegister(clientID string, handle transport.Transport, sessionTag string) (*Record, error) {
	id := strings.TrimSpace(clientID)
	if id == "" || id != clientID {
		r.counters.LoginRejected()
		return nil, fmt.Errorf("%w: %q", ErrInvalidID, clientID)
	}
	rec := &Record{
		ClientID:     id,
		SessionTag:   sessionTag,
		RegisteredAt: r.now(),
		Transport:    handle,
	}
	if handle != nil {
		rec.RemoteAddr = handle.RemoteAddr()
	}
	rec.status.Store(int32(StatusRegistering))

	r.mu.Lock()
	if _, exists := r.records[id]; exists {
		r.mu.Unlock()
		r.counters.LoginRejected()
		r.log.Debug().Str("client_id", id).Msg("registry.TryRegister duplicate")
		return nil, fmt.Errorf("%w: %s", ErrDuplicateID, id)
	}
	if r.capacity > 0 && len(r.records) >= r.capacity {
		r.mu.Unlock()
		r.counters.LoginRejected()
		r.log.Warn().Str("client_id", id).Int("capacity", r.capacity).Msg("registry.TryRegister full")
		return nil, fmt.Errorf("%w: %d", ErrCapacity, r.capacity)
	}
	r.records[id] = rec
	r.mu.Unlock()
	return rec, nil
}

// Promote moves a record from registering to registered.
func (r *Registry) Promote(clientID string) error {
	if err := r.transition(clientID, StatusRegistering, StatusRegistered); err != nil {
		return err
	}
	r.counters.Login()
	r.log.Info().Str("client_id", clientID).Msg("client registered")
	return nil
}

// BeginUnregister moves a record from registered to unregistering.
func (r *Registry) BeginUnregister(clientID string) error {
	return r.transition(clientID, StatusRegistered, StatusUnregistering)
}

func (r *Registry) transition(clientID string, from, to Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[clientID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, clientID)
	}
	if !rec.status.CompareAndSwap(int32(from), int32(to)) {
		return fmt.Errorf("%w: %s %s -> %s", ErrLifecycleOrder, clientID, rec.Status(), to)
	}
	return nil
}

func (r *Registry) Lookup(clientID string) (*Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[clientID]
	return rec, ok
}

// Snapshot returns the registered records ordered by registration time then id.
// The slice is a copy; records may leave the registry after it is taken.
func (r *Registry) Snapshot() []*Record {
	r.mu.RLock()
	out := make([]*Record, 0, len(r.records))
	for _, rec := range r.records {
		if rec.Status() == StatusRegistered {
			out = append(out, rec)
		}
	}
	r.mu.RUnlock()
	sortRecords(out)
	return out
}

// Members returns the ids of registered clients in Snapshot order.
func (r *Registry) Members() []string {
	snap := r.Snapshot()
	out := make([]string, 0, len(snap))
	for _, rec := range snap {
		out = append(out, rec.ClientID)
	}
	return out
}

// Unregister removes clientID. Removing an absent id is a logged no-op.
func (r *Registry) Unregister(clientID string) bool {
	r.mu.Lock()
	rec, ok := r.records[clientID]
	if ok {
		delete(r.records, clientID)
	}
	r.mu.Unlock()
	if !ok {
		r.log.Debug().Str("client_id", clientID).Msg("registry.Unregister unknown client")
		return false
	}
	if rec.Status() != StatusRegistering {
		r.counters.Logout()
	}
	r.log.Info().Str("client_id", clientID).Msg("client unregistered")
	return true
}

// Clear removes every record and returns them.
func (r *Registry) Clear() []*Record {
	r.mu.Lock()
	out := make([]*Record, 0, len(r.records))
	for id, rec := range r.records {
		out = append(out, rec)
		delete(r.records, id)
	}
	r.mu.Unlock()
	for _, rec := range out {
		if rec.Status() != StatusRegistering {
			r.counters.Logout()
		}
	}
	sortRecords(out)
	return out
}

// Len counts records in every status.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}

func sortRecords(recs []*Record) {
	sort.Slice(recs, func(i, j int) bool {
		if !recs[i].RegisteredAt.Equal(recs[j].RegisteredAt) {
			return recs[i].RegisteredAt.Before(recs[j].RegisteredAt)
		}
		return recs[i].ClientID < recs[j].ClientID
	})
}
