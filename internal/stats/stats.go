// Package stats is the process-wide statistics side channel. Nothing here is
// consulted for correctness; values only feed logs, /stats and /metrics.
package stats

import "sync/atomic"

// Counters is safe for concurrent use. The zero value is ready.
type Counters struct {
	registered atomic.Int64

	logins          atomic.Uint64
	logouts         atomic.Uint64
	loginRejections atomic.Uint64

	messagesReceived atomic.Uint64
	eventsSent       atomic.Uint64
	sendFailures     atomic.Uint64

	confirmsReceived  atomic.Uint64
	confirmsLate      atomic.Uint64
	confirmsLost      atomic.Uint64
	confirmsCancelled atomic.Uint64
	retries           atomic.Uint64

	auditDropped atomic.Uint64
}

// Snapshot is a plain copy of Counters at one point in time.
type Snapshot struct {
	Registered int64 `json:"registered"`

	Logins          uint64 `json:"logins"`
	Logouts         uint64 `json:"logouts"`
	LoginRejections uint64 `json:"login_rejections"`

	MessagesReceived uint64 `json:"messages_received"`
	EventsSent       uint64 `json:"events_sent"`
	SendFailures     uint64 `json:"send_failures"`

	ConfirmsReceived  uint64 `json:"confirms_received"`
	ConfirmsLate      uint64 `json:"confirms_late"`
	ConfirmsLost      uint64 `json:"confirms_lost"`
	ConfirmsCancelled uint64 `json:"confirms_cancelled"`
	Retries           uint64 `json:"retries"`

	AuditDropped uint64 `json:"audit_dropped"`
}

func New() *Counters { return &Counters{} }

// Reset zeroes every counter; services call it once at start.
func (c *Counters) Reset() {
	c.registered.Store(0)
	for _, v := range []*atomic.Uint64{
		&c.logins, &c.logouts, &c.loginRejections,
		&c.messagesReceived, &c.eventsSent, &c.sendFailures,
		&c.confirmsReceived, &c.confirmsLate, &c.confirmsLost, &c.confirmsCancelled, &c.retries,
		&c.auditDropped,
	} {
		v.Store(0)
	}
}

func (c *Counters) Snapshot() Snapshot {
	return Snapshot{
		Registered:        c.registered.Load(),
		Logins:            c.logins.Load(),
		Logouts:           c.logouts.Load(),
		LoginRejections:   c.loginRejections.Load(),
		MessagesReceived:  c.messagesReceived.Load(),
		EventsSent:        c.eventsSent.Load(),
		SendFailures:      c.sendFailures.Load(),
		ConfirmsReceived:  c.confirmsReceived.Load(),
		ConfirmsLate:      c.confirmsLate.Load(),
		ConfirmsLost:      c.confirmsLost.Load(),
		ConfirmsCancelled: c.confirmsCancelled.Load(),
		Retries:           c.retries.Load(),
		AuditDropped:      c.auditDropped.Load(),
	}
}

// Login records a completed registration.
func (c *Counters) Login() {
	c.logins.Add(1)
	c.registered.Add(1)
}

// Logout records a registered client leaving, by logout or disconnect.
func (c *Counters) Logout() {
	c.logouts.Add(1)
	c.registered.Add(-1)
}

func (c *Counters) LoginRejected()         { c.loginRejections.Add(1) }
func (c *Counters) MessageReceived()       { c.messagesReceived.Add(1) }
func (c *Counters) EventSent()             { c.eventsSent.Add(1) }
func (c *Counters) SendFailed()            { c.sendFailures.Add(1) }
func (c *Counters) ConfirmReceived()       { c.confirmsReceived.Add(1) }
func (c *Counters) ConfirmLate()           { c.confirmsLate.Add(1) }
func (c *Counters) ConfirmLost()           { c.confirmsLost.Add(1) }
func (c *Counters) ConfirmCancelled(n int) { c.confirmsCancelled.Add(uint64(n)) }
func (c *Counters) Retry()                 { c.retries.Add(1) }
func (c *Counters) AuditDropped()          { c.auditDropped.Add(1) }
