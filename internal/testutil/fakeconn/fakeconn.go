// Package fakeconn provides a scripted in-memory transport for tests.
package fakeconn

import (
	"sync"
	"time"

	"github.com/danmuck/groupchat/internal/protocol/pdu"
	"github.com/danmuck/groupchat/internal/transport"
)

// Transport records every Send and serves Receive from a scripted inbox.
// A drop rule makes it lossy: dropped sends report success but never arrive.
type Transport struct {
	addr     string
	reliable bool

	inbox chan pdu.Envelope
	done  chan struct{}

	mu       sync.Mutex
	closed   bool
	sent     []pdu.Envelope
	attempts []pdu.Envelope
	sendErr  error
	drop     func(pdu.Envelope) bool
	changed  chan struct{}
}

func New(addr string, reliable bool) *Transport {
	return &Transport{
		addr:     addr,
		reliable: reliable,
		inbox:    make(chan pdu.Envelope, 64),
		done:     make(chan struct{}),
		changed:  make(chan struct{}),
	}
}

// Push queues one inbound envelope for Receive.
func (t *Transport) Push(env pdu.Envelope) {
	select {
	case t.inbox <- env:
	case <-t.done:
	}
}

func (t *Transport) Receive(timeout time.Duration) (pdu.Envelope, error) {
	var expire <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expire = timer.C
	}
	select {
	case env := <-t.inbox:
		return env, nil
	case <-t.done:
		return pdu.Envelope{}, transport.ErrClosed
	case <-expire:
		return pdu.Envelope{}, transport.ErrTimedOut
	}
}

func (t *Transport) Send(env pdu.Envelope) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return transport.ErrClosed
	}
	t.attempts = append(t.attempts, env)
	if t.sendErr != nil {
		return t.sendErr
	}
	if t.drop == nil || !t.drop(env) {
		t.sent = append(t.sent, env)
	}
	t.notifyLocked()
	return nil
}

func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	close(t.done)
	t.notifyLocked()
	return nil
}

func (t *Transport) Reliable() bool { return t.reliable }

func (t *Transport) RemoteAddr() string { return t.addr }

// SetSendError makes every later Send fail with err; nil restores delivery.
func (t *Transport) SetSendError(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sendErr = err
}

// DropWhen installs a loss rule evaluated for each successful Send.
func (t *Transport) DropWhen(rule func(pdu.Envelope) bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.drop = rule
}

// Sent returns the delivered envelopes in send order.
func (t *Transport) Sent() []pdu.Envelope {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]pdu.Envelope, len(t.sent))
	copy(out, t.sent)
	return out
}

// SentOf filters delivered envelopes by kind.
func (t *Transport) SentOf(kind pdu.Kind) []pdu.Envelope {
	var out []pdu.Envelope
	for _, env := range t.Sent() {
		if env.Kind == kind {
			out = append(out, env)
		}
	}
	return out
}

// Attempts counts Send calls of kind, delivered or not.
func (t *Transport) Attempts(kind pdu.Kind) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, env := range t.attempts {
		if env.Kind == kind {
			n++
		}
	}
	return n
}

func (t *Transport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// WaitSent blocks until at least n envelopes of kind were delivered.
func (t *Transport) WaitSent(kind pdu.Kind, n int, timeout time.Duration) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		t.mu.Lock()
		count := 0
		for _, env := range t.sent {
			if env.Kind == kind {
				count++
			}
		}
		changed := t.changed
		t.mu.Unlock()
		if count >= n {
			return true
		}
		select {
		case <-changed:
		case <-deadline.C:
			return false
		}
	}
}

func (t *Transport) notifyLocked() {
	close(t.changed)
	t.changed = make(chan struct{})
}
