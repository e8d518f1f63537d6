package session

import (
	"context"
	"errors"
	"time"

	"github.com/danmuck/groupchat/internal/protocol/pdu"
	"github.com/danmuck/groupchat/internal/transport"
)

// ServeStream drives the owned stream until the session terminates.
func (h *Handler) ServeStream(ctx context.Context) {
	tr := h.owned
	if tr == nil {
		h.Terminate(ReasonError)
		return
	}
	for {
		if ctx.Err() != nil {
			h.Terminate(ReasonShutdown)
			return
		}
		if h.State() == StateTerminated {
			return
		}
		env, err := tr.Receive(h.cfg.ReadTimeout)
		if err != nil {
			var malformed *transport.MalformedError
			switch {
			case errors.Is(err, transport.ErrTimedOut):
				if h.idle() {
					h.Terminate(ReasonIdle)
					return
				}
				continue
			case errors.As(err, &malformed):
				h.log.Debug().Err(err).Msg("malformed envelope")
				if err := h.replyMalformed(tr, malformed.Sequence); err != nil {
					h.Terminate(ReasonError)
					return
				}
				continue
			case errors.Is(err, transport.ErrClosed):
				h.Terminate(ReasonClosed)
				return
			default:
				h.log.Warn().Err(err).Msg("stream receive failed")
				h.Terminate(ReasonError)
				return
			}
		}
		if err := h.Handle(ctx, env, tr); err != nil {
			h.log.Warn().Err(err).Msg("stream send failed")
			h.Terminate(ReasonError)
			return
		}
	}
}

// Inbound is one envelope routed to a datagram session with the
// pseudo-channel that answers its sender.
type Inbound struct {
	Envelope pdu.Envelope
	Via      transport.Transport
}

// ServeDatagram consumes inbox until the session terminates, the inbox is
// closed, or ctx ends. A session whose first login fails ends right away.
func (h *Handler) ServeDatagram(ctx context.Context, inbox <-chan Inbound) {
	ticker := newPoll(h.cfg.ReadTimeout)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			h.Terminate(ReasonShutdown)
			return
		case <-h.done:
			return
		case in, ok := <-inbox:
			if !ok {
				h.Terminate(ReasonClosed)
				return
			}
			if err := h.Handle(ctx, in.Envelope, in.Via); err != nil {
				// datagram replies are best effort
				h.log.Debug().Err(err).Msg("datagram reply failed")
			}
			if h.State() == StateNew {
				h.Terminate(ReasonClosed)
				return
			}
		case <-ticker.C:
			if h.idle() {
				h.Terminate(ReasonIdle)
				return
			}
		}
	}
}

func (h *Handler) replyMalformed(via transport.Transport, seq uint64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sendError(via, h.clientID, seq, pdu.CodeMalformed)
}

func newPoll(d time.Duration) *time.Ticker {
	if d <= 0 {
		d = DefaultConfig().ReadTimeout
	}
	return time.NewTicker(d)
}
