// Package session runs the per-client protocol state machine.
//
// Ownership boundary:
// - login, message, confirm and logout handling for one client
// - the one-shot finalizer that releases everything a session holds
// - stream receive loop and datagram inbox loop
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/danmuck/groupchat/internal/audit"
	"github.com/danmuck/groupchat/internal/broadcast"
	"github.com/danmuck/groupchat/internal/logging"
	"github.com/danmuck/groupchat/internal/protocol/pdu"
	"github.com/danmuck/groupchat/internal/registry"
	"github.com/danmuck/groupchat/internal/stats"
	"github.com/danmuck/groupchat/internal/transport"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ServerTag is the session tag the server stamps on its own envelopes.
const ServerTag = "server"

type State int

const (
	StateNew State = iota
	StateRegistering
	StateActive
	StateDeregistering
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateRegistering:
		return "registering"
	case StateActive:
		return "active"
	case StateDeregistering:
		return "deregistering"
	case StateTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Reason says why a session ended.
type Reason string

const (
	ReasonLogout   Reason = "logout"
	ReasonClosed   Reason = "closed"
	ReasonIdle     Reason = "idle"
	ReasonShutdown Reason = "shutdown"
	ReasonError    Reason = "error"
)

// Deps are the shared services every handler uses.
type Deps struct {
	Registry    *registry.Registry
	Broadcaster *broadcast.Broadcaster
	Audit       audit.Dispatcher
	Counters    *stats.Counters
}

type Config struct {
	// ReadTimeout is the poll interval of the receive loops.
	ReadTimeout time.Duration
	// IdleTimeout ends a session that sent nothing for this long; 0 disables.
	IdleTimeout    time.Duration
	AnnounceLogin  bool
	SendMemberList bool
}

func DefaultConfig() Config {
	return Config{
		ReadTimeout:    time.Second,
		AnnounceLogin:  true,
		SendMemberList: true,
	}
}

// Handler is one client's session. Handle calls are serialized so responses
// leave in request order.
type Handler struct {
	deps Deps
	cfg  Config
	// owned is the stream this session closes on finalize; nil for datagram sessions.
	owned transport.Transport

	mu       sync.Mutex
	state    State
	history  []State
	clientID string
	record   *registry.Record
	lastSeen time.Time
	reason   Reason

	tag      string
	finalize sync.Once
	done     chan struct{}
	log      zerolog.Logger
	now      func() time.Time
}

// NewStream builds a handler that owns tr.
func NewStream(deps Deps, cfg Config, tr transport.Transport) *Handler {
	return newHandler(deps, cfg, tr)
}

// NewDatagram builds a handler whose replies go to the transport each PDU arrived on.
func NewDatagram(deps Deps, cfg Config) *Handler {
	return newHandler(deps, cfg, nil)
}

func newHandler(deps Deps, cfg Config, owned transport.Transport) *Handler {
	if deps.Audit == nil {
		deps.Audit = audit.Nop{}
	}
	if deps.Counters == nil {
		deps.Counters = stats.New()
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = DefaultConfig().ReadTimeout
	}
	tag := uuid.NewString()
	h := &Handler{
		deps:    deps,
		cfg:     cfg,
		owned:   owned,
		state:   StateNew,
		history: []State{StateNew},
		tag:     tag,
		done:    make(chan struct{}),
		log:     logging.Component("session").With().Str("session_tag", tag).Logger(),
		now:     time.Now,
	}
	h.lastSeen = h.now()
	return h
}

func (h *Handler) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// History returns every state the session passed through, oldest first.
func (h *Handler) History() []State {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]State, len(h.history))
	copy(out, h.history)
	return out
}

func (h *Handler) ClientID() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.clientID
}

func (h *Handler) SessionTag() string { return h.tag }

// Done is closed once the finalizer has run.
func (h *Handler) Done() <-chan struct{} { return h.done }

// Reason reports why the session ended; empty while it is still running.
func (h *Handler) Reason() Reason {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.reason
}

func (h *Handler) setState(next State) {
	if next <= h.state {
		return
	}
	h.state = next
	h.history = append(h.history, next)
}

// Handle processes one inbound envelope that arrived on via. A returned error
// means a reply could not be written.
func (h *Handler) Handle(ctx context.Context, env pdu.Envelope, via transport.Transport) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lastSeen = h.now()

	switch h.state {
	case StateNew:
		if env.Kind == pdu.KindLoginRequest {
			return h.login(ctx, env, via)
		}
		return h.reject(via, env, pdu.CodeNotLoggedIn)
	case StateActive:
		return h.active(ctx, env, via)
	default:
		return h.reject(via, env, pdu.CodeNotLoggedIn)
	}
}

func (h *Handler) login(ctx context.Context, env pdu.Envelope, via transport.Transport) error {
	handle := via
	if h.owned != nil {
		handle = h.owned
	}
	rec, err := h.deps.Registry.TryRegister(env.ClientID, handle, h.tag)
	if err != nil {
		code := pdu.CodeInvalidID
		switch {
		case errors.Is(err, registry.ErrDuplicateID):
			code = pdu.CodeDuplicateID
		case errors.Is(err, registry.ErrCapacity):
			code = pdu.CodeRegistryFull
		}
		h.log.Info().Err(err).Str("client_id", env.ClientID).Msg("login rejected")
		return h.reject(via, env, code)
	}
	h.clientID = rec.ClientID
	h.record = rec
	h.setState(StateRegistering)

	resp := pdu.NewLoginResponse(rec.ClientID, env.Sequence, pdu.CodeOK).WithTags(ServerTag, h.tag)
	if err := via.Send(resp); err != nil {
		h.finalizeLocked(ReasonError)
		return fmt.Errorf("session: login response: %w", err)
	}
	if err := h.deps.Registry.Promote(rec.ClientID); err != nil {
		h.finalizeLocked(ReasonError)
		return err
	}
	h.setState(StateActive)
	h.log.Info().Str("client_id", rec.ClientID).Str("remote", rec.RemoteAddr).Bool("reliable", via.Reliable()).Msg("client logged in")

	if h.cfg.SendMemberList {
		list := pdu.NewLoginListResponse(rec.ClientID, env.Sequence, h.deps.Registry.Members()).WithTags(ServerTag, h.tag)
		if err := via.Send(list); err != nil {
			return fmt.Errorf("session: member list: %w", err)
		}
	}
	h.notify(audit.KindLogin, "")
	if h.cfg.AnnounceLogin {
		h.announce(ctx, env.Sequence, pdu.EventLogin, "")
	}
	return nil
}

func (h *Handler) active(ctx context.Context, env pdu.Envelope, via transport.Transport) error {
	if env.Kind == pdu.KindLoginRequest {
		if env.ClientID == h.clientID {
			return h.reject(via, env, pdu.CodeDuplicateID)
		}
		return h.reject(via, env, pdu.CodeAlreadyLoggedIn)
	}
	if h.owned == nil && via.RemoteAddr() != h.record.RemoteAddr {
		return h.reject(via, env, pdu.CodeAddressMismatch)
	}
	if env.ClientID != h.clientID {
		return h.reject(via, env, pdu.CodeClientIDMismatch)
	}

	switch env.Kind {
	case pdu.KindMessageRequest:
		return h.message(ctx, env, via)
	case pdu.KindEventConfirm:
		if h.deps.Broadcaster != nil {
			h.deps.Broadcaster.Confirm(h.clientID, env.EventID)
		}
		return nil
	case pdu.KindLogoutRequest:
		return h.logout(ctx, env, via)
	default:
		return h.reject(via, env, pdu.CodeUnexpectedKind)
	}
}

func (h *Handler) message(ctx context.Context, env pdu.Envelope, via transport.Transport) error {
	started := h.now()
	if h.record.Status() != registry.StatusRegistered {
		return h.reject(via, env, pdu.CodeNotLoggedIn)
	}
	h.record.MessageCounter.Add(1)
	h.deps.Counters.MessageReceived()

	resp := pdu.NewMessageResponse(h.clientID, env.Sequence).
		WithTags(ServerTag, h.tag).
		WithServerTime(h.now().Sub(started))
	if err := via.Send(resp); err != nil {
		return fmt.Errorf("session: message response: %w", err)
	}
	h.announce(ctx, env.Sequence, pdu.EventMessage, env.Payload)
	h.notify(audit.KindMessage, env.Payload)
	return nil
}

func (h *Handler) logout(ctx context.Context, env pdu.Envelope, via transport.Transport) error {
	if err := h.deps.Registry.BeginUnregister(h.clientID); err != nil {
		h.log.Warn().Err(err).Str("client_id", h.clientID).Msg("logout on a record that is not registered")
	}
	h.setState(StateDeregistering)
	h.announce(ctx, env.Sequence, pdu.EventLogout, "")
	resp := pdu.NewLogoutResponse(h.clientID, env.Sequence, pdu.CodeOK).WithTags(ServerTag, h.tag)
	err := via.Send(resp)
	h.finalizeLocked(ReasonLogout)
	if err != nil {
		return fmt.Errorf("session: logout response: %w", err)
	}
	return nil
}

func (h *Handler) reject(via transport.Transport, env pdu.Envelope, code pdu.Code) error {
	h.log.Debug().
		Str("kind", env.Kind.String()).
		Uint64("seq", env.Sequence).
		Str("code", code.String()).
		Msg("request rejected")
	return h.sendError(via, env.ClientID, env.Sequence, code)
}

func (h *Handler) sendError(via transport.Transport, clientID string, seq uint64, code pdu.Code) error {
	if via == nil {
		return nil
	}
	if err := via.Send(pdu.NewError(clientID, seq, code, "").WithTags(ServerTag, h.tag)); err != nil {
		return fmt.Errorf("session: error reply: %w", err)
	}
	return nil
}

func (h *Handler) announce(ctx context.Context, seq uint64, eventType pdu.EventType, text string) {
	if h.deps.Broadcaster == nil {
		return
	}
	_, err := h.deps.Broadcaster.Broadcast(ctx, broadcast.Announcement{
		Origin:         h.clientID,
		OriginSequence: seq,
		Type:           eventType,
		Text:           text,
		SenderTag:      h.tag,
	})
	if err != nil && !errors.Is(err, broadcast.ErrStopped) {
		h.log.Warn().Err(err).Str("type", string(eventType)).Msg("broadcast failed")
	}
}

func (h *Handler) notify(kind audit.Kind, message string) {
	h.deps.Audit.Notify(audit.Record{
		Kind:        kind,
		ClientID:    h.clientID,
		SenderTag:   h.tag,
		ReceiverTag: ServerTag,
		Timestamp:   h.now(),
		Message:     message,
	})
}

// Terminate ends the session from outside the receive loop. Only the first
// call has an effect.
func (h *Handler) Terminate(reason Reason) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.finalizeLocked(reason)
}

// finalizeLocked releases the session exactly once. h.mu must be held.
func (h *Handler) finalizeLocked(reason Reason) {
	h.finalize.Do(func() {
		h.reason = reason
		if h.clientID != "" {
			if h.state == StateActive {
				// departure without a logout request
				_ = h.deps.Registry.BeginUnregister(h.clientID)
				h.setState(StateDeregistering)
				if h.cfg.AnnounceLogin && reason != ReasonShutdown {
					h.announce(context.Background(), 0, pdu.EventLogout, string(reason))
				}
			}
			h.deps.Registry.Unregister(h.clientID)
			if h.deps.Broadcaster != nil {
				h.deps.Broadcaster.CancelRecipient(h.clientID)
			}
			if reason == ReasonLogout {
				h.notify(audit.KindLogout, "")
			} else {
				h.notify(audit.KindDisconnect, string(reason))
			}
		}
		if h.owned != nil {
			_ = h.owned.Close()
		}
		h.setState(StateTerminated)
		close(h.done)
		h.log.Info().Str("client_id", h.clientID).Str("reason", string(reason)).Msg("session terminated")
	})
}

func (h *Handler) idle() bool {
	if h.cfg.IdleTimeout <= 0 {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.now().Sub(h.lastSeen) >= h.cfg.IdleTimeout
}
