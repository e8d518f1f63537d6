package server

import (
	"context"
	"errors"

	"github.com/danmuck/groupchat/internal/protocol/pdu"
	"github.com/danmuck/groupchat/internal/session"
	"github.com/danmuck/groupchat/internal/transport"
)

// datagramPeer is the demultiplexer's entry for one logged-in datagram client.
type datagramPeer struct {
	h     *session.Handler
	inbox chan session.Inbound
}

func (p *datagramPeer) finished() bool {
	select {
	case <-p.h.Done():
		return true
	default:
		return false
	}
}

// ServeDatagram reads the shared endpoint and routes each envelope by
// ClientID to that client's session until ctx ends or Shutdown is called.
func (s *Service) ServeDatagram(ctx context.Context, ep *transport.Endpoint) error {
	if !s.trackListener(ep) {
		return nil
	}
	s.markReady(ep.LocalAddr())
	stop := context.AfterFunc(ctx, s.Shutdown)
	defer stop()

	for {
		dg, err := ep.Receive(s.cfg.Session.ReadTimeout)
		if err != nil {
			var malformed *transport.MalformedError
			switch {
			case errors.Is(err, transport.ErrTimedOut):
				continue
			case errors.As(err, &malformed):
				s.replyMalformed(dg, malformed.Sequence)
				continue
			case s.closing.IsSet() || errors.Is(err, transport.ErrClosed):
				s.Shutdown()
				return nil
			default:
				return err
			}
		}
		s.route(ctx, dg)
	}
}

func (s *Service) route(ctx context.Context, dg transport.Datagram) {
	env := dg.Envelope
	s.mu.Lock()
	if s.closing.IsSet() {
		s.mu.Unlock()
		return
	}
	peer, ok := s.peers[env.ClientID]
	if ok && peer.finished() {
		delete(s.peers, env.ClientID)
		ok = false
	}
	if !ok && env.Kind == pdu.KindLoginRequest {
		peer = &datagramPeer{
			h:     session.NewDatagram(s.deps(), s.cfg.Session),
			inbox: make(chan session.Inbound, s.cfg.DatagramInbox),
		}
		s.peers[env.ClientID] = peer
		s.sessions[peer.h] = struct{}{}
		s.handlers.Add(1)
		go s.serveDatagramPeer(ctx, env.ClientID, peer)
		ok = true
	}
	s.mu.Unlock()

	if !ok {
		_ = dg.Send(pdu.NewError(env.ClientID, env.Sequence, pdu.CodeNotLoggedIn, "").WithTags(session.ServerTag, ""))
		return
	}
	select {
	case peer.inbox <- session.Inbound{Envelope: env, Via: dg}:
	default:
		s.log.Warn().
			Str("client_id", env.ClientID).
			Str("kind", env.Kind.String()).
			Msg("datagram inbox full, envelope dropped")
	}
}

func (s *Service) serveDatagramPeer(ctx context.Context, clientID string, peer *datagramPeer) {
	defer s.handlers.Done()
	peer.h.ServeDatagram(ctx, peer.inbox)
	s.mu.Lock()
	if s.peers[clientID] == peer {
		delete(s.peers, clientID)
	}
	delete(s.sessions, peer.h)
	s.mu.Unlock()
}

// replyMalformed answers an undecodable datagram when its sender is known.
func (s *Service) replyMalformed(dg transport.Datagram, seq uint64) {
	if !dg.Remote.IsValid() {
		return
	}
	if err := dg.Send(pdu.NewError("", seq, pdu.CodeMalformed, "").WithTags(session.ServerTag, "")); err != nil {
		s.log.Debug().Err(err).Str("remote", dg.Remote.String()).Msg("malformed reply failed")
	}
}
