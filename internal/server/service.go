// Package server runs the chat service: listeners, per-client sessions,
// the confirmation sweep, audit forwarding and the admin surface.
//
// Ownership boundary:
// - stream accept loop and datagram demultiplexer
// - session tracking for coordinated shutdown
// - process-level wiring of registry, broadcaster, audit and metrics
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/danmuck/groupchat/internal/admin"
	"github.com/danmuck/groupchat/internal/audit"
	"github.com/danmuck/groupchat/internal/broadcast"
	"github.com/danmuck/groupchat/internal/logging"
	"github.com/danmuck/groupchat/internal/observability"
	"github.com/danmuck/groupchat/internal/registry"
	"github.com/danmuck/groupchat/internal/session"
	"github.com/danmuck/groupchat/internal/stats"
	"github.com/danmuck/groupchat/internal/transport"
	"github.com/rs/zerolog"
	"github.com/tevino/abool"
	"golang.org/x/sync/errgroup"
)

type Service struct {
	cfg ServiceConfig

	counters    *stats.Counters
	registry    *registry.Registry
	broadcaster *broadcast.Broadcaster
	audit       audit.Dispatcher
	forwarder   *audit.Forwarder
	metrics     *observability.Metrics
	admin       *admin.Server
	log         zerolog.Logger

	closing      *abool.AtomicBool
	shutdownOnce sync.Once
	done         chan struct{}

	mu        sync.Mutex
	listeners []io.Closer
	sessions  map[*session.Handler]struct{}
	peers     map[string]*datagramPeer
	handlers  sync.WaitGroup

	readyOnce sync.Once
	ready     chan struct{}
	addr      net.Addr
}

func NewService(cfg ServiceConfig) (*Service, error) {
	cfg = cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	counters := stats.New()
	reg := registry.New(cfg.RegistryCapacity, counters)
	s := &Service{
		cfg:         cfg,
		counters:    counters,
		registry:    reg,
		broadcaster: broadcast.New(reg, counters, cfg.Broadcast),
		audit:       audit.Nop{},
		metrics:     observability.NewMetrics(counters),
		log:         logging.Component("server"),
		closing:     abool.New(),
		done:        make(chan struct{}),
		sessions:    make(map[*session.Handler]struct{}),
		peers:       make(map[string]*datagramPeer),
		ready:       make(chan struct{}),
	}
	if cfg.Audit.Enabled {
		switch cfg.Audit.Transport {
		case AuditLog:
			s.audit = audit.NewLogDispatcher()
		default:
			fwd, err := audit.NewForwarder(cfg.Audit.forwarderConfig(cfg.Stream.WriteTimeout), counters)
			if err != nil {
				return nil, err
			}
			s.forwarder = fwd
			s.audit = fwd
		}
	}
	if cfg.Admin.Addr != "" {
		s.admin = admin.New(cfg.Admin, reg, counters, s.metrics)
	}
	return s, nil
}

func (s *Service) Config() ServiceConfig               { return s.cfg }
func (s *Service) Registry() *registry.Registry        { return s.registry }
func (s *Service) Counters() *stats.Counters           { return s.counters }
func (s *Service) Broadcaster() *broadcast.Broadcaster { return s.broadcaster }
func (s *Service) Metrics() *observability.Metrics     { return s.metrics }
func (s *Service) Done() <-chan struct{}               { return s.done }

// Ready is closed once the chat listener is bound; Addr is valid from then on.
func (s *Service) Ready() <-chan struct{} { return s.ready }

func (s *Service) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

func (s *Service) markReady(addr net.Addr) {
	s.readyOnce.Do(func() {
		s.mu.Lock()
		s.addr = addr
		s.mu.Unlock()
		close(s.ready)
	})
}

func (s *Service) deps() session.Deps {
	return session.Deps{
		Registry:    s.registry,
		Broadcaster: s.broadcaster,
		Audit:       s.audit,
		Counters:    s.counters,
	}
}

// Run binds every configured listener and blocks until ctx ends or a
// listener fails, then shuts down.
func (s *Service) Run(ctx context.Context) error {
	s.counters.Reset()

	var adminLn net.Listener
	if s.admin != nil {
		ln, err := net.Listen("tcp", s.cfg.Admin.Addr)
		if err != nil {
			return err
		}
		adminLn = ln
	}
	var serve func(context.Context) error
	switch s.cfg.Transport {
	case TransportUDP:
		ep, err := transport.ListenDatagram(s.cfg.ListenAddr, s.cfg.Stream)
		if err != nil {
			closeQuietly(adminLn)
			return err
		}
		serve = func(ctx context.Context) error { return s.ServeDatagram(ctx, ep) }
	default:
		ln, err := s.listen()
		if err != nil {
			closeQuietly(adminLn)
			return err
		}
		serve = func(ctx context.Context) error { return s.Serve(ctx, ln) }
	}

	runCtx, stopRun := context.WithCancel(ctx)
	defer stopRun()
	auditCtx, stopAudit := context.WithCancel(context.Background())
	defer stopAudit()

	g, gctx := errgroup.WithContext(runCtx)
	if s.forwarder != nil {
		g.Go(func() error { return s.forwarder.Run(auditCtx) })
	}
	g.Go(func() error { return s.broadcaster.Run(gctx) })
	if adminLn != nil {
		g.Go(func() error { return s.admin.Serve(gctx, adminLn) })
	}
	g.Go(func() error {
		err := serve(gctx)
		s.Shutdown()
		stopAudit()
		stopRun()
		return err
	})
	s.log.Info().
		Str("transport", s.cfg.Transport).
		Str("addr", s.cfg.ListenAddr).
		Bool("tls", s.cfg.TLS.Enabled).
		Str("admin", s.cfg.Admin.Addr).
		Msg("service running")
	return g.Wait()
}

// listen builds the TCP or TLS stream listener.
func (s *Service) listen() (net.Listener, error) {
	if !s.cfg.TLS.Enabled {
		return net.Listen("tcp", s.cfg.ListenAddr)
	}
	tlsCfg, err := s.cfg.TLS.serverTLSConfig()
	if err != nil {
		return nil, err
	}
	return tls.Listen("tcp", s.cfg.ListenAddr, tlsCfg)
}

// Serve accepts stream clients on ln until ctx ends or Shutdown is called.
func (s *Service) Serve(ctx context.Context, ln net.Listener) error {
	if !s.trackListener(ln) {
		return nil
	}
	s.markReady(ln.Addr())
	stop := context.AfterFunc(ctx, s.Shutdown)
	defer stop()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.closing.IsSet() || errors.Is(err, net.ErrClosed) {
				s.Shutdown()
				return nil
			}
			return err
		}
		s.spawnStream(ctx, conn)
	}
}

func (s *Service) spawnStream(ctx context.Context, conn net.Conn) {
	tr := transport.NewStream(conn, s.cfg.Stream)
	h := session.NewStream(s.deps(), s.cfg.Session, tr)
	if !s.trackSession(h) {
		_ = tr.Close()
		return
	}
	s.log.Debug().Str("remote", tr.RemoteAddr()).Str("session_tag", h.SessionTag()).Msg("stream accepted")
	go func() {
		defer s.handlers.Done()
		defer s.untrackSession(h)
		h.ServeStream(ctx)
	}()
}

// Shutdown stops the broadcaster, records the shutdown, closes listeners,
// ends every session, clears the registry and waits for session goroutines.
// It is safe to call more than once; later calls wait for the first.
func (s *Service) Shutdown() {
	s.shutdownOnce.Do(func() {
		s.mu.Lock()
		s.closing.Set()
		listeners := s.listeners
		s.listeners = nil
		sessions := make([]*session.Handler, 0, len(s.sessions))
		for h := range s.sessions {
			sessions = append(sessions, h)
		}
		s.mu.Unlock()

		s.log.Info().Int("sessions", len(sessions)).Msg("service shutting down")
		s.broadcaster.Stop()
		s.audit.Notify(audit.Record{
			Kind:        audit.KindShutdown,
			SenderTag:   session.ServerTag,
			ReceiverTag: session.ServerTag,
			Timestamp:   time.Now(),
			Message:     "server shutdown",
		})
		for _, l := range listeners {
			_ = l.Close()
		}
		for _, h := range sessions {
			h.Terminate(session.ReasonShutdown)
		}
		if left := s.registry.Clear(); len(left) > 0 {
			s.log.Warn().Int("records", len(left)).Msg("registry cleared with records left")
		}
		s.handlers.Wait()
		close(s.done)
		s.log.Info().Msg("service stopped")
	})
}

func (s *Service) trackListener(l io.Closer) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing.IsSet() {
		_ = l.Close()
		return false
	}
	s.listeners = append(s.listeners, l)
	return true
}

// trackSession registers h for shutdown and counts its goroutine. It refuses
// once shutdown has begun.
func (s *Service) trackSession(h *session.Handler) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing.IsSet() {
		return false
	}
	s.sessions[h] = struct{}{}
	s.handlers.Add(1)
	return true
}

func (s *Service) untrackSession(h *session.Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, h)
}

// Sessions counts live session goroutines.
func (s *Service) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func closeQuietly(c io.Closer) {
	if c != nil {
		_ = c.Close()
	}
}
