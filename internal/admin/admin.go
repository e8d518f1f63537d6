// Package admin serves the read-only operator HTTP surface.
//
// Ownership boundary:
// - gin router with logging/metrics middleware
// - health, metrics, stats, and client listing endpoints
package admin

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/danmuck/groupchat/internal/logging"
	"github.com/danmuck/groupchat/internal/observability"
	"github.com/danmuck/groupchat/internal/registry"
	"github.com/danmuck/groupchat/internal/stats"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const version = "0.1.0"

type Config struct {
	Addr        string
	CORSOrigins []string
	// ShutdownTimeout bounds Serve's graceful stop after ctx ends.
	ShutdownTimeout time.Duration
}

type Server struct {
	cfg      Config
	router   *gin.Engine
	registry *registry.Registry
	counters *stats.Counters
	metrics  *observability.Metrics
	started  time.Time
	log      zerolog.Logger
}

func New(cfg Config, reg *registry.Registry, counters *stats.Counters, metrics *observability.Metrics) *Server {
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 2 * time.Second
	}
	if metrics == nil {
		metrics = observability.NewMetrics(counters)
	}
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		cfg:      cfg,
		router:   gin.New(),
		registry: reg,
		counters: counters,
		metrics:  metrics,
		started:  time.Now(),
		log:      logging.Component("admin"),
	}
	s.router.Use(gin.Recovery())
	s.router.Use(metrics.Instrument(s.log))
	if len(cfg.CORSOrigins) > 0 {
		s.router.Use(cors.New(cors.Config{
			AllowOrigins: cfg.CORSOrigins,
			AllowMethods: []string{"GET"},
			AllowHeaders: []string{"Origin", "Content-Type"},
			MaxAge:       12 * time.Hour,
		}))
	}
	_ = s.router.SetTrustedProxies([]string{"127.0.0.1", "::1"})
	s.registerRoutes()
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) registerRoutes() {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":     "ok",
			"uptime":     time.Since(s.started).String(),
			"component":  "groupchat",
			"version":    version,
			"registered": s.registry.Len(),
		})
	})

	s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{})))

	s.router.GET("/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.counters.Snapshot())
	})

	s.router.GET("/clients", func(c *gin.Context) {
		records := s.registry.Snapshot()
		clients := make([]registry.Info, 0, len(records))
		for _, rec := range records {
			clients = append(clients, rec.Info())
		}
		c.JSON(http.StatusOK, gin.H{"clients": clients})
	})

	s.router.GET("/clients/:id", func(c *gin.Context) {
		rec, ok := s.registry.Lookup(c.Param("id"))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "client not found"})
			return
		}
		c.JSON(http.StatusOK, rec.Info())
	})
}

// Serve answers on ln until ctx ends, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	s.log.Info().Str("addr", ln.Addr().String()).Msg("admin listening")

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ListenAndServe binds cfg.Addr and calls Serve.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}
