package audit

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/danmuck/groupchat/internal/logging"
	"github.com/danmuck/groupchat/internal/stats"
	"github.com/rs/zerolog"
)

var ErrUnsupportedNetwork = errors.New("audit: unsupported network")

// ForwarderConfig configures delivery to the external audit server.
type ForwarderConfig struct {
	Network      string // "tcp" or "udp"
	Addr         string
	QueueSize    int
	DialTimeout  time.Duration
	WriteTimeout time.Duration
	RetryInitial time.Duration
	RetryMax     time.Duration
	// DrainTimeout bounds flushing queued records once Run is cancelled.
	DrainTimeout time.Duration
}

func DefaultForwarderConfig() ForwarderConfig {
	return ForwarderConfig{
		Network:      "tcp",
		QueueSize:    256,
		DialTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		RetryInitial: 100 * time.Millisecond,
		RetryMax:     5 * time.Second,
		DrainTimeout: time.Second,
	}
}

func (c ForwarderConfig) withDefaults() ForwarderConfig {
	def := DefaultForwarderConfig()
	c.Network = strings.ToLower(strings.TrimSpace(c.Network))
	if c.Network == "" {
		c.Network = def.Network
	}
	if c.QueueSize <= 0 {
		c.QueueSize = def.QueueSize
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = def.DialTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.RetryInitial <= 0 {
		c.RetryInitial = def.RetryInitial
	}
	if c.RetryMax <= 0 {
		c.RetryMax = def.RetryMax
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = def.DrainTimeout
	}
	return c
}

// Forwarder queues records and writes them to the audit server from Run.
// A full queue drops the record and counts it; Notify never waits.
type Forwarder struct {
	cfg      ForwarderConfig
	queue    chan Record
	counters *stats.Counters
	log      zerolog.Logger

	conn net.Conn
	seq  uint64
}

func NewForwarder(cfg ForwarderConfig, counters *stats.Counters) (*Forwarder, error) {
	cfg = cfg.withDefaults()
	switch cfg.Network {
	case "tcp", "udp":
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedNetwork, cfg.Network)
	}
	if strings.TrimSpace(cfg.Addr) == "" {
		return nil, fmt.Errorf("audit: forwarder address required")
	}
	if counters == nil {
		counters = stats.New()
	}
	return &Forwarder{
		cfg:      cfg,
		queue:    make(chan Record, cfg.QueueSize),
		counters: counters,
		log:      logging.Component("audit.forwarder"),
	}, nil
}

func (f *Forwarder) Notify(r Record) {
	select {
	case f.queue <- r:
	default:
		f.counters.AuditDropped()
		f.log.Warn().Str("kind", string(r.Kind)).Str("client_id", r.ClientID).Msg("audit queue full, record dropped")
	}
}

// Run delivers queued records until ctx ends, then flushes what is already
// queued within DrainTimeout.
func (f *Forwarder) Run(ctx context.Context) error {
	defer f.closeConn()
	for {
		select {
		case <-ctx.Done():
			f.drain()
			return nil
		case r := <-f.queue:
			f.deliver(ctx, r)
		}
	}
}

// deliver retries one record with backoff until it is written or ctx ends.
func (f *Forwarder) deliver(ctx context.Context, r Record) {
	delay := f.cfg.RetryInitial
	for {
		err := f.write(r)
		if err == nil {
			return
		}
		f.closeConn()
		f.log.Warn().Err(err).Dur("retry_in", delay).Msg("audit write failed")
		select {
		case <-ctx.Done():
			// the drain pass gets one more try
			f.requeue(r)
			return
		case <-time.After(delay):
		}
		delay *= 2
		if delay > f.cfg.RetryMax {
			delay = f.cfg.RetryMax
		}
	}
}

func (f *Forwarder) drain() {
	deadline := time.Now().Add(f.cfg.DrainTimeout)
	for time.Now().Before(deadline) {
		select {
		case r := <-f.queue:
			if err := f.write(r); err != nil {
				f.counters.AuditDropped()
				f.log.Warn().Err(err).Msg("audit drain failed")
				f.closeConn()
			}
		default:
			return
		}
	}
}

func (f *Forwarder) requeue(r Record) {
	select {
	case f.queue <- r:
	default:
		f.counters.AuditDropped()
	}
}

func (f *Forwarder) write(r Record) error {
	if f.conn == nil {
		conn, err := net.DialTimeout(f.cfg.Network, f.cfg.Addr, f.cfg.DialTimeout)
		if err != nil {
			return err
		}
		f.conn = conn
		f.log.Debug().Str("network", f.cfg.Network).Str("addr", f.cfg.Addr).Msg("audit connected")
	}
	f.seq++
	b, err := EncodeRecord(r, f.seq)
	if err != nil {
		// not retryable
		f.log.Error().Err(err).Msg("audit record encode failed")
		return nil
	}
	_ = f.conn.SetWriteDeadline(time.Now().Add(f.cfg.WriteTimeout))
	_, err = f.conn.Write(b)
	return err
}

func (f *Forwarder) closeConn() {
	if f.conn != nil {
		_ = f.conn.Close()
		f.conn = nil
	}
}
