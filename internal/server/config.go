package server

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/danmuck/groupchat/internal/admin"
	"github.com/danmuck/groupchat/internal/audit"
	"github.com/danmuck/groupchat/internal/broadcast"
	"github.com/danmuck/groupchat/internal/session"
	"github.com/danmuck/groupchat/internal/transport"
)

const (
	TransportTCP = "tcp"
	TransportUDP = "udp"

	AuditLog = "log"
)

var (
	ErrUnknownTransport     = errors.New("server: unknown transport")
	ErrTLSOverDatagram      = errors.New("server: tls requires the tcp transport")
	ErrTLSCertFileRequired  = errors.New("server: tls cert file required")
	ErrTLSKeyFileRequired   = errors.New("server: tls key file required")
	ErrAuditAddrRequired    = errors.New("server: audit addr required")
	ErrUnknownAuditSink     = errors.New("server: unknown audit transport")
	ErrListenAddrRequired   = errors.New("server: listen addr required")
	ErrNegativeRegistrySize = errors.New("server: registry capacity must not be negative")
)

// TLSConfig enables TLS on the stream listener. A ClientCAFile turns on
// mutual TLS.
type TLSConfig struct {
	Enabled      bool
	CertFile     string
	KeyFile      string
	ClientCAFile string
}

type AuditConfig struct {
	Enabled bool
	// Transport is "log", "tcp" or "udp".
	Transport string
	Addr      string
	QueueSize int
}

// ServiceConfig is the full runtime configuration of one chat server.
type ServiceConfig struct {
	ListenAddr string
	Transport  string

	Stream           transport.Options
	Session          session.Config
	Broadcast        broadcast.Config
	RegistryCapacity int
	// DatagramInbox bounds queued envelopes per datagram client.
	DatagramInbox int

	TLS   TLSConfig
	Admin admin.Config
	Audit AuditConfig
}

func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		ListenAddr:    ":50001",
		Transport:     TransportTCP,
		Stream:        transport.DefaultOptions(),
		Session:       session.DefaultConfig(),
		Broadcast:     broadcast.DefaultConfig(),
		DatagramInbox: 64,
		Audit: AuditConfig{
			Transport: AuditLog,
			QueueSize: audit.DefaultForwarderConfig().QueueSize,
		},
	}
}

// Normalize trims string settings and fills zero durations and sizes.
func (c ServiceConfig) Normalize() ServiceConfig {
	def := DefaultServiceConfig()
	c.ListenAddr = strings.TrimSpace(c.ListenAddr)
	c.Transport = strings.ToLower(strings.TrimSpace(c.Transport))
	if c.Transport == "" {
		c.Transport = def.Transport
	}
	if c.Session.ReadTimeout <= 0 {
		c.Session.ReadTimeout = def.Session.ReadTimeout
	}
	if c.DatagramInbox <= 0 {
		c.DatagramInbox = def.DatagramInbox
	}
	c.Broadcast = c.Broadcast.WithDefaults()
	c.TLS.CertFile = strings.TrimSpace(c.TLS.CertFile)
	c.TLS.KeyFile = strings.TrimSpace(c.TLS.KeyFile)
	c.TLS.ClientCAFile = strings.TrimSpace(c.TLS.ClientCAFile)
	c.Admin.Addr = strings.TrimSpace(c.Admin.Addr)
	c.Audit.Transport = strings.ToLower(strings.TrimSpace(c.Audit.Transport))
	if c.Audit.Transport == "" {
		c.Audit.Transport = def.Audit.Transport
	}
	c.Audit.Addr = strings.TrimSpace(c.Audit.Addr)
	return c
}

func (c ServiceConfig) Validate() error {
	if c.ListenAddr == "" {
		return ErrListenAddrRequired
	}
	switch c.Transport {
	case TransportTCP, TransportUDP:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownTransport, c.Transport)
	}
	if c.RegistryCapacity < 0 {
		return ErrNegativeRegistrySize
	}
	if c.TLS.Enabled {
		if c.Transport != TransportTCP {
			return ErrTLSOverDatagram
		}
		if c.TLS.CertFile == "" {
			return ErrTLSCertFileRequired
		}
		if c.TLS.KeyFile == "" {
			return ErrTLSKeyFileRequired
		}
	}
	if c.Audit.Enabled {
		switch c.Audit.Transport {
		case AuditLog:
		case TransportTCP, TransportUDP:
			if c.Audit.Addr == "" {
				return ErrAuditAddrRequired
			}
		default:
			return fmt.Errorf("%w: %q", ErrUnknownAuditSink, c.Audit.Transport)
		}
	}
	return nil
}

// forwarderConfig maps the audit settings onto the network forwarder.
func (c AuditConfig) forwarderConfig(writeTimeout time.Duration) audit.ForwarderConfig {
	cfg := audit.DefaultForwarderConfig()
	cfg.Network = c.Transport
	cfg.Addr = c.Addr
	if c.QueueSize > 0 {
		cfg.QueueSize = c.QueueSize
	}
	if writeTimeout > 0 {
		cfg.WriteTimeout = writeTimeout
	}
	return cfg
}
