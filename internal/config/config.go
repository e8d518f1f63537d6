// Package config maps the chat server's TOML file onto server.ServiceConfig.
// Keys left out of the file keep their defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/groupchat/internal/server"
	tomlv2 "github.com/pelletier/go-toml/v2"
)

// EnvConfigPath names the config file when no flag is given.
const EnvConfigPath = "GROUPCHAT_CONFIG"

var ErrUnknownKey = errors.New("config: unknown key")

// File is the on-disk layout. Durations are Go duration strings.
type File struct {
	ListenAddr        string `toml:"listen_addr"`
	Transport         string `toml:"transport"`
	SendBufferSize    int    `toml:"send_buffer_size"`
	ReceiveBufferSize int    `toml:"receive_buffer_size"`
	ReadTimeout       string `toml:"read_timeout"`
	WriteTimeout      string `toml:"write_timeout"`
	FrameTimeout      string `toml:"frame_timeout"`
	IdleTimeout       string `toml:"idle_timeout"`

	MaxEventAttempts         int     `toml:"max_event_attempts"`
	ConfirmTimeout           string  `toml:"confirm_timeout"`
	ConfirmBackoffMultiplier float64 `toml:"confirm_backoff_multiplier"`
	ConfirmBackoffMax        string  `toml:"confirm_backoff_max"`
	ConfirmBackoffJitter     bool    `toml:"confirm_backoff_jitter"`
	SweepInterval            string  `toml:"sweep_interval"`
	ConfirmReliable          bool    `toml:"confirm_reliable"`
	DeliverToSender          bool    `toml:"deliver_to_sender"`
	FanoutLimit              int     `toml:"fanout_limit"`

	AnnounceLogin    bool `toml:"announce_login"`
	SendMemberList   bool `toml:"send_member_list"`
	RegistryCapacity int  `toml:"registry_capacity"`
	DatagramInbox    int  `toml:"datagram_inbox"`

	TLSEnabled      bool   `toml:"tls_enabled"`
	TLSCertFile     string `toml:"tls_cert_file"`
	TLSKeyFile      string `toml:"tls_key_file"`
	TLSClientCAFile string `toml:"tls_client_ca_file"`

	AdminAddr        string   `toml:"admin_addr"`
	AdminCORSOrigins []string `toml:"admin_cors_origins"`

	AuditEnabled   bool   `toml:"audit_enabled"`
	AuditTransport string `toml:"audit_transport"`
	AuditAddr      string `toml:"audit_addr"`
	AuditQueueSize int    `toml:"audit_queue_size"`
}

// PathFromEnv returns $GROUPCHAT_CONFIG, or fallback when it is unset.
func PathFromEnv(fallback string) string {
	if v := strings.TrimSpace(os.Getenv(EnvConfigPath)); v != "" {
		return v
	}
	return fallback
}

// Load decodes path over server.DefaultServiceConfig and validates the result.
func Load(path string) (server.ServiceConfig, error) {
	var raw File
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return server.ServiceConfig{}, fmt.Errorf("load chat config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return server.ServiceConfig{}, fmt.Errorf("load chat config: %w: %s", ErrUnknownKey, undecoded[0].String())
	}
	cfg, err := overlay(server.DefaultServiceConfig(), raw, meta.IsDefined)
	if err != nil {
		return server.ServiceConfig{}, fmt.Errorf("load chat config: %w", err)
	}
	cfg = cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return server.ServiceConfig{}, fmt.Errorf("load chat config %s: %w", path, err)
	}
	return cfg, nil
}

func overlay(cfg server.ServiceConfig, raw File, defined func(...string) bool) (server.ServiceConfig, error) {
	duration := func(key, value string, dst *time.Duration) error {
		if !defined(key) {
			return nil
		}
		d, err := time.ParseDuration(strings.TrimSpace(value))
		if err != nil {
			return fmt.Errorf("parse %s: %w", key, err)
		}
		if d < 0 {
			return fmt.Errorf("parse %s: negative duration %s", key, d)
		}
		*dst = d
		return nil
	}

	if defined("listen_addr") {
		cfg.ListenAddr = strings.TrimSpace(raw.ListenAddr)
	}
	if defined("transport") {
		cfg.Transport = strings.TrimSpace(raw.Transport)
	}
	if defined("send_buffer_size") {
		cfg.Stream.SendBufferSize = raw.SendBufferSize
	}
	if defined("receive_buffer_size") {
		cfg.Stream.ReceiveBufferSize = raw.ReceiveBufferSize
	}
	durations := []struct {
		key   string
		value string
		dst   *time.Duration
	}{
		{"read_timeout", raw.ReadTimeout, &cfg.Session.ReadTimeout},
		{"write_timeout", raw.WriteTimeout, &cfg.Stream.WriteTimeout},
		{"frame_timeout", raw.FrameTimeout, &cfg.Stream.FrameTimeout},
		{"idle_timeout", raw.IdleTimeout, &cfg.Session.IdleTimeout},
		{"confirm_timeout", raw.ConfirmTimeout, &cfg.Broadcast.Backoff.InitialDelay},
		{"confirm_backoff_max", raw.ConfirmBackoffMax, &cfg.Broadcast.Backoff.MaxDelay},
		{"sweep_interval", raw.SweepInterval, &cfg.Broadcast.SweepInterval},
	}
	for _, d := range durations {
		if err := duration(d.key, d.value, d.dst); err != nil {
			return server.ServiceConfig{}, err
		}
	}

	if defined("max_event_attempts") {
		cfg.Broadcast.MaxAttempts = raw.MaxEventAttempts
	}
	if defined("confirm_backoff_multiplier") {
		cfg.Broadcast.Backoff.Multiplier = raw.ConfirmBackoffMultiplier
	}
	if defined("confirm_backoff_jitter") {
		cfg.Broadcast.Backoff.Jitter = raw.ConfirmBackoffJitter
	}
	if defined("confirm_reliable") {
		cfg.Broadcast.ConfirmReliable = raw.ConfirmReliable
	}
	if defined("deliver_to_sender") {
		cfg.Broadcast.DeliverToSender = raw.DeliverToSender
	}
	if defined("fanout_limit") {
		cfg.Broadcast.FanoutLimit = raw.FanoutLimit
	}
	if defined("announce_login") {
		cfg.Session.AnnounceLogin = raw.AnnounceLogin
	}
	if defined("send_member_list") {
		cfg.Session.SendMemberList = raw.SendMemberList
	}
	if defined("registry_capacity") {
		cfg.RegistryCapacity = raw.RegistryCapacity
	}
	if defined("datagram_inbox") {
		cfg.DatagramInbox = raw.DatagramInbox
	}

	if defined("tls_enabled") {
		cfg.TLS.Enabled = raw.TLSEnabled
	}
	if defined("tls_cert_file") {
		cfg.TLS.CertFile = strings.TrimSpace(raw.TLSCertFile)
	}
	if defined("tls_key_file") {
		cfg.TLS.KeyFile = strings.TrimSpace(raw.TLSKeyFile)
	}
	if defined("tls_client_ca_file") {
		cfg.TLS.ClientCAFile = strings.TrimSpace(raw.TLSClientCAFile)
	}

	if defined("admin_addr") {
		cfg.Admin.Addr = strings.TrimSpace(raw.AdminAddr)
	}
	if defined("admin_cors_origins") {
		var origins []string
		for _, origin := range raw.AdminCORSOrigins {
			if origin = strings.TrimSpace(origin); origin != "" {
				origins = append(origins, origin)
			}
		}
		cfg.Admin.CORSOrigins = origins
	}

	if defined("audit_enabled") {
		cfg.Audit.Enabled = raw.AuditEnabled
	}
	if defined("audit_transport") {
		cfg.Audit.Transport = strings.TrimSpace(raw.AuditTransport)
	}
	if defined("audit_addr") {
		cfg.Audit.Addr = strings.TrimSpace(raw.AuditAddr)
	}
	if defined("audit_queue_size") {
		cfg.Audit.QueueSize = raw.AuditQueueSize
	}
	return cfg, nil
}

// FromService is the inverse of Load's overlay.
func FromService(cfg server.ServiceConfig) File {
	return File{
		ListenAddr:        cfg.ListenAddr,
		Transport:         cfg.Transport,
		SendBufferSize:    cfg.Stream.SendBufferSize,
		ReceiveBufferSize: cfg.Stream.ReceiveBufferSize,
		ReadTimeout:       cfg.Session.ReadTimeout.String(),
		WriteTimeout:      cfg.Stream.WriteTimeout.String(),
		FrameTimeout:      cfg.Stream.FrameTimeout.String(),
		IdleTimeout:       cfg.Session.IdleTimeout.String(),

		MaxEventAttempts:         cfg.Broadcast.MaxAttempts,
		ConfirmTimeout:           cfg.Broadcast.Backoff.InitialDelay.String(),
		ConfirmBackoffMultiplier: cfg.Broadcast.Backoff.Multiplier,
		ConfirmBackoffMax:        cfg.Broadcast.Backoff.MaxDelay.String(),
		ConfirmBackoffJitter:     cfg.Broadcast.Backoff.Jitter,
		SweepInterval:            cfg.Broadcast.SweepInterval.String(),
		ConfirmReliable:          cfg.Broadcast.ConfirmReliable,
		DeliverToSender:          cfg.Broadcast.DeliverToSender,
		FanoutLimit:              cfg.Broadcast.FanoutLimit,

		AnnounceLogin:    cfg.Session.AnnounceLogin,
		SendMemberList:   cfg.Session.SendMemberList,
		RegistryCapacity: cfg.RegistryCapacity,
		DatagramInbox:    cfg.DatagramInbox,

		TLSEnabled:      cfg.TLS.Enabled,
		TLSCertFile:     cfg.TLS.CertFile,
		TLSKeyFile:      cfg.TLS.KeyFile,
		TLSClientCAFile: cfg.TLS.ClientCAFile,

		AdminAddr:        cfg.Admin.Addr,
		AdminCORSOrigins: append([]string{}, cfg.Admin.CORSOrigins...),

		AuditEnabled:   cfg.Audit.Enabled,
		AuditTransport: cfg.Audit.Transport,
		AuditAddr:      cfg.Audit.Addr,
		AuditQueueSize: cfg.Audit.QueueSize,
	}
}

// Render writes cfg in the layout Load reads.
func Render(cfg server.ServiceConfig) ([]byte, error) {
	out, err := tomlv2.Marshal(FromService(cfg))
	if err != nil {
		return nil, fmt.Errorf("render chat config: %w", err)
	}
	return out, nil
}
