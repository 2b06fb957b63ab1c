// Package config loads kernel host configuration from TOML.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/kernelroute/internal/kernels"
	"github.com/danmuck/kernelroute/internal/protocol/routing"
	"github.com/danmuck/kernelroute/internal/protocol/session"
)

var ErrInvalidConfig = errors.New("config: invalid config")

// PeerMode selects how a host reaches its peer.
type PeerMode string

const (
	PeerModeNone   PeerMode = "none"
	PeerModeListen PeerMode = "listen"
	PeerModeDial   PeerMode = "dial"
)

const BuiltinValueKernel = "value"

// PeerConfig describes the host's single peer transport.
type PeerConfig struct {
	Mode         PeerMode
	Address      string
	PeerIdentity string
	Session      session.Config
}

// ProxyConfig declares one proxy kernel for a kernel on the peer host.
type ProxyConfig struct {
	Name      string
	RemoteURI string
	Aliases   []string
}

// HostConfig is the resolved runtime configuration of one kernel host.
type HostConfig struct {
	URI               string
	Name              string
	DefaultKernel     string
	BuiltinKernels    []string
	HeartbeatInterval time.Duration
	AdminAddr         string
	AdminToken        string
	CorsOrigins       []string
	Peer              PeerConfig
	Proxies           []ProxyConfig
}

func Default() HostConfig {
	return HostConfig{
		URI:               "kernel://localhost/",
		Name:              "root",
		DefaultKernel:     "",
		BuiltinKernels:    []string{BuiltinValueKernel},
		HeartbeatInterval: 5 * time.Second,
		AdminAddr:         "127.0.0.1:7421",
		CorsOrigins:       []string{"http://localhost:3000"},
		Peer: PeerConfig{
			Mode:    PeerModeNone,
			Session: session.DefaultConfig(),
		},
		Proxies: []ProxyConfig{},
	}
}

type fileConfig struct {
	URI                 string      `toml:"uri"`
	Name                string      `toml:"name"`
	DefaultKernel       string      `toml:"default_kernel"`
	BuiltinKernels      []string    `toml:"builtin_kernels"`
	Heartbeat           string      `toml:"heartbeat"`
	HeartbeatIntervalMS int64       `toml:"heartbeat_interval_ms,omitempty"`
	AdminAddr           string      `toml:"admin_addr"`
	AdminToken          string      `toml:"admin_token,omitempty"`
	CorsOrigins         []string    `toml:"cors_origins"`
	Peer                filePeer    `toml:"peer"`
	Proxies             []fileProxy `toml:"proxies,omitempty"`
}

type filePeer struct {
	Mode                string  `toml:"mode"`
	Address             string  `toml:"address"`
	PeerIdentity        string  `toml:"peer_identity"`
	MaxConnectAttempts  int     `toml:"max_connect_attempts"`
	ConnectTimeout      string  `toml:"connect_timeout"`
	HandshakeTimeout    string  `toml:"handshake_timeout"`
	WriteTimeout        string  `toml:"write_timeout"`
	HeartbeatInterval   string  `toml:"heartbeat_interval"`
	HeartbeatIntervalMS int64   `toml:"heartbeat_interval_ms,omitempty"`
	SessionDeadAfter    string  `toml:"session_dead_after"`
	ReplyTimeout        string  `toml:"reply_timeout"`
	ReplyTimeoutMS      int64   `toml:"reply_timeout_ms,omitempty"`
	SecurityMode        string  `toml:"security_mode"`
	TLS                 fileTLS `toml:"tls"`
}

type fileTLS struct {
	Enabled            bool   `toml:"enabled"`
	Mutual             bool   `toml:"mutual"`
	CertFile           string `toml:"cert_file"`
	KeyFile            string `toml:"key_file"`
	CAFile             string `toml:"ca_file"`
	ServerName         string `toml:"server_name"`
	InsecureSkipVerify bool   `toml:"insecure_skip_verify"`
}

type fileProxy struct {
	Name      string   `toml:"name"`
	RemoteURI string   `toml:"remote_uri"`
	Aliases   []string `toml:"aliases"`
}

// Load decodes path over Default. Only keys present in the file override
// defaults. The result is validated.
func Load(path string) (HostConfig, error) {
	cfg := Default()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return HostConfig{}, fmt.Errorf("load host config: %w", err)
	}

	if meta.IsDefined("uri") {
		cfg.URI = strings.TrimSpace(raw.URI)
	}
	if meta.IsDefined("name") {
		cfg.Name = strings.TrimSpace(raw.Name)
	}
	if meta.IsDefined("default_kernel") {
		cfg.DefaultKernel = strings.TrimSpace(raw.DefaultKernel)
	}
	if meta.IsDefined("builtin_kernels") {
		cfg.BuiltinKernels = normalizeNames(raw.BuiltinKernels)
	}
	if meta.IsDefined("heartbeat") {
		if cfg.HeartbeatInterval, err = parseDuration("heartbeat", raw.Heartbeat); err != nil {
			return HostConfig{}, err
		}
	}
	if meta.IsDefined("heartbeat_interval_ms") {
		cfg.HeartbeatInterval = time.Duration(raw.HeartbeatIntervalMS) * time.Millisecond
	}
	if meta.IsDefined("admin_addr") {
		cfg.AdminAddr = strings.TrimSpace(raw.AdminAddr)
	}
	if meta.IsDefined("admin_token") {
		cfg.AdminToken = strings.TrimSpace(raw.AdminToken)
	}
	if meta.IsDefined("cors_origins") {
		cfg.CorsOrigins = normalizeNames(raw.CorsOrigins)
	}
	if err := applyPeer(meta, raw.Peer, &cfg.Peer); err != nil {
		return HostConfig{}, err
	}
	if meta.IsDefined("proxies") {
		cfg.Proxies = make([]ProxyConfig, 0, len(raw.Proxies))
		for _, p := range raw.Proxies {
			cfg.Proxies = append(cfg.Proxies, ProxyConfig{
				Name:      strings.TrimSpace(p.Name),
				RemoteURI: strings.TrimSpace(p.RemoteURI),
				Aliases:   normalizeNames(p.Aliases),
			})
		}
	}

	if err := Validate(cfg); err != nil {
		return HostConfig{}, err
	}
	return cfg, nil
}

func applyPeer(meta toml.MetaData, raw filePeer, out *PeerConfig) error {
	var err error
	defined := func(key string) bool { return meta.IsDefined("peer", key) }

	if defined("mode") {
		out.Mode = PeerMode(strings.ToLower(strings.TrimSpace(raw.Mode)))
	}
	if defined("address") {
		out.Address = strings.TrimSpace(raw.Address)
	}
	if defined("peer_identity") {
		out.PeerIdentity = strings.TrimSpace(raw.PeerIdentity)
	}
	if defined("max_connect_attempts") {
		out.Session.MaxConnectAttempts = raw.MaxConnectAttempts
	}
	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"connect_timeout", raw.ConnectTimeout, &out.Session.ConnectTimeout},
		{"handshake_timeout", raw.HandshakeTimeout, &out.Session.HandshakeTimeout},
		{"write_timeout", raw.WriteTimeout, &out.Session.WriteTimeout},
		{"heartbeat_interval", raw.HeartbeatInterval, &out.Session.HeartbeatInterval},
		{"session_dead_after", raw.SessionDeadAfter, &out.Session.SessionDeadAfter},
		{"reply_timeout", raw.ReplyTimeout, &out.Session.ReplyTimeout},
	}
	for _, d := range durations {
		if !defined(d.key) {
			continue
		}
		if *d.dst, err = parseDuration("peer."+d.key, d.raw); err != nil {
			return err
		}
	}
	if defined("heartbeat_interval_ms") {
		out.Session.HeartbeatInterval = time.Duration(raw.HeartbeatIntervalMS) * time.Millisecond
	}
	if defined("reply_timeout_ms") {
		out.Session.ReplyTimeout = time.Duration(raw.ReplyTimeoutMS) * time.Millisecond
	}
	if defined("security_mode") {
		out.Session.SecurityMode = session.SecurityMode(strings.TrimSpace(raw.SecurityMode))
	}
	if meta.IsDefined("peer", "tls") {
		out.Session.TLS = session.TLSConfig{
			Enabled:            raw.TLS.Enabled,
			Mutual:             raw.TLS.Mutual,
			CertFile:           strings.TrimSpace(raw.TLS.CertFile),
			KeyFile:            strings.TrimSpace(raw.TLS.KeyFile),
			CAFile:             strings.TrimSpace(raw.TLS.CAFile),
			ServerName:         strings.TrimSpace(raw.TLS.ServerName),
			InsecureSkipVerify: raw.TLS.InsecureSkipVerify,
		}
	}
	return nil
}

// Validate reports the first problem in cfg, wrapped in ErrInvalidConfig.
func Validate(cfg HostConfig) error {
	invalid := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
	}

	if routing.Authority(cfg.URI) == "" {
		return invalid("uri %q must be an absolute uri with a host", cfg.URI)
	}
	if strings.TrimSpace(cfg.Name) == "" {
		return invalid("name is required")
	}
	if cfg.HeartbeatInterval <= 0 {
		return invalid("heartbeat must be positive")
	}
	known := map[string]bool{}
	for _, name := range cfg.BuiltinKernels {
		if _, ok := kernels.Get(name); !ok {
			return invalid("unknown builtin kernel %q (have %s)", name, strings.Join(kernels.Names(), ", "))
		}
		if known[name] {
			return invalid("builtin kernel %q listed twice", name)
		}
		known[name] = true
	}

	switch cfg.Peer.Mode {
	case PeerModeNone:
		if len(cfg.Proxies) > 0 {
			return invalid("proxies require a peer")
		}
	case PeerModeListen:
		if cfg.Peer.Address == "" {
			return invalid("peer.address is required to listen")
		}
		if err := cfg.Peer.Session.WithDefaults().ValidateServerTransport(); err != nil {
			return invalid("peer: %v", err)
		}
	case PeerModeDial:
		if cfg.Peer.Address == "" {
			return invalid("peer.address is required to dial")
		}
		if err := cfg.Peer.Session.WithDefaults().ValidateClientTransport(); err != nil {
			return invalid("peer: %v", err)
		}
	default:
		return invalid("peer.mode %q must be one of none, listen, dial", cfg.Peer.Mode)
	}
	if cfg.Peer.Session.ReplyTimeout < 0 {
		return invalid("peer.reply_timeout must not be negative")
	}

	for i, p := range cfg.Proxies {
		if p.Name == "" {
			return invalid("proxies[%d].name is required", i)
		}
		if routing.Authority(p.RemoteURI) == "" {
			return invalid("proxies[%d].remote_uri %q must be an absolute uri with a host", i, p.RemoteURI)
		}
		for _, name := range append([]string{p.Name}, p.Aliases...) {
			if known[name] {
				return invalid("proxies[%d]: name or alias %q is already used", i, name)
			}
			known[name] = true
		}
	}
	if cfg.DefaultKernel != "" && !known[cfg.DefaultKernel] {
		return invalid("default_kernel %q is not a configured kernel", cfg.DefaultKernel)
	}
	return nil
}

func parseDuration(key, raw string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("%w: parse %s: %v", ErrInvalidConfig, key, err)
	}
	return d, nil
}

func normalizeNames(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}
