package config

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Template renders cfg as a config file that Load reads back to cfg.
func Template(cfg HostConfig) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString("# kernelroute host configuration\n\n")
	enc := toml.NewEncoder(&buf)
	enc.SetIndentTables(true)
	if err := enc.Encode(toFile(cfg)); err != nil {
		return nil, fmt.Errorf("render config template: %w", err)
	}
	return buf.Bytes(), nil
}

// WriteTemplate writes the default configuration to path.
func WriteTemplate(path string, overwrite bool) error {
	data, err := Template(Default())
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, data, 0o600)
}

func toFile(cfg HostConfig) fileConfig {
	s := cfg.Peer.Session
	out := fileConfig{
		URI:            cfg.URI,
		Name:           cfg.Name,
		DefaultKernel:  cfg.DefaultKernel,
		BuiltinKernels: cfg.BuiltinKernels,
		Heartbeat:      formatDuration(cfg.HeartbeatInterval),
		AdminAddr:      cfg.AdminAddr,
		AdminToken:     cfg.AdminToken,
		CorsOrigins:    cfg.CorsOrigins,
		Peer: filePeer{
			Mode:               string(cfg.Peer.Mode),
			Address:            cfg.Peer.Address,
			PeerIdentity:       cfg.Peer.PeerIdentity,
			MaxConnectAttempts: s.MaxConnectAttempts,
			ConnectTimeout:     formatDuration(s.ConnectTimeout),
			HandshakeTimeout:   formatDuration(s.HandshakeTimeout),
			WriteTimeout:       formatDuration(s.WriteTimeout),
			HeartbeatInterval:  formatDuration(s.HeartbeatInterval),
			SessionDeadAfter:   formatDuration(s.SessionDeadAfter),
			ReplyTimeout:       formatDuration(s.ReplyTimeout),
			SecurityMode:       string(s.SecurityMode),
			TLS: fileTLS{
				Enabled:            s.TLS.Enabled,
				Mutual:             s.TLS.Mutual,
				CertFile:           s.TLS.CertFile,
				KeyFile:            s.TLS.KeyFile,
				CAFile:             s.TLS.CAFile,
				ServerName:         s.TLS.ServerName,
				InsecureSkipVerify: s.TLS.InsecureSkipVerify,
			},
		},
		Proxies: make([]fileProxy, 0, len(cfg.Proxies)),
	}
	for _, p := range cfg.Proxies {
		out.Proxies = append(out.Proxies, fileProxy{Name: p.Name, RemoteURI: p.RemoteURI, Aliases: p.Aliases})
	}
	return out
}

func formatDuration(d time.Duration) string {
	return d.String()
}
