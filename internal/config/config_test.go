package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/kernelroute/internal/protocol/session"
	"github.com/danmuck/kernelroute/internal/testutil/testlog"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "host.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadOverridesOnlyDefinedKeys(t *testing.T) {
	testlog.Start(t)
	path := writeConfig(t, `
uri = "kernel://alpha/"
heartbeat_interval_ms = 250
default_kernel = "pyremote"
builtin_kernels = ["value", "shell"]
admin_token = " s3cret "

[peer]
mode = "dial"
address = "127.0.0.1:7420"
reply_timeout = "30s"
max_connect_attempts = 4

[[proxies]]
name = "pyremote"
remote_uri = "kernel://beta/py"
aliases = ["py", " "]
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	def := Default()
	if cfg.URI != "kernel://alpha/" || cfg.Name != def.Name || cfg.AdminAddr != def.AdminAddr {
		t.Fatalf("unexpected identity: %+v", cfg)
	}
	if cfg.AdminToken != "s3cret" || len(cfg.BuiltinKernels) != 2 {
		t.Fatalf("unexpected admin token or builtins: %q %v", cfg.AdminToken, cfg.BuiltinKernels)
	}
	if cfg.HeartbeatInterval != 250*time.Millisecond {
		t.Fatalf("unexpected heartbeat: %s", cfg.HeartbeatInterval)
	}
	if cfg.Peer.Mode != PeerModeDial || cfg.Peer.Session.ReplyTimeout != 30*time.Second || cfg.Peer.Session.MaxConnectAttempts != 4 {
		t.Fatalf("unexpected peer: %+v", cfg.Peer)
	}
	if cfg.Peer.Session.WriteTimeout != session.DefaultConfig().WriteTimeout {
		t.Fatalf("undefined session keys should keep defaults")
	}
	if len(cfg.Proxies) != 1 || len(cfg.Proxies[0].Aliases) != 1 || cfg.Proxies[0].Aliases[0] != "py" {
		t.Fatalf("unexpected proxies: %+v", cfg.Proxies)
	}
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	testlog.Start(t)
	cases := map[string]string{
		"relative uri":        `uri = "alpha"`,
		"bad duration":        `heartbeat = "soon"`,
		"unknown builtin":     `builtin_kernels = ["python"]`,
		"duplicate builtin":   `builtin_kernels = ["value", "value"]`,
		"proxy without peer":  "[[proxies]]\nname = \"js\"\nremote_uri = \"kernel://beta/js\"\n",
		"listen without addr": "[peer]\nmode = \"listen\"\n",
		"bad mode":            "[peer]\nmode = \"carrier-pigeon\"\n",
		"production plain":    "[peer]\nmode = \"dial\"\naddress = \"x:1\"\nsecurity_mode = \"production\"\n",
		"alias collision": `
builtin_kernels = ["value"]
[peer]
mode = "dial"
address = "x:1"
[[proxies]]
name = "js"
remote_uri = "kernel://beta/js"
aliases = ["value"]
`,
		"unknown default": `default_kernel = "nope"`,
	}
	for name, body := range cases {
		_, err := Load(writeConfig(t, body))
		if !errors.Is(err, ErrInvalidConfig) {
			t.Fatalf("%s: expected ErrInvalidConfig, got %v", name, err)
		}
	}
}

func TestTemplateRoundTripsDefault(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "host.toml")
	if err := WriteTemplate(path, false); err != nil {
		t.Fatalf("write template: %v", err)
	}
	if err := WriteTemplate(path, false); err == nil || !strings.Contains(err.Error(), "already exists") {
		t.Fatalf("expected existing file to be kept, got %v", err)
	}
	if err := WriteTemplate(path, true); err != nil {
		t.Fatalf("overwrite template: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load template: %v", err)
	}
	def := Default()
	if cfg.URI != def.URI || cfg.HeartbeatInterval != def.HeartbeatInterval || cfg.Peer.Mode != def.Peer.Mode {
		t.Fatalf("template did not round trip: %+v", cfg)
	}
	if cfg.Peer.Session.ReplyTimeout != def.Peer.Session.ReplyTimeout || cfg.Peer.Session.Backoff != def.Peer.Session.Backoff {
		t.Fatalf("session defaults lost: %+v", cfg.Peer.Session)
	}
	if len(cfg.BuiltinKernels) != 1 || cfg.BuiltinKernels[0] != BuiltinValueKernel {
		t.Fatalf("builtin kernels lost: %v", cfg.BuiltinKernels)
	}
}
