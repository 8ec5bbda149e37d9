package core

import (
	"path/filepath"
	"testing"
	"time"

	"enginegate/config"
	"enginegate/internal/session"
	"enginegate/util"
)

func baseConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := &config.Config{
		BindAddress:      "127.0.0.1",
		ListenPort:       4082,
		BaseDir:          t.TempDir(),
		HandshakeToken:   "isready",
		QuietPrefix:      "info",
		GracefulTimeout:  5 * time.Second,
		TerminateTimeout: 3 * time.Second,
		ShutdownGrace:    10 * time.Second,
		Verbose:          1,
	}
	if err := cfg.Finalize(); err != nil {
		t.Fatal(err)
	}
	return cfg
}

func TestBuild_Listener(t *testing.T) {
	cfg := baseConfig(t)
	gw, err := Build(cfg, util.NewLogger(0))
	if err != nil {
		t.Fatal(err)
	}

	if gw.Listen.Address != "127.0.0.1:4082" {
		t.Errorf("Address = %q", gw.Listen.Address)
	}
	if gw.Listen.GracePeriod != 10*time.Second {
		t.Errorf("GracePeriod = %v", gw.Listen.GracePeriod)
	}
	coord, ok := gw.Listen.Handler.(*session.Coordinator)
	if !ok {
		t.Fatalf("handler is %T, want *session.Coordinator", gw.Listen.Handler)
	}
	if want := filepath.Join(cfg.BaseDir, "engines.json"); coord.RegistryPath != want || gw.RegistryPath != want {
		t.Errorf("registry path = %q / %q, want %q", coord.RegistryPath, gw.RegistryPath, want)
	}
	if coord.Aliases["game"] != "game" || coord.Token != "isready" {
		t.Errorf("coordinator = %+v", coord)
	}
	if coord.Metrics != gw.Metrics || gw.Listen.Metrics != gw.Metrics {
		t.Error("all parts must share one metrics collector")
	}
	if gw.Publish != nil {
		t.Error("publishing should be off by default")
	}
}

func TestBuild_Publish(t *testing.T) {
	cfg := baseConfig(t)
	cfg.PublishSpec = "gate@relay.example.com:2222"
	cfg.RemotePort = 14082
	cfg.RemoteBindAddress = "0.0.0.0"
	cfg.KeepAliveInterval = 15
	cfg.AutoReconnect = true
	if err := cfg.Finalize(); err != nil {
		t.Fatal(err)
	}

	gw, err := Build(cfg, util.NewLogger(0))
	if err != nil {
		t.Fatal(err)
	}
	p := gw.Publish
	if p == nil {
		t.Fatal("publish config missing")
	}
	if p.SSH.User != "gate" || p.SSH.Host != "relay.example.com" || p.SSH.Port != 2222 {
		t.Errorf("ssh target = %s@%s:%d", p.SSH.User, p.SSH.Host, p.SSH.Port)
	}
	if p.RemotePort != 14082 || p.RemoteBindAddress != "0.0.0.0" {
		t.Errorf("remote = %s:%d", p.RemoteBindAddress, p.RemotePort)
	}
	if p.KeepAliveInterval != 15*time.Second || !p.AutoReconnect {
		t.Errorf("keepalive = %v reconnect = %v", p.KeepAliveInterval, p.AutoReconnect)
	}
	if p.Backoff.MaxAttempts != config.DefaultMaxReconnectAttempts {
		t.Errorf("MaxAttempts = %d", p.Backoff.MaxAttempts)
	}
	if !p.ServerMessages {
		t.Error("no explicit credentials should enable server messages")
	}
}

func TestBuild_PublishWithKeyIsQuiet(t *testing.T) {
	cfg := baseConfig(t)
	cfg.PublishSpec = "relay.example.com"
	cfg.RemotePort = 14082
	cfg.SSHKeyPath = "/home/gate/.ssh/id_ed25519"
	if err := cfg.Finalize(); err != nil {
		t.Fatal(err)
	}

	gw, err := Build(cfg, util.NewLogger(0))
	if err != nil {
		t.Fatal(err)
	}
	if gw.Publish.ServerMessages {
		t.Error("explicit key should not open a server message session")
	}
	if gw.Publish.SSH.Port != config.DefaultSSHPort {
		t.Errorf("ssh port = %d, want default", gw.Publish.SSH.Port)
	}
}

func TestBuild_RequiresFinalizedConfig(t *testing.T) {
	if _, err := Build(&config.Config{}, util.NewLogger(0)); err == nil {
		t.Fatal("expected error for a config without base directory")
	}
}
