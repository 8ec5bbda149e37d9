package core

import (
	"errors"
	"time"

	"enginegate/config"
	"enginegate/internal/metrics"
	"enginegate/internal/retry"
	"enginegate/internal/session"
	"enginegate/internal/supervisor"
	"enginegate/tunnel"
	"enginegate/util"
)

// Build assembles a Gateway from a finalized, validated Config.
func Build(cfg *config.Config, logger *util.Logger) (*Gateway, error) {
	if cfg.BaseDir == "" {
		return nil, errors.New("config not finalized: base directory is empty")
	}
	m := metrics.New()
	registryPath := cfg.ResolveRegistry()

	coord := &session.Coordinator{
		RegistryPath: registryPath,
		BaseDir:      cfg.BaseDir,
		Aliases:      cfg.Aliases,
		Token:        cfg.HandshakeToken,
		QuietPrefix:  cfg.QuietPrefix,
		Launcher:     supervisor.New(cfg.GracefulTimeout, cfg.TerminateTimeout, logger),
		Metrics:      m,
		Logger:       logger,
	}

	gw := &Gateway{
		Listen: &ListenMode{
			Address:     cfg.ListenAddr(),
			Handler:     coord,
			Logger:      logger,
			Metrics:     m,
			GracePeriod: cfg.ShutdownGrace,
		},
		RegistryPath:  registryPath,
		WatchRegistry: cfg.WatchRegistry,
		MetricsAddr:   cfg.MetricsAddr,
		Metrics:       m,
		Logger:        logger,
	}

	if cfg.PublishEnabled {
		gw.Publish = buildPublish(cfg)
	}
	return gw, nil
}

func buildPublish(cfg *config.Config) *tunnel.PublishConfig {
	sshCfg := &tunnel.SSHConfig{
		User:          cfg.PublishUser,
		Host:          cfg.PublishHost,
		Port:          cfg.PublishPort,
		KeyPath:       cfg.SSHKeyPath,
		PromptPass:    cfg.SSHPassword,
		UseAgent:      cfg.UseSSHAgent,
		StrictHostKey: cfg.StrictHostKey,
		KnownHosts:    cfg.KnownHostsPath,
		ConnTimeout:   config.DefaultConnTimeout,
		// Relay services accept empty keyboard-interactive answers.
		AllowKeyboardInteractive: true,
	}

	var keepAlive time.Duration
	if cfg.KeepAliveInterval > 0 {
		keepAlive = time.Duration(cfg.KeepAliveInterval) * time.Second
	}

	backoff := retry.DefaultBackoff()
	backoff.MaxAttempts = config.DefaultMaxReconnectAttempts
	backoff.MaxDelay = config.DefaultMaxReconnectBackoff

	return &tunnel.PublishConfig{
		SSH:               sshCfg,
		RemoteBindAddress: cfg.RemoteBindAddress,
		RemotePort:        cfg.RemotePort,
		KeepAliveInterval: keepAlive,
		AutoReconnect:     cfg.AutoReconnect,
		Backoff:           backoff,
		// Without explicit credentials the target is most likely a
		// public relay, which prints the public address in a session.
		ServerMessages: cfg.SSHKeyPath == "" && !cfg.SSHPassword && !cfg.UseSSHAgent,
	}
}
