// Package cmd wires up the CLI flags and starts the gateway.
package cmd

import (
	"context"
	"fmt"
	"io"
	"os"

	flag "github.com/spf13/pflag"

	"enginegate/config"
	"enginegate/internal/core"
	"enginegate/internal/registry"
	"enginegate/util"
)

// version is overridable at link time:
//
//	go build -ldflags "-X enginegate/cmd.version=2.0.0"
var version = "1.0.0" //nolint:gochecknoglobals

// stdout receives --list, --version and --dry-run output.
var stdout io.Writer = os.Stdout //nolint:gochecknoglobals

// Execute parses args on top of the environment and runs the gateway
// until ctx is cancelled.
func Execute(ctx context.Context, args []string) error {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		return err
	}
	fs := flag.NewFlagSet("enginegate", flag.ContinueOnError)

	// ── listener ─────────────────────────────────────────────────
	fs.StringVarP(&cfg.BindAddress, "bind", "b", cfg.BindAddress, "Address to bind (env BIND_ADDRESS)")
	fs.IntVarP(&cfg.ListenPort, "port", "p", cfg.ListenPort, "Port to listen on (env LISTEN_PORT)")

	// ── registry ─────────────────────────────────────────────────
	fs.StringVar(&cfg.BaseDir, "base-dir", cfg.BaseDir, "Directory for engines.json and relative engine paths (default: executable's directory)")
	fs.StringVar(&cfg.RegistryPath, "registry", cfg.RegistryPath, "Registry file (default: <base-dir>/engines.json)")
	var aliasPairs []string
	fs.StringSliceVar(&aliasPairs, "alias", nil, "Legacy command token=engine id, replaces the defaults (repeatable)")
	fs.BoolVar(&cfg.WatchRegistry, "watch-registry", cfg.WatchRegistry, "Log registry changes as they happen")

	// ── sessions ─────────────────────────────────────────────────
	fs.StringVar(&cfg.HandshakeToken, "handshake-token", cfg.HandshakeToken, "Client line that triggers option injection")
	fs.StringVar(&cfg.QuietPrefix, "quiet-prefix", cfg.QuietPrefix, "Engine output lines with this prefix are logged at debug level")
	fs.DurationVar(&cfg.GracefulTimeout, "graceful-timeout", cfg.GracefulTimeout, "Wait for an engine to exit after quit")
	fs.DurationVar(&cfg.TerminateTimeout, "terminate-timeout", cfg.TerminateTimeout, "Wait for an engine to exit after SIGTERM")
	fs.DurationVar(&cfg.ShutdownGrace, "shutdown-grace", cfg.ShutdownGrace, "Wait for open sessions when the gateway stops")

	// ── remote publishing ────────────────────────────────────────
	fs.StringVarP(&cfg.PublishSpec, "publish", "R", cfg.PublishSpec, "Publish the port on an SSH host: [user@]host[:port]")
	fs.IntVar(&cfg.RemotePort, "remote-port", cfg.RemotePort, "Port to listen on at the SSH host")
	fs.StringVar(&cfg.RemoteBindAddress, "remote-bind", cfg.RemoteBindAddress, "Bind address at the SSH host")
	fs.IntVar(&cfg.KeepAliveInterval, "keep-alive", cfg.KeepAliveInterval, "SSH keepalive interval in seconds (0 disables)")
	fs.BoolVar(&cfg.AutoReconnect, "auto-reconnect", cfg.AutoReconnect, "Reconnect with backoff when the SSH connection drops")
	fs.StringVar(&cfg.SSHKeyPath, "ssh-key", cfg.SSHKeyPath, "SSH private key file")
	fs.BoolVar(&cfg.SSHPassword, "ssh-password", cfg.SSHPassword, "Prompt for SSH password")
	fs.BoolVar(&cfg.UseSSHAgent, "ssh-agent", cfg.UseSSHAgent, "Use SSH agent")
	fs.BoolVar(&cfg.StrictHostKey, "strict-hostkey", cfg.StrictHostKey, "Verify SSH host keys")
	fs.StringVar(&cfg.KnownHostsPath, "known-hosts", cfg.KnownHostsPath, "Custom known_hosts path")

	// ── output ───────────────────────────────────────────────────
	fs.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "Serve Prometheus metrics on this address")
	fs.StringVar(&cfg.LogFile, "log-file", cfg.LogFile, "Append logs to this file instead of stderr")
	var louder int
	fs.CountVarP(&louder, "verbose", "v", "Increase verbosity (repeatable)")
	var quiet bool
	fs.BoolVarP(&quiet, "quiet", "q", false, "Only log errors")

	var showVersion, showHelp, listOnly, dryRun bool
	fs.BoolVar(&listOnly, "list", false, "Print the registry as the list command would and exit")
	fs.BoolVar(&dryRun, "dry-run", false, "Validate the configuration and exit")
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	fs.BoolVarP(&showHelp, "help", "h", false, "Show this help")

	fs.Usage = func() { printUsage(fs) }

	// ── parse ────────────────────────────────────────────────────
	if err := fs.Parse(args); err != nil {
		return err
	}
	if showHelp {
		printUsage(fs)
		return nil
	}
	if showVersion {
		fmt.Fprintf(stdout, "enginegate %s\n", version)
		return nil
	}
	if fs.NArg() > 0 {
		return fmt.Errorf("unexpected arguments %q (use --help for usage)", fs.Args())
	}

	if len(aliasPairs) > 0 {
		if cfg.Aliases, err = config.ParseAliases(aliasPairs); err != nil {
			return err
		}
	}
	cfg.Verbose += louder
	if quiet {
		cfg.Verbose = int(util.LogQuiet)
	}

	// ── validate ─────────────────────────────────────────────────
	if err := cfg.Finalize(); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := util.NewLogger(cfg.Verbose)
	if cfg.LogFile != "" {
		f, err := util.OpenLogFile(cfg.LogFile)
		if err != nil {
			return err
		}
		defer f.Close()
		logger.SetOutput(f)
	}

	if listOnly {
		data, err := registry.Marshal(registry.Load(cfg.ResolveRegistry(), logger))
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "%s\n", data)
		return nil
	}
	if dryRun {
		printSummary(cfg)
		return nil
	}

	gw, err := core.Build(cfg, logger)
	if err != nil {
		return err
	}
	logger.Info("enginegate %s starting", version)
	err = gw.Run(ctx)
	logger.Info("enginegate stopped")
	return err
}

func printSummary(cfg *config.Config) {
	fmt.Fprintf(stdout, "listen     %s\n", cfg.ListenAddr())
	fmt.Fprintf(stdout, "registry   %s\n", cfg.ResolveRegistry())
	fmt.Fprintf(stdout, "base dir   %s\n", cfg.BaseDir)
	fmt.Fprintf(stdout, "shutdown   quit +%v, terminate +%v, grace %v\n",
		cfg.GracefulTimeout, cfg.TerminateTimeout, cfg.ShutdownGrace)
	if cfg.PublishEnabled {
		fmt.Fprintf(stdout, "publish    %s@%s:%d -> %s\n",
			cfg.PublishUser, cfg.PublishHost, cfg.PublishPort,
			util.FormatAddr(cfg.RemoteBindAddress, cfg.RemotePort))
	}
	if cfg.MetricsAddr != "" {
		fmt.Fprintf(stdout, "metrics    %s\n", cfg.MetricsAddr)
	}
	fmt.Fprintln(stdout, "configuration OK")
}

func printUsage(fs *flag.FlagSet) {
	fmt.Fprintf(os.Stderr, `enginegate v%s

A single-port TCP gateway to locally installed game engines.

Usage:
  enginegate [options]

Clients send one command line:
  list              registry as one JSON line
  run <id>          start engine <id> and relay its streams
  <alias>           legacy form of run, see --alias

Options:
`, version)
	fs.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
Examples:
  enginegate -p 4082                           Listen on 127.0.0.1:4082
  enginegate -b 0.0.0.0 --metrics-addr :9182   All interfaces, with metrics
  enginegate --list                            Show the registry
  enginegate -R me@relay.example.com --remote-port 4082 --auto-reconnect
`)
}
