// Mception-agent is the worker daemon for an mception hub.
//
// The worker pulls its materialized MCP configuration from the hub,
// connects the backends it names (stdio subprocesses and https
// servers), and keeps one WebSocket tunnel to the hub open to serve
// their aggregated tools to whoever the hub routes this way. The
// configuration is re-pulled periodically, so registry changes on the
// hub reach a running worker without a restart.
//
// Usage:
//
//	mception-agent run        Connect to the hub and serve
//	mception-agent version    Print version and build information
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mception/mception/internal/agent"
	"github.com/mception/mception/internal/buildinfo"
	"github.com/mception/mception/internal/config"
)

func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. OS-level dependencies are injected so
// the full lifecycle can be driven from tests; arguments are parsed by
// hand for the same reason the hub binary parses by hand: the flag
// package's global state does not survive concurrent test runs.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var command string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
		}
	}

	switch command {
	case "run":
		return runWorker(ctx, stdout, configPath)
	case "version":
		return runVersion(stdout)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runWorker starts the worker daemon and blocks until a shutdown
// signal arrives or the worker fails.
func runWorker(ctx context.Context, stdout io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting mception-agent",
		"version", buildinfo.Version,
		"commit", buildinfo.GitCommit,
		"built", buildinfo.BuildTime,
	)

	path, err := config.FindAgentConfig(configPath)
	if err != nil {
		return err
	}
	cfg, err := config.LoadAgent(path)
	if err != nil {
		return fmt.Errorf("load config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config %s: %w", path, err)
	}

	// Reconfigure the logger now that the desired level and format are
	// known; the boot logger above exists only for the startup banner.
	{
		level := slog.LevelInfo
		if cfg.LogLevel != "" {
			level, _ = config.ParseLogLevel(cfg.LogLevel)
		}
		logger = newLogger(stdout, level, cfg.LogFormat)
	}

	logger.Info("config loaded", "path", path, "hub", cfg.HubURL, "agent_id", cfg.AgentID)

	worker, err := agent.New(agent.Config{
		HubURL:          cfg.HubURL,
		AgentID:         cfg.AgentID,
		Token:           cfg.Token,
		RefreshInterval: time.Duration(cfg.RefreshIntervalSec) * time.Second,
		RequestTimeout:  time.Duration(cfg.RequestTimeoutSec) * time.Second,
		Logger:          logger,
	})
	if err != nil {
		return fmt.Errorf("init worker: %w", err)
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := worker.Run(ctx); err != nil {
		if ctx.Err() == nil {
			return fmt.Errorf("worker failed: %w", err)
		}
	}

	logger.Info("mception-agent stopped")
	return nil
}

// runVersion prints build metadata.
func runVersion(w io.Writer) error {
	info := buildinfo.Info()
	fmt.Fprintf(w, "mception-agent %s (%s@%s) built %s\n",
		buildinfo.Version, buildinfo.GitCommit, buildinfo.GitBranch, buildinfo.BuildTime)
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Mception-agent - worker daemon for an mception hub")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: mception-agent [flags] <command>")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  run       Connect to the hub and serve the local tool surface")
	fmt.Fprintln(w, "  version   Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to agent config file (default: auto-discover)")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./mception-agent.yaml, ~/.config/mception/agent.yaml, /etc/mception/agent.yaml")
	return nil
}

// newLogger creates a structured logger writing to w. Format is "text"
// or "json"; anything else falls back to text.
func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}
