package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mception/mception/internal/admin"
	"github.com/mception/mception/internal/agentcfg"
	"github.com/mception/mception/internal/announce"
	"github.com/mception/mception/internal/api"
	"github.com/mception/mception/internal/audit"
	"github.com/mception/mception/internal/buildinfo"
	"github.com/mception/mception/internal/config"
	"github.com/mception/mception/internal/creds"
	"github.com/mception/mception/internal/errs"
	"github.com/mception/mception/internal/events"
	"github.com/mception/mception/internal/registry"
	"github.com/mception/mception/internal/relay"
	"github.com/mception/mception/internal/tunnel"
	"github.com/mception/mception/internal/wire"
)

// runServe handles the "mception serve" subcommand. It is the primary
// operating mode: loads config, opens the registry and audit stores,
// wires the tunnel manager, leaf forwarder, and admin service together,
// starts the API server, and blocks until a shutdown signal arrives.
//
// The shutdown sequence is:
//  1. SIGINT or SIGTERM cancels the context
//  2. The MQTT announcer publishes offline and disconnects
//  3. All agent tunnels are closed, failing their in-flight requests
//  4. The HTTP server drains in-flight requests
//  5. The forwarder's subprocess bridges and the audit DB close via defers
func runServe(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting mception", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "branch", buildinfo.GitBranch, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config %s: %w", cfgPath, err)
	}

	// Reconfigure logger now that we know the desired level and format.
	// The initial Info-level text logger is used only for the startup
	// banner; everything after this point uses the configured level and
	// format.
	{
		level := slog.LevelInfo
		if cfg.LogLevel != "" {
			// ParseLogLevel is already validated by cfg.Validate, so this
			// error path should be unreachable in practice.
			level, _ = config.ParseLogLevel(cfg.LogLevel)
		}
		logger = newLogger(stdout, level, cfg.LogFormat)
	}

	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"public_url", cfg.PublicURL,
	)

	// --- Data directory ---
	// All persistent state (the registry snapshot and the audit log)
	// lives under this directory by default.
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	// --- Registry ---
	// The single mutable authority over leaf and agent records. Opening
	// seeds an empty document on first run and clears connection flags
	// left over from an unclean shutdown.
	reg, err := registry.Open(registry.NewFileProvider(cfg.Storage.RegistryPath), logger)
	if err != nil {
		return fmt.Errorf("open registry %s: %w", cfg.Storage.RegistryPath, err)
	}
	logger.Info("registry opened",
		"path", cfg.Storage.RegistryPath,
		"leaf_mcps", len(reg.ListLeaves()),
		"agents", len(reg.ListAgents()),
	)

	// --- Audit log ---
	// Append-only SQLite table. Every admin mutation lands here before
	// its result is returned to the caller.
	db, err := sql.Open("sqlite3", cfg.Storage.AuditDB+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return fmt.Errorf("open audit database %s: %w", cfg.Storage.AuditDB, err)
	}
	defer db.Close()

	trail, err := audit.NewStore(db)
	if err != nil {
		return fmt.Errorf("init audit store: %w", err)
	}
	logger.Info("audit log opened", "path", cfg.Storage.AuditDB)

	// --- Event bus ---
	// Decouples the tunnel manager and admin service from the optional
	// MQTT announcer. Publishing never blocks.
	bus := events.New()

	// --- Credential issuer ---
	issuer, err := creds.NewIssuer([]byte(cfg.Auth.TokenSecret), time.Duration(cfg.Auth.ForwardTTLSec)*time.Second)
	if err != nil {
		return fmt.Errorf("init credential issuer: %w", err)
	}

	// --- Tunnel manager ---
	// Connection transitions update the registry record and feed the
	// event bus so the announcer can mirror them to MQTT.
	tunnels := tunnel.NewManager(tunnel.ManagerConfig{
		RequestTimeout: time.Duration(cfg.Tunnel.RequestTimeoutSec) * time.Second,
		OnConnectionChange: func(agentID string, connected bool) {
			if _, err := reg.SetConnection(agentID, connected); err != nil {
				logger.Warn("record connection state", "agent", agentID, "connected", connected, "error", err)
			}
			kind := events.KindAgentConnected
			if !connected {
				kind = events.KindAgentDisconnected
			}
			bus.Publish(events.Event{
				Timestamp: time.Now(),
				Source:    events.SourceTunnel,
				Kind:      kind,
				Data:      map[string]any{"agent_id": agentID},
			})
		},
		Logger: logger,
	})

	// --- Leaf forwarder ---
	// Relays requests to registered leaf backends: stdio subprocess
	// bridges and direct https calls.
	fwd := relay.New(relay.StoreResolver{Store: reg}, logger)
	defer fwd.Close()

	// Agent-initiated requests arrive through the agent's own tunnel
	// and are routed by target id, subject to the caller's allow-list.
	tunnels.SetInboundHandler(dispatchInbound(reg, fwd, tunnels, logger))

	// --- Admin service ---
	svc := admin.New(reg, trail, fwd, tunnels, bus, logger)

	// --- Config materializer ---
	configs := agentcfg.New(reg, issuer, cfg.PublicURL, logger)

	// --- API server ---
	server := api.NewServer(api.Config{
		Address: cfg.Listen.Address,
		Port:    cfg.Listen.Port,
		Admin:   svc,
		Tunnels: tunnels,
		Relay:   fwd,
		Configs: configs,
		Issuer:  issuer,
		Logger:  logger,
	})

	// --- MQTT announcer ---
	// Optional: mirrors hub availability and per-agent connectivity to
	// retained MQTT topics.
	var announcer *announce.Publisher
	if cfg.MQTT.Enabled {
		announcer = announce.New(cfg.MQTT, &announceStats{reg: reg, tunnels: tunnels}, bus, logger)
		go func() {
			if err := announcer.Start(ctx); err != nil {
				logger.Error("mqtt announcer failed", "error", err)
			}
		}()
		logger.Info("mqtt announcing enabled",
			"broker", cfg.MQTT.Broker,
			"topic_prefix", cfg.MQTT.TopicPrefix,
			"instance", cfg.MQTT.InstanceName,
		)
	} else {
		logger.Info("mqtt announcing disabled (not configured)")
	}

	// --- Signal handling and graceful shutdown ---
	// NotifyContext wraps the parent context so that SIGINT/SIGTERM
	// cancellation flows through the same ctx used by all components.
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")

		// Publish MQTT offline status before disconnecting.
		if announcer != nil {
			offlineCtx, offlineCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer offlineCancel()
			if err := announcer.Stop(offlineCtx); err != nil {
				logger.Error("mqtt shutdown failed", "error", err)
			}
		}

		// Server.Shutdown does not touch hijacked WebSocket connections;
		// the tunnels must be torn down explicitly.
		tunnels.CloseAll("hub shutting down")

		_ = server.Shutdown(context.Background())
	}()

	// Start the API server. This blocks until the server is shut down
	// (via context cancellation or fatal error).
	if err := server.Start(ctx); err != nil {
		if ctx.Err() == nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	logger.Info("mception stopped")
	return nil
}

// dispatchInbound builds the handler for requests an agent initiates
// through its own tunnel. The agent names its target backend with a
// target=<id> query pair; the hub enforces the caller's allow-list and
// routes to a leaf over the forwarder or to another agent over that
// agent's tunnel.
func dispatchInbound(reg *registry.Store, fwd *relay.Forwarder, tunnels *tunnel.Manager, logger *slog.Logger) tunnel.InboundHandler {
	return func(ctx context.Context, agentID string, req wire.Request) wire.Response {
		target := req.Target()
		if target == "" {
			return wire.ErrorResponse(http.StatusBadRequest, string(errs.KindValidation), "missing target parameter")
		}

		caller, err := reg.GetAgent(agentID)
		if err != nil {
			return wire.ErrorResponse(errs.HTTPStatus(err), string(errs.KindOf(err)), "unknown calling agent")
		}
		if !caller.Allows(target) {
			return wire.ErrorResponse(http.StatusForbidden, "forbidden", fmt.Sprintf("agent %q may not call %q", agentID, target))
		}

		rec, err := reg.Resolve(target)
		if err != nil {
			return wire.ErrorResponse(errs.HTTPStatus(err), string(errs.KindOf(err)), err.Error())
		}

		logger.Debug("routing agent-initiated request", "agent", agentID, "target", target, "kind", rec.RecordKind())

		var resp wire.Response
		if rec.RecordKind() == registry.KindAgent {
			resp, err = tunnels.Send(ctx, target, req)
		} else {
			resp, err = fwd.Forward(ctx, target, req)
		}
		if err != nil {
			return wire.ErrorResponse(errs.HTTPStatus(err), string(errs.KindOf(err)), err.Error())
		}
		return resp
	}
}

// announceStats bridges the registry and tunnel manager to the MQTT
// announcer's [announce.StatsSource] interface. It holds only the two
// narrow references the announcer needs, not the admin service.
type announceStats struct {
	reg     *registry.Store
	tunnels *tunnel.Manager
}

func (a *announceStats) Uptime() time.Duration { return buildinfo.Uptime() }
func (a *announceStats) Version() string       { return buildinfo.Version }
func (a *announceStats) LeafCount() int        { return len(a.reg.ListLeaves()) }

func (a *announceStats) AgentIDs() []string {
	agents := a.reg.ListAgents()
	ids := make([]string, len(agents))
	for i, ag := range agents {
		ids[i] = ag.ID
	}
	return ids
}

func (a *announceStats) ConnectedAgents() []string { return a.tunnels.ConnectedIDs() }
