// Package announce publishes hub presence over MQTT: a retained
// availability topic with a will message, retained per-agent
// connectivity topics fed by the event bus, and periodic state updates
// (uptime, version, record counts).
//
// The publisher uses Eclipse Paho v2's [autopaho] package for
// connection management with automatic reconnection. On every
// (re-)connect it publishes a birth message ("online") to the
// availability topic and re-publishes the retained state of every
// known agent, so a restarted broker converges without waiting for the
// next tunnel transition. A will message ensures the availability
// topic transitions to "offline" on unexpected disconnects.
package announce

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strconv"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/mception/mception/internal/config"
	"github.com/mception/mception/internal/events"
)

// Agent connectivity states published to the per-agent topics.
const (
	StateConnected    = "connected"
	StateDisconnected = "disconnected"
)

// StatsSource provides runtime data for state publishing. The concrete
// adapter is wired in main.go to avoid coupling this package to the
// admin service or tunnel manager.
type StatsSource interface {
	// Uptime returns the process uptime.
	Uptime() time.Duration
	// Version returns the software version string.
	Version() string
	// LeafCount returns the number of registered leaf MCPs.
	LeafCount() int
	// AgentIDs returns the ids of every registered agent.
	AgentIDs() []string
	// ConnectedAgents returns the ids of agents with live tunnels.
	ConnectedAgents() []string
}

// Publisher manages the MQTT connection, mirrors agent connectivity
// events onto retained topics, and runs a periodic loop that pushes
// hub state updates to the broker.
type Publisher struct {
	cfg    config.MQTTConfig
	stats  StatsSource
	bus    *events.Bus
	logger *slog.Logger
	cm     *autopaho.ConnectionManager
}

// New creates a Publisher but does not connect. Call [Publisher.Start]
// to begin the connection and publish loop.
func New(cfg config.MQTTConfig, stats StatsSource, bus *events.Bus, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{cfg: cfg, stats: stats, bus: bus, logger: logger}
}

// Start connects to the MQTT broker and blocks until ctx is cancelled,
// mirroring bus events and publishing periodic state along the way. On
// every (re-)connect it publishes a birth message and the retained
// per-agent states.
func (p *Publisher) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   p.availabilityTopic(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("mqtt connected to broker", "broker", p.cfg.Broker)
			p.publishAvailability(ctx, cm, "online")
			p.publishAgentStates(ctx, cm)
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "mception-" + p.cfg.InstanceName,
		},
	}

	// Enable TLS for mqtts:// or ssl:// schemes.
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.cm = cm

	// Wait for the initial connection before starting the publish loop.
	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// Log but don't fail; autopaho keeps retrying in the background.
		p.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	if p.bus != nil {
		go p.watchEvents(ctx)
	}

	// Run the periodic state publish loop until ctx is cancelled.
	p.runLoop(ctx)
	return nil
}

// Stop gracefully disconnects by publishing an "offline" availability
// message before closing the MQTT connection. The provided context
// controls how long to wait for the publish and disconnect to complete.
func (p *Publisher) Stop(ctx context.Context) error {
	if p.cm == nil {
		return nil
	}
	p.publishAvailability(ctx, p.cm, "offline")
	return p.cm.Disconnect(ctx)
}

// AwaitConnection blocks until the MQTT broker connection is
// established or ctx expires.
func (p *Publisher) AwaitConnection(ctx context.Context) error {
	if p.cm == nil {
		return fmt.Errorf("mqtt publisher not started")
	}
	return p.cm.AwaitConnection(ctx)
}

// --- Topic helpers ---

func (p *Publisher) baseTopic() string {
	return p.cfg.TopicPrefix + "/" + p.cfg.InstanceName
}

func (p *Publisher) availabilityTopic() string {
	return p.baseTopic() + "/availability"
}

func (p *Publisher) stateTopic(entity string) string {
	return p.baseTopic() + "/" + entity + "/state"
}

func (p *Publisher) agentStateTopic(agentID string) string {
	return p.baseTopic() + "/agent/" + agentID + "/state"
}

// --- Availability and agent state ---

func (p *Publisher) publishAvailability(ctx context.Context, cm *autopaho.ConnectionManager, status string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   p.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		p.logger.Warn("mqtt availability publish failed",
			"status", status, "error", err)
	} else {
		p.logger.Info("mqtt availability published", "status", status)
	}
}

// agentStates pairs every registered agent with its connectivity state.
func (p *Publisher) agentStates() map[string]string {
	connected := make(map[string]bool)
	for _, id := range p.stats.ConnectedAgents() {
		connected[id] = true
	}
	states := make(map[string]string)
	for _, id := range p.stats.AgentIDs() {
		if connected[id] {
			states[id] = StateConnected
		} else {
			states[id] = StateDisconnected
		}
	}
	return states
}

// publishAgentStates re-publishes the retained state topic of every
// known agent. Runs on each (re-)connect so the broker's retained view
// matches reality even after it lost its store.
func (p *Publisher) publishAgentStates(ctx context.Context, cm *autopaho.ConnectionManager) {
	states := p.agentStates()
	ids := make([]string, 0, len(states))
	for id := range states {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		if _, err := cm.Publish(ctx, &paho.Publish{
			Topic:   p.agentStateTopic(id),
			Payload: []byte(states[id]),
			QoS:     1,
			Retain:  true,
		}); err != nil {
			p.logger.Warn("mqtt agent state publish failed",
				"agent", id, "error", err)
		}
	}
	p.logger.Debug("mqtt agent states published", "agents", len(ids))
}

func (p *Publisher) publishAgentState(ctx context.Context, agentID, state string) {
	if p.cm == nil {
		return
	}
	if _, err := p.cm.Publish(ctx, &paho.Publish{
		Topic:   p.agentStateTopic(agentID),
		Payload: []byte(state),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		p.logger.Warn("mqtt agent state publish failed",
			"agent", agentID, "state", state, "error", err)
	} else {
		p.logger.Debug("mqtt agent state published",
			"agent", agentID, "state", state)
	}
}

// --- Event mirroring ---

// watchEvents mirrors bus events onto MQTT topics until ctx is
// cancelled.
func (p *Publisher) watchEvents(ctx context.Context) {
	ch := p.bus.Subscribe(16)
	defer p.bus.Unsubscribe(ch)

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			p.handleEvent(ctx, evt)
		}
	}
}

func (p *Publisher) handleEvent(ctx context.Context, evt events.Event) {
	switch evt.Kind {
	case events.KindAgentConnected:
		if id, ok := evt.Data["agent_id"].(string); ok {
			p.publishAgentState(ctx, id, StateConnected)
			p.publishStates(ctx)
		}
	case events.KindAgentDisconnected:
		if id, ok := evt.Data["agent_id"].(string); ok {
			p.publishAgentState(ctx, id, StateDisconnected)
			p.publishStates(ctx)
		}
	case events.KindRegistryUpdated:
		// Record counts may have changed.
		p.publishStates(ctx)
	}
}

// --- Periodic state loop ---

func (p *Publisher) runLoop(ctx context.Context) {
	interval := time.Duration(p.cfg.PublishIntervalSec) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Publish immediately on start.
	p.publishStates(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.publishStates(ctx)
		}
	}
}

// stateValues computes the entity states for one publish cycle.
func (p *Publisher) stateValues() map[string]string {
	return map[string]string{
		"uptime":           p.stats.Uptime().Truncate(time.Second).String(),
		"version":          p.stats.Version(),
		"leaf_mcps":        strconv.Itoa(p.stats.LeafCount()),
		"agents":           strconv.Itoa(len(p.stats.AgentIDs())),
		"connected_agents": strconv.Itoa(len(p.stats.ConnectedAgents())),
	}
}

func (p *Publisher) publishStates(ctx context.Context) {
	if p.cm == nil {
		return
	}

	states := p.stateValues()
	for entity, value := range states {
		if _, err := p.cm.Publish(ctx, &paho.Publish{
			Topic:   p.stateTopic(entity),
			Payload: []byte(value),
			QoS:     0,
			Retain:  true,
		}); err != nil {
			p.logger.Debug("mqtt state publish failed",
				"entity", entity, "error", err)
		}
	}

	p.logger.Debug("mqtt hub states published", "entities", len(states))
}
