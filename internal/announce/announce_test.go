package announce

import (
	"context"
	"testing"
	"time"

	"github.com/mception/mception/internal/config"
)

// stubStats serves canned runtime numbers.
type stubStats struct {
	uptime    time.Duration
	version   string
	leaves    int
	agents    []string
	connected []string
}

func (s *stubStats) Uptime() time.Duration     { return s.uptime }
func (s *stubStats) Version() string           { return s.version }
func (s *stubStats) LeafCount() int            { return s.leaves }
func (s *stubStats) AgentIDs() []string        { return s.agents }
func (s *stubStats) ConnectedAgents() []string { return s.connected }

func testConfig() config.MQTTConfig {
	return config.MQTTConfig{
		Enabled:            true,
		Broker:             "mqtt://localhost:1883",
		TopicPrefix:        "mception",
		InstanceName:       "hub",
		PublishIntervalSec: 60,
	}
}

func TestTopicPaths(t *testing.T) {
	p := New(testConfig(), &stubStats{}, nil, nil)

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"baseTopic", p.baseTopic(), "mception/hub"},
		{"availabilityTopic", p.availabilityTopic(), "mception/hub/availability"},
		{"stateTopic uptime", p.stateTopic("uptime"), "mception/hub/uptime/state"},
		{"agentStateTopic", p.agentStateTopic("workstation-1"), "mception/hub/agent/workstation-1/state"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %q, want %q", tt.got, tt.want)
			}
		})
	}
}

func TestStateValues(t *testing.T) {
	stats := &stubStats{
		uptime:    90 * time.Second,
		version:   "1.2.3",
		leaves:    4,
		agents:    []string{"w1", "w2", "w3"},
		connected: []string{"w2"},
	}
	p := New(testConfig(), stats, nil, nil)

	got := p.stateValues()
	want := map[string]string{
		"uptime":           "1m30s",
		"version":          "1.2.3",
		"leaf_mcps":        "4",
		"agents":           "3",
		"connected_agents": "1",
	}
	if len(got) != len(want) {
		t.Fatalf("got %d entities, want %d: %v", len(got), len(want), got)
	}
	for entity, value := range want {
		if got[entity] != value {
			t.Errorf("state %s = %q, want %q", entity, got[entity], value)
		}
	}
}

func TestAgentStates(t *testing.T) {
	stats := &stubStats{
		agents:    []string{"w1", "w2", "w3"},
		connected: []string{"w3", "w1"},
	}
	p := New(testConfig(), stats, nil, nil)

	got := p.agentStates()
	want := map[string]string{
		"w1": StateConnected,
		"w2": StateDisconnected,
		"w3": StateConnected,
	}
	if len(got) != len(want) {
		t.Fatalf("got %d agents, want %d: %v", len(got), len(want), got)
	}
	for id, state := range want {
		if got[id] != state {
			t.Errorf("agent %s = %q, want %q", id, got[id], state)
		}
	}
}

func TestAgentStatesIgnoresUnknownConnections(t *testing.T) {
	// A tunnel from an agent deleted mid-flight must not resurrect a
	// state topic for it.
	stats := &stubStats{
		agents:    []string{"w1"},
		connected: []string{"w1", "ghost"},
	}
	p := New(testConfig(), stats, nil, nil)

	got := p.agentStates()
	if _, ok := got["ghost"]; ok {
		t.Errorf("unregistered agent appeared in states: %v", got)
	}
	if got["w1"] != StateConnected {
		t.Errorf("w1 = %q, want %q", got["w1"], StateConnected)
	}
}

func TestPublishStatesWithoutConnectionIsNoOp(t *testing.T) {
	p := New(testConfig(), &stubStats{}, nil, nil)
	// Must not panic before Start established a connection.
	p.publishStates(context.Background())
	p.publishAgentState(context.Background(), "w1", StateConnected)
}

func TestStopBeforeStart(t *testing.T) {
	p := New(testConfig(), &stubStats{}, nil, nil)
	if err := p.Stop(context.Background()); err != nil {
		t.Errorf("Stop() before Start() = %v, want nil", err)
	}
}
