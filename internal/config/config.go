// Package config handles mception configuration loading for both the
// hub and the worker daemon.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the hub config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./mception.yaml, ~/.config/mception/config.yaml,
// /etc/mception/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"mception.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "mception", "config.yaml"))
	}

	paths = append(paths, "/etc/mception/config.yaml")
	return paths
}

// AgentSearchPaths returns the worker config file search order.
func AgentSearchPaths() []string {
	paths := []string{"mception-agent.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "mception", "agent.yaml"))
	}

	paths = append(paths, "/etc/mception/agent.yaml")
	return paths
}

// FindConfig locates a hub config file. If explicit is non-empty, it
// must exist. Otherwise, searches DefaultSearchPaths and returns the
// first that exists. Returns the path found, or an error if nothing
// was found.
func FindConfig(explicit string) (string, error) {
	return findFirst(explicit, DefaultSearchPaths())
}

// FindAgentConfig locates a worker config file, searching
// AgentSearchPaths when explicit is empty.
func FindAgentConfig(explicit string) (string, error) {
	return findFirst(explicit, AgentSearchPaths())
}

func findFirst(explicit string, search []string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range search {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", search)
}

// Config holds all hub configuration.
type Config struct {
	Listen    ListenConfig  `yaml:"listen"`
	PublicURL string        `yaml:"public_url"`
	Storage   StorageConfig `yaml:"storage"`
	Auth      AuthConfig    `yaml:"auth"`
	Tunnel    TunnelConfig  `yaml:"tunnel"`
	MQTT      MQTTConfig    `yaml:"mqtt"`
	DataDir   string        `yaml:"data_dir"`
	LogLevel  string        `yaml:"log_level"`
	LogFormat string        `yaml:"log_format"` // text or json
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// StorageConfig locates the hub's persistent state.
type StorageConfig struct {
	// RegistryPath is the registry snapshot file (default:
	// <data_dir>/registry.json).
	RegistryPath string `yaml:"registry_path"`
	// AuditDB is the SQLite audit log (default: <data_dir>/audit.db).
	AuditDB string `yaml:"audit_db"`
}

// AuthConfig defines credential minting settings.
type AuthConfig struct {
	// TokenSecret signs forwarding and tunnel tokens. Required; the hub
	// refuses to start without one.
	TokenSecret string `yaml:"token_secret"`
	// ForwardTTLSec bounds forwarding tokens (default 86400 = 24h).
	ForwardTTLSec int `yaml:"forward_ttl_sec"`
}

// TunnelConfig defines tunnel behavior.
type TunnelConfig struct {
	// RequestTimeoutSec bounds each forwarded request end to end
	// (default 30).
	RequestTimeoutSec int `yaml:"request_timeout_sec"`
}

// MQTTConfig defines the optional presence announcer.
type MQTTConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Broker   string `yaml:"broker"` // mqtt://, mqtts://, ssl://
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	// TopicPrefix roots the topic tree (default "mception").
	TopicPrefix string `yaml:"topic_prefix"`
	// InstanceName names this hub in topics and the client id
	// (default "hub").
	InstanceName string `yaml:"instance_name"`
	// PublishIntervalSec spaces periodic state publishes (default 60).
	PublishIntervalSec int `yaml:"publish_interval_sec"`
}

// Load reads hub configuration from a YAML file, expands ${ENV}
// references, and applies defaults. Call Validate before using the
// result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return cfg, nil
}

// Default returns a default hub configuration. The token secret is
// deliberately left empty; Validate forces the operator to choose one.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 8080
	}
	if c.PublicURL == "" {
		c.PublicURL = fmt.Sprintf("http://localhost:%d", c.Listen.Port)
	}
	if c.DataDir == "" {
		c.DataDir = filepath.Join("~", ".local", "share", "mception")
	}
	c.DataDir = ExpandHome(c.DataDir)
	if c.Storage.RegistryPath == "" {
		c.Storage.RegistryPath = filepath.Join(c.DataDir, "registry.json")
	}
	c.Storage.RegistryPath = ExpandHome(c.Storage.RegistryPath)
	if c.Storage.AuditDB == "" {
		c.Storage.AuditDB = filepath.Join(c.DataDir, "audit.db")
	}
	c.Storage.AuditDB = ExpandHome(c.Storage.AuditDB)
	if c.Auth.ForwardTTLSec == 0 {
		c.Auth.ForwardTTLSec = 86400
	}
	if c.Tunnel.RequestTimeoutSec == 0 {
		c.Tunnel.RequestTimeoutSec = 30
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "mception"
	}
	if c.MQTT.InstanceName == "" {
		c.MQTT.InstanceName = "hub"
	}
	if c.MQTT.PublishIntervalSec == 0 {
		c.MQTT.PublishIntervalSec = 60
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
}

// Validate checks the configuration for problems that would surface
// later as confusing runtime failures.
func (c *Config) Validate() error {
	if c.Listen.Port < 1 || c.Listen.Port > 65535 {
		return fmt.Errorf("listen.port %d out of range", c.Listen.Port)
	}
	if c.Auth.TokenSecret == "" {
		return fmt.Errorf("auth.token_secret is required")
	}
	if len(c.Auth.TokenSecret) < 16 {
		return fmt.Errorf("auth.token_secret must be at least 16 characters")
	}
	if !strings.HasPrefix(c.PublicURL, "http://") && !strings.HasPrefix(c.PublicURL, "https://") {
		return fmt.Errorf("public_url %q must be an http(s) URL", c.PublicURL)
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("log_format %q (valid: text, json)", c.LogFormat)
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
	}
	return nil
}

// AgentConfig holds worker daemon configuration.
type AgentConfig struct {
	// HubURL is the hub's public base address.
	HubURL string `yaml:"hub_url"`
	// AgentID names this worker's registry record.
	AgentID string `yaml:"agent_id"`
	// Token is the tunnel credential minted by `mception token`.
	Token string `yaml:"token"`
	// RefreshIntervalSec spaces config re-pulls (default 300).
	RefreshIntervalSec int `yaml:"refresh_interval_sec"`
	// RequestTimeoutSec bounds requests served against local backends
	// (default 30).
	RequestTimeoutSec int    `yaml:"request_timeout_sec"`
	LogLevel          string `yaml:"log_level"`
	LogFormat         string `yaml:"log_format"`
}

// LoadAgent reads worker configuration from a YAML file, expands
// ${ENV} references, and applies defaults.
func LoadAgent(path string) (*AgentConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := &AgentConfig{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *AgentConfig) applyDefaults() {
	if c.RefreshIntervalSec == 0 {
		c.RefreshIntervalSec = 300
	}
	if c.RequestTimeoutSec == 0 {
		c.RequestTimeoutSec = 30
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
}

// Validate checks the worker configuration.
func (c *AgentConfig) Validate() error {
	if c.HubURL == "" {
		return fmt.Errorf("hub_url is required")
	}
	if !strings.HasPrefix(c.HubURL, "http://") && !strings.HasPrefix(c.HubURL, "https://") {
		return fmt.Errorf("hub_url %q must be an http(s) URL", c.HubURL)
	}
	if c.AgentID == "" {
		return fmt.Errorf("agent_id is required")
	}
	if c.Token == "" {
		return fmt.Errorf("token is required (mint one with `mception token <agent-id>`)")
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("log_format %q (valid: text, json)", c.LogFormat)
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// ExpandHome replaces a leading ~ with the user's home directory. The
// path is returned unchanged when the home directory is unknown.
func ExpandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if path == "~" {
		return home
	}
	return filepath.Join(home, path[2:])
}
