// Package defaults provides embedded copies of the example
// configuration files for the mception init subcommand.
package defaults

import _ "embed"

// HubConfigYAML is the starter hub configuration.
//
//go:embed config.example.yaml
var HubConfigYAML []byte

// AgentConfigYAML is the starter agent configuration.
//
//go:embed agent.example.yaml
var AgentConfigYAML []byte
