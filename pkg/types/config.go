package types

import (
	"encoding/json"
	"time"
)

// Config represents the patchsync configuration.
type Config struct {
	// Schema reference (for editor support)
	Schema string `json:"$schema,omitempty" yaml:"$schema,omitempty"`

	Server *ServerConfig `json:"server,omitempty" yaml:"server,omitempty"`
	Hub    *HubConfig    `json:"hub,omitempty" yaml:"hub,omitempty"`
	Log    *LogConfig    `json:"log,omitempty" yaml:"log,omitempty"`

	// Channels registered at startup with their initial value.
	Channels map[string]json.RawMessage `json:"channels,omitempty" yaml:"-"`

	// YAMLChannels receives the same section from YAML files, which
	// cannot decode into json.RawMessage.
	YAMLChannels map[string]any `json:"-" yaml:"channels,omitempty"`
}

// ServerConfig configures the HTTP transport adapters.
type ServerConfig struct {
	Port     int    `json:"port,omitempty" yaml:"port,omitempty"`
	Hostname string `json:"hostname,omitempty" yaml:"hostname,omitempty"`
	CORS     *bool  `json:"cors,omitempty" yaml:"cors,omitempty"`
	// MCP mounts the channel tools at /mcp. Enabled when unset.
	MCP *bool `json:"mcp,omitempty" yaml:"mcp,omitempty"`
	// Heartbeat is a Go duration string, e.g. "15s".
	Heartbeat string `json:"heartbeat,omitempty" yaml:"heartbeat,omitempty"`
}

// HubConfig configures the synchronization engine.
type HubConfig struct {
	QueueCapacity int   `json:"queueCapacity,omitempty" yaml:"queueCapacity,omitempty"`
	HistorySize   *int  `json:"historySize,omitempty" yaml:"historySize,omitempty"`
	Persist       *bool `json:"persist,omitempty" yaml:"persist,omitempty"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `json:"level,omitempty" yaml:"level,omitempty"`
	Pretty bool   `json:"pretty,omitempty" yaml:"pretty,omitempty"`
}

// HeartbeatInterval parses Heartbeat, falling back to def.
func (c *ServerConfig) HeartbeatInterval(def time.Duration) time.Duration {
	if c == nil || c.Heartbeat == "" {
		return def
	}
	d, err := time.ParseDuration(c.Heartbeat)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
