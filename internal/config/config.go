// Package config loads layered JSON configuration for clients, servers,
// and the monitor, with environment-variable overrides for the handful
// of per-process boundary values (listen address, node id) that operators
// set at launch rather than in a shared config file.
package config

import (
	"encoding/json"
	"os"
)

// Global holds cluster-wide settings shared by every role.
type Global struct {
	MonitorAddress string `json:"monitor_address"`
	NumReplicas    int    `json:"num_replicas"`
}

// Server holds server-process settings.
type Server struct {
	RPCPort  int `json:"rpc_port"`
	RDMAPort int `json:"rdma_port"`
}

// Client holds client-side cache sizes and probing/transport bounds.
type Client struct {
	LocatorCacheSize     int `json:"locator_cache_size"`
	RedirectionCacheSize int `json:"redirection_cache_size"`
	CollisionSetSize     int `json:"collision_set_size"`
	ProbeWindow          int `json:"probe_window"`
	TransportPollBound   int `json:"transport_poll_bound"`
}

// Config is the full recognized configuration surface (spec.md §6).
type Config struct {
	Global Global `json:"global"`
	Server Server `json:"server"`
	Client Client `json:"client"`
}

// DefaultConfig returns the documented defaults for every recognized key.
func DefaultConfig() *Config {
	return &Config{
		Global: Global{NumReplicas: 3},
		Server: Server{RPCPort: 7000, RDMAPort: 7100},
		Client: Client{
			LocatorCacheSize:     10_000_000,
			RedirectionCacheSize: 1_000_000,
			CollisionSetSize:     10_000,
			ProbeWindow:          5,
			TransportPollBound:   1_000_000,
		},
	}
}

// Merge applies non-zero fields from source onto c, field by field, so a
// partial override file only touches the keys it sets.
func (c *Config) Merge(source *Config) {
	if source == nil {
		return
	}
	if source.Global.MonitorAddress != "" {
		c.Global.MonitorAddress = source.Global.MonitorAddress
	}
	if source.Global.NumReplicas != 0 {
		c.Global.NumReplicas = source.Global.NumReplicas
	}
	if source.Server.RPCPort != 0 {
		c.Server.RPCPort = source.Server.RPCPort
	}
	if source.Server.RDMAPort != 0 {
		c.Server.RDMAPort = source.Server.RDMAPort
	}
	if source.Client.LocatorCacheSize != 0 {
		c.Client.LocatorCacheSize = source.Client.LocatorCacheSize
	}
	if source.Client.RedirectionCacheSize != 0 {
		c.Client.RedirectionCacheSize = source.Client.RedirectionCacheSize
	}
	if source.Client.CollisionSetSize != 0 {
		c.Client.CollisionSetSize = source.Client.CollisionSetSize
	}
	if source.Client.ProbeWindow != 0 {
		c.Client.ProbeWindow = source.Client.ProbeWindow
	}
	if source.Client.TransportPollBound != 0 {
		c.Client.TransportPollBound = source.Client.TransportPollBound
	}
}

// LoadConfig reads filename as JSON and merges it onto DefaultConfig.
func LoadConfig(filename string) (*Config, error) {
	cfg := DefaultConfig()
	raw, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	var loaded Config
	if err := json.Unmarshal(raw, &loaded); err != nil {
		return nil, err
	}
	cfg.Merge(&loaded)
	return cfg, nil
}

// Getenv returns the environment variable key, or def if unset.
func Getenv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

// MustGetenv returns the environment variable key, or calls fatal with a
// descriptive message if it is unset. fatal is injected so cmd/ launchers
// can pass log.Fatalf while keeping this package free of process exits.
func MustGetenv(key string, fatal func(format string, args ...any)) string {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		fatal("missing required environment variable %s", key)
	}
	return v
}
