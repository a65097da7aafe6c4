// Package config loads and validates the pool, engine and endpoint
// registry configuration from a YAML file.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/sensegrid/enginepool/endpoint"
	"github.com/sensegrid/enginepool/engine"
	"github.com/sensegrid/enginepool/pool"
	"github.com/sensegrid/enginepool/wsengine"
)

// Registry modes.
const (
	RegistryStatic = "static"
	RegistryRedis  = "redis"
)

// NamedEndpoint is one engine deployment a pool instance can target.
type NamedEndpoint struct {
	Name       string `yaml:"name"`
	URL        string `yaml:"url"`
	Credential string `yaml:"credential"`
}

// RegistryConfig selects where the active endpoint lives: in-process
// (static) or shared across instances (redis).
type RegistryConfig struct {
	Mode  string                `yaml:"mode"`
	Redis endpoint.RedisOptions `yaml:"redis"`
}

// Config is the root configuration structure.
type Config struct {
	Pool   pool.Config            `yaml:"pool"`
	Engine wsengine.FactoryConfig `yaml:"engine"`

	Endpoints      []NamedEndpoint `yaml:"endpoints"`
	ActiveEndpoint string          `yaml:"active_endpoint"`
	Registry       RegistryConfig  `yaml:"registry"`
}

// Load reads and parses the configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	cfg.applyDefaults()

	return &cfg, nil
}

// validate checks mandatory fields.
func (c *Config) validate() error {
	if len(c.Endpoints) == 0 {
		return fmt.Errorf("at least one endpoint must be configured")
	}
	seen := make(map[string]bool, len(c.Endpoints))
	for i, ep := range c.Endpoints {
		if ep.Name == "" {
			return fmt.Errorf("endpoints[%d].name is required", i)
		}
		if ep.URL == "" {
			return fmt.Errorf("endpoints[%d].url is required", i)
		}
		if seen[ep.Name] {
			return fmt.Errorf("duplicate endpoint name %q", ep.Name)
		}
		seen[ep.Name] = true
	}
	if c.ActiveEndpoint != "" && !seen[c.ActiveEndpoint] {
		return fmt.Errorf("active_endpoint %q is not a configured endpoint", c.ActiveEndpoint)
	}
	switch c.Registry.Mode {
	case "", RegistryStatic:
	case RegistryRedis:
		if c.Registry.Redis.Addr == "" {
			return fmt.Errorf("registry.redis.addr is required in redis mode")
		}
	default:
		return fmt.Errorf("registry.mode must be %q or %q, got %q",
			RegistryStatic, RegistryRedis, c.Registry.Mode)
	}
	return nil
}

// applyDefaults fills in reasonable defaults for unset optional fields.
// Pool and engine sections default inside their own constructors.
func (c *Config) applyDefaults() {
	if c.ActiveEndpoint == "" {
		c.ActiveEndpoint = c.Endpoints[0].Name
	}
	if c.Registry.Mode == "" {
		c.Registry.Mode = RegistryStatic
	}
}

// EndpointByName returns the named endpoint configuration.
func (c *Config) EndpointByName(name string) (engine.Endpoint, bool) {
	for _, ep := range c.Endpoints {
		if ep.Name == name {
			return engine.Endpoint{
				URL:         ep.URL,
				Credential:  ep.Credential,
				DisplayName: ep.Name,
			}, true
		}
	}
	return engine.Endpoint{}, false
}

// Active returns the endpoint selected by active_endpoint.
func (c *Config) Active() engine.Endpoint {
	ep, _ := c.EndpointByName(c.ActiveEndpoint)
	return ep
}
