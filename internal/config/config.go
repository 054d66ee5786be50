// Package config loads the backend configuration file (spec §6): the set of
// MCP backends tool-gating launches at startup, plus the optional tuning
// knobs for discovery budgets and health monitoring.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"

	"github.com/toolgating/toolgating/pkg/gating"
)

// Config is the root backend configuration shape from spec §6:
//
//	{ "servers": { "<name>": { "command": "<exe>", "args": ["..."], "env": {"K":"V"} } } }
//
// YAML is accepted as a superset of that JSON shape; either extension loads
// through the same struct tags.
type Config struct {
	Servers map[string]gating.LaunchSpec `json:"servers" yaml:"servers"`

	Discovery DiscoveryConfig `json:"discovery,omitempty" yaml:"discovery,omitempty"`
	Health    HealthConfig    `json:"health,omitempty" yaml:"health,omitempty"`
	Authz     AuthzConfig     `json:"authz,omitempty" yaml:"authz,omitempty"`
}

// AuthzConfig optionally enables the Cedar-policy gate (pkg/gating/authz).
// Policies is a list of standalone Cedar policy statements; an empty list
// (the default) leaves authorization disabled, so every operation is
// permitted.
type AuthzConfig struct {
	Policies []string `json:"policies,omitempty" yaml:"policies,omitempty"`
}

// DiscoveryConfig holds provisioning budget settings (spec §4.3). Load
// parses them, but serve does not apply them: provision requests that omit
// their budgets use discovery's built-in defaults.
type DiscoveryConfig struct {
	MaxTools  int `json:"maxTools,omitempty" yaml:"maxTools,omitempty"`
	MaxTokens int `json:"maxTokens,omitempty" yaml:"maxTokens,omitempty"`
}

// HealthConfig tunes the supplemented health monitor and circuit breaker.
type HealthConfig struct {
	CheckIntervalSeconds int                    `json:"checkIntervalSeconds,omitempty" yaml:"checkIntervalSeconds,omitempty"`
	UnhealthyThreshold   int                    `json:"unhealthyThreshold,omitempty" yaml:"unhealthyThreshold,omitempty"`
	CircuitBreaker       *CircuitBreakerConfig  `json:"circuitBreaker,omitempty" yaml:"circuitBreaker,omitempty"`
}

// CircuitBreakerConfig mirrors health.CircuitBreakerConfig in a
// marshalable shape so config files can enable/tune it.
type CircuitBreakerConfig struct {
	Enabled              bool `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	FailureThreshold     int  `json:"failureThreshold,omitempty" yaml:"failureThreshold,omitempty"`
	TimeoutSeconds       int  `json:"timeoutSeconds,omitempty" yaml:"timeoutSeconds,omitempty"`
}

// Load reads and parses the config file at path. The format (YAML or JSON)
// is chosen by file extension; ".json" uses encoding/json, anything else
// (".yaml", ".yml", or no extension) uses yaml.v3, which accepts JSON as a
// YAML subset.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %q: %w", path, err)
	}

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".json") {
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %q as JSON: %w", path, err)
		}
	} else {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %q as YAML: %w", path, err)
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: %q: %w", path, err)
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	seen := make(map[string]struct{}, len(c.Servers))
	for name, spec := range c.Servers {
		if name == "" {
			return fmt.Errorf("server name must not be empty")
		}
		if strings.Contains(name, "_") {
			return fmt.Errorf("server name %q must not contain '_': reserved as the tool id separator", name)
		}
		if spec.Command == "" {
			return fmt.Errorf("server %q: command must not be empty", name)
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("duplicate server name %q", name)
		}
		seen[name] = struct{}{}
	}
	return nil
}

// MergeOverride applies override onto a copy of base, with override's
// non-zero fields taking precedence — used when a runtime add_server call
// supplies a partial LaunchSpec meant to extend a config-file default
// (e.g. additional env vars) rather than replace it outright.
func MergeOverride(base gating.LaunchSpec, override gating.LaunchSpec) (gating.LaunchSpec, error) {
	merged := base
	if err := mergo.Merge(&merged, override, mergo.WithOverride()); err != nil {
		return gating.LaunchSpec{}, fmt.Errorf("config: merge launch spec: %w", err)
	}
	return merged, nil
}
