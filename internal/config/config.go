// Package config loads the runtime configuration from YAML or JSON5 files.
package config

import (
	"fmt"
	"time"

	"github.com/haasonsaas/copilot-runtime/internal/adapters"
	"github.com/haasonsaas/copilot-runtime/internal/agents"
	"github.com/haasonsaas/copilot-runtime/internal/backoff"
	"github.com/haasonsaas/copilot-runtime/internal/guardrails"
	"github.com/haasonsaas/copilot-runtime/internal/observability"
	"github.com/haasonsaas/copilot-runtime/internal/ratelimit"
	"github.com/haasonsaas/copilot-runtime/internal/transport"
)

// Config is the main configuration structure.
type Config struct {
	Version       int                 `yaml:"version" jsonschema:"required"`
	Server        transport.Config    `yaml:"server"`
	Runtime       RuntimeConfig       `yaml:"runtime"`
	Providers     ProvidersConfig     `yaml:"providers"`
	Agents        AgentsConfig        `yaml:"agents"`
	Actions       ActionsConfig       `yaml:"actions"`
	MCP           MCPConfig           `yaml:"mcp"`
	Guardrails    GuardrailsConfig    `yaml:"guardrails"`
	Store         StoreConfig         `yaml:"store"`
	RateLimit     ratelimit.Config    `yaml:"rate_limit"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// RuntimeConfig tunes the request pipeline.
type RuntimeConfig struct {
	// MaxIterations bounds model invocations per request. Default 10.
	MaxIterations int `yaml:"max_iterations"`

	// DuplicateActions is reject or last_wins. Default reject.
	DuplicateActions string `yaml:"duplicate_actions"`

	// Retry re-invokes an adapter that failed before streaming anything.
	// Disabled when max_attempts is below 2.
	Retry backoff.Policy `yaml:"retry"`
}

// ProvidersConfig lists the model adapters by name.
type ProvidersConfig struct {
	// Default names the provider used when a request names none.
	Default string                    `yaml:"default"`
	Entries map[string]ProviderConfig `yaml:"entries"`
}

// ProviderConfig configures one model adapter. The entry key is the
// adapter name; Type defaults to it.
type ProviderConfig struct {
	Type            string `yaml:"type"`
	adapters.Config `yaml:",inline"`

	// Bedrock holds the AWS settings used when Type is bedrock.
	Bedrock adapters.BedrockConfig `yaml:"bedrock"`
}

// AgentsConfig declares the agent backends.
type AgentsConfig struct {
	Remote []RemoteAgentConfig `yaml:"remote"`
	Local  []LocalAgentConfig  `yaml:"local"`
}

// RemoteAgentConfig points at a remote agent endpoint.
type RemoteAgentConfig struct {
	Name    string            `yaml:"name"`
	URL     string            `yaml:"url"`
	Headers map[string]string `yaml:"headers"`
	Timeout time.Duration     `yaml:"timeout"`
}

// LocalAgentConfig runs an agent in process on top of a configured
// provider.
type LocalAgentConfig struct {
	Name         string `yaml:"name"`
	Description  string `yaml:"description"`
	Instructions string `yaml:"instructions"`
	Provider     string `yaml:"provider"`
}

// ActionsConfig declares remote action endpoints merged into every request.
type ActionsConfig struct {
	Remote []RemoteActionsConfig `yaml:"remote"`
}

// RemoteActionsConfig points at a remote action endpoint.
type RemoteActionsConfig struct {
	URL     string            `yaml:"url"`
	Headers map[string]string `yaml:"headers"`
	Timeout time.Duration     `yaml:"timeout"`
}

// MCPConfig declares MCP servers whose tools become backend actions.
type MCPConfig struct {
	Servers []MCPServerConfig `yaml:"servers"`
}

type MCPServerConfig struct {
	Name string `yaml:"name"`
	URL  string `yaml:"url"`
}

// GuardrailsConfig configures the pre-flight checks. Checkers run in the
// order rules, service.
type GuardrailsConfig struct {
	// RulesFile is a YAML rules file. Inline Rules are used when empty.
	RulesFile string            `yaml:"rules_file"`
	Rules     *guardrails.Rules `yaml:"rules"`

	// Watch reloads RulesFile when it changes.
	Watch bool `yaml:"watch"`

	Service GuardrailsServiceConfig `yaml:"service"`

	// FailOpen lets requests through when a checker errors.
	FailOpen bool `yaml:"fail_open"`
}

// GuardrailsServiceConfig points at a remote guardrails service.
type GuardrailsServiceConfig struct {
	URL           string            `yaml:"url"`
	ValidTopics   []string          `yaml:"valid_topics"`
	InvalidTopics []string          `yaml:"invalid_topics"`
	Headers       map[string]string `yaml:"headers"`
	Timeout       time.Duration     `yaml:"timeout"`
}

// Enabled reports whether any checker is configured.
func (g GuardrailsConfig) Enabled() bool {
	return g.RulesFile != "" || g.Rules != nil || g.Service.URL != ""
}

// StoreConfig selects where agent thread state is kept.
type StoreConfig struct {
	// Backend is memory or sql. Default memory.
	Backend string           `yaml:"backend"`
	SQL     agents.SQLConfig `yaml:"sql"`
}

// ObservabilityConfig configures logging, metrics and tracing.
type ObservabilityConfig struct {
	Logging observability.LogConfig `yaml:"logging"`
	Metrics MetricsConfig           `yaml:"metrics"`
	Tracing TracingConfig           `yaml:"tracing"`
}

type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Enabled                   bool `yaml:"enabled"`
	observability.TraceConfig `yaml:",inline"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{Version: CurrentVersion}
	applyDefaults(cfg)
	return cfg
}

// Load reads, defaults and validates the configuration file.
func Load(path string) (*Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg, err := decodeRawConfig(raw)
	if err != nil {
		return nil, err
	}
	if err := ValidateVersion(cfg.Version); err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	server := transport.DefaultConfig()
	if cfg.Server.Host == "" {
		cfg.Server.Host = server.Host
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = server.Port
	}
	if cfg.Server.MaxBodyBytes == 0 {
		cfg.Server.MaxBodyBytes = server.MaxBodyBytes
	}
	if cfg.Server.RequestTimeout == 0 {
		cfg.Server.RequestTimeout = server.RequestTimeout
	}
	if cfg.Server.ReadHeaderTimeout == 0 {
		cfg.Server.ReadHeaderTimeout = server.ReadHeaderTimeout
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = server.ShutdownTimeout
	}

	if cfg.Runtime.MaxIterations == 0 {
		cfg.Runtime.MaxIterations = 10
	}
	if cfg.Runtime.DuplicateActions == "" {
		cfg.Runtime.DuplicateActions = "reject"
	}
	if cfg.Runtime.Retry.MaxAttempts > 1 {
		retry := backoff.DefaultPolicy()
		if cfg.Runtime.Retry.Initial == 0 {
			cfg.Runtime.Retry.Initial = retry.Initial
		}
		if cfg.Runtime.Retry.Max == 0 {
			cfg.Runtime.Retry.Max = retry.Max
		}
		if cfg.Runtime.Retry.Factor == 0 {
			cfg.Runtime.Retry.Factor = retry.Factor
		}
	}

	for name, entry := range cfg.Providers.Entries {
		if entry.Type == "" {
			entry.Type = name
		}
		if entry.Name == "" {
			entry.Name = name
		}
		cfg.Providers.Entries[name] = entry
	}
	if cfg.Providers.Default == "" && len(cfg.Providers.Entries) == 1 {
		for name := range cfg.Providers.Entries {
			cfg.Providers.Default = name
		}
	}

	for i := range cfg.Agents.Remote {
		if cfg.Agents.Remote[i].Timeout == 0 {
			cfg.Agents.Remote[i].Timeout = 30 * time.Second
		}
	}
	for i := range cfg.Actions.Remote {
		if cfg.Actions.Remote[i].Timeout == 0 {
			cfg.Actions.Remote[i].Timeout = 30 * time.Second
		}
	}
	if cfg.Guardrails.Service.URL != "" && cfg.Guardrails.Service.Timeout == 0 {
		cfg.Guardrails.Service.Timeout = 10 * time.Second
	}

	if cfg.Store.Backend == "" {
		cfg.Store.Backend = "memory"
	}
	if cfg.Store.Backend == "sql" {
		sqlDefaults := agents.DefaultSQLConfig()
		if cfg.Store.SQL.Driver == "" {
			cfg.Store.SQL.Driver = sqlDefaults.Driver
		}
		if cfg.Store.SQL.MaxOpenConns == 0 {
			cfg.Store.SQL.MaxOpenConns = sqlDefaults.MaxOpenConns
		}
		if cfg.Store.SQL.MaxIdleConns == 0 {
			cfg.Store.SQL.MaxIdleConns = sqlDefaults.MaxIdleConns
		}
		if cfg.Store.SQL.ConnMaxLifetime == 0 {
			cfg.Store.SQL.ConnMaxLifetime = sqlDefaults.ConnMaxLifetime
		}
		if cfg.Store.SQL.ConnectTimeout == 0 {
			cfg.Store.SQL.ConnectTimeout = sqlDefaults.ConnectTimeout
		}
	}

	limits := ratelimit.DefaultConfig()
	if cfg.RateLimit.RequestsPerSecond == 0 {
		cfg.RateLimit.RequestsPerSecond = limits.RequestsPerSecond
	}
	if cfg.RateLimit.Burst == 0 {
		cfg.RateLimit.Burst = limits.Burst
	}

	if cfg.Observability.Logging.Level == "" {
		cfg.Observability.Logging.Level = "info"
	}
	if cfg.Observability.Logging.Format == "" {
		cfg.Observability.Logging.Format = "json"
	}
	if cfg.Observability.Tracing.ServiceName == "" {
		cfg.Observability.Tracing.ServiceName = "copilot-runtime"
	}
	if cfg.Observability.Tracing.SamplingRate == 0 {
		cfg.Observability.Tracing.SamplingRate = 1
	}
}
