package config

import (
	"fmt"
	"net/url"
	"os"
	"slices"
	"strings"

	"github.com/haasonsaas/copilot-runtime/internal/adapters"
	"github.com/haasonsaas/copilot-runtime/internal/guardrails"
)

// ValidationError lists every problem found in a configuration.
type ValidationError struct {
	Issues []string
}

func (e *ValidationError) Error() string {
	if e == nil || len(e.Issues) == 0 {
		return "config validation failed"
	}
	return "config validation failed:\n  - " + strings.Join(e.Issues, "\n  - ")
}

// Validate checks the configuration after defaults were applied.
func (c *Config) Validate() error {
	var issues []string
	add := func(format string, args ...any) {
		issues = append(issues, fmt.Sprintf(format, args...))
	}

	if c.Server.Port < 0 || c.Server.Port > 65535 {
		add("server.port must be between 0 and 65535")
	}
	if c.Server.MaxBodyBytes < 0 {
		add("server.max_body_bytes must not be negative")
	}
	for _, origin := range c.Server.AllowedOrigins {
		if origin != "*" && !validURL(origin) {
			add("server.allowed_origins: %q is not an origin", origin)
		}
	}

	if c.Runtime.MaxIterations < 1 {
		add("runtime.max_iterations must be at least 1")
	}
	switch c.Runtime.DuplicateActions {
	case "reject", "last_wins":
	default:
		add("runtime.duplicate_actions must be reject or last_wins")
	}
	if c.Runtime.Retry.Jitter < 0 || c.Runtime.Retry.Jitter > 1 {
		add("runtime.retry.jitter must be between 0 and 1")
	}

	for name, entry := range c.Providers.Entries {
		if kind := strings.ToLower(entry.Type); !slices.Contains(adapters.Types(), kind) && kind != "gemini" {
			add("providers.entries.%s.type %q is unknown (want one of %s)", name, entry.Type, strings.Join(adapters.Types(), ", "))
		}
		if entry.BaseURL != "" && !validURL(entry.BaseURL) {
			add("providers.entries.%s.base_url is not a valid url", name)
		}
	}
	if c.Providers.Default != "" {
		if _, ok := c.Providers.Entries[c.Providers.Default]; !ok {
			add("providers.default %q is not configured", c.Providers.Default)
		}
	}

	agentNames := make(map[string]bool)
	checkAgent := func(section, name string) {
		if strings.TrimSpace(name) == "" {
			add("%s: name is required", section)
			return
		}
		if agentNames[name] {
			add("%s: agent %q is declared twice", section, name)
		}
		agentNames[name] = true
	}
	for i, remote := range c.Agents.Remote {
		section := fmt.Sprintf("agents.remote[%d]", i)
		if !validURL(remote.URL) {
			add("%s.url is required and must be an http(s) url", section)
		}
	}
	for i, local := range c.Agents.Local {
		section := fmt.Sprintf("agents.local[%d]", i)
		checkAgent(section, local.Name)
		provider := local.Provider
		if provider == "" {
			provider = c.Providers.Default
		}
		if _, ok := c.Providers.Entries[provider]; !ok {
			add("%s.provider %q is not configured", section, provider)
		}
	}

	for i, remote := range c.Actions.Remote {
		if !validURL(remote.URL) {
			add("actions.remote[%d].url is required and must be an http(s) url", i)
		}
	}
	mcpNames := make(map[string]bool)
	for i, server := range c.MCP.Servers {
		if !validURL(server.URL) {
			add("mcp.servers[%d].url is required and must be an http(s) url", i)
		}
		if server.Name != "" && mcpNames[server.Name] {
			add("mcp.servers[%d]: name %q is declared twice", i, server.Name)
		}
		mcpNames[server.Name] = true
	}

	issues = append(issues, c.Guardrails.issues()...)

	switch c.Store.Backend {
	case "memory":
	case "sql":
		if c.Store.SQL.Driver != "postgres" && c.Store.SQL.Driver != "sqlite" {
			add("store.sql.driver must be postgres or sqlite")
		}
		if strings.TrimSpace(c.Store.SQL.DSN) == "" {
			add("store.sql.dsn is required")
		}
	default:
		add("store.backend must be memory or sql")
	}

	if c.RateLimit.RequestsPerSecond < 0 || c.RateLimit.Burst < 0 {
		add("rate_limit values must not be negative")
	}

	switch strings.ToLower(c.Observability.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		add("observability.logging.level %q is unknown", c.Observability.Logging.Level)
	}
	switch c.Observability.Logging.Format {
	case "json", "text":
	default:
		add("observability.logging.format must be json or text")
	}
	tracing := c.Observability.Tracing
	if tracing.Enabled && strings.TrimSpace(tracing.Endpoint) == "" {
		add("observability.tracing.endpoint is required when tracing is enabled")
	}
	if tracing.SamplingRate < 0 || tracing.SamplingRate > 1 {
		add("observability.tracing.sampling_rate must be between 0 and 1")
	}

	if len(issues) > 0 {
		slices.Sort(issues)
		return &ValidationError{Issues: issues}
	}
	return nil
}

func (g GuardrailsConfig) issues() []string {
	var issues []string
	if g.RulesFile != "" {
		if _, err := os.Stat(g.RulesFile); err != nil {
			issues = append(issues, fmt.Sprintf("guardrails.rules_file: %v", err))
		}
		if g.Rules != nil {
			issues = append(issues, "guardrails: rules_file and rules are mutually exclusive")
		}
	}
	if g.Watch && g.RulesFile == "" {
		issues = append(issues, "guardrails.watch requires rules_file")
	}
	if g.Rules != nil {
		if _, err := guardrails.NewRuleChecker(*g.Rules); err != nil {
			issues = append(issues, fmt.Sprintf("guardrails.rules: %v", err))
		}
	}
	if g.Service.URL != "" && !validURL(g.Service.URL) {
		issues = append(issues, "guardrails.service.url must be an http(s) url")
	}
	return issues
}

func validURL(raw string) bool {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
