package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/haasonsaas/copilot-runtime/internal/actions"
	"github.com/haasonsaas/copilot-runtime/internal/adapters"
	"github.com/haasonsaas/copilot-runtime/internal/agents"
	"github.com/haasonsaas/copilot-runtime/internal/config"
	"github.com/haasonsaas/copilot-runtime/internal/copilot"
	"github.com/haasonsaas/copilot-runtime/internal/guardrails"
	"github.com/haasonsaas/copilot-runtime/internal/observability"
	"github.com/haasonsaas/copilot-runtime/internal/ratelimit"
	"github.com/haasonsaas/copilot-runtime/internal/transport"
)

// app holds everything built from one configuration.
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	registry  *prometheus.Registry
	runtime   *copilot.Runtime
	directory *agents.Directory
	limiter   *ratelimit.Limiter
	server    *transport.Server

	// agents lists the installed agent names.
	agents []string

	// closers run in reverse order on close.
	closers []func(context.Context) error
}

// newApp wires the runtime, its adapters, agents, action sources,
// guardrails and the HTTP server. Nothing listens until the server is
// started. On error everything built so far is closed.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *app, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			_ = a.close(context.Background())
		}
	}()

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	var metrics *observability.Metrics
	if cfg.Observability.Metrics.Enabled {
		metrics = observability.NewMetricsWith(a.registry)
	}

	var tracer *observability.Tracer
	if cfg.Observability.Tracing.Enabled {
		traceCfg := cfg.Observability.Tracing.TraceConfig
		if traceCfg.ServiceVersion == "" {
			traceCfg.ServiceVersion = version
		}
		var shutdown func(context.Context) error
		tracer, shutdown = observability.NewTracer(traceCfg)
		a.closers = append(a.closers, shutdown)
	}

	a.runtime = copilot.NewRuntime(copilot.Options{
		MaxIterations:   cfg.Runtime.MaxIterations,
		Retry:           cfg.Runtime.Retry,
		DuplicatePolicy: actions.DuplicatePolicy(cfg.Runtime.DuplicateActions),
		DefaultAdapter:  cfg.Providers.Default,
		Logger:          logger,
		Metrics:         metrics,
		Tracer:          tracer,
	})

	providers, err := buildProviders(cfg.Providers)
	if err != nil {
		return nil, err
	}
	for _, name := range sortedKeys(providers) {
		a.runtime.RegisterAdapter(providers[name])
	}

	store, err := openStore(cfg.Store)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func(context.Context) error { return store.Close() })

	backends, err := buildBackends(cfg, providers, store)
	if err != nil {
		return nil, err
	}
	a.directory = agents.NewDirectory(logger, backends...)
	a.agents, err = a.directory.Install(ctx, a.runtime, agents.AdapterOptions{Store: store, Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("failed to install agents: %w", err)
	}

	if err := a.addActionSources(); err != nil {
		return nil, err
	}
	if err := a.installGuardrails(ctx); err != nil {
		return nil, err
	}

	a.limiter = ratelimit.NewLimiter(cfg.RateLimit)
	a.server, err = transport.NewServer(transport.Options{
		Config:   cfg.Server,
		Runtime:  a.runtime,
		Agents:   a.directory,
		Limiter:  a.limiter,
		Metrics:  metrics,
		Gatherer: a.registry,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

// buildProviders creates one adapter per provider entry, keyed by entry
// name.
func buildProviders(cfg config.ProvidersConfig) (map[string]copilot.ModelAdapter, error) {
	providers := make(map[string]copilot.ModelAdapter, len(cfg.Entries))
	for _, name := range sortedKeys(cfg.Entries) {
		entry := cfg.Entries[name]
		adapter, err := adapters.New(entry.Type, entry.Config, entry.Bedrock)
		if err != nil {
			return nil, fmt.Errorf("provider %s: %w", name, err)
		}
		providers[name] = adapter
	}
	return providers, nil
}

func openStore(cfg config.StoreConfig) (agents.StateStore, error) {
	switch cfg.Backend {
	case "", "memory":
		return agents.NewMemoryStore(), nil
	case "sql":
		store, err := agents.NewSQLStore(cfg.SQL)
		if err != nil {
			return nil, fmt.Errorf("failed to open state store: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}

// buildBackends returns the remote backends in declaration order followed
// by one local backend holding every local agent. Earlier backends win
// agent name clashes.
func buildBackends(cfg *config.Config, providers map[string]copilot.ModelAdapter, store agents.StateStore) ([]agents.Backend, error) {
	var backends []agents.Backend
	for i, remote := range cfg.Agents.Remote {
		backend, err := agents.NewRemoteBackend(agents.RemoteConfig{
			Name:    remote.Name,
			URL:     remote.URL,
			Headers: remote.Headers,
			Timeout: remote.Timeout,
		})
		if err != nil {
			return nil, fmt.Errorf("agents.remote[%d]: %w", i, err)
		}
		backends = append(backends, backend)
	}

	if len(cfg.Agents.Local) == 0 {
		return backends, nil
	}
	locals := make([]agents.LocalAgent, 0, len(cfg.Agents.Local))
	for _, local := range cfg.Agents.Local {
		provider := local.Provider
		if provider == "" {
			provider = cfg.Providers.Default
		}
		adapter, ok := providers[provider]
		if !ok {
			return nil, fmt.Errorf("local agent %s: provider %q is not configured", local.Name, provider)
		}
		locals = append(locals, agents.LocalAgent{
			Name:         local.Name,
			Description:  local.Description,
			Instructions: local.Instructions,
			Adapter:      adapter,
		})
	}
	backend, err := agents.NewLocalBackend(store, locals...)
	if err != nil {
		return nil, err
	}
	return append(backends, backend), nil
}

func (a *app) addActionSources() error {
	for i, remote := range a.cfg.Actions.Remote {
		endpoint, err := actions.NewRemoteEndpoint(actions.RemoteConfig{
			URL:     remote.URL,
			Headers: remote.Headers,
			Timeout: remote.Timeout,
		})
		if err != nil {
			return fmt.Errorf("actions.remote[%d]: %w", i, err)
		}
		a.runtime.AddActionSource(endpoint)
	}
	for i, server := range a.cfg.MCP.Servers {
		name := server.Name
		if name == "" {
			name = fmt.Sprintf("mcp%d", i)
		}
		source, err := actions.NewMCPSource(name, server.URL)
		if err != nil {
			return fmt.Errorf("mcp.servers[%d]: %w", i, err)
		}
		a.closers = append(a.closers, func(context.Context) error { return source.Close() })
		a.runtime.AddActionSource(source)
	}
	return nil
}

// installGuardrails runs the rules checker before the service checker.
func (a *app) installGuardrails(ctx context.Context) error {
	cfg := a.cfg.Guardrails
	if !cfg.Enabled() {
		return nil
	}

	var checkers []copilot.Guardrail
	switch {
	case cfg.RulesFile != "":
		checker, err := guardrails.NewRuleCheckerFromFile(cfg.RulesFile)
		if err != nil {
			return fmt.Errorf("guardrails: %w", err)
		}
		a.closers = append(a.closers, func(context.Context) error { return checker.Close() })
		if cfg.Watch {
			if err := checker.Watch(ctx, a.logger); err != nil {
				return fmt.Errorf("guardrails: watch %s: %w", cfg.RulesFile, err)
			}
		}
		checkers = append(checkers, checker)
	case cfg.Rules != nil:
		checker, err := guardrails.NewRuleChecker(*cfg.Rules)
		if err != nil {
			return fmt.Errorf("guardrails: %w", err)
		}
		checkers = append(checkers, checker)
	}

	if cfg.Service.URL != "" {
		checker, err := guardrails.NewHTTPChecker(guardrails.HTTPConfig{
			URL:           cfg.Service.URL,
			ValidTopics:   cfg.Service.ValidTopics,
			InvalidTopics: cfg.Service.InvalidTopics,
			Headers:       cfg.Service.Headers,
			Timeout:       cfg.Service.Timeout,
		})
		if err != nil {
			return fmt.Errorf("guardrails: %w", err)
		}
		checkers = append(checkers, checker)
	}

	chain := guardrails.NewChain(checkers...)
	chain.FailOpen = cfg.FailOpen
	chain.Logger = a.logger
	a.runtime.SetGuardrail(chain)
	return nil
}

// pruneLimiter drops idle rate limit buckets until ctx ends.
func (a *app) pruneLimiter(ctx context.Context) {
	if !a.limiter.Enabled() {
		return
	}
	interval := a.cfg.RateLimit.IdleTTL
	if interval <= 0 {
		interval = ratelimit.DefaultConfig().IdleTTL
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := a.limiter.Prune(); n > 0 {
				a.logger.Debug("pruned idle rate limit buckets", "count", n)
			}
		}
	}
}

func (a *app) close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
