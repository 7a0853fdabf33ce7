// Package transport exposes the runtime over HTTP: a streaming endpoint
// (server-sent events or NDJSON), a websocket endpoint, agent discovery,
// health and metrics.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haasonsaas/copilot-runtime/internal/agents"
	"github.com/haasonsaas/copilot-runtime/internal/copilot"
	"github.com/haasonsaas/copilot-runtime/internal/observability"
	"github.com/haasonsaas/copilot-runtime/internal/ratelimit"
	"github.com/haasonsaas/copilot-runtime/pkg/models"
)

// PublicAPIKeyHeader identifies the calling project.
const PublicAPIKeyHeader = "X-CopilotCloud-Public-API-Key"

// Config configures the HTTP listener.
type Config struct {
	Host string `yaml:"host" json:"host,omitempty"`
	Port int    `yaml:"port" json:"port,omitempty"`

	// MaxBodyBytes bounds request bodies and inbound websocket frames.
	MaxBodyBytes int64 `yaml:"max_body_bytes" json:"max_body_bytes,omitempty"`

	// RequestTimeout bounds one chat turn. Zero means no deadline.
	RequestTimeout time.Duration `yaml:"request_timeout" json:"request_timeout,omitempty"`

	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" json:"read_header_timeout,omitempty"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout,omitempty"`

	// AllowedOrigins enables CORS for browser clients. "*" allows any
	// origin. Empty disables CORS headers and accepts any websocket origin.
	AllowedOrigins []string `yaml:"allowed_origins" json:"allowed_origins,omitempty"`

	// TrustForwardedFor keys anonymous rate limiting on X-Forwarded-For
	// instead of the peer address.
	TrustForwardedFor bool `yaml:"trust_forwarded_for" json:"trust_forwarded_for,omitempty"`
}

// DefaultConfig returns the default server configuration.
func DefaultConfig() Config {
	return Config{
		Host:              "0.0.0.0",
		Port:              4000,
		MaxBodyBytes:      4 << 20,
		RequestTimeout:    5 * time.Minute,
		ReadHeaderTimeout: 5 * time.Second,
		ShutdownTimeout:   15 * time.Second,
	}
}

// Addr returns host:port.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, fmt.Sprint(c.Port))
}

// Runner serves one chat turn. *copilot.Runtime implements it.
type Runner interface {
	Run(ctx context.Context, req *models.RuntimeRequest, sink copilot.EventSink) (*copilot.Response, error)
}

// AgentDirectory lists agents and their thread state. *agents.Directory
// implements it.
type AgentDirectory interface {
	ListAgents(ctx context.Context) ([]models.AgentInfo, error)
	LoadAgentState(ctx context.Context, threadID, agent string) (*models.AgentState, error)
}

// Options wires a Server.
type Options struct {
	Config  Config
	Runtime Runner
	Agents  AgentDirectory
	Limiter *ratelimit.Limiter
	Metrics *observability.Metrics

	// Gatherer backs /metrics. Defaults to the prometheus default registry.
	Gatherer prometheus.Gatherer
	Logger   *slog.Logger
}

// Server is the HTTP front of the runtime.
type Server struct {
	config   Config
	runner   Runner
	agents   AgentDirectory
	limiter  *ratelimit.Limiter
	metrics  *observability.Metrics
	gatherer prometheus.Gatherer
	logger   *slog.Logger

	// closing is cancelled by Shutdown and ends websocket sessions, which
	// http.Server.Shutdown does not track.
	closing  context.Context
	close    context.CancelFunc
	sessions sync.WaitGroup

	mu         sync.Mutex
	httpServer *http.Server
	listener   net.Listener
}

// NewServer creates a server. Runtime is required.
func NewServer(opts Options) (*Server, error) {
	if opts.Runtime == nil {
		return nil, errors.New("transport: runtime is required")
	}
	config := opts.Config
	defaults := DefaultConfig()
	if config.MaxBodyBytes <= 0 {
		config.MaxBodyBytes = defaults.MaxBodyBytes
	}
	if config.ReadHeaderTimeout <= 0 {
		config.ReadHeaderTimeout = defaults.ReadHeaderTimeout
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = defaults.ShutdownTimeout
	}
	gatherer := opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	closing, cancel := context.WithCancel(context.Background())
	return &Server{
		config:   config,
		runner:   opts.Runtime,
		agents:   opts.Agents,
		limiter:  opts.Limiter,
		metrics:  opts.Metrics,
		gatherer: gatherer,
		logger:   logger,
		closing:  closing,
		close:    cancel,
	}, nil
}

// Handler returns the routed handler with middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	s.route(mux, "POST /copilot/stream", "/copilot/stream", http.HandlerFunc(s.handleStream))
	s.route(mux, "GET /copilot/ws", "/copilot/ws", http.HandlerFunc(s.handleWebsocket))
	s.route(mux, "GET /copilot/agents", "/copilot/agents", http.HandlerFunc(s.handleAgents))
	s.route(mux, "GET /copilot/agents/state", "/copilot/agents/state", http.HandlerFunc(s.handleAgentState))
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	return s.withRequestID(s.withCORS(mux))
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.httpServer != nil {
		return errors.New("transport: server already started")
	}

	addr := s.config.Addr()
	server := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: s.config.ReadHeaderTimeout,
	}
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}
	s.httpServer = server
	s.listener = listener

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server error", "error", err)
		}
	}()

	s.logger.InfoContext(ctx, "starting http server", "addr", listener.Addr().String())
	return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Shutdown stops accepting requests, waits for in-flight streams and closes
// websocket sessions.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	server := s.httpServer
	s.httpServer = nil
	s.listener = nil
	s.mu.Unlock()

	if ctx == nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()
	}

	var err error
	if server != nil {
		err = server.Shutdown(ctx)
	}
	s.close()

	done := make(chan struct{})
	go func() {
		s.sessions.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}
	return err
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`)) //nolint:errcheck
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	list := []models.AgentInfo{}
	if s.agents != nil {
		infos, err := s.agents.ListAgents(r.Context())
		if err != nil {
			s.logger.ErrorContext(r.Context(), "list agents failed", "error", err)
			writeError(w, http.StatusBadGateway, "agents_unavailable", err.Error())
			return
		}
		list = append(list, infos...)
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": list})
}

func (s *Server) handleAgentState(w http.ResponseWriter, r *http.Request) {
	threadID := r.URL.Query().Get("threadId")
	agent := r.URL.Query().Get("agent")
	if threadID == "" || agent == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "threadId and agent are required")
		return
	}
	if s.agents == nil {
		writeError(w, http.StatusNotFound, "not_found", "no agents configured")
		return
	}
	state, err := s.agents.LoadAgentState(r.Context(), threadID, agent)
	if err != nil {
		if errors.Is(err, agents.ErrAgentNotFound) {
			writeError(w, http.StatusNotFound, "not_found", err.Error())
			return
		}
		s.logger.ErrorContext(r.Context(), "load agent state failed", "agent", agent, "error", err)
		writeError(w, http.StatusBadGateway, "agents_unavailable", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// admit applies the rate limit for the caller. It writes the 429 response
// and returns false when the caller is over its limit.
func (s *Server) admit(w http.ResponseWriter, r *http.Request, apiKey string) bool {
	decision := s.limiter.Allow(s.rateKey(r, apiKey))
	if decision.Allowed {
		return true
	}
	s.metrics.RateLimitRejected()
	w.Header().Set("Retry-After", retryAfterSeconds(decision.RetryAfter))
	writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded")
	return false
}

func (s *Server) rateKey(r *http.Request, apiKey string) string {
	if apiKey != "" {
		return "key:" + apiKey
	}
	return "ip:" + clientIP(r, s.config.TrustForwardedFor)
}

// requestContext applies the configured request deadline.
func (s *Server) requestContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.config.RequestTimeout > 0 {
		return context.WithTimeout(ctx, s.config.RequestTimeout)
	}
	return context.WithCancel(ctx)
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{Error: errorDetail{Code: code, Message: message}})
}
