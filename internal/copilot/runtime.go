// Package copilot implements the request pipeline of the runtime: adapters
// are invoked through a multiplexer that serializes model output, backend
// action execution and follow-up turns into one ordered event stream, which
// an assembler folds into the final response.
package copilot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/copilot-runtime/internal/actions"
	"github.com/haasonsaas/copilot-runtime/internal/observability"
	"github.com/haasonsaas/copilot-runtime/pkg/models"
)

// GuardrailVerdict is the outcome of a pre-flight check.
type GuardrailVerdict struct {
	Allowed bool
	Reason  string
	Checker string
}

// Guardrail checks a request before any model is invoked.
type Guardrail interface {
	Name() string
	Check(ctx context.Context, req *models.RuntimeRequest) (*GuardrailVerdict, error)
}

// Runtime serves chat turns. Adapters, agents, action sources and the
// guardrail are installed at startup; Run may then be called concurrently.
type Runtime struct {
	opts Options

	mu        sync.RWMutex
	adapters  map[string]ModelAdapter
	agents    map[string]ModelAdapter
	sources   []actions.Source
	guardrail Guardrail
}

// NewRuntime creates a runtime with no adapters.
func NewRuntime(opts Options) *Runtime {
	return &Runtime{
		opts:     mergeOptions(DefaultOptions(), opts),
		adapters: make(map[string]ModelAdapter),
		agents:   make(map[string]ModelAdapter),
	}
}

// RegisterAdapter installs a model adapter under its name.
func (r *Runtime) RegisterAdapter(adapter ModelAdapter) {
	if adapter == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[adapter.Name()] = adapter
}

// RegisterAgent installs the adapter serving requests whose agent session
// names agent.
func (r *Runtime) RegisterAgent(agent string, adapter ModelAdapter) {
	if adapter == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[agent] = adapter
}

// AddActionSource adds a source merged into every request's registry.
func (r *Runtime) AddActionSource(source actions.Source) {
	if source == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources = append(r.sources, source)
}

// SetGuardrail installs the pre-flight check.
func (r *Runtime) SetGuardrail(g Guardrail) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.guardrail = g
}

// Adapters lists the registered adapter names.
func (r *Runtime) Adapters() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Runtime) snapshot() ([]actions.Source, Guardrail) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sources := make([]actions.Source, len(r.sources))
	copy(sources, r.sources)
	return sources, r.guardrail
}

// selectAdapter picks the agent adapter when the session names an agent,
// otherwise the requested provider or the default.
func (r *Runtime) selectAdapter(req *models.RuntimeRequest) (ModelAdapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if req.AgentSession != nil && req.AgentSession.AgentName != "" {
		adapter, ok := r.agents[req.AgentSession.AgentName]
		if !ok {
			return nil, fmt.Errorf("%w: unknown agent %q", ErrNoAdapter, req.AgentSession.AgentName)
		}
		return adapter, nil
	}

	name := req.Provider
	if name == "" {
		name = r.opts.DefaultAdapter
	}
	if name == "" && len(r.adapters) == 1 {
		for _, adapter := range r.adapters {
			return adapter, nil
		}
	}
	adapter, ok := r.adapters[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNoAdapter, name)
	}
	return adapter, nil
}

func validateRequest(req *models.RuntimeRequest) error {
	for i, msg := range req.Messages {
		if !msg.Role.Valid() {
			return fmt.Errorf("message %d: invalid role %q", i, msg.Role)
		}
	}
	return nil
}

// run carries the per-request state of Run.
type run struct {
	runtime   *Runtime
	logger    *slog.Logger
	sink      EventSink
	assembler *Assembler
	threadID  string
	runID     string
}

// emit hands ev to the assembler and the sink.
func (x *run) emit(ctx context.Context, ev models.StreamEvent) error {
	if err := x.assembler.Apply(ev); err != nil {
		x.logger.WarnContext(ctx, "assembler rejected event", "type", ev.Type, "error", err)
	}
	x.runtime.opts.Metrics.EventForwarded(string(ev.Type))
	return x.sink.Emit(ctx, ev)
}

// fail ends the run with a fatal error and reports it downstream.
func (x *run) fail(ctx context.Context, provider string, phase Phase, cause error) error {
	runErr := &RunError{Phase: phase, Cause: cause}
	var ev models.StreamEvent
	if adapterErr, ok := GetAdapterError(cause); ok {
		ev = adapterErr.Event()
	} else {
		kind := models.ErrorKindUnknown
		if phase == PhaseRegistry || (phase == PhaseInvoke && errors.Is(cause, ErrNoAdapter)) {
			kind = models.ErrorKindInvalidRequest
		}
		ev = models.NewErrorEvent(kind, provider, cause.Error())
	}
	x.logger.ErrorContext(ctx, "run failed", "phase", phase, "error", cause)
	if err := x.sink.Emit(ctx, ev); err != nil {
		x.logger.DebugContext(ctx, "could not report failure", "error", err)
	}
	if err := x.assembler.Fail(ev.Error); err != nil {
		x.logger.WarnContext(ctx, "assembler already terminal", "error", err)
	}
	return runErr
}

func (x *run) cancel(ctx context.Context, cause error) error {
	x.logger.InfoContext(ctx, "run interrupted", "error", cause)
	if err := x.assembler.Cancel(); err != nil {
		x.logger.WarnContext(ctx, "assembler already terminal", "error", err)
	}
	return cause
}

// Run serves one chat turn, streaming every event to sink.
//
// The returned Response is never nil and always carries a terminal status.
// The error is nil for Success and GuardrailsValidationFailure; for an
// interrupted run it is the cancellation cause, otherwise a *RunError.
func (r *Runtime) Run(ctx context.Context, req *models.RuntimeRequest, sink EventSink) (*Response, error) {
	if sink == nil {
		sink = NopSink{}
	}
	request := *req
	if request.ThreadID == "" {
		request.ThreadID = uuid.NewString()
	}
	if request.RunID == "" {
		request.RunID = uuid.NewString()
	}

	ctx = observability.WithRun(ctx, request.ThreadID, request.RunID)
	ctx, span := r.opts.Tracer.TraceRequest(ctx, request.ThreadID, request.RunID)
	defer span.End()

	x := &run{
		runtime:   r,
		logger:    r.opts.Logger,
		sink:      sink,
		assembler: NewAssembler(request.ThreadID, request.RunID),
		threadID:  request.ThreadID,
		runID:     request.RunID,
	}

	start := time.Now()
	adapterName := "none"
	r.opts.Metrics.RequestStarted()

	err := r.execute(ctx, x, &request, &adapterName)
	if err != nil {
		observability.RecordError(span, err)
	}

	resp := x.assembler.Response()
	r.opts.Metrics.RequestFinished(adapterName, string(resp.Status), time.Since(start).Seconds())
	x.logger.InfoContext(ctx, "run finished",
		"adapter", adapterName,
		"status", resp.Status,
		"messages", len(resp.Messages),
		"duration", time.Since(start),
	)
	return resp, err
}

func (r *Runtime) execute(ctx context.Context, x *run, req *models.RuntimeRequest, adapterName *string) error {
	if err := validateRequest(req); err != nil {
		return x.fail(ctx, "", PhaseRegistry, err)
	}

	sources, guardrail := r.snapshot()
	if guardrail != nil {
		verdict, err := guardrail.Check(ctx, req)
		if err != nil {
			if ctx.Err() != nil {
				return x.cancel(ctx, ctx.Err())
			}
			return x.fail(ctx, "", PhaseGuardrails, err)
		}
		if verdict != nil && !verdict.Allowed {
			checker := verdict.Checker
			if checker == "" {
				checker = guardrail.Name()
			}
			r.opts.Metrics.GuardrailRejected(checker)
			x.logger.InfoContext(ctx, "request rejected by guardrails", "checker", checker, "reason", verdict.Reason)
			if err := x.assembler.Reject(verdict.Reason); err != nil {
				x.logger.WarnContext(ctx, "assembler already terminal", "error", err)
			}
			return nil
		}
	}

	adapter, err := r.selectAdapter(req)
	if err != nil {
		return x.fail(ctx, req.Provider, PhaseInvoke, err)
	}
	*adapterName = adapter.Name()

	registry, err := actions.Build(ctx, actions.BuildOptions{
		Policy: r.opts.DuplicatePolicy,
		Logger: r.opts.Logger,
	}, req.Actions, sources...)
	if err != nil {
		if ctx.Err() != nil {
			return x.cancel(ctx, ctx.Err())
		}
		return x.fail(ctx, adapter.Name(), PhaseRegistry, err)
	}

	if err := x.emit(ctx, models.NewMetaEvent(models.MetaPayload{
		Kind:     models.MetaRunStarted,
		RunID:    x.runID,
		ThreadID: x.threadID,
		Data:     map[string]any{"adapter": adapter.Name(), "actions": registry.Len()},
	})); err != nil {
		return x.cancel(ctx, err)
	}

	mux := NewMultiplexer(adapter, registry, NewDispatcher(r.opts.Logger, r.opts.Metrics, r.opts.Tracer), &AdapterRequest{
		ThreadID:     x.threadID,
		RunID:        x.runID,
		Messages:     req.Messages,
		Actions:      registry.Specs(),
		Forwarded:    req.Forwarded,
		Extensions:   req.Extensions,
		AgentSession: req.AgentSession,
	}, r.opts)
	defer mux.Close()

	if err := mux.Start(ctx); err != nil {
		if ctx.Err() != nil {
			return x.cancel(ctx, ctx.Err())
		}
		var runErr *RunError
		if errors.As(err, &runErr) {
			err = runErr.Cause
		}
		if _, ok := GetAdapterError(err); !ok {
			err = NewAdapterError(adapter.Name(), err)
		}
		return x.fail(ctx, adapter.Name(), PhaseInvoke, err)
	}

	for {
		ev, err := mux.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrCancelled) {
				return x.cancel(ctx, err)
			}
			return x.fail(ctx, adapter.Name(), PhaseDispatch, err)
		}
		if emitErr := x.emit(ctx, ev); emitErr != nil {
			return x.cancel(ctx, emitErr)
		}
		if ev.IsFatal() {
			return &RunError{Phase: PhaseStream, Iteration: mux.Iterations(), Cause: EventError(ev.Error)}
		}
	}

	if err := x.emit(ctx, models.NewMetaEvent(models.MetaPayload{
		Kind:      models.MetaRunFinished,
		RunID:     x.runID,
		ThreadID:  x.threadID,
		Iteration: mux.Iterations(),
	})); err != nil {
		return x.cancel(ctx, err)
	}
	if err := x.assembler.Complete(); err != nil {
		x.logger.WarnContext(ctx, "assembler already terminal", "error", err)
	}
	return nil
}
