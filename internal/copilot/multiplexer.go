package copilot

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/haasonsaas/copilot-runtime/internal/actions"
	"github.com/haasonsaas/copilot-runtime/internal/backoff"
	"github.com/haasonsaas/copilot-runtime/internal/observability"
	"github.com/haasonsaas/copilot-runtime/pkg/models"
)

// streamCall is an action call being assembled from a source's events.
type streamCall struct {
	call models.ActionCall
	args strings.Builder
}

// source is one adapter invocation: the primary stream or a follow-up.
type source struct {
	req       *AdapterRequest
	stream    EventStream
	span      trace.Span
	iteration int
	attempts  int

	calls          map[string]*streamCall
	order          []string
	results        []models.ActionResult
	text           strings.Builder
	frontendCalled bool
	received       int
}

func (s *source) close() {
	if s.stream != nil {
		s.stream.Close()
	}
	if s.span != nil {
		s.span.End()
	}
}

// queuedCall is a completed backend call waiting for the dispatcher.
type queuedCall struct {
	src  *source
	call models.ActionCall
}

// Multiplexer turns one or more adapter streams into the single ordered
// event sequence of a request.
//
// Only the source on top of the stack is drained. A completed backend call
// pauses it until the dispatcher has run the call and its result event was
// handed out. When a source ends with executed results, a follow-up source
// re-invoking the adapter is pushed, so its events come after the results
// that caused it. Next must not be called concurrently.
type Multiplexer struct {
	adapter    ModelAdapter
	registry   *actions.Registry
	dispatcher *Dispatcher
	base       AdapterRequest
	opts       Options
	logger     *slog.Logger

	stack     []*source
	pending   []models.StreamEvent
	queue     []queuedCall
	history   []models.Message
	iteration int
	done      bool
}

// NewMultiplexer prepares a multiplexer for one request. Start must be
// called before Next.
func NewMultiplexer(adapter ModelAdapter, registry *actions.Registry, dispatcher *Dispatcher, req *AdapterRequest, opts Options) *Multiplexer {
	opts = mergeOptions(DefaultOptions(), opts)
	if dispatcher == nil {
		dispatcher = NewDispatcher(opts.Logger, opts.Metrics, opts.Tracer)
	}
	if registry == nil {
		registry = actions.NewRegistry(opts.DuplicatePolicy)
	}
	return &Multiplexer{
		adapter:    adapter,
		registry:   registry,
		dispatcher: dispatcher,
		base:       *req,
		opts:       opts,
		logger:     opts.Logger.With("adapter", adapter.Name()),
	}
}

// Start invokes the adapter for the primary source.
func (m *Multiplexer) Start(ctx context.Context) error {
	req := m.base
	src, err := m.open(ctx, &req)
	if err != nil {
		return &RunError{Phase: PhaseInvoke, Iteration: 1, Cause: err}
	}
	m.stack = append(m.stack, src)
	return nil
}

func (m *Multiplexer) open(ctx context.Context, req *AdapterRequest) (*source, error) {
	m.iteration++
	spanCtx, span := m.opts.Tracer.TraceAdapterInvoke(ctx, m.adapter.Name(), req.Forwarded.Model, m.iteration)
	stream, err := m.adapter.Invoke(spanCtx, req)
	if err != nil {
		observability.RecordError(span, err)
		span.End()
		return nil, err
	}
	return &source{
		req:       req,
		stream:    stream,
		span:      span,
		iteration: m.iteration,
		calls:     make(map[string]*streamCall),
	}, nil
}

// Next returns the next event of the request. It returns io.EOF once every
// source is drained, and ctx.Err() after cancellation. A fatal error event
// is returned like any other event; Next returns io.EOF after it.
func (m *Multiplexer) Next(ctx context.Context) (models.StreamEvent, error) {
	for {
		if m.done {
			return models.StreamEvent{}, io.EOF
		}
		if err := ctx.Err(); err != nil {
			m.abort()
			return models.StreamEvent{}, err
		}
		if len(m.pending) > 0 {
			ev := m.pending[0]
			m.pending = m.pending[1:]
			return ev, nil
		}
		if len(m.queue) > 0 {
			next := m.queue[0]
			m.queue = m.queue[1:]
			if err := m.dispatch(ctx, next); err != nil {
				m.abort()
				return models.StreamEvent{}, err
			}
			continue
		}
		if len(m.stack) == 0 {
			m.done = true
			return models.StreamEvent{}, io.EOF
		}

		top := m.stack[len(m.stack)-1]
		ev, err := top.stream.Recv(ctx)
		if err == io.EOF {
			m.stack = m.stack[:len(m.stack)-1]
			top.close()
			if fatal := m.finish(ctx, top); fatal != nil {
				m.abort()
				return *fatal, nil
			}
			continue
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				m.abort()
				return models.StreamEvent{}, ctxErr
			}
			ev = NewAdapterError(m.adapter.Name(), err).Event()
		}

		if ev.IsFatal() {
			m.opts.Metrics.AdapterError(m.adapter.Name(), string(ev.Error.Kind))
			retried, retryErr := m.retry(ctx, top, ev)
			if retryErr != nil {
				m.abort()
				return models.StreamEvent{}, retryErr
			}
			if retried {
				continue
			}
			m.logger.Warn("adapter failed", "kind", ev.Error.Kind, "error", ev.Error.Message, "iteration", top.iteration)
			m.abort()
			return ev, nil
		}

		top.received++
		if m.observe(top, ev) {
			return ev, nil
		}
	}
}

// observe folds ev into the source's bookkeeping and reports whether it
// should be passed downstream.
func (m *Multiplexer) observe(src *source, ev models.StreamEvent) bool {
	switch ev.Type {
	case models.EventTextDelta:
		if ev.Text != nil {
			src.text.WriteString(ev.Text.Delta)
		}
	case models.EventActionCallStart:
		id := ev.CallID()
		if _, ok := src.calls[id]; ok {
			m.logger.Debug("ignoring repeated action start", "call_id", id)
			return false
		}
		src.calls[id] = &streamCall{call: models.ActionCall{
			ID:            id,
			Name:          ev.Action.Name,
			ParentMessage: ev.Action.ParentMessage,
		}}
		src.order = append(src.order, id)
	case models.EventActionCallArgs:
		sc, ok := src.calls[ev.CallID()]
		if !ok || sc.call.Complete {
			m.logger.Debug("dropping arguments for unknown or finished call", "call_id", ev.CallID())
			return false
		}
		sc.args.WriteString(ev.Action.Delta)
	case models.EventActionCallEnd:
		sc, ok := src.calls[ev.CallID()]
		if !ok {
			m.logger.Warn("action end without start", "call_id", ev.CallID())
			return false
		}
		if sc.call.Complete {
			m.logger.Debug("ignoring duplicate action end", "call_id", ev.CallID())
			return false
		}
		sc.call.ArgumentsJSON = sc.args.String()
		sc.call.Complete = true

		if action, found := m.registry.Get(sc.call.Name); found && !action.Backend() {
			src.frontendCalled = true
			m.opts.Metrics.ActionExecuted(sc.call.Name, string(models.SiteFrontend), "forwarded", 0)
			return true
		}
		// Unknown names go through the dispatcher too, which turns them
		// into an error result the model can recover from.
		m.queue = append(m.queue, queuedCall{src: src, call: sc.call})
	}
	return true
}

// dispatch runs one queued call and queues its result event.
func (m *Multiplexer) dispatch(ctx context.Context, qc queuedCall) error {
	result, err := m.dispatcher.Execute(ctx, qc.call, m.registry)
	switch {
	case errors.Is(err, ErrDuplicateCall):
		m.logger.Debug("skipping already dispatched call", "call_id", qc.call.ID, "action", qc.call.Name)
		return nil
	case errors.Is(err, ErrCancelled):
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return err
	case err != nil:
		return &RunError{Phase: PhaseDispatch, Iteration: qc.src.iteration, Cause: err}
	}

	qc.src.results = append(qc.src.results, result)
	m.pending = append(m.pending, models.NewMetaEvent(models.MetaPayload{
		Kind:      models.MetaActionResult,
		RunID:     m.base.RunID,
		ThreadID:  m.base.ThreadID,
		Iteration: qc.src.iteration,
		Result:    &result,
	}))
	return nil
}

// finish handles a drained source and pushes a follow-up when the model is
// waiting for backend results. A non-nil return is a fatal error event.
func (m *Multiplexer) finish(ctx context.Context, src *source) *models.StreamEvent {
	if len(src.results) == 0 || src.frontendCalled {
		return nil
	}
	if m.iteration >= m.opts.MaxIterations {
		m.logger.Warn("follow-up skipped", "error", ErrMaxIterations, "iterations", m.iteration)
		m.pending = append(m.pending, models.NewMetaEvent(models.MetaPayload{
			Kind:      models.MetaIterationsExhausted,
			RunID:     m.base.RunID,
			ThreadID:  m.base.ThreadID,
			Iteration: m.iteration,
		}))
		return nil
	}

	m.history = append(m.history, turnMessages(src)...)
	req := m.base
	req.Messages = make([]models.Message, 0, len(m.base.Messages)+len(m.history))
	req.Messages = append(req.Messages, m.base.Messages...)
	req.Messages = append(req.Messages, m.history...)

	next, err := m.open(ctx, &req)
	if err != nil {
		var ev models.StreamEvent
		if adapterErr, ok := GetAdapterError(err); ok {
			ev = adapterErr.Event()
		} else {
			ev = NewAdapterError(m.adapter.Name(), &RunError{Phase: PhaseFollowUp, Iteration: m.iteration, Cause: err}).Event()
		}
		m.opts.Metrics.AdapterError(m.adapter.Name(), string(ev.Error.Kind))
		return &ev
	}

	m.opts.Metrics.FollowUp(m.adapter.Name())
	m.logger.Debug("follow-up started", "iteration", next.iteration, "results", len(src.results))
	m.pending = append(m.pending, models.NewMetaEvent(models.MetaPayload{
		Kind:      models.MetaFollowUpStarted,
		RunID:     m.base.RunID,
		ThreadID:  m.base.ThreadID,
		Iteration: next.iteration,
	}))
	m.stack = append(m.stack, next)
	return nil
}

// turnMessages renders a finished source as history: the assistant turn
// with its calls, then one tool message per result.
func turnMessages(src *source) []models.Message {
	now := time.Now()
	executed := make(map[string]bool, len(src.results))
	for _, r := range src.results {
		executed[r.ActionCallID] = true
	}

	assistant := models.Message{
		ID:        uuid.NewString(),
		Role:      models.RoleAssistant,
		Content:   src.text.String(),
		CreatedAt: now,
	}
	for _, id := range src.order {
		sc := src.calls[id]
		if !executed[id] {
			continue
		}
		assistant.ActionExecutions = append(assistant.ActionExecutions, models.ActionExecution{
			ID:        sc.call.ID,
			Name:      sc.call.Name,
			Arguments: sc.call.ArgumentsJSON,
		})
	}

	msgs := []models.Message{assistant}
	for i := range src.results {
		result := src.results[i]
		msgs = append(msgs, models.Message{
			ID:           uuid.NewString(),
			Role:         models.RoleTool,
			Content:      result.Content(),
			Name:         result.ActionName,
			ActionResult: &result,
			CreatedAt:    now,
		})
	}
	return msgs
}

// retry re-invokes the adapter when a source failed retryably before
// producing anything.
func (m *Multiplexer) retry(ctx context.Context, src *source, ev models.StreamEvent) (bool, error) {
	policy := m.opts.Retry
	if !policy.Enabled() || !ev.Error.Retryable || src.received > 0 {
		return false, nil
	}
	if src.attempts+1 >= policy.MaxAttempts {
		return false, nil
	}
	src.attempts++
	delay := policy.Delay(src.attempts)
	m.logger.Info("retrying adapter", "kind", ev.Error.Kind, "attempt", src.attempts, "delay", delay)

	src.stream.Close()
	if src.span != nil {
		observability.RecordError(src.span, errors.New(ev.Error.Message))
		src.span.End()
		src.span = nil
	}
	if err := backoff.Sleep(ctx, delay); err != nil {
		return false, err
	}

	spanCtx, span := m.opts.Tracer.TraceAdapterInvoke(ctx, m.adapter.Name(), src.req.Forwarded.Model, src.iteration)
	span.SetAttributes(attribute.Int("copilot.attempt", src.attempts+1))
	stream, err := m.adapter.Invoke(spanCtx, src.req)
	if err != nil {
		observability.RecordError(span, err)
		span.End()
		m.logger.Warn("adapter retry failed", "error", err, "attempt", src.attempts)
		return false, nil
	}
	src.stream = stream
	src.span = span
	return true, nil
}

// History returns the messages appended by follow-ups so far.
func (m *Multiplexer) History() []models.Message {
	out := make([]models.Message, len(m.history))
	copy(out, m.history)
	return out
}

// Iterations returns the number of adapter invocations made.
func (m *Multiplexer) Iterations() int {
	return m.iteration
}

func (m *Multiplexer) abort() {
	for _, src := range m.stack {
		src.close()
	}
	m.stack = nil
	m.queue = nil
	m.pending = nil
	m.done = true
}

// Close releases every open source.
func (m *Multiplexer) Close() error {
	m.abort()
	return nil
}
