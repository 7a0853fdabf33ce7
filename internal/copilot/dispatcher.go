package copilot

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/haasonsaas/copilot-runtime/internal/actions"
	"github.com/haasonsaas/copilot-runtime/internal/observability"
	"github.com/haasonsaas/copilot-runtime/pkg/models"
)

// Dispatcher executes completed backend action calls for one request.
//
// Every call id is executed at most once. The dispatcher imposes no timeout
// of its own; the request deadline bounds it through ctx.
type Dispatcher struct {
	logger  *slog.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer

	mu   sync.Mutex
	seen map[string]struct{}
}

// NewDispatcher creates a dispatcher with an empty de-duplication set.
func NewDispatcher(logger *slog.Logger, metrics *observability.Metrics, tracer *observability.Tracer) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		logger:  logger,
		metrics: metrics,
		tracer:  tracer,
		seen:    make(map[string]struct{}),
	}
}

// claim records id as dispatched and reports whether it was new.
func (d *Dispatcher) claim(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.seen[id]; ok {
		return false
	}
	d.seen[id] = struct{}{}
	return true
}

// Seen reports whether a call id has already been dispatched.
func (d *Dispatcher) Seen(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.seen[id]
	return ok
}

// Execute runs one completed action call against the registry.
//
// Lookup, argument and handler failures come back as an ActionResult with
// an error payload and a nil error. The returned error is non-nil only for
// a repeated call id (ErrDuplicateCall) or a cancelled request
// (ErrCancelled); in both cases the result must be dropped.
func (d *Dispatcher) Execute(ctx context.Context, call models.ActionCall, registry *actions.Registry) (models.ActionResult, error) {
	if !d.claim(call.ID) {
		d.metrics.ActionExecuted(call.Name, string(models.SiteBackend), "duplicate", 0)
		return models.ActionResult{}, ErrDuplicateCall
	}
	if ctx.Err() != nil {
		d.metrics.ActionExecuted(call.Name, string(models.SiteBackend), "cancelled", 0)
		return models.ActionResult{}, ErrCancelled
	}

	result := models.ActionResult{ActionCallID: call.ID, ActionName: call.Name}

	action, ok := registry.Get(call.Name)
	if !ok {
		err := NewActionError(call.Name, call.ID, fmt.Errorf("%w: %s", ErrActionNotFound, call.Name))
		d.logger.WarnContext(ctx, "model referenced unknown action", "action", call.Name, "call_id", call.ID)
		d.metrics.ActionExecuted(call.Name, string(models.SiteBackend), "not_found", 0)
		result.Error = err.Message
		return result, nil
	}
	if !action.Backend() {
		result.Error = fmt.Sprintf("action %s is executed by the frontend", call.Name)
		d.metrics.ActionExecuted(call.Name, string(models.SiteFrontend), "invalid", 0)
		return result, nil
	}

	args, err := actions.DecodeArguments(call.ArgumentsJSON)
	if err == nil {
		err = actions.ValidateArguments(action.Spec, args)
	}
	if err != nil {
		d.logger.WarnContext(ctx, "invalid action arguments", "action", call.Name, "call_id", call.ID, "error", err)
		d.metrics.ActionExecuted(call.Name, string(models.SiteBackend), "invalid", 0)
		result.Error = fmt.Sprintf("invalid arguments for %s: %v", call.Name, err)
		return result, nil
	}

	start := time.Now()
	value, err := d.run(ctx, action, call, args)
	elapsed := time.Since(start)
	if err == ErrCancelled {
		d.logger.InfoContext(ctx, "discarding action result after cancellation", "action", call.Name, "call_id", call.ID)
		d.metrics.ActionExecuted(call.Name, string(models.SiteBackend), "cancelled", elapsed.Seconds())
		return models.ActionResult{}, ErrCancelled
	}
	if err != nil {
		actionErr, ok := GetActionError(err)
		if !ok {
			actionErr = NewActionError(call.Name, call.ID, err)
		}
		d.logger.WarnContext(ctx, "action failed", "action", call.Name, "call_id", call.ID, "type", actionErr.Type, "error", actionErr.Message)
		d.metrics.ActionExecuted(call.Name, string(models.SiteBackend), "error", elapsed.Seconds())
		result.Error = actionErr.Message
		return result, nil
	}

	d.metrics.ActionExecuted(call.Name, string(models.SiteBackend), "success", elapsed.Seconds())
	result.Result = value
	return result, nil
}

// run executes the handler on a context detached from cancellation, so a
// handler that already started finishes its side effects. If ctx ends first
// the dispatcher stops waiting and reports ErrCancelled; the late result is
// dropped by the buffered channel.
func (d *Dispatcher) run(ctx context.Context, action *actions.Action, call models.ActionCall, args map[string]any) (any, error) {
	execCtx, span := d.tracer.TraceAction(context.WithoutCancel(ctx), call.Name, call.ID)

	type execResult struct {
		value any
		err   error
	}
	resultCh := make(chan execResult, 1)

	go func() {
		defer span.End()
		defer func() {
			if r := recover(); r != nil {
				stack := debug.Stack()
				d.logger.Error("action handler panicked", "action", call.Name, "call_id", call.ID, "panic", fmt.Sprint(r), "stack", string(stack))
				err := &ActionError{
					Type:       ActionErrorPanic,
					ActionName: call.Name,
					CallID:     call.ID,
					Message:    fmt.Sprintf("action %s panicked: %v", call.Name, r),
					Cause:      ErrActionPanic,
				}
				observability.RecordError(span, err)
				resultCh <- execResult{err: err}
			}
		}()

		value, err := action.Handler(execCtx, args)
		if err != nil {
			observability.RecordError(span, err)
			resultCh <- execResult{err: NewActionError(call.Name, call.ID, err)}
			return
		}
		resultCh <- execResult{value: value}
	}()

	select {
	case res := <-resultCh:
		return res.value, res.err
	case <-ctx.Done():
		return nil, ErrCancelled
	}
}
