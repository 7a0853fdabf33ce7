// Package actions holds the callable actions a model may invoke during a turn.
//
// A Registry is built fresh for every request from the actions the frontend
// declared plus the backend sources configured at startup. Registries are
// owned by a single request and are not safe for concurrent mutation.
package actions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"

	"github.com/haasonsaas/copilot-runtime/pkg/models"
)

// Action parameter limits to prevent resource exhaustion.
const (
	// MaxActionNameLength is the maximum length of an action name.
	MaxActionNameLength = 256

	// MaxArgumentsSize is the maximum size of an action's arguments JSON (10MB).
	MaxArgumentsSize = 10 << 20
)

var (
	// ErrDuplicateAction is returned when two sources declare the same name
	// and the registry rejects duplicates.
	ErrDuplicateAction = errors.New("duplicate action")

	// ErrInvalidActionName is returned for names providers would refuse.
	ErrInvalidActionName = errors.New("invalid action name")
)

var actionNamePattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// Handler executes a backend action with validated arguments.
type Handler func(ctx context.Context, args map[string]any) (any, error)

// Action pairs a declaration with its handler. Frontend actions have no
// handler; the browser executes them.
type Action struct {
	Spec    models.ActionSpec
	Handler Handler
}

// Backend reports whether the runtime executes this action itself.
func (a *Action) Backend() bool {
	return a.Spec.ExecutionSite == models.SiteBackend
}

// Source supplies backend actions to per-request registries. Sources are
// shared across requests and must be safe for concurrent use.
type Source interface {
	Name() string
	Actions(ctx context.Context) ([]Action, error)
}

// DuplicatePolicy decides what happens when a name is declared twice.
type DuplicatePolicy string

const (
	// DuplicateReject fails the registry build.
	DuplicateReject DuplicatePolicy = "reject"
	// DuplicateLastWins replaces the earlier declaration.
	DuplicateLastWins DuplicatePolicy = "last_wins"
)

// Registry is the merged set of actions visible to one request.
type Registry struct {
	policy  DuplicatePolicy
	order   []string
	actions map[string]*Action
}

// NewRegistry creates an empty registry. An empty policy means reject.
func NewRegistry(policy DuplicatePolicy) *Registry {
	if policy == "" {
		policy = DuplicateReject
	}
	return &Registry{
		policy:  policy,
		actions: make(map[string]*Action),
	}
}

// ValidateName checks an action name against the limits every provider accepts.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidActionName)
	}
	if len(name) > MaxActionNameLength {
		return fmt.Errorf("%w: %q exceeds maximum length of %d characters", ErrInvalidActionName, name, MaxActionNameLength)
	}
	if !actionNamePattern.MatchString(name) {
		return fmt.Errorf("%w: %q must match %s", ErrInvalidActionName, name, actionNamePattern.String())
	}
	return nil
}

// Add registers an action. Backend actions need a handler.
func (r *Registry) Add(spec models.ActionSpec, handler Handler) error {
	if err := ValidateName(spec.Name); err != nil {
		return err
	}
	if spec.ExecutionSite == "" {
		spec.ExecutionSite = models.SiteBackend
	}
	if spec.ExecutionSite == models.SiteBackend && handler == nil {
		return fmt.Errorf("backend action %q has no handler", spec.Name)
	}

	if existing, ok := r.actions[spec.Name]; ok {
		if r.policy == DuplicateReject {
			return fmt.Errorf("%w: %q declared by %s and %s", ErrDuplicateAction, spec.Name, sourceLabel(existing.Spec), sourceLabel(spec))
		}
		existing.Spec = spec
		existing.Handler = handler
		return nil
	}

	r.actions[spec.Name] = &Action{Spec: spec, Handler: handler}
	r.order = append(r.order, spec.Name)
	return nil
}

// AddFrontend registers the actions a frontend declared for this request.
// They are always executed by the frontend.
func (r *Registry) AddFrontend(specs []models.ActionSpec) error {
	for _, spec := range specs {
		spec.ExecutionSite = models.SiteFrontend
		if spec.Source == "" {
			spec.Source = "request"
		}
		if err := r.Add(spec, nil); err != nil {
			return err
		}
	}
	return nil
}

// Get returns the action registered under name.
func (r *Registry) Get(name string) (*Action, bool) {
	action, ok := r.actions[name]
	return action, ok
}

// Specs returns every declaration in registration order.
func (r *Registry) Specs() []models.ActionSpec {
	specs := make([]models.ActionSpec, 0, len(r.order))
	for _, name := range r.order {
		specs = append(specs, r.actions[name].Spec)
	}
	return specs
}

// Len returns the number of registered actions.
func (r *Registry) Len() int {
	return len(r.order)
}

// BuildOptions configures Build.
type BuildOptions struct {
	Policy DuplicatePolicy
	Logger *slog.Logger
}

// Build merges the frontend declarations with every source. A source that
// fails to list its actions is logged and skipped so an unreachable remote
// endpoint does not take the whole turn down. Name conflicts follow the
// duplicate policy.
func Build(ctx context.Context, opts BuildOptions, frontend []models.ActionSpec, sources ...Source) (*Registry, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	registry := NewRegistry(opts.Policy)
	if err := registry.AddFrontend(frontend); err != nil {
		return nil, err
	}

	for _, source := range sources {
		if source == nil {
			continue
		}
		list, err := source.Actions(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			logger.Warn("action source unavailable", "source", source.Name(), "error", err)
			continue
		}
		for _, action := range list {
			if action.Spec.Source == "" {
				action.Spec.Source = source.Name()
			}
			if err := registry.Add(action.Spec, action.Handler); err != nil {
				return nil, err
			}
		}
	}
	return registry, nil
}

func sourceLabel(spec models.ActionSpec) string {
	if spec.Source == "" {
		return "unknown source"
	}
	return spec.Source
}
