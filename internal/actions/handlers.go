package actions

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/haasonsaas/copilot-runtime/pkg/models"
)

// ErrTableFrozen is returned when registering after the table was frozen.
var ErrTableFrozen = errors.New("handler table is frozen")

// HandlerTable is the process-wide set of backend handlers installed at
// startup. After Freeze it is read-only and needs no locking on the read path.
type HandlerTable struct {
	mu      sync.Mutex
	frozen  atomic.Bool
	order   []string
	actions map[string]Action
}

// NewHandlerTable creates an empty, writable table.
func NewHandlerTable() *HandlerTable {
	return &HandlerTable{actions: make(map[string]Action)}
}

// Register installs a backend action. Names must be unique within the table.
func (t *HandlerTable) Register(spec models.ActionSpec, handler Handler) error {
	if t.frozen.Load() {
		return ErrTableFrozen
	}
	if err := ValidateName(spec.Name); err != nil {
		return err
	}
	if handler == nil {
		return fmt.Errorf("action %q has no handler", spec.Name)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.actions[spec.Name]; ok {
		return fmt.Errorf("%w: %q already registered", ErrDuplicateAction, spec.Name)
	}
	spec.ExecutionSite = models.SiteBackend
	spec.Source = t.Name()
	t.actions[spec.Name] = Action{Spec: spec, Handler: handler}
	t.order = append(t.order, spec.Name)
	return nil
}

// Freeze makes the table read-only.
func (t *HandlerTable) Freeze() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.frozen.Store(true)
}

// Name implements Source.
func (t *HandlerTable) Name() string { return "handlers" }

// Actions implements Source. Before Freeze it takes the lock.
func (t *HandlerTable) Actions(context.Context) ([]Action, error) {
	if !t.frozen.Load() {
		t.mu.Lock()
		defer t.mu.Unlock()
	}
	list := make([]Action, 0, len(t.order))
	for _, name := range t.order {
		list = append(list, t.actions[name])
	}
	return list, nil
}
