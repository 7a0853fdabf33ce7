package agents

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/haasonsaas/copilot-runtime/internal/copilot"
	"github.com/haasonsaas/copilot-runtime/pkg/models"
)

// Directory routes agent lookups to the backend that serves each agent.
// When two backends expose the same agent name the first one wins.
type Directory struct {
	backends []Backend
	logger   *slog.Logger
}

// NewDirectory creates a directory over backends, skipping nils.
func NewDirectory(logger *slog.Logger, backends ...Backend) *Directory {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Directory{logger: logger}
	for _, b := range backends {
		if b != nil {
			d.backends = append(d.backends, b)
		}
	}
	return d
}

// Backends returns the backends in lookup order.
func (d *Directory) Backends() []Backend {
	out := make([]Backend, len(d.backends))
	copy(out, d.backends)
	return out
}

// ListAgents merges the agents of every backend.
func (d *Directory) ListAgents(ctx context.Context) ([]models.AgentInfo, error) {
	seen := make(map[string]bool)
	var out []models.AgentInfo
	for _, b := range d.backends {
		infos, err := b.ListAgents(ctx)
		if err != nil {
			return nil, fmt.Errorf("%s: list agents: %w", b.Name(), err)
		}
		for _, info := range infos {
			if seen[info.Name] {
				d.logger.WarnContext(ctx, "agent shadowed by an earlier backend", "agent", info.Name, "backend", b.Name())
				continue
			}
			seen[info.Name] = true
			out = append(out, info)
		}
	}
	return out, nil
}

// Resolve returns the backend serving agent.
func (d *Directory) Resolve(ctx context.Context, agent string) (Backend, error) {
	for _, b := range d.backends {
		infos, err := b.ListAgents(ctx)
		if err != nil {
			return nil, fmt.Errorf("%s: list agents: %w", b.Name(), err)
		}
		for _, info := range infos {
			if info.Name == agent {
				return b, nil
			}
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrAgentNotFound, agent)
}

// LoadAgentState asks the backend serving agent for the thread's state.
func (d *Directory) LoadAgentState(ctx context.Context, threadID, agent string) (*models.AgentState, error) {
	b, err := d.Resolve(ctx, agent)
	if err != nil {
		return nil, err
	}
	return b.LoadAgentState(ctx, threadID, agent)
}

// Install registers one adapter per agent with rt and adds every backend as
// an action source. It returns the installed agent names.
func (d *Directory) Install(ctx context.Context, rt *copilot.Runtime, opts AdapterOptions) ([]string, error) {
	if opts.Logger == nil {
		opts.Logger = d.logger
	}
	seen := make(map[string]bool)
	var names []string
	for _, b := range d.backends {
		infos, err := b.ListAgents(ctx)
		if err != nil {
			return nil, fmt.Errorf("%s: list agents: %w", b.Name(), err)
		}
		for _, info := range infos {
			if seen[info.Name] {
				continue
			}
			seen[info.Name] = true
			rt.RegisterAgent(info.Name, NewAdapter(b, info.Name, opts))
			names = append(names, info.Name)
		}
		rt.AddActionSource(b)
	}
	return names, nil
}
