package adapters

import (
	"context"

	"github.com/haasonsaas/copilot-runtime/internal/copilot"
)

// EmptyAdapter produces no events. It is the default adapter of deployments
// where every request targets an agent, so a stray request without an agent
// session still ends with Success instead of a missing-adapter error.
type EmptyAdapter struct {
	name string
}

func (a EmptyAdapter) Name() string {
	if a.name == "" {
		return "empty"
	}
	return a.name
}

func (EmptyAdapter) Invoke(context.Context, *copilot.AdapterRequest) (copilot.EventStream, error) {
	return copilot.NewSliceStream(), nil
}
