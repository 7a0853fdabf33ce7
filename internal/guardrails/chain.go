package guardrails

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/haasonsaas/copilot-runtime/internal/copilot"
	"github.com/haasonsaas/copilot-runtime/pkg/models"
)

// Chain runs checkers in order and stops at the first rejection.
type Chain struct {
	checkers []copilot.Guardrail

	// FailOpen lets a request through when a checker errors instead of
	// failing it. The error is logged.
	FailOpen bool
	Logger   *slog.Logger
}

// NewChain builds a chain, skipping nil checkers.
func NewChain(checkers ...copilot.Guardrail) *Chain {
	c := &Chain{}
	for _, checker := range checkers {
		if checker != nil {
			c.checkers = append(c.checkers, checker)
		}
	}
	return c
}

func (c *Chain) Name() string { return "chain" }

// Len returns the number of checkers.
func (c *Chain) Len() int { return len(c.checkers) }

// Check implements copilot.Guardrail.
func (c *Chain) Check(ctx context.Context, req *models.RuntimeRequest) (*copilot.GuardrailVerdict, error) {
	for _, checker := range c.checkers {
		verdict, err := checker.Check(ctx, req)
		if err != nil {
			if ctx.Err() != nil || !c.FailOpen {
				return nil, fmt.Errorf("guardrail %s: %w", checker.Name(), err)
			}
			c.logger().WarnContext(ctx, "guardrail failed open", "checker", checker.Name(), "error", err)
			continue
		}
		if verdict != nil && !verdict.Allowed {
			if verdict.Checker == "" {
				verdict.Checker = checker.Name()
			}
			return verdict, nil
		}
	}
	return &copilot.GuardrailVerdict{Allowed: true, Checker: c.Name()}, nil
}

func (c *Chain) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}
