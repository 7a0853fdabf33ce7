package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/copilot-runtime/internal/config"
	"github.com/haasonsaas/copilot-runtime/internal/observability"
)

// =============================================================================
// Serve Command Handler
// =============================================================================

// runServe loads the configuration, starts the server and blocks until a
// shutdown signal arrives.
func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logCfg := cfg.Observability.Logging
	if debug {
		logCfg.Level = "debug"
	}
	logger := observability.NewLogger(logCfg)
	slog.SetDefault(logger)

	logger.Info("starting copilot runtime",
		"version", version,
		"commit", commit,
		"config", configPath,
		"debug", debug,
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize runtime: %w", err)
	}

	logger.Info("configuration loaded",
		"adapters", a.runtime.Adapters(),
		"agents", a.agents,
		"store", cfg.Store.Backend,
		"rate_limit", a.limiter.Enabled(),
	)

	if err := a.server.Start(ctx); err != nil {
		_ = a.close(context.Background())
		return fmt.Errorf("failed to start server: %w", err)
	}
	go a.pruneLimiter(ctx)

	logger.Info("copilot runtime started", "addr", a.server.Addr())

	<-ctx.Done()
	logger.Info("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	err = a.server.Shutdown(shutdownCtx)
	if closeErr := a.close(shutdownCtx); closeErr != nil {
		logger.Warn("failed to release resources", "error", closeErr)
	}
	if err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}

	logger.Info("copilot runtime stopped gracefully")
	return nil
}

// =============================================================================
// Agents Command Handlers
// =============================================================================

func runAgentsList(cmd *cobra.Command, configPath string, asJSON bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	ctx := cmd.Context()
	a, err := newApp(ctx, cfg, slog.Default())
	if err != nil {
		return err
	}
	defer a.close(context.Background())

	infos, err := a.directory.ListAgents(ctx)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{"agents": infos})
	}
	if len(infos) == 0 {
		fmt.Fprintln(out, "No agents configured.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tDESCRIPTION")
	for _, info := range infos {
		description := info.Description
		if description == "" {
			description = "-"
		}
		fmt.Fprintf(w, "%s\t%s\n", info.Name, description)
	}
	return w.Flush()
}

// =============================================================================
// Config Command Handlers
// =============================================================================

func runConfigValidate(cmd *cobra.Command, configPath string) error {
	out := cmd.OutOrStdout()
	cfg, err := config.Load(configPath)
	if err != nil {
		var verr *config.ValidationError
		if errors.As(err, &verr) {
			fmt.Fprintf(out, "%s: %d problem(s)\n", configPath, len(verr.Issues))
			for _, issue := range verr.Issues {
				fmt.Fprintf(out, "  - %s\n", issue)
			}
		}
		return err
	}

	fmt.Fprintf(out, "%s: ok (version %d)\n", configPath, cfg.Version)
	fmt.Fprintf(out, "  providers: %d\n", len(cfg.Providers.Entries))
	fmt.Fprintf(out, "  agents:    %d remote, %d local\n", len(cfg.Agents.Remote), len(cfg.Agents.Local))
	fmt.Fprintf(out, "  actions:   %d remote, %d mcp\n", len(cfg.Actions.Remote), len(cfg.MCP.Servers))
	fmt.Fprintf(out, "  listen:    %s\n", cfg.Server.Addr())
	return nil
}

func runConfigSchema(cmd *cobra.Command) error {
	data, err := config.JSONSchema()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if _, err := out.Write(data); err != nil {
		return err
	}
	_, err = fmt.Fprintln(out)
	return err
}

func printVersion(out io.Writer) {
	fmt.Fprintf(out, "copilot-runtime %s\n", version)
	fmt.Fprintf(out, "  commit: %s\n", commit)
	fmt.Fprintf(out, "  built:  %s\n", date)
}
