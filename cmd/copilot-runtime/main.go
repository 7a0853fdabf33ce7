// Package main provides the CLI entry point for the copilot runtime.
//
// The runtime accepts chat requests from copilot frontends, drives model
// adapters and agents, executes backend actions and streams the resulting
// events back over SSE, NDJSON or websockets.
//
// # Basic Usage
//
// Start the server:
//
//	copilot-runtime serve --config copilot-runtime.yaml
//
// Check a configuration file:
//
//	copilot-runtime config validate --config copilot-runtime.yaml
//
// List the agents the runtime would serve:
//
//	copilot-runtime agents list
//
// # Environment Variables
//
//   - COPILOT_RUNTIME_CONFIG: Path to configuration file (default: copilot-runtime.yaml)
//
// Configuration files may reference other variables as ${NAME} or
// ${NAME:-fallback}, for example api_key: ${OPENAI_API_KEY}.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

// Build information - populated by ldflags during build.
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const defaultConfigPath = "copilot-runtime.yaml"

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
// This is separated from main() to facilitate testing.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "copilot-runtime",
		Short: "Copilot runtime - streaming backend for copilot frontends",
		Long: `copilot-runtime serves copilot frontends over HTTP and websockets.

Supported model adapters: OpenAI, Anthropic, Google, Bedrock and
OpenAI-compatible endpoints (Groq, Ollama, OpenRouter).
Agents run in process or behind a remote agent endpoint.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildAgentsCmd(),
		buildConfigCmd(),
		buildVersionCmd(),
	)

	return rootCmd
}

// resolveConfigPath falls back to COPILOT_RUNTIME_CONFIG when the flag was
// left at its default.
func resolveConfigPath(path string) string {
	if env := strings.TrimSpace(os.Getenv("COPILOT_RUNTIME_CONFIG")); env != "" {
		if strings.TrimSpace(path) == "" || path == defaultConfigPath {
			return env
		}
	}
	if strings.TrimSpace(path) == "" {
		return defaultConfigPath
	}
	return path
}
