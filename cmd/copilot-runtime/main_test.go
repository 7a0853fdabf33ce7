package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/haasonsaas/copilot-runtime/internal/config"
)

const testConfig = `
version: 1
providers:
  entries:
    stub:
      type: empty
agents:
  local:
    - name: helper
      description: Answers questions
guardrails:
  rules:
    denied_topics: [weather]
observability:
  metrics:
    enabled: true
`

func writeTestConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "copilot-runtime.yaml")
	if err := os.WriteFile(path, []byte(strings.TrimSpace(contents)), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func runCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := buildRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestBuildRootCmdIncludesSubcommands(t *testing.T) {
	cmd := buildRootCmd()
	names := map[string]bool{}
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}

	required := []string{"serve", "agents", "config", "version"}
	for _, name := range required {
		if !names[name] {
			t.Fatalf("expected subcommand %q to be registered", name)
		}
	}
}

func TestResolveConfigPath(t *testing.T) {
	t.Setenv("COPILOT_RUNTIME_CONFIG", "")
	if got := resolveConfigPath(""); got != defaultConfigPath {
		t.Errorf("resolveConfigPath(\"\") = %q", got)
	}

	t.Setenv("COPILOT_RUNTIME_CONFIG", "/etc/copilot/runtime.yaml")
	if got := resolveConfigPath(defaultConfigPath); got != "/etc/copilot/runtime.yaml" {
		t.Errorf("default path = %q, want the environment override", got)
	}
	if got := resolveConfigPath("custom.yaml"); got != "custom.yaml" {
		t.Errorf("explicit path = %q, want it kept", got)
	}
}

func TestConfigValidateCommand(t *testing.T) {
	path := writeTestConfig(t, testConfig)
	out, err := runCommand(t, "config", "validate", "--config", path)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !strings.Contains(out, "ok (version 1)") || !strings.Contains(out, "0 remote, 1 local") {
		t.Errorf("output = %q", out)
	}

	bad := writeTestConfig(t, `
version: 1
runtime:
  duplicate_actions: first_wins
store:
  backend: redis
`)
	out, err = runCommand(t, "config", "validate", "-c", bad)
	if err == nil {
		t.Fatal("expected validation failure")
	}
	if !strings.Contains(out, "2 problem(s)") || !strings.Contains(out, "store.backend") {
		t.Errorf("output = %q", out)
	}
}

func TestConfigSchemaCommand(t *testing.T) {
	out, err := runCommand(t, "config", "schema")
	if err != nil {
		t.Fatal(err)
	}
	var schema map[string]any
	if err := json.Unmarshal([]byte(out), &schema); err != nil {
		t.Fatalf("schema is not JSON: %v", err)
	}
	if schema["title"] != "copilot-runtime configuration" {
		t.Errorf("title = %v", schema["title"])
	}
}

func TestAgentsListCommand(t *testing.T) {
	path := writeTestConfig(t, testConfig)

	out, err := runCommand(t, "agents", "list", "-c", path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "helper") || !strings.Contains(out, "Answers questions") {
		t.Errorf("output = %q", out)
	}

	out, err = runCommand(t, "agents", "list", "-c", path, "--json")
	if err != nil {
		t.Fatal(err)
	}
	var body struct {
		Agents []struct {
			Name string `json:"name"`
		} `json:"agents"`
	}
	if err := json.Unmarshal([]byte(out), &body); err != nil {
		t.Fatal(err)
	}
	if len(body.Agents) != 1 || body.Agents[0].Name != "helper" {
		t.Errorf("agents = %+v", body.Agents)
	}
}

func TestVersionCommand(t *testing.T) {
	out, err := runCommand(t, "version")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(out, "copilot-runtime dev") {
		t.Errorf("output = %q", out)
	}
}

func TestNewAppServesRequests(t *testing.T) {
	cfg, err := config.Load(writeTestConfig(t, testConfig))
	if err != nil {
		t.Fatal(err)
	}
	a, err := newApp(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("newApp() error = %v", err)
	}
	t.Cleanup(func() { _ = a.close(context.Background()) })

	if len(a.agents) != 1 || a.agents[0] != "helper" {
		t.Errorf("agents = %v", a.agents)
	}

	ts := httptest.NewServer(a.server.Handler())
	t.Cleanup(ts.Close)

	stream := func(message string) string {
		t.Helper()
		body := `{"messages":[{"role":"user","content":"` + message + `"}]}`
		resp, err := http.Post(ts.URL+"/copilot/stream", "application/json", strings.NewReader(body))
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			t.Fatal(err)
		}
		return string(data)
	}

	if got := stream("hello there"); !strings.Contains(got, `"status":"Success"`) {
		t.Errorf("stream = %q, want Success", got)
	}
	if got := stream("what is the weather"); !strings.Contains(got, `"status":"GuardrailsValidationFailure"`) {
		t.Errorf("stream = %q, want guardrail rejection", got)
	}

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	metrics, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(metrics), "go_goroutines") {
		t.Error("metrics endpoint should expose runtime collectors")
	}
	if !strings.Contains(string(metrics), "copilot_requests_total") {
		t.Error("metrics endpoint should expose request counters")
	}
}

func TestNewAppReturnsWiringErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
		want   string
	}{
		{"unknown provider", func(cfg *config.Config) {
			cfg.Providers.Entries = map[string]config.ProviderConfig{"x": {Type: "watson"}}
		}, "provider x"},
		{"unknown store", func(cfg *config.Config) {
			cfg.Store.Backend = "etcd"
		}, "unknown store backend"},
		{"local agent without provider", func(cfg *config.Config) {
			cfg.Agents.Local = []config.LocalAgentConfig{{Name: "helper", Provider: "missing"}}
		}, "not configured"},
		{"missing rules file", func(cfg *config.Config) {
			cfg.Guardrails.RulesFile = filepath.Join(t.TempDir(), "absent.yaml")
		}, "guardrails"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			tt.mutate(cfg)
			a, err := newApp(context.Background(), cfg, nil)
			if err == nil {
				t.Fatal("expected error")
			}
			if a != nil {
				t.Errorf("newApp() returned an app alongside %v", err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %v, want it to mention %q", err, tt.want)
			}
		})
	}
}
