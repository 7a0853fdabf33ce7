package actions

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/haasonsaas/copilot-runtime/pkg/models"
)

// MCPSource exposes the tools of an MCP server as backend actions.
type MCPSource struct {
	name string
	url  string

	mu     sync.Mutex
	client *client.Client
	tools  []mcp.Tool
}

// NewMCPSource creates a source for the streamable-HTTP MCP server at url.
// The connection is opened lazily on first use.
func NewMCPSource(name, url string) (*MCPSource, error) {
	if strings.TrimSpace(url) == "" {
		return nil, fmt.Errorf("mcp server %q: url is required", name)
	}
	if name == "" {
		name = url
	}
	return &MCPSource{name: name, url: url}, nil
}

// Name implements Source.
func (s *MCPSource) Name() string { return "mcp:" + s.name }

func (s *MCPSource) connect(ctx context.Context) (*client.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil {
		return s.client, nil
	}

	c, err := client.NewStreamableHttpClient(s.url)
	if err != nil {
		return nil, fmt.Errorf("mcp %s: create client: %w", s.name, err)
	}
	if err := c.Start(ctx); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("mcp %s: start: %w", s.name, err)
	}

	init := mcp.InitializeRequest{}
	init.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	init.Params.ClientInfo = mcp.Implementation{Name: "copilot-runtime", Version: "1.0.0"}
	if _, err := c.Initialize(ctx, init); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("mcp %s: initialize: %w", s.name, err)
	}

	s.client = c
	return c, nil
}

// Actions implements Source. The tool list is fetched once per connection.
func (s *MCPSource) Actions(ctx context.Context) ([]Action, error) {
	c, err := s.connect(ctx)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	tools := s.tools
	s.mu.Unlock()
	if tools == nil {
		result, err := c.ListTools(ctx, mcp.ListToolsRequest{})
		if err != nil {
			return nil, fmt.Errorf("mcp %s: list tools: %w", s.name, err)
		}
		tools = result.Tools
		s.mu.Lock()
		s.tools = tools
		s.mu.Unlock()
	}

	list := make([]Action, 0, len(tools))
	for _, tool := range tools {
		if ValidateName(tool.Name) != nil {
			continue
		}
		toolName := tool.Name
		list = append(list, Action{
			Spec: models.ActionSpec{
				Name:          toolName,
				Description:   tool.Description,
				Parameters:    ParametersFromSchema(tool.InputSchema.Properties, tool.InputSchema.Required),
				ExecutionSite: models.SiteBackend,
				Source:        s.Name(),
			},
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				return s.call(ctx, toolName, args)
			},
		})
	}
	return list, nil
}

func (s *MCPSource) call(ctx context.Context, name string, args map[string]any) (any, error) {
	c, err := s.connect(ctx)
	if err != nil {
		return nil, err
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	result, err := c.CallTool(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("mcp %s: call %s: %w", s.name, name, err)
	}

	var parts []string
	for _, content := range result.Content {
		if text, ok := mcp.AsTextContent(content); ok {
			parts = append(parts, text.Text)
		}
	}
	output := strings.Join(parts, "\n")
	if result.IsError {
		return nil, fmt.Errorf("%s", output)
	}
	return output, nil
}

// Close shuts the MCP connection down.
func (s *MCPSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		return nil
	}
	err := s.client.Close()
	s.client = nil
	s.tools = nil
	return err
}

// ParametersFromSchema converts JSON Schema object properties into action
// parameters. Unknown or missing types fall back to string.
func ParametersFromSchema(properties map[string]any, required []string) []models.ActionParameter {
	requiredSet := make(map[string]bool, len(required))
	for _, name := range required {
		requiredSet[name] = true
	}

	names := make([]string, 0, len(properties))
	for name := range properties {
		names = append(names, name)
	}
	sort.Strings(names)

	params := make([]models.ActionParameter, 0, len(names))
	for _, name := range names {
		prop, _ := properties[name].(map[string]any)
		param := models.ActionParameter{
			Name:     name,
			Type:     schemaParameterType(prop),
			Required: requiredSet[name],
		}
		if desc, ok := prop["description"].(string); ok {
			param.Description = desc
		}
		param.Enum = stringList(prop["enum"])

		switch param.Type {
		case models.ParamObject:
			nested, _ := prop["properties"].(map[string]any)
			param.Attributes = ParametersFromSchema(nested, stringList(prop["required"]))
		case models.ParamObjectArray:
			items, _ := prop["items"].(map[string]any)
			nested, _ := items["properties"].(map[string]any)
			param.Attributes = ParametersFromSchema(nested, stringList(items["required"]))
		}
		params = append(params, param)
	}
	return params
}

func schemaParameterType(prop map[string]any) models.ParameterType {
	typ, _ := prop["type"].(string)
	switch typ {
	case "number", "integer":
		return models.ParamNumber
	case "boolean":
		return models.ParamBoolean
	case "object":
		return models.ParamObject
	case "array":
		items, _ := prop["items"].(map[string]any)
		switch schemaParameterType(items) {
		case models.ParamNumber:
			return models.ParamNumberArray
		case models.ParamBoolean:
			return models.ParamBooleanArray
		case models.ParamObject:
			return models.ParamObjectArray
		default:
			return models.ParamStringArray
		}
	default:
		return models.ParamString
	}
}

func stringList(v any) []string {
	switch list := v.(type) {
	case []string:
		return list
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			switch s := item.(type) {
			case string:
				out = append(out, s)
			default:
				data, err := json.Marshal(s)
				if err == nil {
					out = append(out, string(data))
				}
			}
		}
		return out
	}
	return nil
}
