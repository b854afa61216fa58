// Package mcp ingests tools from external Model Context Protocol servers so
// agents can call them next to the built-in set. Servers are spawned as stdio
// subprocesses; every tool they advertise is wrapped as a tool.Tool whose
// name is prefixed with the server name to avoid collisions.
package mcp

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/hupe1980/agenthive/logging"
	"github.com/hupe1980/agenthive/tool"
)

// ServerConfig describes one stdio MCP server to spawn.
type ServerConfig struct {
	// Name prefixes the server's tool names, e.g. "github" publishes
	// "github_create_issue".
	Name string `yaml:"name"`

	// Command is the executable to spawn.
	Command string `yaml:"command"`

	// Args are passed to the command.
	Args []string `yaml:"args"`

	// Env entries ("KEY=value") are added to the subprocess environment.
	Env []string `yaml:"env"`
}

// Client owns the connection to one MCP server and the tools ingested from it.
type Client struct {
	name   string
	conn   *client.Client
	logger logging.Logger
}

// Options configures Connect.
type Options struct {
	// Logger receives connection diagnostics. Defaults to NoOpLogger.
	Logger logging.Logger
}

// Connect spawns the server, runs the initialize handshake and returns a
// client ready to list tools. Callers own Close.
func Connect(ctx context.Context, cfg ServerConfig, optFns ...func(o *Options)) (*Client, error) {
	opts := Options{Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}

	if cfg.Name == "" {
		return nil, fmt.Errorf("mcp server needs a name")
	}
	if cfg.Command == "" {
		return nil, fmt.Errorf("mcp server %q needs a command", cfg.Name)
	}

	conn, err := client.NewStdioMCPClient(cfg.Command, cfg.Env, cfg.Args...)
	if err != nil {
		return nil, fmt.Errorf("spawn mcp server %q: %w", cfg.Name, err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{Name: "agenthive", Version: "1.0.0"}
	if _, err := conn.Initialize(ctx, initReq); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("initialize mcp server %q: %w", cfg.Name, err)
	}

	opts.Logger.Info("Connected to MCP server", "server", cfg.Name, "command", cfg.Command)

	return &Client{name: cfg.Name, conn: conn, logger: opts.Logger}, nil
}

// Close terminates the server subprocess.
func (c *Client) Close() error { return c.conn.Close() }

// Tools lists the server's tools wrapped for the registry.
func (c *Client) Tools(ctx context.Context) ([]tool.Tool, error) {
	res, err := c.conn.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("list tools on mcp server %q: %w", c.name, err)
	}

	tools := make([]tool.Tool, 0, len(res.Tools))
	for _, t := range res.Tools {
		tools = append(tools, &remoteTool{
			client:      c,
			remoteName:  t.Name,
			name:        qualifyName(c.name, t.Name),
			description: t.Description,
			parameters:  schemaToMap(t.InputSchema),
		})
	}

	c.logger.Debug("Ingested MCP tools", "server", c.name, "count", len(tools))

	return tools, nil
}

// RegisterServers connects to each configured server and registers its tools.
// Returned closers shut the server subprocesses down; callers should invoke
// them on shutdown in any order.
func RegisterServers(ctx context.Context, reg *tool.Registry, servers []ServerConfig, optFns ...func(o *Options)) ([]func() error, error) {
	var closers []func() error
	for _, cfg := range servers {
		c, err := Connect(ctx, cfg, optFns...)
		if err != nil {
			for _, closeFn := range closers {
				_ = closeFn()
			}
			return nil, err
		}
		closers = append(closers, c.Close)

		tools, err := c.Tools(ctx)
		if err != nil {
			for _, closeFn := range closers {
				_ = closeFn()
			}
			return nil, err
		}
		for _, t := range tools {
			if err := reg.Register(t); err != nil {
				for _, closeFn := range closers {
					_ = closeFn()
				}
				return nil, err
			}
		}
	}
	return closers, nil
}

var nameSanitizer = regexp.MustCompile(`[^a-zA-Z0-9_-]`)

// qualifyName builds a registry-safe tool name from server and tool names.
// Providers restrict function names to [a-zA-Z0-9_-].
func qualifyName(server, toolName string) string {
	qualified := fmt.Sprintf("%s_%s", server, toolName)
	return nameSanitizer.ReplaceAllString(qualified, "_")
}

// schemaToMap converts the wire schema into the registry's generic map form.
func schemaToMap(schema mcp.ToolInputSchema) map[string]interface{} {
	out := map[string]interface{}{
		"type":       schema.Type,
		"properties": map[string]interface{}{},
	}
	if out["type"] == "" {
		out["type"] = "object"
	}
	if schema.Properties != nil {
		out["properties"] = schema.Properties
	}
	if len(schema.Required) > 0 {
		required := make([]interface{}, len(schema.Required))
		for i, r := range schema.Required {
			required[i] = r
		}
		out["required"] = required
	}
	return out
}

// remoteTool adapts one MCP tool to the registry's Tool interface.
type remoteTool struct {
	client      *Client
	remoteName  string
	name        string
	description string
	parameters  map[string]interface{}
}

func (t *remoteTool) Name() string                       { return t.name }
func (t *remoteTool) Description() string                { return t.description }
func (t *remoteTool) Parameters() map[string]interface{} { return t.parameters }

// Call forwards the invocation to the server and flattens text content
// blocks into one result string.
func (t *remoteTool) Call(ctx context.Context, args map[string]interface{}) (string, error) {
	req := mcp.CallToolRequest{}
	req.Params.Name = t.remoteName
	req.Params.Arguments = args

	res, err := t.client.conn.CallTool(ctx, req)
	if err != nil {
		return "", fmt.Errorf("call mcp tool %q: %w", t.name, err)
	}

	var parts []string
	for _, content := range res.Content {
		if tc, ok := mcp.AsTextContent(content); ok {
			parts = append(parts, tc.Text)
		}
	}
	text := strings.Join(parts, "\n")

	if res.IsError {
		if text == "" {
			text = "tool reported an error"
		}
		return "", tool.NewToolError(t.name, text, tool.CodeExecution)
	}

	return text, nil
}
