// mcpserve exposes a running gateway to MCP clients over stdio: an LLM host
// can send mesh calls, poll correlations and inspect capability health as
// ordinary tools.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/your-org/meshgate/internal/app"
	"github.com/your-org/meshgate/internal/version"
	"github.com/your-org/meshgate/pkg/envelope"
)

func main() {
	manifestPath := "configs/gateway.example.yaml"
	if len(os.Args) > 1 {
		manifestPath = os.Args[1]
	}
	if v := os.Getenv("MANIFEST_PATH"); v != "" {
		manifestPath = v
	}

	g, err := app.BuildFromManifest(manifestPath, app.Options{})
	if err != nil {
		fmt.Fprintf(os.Stderr, "mcpserve build failed: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = g.Close(context.Background()) }()

	// The envelope listener must run so callbacks can land while an MCP
	// client waits on mesh_send.
	serveCtx, stop := context.WithCancel(context.Background())
	defer stop()
	go func() { _ = g.Serve(serveCtx) }()

	s := mcpserver.NewMCPServer(
		"meshgate",
		version.Version,
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithRecovery(),
	)
	registerTools(s, g)

	if err := mcpserver.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "mcpserve failed: %v\n", err)
		os.Exit(1)
	}
}

func registerTools(s *mcpserver.MCPServer, g *app.Gateway) {
	s.AddTool(
		mcplib.NewTool("mesh_send",
			mcplib.WithDescription("Send a signed call to another agent and wait for its correlated result. Returns the combined result payload, including the partial flag when the deadline passed before every source answered."),
			mcplib.WithString("target",
				mcplib.Description("Agent id of the receiving gateway"),
				mcplib.Required(),
			),
			mcplib.WithString("tool",
				mcplib.Description("Tool name registered on the target"),
				mcplib.Required(),
			),
			mcplib.WithString("args",
				mcplib.Description("Tool arguments as a JSON object"),
			),
			mcplib.WithNumber("timeout_seconds",
				mcplib.Description("End-to-end deadline for the call"),
				mcplib.DefaultNumber(30),
			),
		),
		meshSendHandler(g),
	)

	s.AddTool(
		mcplib.NewTool("mesh_resolve",
			mcplib.WithDescription("Look up the correlation result for a trace id. Fails while contributions are still outstanding."),
			mcplib.WithString("trace_id",
				mcplib.Description("Trace id returned by an earlier send"),
				mcplib.Required(),
			),
		),
		meshResolveHandler(g),
	)

	s.AddTool(
		mcplib.NewTool("mesh_health",
			mcplib.WithDescription("Report circuit breaker state per capability and the gateway's envelope counters."),
		),
		meshHealthHandler(g),
	)
}

func meshSendHandler(g *app.Gateway) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
		target := request.GetString("target", "")
		tool := request.GetString("tool", "")
		if target == "" || tool == "" {
			return toolError("target and tool are required"), nil
		}

		args := envelope.Payload{}
		if raw := request.GetString("args", ""); raw != "" {
			if err := json.Unmarshal([]byte(raw), &args); err != nil {
				return toolError(fmt.Sprintf("args is not a JSON object: %v", err)), nil
			}
		}

		timeout := time.Duration(request.GetFloat("timeout_seconds", 30)) * time.Second
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		res, err := g.Mesh.Call(callCtx, target, tool, args)
		if err != nil {
			return toolError(err.Error()), nil
		}
		return toolJSON(res)
	}
}

func meshResolveHandler(g *app.Gateway) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
		traceID := request.GetString("trace_id", "")
		if traceID == "" {
			return toolError("trace_id is required"), nil
		}
		res, err := g.Correlator.Resolve(ctx, traceID)
		if err != nil {
			return toolError(err.Error()), nil
		}
		return toolJSON(res)
	}
}

func meshHealthHandler(g *app.Gateway) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
		return toolJSON(map[string]any{
			"capabilities": g.Facade.Health(),
			"metrics":      g.MetricsSnapshot(),
		})
	}
}

func toolJSON(v any) (*mcplib.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return toolError(err.Error()), nil
	}
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(b)},
		},
	}, nil
}

func toolError(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		IsError: true,
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
	}
}
