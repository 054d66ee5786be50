// Package metatools exposes the tool-gating meta-toolset — discover,
// provision, execute, register — as an MCP server over stdio (spec §2's
// "one MCP client" side), grounded on the teacher's cmd/thv/app/mcp_serve.go
// handler-per-tool shape.
package metatools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/toolgating/toolgating/pkg/gating"
	"github.com/toolgating/toolgating/pkg/gating/authz"
	"github.com/toolgating/toolgating/pkg/gating/discovery"
	"github.com/toolgating/toolgating/pkg/gating/session"
)

// mcpClientPrincipal identifies every call arriving over this stdio server:
// there is exactly one MCP client per toolgate process, so a single fixed
// principal is sufficient for authz.Gate decisions.
const mcpClientPrincipal = "mcp-client"

// Discoverer is the subset of *discovery.Engine required to serve discover.
type Discoverer interface {
	Discover(ctx context.Context, queryText string, tags []string, limit int) (discovery.Result, error)
}

// ToolRegistry is the subset of *registry.Registry required to serve
// register/provision resolution.
type ToolRegistry interface {
	Insert(ctx context.Context, tool gating.ToolDescriptor) error
	Get(id string) (*gating.ToolDescriptor, error)
}

// Executor is the subset of *proxy.Proxy required to serve execute.
type Executor interface {
	Execute(ctx context.Context, id string, args map[string]any) (*session.CallToolResult, error)
}

// Handler implements the four meta-tool handlers.
type Handler struct {
	engine   Discoverer
	registry ToolRegistry
	proxy    Executor
	gate     *authz.Gate
}

// NewServer builds an MCP server exposing discover/provision/execute/register
// as native tools, ready to be served with server.ServeStdio. gate is
// optional (nil disables authz); discover and execute are already gated
// inside engine/proxy themselves (discovery.WithGate, proxy.WithAuthzGate),
// so h.gate is only consulted directly for provision.
func NewServer(version string, engine Discoverer, reg ToolRegistry, proxy Executor, gate *authz.Gate) *server.MCPServer {
	h := &Handler{engine: engine, registry: reg, proxy: proxy, gate: gate}

	s := server.NewMCPServer(
		"toolgate",
		version,
		server.WithToolCapabilities(true),
		server.WithRecovery(),
	)

	s.AddTool(mcp.NewTool("discover",
		mcp.WithDescription("Rank indexed backend tools against a natural-language query and optional tags."),
		mcp.WithString("query", mcp.Description("Natural-language description of the desired capability")),
		mcp.WithArray("tags", mcp.Description("Tags to boost matching tools")),
		mcp.WithNumber("limit", mcp.Description("Maximum number of ranked tools to return")),
	), h.discover)

	s.AddTool(mcp.NewTool("provision",
		mcp.WithDescription("Resolve tool ids to full descriptors and trim them to fit a token/count budget."),
		mcp.WithArray("tool_ids", mcp.Required(), mcp.Description("Tool ids to provision, highest priority first")),
		mcp.WithNumber("max_tools", mcp.Description("Maximum number of tools to include")),
		mcp.WithNumber("max_tokens", mcp.Description("Maximum total estimated tokens to include")),
	), h.provision)

	s.AddTool(mcp.NewTool("execute",
		mcp.WithDescription("Invoke a provisioned tool by id against its owning backend."),
		mcp.WithString("tool_id", mcp.Required(), mcp.Description("Flat tool id, \"<backend>_<native_name>\"")),
		mcp.WithObject("arguments", mcp.Description("Arguments forwarded to the backend tool")),
	), h.execute)

	s.AddTool(mcp.NewTool("register",
		mcp.WithDescription("Register a tool descriptor directly into the registry."),
		mcp.WithString("id", mcp.Required()),
		mcp.WithString("name", mcp.Required()),
		mcp.WithString("description"),
		mcp.WithArray("tags"),
	), h.register)

	return s
}

func (h *Handler) discover(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args struct {
		Query string   `json:"query"`
		Tags  []string `json:"tags"`
		Limit int      `json:"limit"`
	}
	if err := request.BindArguments(&args); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
	}

	ctx = authz.WithPrincipal(ctx, mcpClientPrincipal)
	result, err := h.engine.Discover(ctx, args.Query, args.Tags, args.Limit)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultStructuredOnly(result), nil
}

func (h *Handler) provision(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args struct {
		ToolIDs   []string `json:"tool_ids"`
		MaxTools  int      `json:"max_tools"`
		MaxTokens int      `json:"max_tokens"`
	}
	if err := request.BindArguments(&args); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
	}

	ctx = authz.WithPrincipal(ctx, mcpClientPrincipal)
	result, err := discovery.ResolveAndProvision(ctx, h.gate, h.registry, args.ToolIDs, args.MaxTools, args.MaxTokens)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultStructuredOnly(result), nil
}

func (h *Handler) execute(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args struct {
		ToolID    string         `json:"tool_id"`
		Arguments map[string]any `json:"arguments"`
	}
	if err := request.BindArguments(&args); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
	}

	ctx = authz.WithPrincipal(ctx, mcpClientPrincipal)
	result, err := h.proxy.Execute(ctx, args.ToolID, args.Arguments)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultStructuredOnly(result), nil
}

func (h *Handler) register(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var tool gating.ToolDescriptor
	if err := request.BindArguments(&tool); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
	}

	if err := h.registry.Insert(ctx, tool); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	raw, _ := json.Marshal(map[string]string{"id": tool.ID})
	return mcp.NewToolResultText(string(raw)), nil
}
