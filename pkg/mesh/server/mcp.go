package server

import (
	"context"
	"encoding/json"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/meshgate/meshgate/pkg/mesh"
	"github.com/meshgate/meshgate/pkg/mesh/virtual"
)

// defaultToolSchema is used when an upstream tool carries no input schema.
var defaultToolSchema = json.RawMessage(`{"type":"object"}`)

// newMCPServer builds a per-request MCP server with the virtual MCP's
// aggregated capabilities registered as forwarding handlers.
func (s *Server) newMCPServer(ctx context.Context, vm *virtual.VirtualMCP) (*server.MCPServer, error) {
	opts := []server.ServerOption{
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(true, false),
		server.WithPromptCapabilities(true),
		server.WithRecovery(),
	}
	if instructions := vm.Instructions(); instructions != "" {
		opts = append(opts, server.WithInstructions(instructions))
	}
	mcpServer := server.NewMCPServer(s.cfg.Name, s.cfg.Version, opts...)

	if err := registerTools(ctx, mcpServer, vm); err != nil {
		return nil, err
	}
	if err := registerResources(ctx, mcpServer, vm); err != nil {
		return nil, err
	}
	if err := registerPrompts(ctx, mcpServer, vm); err != nil {
		return nil, err
	}
	return mcpServer, nil
}

func registerTools(ctx context.Context, mcpServer *server.MCPServer, vm *virtual.VirtualMCP) error {
	tools, err := vm.ListTools(ctx)
	if err != nil {
		return err
	}
	handler := func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return vm.CallTool(ctx, req.Params.Name, req.GetArguments())
	}
	for _, tool := range tools {
		mcpServer.AddTool(sdkTool(tool), handler)
	}
	return nil
}

func registerResources(ctx context.Context, mcpServer *server.MCPServer, vm *virtual.VirtualMCP) error {
	readHandler := func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		result, err := vm.ReadResource(ctx, req.Params.URI)
		if err != nil {
			return nil, err
		}
		return result.Contents, nil
	}

	resources, err := vm.ListResources(ctx)
	if err != nil {
		return err
	}
	for _, res := range resources {
		mcpServer.AddResource(mcp.NewResource(
			res.URI,
			res.Name,
			mcp.WithResourceDescription(res.Description),
			mcp.WithMIMEType(res.MimeType),
		), readHandler)
	}

	templates, err := vm.ListResourceTemplates(ctx)
	if err != nil {
		return err
	}
	for _, tmpl := range templates {
		mcpServer.AddResourceTemplate(mcp.NewResourceTemplate(
			tmpl.URITemplate,
			tmpl.Name,
			mcp.WithTemplateDescription(tmpl.Description),
			mcp.WithTemplateMIMEType(tmpl.MimeType),
		), readHandler)
	}
	return nil
}

func registerPrompts(ctx context.Context, mcpServer *server.MCPServer, vm *virtual.VirtualMCP) error {
	prompts, err := vm.ListPrompts(ctx)
	if err != nil {
		return err
	}
	handler := func(ctx context.Context, req mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
		return vm.GetPrompt(ctx, req.Params.Name, req.Params.Arguments)
	}
	for _, p := range prompts {
		mcpServer.AddPrompt(sdkPrompt(p.Prompt), handler)
	}
	return nil
}

// sdkTool converts a domain tool into the SDK representation, passing the
// input schema through as raw JSON.
func sdkTool(t mesh.Tool) mcp.Tool {
	tool := mcp.Tool{
		Name:           t.Name,
		Description:    t.Description,
		RawInputSchema: defaultToolSchema,
	}
	if t.InputSchema != nil {
		if raw, err := json.Marshal(t.InputSchema); err == nil {
			tool.RawInputSchema = raw
		}
	}
	return tool
}

func sdkPrompt(p mesh.Prompt) mcp.Prompt {
	prompt := mcp.Prompt{
		Name:        p.Name,
		Description: p.Description,
	}
	for _, arg := range p.Arguments {
		prompt.Arguments = append(prompt.Arguments, mcp.PromptArgument{
			Name:        arg.Name,
			Description: arg.Description,
			Required:    arg.Required,
		})
	}
	return prompt
}
