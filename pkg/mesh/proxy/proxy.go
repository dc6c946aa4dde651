// Package proxy implements the live session to one upstream MCP server,
// including credential binding, the middleware pipeline around tool calls,
// and the streaming escape hatch.
package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/meshgate/meshgate/pkg/logger"
	"github.com/meshgate/meshgate/pkg/mesh"
	"github.com/meshgate/meshgate/pkg/mesh/token"
)

// requestTimeout bounds individual MCP requests to an upstream. Streaming
// calls are exempt; their lifetime is the client's read.
const requestTimeout = 30 * time.Second

// sessionClient is the subset of the MCP SDK client the proxy uses.
// *client.Client satisfies it; tests substitute fakes.
type sessionClient interface {
	Initialize(ctx context.Context, request mcp.InitializeRequest) (*mcp.InitializeResult, error)
	ListTools(ctx context.Context, request mcp.ListToolsRequest) (*mcp.ListToolsResult, error)
	CallTool(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error)
	ReadResource(ctx context.Context, request mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error)
	ListResources(ctx context.Context, request mcp.ListResourcesRequest) (*mcp.ListResourcesResult, error)
	ListResourceTemplates(ctx context.Context, request mcp.ListResourceTemplatesRequest) (*mcp.ListResourceTemplatesResult, error)
	ListPrompts(ctx context.Context, request mcp.ListPromptsRequest) (*mcp.ListPromptsResult, error)
	GetPrompt(ctx context.Context, request mcp.GetPromptRequest) (*mcp.GetPromptResult, error)
	Close() error
}

// capabilitySet records which optional surfaces the upstream advertised
// during the initialize handshake. Unadvertised surfaces are answered with
// empty listings without a network call.
type capabilitySet struct {
	tools     bool
	resources bool
	prompts   bool
}

// Proxy is an authenticated session to one upstream MCP server. It owns its
// transport; Close releases it and is idempotent.
type Proxy struct {
	conn   *mesh.Connection
	binder *CredentialBinder
	client sessionClient
	caps   capabilitySet

	// streamClient carries the same header-injecting transport but no
	// request timeout, for long-lived streaming responses.
	streamClient *http.Client

	closeOnce sync.Once
}

// New dials the connection's upstream, runs the MCP initialize handshake, and
// returns a ready proxy.
func New(ctx context.Context, conn *mesh.Connection, reqctx *mesh.RequestContext, issuer token.Issuer) (*Proxy, error) {
	binder := NewCredentialBinder(conn, reqctx, issuer)
	rt := &headerRoundTripper{base: http.DefaultTransport, binder: binder}

	c, err := client.NewStreamableHttpClient(
		conn.URL,
		transport.WithHTTPTimeout(requestTimeout),
		transport.WithHTTPBasicClient(&http.Client{Transport: rt, Timeout: requestTimeout}),
	)
	if err != nil {
		return nil, fmt.Errorf("creating client for connection %s: %w", conn.ID, err)
	}
	if err := c.Start(ctx); err != nil {
		return nil, wrapUpstreamError(err, conn.ID, "start session")
	}

	p := &Proxy{
		conn:         conn,
		binder:       binder,
		client:       c,
		streamClient: newStreamClient(rt),
	}

	result, err := c.Initialize(ctx, mcp.InitializeRequest{
		Params: mcp.InitializeParams{
			ProtocolVersion: mcp.LATEST_PROTOCOL_VERSION,
			ClientInfo: mcp.Implementation{
				Name:    "meshgate",
				Version: "0.1.0",
			},
		},
	})
	if err != nil {
		p.Close()
		return nil, wrapUpstreamError(err, conn.ID, "initialize session")
	}
	p.caps = capabilitySet{
		tools:     result.Capabilities.Tools != nil,
		resources: result.Capabilities.Resources != nil,
		prompts:   result.Capabilities.Prompts != nil,
	}
	return p, nil
}

// newStreamClient builds the client for streaming tool calls. Redirects are
// not followed: a 3xx is relayed to the caller as-is, so the injected
// credentials never chase a redirect target.
func newStreamClient(rt http.RoundTripper) *http.Client {
	return &http.Client{
		Transport: rt,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// Connection returns the connection record this proxy serves.
func (p *Proxy) Connection() *mesh.Connection {
	return p.conn
}

// ListTools returns the upstream's tools. A connection carrying a cached tool
// index is served from it without network I/O.
func (p *Proxy) ListTools(ctx context.Context) ([]mesh.Tool, error) {
	if len(p.conn.ToolIndex) > 0 {
		return p.conn.ToolIndex, nil
	}
	if !p.caps.tools {
		return nil, nil
	}
	result, err := p.client.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, wrapUpstreamError(err, p.conn.ID, "list tools")
	}
	tools := make([]mesh.Tool, len(result.Tools))
	for i, t := range result.Tools {
		tools[i] = mesh.Tool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: toolSchema(t),
		}
	}
	return tools, nil
}

// CallTool forwards a tools/call to the upstream. Semantic tool failures come
// back as results with IsError set; only protocol-level failures return an
// error.
func (p *Proxy) CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	result, err := p.client.CallTool(ctx, mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	})
	if err != nil {
		return nil, wrapUpstreamError(err, p.conn.ID, "call tool")
	}
	return result, nil
}

// ReadResource forwards a resources/read to the upstream.
func (p *Proxy) ReadResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error) {
	result, err := p.client.ReadResource(ctx, mcp.ReadResourceRequest{
		Params: mcp.ReadResourceParams{URI: uri},
	})
	if err != nil {
		return nil, wrapUpstreamError(err, p.conn.ID, "read resource")
	}
	return result, nil
}

// ListResources returns the upstream's resources, or nothing without a
// network call when the upstream does not advertise the capability.
func (p *Proxy) ListResources(ctx context.Context) ([]mesh.Resource, error) {
	if !p.caps.resources {
		return nil, nil
	}
	result, err := p.client.ListResources(ctx, mcp.ListResourcesRequest{})
	if err != nil {
		return nil, wrapUpstreamError(err, p.conn.ID, "list resources")
	}
	resources := make([]mesh.Resource, len(result.Resources))
	for i, r := range result.Resources {
		resources[i] = mesh.Resource{
			URI:         r.URI,
			Name:        r.Name,
			Description: r.Description,
			MimeType:    r.MIMEType,
		}
	}
	return resources, nil
}

// ListResourceTemplates returns the upstream's resource templates, gated on
// the resources capability like ListResources.
func (p *Proxy) ListResourceTemplates(ctx context.Context) ([]mesh.ResourceTemplate, error) {
	if !p.caps.resources {
		return nil, nil
	}
	result, err := p.client.ListResourceTemplates(ctx, mcp.ListResourceTemplatesRequest{})
	if err != nil {
		return nil, wrapUpstreamError(err, p.conn.ID, "list resource templates")
	}
	templates := make([]mesh.ResourceTemplate, len(result.ResourceTemplates))
	for i, rt := range result.ResourceTemplates {
		var uriTemplate string
		if rt.URITemplate != nil {
			uriTemplate = rt.URITemplate.Raw()
		}
		templates[i] = mesh.ResourceTemplate{
			URITemplate: uriTemplate,
			Name:        rt.Name,
			Description: rt.Description,
			MimeType:    rt.MIMEType,
		}
	}
	return templates, nil
}

// ListPrompts returns the upstream's prompts, gated on the prompts
// capability.
func (p *Proxy) ListPrompts(ctx context.Context) ([]mesh.Prompt, error) {
	if !p.caps.prompts {
		return nil, nil
	}
	result, err := p.client.ListPrompts(ctx, mcp.ListPromptsRequest{})
	if err != nil {
		return nil, wrapUpstreamError(err, p.conn.ID, "list prompts")
	}
	prompts := make([]mesh.Prompt, len(result.Prompts))
	for i, pr := range result.Prompts {
		args := make([]mesh.PromptArgument, len(pr.Arguments))
		for j, a := range pr.Arguments {
			args[j] = mesh.PromptArgument{
				Name:        a.Name,
				Description: a.Description,
				Required:    a.Required,
			}
		}
		prompts[i] = mesh.Prompt{
			Name:        pr.Name,
			Description: pr.Description,
			Arguments:   args,
		}
	}
	return prompts, nil
}

// GetPrompt forwards a prompts/get to the upstream.
func (p *Proxy) GetPrompt(ctx context.Context, name string, args map[string]string) (*mcp.GetPromptResult, error) {
	result, err := p.client.GetPrompt(ctx, mcp.GetPromptRequest{
		Params: mcp.GetPromptParams{
			Name:      name,
			Arguments: args,
		},
	})
	if err != nil {
		return nil, wrapUpstreamError(err, p.conn.ID, "get prompt")
	}
	return result, nil
}

// CallStreamable bypasses the MCP session and POSTs the arguments to the
// upstream's streaming tool endpoint, returning the response unchanged. The
// caller owns the body.
func (p *Proxy) CallStreamable(ctx context.Context, name string, args map[string]any) (*http.Response, error) {
	body, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("encoding streaming arguments: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.conn.URL+"/call-tool/"+name, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building streaming request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.streamClient.Do(req)
	if err != nil {
		return nil, wrapUpstreamError(err, p.conn.ID, "call streamable tool")
	}
	return resp, nil
}

// Close releases the session transport. Safe to call multiple times; close
// errors are logged and swallowed.
func (p *Proxy) Close() {
	p.closeOnce.Do(func() {
		if err := p.client.Close(); err != nil {
			logger.Debugf("[proxy] closing session for connection %s: %v", p.conn.ID, err)
		}
		p.streamClient.CloseIdleConnections()
	})
}

// toolSchema flattens an SDK tool's input schema into a plain map. Tools
// carrying a raw schema keep it verbatim; structured schemas are rebuilt
// field by field.
func toolSchema(t mcp.Tool) map[string]any {
	if len(t.RawInputSchema) > 0 {
		var schema map[string]any
		if err := json.Unmarshal(t.RawInputSchema, &schema); err == nil {
			return schema
		}
	}
	schema := map[string]any{"type": t.InputSchema.Type}
	if t.InputSchema.Properties != nil {
		schema["properties"] = t.InputSchema.Properties
	}
	if len(t.InputSchema.Required) > 0 {
		schema["required"] = t.InputSchema.Required
	}
	return schema
}
