// Package aggregator merges the capability surfaces of a set of upstream
// connections into one namespace, with per-member selection filters and
// routing maps back to the owning upstream.
package aggregator

import (
	"context"
	"net/http"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"golang.org/x/sync/errgroup"

	"github.com/meshgate/meshgate/pkg/logger"
	"github.com/meshgate/meshgate/pkg/mesh"
	"github.com/meshgate/meshgate/pkg/mesh/proxy"
	"github.com/meshgate/meshgate/pkg/mesh/token"
)

// dialLimit bounds concurrent upstream dials during collection construction.
const dialLimit = 10

// Upstream is the proxy surface the aggregators consume. *proxy.Proxy
// satisfies it; tests substitute fakes.
type Upstream interface {
	ListTools(ctx context.Context) ([]mesh.Tool, error)
	CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error)
	ReadResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error)
	ListResources(ctx context.Context) ([]mesh.Resource, error)
	ListResourceTemplates(ctx context.Context) ([]mesh.ResourceTemplate, error)
	ListPrompts(ctx context.Context) ([]mesh.Prompt, error)
	GetPrompt(ctx context.Context, name string, args map[string]string) (*mcp.GetPromptResult, error)
	CallStreamable(ctx context.Context, name string, args map[string]any) (*http.Response, error)
	Close()
}

// Dialer builds the upstream session for one connection.
type Dialer func(ctx context.Context, conn *mesh.Connection, reqctx *mesh.RequestContext, issuer token.Issuer) (Upstream, error)

// DialProxy is the production dialer.
func DialProxy(ctx context.Context, conn *mesh.Connection, reqctx *mesh.RequestContext, issuer token.Issuer) (Upstream, error) {
	return proxy.New(ctx, conn, reqctx, issuer)
}

// MemberSpec pairs a connection with its selection lists for this virtual
// MCP.
type MemberSpec struct {
	Connection *mesh.Connection
	Selection  mesh.Member
}

// Entry is one live member of a collection.
type Entry struct {
	Connection *mesh.Connection
	Upstream   Upstream
	Selection  mesh.Member

	// Call and Stream are the composed middleware pipelines for tool calls
	// on this member.
	Call   proxy.ToolHandler
	Stream proxy.StreamHandler
}

// Collection owns the upstream sessions for one client MCP session. Entries
// keep the member order they were specified in; members that failed to dial
// are logged and omitted.
type Collection struct {
	mode    mesh.SelectionMode
	entries []*Entry

	releaseOnce sync.Once
}

// NewCollection dials all members concurrently and returns the collection of
// those that succeeded. Per-member failures never fail the whole collection.
func NewCollection(
	ctx context.Context,
	mode mesh.SelectionMode,
	specs []MemberSpec,
	reqctx *mesh.RequestContext,
	issuer token.Issuer,
	dial Dialer,
) *Collection {
	if dial == nil {
		dial = DialProxy
	}

	// Results are positional so entry order matches spec order regardless of
	// completion order.
	results := make([]*Entry, len(specs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(dialLimit)
	for i, spec := range specs {
		g.Go(func() error {
			up, err := dial(gctx, spec.Connection, reqctx, issuer)
			if err != nil {
				logger.Warnf("[mesh] skipping connection %s: %v", spec.Connection.ID, err)
				return nil
			}
			results[i] = &Entry{
				Connection: spec.Connection,
				Upstream:   up,
				Selection:  spec.Selection,
			}
			return nil
		})
	}
	// Goroutines only return nil; Wait is for completion.
	_ = g.Wait()

	c := &Collection{mode: mode}
	for _, entry := range results {
		if entry == nil {
			continue
		}
		pipeline := proxy.NewPipeline(entry.Connection, reqctx, entry.Upstream.CallTool, entry.Upstream.CallStreamable)
		entry.Call = pipeline.Call
		entry.Stream = pipeline.Stream
		c.entries = append(c.entries, entry)
	}
	return c
}

// Mode returns the selection mode the collection was built under.
func (c *Collection) Mode() mesh.SelectionMode {
	return c.mode
}

// Entries returns the live members in specification order.
func (c *Collection) Entries() []*Entry {
	return c.entries
}

// Entry returns the member for a connection ID, or nil.
func (c *Collection) Entry(connectionID string) *Entry {
	for _, e := range c.entries {
		if e.Connection.ID == connectionID {
			return e
		}
	}
	return nil
}

// Release closes every member exactly once, tolerating individual close
// errors. Safe to call multiple times.
func (c *Collection) Release() {
	c.releaseOnce.Do(func() {
		for _, e := range c.entries {
			e.Upstream.Close()
		}
	})
}

// selectNames applies the selection filter for one facet: in inclusion mode a
// non-empty list keeps only the named items, in exclusion mode it drops them,
// and an empty list passes everything.
func selectNames(mode mesh.SelectionMode, selected []string, name string) bool {
	if len(selected) == 0 {
		return true
	}
	listed := false
	for _, s := range selected {
		if s == name {
			listed = true
			break
		}
	}
	if mode == mesh.SelectionExclusion {
		return !listed
	}
	return listed
}
