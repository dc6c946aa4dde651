package aggregator

import (
	"context"
	"fmt"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"golang.org/x/sync/errgroup"

	"github.com/meshgate/meshgate/pkg/logger"
	"github.com/meshgate/meshgate/pkg/mesh"
)

// ResourceAggregator merges resources across the collection and routes reads
// by URI. URIs are expected to be globally unique across upstreams; a
// collision is a tenant misconfiguration and resolves last-write-wins with a
// warning.
type ResourceAggregator struct {
	col *Collection

	once           sync.Once
	loadErr        error
	resources      []mesh.AggregatedResource
	templates      []mesh.AggregatedResourceTemplate
	routes         mesh.ResourceRouteMap
	templateRoutes mesh.TemplateRouteMap
}

// NewResourceAggregator builds a resource aggregator over the collection.
func NewResourceAggregator(col *Collection) *ResourceAggregator {
	return &ResourceAggregator{col: col}
}

// ListResources returns the merged resource list.
func (a *ResourceAggregator) ListResources(ctx context.Context) ([]mesh.AggregatedResource, error) {
	if err := a.ensure(ctx); err != nil {
		return nil, err
	}
	return a.resources, nil
}

// ListResourceTemplates returns the concatenated template list.
func (a *ResourceAggregator) ListResourceTemplates(ctx context.Context) ([]mesh.AggregatedResourceTemplate, error) {
	if err := a.ensure(ctx); err != nil {
		return nil, err
	}
	return a.templates, nil
}

// ReadResource routes a resources/read by URI to the owning upstream.
func (a *ResourceAggregator) ReadResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error) {
	if err := a.ensure(ctx); err != nil {
		return nil, err
	}
	connID, ok := a.routes[uri]
	if !ok {
		return nil, fmt.Errorf("%w: %s", mesh.ErrResourceNotFound, uri)
	}
	entry := a.col.Entry(connID)
	if entry == nil {
		return nil, fmt.Errorf("%w: connection %s for resource %s", mesh.ErrConnectionNotFound, connID, uri)
	}
	return entry.Upstream.ReadResource(ctx, uri)
}

func (a *ResourceAggregator) ensure(ctx context.Context) error {
	a.once.Do(func() {
		a.loadErr = a.load(ctx)
	})
	return a.loadErr
}

func (a *ResourceAggregator) load(ctx context.Context) error {
	entries := a.col.Entries()
	resourceListings := make([][]mesh.Resource, len(entries))
	templateListings := make([][]mesh.ResourceTemplate, len(entries))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(dialLimit)
	for i, entry := range entries {
		g.Go(func() error {
			resources, err := entry.Upstream.ListResources(gctx)
			if err != nil {
				logger.Warnf("[mesh] listing resources on connection %s: %v", entry.Connection.ID, err)
				return nil
			}
			resourceListings[i] = resources
			return nil
		})
		g.Go(func() error {
			templates, err := entry.Upstream.ListResourceTemplates(gctx)
			if err != nil {
				logger.Warnf("[mesh] listing resource templates on connection %s: %v", entry.Connection.ID, err)
				return nil
			}
			templateListings[i] = templates
			return nil
		})
	}
	_ = g.Wait()

	mode := a.col.Mode()
	a.routes = make(mesh.ResourceRouteMap)
	a.templateRoutes = make(mesh.TemplateRouteMap)

	for i, entry := range entries {
		for _, r := range resourceListings[i] {
			if !selectNames(mode, entry.Selection.SelectedResources, r.URI) {
				continue
			}
			if prev, ok := a.routes[r.URI]; ok {
				logger.Warnf("[mesh] resource URI %s provided by connections %s and %s; using %s",
					r.URI, prev, entry.Connection.ID, entry.Connection.ID)
				for j, existing := range a.resources {
					if existing.URI == r.URI {
						a.resources = append(a.resources[:j], a.resources[j+1:]...)
						break
					}
				}
			}
			a.routes[r.URI] = entry.Connection.ID
			a.resources = append(a.resources, mesh.AggregatedResource{
				Resource:     r,
				ConnectionID: entry.Connection.ID,
			})
		}
		for _, t := range templateListings[i] {
			a.templateRoutes[t.URITemplate] = entry.Connection.ID
			a.templates = append(a.templates, mesh.AggregatedResourceTemplate{
				ResourceTemplate: t,
				ConnectionID:     entry.Connection.ID,
			})
		}
	}
	return nil
}
