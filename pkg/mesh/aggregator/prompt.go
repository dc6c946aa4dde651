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

// PromptAggregator merges prompts across the collection, first occurrence
// wins on name collisions, symmetric with tools.
type PromptAggregator struct {
	col *Collection

	once    sync.Once
	loadErr error
	prompts []mesh.AggregatedPrompt
	routes  mesh.PromptRouteMap
}

// NewPromptAggregator builds a prompt aggregator over the collection.
func NewPromptAggregator(col *Collection) *PromptAggregator {
	return &PromptAggregator{col: col}
}

// ListPrompts returns the merged prompt list.
func (a *PromptAggregator) ListPrompts(ctx context.Context) ([]mesh.AggregatedPrompt, error) {
	if err := a.ensure(ctx); err != nil {
		return nil, err
	}
	return a.prompts, nil
}

// GetPrompt routes a prompts/get by name to the owning upstream.
func (a *PromptAggregator) GetPrompt(ctx context.Context, name string, args map[string]string) (*mcp.GetPromptResult, error) {
	if err := a.ensure(ctx); err != nil {
		return nil, err
	}
	connID, ok := a.routes[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", mesh.ErrPromptNotFound, name)
	}
	entry := a.col.Entry(connID)
	if entry == nil {
		return nil, fmt.Errorf("%w: connection %s for prompt %s", mesh.ErrConnectionNotFound, connID, name)
	}
	return entry.Upstream.GetPrompt(ctx, name, args)
}

func (a *PromptAggregator) ensure(ctx context.Context) error {
	a.once.Do(func() {
		a.loadErr = a.load(ctx)
	})
	return a.loadErr
}

func (a *PromptAggregator) load(ctx context.Context) error {
	entries := a.col.Entries()
	listings := make([][]mesh.Prompt, len(entries))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(dialLimit)
	for i, entry := range entries {
		g.Go(func() error {
			prompts, err := entry.Upstream.ListPrompts(gctx)
			if err != nil {
				logger.Warnf("[mesh] listing prompts on connection %s: %v", entry.Connection.ID, err)
				return nil
			}
			listings[i] = prompts
			return nil
		})
	}
	_ = g.Wait()

	mode := a.col.Mode()
	a.routes = make(mesh.PromptRouteMap)

	for i, entry := range entries {
		for _, p := range listings[i] {
			if !selectNames(mode, entry.Selection.SelectedPrompts, p.Name) {
				continue
			}
			if _, ok := a.routes[p.Name]; ok {
				continue
			}
			a.routes[p.Name] = entry.Connection.ID
			a.prompts = append(a.prompts, mesh.AggregatedPrompt{
				Prompt:       p,
				ConnectionID: entry.Connection.ID,
			})
		}
	}
	return nil
}
