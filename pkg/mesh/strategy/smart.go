package strategy

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/meshgate/meshgate/pkg/mesh"
)

// Meta-tool names exposed by the smart strategy.
const (
	ListToolsName    = "MESH_LIST_TOOLS"
	DescribeToolName = "MESH_DESCRIBE_TOOL"
	CallToolName     = "MESH_CALL_TOOL"
)

// Smart hides the upstream tools behind three meta-tools: one to discover
// tools by category, one to fetch a tool's full schema, and one to dispatch a
// call by name. The underlying tools stay callable through MESH_CALL_TOOL
// only.
func Smart(sctx *Context) *Result {
	categories := sctx.Categories
	if categories == nil {
		categories = Categories(sctx.Tools)
	}

	byName := make(map[string]mesh.AggregatedTool, len(sctx.Tools))
	for _, t := range sctx.Tools {
		byName[t.Name] = t
	}

	return &Result{
		Tools: []mesh.Tool{
			listToolsDef(categories),
			describeToolDef(),
			callToolDef(),
		},
		MetaTools: map[string]CallFunc{
			ListToolsName:    listToolsHandler(sctx.Tools),
			DescribeToolName: describeToolHandler(byName),
			CallToolName:     callToolHandler(byName, sctx.Call),
		},
	}
}

func listToolsDef(categories []string) mesh.Tool {
	description := "List the tools available in this mesh. Optionally filter by category."
	if len(categories) > 0 {
		description += " Categories: " + strings.Join(categories, ", ") + "."
	}
	return mesh.Tool{
		Name:        ListToolsName,
		Description: description,
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"category": map[string]any{
					"type":        "string",
					"description": "Only list tools from this category (connection title).",
				},
			},
		},
	}
}

func describeToolDef() mesh.Tool {
	return mesh.Tool{
		Name:        DescribeToolName,
		Description: "Get the full description and input schema of one tool by name. Call this before MESH_CALL_TOOL.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"name": map[string]any{
					"type":        "string",
					"description": "The tool name as returned by MESH_LIST_TOOLS.",
				},
			},
			"required": []string{"name"},
		},
	}
}

func callToolDef() mesh.Tool {
	return mesh.Tool{
		Name:        CallToolName,
		Description: "Invoke a tool by name with the given arguments.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"name": map[string]any{
					"type":        "string",
					"description": "The tool name as returned by MESH_LIST_TOOLS.",
				},
				"arguments": map[string]any{
					"type":        "object",
					"description": "Arguments matching the tool's input schema.",
				},
			},
			"required": []string{"name"},
		},
	}
}

func listToolsHandler(tools []mesh.AggregatedTool) CallFunc {
	return func(_ context.Context, _ string, args map[string]any) (*mcp.CallToolResult, error) {
		category, _ := args["category"].(string)

		type entry struct {
			Name        string `json:"name"`
			Description string `json:"description,omitempty"`
			Category    string `json:"category,omitempty"`
		}
		var out []entry
		for _, t := range tools {
			if category != "" && t.ConnectionTitle != category {
				continue
			}
			out = append(out, entry{Name: t.Name, Description: t.Description, Category: t.ConnectionTitle})
		}

		payload, err := json.Marshal(out)
		if err != nil {
			return nil, fmt.Errorf("encoding tool list: %w", err)
		}
		return mcp.NewToolResultText(string(payload)), nil
	}
}

func describeToolHandler(byName map[string]mesh.AggregatedTool) CallFunc {
	return func(_ context.Context, _ string, args map[string]any) (*mcp.CallToolResult, error) {
		name, _ := args["name"].(string)
		if name == "" {
			return mcp.NewToolResultError("name is required"), nil
		}
		t, ok := byName[name]
		if !ok {
			return mcp.NewToolResultError(fmt.Sprintf("Tool not found: %s", name)), nil
		}

		payload, err := json.Marshal(map[string]any{
			"name":        t.Name,
			"description": t.Description,
			"inputSchema": t.InputSchema,
			"category":    t.ConnectionTitle,
		})
		if err != nil {
			return nil, fmt.Errorf("encoding tool description: %w", err)
		}
		return mcp.NewToolResultText(string(payload)), nil
	}
}

func callToolHandler(byName map[string]mesh.AggregatedTool, call CallFunc) CallFunc {
	return func(ctx context.Context, _ string, args map[string]any) (*mcp.CallToolResult, error) {
		name, _ := args["name"].(string)
		if name == "" {
			return mcp.NewToolResultError("name is required"), nil
		}
		if _, ok := byName[name]; !ok {
			return mcp.NewToolResultError(fmt.Sprintf("Tool not found: %s", name)), nil
		}
		toolArgs, _ := args["arguments"].(map[string]any)
		return call(ctx, name, toolArgs)
	}
}
