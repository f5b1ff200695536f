package toolagent

import (
	"regexp"
	"strconv"
	"strings"

	"llamarun/internal/toolagent/mcp"
)

var aliasUnsafe = regexp.MustCompile(`[^a-z0-9_]+`)

// slug lowercases s and replaces every run of non [a-z0-9_] characters
// with a single underscore, trimming leading/trailing underscores.
func slug(s string) string {
	lowered := strings.ToLower(s)
	replaced := aliasUnsafe.ReplaceAllString(lowered, "_")
	return strings.Trim(replaced, "_")
}

// ToolRoute resolves an alias back to the server and tool name it was
// discovered from.
type ToolRoute struct {
	ServerName string
	ToolName   string
	Schema     mcp.ToolSchema
}

// AliasTool is the OpenAI-style function tool definition exposed to the
// model for one discovered MCP tool.
type AliasTool struct {
	Alias       string
	Description string
	Parameters  map[string]any
}

// BuildAliasTable assigns every discovered tool a collision-free alias
// of the form mcp_<server-slug>_<tool-slug> and returns both the
// model-facing tool definitions and the alias -> route map the agent
// loop dispatches calls through.
func BuildAliasTable(discovered []mcp.DiscoveredTool) ([]AliasTool, map[string]ToolRoute) {
	routes := make(map[string]ToolRoute, len(discovered))
	defs := make([]AliasTool, 0, len(discovered))
	seen := make(map[string]int)

	for _, d := range discovered {
		base := "mcp_" + slug(d.ServerName) + "_" + slug(d.Schema.Name)
		alias := base
		if n := seen[base]; n > 0 {
			alias = base + "_" + strconv.Itoa(n)
		}
		seen[base]++

		routes[alias] = ToolRoute{ServerName: d.ServerName, ToolName: d.Schema.Name, Schema: d.Schema}
		defs = append(defs, AliasTool{
			Alias:       alias,
			Description: d.Schema.Description,
			Parameters:  d.Schema.InputSchema,
		})
	}
	return defs, routes
}

