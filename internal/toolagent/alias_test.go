package toolagent

import (
	"testing"

	"llamarun/internal/toolagent/mcp"
)

func TestBuildAliasTableSlugsAndRoutes(t *testing.T) {
	discovered := []mcp.DiscoveredTool{
		{ServerName: "File System", Schema: mcp.ToolSchema{Name: "Read File", Description: "reads a file"}},
		{ServerName: "File System", Schema: mcp.ToolSchema{Name: "Write File", Description: "writes a file"}},
	}

	defs, routes := BuildAliasTable(discovered)

	if len(defs) != 2 {
		t.Fatalf("expected 2 tool defs, got %d", len(defs))
	}

	wantAlias := "mcp_file_system_read_file"
	route, ok := routes[wantAlias]
	if !ok {
		t.Fatalf("expected alias %q in routes, got %v", wantAlias, routes)
	}
	if route.ServerName != "File System" || route.ToolName != "Read File" {
		t.Errorf("unexpected route: %#v", route)
	}
}

func TestBuildAliasTableDeduplicatesCollisions(t *testing.T) {
	discovered := []mcp.DiscoveredTool{
		{ServerName: "srv", Schema: mcp.ToolSchema{Name: "tool"}},
		{ServerName: "srv", Schema: mcp.ToolSchema{Name: "tool"}},
	}

	_, routes := BuildAliasTable(discovered)

	if len(routes) != 2 {
		t.Fatalf("expected 2 distinct aliases for colliding names, got %d: %v", len(routes), routes)
	}
	if _, ok := routes["mcp_srv_tool"]; !ok {
		t.Error("expected base alias to be present")
	}
	if _, ok := routes["mcp_srv_tool_1"]; !ok {
		t.Error("expected suffixed alias for the collision")
	}
}

func TestSlug(t *testing.T) {
	cases := map[string]string{
		"File System":  "file_system",
		"Read-File!!":  "read_file",
		"  spaced  ":   "spaced",
		"already_slug": "already_slug",
	}
	for in, want := range cases {
		if got := slug(in); got != want {
			t.Errorf("slug(%q) = %q, want %q", in, got, want)
		}
	}
}
