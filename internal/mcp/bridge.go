package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
)

// sanitizeRe matches characters that are not lowercase alphanumeric or underscore.
var sanitizeRe = regexp.MustCompile(`[^a-z0-9_]`)

// BridgedTool is a server tool exposed to the agent runtime under a
// namespaced name. Handler proxies to the Session using the server's
// own tool name.
type BridgedTool struct {
	Name        string
	Server      string
	ToolName    string
	Description string
	Parameters  map[string]any
	Handler     func(ctx context.Context, args map[string]any) (string, error)
}

// BridgeTools turns a ready Session's catalog into namespaced tools
// named "mcp_{server}_{tool}".
//
// The include and exclude lists control which tools are bridged:
//   - If include is non-empty, only tools whose names appear in it are bridged.
//   - Otherwise tools whose names appear in exclude are skipped.
func BridgeTools(ctx context.Context, s *Session, include, exclude []string, logger *slog.Logger) ([]BridgedTool, error) {
	if logger == nil {
		logger = slog.Default()
	}

	defs, err := s.ListTools(ctx)
	if err != nil {
		return nil, fmt.Errorf("list tools from %s: %w", s.Name(), err)
	}

	includeSet := toSet(include)
	excludeSet := toSet(exclude)

	var out []BridgedTool
	for _, td := range defs {
		if len(includeSet) > 0 {
			if !includeSet[td.Name] {
				continue
			}
		} else if excludeSet[td.Name] {
			continue
		}

		name := ToolName(s.Name(), td.Name)
		out = append(out, bridgeTool(s, name, td))

		logger.Debug("bridged MCP tool",
			"mcp_name", td.Name,
			"agent_name", name,
			"server", s.Name(),
		)
	}
	return out, nil
}

// ToolName generates a namespaced tool name from a server name and a
// tool name. Both components are sanitized to contain only lowercase
// alphanumeric characters and underscores.
func ToolName(serverName, toolName string) string {
	return fmt.Sprintf("mcp_%s_%s", sanitize(serverName), sanitize(toolName))
}

func bridgeTool(s *Session, name string, td ToolDefinition) BridgedTool {
	mcpName := td.Name
	params := td.InputSchema
	if params == nil {
		params = map[string]any{"type": "object", "properties": map[string]any{}}
	}
	return BridgedTool{
		Name:        name,
		Server:      s.Name(),
		ToolName:    mcpName,
		Description: td.Description,
		Parameters:  params,
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			return s.CallToolText(ctx, mcpName, args)
		},
	}
}

// sanitize lowercases a name and replaces anything other than
// alphanumerics and underscores with underscores. Runs of underscores
// are collapsed and the ends are trimmed.
func sanitize(name string) string {
	s := strings.ToLower(name)
	s = sanitizeRe.ReplaceAllString(s, "_")
	for strings.Contains(s, "__") {
		s = strings.ReplaceAll(s, "__", "_")
	}
	return strings.Trim(s, "_")
}

func toSet(items []string) map[string]bool {
	if len(items) == 0 {
		return nil
	}
	m := make(map[string]bool, len(items))
	for _, item := range items {
		m[item] = true
	}
	return m
}
