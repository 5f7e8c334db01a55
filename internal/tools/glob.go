package tools

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/stevej/gsv/internal/protocol"
)

// GlobTool matches files under the workspace (or a given sub-path) against a
// brace/`**` glob pattern, returning matches sorted by modification time.
type GlobTool struct {
	workspace string
}

// NewGlobTool constructs a Glob tool rooted at workspace.
func NewGlobTool(workspace string) *GlobTool {
	return &GlobTool{workspace: workspace}
}

type globArgs struct {
	Pattern string `json:"pattern"`
	Path    string `json:"path"`
}

// Definition implements Tool.
func (t *GlobTool) Definition() protocol.ToolDefinition {
	return protocol.ToolDefinition{
		Name:        "Glob",
		Description: "Find files matching a glob pattern (supports ** and brace expansion).",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"pattern": {"type": "string", "description": "Glob pattern, e.g. **/*.go"},
				"path": {"type": "string", "description": "Root to search (default: workspace)"}
			},
			"required": ["pattern"]
		}`),
	}
}

type globMatch struct {
	path    string
	modTime int64
}

// Execute implements Tool.
func (t *GlobTool) Execute(rawArgs json.RawMessage) (json.RawMessage, string) {
	var args globArgs
	if err := json.Unmarshal(rawArgs, &args); err != nil {
		return nil, fmt.Sprintf("Invalid arguments: %v", err)
	}
	if strings.TrimSpace(args.Pattern) == "" {
		return nil, "pattern must not be empty"
	}

	root := t.workspace
	if args.Path != "" {
		root = resolvePath(t.workspace, args.Path)
	}

	fsys := os.DirFS(root)
	names, err := doublestar.Glob(fsys, args.Pattern)
	if err != nil {
		return nil, fmt.Sprintf("Invalid pattern %q: %v", args.Pattern, err)
	}

	matches := make([]globMatch, 0, len(names))
	for _, name := range names {
		info, err := os.Stat(root + string(os.PathSeparator) + name)
		if err != nil {
			continue
		}
		matches = append(matches, globMatch{path: name, modTime: info.ModTime().UnixMilli()})
	}

	sort.Slice(matches, func(i, j int) bool {
		return matches[i].modTime > matches[j].modTime
	})

	paths := make([]string, len(matches))
	for i, m := range matches {
		paths[i] = m.path
	}

	return mustJSON(map[string]any{
		"pattern": args.Pattern,
		"matches": paths,
		"count":   len(paths),
	}), ""
}
