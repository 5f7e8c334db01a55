package tools

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/stevej/gsv/internal/protocol"
)

// ReadTool returns a line-sliced view of a workspace-relative file.
type ReadTool struct {
	workspace string
}

// NewReadTool constructs a Read tool rooted at workspace.
func NewReadTool(workspace string) *ReadTool {
	return &ReadTool{workspace: workspace}
}

type readArgs struct {
	Path   string `json:"path"`
	Offset *int   `json:"offset"`
	Limit  *int   `json:"limit"`
}

// Definition implements Tool.
func (t *ReadTool) Definition() protocol.ToolDefinition {
	return protocol.ToolDefinition{
		Name:        "Read",
		Description: "Read a file, optionally slicing by line offset/limit.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"path": {"type": "string", "description": "File path, absolute or workspace-relative"},
				"offset": {"type": "number", "description": "First line to return (0-based)"},
				"limit": {"type": "number", "description": "Maximum number of lines to return"}
			},
			"required": ["path"]
		}`),
	}
}

// Execute implements Tool.
func (t *ReadTool) Execute(rawArgs json.RawMessage) (json.RawMessage, string) {
	var args readArgs
	if err := json.Unmarshal(rawArgs, &args); err != nil {
		return nil, fmt.Sprintf("Invalid arguments: %v", err)
	}
	if strings.TrimSpace(args.Path) == "" {
		return nil, "path must not be empty"
	}

	resolved := resolvePath(t.workspace, args.Path)
	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Sprintf("Failed to read %s: %v", args.Path, err)
	}

	content := string(data)
	var lines []string
	if content != "" {
		lines = strings.Split(content, "\n")
	}
	totalLines := len(lines)

	start := 0
	if args.Offset != nil {
		start = *args.Offset
	}
	if start < 0 {
		start = 0
	}
	if start > totalLines {
		start = totalLines
	}

	window := totalLines
	if args.Limit != nil {
		window = *args.Limit
	}
	if window < 0 {
		window = 0
	}

	end := start + window
	if end > totalLines {
		end = totalLines
	}

	slice := strings.Join(lines[start:end], "\n")
	return mustJSON(map[string]any{
		"path":       args.Path,
		"content":    slice,
		"lines":      end - start,
		"totalLines": totalLines,
	}), ""
}

// resolvePath joins a possibly-relative path against the workspace root,
// leaving absolute paths untouched.
func resolvePath(workspace, path string) string {
	if path == "" {
		return workspace
	}
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(workspace, path)
}
