package tools

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/stevej/gsv/internal/protocol"
)

// WriteTool creates/overwrites a workspace-relative file, creating parent
// directories as needed.
type WriteTool struct {
	workspace string
}

// NewWriteTool constructs a Write tool rooted at workspace.
func NewWriteTool(workspace string) *WriteTool {
	return &WriteTool{workspace: workspace}
}

type writeArgs struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// Definition implements Tool.
func (t *WriteTool) Definition() protocol.ToolDefinition {
	return protocol.ToolDefinition{
		Name:        "Write",
		Description: "Write (creating or overwriting) a file, creating parent directories as needed.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"path": {"type": "string", "description": "File path, absolute or workspace-relative"},
				"content": {"type": "string", "description": "Full file content to write"}
			},
			"required": ["path", "content"]
		}`),
	}
}

// Execute implements Tool.
func (t *WriteTool) Execute(rawArgs json.RawMessage) (json.RawMessage, string) {
	var args writeArgs
	if err := json.Unmarshal(rawArgs, &args); err != nil {
		return nil, fmt.Sprintf("Invalid arguments: %v", err)
	}
	if strings.TrimSpace(args.Path) == "" {
		return nil, "path must not be empty"
	}

	resolved := resolvePath(t.workspace, args.Path)
	if dir := filepath.Dir(resolved); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Sprintf("Failed to create parent directories for %s: %v", args.Path, err)
		}
	}
	if err := os.WriteFile(resolved, []byte(args.Content), 0o644); err != nil {
		return nil, fmt.Sprintf("Failed to write %s: %v", args.Path, err)
	}

	return mustJSON(map[string]any{
		"path":         args.Path,
		"bytesWritten": len(args.Content),
	}), ""
}
