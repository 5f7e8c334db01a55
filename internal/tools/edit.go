package tools

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/stevej/gsv/internal/protocol"
)

// EditTool performs an exact-match string replacement inside a file.
type EditTool struct {
	workspace string
}

// NewEditTool constructs an Edit tool rooted at workspace.
func NewEditTool(workspace string) *EditTool {
	return &EditTool{workspace: workspace}
}

type editArgs struct {
	Path       string `json:"path"`
	OldString  string `json:"oldString"`
	NewString  string `json:"newString"`
	ReplaceAll bool   `json:"replaceAll"`
}

// Definition implements Tool.
func (t *EditTool) Definition() protocol.ToolDefinition {
	return protocol.ToolDefinition{
		Name:        "Edit",
		Description: "Replace an exact string match inside a file.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"path": {"type": "string", "description": "File path, absolute or workspace-relative"},
				"oldString": {"type": "string", "description": "Exact text to find"},
				"newString": {"type": "string", "description": "Replacement text"},
				"replaceAll": {"type": "boolean", "description": "Replace every occurrence instead of requiring a unique match"}
			},
			"required": ["path", "oldString", "newString"]
		}`),
	}
}

// Execute implements Tool.
func (t *EditTool) Execute(rawArgs json.RawMessage) (json.RawMessage, string) {
	var args editArgs
	if err := json.Unmarshal(rawArgs, &args); err != nil {
		return nil, fmt.Sprintf("Invalid arguments: %v", err)
	}
	if strings.TrimSpace(args.Path) == "" {
		return nil, "path must not be empty"
	}
	if args.OldString == "" {
		return nil, "oldString must not be empty"
	}

	resolved := resolvePath(t.workspace, args.Path)
	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Sprintf("Failed to read %s: %v", args.Path, err)
	}
	content := string(data)

	count := strings.Count(content, args.OldString)
	if count == 0 {
		return nil, fmt.Sprintf("oldString not found in %s", args.Path)
	}
	if count > 1 && !args.ReplaceAll {
		return nil, fmt.Sprintf("oldString matches %d times in %s; pass replaceAll to replace them all", count, args.Path)
	}

	var replaced string
	replacements := 1
	if args.ReplaceAll {
		replaced = strings.ReplaceAll(content, args.OldString, args.NewString)
		replacements = count
	} else {
		replaced = strings.Replace(content, args.OldString, args.NewString, 1)
	}

	if err := os.WriteFile(resolved, []byte(replaced), 0o644); err != nil {
		return nil, fmt.Sprintf("Failed to write %s: %v", args.Path, err)
	}

	return mustJSON(map[string]any{
		"path":         args.Path,
		"replacements": replacements,
	}), ""
}
