package tools

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/stevej/gsv/internal/protocol"
)

// grepMatchCap bounds the number of matches returned; overflow is reported
// in the result, not silently dropped.
const grepMatchCap = 1000

// GrepTool regex-searches files under the workspace (or a sub-path),
// optionally filtered by a glob.
type GrepTool struct {
	workspace string
}

// NewGrepTool constructs a Grep tool rooted at workspace.
func NewGrepTool(workspace string) *GrepTool {
	return &GrepTool{workspace: workspace}
}

type grepArgs struct {
	Pattern string `json:"pattern"`
	Path    string `json:"path"`
	Glob    string `json:"glob"`
}

type grepMatch struct {
	Path string `json:"path"`
	Line int    `json:"line"`
	Text string `json:"text"`
}

// Definition implements Tool.
func (t *GrepTool) Definition() protocol.ToolDefinition {
	return protocol.ToolDefinition{
		Name:        "Grep",
		Description: "Regex search across files under the workspace (or a sub-path), optionally filtered by a glob.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"pattern": {"type": "string", "description": "RE2 regular expression"},
				"path": {"type": "string", "description": "Root to search (default: workspace)"},
				"glob": {"type": "string", "description": "Restrict to files matching this glob"}
			},
			"required": ["pattern"]
		}`),
	}
}

// Execute implements Tool.
func (t *GrepTool) Execute(rawArgs json.RawMessage) (json.RawMessage, string) {
	var args grepArgs
	if err := json.Unmarshal(rawArgs, &args); err != nil {
		return nil, fmt.Sprintf("Invalid arguments: %v", err)
	}
	if strings.TrimSpace(args.Pattern) == "" {
		return nil, "pattern must not be empty"
	}

	re, err := regexp.Compile(args.Pattern)
	if err != nil {
		return nil, fmt.Sprintf("Invalid pattern %q: %v", args.Pattern, err)
	}

	root := t.workspace
	if args.Path != "" {
		root = resolvePath(t.workspace, args.Path)
	}

	var matches []grepMatch
	overflow := false

	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if len(matches) >= grepMatchCap {
			overflow = true
			return fs.SkipAll
		}
		if args.Glob != "" {
			rel, relErr := filepath.Rel(root, path)
			if relErr != nil {
				return nil
			}
			ok, matchErr := doublestar.Match(args.Glob, rel)
			if matchErr != nil || !ok {
				return nil
			}
		}

		f, openErr := os.Open(path)
		if openErr != nil {
			return nil
		}
		defer f.Close()

		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		lineNo := 0
		for scanner.Scan() {
			lineNo++
			line := scanner.Text()
			if re.MatchString(line) {
				rel, relErr := filepath.Rel(t.workspace, path)
				if relErr != nil {
					rel = path
				}
				matches = append(matches, grepMatch{Path: rel, Line: lineNo, Text: line})
				if len(matches) >= grepMatchCap {
					overflow = true
					return fs.SkipAll
				}
			}
		}
		return nil
	})
	if walkErr != nil && walkErr != fs.SkipAll {
		return nil, fmt.Sprintf("Search failed: %v", walkErr)
	}

	return mustJSON(map[string]any{
		"pattern":  args.Pattern,
		"matches":  matches,
		"count":    len(matches),
		"overflow": overflow,
	}), ""
}
