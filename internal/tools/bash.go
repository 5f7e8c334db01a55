package tools

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/stevej/gsv/internal/processengine"
	"github.com/stevej/gsv/internal/protocol"
)

const bashPollInterval = 25 * time.Millisecond

// BashTool runs shell commands via the managed process engine, choosing
// between foreground-blocking, foreground-with-yield, and immediate
// background execution.
type BashTool struct {
	workspace string
	engine    *processengine.Engine
}

// NewBashTool constructs a Bash tool rooted at workspace.
func NewBashTool(workspace string, engine *processengine.Engine) *BashTool {
	return &BashTool{workspace: workspace, engine: engine}
}

type bashArgs struct {
	Command    string `json:"command"`
	Workdir    string `json:"workdir"`
	TimeoutMs  *int64 `json:"timeout"`
	Background bool   `json:"background"`
	YieldMs    *int64 `json:"yieldMs"`
}

// Definition implements Tool.
func (t *BashTool) Definition() protocol.ToolDefinition {
	return protocol.ToolDefinition{
		Name:        "Bash",
		Description: "Execute shell commands. Supports async background mode with session tracking.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"command": {"type": "string", "description": "The command to execute"},
				"workdir": {"type": "string", "description": "Working directory (default: workspace)"},
				"timeout": {"type": "number", "description": "Timeout in milliseconds (optional)"},
				"background": {"type": "boolean", "description": "Run in background immediately and return a sessionId"},
				"yieldMs": {"type": "number", "description": "Wait this many milliseconds, then background if still running"}
			},
			"required": ["command"]
		}`),
	}
}

// Execute implements Tool.
func (t *BashTool) Execute(rawArgs json.RawMessage) (json.RawMessage, string) {
	var args bashArgs
	if err := json.Unmarshal(rawArgs, &args); err != nil {
		return nil, fmt.Sprintf("Invalid arguments: %v", err)
	}
	if strings.TrimSpace(args.Command) == "" {
		return nil, "command must not be empty"
	}

	workdir := processengine.ResolveWorkdir(t.workspace, args.Workdir)

	timeout := processengine.DefaultTimeout
	if args.TimeoutMs != nil {
		timeout = time.Duration(*args.TimeoutMs) * time.Millisecond
	}

	h, err := t.engine.Spawn(args.Command, workdir, timeout)
	if err != nil {
		return nil, err.Error()
	}

	if args.Background {
		snap := t.engine.MarkBackgrounded(h, nil)
		return mustJSON(runningResult(snap)), ""
	}

	if args.YieldMs != nil {
		window := time.Duration(*args.YieldMs) * time.Millisecond
		if window < processengine.MinYield {
			window = processengine.MinYield
		}
		if window > processengine.MaxYield {
			window = processengine.MaxYield
		}
		deadline := time.Now().Add(window)
		for {
			snap := h.Snapshot()
			if snap.EndedAt != nil {
				return mustJSON(completedResult(snap)), ""
			}
			if time.Now().After(deadline) {
				running := t.engine.MarkBackgrounded(h, nil)
				return mustJSON(runningResult(running)), ""
			}
			time.Sleep(bashPollInterval)
		}
	}

	for {
		snap := h.Snapshot()
		if snap.EndedAt != nil {
			return mustJSON(completedResult(snap)), ""
		}
		time.Sleep(bashPollInterval)
	}
}

func runningResult(snap processengine.Snapshot) map[string]any {
	return map[string]any{
		"status":    "running",
		"sessionId": snap.SessionID,
		"pid":       snap.PID,
		"startedAt": snap.StartedAt,
		"tail":      snap.Tail,
		"workdir":   snap.Workdir,
	}
}

func completedResult(snap processengine.Snapshot) map[string]any {
	status := string(snap.Status)

	var durationMs *int64
	if snap.EndedAt != nil {
		d := *snap.EndedAt - snap.StartedAt
		durationMs = &d
	}

	return map[string]any{
		"status":     status,
		"sessionId":  snap.SessionID,
		"exitCode":   snap.ExitCode,
		"signal":     snap.Signal,
		"timedOut":   snap.TimedOut,
		"startedAt":  snap.StartedAt,
		"endedAt":    snap.EndedAt,
		"durationMs": durationMs,
		"output":     snap.Output,
		"tail":       snap.Tail,
		"truncated":  snap.Truncated,
		"workdir":    snap.Workdir,
	}
}

func mustJSON(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(fmt.Sprintf(`{"marshalError":%q}`, err.Error()))
	}
	return data
}
