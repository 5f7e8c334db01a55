package tools

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/stevej/gsv/internal/processengine"
	"github.com/stevej/gsv/internal/protocol"
)

// ProcessTool manages backgrounded Bash sessions: list, poll, log, write,
// submit, kill.
type ProcessTool struct {
	engine *processengine.Engine
}

// NewProcessTool constructs a Process tool over engine.
func NewProcessTool(engine *processengine.Engine) *ProcessTool {
	return &ProcessTool{engine: engine}
}

type processArgs struct {
	Action    string `json:"action"`
	SessionID string `json:"sessionId"`
	Data      string `json:"data"`
	Offset    *int   `json:"offset"`
	Limit     *int   `json:"limit"`
}

// Definition implements Tool.
func (t *ProcessTool) Definition() protocol.ToolDefinition {
	return protocol.ToolDefinition{
		Name:        "Process",
		Description: "Manage background Bash sessions: list, poll, log, write, submit, kill.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"action": {"type": "string", "description": "One of: list, poll, log, write, submit, kill"},
				"sessionId": {"type": "string", "description": "Session id for actions other than list"},
				"data": {"type": "string", "description": "Data to send for write/submit"},
				"offset": {"type": "number", "description": "Log line offset for log action"},
				"limit": {"type": "number", "description": "Max log lines for log action"}
			},
			"required": ["action"]
		}`),
	}
}

// Execute implements Tool.
func (t *ProcessTool) Execute(rawArgs json.RawMessage) (json.RawMessage, string) {
	var args processArgs
	if err := json.Unmarshal(rawArgs, &args); err != nil {
		return nil, fmt.Sprintf("Invalid arguments: %v", err)
	}
	action := strings.ToLower(strings.TrimSpace(args.Action))

	if action == "list" {
		return mustJSON(t.listResult()), ""
	}

	sessionID := strings.TrimSpace(args.SessionID)
	if sessionID == "" {
		return nil, "sessionId is required for this action"
	}

	switch action {
	case "poll":
		return mustJSON(t.poll(sessionID)), ""
	case "log":
		return mustJSON(t.log(sessionID, args.Offset, args.Limit)), ""
	case "write":
		return mustJSON(t.writeOrSubmit(sessionID, args.Data, false)), ""
	case "submit":
		return mustJSON(t.writeOrSubmit(sessionID, args.Data, true)), ""
	case "kill":
		return mustJSON(t.kill(sessionID)), ""
	default:
		return mustJSON(failed(fmt.Sprintf("Unknown action %s", action))), ""
	}
}

func failed(err string) map[string]any {
	return map[string]any{"status": "failed", "error": err}
}

func (t *ProcessTool) listResult() map[string]any {
	entries := t.engine.List()
	sessions := make([]map[string]any, 0, len(entries))
	lines := make([]string, 0, len(entries))
	for _, e := range entries {
		sessions = append(sessions, map[string]any{
			"sessionId": e.SessionID,
			"status":    e.Status,
			"pid":       e.PID,
			"startedAt": e.StartedAt,
			"endedAt":   e.EndedAt,
			"runtimeMs": e.RuntimeMs,
			"workdir":   e.Workdir,
			"command":   e.Command,
			"tail":      e.Tail,
			"truncated": e.Truncated,
			"exitCode":  e.ExitCode,
			"signal":    e.Signal,
			"timedOut":  e.TimedOut,
		})
		lines = append(lines, fmt.Sprintf("%s %-9s %dms :: %s", e.SessionID, e.Status, e.RuntimeMs, e.Command))
	}
	text := "No running or recent sessions."
	if len(lines) > 0 {
		text = strings.Join(lines, "\n")
	}
	return map[string]any{"status": "completed", "sessions": sessions, "text": text}
}

func (t *ProcessTool) poll(sessionID string) map[string]any {
	if h, ok := t.engine.LookupRunning(sessionID); ok {
		snap := h.Snapshot()
		if !snap.Backgrounded {
			return failed(fmt.Sprintf("Session %s is not backgrounded", sessionID))
		}
		return map[string]any{
			"status":    snap.Status,
			"sessionId": snap.SessionID,
			"exitCode":  snap.ExitCode,
			"signal":    snap.Signal,
			"timedOut":  snap.TimedOut,
			"tail":      snap.Tail,
			"running":   snap.EndedAt == nil,
		}
	}
	if snap, ok := t.engine.LookupFinished(sessionID); ok {
		return map[string]any{
			"status":    snap.Status,
			"sessionId": snap.SessionID,
			"exitCode":  snap.ExitCode,
			"signal":    snap.Signal,
			"timedOut":  snap.TimedOut,
			"tail":      snap.Tail,
			"running":   false,
		}
	}
	return failed(fmt.Sprintf("No session found for %s", sessionID))
}

func (t *ProcessTool) log(sessionID string, offset, limit *int) map[string]any {
	if h, ok := t.engine.LookupRunning(sessionID); ok {
		snap := h.Snapshot()
		if !snap.Backgrounded {
			return failed(fmt.Sprintf("Session %s is not backgrounded", sessionID))
		}
		slice, totalLines, totalChars := processengine.SliceLogLines(snap.Output, offset, limit)
		if slice == "" {
			slice = "(no output yet)"
		}
		return map[string]any{
			"status":     snap.Status,
			"sessionId":  snap.SessionID,
			"log":        slice,
			"totalLines": totalLines,
			"totalChars": totalChars,
			"truncated":  snap.Truncated,
		}
	}
	if snap, ok := t.engine.LookupFinished(sessionID); ok {
		slice, totalLines, totalChars := processengine.SliceLogLines(snap.Output, offset, limit)
		if slice == "" {
			slice = "(no output recorded)"
		}
		return map[string]any{
			"status":     snap.Status,
			"sessionId":  snap.SessionID,
			"log":        slice,
			"totalLines": totalLines,
			"totalChars": totalChars,
			"truncated":  snap.Truncated,
			"exitCode":   snap.ExitCode,
			"signal":     snap.Signal,
		}
	}
	return failed(fmt.Sprintf("No session found for %s", sessionID))
}

func (t *ProcessTool) writeOrSubmit(sessionID, data string, submit bool) map[string]any {
	h, ok := t.engine.LookupRunning(sessionID)
	if !ok {
		return failed(fmt.Sprintf("No active session found for %s", sessionID))
	}
	snap := h.Snapshot()
	if !snap.Backgrounded {
		return failed(fmt.Sprintf("Session %s is not backgrounded", sessionID))
	}
	if snap.EndedAt != nil {
		return failed(fmt.Sprintf("Session %s has already exited", sessionID))
	}

	n, err := t.engine.Write(h, data, submit)
	if err != nil {
		return failed(err.Error())
	}
	return map[string]any{
		"status":       "running",
		"sessionId":    sessionID,
		"bytesWritten": n,
	}
}

func (t *ProcessTool) kill(sessionID string) map[string]any {
	h, ok := t.engine.LookupRunning(sessionID)
	if !ok {
		return failed(fmt.Sprintf("No active session found for %s", sessionID))
	}
	snap := h.Snapshot()
	if !snap.Backgrounded {
		return failed(fmt.Sprintf("Session %s is not backgrounded", sessionID))
	}
	if err := t.engine.Kill(h); err != nil {
		return failed(err.Error())
	}
	return map[string]any{
		"status":    "running",
		"sessionId": sessionID,
		"message":   "Kill signal sent",
	}
}
