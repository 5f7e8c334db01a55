package processengine

import "strings"

// Status is the lifecycle state of a managed process.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusTimedOut  Status = "timed_out"
)

// ExecEvent is the payload published on the exec-event bus for every
// lifecycle transition: exactly one "started" per session, then exactly one
// terminal event (finished/failed/timed_out/wait_error).
type ExecEvent struct {
	EventID    string
	SessionID  string
	Event      string
	CallID     *string
	ExitCode   *int
	Signal     *string
	OutputTail string
	StartedAt  int64
	EndedAt    *int64
}

// Snapshot is an immutable copy of a session's state at one point in time.
type Snapshot struct {
	SessionID    string
	Command      string
	Workdir      string
	PID          int
	StartedAt    int64
	EndedAt      *int64
	Status       Status
	ExitCode     *int
	Signal       *string
	TimedOut     bool
	Backgrounded bool
	Output       string
	Tail         string
	Truncated    bool
}

// Entry is one row of a Process "list" result.
type Entry struct {
	Snapshot
	RuntimeMs int64
}

// truncateToLastChars keeps at most maxChars runes from the tail of text.
func truncateToLastChars(text string, maxChars int) string {
	if maxChars <= 0 {
		return ""
	}
	runes := []rune(text)
	if len(runes) <= maxChars {
		return text
	}
	return string(runes[len(runes)-maxChars:])
}

// appendOutput appends chunk to output, enforcing the 200,000-char cap and
// re-deriving the 4,000-char tail. Returns the new output/tail/truncated.
func appendOutput(output string, truncated bool, chunk string) (newOutput string, newTail string, newTruncated bool) {
	if chunk == "" {
		return output, truncateToLastChars(output, tailChars), truncated
	}
	combined := output + chunk
	if runeLen(combined) > maxOutputChars {
		combined = truncateToLastChars(combined, maxOutputChars)
		truncated = true
	}
	return combined, truncateToLastChars(combined, tailChars), truncated
}

func runeLen(s string) int {
	return len([]rune(s))
}

// sliceLogLines returns the [offset, offset+limit) window of text split on
// newlines, plus the total line and character counts. offset defaults to 0,
// limit defaults to 200; limit is floored at 1.
func sliceLogLines(text string, offset, limit *int) (slice string, totalLines, totalChars int) {
	lines := strings.Split(text, "\n")
	if text == "" {
		lines = nil
	}
	totalLines = len(lines)
	totalChars = runeLen(text)

	start := 0
	if offset != nil {
		start = *offset
	}
	if start > len(lines) {
		start = len(lines)
	}
	if start < 0 {
		start = 0
	}

	window := 200
	if limit != nil {
		window = *limit
	}
	if window < 1 {
		window = 1
	}

	end := start + window
	if end > len(lines) {
		end = len(lines)
	}
	return strings.Join(lines[start:end], "\n"), totalLines, totalChars
}
