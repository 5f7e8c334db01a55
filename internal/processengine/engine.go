// Package processengine implements the managed OS process engine backing
// the Bash and Process tools: spawning shells, pumping stdout/stderr into a
// bounded ring buffer, enforcing timeouts, tracking foreground/background
// state, and publishing lifecycle events on a broadcast-style bus.
package processengine

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	// DefaultTimeout is used when the tool boundary does not specify one.
	DefaultTimeout = 5 * time.Minute

	// MinYield and MaxYield bound the yieldMs clamp applied by the Bash tool.
	MinYield = 10 * time.Millisecond
	MaxYield = 120 * time.Second

	maxOutputChars = 200_000
	tailChars      = 4_000

	// FinishedTTL is how long a terminal session stays queryable after it
	// ends; it is not externally configurable.
	FinishedTTL = 30 * time.Minute

	pollInterval  = 25 * time.Millisecond
	forcedKillGap = 250 * time.Millisecond

	streamBufSize = 4096
)

// Handle is a live, possibly still-running managed process. It is returned
// from Spawn and polled directly by the caller (the Bash tool), and is also
// addressable by session id through Engine for the Process tool's actions.
type Handle struct {
	id string

	mu           sync.Mutex
	command      string
	workdir      string
	pid          int
	startedAt    int64
	endedAt      *int64
	status       Status
	exitCode     *int
	signal       *string
	timedOut     bool
	backgrounded bool
	output       string
	tail         string
	truncated    bool
	notified     bool

	stdinMu sync.Mutex
	stdin   io.WriteCloser
}

// Snapshot copies the handle's current state under lock.
func (h *Handle) Snapshot() Snapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.snapshotLocked()
}

func (h *Handle) snapshotLocked() Snapshot {
	return Snapshot{
		SessionID:    h.id,
		Command:      h.command,
		Workdir:      h.workdir,
		PID:          h.pid,
		StartedAt:    h.startedAt,
		EndedAt:      h.endedAt,
		Status:       h.status,
		ExitCode:     h.exitCode,
		Signal:       h.signal,
		TimedOut:     h.timedOut,
		Backgrounded: h.backgrounded,
		Output:       h.output,
		Tail:         h.tail,
		Truncated:    h.truncated,
	}
}

func (h *Handle) appendOutput(chunk string) {
	h.mu.Lock()
	h.output, h.tail, h.truncated = appendOutput(h.output, h.truncated, chunk)
	h.mu.Unlock()
}

// Engine owns the running/finished session tables and the exec-event bus.
type Engine struct {
	logger *zap.Logger
	Bus    *EventBus

	mu       sync.Mutex
	running  map[string]*Handle
	finished map[string]finishedEntry
}

type finishedEntry struct {
	snapshot Snapshot
	endedAt  int64
}

// NewEngine constructs an Engine with an empty session table and a fresh
// event bus.
func NewEngine(logger *zap.Logger) *Engine {
	return &Engine{
		logger:   logger,
		Bus:      NewEventBus(),
		running:  make(map[string]*Handle),
		finished: make(map[string]finishedEntry),
	}
}

func nowMs() int64 {
	return time.Now().UnixMilli()
}

// Spawn launches `sh -c command` in workdir with piped stdio, registers it
// in the running table, and starts its stream pumps, reaper, and (if
// timeout > 0) its timeout enforcement. It returns once the process has
// been started; the caller observes completion via Handle.Snapshot.
func (e *Engine) Spawn(command, workdir string, timeout time.Duration) (*Handle, error) {
	cmd := exec.Command("sh", "-c", command)
	cmd.Dir = workdir

	stdinPipe, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("processengine: stdin pipe: %w", err)
	}
	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("processengine: stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("processengine: stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("processengine: failed to execute: %w", err)
	}

	id := uuid.NewString()
	h := &Handle{
		id:        id,
		command:   command,
		workdir:   workdir,
		pid:       cmd.Process.Pid,
		startedAt: nowMs(),
		status:    StatusRunning,
		stdin:     stdinPipe,
	}

	e.mu.Lock()
	e.running[id] = h
	e.mu.Unlock()

	e.logger.Debug("processengine: spawned",
		zap.String("sessionId", id),
		zap.Int("pid", h.pid),
		zap.String("workdir", workdir),
	)

	go pumpStream(stdoutPipe, h)
	go pumpStream(stderrPipe, h)

	if timeout > 0 {
		go e.enforceTimeout(h, timeout)
	}

	go e.reap(cmd, h)

	return h, nil
}

func pumpStream(r io.Reader, h *Handle) {
	buf := make([]byte, streamBufSize)
	reader := bufio.NewReader(r)
	for {
		n, err := reader.Read(buf)
		if n > 0 {
			h.appendOutput(string(buf[:n]))
		}
		if err != nil {
			return
		}
	}
}

func (e *Engine) enforceTimeout(h *Handle, timeout time.Duration) {
	time.Sleep(timeout)

	h.mu.Lock()
	alreadyEnded := h.endedAt != nil
	if !alreadyEnded {
		h.timedOut = true
	}
	pid := h.pid
	h.mu.Unlock()

	if alreadyEnded {
		return
	}

	e.logger.Warn("processengine: timeout exceeded, killing",
		zap.String("sessionId", h.id),
		zap.Int("pid", pid),
		zap.Duration("timeout", timeout),
	)
	softKill(pid)
	time.Sleep(forcedKillGap)
	forceKill(pid)
}

func (e *Engine) reap(cmd *exec.Cmd, h *Handle) {
	waitErr := cmd.Wait()

	h.mu.Lock()
	ended := nowMs()
	h.endedAt = &ended

	waitFailed := false
	if waitErr == nil {
		code := 0
		h.exitCode = &code
	} else if exitErr, ok := waitErr.(*exec.ExitError); ok {
		code := exitErr.ExitCode()
		if code >= 0 {
			h.exitCode = &code
		}
		if sig := signalFromExitError(exitErr); sig != "" {
			h.signal = &sig
		}
	} else {
		waitFailed = true
		sig := "wait_error"
		h.signal = &sig
		h.output, h.tail, h.truncated = appendOutput(h.output, h.truncated, fmt.Sprintf("\n[wait error] %v", waitErr))
	}

	switch {
	case h.timedOut:
		h.status = StatusTimedOut
	case h.exitCode != nil && *h.exitCode == 0 && h.signal == nil:
		h.status = StatusCompleted
	default:
		h.status = StatusFailed
	}

	snapshot := h.snapshotLocked()
	backgrounded := h.backgrounded

	// Move tables before releasing h.mu, so a caller that observes endedAt
	// never finds the session in neither table.
	e.mu.Lock()
	delete(e.running, h.id)
	if backgrounded {
		e.pruneFinishedLocked()
		e.finished[snapshot.SessionID] = finishedEntry{snapshot: snapshot, endedAt: ended}
	}
	e.mu.Unlock()
	h.mu.Unlock()

	h.stdinMu.Lock()
	if h.stdin != nil {
		h.stdin.Close()
		h.stdin = nil
	}
	h.stdinMu.Unlock()

	if !backgrounded {
		return
	}

	eventName := "finished"
	switch {
	case waitFailed:
		eventName = "wait_error"
	case snapshot.TimedOut:
		eventName = "timed_out"
	case snapshot.Status != StatusCompleted:
		eventName = "failed"
	}

	e.Bus.Publish(ExecEvent{
		EventID:    uuid.NewString(),
		SessionID:  snapshot.SessionID,
		Event:      eventName,
		ExitCode:   snapshot.ExitCode,
		Signal:     snapshot.Signal,
		OutputTail: snapshot.Tail,
		StartedAt:  snapshot.StartedAt,
		EndedAt:    snapshot.EndedAt,
	})
}

// MarkBackgrounded flips the backgrounded flag and, the first time it is
// called for a session, emits the single "started" exec event.
func (e *Engine) MarkBackgrounded(h *Handle, callID *string) Snapshot {
	h.mu.Lock()
	h.backgrounded = true
	shouldNotify := !h.notified
	if shouldNotify {
		h.notified = true
	}
	snapshot := h.snapshotLocked()
	h.mu.Unlock()

	if shouldNotify {
		e.Bus.Publish(ExecEvent{
			EventID:    uuid.NewString(),
			SessionID:  snapshot.SessionID,
			Event:      "started",
			CallID:     callID,
			OutputTail: snapshot.Tail,
			StartedAt:  snapshot.StartedAt,
		})
	}
	return snapshot
}

// LookupRunning returns the live handle for a session id, if any.
func (e *Engine) LookupRunning(sessionID string) (*Handle, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	h, ok := e.running[sessionID]
	return h, ok
}

// LookupFinished returns a terminal snapshot for a session id, pruning
// expired entries first.
func (e *Engine) LookupFinished(sessionID string) (Snapshot, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pruneFinishedLocked()
	entry, ok := e.finished[sessionID]
	if !ok {
		return Snapshot{}, false
	}
	return entry.snapshot, true
}

// pruneFinishedLocked drops any finished entry older than FinishedTTL. Caller
// must hold e.mu.
func (e *Engine) pruneFinishedLocked() {
	cutoff := nowMs() - FinishedTTL.Milliseconds()
	for id, entry := range e.finished {
		if entry.endedAt < cutoff {
			delete(e.finished, id)
		}
	}
}

// List enumerates every backgrounded running session and every backgrounded
// finished session (after TTL pruning), sorted by StartedAt descending.
func (e *Engine) List() []Entry {
	now := nowMs()

	e.mu.Lock()
	handles := make([]*Handle, 0, len(e.running))
	for _, h := range e.running {
		handles = append(handles, h)
	}
	e.pruneFinishedLocked()
	finished := make([]Snapshot, 0, len(e.finished))
	for _, entry := range e.finished {
		finished = append(finished, entry.snapshot)
	}
	e.mu.Unlock()

	entries := make([]Entry, 0, len(handles)+len(finished))
	for _, h := range handles {
		snap := h.Snapshot()
		if snap.Backgrounded {
			entries = append(entries, entryFromSnapshot(snap, now))
		}
	}
	for _, snap := range finished {
		if snap.Backgrounded {
			entries = append(entries, entryFromSnapshot(snap, now))
		}
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].StartedAt > entries[j].StartedAt
	})
	return entries
}

func entryFromSnapshot(snap Snapshot, now int64) Entry {
	end := now
	if snap.EndedAt != nil {
		end = *snap.EndedAt
	}
	return Entry{Snapshot: snap, RuntimeMs: end - snap.StartedAt}
}

// Write sends raw data to a still-running session's stdin; it fails once the
// session has been reaped and its stdin closed. It does not check the
// backgrounded flag (the Process tool does). If submit is true a trailing
// newline is appended.
func (e *Engine) Write(h *Handle, data string, submit bool) (int, error) {
	if submit {
		data += "\n"
	}
	h.stdinMu.Lock()
	defer h.stdinMu.Unlock()
	if h.stdin == nil {
		return 0, fmt.Errorf("processengine: session %s stdin is not writable", h.id)
	}
	n, err := io.WriteString(h.stdin, data)
	if err != nil {
		return n, fmt.Errorf("processengine: write to %s: %w", h.id, err)
	}
	return n, nil
}

// Kill force-kills a session by pid. It does not check the backgrounded flag
// (the Process tool does).
func (e *Engine) Kill(h *Handle) error {
	snap := h.Snapshot()
	if snap.PID == 0 {
		return fmt.Errorf("processengine: session %s has no pid", h.id)
	}
	forceKill(snap.PID)
	return nil
}

// SliceLogLines exposes the log windowing helper to the tools package.
func SliceLogLines(text string, offset, limit *int) (slice string, totalLines, totalChars int) {
	return sliceLogLines(text, offset, limit)
}

func softKill(pid int) {
	signalPid(pid, syscall.SIGTERM)
}

func forceKill(pid int) {
	signalPid(pid, syscall.SIGKILL)
}

func signalPid(pid int, sig syscall.Signal) {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return
	}
	_ = proc.Signal(sig)
}

func signalFromExitError(err *exec.ExitError) string {
	status, ok := err.Sys().(syscall.WaitStatus)
	if !ok {
		return ""
	}
	if status.Signaled() {
		return fmt.Sprintf("SIG%d", status.Signal())
	}
	return ""
}

// ResolveWorkdir joins a possibly-relative workdir against the workspace
// root, leaving absolute paths untouched.
func ResolveWorkdir(workspace, workdir string) string {
	if workdir == "" {
		return workspace
	}
	if filepath.IsAbs(workdir) {
		return workdir
	}
	return filepath.Join(workspace, workdir)
}
