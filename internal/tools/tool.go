// Package tools implements the node-side tool registry: Bash, Process,
// Read, Write, Edit, Glob, and Grep, each resolving paths relative to a
// workspace root and returning a structured JSON result (or a tool-runtime
// error string, never a transport error).
package tools

import (
	"encoding/json"
	"fmt"

	"github.com/stevej/gsv/internal/protocol"
)

// Tool is the polymorphic capability every registry entry implements.
type Tool interface {
	Definition() protocol.ToolDefinition
	Execute(args json.RawMessage) (json.RawMessage, string)
}

// Registry is the fixed, per-workspace catalog of tools a node advertises
// and dispatches tool.invoke calls against.
type Registry struct {
	tools  map[string]Tool
	order  []string
	policy *Policy
}

// Definitions returns the policy-allowed tool definitions, in registration
// order, for the connect handshake.
func (r *Registry) Definitions() []protocol.ToolDefinition {
	defs := make([]protocol.ToolDefinition, 0, len(r.order))
	for _, name := range r.order {
		if !r.policy.Allow(name) {
			continue
		}
		defs = append(defs, r.tools[name].Definition())
	}
	return defs
}

// Invoke runs the named tool, first checking the execution policy. A denied
// or unknown tool yields a runtime error string rather than a Go error;
// these never close the connection.
func (r *Registry) Invoke(name string, args json.RawMessage) (json.RawMessage, string) {
	if !r.policy.Allow(name) {
		return nil, fmt.Sprintf("tool %q is not permitted by the configured policy", name)
	}
	t, ok := r.tools[name]
	if !ok {
		return nil, fmt.Sprintf("unknown tool %q", name)
	}
	return t.Execute(args)
}

func (r *Registry) register(t Tool) {
	name := t.Definition().Name
	r.tools[name] = t
	r.order = append(r.order, name)
}
