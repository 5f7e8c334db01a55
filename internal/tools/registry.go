package tools

import "github.com/stevej/gsv/internal/processengine"

// NewRegistry constructs the fixed tool catalog for one node session: Bash,
// Process, Read, Write, Edit, Glob, Grep, gated by policy.
func NewRegistry(workspace string, engine *processengine.Engine, policy *Policy) *Registry {
	r := &Registry{tools: make(map[string]Tool), policy: policy}
	r.register(NewBashTool(workspace, engine))
	r.register(NewProcessTool(engine))
	r.register(NewReadTool(workspace))
	r.register(NewWriteTool(workspace))
	r.register(NewEditTool(workspace))
	r.register(NewGlobTool(workspace))
	r.register(NewGrepTool(workspace))
	return r
}

// Names returns every registered tool's name in registration order,
// independent of policy, for diagnostics (the node's connect log line and
// the status server's /tools route).
func (r *Registry) Names() []string {
	names := make([]string, len(r.order))
	copy(names, r.order)
	return names
}

// Capabilities maps each policy-allowed tool to its capability verbs,
// feeding the NodeRuntimeInfo sent in the node.info request after connect.
func (r *Registry) Capabilities() map[string][]string {
	return r.policy.Capabilities(r.order)
}
