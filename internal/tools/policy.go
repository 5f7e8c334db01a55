package tools

import (
	"fmt"
	"os"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
)

// policySubject is the fixed Casbin subject for every enforcement check:
// tool execution policy has no notion of multiple users, only "does this
// node run this tool".
const policySubject = "node"

// policyModel is a minimal ACL: subject/object/action triples, allow-only.
const policyModel = `
[request_definition]
r = sub, obj, act

[policy_definition]
p = sub, obj, act

[policy_effect]
e = some(where (p.eff == allow))

[matchers]
m = r.sub == p.sub && r.obj == p.obj && r.act == p.act
`

// Policy gates which tools a node will actually execute. A nil enforcer
// (no policy file configured, or the file does not exist) means allow-all,
// matching the runtime's default behaviour.
type Policy struct {
	enforcer *casbin.Enforcer
}

// LoadPolicy reads an optional Casbin policy CSV from path. A missing path
// or missing file is not an error; it falls back to allow-all.
func LoadPolicy(path string) (*Policy, error) {
	if path == "" {
		return &Policy{}, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return &Policy{}, nil
	}

	m, err := model.NewModelFromString(policyModel)
	if err != nil {
		return nil, fmt.Errorf("tools: parse policy model: %w", err)
	}
	enforcer, err := casbin.NewEnforcer(m, path)
	if err != nil {
		return nil, fmt.Errorf("tools: load policy %s: %w", path, err)
	}
	return &Policy{enforcer: enforcer}, nil
}

// Allow reports whether the named tool may be invoked.
func (p *Policy) Allow(tool string) bool {
	if p == nil || p.enforcer == nil {
		return true
	}
	ok, err := p.enforcer.Enforce(policySubject, tool, "invoke")
	if err != nil {
		return false
	}
	return ok
}

// Capabilities projects a tool name list down to the subset the policy
// allows, each mapped to its advertised capability verbs, feeding
// NodeRuntimeInfo.ToolCapabilities in the node.info request after connect.
func (p *Policy) Capabilities(names []string) map[string][]string {
	caps := make(map[string][]string, len(names))
	for _, name := range names {
		if p.Allow(name) {
			caps[name] = []string{"invoke"}
		}
	}
	return caps
}
