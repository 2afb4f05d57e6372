package core

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// AgentKind is the closed set of worker kinds allowed to request file locks.
type AgentKind string

const (
	AgentAnalyzer   AgentKind = "analyzer"
	AgentRefactorer AgentKind = "refactorer"
	AgentFormatter  AgentKind = "formatter"
	AgentDocumenter AgentKind = "documenter"
	AgentTester     AgentKind = "tester"
	AgentOperator   AgentKind = "operator"
)

var agentKinds = []AgentKind{
	AgentAnalyzer,
	AgentRefactorer,
	AgentFormatter,
	AgentDocumenter,
	AgentTester,
	AgentOperator,
}

// AgentKinds returns every known kind.
func AgentKinds() []AgentKind {
	out := make([]AgentKind, len(agentKinds))
	copy(out, agentKinds)
	return out
}

func (k AgentKind) Valid() bool {
	for _, known := range agentKinds {
		if k == known {
			return true
		}
	}
	return false
}

func ParseAgentKind(s string) (AgentKind, error) {
	k := AgentKind(strings.ToLower(strings.TrimSpace(s)))
	if !k.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownAgentKind, s)
	}
	return k, nil
}

// AgentPolicy is the per-kind configuration resolved at startup.
type AgentPolicy struct {
	LockTimeout time.Duration
}

// AgentRegistry maps every agent kind to its policy. It is built once when
// the coordinator starts and never changes afterwards.
type AgentRegistry struct {
	fallback AgentPolicy
	policies map[AgentKind]AgentPolicy
}

// NewAgentRegistry resolves overrides keyed by kind name. Unknown names are
// an error so typos in config fail at startup rather than silently.
func NewAgentRegistry(fallback AgentPolicy, overrides map[string]AgentPolicy) (*AgentRegistry, error) {
	reg := &AgentRegistry{fallback: fallback, policies: make(map[AgentKind]AgentPolicy, len(agentKinds))}
	for _, k := range agentKinds {
		reg.policies[k] = fallback
	}
	names := make([]string, 0, len(overrides))
	for name := range overrides {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		kind, err := ParseAgentKind(name)
		if err != nil {
			return nil, err
		}
		p := overrides[name]
		if p.LockTimeout <= 0 {
			p.LockTimeout = fallback.LockTimeout
		}
		reg.policies[kind] = p
	}
	return reg, nil
}

// Policy returns the policy for kind. The empty kind gets the fallback.
func (r *AgentRegistry) Policy(kind AgentKind) (AgentPolicy, error) {
	if kind == "" {
		return r.fallback, nil
	}
	p, ok := r.policies[kind]
	if !ok {
		return AgentPolicy{}, fmt.Errorf("%w: %q", ErrUnknownAgentKind, kind)
	}
	return p, nil
}
