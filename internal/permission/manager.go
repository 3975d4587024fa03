// Package permission implements policy-driven arbitration of tool-execution
// requests: pre-approval lists, pattern matching, session-scoped grants,
// automatic safety rules, dangerous-command denial, and human escalation
// with timed waits.
package permission

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Policy selects the arbitration mode.
type Policy int

const (
	// Standard applies the full decision order (default).
	Standard Policy = iota
	ReadOnly
	Strict
	Permissive
)

// DecisionKind discriminates a Decision variant.
type DecisionKind int

const (
	Allow DecisionKind = iota
	Deny
	RequireHuman
)

// Decision is the outcome of check_permission.
type Decision struct {
	Kind DecisionKind

	Always bool // Allow

	Reason string // Deny

	RequestID string         // RequireHuman
	ToolName  string         // RequireHuman
	ToolInput map[string]any // RequireHuman
	Options   []string       // RequireHuman
}

// Request is a stored pending human-escalation request.
type Request struct {
	RequestID string
	ToolName  string
	ToolInput map[string]any
	Options   []string
	Timestamp time.Time
}

// defaultPreApproved is the curated read-only tool/pattern allowlist: exact
// tool names plus Bash(<prefix>:*) patterns.
var defaultPreApproved = []string{
	"Read", "Glob", "Grep", "TodoWrite", "WebSearch", "WebFetch",
	"Bash(ls:*)", "Bash(cat:*)", "Bash(head:*)", "Bash(tail:*)",
	"Bash(find:*)", "Bash(grep:*)", "Bash(rg:*)", "Bash(pwd:*)", "Bash(echo:*)",
}

var safeReadBashPrefixes = []string{"ls ", "cat ", "head ", "tail ", "find ", "grep ", "rg "}

var dangerousBashPrefixes = []string{"rm -rf", "rm -r", "mkfs", "dd if=", "> /dev/", "chmod 777"}

// Config configures a Manager.
type Config struct {
	Policy        Policy
	PreApproved   []string // exact tool names or Bash(<prefix>:*) patterns
	RequestTTL    time.Duration
	PollInterval  time.Duration // human-response poll cadence, floor 200ms
}

// DefaultConfig returns Standard policy with the curated read-only
// pre-approvals and a 5 minute request TTL.
func DefaultConfig() *Config {
	return &Config{
		Policy:       Standard,
		PreApproved:  append([]string(nil), defaultPreApproved...),
		RequestTTL:   5 * time.Minute,
		PollInterval: 200 * time.Millisecond,
	}
}

func sanitizeConfig(cfg *Config) *Config {
	if cfg == nil {
		return DefaultConfig()
	}
	out := *cfg
	if out.PreApproved == nil {
		out.PreApproved = append([]string(nil), defaultPreApproved...)
	}
	if out.RequestTTL <= 0 {
		out.RequestTTL = 5 * time.Minute
	}
	if out.PollInterval < 200*time.Millisecond {
		out.PollInterval = 200 * time.Millisecond
	}
	return &out
}

// ErrTimeout is returned by WaitForHumanResponse when no decision arrives
// before the deadline.
type ErrTimeout struct{ RequestID string }

func (e *ErrTimeout) Error() string {
	return fmt.Sprintf("permission: timed out waiting for human response to %s", e.RequestID)
}

// Manager arbitrates tool-execution requests for one agent session. Its
// pending-requests and responses maps are locked independently from any
// caller's own state, per the concurrency model: WaitForHumanResponse never
// holds a lock across its sleeps.
type Manager struct {
	cfg *Config

	mu              sync.Mutex
	sessionApproved map[string]struct{}

	reqMu     sync.Mutex
	pending   map[string]Request
	responses map[string]Decision
}

// NewManager constructs a Manager. A nil Config uses DefaultConfig.
func NewManager(cfg *Config) *Manager {
	return &Manager{
		cfg:             sanitizeConfig(cfg),
		sessionApproved: make(map[string]struct{}),
		pending:         make(map[string]Request),
		responses:       make(map[string]Decision),
	}
}

// Reset clears the session-approved set, as on a new agent session.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessionApproved = make(map[string]struct{})
}

// CheckPermission runs the policy-driven decision order: policy shortcuts,
// pre-approval, session grants, automatic safety rules, then human
// escalation.
func (m *Manager) CheckPermission(toolName string, input map[string]any, requestID string) Decision {
	if requestID == "" {
		requestID = uuid.NewString()
	}

	switch m.cfg.Policy {
	case Permissive:
		return Decision{Kind: Allow, Always: false}
	case Strict:
		return m.requireHuman(toolName, input, requestID)
	case ReadOnly:
		if m.isPreApproved(toolName, input) {
			return Decision{Kind: Allow, Always: true}
		}
		return Decision{Kind: Deny, Reason: "read-only policy: " + toolName + " is not a pre-approved read-only tool"}
	}

	if m.isPreApproved(toolName, input) {
		return Decision{Kind: Allow, Always: true}
	}

	if m.isSessionApproved(toolName) {
		return Decision{Kind: Allow, Always: false}
	}

	if d, matched := automaticRules(toolName, input); matched {
		return d
	}

	return m.requireHuman(toolName, input, requestID)
}

func (m *Manager) requireHuman(toolName string, input map[string]any, requestID string) Decision {
	req := Request{RequestID: requestID, ToolName: toolName, ToolInput: input, Timestamp: time.Now()}
	m.reqMu.Lock()
	m.pending[requestID] = req
	m.reqMu.Unlock()

	return Decision{Kind: RequireHuman, RequestID: requestID, ToolName: toolName, ToolInput: input}
}

func (m *Manager) isPreApproved(toolName string, input map[string]any) bool {
	for _, pattern := range m.cfg.PreApproved {
		if pattern == toolName {
			return true
		}
		if toolName == "Bash" && strings.HasPrefix(pattern, "Bash(") && strings.HasSuffix(pattern, ":*)") {
			prefix := strings.TrimSuffix(strings.TrimPrefix(pattern, "Bash("), ":*)")
			if cmd, ok := stringField(input, "command"); ok {
				if strings.HasPrefix(strings.ToLower(strings.TrimSpace(cmd)), strings.ToLower(prefix)) {
					return true
				}
			}
		}
	}
	return false
}

func (m *Manager) isSessionApproved(toolName string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sessionApproved[toolName]
	return ok
}

// automaticRules implements step 5 of the decision order: Edit/Write/Bash
// safety heuristics that do not depend on policy or session state.
func automaticRules(toolName string, input map[string]any) (Decision, bool) {
	switch toolName {
	case "Edit":
		oldStr, _ := stringField(input, "old_string")
		newStr, _ := stringField(input, "new_string")
		if oldStr == newStr || oldStr == "" {
			return Decision{Kind: Allow, Always: false}, true
		}
	case "Write":
		if path, ok := stringField(input, "file_path"); ok {
			if strings.HasPrefix(path, "/tmp/") || strings.HasPrefix(path, "/var/folders/") {
				return Decision{Kind: Allow, Always: false}, true
			}
		}
	case "Bash":
		cmd, ok := stringField(input, "command")
		if !ok {
			break
		}
		trimmed := strings.TrimSpace(cmd)
		lower := strings.ToLower(trimmed)
		for _, prefix := range dangerousBashPrefixes {
			if strings.HasPrefix(lower, strings.ToLower(prefix)) {
				return Decision{Kind: Deny, Reason: "Dangerous command: " + prefix}, true
			}
		}
		for _, prefix := range safeReadBashPrefixes {
			if strings.HasPrefix(trimmed, prefix) {
				return Decision{Kind: Allow, Always: false}, true
			}
		}
	}
	return Decision{}, false
}

func stringField(input map[string]any, key string) (string, bool) {
	if input == nil {
		return "", false
	}
	v, ok := input[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// WaitForHumanResponse polls the responses map at the configured cadence
// (floor 200ms) until a decision is submitted for requestID or the timeout
// elapses.
func (m *Manager) WaitForHumanResponse(ctx context.Context, requestID string, timeout time.Duration) (Decision, error) {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		m.reqMu.Lock()
		d, ok := m.responses[requestID]
		if ok {
			delete(m.responses, requestID)
		}
		m.reqMu.Unlock()
		if ok {
			return d, nil
		}

		if time.Now().After(deadline) {
			return Decision{}, &ErrTimeout{RequestID: requestID}
		}

		select {
		case <-ctx.Done():
			return Decision{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

// SubmitHumanResponse records a human operator's decision for a pending
// request, removing it from the pending set. If the decision is
// Allow{always:true}, the tool name is added to the session-approved set so
// later requests for it skip human escalation entirely.
func (m *Manager) SubmitHumanResponse(requestID string, decision Decision) error {
	m.reqMu.Lock()
	req, ok := m.pending[requestID]
	if ok {
		delete(m.pending, requestID)
	}
	m.responses[requestID] = decision
	m.reqMu.Unlock()

	if !ok {
		return fmt.Errorf("permission: no pending request %s", requestID)
	}

	if decision.Kind == Allow && decision.Always {
		m.mu.Lock()
		m.sessionApproved[req.ToolName] = struct{}{}
		m.mu.Unlock()
	}
	return nil
}

// Prune removes pending requests older than olderThan and returns how many
// were removed.
func (m *Manager) Prune(olderThan time.Duration) int {
	cutoff := time.Now().Add(-olderThan)
	m.reqMu.Lock()
	defer m.reqMu.Unlock()
	removed := 0
	for id, req := range m.pending {
		if req.Timestamp.Before(cutoff) {
			delete(m.pending, id)
			removed++
		}
	}
	return removed
}

// PendingRequests returns a snapshot of all outstanding human-escalation
// requests, newest last.
func (m *Manager) PendingRequests() []Request {
	m.reqMu.Lock()
	defer m.reqMu.Unlock()
	out := make([]Request, 0, len(m.pending))
	for _, r := range m.pending {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}

// CLIArgs emits one --allowed-tools flag pair per pre-approved pattern.
func (m *Manager) CLIArgs() []string {
	args := make([]string, 0, len(m.cfg.PreApproved)*2)
	for _, pattern := range m.cfg.PreApproved {
		args = append(args, "--allowed-tools", pattern)
	}
	return args
}
