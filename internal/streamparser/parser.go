// Package streamparser decodes the line-delimited JSON event stream emitted
// by a supervised agent's stdout and translates each line into an ordered
// sequence of ParsedEvent values: state-machine inputs and user-visible
// effects. It never panics on malformed input; a bad line is reported once
// and parser state for subsequent lines is unaffected.
package streamparser

import (
	"encoding/json"
	"strings"

	"github.com/agentctl/orchestrator/internal/agentstate"
)

// ParsedEventKind discriminates a ParsedEvent variant.
type ParsedEventKind int

const (
	StateChange ParsedEventKind = iota
	TextOutput
	ToolExecution
	ProgressEvent
	ParseError
)

// ParsedEvent is one effect produced while processing a single input line.
// A line may produce zero, one, or several of these.
type ParsedEvent struct {
	Kind ParsedEventKind

	State agentstate.Event // StateChange

	Text string // TextOutput

	ToolName   string // ToolExecution
	ToolInput  map[string]any
	ToolResult string
	IsError    bool

	Message    string // ProgressEvent, ParseError
	Percentage *int   // ProgressEvent; nil when not reported

	SessionID string // StateChange(Initialized), when the CLI reports one
}

// rawEvent is the tagged-union wire shape of one stdout line.
type rawEvent struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype"`

	SessionID string `json:"session_id"`

	Content contentBlocks `json:"content"`

	ID    string         `json:"id"`
	Name  string         `json:"name"`
	Input map[string]any `json:"input"`

	ToolUseID string `json:"tool_use_id"`
	IsError   bool   `json:"is_error"`

	Result string `json:"result"`

	Error *errorDetail `json:"error"`
}

// errorDetail is the nested payload of a top-level "error" event: Type
// classifies the failure (a "fatal"-ish type means the agent cannot
// continue), and Message is the human-readable description.
type errorDetail struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// contentBlock covers both the assistant message's content blocks and the
// permission-error tool_result's content, which may arrive as either a bare
// string or a list of {type, text} blocks depending on CLI version.
type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// contentBlocks decodes a bare string as a single text block and an array as
// its blocks; null or an empty string leaves it empty.
type contentBlocks []contentBlock

func (c *contentBlocks) UnmarshalJSON(data []byte) error {
	var s string
	if json.Unmarshal(data, &s) == nil {
		if s != "" {
			*c = contentBlocks{{Type: "text", Text: s}}
		}
		return nil
	}
	return json.Unmarshal(data, (*[]contentBlock)(c))
}

// permissionPhrases are the substrings that mark a tool_result as a
// permission error rather than an ordinary tool failure.
var permissionPhrases = []string{
	"requires approval",
	"Do you want to proceed",
	"permission denied",
	"not allowed",
}

func containsPermissionPhrase(s string) bool {
	for _, p := range permissionPhrases {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}

// Parser tracks the most recently seen tool_use so a following tool_result
// (or permission error) can be attributed to the right tool name.
type Parser struct {
	currentToolID   string
	currentToolName string
	haveCurrentTool bool
}

// New returns a Parser ready to process the first line of a stream.
func New() *Parser { return &Parser{} }

// ProcessLine decodes one line of stdout and returns the ParsedEvents it
// produces. A blank line is a no-op. A line that fails to decode as JSON
// yields a single ParseError event; parser state is left untouched so
// subsequent lines decode normally.
func (p *Parser) ProcessLine(line string) []ParsedEvent {
	line = strings.TrimRight(line, "\r\n")
	if strings.TrimSpace(line) == "" {
		return nil
	}

	var raw rawEvent
	if err := json.Unmarshal([]byte(line), &raw); err != nil {
		return []ParsedEvent{{Kind: ParseError, Message: err.Error()}}
	}

	switch raw.Type {
	case "system":
		if raw.Subtype == "init" {
			ev := stateChange(agentstate.Event{Kind: agentstate.Initialized})
			ev.SessionID = raw.SessionID
			return []ParsedEvent{ev}
		}
		return nil

	case "user":
		return nil

	case "assistant":
		events := []ParsedEvent{stateChange(agentstate.Event{Kind: agentstate.TaskStarted})}
		for _, block := range raw.Content {
			if block.Type == "text" && strings.TrimSpace(block.Text) != "" {
				events = append(events, ParsedEvent{Kind: TextOutput, Text: block.Text})
			}
		}
		return events

	case "tool_use":
		p.currentToolID = raw.ID
		p.currentToolName = raw.Name
		p.haveCurrentTool = true
		return []ParsedEvent{
			stateChange(agentstate.Event{Kind: agentstate.ToolUseStarted, ToolName: raw.Name}),
			{Kind: ToolExecution, ToolName: raw.Name, ToolInput: raw.Input},
		}

	case "tool_result":
		return p.processToolResult(raw)

	case "result":
		return p.processResult(raw)

	case "error":
		var message, errType string
		if raw.Error != nil {
			message = raw.Error.Message
			errType = raw.Error.Type
		}
		recoverable := !strings.Contains(strings.ToLower(errType), "fatal")
		return []ParsedEvent{stateChange(agentstate.Event{
			Kind:        agentstate.ErrorOccurred,
			Message:     message,
			Recoverable: recoverable,
		})}

	default:
		return nil
	}
}

func (p *Parser) processToolResult(raw rawEvent) []ParsedEvent {
	content := flattenContent(raw.Content, raw.Result)

	toolName := p.currentToolName
	if raw.IsError && containsPermissionPhrase(content) {
		events := []ParsedEvent{stateChange(agentstate.Event{
			Kind:      agentstate.PermissionRequired,
			ToolName:  toolName,
			ToolInput: map[string]any{},
			RequestID: raw.ToolUseID,
		})}
		p.clearAttribution(raw.ToolUseID)
		return events
	}

	events := []ParsedEvent{stateChange(agentstate.Event{
		Kind:     agentstate.ToolUseCompleted,
		ToolName: toolName,
		Success:  !raw.IsError,
	})}
	if raw.IsError {
		events = append(events, stateChange(agentstate.Event{
			Kind:        agentstate.ErrorOccurred,
			Message:     content,
			Recoverable: true,
		}))
	}
	events = append(events, ParsedEvent{
		Kind:       ToolExecution,
		ToolName:   toolName,
		ToolResult: content,
		IsError:    raw.IsError,
	})
	p.clearAttribution(raw.ToolUseID)
	return events
}

// clearAttribution clears the tracked tool_use only when the given id
// matches the one currently tracked, mirroring the original parser's
// strict-equality guard so an out-of-order or duplicate tool_result cannot
// stomp attribution still pending for another in-flight tool.
func (p *Parser) clearAttribution(toolUseID string) {
	if p.haveCurrentTool && p.currentToolID == toolUseID {
		p.currentToolID = ""
		p.currentToolName = ""
		p.haveCurrentTool = false
	}
}

func (p *Parser) processResult(raw rawEvent) []ParsedEvent {
	if raw.IsError || raw.Subtype == "error" {
		zero := 0
		return []ParsedEvent{
			stateChange(agentstate.Event{Kind: agentstate.ErrorOccurred, Message: raw.Result, Recoverable: true}),
			{Kind: ProgressEvent, Percentage: &zero},
		}
	}
	output := raw.Result
	hundred := 100
	return []ParsedEvent{
		stateChange(agentstate.Event{Kind: agentstate.TaskCompleted, Output: output}),
		{Kind: ProgressEvent, Percentage: &hundred},
	}
}

func flattenContent(blocks []contentBlock, fallback string) string {
	if len(blocks) == 0 {
		return fallback
	}
	var sb strings.Builder
	for i, b := range blocks {
		if i > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString(b.Text)
	}
	return sb.String()
}

func stateChange(e agentstate.Event) ParsedEvent {
	return ParsedEvent{Kind: StateChange, State: e}
}

// PermissionPrompt is a tool name and an ordered option list mined from a
// free-text permission prompt, for CLIs that surface a textual menu instead
// of a bare tool_result error. Supplements the normative event mapping.
type PermissionPrompt struct {
	ToolName string
	Options  []string
}

// ParsePermissionPrompt scans a raw permission-prompt transcript for a tool
// name (the token preceding "requires approval") and an options list (lines
// beginning with a digit or "❯"). Returns false if no tool name is found.
func ParsePermissionPrompt(content string) (*PermissionPrompt, bool) {
	const marker = "requires approval"
	idx := strings.Index(content, marker)
	if idx < 0 {
		return nil, false
	}

	before := strings.TrimSpace(content[:idx])
	fields := strings.Fields(before)
	if len(fields) == 0 {
		return nil, false
	}
	toolName := fields[len(fields)-1]

	var options []string
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if strings.HasPrefix(trimmed, "❯") {
			options = append(options, strings.TrimSpace(strings.TrimPrefix(trimmed, "❯")))
			continue
		}
		if len(trimmed) > 0 && trimmed[0] >= '0' && trimmed[0] <= '9' {
			options = append(options, trimmed)
		}
	}

	return &PermissionPrompt{ToolName: toolName, Options: options}, true
}
