// Package agentstate implements the pure finite state machine that tracks
// one supervised agent's derived status: transition(current, event) -> next.
package agentstate

import "fmt"

// Kind discriminates an AgentState variant.
type Kind int

const (
	Initializing Kind = iota
	Idle
	Processing
	WaitingForPermission
	WaitingForInput
	Error
	Completed
)

func (k Kind) String() string {
	switch k {
	case Initializing:
		return "initializing"
	case Idle:
		return "idle"
	case Processing:
		return "processing"
	case WaitingForPermission:
		return "waiting_for_permission"
	case WaitingForInput:
		return "waiting_for_input"
	case Error:
		return "error"
	case Completed:
		return "completed"
	default:
		return "unknown"
	}
}

// State is the derived status of one agent. Exactly one Kind is current;
// the remaining fields are only meaningful for the matching Kind.
type State struct {
	Kind Kind

	// Processing
	CurrentTool string

	// WaitingForPermission
	ToolName  string
	ToolInput map[string]any
	RequestID string

	// WaitingForInput
	Question string
	Options  []string

	// Error / Completed
	Message     string
	Recoverable bool
	Output      string
}

func (s State) String() string {
	switch s.Kind {
	case Processing:
		if s.CurrentTool == "" {
			return "processing"
		}
		return fmt.Sprintf("processing(tool=%s)", s.CurrentTool)
	case WaitingForPermission:
		return fmt.Sprintf("waiting_for_permission(tool=%s, request=%s)", s.ToolName, s.RequestID)
	case WaitingForInput:
		return fmt.Sprintf("waiting_for_input(%q)", s.Question)
	case Error:
		return fmt.Sprintf("error(recoverable=%v, %q)", s.Recoverable, s.Message)
	case Completed:
		return fmt.Sprintf("completed(%q)", s.Output)
	default:
		return s.Kind.String()
	}
}

// IsProcessing reports whether the state is Processing.
func (s State) IsProcessing() bool { return s.Kind == Processing }

// IsReady reports whether the agent can accept a new TaskStarted event
// (Idle or Completed).
func (s State) IsReady() bool { return s.Kind == Idle || s.Kind == Completed }

// EventKind discriminates a StateEvent variant.
type EventKind int

const (
	Initialized EventKind = iota
	TaskStarted
	ToolUseStarted
	ToolUseCompleted
	PermissionRequired
	PermissionGranted
	PermissionDenied
	InputRequired
	InputReceived
	ErrorOccurred
	TaskCompleted
)

// Event is an input to the state machine.
type Event struct {
	Kind EventKind

	Prompt string // TaskStarted

	ToolName string // ToolUseStarted, ToolUseCompleted
	Success  bool   // ToolUseCompleted

	ToolInput map[string]any // PermissionRequired
	RequestID string         // PermissionRequired, PermissionGranted, PermissionDenied
	Reason    string         // PermissionDenied

	Question string   // InputRequired
	Options  []string // InputRequired
	Answer   string   // InputReceived

	Message     string // ErrorOccurred
	Recoverable bool   // ErrorOccurred

	Output string // TaskCompleted
}

func (e Event) String() string { return fmt.Sprintf("event(%d)", e.Kind) }

const historyLimit = 100

// Machine owns one agent's current State plus a capped ring-buffer history
// of every state it has been in. It is not safe for concurrent use; callers
// (the Executor) serialize access through their own lock, per the
// single-owner concurrency model.
type Machine struct {
	current State
	history []State
}

// NewMachine returns a Machine starting in Initializing.
func NewMachine() *Machine {
	m := &Machine{current: State{Kind: Initializing}}
	m.record(m.current)
	return m
}

// Current returns the machine's current state.
func (m *Machine) Current() State { return m.current }

// History returns the recorded states, oldest first, capped at 100 entries.
func (m *Machine) History() []State {
	out := make([]State, len(m.history))
	copy(out, m.history)
	return out
}

func (m *Machine) record(s State) {
	m.history = append(m.history, s)
	if len(m.history) > historyLimit {
		m.history = m.history[len(m.history)-historyLimit:]
	}
}

// Apply runs the transition table against the current state and stores the
// result as the new current state, returning it. Transitions not in the
// table are the identity transition (state preserved).
func (m *Machine) Apply(e Event) State {
	next := transition(m.current, e)
	m.current = next
	m.record(next)
	return next
}

// ForceState bypasses the transition table entirely. Reserved for
// supervisory resets (e.g. Executor.Stop()).
func (m *Machine) ForceState(s State) {
	m.current = s
	m.record(s)
}

// transition is the pure (state, event) -> state function governing agent
// lifecycle transitions. Anything not covered here is the identity
// transition.
func transition(cur State, e Event) State {
	switch e.Kind {
	case Initialized:
		if cur.Kind == Initializing || cur.Kind == Completed {
			return State{Kind: Idle}
		}
		return cur

	case TaskStarted:
		if cur.Kind == Idle || cur.Kind == Completed {
			return State{Kind: Processing}
		}
		if cur.Kind == Error && cur.Recoverable {
			return State{Kind: Processing}
		}
		return cur

	case ToolUseStarted:
		if cur.Kind == Processing {
			return State{Kind: Processing, CurrentTool: e.ToolName}
		}
		return cur

	case ToolUseCompleted:
		// Unchanged per the transition table.
		return cur

	case PermissionRequired:
		if cur.Kind == Processing {
			return State{
				Kind:      WaitingForPermission,
				ToolName:  e.ToolName,
				ToolInput: e.ToolInput,
				RequestID: e.RequestID,
			}
		}
		return cur

	case InputRequired:
		if cur.Kind == Processing {
			return State{Kind: WaitingForInput, Question: e.Question, Options: e.Options}
		}
		return cur

	case ErrorOccurred:
		if cur.Kind == Processing {
			return State{Kind: Error, Message: e.Message, Recoverable: e.Recoverable}
		}
		return cur

	case TaskCompleted:
		if cur.Kind == Processing {
			return State{Kind: Completed, Output: e.Output}
		}
		return cur

	case PermissionGranted:
		if cur.Kind == WaitingForPermission {
			return State{Kind: Processing}
		}
		return cur

	case PermissionDenied:
		if cur.Kind == WaitingForPermission {
			return State{
				Kind:        Error,
				Message:     "Permission denied: " + e.Reason,
				Recoverable: true,
			}
		}
		return cur

	case InputReceived:
		if cur.Kind == WaitingForInput {
			return State{Kind: Processing}
		}
		return cur

	default:
		return cur
	}
}
