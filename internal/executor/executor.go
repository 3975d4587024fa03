// Package executor supervises one child agent process over a
// line-delimited JSON stdout stream, owns its derived state machine, and
// arbitrates mid-task permission requests via a permission.Manager.
package executor

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/agentctl/orchestrator/internal/agentstate"
	"github.com/agentctl/orchestrator/internal/permission"
	"github.com/agentctl/orchestrator/internal/streamparser"
)

// EventKind discriminates an ExecutorEvent variant.
type EventKind int

const (
	StateChanged EventKind = iota
	Output
	ToolExecution
	PermissionRequired
	Progress
	Completed
	ExecutorError
)

// Event is one item on the executor's event channel. Events are dropped if
// the channel is full (counted in Metrics.DroppedEvents); authoritative
// state remains queryable via CurrentState regardless.
type Event struct {
	Kind EventKind

	Old, New agentstate.State // StateChanged

	Content string // Output

	ToolName string // ToolExecution, PermissionRequired
	Result   string // ToolExecution
	IsError  bool   // ToolExecution

	RequestID string   // PermissionRequired
	Options   []string // PermissionRequired

	Message    string // Progress, ExecutorError
	Percentage int    // Progress

	Output string // Completed

	Recoverable bool // ExecutorError
}

// Metrics is a point-in-time snapshot of cumulative execution counters.
type Metrics struct {
	Executions        int64
	ToolExecutions    int64
	PermissionDenials int64
	HumanEscalations  int64
	Timeouts          int64
	Errors            int64
	DroppedEvents     int64
}

// Executor supervises exactly one child agent process.
type Executor struct {
	opts    *Options
	permMgr *permission.Manager
	logger  *slog.Logger

	// mu protects machine, sessionID, proc, running, lastToolInput: the
	// reader goroutine acquires it only briefly per line; Execute holds
	// executeMu (a separate, coarser lock) for the whole prompt->completion
	// span, per the "at most one prompt in flight" invariant.
	mu        sync.Mutex
	machine   *agentstate.Machine
	sessionID string
	proc      childProcess
	running   bool
	// lastToolInput is the input of the most recent tool_use, used for a
	// permission check when the permission event itself carries none.
	lastToolInput map[string]any

	executeMu sync.Mutex

	events chan Event

	metrics Metrics
}

// New constructs an Executor. A nil Options uses DefaultOptions (Command
// must still be set by the caller before Start).
func New(opts *Options, permMgr *permission.Manager) *Executor {
	o := sanitizeOptions(opts)
	if permMgr == nil {
		permMgr = permission.NewManager(nil)
	}
	return &Executor{
		opts:    o,
		permMgr: permMgr,
		logger:  o.Logger,
		machine: agentstate.NewMachine(),
		events:  make(chan Event, o.EventBufferSize),
	}
}

// Events returns the executor's bounded event channel.
func (e *Executor) Events() <-chan Event { return e.events }

// CurrentState returns the authoritative current state, regardless of any
// dropped events.
func (e *Executor) CurrentState() agentstate.State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.machine.Current()
}

// SessionID returns the captured or generated session id, or "" if the
// executor has not progressed past Initializing.
func (e *Executor) SessionID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sessionID
}

// Metrics returns a snapshot of execution counters.
func (e *Executor) Metrics() Metrics {
	return Metrics{
		Executions:        atomic.LoadInt64(&e.metrics.Executions),
		ToolExecutions:    atomic.LoadInt64(&e.metrics.ToolExecutions),
		PermissionDenials: atomic.LoadInt64(&e.metrics.PermissionDenials),
		HumanEscalations:  atomic.LoadInt64(&e.metrics.HumanEscalations),
		Timeouts:          atomic.LoadInt64(&e.metrics.Timeouts),
		Errors:            atomic.LoadInt64(&e.metrics.Errors),
		DroppedEvents:     atomic.LoadInt64(&e.metrics.DroppedEvents),
	}
}

// Start spawns the child process and launches the background stdout
// reader. Safe to call again after Stop.
func (e *Executor) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return ErrAlreadyRunning
	}
	e.mu.Unlock()

	// Rate-limit spawns before acquiring mu: Wait can block for up to a
	// second, and must not hold up CurrentState/Metrics readers meanwhile.
	if err := e.opts.limiter.Wait(ctx); err != nil {
		return newError(KindProcess, "spawn rate limit", err)
	}

	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return ErrAlreadyRunning
	}

	args := e.opts.BuildArgs()
	proc, err := spawn(ctx, e.opts.Command, args, e.opts.WorkDir)
	if err != nil {
		e.mu.Unlock()
		return err
	}

	e.proc = proc
	e.running = true
	e.machine = agentstate.NewMachine()
	e.permMgr.Reset()
	e.mu.Unlock()

	go e.readLoop(proc)
	return nil
}

// Stop best-effort terminates the child and force-resets state to Idle.
func (e *Executor) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		return nil
	}
	e.running = false
	var err error
	if e.proc != nil {
		err = e.proc.Kill()
	}
	e.machine.ForceState(agentstate.State{Kind: agentstate.Idle})
	return err
}

// readLoop is the single background task that owns stdout consumption: it
// feeds the stream parser, applies transitions under a briefly-held lock,
// and publishes ExecutorEvents. It exits on EOF, surfacing a terminal,
// unrecoverable Error.
func (e *Executor) readLoop(proc childProcess) {
	parser := streamparser.New()
	sawInit := false
	firstEventAfterResume := e.opts.ResumeSessionID != ""

	for line := range proc.Lines() {
		for _, pe := range parser.ProcessLine(line) {
			switch pe.Kind {
			case streamparser.StateChange:
				if pe.State.Kind == agentstate.Initialized {
					sawInit = true
					e.setSessionIDFromInit(pe.SessionID)
				} else if firstEventAfterResume && !sawInit && pe.State.Kind == agentstate.ErrorOccurred {
					pe.State.Message = ErrSessionResumeFailed.Error() + ": " + pe.State.Message
				}
				firstEventAfterResume = false
				e.applyTransition(pe.State)
			case streamparser.TextOutput:
				e.publish(Event{Kind: Output, Content: pe.Text})
			case streamparser.ToolExecution:
				if pe.ToolInput != nil {
					e.mu.Lock()
					e.lastToolInput = pe.ToolInput
					e.mu.Unlock()
				}
				atomic.AddInt64(&e.metrics.ToolExecutions, 1)
				e.publish(Event{Kind: ToolExecution, ToolName: pe.ToolName, Result: pe.ToolResult, IsError: pe.IsError})
			case streamparser.ProgressEvent:
				pct := 0
				if pe.Percentage != nil {
					pct = *pe.Percentage
				}
				e.publish(Event{Kind: Progress, Percentage: pct, Message: pe.Message})
			case streamparser.ParseError:
				e.logger.Warn("executor: stream parse error", "error", pe.Message)
			}
		}
	}

	// EOF: surface an unrecoverable error; subsequent Execute calls fail
	// until Start is called again.
	e.mu.Lock()
	e.running = false
	e.machine.ForceState(agentstate.State{Kind: agentstate.Error, Message: "EOF", Recoverable: false})
	e.mu.Unlock()
	atomic.AddInt64(&e.metrics.Errors, 1)
	e.publish(Event{Kind: ExecutorError, Message: "EOF", Recoverable: false})
}

func (e *Executor) applyTransition(se agentstate.Event) {
	e.mu.Lock()
	old := e.machine.Current()
	next := e.machine.Apply(se)
	if next.Kind == agentstate.Idle && e.sessionID == "" {
		e.sessionID = uuid.NewString()
	}
	e.mu.Unlock()

	if old.Kind != next.Kind || old.String() != next.String() {
		e.publish(Event{Kind: StateChanged, Old: old, New: next})
	}
	if next.Kind == agentstate.WaitingForPermission {
		e.publish(Event{
			Kind:      PermissionRequired,
			ToolName:  next.ToolName,
			RequestID: next.RequestID,
		})
	}
	if next.Kind == agentstate.Completed {
		e.publish(Event{Kind: Completed, Output: next.Output})
	}
}

func (e *Executor) publish(ev Event) {
	select {
	case e.events <- ev:
	default:
		atomic.AddInt64(&e.metrics.DroppedEvents, 1)
	}
}

// setSessionIDFromInit captures a session id explicitly, used when the first
// system{subtype="init"} line carries one.
func (e *Executor) setSessionIDFromInit(id string) {
	if id == "" {
		return
	}
	e.mu.Lock()
	if e.sessionID == "" {
		e.sessionID = id
	}
	e.mu.Unlock()
}

// Execute writes prompt to the child's stdin and runs the completion loop
// to termination, auto-starting the child if it is not already running.
// Execute holds its lock for the whole prompt->completion span: at most one
// concurrent Execute per Executor.
func (e *Executor) Execute(ctx context.Context, prompt string) (string, error) {
	e.executeMu.Lock()
	defer e.executeMu.Unlock()

	e.mu.Lock()
	running := e.running
	proc := e.proc
	e.mu.Unlock()

	if !running {
		if err := e.Start(ctx); err != nil {
			return "", err
		}
		e.mu.Lock()
		proc = e.proc
		e.mu.Unlock()
	}

	if err := proc.WriteLine(prompt); err != nil {
		return "", err
	}
	e.applyTransition(agentstate.Event{Kind: agentstate.TaskStarted, Prompt: prompt})
	atomic.AddInt64(&e.metrics.Executions, 1)

	return e.completionLoop(ctx)
}

// completionLoop polls the current state at CompletionPollInterval
// (≥100ms) until the task completes, fails, or CompletionTimeout elapses.
func (e *Executor) completionLoop(ctx context.Context) (string, error) {
	deadline := time.Now().Add(e.opts.CompletionTimeout)
	ticker := time.NewTicker(e.opts.CompletionPollInterval)
	defer ticker.Stop()

	for {
		state := e.CurrentState()

		switch {
		case state.Kind == agentstate.Completed:
			return state.Output, nil
		case state.Kind == agentstate.Error && !state.Recoverable:
			atomic.AddInt64(&e.metrics.Errors, 1)
			return "", newError(KindProcess, state.Message, nil)
		case state.Kind == agentstate.Error && state.Recoverable:
			e.logger.Debug("executor: recoverable error, continuing", "message", state.Message)
		case state.Kind == agentstate.WaitingForPermission:
			if err := e.handlePermissionRequest(ctx, state); err != nil {
				return "", err
			}
		}

		if time.Now().After(deadline) {
			atomic.AddInt64(&e.metrics.Timeouts, 1)
			return "", newError(KindTimeout, "execute timed out", nil)
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}
	}
}

// handlePermissionRequest consults the Permission Manager and writes the
// decision back to the child's stdin. Writes are flushed by
// childProcess.WriteLine. A RequireHuman decision awaits the human response
// with the configured timeout rather than silently auto-approving, unless
// AutoApproveEscalations is explicitly set.
func (e *Executor) handlePermissionRequest(ctx context.Context, state agentstate.State) error {
	input := state.ToolInput
	if len(input) == 0 {
		e.mu.Lock()
		input = e.lastToolInput
		e.mu.Unlock()
	}
	decision := e.permMgr.CheckPermission(state.ToolName, input, state.RequestID)

	switch decision.Kind {
	case permission.Allow:
		if err := e.writeDecisionAndTransition(state.RequestID, "1", agentstate.PermissionGranted, ""); err != nil {
			return err
		}
		return nil

	case permission.Deny:
		atomic.AddInt64(&e.metrics.PermissionDenials, 1)
		if err := e.writeDecisionAndTransition(state.RequestID, "3", agentstate.PermissionDenied, decision.Reason); err != nil {
			return err
		}
		return newError(KindPermissionDenied, decision.Reason, nil)

	case permission.RequireHuman:
		atomic.AddInt64(&e.metrics.HumanEscalations, 1)
		if e.opts.AutoApproveEscalations {
			return e.writeDecisionAndTransition(state.RequestID, "1", agentstate.PermissionGranted, "")
		}

		human, err := e.permMgr.WaitForHumanResponse(ctx, decision.RequestID, e.opts.HumanResponseTimeout)
		if err != nil {
			// Best-effort unblock the child so it does not hang forever,
			// then surface the timeout.
			_ = e.writeDecisionAndTransition(state.RequestID, "3", agentstate.PermissionDenied, "human response timed out")
			atomic.AddInt64(&e.metrics.Timeouts, 1)
			return newError(KindTimeout, "timed out awaiting human permission response", err)
		}

		switch human.Kind {
		case permission.Allow:
			return e.writeDecisionAndTransition(state.RequestID, "1", agentstate.PermissionGranted, "")
		default:
			atomic.AddInt64(&e.metrics.PermissionDenials, 1)
			if err := e.writeDecisionAndTransition(state.RequestID, "3", agentstate.PermissionDenied, human.Reason); err != nil {
				return err
			}
			return newError(KindPermissionDenied, human.Reason, nil)
		}
	}

	return nil
}

func (e *Executor) writeDecisionAndTransition(requestID, wire string, eventKind agentstate.EventKind, reason string) error {
	e.mu.Lock()
	proc := e.proc
	e.mu.Unlock()
	if proc == nil {
		return ErrNotRunning
	}
	if err := proc.WriteLine(wire); err != nil {
		return err
	}
	e.applyTransition(agentstate.Event{Kind: eventKind, RequestID: requestID, Reason: reason})
	return nil
}

// IsPermissionErrorContent reports whether tool_result content reads as a
// permission failure, exposed for callers that need to pre-screen text
// without going through the full stream parser.
func IsPermissionErrorContent(content string) bool {
	lower := strings.ToLower(content)
	for _, phrase := range []string{"requires approval", "do you want to proceed", "permission denied", "not allowed"} {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}
