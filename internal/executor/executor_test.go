package executor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentctl/orchestrator/internal/agentstate"
	"github.com/agentctl/orchestrator/internal/permission"
)

// fakeProcess is an in-memory childProcess double driven directly by tests,
// standing in for a real spawned agent binary.
type fakeProcess struct {
	lines   chan string
	written []string
	killed  bool
}

func newFakeProcess() *fakeProcess {
	return &fakeProcess{lines: make(chan string, 64)}
}

func (f *fakeProcess) Lines() <-chan string { return f.lines }
func (f *fakeProcess) WriteLine(s string) error {
	f.written = append(f.written, s)
	return nil
}
func (f *fakeProcess) Kill() error { f.killed = true; return nil }
func (f *fakeProcess) Wait() error { return nil }

func (f *fakeProcess) feed(lines ...string) {
	for _, l := range lines {
		f.lines <- l
	}
}

func (f *fakeProcess) closeStream() { close(f.lines) }

func TestToolUseThenCompletion(t *testing.T) {
	proc := newFakeProcess()
	e := New(DefaultOptions(), permission.NewManager(nil))
	e.opts.CompletionPollInterval = 2 * time.Millisecond
	e.proc = proc
	e.running = true
	// The child has already initialized, so TaskStarted moves Idle to Processing.
	e.machine.ForceState(agentstate.State{Kind: agentstate.Idle})
	go e.readLoop(proc)

	done := make(chan struct{})
	var out string
	var execErr error
	go func() {
		out, execErr = e.Execute(context.Background(), "do the task")
		close(done)
	}()

	// Let Execute observe the process as already running and transition.
	time.Sleep(5 * time.Millisecond)
	proc.feed(
		`{"type":"tool_use","id":"t1","name":"Read","input":{"file_path":"/x"}}`,
		`{"type":"tool_result","tool_use_id":"t1","content":"ok","is_error":false}`,
		`{"type":"result","subtype":"success","result":"done"}`,
	)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("execute did not complete")
	}

	require.NoError(t, execErr)
	assert.Equal(t, "done", out)
}

func TestPermissionEscalationDangerousCommandIsDenied(t *testing.T) {
	proc := newFakeProcess()
	e := New(DefaultOptions(), permission.NewManager(permission.DefaultConfig()))
	e.opts.CompletionPollInterval = 2 * time.Millisecond
	e.proc = proc
	e.running = true
	// The child has already initialized, so TaskStarted moves Idle to Processing.
	e.machine.ForceState(agentstate.State{Kind: agentstate.Idle})
	go e.readLoop(proc)

	done := make(chan struct{})
	var execErr error
	go func() {
		_, execErr = e.Execute(context.Background(), "rm everything")
		close(done)
	}()

	time.Sleep(5 * time.Millisecond)
	proc.feed(
		`{"type":"tool_use","id":"t2","name":"Bash","input":{"command":"rm -rf /"}}`,
		`{"type":"tool_result","tool_use_id":"t2","content":"This command requires approval","is_error":true}`,
	)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("execute did not complete")
	}

	require.Error(t, execErr)
	var execError *Error
	require.ErrorAs(t, execErr, &execError)
	assert.Equal(t, KindPermissionDenied, execError.Kind)
	assert.Equal(t, agentstate.Error, e.CurrentState().Kind)
	assert.Contains(t, proc.written, "3")
}

func TestSessionIDCapturedFromInit(t *testing.T) {
	proc := newFakeProcess()
	e := New(DefaultOptions(), permission.NewManager(nil))
	e.proc = proc
	e.running = true
	go e.readLoop(proc)

	proc.feed(`{"type":"system","subtype":"init","session_id":"s1"}`)
	require.Eventually(t, func() bool { return e.SessionID() == "s1" }, time.Second, time.Millisecond)
}

func TestEOFSurfacesUnrecoverableError(t *testing.T) {
	proc := newFakeProcess()
	e := New(DefaultOptions(), permission.NewManager(nil))
	e.proc = proc
	e.running = true
	go e.readLoop(proc)

	proc.closeStream()
	require.Eventually(t, func() bool {
		s := e.CurrentState()
		return s.Kind == agentstate.Error && !s.Recoverable
	}, time.Second, time.Millisecond)
}
