package streamparser

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentctl/orchestrator/internal/agentstate"
)

func TestParseSystemInit(t *testing.T) {
	p := New()
	events := p.ProcessLine(`{"type":"system","subtype":"init","session_id":"s1"}`)
	require.Len(t, events, 1)
	assert.Equal(t, StateChange, events[0].Kind)
	assert.Equal(t, agentstate.Initialized, events[0].State.Kind)
}

func TestParseBlankLineIsNoop(t *testing.T) {
	p := New()
	assert.Nil(t, p.ProcessLine(""))
	assert.Nil(t, p.ProcessLine("   \n"))
}

func TestParseMalformedLineDoesNotCorruptState(t *testing.T) {
	p := New()
	events := p.ProcessLine(`{"type":"tool_use","id":"t1","name":"Read"`)
	require.Len(t, events, 1)
	assert.Equal(t, ParseError, events[0].Kind)

	// Subsequent well-formed lines still parse correctly.
	events = p.ProcessLine(`{"type":"system","subtype":"init"}`)
	require.Len(t, events, 1)
	assert.Equal(t, StateChange, events[0].Kind)
}

func TestParseToolUse(t *testing.T) {
	p := New()
	events := p.ProcessLine(`{"type":"tool_use","id":"t1","name":"Read","input":{"file_path":"/x"}}`)
	require.Len(t, events, 2)
	assert.Equal(t, StateChange, events[0].Kind)
	assert.Equal(t, agentstate.ToolUseStarted, events[0].State.Kind)
	assert.Equal(t, ToolExecution, events[1].Kind)
	assert.Equal(t, "Read", events[1].ToolName)
}

func TestToolUseThenResultThenCompletion(t *testing.T) {
	p := New()
	p.ProcessLine(`{"type":"tool_use","id":"t1","name":"Read","input":{"file_path":"/x"}}`)
	events := p.ProcessLine(`{"type":"tool_result","tool_use_id":"t1","content":"ok","is_error":false}`)
	require.Len(t, events, 2)
	assert.Equal(t, agentstate.ToolUseCompleted, events[0].State.Kind)
	assert.Equal(t, ToolExecution, events[1].Kind)
	assert.Equal(t, "ok", events[1].ToolResult)
	assert.False(t, events[1].IsError)

	events = p.ProcessLine(`{"type":"result","subtype":"success","result":"done","session_id":"s1"}`)
	require.Len(t, events, 2)
	assert.Equal(t, agentstate.TaskCompleted, events[0].State.Kind)
	assert.Equal(t, "done", events[0].State.Output)
	require.NotNil(t, events[1].Percentage)
	assert.Equal(t, 100, *events[1].Percentage)
}

func TestParsePermissionRequest(t *testing.T) {
	p := New()
	p.ProcessLine(`{"type":"tool_use","id":"t2","name":"Bash","input":{"command":"rm -rf /"}}`)
	events := p.ProcessLine(`{"type":"tool_result","tool_use_id":"t2","content":"This command requires approval","is_error":true}`)
	require.Len(t, events, 1)
	assert.Equal(t, agentstate.PermissionRequired, events[0].State.Kind)
	assert.Equal(t, "Bash", events[0].State.ToolName)
	assert.Equal(t, "t2", events[0].State.RequestID)
}

func TestAttributionClearsOnlyOnMatchingID(t *testing.T) {
	p := New()
	p.ProcessLine(`{"type":"tool_use","id":"t1","name":"Read"}`)
	// A tool_result for a different id must not clear attribution for t1.
	p.ProcessLine(`{"type":"tool_result","tool_use_id":"t2","content":"ok","is_error":false}`)
	assert.Equal(t, "t1", p.currentToolID)
}

func TestParsePermissionPromptFreeText(t *testing.T) {
	content := "Bash requires approval\n1. Yes\n2. Yes, and don't ask again\n❯ 3. No"
	prompt, ok := ParsePermissionPrompt(content)
	require.True(t, ok)
	assert.Equal(t, "Bash", prompt.ToolName)
	assert.Len(t, prompt.Options, 3)
}

func TestParseResultError(t *testing.T) {
	p := New()
	events := p.ProcessLine(`{"type":"result","subtype":"error","result":"boom","is_error":true}`)
	require.Len(t, events, 2)
	assert.Equal(t, agentstate.ErrorOccurred, events[0].State.Kind)
	assert.True(t, events[0].State.Recoverable)
	require.NotNil(t, events[1].Percentage)
	assert.Equal(t, 0, *events[1].Percentage)
}

func TestParseResultErrorSubtypeWithoutIsErrorFlag(t *testing.T) {
	p := New()
	events := p.ProcessLine(`{"type":"result","subtype":"error","result":"boom","is_error":false}`)
	require.Len(t, events, 2)
	assert.Equal(t, agentstate.ErrorOccurred, events[0].State.Kind)
}

func TestParseErrorEventRecoverable(t *testing.T) {
	p := New()
	events := p.ProcessLine(`{"type":"error","error":{"type":"overloaded_error","message":"try again"}}`)
	require.Len(t, events, 1)
	assert.Equal(t, agentstate.ErrorOccurred, events[0].State.Kind)
	assert.Equal(t, "try again", events[0].State.Message)
	assert.True(t, events[0].State.Recoverable)
}

func TestParseErrorEventFatalIsUnrecoverable(t *testing.T) {
	p := New()
	events := p.ProcessLine(`{"type":"error","error":{"type":"fatal_error","message":"cannot continue"}}`)
	require.Len(t, events, 1)
	assert.Equal(t, agentstate.ErrorOccurred, events[0].State.Kind)
	assert.Equal(t, "cannot continue", events[0].State.Message)
	assert.False(t, events[0].State.Recoverable)
}
