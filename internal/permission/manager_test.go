package permission

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewManagerDefaults(t *testing.T) {
	m := NewManager(nil)
	assert.Equal(t, Standard, m.cfg.Policy)
	assert.NotEmpty(t, m.cfg.PreApproved)
}

func TestPermissivePolicyAlwaysAllows(t *testing.T) {
	m := NewManager(&Config{Policy: Permissive})
	d := m.CheckPermission("Bash", map[string]any{"command": "rm -rf /"}, "")
	assert.Equal(t, Allow, d.Kind)
}

func TestStrictPolicyAlwaysEscalates(t *testing.T) {
	m := NewManager(&Config{Policy: Strict})
	d := m.CheckPermission("Read", nil, "r1")
	assert.Equal(t, RequireHuman, d.Kind)
}

func TestPreApprovedExactTool(t *testing.T) {
	m := NewManager(DefaultConfig())
	d := m.CheckPermission("Read", map[string]any{"file_path": "/x"}, "")
	assert.Equal(t, Allow, d.Kind)
	assert.True(t, d.Always)
}

func TestPreApprovedBashPattern(t *testing.T) {
	m := NewManager(DefaultConfig())
	d := m.CheckPermission("Bash", map[string]any{"command": "LS -la /tmp"}, "")
	assert.Equal(t, Allow, d.Kind)
}

func TestAutoDenyDangerousCommand(t *testing.T) {
	m := NewManager(DefaultConfig())
	d := m.CheckPermission("Bash", map[string]any{"command": "rm -rf /"}, "t2")
	require.Equal(t, Deny, d.Kind)
	assert.Contains(t, d.Reason, "rm -rf")
}

func TestAutoAllowSafeReadBash(t *testing.T) {
	m := NewManager(&Config{Policy: Standard})
	d := m.CheckPermission("Bash", map[string]any{"command": "cat foo.txt"}, "")
	assert.Equal(t, Allow, d.Kind)
}

func TestEditWithEmptyOldStringAutoAllows(t *testing.T) {
	m := NewManager(&Config{Policy: Standard})
	d := m.CheckPermission("Edit", map[string]any{"old_string": "", "new_string": "x"}, "")
	assert.Equal(t, Allow, d.Kind)
}

func TestWriteToTmpAutoAllows(t *testing.T) {
	m := NewManager(&Config{Policy: Standard})
	d := m.CheckPermission("Write", map[string]any{"file_path": "/tmp/scratch.txt"}, "")
	assert.Equal(t, Allow, d.Kind)
}

func TestUnmatchedToolEscalates(t *testing.T) {
	m := NewManager(&Config{Policy: Standard})
	d := m.CheckPermission("MysteryTool", map[string]any{}, "req1")
	require.Equal(t, RequireHuman, d.Kind)
	assert.Equal(t, "req1", d.RequestID)
}

func TestWaitForHumanResponseTimesOut(t *testing.T) {
	m := NewManager(&Config{Policy: Standard, PollInterval: 1 * time.Millisecond})
	m.CheckPermission("MysteryTool", nil, "req1")
	_, err := m.WaitForHumanResponse(context.Background(), "req1", 20*time.Millisecond)
	require.Error(t, err)
	var timeoutErr *ErrTimeout
	assert.ErrorAs(t, err, &timeoutErr)
}

func TestSubmitHumanResponseAlwaysAllowAddsSessionApproval(t *testing.T) {
	m := NewManager(&Config{Policy: Standard, PollInterval: 1 * time.Millisecond})
	m.CheckPermission("MysteryTool", nil, "req1")
	err := m.SubmitHumanResponse("req1", Decision{Kind: Allow, Always: true})
	require.NoError(t, err)

	d := m.CheckPermission("MysteryTool", nil, "req2")
	assert.Equal(t, Allow, d.Kind)
}

func TestWaitForHumanResponseReceivesSubmittedDecision(t *testing.T) {
	m := NewManager(&Config{Policy: Standard, PollInterval: 1 * time.Millisecond})
	m.CheckPermission("MysteryTool", nil, "req1")

	go func() {
		time.Sleep(5 * time.Millisecond)
		_ = m.SubmitHumanResponse("req1", Decision{Kind: Deny, Reason: "no"})
	}()

	d, err := m.WaitForHumanResponse(context.Background(), "req1", time.Second)
	require.NoError(t, err)
	assert.Equal(t, Deny, d.Kind)
}

func TestPruneRemovesStaleRequests(t *testing.T) {
	m := NewManager(DefaultConfig())
	m.CheckPermission("MysteryTool", nil, "req1")
	m.pending["req1"] = Request{RequestID: "req1", Timestamp: time.Now().Add(-10 * time.Minute)}
	removed := m.Prune(5 * time.Minute)
	assert.Equal(t, 1, removed)
}

func TestGenerateCLIArgs(t *testing.T) {
	m := NewManager(&Config{Policy: Standard, PreApproved: []string{"Read", "Bash(ls:*)"}})
	args := m.CLIArgs()
	assert.Equal(t, []string{"--allowed-tools", "Read", "--allowed-tools", "Bash(ls:*)"}, args)
}
