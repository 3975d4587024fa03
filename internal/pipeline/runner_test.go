package pipeline

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubAgent struct {
	response string
	err      error
	calls    []string
}

func (s *stubAgent) Execute(ctx context.Context, prompt string) (string, error) {
	s.calls = append(s.calls, prompt)
	return s.response, s.err
}

func TestRegisterRejectsEmptyStages(t *testing.T) {
	r := NewRunner(nil)
	_, err := r.Register(&Definition{Name: "empty"})
	require.Error(t, err)
}

func TestRegisterGeneratesID(t *testing.T) {
	r := NewRunner(nil)
	id, err := r.Register(&Definition{Name: "p", Stages: []Stage{{Name: "s1", Agent: "a1"}}})
	require.NoError(t, err)
	assert.NotEmpty(t, id)
}

func TestRunDeterministicThenAgentStage(t *testing.T) {
	r := NewRunner(nil)
	r.RegisterDirectHandler("echo", func(ctx context.Context, payload map[string]any, exec *Execution) (string, error) {
		return "hello", nil
	})
	agent := &stubAgent{response: "hola"}
	r.RegisterAgent("translator", agent)

	id, err := r.Register(&Definition{
		Name: "translate",
		Stages: []Stage{
			{Name: "S1", PromptTemplate: `INLINE_STAGE:{"stage":"echo"}`},
			{Name: "S2", Agent: "translator", PromptTemplate: "Translate: {{S1}}"},
		},
		StopOnFailure: boolPtr(true),
	})
	require.NoError(t, err)

	exec, err := r.Run(context.Background(), id, nil)
	require.NoError(t, err)
	assert.Equal(t, Completed, exec.Status)
	assert.Equal(t, "hello", exec.Context["S1"])
	assert.Equal(t, "hola", exec.Context["S2"])
	require.Len(t, agent.calls, 1)
	assert.Equal(t, "Translate: hello", agent.calls[0])
}

func TestRunStopsOnFailureWhenConfigured(t *testing.T) {
	r := NewRunner(nil)
	failing := &stubAgent{err: fmt.Errorf("boom")}
	ok := &stubAgent{response: "never"}
	r.RegisterAgent("failing", failing)
	r.RegisterAgent("ok", ok)

	id, err := r.Register(&Definition{
		Name: "p",
		Stages: []Stage{
			{Name: "S1", Agent: "failing"},
			{Name: "S2", Agent: "ok"},
		},
		StopOnFailure: boolPtr(true),
	})
	require.NoError(t, err)

	exec, err := r.Run(context.Background(), id, nil)
	require.Error(t, err)
	assert.Equal(t, Failed, exec.Status)
	assert.Equal(t, StageFailed, exec.StageResults[0].Status)
	assert.Empty(t, ok.calls)
}

func TestRunContinuesOnFailureWhenNotStopping(t *testing.T) {
	r := NewRunner(nil)
	failing := &stubAgent{err: fmt.Errorf("boom")}
	ok := &stubAgent{response: "done"}
	r.RegisterAgent("failing", failing)
	r.RegisterAgent("ok", ok)

	id, err := r.Register(&Definition{
		Name:          "p",
		Stages:        []Stage{{Name: "S1", Agent: "failing"}, {Name: "S2", Agent: "ok"}},
		StopOnFailure: boolPtr(false),
	})
	require.NoError(t, err)

	exec, err := r.Run(context.Background(), id, nil)
	require.NoError(t, err)
	assert.Equal(t, Completed, exec.Status)
	assert.Equal(t, StageFailed, exec.StageResults[0].Status)
	assert.Equal(t, StageCompleted, exec.StageResults[1].Status)
}

func TestCancelMarksRemainingStagesSkipped(t *testing.T) {
	r := NewRunner(nil)
	agent := &stubAgent{response: "ok"}
	r.RegisterAgent("a", agent)

	id, err := r.Register(&Definition{
		Name: "p",
		Stages: []Stage{
			{Name: "S1", Agent: "a"},
			{Name: "S2", Agent: "a"},
			{Name: "S3", Agent: "a"},
		},
	})
	require.NoError(t, err)

	// Simulate a running execution that has completed S1, then cancel it.
	r.mu.Lock()
	r.executions["fixed-exec"] = &Execution{
		PipelineID: id, ExecutionID: "fixed-exec", Status: Running,
		Context: map[string]string{},
		StageResults: []StageResult{
			{StageName: "S1", StageIndex: 0, Status: StageCompleted},
			{StageName: "S2", StageIndex: 1, Status: StagePending},
			{StageName: "S3", StageIndex: 2, Status: StagePending},
		},
	}
	r.mu.Unlock()

	require.NoError(t, r.Cancel("fixed-exec"))

	exec, err := r.Get("fixed-exec")
	require.NoError(t, err)
	assert.Equal(t, Cancelled, exec.Status)
	assert.Equal(t, StageSkipped, exec.StageResults[1].Status)
	assert.Equal(t, StageSkipped, exec.StageResults[2].Status)
}

func TestRunFansOutInlineStageHandlersConcurrently(t *testing.T) {
	r := NewRunner(nil)
	r.RegisterDirectHandler("left", func(ctx context.Context, payload map[string]any, exec *Execution) (string, error) {
		return "L", nil
	})
	r.RegisterDirectHandler("right", func(ctx context.Context, payload map[string]any, exec *Execution) (string, error) {
		return "R", nil
	})

	id, err := r.Register(&Definition{
		Name: "fanout",
		Stages: []Stage{
			{Name: "S1", PromptTemplate: `INLINE_STAGE:{"fanout":["left","right"]}`},
		},
	})
	require.NoError(t, err)

	exec, err := r.Run(context.Background(), id, nil)
	require.NoError(t, err)
	assert.Equal(t, Completed, exec.Status)
	assert.Equal(t, "L\nR", exec.Context["S1"])
}

func TestRunFanoutFailsOnUnknownHandler(t *testing.T) {
	r := NewRunner(nil)
	r.RegisterDirectHandler("left", func(ctx context.Context, payload map[string]any, exec *Execution) (string, error) {
		return "L", nil
	})

	id, err := r.Register(&Definition{
		Name: "fanout",
		Stages: []Stage{
			{Name: "S1", PromptTemplate: `INLINE_STAGE:{"fanout":["left","missing"]}`},
		},
		StopOnFailure: boolPtr(true),
	})
	require.NoError(t, err)

	exec, err := r.Run(context.Background(), id, nil)
	require.Error(t, err)
	assert.Equal(t, Failed, exec.Status)
}

func boolPtr(v bool) *bool { return &v }

func TestRegisterDefaultsStopOnFailureToTrue(t *testing.T) {
	r := NewRunner(nil)
	def := &Definition{Name: "p", Stages: []Stage{{Name: "S1", Agent: "a"}}}
	_, err := r.Register(def)
	require.NoError(t, err)
	require.NotNil(t, def.StopOnFailure)
	assert.True(t, *def.StopOnFailure)
}

func TestRegisterValidatesDefaultInputAgainstInputSchema(t *testing.T) {
	r := NewRunner(nil)
	_, err := r.Register(&Definition{
		Name:         "p",
		Stages:       []Stage{{Name: "S1", Agent: "a"}},
		DefaultInput: []byte(`{"count":"not-a-number"}`),
		InputSchema: []byte(`{
			"type": "object",
			"properties": {"count": {"type": "integer"}},
			"required": ["count"]
		}`),
	})
	require.Error(t, err)
}

func TestExecuteStageRejectsPayloadViolatingInputSchema(t *testing.T) {
	r := NewRunner(nil)
	r.RegisterDirectHandler("echo", func(ctx context.Context, payload map[string]any, exec *Execution) (string, error) {
		return "hello", nil
	})

	id, err := r.Register(&Definition{
		Name:   "p",
		Stages: []Stage{{Name: "S1", PromptTemplate: `INLINE_STAGE:{"stage":"echo"}`}},
		InputSchema: []byte(`{
			"type": "object",
			"properties": {"stage": {"type": "string"}},
			"required": ["stage", "must_have"]
		}`),
	})
	require.NoError(t, err)

	exec, err := r.Run(context.Background(), id, nil)
	require.Error(t, err)
	assert.Equal(t, Failed, exec.Status)
}

func TestCleanupStaleRemovesOldTerminalExecutions(t *testing.T) {
	r := NewRunner(nil)
	agent := &stubAgent{response: "ok"}
	r.RegisterAgent("a", agent)
	id, err := r.Register(&Definition{Name: "p", Stages: []Stage{{Name: "S1", Agent: "a"}}})
	require.NoError(t, err)

	exec, err := r.Run(context.Background(), id, nil)
	require.NoError(t, err)

	old := exec.StartTime.Add(-time.Hour)
	exec.EndTime = &old

	removed := r.CleanupStale(time.Minute)
	assert.Contains(t, removed, exec.ExecutionID)
}
