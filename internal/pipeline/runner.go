// Package pipeline implements the stage orchestrator: it registers
// Definitions, runs them stage by stage — alternating between in-process
// deterministic stages and agent calls — threads each stage's output into
// the next via a typed context, emits progress events, and supports
// cancellation.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/agentctl/orchestrator/internal/pipeline/schema"
)

// directStagePrefix marks a stage's built prompt as an in-process
// deterministic handler call rather than an agent invocation: the prompt is
// "<directStagePrefix><json object with a \"stage\" field>".
const directStagePrefix = "INLINE_STAGE:"

// AgentExecutor is the subset of executor.Executor the Runner depends on,
// kept as an interface so pipeline tests can substitute a stub agent
// without spinning up a real child process.
type AgentExecutor interface {
	Execute(ctx context.Context, prompt string) (string, error)
}

// DirectHandler implements one named deterministic stage. It may read
// earlier stage outputs from exec's Context and must return a string
// result.
type DirectHandler func(ctx context.Context, payload map[string]any, exec *Execution) (string, error)

// NotFoundError reports an unknown pipeline or execution id.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("pipeline: %s not found: %s", e.Kind, e.ID) }

// StageError wraps a per-stage failure with the name of the stage that
// produced it.
type StageError struct {
	StageName string
	Cause     error
}

func (e *StageError) Error() string { return fmt.Sprintf("pipeline: stage %q failed: %v", e.StageName, e.Cause) }
func (e *StageError) Unwrap() error  { return e.Cause }

// Runner owns the pipeline registry and every live execution.
type Runner struct {
	logger *slog.Logger

	mu          sync.Mutex
	definitions map[string]*Definition
	executions  map[string]*Execution
	agents      map[string]AgentExecutor
	handlers    map[string]DirectHandler
	validators  map[string]*schema.Validator // pipeline id -> compiled Definition.InputSchema

	events chan ProgressEvent
}

// NewRunner constructs a Runner. A nil logger defaults to slog.Default().
func NewRunner(logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		logger:      logger,
		definitions: make(map[string]*Definition),
		executions:  make(map[string]*Execution),
		agents:      make(map[string]AgentExecutor),
		handlers:    make(map[string]DirectHandler),
		validators:  make(map[string]*schema.Validator),
		events:      make(chan ProgressEvent, 100),
	}
}

// Events returns the Runner's bounded progress-event channel.
func (r *Runner) Events() <-chan ProgressEvent { return r.events }

// RegisterAgent associates an agent address (as referenced by Stage.Agent)
// with an AgentExecutor.
func (r *Runner) RegisterAgent(address string, exec AgentExecutor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[address] = exec
}

// RegisterDirectHandler associates a deterministic stage name (the "stage"
// field of an INLINE_STAGE: payload) with a handler.
func (r *Runner) RegisterDirectHandler(stage string, handler DirectHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[stage] = handler
}

// Register stores a pipeline Definition and returns its id, generating one
// if Definition.ID is empty. Rejects a Definition with no stages. A
// Definition whose StopOnFailure is unset defaults to true.
//
// If Definition.InputSchema is set, it is compiled once here and kept for
// the lifetime of the registration: DefaultInput is validated against it
// immediately, and executeStage validates every INLINE_STAGE: payload
// against it before dispatch.
func (r *Runner) Register(def *Definition) (string, error) {
	if len(def.Stages) == 0 {
		return "", &InvalidInputError{Field: "stages", Reason: "must contain at least one stage"}
	}
	if def.ID == "" {
		def.ID = uuid.NewString()
	}
	if def.StopOnFailure == nil {
		stopOnFailure := true
		def.StopOnFailure = &stopOnFailure
	}

	var validator *schema.Validator
	if len(def.InputSchema) > 0 {
		v, err := schema.Compile(def.ID+"-input.json", def.InputSchema)
		if err != nil {
			return "", &InvalidInputError{Field: "input_schema", Reason: err.Error()}
		}
		validator = v

		if len(def.DefaultInput) > 0 {
			if err := validator.Validate(def.DefaultInput); err != nil {
				return "", &InvalidInputError{Field: "default_input", Reason: err.Error()}
			}
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.definitions[def.ID] = def
	if validator != nil {
		r.validators[def.ID] = validator
	} else {
		delete(r.validators, def.ID)
	}
	return def.ID, nil
}

// InvalidInputError reports a malformed request or template parameter.
type InvalidInputError struct {
	Field  string
	Reason string
}

func (e *InvalidInputError) Error() string {
	return fmt.Sprintf("pipeline: invalid %s: %s", e.Field, e.Reason)
}

// Run creates a PipelineExecution and drives it to a terminal status,
// returning the final Execution (also retrievable later by its
// ExecutionID).
func (r *Runner) Run(ctx context.Context, pipelineID string, input json.RawMessage) (*Execution, error) {
	r.mu.Lock()
	def, ok := r.definitions[pipelineID]
	r.mu.Unlock()
	if !ok {
		return nil, &NotFoundError{Kind: "pipeline", ID: pipelineID}
	}

	if input == nil {
		input = def.DefaultInput
	}

	exec := &Execution{
		PipelineID:  pipelineID,
		ExecutionID: uuid.NewString(),
		Status:      Running,
		Context:     make(map[string]string),
		Input:       input,
		StartTime:   time.Now(),
		definition:  def,
	}
	for i, stage := range def.Stages {
		exec.StageResults = append(exec.StageResults, StageResult{
			StageName: stage.Name, StageIndex: i, Status: StagePending,
		})
	}

	r.mu.Lock()
	r.executions[exec.ExecutionID] = exec
	r.mu.Unlock()

	total := len(def.Stages)

	for i, stage := range def.Stages {
		r.mu.Lock()
		cancelled := exec.Status == Cancelled
		if !cancelled {
			exec.CurrentStage = i
			exec.StageResults[i].Status = StageRunning
			exec.StageResults[i].StartTime = time.Now()
		}
		r.mu.Unlock()
		if cancelled {
			break
		}

		r.emit(exec, i, stage.Name, "stage-started", total, "")

		prompt := r.buildPrompt(stage, exec)
		output, err := r.executeStage(ctx, stage, prompt, exec)

		now := time.Now()

		r.mu.Lock()
		exec.StageResults[i].EndTime = &now

		if err != nil {
			stageErr := &StageError{StageName: stage.Name, Cause: err}
			exec.StageResults[i].Status = StageFailed
			exec.StageResults[i].Error = err.Error()
			stopOnFailure := boolValue(def.StopOnFailure, true)
			if stopOnFailure {
				exec.Status = Failed
				exec.Error = stageErr.Error()
				end := time.Now()
				exec.EndTime = &end
			}
			r.mu.Unlock()

			r.emit(exec, i, stage.Name, "stage-failed", total, err.Error())
			if stopOnFailure {
				r.emitPipelineCompleted(exec, total)
				return exec, stageErr
			}
			continue
		}

		exec.Context[stage.Name] = output
		exec.StageResults[i].Output = marshalOutput(output)
		exec.StageResults[i].Status = StageCompleted
		r.mu.Unlock()

		r.emit(exec, i, stage.Name, "stage-completed", total, "")
	}

	r.mu.Lock()
	finalCancelled := exec.Status == Cancelled
	if !finalCancelled {
		exec.Status = Completed
		end := time.Now()
		exec.EndTime = &end
	}
	r.mu.Unlock()

	r.emitPipelineCompleted(exec, total)
	return exec, nil
}

func marshalOutput(s string) json.RawMessage {
	b, err := json.Marshal(s)
	if err != nil {
		return nil
	}
	return b
}

func (r *Runner) executeStage(ctx context.Context, stage Stage, prompt string, exec *Execution) (string, error) {
	if payload, stageKey, ok := parseDirectStage(prompt); ok {
		if err := r.validatePayload(exec.PipelineID, payload); err != nil {
			return "", fmt.Errorf("invalid stage payload: %w", err)
		}

		if fanoutKeys, ok := fanoutHandlers(payload); ok {
			return r.executeFanout(ctx, fanoutKeys, payload, exec)
		}

		r.mu.Lock()
		handler, found := r.handlers[stageKey]
		r.mu.Unlock()
		if !found {
			return "", fmt.Errorf("unknown inline stage: %s", stageKey)
		}
		return handler(ctx, payload, exec)
	}

	r.mu.Lock()
	agent, found := r.agents[stage.Agent]
	r.mu.Unlock()
	if !found {
		return "", fmt.Errorf("no registered agent for address %q", stage.Agent)
	}
	return agent.Execute(ctx, prompt)
}

// validatePayload checks payload against pipelineID's compiled
// Definition.InputSchema, if one was registered. A pipeline with no
// declared InputSchema skips validation entirely.
func (r *Runner) validatePayload(pipelineID string, payload map[string]any) error {
	r.mu.Lock()
	validator, ok := r.validators[pipelineID]
	r.mu.Unlock()
	if !ok {
		return nil
	}

	encoded, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	return validator.Validate(encoded)
}

// fanoutHandlers extracts an optional "fanout" array of inline-stage keys
// from a decoded INLINE_STAGE payload.
func fanoutHandlers(payload map[string]any) ([]string, bool) {
	raw, ok := payload["fanout"].([]any)
	if !ok || len(raw) == 0 {
		return nil, false
	}
	keys := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			keys = append(keys, s)
		}
	}
	return keys, len(keys) > 0
}

// executeFanout runs every named handler concurrently against the same
// payload and joins their outputs in declaration order, failing fast if any
// sub-task errors. Grounded on the (rare) case a deterministic stage itself
// needs to parallelize independent sub-work.
func (r *Runner) executeFanout(ctx context.Context, keys []string, payload map[string]any, exec *Execution) (string, error) {
	results := make([]string, len(keys))
	group, gctx := errgroup.WithContext(ctx)

	for i, key := range keys {
		i, key := i, key
		r.mu.Lock()
		handler, found := r.handlers[key]
		r.mu.Unlock()
		if !found {
			return "", fmt.Errorf("unknown inline stage in fanout: %s", key)
		}
		group.Go(func() error {
			out, err := handler(gctx, payload, exec)
			if err != nil {
				return fmt.Errorf("fanout stage %q: %w", key, err)
			}
			results[i] = out
			return nil
		})
	}

	if err := group.Wait(); err != nil {
		return "", err
	}
	return strings.Join(results, "\n"), nil
}

func parseDirectStage(prompt string) (map[string]any, string, bool) {
	if !strings.HasPrefix(prompt, directStagePrefix) {
		return nil, "", false
	}
	raw := strings.TrimPrefix(prompt, directStagePrefix)
	var payload map[string]any
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return nil, "", false
	}
	stageKey, _ := payload["stage"].(string)
	if stageKey == "" {
		if _, hasFanout := payload["fanout"]; !hasFanout {
			return nil, "", false
		}
	}
	return payload, stageKey, true
}

// buildPrompt performs the stage's prompt template substitution against
// previously captured stage outputs and the input's top-level keys, or a
// default "Context/Input/Execute stage" string when no template is set.
func (r *Runner) buildPrompt(stage Stage, exec *Execution) string {
	if stage.PromptTemplate == "" {
		return fmt.Sprintf("Context: %s\n\nInput: %s\n\nExecute stage: %s",
			contextJSON(exec.Context), string(orEmptyJSON(exec.Input)), stage.Name)
	}

	template := stage.PromptTemplate

	for name, output := range exec.Context {
		template = strings.ReplaceAll(template, "{{"+name+"}}", output)
	}

	if inputFields := decodeInputFields(exec.Input); inputFields != nil {
		for key, val := range inputFields {
			placeholder := "{{" + key + "}}"
			if !strings.Contains(template, placeholder) {
				continue
			}
			switch v := val.(type) {
			case string:
				template = strings.ReplaceAll(template, placeholder, v)
			default:
				encoded, _ := json.Marshal(v)
				template = strings.ReplaceAll(template, placeholder, string(encoded))
			}
		}
	}

	template = strings.ReplaceAll(template, "{{input}}", string(orEmptyJSON(exec.Input)))

	return template
}

func decodeInputFields(input json.RawMessage) map[string]any {
	if len(input) == 0 {
		return nil
	}
	var fields map[string]any
	if err := json.Unmarshal(input, &fields); err != nil {
		return nil
	}
	return fields
}

func contextJSON(ctx map[string]string) string {
	b, err := json.Marshal(ctx)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func orEmptyJSON(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage("{}")
	}
	return raw
}

func (r *Runner) emit(exec *Execution, stageIndex int, stageName, status string, total int, message string) {
	r.mu.Lock()
	completed := 0
	for _, sr := range exec.StageResults {
		if sr.Status == StageCompleted {
			completed++
		}
	}
	r.mu.Unlock()
	percent := 0
	if total > 0 {
		percent = int(math.Round(float64(completed) / float64(total) * 100))
	}
	select {
	case r.events <- ProgressEvent{
		ExecutionID:     exec.ExecutionID,
		StageIndex:      stageIndex,
		StageName:       stageName,
		Status:          status,
		ProgressPercent: percent,
		Message:         message,
	}:
	default:
		r.logger.Warn("pipeline: dropped progress event, channel full", "execution_id", exec.ExecutionID)
	}
}

func (r *Runner) emitPipelineCompleted(exec *Execution, total int) {
	r.mu.Lock()
	completed := 0
	for _, sr := range exec.StageResults {
		if sr.Status == StageCompleted {
			completed++
		}
	}
	currentStage := exec.CurrentStage
	r.mu.Unlock()
	percent := 0
	if total > 0 {
		percent = int(math.Round(float64(completed) / float64(total) * 100))
	}
	select {
	case r.events <- ProgressEvent{
		ExecutionID:     exec.ExecutionID,
		StageIndex:      currentStage,
		Status:          "pipeline-completed",
		ProgressPercent: percent,
	}:
	default:
		r.logger.Warn("pipeline: dropped pipeline-completed event", "execution_id", exec.ExecutionID)
	}
}

// Cancel marks an execution Cancelled, ends the current stage, and marks
// every still-pending stage Skipped. It is safe to call while Run is
// in-flight on another goroutine: Run checks for cancellation before
// starting each stage, and every read or write of exec.Status/StageResults
// on both sides holds r.mu.
func (r *Runner) Cancel(executionID string) error {
	r.mu.Lock()
	exec, ok := r.executions[executionID]
	if !ok {
		r.mu.Unlock()
		return &NotFoundError{Kind: "execution", ID: executionID}
	}

	if exec.Status != Running {
		r.mu.Unlock()
		return nil
	}

	exec.Status = Cancelled
	now := time.Now()
	exec.EndTime = &now

	for i := range exec.StageResults {
		if exec.StageResults[i].Status == StageRunning {
			exec.StageResults[i].EndTime = &now
		}
		if exec.StageResults[i].Status == StagePending {
			exec.StageResults[i].Status = StageSkipped
		}
	}
	r.mu.Unlock()

	select {
	case r.events <- ProgressEvent{
		ExecutionID: exec.ExecutionID,
		StageIndex:  exec.CurrentStage,
		Status:      "cancelled",
	}:
	default:
	}

	return nil
}

// Get returns a live or terminal execution by id.
func (r *Runner) Get(executionID string) (*Execution, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	exec, ok := r.executions[executionID]
	if !ok {
		return nil, &NotFoundError{Kind: "execution", ID: executionID}
	}
	return exec, nil
}

// CleanupStale removes terminal executions whose EndTime is older than
// maxAge, returning the removed execution ids.
func (r *Runner) CleanupStale(maxAge time.Duration) []string {
	cutoff := time.Now().Add(-maxAge)

	r.mu.Lock()
	defer r.mu.Unlock()

	var removed []string
	for id, exec := range r.executions {
		if exec.EndTime == nil {
			continue
		}
		if exec.Status == Running || exec.Status == Pending {
			continue
		}
		if exec.EndTime.Before(cutoff) {
			delete(r.executions, id)
			removed = append(removed, id)
		}
	}
	return removed
}
