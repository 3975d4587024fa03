package pipeline

import (
	"encoding/json"
	"time"
)

// Status is a PipelineExecution's lifecycle status.
type Status int

const (
	Pending Status = iota
	Running
	Completed
	Failed
	Cancelled
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "pending"
	case Running:
		return "running"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// StageStatus is one StageResult's lifecycle status.
type StageStatus int

const (
	StagePending StageStatus = iota
	StageRunning
	StageCompleted
	StageFailed
	StageSkipped
)

func (s StageStatus) String() string {
	switch s {
	case StagePending:
		return "pending"
	case StageRunning:
		return "running"
	case StageCompleted:
		return "completed"
	case StageFailed:
		return "failed"
	case StageSkipped:
		return "skipped"
	default:
		return "unknown"
	}
}

// Stage is one unit of pipeline work: either an agent call (Agent set, the
// built prompt handed to Executor.Execute) or, when PromptTemplate begins
// with the direct-stage marker, an in-process deterministic handler call.
type Stage struct {
	Name           string `yaml:"name" json:"name"`
	Agent          string `yaml:"agent" json:"agent"`
	PromptTemplate string `yaml:"prompt_template,omitempty" json:"prompt_template,omitempty"`
}

// Definition registers an ordered sequence of stages under one pipeline id.
//
// StopOnFailure is a *bool so Register can distinguish "unset" from an
// explicit false: the documented default is true, and the Go/YAML zero
// value of a bare bool would silently mean the opposite.
//
// InputSchema, if set, is a caller-authored JSON Schema document. Register
// compiles it once and validates DefaultInput against it; executeStage
// reuses the compiled validator to check every INLINE_STAGE: payload before
// dispatch.
type Definition struct {
	ID            string          `yaml:"id" json:"id"`
	Name          string          `yaml:"name" json:"name"`
	Stages        []Stage         `yaml:"stages" json:"stages"`
	DefaultInput  json.RawMessage `yaml:"default_input,omitempty" json:"default_input,omitempty"`
	InputSchema   json.RawMessage `yaml:"input_schema,omitempty" json:"input_schema,omitempty"`
	StopOnFailure *bool           `yaml:"stop_on_failure" json:"stop_on_failure"`
}

// boolValue returns *value, or fallback if value is nil.
func boolValue(value *bool, fallback bool) bool {
	if value == nil {
		return fallback
	}
	return *value
}

// StageResult records one stage's outcome within an Execution.
type StageResult struct {
	StageName string          `json:"stage_name"`
	StageIndex int            `json:"stage_index"`
	Status    StageStatus     `json:"status"`
	Output    json.RawMessage `json:"output,omitempty"`
	Error     string          `json:"error,omitempty"`
	StartTime time.Time       `json:"start_time"`
	EndTime   *time.Time      `json:"end_time,omitempty"`
}

// Execution is one run of a registered Definition.
type Execution struct {
	PipelineID   string
	ExecutionID  string
	Status       Status
	CurrentStage int
	StageResults []StageResult
	Context      map[string]string // stage_name -> output string, for template substitution
	Input        json.RawMessage
	StartTime    time.Time
	EndTime      *time.Time
	Error        string

	definition *Definition
}

// ProgressEvent mirrors the host `pipeline:progress` event contract:
// execution_id, stage_index, stage_name, status, progress_percent, message.
type ProgressEvent struct {
	ExecutionID     string
	StageIndex      int
	StageName       string
	Status          string
	ProgressPercent int
	Message         string
}
