// Package events defines the wire-level payloads for the host event
// surface: stable JSON contracts a caller (GUI, log sink, or any other
// host) can subscribe to regardless of in-process representation.
package events

// StateChangedPayload backs the "executor:state_changed" event.
type StateChangedPayload struct {
	AgentState string `json:"agent_state"`
}

// PermissionRequiredPayload backs both "executor:permission_required" and
// the alternate "permission:required" channel; they share this shape.
type PermissionRequiredPayload struct {
	RequestID string         `json:"request_id"`
	ToolName  string         `json:"tool_name"`
	ToolInput map[string]any `json:"tool_input"`
}

// PipelineProgressPayload backs the "pipeline:progress" event.
type PipelineProgressPayload struct {
	ExecutionID     string `json:"execution_id"`
	StageIndex      int    `json:"stage_index"`
	StageName       string `json:"stage_name"`
	Status          string `json:"status"`
	ProgressPercent int    `json:"progress_percent"`
	Message         string `json:"message"`
}

// Name constants for the stable host event contracts.
const (
	ExecutorStateChanged       = "executor:state_changed"
	ExecutorPermissionRequired = "executor:permission_required"
	PermissionRequired         = "permission:required"
	PipelineProgress           = "pipeline:progress"
)
