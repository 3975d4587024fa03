// Package config loads the YAML-tagged configuration structs for the
// permission manager, the agent executor, and registered pipeline
// definitions via a single umbrella Config struct.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/agentctl/orchestrator/internal/pipeline/schema"
)

// PermissionConfig is the YAML shape for permission.Config.
type PermissionConfig struct {
	Policy       string   `yaml:"policy" json:"policy"`
	PreApproved  []string `yaml:"pre_approved" json:"pre_approved"`
	RequestTTL   string   `yaml:"request_ttl" json:"request_ttl"`
	PollInterval string   `yaml:"poll_interval" json:"poll_interval"`
}

// ExecutorConfig is the YAML shape for executor.Options.
type ExecutorConfig struct {
	Command                string   `yaml:"command" json:"command"`
	ExtraArgs               []string `yaml:"extra_args" json:"extra_args"`
	WorkDir                 string   `yaml:"work_dir" json:"work_dir"`
	CompletionPollInterval  string   `yaml:"completion_poll_interval" json:"completion_poll_interval"`
	CompletionTimeout       string   `yaml:"completion_timeout" json:"completion_timeout"`
	HumanResponseTimeout    string   `yaml:"human_response_timeout" json:"human_response_timeout"`
	AutoApproveEscalations  bool     `yaml:"auto_approve_escalations" json:"auto_approve_escalations"`
}

// PipelineStageConfig is the YAML shape for pipeline.Stage.
type PipelineStageConfig struct {
	Name           string `yaml:"name" json:"name"`
	Agent          string `yaml:"agent" json:"agent"`
	PromptTemplate string `yaml:"prompt_template,omitempty" json:"prompt_template,omitempty"`
}

// PipelineConfig is the YAML shape for pipeline.Definition.
//
// StopOnFailure is a *bool, not a bare bool: pipeline.Definition treats an
// unset StopOnFailure as defaulting to true, and a bare bool's Go/YAML zero
// value would silently mean the opposite. Leave it nil in YAML to take the
// default rather than writing `stop_on_failure: false` by omission.
type PipelineConfig struct {
	ID            string                `yaml:"id" json:"id"`
	Name          string                `yaml:"name" json:"name"`
	Stages        []PipelineStageConfig `yaml:"stages" json:"stages"`
	DefaultInput  json.RawMessage       `yaml:"default_input,omitempty" json:"default_input,omitempty"`
	InputSchema   json.RawMessage       `yaml:"input_schema,omitempty" json:"input_schema,omitempty"`
	StopOnFailure *bool                 `yaml:"stop_on_failure,omitempty" json:"stop_on_failure,omitempty"`
}

// Config is the top-level configuration document.
type Config struct {
	Permission PermissionConfig `yaml:"permission" json:"permission"`
	Executor   ExecutorConfig   `yaml:"executor" json:"executor"`
	Pipelines  []PipelineConfig `yaml:"pipelines" json:"pipelines"`
}

var (
	permissionValidatorOnce sync.Once
	permissionValidator     *schema.Validator
	permissionValidatorErr  error

	executorValidatorOnce sync.Once
	executorValidator     *schema.Validator
	executorValidatorErr  error
)

// permissionSchema and executorSchema lazily compile the JSON Schema
// reflected from PermissionConfig/ExecutorConfig, shared by every Load
// call. Pipelines is deliberately not checked this way: PipelineConfig
// carries free-form json.RawMessage fields (DefaultInput, InputSchema)
// that a struct-reflected schema cannot meaningfully constrain — those are
// validated by internal/pipeline's own Definition.InputSchema mechanism
// instead, against a schema the caller declares explicitly.
func permissionSchema() (*schema.Validator, error) {
	permissionValidatorOnce.Do(func() {
		permissionValidator, permissionValidatorErr = schema.CompileFromValue("agentctl-permission.json", &PermissionConfig{})
	})
	return permissionValidator, permissionValidatorErr
}

func executorSchema() (*schema.Validator, error) {
	executorValidatorOnce.Do(func() {
		executorValidator, executorValidatorErr = schema.CompileFromValue("agentctl-executor.json", &ExecutorConfig{})
	})
	return executorValidator, executorValidatorErr
}

// Load reads and parses a YAML configuration file at path. Before decoding
// into the typed Config, the raw permission and executor sub-documents are
// validated against their reflected JSON Schemas so a field given the wrong
// shape (a string where an array is expected, for instance) is rejected
// with a clear message instead of silently zero-valuing or failing deep
// inside a consumer.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if section, ok := raw["permission"]; ok {
		sectionJSON, err := json.Marshal(section)
		if err != nil {
			return nil, fmt.Errorf("config: convert %s permission section to JSON: %w", path, err)
		}
		validator, err := permissionSchema()
		if err != nil {
			return nil, fmt.Errorf("config: build permission schema: %w", err)
		}
		if err := validator.Validate(sectionJSON); err != nil {
			return nil, fmt.Errorf("config: %s permission section failed schema validation: %w", path, err)
		}
	}
	if section, ok := raw["executor"]; ok {
		sectionJSON, err := json.Marshal(section)
		if err != nil {
			return nil, fmt.Errorf("config: convert %s executor section to JSON: %w", path, err)
		}
		validator, err := executorSchema()
		if err != nil {
			return nil, fmt.Errorf("config: build executor schema: %w", err)
		}
		if err := validator.Validate(sectionJSON); err != nil {
			return nil, fmt.Errorf("config: %s executor section failed schema validation: %w", path, err)
		}
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return &cfg, nil
}

// ParseDuration parses s with time.ParseDuration, returning fallback for an
// empty string.
func ParseDuration(s string, fallback time.Duration) (time.Duration, error) {
	if s == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("config: invalid duration %q: %w", s, err)
	}
	return d, nil
}
