package schema

import "encoding/json"

// DAGDefinition is the YAML/JSON-serializable DAG format loaded once per run.
type DAGDefinition struct {
	Name     string           `json:"name"      yaml:"name"      validate:"required"`
	TenantID string           `json:"tenant_id" yaml:"tenant_id"`
	Tasks    []TaskDefinition `json:"tasks"     yaml:"tasks"     validate:"required,min=1,dive"`
}

// TaskDefinition describes a single task in a DAG. Immutable once loaded.
type TaskDefinition struct {
	ID          string               `json:"id"           yaml:"id"           validate:"required"`
	WorkflowRef string               `json:"workflow_ref" yaml:"workflow_ref" validate:"required"`
	Params      map[string]any       `json:"params,omitempty"     yaml:"params"`
	DependsOn   []string             `json:"depends_on,omitempty" yaml:"depends_on"`
	Retries     int                  `json:"retries,omitempty"    yaml:"retries"    validate:"gte=0"`
	Approval    *ApprovalRequirement `json:"approval,omitempty"   yaml:"approval"`
}

// ApprovalRequirement declares a human approval gate on a task. The runner
// suspends the DAG run at this task until the checkpoint resolves.
type ApprovalRequirement struct {
	Prompt      string          `json:"prompt"                 yaml:"prompt" validate:"required"`
	Role        string          `json:"role,omitempty"         yaml:"role"`
	InputSchema json.RawMessage `json:"input_schema,omitempty" yaml:"-"`

	// RawInputSchema carries the YAML form of InputSchema; the loader
	// converts it to JSON after unmarshaling.
	RawInputSchema map[string]any `json:"-" yaml:"input_schema"`
}

// ScheduleDefinition is one cron-triggered DAG run configuration.
// Read-only; reloaded from the schedule directory on each scheduler invocation.
type ScheduleDefinition struct {
	ID      string `json:"id"      yaml:"id"      validate:"required"`
	Cron    string `json:"cron"    yaml:"cron"    validate:"required"`
	DAG     string `json:"dag"     yaml:"dag"     validate:"required"`
	Tenant  string `json:"tenant,omitempty"  yaml:"tenant"`
	Enabled *bool  `json:"enabled,omitempty" yaml:"enabled"`
}

// IsEnabled reports whether the schedule should fire. Unset means enabled.
func (s *ScheduleDefinition) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}
