package models

import "time"

// RunStatus is the lifecycle state of a workflow run.
type RunStatus string

const (
	RunRunning   RunStatus = "RUNNING"
	RunSucceeded RunStatus = "SUCCEEDED"
	RunDegraded  RunStatus = "DEGRADED"
	RunFailed    RunStatus = "FAILED"
)

// Terminal reports whether the run has finished.
func (s RunStatus) Terminal() bool {
	return s == RunSucceeded || s == RunDegraded || s == RunFailed
}

// StepStatus is the state of one step within a run.
type StepStatus string

const (
	StepPending   StepStatus = "PENDING"
	StepRunning   StepStatus = "RUNNING"
	StepSucceeded StepStatus = "SUCCEEDED"
	StepDegraded  StepStatus = "DEGRADED"
	StepFailed    StepStatus = "FAILED"
	StepSkipped   StepStatus = "SKIPPED"
)

// ErrorKind classifies a step failure.
type ErrorKind string

const (
	ErrorTool      ErrorKind = "tool_error"
	ErrorTimeout   ErrorKind = "timeout"
	ErrorTransform ErrorKind = "transform_error"
	ErrorCondition ErrorKind = "condition_error"
	ErrorRetrieve  ErrorKind = "retrieve_error"
	ErrorCancelled ErrorKind = "cancelled"
	ErrorInput     ErrorKind = "input_error"
)

// StepError is the structured failure recorded on a step.
type StepError struct {
	Kind    ErrorKind `json:"kind"`
	StepID  string    `json:"step_id"`
	Branch  string    `json:"branch,omitempty"`
	Message string    `json:"message"`
}

func (e *StepError) Error() string {
	if e.Branch != "" {
		return string(e.Kind) + " in step " + e.StepID + " (branch " + e.Branch + "): " + e.Message
	}
	return string(e.Kind) + " in step " + e.StepID + ": " + e.Message
}

// BranchState records the outcome of one PARALLEL branch.
type BranchState struct {
	Name     string      `json:"name"`
	Required bool        `json:"required"`
	Status   StepStatus  `json:"status"`
	Steps    []StepState `json:"steps,omitempty"`
	Error    *StepError  `json:"error,omitempty"`
}

type StepState struct {
	StepID    string        `json:"step_id"`
	Kind      string        `json:"kind"`
	Status    StepStatus    `json:"status"`
	Output    interface{}   `json:"output,omitempty"`
	Error     *StepError    `json:"error,omitempty"`
	Branches  []BranchState `json:"branches,omitempty"`
	StartedAt *time.Time    `json:"started_at,omitempty"`
	EndedAt   *time.Time    `json:"ended_at,omitempty"`
}

// WorkflowRun is the persisted record of one execution of a workflow for an
// idempotency key.
type WorkflowRun struct {
	RunID          string                 `json:"run_id"`
	WorkflowID     string                 `json:"workflow_id"`
	Version        string                 `json:"version"`
	IdempotencyKey string                 `json:"idempotency_key"`
	TenantID       string                 `json:"tenant_id"`
	UserID         string                 `json:"user_id,omitempty"`
	Status         RunStatus              `json:"status"`
	Input          map[string]interface{} `json:"input,omitempty"`
	Steps          []StepState            `json:"step_states"`
	ResultPayload  map[string]interface{} `json:"result_payload,omitempty"`
	ResultRecordID string                 `json:"result_record_id,omitempty"`
	TTLUntil       *time.Time             `json:"ttl_until,omitempty"`
	Error          *StepError             `json:"error,omitempty"`
	Revision       int64                  `json:"revision"`
	CreatedAt      time.Time              `json:"created_at"`
	UpdatedAt      time.Time              `json:"updated_at"`
}
