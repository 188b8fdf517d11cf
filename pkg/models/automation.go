package models

import (
	"encoding/json"
	"time"
)

// StepType is the top-level class of a workflow step.
type StepType string

const (
	StepAction  StepType = "action"
	StepControl StepType = "control"
)

// Step subtypes. Action subtypes invoke an external effect; control subtypes
// shape execution flow.
const (
	SubtypeMCPCall      = "mcp_call"
	SubtypeAIAction     = "ai_action"
	SubtypeInternalTool = "internal_tool"
	SubtypeCondition    = "condition"
	SubtypeLoop         = "loop"
	SubtypeDelay        = "delay"
)

// TriggerType selects how an automation is started.
type TriggerType string

const (
	TriggerManual  TriggerType = "manual"
	TriggerCron    TriggerType = "cron"
	TriggerWebhook TriggerType = "webhook"
)

// ExecutionStatus is the lifecycle status of one automation run.
type ExecutionStatus string

const (
	ExecutionRunning ExecutionStatus = "running"
	ExecutionSuccess ExecutionStatus = "success"
	ExecutionFailed  ExecutionStatus = "failed"
)

// HealthState summarizes an automation's recent behavior.
type HealthState string

const (
	HealthHealthy HealthState = "healthy"
	HealthWarning HealthState = "warning"
	HealthError   HealthState = "error"
)

// Automation is a user-owned workflow definition.
type Automation struct {
	ID        string     `json:"id"`
	UserID    string     `json:"user_id"`
	Name      string     `json:"name"`
	Enabled   bool       `json:"enabled"`
	Steps     []*Step    `json:"steps,omitempty"`
	Triggers  []*Trigger `json:"triggers,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Step is one ordered element of an automation. Config is interpreted by the
// executor according to (Type, Subtype).
type Step struct {
	ID              string          `json:"id"`
	AutomationID    string          `json:"automation_id"`
	Order           int             `json:"order"`
	Type            StepType        `json:"type"`
	Subtype         string          `json:"subtype"`
	Config          json.RawMessage `json:"config"`
	Enabled         bool            `json:"enabled"`
	ContinueOnError bool            `json:"continue_on_error,omitempty"`
}

// Trigger starts an automation. Cron triggers carry an expression; webhook
// triggers carry a salted hash of their secret, never the secret itself.
type Trigger struct {
	ID           string      `json:"id"`
	AutomationID string      `json:"automation_id"`
	Type         TriggerType `json:"type"`
	CronExpr     string      `json:"cron_expr,omitempty"`
	SecretHash   string      `json:"-"`
	Healthy      bool        `json:"healthy"`
	StatusNote   string      `json:"status_note,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
}

// Execution is one recorded run of an automation.
type Execution struct {
	ID           string          `json:"id"`
	AutomationID string          `json:"automation_id"`
	TriggerID    string          `json:"trigger_id,omitempty"`
	Status       ExecutionStatus `json:"status"`
	FailedStep   int             `json:"failed_step,omitempty"`
	Error        string          `json:"error,omitempty"`
	StartedAt    time.Time       `json:"started_at"`
	EndedAt      time.Time       `json:"ended_at,omitempty"`
}

// StepLog records one step's inputs, output or error, and duration.
type StepLog struct {
	ID          string          `json:"id"`
	ExecutionID string          `json:"execution_id"`
	StepOrder   int             `json:"step_order"`
	Input       json.RawMessage `json:"input,omitempty"`
	Output      json.RawMessage `json:"output,omitempty"`
	Error       string          `json:"error,omitempty"`
	Duration    time.Duration   `json:"duration"`
	CreatedAt   time.Time       `json:"created_at"`
}
