package models

import (
	"encoding/json"
	"time"
)

// ValidationStatus is the state of a human gate on a tool call.
type ValidationStatus string

const (
	ValidationPending   ValidationStatus = "pending"
	ValidationApproved  ValidationStatus = "approved"
	ValidationRejected  ValidationStatus = "rejected"
	ValidationFeedback  ValidationStatus = "feedback"
	ValidationCancelled ValidationStatus = "cancelled"
)

// validationTransitions is the status DAG. Terminal states have no entry.
var validationTransitions = map[ValidationStatus][]ValidationStatus{
	ValidationPending:  {ValidationApproved, ValidationRejected, ValidationFeedback, ValidationCancelled},
	ValidationFeedback: {ValidationApproved, ValidationRejected, ValidationCancelled},
}

// CanTransition reports whether moving from one validation status to another
// is allowed by the DAG.
func CanTransition(from, to ValidationStatus) bool {
	for _, next := range validationTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether the status admits no further transitions.
func (s ValidationStatus) Terminal() bool {
	return len(validationTransitions[s]) == 0
}

// DefaultValidationTTL is how long a validation stays pending before the
// expiry sweep cancels it.
const DefaultValidationTTL = 2 * time.Hour

// Validation is a pending human decision on whether a tool call may proceed.
type Validation struct {
	ID        string           `json:"id"`
	Source    string           `json:"source"`
	Title     string           `json:"title"`
	AgentID   string           `json:"agent_id,omitempty"`
	ChatID    string           `json:"chat_id,omitempty"`
	Status    ValidationStatus `json:"status"`
	Payload   json.RawMessage  `json:"payload,omitempty"`
	Feedback  string           `json:"feedback,omitempty"`
	DecidedBy string           `json:"decided_by,omitempty"`
	ExpiresAt time.Time        `json:"expires_at"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// ValidationPayload is the structured payload stored with a tool-call
// validation and echoed back to the waiting session on decision.
type ValidationPayload struct {
	ServerID  string          `json:"server_id,omitempty"`
	ToolName  string          `json:"tool_name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	Internal  bool            `json:"internal,omitempty"`
}
