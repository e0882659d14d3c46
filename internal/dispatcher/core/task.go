package core

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

type TaskState string

const (
	TaskStatePending         TaskState = "PENDING"
	TaskStateQueued          TaskState = "QUEUED"
	TaskStateWaitingForAgent TaskState = "WAITING_FOR_AGENT"
	TaskStateClaimed         TaskState = "CLAIMED"
	TaskStateProcessing      TaskState = "PROCESSING"
	TaskStateCompleted       TaskState = "COMPLETED"
	TaskStateFailed          TaskState = "FAILED"
	TaskStateCancelled       TaskState = "CANCELLED"
)

// IsTerminal reports whether no further transitions are allowed from the state.
func (s TaskState) IsTerminal() bool {
	switch s {
	case TaskStateCompleted, TaskStateFailed, TaskStateCancelled:
		return true
	}
	return false
}

// IsClaimed reports whether the state requires a non-nil ClaimedBy.
// ClaimedBy must be set exactly in these states and nil in all others.
func (s TaskState) IsClaimed() bool {
	return s == TaskStateClaimed || s == TaskStateProcessing
}

type PriorityTier string

const (
	PriorityImmediate PriorityTier = "IMMEDIATE"
	PriorityUrgent    PriorityTier = "URGENT"
	PriorityHigh      PriorityTier = "HIGH"
	PriorityNormal    PriorityTier = "NORMAL"
)

// Rank orders tiers for queue position and backlog ordering. Higher runs first.
func (p PriorityTier) Rank() int {
	switch p {
	case PriorityImmediate:
		return 3
	case PriorityUrgent:
		return 2
	case PriorityHigh:
		return 1
	default:
		return 0
	}
}

// Valid reports whether the tier is one of the known values.
func (p PriorityTier) Valid() bool {
	switch p {
	case PriorityImmediate, PriorityUrgent, PriorityHigh, PriorityNormal:
		return true
	}
	return false
}

type ErrorClassification string

const (
	ErrorNetwork    ErrorClassification = "NETWORK"
	ErrorCaptcha    ErrorClassification = "CAPTCHA"
	ErrorFormError  ErrorClassification = "FORM_ERROR"
	ErrorSiteChange ErrorClassification = "SITE_CHANGE"
	ErrorUnknown    ErrorClassification = "UNKNOWN"
)

// Retriable reports whether a failure with this classification may be retried
// without owner action. Captcha, form and site-change failures need a human.
func (c ErrorClassification) Retriable() bool {
	switch c {
	case ErrorNetwork, ErrorUnknown:
		return true
	}
	return false
}

// Valid reports whether the classification is one of the known values.
func (c ErrorClassification) Valid() bool {
	switch c {
	case ErrorNetwork, ErrorCaptcha, ErrorFormError, ErrorSiteChange, ErrorUnknown:
		return true
	}
	return false
}

// Classify derives an error classification from a raw automation failure
// message when the agent did not classify it itself.
func Classify(message string) ErrorClassification {
	m := strings.ToLower(message)
	switch {
	case strings.Contains(m, "captcha") || strings.Contains(m, "challenge"):
		return ErrorCaptcha
	case strings.Contains(m, "network") || strings.Contains(m, "timeout") ||
		strings.Contains(m, "connection") || strings.Contains(m, "dns"):
		return ErrorNetwork
	case strings.Contains(m, "form") || strings.Contains(m, "field") ||
		strings.Contains(m, "required input"):
		return ErrorFormError
	case strings.Contains(m, "selector") || strings.Contains(m, "element not found") ||
		strings.Contains(m, "layout") || strings.Contains(m, "page structure"):
		return ErrorSiteChange
	default:
		return ErrorUnknown
	}
}

// Task is one queued automation unit of work: an "apply to this job" request
// dispatched to exactly one agent at a time.
type Task struct {
	ID       uuid.UUID    `json:"id"`
	OwnerID  string       `json:"owner_id"`
	Payload  TaskPayload  `json:"payload"`
	Priority PriorityTier `json:"priority"`
	State    TaskState    `json:"state"`

	ClaimedBy      *uuid.UUID `json:"claimed_by,omitempty"`
	ClaimedAt      *time.Time `json:"claimed_at,omitempty"`
	LastProgressAt *time.Time `json:"last_progress_at,omitempty"`
	Progress       int        `json:"progress"`
	ProgressStep   string     `json:"progress_step,omitempty"`

	Attempts           int                 `json:"attempts"`
	MaxAttempts        int                 `json:"max_attempts"`
	LastClassification ErrorClassification `json:"last_classification,omitempty"`
	LastError          *string             `json:"last_error,omitempty"`

	Result *TaskResult `json:"result,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TaskPayload describes what the agent should apply to and with what.
type TaskPayload struct {
	Target         TargetDescriptor  `json:"target"`
	ResumeRef      string            `json:"resume_ref,omitempty"`
	CoverLetterRef string            `json:"cover_letter_ref,omitempty"`
	CustomFields   map[string]string `json:"custom_fields,omitempty"`
}

// TargetDescriptor identifies the job listing being applied to.
type TargetDescriptor struct {
	ListingID string   `json:"listing_id"`
	Title     string   `json:"title"`
	Company   string   `json:"company"`
	ApplyURL  string   `json:"apply_url"`
	Provider  Provider `json:"provider"`
	Location  string   `json:"location,omitempty"`
}

// TaskResult is the outcome reported by the executing agent.
type TaskResult struct {
	ConfirmationNumber string    `json:"confirmation_number,omitempty"`
	Message            string    `json:"message,omitempty"`
	CompletedAt        time.Time `json:"completed_at"`
}

type TaskFilter struct {
	OwnerID string
	State   *TaskState
	Limit   int
	Offset  int
}
