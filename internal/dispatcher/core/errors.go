package core

import (
	"errors"
	"fmt"
)

var (
	// ErrTaskNotFound is returned when a task id resolves to nothing.
	ErrTaskNotFound = errors.New("task not found")

	// ErrAgentNotFound is returned for operations on an unregistered agent.
	ErrAgentNotFound = errors.New("agent not found")

	// ErrAlreadyClaimed is the normal outcome of losing a claim race. It is
	// not a fault: the loser simply must not execute the task.
	ErrAlreadyClaimed = errors.New("task already claimed")

	// ErrTaskTerminal is returned for operations on a task that already
	// reached COMPLETED, FAILED, or CANCELLED.
	ErrTaskTerminal = errors.New("task already in a terminal state")

	// ErrAgentUnavailable is returned when no idle capable agent exists for
	// a direct-dispatch attempt.
	ErrAgentUnavailable = errors.New("no agent available")

	// ErrTokenInvalid is returned when an exchange token does not exist.
	ErrTokenInvalid = errors.New("exchange token invalid")

	// ErrTokenExpired is returned when an exchange token is past its expiry.
	ErrTokenExpired = errors.New("exchange token expired")

	// ErrTokenAlreadyUsed is returned when an exchange token was consumed.
	ErrTokenAlreadyUsed = errors.New("exchange token already used")

	// ErrDeviceMismatch is returned when complete presents a different device
	// than the one bound at initiate. Possible interception or replay; callers
	// log it as a security signal, distinct from ordinary validation noise.
	ErrDeviceMismatch = errors.New("exchange token bound to a different device")
)

// ValidationError reports a rejected input field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// AutomationError is a classified execution failure reported by an agent or
// the server-side automation backend.
type AutomationError struct {
	Classification ErrorClassification
	Message        string
}

func (e *AutomationError) Error() string {
	return fmt.Sprintf("automation failed (%s): %s", e.Classification, e.Message)
}
