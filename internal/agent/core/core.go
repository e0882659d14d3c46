// Package core holds the agent-side contracts: the job as the agent sees it,
// the executor that runs it, and the credentials that authenticate the agent.
package core

import (
	"context"
	"fmt"
	"time"
)

// Target identifies the job listing to apply to.
type Target struct {
	ListingID string
	Title     string
	Company   string
	ApplyURL  string
	Provider  string
	Location  string
}

// Job is one application the dispatcher offered this agent.
type Job struct {
	TaskID         string
	OwnerID        string
	Target         Target
	Priority       string
	ResumeRef      string
	CoverLetterRef string
	CustomFields   map[string]string
	Attempts       int
}

// Result is a successful application outcome.
type Result struct {
	ConfirmationNumber string
	Message            string
}

// ProgressFunc streams step updates while an application runs.
type ProgressFunc func(progress int, step string)

// TaskExecutor runs one application attempt. Implementations range from the
// simulated executor to a real browser automation engine. Returning a
// *Failure classifies the error; anything else is classified server-side
// from the message text.
type TaskExecutor interface {
	Execute(ctx context.Context, job Job, report ProgressFunc) (*Result, error)
}

// Failure is a classified automation error. Classification values follow the
// dispatcher taxonomy: NETWORK, CAPTCHA, FORM_ERROR, SITE_CHANGE, UNKNOWN.
type Failure struct {
	Classification string
	Message        string
}

func (e *Failure) Error() string {
	return fmt.Sprintf("automation failed (%s): %s", e.Classification, e.Message)
}

// Credentials is the pairing outcome the agent persists between runs.
type Credentials struct {
	DeviceID   string    `toml:"device_id"`
	DeviceName string    `toml:"device_name"`
	Platform   string    `toml:"platform"`
	Token      string    `toml:"token"`
	PairedAt   time.Time `toml:"paired_at"`
}

// Valid reports whether the credentials are complete enough to connect with.
func (c *Credentials) Valid() bool {
	return c != nil && c.DeviceID != "" && c.Token != ""
}
