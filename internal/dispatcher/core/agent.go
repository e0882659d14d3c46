package core

import (
	"time"

	"github.com/google/uuid"
)

type AgentStatus string

const (
	AgentStatusIdle  AgentStatus = "IDLE"
	AgentStatusBusy  AgentStatus = "BUSY"
	AgentStatusError AgentStatus = "ERROR"
)

// Capabilities are the feature flags an agent reports after connecting.
type Capabilities struct {
	BrowserAutomation bool `json:"browser_automation"`
	CaptchaHandling   bool `json:"captcha_handling"`
	MaxConcurrency    int  `json:"max_concurrency"`
}

func DefaultCapabilities() Capabilities {
	return Capabilities{
		BrowserAutomation: true,
		CaptchaHandling:   false,
		MaxConcurrency:    1,
	}
}

// AgentTransport is the live connection handle held for a registered agent.
// PushTask delivers a queue-job-available message; Close force-closes the
// connection when the liveness sweep declares the agent dead.
type AgentTransport interface {
	PushTask(task *Task) error
	Close() error
}

// Agent is one connected desktop automation process. The identity is
// ephemeral per connection: a reconnect creates a new Agent bound to the
// same owner and, through the paired desktop credential, the same DeviceID.
type Agent struct {
	ID           uuid.UUID
	OwnerID      string
	DeviceID     string
	Status       AgentStatus
	Capabilities Capabilities
	Transport    AgentTransport

	CurrentTasks map[uuid.UUID]struct{}
	Subscribed   bool

	ConnectedAt     time.Time
	LastHeartbeatAt time.Time
}

// Available reports whether the agent can take another task right now.
func (a *Agent) Available() bool {
	if a.Status == AgentStatusError {
		return false
	}
	if !a.Capabilities.BrowserAutomation {
		return false
	}
	return len(a.CurrentTasks) < a.Capabilities.MaxConcurrency
}
