package core

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// TaskQueueService owns the task lifecycle from submission to a terminal
// state.
type TaskQueueService interface {
	// Enqueue validates and stores a new task, returning its queue position
	// (1 = next to be served among the owner's unclaimed tasks).
	Enqueue(task *Task) (int, error)
	GetTask(id uuid.UUID) (*Task, error)
	GetTasks(filter TaskFilter) ([]*Task, int, error)
	// Position reports the task's current queue position.
	Position(id uuid.UUID) (int, error)

	// ReportProgress records automation progress from the claiming agent.
	// Reports from agents that no longer hold the task are dropped.
	ReportProgress(taskID, agentID uuid.UUID, progress int, step string) error
	Complete(taskID, agentID uuid.UUID, result *TaskResult) error
	// Fail records a failure cycle. An empty classification is derived from
	// the message. The bool reports whether the task was requeued.
	Fail(taskID, agentID uuid.UUID, message string, classification ErrorClassification) (bool, error)
	Cancel(taskID uuid.UUID) error
}

// ClaimCoordinator arbitrates which agent owns a task. All claim traffic goes
// through here so that winning is decided in exactly one place.
type ClaimCoordinator interface {
	Claim(taskID, agentID uuid.UUID) (ClaimOutcome, *Task, error)
	// Release returns a claimed task to the queue without burning an attempt,
	// and announces it to the owner's room again.
	Release(taskID uuid.UUID) (*Task, error)
}

// AgentRegistry tracks connected agents and their liveness.
type AgentRegistry interface {
	Register(agent *Agent) error
	// Unregister removes the agent and closes its transport. Tasks the agent
	// still held are the caller's problem: release them first.
	Unregister(agentID uuid.UUID, reason string) error
	Heartbeat(agentID uuid.UUID) error
	UpdateCapabilities(agentID uuid.UUID, caps Capabilities) error
	MarkSubscribed(agentID uuid.UUID) error

	GetAgent(agentID uuid.UUID) (*Agent, error)
	// ListAgents returns agents for one owner, or all agents when ownerID is
	// empty.
	ListAgents(ownerID string) ([]*Agent, error)
	// ListStale returns agents whose last heartbeat is older than the timeout.
	ListStale(timeout time.Duration) ([]*Agent, error)
	// FindAvailable picks a live agent of the owner with spare concurrency, or
	// ErrAgentUnavailable.
	FindAvailable(ownerID string) (*Agent, error)
	HasSubscribers(ownerID string) bool

	TrackTask(agentID, taskID uuid.UUID) error
	UntrackTask(agentID, taskID uuid.UUID) error
}

// DistributionChannel fans task availability out to subscribed agents and
// publishes lifecycle events for other interested parties.
type DistributionChannel interface {
	// Subscribe joins the agent to its owner's room, replays the owner's
	// unclaimed backlog to it, and returns the owner's total pending count.
	Subscribe(agent *Agent) (int, error)
	Unsubscribe(agent *Agent) error
	// EmitNewTask announces an available task to its owner's room. Delivery
	// is informational; claiming decides ownership.
	EmitNewTask(task *Task) error
	EmitEvent(event Event) error
	Close() error
}

// PairingGrant is what a successful exchange yields: the identity and
// credential the desktop agent connects with from then on.
type PairingGrant struct {
	OwnerID    string `json:"owner_id"`
	DeviceID   string `json:"device_id"`
	Credential string `json:"credential"`
	ExpiresAt  int64  `json:"expires_at"`
}

// ExchangeTokenService implements browser-to-desktop pairing with single-use,
// device-bound, short-lived tokens.
type ExchangeTokenService interface {
	Initiate(ownerID string, device DeviceInfo) (*ExchangeToken, error)
	// Complete consumes the token exactly once and issues the desktop
	// credential. Token errors come back as the Err* sentinels from this
	// package; transport layers must collapse them into one generic rejection.
	Complete(token string, device DeviceInfo) (*PairingGrant, error)
	// Verify checks a token without consuming it.
	Verify(token string) (*ExchangeToken, error)
}

// AutomationBackend executes an application task locally. Server-side lanes
// use it as their stand-in for a remote agent.
type AutomationBackend interface {
	Execute(ctx context.Context, task *Task) (*TaskResult, error)
}
