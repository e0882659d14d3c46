package core

import (
	"time"

	"github.com/google/uuid"
)

// ClaimOutcome reports how a conditional claim resolved.
type ClaimOutcome string

const (
	// ClaimWon means the claim transitioned the task to PROCESSING.
	ClaimWon ClaimOutcome = "WON"
	// ClaimAlreadyOwner means the agent already held the task; the claim is
	// acknowledged without touching claimedAt.
	ClaimAlreadyOwner ClaimOutcome = "ALREADY_OWNER"
	// ClaimLost means another agent holds the task. Nothing was changed.
	ClaimLost ClaimOutcome = "LOST"
)

// TaskStore persists tasks. Getters return (nil, nil) when no row matches;
// conditional operations return ErrTaskNotFound instead, since the caller
// acts on their outcome directly.
//
// Every method that changes claim ownership must do its read-check-write
// under one lock (or one conditional statement on a SQL backend). That is
// what keeps assignment exactly-once when agents race.
type TaskStore interface {
	SaveTask(task *Task) error
	GetTaskByID(id uuid.UUID) (*Task, error)
	GetTasks(filter TaskFilter) ([]*Task, int, error)

	// CountAhead reports how many of the owner's unclaimed tasks would be
	// served before the given one: higher tier rank, or same rank with
	// earlier creation.
	CountAhead(id uuid.UUID) (int, error)
	// ListUnclaimed returns WAITING_FOR_AGENT tasks ordered by tier rank
	// descending then creation time ascending. Empty ownerID means all owners.
	ListUnclaimed(ownerID string, limit int) ([]*Task, error)
	CountUnclaimed(ownerID string) (int, error)
	// ListStalled returns claimed tasks whose last progress (or claim, when no
	// progress was ever reported) is older than the cutoff.
	ListStalled(cutoff time.Time) ([]*Task, error)
	ListClaimedBy(agentID uuid.UUID) ([]*Task, error)

	// ClaimTask is the single conditional operation behind exactly-once
	// assignment: WAITING_FOR_AGENT with no claimant becomes PROCESSING owned
	// by agentID. A repeat claim by the current owner confirms without
	// modification. Anything else is ClaimLost.
	ClaimTask(taskID, agentID uuid.UUID, now time.Time) (ClaimOutcome, *Task, error)
	// AssignTask tentatively hands an unclaimed task to an agent (CLAIMED).
	// The agent still confirms through ClaimTask before work starts.
	AssignTask(taskID, agentID uuid.UUID, now time.Time) (*Task, error)
	// ReleaseTask clears the claim and returns the task to WAITING_FOR_AGENT
	// without counting an attempt. No-op on unclaimed tasks.
	ReleaseTask(taskID uuid.UUID, now time.Time) (*Task, error)

	// UpdateProgress records progress only when agentID still holds the task,
	// so reports from agents that lost their claim are rejected.
	UpdateProgress(taskID, agentID uuid.UUID, progress int, step string, now time.Time) (*Task, error)
	// CompleteTask finishes the task when agentID still holds it.
	CompleteTask(taskID, agentID uuid.UUID, result *TaskResult, now time.Time) (*Task, error)
	// FailTask counts an attempt and either requeues the task or marks it
	// FAILED, depending on the classification and remaining attempts. The
	// bool reports whether the task will be retried.
	FailTask(taskID, agentID uuid.UUID, classification ErrorClassification, message string, now time.Time) (*Task, bool, error)
	CancelTask(taskID uuid.UUID, now time.Time) (*Task, error)
}

// TokenStore persists exchange tokens. GetToken returns (nil, nil) when the
// token is unknown.
type TokenStore interface {
	SaveToken(token *ExchangeToken) error
	GetToken(token string) (*ExchangeToken, error)
	// MarkTokenUsed flips the used flag exactly once. It returns false when
	// the token was already used, without modifying it.
	MarkTokenUsed(token string, now time.Time) (bool, error)
	// PurgeTokens removes tokens that expired before the cutoff and returns
	// how many were dropped.
	PurgeTokens(cutoff time.Time) (int, error)
}
