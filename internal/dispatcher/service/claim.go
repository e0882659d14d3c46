package service

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/applydesk/dispatch/internal/dispatcher/core"
	"github.com/applydesk/dispatch/internal/shared/logging"
)

type claimCoordinator struct {
	taskStore    core.TaskStore
	registry     core.AgentRegistry
	distribution core.DistributionChannel
	logger       logging.Logger
}

func NewClaimCoordinator(
	taskStore core.TaskStore,
	registry core.AgentRegistry,
	distribution core.DistributionChannel,
	logger logging.Logger,
) core.ClaimCoordinator {
	return &claimCoordinator{
		taskStore:    taskStore,
		registry:     registry,
		distribution: distribution,
		logger:       logger,
	}
}

func (c *claimCoordinator) Claim(taskID, agentID uuid.UUID) (core.ClaimOutcome, *core.Task, error) {
	outcome, task, err := c.taskStore.ClaimTask(taskID, agentID, time.Now())
	if err != nil {
		return outcome, nil, err
	}

	switch outcome {
	case core.ClaimWon, core.ClaimAlreadyOwner:
		// Lane consumers claim without registering, so a missing agent is fine.
		if err := c.registry.TrackTask(agentID, taskID); err != nil && !errors.Is(err, core.ErrAgentNotFound) {
			c.logger.Warn("Failed to track claimed task", "agent_id", agentID.String(), "task_id", taskID.String(), "error", err)
		}
		if outcome == core.ClaimWon {
			c.logger.Info("Task claimed",
				"task_id", taskID.String(),
				"agent_id", agentID.String(),
				"owner_id", task.OwnerID,
			)
			c.emitClaimed(task, agentID)
		}
	case core.ClaimLost:
		c.logger.Debug("Claim lost", "task_id", taskID.String(), "agent_id", agentID.String())
	}

	return outcome, task, nil
}

func (c *claimCoordinator) Release(taskID uuid.UUID) (*core.Task, error) {
	prior, err := c.taskStore.GetTaskByID(taskID)
	if err != nil {
		return nil, err
	}
	if prior == nil {
		return nil, core.ErrTaskNotFound
	}

	released, err := c.taskStore.ReleaseTask(taskID, time.Now())
	if err != nil {
		return nil, err
	}

	if prior.ClaimedBy != nil {
		if err := c.registry.UntrackTask(*prior.ClaimedBy, taskID); err != nil && !errors.Is(err, core.ErrAgentNotFound) {
			c.logger.Warn("Failed to untrack released task", "task_id", taskID.String(), "error", err)
		}
	}

	if released.State == core.TaskStateWaitingForAgent {
		c.logger.Info("Task released back to queue", "task_id", taskID.String(), "owner_id", released.OwnerID)
		if err := c.distribution.EmitNewTask(released); err != nil {
			c.logger.Warn("Failed to re-announce released task", "task_id", taskID.String(), "error", err)
		}
	}

	return released, nil
}

func (c *claimCoordinator) emitClaimed(task *core.Task, agentID uuid.UUID) {
	event := &core.TaskClaimedEvent{
		TaskID:  task.ID,
		OwnerID: task.OwnerID,
		AgentID: agentID,
	}
	if err := c.distribution.EmitEvent(event); err != nil {
		c.logger.Warn("Failed to emit claim event", "task_id", task.ID.String(), "error", err)
	}
}
