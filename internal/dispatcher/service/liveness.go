package service

import (
	"context"
	"time"

	"github.com/applydesk/dispatch/internal/dispatcher/core"
	"github.com/applydesk/dispatch/internal/shared/logging"
)

// LivenessSweeper removes agents that stopped heartbeating. Their claimed
// tasks go back to the queue first so other agents can pick them up, then
// the registration and its transport are torn down.
type LivenessSweeper struct {
	checkInterval time.Duration
	staleTimeout  time.Duration
	registry      core.AgentRegistry
	taskStore     core.TaskStore
	coordinator   core.ClaimCoordinator
	distribution  core.DistributionChannel
	logger        logging.Logger
}

func NewLivenessSweeper(
	checkInterval time.Duration,
	staleTimeout time.Duration,
	registry core.AgentRegistry,
	taskStore core.TaskStore,
	coordinator core.ClaimCoordinator,
	distribution core.DistributionChannel,
	logger logging.Logger,
) *LivenessSweeper {
	return &LivenessSweeper{
		checkInterval: checkInterval,
		staleTimeout:  staleTimeout,
		registry:      registry,
		taskStore:     taskStore,
		coordinator:   coordinator,
		distribution:  distribution,
		logger:        logger,
	}
}

func (l *LivenessSweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(l.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.RunOnce()
		}
	}
}

// RunOnce performs a single sweep. Safe to call concurrently with live
// claim traffic: releases go through the coordinator's CAS.
func (l *LivenessSweeper) RunOnce() {
	stale, err := l.registry.ListStale(l.staleTimeout)
	if err != nil {
		l.logger.Error("Failed to list stale agents", "error", err)
		return
	}

	for _, agent := range stale {
		l.logger.Warn("Removing stale agent",
			"agent_id", agent.ID.String(),
			"owner_id", agent.OwnerID,
			"last_heartbeat_at", agent.LastHeartbeatAt.Format(time.RFC3339),
		)

		claimed, err := l.taskStore.ListClaimedBy(agent.ID)
		if err != nil {
			l.logger.Error("Failed to list tasks claimed by stale agent", "agent_id", agent.ID.String(), "error", err)
		}
		for _, task := range claimed {
			if _, err := l.coordinator.Release(task.ID); err != nil {
				l.logger.Error("Failed to release task of stale agent", "task_id", task.ID.String(), "error", err)
			}
		}

		if err := l.distribution.Unsubscribe(agent); err != nil {
			l.logger.Error("Failed to unsubscribe stale agent", "agent_id", agent.ID.String(), "error", err)
		}
		if err := l.registry.Unregister(agent.ID, "missed heartbeats"); err != nil {
			l.logger.Error("Failed to unregister stale agent", "agent_id", agent.ID.String(), "error", err)
		}

		if err := l.distribution.EmitEvent(core.AgentRemovedEvent{
			AgentID: agent.ID,
			OwnerID: agent.OwnerID,
			Reason:  "missed heartbeats",
		}); err != nil {
			l.logger.Warn("Failed to emit agent removal event", "agent_id", agent.ID.String(), "error", err)
		}
	}
}
