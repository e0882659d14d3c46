package service

import (
	"context"
	"errors"
	"time"

	"github.com/applydesk/dispatch/internal/dispatcher/core"
	"github.com/applydesk/dispatch/internal/shared/logging"
)

// StallSweeper requeues claimed tasks whose automation went silent. Tasks
// held by an agent that still heartbeats are left alone: a reachable agent
// resolves its own work with a result, an error, or a disconnect.
type StallSweeper struct {
	sweepInterval  time.Duration
	stallTimeout   time.Duration
	heartbeatGrace time.Duration
	taskStore      core.TaskStore
	registry       core.AgentRegistry
	queue          core.TaskQueueService
	logger         logging.Logger
}

func NewStallSweeper(
	sweepInterval time.Duration,
	stallTimeout time.Duration,
	heartbeatGrace time.Duration,
	taskStore core.TaskStore,
	registry core.AgentRegistry,
	queue core.TaskQueueService,
	logger logging.Logger,
) *StallSweeper {
	return &StallSweeper{
		sweepInterval:  sweepInterval,
		stallTimeout:   stallTimeout,
		heartbeatGrace: heartbeatGrace,
		taskStore:      taskStore,
		registry:       registry,
		queue:          queue,
		logger:         logger,
	}
}

func (s *StallSweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunOnce()
		}
	}
}

// RunOnce performs a single sweep over tasks past the stall cutoff.
func (s *StallSweeper) RunOnce() {
	cutoff := time.Now().Add(-s.stallTimeout)
	stalled, err := s.taskStore.ListStalled(cutoff)
	if err != nil {
		s.logger.Error("Failed to list stalled tasks", "error", err)
		return
	}

	for _, task := range stalled {
		if task.ClaimedBy == nil {
			continue
		}

		if agent, err := s.registry.GetAgent(*task.ClaimedBy); err == nil {
			if time.Since(agent.LastHeartbeatAt) <= s.heartbeatGrace {
				continue
			}
		}

		s.logger.Warn("Releasing stalled task",
			"task_id", task.ID.String(),
			"owner_id", task.OwnerID,
			"agent_id", task.ClaimedBy.String(),
		)

		// Counted as an attempt so a task that stalls forever eventually
		// fails instead of cycling through the queue without end.
		_, err := s.queue.Fail(task.ID, *task.ClaimedBy, "no progress within the stall window", core.ErrorUnknown)
		if err != nil && !errors.Is(err, core.ErrAlreadyClaimed) {
			s.logger.Error("Failed to release stalled task", "task_id", task.ID.String(), "error", err)
		}
	}
}
