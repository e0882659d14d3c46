package service

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/applydesk/dispatch/internal/dispatcher/core"
	"github.com/applydesk/dispatch/internal/shared/logging"
)

type taskQueueService struct {
	taskStore    core.TaskStore
	registry     core.AgentRegistry
	distribution core.DistributionChannel
	maxAttempts  int
	logger       logging.Logger
}

func NewTaskQueueService(
	taskStore core.TaskStore,
	registry core.AgentRegistry,
	distribution core.DistributionChannel,
	maxAttempts int,
	logger logging.Logger,
) core.TaskQueueService {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &taskQueueService{
		taskStore:    taskStore,
		registry:     registry,
		distribution: distribution,
		maxAttempts:  maxAttempts,
		logger:       logger,
	}
}

func (s *taskQueueService) Enqueue(task *core.Task) (int, error) {
	if task.OwnerID == "" {
		return 0, &core.ValidationError{Field: "ownerId", Reason: "must not be empty"}
	}
	if task.Payload.Target.ApplyURL == "" {
		return 0, &core.ValidationError{Field: "target.applyUrl", Reason: "must not be empty"}
	}
	if task.Priority == "" {
		task.Priority = core.PriorityNormal
	}
	if !task.Priority.Valid() {
		return 0, &core.ValidationError{Field: "priority", Reason: "unknown tier"}
	}

	now := time.Now()
	if task.ID == uuid.Nil {
		task.ID = uuid.New()
	}
	if task.MaxAttempts <= 0 {
		task.MaxAttempts = s.maxAttempts
	}
	if task.Payload.Target.Provider == "" {
		task.Payload.Target.Provider = core.DetectProvider(task.Payload.Target.ApplyURL)
	}
	task.State = core.TaskStateWaitingForAgent
	task.Attempts = 0
	task.CreatedAt = now
	task.UpdatedAt = now

	if err := s.taskStore.SaveTask(task); err != nil {
		return 0, err
	}

	ahead, err := s.taskStore.CountAhead(task.ID)
	if err != nil {
		return 0, err
	}
	position := ahead + 1

	s.logger.Info("Task enqueued",
		"task_id", task.ID.String(),
		"owner_id", task.OwnerID,
		"priority", string(task.Priority),
		"provider", string(task.Payload.Target.Provider),
		"position", position,
	)

	s.dispatch(task)
	return position, nil
}

// dispatch tries to hand the task straight to an idle agent; otherwise it is
// announced to the owner's room and picked up by whoever claims first.
func (s *taskQueueService) dispatch(task *core.Task) {
	agent, err := s.registry.FindAvailable(task.OwnerID)
	if err == nil {
		assigned, assignErr := s.taskStore.AssignTask(task.ID, agent.ID, time.Now())
		if assignErr == nil {
			if pushErr := agent.Transport.PushTask(assigned); pushErr == nil {
				if trackErr := s.registry.TrackTask(agent.ID, task.ID); trackErr != nil {
					s.logger.Warn("Failed to track assigned task", "task_id", task.ID.String(), "error", trackErr)
				}
				s.logger.Info("Task assigned directly",
					"task_id", task.ID.String(),
					"agent_id", agent.ID.String(),
				)
				return
			}

			// Push failed: hand the task back before broadcasting it.
			s.logger.Warn("Direct dispatch push failed", "task_id", task.ID.String(), "agent_id", agent.ID.String())
			if _, relErr := s.taskStore.ReleaseTask(task.ID, time.Now()); relErr != nil {
				s.logger.Error("Failed to release task after push failure", "task_id", task.ID.String(), "error", relErr)
				return
			}
		}
	} else if !errors.Is(err, core.ErrAgentUnavailable) {
		s.logger.Warn("Agent lookup failed", "owner_id", task.OwnerID, "error", err)
	}

	if err := s.distribution.EmitNewTask(task); err != nil {
		s.logger.Warn("Failed to announce task", "task_id", task.ID.String(), "error", err)
	}
}

func (s *taskQueueService) GetTask(id uuid.UUID) (*core.Task, error) {
	task, err := s.taskStore.GetTaskByID(id)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, core.ErrTaskNotFound
	}
	return task, nil
}

func (s *taskQueueService) GetTasks(filter core.TaskFilter) ([]*core.Task, int, error) {
	return s.taskStore.GetTasks(filter)
}

func (s *taskQueueService) Position(id uuid.UUID) (int, error) {
	task, err := s.GetTask(id)
	if err != nil {
		return 0, err
	}
	if task.State != core.TaskStateWaitingForAgent {
		return 0, nil
	}
	ahead, err := s.taskStore.CountAhead(id)
	if err != nil {
		return 0, err
	}
	return ahead + 1, nil
}

func (s *taskQueueService) ReportProgress(taskID, agentID uuid.UUID, progress int, step string) error {
	if progress < 0 || progress > 100 {
		return &core.ValidationError{Field: "progress", Reason: "must be between 0 and 100"}
	}

	_, err := s.taskStore.UpdateProgress(taskID, agentID, progress, step, time.Now())
	if err != nil {
		return err
	}

	s.logger.Debug("Task progress",
		"task_id", taskID.String(),
		"progress", progress,
		"step", step,
	)
	return nil
}

func (s *taskQueueService) Complete(taskID, agentID uuid.UUID, result *core.TaskResult) error {
	if result == nil {
		result = &core.TaskResult{}
	}
	if result.CompletedAt.IsZero() {
		result.CompletedAt = time.Now()
	}

	task, err := s.taskStore.CompleteTask(taskID, agentID, result, time.Now())
	if err != nil {
		return err
	}

	s.untrack(agentID, taskID)
	s.logger.Info("Task completed",
		"task_id", taskID.String(),
		"owner_id", task.OwnerID,
		"confirmation", result.ConfirmationNumber,
	)

	s.emit(&core.TaskCompletedEvent{
		TaskID:  task.ID,
		OwnerID: task.OwnerID,
		Result:  task.Result,
	})
	return nil
}

func (s *taskQueueService) Fail(taskID, agentID uuid.UUID, message string, classification core.ErrorClassification) (bool, error) {
	if !classification.Valid() {
		classification = core.Classify(message)
	}

	task, willRetry, err := s.taskStore.FailTask(taskID, agentID, classification, message, time.Now())
	if err != nil {
		return false, err
	}

	s.untrack(agentID, taskID)
	s.logger.Warn("Task failed",
		"task_id", taskID.String(),
		"owner_id", task.OwnerID,
		"classification", string(classification),
		"attempts", task.Attempts,
		"will_retry", willRetry,
	)

	if willRetry {
		if err := s.distribution.EmitNewTask(task); err != nil {
			s.logger.Warn("Failed to re-announce task", "task_id", taskID.String(), "error", err)
		}
	}

	s.emit(&core.TaskFailedEvent{
		TaskID:         task.ID,
		OwnerID:        task.OwnerID,
		Classification: classification,
		Attempts:       task.Attempts,
		WillRetry:      willRetry,
	})
	return willRetry, nil
}

func (s *taskQueueService) Cancel(taskID uuid.UUID) error {
	prior, err := s.taskStore.GetTaskByID(taskID)
	if err != nil {
		return err
	}
	if prior == nil {
		return core.ErrTaskNotFound
	}

	task, err := s.taskStore.CancelTask(taskID, time.Now())
	if err != nil {
		return err
	}

	// A processing agent learns about the cancellation when its next report
	// is rejected as stale.
	if prior.ClaimedBy != nil {
		s.untrack(*prior.ClaimedBy, taskID)
	}

	s.logger.Info("Task cancelled", "task_id", taskID.String(), "owner_id", task.OwnerID)
	s.emit(&core.TaskCancelledEvent{
		TaskID:  task.ID,
		OwnerID: task.OwnerID,
	})
	return nil
}

func (s *taskQueueService) untrack(agentID, taskID uuid.UUID) {
	if err := s.registry.UntrackTask(agentID, taskID); err != nil && !errors.Is(err, core.ErrAgentNotFound) {
		s.logger.Warn("Failed to untrack task", "task_id", taskID.String(), "error", err)
	}
}

func (s *taskQueueService) emit(event core.Event) {
	if err := s.distribution.EmitEvent(event); err != nil {
		s.logger.Warn("Failed to emit event", "kind", string(event.Kind()), "error", err)
	}
}
