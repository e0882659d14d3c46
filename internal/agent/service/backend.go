package service

import (
	"context"
	"errors"
	"time"

	"github.com/applydesk/dispatch/internal/agent/core"
	dispatcher "github.com/applydesk/dispatch/internal/dispatcher/core"
	"github.com/applydesk/dispatch/internal/shared/logging"
)

// LaneBackend adapts a TaskExecutor to the dispatcher's AutomationBackend,
// so server-side lanes run the same executors desktop agents run. Progress
// is recorded through the queue service under the lane worker's claim
// identity, which the claimed task carries in ClaimedBy.
type LaneBackend struct {
	executor core.TaskExecutor
	queue    dispatcher.TaskQueueService
	logger   logging.Logger
}

func NewLaneBackend(executor core.TaskExecutor, queue dispatcher.TaskQueueService, logger logging.Logger) *LaneBackend {
	return &LaneBackend{executor: executor, queue: queue, logger: logger}
}

func (b *LaneBackend) Execute(ctx context.Context, task *dispatcher.Task) (*dispatcher.TaskResult, error) {
	job := core.Job{
		TaskID:  task.ID.String(),
		OwnerID: task.OwnerID,
		Target: core.Target{
			ListingID: task.Payload.Target.ListingID,
			Title:     task.Payload.Target.Title,
			Company:   task.Payload.Target.Company,
			ApplyURL:  task.Payload.Target.ApplyURL,
			Provider:  string(task.Payload.Target.Provider),
			Location:  task.Payload.Target.Location,
		},
		Priority:       string(task.Priority),
		ResumeRef:      task.Payload.ResumeRef,
		CoverLetterRef: task.Payload.CoverLetterRef,
		CustomFields:   task.Payload.CustomFields,
		Attempts:       task.Attempts,
	}

	report := func(progress int, step string) {
		if b.queue == nil || task.ClaimedBy == nil {
			return
		}
		if err := b.queue.ReportProgress(task.ID, *task.ClaimedBy, progress, step); err != nil {
			b.logger.Debug("Lane progress dropped", "task_id", task.ID.String(), "error", err)
		}
	}

	result, err := b.executor.Execute(ctx, job, report)
	if err != nil {
		var failure *core.Failure
		if errors.As(err, &failure) {
			return nil, &dispatcher.AutomationError{
				Classification: dispatcher.ErrorClassification(failure.Classification),
				Message:        failure.Message,
			}
		}
		return nil, err
	}

	return &dispatcher.TaskResult{
		ConfirmationNumber: result.ConfirmationNumber,
		Message:            result.Message,
		CompletedAt:        time.Now().UTC(),
	}, nil
}
