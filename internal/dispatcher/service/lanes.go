package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/applydesk/dispatch/internal/dispatcher/core"
	"github.com/applydesk/dispatch/internal/shared/logging"
)

// LaneConfig sizes the built-in execution lanes.
type LaneConfig struct {
	PollInterval time.Duration
	PrioritySize int
	NormalSize   int
}

// LanePool runs application tasks on the dispatcher itself for owners with no
// subscribed agents. Every lane worker claims through the same coordinator as
// remote agents, so a duplicate poll or a late agent subscription can never
// produce a double run: the claim decides ownership, not the channel.
type LanePool struct {
	pollInterval time.Duration
	prioritySize int
	normalSize   int
	taskStore    core.TaskStore
	registry     core.AgentRegistry
	coordinator  core.ClaimCoordinator
	queue        core.TaskQueueService
	backend      core.AutomationBackend
	logger       logging.Logger

	priorityLane chan *core.Task
	normalLane   chan *core.Task
}

func NewLanePool(
	cfg LaneConfig,
	taskStore core.TaskStore,
	registry core.AgentRegistry,
	coordinator core.ClaimCoordinator,
	queue core.TaskQueueService,
	backend core.AutomationBackend,
	logger logging.Logger,
) *LanePool {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.PrioritySize <= 0 {
		cfg.PrioritySize = 2
	}
	if cfg.NormalSize <= 0 {
		cfg.NormalSize = 8
	}
	return &LanePool{
		pollInterval: cfg.PollInterval,
		prioritySize: cfg.PrioritySize,
		normalSize:   cfg.NormalSize,
		taskStore:    taskStore,
		registry:     registry,
		coordinator:  coordinator,
		queue:        queue,
		backend:      backend,
		logger:       logger,
		priorityLane: make(chan *core.Task, cfg.PrioritySize*2),
		normalLane:   make(chan *core.Task, cfg.NormalSize*2),
	}
}

// Start blocks until the context is cancelled and in-flight executions have
// finished.
func (p *LanePool) Start(ctx context.Context) {
	var wg sync.WaitGroup
	for range p.prioritySize {
		workerID := uuid.New()
		wg.Go(func() { p.runWorker(ctx, workerID, p.priorityLane) })
	}
	for range p.normalSize {
		workerID := uuid.New()
		wg.Go(func() { p.runWorker(ctx, workerID, p.normalLane) })
	}

	p.logger.Info("Lane pool started",
		"priority_workers", p.prioritySize,
		"normal_workers", p.normalSize,
		"poll_interval", p.pollInterval.String(),
	)

	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			close(p.priorityLane)
			close(p.normalLane)
			wg.Wait()
			p.logger.Info("Lane pool stopped")
			return
		case <-ticker.C:
			p.fillLanes()
		}
	}
}

func (p *LanePool) fillLanes() {
	batch := (p.prioritySize + p.normalSize) * 2
	tasks, err := p.taskStore.ListUnclaimed("", batch)
	if err != nil {
		p.logger.Error("Failed to poll queue for lane work", "error", err)
		return
	}

	for _, task := range tasks {
		// Owners with live subscribers get first refusal on their own tasks.
		if p.registry.HasSubscribers(task.OwnerID) {
			continue
		}

		lane := p.normalLane
		if task.Priority.Rank() >= core.PriorityUrgent.Rank() {
			lane = p.priorityLane
		}
		select {
		case lane <- task:
		default:
			// Lane full. The task is still unclaimed and the next poll
			// picks it up again.
		}
	}
}

func (p *LanePool) runWorker(ctx context.Context, workerID uuid.UUID, lane <-chan *core.Task) {
	for task := range lane {
		p.runTask(ctx, workerID, task)
	}
}

func (p *LanePool) runTask(ctx context.Context, workerID uuid.UUID, task *core.Task) {
	outcome, claimed, err := p.coordinator.Claim(task.ID, workerID)
	if err != nil {
		if !errors.Is(err, core.ErrTaskNotFound) {
			p.logger.Error("Lane claim failed", "task_id", task.ID.String(), "error", err)
		}
		return
	}
	if outcome != core.ClaimWon {
		return
	}

	p.logger.Info("Lane executing task",
		"task_id", claimed.ID.String(),
		"owner_id", claimed.OwnerID,
		"provider", string(claimed.Payload.Target.Provider),
		"worker_id", workerID.String(),
	)

	result, err := p.backend.Execute(ctx, claimed)
	if err != nil {
		classification := core.ErrorUnknown
		var autoErr *core.AutomationError
		if errors.As(err, &autoErr) {
			classification = autoErr.Classification
		}
		if _, failErr := p.queue.Fail(claimed.ID, workerID, err.Error(), classification); failErr != nil {
			p.logger.Error("Lane failed to record task failure", "task_id", claimed.ID.String(), "error", failErr)
		}
		return
	}

	if err := p.queue.Complete(claimed.ID, workerID, result); err != nil {
		p.logger.Error("Lane failed to record task completion", "task_id", claimed.ID.String(), "error", err)
	}
}
