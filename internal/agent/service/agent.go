package service

import (
	"context"
	"errors"
	"sync"

	protocol "github.com/applydesk/dispatch/internal/dispatcher/api/ws"

	"github.com/applydesk/dispatch/internal/agent/core"
	"github.com/applydesk/dispatch/internal/shared/logging"
)

// JobClient is the transport surface the run loop drives. *ws.Client is the
// real one; tests substitute a fake.
type JobClient interface {
	Run(ctx context.Context) error
	Capabilities(caps protocol.CapabilitiesPayload) error
	SubscribeQueue() error
	ClaimJob(taskID string) error
	ReportProgress(taskID string, progress int, step string) error
	ReportResult(taskID, confirmationNumber, message string) error
	ReportError(taskID, message, classification string) error
}

type Options struct {
	MaxConcurrency  int
	CaptchaHandling bool
}

// Agent claims announced jobs up to its concurrency limit and runs them
// through the executor. A claim is pending from the moment it is sent until
// the dispatcher confirms or denies it; pending claims count against
// capacity so a burst of announcements cannot oversubscribe the agent.
type Agent struct {
	client   JobClient
	executor core.TaskExecutor
	opts     Options
	logger   logging.Logger

	mu      sync.Mutex
	agentID string
	baseCtx context.Context
	pending map[string]core.Job
	running map[string]context.CancelFunc
	wg      sync.WaitGroup
}

func NewAgent(executor core.TaskExecutor, opts Options, logger logging.Logger) *Agent {
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = 1
	}
	return &Agent{
		executor: executor,
		opts:     opts,
		logger:   logger,
		pending:  make(map[string]core.Job),
		running:  make(map[string]context.CancelFunc),
	}
}

// Bind attaches the transport. The client needs the agent as its handler and
// the agent needs the client to send, so wiring happens after construction.
func (a *Agent) Bind(client JobClient) {
	a.client = client
}

// Run drives the connection until the context is cancelled, then waits for
// in-flight executions to wind down.
func (a *Agent) Run(ctx context.Context) error {
	a.mu.Lock()
	a.baseCtx = ctx
	a.mu.Unlock()

	defer a.wg.Wait()
	return a.client.Run(ctx)
}

// InFlight reports how many jobs are pending claim or executing.
func (a *Agent) InFlight() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending) + len(a.running)
}

func (a *Agent) OnConnected(agentID string) {
	a.mu.Lock()
	a.agentID = agentID
	// Claims sent over a previous connection died with it.
	a.pending = make(map[string]core.Job)
	a.mu.Unlock()

	a.logger.Info("Connected to dispatcher", "agent_id", agentID)

	if err := a.client.Capabilities(protocol.CapabilitiesPayload{
		BrowserAutomation: true,
		CaptchaHandling:   a.opts.CaptchaHandling,
		MaxConcurrency:    a.opts.MaxConcurrency,
	}); err != nil {
		a.logger.Error("Failed to report capabilities", "error", err)
	}
	if err := a.client.SubscribeQueue(); err != nil {
		a.logger.Error("Failed to subscribe to queue stream", "error", err)
	}
}

func (a *Agent) OnStreamInitialized(totalPending int) {
	a.logger.Info("Queue stream ready", "pending", totalPending)
}

func (a *Agent) OnJobAvailable(job protocol.JobAvailablePayload) {
	a.mu.Lock()
	if _, dup := a.pending[job.TaskID]; dup {
		a.mu.Unlock()
		return
	}
	if _, dup := a.running[job.TaskID]; dup {
		a.mu.Unlock()
		return
	}
	if len(a.pending)+len(a.running) >= a.opts.MaxConcurrency {
		a.mu.Unlock()
		a.logger.Debug("At capacity, skipping announcement", "task_id", job.TaskID)
		return
	}
	a.pending[job.TaskID] = toJob(job)
	a.mu.Unlock()

	if err := a.client.ClaimJob(job.TaskID); err != nil {
		a.mu.Lock()
		delete(a.pending, job.TaskID)
		a.mu.Unlock()
		a.logger.Warn("Claim not sent", "task_id", job.TaskID, "error", err)
	}
}

func (a *Agent) OnClaimConfirmed(taskID string) {
	a.mu.Lock()
	job, ok := a.pending[taskID]
	if !ok {
		a.mu.Unlock()
		a.logger.Debug("Claim confirmation for unknown task", "task_id", taskID)
		return
	}
	delete(a.pending, taskID)
	base := a.baseCtx
	if base == nil {
		base = context.Background()
	}
	ctx, cancel := context.WithCancel(base)
	a.running[taskID] = cancel
	a.wg.Add(1)
	a.mu.Unlock()

	go a.execute(ctx, job)
}

func (a *Agent) OnAlreadyClaimed(taskID string) {
	a.mu.Lock()
	delete(a.pending, taskID)
	a.mu.Unlock()
	a.logger.Debug("Job went to another agent", "task_id", taskID)
}

func (a *Agent) OnServerError(message string) {
	a.logger.Warn("Dispatcher reported an error", "message", message)
}

func (a *Agent) OnDisconnected(err error) {
	a.mu.Lock()
	pendingCount := len(a.pending)
	a.pending = make(map[string]core.Job)
	// The dispatcher releases this agent's claims on disconnect and announces
	// them again. Letting a run finish here risks submitting the same
	// application twice, so abandon it.
	runningCount := len(a.running)
	for _, cancel := range a.running {
		cancel()
	}
	a.mu.Unlock()

	a.logger.Warn("Disconnected from dispatcher",
		"error", err,
		"abandoned_claims", pendingCount,
		"abandoned_runs", runningCount)
}

func (a *Agent) execute(ctx context.Context, job core.Job) {
	defer a.wg.Done()
	defer func() {
		a.mu.Lock()
		delete(a.running, job.TaskID)
		a.mu.Unlock()
	}()

	a.logger.Info("Executing application",
		"task_id", job.TaskID,
		"company", job.Target.Company,
		"title", job.Target.Title)

	report := func(progress int, step string) {
		if err := a.client.ReportProgress(job.TaskID, progress, step); err != nil {
			a.logger.Debug("Progress report dropped", "task_id", job.TaskID, "error", err)
		}
	}

	result, err := a.executor.Execute(ctx, job, report)
	if err != nil {
		if ctx.Err() != nil {
			// The connection died mid-run. The claim is already released
			// server-side, so there is nobody to report to.
			a.logger.Warn("Application run abandoned", "task_id", job.TaskID)
			return
		}
		message := err.Error()
		classification := ""
		var failure *core.Failure
		if errors.As(err, &failure) {
			message = failure.Message
			classification = failure.Classification
		}
		if sendErr := a.client.ReportError(job.TaskID, message, classification); sendErr != nil {
			a.logger.Error("Failed to report job error", "task_id", job.TaskID, "error", sendErr)
		}
		return
	}

	if sendErr := a.client.ReportResult(job.TaskID, result.ConfirmationNumber, result.Message); sendErr != nil {
		a.logger.Error("Failed to report job result", "task_id", job.TaskID, "error", sendErr)
		return
	}
	a.logger.Info("Application submitted",
		"task_id", job.TaskID,
		"confirmation", result.ConfirmationNumber)
}

func toJob(p protocol.JobAvailablePayload) core.Job {
	return core.Job{
		TaskID:  p.TaskID,
		OwnerID: p.OwnerID,
		Target: core.Target{
			ListingID: p.Target.ListingID,
			Title:     p.Target.Title,
			Company:   p.Target.Company,
			ApplyURL:  p.Target.ApplyURL,
			Provider:  p.Target.Provider,
			Location:  p.Target.Location,
		},
		Priority:       p.Priority,
		ResumeRef:      p.ResumeRef,
		CoverLetterRef: p.CoverLetterRef,
		CustomFields:   p.CustomFields,
		Attempts:       p.Attempts,
	}
}
