package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	agentservice "github.com/applydesk/dispatch/internal/agent/service"
	"github.com/applydesk/dispatch/internal/dispatcher/bus"
	"github.com/applydesk/dispatch/internal/dispatcher/core"
	"github.com/applydesk/dispatch/internal/dispatcher/service"
	"github.com/applydesk/dispatch/internal/dispatcher/storage"
	"github.com/applydesk/dispatch/internal/shared/logging"
)

// Simulation listings cycle through the supported providers so detection and
// routing both get exercised.
var listings = []struct {
	company string
	title   string
	urlFmt  string
}{
	{"Acme Robotics", "Staff Software Engineer", "https://boards.greenhouse.io/acmerobotics/jobs/%d"},
	{"Initech", "Platform Engineer", "https://jobs.lever.co/initech/%d"},
	{"Globex", "Backend Developer", "https://www.linkedin.com/jobs/view/%d"},
	{"Umbrella Health", "Data Engineer", "https://umbrella.wd5.myworkdayjobs.com/en-US/careers/job/%d"},
	{"Stark Industries", "Site Reliability Engineer", "https://careers.stark.example.com/postings/%d"},
}

var priorityCycle = []core.PriorityTier{
	core.PriorityNormal,
	core.PriorityNormal,
	core.PriorityHigh,
	core.PriorityNormal,
	core.PriorityUrgent,
	core.PriorityNormal,
	core.PriorityImmediate,
	core.PriorityNormal,
}

func main() {
	var (
		agents      = flag.Int("agents", 4, "number of simulated agents")
		owners      = flag.Int("owners", 2, "number of distinct owner accounts")
		tasks       = flag.Int("tasks", 24, "number of tasks to enqueue")
		concurrency = flag.Int("concurrency", 2, "per-agent max concurrent applications")
		failureRate = flag.Float64("failure-rate", 0.2, "probability an application attempt fails at submit")
		stepDelay   = flag.Duration("step-delay", 5*time.Millisecond, "simulated executor step delay")
		crashAgent  = flag.Bool("crash-agent", false, "kill one agent mid-run to exercise the liveness sweep")
		timeout     = flag.Duration("timeout", 60*time.Second, "maximum time to wait for the queue to drain")
		logLevel    = flag.String("log-level", "warn", "log level for the wired components")
	)
	flag.Parse()

	logger := logging.NewSlogLogger(logging.ParseLevel(*logLevel))

	if *agents < 1 || *tasks < 1 || *owners < 1 {
		logger.Fatal("agents, tasks, and owners must all be >= 1")
	}
	if *agents < *owners {
		// Owners without an agent would strand their tasks: the simulation
		// wires no lane pool fallback.
		logger.Fatal("need at least one agent per owner", "agents", *agents, "owners", *owners)
	}
	if *failureRate < 0 || *failureRate > 1 {
		logger.Fatal("failure-rate must be within [0, 1]")
	}

	taskStore := storage.NewInMemoryTaskStore()
	tokenStore := storage.NewInMemoryTokenStore()
	messageBus := bus.NewMemoryBus(bus.DefaultConfig())
	registry := service.NewAgentRegistry(logger)
	distribution := service.NewDistributionChannel(messageBus, taskStore, 50, logger)
	coordinator := service.NewClaimCoordinator(taskStore, registry, distribution, logger)
	queue := service.NewTaskQueueService(taskStore, registry, distribution, 3, logger)

	backend := agentservice.NewLaneBackend(&agentservice.SimulatedExecutor{
		StepDelay:   *stepDelay,
		FailureRate: *failureRate,
	}, queue, logger)

	const heartbeatEvery = 500 * time.Millisecond
	liveness := service.NewLivenessSweeper(heartbeatEvery, 4*heartbeatEvery, registry, taskStore, coordinator, distribution, logger)
	stall := service.NewStallSweeper(time.Second, 5*time.Second, 2*time.Second, taskStore, registry, queue, logger)
	purger := service.NewTokenPurger(time.Second, 5*time.Second, tokenStore, nil, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var background sync.WaitGroup
	background.Go(func() { liveness.Start(ctx) })
	background.Go(func() { stall.Start(ctx) })
	background.Go(func() { purger.Start(ctx) })

	track := newTracker()

	var agentWg sync.WaitGroup
	sims := make([]*simAgent, 0, *agents)
	for i := range *agents {
		sim := &simAgent{
			owner:        fmt.Sprintf("owner-%d", i%*owners),
			device:       fmt.Sprintf("sim-device-%d", i),
			concurrency:  *concurrency,
			registry:     registry,
			distribution: distribution,
			coordinator:  coordinator,
			queue:        queue,
			backend:      backend,
			track:        track,
			logger:       logger,
		}
		if err := sim.start(ctx, &agentWg, heartbeatEvery); err != nil {
			logger.Fatal("Failed to start simulated agent", "device", sim.device, "error", err)
		}
		sims = append(sims, sim)
	}

	fmt.Printf("simulating %d tasks across %d owners with %d agents (concurrency %d, failure rate %.0f%%)\n",
		*tasks, *owners, *agents, *concurrency, *failureRate*100)

	for i := range *tasks {
		listing := listings[i%len(listings)]
		task := &core.Task{
			OwnerID:  fmt.Sprintf("owner-%d", i%*owners),
			Priority: priorityCycle[i%len(priorityCycle)],
			Payload: core.TaskPayload{
				Target: core.TargetDescriptor{
					ListingID: fmt.Sprintf("listing-%d", i),
					Title:     listing.title,
					Company:   listing.company,
					ApplyURL:  fmt.Sprintf(listing.urlFmt, 1000+i),
				},
				ResumeRef: "resumes/default.pdf",
			},
		}
		if _, err := queue.Enqueue(task); err != nil {
			logger.Fatal("Failed to enqueue task", "listing", task.Payload.Target.ListingID, "error", err)
		}
	}

	if *crashAgent {
		// Give the crashed agent time to pick work up, then let the liveness
		// sweep discover the silence and release its claims.
		time.Sleep(2 * *stepDelay)
		sims[0].crash()
		fmt.Printf("crashed agent %s; waiting for the liveness sweep to release its claims\n", sims[0].device)
	}

	remaining := drain(queue, *timeout)

	cancel()
	agentWg.Wait()
	background.Wait()
	if err := distribution.Close(); err != nil {
		logger.Warn("Failed to close distribution channel", "error", err)
	}
	if err := messageBus.Close(); err != nil {
		logger.Warn("Failed to close bus", "error", err)
	}

	ok := printSummary(queue, track, remaining)
	if !ok {
		os.Exit(1)
	}
}

// drain waits until every task reaches a terminal state, returning how many
// never made it before the deadline.
func drain(queue core.TaskQueueService, timeout time.Duration) int {
	deadline := time.Now().Add(timeout)
	for {
		remaining := 0
		tasks, _, err := queue.GetTasks(core.TaskFilter{})
		if err == nil {
			for _, task := range tasks {
				if !task.State.IsTerminal() {
					remaining++
				}
			}
			if remaining == 0 {
				return 0
			}
		}
		if time.Now().After(deadline) {
			return remaining
		}
		time.Sleep(25 * time.Millisecond)
	}
}

func printSummary(queue core.TaskQueueService, track *tracker, remaining int) bool {
	tasks, total, err := queue.GetTasks(core.TaskFilter{})
	if err != nil {
		fmt.Printf("failed to read final queue state: %v\n", err)
		return false
	}

	byState := make(map[core.TaskState]int)
	retried := 0
	for _, task := range tasks {
		byState[task.State]++
		if task.Attempts > 1 || (task.Attempts == 1 && task.State != core.TaskStateFailed) {
			// Attempts count recorded failures, so any nonzero value on a
			// task that did not end FAILED on its first try means a retry ran.
			retried++
		}
	}

	won, lost, confirmed := track.claimCounts()
	executions, completions, failures, abandoned, stale := track.executionCounts()
	overlaps := track.overlaps()

	fmt.Println("--- simulation summary ---")
	fmt.Printf("tasks:              %d (completed %d, failed %d, not terminal %d)\n",
		total, byState[core.TaskStateCompleted], byState[core.TaskStateFailed], remaining)
	fmt.Printf("tasks retried:      %d\n", retried)
	fmt.Printf("claims:             won %d, lost %d, re-confirmed %d\n", won, lost, confirmed)
	fmt.Printf("executions:         %d (completed %d, failed %d, abandoned %d, stale reports %d)\n",
		executions, completions, failures, abandoned, stale)
	fmt.Printf("overlapping owners: %d\n", overlaps)

	if overlaps > 0 {
		fmt.Println("RESULT: FAIL: a task was executed by two agents at once")
		return false
	}
	if remaining > 0 {
		fmt.Println("RESULT: FAIL: queue did not drain before the deadline")
		return false
	}
	fmt.Println("RESULT: OK: every task had exactly one owner at a time")
	return true
}

// simAgent is an in-process stand-in for a desktop agent: it subscribes to
// its owner's room, races claims through the shared coordinator, and runs
// won tasks on the simulated executor.
type simAgent struct {
	owner       string
	device      string
	concurrency int

	registry     core.AgentRegistry
	distribution core.DistributionChannel
	coordinator  core.ClaimCoordinator
	queue        core.TaskQueueService
	backend      core.AutomationBackend
	track        *tracker
	logger       logging.Logger

	id      uuid.UUID
	inbox   *inboxTransport
	crashFn context.CancelFunc

	mu       sync.Mutex
	inflight map[uuid.UUID]struct{}
}

func (a *simAgent) start(ctx context.Context, wg *sync.WaitGroup, heartbeatEvery time.Duration) error {
	ctx, crash := context.WithCancel(ctx)
	a.crashFn = crash
	a.id = uuid.New()
	a.inbox = newInboxTransport(256)
	a.inflight = make(map[uuid.UUID]struct{})

	agent := &core.Agent{
		ID:       a.id,
		OwnerID:  a.owner,
		DeviceID: a.device,
		Capabilities: core.Capabilities{
			BrowserAutomation: true,
			MaxConcurrency:    a.concurrency,
		},
		Transport: a.inbox,
	}
	if err := a.registry.Register(agent); err != nil {
		return err
	}
	if _, err := a.distribution.Subscribe(agent); err != nil {
		return err
	}
	if err := a.registry.MarkSubscribed(a.id); err != nil {
		return err
	}

	wg.Go(func() { a.heartbeat(ctx, heartbeatEvery) })
	wg.Go(func() { a.run(ctx, wg) })
	return nil
}

// crash silences the agent without any farewell: no more heartbeats, no more
// reports. The liveness sweep is responsible for cleaning up after it.
func (a *simAgent) crash() {
	a.crashFn()
}

func (a *simAgent) heartbeat(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.registry.Heartbeat(a.id); err != nil {
				return
			}
		}
	}
}

func (a *simAgent) run(ctx context.Context, wg *sync.WaitGroup) {
	sem := make(chan struct{}, a.concurrency)
	for {
		var task *core.Task
		select {
		case <-ctx.Done():
			return
		case task = <-a.inbox.tasks:
		}

		if !a.begin(task.ID) {
			continue
		}

		select {
		case <-ctx.Done():
			a.finish(task.ID)
			return
		case sem <- struct{}{}:
		}

		outcome, claimed, err := a.coordinator.Claim(task.ID, a.id)
		if err != nil {
			a.logger.Debug("Claim failed", "device", a.device, "task_id", task.ID.String(), "error", err)
			a.finish(task.ID)
			<-sem
			continue
		}
		a.track.recordClaim(outcome)
		if outcome == core.ClaimLost {
			a.finish(task.ID)
			<-sem
			continue
		}

		wg.Go(func() {
			defer func() { <-sem }()
			defer a.finish(claimed.ID)
			a.execute(ctx, claimed)
		})
	}
}

// begin registers a task as in flight, refusing duplicates. Announce and
// backlog replay can deliver the same task twice; claiming it twice is
// harmless but executing it twice locally is not.
func (a *simAgent) begin(taskID uuid.UUID) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, dup := a.inflight[taskID]; dup {
		return false
	}
	a.inflight[taskID] = struct{}{}
	return true
}

func (a *simAgent) finish(taskID uuid.UUID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.inflight, taskID)
}

func (a *simAgent) execute(ctx context.Context, task *core.Task) {
	a.track.beginExecution(task.ID, a.id)

	result, err := a.backend.Execute(ctx, task)
	if ctx.Err() != nil {
		// A crashed agent reports nothing; the claim stays in the store
		// until a sweep releases it.
		a.track.endExecution(task.ID, executionAbandoned)
		return
	}

	if err != nil {
		classification := core.ErrorUnknown
		var autoErr *core.AutomationError
		if errors.As(err, &autoErr) {
			classification = autoErr.Classification
		}
		a.track.endExecution(task.ID, executionFailed)
		if _, failErr := a.queue.Fail(task.ID, a.id, err.Error(), classification); failErr != nil {
			a.track.recordStaleReport()
		}
		return
	}

	a.track.endExecution(task.ID, executionCompleted)
	if err := a.queue.Complete(task.ID, a.id, result); err != nil {
		a.track.recordStaleReport()
	}
}

// inboxTransport is the in-process AgentTransport: announced tasks land on a
// buffered channel the agent's run loop consumes.
type inboxTransport struct {
	tasks chan *core.Task
	done  chan struct{}
	once  sync.Once
}

func newInboxTransport(buffer int) *inboxTransport {
	return &inboxTransport{
		tasks: make(chan *core.Task, buffer),
		done:  make(chan struct{}),
	}
}

func (t *inboxTransport) PushTask(task *core.Task) error {
	select {
	case <-t.done:
		return errors.New("transport closed")
	default:
	}
	select {
	case t.tasks <- task:
		return nil
	default:
		return errors.New("inbox full")
	}
}

func (t *inboxTransport) Close() error {
	t.once.Do(func() { close(t.done) })
	return nil
}

type executionOutcome int

const (
	executionCompleted executionOutcome = iota
	executionFailed
	executionAbandoned
)

// tracker audits the at-most-once invariant from the outside: it records who
// is executing each task and flags any moment where two agents hold the same
// one. Executions end in the tracker before their report reaches the queue,
// so a successor's begin can never race a predecessor's teardown.
type tracker struct {
	mu        sync.Mutex
	executing map[uuid.UUID]uuid.UUID

	claimsWon       int
	claimsLost      int
	claimsConfirmed int

	executions  int
	completions int
	failures    int
	abandoned   int
	stale       int
	overlapped  int
}

func newTracker() *tracker {
	return &tracker{executing: make(map[uuid.UUID]uuid.UUID)}
}

func (t *tracker) recordClaim(outcome core.ClaimOutcome) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch outcome {
	case core.ClaimWon:
		t.claimsWon++
	case core.ClaimAlreadyOwner:
		t.claimsConfirmed++
	case core.ClaimLost:
		t.claimsLost++
	}
}

func (t *tracker) beginExecution(taskID, agentID uuid.UUID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if holder, busy := t.executing[taskID]; busy && holder != agentID {
		t.overlapped++
	}
	t.executing[taskID] = agentID
	t.executions++
}

func (t *tracker) endExecution(taskID uuid.UUID, outcome executionOutcome) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.executing, taskID)
	switch outcome {
	case executionCompleted:
		t.completions++
	case executionFailed:
		t.failures++
	case executionAbandoned:
		t.abandoned++
	}
}

func (t *tracker) recordStaleReport() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stale++
}

func (t *tracker) claimCounts() (won, lost, confirmed int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.claimsWon, t.claimsLost, t.claimsConfirmed
}

func (t *tracker) executionCounts() (executions, completions, failures, abandoned, stale int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.executions, t.completions, t.failures, t.abandoned, t.stale
}

func (t *tracker) overlaps() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.overlapped
}
