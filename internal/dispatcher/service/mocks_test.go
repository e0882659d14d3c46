package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/applydesk/dispatch/internal/dispatcher/bus"
	"github.com/applydesk/dispatch/internal/dispatcher/core"
	"github.com/applydesk/dispatch/internal/dispatcher/storage"
)

// mockLogger is a no-op logger for testing
type mockLogger struct{}

func (m *mockLogger) Debug(msg string, args ...any) {}
func (m *mockLogger) Info(msg string, args ...any)  {}
func (m *mockLogger) Warn(msg string, args ...any)  {}
func (m *mockLogger) Error(msg string, args ...any) {}
func (m *mockLogger) Fatal(msg string, args ...any) {}

// mockTransport records pushed tasks and close calls.
type mockTransport struct {
	mu       sync.Mutex
	pushed   []*core.Task
	failPush bool
	closed   bool
}

func (t *mockTransport) PushTask(task *core.Task) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.failPush {
		return errors.New("push failed")
	}
	t.pushed = append(t.pushed, task)
	return nil
}

func (t *mockTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func (t *mockTransport) pushedTasks() []*core.Task {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*core.Task{}, t.pushed...)
}

func (t *mockTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// mockBackend scripts automation outcomes per call.
type mockBackend struct {
	mu      sync.Mutex
	calls   int
	execute func(call int, task *core.Task) (*core.TaskResult, error)
}

func (b *mockBackend) Execute(ctx context.Context, task *core.Task) (*core.TaskResult, error) {
	b.mu.Lock()
	b.calls++
	call := b.calls
	b.mu.Unlock()
	return b.execute(call, task)
}

func (b *mockBackend) callCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

// testEnv wires the dispatcher services over the in-memory store and bus,
// the same shape the real binary assembles.
type testEnv struct {
	store        *storage.InMemoryTaskStore
	bus          *bus.MemoryBus
	registry     core.AgentRegistry
	distribution core.DistributionChannel
	coordinator  core.ClaimCoordinator
	queue        core.TaskQueueService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	logger := &mockLogger{}
	store := storage.NewInMemoryTaskStore()
	memoryBus := bus.NewMemoryBus(bus.Config{BufferSize: 64})
	registry := NewAgentRegistry(logger)
	distribution := NewDistributionChannel(memoryBus, store, 50, logger)
	coordinator := NewClaimCoordinator(store, registry, distribution, logger)
	queue := NewTaskQueueService(store, registry, distribution, 3, logger)

	t.Cleanup(func() {
		distribution.Close()
		memoryBus.Close()
	})

	return &testEnv{
		store:        store,
		bus:          memoryBus,
		registry:     registry,
		distribution: distribution,
		coordinator:  coordinator,
		queue:        queue,
	}
}

func newTestTask(ownerID string, priority core.PriorityTier) *core.Task {
	return &core.Task{
		OwnerID:  ownerID,
		Priority: priority,
		Payload: core.TaskPayload{
			Target: core.TargetDescriptor{
				ListingID: "listing-1",
				Title:     "Backend Engineer",
				Company:   "Initech",
				ApplyURL:  "https://boards.greenhouse.io/initech/jobs/123",
			},
		},
	}
}

func newTestAgent(ownerID string) (*core.Agent, *mockTransport) {
	transport := &mockTransport{}
	agent := &core.Agent{
		ID:        uuid.New(),
		OwnerID:   ownerID,
		DeviceID:  "device-" + uuid.NewString()[:8],
		Transport: transport,
	}
	return agent, transport
}

// waitFor polls the condition until it holds or the timeout elapses.
func waitFor(t *testing.T, timeout time.Duration, what string, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
