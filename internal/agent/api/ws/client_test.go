package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	agentservice "github.com/applydesk/dispatch/internal/agent/service"
	dispatcherws "github.com/applydesk/dispatch/internal/dispatcher/api/ws"
	"github.com/applydesk/dispatch/internal/dispatcher/auth"
	"github.com/applydesk/dispatch/internal/dispatcher/bus"
	"github.com/applydesk/dispatch/internal/dispatcher/core"
	"github.com/applydesk/dispatch/internal/dispatcher/service"
	"github.com/applydesk/dispatch/internal/dispatcher/storage"
)

// noopLogger keeps test output quiet; assertions run on observable state.
type noopLogger struct{}

func (noopLogger) Debug(msg string, args ...any) {}
func (noopLogger) Info(msg string, args ...any)  {}
func (noopLogger) Warn(msg string, args ...any)  {}
func (noopLogger) Error(msg string, args ...any) {}
func (noopLogger) Fatal(msg string, args ...any) {}

type dispatcherEnv struct {
	server   *httptest.Server
	issuer   *auth.HMACIssuer
	queue    core.TaskQueueService
	registry core.AgentRegistry
}

// newDispatcherEnv starts a real dispatcher gateway on an ephemeral port so
// the client is tested against the actual protocol, not a scripted peer.
func newDispatcherEnv(t *testing.T) *dispatcherEnv {
	t.Helper()

	logger := noopLogger{}
	taskStore := storage.NewInMemoryTaskStore()
	messageBus := bus.NewMemoryBus(bus.Config{BufferSize: 64})

	issuer, err := auth.NewHMACIssuer("agent-client-test-0123456789abcdef")
	require.NoError(t, err)

	registry := service.NewAgentRegistry(logger)
	distribution := service.NewDistributionChannel(messageBus, taskStore, 50, logger)
	coordinator := service.NewClaimCoordinator(taskStore, registry, distribution, logger)
	queue := service.NewTaskQueueService(taskStore, registry, distribution, 3, logger)

	gateway := dispatcherws.NewGateway(dispatcherws.Config{
		HeartbeatTimeout: 5 * time.Second,
		PingInterval:     time.Second,
		WriteTimeout:     2 * time.Second,
		SendBuffer:       16,
	}, issuer, registry, coordinator, queue, distribution, logger)

	mux := http.NewServeMux()
	gateway.RegisterRoutes(mux)
	server := httptest.NewServer(mux)

	t.Cleanup(func() {
		server.Close()
		distribution.Close()
		messageBus.Close()
	})

	return &dispatcherEnv{
		server:   server,
		issuer:   issuer,
		queue:    queue,
		registry: registry,
	}
}

func (e *dispatcherEnv) desktopCredential(t *testing.T, ownerID, deviceID string) string {
	t.Helper()
	credential, _, err := e.issuer.Issue(ownerID, auth.CredentialDesktop, deviceID, time.Hour)
	require.NoError(t, err)
	return credential
}

func (e *dispatcherEnv) enqueueTask(t *testing.T, ownerID string) *core.Task {
	t.Helper()
	task := &core.Task{
		OwnerID: ownerID,
		Payload: core.TaskPayload{
			Target: core.TargetDescriptor{
				ListingID: "gh-42",
				Title:     "Backend Engineer",
				Company:   "Hooli",
				ApplyURL:  "https://boards.greenhouse.io/hooli/jobs/42",
			},
		},
		Priority: core.PriorityNormal,
	}
	_, err := e.queue.Enqueue(task)
	require.NoError(t, err)
	return task
}

// startAgent wires a run loop to the client and drives it in the background.
func startAgent(t *testing.T, env *dispatcherEnv, ownerID, deviceID string) (*agentservice.Agent, context.CancelFunc, chan error) {
	t.Helper()

	agent := agentservice.NewAgent(&agentservice.SimulatedExecutor{}, agentservice.Options{MaxConcurrency: 1}, noopLogger{})
	client := NewClient(Config{
		URL:        EndpointURL(env.server.URL),
		Token:      env.desktopCredential(t, ownerID, deviceID),
		MinBackoff: 10 * time.Millisecond,
		MaxBackoff: 100 * time.Millisecond,
	}, agent, noopLogger{})
	agent.Bind(client)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- agent.Run(ctx) }()
	t.Cleanup(cancel)
	return agent, cancel, done
}

func waitFor(t *testing.T, timeout time.Duration, what string, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

func TestEndpointURL(t *testing.T) {
	tests := []struct {
		base string
		want string
	}{
		{"http://localhost:8080", "ws://localhost:8080/ws/agent"},
		{"http://localhost:8080/", "ws://localhost:8080/ws/agent"},
		{"https://dispatch.example.com", "wss://dispatch.example.com/ws/agent"},
		{"ws://localhost:9000", "ws://localhost:9000/ws/agent"},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, EndpointURL(tt.base))
	}
}

func TestClient_CompletesAnnouncedJob(t *testing.T) {
	env := newDispatcherEnv(t)
	task := env.enqueueTask(t, "owner-1")

	_, cancel, done := startAgent(t, env, "owner-1", "device-e2e")

	waitFor(t, 3*time.Second, "task completion", func() bool {
		stored, err := env.queue.GetTask(task.ID)
		return err == nil && stored.State == core.TaskStateCompleted
	})

	stored, err := env.queue.GetTask(task.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.Result)
	require.True(t, strings.HasPrefix(stored.Result.ConfirmationNumber, "SIM-"))
	require.Equal(t, 100, stored.Progress)

	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}

func TestClient_PicksUpJobQueuedWhileConnected(t *testing.T) {
	env := newDispatcherEnv(t)

	startAgent(t, env, "owner-1", "device-live")
	waitFor(t, 2*time.Second, "agent subscription", func() bool {
		return env.registry.HasSubscribers("owner-1")
	})

	task := env.enqueueTask(t, "owner-1")
	waitFor(t, 3*time.Second, "task completion", func() bool {
		stored, err := env.queue.GetTask(task.ID)
		return err == nil && stored.State == core.TaskStateCompleted
	})
}

func TestClient_ReconnectsAfterServerDrop(t *testing.T) {
	env := newDispatcherEnv(t)

	startAgent(t, env, "owner-1", "device-flaky")
	waitFor(t, 2*time.Second, "first registration", func() bool {
		agents, err := env.registry.ListAgents("owner-1")
		return err == nil && len(agents) == 1
	})
	agents, err := env.registry.ListAgents("owner-1")
	require.NoError(t, err)
	first := agents[0].ID

	// Kicking the agent closes its transport from the server side.
	require.NoError(t, env.registry.Unregister(first, "kicked for test"))

	waitFor(t, 3*time.Second, "reconnect", func() bool {
		agents, err := env.registry.ListAgents("owner-1")
		return err == nil && len(agents) == 1 && agents[0].ID != first
	})
}

func TestClient_CredentialRejectedIsFatal(t *testing.T) {
	env := newDispatcherEnv(t)

	// An owner API credential must not open an agent connection, and the
	// client must not burn retries on it.
	access, _, err := env.issuer.Issue("owner-1", auth.CredentialAccess, "", time.Hour)
	require.NoError(t, err)

	agent := agentservice.NewAgent(&agentservice.SimulatedExecutor{}, agentservice.Options{}, noopLogger{})
	client := NewClient(Config{
		URL:        EndpointURL(env.server.URL),
		Token:      access,
		MinBackoff: 5 * time.Millisecond,
	}, agent, noopLogger{})
	agent.Bind(client)

	errCh := make(chan error, 1)
	go func() { errCh <- agent.Run(context.Background()) }()

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, ErrCredentialRejected)
	case <-time.After(2 * time.Second):
		t.Fatal("Run kept retrying a rejected credential")
	}
}

func TestClient_RetriesUntilCancelled(t *testing.T) {
	agent := agentservice.NewAgent(&agentservice.SimulatedExecutor{}, agentservice.Options{}, noopLogger{})
	client := NewClient(Config{
		URL:        "ws://127.0.0.1:1/ws/agent",
		Token:      "irrelevant",
		MinBackoff: 5 * time.Millisecond,
		MaxBackoff: 20 * time.Millisecond,
	}, agent, noopLogger{})
	agent.Bind(client)

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()

	err := agent.Run(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
