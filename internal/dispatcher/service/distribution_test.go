package service

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/applydesk/dispatch/internal/dispatcher/core"
)

func saveWaitingTask(t *testing.T, env *testEnv, ownerID string, priority core.PriorityTier) *core.Task {
	t.Helper()
	task := newTestTask(ownerID, priority)
	task.ID = uuid.New()
	task.State = core.TaskStateWaitingForAgent
	task.MaxAttempts = 3
	task.CreatedAt = time.Now()
	task.UpdatedAt = task.CreatedAt
	if err := env.store.SaveTask(task); err != nil {
		t.Fatalf("SaveTask failed: %v", err)
	}
	return task
}

func TestDistributionChannel_SubscribeReplaysBacklog(t *testing.T) {
	env := newTestEnv(t)
	for range 3 {
		saveWaitingTask(t, env, "owner-1", core.PriorityNormal)
	}

	agent, transport := newTestAgent("owner-1")
	pending, err := env.distribution.Subscribe(agent)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	if pending != 3 {
		t.Errorf("Expected 3 pending tasks, got %d", pending)
	}
	if got := len(transport.pushedTasks()); got != 3 {
		t.Errorf("Expected 3 backlog tasks replayed, got %d", got)
	}
}

func TestDistributionChannel_BacklogReplayHonorsFlushLimit(t *testing.T) {
	env := newTestEnv(t)
	distribution := NewDistributionChannel(env.bus, env.store, 2, &mockLogger{})
	defer distribution.Close()

	for range 3 {
		saveWaitingTask(t, env, "owner-1", core.PriorityNormal)
	}

	agent, transport := newTestAgent("owner-1")
	pending, err := distribution.Subscribe(agent)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	if pending != 3 {
		t.Errorf("Expected pending count to report the full backlog, got %d", pending)
	}
	if got := len(transport.pushedTasks()); got != 2 {
		t.Errorf("Expected replay capped at 2 tasks, got %d", got)
	}
}

func TestDistributionChannel_SubscribeRequiresTransport(t *testing.T) {
	env := newTestEnv(t)
	agent := &core.Agent{ID: uuid.New(), OwnerID: "owner-1"}

	if _, err := env.distribution.Subscribe(agent); err == nil {
		t.Error("Expected error for agent without transport")
	}
}

func TestDistributionChannel_EmitNewTaskReachesMembers(t *testing.T) {
	env := newTestEnv(t)
	agent, transport := newTestAgent("owner-1")
	if _, err := env.distribution.Subscribe(agent); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	task := saveWaitingTask(t, env, "owner-1", core.PriorityNormal)
	if err := env.distribution.EmitNewTask(task); err != nil {
		t.Fatalf("EmitNewTask failed: %v", err)
	}

	waitFor(t, 2*time.Second, "task delivery", func() bool {
		return len(transport.pushedTasks()) == 1
	})
	if got := transport.pushedTasks()[0]; got.ID != task.ID {
		t.Errorf("Expected task %s delivered, got %s", task.ID, got.ID)
	}
}

func TestDistributionChannel_RoomsAreOwnerScoped(t *testing.T) {
	env := newTestEnv(t)
	agent1, transport1 := newTestAgent("owner-1")
	agent2, transport2 := newTestAgent("owner-2")
	for _, agent := range []*core.Agent{agent1, agent2} {
		if _, err := env.distribution.Subscribe(agent); err != nil {
			t.Fatalf("Subscribe failed: %v", err)
		}
	}

	task := saveWaitingTask(t, env, "owner-1", core.PriorityNormal)
	if err := env.distribution.EmitNewTask(task); err != nil {
		t.Fatalf("EmitNewTask failed: %v", err)
	}

	waitFor(t, 2*time.Second, "owner-1 delivery", func() bool {
		return len(transport1.pushedTasks()) == 1
	})
	if got := len(transport2.pushedTasks()); got != 0 {
		t.Errorf("Expected no delivery to another owner's agent, got %d tasks", got)
	}
}

func TestDistributionChannel_FanOutReachesAllMembers(t *testing.T) {
	env := newTestEnv(t)
	agent1, transport1 := newTestAgent("owner-1")
	agent2, transport2 := newTestAgent("owner-1")
	for _, agent := range []*core.Agent{agent1, agent2} {
		if _, err := env.distribution.Subscribe(agent); err != nil {
			t.Fatalf("Subscribe failed: %v", err)
		}
	}

	task := saveWaitingTask(t, env, "owner-1", core.PriorityUrgent)
	if err := env.distribution.EmitNewTask(task); err != nil {
		t.Fatalf("EmitNewTask failed: %v", err)
	}

	waitFor(t, 2*time.Second, "fan-out to both agents", func() bool {
		return len(transport1.pushedTasks()) == 1 && len(transport2.pushedTasks()) == 1
	})
}

func TestDistributionChannel_UnsubscribeStopsDelivery(t *testing.T) {
	env := newTestEnv(t)
	leaver, leaverTransport := newTestAgent("owner-1")
	stayer, stayerTransport := newTestAgent("owner-1")
	for _, agent := range []*core.Agent{leaver, stayer} {
		if _, err := env.distribution.Subscribe(agent); err != nil {
			t.Fatalf("Subscribe failed: %v", err)
		}
	}

	if err := env.distribution.Unsubscribe(leaver); err != nil {
		t.Fatalf("Unsubscribe failed: %v", err)
	}

	task := saveWaitingTask(t, env, "owner-1", core.PriorityNormal)
	if err := env.distribution.EmitNewTask(task); err != nil {
		t.Fatalf("EmitNewTask failed: %v", err)
	}

	waitFor(t, 2*time.Second, "delivery to remaining member", func() bool {
		return len(stayerTransport.pushedTasks()) == 1
	})
	if got := len(leaverTransport.pushedTasks()); got != 0 {
		t.Errorf("Expected no delivery after unsubscribe, got %d tasks", got)
	}

	// Unsubscribing an agent that never joined is a no-op.
	stranger, _ := newTestAgent("owner-9")
	if err := env.distribution.Unsubscribe(stranger); err != nil {
		t.Errorf("Expected unsubscribe of unknown agent to succeed, got %v", err)
	}
}

func TestDistributionChannel_EventsReachBusSubscribers(t *testing.T) {
	env := newTestEnv(t)
	sub, err := env.bus.Subscribe(core.EventsSubject)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Unsubscribe()

	emitted := core.DevicePairedEvent{OwnerID: "owner-1", DeviceID: "device-1"}
	if err := env.distribution.EmitEvent(emitted); err != nil {
		t.Fatalf("EmitEvent failed: %v", err)
	}

	select {
	case msg := <-sub.Messages():
		event, err := core.DecodeEvent(msg.Data)
		if err != nil {
			t.Fatalf("DecodeEvent failed: %v", err)
		}
		paired, ok := event.(*core.DevicePairedEvent)
		if !ok {
			t.Fatalf("Expected DevicePairedEvent, got %T", event)
		}
		if paired.OwnerID != "owner-1" || paired.DeviceID != "device-1" {
			t.Errorf("Unexpected event payload: %+v", paired)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for event")
	}
}
