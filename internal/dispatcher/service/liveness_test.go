package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/applydesk/dispatch/internal/dispatcher/core"
)

func newLivenessSweeper(env *testEnv, staleTimeout time.Duration) *LivenessSweeper {
	return NewLivenessSweeper(
		10*time.Millisecond,
		staleTimeout,
		env.registry,
		env.store,
		env.coordinator,
		env.distribution,
		&mockLogger{},
	)
}

func TestLivenessSweeper_RemovesSilentAgent(t *testing.T) {
	env := newTestEnv(t)
	agent, transport := newTestAgent("owner-1")
	if err := env.registry.Register(agent); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if _, err := env.distribution.Subscribe(agent); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	tasks := make([]*core.Task, 3)
	for i := range tasks {
		task := saveWaitingTask(t, env, "owner-1", core.PriorityNormal)
		if _, _, err := env.coordinator.Claim(task.ID, agent.ID); err != nil {
			t.Fatalf("Claim failed: %v", err)
		}
		tasks[i] = task
	}

	// Let the heartbeat age beyond the timeout.
	time.Sleep(30 * time.Millisecond)

	sweeper := newLivenessSweeper(env, 10*time.Millisecond)
	sweeper.RunOnce()

	if _, err := env.registry.GetAgent(agent.ID); !errors.Is(err, core.ErrAgentNotFound) {
		t.Errorf("Expected agent removed, got %v", err)
	}
	if !transport.isClosed() {
		t.Error("Expected transport closed on removal")
	}

	for _, task := range tasks {
		stored, _ := env.queue.GetTask(task.ID)
		if stored.State != core.TaskStateWaitingForAgent {
			t.Errorf("Task %s: expected requeue, got state %s", task.ID, stored.State)
		}
		if stored.Attempts != 0 {
			t.Errorf("Task %s: expected no attempt burned by agent death, got %d", task.ID, stored.Attempts)
		}
	}
}

func TestLivenessSweeper_SparesHeartbeatingAgent(t *testing.T) {
	env := newTestEnv(t)
	agent, transport := newTestAgent("owner-1")
	if err := env.registry.Register(agent); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	sweeper := newLivenessSweeper(env, time.Minute)
	sweeper.RunOnce()

	if _, err := env.registry.GetAgent(agent.ID); err != nil {
		t.Errorf("Expected fresh agent kept, got %v", err)
	}
	if transport.isClosed() {
		t.Error("Expected transport left open for fresh agent")
	}
}

func TestLivenessSweeper_EmitsAgentRemoved(t *testing.T) {
	env := newTestEnv(t)
	sub, err := env.bus.Subscribe(core.EventsSubject)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Unsubscribe()

	agent, _ := newTestAgent("owner-1")
	if err := env.registry.Register(agent); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	time.Sleep(30 * time.Millisecond)

	sweeper := newLivenessSweeper(env, 10*time.Millisecond)
	sweeper.RunOnce()

	select {
	case msg := <-sub.Messages():
		event, err := core.DecodeEvent(msg.Data)
		if err != nil {
			t.Fatalf("DecodeEvent failed: %v", err)
		}
		removed, ok := event.(*core.AgentRemovedEvent)
		if !ok {
			t.Fatalf("Expected AgentRemovedEvent, got %T", event)
		}
		if removed.AgentID != agent.ID || removed.Reason != "missed heartbeats" {
			t.Errorf("Unexpected event payload: %+v", removed)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for agent removed event")
	}
}

func TestLivenessSweeper_RequeuedTaskReachesSurvivor(t *testing.T) {
	env := newTestEnv(t)

	dead, _ := newTestAgent("owner-1")
	if err := env.registry.Register(dead); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	task := saveWaitingTask(t, env, "owner-1", core.PriorityNormal)
	if _, _, err := env.coordinator.Claim(task.ID, dead.ID); err != nil {
		t.Fatalf("Claim failed: %v", err)
	}

	time.Sleep(30 * time.Millisecond)

	// A healthy agent subscribed to the room picks up the requeue.
	survivor, survivorTransport := newTestAgent("owner-1")
	if err := env.registry.Register(survivor); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if _, err := env.distribution.Subscribe(survivor); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	sweeper := newLivenessSweeper(env, 20*time.Millisecond)
	sweeper.RunOnce()

	waitFor(t, 2*time.Second, "requeued task delivery", func() bool {
		return len(survivorTransport.pushedTasks()) == 1
	})
	if _, err := env.registry.GetAgent(survivor.ID); err != nil {
		t.Errorf("Expected survivor kept, got %v", err)
	}
}

func TestLivenessSweeper_StopsOnContextCancel(t *testing.T) {
	env := newTestEnv(t)
	sweeper := newLivenessSweeper(env, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sweeper.Start(ctx)
		close(done)
	}()

	time.Sleep(25 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(100 * time.Millisecond):
		t.Error("liveness sweeper did not stop after context cancellation")
	}
}
