package service

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/applydesk/dispatch/internal/dispatcher/core"
)

func newStallSweeper(env *testEnv, stallTimeout, heartbeatGrace time.Duration) *StallSweeper {
	return NewStallSweeper(
		10*time.Millisecond,
		stallTimeout,
		heartbeatGrace,
		env.store,
		env.registry,
		env.queue,
		&mockLogger{},
	)
}

func TestStallSweeper_RequeuesSilentTask(t *testing.T) {
	env := newTestEnv(t)
	task := saveWaitingTask(t, env, "owner-1", core.PriorityNormal)
	agentID := uuid.New()

	// Claim in the past so the task looks abandoned.
	staleClaim := time.Now().Add(-10 * time.Minute)
	if _, _, err := env.store.ClaimTask(task.ID, agentID, staleClaim); err != nil {
		t.Fatalf("ClaimTask failed: %v", err)
	}

	sweeper := newStallSweeper(env, 5*time.Minute, 30*time.Second)
	sweeper.RunOnce()

	stored, _ := env.queue.GetTask(task.ID)
	if stored.State != core.TaskStateWaitingForAgent {
		t.Errorf("Expected stalled task requeued, got state %s", stored.State)
	}
	if stored.ClaimedBy != nil {
		t.Error("Expected claim cleared on stall release")
	}
	if stored.Attempts != 1 {
		t.Errorf("Expected stall release to count an attempt, got %d", stored.Attempts)
	}
	if stored.LastClassification != core.ErrorUnknown {
		t.Errorf("Expected UNKNOWN classification, got %s", stored.LastClassification)
	}
}

func TestStallSweeper_SpareTaskWithRecentProgress(t *testing.T) {
	env := newTestEnv(t)
	task := saveWaitingTask(t, env, "owner-1", core.PriorityNormal)
	agentID := uuid.New()

	staleClaim := time.Now().Add(-10 * time.Minute)
	if _, _, err := env.store.ClaimTask(task.ID, agentID, staleClaim); err != nil {
		t.Fatalf("ClaimTask failed: %v", err)
	}
	// Fresh progress resets the stall reference even though the claim is old.
	if _, err := env.store.UpdateProgress(task.ID, agentID, 60, "uploading resume", time.Now()); err != nil {
		t.Fatalf("UpdateProgress failed: %v", err)
	}

	sweeper := newStallSweeper(env, 5*time.Minute, 30*time.Second)
	sweeper.RunOnce()

	stored, _ := env.queue.GetTask(task.ID)
	if stored.State != core.TaskStateProcessing {
		t.Errorf("Expected progressing task left alone, got state %s", stored.State)
	}
}

func TestStallSweeper_SparesTaskOfHeartbeatingAgent(t *testing.T) {
	env := newTestEnv(t)
	task := saveWaitingTask(t, env, "owner-1", core.PriorityNormal)
	agent, _ := newTestAgent("owner-1")
	if err := env.registry.Register(agent); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	staleClaim := time.Now().Add(-10 * time.Minute)
	if _, _, err := env.store.ClaimTask(task.ID, agent.ID, staleClaim); err != nil {
		t.Fatalf("ClaimTask failed: %v", err)
	}

	// The holder just registered, so its heartbeat is current.
	sweeper := newStallSweeper(env, 5*time.Minute, 30*time.Second)
	sweeper.RunOnce()

	stored, _ := env.queue.GetTask(task.ID)
	if stored.State != core.TaskStateProcessing {
		t.Errorf("Expected task of live agent left alone, got state %s", stored.State)
	}
}

func TestStallSweeper_TerminalAfterBudgetExhausted(t *testing.T) {
	env := newTestEnv(t)
	task := saveWaitingTask(t, env, "owner-1", core.PriorityNormal)
	agentID := uuid.New()

	// Burn through the retry budget with prior failures.
	for range 3 {
		if _, _, err := env.store.ClaimTask(task.ID, agentID, time.Now()); err != nil {
			t.Fatalf("ClaimTask failed: %v", err)
		}
		if _, _, err := env.store.FailTask(task.ID, agentID, core.ErrorNetwork, "network blip", time.Now()); err != nil {
			t.Fatalf("FailTask failed: %v", err)
		}
	}

	staleClaim := time.Now().Add(-10 * time.Minute)
	if _, _, err := env.store.ClaimTask(task.ID, agentID, staleClaim); err != nil {
		t.Fatalf("ClaimTask failed: %v", err)
	}

	sweeper := newStallSweeper(env, 5*time.Minute, 30*time.Second)
	sweeper.RunOnce()

	stored, _ := env.queue.GetTask(task.ID)
	if stored.State != core.TaskStateFailed {
		t.Errorf("Expected task failed after final stall, got state %s", stored.State)
	}
	if stored.Attempts != 4 {
		t.Errorf("Expected 4 attempts recorded, got %d", stored.Attempts)
	}
}

func TestStallSweeper_StopsOnContextCancel(t *testing.T) {
	env := newTestEnv(t)
	sweeper := newStallSweeper(env, time.Minute, 30*time.Second)

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
		t.Error("stall sweeper did not stop after context cancellation")
	}
}
