package service

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/applydesk/dispatch/internal/dispatcher/core"
)

func TestClaimCoordinator_FirstClaimWins(t *testing.T) {
	env := newTestEnv(t)
	task := saveWaitingTask(t, env, "owner-1", core.PriorityNormal)
	winner := uuid.New()
	loser := uuid.New()

	outcome, claimed, err := env.coordinator.Claim(task.ID, winner)
	if err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if outcome != core.ClaimWon {
		t.Fatalf("Expected WON, got %s", outcome)
	}
	if claimed.State != core.TaskStateProcessing {
		t.Errorf("Expected state PROCESSING, got %s", claimed.State)
	}
	if claimed.ClaimedBy == nil || *claimed.ClaimedBy != winner {
		t.Error("Expected task claimed by the winner")
	}

	outcome, _, err = env.coordinator.Claim(task.ID, loser)
	if err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if outcome != core.ClaimLost {
		t.Errorf("Expected LOST for second claimer, got %s", outcome)
	}
}

func TestClaimCoordinator_TracksWinningAgent(t *testing.T) {
	env := newTestEnv(t)
	task := saveWaitingTask(t, env, "owner-1", core.PriorityNormal)
	agent, _ := newTestAgent("owner-1")
	if err := env.registry.Register(agent); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	if _, _, err := env.coordinator.Claim(task.ID, agent.ID); err != nil {
		t.Fatalf("Claim failed: %v", err)
	}

	got, err := env.registry.GetAgent(agent.ID)
	if err != nil {
		t.Fatalf("GetAgent failed: %v", err)
	}
	if _, tracked := got.CurrentTasks[task.ID]; !tracked {
		t.Error("Expected winning agent to track the task")
	}
	if got.Status != core.AgentStatusBusy {
		t.Errorf("Expected agent status BUSY, got %s", got.Status)
	}
}

func TestClaimCoordinator_UnregisteredClaimerStillWins(t *testing.T) {
	env := newTestEnv(t)
	task := saveWaitingTask(t, env, "owner-1", core.PriorityNormal)

	outcome, _, err := env.coordinator.Claim(task.ID, uuid.New())
	if err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if outcome != core.ClaimWon {
		t.Errorf("Expected WON for unregistered claimer, got %s", outcome)
	}
}

func TestClaimCoordinator_RepeatClaimConfirmsAssignment(t *testing.T) {
	env := newTestEnv(t)
	task := saveWaitingTask(t, env, "owner-1", core.PriorityNormal)
	agentID := uuid.New()

	if _, err := env.store.AssignTask(task.ID, agentID, time.Now()); err != nil {
		t.Fatalf("AssignTask failed: %v", err)
	}

	outcome, claimed, err := env.coordinator.Claim(task.ID, agentID)
	if err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if outcome != core.ClaimAlreadyOwner {
		t.Fatalf("Expected ALREADY_OWNER, got %s", outcome)
	}
	if claimed.State != core.TaskStateProcessing {
		t.Errorf("Expected assignment bumped to PROCESSING, got %s", claimed.State)
	}
}

func TestClaimCoordinator_ClaimUnknownTask(t *testing.T) {
	env := newTestEnv(t)

	if _, _, err := env.coordinator.Claim(uuid.New(), uuid.New()); !errors.Is(err, core.ErrTaskNotFound) {
		t.Errorf("Expected ErrTaskNotFound, got %v", err)
	}
}

func TestClaimCoordinator_ClaimEmitsEvent(t *testing.T) {
	env := newTestEnv(t)
	sub, err := env.bus.Subscribe(core.EventsSubject)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Unsubscribe()

	task := saveWaitingTask(t, env, "owner-1", core.PriorityNormal)
	agentID := uuid.New()
	if _, _, err := env.coordinator.Claim(task.ID, agentID); err != nil {
		t.Fatalf("Claim failed: %v", err)
	}

	select {
	case msg := <-sub.Messages():
		event, err := core.DecodeEvent(msg.Data)
		if err != nil {
			t.Fatalf("DecodeEvent failed: %v", err)
		}
		claimed, ok := event.(*core.TaskClaimedEvent)
		if !ok {
			t.Fatalf("Expected TaskClaimedEvent, got %T", event)
		}
		if claimed.TaskID != task.ID || claimed.AgentID != agentID {
			t.Errorf("Unexpected event payload: %+v", claimed)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for claim event")
	}
}

func TestClaimCoordinator_ReleaseRequeuesTask(t *testing.T) {
	env := newTestEnv(t)
	task := saveWaitingTask(t, env, "owner-1", core.PriorityNormal)
	agent, _ := newTestAgent("owner-1")
	if err := env.registry.Register(agent); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if _, _, err := env.coordinator.Claim(task.ID, agent.ID); err != nil {
		t.Fatalf("Claim failed: %v", err)
	}

	released, err := env.coordinator.Release(task.ID)
	if err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if released.State != core.TaskStateWaitingForAgent {
		t.Errorf("Expected state WAITING_FOR_AGENT, got %s", released.State)
	}
	if released.ClaimedBy != nil {
		t.Error("Expected claim cleared on release")
	}
	if released.Attempts != 0 {
		t.Errorf("Expected release to not count an attempt, got %d", released.Attempts)
	}

	got, _ := env.registry.GetAgent(agent.ID)
	if len(got.CurrentTasks) != 0 {
		t.Error("Expected agent untracked after release")
	}
}

func TestClaimCoordinator_ReleaseAnnouncesToRoom(t *testing.T) {
	env := newTestEnv(t)
	task := saveWaitingTask(t, env, "owner-1", core.PriorityNormal)
	if _, _, err := env.coordinator.Claim(task.ID, uuid.New()); err != nil {
		t.Fatalf("Claim failed: %v", err)
	}

	agent, transport := newTestAgent("owner-1")
	if _, err := env.distribution.Subscribe(agent); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	if _, err := env.coordinator.Release(task.ID); err != nil {
		t.Fatalf("Release failed: %v", err)
	}

	waitFor(t, 2*time.Second, "released task announcement", func() bool {
		return len(transport.pushedTasks()) == 1
	})
}

func TestClaimCoordinator_ReleaseUnknownTask(t *testing.T) {
	env := newTestEnv(t)

	if _, err := env.coordinator.Release(uuid.New()); !errors.Is(err, core.ErrTaskNotFound) {
		t.Errorf("Expected ErrTaskNotFound, got %v", err)
	}
}
