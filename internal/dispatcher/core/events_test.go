package core

import (
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestEncodeDecodeEvent(t *testing.T) {
	taskID := uuid.MustParse("00000000-0000-0000-0000-000000000001")
	agentID := uuid.MustParse("00000000-0000-0000-0000-000000000002")

	t.Run("task queued carries the full task", func(t *testing.T) {
		task := &Task{
			ID:       taskID,
			OwnerID:  "owner-1",
			Priority: PriorityUrgent,
			State:    TaskStateWaitingForAgent,
			Payload: TaskPayload{
				Target: TargetDescriptor{
					ListingID: "listing-9",
					Company:   "Acme",
					ApplyURL:  "https://boards.greenhouse.io/acme/jobs/1",
					Provider:  ProviderGreenhouse,
				},
			},
			CreatedAt: time.Now().UTC(),
		}

		raw, err := EncodeEvent(&TaskQueuedEvent{Task: task})
		if err != nil {
			t.Fatalf("unexpected encode error: %v", err)
		}

		decoded, err := DecodeEvent(raw)
		if err != nil {
			t.Fatalf("unexpected decode error: %v", err)
		}

		queued, ok := decoded.(*TaskQueuedEvent)
		if !ok {
			t.Fatalf("expected *TaskQueuedEvent, got %T", decoded)
		}
		if queued.Task.ID != taskID {
			t.Errorf("expected task %v, got %v", taskID, queued.Task.ID)
		}
		if queued.Task.Priority != PriorityUrgent {
			t.Errorf("expected URGENT priority, got %v", queued.Task.Priority)
		}
		if queued.Task.Payload.Target.Provider != ProviderGreenhouse {
			t.Errorf("expected GREENHOUSE provider, got %v", queued.Task.Payload.Target.Provider)
		}
	})

	t.Run("task failed round trip", func(t *testing.T) {
		raw, err := EncodeEvent(&TaskFailedEvent{
			TaskID:         taskID,
			OwnerID:        "owner-1",
			Classification: ErrorCaptcha,
			Attempts:       2,
			WillRetry:      false,
		})
		if err != nil {
			t.Fatalf("unexpected encode error: %v", err)
		}

		decoded, err := DecodeEvent(raw)
		if err != nil {
			t.Fatalf("unexpected decode error: %v", err)
		}

		failed, ok := decoded.(*TaskFailedEvent)
		if !ok {
			t.Fatalf("expected *TaskFailedEvent, got %T", decoded)
		}
		if failed.Classification != ErrorCaptcha {
			t.Errorf("expected CAPTCHA classification, got %v", failed.Classification)
		}
		if failed.WillRetry {
			t.Error("expected WillRetry false")
		}
	})

	t.Run("agent removed round trip", func(t *testing.T) {
		raw, err := EncodeEvent(&AgentRemovedEvent{
			AgentID: agentID,
			OwnerID: "owner-1",
			Reason:  "missed heartbeats",
		})
		if err != nil {
			t.Fatalf("unexpected encode error: %v", err)
		}

		decoded, err := DecodeEvent(raw)
		if err != nil {
			t.Fatalf("unexpected decode error: %v", err)
		}

		removed, ok := decoded.(*AgentRemovedEvent)
		if !ok {
			t.Fatalf("expected *AgentRemovedEvent, got %T", decoded)
		}
		if removed.AgentID != agentID {
			t.Errorf("expected agent %v, got %v", agentID, removed.AgentID)
		}
		if removed.Reason != "missed heartbeats" {
			t.Errorf("unexpected reason: %s", removed.Reason)
		}
	})

	t.Run("every kind decodes to its own type", func(t *testing.T) {
		events := []Event{
			&TaskQueuedEvent{Task: &Task{ID: taskID, OwnerID: "o"}},
			&TaskClaimedEvent{TaskID: taskID, OwnerID: "o", AgentID: agentID},
			&TaskCompletedEvent{TaskID: taskID, OwnerID: "o"},
			&TaskFailedEvent{TaskID: taskID, OwnerID: "o", Classification: ErrorNetwork},
			&TaskCancelledEvent{TaskID: taskID, OwnerID: "o"},
			&AgentConnectedEvent{AgentID: agentID, OwnerID: "o"},
			&AgentRemovedEvent{AgentID: agentID, OwnerID: "o"},
			&DevicePairedEvent{OwnerID: "o", DeviceID: "device-1"},
		}

		for _, event := range events {
			raw, err := EncodeEvent(event)
			if err != nil {
				t.Fatalf("encode %s: %v", event.Kind(), err)
			}
			decoded, err := DecodeEvent(raw)
			if err != nil {
				t.Fatalf("decode %s: %v", event.Kind(), err)
			}
			if decoded.Kind() != event.Kind() {
				t.Errorf("expected kind %s, got %s", event.Kind(), decoded.Kind())
			}
		}
	})
}

func TestDecodeEvent_Errors(t *testing.T) {
	t.Run("unknown kind", func(t *testing.T) {
		_, err := DecodeEvent([]byte(`{"kind":"task-exploded","data":{}}`))
		if err == nil {
			t.Fatal("expected error for unknown kind")
		}
		if !strings.Contains(err.Error(), "task-exploded") {
			t.Errorf("expected error to name the kind, got: %v", err)
		}
	})

	t.Run("malformed envelope", func(t *testing.T) {
		if _, err := DecodeEvent([]byte(`not json`)); err == nil {
			t.Fatal("expected error for malformed envelope")
		}
	})
}

func TestOwnerRoomSubject(t *testing.T) {
	if got := OwnerRoomSubject("owner-7"); got != "dispatch.tasks.owner-7" {
		t.Errorf("unexpected subject: %s", got)
	}
}
