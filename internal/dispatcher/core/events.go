package core

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// EventsSubject carries lifecycle events for the notification layer.
const EventsSubject = "dispatch.events"

// OwnerRoomSubject is the per-owner broadcast room used by the distribution
// channel to fan task availability out to that owner's subscribed agents.
func OwnerRoomSubject(ownerID string) string {
	return "dispatch.tasks." + ownerID
}

type EventKind string

const (
	EventTaskQueued     EventKind = "task-queued"
	EventTaskClaimed    EventKind = "task-claimed"
	EventTaskCompleted  EventKind = "task-completed"
	EventTaskFailed     EventKind = "task-failed"
	EventTaskCancelled  EventKind = "task-cancelled"
	EventAgentConnected EventKind = "agent-connected"
	EventAgentRemoved   EventKind = "agent-removed"
	EventDevicePaired   EventKind = "device-paired"
)

// Event is the tagged union of everything published on the bus. The variant
// set is closed: consumers switch on the concrete type and decode handles
// every kind explicitly.
type Event interface {
	Kind() EventKind
}

// TaskQueuedEvent announces a task newly available for claiming, either
// freshly enqueued or released back after a stall, failure, or agent death.
type TaskQueuedEvent struct {
	Task *Task `json:"task"`
}

func (TaskQueuedEvent) Kind() EventKind { return EventTaskQueued }

type TaskClaimedEvent struct {
	TaskID  uuid.UUID `json:"task_id"`
	OwnerID string    `json:"owner_id"`
	AgentID uuid.UUID `json:"agent_id"`
}

func (TaskClaimedEvent) Kind() EventKind { return EventTaskClaimed }

type TaskCompletedEvent struct {
	TaskID  uuid.UUID   `json:"task_id"`
	OwnerID string      `json:"owner_id"`
	Result  *TaskResult `json:"result,omitempty"`
}

func (TaskCompletedEvent) Kind() EventKind { return EventTaskCompleted }

// TaskFailedEvent reports a failure cycle. WillRetry distinguishes a
// transparent retry from a terminal failure the owner must act on.
type TaskFailedEvent struct {
	TaskID         uuid.UUID           `json:"task_id"`
	OwnerID        string              `json:"owner_id"`
	Classification ErrorClassification `json:"classification"`
	Attempts       int                 `json:"attempts"`
	WillRetry      bool                `json:"will_retry"`
}

func (TaskFailedEvent) Kind() EventKind { return EventTaskFailed }

type TaskCancelledEvent struct {
	TaskID  uuid.UUID `json:"task_id"`
	OwnerID string    `json:"owner_id"`
}

func (TaskCancelledEvent) Kind() EventKind { return EventTaskCancelled }

type AgentConnectedEvent struct {
	AgentID  uuid.UUID `json:"agent_id"`
	OwnerID  string    `json:"owner_id"`
	DeviceID string    `json:"device_id,omitempty"`
}

func (AgentConnectedEvent) Kind() EventKind { return EventAgentConnected }

type AgentRemovedEvent struct {
	AgentID uuid.UUID `json:"agent_id"`
	OwnerID string    `json:"owner_id"`
	Reason  string    `json:"reason"`
}

func (AgentRemovedEvent) Kind() EventKind { return EventAgentRemoved }

type DevicePairedEvent struct {
	OwnerID  string `json:"owner_id"`
	DeviceID string `json:"device_id"`
}

func (DevicePairedEvent) Kind() EventKind { return EventDevicePaired }

type eventEnvelope struct {
	Kind EventKind       `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// EncodeEvent wraps an event in its wire envelope.
func EncodeEvent(e Event) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode event %s: %w", e.Kind(), err)
	}
	return json.Marshal(eventEnvelope{Kind: e.Kind(), Data: data})
}

// DecodeEvent parses a wire envelope back into its typed variant.
func DecodeEvent(raw []byte) (Event, error) {
	var env eventEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode event envelope: %w", err)
	}

	var e Event
	switch env.Kind {
	case EventTaskQueued:
		e = &TaskQueuedEvent{}
	case EventTaskClaimed:
		e = &TaskClaimedEvent{}
	case EventTaskCompleted:
		e = &TaskCompletedEvent{}
	case EventTaskFailed:
		e = &TaskFailedEvent{}
	case EventTaskCancelled:
		e = &TaskCancelledEvent{}
	case EventAgentConnected:
		e = &AgentConnectedEvent{}
	case EventAgentRemoved:
		e = &AgentRemovedEvent{}
	case EventDevicePaired:
		e = &DevicePairedEvent{}
	default:
		return nil, fmt.Errorf("unknown event kind: %q", env.Kind)
	}

	if err := json.Unmarshal(env.Data, e); err != nil {
		return nil, fmt.Errorf("decode event %s: %w", env.Kind, err)
	}
	return e, nil
}
