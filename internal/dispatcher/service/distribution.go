package service

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/applydesk/dispatch/internal/dispatcher/bus"
	"github.com/applydesk/dispatch/internal/dispatcher/core"
	"github.com/applydesk/dispatch/internal/shared/logging"
)

// ownerRoom is the local fan-out point for one owner: a bus subscription on
// the owner's subject plus the transports of locally connected agents.
// Rooms exist only while at least one agent is subscribed.
type ownerRoom struct {
	sub     bus.Subscription
	members map[uuid.UUID]core.AgentTransport
}

type distributionChannel struct {
	bus        bus.MessageBus
	taskStore  core.TaskStore
	flushLimit int
	logger     logging.Logger

	mu    sync.Mutex
	rooms map[string]*ownerRoom
}

// NewDistributionChannel builds the fan-out layer. flushLimit caps how many
// backlog tasks are replayed to a freshly subscribed agent.
func NewDistributionChannel(messageBus bus.MessageBus, taskStore core.TaskStore, flushLimit int, logger logging.Logger) core.DistributionChannel {
	if flushLimit <= 0 {
		flushLimit = 50
	}
	return &distributionChannel{
		bus:        messageBus,
		taskStore:  taskStore,
		flushLimit: flushLimit,
		rooms:      make(map[string]*ownerRoom),
		logger:     logger,
	}
}

func (d *distributionChannel) Subscribe(agent *core.Agent) (int, error) {
	if agent == nil || agent.Transport == nil {
		return 0, errors.New("agent transport must be set")
	}

	d.mu.Lock()
	room, exists := d.rooms[agent.OwnerID]
	if !exists {
		sub, err := d.bus.Subscribe(core.OwnerRoomSubject(agent.OwnerID))
		if err != nil {
			d.mu.Unlock()
			return 0, fmt.Errorf("subscribe owner room: %w", err)
		}
		room = &ownerRoom{
			sub:     sub,
			members: make(map[uuid.UUID]core.AgentTransport),
		}
		d.rooms[agent.OwnerID] = room
		go d.forward(agent.OwnerID, sub)
	}
	room.members[agent.ID] = agent.Transport
	d.mu.Unlock()

	d.logger.Debug("Agent joined owner room", "agent_id", agent.ID.String(), "owner_id", agent.OwnerID)

	// Replay the owner's backlog to this agent so work queued while no agent
	// was online is not stranded until the next enqueue.
	backlog, err := d.taskStore.ListUnclaimed(agent.OwnerID, d.flushLimit)
	if err != nil {
		return 0, fmt.Errorf("list backlog: %w", err)
	}
	for _, task := range backlog {
		if err := agent.Transport.PushTask(task); err != nil {
			d.logger.Debug("Backlog push failed", "agent_id", agent.ID.String(), "task_id", task.ID.String(), "error", err)
			break
		}
	}

	pending, err := d.taskStore.CountUnclaimed(agent.OwnerID)
	if err != nil {
		return 0, fmt.Errorf("count pending: %w", err)
	}
	return pending, nil
}

func (d *distributionChannel) Unsubscribe(agent *core.Agent) error {
	if agent == nil {
		return nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	room, exists := d.rooms[agent.OwnerID]
	if !exists {
		return nil
	}
	delete(room.members, agent.ID)
	if len(room.members) == 0 {
		delete(d.rooms, agent.OwnerID)
		if err := room.sub.Unsubscribe(); err != nil {
			return fmt.Errorf("unsubscribe owner room: %w", err)
		}
	}
	return nil
}

func (d *distributionChannel) EmitNewTask(task *core.Task) error {
	raw, err := core.EncodeEvent(&core.TaskQueuedEvent{Task: task})
	if err != nil {
		return err
	}
	if err := d.bus.Publish(core.OwnerRoomSubject(task.OwnerID), raw); err != nil {
		return fmt.Errorf("publish task: %w", err)
	}
	return nil
}

func (d *distributionChannel) EmitEvent(event core.Event) error {
	raw, err := core.EncodeEvent(event)
	if err != nil {
		return err
	}
	if err := d.bus.Publish(core.EventsSubject, raw); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

func (d *distributionChannel) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	for ownerID, room := range d.rooms {
		delete(d.rooms, ownerID)
		if err := room.sub.Unsubscribe(); err != nil {
			d.logger.Warn("Failed to unsubscribe owner room", "owner_id", ownerID, "error", err)
		}
	}
	return nil
}

// forward drains one owner room subscription, pushing announced tasks to the
// locally connected members. It exits when the subscription channel closes.
func (d *distributionChannel) forward(ownerID string, sub bus.Subscription) {
	for msg := range sub.Messages() {
		event, err := core.DecodeEvent(msg.Data)
		if err != nil {
			d.logger.Warn("Dropping undecodable room message", "owner_id", ownerID, "error", err)
			continue
		}
		queued, ok := event.(*core.TaskQueuedEvent)
		if !ok || queued.Task == nil {
			continue
		}

		for agentID, transport := range d.snapshotMembers(ownerID) {
			if err := transport.PushTask(queued.Task); err != nil {
				d.logger.Debug("Task push failed",
					"agent_id", agentID.String(),
					"task_id", queued.Task.ID.String(),
					"error", err,
				)
			}
		}
	}
}

func (d *distributionChannel) snapshotMembers(ownerID string) map[uuid.UUID]core.AgentTransport {
	d.mu.Lock()
	defer d.mu.Unlock()

	room, exists := d.rooms[ownerID]
	if !exists {
		return nil
	}
	members := make(map[uuid.UUID]core.AgentTransport, len(room.members))
	for id, transport := range room.members {
		members[id] = transport
	}
	return members
}
