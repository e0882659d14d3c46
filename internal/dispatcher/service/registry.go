package service

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/applydesk/dispatch/internal/dispatcher/core"
	"github.com/applydesk/dispatch/internal/shared/logging"
)

type agentRegistry struct {
	mu     sync.RWMutex
	agents map[uuid.UUID]*core.Agent

	logger logging.Logger
}

func NewAgentRegistry(logger logging.Logger) core.AgentRegistry {
	return &agentRegistry{
		agents: make(map[uuid.UUID]*core.Agent),
		logger: logger,
	}
}

func (r *agentRegistry) Register(agent *core.Agent) error {
	if agent == nil || agent.ID == uuid.Nil {
		return errors.New("agent id must be set")
	}
	if agent.OwnerID == "" {
		return errors.New("agent owner must be set")
	}

	now := time.Now()
	agent.Status = core.AgentStatusIdle
	if agent.Capabilities.MaxConcurrency <= 0 {
		agent.Capabilities = core.DefaultCapabilities()
	}
	if agent.CurrentTasks == nil {
		agent.CurrentTasks = make(map[uuid.UUID]struct{})
	}
	agent.ConnectedAt = now
	agent.LastHeartbeatAt = now

	r.logger.Info("Registering agent",
		"agent_id", agent.ID.String(),
		"owner_id", agent.OwnerID,
		"device_id", agent.DeviceID,
	)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[agent.ID] = agent
	return nil
}

func (r *agentRegistry) Unregister(agentID uuid.UUID, reason string) error {
	r.mu.Lock()
	agent, exists := r.agents[agentID]
	if exists {
		delete(r.agents, agentID)
	}
	r.mu.Unlock()

	if !exists {
		return core.ErrAgentNotFound
	}

	r.logger.Info("Removing agent",
		"agent_id", agentID.String(),
		"owner_id", agent.OwnerID,
		"reason", reason,
	)

	if agent.Transport != nil {
		if err := agent.Transport.Close(); err != nil {
			r.logger.Warn("Failed to close agent transport", "agent_id", agentID.String(), "error", err)
		}
	}
	return nil
}

func (r *agentRegistry) Heartbeat(agentID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, exists := r.agents[agentID]
	if !exists {
		return core.ErrAgentNotFound
	}
	agent.LastHeartbeatAt = time.Now()
	return nil
}

func (r *agentRegistry) UpdateCapabilities(agentID uuid.UUID, caps core.Capabilities) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, exists := r.agents[agentID]
	if !exists {
		return core.ErrAgentNotFound
	}
	if caps.MaxConcurrency <= 0 {
		caps.MaxConcurrency = 1
	}
	agent.Capabilities = caps
	return nil
}

func (r *agentRegistry) MarkSubscribed(agentID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, exists := r.agents[agentID]
	if !exists {
		return core.ErrAgentNotFound
	}
	agent.Subscribed = true
	return nil
}

func (r *agentRegistry) GetAgent(agentID uuid.UUID) (*core.Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	agent, exists := r.agents[agentID]
	if !exists {
		return nil, core.ErrAgentNotFound
	}
	return copyAgent(agent), nil
}

func (r *agentRegistry) ListAgents(ownerID string) ([]*core.Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	agents := make([]*core.Agent, 0, len(r.agents))
	for _, agent := range r.agents {
		if ownerID != "" && agent.OwnerID != ownerID {
			continue
		}
		agents = append(agents, copyAgent(agent))
	}
	return agents, nil
}

func (r *agentRegistry) ListStale(timeout time.Duration) ([]*core.Agent, error) {
	threshold := time.Now().Add(-timeout)

	r.mu.RLock()
	defer r.mu.RUnlock()

	stale := make([]*core.Agent, 0)
	for _, agent := range r.agents {
		if agent.LastHeartbeatAt.Before(threshold) {
			stale = append(stale, copyAgent(agent))
		}
	}
	return stale, nil
}

// FindAvailable picks the least loaded available agent of the owner.
func (r *agentRegistry) FindAvailable(ownerID string) (*core.Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var best *core.Agent
	for _, agent := range r.agents {
		if agent.OwnerID != ownerID || !agent.Available() {
			continue
		}
		if best == nil || len(agent.CurrentTasks) < len(best.CurrentTasks) {
			best = agent
		}
	}
	if best == nil {
		return nil, core.ErrAgentUnavailable
	}
	return copyAgent(best), nil
}

func (r *agentRegistry) HasSubscribers(ownerID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, agent := range r.agents {
		if agent.OwnerID == ownerID && agent.Subscribed {
			return true
		}
	}
	return false
}

func (r *agentRegistry) TrackTask(agentID, taskID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, exists := r.agents[agentID]
	if !exists {
		return core.ErrAgentNotFound
	}
	agent.CurrentTasks[taskID] = struct{}{}
	agent.Status = core.AgentStatusBusy
	return nil
}

func (r *agentRegistry) UntrackTask(agentID, taskID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, exists := r.agents[agentID]
	if !exists {
		return core.ErrAgentNotFound
	}
	delete(agent.CurrentTasks, taskID)
	if len(agent.CurrentTasks) == 0 && agent.Status == core.AgentStatusBusy {
		agent.Status = core.AgentStatusIdle
	}
	return nil
}

func copyAgent(agent *core.Agent) *core.Agent {
	c := *agent
	c.CurrentTasks = make(map[uuid.UUID]struct{}, len(agent.CurrentTasks))
	for id := range agent.CurrentTasks {
		c.CurrentTasks[id] = struct{}{}
	}
	return &c
}
