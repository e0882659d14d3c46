package storage

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/applydesk/dispatch/internal/dispatcher/core"
)

// InMemoryTaskStore keeps tasks in a map guarded by one lock, which makes
// every conditional operation atomic. All reads hand out copies so callers
// never share memory with the store.
type InMemoryTaskStore struct {
	mu    sync.RWMutex
	tasks map[string]*core.Task
}

func NewInMemoryTaskStore() *InMemoryTaskStore {
	return &InMemoryTaskStore{
		tasks: make(map[string]*core.Task),
	}
}

func (s *InMemoryTaskStore) SaveTask(task *core.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[task.ID.String()] = copyTask(task)
	return nil
}

func (s *InMemoryTaskStore) GetTaskByID(id uuid.UUID) (*core.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	task, exists := s.tasks[id.String()]
	if !exists {
		return nil, nil
	}
	return copyTask(task), nil
}

func (s *InMemoryTaskStore) GetTasks(filter core.TaskFilter) ([]*core.Task, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := make([]*core.Task, 0, len(s.tasks))
	for _, task := range s.tasks {
		if filter.OwnerID != "" && task.OwnerID != filter.OwnerID {
			continue
		}
		if filter.State != nil && task.State != *filter.State {
			continue
		}
		matched = append(matched, task)
	}

	// Newest first for listings.
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := len(matched)
	if filter.Offset > 0 {
		if filter.Offset >= total {
			return []*core.Task{}, total, nil
		}
		matched = matched[filter.Offset:]
	}
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}

	out := make([]*core.Task, 0, len(matched))
	for _, task := range matched {
		out = append(out, copyTask(task))
	}
	return out, total, nil
}

func (s *InMemoryTaskStore) CountAhead(id uuid.UUID) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	target, exists := s.tasks[id.String()]
	if !exists {
		return 0, core.ErrTaskNotFound
	}

	rank := target.Priority.Rank()
	ahead := 0
	for _, task := range s.tasks {
		if task.ID == target.ID || task.OwnerID != target.OwnerID {
			continue
		}
		if task.State != core.TaskStateWaitingForAgent {
			continue
		}
		r := task.Priority.Rank()
		if r > rank || (r == rank && task.CreatedAt.Before(target.CreatedAt)) {
			ahead++
		}
	}
	return ahead, nil
}

func (s *InMemoryTaskStore) ListUnclaimed(ownerID string, limit int) ([]*core.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := make([]*core.Task, 0)
	for _, task := range s.tasks {
		if task.State != core.TaskStateWaitingForAgent {
			continue
		}
		if ownerID != "" && task.OwnerID != ownerID {
			continue
		}
		matched = append(matched, task)
	}

	sort.Slice(matched, func(i, j int) bool {
		ri, rj := matched[i].Priority.Rank(), matched[j].Priority.Rank()
		if ri != rj {
			return ri > rj
		}
		return matched[i].CreatedAt.Before(matched[j].CreatedAt)
	})

	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}

	out := make([]*core.Task, 0, len(matched))
	for _, task := range matched {
		out = append(out, copyTask(task))
	}
	return out, nil
}

func (s *InMemoryTaskStore) CountUnclaimed(ownerID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, task := range s.tasks {
		if task.State != core.TaskStateWaitingForAgent {
			continue
		}
		if ownerID != "" && task.OwnerID != ownerID {
			continue
		}
		count++
	}
	return count, nil
}

func (s *InMemoryTaskStore) ListStalled(cutoff time.Time) ([]*core.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stalled := make([]*core.Task, 0)
	for _, task := range s.tasks {
		if !task.State.IsClaimed() {
			continue
		}
		// Tasks that never reported progress stall from their claim time.
		reference := task.ClaimedAt
		if task.LastProgressAt != nil {
			reference = task.LastProgressAt
		}
		if reference != nil && reference.Before(cutoff) {
			stalled = append(stalled, copyTask(task))
		}
	}
	return stalled, nil
}

func (s *InMemoryTaskStore) ListClaimedBy(agentID uuid.UUID) ([]*core.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	claimed := make([]*core.Task, 0)
	for _, task := range s.tasks {
		if task.State.IsClaimed() && task.ClaimedBy != nil && *task.ClaimedBy == agentID {
			claimed = append(claimed, copyTask(task))
		}
	}
	return claimed, nil
}

func (s *InMemoryTaskStore) ClaimTask(taskID, agentID uuid.UUID, now time.Time) (core.ClaimOutcome, *core.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, exists := s.tasks[taskID.String()]
	if !exists {
		return core.ClaimLost, nil, core.ErrTaskNotFound
	}

	// Repeat claim by the current holder confirms without touching claimedAt.
	if task.ClaimedBy != nil && *task.ClaimedBy == agentID && task.State.IsClaimed() {
		if task.State == core.TaskStateClaimed {
			task.State = core.TaskStateProcessing
			task.UpdatedAt = now
		}
		return core.ClaimAlreadyOwner, copyTask(task), nil
	}

	if task.State == core.TaskStateWaitingForAgent && task.ClaimedBy == nil {
		claimer := agentID
		claimedAt := now
		task.ClaimedBy = &claimer
		task.ClaimedAt = &claimedAt
		task.State = core.TaskStateProcessing
		task.UpdatedAt = now
		return core.ClaimWon, copyTask(task), nil
	}

	return core.ClaimLost, copyTask(task), nil
}

func (s *InMemoryTaskStore) AssignTask(taskID, agentID uuid.UUID, now time.Time) (*core.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, exists := s.tasks[taskID.String()]
	if !exists {
		return nil, core.ErrTaskNotFound
	}
	if task.State != core.TaskStateWaitingForAgent || task.ClaimedBy != nil {
		return nil, core.ErrAlreadyClaimed
	}

	claimer := agentID
	claimedAt := now
	task.ClaimedBy = &claimer
	task.ClaimedAt = &claimedAt
	task.State = core.TaskStateClaimed
	task.UpdatedAt = now
	return copyTask(task), nil
}

func (s *InMemoryTaskStore) ReleaseTask(taskID uuid.UUID, now time.Time) (*core.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, exists := s.tasks[taskID.String()]
	if !exists {
		return nil, core.ErrTaskNotFound
	}
	if !task.State.IsClaimed() {
		return copyTask(task), nil
	}

	clearClaim(task)
	task.State = core.TaskStateWaitingForAgent
	task.UpdatedAt = now
	return copyTask(task), nil
}

func (s *InMemoryTaskStore) UpdateProgress(taskID, agentID uuid.UUID, progress int, step string, now time.Time) (*core.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, exists := s.tasks[taskID.String()]
	if !exists {
		return nil, core.ErrTaskNotFound
	}
	if !task.State.IsClaimed() || task.ClaimedBy == nil || *task.ClaimedBy != agentID {
		return nil, core.ErrAlreadyClaimed
	}

	progressAt := now
	task.Progress = progress
	task.ProgressStep = step
	task.LastProgressAt = &progressAt
	task.UpdatedAt = now
	return copyTask(task), nil
}

func (s *InMemoryTaskStore) CompleteTask(taskID, agentID uuid.UUID, result *core.TaskResult, now time.Time) (*core.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, exists := s.tasks[taskID.String()]
	if !exists {
		return nil, core.ErrTaskNotFound
	}
	if !task.State.IsClaimed() || task.ClaimedBy == nil || *task.ClaimedBy != agentID {
		return nil, core.ErrAlreadyClaimed
	}

	clearClaim(task)
	task.State = core.TaskStateCompleted
	task.Progress = 100
	if result != nil {
		r := *result
		task.Result = &r
	}
	task.UpdatedAt = now
	return copyTask(task), nil
}

func (s *InMemoryTaskStore) FailTask(taskID, agentID uuid.UUID, classification core.ErrorClassification, message string, now time.Time) (*core.Task, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, exists := s.tasks[taskID.String()]
	if !exists {
		return nil, false, core.ErrTaskNotFound
	}
	if !task.State.IsClaimed() || task.ClaimedBy == nil || *task.ClaimedBy != agentID {
		return nil, false, core.ErrAlreadyClaimed
	}

	task.Attempts++
	task.LastClassification = classification
	task.LastError = &message

	willRetry := classification.Retriable() && task.Attempts <= task.MaxAttempts
	clearClaim(task)
	if willRetry {
		task.State = core.TaskStateWaitingForAgent
	} else {
		task.State = core.TaskStateFailed
	}
	task.UpdatedAt = now
	return copyTask(task), willRetry, nil
}

func (s *InMemoryTaskStore) CancelTask(taskID uuid.UUID, now time.Time) (*core.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, exists := s.tasks[taskID.String()]
	if !exists {
		return nil, core.ErrTaskNotFound
	}
	if task.State.IsTerminal() {
		return nil, core.ErrTaskTerminal
	}

	clearClaim(task)
	task.State = core.TaskStateCancelled
	task.UpdatedAt = now
	return copyTask(task), nil
}

// clearClaim resets claim and progress tracking. Call with the lock held.
func clearClaim(task *core.Task) {
	task.ClaimedBy = nil
	task.ClaimedAt = nil
	task.LastProgressAt = nil
	task.ProgressStep = ""
	if !task.State.IsTerminal() {
		task.Progress = 0
	}
}

func copyTask(task *core.Task) *core.Task {
	c := *task
	if task.ClaimedBy != nil {
		id := *task.ClaimedBy
		c.ClaimedBy = &id
	}
	if task.ClaimedAt != nil {
		ts := *task.ClaimedAt
		c.ClaimedAt = &ts
	}
	if task.LastProgressAt != nil {
		ts := *task.LastProgressAt
		c.LastProgressAt = &ts
	}
	if task.LastError != nil {
		msg := *task.LastError
		c.LastError = &msg
	}
	if task.Result != nil {
		r := *task.Result
		c.Result = &r
	}
	if task.Payload.CustomFields != nil {
		fields := make(map[string]string, len(task.Payload.CustomFields))
		for k, v := range task.Payload.CustomFields {
			fields[k] = v
		}
		c.Payload.CustomFields = fields
	}
	return &c
}

// InMemoryTokenStore keeps exchange tokens keyed by their opaque value.
type InMemoryTokenStore struct {
	mu     sync.RWMutex
	tokens map[string]*core.ExchangeToken
}

func NewInMemoryTokenStore() *InMemoryTokenStore {
	return &InMemoryTokenStore{
		tokens: make(map[string]*core.ExchangeToken),
	}
}

func (s *InMemoryTokenStore) SaveToken(token *core.ExchangeToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[token.Token] = copyToken(token)
	return nil
}

func (s *InMemoryTokenStore) GetToken(token string) (*core.ExchangeToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, exists := s.tokens[token]
	if !exists {
		return nil, nil
	}
	return copyToken(t), nil
}

func (s *InMemoryTokenStore) MarkTokenUsed(token string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, exists := s.tokens[token]
	if !exists {
		return false, core.ErrTokenInvalid
	}
	if t.Used {
		return false, nil
	}

	usedAt := now
	t.Used = true
	t.UsedAt = &usedAt
	return true, nil
}

func (s *InMemoryTokenStore) PurgeTokens(cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	purged := 0
	for key, t := range s.tokens {
		if t.ExpiresAt.Before(cutoff) {
			delete(s.tokens, key)
			purged++
		}
	}
	return purged, nil
}

func copyToken(token *core.ExchangeToken) *core.ExchangeToken {
	c := *token
	if token.UsedAt != nil {
		ts := *token.UsedAt
		c.UsedAt = &ts
	}
	return &c
}
