package rest

import (
	"time"
)

type TargetDescriptorDTO struct {
	ListingID string `json:"listingId"`
	Title     string `json:"title"`
	Company   string `json:"company"`
	ApplyURL  string `json:"applyUrl"`
	Provider  string `json:"provider,omitempty"`
	Location  string `json:"location,omitempty"`
}

type CreateTaskRequest struct {
	OwnerID        string              `json:"ownerId,omitempty"`
	Target         TargetDescriptorDTO `json:"targetDescriptor"`
	Priority       string              `json:"priorityTier,omitempty"`
	ResumeRef      string              `json:"resumeRef,omitempty"`
	CoverLetterRef string              `json:"coverLetterRef,omitempty"`
	CustomFields   map[string]string   `json:"customFields,omitempty"`
}

type CreateTaskResponse struct {
	TaskID        string `json:"taskId"`
	State         string `json:"state"`
	QueuePosition int    `json:"queuePosition"`
}

type TaskResultDTO struct {
	ConfirmationNumber string    `json:"confirmationNumber,omitempty"`
	Message            string    `json:"message,omitempty"`
	CompletedAt        time.Time `json:"completedAt"`
}

type TaskResponse struct {
	TaskID         string              `json:"taskId"`
	OwnerID        string              `json:"ownerId"`
	Target         TargetDescriptorDTO `json:"targetDescriptor"`
	Priority       string              `json:"priorityTier"`
	State          string              `json:"state"`
	QueuePosition  int                 `json:"queuePosition,omitempty"`
	Progress       int                 `json:"progress"`
	ProgressStep   string              `json:"progressStep,omitempty"`
	Attempts       int                 `json:"attempts"`
	MaxAttempts    int                 `json:"maxAttempts"`
	Classification string              `json:"classification,omitempty"`
	LastError      string              `json:"lastError,omitempty"`
	Result         *TaskResultDTO      `json:"result,omitempty"`
	CreatedAt      time.Time           `json:"createdAt"`
	UpdatedAt      time.Time           `json:"updatedAt"`
}

type ListTasksResponse struct {
	Tasks      []TaskResponse `json:"tasks"`
	Total      int            `json:"total"`
	Limit      int            `json:"limit"`
	Offset     int            `json:"offset"`
	NextOffset *int           `json:"nextOffset,omitempty"`
}

type DeviceInfoDTO struct {
	DeviceID   string `json:"deviceId"`
	DeviceName string `json:"deviceName"`
	Platform   string `json:"platform,omitempty"`
	DeviceType string `json:"deviceType,omitempty"`
}

type InitiateExchangeRequest struct {
	DeviceID   string `json:"deviceId"`
	DeviceName string `json:"deviceName"`
	Platform   string `json:"platform"`
	DeviceType string `json:"deviceType,omitempty"`
}

type InitiateExchangeResponse struct {
	ExchangeToken string    `json:"exchangeToken"`
	ExpiresAt     time.Time `json:"expiresAt"`
	Instructions  string    `json:"instructions"`
}

type CompleteExchangeRequest struct {
	ExchangeToken string `json:"exchangeToken"`
	DeviceID      string `json:"deviceId"`
	DeviceName    string `json:"deviceName,omitempty"`
	Platform      string `json:"platform,omitempty"`
}

type CompleteExchangeResponse struct {
	AccessToken string `json:"accessToken"`
	TokenType   string `json:"tokenType"`
	ExpiresIn   int64  `json:"expiresIn"`
}

type VerifyExchangeResponse struct {
	Valid      bool           `json:"valid"`
	DeviceInfo *DeviceInfoDTO `json:"deviceInfo,omitempty"`
	ExpiresAt  *time.Time     `json:"expiresAt,omitempty"`
}

type AgentResponse struct {
	AgentID         string    `json:"agentId"`
	DeviceID        string    `json:"deviceId,omitempty"`
	Status          string    `json:"status"`
	Subscribed      bool      `json:"subscribed"`
	ActiveTasks     int       `json:"activeTasks"`
	MaxConcurrency  int       `json:"maxConcurrency"`
	ConnectedAt     time.Time `json:"connectedAt"`
	LastHeartbeatAt time.Time `json:"lastHeartbeatAt"`
}

type ListAgentsResponse struct {
	Agents []AgentResponse `json:"agents"`
}

type HealthResponse struct {
	Status string `json:"status"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Code    int    `json:"code"`
}
