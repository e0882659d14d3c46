package rest

import (
	"github.com/applydesk/dispatch/internal/dispatcher/core"
)

func (req *CreateTaskRequest) ToTask(ownerID string) *core.Task {
	return &core.Task{
		OwnerID:  ownerID,
		Priority: core.PriorityTier(req.Priority),
		Payload: core.TaskPayload{
			Target: core.TargetDescriptor{
				ListingID: req.Target.ListingID,
				Title:     req.Target.Title,
				Company:   req.Target.Company,
				ApplyURL:  req.Target.ApplyURL,
				Provider:  core.Provider(req.Target.Provider),
				Location:  req.Target.Location,
			},
			ResumeRef:      req.ResumeRef,
			CoverLetterRef: req.CoverLetterRef,
			CustomFields:   req.CustomFields,
		},
	}
}

func ToTaskResponse(task *core.Task, queuePosition int) TaskResponse {
	resp := TaskResponse{
		TaskID:  task.ID.String(),
		OwnerID: task.OwnerID,
		Target: TargetDescriptorDTO{
			ListingID: task.Payload.Target.ListingID,
			Title:     task.Payload.Target.Title,
			Company:   task.Payload.Target.Company,
			ApplyURL:  task.Payload.Target.ApplyURL,
			Provider:  string(task.Payload.Target.Provider),
			Location:  task.Payload.Target.Location,
		},
		Priority:       string(task.Priority),
		State:          string(task.State),
		QueuePosition:  queuePosition,
		Progress:       task.Progress,
		ProgressStep:   task.ProgressStep,
		Attempts:       task.Attempts,
		MaxAttempts:    task.MaxAttempts,
		Classification: string(task.LastClassification),
		CreatedAt:      task.CreatedAt,
		UpdatedAt:      task.UpdatedAt,
	}
	if task.LastError != nil {
		resp.LastError = *task.LastError
	}
	if task.Result != nil {
		resp.Result = &TaskResultDTO{
			ConfirmationNumber: task.Result.ConfirmationNumber,
			Message:            task.Result.Message,
			CompletedAt:        task.Result.CompletedAt,
		}
	}
	return resp
}

func ToAgentResponse(agent *core.Agent) AgentResponse {
	return AgentResponse{
		AgentID:         agent.ID.String(),
		DeviceID:        agent.DeviceID,
		Status:          string(agent.Status),
		Subscribed:      agent.Subscribed,
		ActiveTasks:     len(agent.CurrentTasks),
		MaxConcurrency:  agent.Capabilities.MaxConcurrency,
		ConnectedAt:     agent.ConnectedAt,
		LastHeartbeatAt: agent.LastHeartbeatAt,
	}
}

func (req *InitiateExchangeRequest) ToDeviceInfo() core.DeviceInfo {
	return core.DeviceInfo{
		DeviceID:   req.DeviceID,
		DeviceName: req.DeviceName,
		Platform:   req.Platform,
		DeviceType: req.DeviceType,
	}
}

func (req *CompleteExchangeRequest) ToDeviceInfo() core.DeviceInfo {
	return core.DeviceInfo{
		DeviceID:   req.DeviceID,
		DeviceName: req.DeviceName,
		Platform:   req.Platform,
	}
}

func ToDeviceInfoDTO(device core.DeviceInfo) *DeviceInfoDTO {
	return &DeviceInfoDTO{
		DeviceID:   device.DeviceID,
		DeviceName: device.DeviceName,
		Platform:   device.Platform,
		DeviceType: device.DeviceType,
	}
}
