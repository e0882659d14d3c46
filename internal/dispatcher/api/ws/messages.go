// Package ws is the agent-facing websocket surface: one authenticated
// connection per desktop agent, message-typed JSON frames in both directions.
package ws

import (
	"encoding/json"
	"fmt"

	"github.com/applydesk/dispatch/internal/dispatcher/core"
)

// Agent to dispatcher message types.
const (
	TypeHeartbeat      = "heartbeat"
	TypeCapabilities   = "capabilities"
	TypeSubscribeQueue = "subscribe-queue-stream"
	TypeJobClaimed     = "queue-job-claimed"
	TypeJobResult      = "job-result"
	TypeJobProgress    = "job-progress"
	TypeJobError       = "job-error"
)

// Dispatcher to agent message types.
const (
	TypeHandshake         = "handshake"
	TypeJobAvailable      = "queue-job-available"
	TypeStreamInitialized = "queue-stream-initialized"
	TypeClaimConfirmed    = "queue-job-claim-confirmed"
	TypeAlreadyClaimed    = "queue-job-already-claimed"
	TypeError             = "error"
)

// Envelope is the wire frame. The type names above are part of the protocol;
// changing one breaks every connected agent.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Encode wraps a payload into an envelope frame.
func Encode(msgType string, payload any) ([]byte, error) {
	var data json.RawMessage
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", msgType, err)
		}
		data = raw
	}
	return json.Marshal(Envelope{Type: msgType, Data: data})
}

// Decode parses an envelope frame. Payload decoding is the handler's job.
func Decode(frame []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, fmt.Errorf("malformed frame: %w", err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("frame has no type")
	}
	return &env, nil
}

// DecodeData unmarshals the envelope payload into v.
func (e *Envelope) DecodeData(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%s frame has no data", e.Type)
	}
	return json.Unmarshal(e.Data, v)
}

type CapabilitiesPayload struct {
	BrowserAutomation bool `json:"browserAutomation"`
	CaptchaHandling   bool `json:"captchaHandling"`
	MaxConcurrency    int  `json:"maxConcurrency"`
}

type ClaimPayload struct {
	TaskID string `json:"taskId"`
}

type ResultPayload struct {
	TaskID string    `json:"taskId"`
	Result ResultDTO `json:"result"`
}

type ResultDTO struct {
	ConfirmationNumber string `json:"confirmationNumber,omitempty"`
	Message            string `json:"message,omitempty"`
}

type ProgressPayload struct {
	TaskID   string `json:"taskId"`
	Progress int    `json:"progress"`
	Step     string `json:"step,omitempty"`
}

type JobErrorPayload struct {
	TaskID string `json:"taskId"`
	Error  string `json:"error"`
	// Classification is optional; the dispatcher derives one from the error
	// text when the agent does not classify the failure itself.
	Classification string `json:"classification,omitempty"`
}

type HandshakePayload struct {
	AgentID string `json:"agentId"`
}

type TargetDTO struct {
	ListingID string `json:"listingId"`
	Title     string `json:"title"`
	Company   string `json:"company"`
	ApplyURL  string `json:"applyUrl"`
	Provider  string `json:"provider,omitempty"`
	Location  string `json:"location,omitempty"`
}

type JobAvailablePayload struct {
	TaskID         string            `json:"taskId"`
	OwnerID        string            `json:"ownerId"`
	Target         TargetDTO         `json:"targetDescriptor"`
	Priority       string            `json:"priorityTier"`
	ResumeRef      string            `json:"resumeRef,omitempty"`
	CoverLetterRef string            `json:"coverLetterRef,omitempty"`
	CustomFields   map[string]string `json:"customFields,omitempty"`
	Attempts       int               `json:"attempts"`
}

type StreamInitializedPayload struct {
	TotalPending int `json:"totalPending"`
}

type ClaimOutcomePayload struct {
	TaskID string `json:"taskId"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

// ToJobAvailable maps a task onto the frame agents receive when work becomes
// available for their owner.
func ToJobAvailable(task *core.Task) JobAvailablePayload {
	return JobAvailablePayload{
		TaskID:  task.ID.String(),
		OwnerID: task.OwnerID,
		Target: TargetDTO{
			ListingID: task.Payload.Target.ListingID,
			Title:     task.Payload.Target.Title,
			Company:   task.Payload.Target.Company,
			ApplyURL:  task.Payload.Target.ApplyURL,
			Provider:  string(task.Payload.Target.Provider),
			Location:  task.Payload.Target.Location,
		},
		Priority:       string(task.Priority),
		ResumeRef:      task.Payload.ResumeRef,
		CoverLetterRef: task.Payload.CoverLetterRef,
		CustomFields:   task.Payload.CustomFields,
		Attempts:       task.Attempts,
	}
}
