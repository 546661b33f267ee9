package session

import (
	"time"

	"nvcstack.local/facilitator/internal/nvc"
)

type Status string

const (
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusAbandoned Status = "abandoned"
)

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusAbandoned
}

type Role string

const (
	RoleUser   Role = "user"
	RoleAI     Role = "ai"
	RoleSystem Role = "system"
)

type Session struct {
	ID                 string       `json:"id"`
	UserID             string       `json:"userId"`
	SessionType        string       `json:"sessionType"`
	Status             Status       `json:"status"`
	CurrentStep        nvc.StepType `json:"currentStep"`
	Steps              []Step       `json:"steps"`
	Messages           []Message    `json:"messages,omitempty"`
	Context            *nvc.Context `json:"context,omitempty"`
	NeedsClarification bool         `json:"needsClarification"`
	ClarifyStep        nvc.StepType `json:"clarifyStep,omitempty"`
	CreatedAt          time.Time    `json:"createdAt"`
	UpdatedAt          time.Time    `json:"updatedAt"`
}

// StepByType returns the completed step of the given type, if any.
func (s Session) StepByType(stepType nvc.StepType) (Step, bool) {
	for _, step := range s.Steps {
		if step.Type == stepType {
			return step, true
		}
	}
	return Step{}, false
}

func (s Session) stepIndex(stepID string) int {
	for i, step := range s.Steps {
		if step.ID == stepID {
			return i
		}
	}
	return -1
}

// Clone returns a deep copy that can be handed to other goroutines.
func (s Session) Clone() Session {
	out := s
	if s.Steps != nil {
		out.Steps = make([]Step, len(s.Steps))
		copy(out.Steps, s.Steps)
	}
	if s.Messages != nil {
		out.Messages = make([]Message, len(s.Messages))
		copy(out.Messages, s.Messages)
	}
	if s.Context != nil {
		ctx := *s.Context
		ctx.Participants = append([]string(nil), s.Context.Participants...)
		out.Context = &ctx
	}
	return out
}

type Step struct {
	ID             string       `json:"id"`
	Type           nvc.StepType `json:"type"`
	UserInput      string       `json:"userInput,omitempty"`
	AIResponse     string       `json:"aiResponse,omitempty"`
	Completed      bool         `json:"completed"`
	QualityScore   int          `json:"qualityScore"`
	CompletedAt    time.Time    `json:"completedAt"`
	IdempotencyKey string       `json:"idempotencyKey,omitempty"`
}

type Message struct {
	ID        string           `json:"id"`
	SessionID string           `json:"sessionId"`
	Sequence  int64            `json:"sequence"`
	Role      Role             `json:"role"`
	Content   string           `json:"content"`
	Timestamp time.Time        `json:"timestamp"`
	Metadata  *MessageMetadata `json:"metadata,omitempty"`
}

// MessageMetadata is bookkeeping for analytics collaborators. The core does
// not interpret it beyond the clarification and step links.
type MessageMetadata struct {
	Provider       string       `json:"provider,omitempty"`
	Model          string       `json:"model,omitempty"`
	LatencyMS      int64        `json:"latencyMs,omitempty"`
	Attempts       int          `json:"attempts,omitempty"`
	Degraded       bool         `json:"degraded,omitempty"`
	DegradedReason string       `json:"degradedReason,omitempty"`
	InputTokens    int64        `json:"inputTokens,omitempty"`
	OutputTokens   int64        `json:"outputTokens,omitempty"`
	StepType       nvc.StepType `json:"stepType,omitempty"`
	StepID         string       `json:"stepId,omitempty"`
	QualityScore   *int         `json:"qualityScore,omitempty"`
	Clarifying     bool         `json:"clarifying,omitempty"`
	IdempotencyKey string       `json:"idempotencyKey,omitempty"`
	DeviceID       string       `json:"deviceId,omitempty"`
	ReplyTo        string       `json:"replyTo,omitempty"`
}

type IdempotencyKind string

const (
	IdempotencyKindStep    IdempotencyKind = "step"
	IdempotencyKindMessage IdempotencyKind = "message"
)

// IdempotencyRecord remembers which result an idempotency key produced.
type IdempotencyRecord struct {
	SessionID string          `json:"sessionId"`
	Key       string          `json:"key"`
	Kind      IdempotencyKind `json:"kind"`
	Target    string          `json:"target,omitempty"`
	ResultID  string          `json:"resultId"`
	CreatedAt time.Time       `json:"createdAt"`
}

// Outcome tells callers whether an operation changed state or replayed a
// stored result.
type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeDuplicate Outcome = "duplicate"
)

type Page struct {
	Items    []Session `json:"items"`
	Total    int       `json:"total"`
	Page     int       `json:"page"`
	PageSize int       `json:"pageSize"`
	HasMore  bool      `json:"hasMore"`
}

type UpdateKind string

const (
	UpdateCreated       UpdateKind = "created"
	UpdateStepCompleted UpdateKind = "step_completed"
	UpdatePaused        UpdateKind = "paused"
	UpdateResumed       UpdateKind = "resumed"
	UpdateAbandoned     UpdateKind = "abandoned"
	UpdateMessageAdded  UpdateKind = "message_added"
)

// Update is published on every successful transition.
type Update struct {
	Kind               UpdateKind
	Session            Session
	Step               *Step
	Message            *Message
	NeedsClarification bool
	At                 time.Time
}
