package realtime

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"nvcstack.local/facilitator/internal/apperr"
	"nvcstack.local/facilitator/internal/nvc"
	"nvcstack.local/facilitator/internal/reconcile"
	"nvcstack.local/facilitator/internal/session"
)

type EventType string

const (
	EventJoinSession    EventType = "join_session"
	EventLeaveSession   EventType = "leave_session"
	EventSendMessage    EventType = "send_message"
	EventMessageReceive EventType = "message_receive"
	EventStepComplete   EventType = "step_complete"
	EventTypingStart    EventType = "typing_start"
	EventTypingEnd      EventType = "typing_end"
	EventSessionUpdate  EventType = "session_update"
	EventError          EventType = "error"
	EventReconnect      EventType = "reconnect"
	EventSync           EventType = "sync"
	EventSyncResult     EventType = "sync_result"
)

var eventAliases = map[string]EventType{
	"session_start": EventJoinSession,
	"session_end":   EventLeaveSession,
	"message_send":  EventSendMessage,
}

// ParseEventType accepts canonical names and their legacy aliases.
func ParseEventType(raw string) (EventType, error) {
	name := strings.ToLower(strings.TrimSpace(raw))
	if alias, ok := eventAliases[name]; ok {
		return alias, nil
	}
	switch t := EventType(name); t {
	case EventJoinSession, EventLeaveSession, EventSendMessage, EventMessageReceive,
		EventStepComplete, EventTypingStart, EventTypingEnd, EventSessionUpdate,
		EventError, EventReconnect, EventSync, EventSyncResult:
		return t, nil
	}
	return "", apperr.Invalidf("unsupported event type %q", raw)
}

// Payload is implemented by the payload type of every event.
type Payload interface {
	payload()
}

// Event is the envelope exchanged in both directions. Seq orders the events
// broadcast in one session room; it is zero for direct replies.
type Event struct {
	Type      EventType
	SessionID string
	Payload   Payload
	Timestamp time.Time
	EventID   string
	Seq       int64
}

type wireEvent struct {
	Type      string          `json:"type"`
	SessionID string          `json:"sessionId"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	EventID   string          `json:"eventId,omitempty"`
	Seq       int64           `json:"seq,omitempty"`
}

func (e Event) MarshalJSON() ([]byte, error) {
	w := wireEvent{
		Type:      string(e.Type),
		SessionID: e.SessionID,
		Timestamp: e.Timestamp,
		EventID:   e.EventID,
		Seq:       e.Seq,
	}
	if e.Payload != nil {
		raw, err := json.Marshal(e.Payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", e.Type, err)
		}
		w.Payload = raw
	}
	return json.Marshal(w)
}

func (e *Event) UnmarshalJSON(data []byte) error {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return apperr.Invalidf("decode event envelope: %v", err)
	}
	t, err := ParseEventType(w.Type)
	if err != nil {
		return err
	}
	payload, err := DecodePayload(t, w.Payload)
	if err != nil {
		return err
	}
	*e = Event{
		Type:      t,
		SessionID: strings.TrimSpace(w.SessionID),
		Payload:   payload,
		Timestamp: w.Timestamp,
		EventID:   w.EventID,
		Seq:       w.Seq,
	}
	return nil
}

// DecodePayload decodes raw into the payload type that belongs to t.
func DecodePayload(t EventType, raw json.RawMessage) (Payload, error) {
	var p Payload
	switch t {
	case EventJoinSession:
		p = &Join{}
	case EventLeaveSession:
		p = &Leave{}
	case EventSendMessage:
		p = &SendMessage{}
	case EventMessageReceive:
		p = &MessageReceive{}
	case EventStepComplete:
		p = &StepComplete{}
	case EventTypingStart, EventTypingEnd:
		p = &Typing{}
	case EventSessionUpdate:
		p = &SessionUpdate{}
	case EventError:
		p = &Error{}
	case EventReconnect:
		p = &Reconnect{}
	case EventSync:
		p = &Sync{}
	case EventSyncResult:
		p = &SyncResult{}
	default:
		return nil, apperr.Invalidf("unsupported event type %q", t)
	}
	if len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, p); err != nil {
			return nil, apperr.Invalidf("decode %s payload: %v", t, err)
		}
	}
	return p, nil
}

type Join struct {
	DeviceID string `json:"deviceId,omitempty"`
}

type Leave struct{}

// SendMessage is sent by clients with Content set. The broadcast copy carries
// the stored Message.
type SendMessage struct {
	Content        string           `json:"content,omitempty"`
	IdempotencyKey string           `json:"idempotencyKey,omitempty"`
	DeviceID       string           `json:"deviceId,omitempty"`
	Message        *session.Message `json:"message,omitempty"`
}

type MessageReceive struct {
	Message session.Message `json:"message"`
}

type StepComplete struct {
	StepType       nvc.StepType  `json:"stepType"`
	UserInput      string        `json:"userInput,omitempty"`
	IdempotencyKey string        `json:"idempotencyKey,omitempty"`
	DeviceID       string        `json:"deviceId,omitempty"`
	Step           *session.Step `json:"step,omitempty"`
}

type Typing struct {
	UserID   string `json:"userId,omitempty"`
	DeviceID string `json:"deviceId,omitempty"`
}

type SessionUpdate struct {
	Kind               session.UpdateKind `json:"kind,omitempty"`
	Session            session.Session    `json:"session"`
	NeedsClarification bool               `json:"needsClarification,omitempty"`
}

type Error struct {
	Code         string    `json:"code"`
	Message      string    `json:"message"`
	RetryAfterMS int64     `json:"retryAfterMs,omitempty"`
	RequestType  EventType `json:"requestType,omitempty"`
}

// Reconnect asks for everything accepted after LastMessageID. An empty id
// requests the full history.
type Reconnect struct {
	LastMessageID string `json:"lastMessageId,omitempty"`
}

type Sync struct {
	Entries []reconcile.Entry `json:"entries"`
}

type SyncResult struct {
	Results []reconcile.Result `json:"results"`
}

func (*Join) payload()           {}
func (*Leave) payload()          {}
func (*SendMessage) payload()    {}
func (*MessageReceive) payload() {}
func (*StepComplete) payload()   {}
func (*Typing) payload()         {}
func (*SessionUpdate) payload()  {}
func (*Error) payload()          {}
func (*Reconnect) payload()      {}
func (*Sync) payload()           {}
func (*SyncResult) payload()     {}

// errorEvent turns err into an error event answering a request of type req.
func errorEvent(sessionID string, req EventType, err error, now time.Time) Event {
	p := &Error{
		Code:        apperr.Code(err),
		Message:     err.Error(),
		RequestType: req,
	}
	if wait, ok := apperr.RetryAfter(err); ok {
		p.RetryAfterMS = wait.Milliseconds()
	}
	return Event{Type: EventError, SessionID: sessionID, Payload: p, Timestamp: now}
}
