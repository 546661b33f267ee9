package session

import (
	"time"

	"nvcstack.local/facilitator/internal/nvc"
)

type sessionRow struct {
	SessionID          string    `gorm:"primaryKey;size:64"`
	UserID             string    `gorm:"size:191;not null;index:idx_sessions_user_created,priority:1"`
	SessionType        string    `gorm:"size:64;not null"`
	Status             string    `gorm:"size:32;not null"`
	CurrentStep        string    `gorm:"size:32;not null"`
	ContextJSON        string    `gorm:"type:text"`
	NeedsClarification bool      `gorm:"not null;default:false"`
	ClarifyStep        string    `gorm:"size:32"`
	CreatedAt          time.Time `gorm:"not null;index:idx_sessions_user_created,priority:2"`
	UpdatedAt          time.Time `gorm:"not null"`
}

func (sessionRow) TableName() string {
	return "nvc_sessions"
}

func (r sessionRow) toSession() (Session, error) {
	sess := Session{
		ID:                 r.SessionID,
		UserID:             r.UserID,
		SessionType:        r.SessionType,
		Status:             Status(r.Status),
		CurrentStep:        nvc.StepType(r.CurrentStep),
		NeedsClarification: r.NeedsClarification,
		ClarifyStep:        nvc.StepType(r.ClarifyStep),
		CreatedAt:          r.CreatedAt,
		UpdatedAt:          r.UpdatedAt,
	}
	if r.ContextJSON != "" {
		var c nvc.Context
		if err := unmarshalJSON(r.ContextJSON, &c); err != nil {
			return Session{}, err
		}
		sess.Context = &c
	}
	return sess, nil
}

func sessionRowFromSession(sess Session) (sessionRow, error) {
	row := sessionRow{
		SessionID:          sess.ID,
		UserID:             sess.UserID,
		SessionType:        sess.SessionType,
		Status:             string(sess.Status),
		CurrentStep:        string(sess.CurrentStep),
		NeedsClarification: sess.NeedsClarification,
		ClarifyStep:        string(sess.ClarifyStep),
		CreatedAt:          sess.CreatedAt,
		UpdatedAt:          sess.UpdatedAt,
	}
	if sess.Context != nil {
		encoded, err := marshalJSON(sess.Context)
		if err != nil {
			return sessionRow{}, err
		}
		row.ContextJSON = encoded
	}
	return row, nil
}

type stepRow struct {
	StepID         string    `gorm:"primaryKey;size:64"`
	SessionID      string    `gorm:"size:64;not null;uniqueIndex:idx_steps_session_type,priority:1"`
	StepType       string    `gorm:"size:32;not null;uniqueIndex:idx_steps_session_type,priority:2"`
	UserInput      string    `gorm:"type:text"`
	AIResponse     string    `gorm:"type:text"`
	Completed      bool      `gorm:"not null"`
	QualityScore   int       `gorm:"not null"`
	IdempotencyKey string    `gorm:"size:191"`
	CompletedAt    time.Time `gorm:"not null"`
}

func (stepRow) TableName() string {
	return "nvc_steps"
}

func (r stepRow) toStep() Step {
	return Step{
		ID:             r.StepID,
		Type:           nvc.StepType(r.StepType),
		UserInput:      r.UserInput,
		AIResponse:     r.AIResponse,
		Completed:      r.Completed,
		QualityScore:   r.QualityScore,
		CompletedAt:    r.CompletedAt,
		IdempotencyKey: r.IdempotencyKey,
	}
}

func stepRowFromStep(sessionID string, step Step) stepRow {
	return stepRow{
		StepID:         step.ID,
		SessionID:      sessionID,
		StepType:       string(step.Type),
		UserInput:      step.UserInput,
		AIResponse:     step.AIResponse,
		Completed:      step.Completed,
		QualityScore:   step.QualityScore,
		IdempotencyKey: step.IdempotencyKey,
		CompletedAt:    step.CompletedAt,
	}
}

type messageRow struct {
	MessageID    string    `gorm:"primaryKey;size:64"`
	SessionID    string    `gorm:"size:64;not null;uniqueIndex:idx_messages_session_sequence,priority:1"`
	Sequence     int64     `gorm:"not null;uniqueIndex:idx_messages_session_sequence,priority:2"`
	Role         string    `gorm:"size:16;not null"`
	Content      string    `gorm:"type:text;not null"`
	MetadataJSON string    `gorm:"type:text"`
	Timestamp    time.Time `gorm:"not null"`
}

func (messageRow) TableName() string {
	return "nvc_messages"
}

func (r messageRow) toMessage() (Message, error) {
	msg := Message{
		ID:        r.MessageID,
		SessionID: r.SessionID,
		Sequence:  r.Sequence,
		Role:      Role(r.Role),
		Content:   r.Content,
		Timestamp: r.Timestamp,
	}
	if r.MetadataJSON != "" {
		var meta MessageMetadata
		if err := unmarshalJSON(r.MetadataJSON, &meta); err != nil {
			return Message{}, err
		}
		msg.Metadata = &meta
	}
	return msg, nil
}

func messageRowFromMessage(msg Message) (messageRow, error) {
	row := messageRow{
		MessageID: msg.ID,
		SessionID: msg.SessionID,
		Sequence:  msg.Sequence,
		Role:      string(msg.Role),
		Content:   msg.Content,
		Timestamp: msg.Timestamp,
	}
	if msg.Metadata != nil {
		encoded, err := marshalJSON(msg.Metadata)
		if err != nil {
			return messageRow{}, err
		}
		row.MetadataJSON = encoded
	}
	return row, nil
}

type idempotencyRow struct {
	SessionID string    `gorm:"primaryKey;size:64"`
	Key       string    `gorm:"column:idem_key;primaryKey;size:191"`
	Kind      string    `gorm:"size:16;not null"`
	Target    string    `gorm:"size:64"`
	ResultID  string    `gorm:"size:64;not null"`
	CreatedAt time.Time `gorm:"not null"`
}

func (idempotencyRow) TableName() string {
	return "nvc_idempotency_keys"
}

func (r idempotencyRow) toRecord() IdempotencyRecord {
	return IdempotencyRecord{
		SessionID: r.SessionID,
		Key:       r.Key,
		Kind:      IdempotencyKind(r.Kind),
		Target:    r.Target,
		ResultID:  r.ResultID,
		CreatedAt: r.CreatedAt,
	}
}

func idempotencyRowFromRecord(rec IdempotencyRecord) idempotencyRow {
	return idempotencyRow{
		SessionID: rec.SessionID,
		Key:       rec.Key,
		Kind:      string(rec.Kind),
		Target:    rec.Target,
		ResultID:  rec.ResultID,
		CreatedAt: rec.CreatedAt,
	}
}
