package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"nvcstack.local/facilitator/internal/apperr"
	"nvcstack.local/facilitator/internal/events"
	"nvcstack.local/facilitator/internal/ids"
	"nvcstack.local/facilitator/internal/nvc"
	"nvcstack.local/facilitator/internal/scoring"
)

const (
	DefaultClarifyThreshold = 50
	DefaultSessionType      = "standard"
	DefaultPageSize         = 20
	MaxPageSize             = 100
)

type MachineOption func(*Machine)

// WithClarifyThreshold sets the advisory score below which the next
// facilitator reply asks for clarification.
func WithClarifyThreshold(threshold int) MachineOption {
	return func(m *Machine) {
		m.clarifyThreshold = threshold
	}
}

func WithClock(now func() time.Time) MachineOption {
	return func(m *Machine) {
		if now != nil {
			m.now = now
		}
	}
}

func WithMaxInputLength(n int) MachineOption {
	return func(m *Machine) {
		if n > 0 {
			m.maxInput = n
		}
	}
}

// Machine owns session and step transitions. Mutations of one session are
// serialized; different sessions proceed in parallel.
type Machine struct {
	logger  zerolog.Logger
	store   Store
	updates *events.Bus[Update]

	clarifyThreshold int
	maxInput         int
	now              func() time.Time

	locks keyedMutex
}

func NewMachine(logger zerolog.Logger, store Store, updates *events.Bus[Update], opts ...MachineOption) *Machine {
	if updates == nil {
		updates = events.NewBus[Update]()
	}
	m := &Machine{
		logger:           logger,
		store:            store,
		updates:          updates,
		clarifyThreshold: DefaultClarifyThreshold,
		maxInput:         DefaultMaxInputLength,
		now:              func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// Updates is the bus every successful transition is published on.
func (m *Machine) Updates() *events.Bus[Update] {
	return m.updates
}

func (m *Machine) CreateSession(ctx context.Context, userID, sessionType string, sessionCtx *nvc.Context) (Session, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Session{}, apperr.Invalidf("user id is required")
	}
	sessionType = strings.TrimSpace(sessionType)
	if sessionType == "" {
		sessionType = DefaultSessionType
	}
	var stored *nvc.Context
	if sessionCtx != nil {
		c, err := m.cleanContext(*sessionCtx)
		if err != nil {
			return Session{}, err
		}
		stored = &c
	}

	now := m.now()
	sess := Session{
		ID:          ids.New(),
		UserID:      userID,
		SessionType: sessionType,
		Status:      StatusActive,
		CurrentStep: nvc.StepObservation,
		Steps:       []Step{},
		Context:     stored,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := m.store.CreateSession(ctx, sess); err != nil {
		return Session{}, fmt.Errorf("create session: %w", err)
	}

	m.logger.Info().Str("session_id", sess.ID).Str("user_id", userID).Str("session_type", sessionType).Msg("session created")
	m.publish(Update{Kind: UpdateCreated, Session: sess.Clone(), At: now})
	return sess, nil
}

func (m *Machine) Get(ctx context.Context, sessionID string) (Session, error) {
	return m.store.GetSession(ctx, sessionID)
}

// Snapshot returns the session with its full message history.
func (m *Machine) Snapshot(ctx context.Context, sessionID string) (Session, error) {
	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return Session{}, err
	}
	msgs, err := m.store.ListMessages(ctx, sessionID, 0, 0)
	if err != nil {
		return Session{}, fmt.Errorf("list messages: %w", err)
	}
	sess.Messages = msgs
	return sess, nil
}

func (m *Machine) List(ctx context.Context, userID string, page, pageSize int) (Page, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = DefaultPageSize
	}
	if pageSize > MaxPageSize {
		pageSize = MaxPageSize
	}
	items, total, err := m.store.ListSessions(ctx, userID, (page-1)*pageSize, pageSize)
	if err != nil {
		return Page{}, fmt.Errorf("list sessions: %w", err)
	}
	return Page{
		Items:    items,
		Total:    total,
		Page:     page,
		PageSize: pageSize,
		HasMore:  page*pageSize < total,
	}, nil
}

type CompleteStepRequest struct {
	SessionID      string
	StepType       nvc.StepType
	UserInput      string
	IdempotencyKey string
	DeviceID       string
}

// CompleteStep records the user's answer for the current step and advances
// the session. A repeated idempotency key returns the stored step unchanged.
func (m *Machine) CompleteStep(ctx context.Context, req CompleteStepRequest) (Step, Outcome, error) {
	unlock := m.locks.lock(req.SessionID)
	defer unlock()

	sess, err := m.store.GetSession(ctx, req.SessionID)
	if err != nil {
		return Step{}, "", err
	}

	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		step, found, err := m.storedStep(ctx, sess, key, req.StepType)
		if err != nil {
			return Step{}, "", err
		}
		if found {
			m.logger.Debug().Str("session_id", sess.ID).Str("idempotency_key", key).Msg("duplicate step completion")
			return step, OutcomeDuplicate, nil
		}
	}

	if sess.Status != StatusActive {
		return Step{}, "", apperr.Transitionf("session %s is %s", sess.ID, sess.Status)
	}
	if !req.StepType.Valid() {
		return Step{}, "", apperr.Invalidf("unknown step type %q", req.StepType)
	}
	if req.StepType != sess.CurrentStep {
		return Step{}, "", apperr.Transitionf("cannot complete %s while current step is %s", req.StepType, sess.CurrentStep)
	}

	input, err := Sanitize(req.UserInput, m.maxInput)
	if err != nil {
		return Step{}, "", err
	}

	now := m.now()
	score := scoring.Score(req.StepType, input)
	step := Step{
		ID:             ids.New(),
		Type:           req.StepType,
		UserInput:      input,
		Completed:      true,
		QualityScore:   score,
		CompletedAt:    now,
		IdempotencyKey: strings.TrimSpace(req.IdempotencyKey),
	}

	sess.Steps = append(sess.Steps, step)
	sess.CurrentStep = req.StepType.Next()
	if sess.CurrentStep == nvc.StepCompleted {
		sess.Status = StatusCompleted
	}
	sess.NeedsClarification = score < m.clarifyThreshold && sess.Status == StatusActive
	sess.ClarifyStep = ""
	if sess.NeedsClarification {
		sess.ClarifyStep = req.StepType
	}
	sess.UpdatedAt = now

	var records []IdempotencyRecord
	if step.IdempotencyKey != "" {
		records = append(records, IdempotencyRecord{
			SessionID: sess.ID,
			Key:       step.IdempotencyKey,
			Kind:      IdempotencyKindStep,
			Target:    string(step.Type),
			ResultID:  step.ID,
			CreatedAt: now,
		})
	}
	if err := m.store.UpdateSession(ctx, sess, records...); err != nil {
		return Step{}, "", fmt.Errorf("save step: %w", err)
	}

	m.logger.Info().
		Str("session_id", sess.ID).
		Str("step", string(step.Type)).
		Int("quality_score", score).
		Str("next_step", string(sess.CurrentStep)).
		Bool("needs_clarification", sess.NeedsClarification).
		Msg("step completed")
	m.publish(Update{
		Kind:               UpdateStepCompleted,
		Session:            sess.Clone(),
		Step:               &step,
		NeedsClarification: sess.NeedsClarification,
		At:                 now,
	})
	return step, OutcomeApplied, nil
}

func (m *Machine) storedStep(ctx context.Context, sess Session, key string, stepType nvc.StepType) (Step, bool, error) {
	rec, err := m.store.GetIdempotency(ctx, sess.ID, key)
	if errors.Is(err, ErrNotFound) {
		return Step{}, false, nil
	}
	if err != nil {
		return Step{}, false, fmt.Errorf("idempotency lookup: %w", err)
	}
	if rec.Kind != IdempotencyKindStep || rec.Target != string(stepType) {
		return Step{}, false, apperr.Invalidf("idempotency key %q was used for a different action", key)
	}
	idx := sess.stepIndex(rec.ResultID)
	if idx < 0 {
		return Step{}, false, fmt.Errorf("idempotency key %q points at missing step %s", key, rec.ResultID)
	}
	return sess.Steps[idx], true, nil
}

// Pause moves an active session to paused. Pausing a paused session is a
// no-op.
func (m *Machine) Pause(ctx context.Context, sessionID string) (Session, error) {
	return m.transition(ctx, sessionID, UpdatePaused, func(s Status) (Status, error) {
		switch s {
		case StatusActive, StatusPaused:
			return StatusPaused, nil
		default:
			return s, apperr.Transitionf("cannot pause a %s session", s)
		}
	})
}

func (m *Machine) Resume(ctx context.Context, sessionID string) (Session, error) {
	return m.transition(ctx, sessionID, UpdateResumed, func(s Status) (Status, error) {
		switch s {
		case StatusActive, StatusPaused:
			return StatusActive, nil
		default:
			return s, apperr.Transitionf("cannot resume a %s session", s)
		}
	})
}

// Abandon ends the session. Abandoning twice is a no-op; a completed session
// cannot be abandoned.
func (m *Machine) Abandon(ctx context.Context, sessionID string) (Session, error) {
	return m.transition(ctx, sessionID, UpdateAbandoned, func(s Status) (Status, error) {
		switch s {
		case StatusActive, StatusPaused, StatusAbandoned:
			return StatusAbandoned, nil
		default:
			return s, apperr.Transitionf("cannot abandon a %s session", s)
		}
	})
}

func (m *Machine) transition(ctx context.Context, sessionID string, kind UpdateKind, next func(Status) (Status, error)) (Session, error) {
	unlock := m.locks.lock(sessionID)
	defer unlock()

	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return Session{}, err
	}
	to, err := next(sess.Status)
	if err != nil {
		return Session{}, err
	}
	if to == sess.Status {
		return sess, nil
	}

	from := sess.Status
	now := m.now()
	sess.Status = to
	sess.UpdatedAt = now
	if to == StatusAbandoned {
		sess.NeedsClarification = false
		sess.ClarifyStep = ""
	}
	if err := m.store.UpdateSession(ctx, sess); err != nil {
		return Session{}, fmt.Errorf("save session: %w", err)
	}

	m.logger.Info().Str("session_id", sess.ID).Str("from", string(from)).Str("to", string(to)).Msg("session status changed")
	m.publish(Update{Kind: kind, Session: sess.Clone(), At: now})
	return sess, nil
}

// RecordUserMessage appends a user message to an active session. A repeated
// idempotency key returns the stored message.
func (m *Machine) RecordUserMessage(ctx context.Context, sessionID, content, idempotencyKey, deviceID string) (Message, Outcome, error) {
	unlock := m.locks.lock(sessionID)
	defer unlock()

	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return Message{}, "", err
	}

	key := strings.TrimSpace(idempotencyKey)
	if key != "" {
		rec, err := m.store.GetIdempotency(ctx, sessionID, key)
		switch {
		case err == nil:
			if rec.Kind != IdempotencyKindMessage {
				return Message{}, "", apperr.Invalidf("idempotency key %q was used for a different action", key)
			}
			msg, err := m.store.GetMessage(ctx, sessionID, rec.ResultID)
			if err != nil {
				return Message{}, "", fmt.Errorf("load stored message: %w", err)
			}
			return msg, OutcomeDuplicate, nil
		case !errors.Is(err, ErrNotFound):
			return Message{}, "", fmt.Errorf("idempotency lookup: %w", err)
		}
	}

	if sess.Status != StatusActive {
		return Message{}, "", apperr.Transitionf("session %s is %s", sess.ID, sess.Status)
	}
	content, err = Sanitize(content, m.maxInput)
	if err != nil {
		return Message{}, "", err
	}

	ts, err := m.nextTimestamp(ctx, sessionID)
	if err != nil {
		return Message{}, "", err
	}
	msg := Message{
		ID:        ids.New(),
		SessionID: sessionID,
		Role:      RoleUser,
		Content:   content,
		Timestamp: ts,
		Metadata: &MessageMetadata{
			StepType:       sess.CurrentStep,
			IdempotencyKey: key,
			DeviceID:       deviceID,
		},
	}
	var records []IdempotencyRecord
	if key != "" {
		records = append(records, IdempotencyRecord{
			SessionID: sessionID,
			Key:       key,
			Kind:      IdempotencyKindMessage,
			ResultID:  msg.ID,
			CreatedAt: ts,
		})
	}
	msg, err = m.store.AppendMessage(ctx, msg, records...)
	if err != nil {
		return Message{}, "", fmt.Errorf("append message: %w", err)
	}

	m.logger.Debug().Str("session_id", sessionID).Str("message_id", msg.ID).Int64("sequence", msg.Sequence).Msg("user message recorded")
	m.publish(Update{Kind: UpdateMessageAdded, Session: sess.Clone(), Message: &msg, At: ts})
	return msg, OutcomeApplied, nil
}

// RecordAIMessage stores a facilitator reply. Replies are kept even when the
// session ended while they were being generated, so a later resync can fetch
// them.
func (m *Machine) RecordAIMessage(ctx context.Context, sessionID, content string, meta *MessageMetadata) (Message, error) {
	unlock := m.locks.lock(sessionID)
	defer unlock()

	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return Message{}, err
	}
	ts, err := m.nextTimestamp(ctx, sessionID)
	if err != nil {
		return Message{}, err
	}
	msg := Message{
		ID:        ids.New(),
		SessionID: sessionID,
		Role:      RoleAI,
		Content:   content,
		Timestamp: ts,
		Metadata:  meta,
	}
	msg, err = m.store.AppendMessage(ctx, msg)
	if err != nil {
		return Message{}, fmt.Errorf("append message: %w", err)
	}

	if meta != nil && meta.StepID != "" {
		if idx := sess.stepIndex(meta.StepID); idx >= 0 && sess.Steps[idx].AIResponse == "" {
			sess.Steps[idx].AIResponse = content
			sess.UpdatedAt = ts
			if err := m.store.UpdateSession(ctx, sess); err != nil {
				return Message{}, fmt.Errorf("save step response: %w", err)
			}
		}
	}

	m.publish(Update{Kind: UpdateMessageAdded, Session: sess.Clone(), Message: &msg, At: ts})
	return msg, nil
}

// ConsumeClarification returns the step that needs clarifying guidance and
// clears the signal so it biases exactly one reply.
func (m *Machine) ConsumeClarification(ctx context.Context, sessionID string) (nvc.StepType, bool, error) {
	unlock := m.locks.lock(sessionID)
	defer unlock()

	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return "", false, err
	}
	if !sess.NeedsClarification {
		return "", false, nil
	}
	step := sess.ClarifyStep
	sess.NeedsClarification = false
	sess.ClarifyStep = ""
	if err := m.store.UpdateSession(ctx, sess); err != nil {
		return "", false, fmt.Errorf("clear clarification: %w", err)
	}
	return step, true, nil
}

func (m *Machine) Message(ctx context.Context, sessionID, messageID string) (Message, error) {
	return m.store.GetMessage(ctx, sessionID, messageID)
}

// MessagesAfter returns messages with a sequence greater than afterSequence.
func (m *Machine) MessagesAfter(ctx context.Context, sessionID string, afterSequence int64, limit int) ([]Message, error) {
	return m.store.ListMessages(ctx, sessionID, afterSequence, limit)
}

func (m *Machine) RecentMessages(ctx context.Context, sessionID string, n int) ([]Message, error) {
	return m.store.RecentMessages(ctx, sessionID, n)
}

// nextTimestamp keeps message timestamps non-decreasing within a session.
// Callers hold the session lock.
func (m *Machine) nextTimestamp(ctx context.Context, sessionID string) (time.Time, error) {
	now := m.now()
	last, err := m.store.RecentMessages(ctx, sessionID, 1)
	if err != nil {
		return time.Time{}, fmt.Errorf("last message: %w", err)
	}
	if len(last) == 1 && last[0].Timestamp.After(now) {
		return last[0].Timestamp, nil
	}
	return now, nil
}

func (m *Machine) cleanContext(c nvc.Context) (nvc.Context, error) {
	out := nvc.Context{Urgency: strings.TrimSpace(c.Urgency)}
	if strings.TrimSpace(c.TriggerDescription) != "" {
		trigger, err := Sanitize(c.TriggerDescription, m.maxInput)
		if err != nil {
			return nvc.Context{}, err
		}
		out.TriggerDescription = trigger
	}
	for _, p := range c.Participants {
		if p = strings.TrimSpace(strictPolicy.Sanitize(p)); p != "" {
			out.Participants = append(out.Participants, p)
		}
	}
	return out, nil
}

func (m *Machine) publish(u Update) {
	m.updates.Publish(u)
}

type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	mu   sync.Mutex
	refs int
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*refMutex)
	}
	l, ok := k.locks[key]
	if !ok {
		l = &refMutex{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
