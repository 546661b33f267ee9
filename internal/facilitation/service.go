// Package facilitation is the entry point transports call: it checks
// ownership, applies state changes through the session machine and schedules
// facilitator replies per session.
package facilitation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"nvcstack.local/facilitator/internal/analytics"
	"nvcstack.local/facilitator/internal/apperr"
	"nvcstack.local/facilitator/internal/events"
	"nvcstack.local/facilitator/internal/model"
	"nvcstack.local/facilitator/internal/nvc"
	"nvcstack.local/facilitator/internal/orchestrator"
	"nvcstack.local/facilitator/internal/session"
)

// Responder produces facilitator replies.
type Responder interface {
	Respond(ctx context.Context, req orchestrator.Request) (session.Message, error)
}

const queueFullRetry = time.Second

// ReplyState reports a facilitator reply entering or leaving the session
// queue. Pending is published before the reply job is queued; the matching
// done state follows once the job has finished, after any reply message.
type ReplyState struct {
	SessionID string
	Pending   bool
}

// Reply is the outcome of a scheduled facilitator reply.
type Reply struct {
	Message session.Message
	Err     error
}

type Service struct {
	logger    zerolog.Logger
	machine   *session.Machine
	responder Responder
	scheduler *session.Scheduler
	registry  *model.Registry
	sink      analytics.Sink
	queueSize int
	replies   *events.Bus[ReplyState]

	dispose func()
	wg      sync.WaitGroup
}

type Option func(*Service)

func WithSink(sink analytics.Sink) Option {
	return func(s *Service) {
		if sink != nil {
			s.sink = sink
		}
	}
}

// WithRegistry exposes the provider list for runtime toggles.
func WithRegistry(registry *model.Registry) Option {
	return func(s *Service) {
		s.registry = registry
	}
}

// WithQueueSize must match the scheduler's queue size so SendMessage can
// refuse work before recording it.
func WithQueueSize(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.queueSize = n
		}
	}
}

func NewService(logger zerolog.Logger, machine *session.Machine, responder Responder, scheduler *session.Scheduler, opts ...Option) *Service {
	s := &Service{
		logger:    logger,
		machine:   machine,
		responder: responder,
		scheduler: scheduler,
		sink:      analytics.Nop(),
		queueSize: 256,
		replies:   events.NewBus[ReplyState](),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.dispose = machine.Updates().Subscribe(s.onUpdate)
	return s
}

// ReplyStates is the bus reply queue changes are published on.
func (s *Service) ReplyStates() *events.Bus[ReplyState] {
	return s.replies
}

// Close stops listening for session updates and waits for pending summary
// deliveries.
func (s *Service) Close() {
	s.dispose()
	s.wg.Wait()
}

func (s *Service) CreateSession(ctx context.Context, userID, sessionType string, sessionCtx *nvc.Context) (session.Session, error) {
	return s.machine.CreateSession(ctx, userID, sessionType, sessionCtx)
}

// GetSession returns the session with its messages. Sessions owned by someone
// else are reported as not found.
func (s *Service) GetSession(ctx context.Context, userID, sessionID string) (session.Session, error) {
	if _, err := s.owned(ctx, userID, sessionID); err != nil {
		return session.Session{}, err
	}
	return s.machine.Snapshot(ctx, sessionID)
}

func (s *Service) ListSessions(ctx context.Context, userID string, page, pageSize int) (session.Page, error) {
	return s.machine.List(ctx, userID, page, pageSize)
}

type SendMessageRequest struct {
	SessionID      string
	Content        string
	IdempotencyKey string
	DeviceID       string
}

// SendMessage records a user message and schedules the facilitator reply.
// The returned channel yields that reply; it is nil for duplicates.
func (s *Service) SendMessage(ctx context.Context, userID string, req SendMessageRequest) (session.Message, session.Outcome, <-chan Reply, error) {
	if _, err := s.owned(ctx, userID, req.SessionID); err != nil {
		return session.Message{}, "", nil, err
	}
	if s.scheduler.Pending(req.SessionID) >= s.queueSize {
		return session.Message{}, "", nil, apperr.RateLimited(queueFullRetry)
	}

	msg, outcome, err := s.machine.RecordUserMessage(ctx, req.SessionID, req.Content, req.IdempotencyKey, req.DeviceID)
	if err != nil {
		return session.Message{}, "", nil, err
	}
	if outcome == session.OutcomeDuplicate {
		return msg, outcome, nil, nil
	}

	replies := s.schedule(req.SessionID, orchestrator.Request{SessionID: req.SessionID, ReplyTo: msg.ID})
	return msg, outcome, replies, nil
}

type CompleteStepRequest struct {
	SessionID      string
	StepType       nvc.StepType
	UserInput      string
	IdempotencyKey string
	DeviceID       string
}

// CompleteStep applies a step completion and schedules the facilitator reply
// for the next step, a clarifying reply, or the closing reply.
func (s *Service) CompleteStep(ctx context.Context, userID string, req CompleteStepRequest) (session.Step, session.Outcome, <-chan Reply, error) {
	if _, err := s.owned(ctx, userID, req.SessionID); err != nil {
		return session.Step{}, "", nil, err
	}

	step, outcome, err := s.machine.CompleteStep(ctx, session.CompleteStepRequest{
		SessionID:      req.SessionID,
		StepType:       req.StepType,
		UserInput:      req.UserInput,
		IdempotencyKey: req.IdempotencyKey,
		DeviceID:       req.DeviceID,
	})
	if err != nil || outcome == session.OutcomeDuplicate {
		return step, outcome, nil, err
	}

	score := step.QualityScore
	prompt := fmt.Sprintf("My %s: %s", step.Type, step.UserInput)
	replies := s.schedule(req.SessionID, orchestrator.Request{
		SessionID:    req.SessionID,
		Prompt:       prompt,
		StepID:       step.ID,
		QualityScore: &score,
	})
	return step, outcome, replies, nil
}

func (s *Service) Pause(ctx context.Context, userID, sessionID string) (session.Session, error) {
	if _, err := s.owned(ctx, userID, sessionID); err != nil {
		return session.Session{}, err
	}
	return s.machine.Pause(ctx, sessionID)
}

func (s *Service) Resume(ctx context.Context, userID, sessionID string) (session.Session, error) {
	if _, err := s.owned(ctx, userID, sessionID); err != nil {
		return session.Session{}, err
	}
	return s.machine.Resume(ctx, sessionID)
}

// Abandon ends the session and cancels replies that have not started. A reply
// already in flight still completes and is stored.
func (s *Service) Abandon(ctx context.Context, userID, sessionID string) (session.Session, error) {
	if _, err := s.owned(ctx, userID, sessionID); err != nil {
		return session.Session{}, err
	}
	sess, err := s.machine.Abandon(ctx, sessionID)
	if err != nil {
		return session.Session{}, err
	}
	s.scheduler.CancelPending(sessionID)
	return sess, nil
}

// Guidance is a template lookup with no effect on session state.
func (s *Service) Guidance(step nvc.StepType, sessionCtx *nvc.Context) string {
	return nvc.Guidance(step, sessionCtx)
}

func (s *Service) Analytics(ctx context.Context, userID, sessionID string) (analytics.Summary, error) {
	sess, err := s.GetSession(ctx, userID, sessionID)
	if err != nil {
		return analytics.Summary{}, err
	}
	return analytics.Summarize(sess), nil
}

// Message looks up one message of a session the user owns.
func (s *Service) Message(ctx context.Context, userID, sessionID, messageID string) (session.Message, error) {
	if _, err := s.owned(ctx, userID, sessionID); err != nil {
		return session.Message{}, err
	}
	return s.machine.Message(ctx, sessionID, messageID)
}

func (s *Service) MessagesAfter(ctx context.Context, userID, sessionID string, afterSequence int64) ([]session.Message, error) {
	if _, err := s.owned(ctx, userID, sessionID); err != nil {
		return nil, err
	}
	return s.machine.MessagesAfter(ctx, sessionID, afterSequence, 0)
}

func (s *Service) Providers() []model.ProviderConfig {
	if s.registry == nil {
		return nil
	}
	return s.registry.Configs()
}

// SetProviderEnabled toggles a provider. Replies already in flight keep the
// provider list they started with.
func (s *Service) SetProviderEnabled(name string, enabled bool) error {
	if s.registry == nil {
		return fmt.Errorf("%w: no provider registry", apperr.ErrNotFound)
	}
	if err := s.registry.SetEnabled(name, enabled); err != nil {
		return fmt.Errorf("%w: %v", apperr.ErrNotFound, err)
	}
	s.logger.Info().Str("provider", name).Bool("enabled", enabled).Msg("provider toggled")
	return nil
}

func (s *Service) owned(ctx context.Context, userID, sessionID string) (session.Session, error) {
	sess, err := s.machine.Get(ctx, sessionID)
	if err != nil {
		return session.Session{}, err
	}
	if sess.UserID != userID {
		return session.Session{}, fmt.Errorf("session %s: %w", sessionID, apperr.ErrNotFound)
	}
	return sess, nil
}

func (s *Service) schedule(sessionID string, req orchestrator.Request) <-chan Reply {
	replies := make(chan Reply, 1)
	s.replies.Publish(ReplyState{SessionID: sessionID, Pending: true})
	err := s.scheduler.Enqueue(sessionID, func(ctx context.Context) {
		defer close(replies)
		defer s.replies.Publish(ReplyState{SessionID: sessionID})
		if err := ctx.Err(); err != nil {
			replies <- Reply{Err: fmt.Errorf("reply canceled: %w", err)}
			return
		}
		msg, err := s.responder.Respond(ctx, req)
		if err != nil {
			s.logger.Error().Err(err).Str("session_id", sessionID).Msg("facilitator reply failed")
		}
		replies <- Reply{Message: msg, Err: err}
	})
	if err != nil {
		s.logger.Warn().Err(err).Str("session_id", sessionID).Msg("facilitator reply not scheduled")
		s.replies.Publish(ReplyState{SessionID: sessionID})
		replies <- Reply{Err: err}
		close(replies)
	}
	return replies
}

func (s *Service) onUpdate(u session.Update) {
	terminal := (u.Kind == session.UpdateStepCompleted && u.Session.Status == session.StatusCompleted) ||
		u.Kind == session.UpdateAbandoned
	if !terminal {
		return
	}
	// Updates are published under the session lock; reading the snapshot has
	// to happen elsewhere.
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.emitSummary(u.Session.ID, u.Session.UserID)
	}()
}

func (s *Service) emitSummary(sessionID, userID string) {
	ctx := context.Background()
	sess, err := s.machine.Snapshot(ctx, sessionID)
	if err != nil {
		if !errors.Is(err, apperr.ErrNotFound) {
			s.logger.Error().Err(err).Str("session_id", sessionID).Msg("session summary failed")
		}
		return
	}
	summary := analytics.Summarize(sess)
	s.sink.Record(ctx, analytics.Record{
		Kind:      analytics.KindSessionSummary,
		SessionID: sessionID,
		UserID:    userID,
		At:        sess.UpdatedAt,
		Summary:   &summary,
	})
}
