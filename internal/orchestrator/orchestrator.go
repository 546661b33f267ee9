// Package orchestrator turns a user turn into a facilitator reply, falling
// back across providers and finally to a scripted reply.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"nvcstack.local/facilitator/internal/analytics"
	"nvcstack.local/facilitator/internal/apperr"
	"nvcstack.local/facilitator/internal/model"
	"nvcstack.local/facilitator/internal/nvc"
	"nvcstack.local/facilitator/internal/session"
)

const ScriptedProvider = "scripted"

// Conversation is the slice of the session machine the orchestrator needs.
type Conversation interface {
	Get(ctx context.Context, sessionID string) (session.Session, error)
	RecentMessages(ctx context.Context, sessionID string, n int) ([]session.Message, error)
	ConsumeClarification(ctx context.Context, sessionID string) (nvc.StepType, bool, error)
	RecordAIMessage(ctx context.Context, sessionID, content string, meta *session.MessageMetadata) (session.Message, error)
}

type Config struct {
	// MemorySize is how many recent messages form the context window.
	MemorySize int
	// RetryBase and RetryMax bound the delay between attempts on one provider.
	RetryBase time.Duration
	RetryMax  time.Duration
	// DisableFallback makes Respond fail with ErrProviderUnavailable instead
	// of producing a scripted reply.
	DisableFallback bool
	Temperature     float64
}

func (c Config) withDefaults() Config {
	if c.MemorySize <= 0 {
		c.MemorySize = 10
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 200 * time.Millisecond
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 2 * time.Second
	}
	if c.RetryMax < c.RetryBase {
		c.RetryMax = c.RetryBase
	}
	return c
}

type Option func(*Orchestrator)

func WithTracer(tracer trace.Tracer) Option {
	return func(o *Orchestrator) {
		if tracer != nil {
			o.tracer = tracer
		}
	}
}

func WithSink(sink analytics.Sink) Option {
	return func(o *Orchestrator) {
		if sink != nil {
			o.sink = sink
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

type Orchestrator struct {
	logger   zerolog.Logger
	conv     Conversation
	registry *model.Registry
	sink     analytics.Sink
	tracer   trace.Tracer
	cfg      Config
	now      func() time.Time
}

func New(logger zerolog.Logger, conv Conversation, registry *model.Registry, cfg Config, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		logger:   logger,
		conv:     conv,
		registry: registry,
		sink:     analytics.Nop(),
		tracer:   otel.Tracer("nvcstack.local/facilitator/orchestrator"),
		cfg:      cfg.withDefaults(),
		now:      time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return o
}

// Request describes the turn a reply is generated for.
type Request struct {
	SessionID string
	// ReplyTo is the user message being answered, if any.
	ReplyTo string
	// Prompt is appended as a final user turn without being stored, for
	// replies triggered by a step completion.
	Prompt string
	// StepID links the reply to a completed step.
	StepID       string
	QualityScore *int
}

// Respond produces and records the facilitator reply. It returns once a
// provider answered or every provider exhausted its attempts; then it falls
// back to a scripted reply unless fallback is disabled.
func (o *Orchestrator) Respond(ctx context.Context, req Request) (session.Message, error) {
	started := o.now()
	sess, err := o.conv.Get(ctx, req.SessionID)
	if err != nil {
		return session.Message{}, err
	}

	clarifyStep, clarify, err := o.conv.ConsumeClarification(ctx, req.SessionID)
	if err != nil {
		return session.Message{}, err
	}
	focus := sess.CurrentStep
	if clarify && clarifyStep != "" {
		focus = clarifyStep
	}

	history, err := o.conv.RecentMessages(ctx, req.SessionID, o.cfg.MemorySize)
	if err != nil {
		return session.Message{}, fmt.Errorf("load context window: %w", err)
	}
	completion := model.CompletionRequest{
		Messages:     buildWindow(history, req.Prompt),
		SystemPrompt: nvc.SystemPrompt(focus, sess.Context, clarify),
		Temperature:  o.cfg.Temperature,
	}

	meta := &session.MessageMetadata{
		StepType:     focus,
		StepID:       req.StepID,
		QualityScore: req.QualityScore,
		Clarifying:   clarify,
		ReplyTo:      req.ReplyTo,
	}

	content, failure := o.tryProviders(ctx, req.SessionID, completion, meta)
	if content == "" {
		if ctx.Err() != nil {
			return session.Message{}, ctx.Err()
		}
		if o.cfg.DisableFallback {
			return session.Message{}, fmt.Errorf("%w: %v", apperr.ErrProviderUnavailable, failure)
		}
		content = nvc.ScriptedReply(focus, sess.Context, clarify)
		meta.Provider = ScriptedProvider
		meta.Model = ""
		meta.Degraded = true
		meta.DegradedReason = failure.Error()
		o.logger.Warn().Str("session_id", req.SessionID).Str("reason", meta.DegradedReason).Msg("all providers exhausted, using scripted reply")
	}
	meta.LatencyMS = o.now().Sub(started).Milliseconds()

	msg, err := o.conv.RecordAIMessage(ctx, req.SessionID, content, meta)
	if err != nil {
		return session.Message{}, fmt.Errorf("record reply: %w", err)
	}

	metric := analytics.ResponseFromMessage(msg)
	o.sink.Record(ctx, analytics.Record{
		Kind:      analytics.KindResponse,
		SessionID: req.SessionID,
		UserID:    sess.UserID,
		At:        msg.Timestamp,
		Response:  &metric,
	})
	return msg, nil
}

var errNoProviders = errors.New("no providers enabled")

// tryProviders walks the enabled providers in priority order. It returns the
// reply text, or an empty string and the last failure.
func (o *Orchestrator) tryProviders(ctx context.Context, sessionID string, req model.CompletionRequest, meta *session.MessageMetadata) (string, error) {
	entries := o.registry.Snapshot()
	if len(entries) == 0 {
		return "", errNoProviders
	}

	var lastErr error
	for _, entry := range entries {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		resp, attempts, err := o.callProvider(ctx, sessionID, entry, req)
		meta.Attempts += attempts
		if err != nil {
			lastErr = fmt.Errorf("%s: %w", entry.Config.Name, err)
			o.logger.Warn().Err(err).Str("session_id", sessionID).Str("provider", entry.Config.Name).Int("attempts", attempts).Msg("provider exhausted")
			continue
		}
		meta.Provider = entry.Config.Name
		meta.Model = resp.Model
		meta.InputTokens = resp.Usage.InputTokens
		meta.OutputTokens = resp.Usage.OutputTokens
		return resp.Content, nil
	}
	return "", lastErr
}

func (o *Orchestrator) callProvider(ctx context.Context, sessionID string, entry model.Entry, req model.CompletionRequest) (model.CompletionResponse, int, error) {
	cfg := entry.Config
	req.Model = cfg.Model
	req.MaxTokens = cfg.MaxTokens

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = o.cfg.RetryBase
	b.MaxInterval = o.cfg.RetryMax
	b.Multiplier = 2
	b.RandomizationFactor = 0

	attempts := 0
	resp, err := backoff.Retry(ctx, func() (model.CompletionResponse, error) {
		attempts++
		resp, err := o.attempt(ctx, sessionID, entry, req, attempts)
		if err != nil && !model.IsRetryable(err) {
			return resp, backoff.Permanent(err)
		}
		return resp, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(cfg.MaxAttempts)),
		backoff.WithMaxElapsedTime(0),
	)
	return resp, attempts, err
}

// attempt makes one bounded call. The call runs in its own goroutine so a
// provider that ignores cancellation still cannot hold the caller past the
// timeout.
func (o *Orchestrator) attempt(ctx context.Context, sessionID string, entry model.Entry, req model.CompletionRequest, n int) (model.CompletionResponse, error) {
	cfg := entry.Config
	ctx, span := o.tracer.Start(ctx, "provider.complete", trace.WithAttributes(
		attribute.String("session.id", sessionID),
		attribute.String("provider.name", cfg.Name),
		attribute.String("provider.model", cfg.Model),
		attribute.Int("attempt", n),
	))
	defer span.End()

	callCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	type result struct {
		resp model.CompletionResponse
		err  error
	}
	done := make(chan result, 1)
	started := o.now()
	go func() {
		resp, err := entry.Provider.Complete(callCtx, req)
		done <- result{resp: resp, err: err}
	}()

	var res result
	select {
	case res = <-done:
	case <-callCtx.Done():
		res.err = callCtx.Err()
	}

	if res.err == nil && strings.TrimSpace(res.resp.Content) == "" {
		res.err = errors.New("empty completion")
	}
	if res.err != nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		res.err = fmt.Errorf("%w: %s after %s: %v", apperr.ErrProviderTimeout, cfg.Name, cfg.Timeout, res.err)
	}

	latency := o.now().Sub(started)
	if res.err != nil {
		span.RecordError(res.err)
		span.SetStatus(codes.Error, res.err.Error())
		o.logger.Debug().Err(res.err).Str("session_id", sessionID).Str("provider", cfg.Name).Int("attempt", n).Int64("latency_ms", latency.Milliseconds()).Msg("provider attempt failed")
		return model.CompletionResponse{}, res.err
	}
	span.SetAttributes(
		attribute.Int64("tokens.input", res.resp.Usage.InputTokens),
		attribute.Int64("tokens.output", res.resp.Usage.OutputTokens),
	)
	o.logger.Debug().Str("session_id", sessionID).Str("provider", cfg.Name).Int("attempt", n).Int64("latency_ms", latency.Milliseconds()).Msg("provider replied")
	return res.resp, nil
}

// buildWindow maps stored messages to provider turns. Providers expect the
// conversation to open with a user turn, so leading replies are dropped.
func buildWindow(history []session.Message, prompt string) []model.Message {
	out := make([]model.Message, 0, len(history)+1)
	for _, msg := range history {
		var role model.Role
		switch msg.Role {
		case session.RoleUser:
			role = model.RoleUser
		case session.RoleAI:
			role = model.RoleAssistant
		case session.RoleSystem:
			role = model.RoleSystem
		default:
			continue
		}
		if len(out) == 0 && role == model.RoleAssistant {
			continue
		}
		out = append(out, model.Message{Role: role, Content: msg.Content})
	}
	if strings.TrimSpace(prompt) != "" {
		out = append(out, model.Message{Role: model.RoleUser, Content: prompt})
	}
	if len(out) == 0 {
		out = append(out, model.Message{Role: model.RoleUser, Content: "I'd like to start."})
	}
	return out
}
