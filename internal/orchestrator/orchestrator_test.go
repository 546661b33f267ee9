package orchestrator

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nvcstack.local/facilitator/internal/analytics"
	"nvcstack.local/facilitator/internal/apperr"
	"nvcstack.local/facilitator/internal/model"
	"nvcstack.local/facilitator/internal/nvc"
	"nvcstack.local/facilitator/internal/session"
)

type fakeProvider struct {
	calls   atomic.Int32
	reply   string
	err     error
	hang    bool
	ignores bool

	mu   sync.Mutex
	last model.CompletionRequest
}

func (p *fakeProvider) Complete(ctx context.Context, req model.CompletionRequest) (model.CompletionResponse, error) {
	p.calls.Add(1)
	p.mu.Lock()
	p.last = req
	p.mu.Unlock()
	if p.hang {
		if p.ignores {
			time.Sleep(time.Hour)
		}
		<-ctx.Done()
		return model.CompletionResponse{}, ctx.Err()
	}
	if p.err != nil {
		return model.CompletionResponse{}, p.err
	}
	return model.CompletionResponse{Content: p.reply, Model: "fake-1", Usage: model.Usage{InputTokens: 3, OutputTokens: 4}}, nil
}

func (p *fakeProvider) lastRequest() model.CompletionRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last
}

type recordingSink struct {
	mu      sync.Mutex
	records []analytics.Record
}

func (s *recordingSink) Record(_ context.Context, rec analytics.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
}

func setup(t *testing.T, cfg Config, providers ...model.Entry) (*Orchestrator, *session.Machine, *recordingSink, session.Session) {
	t.Helper()
	machine := session.NewMachine(zerolog.Nop(), session.NewMemoryStore(), nil)
	registry := model.NewRegistry()
	for _, entry := range providers {
		require.NoError(t, registry.Register(entry.Config, entry.Provider))
	}
	sink := &recordingSink{}
	o := New(zerolog.Nop(), machine, registry, cfg, WithSink(sink))

	sess, err := machine.CreateSession(context.Background(), "u1", "", &nvc.Context{TriggerDescription: "the late report"})
	require.NoError(t, err)
	return o, machine, sink, sess
}

func entry(name string, priority int, timeout time.Duration, attempts int, p model.Provider) model.Entry {
	return model.Entry{
		Config:   model.ProviderConfig{Name: name, Model: name + "-model", Priority: priority, Timeout: timeout, MaxAttempts: attempts, Enabled: true},
		Provider: p,
	}
}

var fastRetry = Config{RetryBase: 5 * time.Millisecond, RetryMax: 10 * time.Millisecond}

func TestRespondUsesPrimaryProvider(t *testing.T) {
	primary := &fakeProvider{reply: "What did you see?"}
	o, machine, sink, sess := setup(t, fastRetry, entry("primary", 1, time.Second, 2, primary))
	ctx := context.Background()

	user, _, err := machine.RecordUserMessage(ctx, sess.ID, "My colleague was late again", "", "")
	require.NoError(t, err)

	msg, err := o.Respond(ctx, Request{SessionID: sess.ID, ReplyTo: user.ID})
	require.NoError(t, err)
	assert.Equal(t, session.RoleAI, msg.Role)
	assert.Equal(t, "What did you see?", msg.Content)
	require.NotNil(t, msg.Metadata)
	assert.Equal(t, "primary", msg.Metadata.Provider)
	assert.Equal(t, "fake-1", msg.Metadata.Model)
	assert.Equal(t, 1, msg.Metadata.Attempts)
	assert.False(t, msg.Metadata.Degraded)
	assert.Equal(t, user.ID, msg.Metadata.ReplyTo)

	last := primary.lastRequest()
	assert.Equal(t, "primary-model", last.Model)
	require.Len(t, last.Messages, 1)
	assert.Equal(t, model.RoleUser, last.Messages[0].Role)
	assert.Contains(t, last.SystemPrompt, "the late report")

	require.Len(t, sink.records, 1)
	assert.Equal(t, analytics.KindResponse, sink.records[0].Kind)
	assert.Equal(t, "primary", sink.records[0].Response.Provider)
}

func TestRespondFallsBackWhenPrimaryTimesOut(t *testing.T) {
	primary := &fakeProvider{hang: true}
	secondary := &fakeProvider{reply: "How did that feel?"}
	o, _, _, sess := setup(t, fastRetry,
		entry("primary", 1, 30*time.Millisecond, 3, primary),
		entry("secondary", 2, time.Second, 2, secondary),
	)

	msg, err := o.Respond(context.Background(), Request{SessionID: sess.ID, Prompt: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "secondary", msg.Metadata.Provider)
	assert.EqualValues(t, 3, primary.calls.Load(), "primary retried up to its attempt limit")
	assert.Equal(t, 4, msg.Metadata.Attempts)
}

func TestRespondResolvesWithinBudgetWhenEverythingHangs(t *testing.T) {
	// One provider honours cancellation, the other ignores it entirely.
	first := &fakeProvider{hang: true}
	second := &fakeProvider{hang: true, ignores: true}
	o, _, _, sess := setup(t, fastRetry,
		entry("first", 1, 40*time.Millisecond, 2, first),
		entry("second", 2, 40*time.Millisecond, 2, second),
	)

	// 4 attempts x 40ms plus at most 3 retry delays of 10ms.
	budget := 4*40*time.Millisecond + 3*10*time.Millisecond
	start := time.Now()
	msg, err := o.Respond(context.Background(), Request{SessionID: sess.ID, Prompt: "hello"})
	elapsed := time.Since(start)
	require.NoError(t, err)

	assert.Less(t, elapsed, budget+500*time.Millisecond)
	assert.True(t, msg.Metadata.Degraded)
	assert.Equal(t, ScriptedProvider, msg.Metadata.Provider)
	assert.Contains(t, msg.Metadata.DegradedReason, "provider timeout")
	assert.Equal(t, nvc.ScriptedReply(nvc.StepObservation, sess.Context, false), msg.Content)
}

func TestRespondDoesNotRetryClientErrors(t *testing.T) {
	bad := &fakeProvider{err: &model.APIError{Provider: "bad", StatusCode: http.StatusBadRequest, Message: "bad request"}}
	o, _, _, sess := setup(t, fastRetry, entry("bad", 1, time.Second, 5, bad))

	msg, err := o.Respond(context.Background(), Request{SessionID: sess.ID, Prompt: "hello"})
	require.NoError(t, err)
	assert.EqualValues(t, 1, bad.calls.Load())
	assert.True(t, msg.Metadata.Degraded)
}

func TestRespondWithoutProvidersIsScripted(t *testing.T) {
	o, _, _, sess := setup(t, fastRetry)
	msg, err := o.Respond(context.Background(), Request{SessionID: sess.ID})
	require.NoError(t, err)
	assert.True(t, msg.Metadata.Degraded)
	assert.Zero(t, msg.Metadata.Attempts)
}

func TestRespondDisabledFallbackReportsUnavailable(t *testing.T) {
	cfg := fastRetry
	cfg.DisableFallback = true
	failing := &fakeProvider{err: errors.New("connection reset")}
	o, machine, _, sess := setup(t, cfg, entry("failing", 1, time.Second, 2, failing))

	_, err := o.Respond(context.Background(), Request{SessionID: sess.ID, Prompt: "hello"})
	require.ErrorIs(t, err, apperr.ErrProviderUnavailable)

	msgs, err := machine.RecentMessages(context.Background(), sess.ID, 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestRespondHonoursDisabledProviders(t *testing.T) {
	primary := &fakeProvider{reply: "primary"}
	secondary := &fakeProvider{reply: "secondary"}
	o, _, _, sess := setup(t, fastRetry,
		entry("primary", 1, time.Second, 1, primary),
		entry("secondary", 2, time.Second, 1, secondary),
	)
	require.NoError(t, o.registry.SetEnabled("primary", false))

	msg, err := o.Respond(context.Background(), Request{SessionID: sess.ID, Prompt: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "secondary", msg.Content)
	assert.Zero(t, primary.calls.Load())
}

func TestRespondUsesClarificationOnce(t *testing.T) {
	p := &fakeProvider{reply: "ok"}
	o, machine, _, sess := setup(t, fastRetry, entry("p", 1, time.Second, 1, p))
	ctx := context.Background()

	step, _, err := machine.CompleteStep(ctx, session.CompleteStepRequest{SessionID: sess.ID, StepType: nvc.StepObservation, UserInput: "You are always wrong and stupid"})
	require.NoError(t, err)

	msg, err := o.Respond(ctx, Request{SessionID: sess.ID, StepID: step.ID, Prompt: step.UserInput, QualityScore: &step.QualityScore})
	require.NoError(t, err)
	assert.True(t, msg.Metadata.Clarifying)
	assert.Equal(t, nvc.StepObservation, msg.Metadata.StepType)
	assert.Contains(t, p.lastRequest().SystemPrompt, nvc.ClarifyingGuidance(nvc.StepObservation))

	stored, err := machine.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "ok", stored.Steps[0].AIResponse)

	msg, err = o.Respond(ctx, Request{SessionID: sess.ID, Prompt: "next"})
	require.NoError(t, err)
	assert.False(t, msg.Metadata.Clarifying)
	assert.Equal(t, nvc.StepFeeling, msg.Metadata.StepType)
}

func TestBuildWindowDropsLeadingReplies(t *testing.T) {
	window := buildWindow([]session.Message{
		{Role: session.RoleAI, Content: "earlier reply"},
		{Role: session.RoleUser, Content: "hi"},
		{Role: session.RoleAI, Content: "hello"},
	}, "step answer")
	require.Len(t, window, 3)
	assert.Equal(t, model.RoleUser, window[0].Role)
	assert.Equal(t, "step answer", window[2].Content)

	assert.Len(t, buildWindow(nil, ""), 1)
}
