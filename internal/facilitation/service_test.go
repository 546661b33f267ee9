package facilitation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nvcstack.local/facilitator/internal/analytics"
	"nvcstack.local/facilitator/internal/apperr"
	"nvcstack.local/facilitator/internal/model"
	"nvcstack.local/facilitator/internal/nvc"
	"nvcstack.local/facilitator/internal/orchestrator"
	"nvcstack.local/facilitator/internal/session"
)

type captureSink struct {
	mu      sync.Mutex
	records []analytics.Record
}

func (c *captureSink) Record(_ context.Context, rec analytics.Record) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = append(c.records, rec)
}

func (c *captureSink) summaries() []analytics.Summary {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []analytics.Summary
	for _, rec := range c.records {
		if rec.Kind == analytics.KindSessionSummary && rec.Summary != nil {
			out = append(out, *rec.Summary)
		}
	}
	return out
}

type blockingResponder struct {
	release chan struct{}
	calls   int
	mu      sync.Mutex
}

func (b *blockingResponder) Respond(ctx context.Context, req orchestrator.Request) (session.Message, error) {
	b.mu.Lock()
	b.calls++
	b.mu.Unlock()
	select {
	case <-b.release:
		return session.Message{SessionID: req.SessionID, Role: session.RoleAI, Content: "ok"}, nil
	case <-ctx.Done():
		return session.Message{}, ctx.Err()
	}
}

type fixture struct {
	svc     *Service
	machine *session.Machine
	sink    *captureSink
}

func newFixture(t *testing.T, responder Responder) fixture {
	t.Helper()
	logger := zerolog.Nop()
	machine := session.NewMachine(logger, session.NewMemoryStore(), nil)
	registry := model.NewRegistry()
	if responder == nil {
		responder = orchestrator.New(logger, machine, registry, orchestrator.Config{})
	}
	scheduler := session.NewScheduler(logger, 4, time.Minute)
	sink := &captureSink{}
	svc := NewService(logger, machine, responder, scheduler,
		WithSink(sink), WithRegistry(registry), WithQueueSize(4))
	t.Cleanup(func() {
		scheduler.Close()
		svc.Close()
	})
	return fixture{svc: svc, machine: machine, sink: sink}
}

func awaitReply(t *testing.T, replies <-chan Reply) Reply {
	t.Helper()
	require.NotNil(t, replies)
	select {
	case r := <-replies:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("reply not delivered")
		return Reply{}
	}
}

func TestSendMessageSchedulesReply(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	sess, err := f.svc.CreateSession(ctx, "alice", "", nil)
	require.NoError(t, err)

	msg, outcome, replies, err := f.svc.SendMessage(ctx, "alice", SendMessageRequest{
		SessionID: sess.ID, Content: "My flatmate left dishes again", IdempotencyKey: "k1",
	})
	require.NoError(t, err)
	assert.Equal(t, session.OutcomeApplied, outcome)
	assert.Equal(t, session.RoleUser, msg.Role)

	reply := awaitReply(t, replies)
	require.NoError(t, reply.Err)
	assert.Equal(t, session.RoleAI, reply.Message.Role)
	require.NotNil(t, reply.Message.Metadata)
	assert.True(t, reply.Message.Metadata.Degraded)

	_, outcome, replies, err = f.svc.SendMessage(ctx, "alice", SendMessageRequest{
		SessionID: sess.ID, Content: "My flatmate left dishes again", IdempotencyKey: "k1",
	})
	require.NoError(t, err)
	assert.Equal(t, session.OutcomeDuplicate, outcome)
	assert.Nil(t, replies)

	full, err := f.svc.GetSession(ctx, "alice", sess.ID)
	require.NoError(t, err)
	assert.Len(t, full.Messages, 2)
}

func TestReplyStatesBracketReply(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	var mu sync.Mutex
	var states []ReplyState
	dispose := f.svc.ReplyStates().Subscribe(func(s ReplyState) {
		mu.Lock()
		defer mu.Unlock()
		states = append(states, s)
	})
	t.Cleanup(dispose)

	sess, err := f.svc.CreateSession(ctx, "alice", "", nil)
	require.NoError(t, err)
	_, _, replies, err := f.svc.SendMessage(ctx, "alice", SendMessageRequest{
		SessionID: sess.ID, Content: "My flatmate left dishes again", IdempotencyKey: "k1",
	})
	require.NoError(t, err)
	require.NoError(t, awaitReply(t, replies).Err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(states) == 2
	}, 5*time.Second, 10*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []ReplyState{
		{SessionID: sess.ID, Pending: true},
		{SessionID: sess.ID, Pending: false},
	}, states)
}

func TestOwnershipHidesSessions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	sess, err := f.svc.CreateSession(ctx, "alice", "", nil)
	require.NoError(t, err)

	_, err = f.svc.GetSession(ctx, "mallory", sess.ID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	_, _, _, err = f.svc.SendMessage(ctx, "mallory", SendMessageRequest{SessionID: sess.ID, Content: "hi"})
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	_, err = f.svc.Abandon(ctx, "mallory", sess.ID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestCompleteAllStepsEmitsSummary(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	sess, err := f.svc.CreateSession(ctx, "alice", "", nil)
	require.NoError(t, err)

	inputs := map[nvc.StepType]string{
		nvc.StepObservation: "On Monday I saw three plates left in the sink after dinner",
		nvc.StepFeeling:     "I feel frustrated and tired",
		nvc.StepNeed:        "I need order and support at home",
		nvc.StepRequest:     "Would you be willing to wash your plates before 10pm tonight?",
	}
	for _, st := range nvc.Order {
		step, outcome, replies, err := f.svc.CompleteStep(ctx, "alice", CompleteStepRequest{
			SessionID: sess.ID, StepType: st, UserInput: inputs[st], IdempotencyKey: "step-" + string(st),
		})
		require.NoError(t, err)
		assert.Equal(t, session.OutcomeApplied, outcome)
		assert.Equal(t, st, step.Type)
		reply := awaitReply(t, replies)
		require.NoError(t, reply.Err)
		assert.Equal(t, step.ID, reply.Message.Metadata.StepID)
	}

	require.Eventually(t, func() bool { return len(f.sink.summaries()) == 1 }, 2*time.Second, 10*time.Millisecond)
	summary := f.sink.summaries()[0]
	assert.Equal(t, session.StatusCompleted, summary.Status)
	assert.Equal(t, 4, summary.StepsCompleted)

	got, err := f.svc.Analytics(ctx, "alice", sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, got.StepsCompleted)
}

func TestAbandonCancelsQueuedReplies(t *testing.T) {
	ctx := context.Background()
	responder := &blockingResponder{release: make(chan struct{})}
	f := newFixture(t, responder)

	sess, err := f.svc.CreateSession(ctx, "alice", "", nil)
	require.NoError(t, err)

	_, _, first, err := f.svc.SendMessage(ctx, "alice", SendMessageRequest{SessionID: sess.ID, Content: "one", IdempotencyKey: "a"})
	require.NoError(t, err)
	_, _, second, err := f.svc.SendMessage(ctx, "alice", SendMessageRequest{SessionID: sess.ID, Content: "two", IdempotencyKey: "b"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		responder.mu.Lock()
		defer responder.mu.Unlock()
		return responder.calls == 1
	}, 2*time.Second, 5*time.Millisecond)

	abandoned, err := f.svc.Abandon(ctx, "alice", sess.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusAbandoned, abandoned.Status)
	close(responder.release)

	assert.NoError(t, awaitReply(t, first).Err)
	cancelled := awaitReply(t, second)
	assert.True(t, errors.Is(cancelled.Err, context.Canceled))

	responder.mu.Lock()
	assert.Equal(t, 1, responder.calls)
	responder.mu.Unlock()

	require.Eventually(t, func() bool { return len(f.sink.summaries()) == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestSendMessageRejectsWhenQueueFull(t *testing.T) {
	ctx := context.Background()
	responder := &blockingResponder{release: make(chan struct{})}
	f := newFixture(t, responder)
	t.Cleanup(func() { close(responder.release) })

	sess, err := f.svc.CreateSession(ctx, "alice", "", nil)
	require.NoError(t, err)

	var rejected error
	for i := 0; i < 10 && rejected == nil; i++ {
		_, _, _, rejected = f.svc.SendMessage(ctx, "alice", SendMessageRequest{SessionID: sess.ID, Content: "msg"})
	}
	require.Error(t, rejected)
	assert.ErrorIs(t, rejected, apperr.ErrRateLimitExceeded)
}

func TestProviderToggle(t *testing.T) {
	f := newFixture(t, nil)
	err := f.svc.SetProviderEnabled("missing", false)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	assert.Empty(t, f.svc.Providers())
}
