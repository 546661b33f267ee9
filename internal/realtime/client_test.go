package realtime

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nvcstack.local/facilitator/internal/apperr"
	"nvcstack.local/facilitator/internal/kvstore"
	"nvcstack.local/facilitator/internal/nvc"
	"nvcstack.local/facilitator/internal/reconcile"
	"nvcstack.local/facilitator/internal/session"
)

func newTestClient(t *testing.T, cfg ClientConfig, queue *Queue) *Client {
	t.Helper()
	c, err := NewClient(zerolog.Nop(), cfg, queue)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func nextClientEvent(t *testing.T, c *Client, want EventType) Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-c.Events():
			if ev.Type == want {
				return ev
			}
		case err := <-c.Errors():
			t.Fatalf("client error: %v", err)
		case <-deadline:
			t.Fatalf("no %s event received", want)
		}
	}
}

func TestClientValidate(t *testing.T) {
	_, err := NewClient(zerolog.Nop(), ClientConfig{SessionID: "s"}, nil)
	assert.ErrorIs(t, err, apperr.ErrValidation)
	_, err = NewClient(zerolog.Nop(), ClientConfig{URL: "ws://x"}, nil)
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestClientFlushesOfflineQueueOnConnect(t *testing.T) {
	ctx := context.Background()
	stack := newTestStack(t)
	sess := stack.createSession(t, "alice")

	queue := NewQueue(kvstore.NewMemory(), sess.ID)
	c := newTestClient(t, ClientConfig{URL: stack.url("alice"), SessionID: sess.ID, DeviceID: "phone"}, queue)

	msgKey, err := c.SendMessage(ctx, "Written on the train")
	require.NoError(t, err)
	stepKey, err := c.CompleteStep(ctx, nvc.StepObservation, "I saw the dishes in the sink this morning")
	require.NoError(t, err)

	pending, err := queue.Load(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, msgKey, pending[0].IdempotencyKey)
	assert.Equal(t, "phone", pending[1].DeviceID)

	require.NoError(t, c.Connect(ctx))
	ev := nextClientEvent(t, c, EventSyncResult)
	results := ev.Payload.(*SyncResult).Results
	require.Len(t, results, 2)
	assert.Equal(t, reconcile.OutcomeApplied, results[0].Outcome)
	assert.Equal(t, stepKey, results[1].IdempotencyKey)
	assert.Equal(t, reconcile.OutcomeApplied, results[1].Outcome)

	require.Eventually(t, func() bool {
		left, err := queue.Load(ctx)
		return err == nil && len(left) == 0
	}, 2*time.Second, 10*time.Millisecond)

	got, err := stack.svc.GetSession(ctx, "alice", sess.ID)
	require.NoError(t, err)
	assert.Equal(t, nvc.StepFeeling, got.CurrentStep)
}

func TestClientSendsLiveAndTracksLastMessage(t *testing.T) {
	ctx := context.Background()
	stack := newTestStack(t)
	sess := stack.createSession(t, "alice")

	c := newTestClient(t, ClientConfig{URL: stack.url("alice"), SessionID: sess.ID}, NewQueue(kvstore.NewMemory(), sess.ID))
	require.NoError(t, c.Connect(ctx))
	nextClientEvent(t, c, EventSessionUpdate)

	_, err := c.SendMessage(ctx, "hello there")
	require.NoError(t, err)
	ev := nextClientEvent(t, c, EventMessageReceive)
	reply := ev.Payload.(*MessageReceive).Message
	assert.Equal(t, session.RoleAI, reply.Role)
	require.Eventually(t, func() bool { return c.LastMessageID() == reply.ID }, time.Second, 10*time.Millisecond)
}

func TestClientDialRetriesTransientFailures(t *testing.T) {
	stack := newTestStack(t)
	sess := stack.createSession(t, "alice")

	var calls atomic.Int32
	flaky := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			http.Error(w, "warming up", http.StatusServiceUnavailable)
			return
		}
		stack.hub.Serve(w, r, "alice")
	}))
	t.Cleanup(flaky.Close)

	c := newTestClient(t, ClientConfig{
		URL:         "ws" + strings.TrimPrefix(flaky.URL, "http"),
		SessionID:   sess.ID,
		MaxAttempts: 4,
		BaseDelay:   10 * time.Millisecond,
		MaxDelay:    50 * time.Millisecond,
	}, nil)
	require.NoError(t, c.Connect(context.Background()))
	nextClientEvent(t, c, EventSessionUpdate)
	assert.Equal(t, int32(3), calls.Load())
}

func TestClientDialGivesUp(t *testing.T) {
	var calls atomic.Int32
	refusing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	t.Cleanup(refusing.Close)

	c := newTestClient(t, ClientConfig{
		URL:         "ws" + strings.TrimPrefix(refusing.URL, "http"),
		SessionID:   "s",
		MaxAttempts: 3,
		BaseDelay:   5 * time.Millisecond,
	}, nil)
	err := c.Connect(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrConnectionLost)
	assert.Equal(t, int32(3), calls.Load())
}

func TestClientDialStopsOnUnauthorized(t *testing.T) {
	var calls atomic.Int32
	denied := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	t.Cleanup(denied.Close)

	c := newTestClient(t, ClientConfig{
		URL:         "ws" + strings.TrimPrefix(denied.URL, "http"),
		SessionID:   "s",
		MaxAttempts: 5,
		BaseDelay:   5 * time.Millisecond,
	}, nil)
	require.Error(t, c.Connect(context.Background()))
	assert.Equal(t, int32(1), calls.Load())
}
