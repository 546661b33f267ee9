package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nvcstack.local/facilitator/internal/auth"
	"nvcstack.local/facilitator/internal/facilitation"
	"nvcstack.local/facilitator/internal/model"
	"nvcstack.local/facilitator/internal/nvc"
	"nvcstack.local/facilitator/internal/orchestrator"
	"nvcstack.local/facilitator/internal/ratelimit"
	"nvcstack.local/facilitator/internal/realtime"
	"nvcstack.local/facilitator/internal/reconcile"
	"nvcstack.local/facilitator/internal/session"
)

type apiFixture struct {
	server *httptest.Server
}

func newAPI(t *testing.T, mutate func(*Deps)) *apiFixture {
	t.Helper()
	logger := zerolog.Nop()
	machine := session.NewMachine(logger, session.NewMemoryStore(), nil)
	registry := model.NewRegistry()
	orch := orchestrator.New(logger, machine, registry, orchestrator.Config{})
	scheduler := session.NewScheduler(logger, 16, time.Minute)
	svc := facilitation.NewService(logger, machine, orch, scheduler,
		facilitation.WithRegistry(registry), facilitation.WithQueueSize(16))
	reconciler := reconcile.New(logger, svc)
	hub := realtime.NewHub(logger, svc, reconciler, machine.Updates(), realtime.Config{Heartbeat: time.Second})

	deps := Deps{
		Logger:      logger,
		AppName:     "NVC AI Facilitator",
		Version:     "test",
		Service:     svc,
		Reconciler:  reconciler,
		Hub:         hub,
		CORSOrigins: []string{"*"},
		Admins:      []string{"root"},
	}
	if mutate != nil {
		mutate(&deps)
	}
	srv := httptest.NewServer(NewHandler(deps))
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
		scheduler.Close()
		svc.Close()
	})
	return &apiFixture{server: srv}
}

func (f *apiFixture) do(t *testing.T, method, path, user string, body any) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, f.server.URL+path, reader)
	require.NoError(t, err)
	if user != "" {
		req.Header.Set(auth.UserHeader, user)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := f.server.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func (f *apiFixture) createSession(t *testing.T, user string) session.Session {
	t.Helper()
	resp := f.do(t, http.MethodPost, "/api/v1/sessions", user, map[string]any{
		"sessionType": "standard",
		"context":     map[string]any{"triggerDescription": "dishes <b>again</b>", "participants": []string{"Sam"}},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	return decode[session.Session](t, resp)
}

func TestHealthAndSecurityHeaders(t *testing.T) {
	api := newAPI(t, nil)
	resp := api.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[map[string]string](t, resp)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "test", body["version"])
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", resp.Header.Get("X-Frame-Options"))
}

func TestVocabularyAndGuidance(t *testing.T) {
	api := newAPI(t, nil)

	resp := api.do(t, http.MethodGet, "/api/v1/nvc/feelings", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	feelings := decode[map[string][]string](t, resp)
	assert.NotEmpty(t, feelings["feelings"])

	resp = api.do(t, http.MethodPost, "/api/v1/guidance", "", map[string]any{"stepType": "observation"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	g := decode[map[string]string](t, resp)
	assert.Equal(t, nvc.Guidance(nvc.StepObservation, nil), g["guidance"])

	resp = api.do(t, http.MethodPost, "/api/v1/guidance", "", map[string]any{"stepType": "judgement"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSessionLifecycle(t *testing.T) {
	api := newAPI(t, nil)
	sess := api.createSession(t, "alice")
	require.NotNil(t, sess.Context)
	assert.Equal(t, "dishes again", sess.Context.TriggerDescription)

	resp := api.do(t, http.MethodGet, "/api/v1/sessions/"+sess.ID, "bob", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	path := "/api/v1/sessions/" + sess.ID + "/steps/complete"
	resp = api.do(t, http.MethodPost, path, "alice", map[string]any{"stepType": "need", "userInput": "I need rest", "idempotencyKey": "x"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "invalid_transition", decode[errorBody](t, resp).Code)

	resp = api.do(t, http.MethodPost, path, "alice", map[string]any{"stepType": "observation", "userInput": "<script>x</script>", "idempotencyKey": "y"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	inputs := []struct{ step, input string }{
		{"observation", "When I saw the report was late"},
		{"feeling", "I feel frustrated"},
		{"need", "I need reliability and support"},
		{"request", "Would you be willing to send it by Friday?"},
	}
	for _, in := range inputs {
		body := map[string]any{"stepId": in.step, "userInput": in.input, "idempotencyKey": "k-" + in.step}
		resp = api.do(t, http.MethodPost, path, "alice", body)
		require.Equal(t, http.StatusCreated, resp.StatusCode, in.step)
		step := decode[session.Step](t, resp)
		assert.True(t, step.Completed)

		resp = api.do(t, http.MethodPost, path, "alice", body)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "true", resp.Header.Get(ReplayHeader))
		assert.Equal(t, step.ID, decode[session.Step](t, resp).ID)
	}

	resp = api.do(t, http.MethodGet, "/api/v1/sessions/"+sess.ID, "alice", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decode[session.Session](t, resp)
	assert.Equal(t, session.StatusCompleted, got.Status)
	assert.Equal(t, nvc.StepCompleted, got.CurrentStep)

	resp = api.do(t, http.MethodPost, "/api/v1/sessions/"+sess.ID+"/abandon", "alice", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = api.do(t, http.MethodGet, "/api/v1/sessions/"+sess.ID+"/analytics", "alice", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 4, decode[map[string]any](t, resp)["stepsCompleted"])
}

func TestMessagesAndReplies(t *testing.T) {
	api := newAPI(t, nil)
	sess := api.createSession(t, "alice")
	path := "/api/v1/sessions/" + sess.ID + "/messages"

	resp := api.do(t, http.MethodPost, path, "alice", map[string]any{"content": "I am upset about the dishes", "idempotencyKey": "m1"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	msg := decode[session.Message](t, resp)
	assert.Equal(t, session.RoleUser, msg.Role)

	resp = api.do(t, http.MethodPost, path, "alice", map[string]any{"content": "I am upset about the dishes", "idempotencyKey": "m1"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, msg.ID, decode[session.Message](t, resp).ID)

	require.Eventually(t, func() bool {
		resp := api.do(t, http.MethodGet, path+"?after=0", "alice", nil)
		items := decode[map[string][]session.Message](t, resp)["items"]
		return len(items) == 2 && items[1].Role == session.RoleAI
	}, 3*time.Second, 20*time.Millisecond)

	resp = api.do(t, http.MethodPost, path, "alice", map[string]any{"content": "hi", "unknown": true})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestListSessionsPaging(t *testing.T) {
	api := newAPI(t, nil)
	for i := 0; i < 3; i++ {
		api.createSession(t, "alice")
	}
	api.createSession(t, "bob")

	resp := api.do(t, http.MethodGet, "/api/v1/sessions?page=1&pageSize=2", "alice", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	page := decode[session.Page](t, resp)
	assert.Equal(t, 3, page.Total)
	assert.Len(t, page.Items, 2)
	assert.True(t, page.HasMore)

	resp = api.do(t, http.MethodGet, "/api/v1/sessions?page=x", "alice", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSyncEndpoint(t *testing.T) {
	api := newAPI(t, nil)
	sess := api.createSession(t, "alice")

	resp := api.do(t, http.MethodPost, "/api/v1/sessions/"+sess.ID+"/sync", "alice", map[string]any{
		"entries": []reconcile.Entry{
			{IdempotencyKey: "a", Action: reconcile.Action{Kind: reconcile.ActionSendMessage, Content: "offline note"}},
			{IdempotencyKey: "a", Action: reconcile.Action{Kind: reconcile.ActionSendMessage, Content: "offline note"}},
		},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	results := decode[map[string][]reconcile.Result](t, resp)["results"]
	require.Len(t, results, 2)
	assert.Equal(t, reconcile.OutcomeApplied, results[0].Outcome)
	assert.Equal(t, reconcile.OutcomeDuplicate, results[1].Outcome)
}

// flakyApplier accepts the first message and fails every later one.
type flakyApplier struct {
	calls int
}

func (f *flakyApplier) SendMessage(_ context.Context, _ string, req facilitation.SendMessageRequest) (session.Message, session.Outcome, <-chan facilitation.Reply, error) {
	f.calls++
	if f.calls > 1 {
		return session.Message{}, "", nil, errors.New("store unavailable")
	}
	return session.Message{ID: "m1", SessionID: req.SessionID, Role: session.RoleUser, Content: req.Content}, session.OutcomeApplied, nil, nil
}

func (f *flakyApplier) CompleteStep(context.Context, string, facilitation.CompleteStepRequest) (session.Step, session.Outcome, <-chan facilitation.Reply, error) {
	return session.Step{}, "", nil, errors.New("store unavailable")
}

func TestSyncEndpointReportsAppliedEntriesOnFailure(t *testing.T) {
	api := newAPI(t, func(d *Deps) {
		d.Reconciler = reconcile.New(zerolog.Nop(), &flakyApplier{})
	})
	sess := api.createSession(t, "alice")

	resp := api.do(t, http.MethodPost, "/api/v1/sessions/"+sess.ID+"/sync", "alice", map[string]any{
		"entries": []reconcile.Entry{
			{IdempotencyKey: "a", Action: reconcile.Action{Kind: reconcile.ActionSendMessage, Content: "first"}},
			{IdempotencyKey: "b", Action: reconcile.Action{Kind: reconcile.ActionSendMessage, Content: "second"}},
			{IdempotencyKey: "c", Action: reconcile.Action{Kind: reconcile.ActionSendMessage, Content: "third"}},
		},
	})
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	body := decode[errorBody](t, resp)
	assert.NotEmpty(t, body.Code)
	require.Len(t, body.Results, 1)
	assert.Equal(t, "a", body.Results[0].IdempotencyKey)
	assert.Equal(t, reconcile.OutcomeApplied, body.Results[0].Outcome)
}

func TestRateLimit(t *testing.T) {
	api := newAPI(t, func(d *Deps) {
		d.Limiter = ratelimit.New(60, ratelimit.WithBurst(1))
	})
	resp := api.do(t, http.MethodGet, "/api/v1/sessions", "alice", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = api.do(t, http.MethodGet, "/api/v1/sessions", "alice", nil)
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "1", resp.Header.Get("Retry-After"))
	assert.Equal(t, "rate_limit_exceeded", decode[errorBody](t, resp).Code)

	resp = api.do(t, http.MethodGet, "/api/v1/sessions", "bob", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestJWTAuthentication(t *testing.T) {
	verifier := auth.NewJWTVerifier(strings.Repeat("s", 32), "nvc", time.Hour)
	api := newAPI(t, func(d *Deps) { d.Verifier = verifier })

	resp := api.do(t, http.MethodGet, "/api/v1/sessions", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	token, err := verifier.Issue("alice", "")
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodGet, api.server.URL+"/api/v1/sessions", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	ok, err := api.server.Client().Do(req)
	require.NoError(t, err)
	defer ok.Body.Close()
	assert.Equal(t, http.StatusOK, ok.StatusCode)
}

func TestProviderToggleRequiresAdmin(t *testing.T) {
	api := newAPI(t, nil)
	resp := api.do(t, http.MethodPatch, "/api/v1/providers/openai", "alice", map[string]any{"enabled": false})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = api.do(t, http.MethodPatch, "/api/v1/providers/openai", "root", map[string]any{"enabled": false})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = api.do(t, http.MethodGet, "/api/v1/providers", "alice", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestCORSPreflight(t *testing.T) {
	api := newAPI(t, nil)
	req, err := http.NewRequest(http.MethodOptions, api.server.URL+"/api/v1/sessions", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", "POST")
	resp, err := api.server.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestWebsocketThroughMiddleware(t *testing.T) {
	api := newAPI(t, nil)
	sess := api.createSession(t, "alice")

	url := "ws" + strings.TrimPrefix(api.server.URL, "http") + "/api/v1/ws?user=alice"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer ws.Close()

	require.NoError(t, ws.WriteJSON(realtime.Event{
		Type:      realtime.EventJoinSession,
		SessionID: sess.ID,
		Payload:   &realtime.Join{},
		Timestamp: time.Now().UTC(),
	}))
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	var ev realtime.Event
	require.NoError(t, ws.ReadJSON(&ev))
	assert.Equal(t, realtime.EventSessionUpdate, ev.Type)
	assert.Equal(t, sess.ID, ev.Payload.(*realtime.SessionUpdate).Session.ID)
}
