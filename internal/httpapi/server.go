package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"nvcstack.local/facilitator/internal/apperr"
	"nvcstack.local/facilitator/internal/auth"
	"nvcstack.local/facilitator/internal/facilitation"
	"nvcstack.local/facilitator/internal/nvc"
	"nvcstack.local/facilitator/internal/realtime"
	"nvcstack.local/facilitator/internal/reconcile"
	"nvcstack.local/facilitator/internal/session"
)

const maxBodyBytes int64 = 1 << 20

// ReplayHeader is set on responses that return the stored result of an
// earlier request with the same idempotency key.
const ReplayHeader = "Idempotent-Replay"

type Limiter interface {
	Allow(key string) error
}

type Deps struct {
	Logger     zerolog.Logger
	AppName    string
	Version    string
	Service    *facilitation.Service
	Reconciler *reconcile.Reconciler
	Hub        *realtime.Hub
	Verifier   auth.Verifier
	Limiter    Limiter
	// CORSOrigins lists origins allowed for browser calls; "*" allows any.
	CORSOrigins []string
	// Admins may toggle providers. Empty disables the toggle.
	Admins []string
}

type server struct {
	Deps
	admins map[string]bool
}

func NewServer(addr string, deps Deps) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           NewHandler(deps),
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func NewHandler(deps Deps) http.Handler {
	if deps.Verifier == nil {
		deps.Verifier = auth.HeaderVerifier{}
	}
	s := &server{Deps: deps, admins: make(map[string]bool, len(deps.Admins))}
	for _, a := range deps.Admins {
		if a = strings.TrimSpace(a); a != "" {
			s.admins[a] = true
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/v1/nvc/feelings", s.handleFeelings)
	mux.HandleFunc("GET /api/v1/nvc/needs", s.handleNeeds)
	mux.HandleFunc("GET /api/v1/nvc/examples", s.handleExamples)
	mux.HandleFunc("POST /api/v1/guidance", s.handleGuidance)

	mux.Handle("POST /api/v1/sessions", s.protected(s.handleCreateSession))
	mux.Handle("GET /api/v1/sessions", s.protected(s.handleListSessions))
	mux.Handle("GET /api/v1/sessions/{id}", s.protected(s.handleGetSession))
	mux.Handle("GET /api/v1/sessions/{id}/messages", s.protected(s.handleListMessages))
	mux.Handle("POST /api/v1/sessions/{id}/messages", s.protected(s.handleSendMessage))
	mux.Handle("POST /api/v1/sessions/{id}/steps/complete", s.protected(s.handleCompleteStep))
	mux.Handle("POST /api/v1/sessions/{id}/pause", s.protected(s.handleTransition(s.Service.Pause)))
	mux.Handle("POST /api/v1/sessions/{id}/resume", s.protected(s.handleTransition(s.Service.Resume)))
	mux.Handle("POST /api/v1/sessions/{id}/abandon", s.protected(s.handleTransition(s.Service.Abandon)))
	mux.Handle("POST /api/v1/sessions/{id}/sync", s.protected(s.handleSync))
	mux.Handle("GET /api/v1/sessions/{id}/analytics", s.protected(s.handleAnalytics))
	mux.Handle("GET /api/v1/providers", s.protected(s.handleProviders))
	mux.Handle("PATCH /api/v1/providers/{name}", s.protected(s.handleToggleProvider))
	if deps.Hub != nil {
		// The hub applies its own per-event limit.
		mux.Handle("GET /api/v1/ws", s.authenticated(s.handleWS))
	}

	return s.recoverer(s.securityHeaders(s.cors(s.accessLog(mux))))
}

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "healthy",
		"version":  s.Version,
		"app_name": s.AppName,
	})
}

func (s *server) handleFeelings(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"feelings": nvc.Feelings})
}

func (s *server) handleNeeds(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"needs": nvc.Needs})
}

func (s *server) handleExamples(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"examples": nvc.Examples})
}

type guidanceRequest struct {
	StepType nvc.StepType `json:"stepType"`
	Context  *nvc.Context `json:"context,omitempty"`
}

func (s *server) handleGuidance(w http.ResponseWriter, r *http.Request) {
	var req guidanceRequest
	if !decodeBody(w, r, &req) {
		return
	}
	step, err := nvc.ParseStepType(string(req.StepType))
	if err != nil {
		writeError(w, apperr.Invalidf("%v", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"stepType": step,
		"title":    step.Title(),
		"guidance": nvc.Guidance(step, req.Context),
	})
}

type createSessionRequest struct {
	SessionType string       `json:"sessionType"`
	Context     *nvc.Context `json:"context,omitempty"`
}

func (s *server) handleCreateSession(w http.ResponseWriter, r *http.Request, user string) {
	var req createSessionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	sess, err := s.Service.CreateSession(r.Context(), user, req.SessionType, req.Context)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (s *server) handleListSessions(w http.ResponseWriter, r *http.Request, user string) {
	page, err := queryInt(r, "page", 1)
	if err != nil {
		writeError(w, err)
		return
	}
	size, err := queryInt(r, "pageSize", session.DefaultPageSize)
	if err != nil {
		writeError(w, err)
		return
	}
	result, err := s.Service.ListSessions(r.Context(), user, page, size)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *server) handleGetSession(w http.ResponseWriter, r *http.Request, user string) {
	sess, err := s.Service.GetSession(r.Context(), user, r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *server) handleListMessages(w http.ResponseWriter, r *http.Request, user string) {
	after, err := queryInt(r, "after", 0)
	if err != nil {
		writeError(w, err)
		return
	}
	msgs, err := s.Service.MessagesAfter(r.Context(), user, r.PathValue("id"), int64(after))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": msgs})
}

type sendMessageRequest struct {
	Content        string `json:"content"`
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
	DeviceID       string `json:"deviceId,omitempty"`
}

// handleSendMessage returns the stored user message. The facilitator reply
// is delivered over the websocket and through the messages listing.
func (s *server) handleSendMessage(w http.ResponseWriter, r *http.Request, user string) {
	var req sendMessageRequest
	if !decodeBody(w, r, &req) {
		return
	}
	key := firstNonEmpty(req.IdempotencyKey, r.Header.Get("Idempotency-Key"))
	msg, outcome, _, err := s.Service.SendMessage(r.Context(), user, facilitation.SendMessageRequest{
		SessionID:      r.PathValue("id"),
		Content:        req.Content,
		IdempotencyKey: key,
		DeviceID:       req.DeviceID,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeOutcome(w, outcome, msg)
}

type completeStepRequest struct {
	StepType nvc.StepType `json:"stepType"`
	// StepID is accepted as an alias of StepType; steps are addressed by
	// type until they are completed.
	StepID         string `json:"stepId,omitempty"`
	UserInput      string `json:"userInput"`
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
	DeviceID       string `json:"deviceId,omitempty"`
}

func (s *server) handleCompleteStep(w http.ResponseWriter, r *http.Request, user string) {
	var req completeStepRequest
	if !decodeBody(w, r, &req) {
		return
	}
	step, err := nvc.ParseStepType(firstNonEmpty(string(req.StepType), req.StepID))
	if err != nil {
		writeError(w, apperr.Invalidf("%v", err))
		return
	}
	result, outcome, _, err := s.Service.CompleteStep(r.Context(), user, facilitation.CompleteStepRequest{
		SessionID:      r.PathValue("id"),
		StepType:       step,
		UserInput:      req.UserInput,
		IdempotencyKey: firstNonEmpty(req.IdempotencyKey, r.Header.Get("Idempotency-Key")),
		DeviceID:       req.DeviceID,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeOutcome(w, outcome, result)
}

type transitionFunc func(ctx context.Context, userID, sessionID string) (session.Session, error)

func (s *server) handleTransition(fn transitionFunc) userHandler {
	return func(w http.ResponseWriter, r *http.Request, user string) {
		sess, err := fn(r.Context(), user, r.PathValue("id"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, sess)
	}
}

type syncRequest struct {
	Entries []reconcile.Entry `json:"entries"`
}

func (s *server) handleSync(w http.ResponseWriter, r *http.Request, user string) {
	if s.Reconciler == nil {
		writeError(w, fmt.Errorf("%w: sync is not enabled", apperr.ErrNotFound))
		return
	}
	var req syncRequest
	if !decodeBody(w, r, &req) {
		return
	}
	results, err := s.Reconciler.Reconcile(r.Context(), user, r.PathValue("id"), req.Entries)
	if err != nil {
		// Entries before the failure were applied; report them so the client
		// can drop them from its queue.
		status, body := errorResponse(w, err)
		body.Results = results
		writeJSON(w, status, body)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

func (s *server) handleAnalytics(w http.ResponseWriter, r *http.Request, user string) {
	summary, err := s.Service.Analytics(r.Context(), user, r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *server) handleProviders(w http.ResponseWriter, _ *http.Request, _ string) {
	writeJSON(w, http.StatusOK, map[string]any{"items": s.Service.Providers()})
}

type toggleProviderRequest struct {
	Enabled *bool `json:"enabled"`
}

func (s *server) handleToggleProvider(w http.ResponseWriter, r *http.Request, user string) {
	if !s.admins[user] {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	var req toggleProviderRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Enabled == nil {
		writeError(w, apperr.Invalidf("enabled is required"))
		return
	}
	if err := s.Service.SetProviderEnabled(r.PathValue("name"), *req.Enabled); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": s.Service.Providers()})
}

func (s *server) handleWS(w http.ResponseWriter, r *http.Request, user string) {
	s.Hub.Serve(w, r, user)
}

func decodeBody(w http.ResponseWriter, r *http.Request, out any) bool {
	defer r.Body.Close()
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, apperr.Invalidf("invalid json: %v", err))
		return false
	}
	if dec.More() {
		writeError(w, apperr.Invalidf("invalid json: trailing content"))
		return false
	}
	return true
}

func queryInt(r *http.Request, name string, fallback int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, apperr.Invalidf("%s must be a non-negative integer", name)
	}
	return v, nil
}

func writeOutcome(w http.ResponseWriter, outcome session.Outcome, body any) {
	if outcome == session.OutcomeDuplicate {
		w.Header().Set(ReplayHeader, "true")
		writeJSON(w, http.StatusOK, body)
		return
	}
	writeJSON(w, http.StatusCreated, body)
}

type errorBody struct {
	Error   string             `json:"error"`
	Code    string             `json:"code"`
	Message string             `json:"message"`
	Results []reconcile.Result `json:"results,omitempty"`
}

func writeError(w http.ResponseWriter, err error) {
	status, body := errorResponse(w, err)
	writeJSON(w, status, body)
}

// errorResponse maps err to a status and body and sets Retry-After when the
// error carries a delay.
func errorResponse(w http.ResponseWriter, err error) (int, errorBody) {
	status := apperr.HTTPStatus(err)
	if wait, ok := apperr.RetryAfter(err); ok {
		secs := int((wait + time.Second - 1) / time.Second)
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal error"
	}
	return status, errorBody{Error: http.StatusText(status), Code: apperr.Code(err), Message: msg}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
