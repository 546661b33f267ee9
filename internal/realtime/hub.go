// Package realtime exposes sessions over websocket rooms: one room per
// session, fed by the session machine's update stream.
package realtime

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"nvcstack.local/facilitator/internal/apperr"
	"nvcstack.local/facilitator/internal/events"
	"nvcstack.local/facilitator/internal/facilitation"
	"nvcstack.local/facilitator/internal/ids"
	"nvcstack.local/facilitator/internal/reconcile"
	"nvcstack.local/facilitator/internal/session"
)

const (
	DefaultHeartbeat   = 30 * time.Second
	DefaultSendBuffer  = 64
	DefaultReplayLimit = 256

	maxInboundBytes = 64 << 10
	writeTimeout    = 10 * time.Second

	// FacilitatorTypist is the typing identity used while a reply is pending.
	FacilitatorTypist = "facilitator"
)

// Service is what the hub needs from the facilitation layer.
type Service interface {
	GetSession(ctx context.Context, userID, sessionID string) (session.Session, error)
	SendMessage(ctx context.Context, userID string, req facilitation.SendMessageRequest) (session.Message, session.Outcome, <-chan facilitation.Reply, error)
	CompleteStep(ctx context.Context, userID string, req facilitation.CompleteStepRequest) (session.Step, session.Outcome, <-chan facilitation.Reply, error)
	MessagesAfter(ctx context.Context, userID, sessionID string, afterSequence int64) ([]session.Message, error)
	Message(ctx context.Context, userID, sessionID, messageID string) (session.Message, error)
	ReplyStates() *events.Bus[facilitation.ReplyState]
}

type Reconciler interface {
	Reconcile(ctx context.Context, userID, sessionID string, entries []reconcile.Entry) ([]reconcile.Result, error)
}

// Limiter throttles inbound events per user.
type Limiter interface {
	Allow(key string) error
}

type Config struct {
	Heartbeat   time.Duration
	SendBuffer  int
	ReplayLimit int
	// AllowedOrigins lists hosts allowed in the Origin header besides the
	// request host.
	AllowedOrigins []string
}

func (c Config) withDefaults() Config {
	if c.Heartbeat <= 0 {
		c.Heartbeat = DefaultHeartbeat
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = DefaultSendBuffer
	}
	if c.ReplayLimit <= 0 {
		c.ReplayLimit = DefaultReplayLimit
	}
	return c
}

type Hub struct {
	logger     zerolog.Logger
	cfg        Config
	svc        Service
	reconciler Reconciler
	limiter    Limiter
	upgrader   websocket.Upgrader
	now        func() time.Time

	mu      sync.Mutex
	rooms   map[string]*room
	conns   map[*conn]struct{}
	dispose func()
	closed  bool
}

type Option func(*Hub)

func WithLimiter(l Limiter) Option {
	return func(h *Hub) {
		h.limiter = l
	}
}

func WithClock(now func() time.Time) Option {
	return func(h *Hub) {
		if now != nil {
			h.now = now
		}
	}
}

// NewHub subscribes to updates. Updates for sessions nobody has joined are
// dropped; clients recover them with a reconnect event.
func NewHub(logger zerolog.Logger, svc Service, reconciler Reconciler, updates *events.Bus[session.Update], cfg Config, opts ...Option) *Hub {
	h := &Hub{
		logger:     logger,
		cfg:        cfg.withDefaults(),
		svc:        svc,
		reconciler: reconciler,
		now:        func() time.Time { return time.Now().UTC() },
		rooms:      make(map[string]*room),
		conns:      make(map[*conn]struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	h.upgrader = websocket.Upgrader{CheckOrigin: h.originAllowed}
	disposeUpdates := updates.Subscribe(h.onUpdate)
	disposeReplies := svc.ReplyStates().Subscribe(h.onReplyState)
	h.dispose = func() {
		disposeUpdates()
		disposeReplies()
	}
	return h
}

// Serve upgrades the request and runs the connection until it closes.
// userID must already be authenticated.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, userID string) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	ws.SetReadLimit(maxInboundBytes)

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	c := &conn{
		id:     ids.New(),
		hub:    h,
		ws:     ws,
		userID: userID,
		send:   make(chan Event, h.cfg.SendBuffer),
		ctx:    ctx,
		cancel: cancel,
		joined: make(map[string]membership),
		seen:   make(map[string]map[string]struct{}),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = ws.Close()
		cancel()
		return
	}
	h.conns[c] = struct{}{}
	h.mu.Unlock()

	h.logger.Debug().Str("conn_id", c.id).Str("user_id", userID).Msg("websocket connected")
	go c.writeLoop()
	c.readLoop()
}

// Close disconnects every client and stops listening for updates.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	conns := make([]*conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	h.dispose()
	for _, c := range conns {
		c.close()
	}
}

// Connections reports how many connections have joined sessionID.
func (h *Hub) Connections(sessionID string) int {
	h.mu.Lock()
	rm := h.rooms[sessionID]
	h.mu.Unlock()
	if rm == nil {
		return 0
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return len(rm.conns)
}

func (h *Hub) originAllowed(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	parsed, err := url.Parse(origin)
	if err != nil || strings.TrimSpace(parsed.Host) == "" {
		return false
	}
	if strings.EqualFold(parsed.Host, r.Host) {
		return true
	}
	for _, allowed := range h.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(strings.TrimSpace(allowed), parsed.Host) {
			return true
		}
	}
	return false
}

func (h *Hub) room(sessionID string) *room {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.rooms[sessionID]
}

// roomFor returns the room for sessionID, creating it if needed. The caller
// must add a connection before calling releaseRoom.
func (h *Hub) roomFor(sessionID string) *room {
	h.mu.Lock()
	defer h.mu.Unlock()
	rm, ok := h.rooms[sessionID]
	if !ok {
		rm = &room{
			sessionID: sessionID,
			conns:     make(map[*conn]struct{}),
			typing:    make(map[string]Typing),
			limit:     h.cfg.ReplayLimit,
		}
		h.rooms[sessionID] = rm
	}
	rm.refs++
	return rm
}

func (h *Hub) releaseRoom(rm *room) {
	h.mu.Lock()
	defer h.mu.Unlock()
	rm.refs--
	if rm.refs <= 0 {
		delete(h.rooms, rm.sessionID)
	}
}

func (h *Hub) forget(c *conn) {
	h.mu.Lock()
	delete(h.conns, c)
	h.mu.Unlock()
}

// onUpdate runs under the session lock; it only enqueues.
func (h *Hub) onUpdate(u session.Update) {
	rm := h.room(u.Session.ID)
	if rm == nil {
		return
	}
	now := h.now()

	switch u.Kind {
	case session.UpdateMessageAdded:
		if u.Message == nil {
			return
		}
		msg := *u.Message
		if msg.Role == session.RoleAI {
			rm.broadcast(Event{Type: EventMessageReceive, SessionID: msg.SessionID, Payload: &MessageReceive{Message: msg}, Timestamp: now}, nil)
			return
		}
		p := &SendMessage{Content: msg.Content, Message: &msg}
		if msg.Metadata != nil {
			p.IdempotencyKey = msg.Metadata.IdempotencyKey
			p.DeviceID = msg.Metadata.DeviceID
		}
		rm.broadcast(Event{Type: EventSendMessage, SessionID: msg.SessionID, Payload: p, Timestamp: now}, nil)

	case session.UpdateStepCompleted:
		if u.Step != nil {
			step := *u.Step
			rm.broadcast(Event{Type: EventStepComplete, SessionID: u.Session.ID, Payload: &StepComplete{
				StepType:       step.Type,
				UserInput:      step.UserInput,
				IdempotencyKey: step.IdempotencyKey,
				Step:           &step,
			}, Timestamp: now}, nil)
		}
		rm.broadcast(sessionUpdateEvent(u, now), nil)

	case session.UpdateAbandoned:
		rm.broadcast(sessionUpdateEvent(u, now), nil)
		rm.clearTyping(now)

	default:
		rm.broadcast(sessionUpdateEvent(u, now), nil)
	}
}

// onReplyState shows the facilitator as typing while any reply for the
// session is queued or running.
func (h *Hub) onReplyState(st facilitation.ReplyState) {
	rm := h.room(st.SessionID)
	if rm == nil {
		return
	}
	rm.replyState(st.Pending, h.now())
}

func sessionUpdateEvent(u session.Update, now time.Time) Event {
	return Event{
		Type:      EventSessionUpdate,
		SessionID: u.Session.ID,
		Payload: &SessionUpdate{
			Kind:               u.Kind,
			Session:            u.Session,
			NeedsClarification: u.NeedsClarification,
		},
		Timestamp: now,
	}
}

// room is the set of connections joined to one session together with the
// recent broadcast log used for resync.
type room struct {
	sessionID string
	limit     int

	mu      sync.Mutex
	refs    int
	pending int
	seq     int64
	log     []Event
	conns   map[*conn]struct{}
	typing  map[string]Typing
}

// broadcast assigns the next sequence number and enqueues ev to every
// connection except skip.
func (rm *room) broadcast(ev Event, skip *conn) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.broadcastLocked(ev, skip)
}

func (rm *room) broadcastLocked(ev Event, skip *conn) {
	rm.seq++
	ev.Seq = rm.seq
	if ev.EventID == "" {
		ev.EventID = ids.New()
	}
	rm.log = append(rm.log, ev)
	if len(rm.log) > rm.limit {
		rm.log = append([]Event(nil), rm.log[len(rm.log)-rm.limit:]...)
	}
	for c := range rm.conns {
		if c != skip {
			c.deliver(ev)
		}
	}
}

func (rm *room) setTyping(key string, t Typing, on bool, now time.Time, skip *conn) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.setTypingLocked(key, t, on, now, skip)
}

func (rm *room) setTypingLocked(key string, t Typing, on bool, now time.Time, skip *conn) {
	_, active := rm.typing[key]
	switch {
	case on && !active:
		rm.typing[key] = t
		rm.broadcastLocked(Event{Type: EventTypingStart, SessionID: rm.sessionID, Payload: &t, Timestamp: now}, skip)
	case !on && active:
		delete(rm.typing, key)
		rm.broadcastLocked(Event{Type: EventTypingEnd, SessionID: rm.sessionID, Payload: &t, Timestamp: now}, skip)
	}
}

// replyState counts queued facilitator replies. Done states for replies
// queued before the room existed, or before clearTyping, are ignored.
func (rm *room) replyState(pending bool, now time.Time) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	switch {
	case pending:
		rm.pending++
	case rm.pending > 0:
		rm.pending--
	default:
		return
	}
	rm.setTypingLocked(FacilitatorTypist, Typing{UserID: FacilitatorTypist}, rm.pending > 0, now, nil)
}

func (rm *room) clearTyping(now time.Time) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.pending = 0
	for key, t := range rm.typing {
		t := t
		delete(rm.typing, key)
		rm.broadcastLocked(Event{Type: EventTypingEnd, SessionID: rm.sessionID, Payload: &t, Timestamp: now}, nil)
	}
}

// replayAfterLocked returns the logged events after the one carrying
// messageID, up to and including upTo. ok is false when the message is not in the log.
func (rm *room) replayAfterLocked(messageID string, upTo int64) ([]Event, bool) {
	for i, ev := range rm.log {
		if eventMessageID(ev) != messageID {
			continue
		}
		var out []Event
		for _, later := range rm.log[i+1:] {
			if later.Seq > upTo {
				break
			}
			out = append(out, later)
		}
		return out, true
	}
	return nil, false
}

func eventMessageID(ev Event) string {
	switch p := ev.Payload.(type) {
	case *SendMessage:
		if p.Message != nil {
			return p.Message.ID
		}
	case *MessageReceive:
		return p.Message.ID
	}
	return ""
}

func messageEvent(msg session.Message, now time.Time) Event {
	if msg.Role == session.RoleAI {
		return Event{Type: EventMessageReceive, SessionID: msg.SessionID, Payload: &MessageReceive{Message: msg}, Timestamp: now}
	}
	m := msg
	return Event{Type: EventSendMessage, SessionID: msg.SessionID, Payload: &SendMessage{Content: msg.Content, Message: &m}, Timestamp: now}
}

func isClientGone(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) ||
		errors.Is(err, websocket.ErrCloseSent)
}

var errNotJoined = apperr.Invalidf("join_session is required before session events")
