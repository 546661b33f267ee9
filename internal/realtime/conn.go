package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"nvcstack.local/facilitator/internal/apperr"
	"nvcstack.local/facilitator/internal/facilitation"
	"nvcstack.local/facilitator/internal/session"
)

type membership struct {
	room     *room
	joinSeq  int64
	deviceID string
}

type conn struct {
	id     string
	hub    *Hub
	ws     *websocket.Conn
	userID string
	send   chan Event
	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once

	mu     sync.Mutex
	joined map[string]membership
	// seen holds the message ids delivered per session so resync never
	// repeats one.
	seen map[string]map[string]struct{}
}

// deliver enqueues ev without blocking unless the connection already has
// the message it carries. A connection that cannot keep up is closed; it
// resyncs when it reconnects.
func (c *conn) deliver(ev Event) {
	if !c.firstSight(ev) {
		return
	}
	c.enqueue(ev)
}

func (c *conn) enqueue(ev Event) {
	if c.ctx.Err() != nil {
		return
	}
	select {
	case c.send <- ev:
	default:
		c.hub.logger.Warn().Str("conn_id", c.id).Str("user_id", c.userID).Msg("send buffer full, closing connection")
		c.close()
	}
}

// deliverWait is deliver for replays, which may exceed the send buffer. It
// waits for the writer up to writeTimeout before giving up on the connection.
func (c *conn) deliverWait(ev Event) bool {
	if !c.firstSight(ev) {
		return true
	}
	timer := time.NewTimer(writeTimeout)
	defer timer.Stop()
	select {
	case c.send <- ev:
		return true
	case <-c.ctx.Done():
		return false
	case <-timer.C:
		c.hub.logger.Warn().Str("conn_id", c.id).Str("user_id", c.userID).Msg("resync stalled, closing connection")
		c.close()
		return false
	}
}

// firstSight records the message carried by ev and reports whether this
// connection had not been sent it before.
func (c *conn) firstSight(ev Event) bool {
	id := eventMessageID(ev)
	if id == "" {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	seen, ok := c.seen[ev.SessionID]
	if !ok {
		seen = make(map[string]struct{})
		c.seen[ev.SessionID] = seen
	}
	if _, dup := seen[id]; dup {
		return false
	}
	seen[id] = struct{}{}
	return true
}

func (c *conn) close() {
	c.closeOnce.Do(func() {
		c.cancel()
		_ = c.ws.Close()
	})
}

func (c *conn) pongWait() time.Duration {
	return 2 * c.hub.cfg.Heartbeat
}

func (c *conn) readLoop() {
	defer c.cleanup()

	_ = c.ws.SetReadDeadline(time.Now().Add(c.pongWait()))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.pongWait()))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if !isClientGone(err) && c.ctx.Err() == nil {
				c.hub.logger.Debug().Err(err).Str("conn_id", c.id).Msg("websocket read ended")
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(c.pongWait()))

		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			if !errors.Is(err, apperr.ErrValidation) {
				err = apperr.Invalidf("decode event: %v", err)
			}
			c.deliver(errorEvent("", "", err, c.hub.now()))
			continue
		}
		if err := c.handle(ev); err != nil {
			c.deliver(errorEvent(ev.SessionID, ev.Type, err, c.hub.now()))
		}
	}
}

func (c *conn) writeLoop() {
	ticker := time.NewTicker(c.hub.cfg.Heartbeat)
	defer ticker.Stop()
	defer c.close()

	for {
		select {
		case <-c.ctx.Done():
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(500*time.Millisecond))
			return
		case ev := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteJSON(ev); err != nil {
				c.hub.logger.Debug().Err(err).Str("conn_id", c.id).Msg("websocket write failed")
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		}
	}
}

func (c *conn) cleanup() {
	c.close()
	c.hub.forget(c)

	c.mu.Lock()
	sessions := make([]string, 0, len(c.joined))
	for sid := range c.joined {
		sessions = append(sessions, sid)
	}
	c.mu.Unlock()
	for _, sid := range sessions {
		c.leave(sid)
	}
	c.hub.logger.Debug().Str("conn_id", c.id).Str("user_id", c.userID).Msg("websocket disconnected")
}

func (c *conn) membership(sessionID string) (membership, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.joined[sessionID]
	return m, ok
}

func (c *conn) handle(ev Event) error {
	if ev.Type != EventJoinSession && ev.Type != EventLeaveSession && c.hub.limiter != nil {
		if err := c.hub.limiter.Allow(c.userID); err != nil {
			return err
		}
	}

	switch p := ev.Payload.(type) {
	case *Join:
		return c.join(ev.SessionID, p.DeviceID)
	case *Leave:
		if _, ok := c.membership(ev.SessionID); !ok {
			return errNotJoined
		}
		c.leave(ev.SessionID)
		return nil
	}

	m, ok := c.membership(ev.SessionID)
	if !ok {
		return errNotJoined
	}

	switch p := ev.Payload.(type) {
	case *SendMessage:
		return c.sendMessage(ev.SessionID, m, p)
	case *StepComplete:
		return c.completeStep(ev.SessionID, m, p)
	case *Typing:
		t := Typing{UserID: c.userID, DeviceID: firstNonEmpty(p.DeviceID, m.deviceID)}
		m.room.setTyping(c.id, t, ev.Type == EventTypingStart, c.hub.now(), c)
		return nil
	case *Reconnect:
		return c.resync(ev.SessionID, p.LastMessageID)
	case *Sync:
		return c.sync(ev.SessionID, m, p)
	default:
		return apperr.Invalidf("%s events are sent by the server only", ev.Type)
	}
}

// join adds the connection to the session room and sends the current state.
// The snapshot carries no messages; clients fetch history with reconnect.
func (c *conn) join(sessionID, deviceID string) error {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return apperr.Invalidf("sessionId is required")
	}
	if _, ok := c.membership(sessionID); ok {
		c.leave(sessionID)
	}

	rm := c.hub.roomFor(sessionID)
	rm.mu.Lock()
	sess, err := c.hub.svc.GetSession(c.ctx, c.userID, sessionID)
	if err != nil {
		rm.mu.Unlock()
		c.hub.releaseRoom(rm)
		return err
	}
	rm.conns[c] = struct{}{}
	c.mu.Lock()
	c.joined[sessionID] = membership{room: rm, joinSeq: rm.seq, deviceID: deviceID}
	c.mu.Unlock()

	sess.Messages = nil
	c.deliver(Event{
		Type:      EventSessionUpdate,
		SessionID: sessionID,
		Payload:   &SessionUpdate{Session: sess, NeedsClarification: sess.NeedsClarification},
		Timestamp: c.hub.now(),
	})
	typing := make([]Typing, 0, len(rm.typing))
	for _, t := range rm.typing {
		typing = append(typing, t)
	}
	rm.mu.Unlock()

	for _, t := range typing {
		t := t
		c.deliver(Event{Type: EventTypingStart, SessionID: sessionID, Payload: &t, Timestamp: c.hub.now()})
	}
	c.hub.logger.Debug().Str("conn_id", c.id).Str("session_id", sessionID).Msg("session joined")
	return nil
}

func (c *conn) leave(sessionID string) {
	c.mu.Lock()
	m, ok := c.joined[sessionID]
	delete(c.joined, sessionID)
	delete(c.seen, sessionID)
	c.mu.Unlock()
	if !ok {
		return
	}

	m.room.setTyping(c.id, Typing{}, false, c.hub.now(), c)
	m.room.mu.Lock()
	delete(m.room.conns, c)
	m.room.mu.Unlock()
	c.hub.releaseRoom(m.room)
}

func (c *conn) sendMessage(sessionID string, m membership, p *SendMessage) error {
	msg, outcome, replies, err := c.hub.svc.SendMessage(c.ctx, c.userID, facilitation.SendMessageRequest{
		SessionID:      sessionID,
		Content:        p.Content,
		IdempotencyKey: p.IdempotencyKey,
		DeviceID:       firstNonEmpty(p.DeviceID, m.deviceID),
	})
	if err != nil {
		return err
	}
	if outcome == session.OutcomeDuplicate {
		// The sender already holds this message; answer the retry anyway.
		c.enqueue(messageEvent(msg, c.hub.now()))
		return nil
	}
	c.awaitReply(sessionID, EventSendMessage, replies)
	return nil
}

func (c *conn) completeStep(sessionID string, m membership, p *StepComplete) error {
	step, outcome, replies, err := c.hub.svc.CompleteStep(c.ctx, c.userID, facilitation.CompleteStepRequest{
		SessionID:      sessionID,
		StepType:       p.StepType,
		UserInput:      p.UserInput,
		IdempotencyKey: p.IdempotencyKey,
		DeviceID:       firstNonEmpty(p.DeviceID, m.deviceID),
	})
	if err != nil {
		return err
	}
	if outcome == session.OutcomeDuplicate {
		c.deliver(Event{Type: EventStepComplete, SessionID: sessionID, Payload: &StepComplete{
			StepType:       step.Type,
			UserInput:      step.UserInput,
			IdempotencyKey: step.IdempotencyKey,
			Step:           &step,
		}, Timestamp: c.hub.now()})
		return nil
	}
	c.awaitReply(sessionID, EventStepComplete, replies)
	return nil
}

// awaitReply reports a failed reply to the requesting connection. Typing
// state follows the service's reply states.
func (c *conn) awaitReply(sessionID string, req EventType, replies <-chan facilitation.Reply) {
	if replies == nil {
		return
	}
	go func() {
		reply, ok := <-replies
		if !ok || reply.Err == nil || errors.Is(reply.Err, context.Canceled) {
			return
		}
		c.deliver(errorEvent(sessionID, req, reply.Err, c.hub.now()))
	}()
}

// resync sends what was accepted after lastMessageID. Events still in the
// room log are replayed as they were broadcast; older history comes from the
// store. The room lock is held so live broadcasts queue behind the replay,
// and the replay waits for the writer instead of overflowing the buffer.
func (c *conn) resync(sessionID, lastMessageID string) error {
	m, ok := c.membership(sessionID)
	if !ok {
		return errNotJoined
	}
	rm := m.room
	rm.mu.Lock()
	defer rm.mu.Unlock()

	if lastMessageID != "" {
		if replay, ok := rm.replayAfterLocked(lastMessageID, m.joinSeq); ok {
			for _, ev := range replay {
				if ev.Type == EventTypingStart || ev.Type == EventTypingEnd {
					continue
				}
				if !c.deliverWait(ev) {
					return nil
				}
			}
			return nil
		}
	}

	var after int64
	if lastMessageID != "" {
		last, err := c.hub.svc.Message(c.ctx, c.userID, sessionID, lastMessageID)
		if err != nil {
			if errors.Is(err, apperr.ErrNotFound) {
				return apperr.Invalidf("unknown message %q", lastMessageID)
			}
			return err
		}
		after = last.Sequence
		c.markSeen(sessionID, lastMessageID)
	}
	msgs, err := c.hub.svc.MessagesAfter(c.ctx, c.userID, sessionID, after)
	if err != nil {
		return err
	}
	now := c.hub.now()
	for _, msg := range msgs {
		if !c.deliverWait(messageEvent(msg, now)) {
			return nil
		}
	}
	return nil
}

func (c *conn) markSeen(sessionID, messageID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	seen, ok := c.seen[sessionID]
	if !ok {
		seen = make(map[string]struct{})
		c.seen[sessionID] = seen
	}
	seen[messageID] = struct{}{}
}

func (c *conn) sync(sessionID string, m membership, p *Sync) error {
	if c.hub.reconciler == nil {
		return apperr.Invalidf("sync is not enabled")
	}
	for i := range p.Entries {
		if p.Entries[i].DeviceID == "" {
			p.Entries[i].DeviceID = m.deviceID
		}
	}
	results, err := c.hub.reconciler.Reconcile(c.ctx, c.userID, sessionID, p.Entries)
	if len(results) > 0 || err == nil {
		c.deliver(Event{
			Type:      EventSyncResult,
			SessionID: sessionID,
			Payload:   &SyncResult{Results: results},
			Timestamp: c.hub.now(),
		})
	}
	return err
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
