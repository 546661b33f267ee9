package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"nvcstack.local/facilitator/internal/apperr"
	"nvcstack.local/facilitator/internal/ids"
	"nvcstack.local/facilitator/internal/nvc"
	"nvcstack.local/facilitator/internal/reconcile"
)

const (
	DefaultDialAttempts = 5
	DefaultDialBase     = 500 * time.Millisecond
	DefaultDialMax      = 10 * time.Second

	clientIOTimeout = 10 * time.Second
)

var errNotConnected = errors.New("client is not connected")

type ClientConfig struct {
	URL       string
	SessionID string
	DeviceID  string
	Header    http.Header

	// MaxAttempts bounds each dial; delays grow exponentially from BaseDelay
	// up to MaxDelay.
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration

	// AutoReconnect redials after the connection drops.
	AutoReconnect bool
}

func (c ClientConfig) Validate() error {
	if strings.TrimSpace(c.URL) == "" {
		return apperr.Invalidf("websocket url is required")
	}
	if strings.TrimSpace(c.SessionID) == "" {
		return apperr.Invalidf("session id is required")
	}
	return nil
}

func (c ClientConfig) withDefaults() ClientConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultDialAttempts
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = DefaultDialBase
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = DefaultDialMax
	}
	return c
}

// Client is a session-scoped realtime client. Actions taken while it is
// disconnected go to the offline queue and are sent as one sync batch after
// the next successful connect.
type Client struct {
	cfg    ClientConfig
	logger zerolog.Logger
	queue  *Queue

	ctx    context.Context
	cancel context.CancelFunc

	mu            sync.RWMutex
	writeMu       sync.Mutex
	conn          *websocket.Conn
	closed        bool
	lastMessageID string
	lastSequence  int64

	events chan Event
	errs   chan error
	done   chan struct{}
}

func NewClient(logger zerolog.Logger, cfg ClientConfig, queue *Queue) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		cfg:    cfg.withDefaults(),
		logger: logger,
		queue:  queue,
		ctx:    ctx,
		cancel: cancel,
		events: make(chan Event, 64),
		errs:   make(chan error, 16),
		done:   make(chan struct{}),
	}, nil
}

func (c *Client) Events() <-chan Event {
	return c.events
}

func (c *Client) Errors() <-chan error {
	return c.errs
}

func (c *Client) Done() <-chan struct{} {
	return c.done
}

// LastMessageID is the newest message the client has observed.
func (c *Client) LastMessageID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastMessageID
}

// Connect dials with bounded retries, joins the session, asks for everything
// missed since the last observed message and flushes the offline queue.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.RLock()
	connected := c.conn != nil
	closed := c.closed
	c.mu.RUnlock()
	if closed {
		return errNotConnected
	}
	if connected {
		return nil
	}

	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close()
		return errNotConnected
	}
	c.conn = conn
	last := c.lastMessageID
	c.mu.Unlock()
	go c.readLoop(conn)

	now := time.Now().UTC()
	if err := c.write(ctx, Event{Type: EventJoinSession, SessionID: c.cfg.SessionID, Payload: &Join{DeviceID: c.cfg.DeviceID}, Timestamp: now}); err != nil {
		return err
	}
	if err := c.write(ctx, Event{Type: EventReconnect, SessionID: c.cfg.SessionID, Payload: &Reconnect{LastMessageID: last}, Timestamp: now}); err != nil {
		return err
	}
	return c.Flush(ctx)
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.BaseDelay
	b.MaxInterval = c.cfg.MaxDelay

	dialer := websocket.Dialer{HandshakeTimeout: clientIOTimeout}
	attempt := 0
	conn, err := backoff.Retry(ctx, func() (*websocket.Conn, error) {
		attempt++
		conn, resp, err := dialer.DialContext(ctx, c.cfg.URL, c.cfg.Header)
		if err == nil {
			return conn, nil
		}
		c.logger.Debug().Err(err).Int("attempt", attempt).Str("session_id", c.cfg.SessionID).Msg("websocket dial failed")
		if resp != nil && resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return nil, backoff.Permanent(fmt.Errorf("dial refused with status %d: %w", resp.StatusCode, err))
		}
		return nil, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(c.cfg.MaxAttempts)),
		backoff.WithMaxElapsedTime(0),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: dial after %d attempts: %v", apperr.ErrConnectionLost, attempt, err)
	}
	return conn, nil
}

func (c *Client) SendMessage(ctx context.Context, content string) (string, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return "", apperr.Invalidf("message content is required")
	}
	key := ids.New()
	ev := Event{Type: EventSendMessage, SessionID: c.cfg.SessionID, Payload: &SendMessage{
		Content:        content,
		IdempotencyKey: key,
		DeviceID:       c.cfg.DeviceID,
	}, Timestamp: time.Now().UTC()}
	entry := reconcile.Entry{
		IdempotencyKey: key,
		Action:         reconcile.Action{Kind: reconcile.ActionSendMessage, Content: content},
		LocalTimestamp: ev.Timestamp,
		DeviceID:       c.cfg.DeviceID,
	}
	return key, c.sendOrQueue(ctx, ev, entry)
}

func (c *Client) CompleteStep(ctx context.Context, stepType nvc.StepType, userInput string) (string, error) {
	key := ids.New()
	ev := Event{Type: EventStepComplete, SessionID: c.cfg.SessionID, Payload: &StepComplete{
		StepType:       stepType,
		UserInput:      userInput,
		IdempotencyKey: key,
		DeviceID:       c.cfg.DeviceID,
	}, Timestamp: time.Now().UTC()}
	entry := reconcile.Entry{
		IdempotencyKey: key,
		Action:         reconcile.Action{Kind: reconcile.ActionCompleteStep, StepType: stepType, UserInput: userInput},
		LocalTimestamp: ev.Timestamp,
		DeviceID:       c.cfg.DeviceID,
	}
	return key, c.sendOrQueue(ctx, ev, entry)
}

// Typing is best effort and never queued.
func (c *Client) Typing(ctx context.Context, active bool) error {
	t := EventTypingEnd
	if active {
		t = EventTypingStart
	}
	return c.write(ctx, Event{Type: t, SessionID: c.cfg.SessionID, Payload: &Typing{DeviceID: c.cfg.DeviceID}, Timestamp: time.Now().UTC()})
}

// Flush sends the offline queue as one sync batch. Entries leave the queue
// when the server reports a result for them.
func (c *Client) Flush(ctx context.Context) error {
	if c.queue == nil {
		return nil
	}
	entries, err := c.queue.Load(ctx)
	if err != nil || len(entries) == 0 {
		return err
	}
	c.logger.Info().Int("entries", len(entries)).Str("session_id", c.cfg.SessionID).Msg("flushing offline queue")
	return c.write(ctx, Event{Type: EventSync, SessionID: c.cfg.SessionID, Payload: &Sync{Entries: entries}, Timestamp: time.Now().UTC()})
}

func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	c.cancel()
	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(500*time.Millisecond))
		_ = conn.Close()
	}
	close(c.done)
	return nil
}

func (c *Client) sendOrQueue(ctx context.Context, ev Event, entry reconcile.Entry) error {
	err := c.write(ctx, ev)
	if err == nil {
		return nil
	}
	if c.queue == nil {
		return err
	}
	if qerr := c.queue.Append(ctx, entry); qerr != nil {
		return errors.Join(err, qerr)
	}
	c.logger.Debug().Str("idempotency_key", entry.IdempotencyKey).Msg("queued action for sync")
	return nil
}

func (c *Client) write(ctx context.Context, ev Event) error {
	c.mu.RLock()
	conn := c.conn
	closed := c.closed
	c.mu.RUnlock()
	if conn == nil || closed {
		return errNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline := time.Now().Add(clientIOTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	if err := conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if err := conn.WriteJSON(ev); err != nil {
		return fmt.Errorf("write %s event: %w", ev.Type, err)
	}
	return nil
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.detach(conn)
			if c.isClosed() {
				return
			}
			c.pushErr(fmt.Errorf("%w: %v", apperr.ErrConnectionLost, err))
			if c.cfg.AutoReconnect {
				go c.reconnect()
			}
			return
		}

		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			c.pushErr(fmt.Errorf("decode event: %w", err))
			continue
		}
		c.observe(ev)

		select {
		case c.events <- ev:
		default:
			c.pushErr(fmt.Errorf("dropping %s event %s because the events channel is full", ev.Type, ev.EventID))
		}
	}
}

func (c *Client) observe(ev Event) {
	switch p := ev.Payload.(type) {
	case *SendMessage:
		if p.Message != nil {
			c.observeMessage(p.Message.ID, p.Message.Sequence)
		}
	case *MessageReceive:
		c.observeMessage(p.Message.ID, p.Message.Sequence)
	case *SyncResult:
		if c.queue == nil {
			return
		}
		keys := make([]string, 0, len(p.Results))
		for _, res := range p.Results {
			if res.Code == "rate_limit_exceeded" {
				continue
			}
			keys = append(keys, res.IdempotencyKey)
		}
		if err := c.queue.Remove(c.ctx, keys...); err != nil {
			c.pushErr(err)
		}
	}
}

func (c *Client) observeMessage(id string, seq int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if id != "" && seq > c.lastSequence {
		c.lastMessageID = id
		c.lastSequence = seq
	}
}

func (c *Client) reconnect() {
	if err := c.Connect(c.ctx); err != nil && !c.isClosed() {
		c.pushErr(err)
	}
}

func (c *Client) detach(conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
	_ = conn.Close()
}

func (c *Client) isClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

func (c *Client) pushErr(err error) {
	if err == nil {
		return
	}
	select {
	case c.errs <- err:
	default:
	}
}
