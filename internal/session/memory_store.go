package session

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

type MemoryStore struct {
	mu          sync.Mutex
	sessions    map[string]Session
	messages    map[string][]Message
	idempotency map[string]IdempotencyRecord
	closed      bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions:    make(map[string]Session),
		messages:    make(map[string][]Message),
		idempotency: make(map[string]IdempotencyRecord),
	}
}

func (s *MemoryStore) CreateSession(_ context.Context, sess Session) error {
	if err := validateSessionID(sess.ID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("memory store is closed")
	}
	if _, ok := s.sessions[sess.ID]; ok {
		return fmt.Errorf("session %s already exists", sess.ID)
	}
	stored := storedCopy(sess)
	s.sessions[sess.ID] = stored
	return nil
}

func (s *MemoryStore) GetSession(_ context.Context, sessionID string) (Session, error) {
	if err := validateSessionID(sessionID); err != nil {
		return Session{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Session{}, fmt.Errorf("memory store is closed")
	}
	sess, ok := s.sessions[sessionID]
	if !ok {
		return Session{}, ErrNotFound
	}
	return sess.Clone(), nil
}

func (s *MemoryStore) ListSessions(_ context.Context, userID string, offset, limit int) ([]Session, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, 0, fmt.Errorf("memory store is closed")
	}

	owned := make([]Session, 0)
	for _, sess := range s.sessions {
		if sess.UserID == userID {
			owned = append(owned, sess)
		}
	}
	sort.Slice(owned, func(i, j int) bool {
		if owned[i].CreatedAt.Equal(owned[j].CreatedAt) {
			return owned[i].ID > owned[j].ID
		}
		return owned[i].CreatedAt.After(owned[j].CreatedAt)
	})

	total := len(owned)
	if offset >= total {
		return []Session{}, total, nil
	}
	end := total
	if limit > 0 && offset+limit < total {
		end = offset + limit
	}
	out := make([]Session, 0, end-offset)
	for _, sess := range owned[offset:end] {
		out = append(out, sess.Clone())
	}
	return out, total, nil
}

func (s *MemoryStore) UpdateSession(_ context.Context, sess Session, keys ...IdempotencyRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("memory store is closed")
	}
	if _, ok := s.sessions[sess.ID]; !ok {
		return ErrNotFound
	}
	stored := storedCopy(sess)
	s.sessions[sess.ID] = stored
	s.putIdempotencyLocked(keys)
	return nil
}

func (s *MemoryStore) AppendMessage(_ context.Context, msg Message, keys ...IdempotencyRecord) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Message{}, fmt.Errorf("memory store is closed")
	}
	if _, ok := s.sessions[msg.SessionID]; !ok {
		return Message{}, ErrNotFound
	}
	msg.Sequence = int64(len(s.messages[msg.SessionID]) + 1)
	s.messages[msg.SessionID] = append(s.messages[msg.SessionID], msg)
	s.putIdempotencyLocked(keys)
	return msg, nil
}

func (s *MemoryStore) GetMessage(_ context.Context, sessionID, messageID string) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Message{}, fmt.Errorf("memory store is closed")
	}
	for _, msg := range s.messages[sessionID] {
		if msg.ID == messageID {
			return msg, nil
		}
	}
	return Message{}, ErrNotFound
}

func (s *MemoryStore) ListMessages(_ context.Context, sessionID string, afterSequence int64, limit int) ([]Message, error) {
	if err := validateSessionID(sessionID); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, fmt.Errorf("memory store is closed")
	}

	out := make([]Message, 0)
	for _, msg := range s.messages[sessionID] {
		if msg.Sequence <= afterSequence {
			continue
		}
		out = append(out, msg)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) RecentMessages(_ context.Context, sessionID string, n int) ([]Message, error) {
	if err := validateSessionID(sessionID); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, fmt.Errorf("memory store is closed")
	}

	msgs := s.messages[sessionID]
	if n > 0 && n < len(msgs) {
		msgs = msgs[len(msgs)-n:]
	}
	out := make([]Message, len(msgs))
	copy(out, msgs)
	return out, nil
}

func (s *MemoryStore) GetIdempotency(_ context.Context, sessionID, key string) (IdempotencyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return IdempotencyRecord{}, fmt.Errorf("memory store is closed")
	}
	rec, ok := s.idempotency[idempotencyKey(sessionID, key)]
	if !ok {
		return IdempotencyRecord{}, ErrNotFound
	}
	return rec, nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *MemoryStore) putIdempotencyLocked(keys []IdempotencyRecord) {
	for _, rec := range keys {
		s.idempotency[idempotencyKey(rec.SessionID, rec.Key)] = rec
	}
}

func idempotencyKey(sessionID, key string) string {
	return sessionID + ":" + key
}

func storedCopy(sess Session) Session {
	stored := sess.Clone()
	stored.Messages = nil
	sort.SliceStable(stored.Steps, func(i, j int) bool {
		return stored.Steps[i].Type.Index() < stored.Steps[j].Type.Index()
	})
	return stored
}
