package session

import (
	"context"
	"strings"

	"nvcstack.local/facilitator/internal/apperr"
)

var ErrNotFound = apperr.ErrNotFound

// Store is the durable collaborator contract. GetSession returns the session
// with its steps but without messages.
type Store interface {
	CreateSession(context.Context, Session) error
	GetSession(context.Context, string) (Session, error)
	ListSessions(ctx context.Context, userID string, offset, limit int) ([]Session, int, error)
	UpdateSession(context.Context, Session, ...IdempotencyRecord) error
	AppendMessage(context.Context, Message, ...IdempotencyRecord) (Message, error)
	GetMessage(ctx context.Context, sessionID, messageID string) (Message, error)
	ListMessages(ctx context.Context, sessionID string, afterSequence int64, limit int) ([]Message, error)
	RecentMessages(ctx context.Context, sessionID string, n int) ([]Message, error)
	GetIdempotency(ctx context.Context, sessionID, key string) (IdempotencyRecord, error)
	Close() error
}

func validateSessionID(sessionID string) error {
	if strings.TrimSpace(sessionID) == "" {
		return apperr.Invalidf("session id is required")
	}
	return nil
}
