package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/rs/zerolog"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	dbpkg "nvcstack.local/facilitator/internal/db"
)

type GormStore struct {
	db *gorm.DB
}

func NewGormStore(logger zerolog.Logger, driver, dsn string) (*GormStore, error) {
	gormDB, err := dbpkg.OpenGorm(driver, dsn, dbpkg.WithLogger(logger.With().Str("component", "gorm").Logger()))
	if err != nil {
		return nil, fmt.Errorf("open gorm store: %w", err)
	}

	store := &GormStore{db: gormDB}
	if err := store.Migrate(); err != nil {
		return nil, err
	}
	return store, nil
}

// Migrate creates or updates the facilitator tables.
func (s *GormStore) Migrate() error {
	if err := s.db.AutoMigrate(&sessionRow{}, &stepRow{}, &messageRow{}, &idempotencyRow{}); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (s *GormStore) CreateSession(ctx context.Context, sess Session) error {
	if err := validateSessionID(sess.ID); err != nil {
		return err
	}
	row, err := sessionRowFromSession(sess)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&row).Error; err != nil {
			return fmt.Errorf("create session: %w", err)
		}
		return saveSteps(tx, sess)
	})
}

func (s *GormStore) GetSession(ctx context.Context, sessionID string) (Session, error) {
	if err := validateSessionID(sessionID); err != nil {
		return Session{}, err
	}

	var row sessionRow
	err := s.db.WithContext(ctx).Where("session_id = ?", sessionID).Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Session{}, ErrNotFound
		}
		return Session{}, fmt.Errorf("get session: %w", err)
	}
	sess, err := row.toSession()
	if err != nil {
		return Session{}, fmt.Errorf("decode session: %w", err)
	}

	var steps []stepRow
	if err := s.db.WithContext(ctx).Where("session_id = ?", sessionID).Find(&steps).Error; err != nil {
		return Session{}, fmt.Errorf("get steps: %w", err)
	}
	sess.Steps = stepsInOrder(steps)
	return sess, nil
}

func (s *GormStore) ListSessions(ctx context.Context, userID string, offset, limit int) ([]Session, int, error) {
	base := s.db.WithContext(ctx).Model(&sessionRow{}).Where("user_id = ?", userID)

	var total int64
	if err := base.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("count sessions: %w", err)
	}

	query := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Order("session_id DESC").
		Offset(offset)
	if limit > 0 {
		query = query.Limit(limit)
	}
	var rows []sessionRow
	if err := query.Find(&rows).Error; err != nil {
		return nil, 0, fmt.Errorf("list sessions: %w", err)
	}
	if len(rows) == 0 {
		return []Session{}, int(total), nil
	}

	sessionIDs := make([]string, 0, len(rows))
	for _, row := range rows {
		sessionIDs = append(sessionIDs, row.SessionID)
	}
	var steps []stepRow
	if err := s.db.WithContext(ctx).Where("session_id IN ?", sessionIDs).Find(&steps).Error; err != nil {
		return nil, 0, fmt.Errorf("list steps: %w", err)
	}
	bySession := make(map[string][]stepRow, len(rows))
	for _, step := range steps {
		bySession[step.SessionID] = append(bySession[step.SessionID], step)
	}

	out := make([]Session, 0, len(rows))
	for _, row := range rows {
		sess, err := row.toSession()
		if err != nil {
			return nil, 0, fmt.Errorf("decode session %s: %w", row.SessionID, err)
		}
		sess.Steps = stepsInOrder(bySession[row.SessionID])
		out = append(out, sess)
	}
	return out, int(total), nil
}

func (s *GormStore) UpdateSession(ctx context.Context, sess Session, keys ...IdempotencyRecord) error {
	if err := validateSessionID(sess.ID); err != nil {
		return err
	}
	row, err := sessionRowFromSession(sess)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&sessionRow{}).Where("session_id = ?", sess.ID).Select("*").Omit("session_id", "created_at").Updates(&row)
		if res.Error != nil {
			return fmt.Errorf("update session: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		if err := saveSteps(tx, sess); err != nil {
			return err
		}
		return saveIdempotency(tx, keys)
	})
}

func (s *GormStore) AppendMessage(ctx context.Context, msg Message, keys ...IdempotencyRecord) (Message, error) {
	if err := validateSessionID(msg.SessionID); err != nil {
		return Message{}, err
	}
	var out Message
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var exists int64
		if err := tx.Model(&sessionRow{}).Where("session_id = ?", msg.SessionID).Count(&exists).Error; err != nil {
			return fmt.Errorf("session lookup: %w", err)
		}
		if exists == 0 {
			return ErrNotFound
		}

		var maxSeq int64
		if err := tx.Model(&messageRow{}).
			Where("session_id = ?", msg.SessionID).
			Select("COALESCE(MAX(sequence), 0)").
			Scan(&maxSeq).Error; err != nil {
			return fmt.Errorf("sequence lookup: %w", err)
		}
		msg.Sequence = maxSeq + 1

		row, err := messageRowFromMessage(msg)
		if err != nil {
			return fmt.Errorf("encode message: %w", err)
		}
		if err := tx.Create(&row).Error; err != nil {
			return fmt.Errorf("create message: %w", err)
		}
		if err := saveIdempotency(tx, keys); err != nil {
			return err
		}
		out = msg
		return nil
	})
	if err != nil {
		return Message{}, err
	}
	return out, nil
}

func (s *GormStore) GetMessage(ctx context.Context, sessionID, messageID string) (Message, error) {
	var row messageRow
	err := s.db.WithContext(ctx).
		Where("session_id = ? AND message_id = ?", sessionID, messageID).
		Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Message{}, ErrNotFound
		}
		return Message{}, fmt.Errorf("get message: %w", err)
	}
	msg, err := row.toMessage()
	if err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}
	return msg, nil
}

func (s *GormStore) ListMessages(ctx context.Context, sessionID string, afterSequence int64, limit int) ([]Message, error) {
	if err := validateSessionID(sessionID); err != nil {
		return nil, err
	}
	query := s.db.WithContext(ctx).
		Where("session_id = ? AND sequence > ?", sessionID, afterSequence).
		Order("sequence ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var rows []messageRow
	if err := query.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return messagesFromRows(rows)
}

func (s *GormStore) RecentMessages(ctx context.Context, sessionID string, n int) ([]Message, error) {
	if err := validateSessionID(sessionID); err != nil {
		return nil, err
	}
	query := s.db.WithContext(ctx).Where("session_id = ?", sessionID).Order("sequence DESC")
	if n > 0 {
		query = query.Limit(n)
	}
	var rows []messageRow
	if err := query.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("recent messages: %w", err)
	}
	for i, j := 0, len(rows)-1; i < j; i, j = i+1, j-1 {
		rows[i], rows[j] = rows[j], rows[i]
	}
	return messagesFromRows(rows)
}

func (s *GormStore) GetIdempotency(ctx context.Context, sessionID, key string) (IdempotencyRecord, error) {
	var row idempotencyRow
	err := s.db.WithContext(ctx).
		Where("session_id = ? AND idem_key = ?", sessionID, key).
		Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return IdempotencyRecord{}, ErrNotFound
		}
		return IdempotencyRecord{}, fmt.Errorf("get idempotency key: %w", err)
	}
	return row.toRecord(), nil
}

func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	return sqlDB.Close()
}

func saveSteps(tx *gorm.DB, sess Session) error {
	if len(sess.Steps) == 0 {
		return nil
	}
	rows := make([]stepRow, 0, len(sess.Steps))
	for _, step := range sess.Steps {
		rows = append(rows, stepRowFromStep(sess.ID, step))
	}
	err := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "step_id"}},
		UpdateAll: true,
	}).Create(&rows).Error
	if err != nil {
		return fmt.Errorf("save steps: %w", err)
	}
	return nil
}

func saveIdempotency(tx *gorm.DB, keys []IdempotencyRecord) error {
	for _, rec := range keys {
		row := idempotencyRowFromRecord(rec)
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error; err != nil {
			return fmt.Errorf("save idempotency key: %w", err)
		}
	}
	return nil
}

func stepsInOrder(rows []stepRow) []Step {
	steps := make([]Step, 0, len(rows))
	for _, row := range rows {
		steps = append(steps, row.toStep())
	}
	sort.SliceStable(steps, func(i, j int) bool {
		return steps[i].Type.Index() < steps[j].Type.Index()
	})
	return steps
}

func messagesFromRows(rows []messageRow) ([]Message, error) {
	out := make([]Message, 0, len(rows))
	for _, row := range rows {
		msg, err := row.toMessage()
		if err != nil {
			return nil, fmt.Errorf("decode message %s: %w", row.MessageID, err)
		}
		out = append(out, msg)
	}
	return out, nil
}

func marshalJSON(v any) (string, error) {
	encoded, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(encoded), nil
}

func unmarshalJSON(raw string, v any) error {
	return json.Unmarshal([]byte(raw), v)
}
