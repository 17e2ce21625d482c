package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase = errors.New("chat: database handle is required")
	// ErrInvalidMessage indicates a message with a missing id or oversized text.
	ErrInvalidMessage = errors.New("chat: invalid message")
)

// ServiceConfig carries the dependencies for the chat persistor.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service durably records session chat through two paths: synchronous
// per-message rows and relay-flushed batches. History merges both and
// deduplicates by message id.
type Service struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewService constructs the chat persistor.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{db: cfg.Database, clock: clock, logger: logger}, nil
}

// SaveMessage inserts one message row. A duplicate id is a no-op rather than
// an error so clients can retry sends safely.
func (s *Service) SaveMessage(ctx context.Context, message Message) error {
	if err := Validate(message); err != nil {
		return err
	}
	row := Row{
		MessageID:    message.ID,
		MapID:        message.MapID,
		SenderID:     message.SenderID,
		SenderName:   message.SenderName,
		Role:         message.Role,
		Text:         message.Text,
		MetadataJSON: string(message.Metadata),
		RecipientID:  message.RecipientID,
		SentAtSec:    message.SentAtSec,
	}
	if row.SentAtSec == 0 {
		row.SentAtSec = s.clock().UTC().Unix()
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&row).Error
	if err != nil {
		s.logger.Error("chat message insert failed",
			zap.String("map_id", message.MapID), zap.String("message_id", message.ID), zap.Error(err))
		return err
	}
	return nil
}

// SaveBatch writes an ordered batch of relay-buffered messages as a single
// record. A duplicate flush of the same buffer produces a duplicate batch;
// readers dedupe by message id, so that is accepted.
func (s *Service) SaveBatch(ctx context.Context, mapID string, messages []Message) error {
	if len(messages) == 0 {
		return nil
	}
	for _, message := range messages {
		if err := Validate(message); err != nil {
			return err
		}
	}
	payload, err := json.Marshal(messages)
	if err != nil {
		return fmt.Errorf("chat: encode batch: %w", err)
	}
	batch := Batch{
		BatchID:          uuid.NewString(),
		MapID:            mapID,
		MessagesJSON:     string(payload),
		CreatedAtSeconds: s.clock().UTC().Unix(),
	}
	if err := s.db.WithContext(ctx).Create(&batch).Error; err != nil {
		s.logger.Error("chat batch insert failed",
			zap.String("map_id", mapID), zap.Int("messages", len(messages)), zap.Error(err))
		return err
	}
	return nil
}

// History reconstructs the map's chat from both persistence paths, merged and
// deduplicated by message id. Individual rows win over batched copies since
// they were written at send time.
func (s *Service) History(ctx context.Context, mapID string) ([]Message, error) {
	var rows []Row
	if err := s.db.WithContext(ctx).
		Where("map_id = ?", mapID).
		Order("sent_at_s ASC").
		Find(&rows).Error; err != nil {
		s.logger.Error("chat history row query failed", zap.String("map_id", mapID), zap.Error(err))
		return nil, err
	}

	merged := make(map[string]Message, len(rows))
	for _, row := range rows {
		merged[row.MessageID] = Message{
			ID:          row.MessageID,
			MapID:       row.MapID,
			SenderID:    row.SenderID,
			SenderName:  row.SenderName,
			Role:        row.Role,
			Text:        row.Text,
			Metadata:    rawOrNil(row.MetadataJSON),
			RecipientID: row.RecipientID,
			SentAtSec:   row.SentAtSec,
		}
	}

	var batches []Batch
	if err := s.db.WithContext(ctx).
		Where("map_id = ?", mapID).
		Order("created_at_s ASC").
		Find(&batches).Error; err != nil {
		s.logger.Error("chat history batch query failed", zap.String("map_id", mapID), zap.Error(err))
		return nil, err
	}
	for _, batch := range batches {
		var messages []Message
		if err := json.Unmarshal([]byte(batch.MessagesJSON), &messages); err != nil {
			s.logger.Warn("chat batch payload unreadable, skipping",
				zap.String("map_id", mapID), zap.String("batch_id", batch.BatchID), zap.Error(err))
			continue
		}
		for _, message := range messages {
			if message.ID == "" {
				continue
			}
			if _, seen := merged[message.ID]; seen {
				continue
			}
			merged[message.ID] = message
		}
	}

	history := make([]Message, 0, len(merged))
	for _, message := range merged {
		history = append(history, message)
	}
	sort.Slice(history, func(i, j int) bool {
		if history[i].SentAtSec != history[j].SentAtSec {
			return history[i].SentAtSec < history[j].SentAtSec
		}
		return history[i].ID < history[j].ID
	})
	return history, nil
}

// Validate checks the bounds every durable chat write must satisfy.
func Validate(message Message) error {
	if message.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidMessage)
	}
	if message.Text == "" {
		return fmt.Errorf("%w: empty text", ErrInvalidMessage)
	}
	if len(message.Text) > MaxTextLength {
		return fmt.Errorf("%w: text exceeds %d characters", ErrInvalidMessage, MaxTextLength)
	}
	return nil
}

func rawOrNil(value string) json.RawMessage {
	if value == "" {
		return nil
	}
	return json.RawMessage(value)
}
