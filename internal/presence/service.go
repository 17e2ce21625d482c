package presence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// StaleAfter is how long a presence row survives past its last heartbeat.
const StaleAfter = 60 * time.Second

var errMissingDatabase = errors.New("presence: database handle is required")

// ServiceConfig carries the dependencies for the presence service.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service maintains durable presence rows. All operations are best-effort
// from the caller's point of view: the stream loops log per-tick failures and
// keep going.
type Service struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewService constructs the presence service.
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

// Heartbeat upserts the (map, user) presence row, refreshing the connection
// id and last-seen timestamp. The last tab to heartbeat wins the row.
func (s *Service) Heartbeat(ctx context.Context, mapID, userID, connectionID, displayName, avatarURL string) error {
	if mapID == "" || userID == "" || connectionID == "" {
		return fmt.Errorf("presence: map, user and connection ids are required")
	}
	record := Record{
		MapID:         mapID,
		UserID:        userID,
		ConnectionID:  connectionID,
		DisplayName:   displayName,
		AvatarURL:     avatarURL,
		LastSeenAtSec: s.clock().UTC().Unix(),
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "map_id"}, {Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"connection_id", "display_name", "avatar_url", "last_seen_at_s"}),
	}).Create(&record).Error
	if err != nil {
		s.logger.Error("presence heartbeat failed",
			zap.String("map_id", mapID), zap.String("user_id", userID), zap.Error(err))
		return err
	}
	return nil
}

// PurgeStale deletes every presence row for the map whose last heartbeat is
// older than StaleAfter.
func (s *Service) PurgeStale(ctx context.Context, mapID string) error {
	cutoff := s.clock().UTC().Add(-StaleAfter).Unix()
	err := s.db.WithContext(ctx).
		Where("map_id = ? AND last_seen_at_s < ?", mapID, cutoff).
		Delete(&Record{}).Error
	if err != nil {
		s.logger.Error("presence purge failed", zap.String("map_id", mapID), zap.Error(err))
		return err
	}
	return nil
}

// Roster returns the active users for the map. Rows are keyed by user, so the
// result is already deduplicated across tabs.
func (s *Service) Roster(ctx context.Context, mapID string) ([]User, error) {
	var records []Record
	err := s.db.WithContext(ctx).
		Where("map_id = ?", mapID).
		Order("user_id ASC").
		Find(&records).Error
	if err != nil {
		s.logger.Error("presence roster query failed", zap.String("map_id", mapID), zap.Error(err))
		return nil, err
	}
	users := make([]User, 0, len(records))
	for _, record := range records {
		users = append(users, User{ID: record.UserID, Name: record.DisplayName, Avatar: record.AvatarURL})
	}
	return users, nil
}

// LeaveUser removes the caller's presence row regardless of which connection
// holds it. Used by beacon-delivered leave requests that carry no body.
func (s *Service) LeaveUser(ctx context.Context, mapID, userID string) error {
	err := s.db.WithContext(ctx).
		Where("map_id = ? AND user_id = ?", mapID, userID).
		Delete(&Record{}).Error
	if err != nil {
		s.logger.Error("presence leave failed",
			zap.String("map_id", mapID), zap.String("user_id", userID), zap.Error(err))
		return err
	}
	return nil
}

// Leave removes the presence row held by the given connection. A row that is
// already gone, or that another tab has since taken over, is not an error.
func (s *Service) Leave(ctx context.Context, mapID, connectionID string) error {
	err := s.db.WithContext(ctx).
		Where("map_id = ? AND connection_id = ?", mapID, connectionID).
		Delete(&Record{}).Error
	if err != nil {
		s.logger.Error("presence leave failed",
			zap.String("map_id", mapID), zap.String("connection_id", connectionID), zap.Error(err))
		return err
	}
	return nil
}
