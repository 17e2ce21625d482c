package maps

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

// ServiceError wraps a failure with a stable operation.reason code.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the stable operation.reason identifier.
func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew      = "maps.service.new"
	opCreateMap       = "maps.create_map"
	opAddMember       = "maps.add_member"
	opAccessFor       = "maps.access_for"
	opSnapshot        = "maps.snapshot"
	opUpdatedAt       = "maps.updated_at"
	opReplaceDocument = "maps.replace_document"
	opCreateToken     = "maps.create_token"
	opUpdateToken     = "maps.update_token"
	opDeleteToken     = "maps.delete_token"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// ServiceConfig carries the dependencies for the map service.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service owns durable reads and authorized durable writes for map documents
// and tokens. Every mutation passes through the authorizer before persisting;
// concurrent writers race at whole-document granularity and the later write
// wins, because the relay is the real-time source of truth and the periodic
// reconciler is only an eventual-consistency backstop.
type Service struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewService constructs the map service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{db: cfg.Database, clock: clock, logger: logger}, nil
}

// CreateMap persists a new map document owned by ownerID.
func (s *Service) CreateMap(ctx context.Context, mapID, ownerID, name string, grid []byte) error {
	if !validIdentifier(mapID) {
		return newServiceError(opCreateMap, "invalid_map_id", ErrInvalidMapID)
	}
	if !validIdentifier(ownerID) {
		return newServiceError(opCreateMap, "invalid_owner_id", ErrInvalidUserID)
	}
	now := s.clock().UTC().Unix()
	document := Document{
		MapID:            mapID,
		OwnerID:          ownerID,
		Name:             name,
		GridJSON:         string(grid),
		CreatedAtSeconds: now,
		UpdatedAtSeconds: now,
	}
	if err := s.db.WithContext(ctx).Create(&document).Error; err != nil {
		s.logError(opCreateMap, "insert_failed", err, zap.String("map_id", mapID))
		return newServiceError(opCreateMap, "insert_failed", err)
	}
	return nil
}

// AddMember records userID as a player of the map's group.
func (s *Service) AddMember(ctx context.Context, mapID, userID string) error {
	if !validIdentifier(mapID) {
		return newServiceError(opAddMember, "invalid_map_id", ErrInvalidMapID)
	}
	if !validIdentifier(userID) {
		return newServiceError(opAddMember, "invalid_user_id", ErrInvalidUserID)
	}
	membership := Membership{MapID: mapID, UserID: userID, JoinedAtSeconds: s.clock().UTC().Unix()}
	err := s.db.WithContext(ctx).Where("map_id = ? AND user_id = ?", mapID, userID).
		FirstOrCreate(&membership).Error
	if err != nil {
		s.logError(opAddMember, "insert_failed", err, zap.String("map_id", mapID))
		return newServiceError(opAddMember, "insert_failed", err)
	}
	return nil
}

// AccessFor resolves the caller's role on the map: the document owner is the
// DM, group members are players, everyone else has no access.
func (s *Service) AccessFor(ctx context.Context, mapID, userID string) (Role, error) {
	if !validIdentifier(mapID) || !validIdentifier(userID) {
		return RoleNone, newServiceError(opAccessFor, "invalid_identifier", ErrInvalidMapID)
	}
	var document Document
	err := s.db.WithContext(ctx).Where("map_id = ?", mapID).Take(&document).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return RoleNone, newServiceError(opAccessFor, "map_not_found", ErrNotFound)
	}
	if err != nil {
		s.logError(opAccessFor, "map_select_failed", err, zap.String("map_id", mapID))
		return RoleNone, newServiceError(opAccessFor, "map_select_failed", err)
	}
	if document.OwnerID == userID {
		return RoleDM, nil
	}
	var count int64
	if err := s.db.WithContext(ctx).Model(&Membership{}).
		Where("map_id = ? AND user_id = ?", mapID, userID).
		Count(&count).Error; err != nil {
		s.logError(opAccessFor, "membership_select_failed", err, zap.String("map_id", mapID))
		return RoleNone, newServiceError(opAccessFor, "membership_select_failed", err)
	}
	if count > 0 {
		return RolePlayer, nil
	}
	return RoleNone, nil
}

// UpdatedAt returns the document's last-modified timestamp for staleness polls.
func (s *Service) UpdatedAt(ctx context.Context, mapID string) (int64, error) {
	var document Document
	err := s.db.WithContext(ctx).Select("updated_at_s").
		Where("map_id = ?", mapID).Take(&document).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, newServiceError(opUpdatedAt, "map_not_found", ErrNotFound)
	}
	if err != nil {
		return 0, newServiceError(opUpdatedAt, "map_select_failed", err)
	}
	return document.UpdatedAtSeconds, nil
}

// Snapshot assembles the document view appropriate for the role: the DM gets
// the full document, players get a reduced tokens-only payload with hidden
// tokens and DM-only stats removed.
func (s *Service) Snapshot(ctx context.Context, mapID string, role Role) (Snapshot, error) {
	var document Document
	err := s.db.WithContext(ctx).Where("map_id = ?", mapID).Take(&document).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Snapshot{}, newServiceError(opSnapshot, "map_not_found", ErrNotFound)
	}
	if err != nil {
		s.logError(opSnapshot, "map_select_failed", err, zap.String("map_id", mapID))
		return Snapshot{}, newServiceError(opSnapshot, "map_select_failed", err)
	}

	var tokens []Token
	if err := s.db.WithContext(ctx).
		Where("map_id = ?", mapID).
		Order("token_id ASC").
		Find(&tokens).Error; err != nil {
		s.logError(opSnapshot, "token_select_failed", err, zap.String("map_id", mapID))
		return Snapshot{}, newServiceError(opSnapshot, "token_select_failed", err)
	}

	if role != RoleDM {
		views := make([]TokenView, 0, len(tokens))
		for _, token := range tokens {
			if token.Hidden {
				continue
			}
			views = append(views, playerTokenView(token))
		}
		return Snapshot{
			MapID:            document.MapID,
			Scope:            ScopeTokens,
			Tokens:           views,
			UpdatedAtSeconds: document.UpdatedAtSeconds,
		}, nil
	}

	views := make([]TokenView, 0, len(tokens))
	for _, token := range tokens {
		views = append(views, tokenView(token))
	}
	return Snapshot{
		MapID:            document.MapID,
		Scope:            ScopeFull,
		Name:             document.Name,
		OwnerID:          document.OwnerID,
		Grid:             rawOrNil(document.GridJSON),
		Fog:              rawOrNil(document.FogJSON),
		Drawings:         rawOrNil(document.DrawingsJSON),
		Combat:           rawOrNil(document.CombatJSON),
		Tokens:           views,
		UpdatedAtSeconds: document.UpdatedAtSeconds,
	}, nil
}

// ReplaceDocument applies a whole-document replace for callerID. Document
// fields the caller may not set are silently dropped; a token collection the
// caller may not produce rejects the whole request.
func (s *Service) ReplaceDocument(ctx context.Context, mapID, callerID string, update DocumentUpdate) error {
	role, err := s.AccessFor(ctx, mapID, callerID)
	if err != nil {
		return err
	}
	if role == RoleNone {
		return newServiceError(opReplaceDocument, "forbidden", ErrForbidden)
	}

	FilterDocumentFields(role, &update)

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var document Document
		if err := tx.Where("map_id = ?", mapID).Take(&document).Error; err != nil {
			return newServiceError(opReplaceDocument, "map_select_failed", err)
		}

		if update.Tokens != nil {
			var existing []Token
			if err := tx.Where("map_id = ?", mapID).Find(&existing).Error; err != nil {
				return newServiceError(opReplaceDocument, "token_select_failed", err)
			}
			if err := AuthorizeTokenCollection(role, callerID, existing, *update.Tokens); err != nil {
				return newServiceError(opReplaceDocument, "forbidden", err)
			}
			if err := tx.Where("map_id = ?", mapID).Delete(&Token{}).Error; err != nil {
				return newServiceError(opReplaceDocument, "token_delete_failed", err)
			}
			now := s.clock().UTC().Unix()
			for _, write := range *update.Tokens {
				if !validIdentifier(write.TokenID) {
					return newServiceError(opReplaceDocument, "invalid_token_id", ErrInvalidTokenID)
				}
				token := write.asToken(mapID, now)
				if err := tx.Create(&token).Error; err != nil {
					return newServiceError(opReplaceDocument, "token_insert_failed", err)
				}
			}
		}

		if update.Name != nil {
			document.Name = *update.Name
		}
		if update.Grid != nil {
			document.GridJSON = string(*update.Grid)
		}
		if update.Fog != nil {
			document.FogJSON = string(*update.Fog)
		}
		if update.Drawings != nil {
			document.DrawingsJSON = string(*update.Drawings)
		}
		if update.Combat != nil {
			document.CombatJSON = string(*update.Combat)
		}
		now := s.clock().UTC().Unix()
		if now <= document.UpdatedAtSeconds {
			now = document.UpdatedAtSeconds + 1
		}
		document.UpdatedAtSeconds = now
		if err := tx.Save(&document).Error; err != nil {
			return newServiceError(opReplaceDocument, "map_save_failed", err)
		}
		return nil
	})
	if txErr != nil {
		s.logError(opReplaceDocument, "transaction_failed", txErr,
			zap.String("map_id", mapID), zap.String("caller_id", callerID))
	}
	return txErr
}

// CreateToken persists a new token after authorization.
func (s *Service) CreateToken(ctx context.Context, mapID, callerID string, write TokenWrite) error {
	if !validIdentifier(write.TokenID) {
		return newServiceError(opCreateToken, "invalid_token_id", ErrInvalidTokenID)
	}
	role, err := s.AccessFor(ctx, mapID, callerID)
	if err != nil {
		return err
	}
	incoming := write.asToken(mapID, s.clock().UTC().Unix())
	if err := AuthorizeTokenChange(role, callerID, TokenActionCreate, nil, &incoming); err != nil {
		return newServiceError(opCreateToken, "forbidden", err)
	}
	if err := s.db.WithContext(ctx).Create(&incoming).Error; err != nil {
		s.logError(opCreateToken, "insert_failed", err,
			zap.String("map_id", mapID), zap.String("token_id", write.TokenID))
		return newServiceError(opCreateToken, "insert_failed", err)
	}
	return s.touch(ctx, mapID)
}

// UpdateToken replaces an existing token after authorization. Moves are
// updates that only change position.
func (s *Service) UpdateToken(ctx context.Context, mapID, callerID string, write TokenWrite) error {
	role, err := s.AccessFor(ctx, mapID, callerID)
	if err != nil {
		return err
	}
	var existing Token
	err = s.db.WithContext(ctx).
		Where("map_id = ? AND token_id = ?", mapID, write.TokenID).
		Take(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return newServiceError(opUpdateToken, "token_not_found", ErrNotFound)
	}
	if err != nil {
		return newServiceError(opUpdateToken, "token_select_failed", err)
	}
	incoming := write.asToken(mapID, s.clock().UTC().Unix())
	if err := AuthorizeTokenChange(role, callerID, TokenActionUpdate, &existing, &incoming); err != nil {
		return newServiceError(opUpdateToken, "forbidden", err)
	}
	if err := s.db.WithContext(ctx).Save(&incoming).Error; err != nil {
		s.logError(opUpdateToken, "save_failed", err,
			zap.String("map_id", mapID), zap.String("token_id", write.TokenID))
		return newServiceError(opUpdateToken, "save_failed", err)
	}
	return s.touch(ctx, mapID)
}

// DeleteToken removes a token after authorization.
func (s *Service) DeleteToken(ctx context.Context, mapID, callerID, tokenID string) error {
	role, err := s.AccessFor(ctx, mapID, callerID)
	if err != nil {
		return err
	}
	var existing Token
	err = s.db.WithContext(ctx).
		Where("map_id = ? AND token_id = ?", mapID, tokenID).
		Take(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return newServiceError(opDeleteToken, "token_not_found", ErrNotFound)
	}
	if err != nil {
		return newServiceError(opDeleteToken, "token_select_failed", err)
	}
	if err := AuthorizeTokenChange(role, callerID, TokenActionDelete, &existing, nil); err != nil {
		return newServiceError(opDeleteToken, "forbidden", err)
	}
	if err := s.db.WithContext(ctx).
		Where("map_id = ? AND token_id = ?", mapID, tokenID).
		Delete(&Token{}).Error; err != nil {
		s.logError(opDeleteToken, "delete_failed", err,
			zap.String("map_id", mapID), zap.String("token_id", tokenID))
		return newServiceError(opDeleteToken, "delete_failed", err)
	}
	return s.touch(ctx, mapID)
}

// touch advances the document's last-modified timestamp. The bump is strictly
// monotonic even within one second, so staleness polls never miss a mutation.
func (s *Service) touch(ctx context.Context, mapID string) error {
	err := s.db.WithContext(ctx).Model(&Document{}).
		Where("map_id = ?", mapID).
		Update("updated_at_s", gorm.Expr("MAX(updated_at_s + 1, ?)", s.clock().UTC().Unix())).Error
	if err != nil {
		s.logError(opUpdatedAt, "touch_failed", err, zap.String("map_id", mapID))
		return newServiceError(opUpdatedAt, "touch_failed", err)
	}
	return nil
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("maps service error", attrs...)
}
