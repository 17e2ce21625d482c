package database

import (
	"errors"
	"time"

	"github.com/ironquill/battlemap/internal/maps"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationNormalizeTokenOwners = "2026-07-12_normalize_null_token_owners"

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationNormalizeTokenOwners, apply: normalizeNullTokenOwners},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// The authorizer treats an empty owner id as DM-owned; rows imported before
// the column became NOT NULL may still carry NULL.
func normalizeNullTokenOwners(db *gorm.DB) error {
	return db.Model(&maps.Token{}).
		Where("owner_id IS NULL").
		Update("owner_id", "").Error
}
