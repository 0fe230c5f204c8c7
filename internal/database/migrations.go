package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/pilot-collab/pilot/backend/internal/content"
)

const migrationBackfillFieldVersionMaps = "2026-05-12_backfill_field_version_maps"

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
		{name: migrationBackfillFieldVersionMaps, apply: backfillFieldVersionMaps},
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

// backfillFieldVersionMaps repairs rows imported before field versions
// became mandatory: a NULL or empty map would make every optimistic
// concurrency check start from a scan error instead of version zero.
func backfillFieldVersionMaps(db *gorm.DB) error {
	return db.Model(&content.Item{}).
		Where("field_versions IS NULL OR field_versions = ''").
		Update("field_versions", "{}").Error
}
