package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/kiosk/backend/internal/measurements"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationRepairMeasurementCategories = "2026-09-14_repair_measurement_categories"
	repairBatchSize                      = 200
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB, *zap.Logger) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationRepairMeasurementCategories, apply: repairMeasurementCategories},
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
		if err := migration.apply(db, logger); err != nil {
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

// repairMeasurementCategories recomputes BMI and category from height and
// weight for every stored row and rewrites any that disagree. Rows whose raw
// reading falls outside the sensor range are left as they are.
func repairMeasurementCategories(db *gorm.DB, logger *zap.Logger) error {
	var repaired, skipped int
	var batch []measurements.Record
	writer := db.Session(&gorm.Session{NewDB: true})
	result := db.Model(&measurements.Record{}).FindInBatches(&batch, repairBatchSize, func(_ *gorm.DB, _ int) error {
		for _, record := range batch {
			metrics, err := measurements.Derive(record.HeightCm, record.WeightKg)
			if err != nil {
				skipped++
				continue
			}
			if metrics.BMI == record.BMI && metrics.Category == record.Category {
				continue
			}
			if err := writer.Model(&measurements.Record{}).
				Where("measurement_id = ?", record.MeasurementID).
				UpdateColumns(map[string]any{"bmi": metrics.BMI, "category": metrics.Category}).Error; err != nil {
				return err
			}
			repaired++
		}
		return nil
	})
	if result.Error != nil {
		return result.Error
	}
	if logger != nil && (repaired > 0 || skipped > 0) {
		logger.Info("measurement categories repaired", zap.Int("repaired", repaired), zap.Int("skipped", skipped))
	}
	return nil
}
