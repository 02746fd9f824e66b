package activities

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Migrate creates the activity and vocabulary tables and seeds the official sport types.
func Migrate(ctx context.Context, db *gorm.DB) error {
	if db == nil {
		return errors.New("activity_store.migrate: nil database")
	}
	if err := db.WithContext(ctx).AutoMigrate(&Activity{}, &ActivityType{}); err != nil {
		return fmt.Errorf("activity_store.migrate: %w", err)
	}
	seed := OfficialTypes()
	if err := db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&seed).Error; err != nil {
		return fmt.Errorf("activity_store.seed_types: %w", err)
	}
	return nil
}
