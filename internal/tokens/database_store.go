package tokens

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DatabaseStore persists Strava token records using GORM.
type DatabaseStore struct {
	db          *gorm.DB
	driverLabel string
}

type tokenRecord struct {
	UserID       string `gorm:"column:user_id;primaryKey"`
	AccessToken  string `gorm:"column:access_token;not null"`
	RefreshToken string `gorm:"column:refresh_token;not null"`
	ExpiresAt    int64  `gorm:"column:expires_at;not null"`
	AthleteID    int64  `gorm:"column:athlete_id;index;not null;default:0"`
	AthleteName  string `gorm:"column:athlete_name;not null;default:''"`
	CreatedAt    int64  `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt    int64  `gorm:"column:updated_at;not null"`
}

func (tokenRecord) TableName() string {
	return "strava_tokens"
}

// NewDatabaseStore migrates the token table and returns a store bound to db.
func NewDatabaseStore(ctx context.Context, db *gorm.DB, driverLabel string) (*DatabaseStore, error) {
	if db == nil {
		return nil, errors.New("token_store.open: nil database")
	}
	if migrateErr := db.WithContext(ctx).AutoMigrate(&tokenRecord{}); migrateErr != nil {
		return nil, fmt.Errorf("token_store.migrate.%s: %w", driverLabel, migrateErr)
	}
	return &DatabaseStore{db: db, driverLabel: driverLabel}, nil
}

// Driver exposes the selected database driver label.
func (store *DatabaseStore) Driver() string {
	return store.driverLabel
}

// Load returns the record for userID or ErrTokenNotFound.
func (store *DatabaseStore) Load(ctx context.Context, userID string) (Record, error) {
	if strings.TrimSpace(userID) == "" {
		return Record{}, fmt.Errorf("token_store.load.%s: %w", store.driverLabel, ErrEmptyUserID)
	}
	var row tokenRecord
	err := store.db.WithContext(ctx).Where("user_id = ?", userID).Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Record{}, fmt.Errorf("token_store.load.%s: %w", store.driverLabel, ErrTokenNotFound)
		}
		return Record{}, fmt.Errorf("token_store.load.%s: %w", store.driverLabel, err)
	}
	return Record{
		UserID:       row.UserID,
		AccessToken:  row.AccessToken,
		RefreshToken: row.RefreshToken,
		ExpiresAt:    row.ExpiresAt,
		AthleteID:    row.AthleteID,
		AthleteName:  row.AthleteName,
		UpdatedAt:    row.UpdatedAt,
	}, nil
}

// Save inserts or replaces the record keyed by its user id.
func (store *DatabaseStore) Save(ctx context.Context, record Record) error {
	if strings.TrimSpace(record.UserID) == "" {
		return fmt.Errorf("token_store.save.%s: %w", store.driverLabel, ErrEmptyUserID)
	}
	updatedAt := record.UpdatedAt
	if updatedAt == 0 {
		updatedAt = time.Now().UTC().Unix()
	}
	row := tokenRecord{
		UserID:       record.UserID,
		AccessToken:  record.AccessToken,
		RefreshToken: record.RefreshToken,
		ExpiresAt:    record.ExpiresAt,
		AthleteID:    record.AthleteID,
		AthleteName:  record.AthleteName,
		UpdatedAt:    updatedAt,
	}
	err := store.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"access_token", "refresh_token", "expires_at", "athlete_id", "athlete_name", "updated_at",
		}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("token_store.save.%s: %w", store.driverLabel, err)
	}
	return nil
}

// Delete removes the record for userID; deleting a missing record is not an error.
func (store *DatabaseStore) Delete(ctx context.Context, userID string) error {
	if strings.TrimSpace(userID) == "" {
		return fmt.Errorf("token_store.delete.%s: %w", store.driverLabel, ErrEmptyUserID)
	}
	if err := store.db.WithContext(ctx).Where("user_id = ?", userID).Delete(&tokenRecord{}).Error; err != nil {
		return fmt.Errorf("token_store.delete.%s: %w", store.driverLabel, err)
	}
	return nil
}
