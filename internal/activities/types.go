package activities

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/tyemirov/stravasync/internal/strava"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ActivityType is one entry of the sport-type vocabulary.
type ActivityType struct {
	Name         string    `gorm:"column:name;primaryKey" json:"name"`
	DisplayName  string    `gorm:"column:display_name;not null" json:"display_name"`
	Category     string    `gorm:"column:category;not null;index" json:"category"`
	Icon         string    `gorm:"column:icon" json:"icon"`
	ColorClass   string    `gorm:"column:color_class" json:"color_class"`
	Description  string    `gorm:"column:description" json:"description"`
	IsOfficial   bool      `gorm:"column:is_official;not null;default:false" json:"is_official"`
	DisplayOrder int       `gorm:"column:display_order;not null;default:0" json:"display_order"`
	CreatedAt    time.Time `gorm:"column:created_at" json:"created_at"`
}

// TableName pins the table name.
func (ActivityType) TableName() string {
	return "activity_types"
}

const (
	autoCreatedCategory     = "Other"
	autoCreatedIcon         = "circle-question"
	autoCreatedColorClass   = "badge-other"
	autoCreatedDisplayOrder = 999
)

var categoryIcons = map[string]string{
	"Foot":    "person-running",
	"Cycle":   "bicycle",
	"Water":   "water",
	"Winter":  "snowflake",
	"Fitness": "dumbbell",
}

// OfficialTypes returns the vocabulary seeded on migration.
func OfficialTypes() []ActivityType {
	types := make([]ActivityType, 0, len(strava.SportTypes))
	for index, name := range strava.SportTypes {
		category := strava.SportTypeCategory(name)
		icon, ok := categoryIcons[category]
		if !ok {
			icon = autoCreatedIcon
		}
		types = append(types, ActivityType{
			Name:         name,
			DisplayName:  name,
			Category:     category,
			Icon:         icon,
			ColorClass:   "badge-" + strings.ToLower(category),
			IsOfficial:   true,
			DisplayOrder: index + 1,
		})
	}
	return types
}

// TypeRegistry validates sport types against the vocabulary and extends it.
type TypeRegistry struct {
	db *gorm.DB
}

// NewTypeRegistry returns a registry bound to db, which may be a transaction handle.
func NewTypeRegistry(db *gorm.DB) *TypeRegistry {
	return &TypeRegistry{db: db}
}

// IsKnown reports whether sportType is in the vocabulary.
func (registry *TypeRegistry) IsKnown(ctx context.Context, sportType string) (bool, error) {
	var count int64
	if err := registry.db.WithContext(ctx).Model(&ActivityType{}).Where("name = ?", sportType).Count(&count).Error; err != nil {
		return false, fmt.Errorf("activity_types.is_known: %s: %w", sportType, err)
	}
	return count > 0, nil
}

// Register adds sportType as a non-official type; registering a known type is a no-op.
func (registry *TypeRegistry) Register(ctx context.Context, sportType string) error {
	row := ActivityType{
		Name:         sportType,
		DisplayName:  sportType,
		Category:     autoCreatedCategory,
		Icon:         autoCreatedIcon,
		ColorClass:   autoCreatedColorClass,
		Description:  "Auto-created type for " + sportType,
		IsOfficial:   false,
		DisplayOrder: autoCreatedDisplayOrder,
	}
	if err := registry.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error; err != nil {
		return fmt.Errorf("activity_types.register: %s: %w", sportType, err)
	}
	return nil
}

// List returns the vocabulary ordered by category, display order and name.
func (registry *TypeRegistry) List(ctx context.Context) ([]ActivityType, error) {
	var types []ActivityType
	if err := registry.db.WithContext(ctx).Order("category, display_order, name").Find(&types).Error; err != nil {
		return nil, fmt.Errorf("activity_types.list: %w", err)
	}
	return types, nil
}
