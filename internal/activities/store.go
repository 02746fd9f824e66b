package activities

import (
	"context"
	"errors"
	"fmt"
	"math"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Store reads and writes the activities of one owner through GORM; bind it to a
// transaction to batch writes.
type Store struct {
	db    *gorm.DB
	owner string
}

// NewStore returns a store bound to db, which may be a transaction handle.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// ForUser returns a store that only sees and writes the activities of userID.
func (store *Store) ForUser(userID string) *Store {
	return &Store{db: store.db, owner: userID}
}

func (store *Store) owned(ctx context.Context) *gorm.DB {
	return store.db.WithContext(ctx).Model(&Activity{}).Where("user_id = ?", store.owner)
}

// GetByID returns the owner's activity or ErrActivityNotFound.
func (store *Store) GetByID(ctx context.Context, activityID int64) (Activity, error) {
	var activity Activity
	err := store.owned(ctx).Where("id = ?", activityID).Take(&activity).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Activity{}, fmt.Errorf("activity_store.get: %d: %w", activityID, ErrActivityNotFound)
		}
		return Activity{}, fmt.Errorf("activity_store.get: %d: %w", activityID, err)
	}
	return activity, nil
}

// Create inserts a new activity. start_date defaults to start_date_local, moving_time
// to elapsed_time, and manual to true.
func (store *Store) Create(ctx context.Context, activity Activity) (Activity, error) {
	activity.UserID = store.owner
	prepared, err := prepareForInsert(activity)
	if err != nil {
		return Activity{}, fmt.Errorf("activity_store.create: %w", err)
	}
	if err := store.db.WithContext(ctx).Create(&prepared).Error; err != nil {
		return Activity{}, fmt.Errorf("activity_store.create: %d: %w", prepared.ID, err)
	}
	return store.GetByID(ctx, prepared.ID)
}

// Update overwrites every non-nil column of activity on the row with activityID
// and returns the number of rows affected.
func (store *Store) Update(ctx context.Context, activityID int64, activity Activity) (int64, error) {
	activity.UserID = store.owner
	result := store.owned(ctx).
		Where("id = ?", activityID).
		Omit("user_id", "id", "created_at").
		Updates(&activity)
	if result.Error != nil {
		return 0, fmt.Errorf("activity_store.update: %d: %w", activityID, result.Error)
	}
	if result.RowsAffected == 0 {
		return 0, fmt.Errorf("activity_store.update: %d: %w", activityID, ErrActivityNotFound)
	}
	return result.RowsAffected, nil
}

// Upsert creates the activity when its id is unseen and updates it otherwise.
// The insert skips on conflict, so a concurrent writer turns it into an update
// rather than a duplicate row.
func (store *Store) Upsert(ctx context.Context, activity Activity) (bool, Activity, error) {
	if activity.ID == 0 {
		return false, Activity{}, fmt.Errorf("activity_store.upsert: %w", ErrMissingID)
	}
	activity.UserID = store.owner
	_, err := store.GetByID(ctx, activity.ID)
	switch {
	case err == nil:
		return store.updateExisting(ctx, activity)
	case !errors.Is(err, ErrActivityNotFound):
		return false, Activity{}, fmt.Errorf("activity_store.upsert: %w", err)
	}

	prepared, err := prepareForInsert(activity)
	if err != nil {
		return false, Activity{}, fmt.Errorf("activity_store.upsert: %w", err)
	}
	result := store.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&prepared)
	if result.Error != nil {
		return false, Activity{}, fmt.Errorf("activity_store.upsert: %d: %w", activity.ID, result.Error)
	}
	if result.RowsAffected == 0 {
		return store.updateExisting(ctx, activity)
	}
	created, err := store.GetByID(ctx, activity.ID)
	if err != nil {
		return false, Activity{}, fmt.Errorf("activity_store.upsert: %w", err)
	}
	return true, created, nil
}

func (store *Store) updateExisting(ctx context.Context, activity Activity) (bool, Activity, error) {
	if _, err := store.Update(ctx, activity.ID, activity); err != nil {
		return false, Activity{}, fmt.Errorf("activity_store.upsert: %w", err)
	}
	updated, err := store.GetByID(ctx, activity.ID)
	if err != nil {
		return false, Activity{}, fmt.Errorf("activity_store.upsert: %w", err)
	}
	return false, updated, nil
}

func prepareForInsert(activity Activity) (Activity, error) {
	if missing := activity.MissingRequiredFields(); len(missing) > 0 {
		return Activity{}, &MissingFieldsError{Fields: missing}
	}
	if activity.StartDate == nil {
		startDate := *activity.StartDateLocal
		activity.StartDate = &startDate
	}
	if activity.MovingTime == nil {
		movingTime := *activity.ElapsedTime
		activity.MovingTime = &movingTime
	}
	if activity.Manual == nil {
		manual := true
		activity.Manual = &manual
	}
	return activity, nil
}

// Filter narrows List and Stats. DayDate takes precedence over the start/end range.
type Filter struct {
	SportType string
	DayDate   string
	StartDate string
	EndDate   string
	GearID    string
	Limit     int
	Offset    int
}

func (filter Filter) apply(query *gorm.DB) *gorm.DB {
	if filter.SportType != "" {
		query = query.Where("sport_type = ?", filter.SportType)
	}
	if filter.DayDate != "" {
		query = query.Where("day_date = ?", filter.DayDate)
	} else {
		if filter.StartDate != "" {
			query = query.Where("start_date >= ?", filter.StartDate)
		}
		if filter.EndDate != "" {
			query = query.Where("start_date <= ?", filter.EndDate)
		}
	}
	if filter.GearID != "" {
		query = query.Where("gear_id = ?", filter.GearID)
	}
	return query
}

// List returns the owner's matching activities, most recent first.
func (store *Store) List(ctx context.Context, filter Filter) ([]Activity, error) {
	query := filter.apply(store.owned(ctx)).Order("start_date DESC")
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}
	if filter.Offset > 0 {
		query = query.Offset(filter.Offset)
	}
	var activities []Activity
	if err := query.Find(&activities).Error; err != nil {
		return nil, fmt.Errorf("activity_store.list: %w", err)
	}
	return activities, nil
}

// Stats aggregates matching activities.
type Stats struct {
	TotalActivities      int64   `json:"total_activities"`
	TotalDistanceMeters  float64 `json:"total_distance_meters"`
	TotalDistanceKm      float64 `json:"total_distance_km"`
	TotalElevationMeters float64 `json:"total_elevation_meters"`
	TotalTimeSeconds     float64 `json:"total_time_seconds"`
	TotalTimeHours       float64 `json:"total_time_hours"`
	AverageDistanceKm    float64 `json:"average_distance_km"`
}

type statsRow struct {
	TotalActivities int64
	TotalDistance   float64
	TotalElevation  float64
	TotalTime       float64
}

// Stats sums distance, elevation gain and moving time over the owner's matching
// activities. Limit and Offset are ignored.
func (store *Store) Stats(ctx context.Context, filter Filter) (Stats, error) {
	var row statsRow
	err := filter.apply(store.owned(ctx)).
		Select("COUNT(*) AS total_activities, " +
			"COALESCE(SUM(distance), 0) AS total_distance, " +
			"COALESCE(SUM(total_elevation_gain), 0) AS total_elevation, " +
			"COALESCE(SUM(moving_time), 0) AS total_time").
		Scan(&row).Error
	if err != nil {
		return Stats{}, fmt.Errorf("activity_store.stats: %w", err)
	}
	stats := Stats{
		TotalActivities:      row.TotalActivities,
		TotalDistanceMeters:  row.TotalDistance,
		TotalDistanceKm:      roundHundredths(row.TotalDistance / 1000),
		TotalElevationMeters: row.TotalElevation,
		TotalTimeSeconds:     row.TotalTime,
		TotalTimeHours:       roundHundredths(row.TotalTime / 3600),
	}
	if row.TotalActivities > 0 {
		stats.AverageDistanceKm = roundHundredths(row.TotalDistance / 1000 / float64(row.TotalActivities))
	}
	return stats, nil
}

func roundHundredths(value float64) float64 {
	return math.Round(value*100) / 100
}
