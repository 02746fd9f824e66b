package activities

import (
	"errors"
	"strings"
	"time"
)

var (
	// ErrActivityNotFound indicates no stored activity carries the requested id.
	ErrActivityNotFound = errors.New("activity_store.not_found")
	// ErrMissingID indicates an activity without a Strava id reached the store.
	ErrMissingID = errors.New("activity_store.missing_id")
	// ErrMissingRequiredFields indicates a new activity lacks a column the table requires.
	ErrMissingRequiredFields = errors.New("activity_store.missing_required_fields")
)

// MissingFieldsError lists the required columns absent from a new activity.
type MissingFieldsError struct {
	Fields []string
}

func (missingErr *MissingFieldsError) Error() string {
	return "Missing required fields: " + strings.Join(missingErr.Fields, ", ")
}

// Is reports ErrMissingRequiredFields.
func (missingErr *MissingFieldsError) Is(target error) bool {
	return target == ErrMissingRequiredFields
}

// Activity is one Strava activity flattened for storage. Optional columns are pointers
// so that absence survives a round trip; an ID of zero means the source had no id.
// Rows are keyed by the owning application user and the Strava id.
type Activity struct {
	UserID        string  `gorm:"column:user_id;primaryKey;size:191" json:"-"`
	ID            int64   `gorm:"column:id;primaryKey;autoIncrement:false" json:"id"`
	ResourceState *int64  `gorm:"column:resource_state" json:"resource_state,omitempty"`
	ExternalID    *string `gorm:"column:external_id" json:"external_id,omitempty"`
	UploadID      *int64  `gorm:"column:upload_id" json:"upload_id,omitempty"`
	AthleteID     *int64  `gorm:"column:athlete_id;index" json:"athlete_id,omitempty"`

	StartDate      *string  `gorm:"column:start_date;not null;index" json:"start_date,omitempty"`
	StartDateLocal *string  `gorm:"column:start_date_local;not null" json:"start_date_local"`
	Timezone       *string  `gorm:"column:timezone" json:"timezone,omitempty"`
	UTCOffset      *float64 `gorm:"column:utc_offset" json:"utc_offset,omitempty"`
	ElapsedTime    *int64   `gorm:"column:elapsed_time;not null" json:"elapsed_time"`
	MovingTime     *int64   `gorm:"column:moving_time" json:"moving_time,omitempty"`
	DayDate        *string  `gorm:"column:day_date;index" json:"day_date,omitempty"`

	LocationCity    *string `gorm:"column:location_city" json:"location_city,omitempty"`
	LocationState   *string `gorm:"column:location_state" json:"location_state,omitempty"`
	LocationCountry *string `gorm:"column:location_country" json:"location_country,omitempty"`

	Name        *string `gorm:"column:name;not null" json:"name"`
	Description *string `gorm:"column:description" json:"description,omitempty"`
	Type        *string `gorm:"column:type" json:"type,omitempty"`
	SportType   *string `gorm:"column:sport_type;not null;index" json:"sport_type"`
	WorkoutType *int64  `gorm:"column:workout_type" json:"workout_type,omitempty"`

	Distance             *float64 `gorm:"column:distance" json:"distance,omitempty"`
	TotalElevationGain   *float64 `gorm:"column:total_elevation_gain" json:"total_elevation_gain,omitempty"`
	ElevHigh             *float64 `gorm:"column:elev_high" json:"elev_high,omitempty"`
	ElevLow              *float64 `gorm:"column:elev_low" json:"elev_low,omitempty"`
	AverageSpeed         *float64 `gorm:"column:average_speed" json:"average_speed,omitempty"`
	MaxSpeed             *float64 `gorm:"column:max_speed" json:"max_speed,omitempty"`
	AverageCadence       *float64 `gorm:"column:average_cadence" json:"average_cadence,omitempty"`
	AverageWatts         *float64 `gorm:"column:average_watts" json:"average_watts,omitempty"`
	WeightedAverageWatts *float64 `gorm:"column:weighted_average_watts" json:"weighted_average_watts,omitempty"`
	MaxWatts             *float64 `gorm:"column:max_watts" json:"max_watts,omitempty"`
	Kilojoules           *float64 `gorm:"column:kilojoules" json:"kilojoules,omitempty"`
	AverageHeartrate     *float64 `gorm:"column:average_heartrate" json:"average_heartrate,omitempty"`
	MaxHeartrate         *float64 `gorm:"column:max_heartrate" json:"max_heartrate,omitempty"`
	AverageTemp          *float64 `gorm:"column:average_temp" json:"average_temp,omitempty"`
	Calories             *float64 `gorm:"column:calories" json:"calories,omitempty"`
	SufferScore          *float64 `gorm:"column:suffer_score" json:"suffer_score,omitempty"`

	KudosCount       *int64 `gorm:"column:kudos_count" json:"kudos_count,omitempty"`
	CommentCount     *int64 `gorm:"column:comment_count" json:"comment_count,omitempty"`
	AthleteCount     *int64 `gorm:"column:athlete_count" json:"athlete_count,omitempty"`
	PhotoCount       *int64 `gorm:"column:photo_count" json:"photo_count,omitempty"`
	TotalPhotoCount  *int64 `gorm:"column:total_photo_count" json:"total_photo_count,omitempty"`
	PRCount          *int64 `gorm:"column:pr_count" json:"pr_count,omitempty"`
	AchievementCount *int64 `gorm:"column:achievement_count" json:"achievement_count,omitempty"`

	Manual       *bool `gorm:"column:manual" json:"manual,omitempty"`
	Trainer      *bool `gorm:"column:trainer" json:"trainer,omitempty"`
	Commute      *bool `gorm:"column:commute" json:"commute,omitempty"`
	Private      *bool `gorm:"column:private" json:"private,omitempty"`
	Flagged      *bool `gorm:"column:flagged" json:"flagged,omitempty"`
	HasHeartrate *bool `gorm:"column:has_heartrate" json:"has_heartrate,omitempty"`
	DeviceWatts  *bool `gorm:"column:device_watts" json:"device_watts,omitempty"`

	GearID          *string `gorm:"column:gear_id;index" json:"gear_id,omitempty"`
	DeviceName      *string `gorm:"column:device_name" json:"device_name,omitempty"`
	SummaryPolyline *string `gorm:"column:summary_polyline" json:"summary_polyline,omitempty"`

	CreatedAt time.Time `gorm:"column:created_at" json:"created_at"`
	UpdatedAt time.Time `gorm:"column:updated_at" json:"updated_at"`
}

// TableName pins the table name.
func (Activity) TableName() string {
	return "activities"
}

// MissingRequiredFields names the required columns that are absent, in column order.
func (activity Activity) MissingRequiredFields() []string {
	var missing []string
	if activity.ID == 0 {
		missing = append(missing, "id")
	}
	if activity.Name == nil {
		missing = append(missing, "name")
	}
	if activity.SportType == nil {
		missing = append(missing, "sport_type")
	}
	if activity.StartDateLocal == nil {
		missing = append(missing, "start_date_local")
	}
	if activity.ElapsedTime == nil {
		missing = append(missing, "elapsed_time")
	}
	return missing
}

// HasDescription reports whether a non-blank description is stored.
func (activity Activity) HasDescription() bool {
	return activity.Description != nil && strings.TrimSpace(*activity.Description) != ""
}
