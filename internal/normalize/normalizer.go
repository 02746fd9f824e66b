package normalize

import (
	"context"
	"strings"
	"time"
	"unicode"

	"github.com/tyemirov/stravasync/internal/activities"
	"github.com/tyemirov/stravasync/internal/metrics"
	"github.com/tyemirov/stravasync/internal/strava"
	"go.uber.org/zap"
)

// DefaultSportType is used when an activity names neither sport_type nor type.
const DefaultSportType = "Workout"

var localDateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// Normalizer flattens upstream activities and validates their sport types.
// It is not safe for concurrent use; create one per batch.
type Normalizer struct {
	registry TypeRegistry
	known    *TypeCache
	logger   *zap.Logger
	metrics  metrics.MetricsRecorder

	pending    []string
	pendingSet map[string]struct{}
}

// Option customizes a Normalizer.
type Option func(*Normalizer)

// WithLogger sets the structured logger.
func WithLogger(logger *zap.Logger) Option {
	return func(normalizer *Normalizer) {
		if logger != nil {
			normalizer.logger = logger
		}
	}
}

// WithMetrics sets the event recorder.
func WithMetrics(recorder metrics.MetricsRecorder) Option {
	return func(normalizer *Normalizer) {
		if recorder != nil {
			normalizer.metrics = recorder
		}
	}
}

// New returns a normalizer validating against registry. Types already in known are
// trusted; types validated by this normalizer are reported by Validated so the caller
// can add them to known once its writes are durable. A nil registry disables validation.
func New(registry TypeRegistry, known *TypeCache, options ...Option) *Normalizer {
	if known == nil {
		known = NewTypeCache()
	}
	normalizer := &Normalizer{
		registry:   registry,
		known:      known,
		logger:     zap.NewNop(),
		metrics:    metrics.Discard{},
		pendingSet: make(map[string]struct{}),
	}
	for _, option := range options {
		option(normalizer)
	}
	return normalizer
}

// Mark returns a position to Rewind to when the current item is abandoned.
func (normalizer *Normalizer) Mark() int {
	return len(normalizer.pending)
}

// Rewind forgets the types validated since mark.
func (normalizer *Normalizer) Rewind(mark int) {
	if mark < 0 || mark > len(normalizer.pending) {
		return
	}
	for _, sportType := range normalizer.pending[mark:] {
		delete(normalizer.pendingSet, sportType)
	}
	normalizer.pending = normalizer.pending[:mark]
}

// Validated returns the types validated by this normalizer and not rewound.
func (normalizer *Normalizer) Validated() []string {
	validated := make([]string, len(normalizer.pending))
	copy(validated, normalizer.pending)
	return validated
}

// Transform flattens source into an Activity. Malformed fields become nil; required
// fields stay nil when absent so the caller can report them.
func (normalizer *Normalizer) Transform(ctx context.Context, source any) activities.Activity {
	activity := activities.Activity{
		ResourceState: optionalInt(source, "resource_state"),
		ExternalID:    optionalString(source, "external_id"),
		UploadID:      optionalInt(source, "upload_id"),
		AthleteID:     nestedInt(source, "athlete", "id"),

		StartDate:      optionalString(source, "start_date"),
		StartDateLocal: optionalString(source, "start_date_local"),
		Timezone:       optionalString(source, "timezone"),
		UTCOffset:      optionalFloat(source, "utc_offset"),
		ElapsedTime:    optionalInt(source, "elapsed_time"),
		MovingTime:     optionalInt(source, "moving_time"),

		LocationCity:    optionalString(source, "location_city"),
		LocationState:   optionalString(source, "location_state"),
		LocationCountry: optionalString(source, "location_country"),

		Name:        optionalString(source, "name"),
		Description: description(source),
		Type:        optionalString(source, "type"),
		WorkoutType: optionalInt(source, "workout_type"),

		Distance:             optionalFloat(source, "distance"),
		TotalElevationGain:   optionalFloat(source, "total_elevation_gain"),
		ElevHigh:             optionalFloat(source, "elev_high"),
		ElevLow:              optionalFloat(source, "elev_low"),
		AverageSpeed:         optionalFloat(source, "average_speed"),
		MaxSpeed:             optionalFloat(source, "max_speed"),
		AverageCadence:       optionalFloat(source, "average_cadence"),
		AverageWatts:         optionalFloat(source, "average_watts"),
		WeightedAverageWatts: optionalFloat(source, "weighted_average_watts"),
		MaxWatts:             optionalFloat(source, "max_watts"),
		Kilojoules:           optionalFloat(source, "kilojoules"),
		AverageHeartrate:     optionalFloat(source, "average_heartrate"),
		MaxHeartrate:         optionalFloat(source, "max_heartrate"),
		AverageTemp:          optionalFloat(source, "average_temp"),
		Calories:             optionalFloat(source, "calories"),
		SufferScore:          optionalFloat(source, "suffer_score"),

		KudosCount:       optionalInt(source, "kudos_count"),
		CommentCount:     optionalInt(source, "comment_count"),
		AthleteCount:     optionalInt(source, "athlete_count"),
		PhotoCount:       optionalInt(source, "photo_count"),
		TotalPhotoCount:  optionalInt(source, "total_photo_count"),
		PRCount:          optionalInt(source, "pr_count"),
		AchievementCount: optionalInt(source, "achievement_count"),

		Manual:       optionalBool(source, "manual"),
		Trainer:      optionalBool(source, "trainer"),
		Commute:      optionalBool(source, "commute"),
		Private:      optionalBool(source, "private"),
		Flagged:      optionalBool(source, "flagged"),
		HasHeartrate: optionalBool(source, "has_heartrate"),
		DeviceWatts:  optionalBool(source, "device_watts"),

		GearID:          gearID(source),
		DeviceName:      optionalString(source, "device_name"),
		SummaryPolyline: nestedString(source, "map", "summary_polyline"),
	}
	if id, ok := ActivityID(source); ok {
		activity.ID = id
	}
	if activity.ElapsedTime == nil && activity.MovingTime != nil {
		elapsed := *activity.MovingTime
		activity.ElapsedTime = &elapsed
	}
	if activity.StartDateLocal != nil {
		activity.DayDate = localDay(*activity.StartDateLocal)
	}
	if sportType, ok := resolveSportType(source); ok {
		activity.SportType = &sportType
		normalizer.validateSportType(ctx, sportType)
	}
	return activity
}

func (normalizer *Normalizer) validateSportType(ctx context.Context, sportType string) {
	if normalizer.registry == nil || normalizer.known.Contains(sportType) {
		return
	}
	if _, seen := normalizer.pendingSet[sportType]; seen {
		return
	}
	known, err := normalizer.registry.IsKnown(ctx, sportType)
	if err != nil {
		normalizer.logger.Warn("sport type lookup failed",
			zap.String("code", "normalize.type_lookup"),
			zap.String("sport_type", sportType),
			zap.Error(err))
		return
	}
	if !known {
		if err := normalizer.registry.Register(ctx, sportType); err != nil {
			normalizer.logger.Warn("sport type registration failed",
				zap.String("code", "normalize.type_register"),
				zap.String("sport_type", sportType),
				zap.Error(err))
			return
		}
		normalizer.metrics.Increment(metrics.EventTypeRegistered)
		normalizer.logger.Info("registered sport type", zap.String("sport_type", sportType))
	}
	normalizer.pending = append(normalizer.pending, sportType)
	normalizer.pendingSet[sportType] = struct{}{}
}

// resolveSportType prefers sport_type, then type, then DefaultSportType. A type field
// that is present but unusable leaves the sport type unresolved.
func resolveSportType(source any) (string, bool) {
	if sportType, ok := asString(ExtractValue(source, "sport_type")); ok && strings.TrimSpace(sportType) != "" {
		return CleanSportType(sportType), true
	}
	if _, present := lookup(source, "type"); !present {
		return DefaultSportType, true
	}
	if fallback, ok := asString(ExtractValue(source, "type")); ok && strings.TrimSpace(fallback) != "" {
		return CleanSportType(fallback), true
	}
	return "", false
}

// CleanSportType repairs wire-encoded sport types such as "relax/weighttraining" and
// snaps the result to Strava's spelling when one matches.
func CleanSportType(raw string) string {
	cleaned := strings.TrimSpace(raw)
	if segments := strings.Split(cleaned, "/"); len(segments) > 1 {
		stripped := strings.NewReplacer("(", "", ")", "").Replace(segments[1])
		words := strings.Fields(stripped)
		for index, word := range words {
			words[index] = capitalize(word)
		}
		cleaned = strings.Join(words, "")
	}
	if cleaned == "" {
		return DefaultSportType
	}
	if canonical, ok := strava.CanonicalSportType(cleaned); ok {
		return canonical
	}
	return cleaned
}

func capitalize(word string) string {
	runes := []rune(strings.ToLower(word))
	runes[0] = unicode.ToUpper(runes[0])
	return string(runes)
}

func localDay(startDateLocal string) *string {
	value := strings.TrimSpace(startDateLocal)
	for _, layout := range localDateLayouts {
		parsed, err := time.Parse(layout, value)
		if err == nil {
			day := parsed.Format("2006-01-02")
			return &day
		}
	}
	return nil
}

func description(source any) *string {
	value, ok := asString(ExtractValue(source, "description"))
	if !ok || strings.TrimSpace(value) == "" || value == "None" {
		return nil
	}
	return &value
}

func gearID(source any) *string {
	if gear := ExtractValue(source, "gear"); gear != nil {
		if id, ok := asString(ExtractValue(gear, "id")); ok && id != "" {
			return &id
		}
	}
	if id, ok := asString(ExtractValue(source, "gear_id")); ok && id != "" {
		return &id
	}
	return nil
}

func optionalString(source any, field string) *string {
	value, ok := asString(ExtractValue(source, field))
	if !ok {
		return nil
	}
	return &value
}

func optionalInt(source any, field string) *int64 {
	value, ok := asInt64(ExtractValue(source, field))
	if !ok {
		return nil
	}
	return &value
}

func optionalFloat(source any, field string) *float64 {
	value, ok := asFloat(ExtractValue(source, field))
	if !ok {
		return nil
	}
	return &value
}

func optionalBool(source any, field string) *bool {
	value, ok := asBool(ExtractValue(source, field))
	if !ok {
		return nil
	}
	return &value
}

func nestedInt(source any, parent, field string) *int64 {
	nested := ExtractValue(source, parent)
	if nested == nil {
		return nil
	}
	return optionalInt(nested, field)
}

func nestedString(source any, parent, field string) *string {
	nested := ExtractValue(source, parent)
	if nested == nil {
		return nil
	}
	return optionalString(nested, field)
}
