package strava

import "strings"

// SportTypes lists Strava's documented sport_type values.
var SportTypes = []string{
	"AlpineSki", "BackcountrySki", "Badminton", "Canoeing", "Crossfit", "EBikeRide",
	"Elliptical", "EMountainBikeRide", "Golf", "GravelRide", "Handcycle",
	"HighIntensityIntervalTraining", "Hike", "IceSkate", "InlineSkate", "Kayaking",
	"Kitesurf", "MountainBikeRide", "NordicSki", "Pickleball", "Pilates", "Racquetball",
	"Ride", "RockClimbing", "RollerSki", "Rowing", "Run", "Sail", "Skateboard",
	"Snowboard", "Snowshoe", "Soccer", "Squash", "StairStepper", "StandUpPaddling",
	"Surfing", "Swim", "TableTennis", "Tennis", "TrailRun", "Velomobile", "VirtualRide",
	"VirtualRow", "VirtualRun", "Walk", "WeightTraining", "Wheelchair", "Windsurf",
	"Workout", "Yoga",
}

var sportTypeCategories = map[string]string{
	"Run": "Foot", "TrailRun": "Foot", "VirtualRun": "Foot", "Walk": "Foot", "Hike": "Foot",
	"Snowshoe": "Foot", "Wheelchair": "Foot",
	"Ride": "Cycle", "GravelRide": "Cycle", "MountainBikeRide": "Cycle", "EBikeRide": "Cycle",
	"EMountainBikeRide": "Cycle", "VirtualRide": "Cycle", "Handcycle": "Cycle", "Velomobile": "Cycle",
	"Swim": "Water", "Rowing": "Water", "VirtualRow": "Water", "Canoeing": "Water", "Kayaking": "Water",
	"Kitesurf": "Water", "Sail": "Water", "StandUpPaddling": "Water", "Surfing": "Water", "Windsurf": "Water",
	"AlpineSki": "Winter", "BackcountrySki": "Winter", "NordicSki": "Winter", "Snowboard": "Winter",
	"IceSkate": "Winter", "RollerSki": "Winter",
	"WeightTraining": "Fitness", "Crossfit": "Fitness", "Elliptical": "Fitness", "Pilates": "Fitness",
	"Yoga": "Fitness", "StairStepper": "Fitness", "HighIntensityIntervalTraining": "Fitness", "Workout": "Fitness",
}

var canonicalSportTypes = func() map[string]string {
	lookup := make(map[string]string, len(SportTypes))
	for _, sportType := range SportTypes {
		lookup[sportTypeKey(sportType)] = sportType
	}
	return lookup
}()

// CanonicalSportType maps a loosely spelled sport type to Strava's spelling.
func CanonicalSportType(name string) (string, bool) {
	canonical, ok := canonicalSportTypes[sportTypeKey(name)]
	return canonical, ok
}

// SportTypeCategory groups a sport type; unknown types fall into "Other".
func SportTypeCategory(sportType string) string {
	if category, ok := sportTypeCategories[sportType]; ok {
		return category
	}
	return "Other"
}

func sportTypeKey(name string) string {
	replacer := strings.NewReplacer(" ", "", "_", "", "-", "")
	return strings.ToLower(replacer.Replace(name))
}
