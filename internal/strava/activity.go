package strava

import "strings"

// Activity is an activity exactly as Strava serialized it. Field shapes vary between
// the summary and detail endpoints, so values stay untyped until normalization.
type Activity map[string]any

// Field returns the raw value stored under name.
func (activity Activity) Field(name string) (any, bool) {
	if activity == nil {
		return nil, false
	}
	value, ok := activity[name]
	return value, ok
}

// Athlete is the authenticated athlete profile.
type Athlete struct {
	ID        int64  `json:"id"`
	Username  string `json:"username"`
	FirstName string `json:"firstname"`
	LastName  string `json:"lastname"`
	Profile   string `json:"profile"`
	City      string `json:"city"`
	State     string `json:"state"`
	Country   string `json:"country"`
}

// DisplayName joins first and last name, falling back to a generic label.
func (athlete Athlete) DisplayName() string {
	name := strings.TrimSpace(athlete.FirstName + " " + athlete.LastName)
	if name == "" {
		return "Strava User"
	}
	return name
}
