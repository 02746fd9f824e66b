package tokens

import "time"

// ExpiryBuffer is subtracted from the provider expiry before a token is trusted.
const ExpiryBuffer = 300 * time.Second

// RefreshTimeout bounds one refresh call to the token endpoint.
const RefreshTimeout = 15 * time.Second

// Record is the persisted Strava connection of one application user.
type Record struct {
	UserID       string `json:"user_id"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresAt    int64  `json:"expires_at"`
	AthleteID    int64  `json:"athlete_id,omitempty"`
	AthleteName  string `json:"athlete_name,omitempty"`
	UpdatedAt    int64  `json:"updated_at"`
}

// ValidAt reports whether the access token outlives now by more than ExpiryBuffer.
func (record Record) ValidAt(now time.Time) bool {
	if record.AccessToken == "" {
		return false
	}
	return record.ExpiresAt > now.Add(ExpiryBuffer).Unix()
}

// ExpiresTime returns the provider expiry as a UTC time.
func (record Record) ExpiresTime() time.Time {
	return time.Unix(record.ExpiresAt, 0).UTC()
}
